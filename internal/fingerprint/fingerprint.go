// Package fingerprint derives a stable identity for an exception or ANR
// occurrence from the shape of its stack trace. Occurrences sharing a
// fingerprint are clustered into one issue group.
package fingerprint

import (
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/apptrail/apptrail/internal/event"
)

// DefaultDepth is the number of top frames hashed into a fingerprint.
const DefaultDepth = 5

// Unknown is the sentinel fingerprint for occurrences without any frames.
const Unknown = "unknown"

const frameDelimiter = "|"

// Compute returns the fingerprint of the given frames, considering at most
// depth top frames. Frames are normalized to (class, method): line numbers
// and file names vary build to build and must not fragment a group. Thread
// names and messages never participate for the same reason.
//
// The result is a pure function of the normalized input.
func Compute(frames []event.Frame, depth int) string {
	if len(frames) == 0 {
		return Unknown
	}
	if depth <= 0 {
		depth = DefaultDepth
	}
	if len(frames) > depth {
		frames = frames[:depth]
	}

	parts := make([]string, 0, len(frames))
	for _, f := range frames {
		parts = append(parts, f.ClassName+"."+f.MethodName)
	}

	sum := xxhash.Sum64String(strings.Join(parts, frameDelimiter))
	return strconv.FormatUint(sum, 16)
}

// DisplayName derives a human-readable group name from the top frame,
// falling back to Unknown for frameless occurrences.
func DisplayName(frames []event.Frame) string {
	if len(frames) == 0 {
		return Unknown
	}
	top := frames[0]
	if top.MethodName == "" {
		return top.ClassName
	}
	return top.ClassName + "." + top.MethodName
}
