// Package event defines the telemetry records captured by the client SDKs:
// exception and ANR occurrences plus the lifecycle events that drive the
// session journey.
package event

import (
	"time"

	"github.com/google/uuid"
)

// Kind identifies the variant carried by an Event.
type Kind string

const (
	KindLifecycleActivity Kind = "lifecycle_activity"
	KindLifecycleFragment Kind = "lifecycle_fragment"
	KindException         Kind = "exception"
	KindANR               Kind = "anr"
)

// Lifecycle transition names reported by the SDK. Only the entering
// transitions participate in journey construction.
const (
	ActivityCreated  = "created"
	ActivityResumed  = "resumed"
	FragmentAttached = "attached"
	FragmentResumed  = "resumed"
)

// Payload is implemented by exactly one type per event kind.
type Payload interface {
	Kind() Kind
}

// LifecycleActivity reports an Android activity lifecycle transition.
type LifecycleActivity struct {
	Type      string `json:"type"`
	ClassName string `json:"class_name"`
}

func (LifecycleActivity) Kind() Kind { return KindLifecycleActivity }

// LifecycleFragment reports an Android fragment lifecycle transition.
type LifecycleFragment struct {
	Type           string `json:"type"`
	ClassName      string `json:"class_name"`
	ParentActivity string `json:"parent_activity"`
}

func (LifecycleFragment) Kind() Kind { return KindLifecycleFragment }

// Exception reports a captured exception.
type Exception struct {
	Handled     bool   `json:"handled"`
	Foreground  bool   `json:"foreground"`
	Fingerprint string `json:"fingerprint"`
}

func (Exception) Kind() Kind { return KindException }

// ANR reports an application-not-responding detection.
type ANR struct {
	Foreground  bool   `json:"foreground"`
	Fingerprint string `json:"fingerprint"`
}

func (ANR) Kind() Kind { return KindANR }

// Event is one element of a session's chronological stream. The Payload
// determines the event kind; every event carries exactly one variant.
type Event struct {
	ID        uuid.UUID `json:"id"`
	SessionID uuid.UUID `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
	Payload   Payload   `json:"-"`
}

// Kind returns the payload kind, or the empty string for an event without a
// payload.
func (e Event) Kind() Kind {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.Kind()
}

// EntersLocation returns the journey location entered by this event, or the
// empty string when the event does not represent entering a location.
func (e Event) EntersLocation() string {
	switch p := e.Payload.(type) {
	case LifecycleActivity:
		if p.Type == ActivityCreated || p.Type == ActivityResumed {
			return p.ClassName
		}
	case LifecycleFragment:
		if p.Type == FragmentAttached || p.Type == FragmentResumed {
			return p.ClassName
		}
	}
	return ""
}

// IsIssue reports whether the event is an unhandled exception or an ANR, the
// two kinds attributed to journey nodes.
func (e Event) IsIssue() bool {
	switch p := e.Payload.(type) {
	case Exception:
		return !p.Handled
	case ANR:
		return true
	}
	return false
}
