// Package journey reconstructs the directed graph of user navigation from a
// session's lifecycle events and attaches the issue groups observed at each
// screen.
package journey

import (
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/apptrail/apptrail/internal/event"
	"github.com/apptrail/apptrail/internal/group"
	"github.com/apptrail/apptrail/internal/set"
)

// Options controls graph construction.
type Options struct {
	// Bidirectional also records the reverse transition for every observed
	// screen change.
	Bidirectional bool
}

// Issue is a group attached to a node with its per-node occurrence count.
type Issue struct {
	ID    uuid.UUID `json:"id"`
	Title string    `json:"title"`
	Count int       `json:"count"`
}

// Node is one distinct screen location with its attached issue groups.
type Node struct {
	ID      string  `json:"id"`
	Crashes []Issue `json:"crashes"`
	ANRs    []Issue `json:"anrs"`
}

// Edge is a directed screen transition weighted by the number of distinct
// sessions that produced it.
type Edge struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Value  int    `json:"value"`
}

type edgeKey struct {
	source int
	target int
}

type edgeAgg struct {
	key      edgeKey
	sessions int
}

// Journey is an explicit adjacency representation of the navigation graph:
// a bimap between node indices and location names plus a weighted edge list.
type Journey struct {
	opts Options

	nodeIndex map[string]int
	nodeNames []string

	edgeIndex map[edgeKey]int
	edges     []edgeAgg

	crashIDs map[int]*set.UUIDSet
	anrIDs   map[int]*set.UUIDSet

	nodeCrashes map[int][]Issue
	nodeANRs    map[int][]Issue
}

// Build constructs the journey graph from a chronologically ordered event
// stream spanning any number of sessions. Sessions are processed
// concurrently since they are independent; the merge into the shared graph
// happens in a single-threaded reduce over a deterministic session order.
func Build(events []event.Event, opts Options) *Journey {
	j := &Journey{
		opts:        opts,
		nodeIndex:   make(map[string]int),
		edgeIndex:   make(map[edgeKey]int),
		crashIDs:    make(map[int]*set.UUIDSet),
		anrIDs:      make(map[int]*set.UUIDSet),
		nodeCrashes: make(map[int][]Issue),
		nodeANRs:    make(map[int][]Issue),
	}

	sessions := splitSessions(events)
	if len(sessions) == 0 {
		return j
	}

	partials := make([]sessionPartial, len(sessions))
	g := new(errgroup.Group)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := range sessions {
		i := i
		g.Go(func() error {
			partials[i] = buildSession(sessions[i], opts)
			return nil
		})
	}
	// Session passes are pure and never fail.
	_ = g.Wait()

	for i := range partials {
		j.merge(&partials[i])
	}

	return j
}

// AttachGroups resolves, for every node, which candidate groups own the
// issue occurrences recorded there. Only groups with a nonzero per-node
// count are attached, ordered descending by count with ids breaking ties.
func (j *Journey) AttachGroups(crashGroups, anrGroups []group.Group) {
	for v := range j.nodeNames {
		j.nodeCrashes[v] = attachTo(j.crashIDs[v], crashGroups)
		j.nodeANRs[v] = attachTo(j.anrIDs[v], anrGroups)
	}
}

// Nodes returns every distinct location observed in the input, in
// first-visited order, with attached issues.
func (j *Journey) Nodes() []Node {
	nodes := make([]Node, 0, len(j.nodeNames))
	for v, name := range j.nodeNames {
		crashes := j.nodeCrashes[v]
		if crashes == nil {
			crashes = []Issue{}
		}
		anrs := j.nodeANRs[v]
		if anrs == nil {
			anrs = []Issue{}
		}
		nodes = append(nodes, Node{ID: name, Crashes: crashes, ANRs: anrs})
	}
	return nodes
}

// Links returns the merged directed edges. Parallel transitions between the
// same ordered pair collapse into one edge whose value is the number of
// distinct sessions that produced the transition; A->B and B->A stay
// distinct.
func (j *Journey) Links() []Edge {
	links := make([]Edge, 0, len(j.edges))
	for _, e := range j.edges {
		links = append(links, Edge{
			Source: j.nodeNames[e.key.source],
			Target: j.nodeNames[e.key.target],
			Value:  e.sessions,
		})
	}
	return links
}

// NodeIssueIDs returns the issue occurrence ids recorded against a location,
// split into crash and ANR ids.
func (j *Journey) NodeIssueIDs(location string) (crashes, anrs []uuid.UUID) {
	v, ok := j.nodeIndex[location]
	if !ok {
		return nil, nil
	}
	if s := j.crashIDs[v]; s != nil {
		crashes = s.Slice()
	}
	if s := j.anrIDs[v]; s != nil {
		anrs = s.Slice()
	}
	return crashes, anrs
}

func (j *Journey) vertex(location string) int {
	if v, ok := j.nodeIndex[location]; ok {
		return v
	}
	v := len(j.nodeNames)
	j.nodeIndex[location] = v
	j.nodeNames = append(j.nodeNames, location)
	return v
}

func (j *Journey) merge(p *sessionPartial) {
	for _, loc := range p.locations {
		j.vertex(loc)
	}

	for _, tr := range p.transitions {
		key := edgeKey{source: j.vertex(tr.source), target: j.vertex(tr.target)}
		if idx, ok := j.edgeIndex[key]; ok {
			j.edges[idx].sessions++
			continue
		}
		j.edgeIndex[key] = len(j.edges)
		j.edges = append(j.edges, edgeAgg{key: key, sessions: 1})
	}

	for _, rec := range p.issues {
		v := j.vertex(rec.location)
		bucket := j.crashIDs
		if rec.anr {
			bucket = j.anrIDs
		}
		if bucket[v] == nil {
			bucket[v] = set.NewUUIDSet()
		}
		bucket[v].Add(rec.id)
	}
}

type transition struct {
	source string
	target string
}

type issueRecord struct {
	location string
	id       uuid.UUID
	anr      bool
}

type sessionPartial struct {
	locations   []string
	transitions []transition
	issues      []issueRecord
}

// buildSession runs the per-session state machine: a current-location cursor
// advanced by location-entering lifecycle events. The first entering event
// emits no edge, and issue events observed before any location are dropped
// because they cannot be attributed to a node.
func buildSession(events []event.Event, opts Options) sessionPartial {
	var p sessionPartial
	current := ""
	seenLoc := make(map[string]struct{})
	seenTrans := make(map[transition]struct{})

	record := func(tr transition) {
		if _, ok := seenTrans[tr]; ok {
			return
		}
		seenTrans[tr] = struct{}{}
		p.transitions = append(p.transitions, tr)
	}

	for _, ev := range events {
		if loc := ev.EntersLocation(); loc != "" {
			if _, ok := seenLoc[loc]; !ok {
				seenLoc[loc] = struct{}{}
				p.locations = append(p.locations, loc)
			}
			if current != "" && current != loc {
				record(transition{source: current, target: loc})
				if opts.Bidirectional {
					record(transition{source: loc, target: current})
				}
			}
			current = loc
			continue
		}

		if !ev.IsIssue() || current == "" {
			continue
		}
		p.issues = append(p.issues, issueRecord{
			location: current,
			id:       ev.ID,
			anr:      ev.Kind() == event.KindANR,
		})
	}

	return p
}

// splitSessions partitions a timestamp-ordered event stream by session and
// returns the per-session streams in a deterministic order: by first event
// timestamp, then session id.
func splitSessions(events []event.Event) [][]event.Event {
	byID := make(map[uuid.UUID][]event.Event)
	var order []uuid.UUID
	firstSeen := make(map[uuid.UUID]time.Time)

	for _, ev := range events {
		if _, ok := byID[ev.SessionID]; !ok {
			order = append(order, ev.SessionID)
			firstSeen[ev.SessionID] = ev.Timestamp
		}
		byID[ev.SessionID] = append(byID[ev.SessionID], ev)
	}

	sort.SliceStable(order, func(i, j int) bool {
		a, b := firstSeen[order[i]], firstSeen[order[j]]
		if !a.Equal(b) {
			return a.Before(b)
		}
		return strings.Compare(order[i].String(), order[j].String()) < 0
	})

	sessions := make([][]event.Event, 0, len(order))
	for _, id := range order {
		sessions = append(sessions, byID[id])
	}
	return sessions
}

func attachTo(ids *set.UUIDSet, candidates []group.Group) []Issue {
	issues := []Issue{}
	if ids == nil || ids.Size() == 0 {
		return issues
	}

	nodeIDs := ids.Slice()
	for i := range candidates {
		count := candidates[i].MatchingEventCount(nodeIDs)
		if count == 0 {
			continue
		}
		issues = append(issues, Issue{
			ID:    candidates[i].ID,
			Title: candidates[i].Name,
			Count: count,
		})
	}

	sort.Slice(issues, func(i, j int) bool {
		if issues[i].Count != issues[j].Count {
			return issues[i].Count > issues[j].Count
		}
		return strings.Compare(issues[i].ID.String(), issues[j].ID.String()) < 0
	})

	return issues
}
