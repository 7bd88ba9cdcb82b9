package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/apptrail/apptrail/internal/event"
	"github.com/apptrail/apptrail/internal/filter"
	"github.com/apptrail/apptrail/internal/group"
)

// MemoryGroups is an in-process GroupStore with the same conditional-create
// semantics as the Postgres implementation. It backs tests and local runs
// without a database.
type MemoryGroups struct {
	mu     sync.Mutex
	groups []*group.Group
}

// NewMemoryGroups creates an empty group store.
func NewMemoryGroups() *MemoryGroups {
	return &MemoryGroups{}
}

// Upsert appends eventID to the fingerprint's group, creating the group when
// absent. The single lock gives the same at-most-one-group guarantee the
// database enforces with its unique index.
func (s *MemoryGroups) Upsert(_ context.Context, appID uuid.UUID, kind group.IssueKind, fingerprint, name string, eventID uuid.UUID) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, g := range s.groups {
		if g.AppID != appID || g.Kind != kind || g.Fingerprint != fingerprint {
			continue
		}
		for _, id := range g.EventIDs {
			if id == eventID {
				return g.ID, nil
			}
		}
		g.EventIDs = append(g.EventIDs, eventID)
		g.UpdatedAt = time.Now().UTC()
		return g.ID, nil
	}

	now := time.Now().UTC()
	g := &group.Group{
		ID:          uuid.New(),
		AppID:       appID,
		Kind:        kind,
		Name:        name,
		Fingerprint: fingerprint,
		EventIDs:    []uuid.UUID{eventID},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.groups = append(s.groups, g)
	return g.ID, nil
}

// Group fetches one group by id.
func (s *MemoryGroups) Group(_ context.Context, id uuid.UUID) (*group.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, g := range s.groups {
		if g.ID == id {
			cp := snapshotGroup(g)
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("group %s: %w", id, ErrNotFound)
}

// Groups lists an app's groups of one kind ordered by member count
// descending, id ascending.
func (s *MemoryGroups) Groups(_ context.Context, appID uuid.UUID, kind group.IssueKind) ([]group.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []group.Group
	for _, g := range s.groups {
		if g.AppID == appID && g.Kind == kind {
			out = append(out, snapshotGroup(g))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return strings.Compare(out[i].ID.String(), out[j].ID.String()) < 0
	})
	return out, nil
}

// GroupsByEventIDs lists the groups of one kind whose membership overlaps
// any of the given event ids.
func (s *MemoryGroups) GroupsByEventIDs(_ context.Context, kind group.IssueKind, eventIDs []uuid.UUID) ([]group.Group, error) {
	if len(eventIDs) == 0 {
		return nil, nil
	}
	wanted := make(map[uuid.UUID]struct{}, len(eventIDs))
	for _, id := range eventIDs {
		wanted[id] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []group.Group
	for _, g := range s.groups {
		if g.Kind != kind {
			continue
		}
		for _, id := range g.EventIDs {
			if _, ok := wanted[id]; ok {
				out = append(out, snapshotGroup(g))
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.Compare(out[i].ID.String(), out[j].ID.String()) < 0
	})
	return out, nil
}

func snapshotGroup(g *group.Group) group.Group {
	cp := *g
	cp.EventIDs = append([]uuid.UUID(nil), g.EventIDs...)
	cp.Count = len(cp.EventIDs)
	return cp
}

// eventRow pairs a raw event with the app it belongs to and the client
// attributes the production table stores alongside every row.
type eventRow struct {
	appID uuid.UUID
	attr  event.Attribute
	ev    event.Event
}

// MemoryEvents is an in-process EventStore. Lifecycle events are seeded via
// AddEvent; occurrences arrive through InsertOccurrence as in production.
type MemoryEvents struct {
	mu          sync.Mutex
	occurrences []event.Occurrence
	events      []eventRow
}

// NewMemoryEvents creates an empty event store.
func NewMemoryEvents() *MemoryEvents {
	return &MemoryEvents{}
}

// AddEvent seeds a raw event for an app, standing in for the session
// ingestion path, which records client attributes on every row.
func (s *MemoryEvents) AddEvent(appID uuid.UUID, ev event.Event, attr event.Attribute) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, eventRow{appID: appID, attr: attr, ev: ev})
}

// InsertOccurrence appends one captured exception or ANR.
func (s *MemoryEvents) InsertOccurrence(_ context.Context, o *event.Occurrence) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.occurrences = append(s.occurrences, *o)

	ev := event.Event{ID: o.ID, SessionID: o.SessionID, Timestamp: o.Timestamp}
	if o.Type == event.KindANR {
		ev.Payload = event.ANR{Foreground: o.Foreground}
	} else {
		ev.Payload = event.Exception{Handled: o.Handled, Foreground: o.Foreground}
	}
	s.events = append(s.events, eventRow{appID: o.AppID, attr: o.Attribute, ev: ev})
	return nil
}

// Occurrences fetches the occurrences among eventIDs matching the filter,
// newest first, honoring the filter's keyset cursor and limit.
func (s *MemoryEvents) Occurrences(_ context.Context, af *filter.AppFilter, eventIDs []uuid.UUID) ([]event.Occurrence, error) {
	wanted := make(map[uuid.UUID]struct{}, len(eventIDs))
	for _, id := range eventIDs {
		wanted[id] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	matched := []event.Occurrence{}
	for _, o := range s.occurrences {
		if _, ok := wanted[o.ID]; !ok {
			continue
		}
		if !matchesFilter(&o, af) {
			continue
		}
		matched = append(matched, o)
	}

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].Timestamp.Equal(matched[j].Timestamp) {
			return matched[i].Timestamp.After(matched[j].Timestamp)
		}
		return strings.Compare(matched[i].ID.String(), matched[j].ID.String()) > 0
	})

	limit := af.Limit
	backward := limit < 0
	if backward {
		limit = -limit
	}

	if af.HasKeyset() {
		cursor := -1
		for i := range matched {
			if matched[i].ID.String() == af.KeyID {
				cursor = i
				break
			}
		}
		switch {
		case cursor < 0 && backward:
			return []event.Occurrence{}, nil
		case backward:
			start := cursor - limit
			if start < 0 {
				start = 0
			}
			return matched[start:cursor], nil
		case cursor >= 0:
			matched = matched[cursor+1:]
		}
	}

	if limit > 0 && limit < len(matched) {
		// Backward paging without a cursor keeps the oldest rows, matching
		// the ascending fetch the database performs before reversing.
		if backward {
			matched = matched[len(matched)-limit:]
		} else {
			matched = matched[:limit]
		}
	}
	return matched, nil
}

// MatchingEventIDs narrows a candidate id set to the ids whose stored events
// match the filter.
func (s *MemoryEvents) MatchingEventIDs(_ context.Context, af *filter.AppFilter, eventIDs []uuid.UUID) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byID := make(map[uuid.UUID]*event.Occurrence, len(s.occurrences))
	for i := range s.occurrences {
		byID[s.occurrences[i].ID] = &s.occurrences[i]
	}

	var ids []uuid.UUID
	for _, id := range eventIDs {
		o, ok := byID[id]
		if !ok {
			continue
		}
		if matchesFilter(o, af) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// JourneyEvents returns the chronologically ordered stream journey
// construction consumes.
func (s *MemoryEvents) JourneyEvents(_ context.Context, af *filter.AppFilter) ([]event.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var events []event.Event
	for _, row := range s.events {
		if !matchesRow(&row, af) {
			continue
		}
		if row.ev.EntersLocation() != "" || row.ev.IsIssue() {
			events = append(events, row.ev)
		}
	}
	sortEvents(events)
	return events, nil
}

// IssueEvents returns the unhandled exception and ANR events matching the
// filter, chronologically ordered.
func (s *MemoryEvents) IssueEvents(_ context.Context, af *filter.AppFilter) ([]event.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var events []event.Event
	for _, row := range s.events {
		if row.ev.IsIssue() && matchesRow(&row, af) {
			events = append(events, row.ev)
		}
	}
	sortEvents(events)
	return events, nil
}

// FilterFacets reports the distinct attribute values observed for an app.
func (s *MemoryEvents) FilterFacets(_ context.Context, appID uuid.UUID) (*filter.FacetList, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var fl filter.FacetList
	for i := range s.occurrences {
		o := &s.occurrences[i]
		if o.AppID != appID {
			continue
		}
		fl.Versions = appendDistinct(fl.Versions, o.Attribute.AppVersion)
		fl.VersionCodes = appendDistinct(fl.VersionCodes, o.Attribute.AppBuild)
		fl.Countries = appendDistinct(fl.Countries, o.Attribute.CountryCode)
		fl.DeviceNames = appendDistinct(fl.DeviceNames, o.Attribute.DeviceName)
		fl.DeviceManufacturers = appendDistinct(fl.DeviceManufacturers, o.Attribute.DeviceManufacturer)
		fl.DeviceLocales = appendDistinct(fl.DeviceLocales, o.Attribute.DeviceLocale)
		fl.NetworkTypes = appendDistinct(fl.NetworkTypes, o.Attribute.NetworkType)
		fl.NetworkGenerations = appendDistinct(fl.NetworkGenerations, o.Attribute.NetworkGeneration)
		fl.NetworkProviders = appendDistinct(fl.NetworkProviders, o.Attribute.NetworkProvider)
	}
	return &fl, nil
}

func matchesFilter(o *event.Occurrence, af *filter.AppFilter) bool {
	if o.AppID != af.AppID {
		return false
	}
	if !inTimeRange(o.Timestamp, af) {
		return false
	}
	return matchesAttributes(&o.Attribute, af)
}

func matchesRow(row *eventRow, af *filter.AppFilter) bool {
	if row.appID != af.AppID {
		return false
	}
	if !inTimeRange(row.ev.Timestamp, af) {
		return false
	}
	return matchesAttributes(&row.attr, af)
}

func matchesAttributes(a *event.Attribute, af *filter.AppFilter) bool {
	if af.HasVersions() && !contains(af.Versions, a.AppVersion) {
		return false
	}
	if len(af.VersionCodes) > 0 && !contains(af.VersionCodes, a.AppBuild) {
		return false
	}
	if len(af.Countries) > 0 && !contains(af.Countries, a.CountryCode) {
		return false
	}
	if len(af.DeviceNames) > 0 && !contains(af.DeviceNames, a.DeviceName) {
		return false
	}
	if len(af.DeviceManufacturers) > 0 && !contains(af.DeviceManufacturers, a.DeviceManufacturer) {
		return false
	}
	if len(af.DeviceLocales) > 0 && !contains(af.DeviceLocales, a.DeviceLocale) {
		return false
	}
	if len(af.NetworkTypes) > 0 && !contains(af.NetworkTypes, a.NetworkType) {
		return false
	}
	if len(af.NetworkGenerations) > 0 && !contains(af.NetworkGenerations, a.NetworkGeneration) {
		return false
	}
	if len(af.NetworkProviders) > 0 && !contains(af.NetworkProviders, a.NetworkProvider) {
		return false
	}
	return true
}

func inTimeRange(ts time.Time, af *filter.AppFilter) bool {
	if !af.HasTimeRange() {
		return true
	}
	return !ts.Before(af.From) && !ts.After(af.To)
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

func appendDistinct(values []string, v string) []string {
	if v == "" || contains(values, v) {
		return values
	}
	values = append(values, v)
	sort.Strings(values)
	return values
}

func sortEvents(events []event.Event) {
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].Timestamp.Equal(events[j].Timestamp) {
			return events[i].Timestamp.Before(events[j].Timestamp)
		}
		return strings.Compare(events[i].ID.String(), events[j].ID.String()) < 0
	})
}
