// Package store is the storage boundary: issue groups live in Postgres,
// raw events in ClickHouse. Everything above this package depends on the
// interfaces only.
package store

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/apptrail/apptrail/internal/event"
	"github.com/apptrail/apptrail/internal/filter"
	"github.com/apptrail/apptrail/internal/group"
)

// ErrNotFound signals that a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict signals that a conditional write kept losing its race and ran
// out of retries.
var ErrConflict = errors.New("write conflict")

// GroupStore persists issue groups keyed by (app, kind, fingerprint).
type GroupStore interface {
	// Upsert appends eventID to the group identified by the fingerprint,
	// creating the group when absent, and returns the group id. The write is
	// idempotent per event id, and at most one group can ever exist for a
	// fingerprint even under concurrent ingestion.
	Upsert(ctx context.Context, appID uuid.UUID, kind group.IssueKind, fingerprint, name string, eventID uuid.UUID) (uuid.UUID, error)

	// Group fetches one group by id, returning ErrNotFound when absent.
	Group(ctx context.Context, id uuid.UUID) (*group.Group, error)

	// Groups lists an app's groups of one kind ordered by member count
	// descending with id ascending breaking ties.
	Groups(ctx context.Context, appID uuid.UUID, kind group.IssueKind) ([]group.Group, error)

	// GroupsByEventIDs lists the groups of one kind whose membership
	// overlaps any of the given event ids.
	GroupsByEventIDs(ctx context.Context, kind group.IssueKind, eventIDs []uuid.UUID) ([]group.Group, error)
}

// EventStore persists and queries the raw event stream.
type EventStore interface {
	// InsertOccurrence appends one captured exception or ANR.
	InsertOccurrence(ctx context.Context, o *event.Occurrence) error

	// Occurrences fetches the occurrences among eventIDs matching the
	// filter, newest first, honoring the filter's keyset cursor and limit.
	Occurrences(ctx context.Context, af *filter.AppFilter, eventIDs []uuid.UUID) ([]event.Occurrence, error)

	// MatchingEventIDs narrows a candidate id set to the ids whose stored
	// events match the filter.
	MatchingEventIDs(ctx context.Context, af *filter.AppFilter, eventIDs []uuid.UUID) ([]uuid.UUID, error)

	// JourneyEvents fetches the chronologically ordered event stream that
	// journey construction consumes: entering lifecycle events, unhandled
	// exceptions and ANRs.
	JourneyEvents(ctx context.Context, af *filter.AppFilter) ([]event.Event, error)

	// IssueEvents fetches the unhandled exception and ANR events matching
	// the filter, chronologically ordered.
	IssueEvents(ctx context.Context, af *filter.AppFilter) ([]event.Event, error)

	// FilterFacets reports the distinct attribute values observed for an
	// app.
	FilterFacets(ctx context.Context, appID uuid.UUID) (*filter.FacetList, error)
}
