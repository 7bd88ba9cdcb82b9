package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/leporo/sqlf"

	"github.com/apptrail/apptrail/internal/group"
)

const groupColumns = "id, app_id, kind, name, fingerprint, coalesce(array_length(event_ids, 1), 0) as count, event_ids, created_at, updated_at"

// upsertAttempts bounds how often a losing conditional insert retries the
// lookup-then-append path.
const upsertAttempts = 3

// PostgresGroups implements GroupStore on a pgx connection pool. Groups live
// in public.issue_groups with a unique (app_id, kind, fingerprint) index the
// conditional insert relies on.
type PostgresGroups struct {
	pool *pgxpool.Pool
}

// NewPostgresGroups wraps an existing pool.
func NewPostgresGroups(pool *pgxpool.Pool) *PostgresGroups {
	return &PostgresGroups{pool: pool}
}

// Upsert appends eventID to the fingerprint's group, creating the group when
// absent. Creation races are resolved by ON CONFLICT DO NOTHING: the loser
// observes no returned row and retries the lookup, so at most one group ever
// exists per (app, kind, fingerprint).
func (s *PostgresGroups) Upsert(ctx context.Context, appID uuid.UUID, kind group.IssueKind, fingerprint, name string, eventID uuid.UUID) (uuid.UUID, error) {
	for attempt := 0; attempt < upsertAttempts; attempt++ {
		id, found, err := s.lookup(ctx, appID, kind, fingerprint)
		if err != nil {
			return uuid.Nil, err
		}
		if found {
			return id, s.appendEvent(ctx, id, eventID)
		}

		id, inserted, err := s.insert(ctx, appID, kind, fingerprint, name, eventID)
		if err != nil {
			return uuid.Nil, err
		}
		if inserted {
			return id, nil
		}
	}
	return uuid.Nil, fmt.Errorf("upsert group %s/%s/%s: %w", appID, kind, fingerprint, ErrConflict)
}

// Group fetches one group by id.
func (s *PostgresGroups) Group(ctx context.Context, id uuid.UUID) (*group.Group, error) {
	stmt := sqlf.PostgreSQL.
		Select(groupColumns).
		From("public.issue_groups").
		Where("id = ?", id)
	defer stmt.Close()

	rows, err := s.pool.Query(ctx, stmt.String(), stmt.Args()...)
	if err != nil {
		return nil, fmt.Errorf("query group %s: %w", id, err)
	}
	g, err := pgx.CollectOneRow(rows, pgx.RowToStructByNameLax[group.Group])
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("group %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan group %s: %w", id, err)
	}
	return &g, nil
}

// Groups lists an app's groups of one kind ordered by member count
// descending, id ascending.
func (s *PostgresGroups) Groups(ctx context.Context, appID uuid.UUID, kind group.IssueKind) ([]group.Group, error) {
	stmt := sqlf.PostgreSQL.
		Select(groupColumns).
		From("public.issue_groups").
		Where("app_id = ?", appID).
		Where("kind = ?", string(kind)).
		OrderBy("count desc, id asc")
	defer stmt.Close()

	rows, err := s.pool.Query(ctx, stmt.String(), stmt.Args()...)
	if err != nil {
		return nil, fmt.Errorf("query groups for app %s: %w", appID, err)
	}
	groups, err := pgx.CollectRows(rows, pgx.RowToStructByNameLax[group.Group])
	if err != nil {
		return nil, fmt.Errorf("scan groups for app %s: %w", appID, err)
	}
	return groups, nil
}

// GroupsByEventIDs lists the groups of one kind whose membership overlaps
// any of the given event ids.
func (s *PostgresGroups) GroupsByEventIDs(ctx context.Context, kind group.IssueKind, eventIDs []uuid.UUID) ([]group.Group, error) {
	if len(eventIDs) == 0 {
		return nil, nil
	}

	stmt := sqlf.PostgreSQL.
		Select(groupColumns).
		From("public.issue_groups").
		Where("kind = ?", string(kind)).
		Where("event_ids && ?", eventIDs).
		OrderBy("id asc")
	defer stmt.Close()

	rows, err := s.pool.Query(ctx, stmt.String(), stmt.Args()...)
	if err != nil {
		return nil, fmt.Errorf("query groups by event ids: %w", err)
	}
	groups, err := pgx.CollectRows(rows, pgx.RowToStructByNameLax[group.Group])
	if err != nil {
		return nil, fmt.Errorf("scan groups by event ids: %w", err)
	}
	return groups, nil
}

func (s *PostgresGroups) lookup(ctx context.Context, appID uuid.UUID, kind group.IssueKind, fingerprint string) (uuid.UUID, bool, error) {
	stmt := sqlf.PostgreSQL.
		Select("id").
		From("public.issue_groups").
		Where("app_id = ?", appID).
		Where("kind = ?", string(kind)).
		Where("fingerprint = ?", fingerprint)
	defer stmt.Close()

	var id uuid.UUID
	err := s.pool.QueryRow(ctx, stmt.String(), stmt.Args()...).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("lookup group %s/%s: %w", appID, fingerprint, err)
	}
	return id, true, nil
}

func (s *PostgresGroups) insert(ctx context.Context, appID uuid.UUID, kind group.IssueKind, fingerprint, name string, eventID uuid.UUID) (uuid.UUID, bool, error) {
	stmt := sqlf.PostgreSQL.
		InsertInto("public.issue_groups").
		Set("id", uuid.New()).
		Set("app_id", appID).
		Set("kind", string(kind)).
		Set("name", name).
		Set("fingerprint", fingerprint).
		SetExpr("event_ids", "array[?::uuid]", eventID).
		SetExpr("created_at", "now()").
		SetExpr("updated_at", "now()").
		Clause("ON CONFLICT (app_id, kind, fingerprint) DO NOTHING").
		Returning("id")
	defer stmt.Close()

	var id uuid.UUID
	err := s.pool.QueryRow(ctx, stmt.String(), stmt.Args()...).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("insert group %s/%s: %w", appID, fingerprint, err)
	}
	return id, true, nil
}

// appendEvent adds eventID to an existing group unless it is already a
// member, making replayed ingestion idempotent.
func (s *PostgresGroups) appendEvent(ctx context.Context, id, eventID uuid.UUID) error {
	stmt := sqlf.PostgreSQL.
		Update("public.issue_groups").
		SetExpr("event_ids", "array_append(event_ids, ?)", eventID).
		SetExpr("updated_at", "now()").
		Where("id = ?", id).
		Where("not event_ids @> array[?::uuid]", eventID)
	defer stmt.Close()

	if _, err := s.pool.Exec(ctx, stmt.String(), stmt.Args()...); err != nil {
		return fmt.Errorf("append event %s to group %s: %w", eventID, id, err)
	}
	return nil
}
