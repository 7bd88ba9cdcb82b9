package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/google/uuid"
	"github.com/leporo/sqlf"

	"github.com/apptrail/apptrail/internal/event"
	"github.com/apptrail/apptrail/internal/filter"
)

// ClickHouseEvents implements EventStore against the events table. Rows are
// written once at ingestion and only ever read back.
type ClickHouseEvents struct {
	conn  driver.Conn
	table string
}

// NewClickHouseEvents wraps an established native connection.
func NewClickHouseEvents(conn driver.Conn, database string) *ClickHouseEvents {
	if database == "" {
		database = "default"
	}
	return &ClickHouseEvents{conn: conn, table: database + ".events"}
}

// InsertOccurrence appends one captured exception or ANR.
func (s *ClickHouseEvents) InsertOccurrence(ctx context.Context, o *event.Occurrence) error {
	frames, err := json.Marshal(o.Frames)
	if err != nil {
		return fmt.Errorf("encode frames for event %s: %w", o.ID, err)
	}

	stmt := sqlf.InsertInto(s.table).
		Set("id", o.ID).
		Set("app_id", o.AppID).
		Set("session_id", o.SessionID).
		Set("timestamp", o.Timestamp).
		Set("type", string(o.Type)).
		Set("thread_name", o.ThreadName).
		Set("message", o.Message).
		Set("frames", string(frames)).
		Set("handled", o.Handled).
		Set("foreground", o.Foreground).
		Set("`attribute.app_version`", o.Attribute.AppVersion).
		Set("`attribute.app_build`", o.Attribute.AppBuild).
		Set("`attribute.thread_name`", o.Attribute.ThreadName).
		Set("`attribute.country_code`", o.Attribute.CountryCode).
		Set("`attribute.device_name`", o.Attribute.DeviceName).
		Set("`attribute.device_model`", o.Attribute.DeviceModel).
		Set("`attribute.device_manufacturer`", o.Attribute.DeviceManufacturer).
		Set("`attribute.device_locale`", o.Attribute.DeviceLocale).
		Set("`attribute.os_name`", o.Attribute.OSName).
		Set("`attribute.os_version`", o.Attribute.OSVersion).
		Set("`attribute.network_type`", o.Attribute.NetworkType).
		Set("`attribute.network_generation`", o.Attribute.NetworkGeneration).
		Set("`attribute.network_provider`", o.Attribute.NetworkProvider)
	defer stmt.Close()

	if err := s.conn.Exec(ctx, stmt.String(), stmt.Args()...); err != nil {
		return fmt.Errorf("insert event %s: %w", o.ID, err)
	}
	return nil
}

// Occurrences fetches the occurrences among eventIDs matching the filter,
// newest first, honoring the filter's keyset cursor and limit.
func (s *ClickHouseEvents) Occurrences(ctx context.Context, af *filter.AppFilter, eventIDs []uuid.UUID) ([]event.Occurrence, error) {
	occurrences := []event.Occurrence{}
	if len(eventIDs) == 0 {
		return occurrences, nil
	}

	stmt := sqlf.From(s.table).
		Select("id").
		Select("session_id").
		Select("timestamp").
		Select("toString(type)").
		Select("toString(thread_name)").
		Select("toString(message)").
		Select("toString(frames)").
		Select("handled").
		Select("foreground").
		Select("toString(`attribute.app_version`)").
		Select("toString(`attribute.app_build`)").
		Select("toString(`attribute.thread_name`)").
		Select("toString(`attribute.country_code`)").
		Select("toString(`attribute.device_name`)").
		Select("toString(`attribute.device_model`)").
		Select("toString(`attribute.device_manufacturer`)").
		Select("toString(`attribute.device_locale`)").
		Select("toString(`attribute.os_name`)").
		Select("toString(`attribute.os_version`)").
		Select("toString(`attribute.network_type`)").
		Select("toString(`attribute.network_generation`)").
		Select("toString(`attribute.network_provider`)").
		Where("app_id = ?", af.AppID).
		Where("id in ?", eventIDs)
	defer stmt.Close()

	applyEventFilter(stmt, af)

	limit := af.Limit
	backward := limit < 0
	if backward {
		limit = -limit
	}

	if af.HasKeyset() {
		key, err := uuid.Parse(af.KeyID)
		if err != nil {
			return nil, fmt.Errorf("parse cursor id: %w", err)
		}
		if backward {
			stmt.Where("(timestamp > ? or (timestamp = ? and id > ?))", af.KeyTimestamp, af.KeyTimestamp, key)
		} else {
			stmt.Where("(timestamp < ? or (timestamp = ? and id < ?))", af.KeyTimestamp, af.KeyTimestamp, key)
		}
	}

	if backward {
		stmt.OrderBy("timestamp asc, id asc")
	} else {
		stmt.OrderBy("timestamp desc, id desc")
	}
	if limit > 0 {
		stmt.Limit(limit)
	}

	rows, err := s.conn.Query(ctx, stmt.String(), stmt.Args()...)
	if err != nil {
		return nil, fmt.Errorf("query occurrences: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var o event.Occurrence
		var kind, frames string
		dest := []any{
			&o.ID,
			&o.SessionID,
			&o.Timestamp,
			&kind,
			&o.ThreadName,
			&o.Message,
			&frames,
			&o.Handled,
			&o.Foreground,
			&o.Attribute.AppVersion,
			&o.Attribute.AppBuild,
			&o.Attribute.ThreadName,
			&o.Attribute.CountryCode,
			&o.Attribute.DeviceName,
			&o.Attribute.DeviceModel,
			&o.Attribute.DeviceManufacturer,
			&o.Attribute.DeviceLocale,
			&o.Attribute.OSName,
			&o.Attribute.OSVersion,
			&o.Attribute.NetworkType,
			&o.Attribute.NetworkGeneration,
			&o.Attribute.NetworkProvider,
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan occurrence: %w", err)
		}
		o.AppID = af.AppID
		o.Type = event.Kind(kind)
		if err := json.Unmarshal([]byte(frames), &o.Frames); err != nil {
			return nil, fmt.Errorf("decode frames for event %s: %w", o.ID, err)
		}
		occurrences = append(occurrences, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read occurrences: %w", err)
	}

	// Backward pages are fetched ascending; flip back to newest first.
	if backward {
		for i, j := 0, len(occurrences)-1; i < j; i, j = i+1, j-1 {
			occurrences[i], occurrences[j] = occurrences[j], occurrences[i]
		}
	}

	return occurrences, nil
}

// MatchingEventIDs narrows a candidate id set to the ids whose stored events
// match the filter.
func (s *ClickHouseEvents) MatchingEventIDs(ctx context.Context, af *filter.AppFilter, eventIDs []uuid.UUID) ([]uuid.UUID, error) {
	if len(eventIDs) == 0 {
		return nil, nil
	}

	stmt := sqlf.From(s.table).
		Select("id").
		Where("app_id = ?", af.AppID).
		Where("id in ?", eventIDs)
	defer stmt.Close()

	applyEventFilter(stmt, af)

	rows, err := s.conn.Query(ctx, stmt.String(), stmt.Args()...)
	if err != nil {
		return nil, fmt.Errorf("query matching event ids: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan event id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read matching event ids: %w", err)
	}
	return ids, nil
}

// JourneyEvents fetches the chronologically ordered stream journey
// construction consumes: entering lifecycle events, unhandled exceptions and
// ANRs.
func (s *ClickHouseEvents) JourneyEvents(ctx context.Context, af *filter.AppFilter) ([]event.Event, error) {
	kindVals := []any{
		string(event.KindLifecycleActivity),
		[]string{event.ActivityCreated, event.ActivityResumed},
		string(event.KindLifecycleFragment),
		[]string{event.FragmentAttached, event.FragmentResumed},
		string(event.KindException),
		false,
		string(event.KindANR),
	}

	stmt := sqlf.From(s.table).
		Select("id").
		Select("toString(type)").
		Select("timestamp").
		Select("session_id").
		Select("toString(lifecycle_type)").
		Select("toString(class_name)").
		Select("toString(parent_activity)").
		Where("app_id = ?", af.AppID).
		Where("((type = ? and lifecycle_type in ?) or (type = ? and lifecycle_type in ?) or (type = ? and handled = ?) or type = ?)", kindVals...).
		OrderBy("timestamp, id")
	defer stmt.Close()

	applyEventFilter(stmt, af)

	rows, err := s.conn.Query(ctx, stmt.String(), stmt.Args()...)
	if err != nil {
		return nil, fmt.Errorf("query journey events: %w", err)
	}
	defer rows.Close()

	var events []event.Event
	for rows.Next() {
		var ev event.Event
		var kind, lifecycleType, className, parentActivity string
		dest := []any{
			&ev.ID,
			&kind,
			&ev.Timestamp,
			&ev.SessionID,
			&lifecycleType,
			&className,
			&parentActivity,
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan journey event: %w", err)
		}

		switch event.Kind(kind) {
		case event.KindLifecycleActivity:
			ev.Payload = event.LifecycleActivity{Type: lifecycleType, ClassName: className}
		case event.KindLifecycleFragment:
			ev.Payload = event.LifecycleFragment{Type: lifecycleType, ClassName: className, ParentActivity: parentActivity}
		case event.KindException:
			ev.Payload = event.Exception{Handled: false}
		case event.KindANR:
			ev.Payload = event.ANR{}
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read journey events: %w", err)
	}
	return events, nil
}

// IssueEvents fetches the unhandled exception and ANR events matching the
// filter, chronologically ordered.
func (s *ClickHouseEvents) IssueEvents(ctx context.Context, af *filter.AppFilter) ([]event.Event, error) {
	stmt := sqlf.From(s.table).
		Select("id").
		Select("toString(type)").
		Select("timestamp").
		Select("session_id").
		Where("app_id = ?", af.AppID).
		Where("((type = ? and handled = ?) or type = ?)", string(event.KindException), false, string(event.KindANR)).
		OrderBy("timestamp, id")
	defer stmt.Close()

	applyEventFilter(stmt, af)

	rows, err := s.conn.Query(ctx, stmt.String(), stmt.Args()...)
	if err != nil {
		return nil, fmt.Errorf("query issue events: %w", err)
	}
	defer rows.Close()

	var events []event.Event
	for rows.Next() {
		var ev event.Event
		var kind string
		if err := rows.Scan(&ev.ID, &kind, &ev.Timestamp, &ev.SessionID); err != nil {
			return nil, fmt.Errorf("scan issue event: %w", err)
		}
		if event.Kind(kind) == event.KindANR {
			ev.Payload = event.ANR{}
		} else {
			ev.Payload = event.Exception{Handled: false}
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read issue events: %w", err)
	}
	return events, nil
}

// FilterFacets reports the distinct attribute values observed for an app.
func (s *ClickHouseEvents) FilterFacets(ctx context.Context, appID uuid.UUID) (*filter.FacetList, error) {
	stmt := sqlf.From(s.table).
		Select("groupUniqArray(`attribute.app_version`)").
		Select("groupUniqArray(`attribute.app_build`)").
		Select("groupUniqArray(`attribute.country_code`)").
		Select("groupUniqArray(`attribute.device_name`)").
		Select("groupUniqArray(`attribute.device_manufacturer`)").
		Select("groupUniqArray(`attribute.device_locale`)").
		Select("groupUniqArray(`attribute.network_type`)").
		Select("groupUniqArray(`attribute.network_generation`)").
		Select("groupUniqArray(`attribute.network_provider`)").
		Where("app_id = ?", appID)
	defer stmt.Close()

	var fl filter.FacetList
	row := s.conn.QueryRow(ctx, stmt.String(), stmt.Args()...)
	dest := []any{
		&fl.Versions,
		&fl.VersionCodes,
		&fl.Countries,
		&fl.DeviceNames,
		&fl.DeviceManufacturers,
		&fl.DeviceLocales,
		&fl.NetworkTypes,
		&fl.NetworkGenerations,
		&fl.NetworkProviders,
	}
	if err := row.Scan(dest...); err != nil {
		return nil, fmt.Errorf("scan filter facets for app %s: %w", appID, err)
	}

	fl.Versions = cleanFacet(fl.Versions)
	fl.VersionCodes = cleanFacet(fl.VersionCodes)
	fl.Countries = cleanFacet(fl.Countries)
	fl.DeviceNames = cleanFacet(fl.DeviceNames)
	fl.DeviceManufacturers = cleanFacet(fl.DeviceManufacturers)
	fl.DeviceLocales = cleanFacet(fl.DeviceLocales)
	fl.NetworkTypes = cleanFacet(fl.NetworkTypes)
	fl.NetworkGenerations = cleanFacet(fl.NetworkGenerations)
	fl.NetworkProviders = cleanFacet(fl.NetworkProviders)
	return &fl, nil
}

// applyEventFilter adds the attribute and time range predicates shared by
// every event query.
func applyEventFilter(stmt *sqlf.Stmt, af *filter.AppFilter) {
	if af.HasTimeRange() {
		stmt.Where("timestamp >= ? and timestamp <= ?", af.From, af.To)
	}
	if af.HasVersions() {
		stmt.Where("`attribute.app_version` in ?", af.Versions)
	}
	if len(af.VersionCodes) > 0 {
		stmt.Where("`attribute.app_build` in ?", af.VersionCodes)
	}
	if len(af.Countries) > 0 {
		stmt.Where("`attribute.country_code` in ?", af.Countries)
	}
	if len(af.DeviceNames) > 0 {
		stmt.Where("`attribute.device_name` in ?", af.DeviceNames)
	}
	if len(af.DeviceManufacturers) > 0 {
		stmt.Where("`attribute.device_manufacturer` in ?", af.DeviceManufacturers)
	}
	if len(af.DeviceLocales) > 0 {
		stmt.Where("`attribute.device_locale` in ?", af.DeviceLocales)
	}
	if len(af.NetworkTypes) > 0 {
		stmt.Where("`attribute.network_type` in ?", af.NetworkTypes)
	}
	if len(af.NetworkGenerations) > 0 {
		stmt.Where("`attribute.network_generation` in ?", af.NetworkGenerations)
	}
	if len(af.NetworkProviders) > 0 {
		stmt.Where("`attribute.network_provider` in ?", af.NetworkProviders)
	}
}

// cleanFacet drops empty values and sorts, since groupUniqArray returns
// elements in no particular order.
func cleanFacet(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v != "" {
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}
