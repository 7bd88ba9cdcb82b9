// Package service orchestrates the query-path components behind the HTTP
// handlers: grouping, ranking, journey construction and caching.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/apptrail/apptrail/internal/cache"
	"github.com/apptrail/apptrail/internal/event"
	"github.com/apptrail/apptrail/internal/filter"
	"github.com/apptrail/apptrail/internal/fingerprint"
	"github.com/apptrail/apptrail/internal/group"
	"github.com/apptrail/apptrail/internal/journey"
	"github.com/apptrail/apptrail/internal/metrics"
	"github.com/apptrail/apptrail/internal/store"
	"github.com/apptrail/apptrail/internal/utils"
)

// Options tunes the service.
type Options struct {
	// FingerprintDepth is the number of top stack frames hashed into a
	// fingerprint. Zero means the package default.
	FingerprintDepth int
	// JourneyTTL and GroupListTTL bound response cache staleness. Zero
	// disables caching of the respective result.
	JourneyTTL   time.Duration
	GroupListTTL time.Duration
}

// GroupList is one page of ranked groups plus pagination flags.
type GroupList struct {
	Results  []group.Group `json:"results"`
	Next     bool          `json:"next"`
	Previous bool          `json:"previous"`
}

// OccurrenceList is one page of a group's occurrences plus pagination flags.
type OccurrenceList struct {
	Results  []event.Occurrence `json:"results"`
	Next     bool               `json:"next"`
	Previous bool               `json:"previous"`
}

// JourneyResult is the computed navigation graph for one app and filter.
type JourneyResult struct {
	TotalIssues int            `json:"totalIssues"`
	Nodes       []journey.Node `json:"nodes"`
	Links       []journey.Edge `json:"links"`
}

// IssueService implements the analysis operations: occurrence ingestion,
// ranked group listing, per-group occurrence pages, journey construction and
// filter facets.
type IssueService struct {
	logger    *slog.Logger
	groups    store.GroupStore
	events    store.EventStore
	cache     cache.Provider
	opts      Options
	latencies *utils.LatencyTracker
}

// NewIssueService constructs the service facade.
func NewIssueService(logger *slog.Logger, groups store.GroupStore, events store.EventStore, cacheProvider cache.Provider, opts Options) *IssueService {
	if logger == nil {
		logger = slog.Default()
	}
	if cacheProvider == nil {
		cacheProvider = cache.NoopProvider{}
	}
	if opts.FingerprintDepth <= 0 {
		opts.FingerprintDepth = fingerprint.DefaultDepth
	}
	return &IssueService{
		logger:    logger,
		groups:    groups,
		events:    events,
		cache:     cacheProvider,
		opts:      opts,
		latencies: utils.NewLatencyTracker(1024),
	}
}

// IngestOccurrence validates and persists one captured exception or ANR,
// assigning it to its fingerprint's group. Handled exceptions are stored but
// never grouped. Returns the group id, or uuid.Nil for ungrouped
// occurrences.
func (s *IssueService) IngestOccurrence(ctx context.Context, o *event.Occurrence) (uuid.UUID, error) {
	const op = "service.IngestOccurrence"

	if err := o.Validate(); err != nil {
		metrics.ObserveIngest(string(o.Type), metrics.OutcomeError)
		return uuid.Nil, utils.NewInvalidError(op, "occurrence validation failed", err)
	}

	groupID := uuid.Nil
	if kind, grouped := groupKind(o); grouped {
		fp := fingerprint.Compute(o.Frames, s.opts.FingerprintDepth)
		name := fingerprint.DisplayName(o.Frames)

		id, err := s.groups.Upsert(ctx, o.AppID, kind, fp, name, o.ID)
		if err != nil {
			metrics.ObserveIngest(string(o.Type), metrics.OutcomeError)
			return uuid.Nil, utils.NewUpstreamError(op, "group upsert failed", err)
		}
		groupID = id
	}

	if err := s.events.InsertOccurrence(ctx, o); err != nil {
		metrics.ObserveIngest(string(o.Type), metrics.OutcomeError)
		return uuid.Nil, utils.NewUpstreamError(op, "event insert failed", err)
	}

	metrics.ObserveIngest(string(o.Type), metrics.OutcomeSuccess)
	s.logger.Debug("occurrence ingested",
		slog.String("event_id", o.ID.String()),
		slog.String("type", string(o.Type)),
		slog.String("group_id", groupID.String()))
	return groupID, nil
}

// GetCrashGroups lists an app's crash groups ranked by filtered occurrence
// count with percentage contributions, paginated around the filter's cursor.
func (s *IssueService) GetCrashGroups(ctx context.Context, af *filter.AppFilter) (*GroupList, error) {
	return s.getGroups(ctx, af, group.IssueCrash, "crash_groups")
}

// GetANRGroups is GetCrashGroups for ANR groups.
func (s *IssueService) GetANRGroups(ctx context.Context, af *filter.AppFilter) (*GroupList, error) {
	return s.getGroups(ctx, af, group.IssueANR, "anr_groups")
}

func (s *IssueService) getGroups(ctx context.Context, af *filter.AppFilter, kind group.IssueKind, op string) (*GroupList, error) {
	af.ClampLimit()

	key := s.cacheKey(op, af)
	var cached GroupList
	if s.cacheGet(ctx, key, &cached) {
		return &cached, nil
	}

	start := time.Now()
	result, err := s.rankGroups(ctx, af, kind)
	duration := time.Since(start)
	if err != nil {
		metrics.ObserveQuery(op, duration, metrics.OutcomeError)
		return nil, utils.NewUpstreamError("service."+op, "group listing failed", err)
	}

	s.latencies.Observe(duration)
	metrics.ObserveQuery(op, duration, metrics.OutcomeSuccess)
	s.observeLatency(op)

	s.cacheSet(ctx, key, result, s.opts.GroupListTTL)
	return result, nil
}

// rankGroups intersects every group's membership with the filter, drops
// groups left without occurrences, computes contributions over the surviving
// set and pages the total order.
func (s *IssueService) rankGroups(ctx context.Context, af *filter.AppFilter, kind group.IssueKind) (*GroupList, error) {
	groups, err := s.groups.Groups(ctx, af.AppID, kind)
	if err != nil {
		return nil, err
	}

	ranked := make([]group.Group, 0, len(groups))
	for i := range groups {
		ids, err := s.events.MatchingEventIDs(ctx, af, groups[i].EventIDs)
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			continue
		}
		g := groups[i]
		g.Count = len(ids)
		g.EventIDs = nil
		ranked = append(ranked, g)
	}

	group.ComputeContribution(ranked)
	group.SortGroups(ranked)

	page, next, previous := group.PaginateGroups(ranked, af.KeyID, af.Limit)
	return &GroupList{Results: page, Next: next, Previous: previous}, nil
}

// GetGroupOccurrences pages through one group's occurrences, newest first,
// restricted to the filter.
func (s *IssueService) GetGroupOccurrences(ctx context.Context, af *filter.AppFilter, kind group.IssueKind, groupID uuid.UUID) (*OccurrenceList, error) {
	op := string(kind) + "_occurrences"
	af.ClampLimit()

	g, err := s.groups.Group(ctx, groupID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, utils.NewNotFoundError("service."+op, "no such group", err)
	}
	if err != nil {
		return nil, utils.NewUpstreamError("service."+op, "group lookup failed", err)
	}
	if g.AppID != af.AppID || g.Kind != kind {
		return nil, utils.NewNotFoundError("service."+op, "no such group for app", store.ErrNotFound)
	}

	// Fetch one row beyond the page to learn whether more exist.
	probe := *af
	limit := af.Limit
	backward := limit < 0
	if backward {
		limit = -limit
		probe.Limit = af.Limit - 1
	} else {
		probe.Limit = af.Limit + 1
	}

	start := time.Now()
	occurrences, err := s.events.Occurrences(ctx, &probe, g.EventIDs)
	duration := time.Since(start)
	if err != nil {
		metrics.ObserveQuery(op, duration, metrics.OutcomeError)
		return nil, utils.NewUpstreamError("service."+op, "occurrence query failed", err)
	}

	s.latencies.Observe(duration)
	metrics.ObserveQuery(op, duration, metrics.OutcomeSuccess)
	s.observeLatency(op)

	result := &OccurrenceList{Results: occurrences}
	if backward {
		// A non-empty backward page means the cursor row still exists in the
		// forward direction; a stale cursor yields nothing either way.
		result.Next = len(occurrences) > 0
		result.Previous = len(occurrences) > limit
		if result.Previous {
			result.Results = occurrences[1:]
		}
	} else {
		result.Next = len(occurrences) > limit
		result.Previous = af.HasKeyset()
		if result.Next {
			result.Results = occurrences[:limit]
		}
	}
	return result, nil
}

// GetJourney builds the navigation graph for an app and filter, attaching
// the issue groups observed at each node.
func (s *IssueService) GetJourney(ctx context.Context, af *filter.AppFilter, opts journey.Options) (*JourneyResult, error) {
	const op = "journey"

	key := s.cacheKey(op, af, fmt.Sprintf("bidi=%t", opts.Bidirectional))
	var cached JourneyResult
	if s.cacheGet(ctx, key, &cached) {
		return &cached, nil
	}

	start := time.Now()

	var journeyEvents, issueEvents []event.Event
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		journeyEvents, err = s.events.JourneyEvents(gctx, af)
		return err
	})
	g.Go(func() error {
		var err error
		issueEvents, err = s.events.IssueEvents(gctx, af)
		return err
	})
	if err := g.Wait(); err != nil {
		metrics.ObserveQuery(op, time.Since(start), metrics.OutcomeError)
		return nil, utils.NewUpstreamError("service.journey", "event query failed", err)
	}

	var crashIDs, anrIDs []uuid.UUID
	for i := range issueEvents {
		if issueEvents[i].Kind() == event.KindANR {
			anrIDs = append(anrIDs, issueEvents[i].ID)
		} else {
			crashIDs = append(crashIDs, issueEvents[i].ID)
		}
	}

	j := journey.Build(journeyEvents, opts)

	crashGroups, err := s.groups.GroupsByEventIDs(ctx, group.IssueCrash, crashIDs)
	if err != nil {
		metrics.ObserveQuery(op, time.Since(start), metrics.OutcomeError)
		return nil, utils.NewUpstreamError("service.journey", "crash group query failed", err)
	}
	anrGroups, err := s.groups.GroupsByEventIDs(ctx, group.IssueANR, anrIDs)
	if err != nil {
		metrics.ObserveQuery(op, time.Since(start), metrics.OutcomeError)
		return nil, utils.NewUpstreamError("service.journey", "anr group query failed", err)
	}
	j.AttachGroups(crashGroups, anrGroups)

	duration := time.Since(start)
	s.latencies.Observe(duration)
	metrics.ObserveQuery(op, duration, metrics.OutcomeSuccess)
	s.observeLatency(op)

	result := &JourneyResult{
		TotalIssues: len(issueEvents),
		Nodes:       j.Nodes(),
		Links:       j.Links(),
	}
	s.cacheSet(ctx, key, result, s.opts.JourneyTTL)
	return result, nil
}

// GetFilterFacets reports the distinct attribute values observed for an app.
func (s *IssueService) GetFilterFacets(ctx context.Context, appID uuid.UUID) (*filter.FacetList, error) {
	const op = "facets"

	start := time.Now()
	facets, err := s.events.FilterFacets(ctx, appID)
	duration := time.Since(start)
	if err != nil {
		metrics.ObserveQuery(op, duration, metrics.OutcomeError)
		return nil, utils.NewUpstreamError("service.facets", "facet query failed", err)
	}
	metrics.ObserveQuery(op, duration, metrics.OutcomeSuccess)
	return facets, nil
}

// LatencyP95 returns the current p95 query latency.
func (s *IssueService) LatencyP95() time.Duration {
	return s.latencies.Percentile(95)
}

func (s *IssueService) observeLatency(op string) {
	if count := s.latencies.Count(); count >= 20 && count%20 == 0 {
		s.logger.Info("query latency",
			slog.String("operation", op),
			slog.Duration("p95", s.latencies.Percentile(95)),
			slog.Int("samples", count))
	}
}

func (s *IssueService) cacheKey(op string, af *filter.AppFilter, extra ...string) string {
	payload, _ := json.Marshal(af)
	h := xxhash.New()
	_, _ = h.Write(payload)
	for _, e := range extra {
		_, _ = h.WriteString(e)
	}
	return fmt.Sprintf("apptrail:%s:%s:%x", op, af.AppID, h.Sum64())
}

func (s *IssueService) cacheGet(ctx context.Context, key string, out any) bool {
	data, err := s.cache.Get(ctx, key)
	if errors.Is(err, cache.ErrCacheMiss) {
		return false
	}
	if err != nil {
		s.logger.Warn("cache read failed", slog.String("key", key), slog.Any("error", err))
		return false
	}
	if err := json.Unmarshal(data, out); err != nil {
		s.logger.Warn("cache entry corrupt", slog.String("key", key), slog.Any("error", err))
		return false
	}
	return true
}

func (s *IssueService) cacheSet(ctx context.Context, key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	data, err := json.Marshal(value)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, key, data, ttl); err != nil {
		s.logger.Warn("cache write failed", slog.String("key", key), slog.Any("error", err))
	}
}

// groupKind maps an occurrence to the group kind it belongs to. Handled
// exceptions return false: they are stored but never clustered.
func groupKind(o *event.Occurrence) (group.IssueKind, bool) {
	switch o.Type {
	case event.KindException:
		if o.Handled {
			return "", false
		}
		return group.IssueCrash, true
	case event.KindANR:
		return group.IssueANR, true
	}
	return "", false
}
