package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/apptrail/apptrail/internal/cache"
	"github.com/apptrail/apptrail/internal/event"
	"github.com/apptrail/apptrail/internal/filter"
	"github.com/apptrail/apptrail/internal/group"
	"github.com/apptrail/apptrail/internal/journey"
	"github.com/apptrail/apptrail/internal/store"
	"github.com/apptrail/apptrail/internal/utils"
)

var testBase = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	svc    *IssueService
	groups *store.MemoryGroups
	events *store.MemoryEvents
	appID  uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	groups := store.NewMemoryGroups()
	events := store.NewMemoryEvents()
	return &fixture{
		svc:    NewIssueService(nil, groups, events, cache.NewMemoryProvider(), Options{}),
		groups: groups,
		events: events,
		appID:  uuid.New(),
	}
}

func (f *fixture) filter() *filter.AppFilter {
	return &filter.AppFilter{
		AppID: f.appID,
		From:  testBase.Add(-time.Hour),
		To:    testBase.Add(time.Hour),
	}
}

func (f *fixture) crash(t *testing.T, session uuid.UUID, offset time.Duration, frames []event.Frame) *event.Occurrence {
	t.Helper()
	o := &event.Occurrence{
		ID:        uuid.New(),
		AppID:     f.appID,
		SessionID: session,
		Timestamp: testBase.Add(offset),
		Type:      event.KindException,
		Frames:    frames,
		Attribute: event.Attribute{AppVersion: "1.0.0", AppBuild: "100"},
	}
	if _, err := f.svc.IngestOccurrence(context.Background(), o); err != nil {
		t.Fatalf("IngestOccurrence: %v", err)
	}
	return o
}

func appFrames(method string) []event.Frame {
	return []event.Frame{
		{ClassName: "App", MethodName: method, FileName: "App.kt", LineNum: 1},
		{ClassName: "Runtime", MethodName: "invoke", FileName: "Runtime.kt", LineNum: 99},
	}
}

func TestIngestThenListGroupsEndToEnd(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	session := uuid.New()

	// Two occurrences with identical frame shape but different line numbers
	// must land in a single group.
	f.crash(t, session, time.Second, []event.Frame{{ClassName: "App", MethodName: "onCreate", LineNum: 10}})
	f.crash(t, session, 2*time.Second, []event.Frame{{ClassName: "App", MethodName: "onCreate", LineNum: 42}})

	list, err := f.svc.GetCrashGroups(ctx, f.filter())
	if err != nil {
		t.Fatalf("GetCrashGroups: %v", err)
	}
	if len(list.Results) != 1 {
		t.Fatalf("got %d groups, want 1", len(list.Results))
	}
	g := list.Results[0]
	if g.Count != 2 {
		t.Errorf("Count = %d, want 2", g.Count)
	}
	if float64(g.Percentage) != 100.0 {
		t.Errorf("Percentage = %v, want 100.0", g.Percentage)
	}
	if g.Name != "App.onCreate" {
		t.Errorf("Name = %q, want App.onCreate", g.Name)
	}
	if list.Next || list.Previous {
		t.Errorf("pagination flags = next:%v previous:%v, want false/false", list.Next, list.Previous)
	}
}

func TestIngestRejectsInvalidOccurrence(t *testing.T) {
	f := newFixture(t)

	o := &event.Occurrence{
		ID:        uuid.New(),
		AppID:     f.appID,
		SessionID: uuid.New(),
		Timestamp: testBase,
		Type:      event.KindLifecycleActivity,
	}
	_, err := f.svc.IngestOccurrence(context.Background(), o)
	if err == nil {
		t.Fatal("ingesting a lifecycle event as occurrence succeeded")
	}
	if utils.KindOf(err) != utils.KindInvalid {
		t.Errorf("failure kind = %v, want KindInvalid", utils.KindOf(err))
	}
}

func TestConcurrentIngestSameFingerprintYieldsOneGroup(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	const writers = 50
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			o := &event.Occurrence{
				ID:        uuid.New(),
				AppID:     f.appID,
				SessionID: uuid.New(),
				Timestamp: testBase.Add(time.Duration(i) * time.Millisecond),
				Type:      event.KindException,
				Frames:    appFrames("onCreate"),
			}
			if _, err := f.svc.IngestOccurrence(ctx, o); err != nil {
				t.Errorf("IngestOccurrence: %v", err)
			}
		}(i)
	}
	wg.Wait()

	list, err := f.svc.GetCrashGroups(ctx, f.filter())
	if err != nil {
		t.Fatalf("GetCrashGroups: %v", err)
	}
	if len(list.Results) != 1 {
		t.Fatalf("got %d groups, want 1", len(list.Results))
	}
	if list.Results[0].Count != writers {
		t.Errorf("Count = %d, want %d", list.Results[0].Count, writers)
	}
}

func TestGetGroupsContributionAcrossGroups(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	session := uuid.New()

	for i := 0; i < 3; i++ {
		f.crash(t, session, time.Duration(i)*time.Second, appFrames("onCreate"))
	}
	f.crash(t, session, 10*time.Second, appFrames("onResume"))

	list, err := f.svc.GetCrashGroups(ctx, f.filter())
	if err != nil {
		t.Fatalf("GetCrashGroups: %v", err)
	}
	if len(list.Results) != 2 {
		t.Fatalf("got %d groups, want 2", len(list.Results))
	}
	// Ranked by matched count descending.
	if list.Results[0].Count != 3 || list.Results[1].Count != 1 {
		t.Fatalf("counts = %d/%d, want 3/1", list.Results[0].Count, list.Results[1].Count)
	}
	sum := float64(list.Results[0].Percentage) + float64(list.Results[1].Percentage)
	if sum < 99.9 || sum > 100.1 {
		t.Errorf("contributions sum to %v, want 100 +- 0.1", sum)
	}
}

func TestGetGroupsFilterDropsUnmatchedGroups(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	session := uuid.New()

	f.crash(t, session, time.Second, appFrames("onCreate"))
	old := &event.Occurrence{
		ID:        uuid.New(),
		AppID:     f.appID,
		SessionID: session,
		Timestamp: testBase.Add(-48 * time.Hour),
		Type:      event.KindException,
		Frames:    appFrames("onDestroy"),
	}
	if _, err := f.svc.IngestOccurrence(ctx, old); err != nil {
		t.Fatalf("IngestOccurrence: %v", err)
	}

	list, err := f.svc.GetCrashGroups(ctx, f.filter())
	if err != nil {
		t.Fatalf("GetCrashGroups: %v", err)
	}
	if len(list.Results) != 1 {
		t.Fatalf("got %d groups, want 1 (out-of-range group dropped)", len(list.Results))
	}
	if list.Results[0].Name != "App.onCreate" {
		t.Errorf("surviving group = %q, want App.onCreate", list.Results[0].Name)
	}
}

func TestGetGroupsPaginationWalksWholeList(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	session := uuid.New()

	methods := []string{"a", "b", "c", "d", "e"}
	for i, m := range methods {
		for k := 0; k <= i; k++ {
			f.crash(t, session, time.Duration(i*10+k)*time.Second, appFrames(m))
		}
	}

	af := f.filter()
	af.Limit = 2
	seen := map[uuid.UUID]bool{}
	pages := 0
	for {
		list, err := f.svc.GetCrashGroups(ctx, af)
		if err != nil {
			t.Fatalf("GetCrashGroups: %v", err)
		}
		for _, g := range list.Results {
			if seen[g.ID] {
				t.Fatalf("group %s appeared twice while paging", g.ID)
			}
			seen[g.ID] = true
		}
		pages++
		if !list.Next {
			break
		}
		af.KeyID = list.Results[len(list.Results)-1].ID.String()
		if pages > 10 {
			t.Fatal("pagination did not terminate")
		}
	}
	if len(seen) != len(methods) {
		t.Fatalf("walked %d groups, want %d", len(seen), len(methods))
	}
}

func TestGetGroupOccurrences(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	session := uuid.New()

	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		o := f.crash(t, session, time.Duration(i)*time.Second, appFrames("onCreate"))
		ids = append(ids, o.ID)
	}

	list, err := f.svc.GetCrashGroups(ctx, f.filter())
	if err != nil {
		t.Fatalf("GetCrashGroups: %v", err)
	}
	groupID := list.Results[0].ID

	af := f.filter()
	af.Limit = 2
	occ, err := f.svc.GetGroupOccurrences(ctx, af, group.IssueCrash, groupID)
	if err != nil {
		t.Fatalf("GetGroupOccurrences: %v", err)
	}
	if len(occ.Results) != 2 {
		t.Fatalf("got %d occurrences, want 2", len(occ.Results))
	}
	if !occ.Next || occ.Previous {
		t.Errorf("flags = next:%v previous:%v, want true/false", occ.Next, occ.Previous)
	}
	// Newest first.
	if occ.Results[0].ID != ids[2] {
		t.Errorf("first occurrence = %s, want newest %s", occ.Results[0].ID, ids[2])
	}

	af.KeyID = occ.Results[1].ID.String()
	af.KeyTimestamp = occ.Results[1].Timestamp
	occ, err = f.svc.GetGroupOccurrences(ctx, af, group.IssueCrash, groupID)
	if err != nil {
		t.Fatalf("GetGroupOccurrences page 2: %v", err)
	}
	if len(occ.Results) != 1 || occ.Results[0].ID != ids[0] {
		t.Fatalf("page 2 = %v, want single %s", occ.Results, ids[0])
	}
	if occ.Next || !occ.Previous {
		t.Errorf("page 2 flags = next:%v previous:%v, want false/true", occ.Next, occ.Previous)
	}
}

func TestGetGroupOccurrencesBackwardStaleCursor(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	session := uuid.New()

	f.crash(t, session, time.Second, appFrames("onCreate"))
	f.crash(t, session, 2*time.Second, appFrames("onCreate"))

	list, err := f.svc.GetCrashGroups(ctx, f.filter())
	if err != nil {
		t.Fatalf("GetCrashGroups: %v", err)
	}

	// A cursor that no longer resolves must yield an empty page without
	// claiming more results exist in either direction.
	af := f.filter()
	af.Limit = -2
	af.KeyID = uuid.New().String()
	af.KeyTimestamp = testBase
	occ, err := f.svc.GetGroupOccurrences(ctx, af, group.IssueCrash, list.Results[0].ID)
	if err != nil {
		t.Fatalf("GetGroupOccurrences: %v", err)
	}
	if len(occ.Results) != 0 {
		t.Fatalf("got %d occurrences, want 0", len(occ.Results))
	}
	if occ.Next || occ.Previous {
		t.Errorf("flags = next:%v previous:%v, want false/false", occ.Next, occ.Previous)
	}
}

func TestGetGroupOccurrencesUnknownGroup(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.GetGroupOccurrences(context.Background(), f.filter(), group.IssueCrash, uuid.New())
	if err == nil {
		t.Fatal("unknown group id succeeded")
	}
	if utils.KindOf(err) != utils.KindNotFound {
		t.Errorf("failure kind = %v, want KindNotFound", utils.KindOf(err))
	}
}

func TestGetGroupOccurrencesWrongKind(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.crash(t, uuid.New(), time.Second, appFrames("onCreate"))

	list, err := f.svc.GetCrashGroups(ctx, f.filter())
	if err != nil {
		t.Fatalf("GetCrashGroups: %v", err)
	}

	_, err = f.svc.GetGroupOccurrences(ctx, f.filter(), group.IssueANR, list.Results[0].ID)
	if err == nil {
		t.Fatal("crash group served through the anr operation")
	}
	if utils.KindOf(err) != utils.KindNotFound {
		t.Errorf("failure kind = %v, want KindNotFound", utils.KindOf(err))
	}
}

func TestGetJourneyAttachesGroups(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	session := uuid.New()

	f.events.AddEvent(f.appID, event.Event{
		ID:        uuid.New(),
		SessionID: session,
		Timestamp: testBase,
		Payload:   event.LifecycleActivity{Type: event.ActivityCreated, ClassName: "Home"},
	}, event.Attribute{})
	f.events.AddEvent(f.appID, event.Event{
		ID:        uuid.New(),
		SessionID: session,
		Timestamp: testBase.Add(time.Second),
		Payload:   event.LifecycleActivity{Type: event.ActivityCreated, ClassName: "Checkout"},
	}, event.Attribute{})
	f.crash(t, session, 2*time.Second, appFrames("onCreate"))

	res, err := f.svc.GetJourney(ctx, f.filter(), journey.Options{})
	if err != nil {
		t.Fatalf("GetJourney: %v", err)
	}

	if res.TotalIssues != 1 {
		t.Errorf("TotalIssues = %d, want 1", res.TotalIssues)
	}
	if len(res.Nodes) != 2 {
		t.Fatalf("got %d nodes, want 2", len(res.Nodes))
	}
	if len(res.Links) != 1 || res.Links[0].Source != "Home" || res.Links[0].Target != "Checkout" || res.Links[0].Value != 1 {
		t.Fatalf("links = %v, want single Home->Checkout value 1", res.Links)
	}

	var checkout *journey.Node
	for i := range res.Nodes {
		if res.Nodes[i].ID == "Checkout" {
			checkout = &res.Nodes[i]
		}
	}
	if checkout == nil {
		t.Fatal("Checkout node missing")
	}
	if len(checkout.Crashes) != 1 || checkout.Crashes[0].Count != 1 {
		t.Fatalf("Checkout crashes = %v, want one group with count 1", checkout.Crashes)
	}
	if checkout.Crashes[0].Title != "App.onCreate" {
		t.Errorf("crash title = %q, want App.onCreate", checkout.Crashes[0].Title)
	}
}

func TestGetJourneyServedFromCache(t *testing.T) {
	ctx := context.Background()
	groups := store.NewMemoryGroups()
	events := store.NewMemoryEvents()
	svc := NewIssueService(nil, groups, events, cache.NewMemoryProvider(), Options{JourneyTTL: time.Minute})
	appID := uuid.New()
	session := uuid.New()

	events.AddEvent(appID, event.Event{
		ID:        uuid.New(),
		SessionID: session,
		Timestamp: testBase,
		Payload:   event.LifecycleActivity{Type: event.ActivityCreated, ClassName: "Home"},
	}, event.Attribute{})

	af := &filter.AppFilter{AppID: appID, From: testBase.Add(-time.Hour), To: testBase.Add(time.Hour)}
	first, err := svc.GetJourney(ctx, af, journey.Options{})
	if err != nil {
		t.Fatalf("GetJourney: %v", err)
	}

	// New events become visible only after the cache entry expires.
	events.AddEvent(appID, event.Event{
		ID:        uuid.New(),
		SessionID: session,
		Timestamp: testBase.Add(time.Second),
		Payload:   event.LifecycleActivity{Type: event.ActivityCreated, ClassName: "Checkout"},
	}, event.Attribute{})
	second, err := svc.GetJourney(ctx, af, journey.Options{})
	if err != nil {
		t.Fatalf("GetJourney cached: %v", err)
	}
	if len(second.Nodes) != len(first.Nodes) {
		t.Errorf("cached journey has %d nodes, want %d", len(second.Nodes), len(first.Nodes))
	}
}

func TestGetFilterFacets(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.crash(t, uuid.New(), time.Second, appFrames("onCreate"))

	facets, err := f.svc.GetFilterFacets(ctx, f.appID)
	if err != nil {
		t.Fatalf("GetFilterFacets: %v", err)
	}
	if len(facets.Versions) != 1 || facets.Versions[0] != "1.0.0" {
		t.Errorf("Versions = %v, want [1.0.0]", facets.Versions)
	}
	if len(facets.VersionCodes) != 1 || facets.VersionCodes[0] != "100" {
		t.Errorf("VersionCodes = %v, want [100]", facets.VersionCodes)
	}
}
