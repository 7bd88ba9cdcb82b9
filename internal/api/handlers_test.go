package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/apptrail/apptrail/internal/cache"
	"github.com/apptrail/apptrail/internal/config"
	"github.com/apptrail/apptrail/internal/event"
	"github.com/apptrail/apptrail/internal/service"
	"github.com/apptrail/apptrail/internal/store"
)

const queryTimeFormat = "2006-01-02T15:04:05.000Z07:00"

var apiBase = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type testAPI struct {
	router *gin.Engine
	events *store.MemoryEvents
	appID  uuid.UUID
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	return newTestAPIWithQuery(t, config.QueryConfig{})
}

func newTestAPIWithQuery(t *testing.T, query config.QueryConfig) *testAPI {
	t.Helper()
	events := store.NewMemoryEvents()
	svc := service.NewIssueService(nil, store.NewMemoryGroups(), events, cache.NoopProvider{}, service.Options{})
	return &testAPI{
		router: NewRouter(nil, svc, query),
		events: events,
		appID:  uuid.New(),
	}
}

func (a *testAPI) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func (a *testAPI) rangeQuery() string {
	q := url.Values{}
	q.Set("from", apiBase.Add(-time.Hour).Format(queryTimeFormat))
	q.Set("to", apiBase.Add(time.Hour).Format(queryTimeFormat))
	return q.Encode()
}

func (a *testAPI) ingestCrash(t *testing.T, session uuid.UUID, offset time.Duration, method string) uuid.UUID {
	t.Helper()
	o := event.Occurrence{
		ID:        uuid.New(),
		SessionID: session,
		Timestamp: apiBase.Add(offset),
		Type:      event.KindException,
		Frames:    []event.Frame{{ClassName: "App", MethodName: method, LineNum: 7}},
		Attribute: event.Attribute{AppVersion: "1.0.0", AppBuild: "100"},
	}
	w := a.do(t, http.MethodPost, fmt.Sprintf("/apps/%s/events", a.appID), o)
	if w.Code != http.StatusCreated {
		t.Fatalf("ingest status = %d, body %s", w.Code, w.Body.String())
	}
	return o.ID
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), out); err != nil {
		t.Fatalf("decode response %s: %v", w.Body.String(), err)
	}
}

func TestHealth(t *testing.T) {
	a := newTestAPI(t)
	w := a.do(t, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}

func TestIngestThenListCrashGroups(t *testing.T) {
	a := newTestAPI(t)
	session := uuid.New()
	a.ingestCrash(t, session, time.Second, "onCreate")
	a.ingestCrash(t, session, 2*time.Second, "onCreate")

	w := a.do(t, http.MethodGet, fmt.Sprintf("/apps/%s/crashGroups?%s", a.appID, a.rangeQuery()), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	var resp struct {
		Results []struct {
			ID         uuid.UUID `json:"id"`
			Name       string    `json:"name"`
			Count      int       `json:"count"`
			Percentage float64   `json:"percentage_contribution"`
		} `json:"results"`
		Meta struct {
			Next     bool `json:"next"`
			Previous bool `json:"previous"`
		} `json:"meta"`
	}
	decodeBody(t, w, &resp)

	if len(resp.Results) != 1 {
		t.Fatalf("got %d groups, want 1", len(resp.Results))
	}
	if resp.Results[0].Count != 2 || resp.Results[0].Percentage != 100.0 {
		t.Errorf("group = %+v, want count 2 percentage 100", resp.Results[0])
	}
	if resp.Meta.Next || resp.Meta.Previous {
		t.Errorf("meta = %+v, want next/previous false", resp.Meta)
	}
}

func TestGroupOccurrencesEndpoint(t *testing.T) {
	a := newTestAPI(t)
	session := uuid.New()
	a.ingestCrash(t, session, time.Second, "onCreate")

	w := a.do(t, http.MethodGet, fmt.Sprintf("/apps/%s/crashGroups?%s", a.appID, a.rangeQuery()), nil)
	var groups struct {
		Results []struct {
			ID uuid.UUID `json:"id"`
		} `json:"results"`
	}
	decodeBody(t, w, &groups)
	if len(groups.Results) != 1 {
		t.Fatalf("got %d groups, want 1", len(groups.Results))
	}

	w = a.do(t, http.MethodGet, fmt.Sprintf("/apps/%s/crashGroups/%s/crashes?%s", a.appID, groups.Results[0].ID, a.rangeQuery()), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	var occ struct {
		Results []struct {
			ID uuid.UUID `json:"id"`
		} `json:"results"`
	}
	decodeBody(t, w, &occ)
	if len(occ.Results) != 1 {
		t.Fatalf("got %d occurrences, want 1", len(occ.Results))
	}
}

func TestGroupOccurrencesUnknownGroupIs404(t *testing.T) {
	a := newTestAPI(t)
	w := a.do(t, http.MethodGet, fmt.Sprintf("/apps/%s/crashGroups/%s/crashes?%s", a.appID, uuid.New(), a.rangeQuery()), nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestJourneyEndpoint(t *testing.T) {
	a := newTestAPI(t)
	session := uuid.New()

	a.events.AddEvent(a.appID, event.Event{
		ID:        uuid.New(),
		SessionID: session,
		Timestamp: apiBase,
		Payload:   event.LifecycleActivity{Type: event.ActivityCreated, ClassName: "Home"},
	}, event.Attribute{})
	a.events.AddEvent(a.appID, event.Event{
		ID:        uuid.New(),
		SessionID: session,
		Timestamp: apiBase.Add(time.Second),
		Payload:   event.LifecycleActivity{Type: event.ActivityCreated, ClassName: "Detail"},
	}, event.Attribute{})
	a.ingestCrash(t, session, 2*time.Second, "onCreate")

	w := a.do(t, http.MethodGet, fmt.Sprintf("/apps/%s/journey?%s", a.appID, a.rangeQuery()), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	var resp struct {
		TotalIssues int `json:"totalIssues"`
		Nodes       []struct {
			ID     string `json:"id"`
			Issues struct {
				Crashes []struct {
					Title string `json:"title"`
					Count int    `json:"count"`
				} `json:"crashes"`
				ANRs []any `json:"anrs"`
			} `json:"issues"`
		} `json:"nodes"`
		Links []struct {
			Source string `json:"source"`
			Target string `json:"target"`
			Value  int    `json:"value"`
		} `json:"links"`
	}
	decodeBody(t, w, &resp)

	if resp.TotalIssues != 1 {
		t.Errorf("totalIssues = %d, want 1", resp.TotalIssues)
	}
	if len(resp.Nodes) != 2 {
		t.Fatalf("got %d nodes, want 2", len(resp.Nodes))
	}
	if len(resp.Links) != 1 || resp.Links[0].Source != "Home" || resp.Links[0].Target != "Detail" || resp.Links[0].Value != 1 {
		t.Fatalf("links = %+v, want Home->Detail value 1", resp.Links)
	}

	var detailCrashes int
	for _, n := range resp.Nodes {
		if n.ID == "Detail" {
			detailCrashes = len(n.Issues.Crashes)
		}
	}
	if detailCrashes != 1 {
		t.Errorf("Detail node crashes = %d, want 1", detailCrashes)
	}
}

func TestFiltersEndpoint(t *testing.T) {
	a := newTestAPI(t)
	a.ingestCrash(t, uuid.New(), time.Second, "onCreate")

	w := a.do(t, http.MethodGet, fmt.Sprintf("/apps/%s/filters", a.appID), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	var resp struct {
		Versions []string `json:"versions"`
	}
	decodeBody(t, w, &resp)
	if len(resp.Versions) != 1 || resp.Versions[0] != "1.0.0" {
		t.Errorf("versions = %v, want [1.0.0]", resp.Versions)
	}
}

func TestBadAppIDIs400(t *testing.T) {
	a := newTestAPI(t)
	w := a.do(t, http.MethodGet, "/apps/not-a-uuid/crashGroups", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestHalfOpenTimeRangeIs400(t *testing.T) {
	a := newTestAPI(t)
	q := url.Values{}
	q.Set("from", apiBase.Format(queryTimeFormat))
	w := a.do(t, http.MethodGet, fmt.Sprintf("/apps/%s/crashGroups?%s", a.appID, q.Encode()), nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
}

func TestExcessiveLimitIs400(t *testing.T) {
	a := newTestAPI(t)
	w := a.do(t, http.MethodGet, fmt.Sprintf("/apps/%s/crashGroups?limit=5000&%s", a.appID, a.rangeQuery()), nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
}

func TestConfiguredMaxLimitIsEnforced(t *testing.T) {
	// A tighter maximum than the package default rejects limits above it.
	a := newTestAPIWithQuery(t, config.QueryConfig{DefaultLimit: 5, MaxLimit: 10})
	w := a.do(t, http.MethodGet, fmt.Sprintf("/apps/%s/crashGroups?limit=11&%s", a.appID, a.rangeQuery()), nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	// A looser maximum admits limits the package default would reject.
	a = newTestAPIWithQuery(t, config.QueryConfig{MaxLimit: 500})
	w = a.do(t, http.MethodGet, fmt.Sprintf("/apps/%s/crashGroups?limit=200&%s", a.appID, a.rangeQuery()), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
}
