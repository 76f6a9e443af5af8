package upstream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/MarcoPoloResearchLab/presence-tracker/internal/history"
	"github.com/MarcoPoloResearchLab/presence-tracker/internal/metrics"
)

type staticTokens string

func (s staticTokens) Token(context.Context) (string, error) {
	return string(s), nil
}

func newTestClient(t *testing.T, handler http.Handler, collectors *metrics.Metrics) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := NewClient(ClientConfig{
		BaseURL: server.URL + "/",
		Tokens:  staticTokens("service-token"),
		Timeout: 2 * time.Second,
		Metrics: collectors,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	return client
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	if _, err := NewClient(ClientConfig{BaseURL: "  "}); !errors.Is(err, ErrMissingBaseURL) {
		t.Fatalf("expected ErrMissingBaseURL, got %v", err)
	}
}

func TestFetchSnapshotDecodesBothEnvelopes(t *testing.T) {
	var unauthorized atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc(DefaultWorkersPath, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer service-token" {
			unauthorized.Add(1)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"count": 3, "results": [
			{"id": 1, "name": "Sara", "project_id": 10, "latitude": "35.7", "longitude": 51.4, "today_attendance_status": "WORKING", "last_update": "2024-03-01T08:00:00Z"},
			{"worker_id": "2", "name": "Reza", "project_id": null},
			{"name": "ghost"}
		]}`))
	})
	mux.HandleFunc(DefaultProjectsPath, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer service-token" {
			unauthorized.Add(1)
		}
		_, _ = w.Write([]byte(`[{"id": 10, "name": "Tower"}, {"id": "11", "name": "Bridge"}]`))
	})
	client := newTestClient(t, mux, nil)

	snapshot, err := client.FetchSnapshot(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if unauthorized.Load() != 0 {
		t.Fatalf("expected every request to carry the service token")
	}
	if len(snapshot.Workers) != 2 || snapshot.Skipped != 1 {
		t.Fatalf("expected two workers and one skipped record, got %d/%d", len(snapshot.Workers), snapshot.Skipped)
	}
	first := snapshot.Workers[0]
	if first.ID != "1" || first.ProjectID == nil || *first.ProjectID != "10" || *first.Latitude != 35.7 {
		t.Fatalf("unexpected first worker: %#v", first)
	}
	if first.LastUpdate == nil || first.LastUpdate.Year() != 2024 {
		t.Fatalf("expected last update hint to be decoded, got %v", first.LastUpdate)
	}
	if snapshot.Workers[1].ProjectID != nil {
		t.Fatalf("expected null project for worker 2")
	}
	if len(snapshot.Projects) != 2 || snapshot.Projects[1].ID != "11" {
		t.Fatalf("unexpected projects: %#v", snapshot.Projects)
	}
}

func TestFetchWorkersFollowsNextPages(t *testing.T) {
	var pages atomic.Int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pages.Add(1)
		if r.Header.Get("Authorization") != "Bearer service-token" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if r.URL.Query().Get("page") == "2" {
			_, _ = w.Write([]byte(`{"count": 3, "next": null, "results": [{"id": 3}]}`))
			return
		}
		_, _ = w.Write([]byte(`{"count": 3, "next": "` + DefaultWorkersPath + `?page=2", "results": [{"id": 1}, {"id": 2}]}`))
	}), nil)

	workers, skipped, err := client.FetchWorkers(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pages.Load() != 2 || skipped != 0 {
		t.Fatalf("expected two pages and nothing skipped, got %d/%d", pages.Load(), skipped)
	}
	if len(workers) != 3 || workers[2].ID != "3" {
		t.Fatalf("expected workers from both pages, got %#v", workers)
	}
}

func TestFetchWorkersRejectsShortPagedResponse(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"count": 3, "next": null, "results": [{"id": 1}, {"id": 2}]}`))
	}), nil)

	_, _, err := client.FetchWorkers(context.Background())
	var requestErr *RequestError
	if !errors.As(err, &requestErr) || requestErr.Code() != "upstream.fetch_workers.invalid_response" {
		t.Fatalf("expected invalid response for missing records, got %v", err)
	}
}

func TestFetchWorkersRefusesForeignNextPage(t *testing.T) {
	var foreignHits atomic.Int32
	foreign := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		foreignHits.Add(1)
		_, _ = w.Write([]byte(`[]`))
	}))
	defer foreign.Close()
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"next": "` + foreign.URL + `/steal", "results": [{"id": 1}]}`))
	}), nil)

	_, _, err := client.FetchWorkers(context.Background())
	if !errors.Is(err, ErrInvalidResponse) {
		t.Fatalf("expected invalid response, got %v", err)
	}
	if foreignHits.Load() != 0 {
		t.Fatalf("service token must not follow links to another host")
	}
}

func TestFetchSnapshotFailsOnEitherRequest(t *testing.T) {
	registry := prometheus.NewRegistry()
	collectors := metrics.New(registry)
	mux := http.NewServeMux()
	mux.HandleFunc(DefaultWorkersPath, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	})
	mux.HandleFunc(DefaultProjectsPath, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	})
	client := newTestClient(t, mux, collectors)

	_, err := client.FetchSnapshot(context.Background())
	var requestErr *RequestError
	if !errors.As(err, &requestErr) {
		t.Fatalf("expected RequestError, got %v", err)
	}
	if requestErr.StatusCode != http.StatusBadGateway || requestErr.Code() != "upstream.fetch_projects.unexpected_status" {
		t.Fatalf("unexpected request error: %#v code=%s", requestErr, requestErr.Code())
	}
	if got := testutil.ToFloat64(collectors.UpstreamRequests.WithLabelValues(OperationFetchProjects, "502")); got != 1 {
		t.Fatalf("expected failed request to be recorded, got %v", got)
	}
}

func TestFetchWorkersRejectsUndecodableBody(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"detail": "no list here"}`))
	}), nil)

	_, _, err := client.FetchWorkers(context.Background())
	var requestErr *RequestError
	if !errors.As(err, &requestErr) || requestErr.Code() != "upstream.fetch_workers.invalid_response" {
		t.Fatalf("expected invalid response error, got %v", err)
	}
	if requestErr.StatusCode != 0 {
		t.Fatalf("decode failures must not carry the success status, got %d", requestErr.StatusCode)
	}
}

func TestFetchHistoryBuildsRequest(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	var gotPath, gotRange, gotFrom, gotTo string
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotRange = r.URL.Query().Get("range")
		gotFrom = r.URL.Query().Get("from")
		gotTo = r.URL.Query().Get("to")
		_, _ = w.Write([]byte(`{"points": [
			{"latitude": 35.1, "longitude": 51.1, "timestamp": "2024-03-01T11:30:00Z"},
			{"latitude": "bad", "longitude": 51.2, "timestamp": 1709290800},
			{"latitude": 35.3, "longitude": "51.3", "timestamp": 1709290800}
		]}`))
	}), nil)

	points, err := client.FetchHistory(context.Background(), "worker 7", history.RangeDay, history.RangeDay.Window(now))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotPath != "/api/workers/worker 7/history" {
		t.Fatalf("unexpected path %q", gotPath)
	}
	if gotRange != "24h" || gotFrom != "2024-02-29T12:00:00Z" || gotTo != "2024-03-01T12:00:00Z" {
		t.Fatalf("unexpected query range=%s from=%s to=%s", gotRange, gotFrom, gotTo)
	}
	if len(points) != 2 || points[1].Longitude != 51.3 {
		t.Fatalf("expected two decoded points, got %#v", points)
	}
}

func TestRequestErrorCodes(t *testing.T) {
	cases := map[string]*RequestError{
		"upstream.fetch_history.timeout":   {Operation: OperationFetchHistory, Err: context.DeadlineExceeded},
		"upstream.fetch_history.canceled":  {Operation: OperationFetchHistory, Err: context.Canceled},
		"upstream.fetch_workers.transport": {Operation: OperationFetchWorkers, Err: errors.New("connection refused")},
	}
	for want, requestErr := range cases {
		if got := requestErr.Code(); got != want {
			t.Fatalf("expected %s, got %s", want, got)
		}
	}
}

func TestFetchHistoryHonoursContext(t *testing.T) {
	release := make(chan struct{})
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}), nil)
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := client.FetchHistory(ctx, "3", history.RangeHour, history.RangeHour.Window(time.Now()))
	var requestErr *RequestError
	if !errors.As(err, &requestErr) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded request error, got %v", err)
	}
}
