package wheelhouse

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/parquet-go/jsonlite"
	"github.com/parquet-go/parquet-go"

	"rmcopilot/internal/metrics"
	"rmcopilot/internal/payload"
	"rmcopilot/internal/store"
	api "rmcopilot/pkg/wheelhouse"
)

var testDate = time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeFetcher struct {
	listings    string
	listingsErr error
	metrics     map[string]string
	metricsErr  map[string]error

	calls []string
}

func (f *fakeFetcher) Listings(_ context.Context) (*jsonlite.Value, error) {
	f.calls = append(f.calls, "listings")
	if f.listingsErr != nil {
		return nil, f.listingsErr
	}
	return payload.Parse([]byte(f.listings))
}

func (f *fakeFetcher) Metrics(_ context.Context, id string, date time.Time) (*jsonlite.Value, error) {
	f.calls = append(f.calls, "metrics:"+id+":"+date.Format("2006-01-02"))
	if err := f.metricsErr[id]; err != nil {
		return nil, err
	}
	return payload.Parse([]byte(f.metrics[id]))
}

type write struct {
	listing string
	rows    int
}

type memStore struct {
	writes    []write
	completed []time.Time
	failOn    string
}

func (m *memStore) WriteMetrics(_ context.Context, id string, date time.Time, f *store.Frame) (string, error) {
	if id == m.failOn {
		return "", errors.New("disk full")
	}
	m.writes = append(m.writes, write{id, f.NumRows()})
	return "mem/" + id + "/" + date.Format("2006-01-02") + ".parquet", nil
}

func (m *memStore) MarkCompleted(date time.Time) error {
	m.completed = append(m.completed, date)
	return nil
}

func (m *memStore) LastCompleted() string { return "" }

// ---------------------------------------------------------------------------
// Unit tests against fakes
// ---------------------------------------------------------------------------

func TestRunWritesEachListingInOrder(t *testing.T) {
	f := &fakeFetcher{
		listings: `{"results": [{"id": "B"}, "A", {"id": 7}]}`,
		metrics: map[string]string{
			"B": `{"data": [{"occupancy": 0.5}, {"occupancy": 0.6}]}`,
			"A": `[{"occupancy": 0.9}]`,
			"7": `null`,
		},
	}
	s := &memStore{}
	var out bytes.Buffer
	m := metrics.New()

	g := NewMetricsGatherer(f, s, testDate, &out, m)
	if err := g.Run(context.Background()); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	wantCalls := []string{"listings", "metrics:B:2025-07-01", "metrics:A:2025-07-01", "metrics:7:2025-07-01"}
	if fmt.Sprint(f.calls) != fmt.Sprint(wantCalls) {
		t.Errorf("calls = %v, want %v", f.calls, wantCalls)
	}

	wantWrites := []write{{"B", 2}, {"A", 1}, {"7", 0}}
	if fmt.Sprint(s.writes) != fmt.Sprint(wantWrites) {
		t.Errorf("writes = %v, want %v", s.writes, wantWrites)
	}

	wantOut := "Wrote metrics for listing B to mem/B/2025-07-01.parquet\n" +
		"Wrote metrics for listing A to mem/A/2025-07-01.parquet\n" +
		"Wrote metrics for listing 7 to mem/7/2025-07-01.parquet\n"
	if out.String() != wantOut {
		t.Errorf("output = %q, want %q", out.String(), wantOut)
	}

	if len(s.completed) != 1 || !s.completed[0].Equal(testDate) {
		t.Errorf("completed = %v, want [%v]", s.completed, testDate)
	}
}

func TestRunNoListings(t *testing.T) {
	for _, body := range []string{`[]`, `{"results": []}`, `null`, `"nope"`, ``} {
		t.Run(body, func(t *testing.T) {
			f := &fakeFetcher{listings: body}
			s := &memStore{}
			var out bytes.Buffer

			if err := NewMetricsGatherer(f, s, testDate, &out, nil).Run(context.Background()); err != nil {
				t.Fatalf("Run() error: %v", err)
			}
			if len(f.calls) != 1 {
				t.Errorf("calls = %v, want only the listings call", f.calls)
			}
			if len(s.writes) != 0 {
				t.Errorf("writes = %v, want none", s.writes)
			}
			if strings.TrimSpace(out.String()) != EmptyListingsMessage {
				t.Errorf("output = %q, want %q", out.String(), EmptyListingsMessage)
			}
			if len(s.completed) != 0 {
				t.Errorf("completed = %v, want no marker for an empty run", s.completed)
			}
		})
	}
}

func TestRunDuplicateListings(t *testing.T) {
	f := &fakeFetcher{
		listings: `["A", "A"]`,
		metrics:  map[string]string{"A": `[{"x": 1}]`},
	}
	s := &memStore{}

	if err := NewMetricsGatherer(f, s, testDate, &bytes.Buffer{}, nil).Run(context.Background()); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if len(s.writes) != 2 {
		t.Errorf("writes = %v, want two writes for the repeated id", s.writes)
	}
}

func TestRunListingsError(t *testing.T) {
	boom := &api.HTTPError{StatusCode: 500}
	f := &fakeFetcher{listingsErr: boom}
	s := &memStore{}

	err := NewMetricsGatherer(f, s, testDate, &bytes.Buffer{}, nil).Run(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("Run() error = %v, want wrapped %v", err, boom)
	}
	if len(s.completed) != 0 {
		t.Error("failed run should not be marked completed")
	}
}

func TestRunMetricsErrorKeepsEarlierWrites(t *testing.T) {
	f := &fakeFetcher{
		listings:   `["A", "B", "C"]`,
		metrics:    map[string]string{"A": `[{"x": 1}]`},
		metricsErr: map[string]error{"B": api.ErrRateLimited},
	}
	s := &memStore{}
	var out bytes.Buffer

	err := NewMetricsGatherer(f, s, testDate, &out, nil).Run(context.Background())
	if !errors.Is(err, api.ErrRateLimited) {
		t.Fatalf("Run() error = %v, want ErrRateLimited", err)
	}
	if !strings.Contains(err.Error(), "listing B") {
		t.Errorf("error %q should name the listing", err)
	}
	if len(s.writes) != 1 || s.writes[0].listing != "A" {
		t.Errorf("writes = %v, want only A", s.writes)
	}
	for _, c := range f.calls {
		if strings.HasPrefix(c, "metrics:C") {
			t.Error("listing C should not be fetched after B failed")
		}
	}
	if len(s.completed) != 0 {
		t.Error("failed run should not be marked completed")
	}
}

func TestRunStoreError(t *testing.T) {
	f := &fakeFetcher{
		listings: `["A"]`,
		metrics:  map[string]string{"A": `[]`},
	}
	s := &memStore{failOn: "A"}

	err := NewMetricsGatherer(f, s, testDate, &bytes.Buffer{}, nil).Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("Run() error = %v, want store failure", err)
	}
}

func TestRunCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f := &fakeFetcher{listings: `["A"]`}
	err := NewMetricsGatherer(f, &memStore{}, testDate, &bytes.Buffer{}, nil).Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
}

func TestRunIDUnique(t *testing.T) {
	a := NewMetricsGatherer(&fakeFetcher{}, &memStore{}, testDate, &bytes.Buffer{}, nil)
	b := NewMetricsGatherer(&fakeFetcher{}, &memStore{}, testDate, &bytes.Buffer{}, nil)
	if a.RunID() == "" || a.RunID() == b.RunID() {
		t.Errorf("run ids %q and %q should be distinct and non-empty", a.RunID(), b.RunID())
	}
	if a.Name() != "listing-metrics" || !a.Date().Equal(testDate) {
		t.Errorf("Name()/Date() = %q/%v", a.Name(), a.Date())
	}
}

// ---------------------------------------------------------------------------
// End-to-end against an HTTP test server and the Parquet store
// ---------------------------------------------------------------------------

// upstream is a scripted listings API. Each path answers with its queued
// statuses first and then 200 with its body.
type upstream struct {
	mu       sync.Mutex
	bodies   map[string]string
	statuses map[string][]int
	hits     map[string]int
	queries  []string
}

func newUpstream(t *testing.T, bodies map[string]string) (*upstream, *httptest.Server) {
	t.Helper()
	u := &upstream{bodies: bodies, statuses: map[string][]int{}, hits: map[string]int{}}
	srv := httptest.NewServer(u)
	t.Cleanup(srv.Close)
	return u, srv
}

func (u *upstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.hits[r.URL.Path]++
	if r.URL.RawQuery != "" {
		u.queries = append(u.queries, r.URL.RawQuery)
	}
	if q := u.statuses[r.URL.Path]; len(q) > 0 {
		u.statuses[r.URL.Path] = q[1:]
		w.WriteHeader(q[0])
		return
	}
	body, ok := u.bodies[r.URL.Path]
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, body)
}

func newClient(srv *httptest.Server, delays *[]time.Duration) *api.Client {
	return api.NewClient(srv.URL+"/",
		api.WithAPIKey("testtoken"),
		api.WithSleep(func(_ context.Context, d time.Duration) error {
			*delays = append(*delays, d)
			return nil
		}),
	)
}

func TestEndToEndTwoListings(t *testing.T) {
	_, srv := newUpstream(t, map[string]string{
		"/listings":           `[{"id": 1}, {"id": 2}]`,
		"/listings/1/metrics": `[{"date": "2025-07-01", "occupancy": 0.8}, {"date": "2025-07-01", "occupancy": 0.9}]`,
		"/listings/2/metrics": `{"data": [{"date": "2025-07-01", "adr": 120}]}`,
	})
	var delays []time.Duration
	dataDir := t.TempDir()
	ps := store.NewParquetStore(dataDir)
	var out bytes.Buffer

	if err := NewMetricsGatherer(newClient(srv, &delays), ps, testDate, &out, nil).Run(context.Background()); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	for id, wantRows := range map[string]int64{"1": 2, "2": 1} {
		path := filepath.Join(dataDir, "raw", id, "2025-07-01.parquet")
		a, err := store.ReadArtifact(path)
		if err != nil {
			t.Fatalf("ReadArtifact(%s): %v", path, err)
		}
		if a.NumRows != wantRows {
			t.Errorf("listing %s rows = %d, want %d", id, a.NumRows, wantRows)
		}
		if a.ListingID != id || a.Date != "2025-07-01" {
			t.Errorf("listing %s metadata = (%q, %q)", id, a.ListingID, a.Date)
		}
		if !strings.Contains(out.String(), "Wrote metrics for listing "+id+" to "+path) {
			t.Errorf("output %q missing report for %s", out.String(), id)
		}
	}
	if len(delays) != 0 {
		t.Errorf("unexpected backoff delays %v", delays)
	}
	if got := ps.LastCompleted(); got != "2025-07-01" {
		t.Errorf("LastCompleted() = %q, want 2025-07-01", got)
	}
}

func TestEndToEndRateLimitedThenEmpty(t *testing.T) {
	up, srv := newUpstream(t, map[string]string{
		"/listings":           `[{"id": 1}]`,
		"/listings/1/metrics": `[]`,
	})
	up.statuses["/listings"] = []int{http.StatusTooManyRequests}
	up.statuses["/listings/1/metrics"] = []int{http.StatusTooManyRequests, http.StatusTooManyRequests}

	var delays []time.Duration
	dataDir := t.TempDir()
	m := metrics.New()
	client := api.NewClient(srv.URL,
		api.WithSleep(func(_ context.Context, d time.Duration) error {
			delays = append(delays, d)
			return nil
		}),
		api.WithObserver(m.Observer()),
	)

	g := NewMetricsGatherer(client, store.NewParquetStore(dataDir), testDate, &bytes.Buffer{}, m)
	if err := g.Run(context.Background()); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	// One retry on /listings, two on the metrics call.
	wantDelays := []time.Duration{time.Second, time.Second, 2 * time.Second}
	if fmt.Sprint(delays) != fmt.Sprint(wantDelays) {
		t.Errorf("delays = %v, want %v", delays, wantDelays)
	}
	if up.hits["/listings"] != 2 || up.hits["/listings/1/metrics"] != 3 {
		t.Errorf("hits = %v", up.hits)
	}

	for _, q := range up.queries {
		if q != "end_date=2025-07-01&start_date=2025-07-01" {
			t.Errorf("query = %q", q)
		}
	}

	a, err := store.ReadArtifact(filepath.Join(dataDir, "raw", "1", "2025-07-01.parquet"))
	if err != nil {
		t.Fatalf("ReadArtifact: %v", err)
	}
	if a.NumRows != 0 {
		t.Errorf("rows = %d, want 0", a.NumRows)
	}
}

func TestEndToEndEmptyListings(t *testing.T) {
	up, srv := newUpstream(t, map[string]string{"/listings": `[]`})
	var delays []time.Duration
	dataDir := t.TempDir()
	var out bytes.Buffer

	if err := NewMetricsGatherer(newClient(srv, &delays), store.NewParquetStore(dataDir), testDate, &out, nil).Run(context.Background()); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if strings.TrimSpace(out.String()) != EmptyListingsMessage {
		t.Errorf("output = %q", out.String())
	}
	if len(up.hits) != 1 {
		t.Errorf("hits = %v, want only /listings", up.hits)
	}
	entries, err := os.ReadDir(dataDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("data dir should stay empty, found %d entries (first %q)", len(entries), entries[0].Name())
	}
}

func TestEndToEndIdempotent(t *testing.T) {
	_, srv := newUpstream(t, map[string]string{
		"/listings":           `{"A": {"name": "Loft"}}`,
		"/listings/A/metrics": `{"results": [{"occupancy": 0.8, "booked": true}]}`,
	})
	var delays []time.Duration
	dataDir := t.TempDir()
	ps := store.NewParquetStore(dataDir)
	path := ps.Path("A", testDate)

	var runs [][]parquet.Row
	for range 2 {
		if err := NewMetricsGatherer(newClient(srv, &delays), ps, testDate, &bytes.Buffer{}, nil).Run(context.Background()); err != nil {
			t.Fatalf("Run() error: %v", err)
		}
		rows, err := store.ReadRows(path)
		if err != nil {
			t.Fatalf("ReadRows: %v", err)
		}
		runs = append(runs, rows)
	}
	if len(runs[0]) != 1 || len(runs[1]) != len(runs[0]) {
		t.Fatalf("row counts = %d, %d, want 1, 1", len(runs[0]), len(runs[1]))
	}
	if !runs[0][0].Equal(runs[1][0]) {
		t.Errorf("second run row %v differs from first %v", runs[1][0], runs[0][0])
	}
}

func TestEndToEndFailureLeavesEarlierFiles(t *testing.T) {
	_, srv := newUpstream(t, map[string]string{
		"/listings":           `["A", "B"]`,
		"/listings/A/metrics": `[{"x": 1}]`,
	})
	var delays []time.Duration
	dataDir := t.TempDir()
	ps := store.NewParquetStore(dataDir)

	err := NewMetricsGatherer(newClient(srv, &delays), ps, testDate, &bytes.Buffer{}, nil).Run(context.Background())
	if api.StatusCode(err) != http.StatusNotFound {
		t.Fatalf("Run() error = %v, want a 404 HTTPError", err)
	}
	if _, err := os.Stat(ps.Path("A", testDate)); err != nil {
		t.Errorf("artifact for A should remain: %v", err)
	}
	if ps.LastCompleted() != "" {
		t.Error("failed run should not record completion")
	}
}
