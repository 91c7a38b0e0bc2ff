package web

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"inkcal/internal/battery"
	"inkcal/internal/config"
	"inkcal/internal/ics"
	"inkcal/internal/journal"
	"inkcal/internal/model"
	"inkcal/internal/refresh"
)

type fakeRefresher struct {
	mu        sync.Mutex
	triggered int
	expands   int
	result    ics.ExpandResult
	err       error
}

func (f *fakeRefresher) TriggerRefresh() {
	f.mu.Lock()
	f.triggered++
	f.mu.Unlock()
}

func (f *fakeRefresher) Expand(_ context.Context, _, _ time.Time) (ics.ExpandResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expands++
	return f.result, f.err
}

func (f *fakeRefresher) Location() *time.Location { return time.UTC }

func (f *fakeRefresher) expandCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.expands
}

func (f *fakeRefresher) triggerCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.triggered
}

type fakeDisplay struct {
	rec    refresh.CycleRecord
	hasRec bool
	totals refresh.Totals
	hist   refresh.History
}

func (f *fakeDisplay) LastCycle() (refresh.CycleRecord, bool) { return f.rec, f.hasRec }
func (f *fakeDisplay) CycleTotals() refresh.Totals            { return f.totals }
func (f *fakeDisplay) History() refresh.History               { return f.hist }

type fixedBattery struct{ status battery.Status }

func (b fixedBattery) Read(_ context.Context) (battery.Status, error) { return b.status, nil }

func testDeps(t *testing.T) Deps {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.StateDir = t.TempDir()
	return Deps{Cfg: cfg, Refresher: &fakeRefresher{}}
}

func newTestServer(t *testing.T, d Deps) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewServer(d).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func getJSON(t *testing.T, url string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, testDeps(t))

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestEventsEndpoint(t *testing.T) {
	d := testDeps(t)
	start := time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)
	ref := &fakeRefresher{result: ics.ExpandResult{
		Occurrences: []model.Occurrence{
			{SourceID: "work", UID: "u1", Summary: "Standup", Start: start, End: start.Add(time.Hour)},
			{SourceID: "home", UID: "u2", Summary: "Dinner", AllDay: true, Start: start, End: start.Add(24 * time.Hour)},
		},
	}}
	d.Refresher = ref
	srv := newTestServer(t, d)

	var got struct {
		Occurrences []struct {
			UID     string `json:"uid"`
			Summary string `json:"summary"`
			AllDay  bool   `json:"all_day"`
		} `json:"occurrences"`
		WeekStart string `json:"week_start"`
	}
	resp := getJSON(t, srv.URL+"/api/events", &got)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if len(got.Occurrences) != 2 {
		t.Fatalf("occurrences = %d, want 2", len(got.Occurrences))
	}
	if got.Occurrences[0].Summary != "Standup" {
		t.Errorf("occurrences[0].Summary = %q", got.Occurrences[0].Summary)
	}
	if !got.Occurrences[1].AllDay {
		t.Error("occurrences[1] lost its all-day flag")
	}
	if got.WeekStart != "monday" {
		t.Errorf("week_start = %q, want monday", got.WeekStart)
	}
}

func TestEventsCacheServesRepeatRequests(t *testing.T) {
	d := testDeps(t)
	ref := &fakeRefresher{}
	d.Refresher = ref
	srv := newTestServer(t, d)

	getJSON(t, srv.URL+"/api/events?days=7", nil)
	getJSON(t, srv.URL+"/api/events?days=7", nil)

	if calls := ref.expandCalls(); calls != 1 {
		t.Errorf("expand calls = %d, want 1 (second request should hit the cache)", calls)
	}
}

func TestEventsCacheKeyedByWindow(t *testing.T) {
	d := testDeps(t)
	ref := &fakeRefresher{}
	d.Refresher = ref
	srv := newTestServer(t, d)

	getJSON(t, srv.URL+"/api/events?days=7", nil)
	getJSON(t, srv.URL+"/api/events?days=3", nil)

	if calls := ref.expandCalls(); calls != 2 {
		t.Errorf("expand calls = %d, want 2 (different window must bypass the cache)", calls)
	}
}

func TestEventsExpandFailure(t *testing.T) {
	d := testDeps(t)
	d.Refresher = &fakeRefresher{err: errors.New("all sources down")}
	srv := newTestServer(t, d)

	resp := getJSON(t, srv.URL+"/api/events", nil)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
}

func TestRefreshEndpoint(t *testing.T) {
	d := testDeps(t)
	ref := &fakeRefresher{}
	d.Refresher = ref
	srv := newTestServer(t, d)

	resp, err := http.Post(srv.URL+"/api/refresh", "", nil)
	if err != nil {
		t.Fatalf("POST /api/refresh: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	if ref.triggerCalls() != 1 {
		t.Errorf("triggered = %d, want 1", ref.triggerCalls())
	}

	getResp := getJSON(t, srv.URL+"/api/refresh", nil)
	if getResp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET status = %d, want 405", getResp.StatusCode)
	}
}

func TestDisplayEndpoint(t *testing.T) {
	d := testDeps(t)
	at := time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)
	d.Display = &fakeDisplay{
		rec: refresh.CycleRecord{
			At:          at,
			Strategy:    refresh.StrategyPartial,
			Regions:     2,
			ChangedArea: 9600,
			Duration:    420 * time.Millisecond,
		},
		hasRec: true,
		totals: refresh.Totals{Full: 3, Partial: 11, Skip: 40, Failed: 1},
		hist:   refresh.History{LastFull: at.Add(-5 * time.Minute), ConsecutivePartials: 4},
	}
	srv := newTestServer(t, d)

	var got struct {
		LastCycle *struct {
			Strategy   string `json:"strategy"`
			Regions    int    `json:"regions"`
			DurationMs int64  `json:"duration_ms"`
		} `json:"last_cycle"`
		Totals struct {
			Full    uint64 `json:"full"`
			Partial uint64 `json:"partial"`
			Skip    uint64 `json:"skip"`
			Failed  uint64 `json:"failed"`
		} `json:"totals"`
		LastFull            *time.Time `json:"last_full"`
		ConsecutivePartials int        `json:"consecutive_partials"`
	}
	resp := getJSON(t, srv.URL+"/api/display", &got)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if got.LastCycle == nil {
		t.Fatal("last_cycle missing")
	}
	if got.LastCycle.Strategy != "partial" {
		t.Errorf("last_cycle.strategy = %q, want partial", got.LastCycle.Strategy)
	}
	if got.LastCycle.DurationMs != 420 {
		t.Errorf("last_cycle.duration_ms = %d, want 420", got.LastCycle.DurationMs)
	}
	if got.Totals.Skip != 40 {
		t.Errorf("totals.skip = %d, want 40", got.Totals.Skip)
	}
	if got.LastFull == nil {
		t.Error("last_full missing")
	}
	if got.ConsecutivePartials != 4 {
		t.Errorf("consecutive_partials = %d, want 4", got.ConsecutivePartials)
	}
}

func TestDisplayUnavailable(t *testing.T) {
	srv := newTestServer(t, testDeps(t))

	resp := getJSON(t, srv.URL+"/api/display", nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
}

func TestJournalEndpoint(t *testing.T) {
	db, err := journal.OpenDB(":memory:")
	if err != nil {
		t.Fatalf("OpenDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store := journal.NewStore(db)
	if err := store.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		store.RecordAsync(refresh.CycleRecord{
			At:       base.Add(time.Duration(i) * time.Minute),
			Strategy: refresh.StrategyPartial,
			Regions:  i,
			Duration: 100 * time.Millisecond,
		})
	}
	store.Close()

	d := testDeps(t)
	d.Journal = store
	srv := newTestServer(t, d)

	var got struct {
		Cycles []struct {
			Strategy string `json:"strategy"`
			Regions  int    `json:"regions"`
		} `json:"cycles"`
	}
	resp := getJSON(t, srv.URL+"/api/journal?limit=2", &got)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if len(got.Cycles) != 2 {
		t.Fatalf("cycles = %d, want 2", len(got.Cycles))
	}
	// Newest first.
	if got.Cycles[0].Regions != 2 {
		t.Errorf("cycles[0].regions = %d, want the newest record (2)", got.Cycles[0].Regions)
	}
}

func TestBatteryEndpoint(t *testing.T) {
	d := testDeps(t)
	d.Battery = fixedBattery{status: battery.Status{Percent: 87, VoltageMv: 3999}}
	srv := newTestServer(t, d)

	var got struct {
		Percent   int `json:"percent"`
		VoltageMv int `json:"voltage_mv"`
	}
	resp := getJSON(t, srv.URL+"/api/battery", &got)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if got.Percent != 87 || got.VoltageMv != 3999 {
		t.Errorf("battery = %+v", got)
	}
}

func TestBatteryUnavailable(t *testing.T) {
	srv := newTestServer(t, testDeps(t))

	resp := getJSON(t, srv.URL+"/api/battery", nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
}

func TestBasicAuth(t *testing.T) {
	d := testDeps(t)
	d.Cfg.BasicAuth = &config.BasicAuthConfig{Username: "admin", Password: "secret"}
	d.Display = &fakeDisplay{}
	srv := newTestServer(t, d)

	resp := getJSON(t, srv.URL+"/api/display", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/display", nil)
	req.SetBasicAuth("admin", "secret")
	authResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("authenticated GET: %v", err)
	}
	authResp.Body.Close()
	if authResp.StatusCode != http.StatusOK {
		t.Errorf("authenticated status = %d, want 200", authResp.StatusCode)
	}

	// /health 는 인증 없이도 열려 있어야 한다.
	healthResp := getJSON(t, srv.URL+"/health", nil)
	if healthResp.StatusCode != http.StatusOK {
		t.Errorf("/health status = %d, want 200 without credentials", healthResp.StatusCode)
	}
}

func TestPreviewServed(t *testing.T) {
	d := testDeps(t)

	img := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	f, err := os.Create(filepath.Join(d.Cfg.StateDir, "preview.png"))
	if err != nil {
		t.Fatalf("create preview: %v", err)
	}
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("encode preview: %v", err)
	}
	f.Close()

	srv := newTestServer(t, d)
	resp := getJSON(t, srv.URL+"/preview.png", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/png" {
		t.Errorf("content-type = %q, want image/png", ct)
	}
}

func TestStaticUIServed(t *testing.T) {
	srv := newTestServer(t, testDeps(t))

	resp, err := http.Get(srv.URL + "/calendar/")
	if err != nil {
		t.Fatalf("GET /calendar/: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !strings.Contains(string(body), "InkCal panel") {
		t.Error("calendar page content missing")
	}
}

func TestUnknownAPIPathIs404(t *testing.T) {
	srv := newTestServer(t, testDeps(t))

	resp := getJSON(t, srv.URL+"/api/nope", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 (API paths must not fall back to HTML)", resp.StatusCode)
	}
}
