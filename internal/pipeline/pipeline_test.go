package pipeline

import (
	"context"
	"errors"
	"image"
	"image/png"
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
	"inkcal/internal/refresh"
	"inkcal/internal/render"
)

// 2025-03-14 09:26 UTC, a Friday.
var pipeNow = time.Date(2025, 3, 14, 9, 26, 0, 0, time.UTC)

// fakeSubmitter stands in for the orchestrator and records every
// submitted content.
type fakeSubmitter struct {
	mu        sync.Mutex
	contents  []refresh.Content
	err       error
	submitted chan struct{}
}

func newFakeSubmitter() *fakeSubmitter {
	return &fakeSubmitter{submitted: make(chan struct{}, 16)}
}

func (f *fakeSubmitter) Submit(_ context.Context, c refresh.Content) (refresh.Strategy, error) {
	f.mu.Lock()
	f.contents = append(f.contents, c)
	err := f.err
	f.mu.Unlock()

	select {
	case f.submitted <- struct{}{}:
	default:
	}
	if err != nil {
		return refresh.StrategySkip, err
	}
	return refresh.StrategyFull, nil
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.contents)
}

func (f *fakeSubmitter) last(t *testing.T) refresh.Content {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.contents) == 0 {
		t.Fatal("no content was submitted")
	}
	return f.contents[len(f.contents)-1]
}

type fixedBattery struct{ percent int }

func (b fixedBattery) Read(_ context.Context) (battery.Status, error) {
	return battery.Status{Percent: b.percent, VoltageMv: 3900}, nil
}

type failingBattery struct{}

func (failingBattery) Read(_ context.Context) (battery.Status, error) {
	return battery.Status{}, errors.New("i2c read failed")
}

func calendarBody(eventLines ...string) []byte {
	lines := []string{
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"PRODID:-//test//EN",
	}
	lines = append(lines, eventLines...)
	lines = append(lines, "END:VCALENDAR")
	return []byte(strings.Join(lines, "\r\n") + "\r\n")
}

func singleEventBody() []byte {
	return calendarBody(
		"BEGIN:VEVENT",
		"UID:u-review",
		"SUMMARY:Course review",
		"DTSTART:20250314T100000Z",
		"DTEND:20250314T110000Z",
		"END:VEVENT",
	)
}

func testPipelineLayout(t *testing.T) *refresh.Layout {
	t.Helper()
	l, err := refresh.NewLayout(400, 300, []refresh.Section{
		{Name: render.SectionHeader, Region: refresh.Region{X: 0, Y: 0, Width: 400, Height: 40}},
		{Name: render.SectionCurrent, Region: refresh.Region{X: 0, Y: 40, Width: 400, Height: 120}},
		{Name: render.SectionUpcoming, Region: refresh.Region{X: 0, Y: 160, Width: 400, Height: 120}},
		{Name: render.SectionStatus, Region: refresh.Region{X: 0, Y: 280, Width: 400, Height: 20}},
	})
	if err != nil {
		t.Fatalf("NewLayout: %v", err)
	}
	return l
}

func testConfig(t *testing.T, icsURL string) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Timezone = "UTC"
	cfg.StateDir = t.TempDir()
	cfg.HorizonDays = 7
	cfg.ICS = nil
	if icsURL != "" {
		cfg.ICS = []config.ICSConfig{{ID: "test", URL: icsURL}}
	}
	return cfg
}

func testRunner(t *testing.T, cfg *config.Config, orch Submitter, batt battery.Reader) *Runner {
	t.Helper()
	r, err := NewRunner(Deps{
		Cfg:          cfg,
		Layout:       testPipelineLayout(t),
		Orchestrator: orch,
		Battery:      batt,
		Now:          func() time.Time { return pipeNow },
	})
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	return r
}

func TestRunOnceSubmitsCalendarContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write(singleEventBody())
	}))
	defer srv.Close()

	fake := newFakeSubmitter()
	cfg := testConfig(t, srv.URL)
	r := testRunner(t, cfg, fake, nil)

	strategy, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if strategy != refresh.StrategyFull {
		t.Fatalf("strategy = %v, want %v", strategy, refresh.StrategyFull)
	}
	if fake.count() != 1 {
		t.Fatalf("submissions = %d, want 1", fake.count())
	}

	c := fake.last(t)
	if got := c.Sections[render.SectionUpcoming]; !strings.Contains(got, "Course review") {
		t.Errorf("upcoming section = %q, want it to mention Course review", got)
	}
	if !strings.Contains(c.Raw, "Course review") {
		t.Errorf("raw text does not mention the event:\n%s", c.Raw)
	}
	if c.Frame == nil {
		t.Fatal("submitted content has no frame")
	}
	if b := c.Frame.Bounds(); b.Dx() != 400 || b.Dy() != 300 {
		t.Errorf("frame bounds = %v, want 400x300", b)
	}
}

func TestRunOnceWritesPreview(t *testing.T) {
	fake := newFakeSubmitter()
	cfg := testConfig(t, "")
	r := testRunner(t, cfg, fake, nil)

	if _, err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	f, err := os.Open(filepath.Join(cfg.StateDir, "preview.png"))
	if err != nil {
		t.Fatalf("open preview: %v", err)
	}
	defer f.Close()

	img, err := png.Decode(f)
	if err != nil {
		t.Fatalf("decode preview: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 400 || b.Dy() != 300 {
		t.Errorf("preview bounds = %v, want 400x300", b)
	}
}

func TestRunOnceEmptySources(t *testing.T) {
	fake := newFakeSubmitter()
	cfg := testConfig(t, "")
	r := testRunner(t, cfg, fake, nil)

	if _, err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	c := fake.last(t)
	if got := c.Sections[render.SectionCurrent]; got != "No event in progress" {
		t.Errorf("current section = %q", got)
	}
}

func TestRunOnceAllSourcesFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	fake := newFakeSubmitter()
	cfg := testConfig(t, srv.URL)
	r := testRunner(t, cfg, fake, nil)

	if _, err := r.RunOnce(context.Background()); err == nil {
		t.Fatal("RunOnce succeeded with every source failing and no cache")
	}
	if fake.count() != 0 {
		t.Fatalf("submissions = %d, want 0 after failed build", fake.count())
	}
}

func TestRunOnceBatteryInStatus(t *testing.T) {
	fake := newFakeSubmitter()
	cfg := testConfig(t, "")
	r := testRunner(t, cfg, fake, fixedBattery{percent: 55})

	if _, err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	c := fake.last(t)
	if got := c.Sections[render.SectionStatus]; !strings.Contains(got, "batt 55%") {
		t.Errorf("status section = %q, want battery percent", got)
	}
}

func TestRunOnceBatteryFailureOmitsBattery(t *testing.T) {
	fake := newFakeSubmitter()
	cfg := testConfig(t, "")
	r := testRunner(t, cfg, fake, failingBattery{})

	if _, err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	c := fake.last(t)
	if got := c.Sections[render.SectionStatus]; strings.Contains(got, "batt") {
		t.Errorf("status section = %q, want no battery after read failure", got)
	}
}

func TestCaptureFrameReplacesTextFrame(t *testing.T) {
	fake := newFakeSubmitter()
	cfg := testConfig(t, "")
	r := testRunner(t, cfg, fake, nil)

	black := image.NewNRGBA(image.Rect(0, 0, 400, 300))
	for i := 3; i < len(black.Pix); i += 4 {
		black.Pix[i] = 0xFF
	}
	r.frameFn = func(_ context.Context) (*image.NRGBA, error) {
		return black, nil
	}

	if _, err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	c := fake.last(t)
	if c.Frame != black {
		t.Error("submitted frame is not the captured one")
	}
	if got := c.Sections[render.SectionCurrent]; got == "" {
		t.Error("capture mode dropped the text sections that drive change detection")
	}
}

func TestCaptureFailureFailsBuild(t *testing.T) {
	fake := newFakeSubmitter()
	cfg := testConfig(t, "")
	r := testRunner(t, cfg, fake, nil)
	r.frameFn = func(_ context.Context) (*image.NRGBA, error) {
		return nil, errors.New("chromium not reachable")
	}

	if _, err := r.RunOnce(context.Background()); err == nil {
		t.Fatal("RunOnce succeeded despite capture failure")
	}
	if fake.count() != 0 {
		t.Fatalf("submissions = %d, want 0", fake.count())
	}
}

func TestEnqueueLatestWins(t *testing.T) {
	fake := newFakeSubmitter()
	cfg := testConfig(t, "")
	r := testRunner(t, cfg, fake, nil)

	r.enqueue(refresh.Content{Raw: "one"})
	r.enqueue(refresh.Content{Raw: "two"})

	c, ok := r.takePending()
	if !ok {
		t.Fatal("takePending found nothing")
	}
	if c.Raw != "two" {
		t.Errorf("pending content = %q, want the newer %q", c.Raw, "two")
	}
	if _, ok := r.takePending(); ok {
		t.Error("slot should be empty after take")
	}
}

func TestTriggerRefreshCoalesces(t *testing.T) {
	fake := newFakeSubmitter()
	cfg := testConfig(t, "")
	r := testRunner(t, cfg, fake, nil)

	r.TriggerRefresh()
	r.TriggerRefresh()
	r.TriggerRefresh()

	if got := len(r.trigger); got != 1 {
		t.Errorf("queued triggers = %d, want 1", got)
	}
}

func TestStartRunsTriggeredCycles(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write(singleEventBody())
	}))
	defer srv.Close()

	fake := newFakeSubmitter()
	cfg := testConfig(t, srv.URL)
	r := testRunner(t, cfg, fake, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Start(ctx)
		close(done)
	}()

	// Start triggers the boot cycle itself.
	select {
	case <-fake.submitted:
	case <-time.After(5 * time.Second):
		t.Fatal("boot cycle never reached the orchestrator")
	}

	r.TriggerRefresh()
	select {
	case <-fake.submitted:
	case <-time.After(5 * time.Second):
		t.Fatal("triggered cycle never reached the orchestrator")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after cancellation")
	}
}

func TestCaptureURL(t *testing.T) {
	tests := []struct {
		name    string
		listen  string
		capture string
		want    string
	}{
		{"bare port", ":8080", "", "http://127.0.0.1:8080/calendar"},
		{"host and port", "192.168.0.10:8080", "", "http://192.168.0.10:8080/calendar"},
		{"explicit override", ":8080", "http://example.com/kiosk", "http://example.com/kiosk"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			cfg.Listen = tt.listen
			cfg.Renderer.CaptureURL = tt.capture
			if got := captureURL(cfg); got != tt.want {
				t.Errorf("captureURL = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestICSSources(t *testing.T) {
	in := []config.ICSConfig{
		{URL: "https://a.example/cal.ics", ID: "work"},
		{URL: "https://b.example/cal.ics", Name: "home"},
		{URL: "https://c.example/cal.ics"},
		{URL: ""},
	}
	got := icsSources(in)
	if len(got) != 3 {
		t.Fatalf("sources = %d, want 3", len(got))
	}
	if got[0].ID != "work" {
		t.Errorf("got[0].ID = %q", got[0].ID)
	}
	if got[1].ID != "home" {
		t.Errorf("got[1].ID = %q, want the name fallback", got[1].ID)
	}
	if got[2].ID != "https://c.example/cal.ics" {
		t.Errorf("got[2].ID = %q, want the URL fallback", got[2].ID)
	}
}
