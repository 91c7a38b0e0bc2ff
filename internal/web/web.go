// Package web provides the HTTP API and the embedded UI: a status
// dashboard, the calendar page the capture renderer screenshots, and
// JSON endpoints for events, battery, display state and the refresh
// journal.
package web

import (
	"context"
	"crypto/subtle"
	"embed"
	"encoding/json"
	"io/fs"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"inkcal/internal/battery"
	"inkcal/internal/config"
	"inkcal/internal/ics"
	"inkcal/internal/journal"
	appLog "inkcal/internal/log"
	"inkcal/internal/refresh"
)

// Refresher is the slice of the refresh pipeline the API needs: trigger
// a cycle, expand the configured calendars, report the display zone.
type Refresher interface {
	TriggerRefresh()
	Expand(ctx context.Context, rangeStart, rangeEnd time.Time) (ics.ExpandResult, error)
	Location() *time.Location
}

// DisplayStatus is the read-only view of the refresh orchestrator the
// API exposes.
type DisplayStatus interface {
	LastCycle() (refresh.CycleRecord, bool)
	CycleTotals() refresh.Totals
	History() refresh.History
}

// Deps carries everything the server serves from. Cfg and Refresher are
// required; the rest may be nil and the matching endpoints degrade.
type Deps struct {
	Cfg       *config.Config
	Refresher Refresher

	// Display is nil when running without a panel.
	Display DisplayStatus

	// Journal is nil when the cycle journal is disabled.
	Journal *journal.Store

	// Battery is nil when no battery hardware is present.
	Battery battery.Reader
}

// Server provides HTTP APIs for calendar, display and journal access.
type Server struct {
	cfg       *config.Config
	refresher Refresher
	display   DisplayStatus
	journal   *journal.Store
	battery   battery.Reader
	mux       *http.ServeMux

	previewPath string

	// In-memory cache for /api/events responses to avoid redundant
	// fetch/parse/expand work on every HTTP request.
	eventsMu    sync.RWMutex
	eventsCache *eventsCache

	// In-memory cache for battery status. This avoids hitting I2C (or
	// even the mock) on every single HTTP call.
	batteryMu    sync.RWMutex
	batteryCache *batteryCache
}

// embeddedStatic contains the built-in web UI: the dashboard at / and
// the calendar page under /calendar/ that the capture renderer loads.
//
//go:embed all:static
var embeddedStatic embed.FS

// NewServer constructs a new Server.
func NewServer(d Deps) *Server {
	s := &Server{
		cfg:         d.Cfg,
		refresher:   d.Refresher,
		display:     d.Display,
		journal:     d.Journal,
		battery:     d.Battery,
		mux:         http.NewServeMux(),
		previewPath: filepath.Join(d.Cfg.StateDir, "preview.png"),
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// 빈 사용자명 또는 비밀번호가 설정된 경우에는 비활성화로 취급한다.
	if s.cfg.BasicAuth.Username == "" || s.cfg.BasicAuth.Password == "" {
		return false
	}
	return true
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// /health 는 항상 무인증으로 노출한다.
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="InkCal", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/api/events", s.handleEvents)
	s.mux.HandleFunc("/api/battery", s.handleBattery)
	s.mux.HandleFunc("/api/display", s.handleDisplay)
	s.mux.HandleFunc("/api/journal", s.handleJournal)
	s.mux.HandleFunc("/api/refresh", s.handleRefresh)
	s.mux.HandleFunc("/preview.png", s.handlePreview)

	// Embedded static UI. All non-/api/* paths fall back to this handler.
	s.mux.Handle("/", s.staticFileServer())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleBattery exposes current battery status (percent, voltage) for the Web UI.
//
// This endpoint uses a small in-memory cache to avoid hitting I2C (or even
// the mock reader) on every single HTTP request. Battery status does not
// need sub-second precision, so a short TTL is sufficient.
func (s *Server) handleBattery(w http.ResponseWriter, r *http.Request) {
	if s.battery == nil {
		writeError(w, http.StatusServiceUnavailable, "no battery reader")
		return
	}

	const batteryCacheTTL = 30 * time.Second
	now := time.Now()

	// Fast path: return cached value if it's still fresh.
	s.batteryMu.RLock()
	bc := s.batteryCache
	s.batteryMu.RUnlock()
	if bc != nil && now.Sub(bc.updatedAt) < batteryCacheTTL {
		writeJSON(w, http.StatusOK, batteryResponse{
			Percent:   bc.status.Percent,
			VoltageMv: bc.status.VoltageMv,
		})
		return
	}

	status, err := s.battery.Read(r.Context())
	if err != nil {
		appLog.Error("battery read failed", err)
		writeError(w, http.StatusInternalServerError, "failed to read battery")
		return
	}

	s.batteryMu.Lock()
	s.batteryCache = &batteryCache{
		status:    status,
		updatedAt: time.Now(),
	}
	s.batteryMu.Unlock()

	writeJSON(w, http.StatusOK, batteryResponse{
		Percent:   status.Percent,
		VoltageMv: status.VoltageMv,
	})
}

// handleDisplay summarizes what the refresh engine has been doing: the
// last cycle, lifetime totals by outcome, and the history the policy
// decides against.
func (s *Server) handleDisplay(w http.ResponseWriter, _ *http.Request) {
	if s.display == nil {
		writeError(w, http.StatusServiceUnavailable, "no display attached")
		return
	}

	var resp displayResponse
	if rec, ok := s.display.LastCycle(); ok {
		resp.LastCycle = &cycleDTO{
			At:          rec.At,
			Strategy:    rec.Strategy.String(),
			Regions:     rec.Regions,
			ChangedArea: rec.ChangedArea,
			DurationMs:  rec.Duration.Milliseconds(),
			Error:       rec.Err,
		}
	}

	t := s.display.CycleTotals()
	resp.Totals = totalsDTO{Full: t.Full, Partial: t.Partial, Skip: t.Skip, Failed: t.Failed}

	h := s.display.History()
	if !h.LastFull.IsZero() {
		lastFull := h.LastFull
		resp.LastFull = &lastFull
	}
	resp.ConsecutivePartials = h.ConsecutivePartials

	writeJSON(w, http.StatusOK, resp)
}

// handleJournal returns the most recent journaled refresh cycles,
// newest first.
//
// GET /api/journal?limit=50
func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeError(w, http.StatusServiceUnavailable, "journal disabled")
		return
	}

	limit := parseIntDefault(r.URL.Query().Get("limit"), 50)
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}

	entries, err := s.journal.Recent(limit)
	if err != nil {
		appLog.Error("api journal: query failed", err)
		writeError(w, http.StatusInternalServerError, "failed to read journal")
		return
	}

	dtos := make([]journalEntryDTO, 0, len(entries))
	for _, e := range entries {
		dtos = append(dtos, journalEntryDTO{
			At:          e.At,
			Strategy:    e.Strategy,
			Regions:     e.Regions,
			ChangedArea: e.ChangedArea,
			DurationMs:  e.Duration.Milliseconds(),
			Error:       e.Err,
		})
	}
	writeJSON(w, http.StatusOK, journalResponse{Cycles: dtos})
}

// handleRefresh schedules a refresh cycle and returns immediately; the
// cycle runs on the pipeline's own goroutine.
//
// POST /api/refresh
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	s.refresher.TriggerRefresh()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "scheduled"})
}

// staticFileServer returns an http.Handler that serves the embedded UI
// from internal/web/static.
func (s *Server) staticFileServer() http.Handler {
	sub, err := fs.Sub(embeddedStatic, "static")
	if err != nil {
		appLog.Error("failed to initialize embedded static filesystem", err)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "static UI not available", http.StatusServiceUnavailable)
		})
	}

	fileServer := http.FileServer(http.FS(sub))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path

		// 절대 /api/* 요청은 정적 UI에서 서빙하지 않는다.
		// (API 핸들러가 없으면 404를 돌려주는 것이 맞고, HTML을 주면 안 됨)
		if path == "/api" || strings.HasPrefix(path, "/api/") {
			http.NotFound(w, r)
			return
		}

		// /health, /preview.png 는 ServeMux 에 별도 핸들러가 등록되어 있어
		// 정상적인 경우 이 핸들러까지 도달하지 않는다.
		fileServer.ServeHTTP(w, r)
	})
}

// handlePreview serves the last rendered frame from the state dir.
// http.ServeFile 가 파일 존재/권한 문제에 대해 적절한 상태코드를 반환해 준다.
// (존재하지 않으면 404, 기타 에러는 500 등)
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	http.ServeFile(w, r, s.previewPath)
}

// eventsResponse is the JSON response shape for /api/events.
type eventsResponse struct {
	Occurrences     []occurrenceDTO `json:"occurrences"`
	TruncatedUIDs   []string        `json:"truncated_uids,omitempty"`
	RangeStart      time.Time       `json:"range_start"`
	RangeEnd        time.Time       `json:"range_end"`
	DisplayTimeZone string          `json:"display_timezone"`
	WeekStart       string          `json:"week_start"`
}

// eventsCache holds a cached /api/events response and the query window
// it was computed for; a request with a different window bypasses it.
type eventsCache struct {
	resp      eventsResponse
	days      int
	backfill  int
	updatedAt time.Time
}

// batteryCache holds the last known battery status and its timestamp.
type batteryCache struct {
	status    battery.Status
	updatedAt time.Time
}

// batteryResponse is the JSON response shape for /api/battery.
type batteryResponse struct {
	Percent   int `json:"percent"`
	VoltageMv int `json:"voltage_mv"`
}

// displayResponse is the JSON response shape for /api/display.
type displayResponse struct {
	LastCycle           *cycleDTO  `json:"last_cycle,omitempty"`
	Totals              totalsDTO  `json:"totals"`
	LastFull            *time.Time `json:"last_full,omitempty"`
	ConsecutivePartials int        `json:"consecutive_partials"`
}

// cycleDTO is a JSON-friendly view of one refresh cycle.
type cycleDTO struct {
	At          time.Time `json:"at"`
	Strategy    string    `json:"strategy"`
	Regions     int       `json:"regions"`
	ChangedArea int       `json:"changed_area"`
	DurationMs  int64     `json:"duration_ms"`
	Error       string    `json:"error,omitempty"`
}

type totalsDTO struct {
	Full    uint64 `json:"full"`
	Partial uint64 `json:"partial"`
	Skip    uint64 `json:"skip"`
	Failed  uint64 `json:"failed"`
}

// journalResponse is the JSON response shape for /api/journal.
type journalResponse struct {
	Cycles []journalEntryDTO `json:"cycles"`
}

type journalEntryDTO struct {
	At          time.Time `json:"at"`
	Strategy    string    `json:"strategy"`
	Regions     int       `json:"regions"`
	ChangedArea int       `json:"changed_area"`
	DurationMs  int64     `json:"duration_ms"`
	Error       string    `json:"error,omitempty"`
}

// occurrenceDTO is a JSON-friendly view of occurrences.
type occurrenceDTO struct {
	SourceID    string    `json:"source_id"`
	UID         string    `json:"uid"`
	InstanceKey string    `json:"instance_key"`
	Summary     string    `json:"summary"`
	Description string    `json:"description"`
	Location    string    `json:"location"`
	AllDay      bool      `json:"all_day"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
}

// handleEvents returns expanded occurrences for the configured ICS sources
// within a requested time window.
//
// GET /api/events?days=7&backfill=1
//   - days:     앞으로 몇 일을 볼 것인지 (기본 7)
//   - backfill: 과거 몇 일을 포함할지 (기본 1)
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	q := r.URL.Query()
	days := parseIntDefault(q.Get("days"), 7)
	if days <= 0 {
		days = 7
	}
	backfill := parseIntDefault(q.Get("backfill"), 1)
	if backfill < 0 {
		backfill = 0
	}

	loc := s.refresher.Location()

	// Small in-memory cache for expanded events. This avoids repeating
	// ICS fetch/parse/expand work on every HTTP request; the display
	// itself is driven by the pipeline, not by this endpoint.
	const eventsCacheTTL = 30 * time.Second
	cacheNow := time.Now()

	s.eventsMu.RLock()
	ec := s.eventsCache
	s.eventsMu.RUnlock()
	if ec != nil && ec.days == days && ec.backfill == backfill && cacheNow.Sub(ec.updatedAt) < eventsCacheTTL {
		writeJSON(w, http.StatusOK, ec.resp)
		return
	}

	now := time.Now().In(loc)
	rangeStart := now.AddDate(0, 0, -backfill)
	rangeEnd := now.AddDate(0, 0, days)

	appLog.Info("api events request",
		"days", days,
		"backfill", backfill,
		"range_start", rangeStart.Format(time.RFC3339),
		"range_end", rangeEnd.Format(time.RFC3339),
		"timezone", loc.String(),
	)

	result, err := s.refresher.Expand(ctx, rangeStart, rangeEnd)
	if err != nil {
		appLog.Error("api events: expand failed", err)
		writeError(w, http.StatusInternalServerError, "failed to load calendars")
		return
	}

	dtos := make([]occurrenceDTO, 0, len(result.Occurrences))
	for _, occ := range result.Occurrences {
		dtos = append(dtos, occurrenceDTO{
			SourceID:    occ.SourceID,
			UID:         occ.UID,
			InstanceKey: occ.InstanceKey,
			Summary:     occ.Summary,
			Description: occ.Description,
			Location:    occ.Location,
			AllDay:      occ.AllDay,
			Start:       occ.Start,
			End:         occ.End,
		})
	}

	resp := eventsResponse{
		Occurrences:     dtos,
		TruncatedUIDs:   result.TruncatedEvents,
		RangeStart:      rangeStart,
		RangeEnd:        rangeEnd,
		DisplayTimeZone: loc.String(),
		WeekStart:       s.cfg.WeekStart,
	}

	// Update in-memory cache for subsequent requests.
	s.eventsMu.Lock()
	s.eventsCache = &eventsCache{
		resp:      resp,
		days:      days,
		backfill:  backfill,
		updatedAt: time.Now(),
	}
	s.eventsMu.Unlock()

	writeJSON(w, http.StatusOK, resp)
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
