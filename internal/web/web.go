package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"calmirror/internal/clock"
	"calmirror/internal/config"
	"calmirror/internal/daemon"
	"calmirror/internal/ics"
	appLog "calmirror/internal/log"
	"calmirror/internal/model"
	"calmirror/internal/runner"
	"calmirror/internal/state"
)

// EventLister reads mirrored events from the destination.
type EventLister interface {
	ListBetween(ctx context.Context, start, end time.Time) ([]model.MergeEvent, error)
}

// Pinger is implemented by event listers that can report their health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StateLoader reads the persisted override record.
type StateLoader interface {
	Load() (state.Loaded, error)
}

// ScheduleInfo exposes the daemon's jobs and last run.
type ScheduleInfo interface {
	Entries() []daemon.Entry
	LastReport() (runner.Report, bool)
}

// Server provides the read-only HTTP API of `calmirror serve`.
type Server struct {
	cfg      *config.Config
	events   EventLister
	states   StateLoader
	schedule ScheduleInfo
	metrics  http.Handler
	mux      *http.ServeMux
	now      func() time.Time

	// In-memory cache for /calendar.ics so subscribers polling often do not
	// re-render on every request.
	icsMu    sync.RWMutex
	icsCache *icsCache
}

// icsCache holds a rendered calendar and its timestamp.
type icsCache struct {
	body      string
	updatedAt time.Time
}

const icsCacheTTL = 30 * time.Second

// NewServer constructs a new Server. schedule and metrics may be nil.
func NewServer(cfg *config.Config, events EventLister, states StateLoader, schedule ScheduleInfo, metrics http.Handler) *Server {
	s := &Server{
		cfg:      cfg,
		events:   events,
		states:   states,
		schedule: schedule,
		metrics:  metrics,
		mux:      http.NewServeMux(),
		now:      time.Now,
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
	// Empty username or password means disabled.
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="calmirror", charset="UTF-8"`)
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

// ListenAndServe serves on cfg.Listen until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(appLog.Logger().Handler(), slog.LevelWarn),
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/events", s.handleEvents)
	s.mux.HandleFunc("GET /api/state", s.handleState)
	s.mux.HandleFunc("GET /calendar.ics", s.handleCalendar)
	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if p, ok := s.events.(Pinger); ok {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			appLog.Warn("health: destination store unreachable", "error", err.Error())
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("destination unavailable"))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// eventDTO is a JSON-friendly view of a mirrored event.
type eventDTO struct {
	Ref   string    `json:"ref"`
	Title string    `json:"title"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// eventsResponse is the JSON response shape for /api/events.
type eventsResponse struct {
	Events     []eventDTO `json:"events"`
	RangeStart time.Time  `json:"range_start"`
	RangeEnd   time.Time  `json:"range_end"`
	TimeZone   string     `json:"timezone"`
}

// handleEvents lists mirrored events.
//
// GET /api/events?days=7&backfill=1
//   - days:     days ahead of today (default: future_events_days)
//   - backfill: days before today to include (default 0)
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	days := parseIntDefault(q.Get("days"), s.cfg.FutureEventsDays)
	if days <= 0 {
		days = s.cfg.FutureEventsDays
	}
	backfill := parseIntDefault(q.Get("backfill"), 0)
	if backfill < 0 {
		backfill = 0
	}

	loc := s.cfg.Location()
	start, end := s.rangeFor(loc, backfill, days)

	events, err := s.events.ListBetween(r.Context(), start, end)
	if err != nil {
		appLog.Error("api events: list failed", err)
		writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}

	dtos := make([]eventDTO, 0, len(events))
	for _, ev := range events {
		dtos = append(dtos, eventDTO{Ref: ev.OriginRef, Title: ev.Title, Start: ev.Start, End: ev.End})
	}
	writeJSON(w, http.StatusOK, eventsResponse{
		Events:     dtos,
		RangeStart: start,
		RangeEnd:   end,
		TimeZone:   loc.String(),
	})
}

// rangeFor spans local midnight backfill days ago through the end of the
// day `days` ahead, in UTC.
func (s *Server) rangeFor(loc *time.Location, backfill, days int) (time.Time, time.Time) {
	w := clock.SyncWindow(s.now().In(loc).AddDate(0, 0, -backfill), loc, days+backfill)
	return w.Start, w.End
}

type stateResponse struct {
	OverrideFlag  bool           `json:"override_flag"`
	OverrideDate  *string        `json:"override_date"`
	CommandCursor string         `json:"command_cursor,omitempty"`
	Recovered     []string       `json:"recovered,omitempty"`
	SkipDays      []int          `json:"skip_days"`
	Schedule      []daemon.Entry `json:"schedule,omitempty"`
	LastRun       *lastRunDTO    `json:"last_run,omitempty"`
}

type lastRunDTO struct {
	Kind    string `json:"kind"`
	Today   string `json:"today"`
	Outcome string `json:"outcome"`
	Summary string `json:"summary"`
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	loaded, err := s.states.Load()
	if err != nil {
		appLog.Error("api state: load failed", err)
		writeError(w, http.StatusInternalServerError, "failed to load state")
		return
	}

	resp := stateResponse{
		OverrideFlag:  loaded.State.Flag,
		CommandCursor: loaded.State.Cursor,
		SkipDays:      s.cfg.SkipSet().Codes(),
	}
	if loaded.State.Date != nil {
		d := loaded.State.Date.String()
		resp.OverrideDate = &d
	}
	for _, rec := range loaded.Recovered {
		resp.Recovered = append(resp.Recovered, rec.Error())
	}
	if s.schedule != nil {
		resp.Schedule = s.schedule.Entries()
		if rep, ok := s.schedule.LastReport(); ok {
			resp.LastRun = &lastRunDTO{
				Kind:    rep.Kind,
				Today:   rep.Today.String(),
				Outcome: string(rep.Outcome()),
				Summary: rep.Summary(),
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleCalendar serves the mirrored events as an ICS feed.
func (s *Server) handleCalendar(w http.ResponseWriter, r *http.Request) {
	now := s.now()

	s.icsMu.RLock()
	c := s.icsCache
	s.icsMu.RUnlock()
	if c == nil || now.Sub(c.updatedAt) >= icsCacheTTL {
		loc := s.cfg.Location()
		start, end := s.rangeFor(loc, 0, s.cfg.FutureEventsDays)
		events, err := s.events.ListBetween(r.Context(), start, end)
		if err != nil {
			appLog.Error("calendar.ics: list failed", err)
			http.Error(w, "failed to list events", http.StatusInternalServerError)
			return
		}
		c = &icsCache{body: ics.ExportCalendar(s.cfg.DestinationName, events, now), updatedAt: now}
		s.icsMu.Lock()
		s.icsCache = c
		s.icsMu.Unlock()
	}

	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(c.body))
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
