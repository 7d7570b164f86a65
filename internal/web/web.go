package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"birthdaycal/internal/config"
	"birthdaycal/internal/ics"
	appLog "birthdaycal/internal/log"
	"birthdaycal/internal/reconcile"
)

// Syncer runs one reconciliation cycle. *reconcile.Syncer satisfies it.
type Syncer interface {
	Sync(ctx context.Context) (reconcile.Result, error)
}

// Server exposes the generated feed, the index and a small JSON API.
type Server struct {
	cfg    *config.Config
	syncer Syncer
	mux    *http.ServeMux
	now    func() time.Time

	// In-memory cache for /api/upcoming, keyed by the days parameter.
	upcomingMu    sync.RWMutex
	upcomingCache map[int]upcomingCache
}

// NewServer constructs a new Server. syncer may be nil, in which case
// POST /api/sync answers 503.
func NewServer(cfg *config.Config, syncer Syncer) *Server {
	s := &Server{
		cfg:           cfg,
		syncer:        syncer,
		mux:           http.NewServeMux(),
		now:           time.Now,
		upcomingCache: make(map[int]upcomingCache),
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

// Invalidate drops cached API responses. Call it after the feed was
// rewritten.
func (s *Server) Invalidate() {
	s.upcomingMu.Lock()
	s.upcomingCache = make(map[int]upcomingCache)
	s.upcomingMu.Unlock()
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// Empty credentials disable auth.
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
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="birthdaycal", charset="UTF-8"`)
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

// Run serves on cfg.Listen until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
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
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/"+s.cfg.CalendarFile, s.handleCalendar)
	s.mux.HandleFunc("/"+s.cfg.IndexFile, s.handleIndex)
	s.mux.HandleFunc("/api/upcoming", s.handleUpcoming)
	s.mux.HandleFunc("/api/sync", s.handleSync)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleCalendar serves the feed file from disk. http.ServeFile handles
// conditional requests and answers 404 when the file is missing.
func (s *Server) handleCalendar(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	http.ServeFile(w, r, s.cfg.CalendarPath())
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	http.ServeFile(w, r, s.cfg.IndexPath())
}

// upcomingResponse is the JSON response shape for /api/upcoming.
type upcomingResponse struct {
	Occurrences []occurrenceDTO `json:"occurrences"`
	RangeStart  time.Time       `json:"range_start"`
	RangeEnd    time.Time       `json:"range_end"`
	TimeZone    string          `json:"timezone"`
}

// upcomingCache holds a cached /api/upcoming response and its timestamp.
type upcomingCache struct {
	resp      upcomingResponse
	updatedAt time.Time
}

// occurrenceDTO is a JSON-friendly view of occurrences.
type occurrenceDTO struct {
	UID     string    `json:"uid"`
	Summary string    `json:"summary"`
	AllDay  bool      `json:"all_day"`
	Start   time.Time `json:"start"`
}

// handleUpcoming returns birthday occurrences within the next days.
//
// GET /api/upcoming?days=30
//   - days: how many days ahead to look (default 30)
func (s *Server) handleUpcoming(w http.ResponseWriter, r *http.Request) {
	days := parseIntDefault(r.URL.Query().Get("days"), 30)
	if days <= 0 {
		days = 30
	}

	const upcomingCacheTTL = 30 * time.Second
	cacheNow := s.now()

	s.upcomingMu.RLock()
	uc, ok := s.upcomingCache[days]
	s.upcomingMu.RUnlock()
	if ok && cacheNow.Sub(uc.updatedAt) < upcomingCacheTTL {
		writeJSON(w, http.StatusOK, uc.resp)
		return
	}

	data, err := os.ReadFile(s.cfg.CalendarPath())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			writeError(w, http.StatusNotFound, "calendar not generated yet")
			return
		}
		appLog.Error("api upcoming: read calendar failed", err, "path", s.cfg.CalendarPath())
		writeError(w, http.StatusInternalServerError, "failed to read calendar")
		return
	}

	cal, err := ics.Parse(data, cacheNow)
	if err != nil {
		appLog.Error("api upcoming: parse failed", err, "path", s.cfg.CalendarPath())
		writeError(w, http.StatusInternalServerError, "failed to parse calendar")
		return
	}

	from, to, occs, err := cal.Within(cacheNow, days)
	if err != nil {
		appLog.Error("api upcoming: expand failed", err)
		writeError(w, http.StatusInternalServerError, "failed to expand events")
		return
	}

	appLog.Debug("api upcoming request",
		"days", days,
		"range_start", from.Format(time.RFC3339),
		"range_end", to.Format(time.RFC3339),
		"occurrences", len(occs),
	)

	dtos := make([]occurrenceDTO, 0, len(occs))
	for _, occ := range occs {
		dtos = append(dtos, occurrenceDTO{
			UID:     occ.UID,
			Summary: occ.Summary,
			AllDay:  occ.AllDay,
			Start:   occ.Start,
		})
	}

	resp := upcomingResponse{
		Occurrences: dtos,
		RangeStart:  from,
		RangeEnd:    to,
		TimeZone:    cal.Location().String(),
	}

	s.upcomingMu.Lock()
	s.upcomingCache[days] = upcomingCache{resp: resp, updatedAt: cacheNow}
	s.upcomingMu.Unlock()

	writeJSON(w, http.StatusOK, resp)
}

// syncResponse is the JSON response shape for POST /api/sync.
type syncResponse struct {
	Total           int      `json:"total"`
	CalendarUpdated []string `json:"ics_updated"`
	IndexUpdated    []string `json:"json_updated"`
	CalendarRemoved []string `json:"ics_removed"`
	IndexRemoved    []string `json:"json_removed"`
	SavedCalendar   bool     `json:"ics_saved"`
	SavedIndex      bool     `json:"json_saved"`
}

// handleSync runs one reconciliation cycle on demand.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, "use POST")
		return
	}
	if s.syncer == nil {
		writeError(w, http.StatusServiceUnavailable, "sync not available")
		return
	}

	res, err := s.syncer.Sync(r.Context())
	if err != nil {
		appLog.Error("api sync failed", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	if res.SaveCalendar {
		s.Invalidate()
	}

	writeJSON(w, http.StatusOK, syncResponse{
		Total:           res.Total,
		CalendarUpdated: res.CalendarUpdated,
		IndexUpdated:    res.IndexUpdated,
		CalendarRemoved: res.CalendarRemoved,
		IndexRemoved:    res.IndexRemoved,
		SavedCalendar:   res.SaveCalendar,
		SavedIndex:      res.SaveIndex,
	})
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
