// Package server exposes the ingested analytics data over HTTP: a
// paginated entry query endpoint, sync run history, and a health
// endpoint that reports checkpoint staleness.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/distributedci/dci-analytics/internal/retry"
	"github.com/distributedci/dci-analytics/internal/store"
)

// Config holds the serving role settings.
type Config struct {
	Addr            string        `toml:"addr"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout"`
}

// DefaultConfig returns the server defaults.
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		ShutdownTimeout: 10 * time.Second,
	}
}

// Validate checks the server configuration.
func (c Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("server addr must be specified")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("server shutdown_timeout must be positive")
	}
	return nil
}

// Store is the slice of the analytics store the server reads from.
// *store.DB implements it.
type Store interface {
	QueryEntries(filter store.EntryFilter) ([]store.Entry, error)
	ListSyncRuns(feed string, limit int) ([]store.SyncRun, error)
	ListCheckpoints() ([]store.Checkpoint, error)
	GetFeedStats(feed string, from, to time.Time) (*store.FeedStats, error)
	Ping(ctx context.Context) error
}

// Server is the serving role: a read-only HTTP API over the store.
type Server struct {
	cfg        Config
	store      Store
	syncPeriod time.Duration
	logger     *slog.Logger
	handler    http.Handler

	// ready is closed once the listener is bound.
	ready chan struct{}
	addr  net.Addr
}

// New creates a server. syncPeriod is the expected sync interval; the
// health endpoint flags a checkpoint as stale once its age exceeds
// twice that.
func New(cfg Config, st Store, syncPeriod time.Duration, logger *slog.Logger) *Server {
	s := &Server{
		cfg:        cfg,
		store:      st,
		syncPeriod: syncPeriod,
		logger:     logger,
		ready:      make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/entries", s.handleEntries)
	mux.HandleFunc("GET /api/v1/syncs", s.handleSyncs)
	mux.HandleFunc("GET /api/v1/stats", s.handleStats)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	s.handler = s.logRequests(mux)

	return s
}

// Handler returns the server's HTTP handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Ready returns a channel closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the resolved listen address, valid after Ready closes.
func (s *Server) Addr() net.Addr {
	return s.addr
}

// Serve binds the listener and blocks until ctx is cancelled, then
// drains in-flight requests for up to the shutdown timeout.
func (s *Server) Serve(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Addr, err)
	}
	s.addr = listener.Addr()
	close(s.ready)

	httpServer := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- httpServer.Serve(listener)
	}()

	s.logger.Info("http server listening", "addr", s.addr.String())

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}

	if err := <-serveErr; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// storeRetryPolicy bounds per-request retries against a briefly
// unreachable store before the handler gives up with a 503.
var storeRetryPolicy = retry.Policy{
	MaxAttempts: 3,
	BaseDelay:   50 * time.Millisecond,
	MaxDelay:    200 * time.Millisecond,
}

// readStore runs one store read under the per-request retry bound.
func (s *Server) readStore(ctx context.Context, fn func() error) error {
	return retry.Do(ctx, storeRetryPolicy, func(context.Context) retry.Result {
		if err := fn(); err != nil {
			return retry.Retryable(err)
		}
		return retry.Done()
	})
}

// logRequests wraps the handler with per-request logging.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request handled",
			"method", r.Method,
			"path", r.URL.Path,
			"duration_ms", time.Since(start).Milliseconds())
	})
}

// ===== Entries =====

// entryResponse is the wire form of a stored entry. Tags and extra
// are stored as JSON text and pass through without re-encoding.
type entryResponse struct {
	ID        string          `json:"id"`
	Feed      string          `json:"feed"`
	Name      string          `json:"name,omitempty"`
	Status    string          `json:"status"`
	Team      string          `json:"team,omitempty"`
	Topic     string          `json:"topic,omitempty"`
	Duration  float64         `json:"duration"`
	Tags      json.RawMessage `json:"tags"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	Extra     json.RawMessage `json:"extra"`
}

type entriesResponse struct {
	Entries []entryResponse `json:"entries"`
	Count   int             `json:"count"`
}

func (s *Server) handleEntries(w http.ResponseWriter, r *http.Request) {
	filter, err := parseEntryFilter(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	var entries []store.Entry
	err = s.readStore(r.Context(), func() error {
		var err error
		entries, err = s.store.QueryEntries(filter)
		return err
	})
	if err != nil {
		s.logger.Error("entry query failed", "error", err)
		s.writeError(w, http.StatusServiceUnavailable, errors.New("store unavailable"))
		return
	}

	resp := entriesResponse{
		Entries: make([]entryResponse, 0, len(entries)),
		Count:   len(entries),
	}
	for _, e := range entries {
		resp.Entries = append(resp.Entries, entryResponse{
			ID:        e.ID,
			Feed:      e.Feed,
			Name:      e.Name,
			Status:    e.Status,
			Team:      e.Team,
			Topic:     e.Topic,
			Duration:  e.Duration,
			Tags:      json.RawMessage(e.Tags),
			CreatedAt: e.CreatedAt,
			UpdatedAt: e.UpdatedAt,
			Extra:     json.RawMessage(e.Extra),
		})
	}

	s.writeJSON(w, http.StatusOK, resp)
}

// parseEntryFilter maps query parameters onto a store filter.
func parseEntryFilter(r *http.Request) (store.EntryFilter, error) {
	q := r.URL.Query()
	filter := store.EntryFilter{
		Feed:   q.Get("feed"),
		Status: q.Get("status"),
		Team:   q.Get("team"),
		Topic:  q.Get("topic"),
	}

	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, fmt.Errorf("invalid since parameter %q: expected RFC 3339", v)
		}
		filter.Since = t
	}
	if v := q.Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, fmt.Errorf("invalid until parameter %q: expected RFC 3339", v)
		}
		filter.Until = t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return filter, fmt.Errorf("invalid limit parameter %q", v)
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return filter, fmt.Errorf("invalid offset parameter %q", v)
		}
		filter.Offset = n
	}

	return filter, nil
}

// ===== Sync runs =====

type syncRunResponse struct {
	ID         string     `json:"id"`
	Feed       string     `json:"feed"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Records    int        `json:"records"`
	Chunks     int        `json:"chunks"`
	Outcome    string     `json:"outcome"`
	Error      *string    `json:"error,omitempty"`
}

type syncsResponse struct {
	Syncs []syncRunResponse `json:"syncs"`
	Count int               `json:"count"`
}

func (s *Server) handleSyncs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit := 20
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit parameter %q", v))
			return
		}
		limit = n
	}

	var runs []store.SyncRun
	err := s.readStore(r.Context(), func() error {
		var err error
		runs, err = s.store.ListSyncRuns(q.Get("feed"), limit)
		return err
	})
	if err != nil {
		s.logger.Error("sync run query failed", "error", err)
		s.writeError(w, http.StatusServiceUnavailable, errors.New("store unavailable"))
		return
	}

	resp := syncsResponse{Syncs: make([]syncRunResponse, 0, len(runs)), Count: len(runs)}
	for _, run := range runs {
		resp.Syncs = append(resp.Syncs, syncRunResponse{
			ID:         run.ID,
			Feed:       run.Feed,
			StartedAt:  run.StartedAt,
			FinishedAt: run.FinishedAt,
			Records:    run.Records,
			Chunks:     run.Chunks,
			Outcome:    run.Outcome,
			Error:      run.Error,
		})
	}

	s.writeJSON(w, http.StatusOK, resp)
}

// ===== Stats =====

type statsResponse struct {
	Feed        string         `json:"feed"`
	Total       int            `json:"total"`
	ByStatus    map[string]int `json:"by_status"`
	AvgDuration float64        `json:"avg_duration"`
	From        *time.Time     `json:"from,omitempty"`
	To          *time.Time     `json:"to,omitempty"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	feed := q.Get("feed")
	if feed == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("feed parameter is required"))
		return
	}

	var from, to time.Time
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid since parameter %q: expected RFC 3339", v))
			return
		}
		from = t
	}
	if v := q.Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid until parameter %q: expected RFC 3339", v))
			return
		}
		to = t
	}

	var stats *store.FeedStats
	err := s.readStore(r.Context(), func() error {
		var err error
		stats, err = s.store.GetFeedStats(feed, from, to)
		return err
	})
	if err != nil {
		s.logger.Error("stats query failed", "error", err)
		s.writeError(w, http.StatusServiceUnavailable, errors.New("store unavailable"))
		return
	}

	resp := statsResponse{
		Feed:        stats.Feed,
		Total:       stats.Total,
		ByStatus:    stats.ByStatus,
		AvgDuration: stats.AvgDuration,
	}
	if !stats.From.IsZero() {
		resp.From = &stats.From
	}
	if !stats.To.IsZero() {
		resp.To = &stats.To
	}

	s.writeJSON(w, http.StatusOK, resp)
}

// ===== Health =====

type checkpointHealth struct {
	Feed       string    `json:"feed"`
	Timestamp  time.Time `json:"timestamp"`
	LastID     string    `json:"last_id"`
	AgeSeconds float64   `json:"age_seconds"`
	Stale      bool      `json:"stale"`
}

type healthResponse struct {
	Status      string             `json:"status"`
	Checkpoints []checkpointHealth `json:"checkpoints"`
}

// handleHealth reports store reachability and checkpoint freshness. A
// checkpoint older than twice the sync period means the sync role has
// missed at least one scheduled run.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	err := s.readStore(r.Context(), func() error {
		return s.store.Ping(r.Context())
	})
	if err != nil {
		s.logger.Error("health check ping failed", "error", err)
		s.writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unavailable"})
		return
	}

	var cps []store.Checkpoint
	err = s.readStore(r.Context(), func() error {
		var err error
		cps, err = s.store.ListCheckpoints()
		return err
	})
	if err != nil {
		s.logger.Error("health check checkpoint read failed", "error", err)
		s.writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unavailable"})
		return
	}

	now := time.Now().UTC()
	resp := healthResponse{Status: "ok", Checkpoints: make([]checkpointHealth, 0, len(cps))}
	for _, cp := range cps {
		age := now.Sub(cp.CommittedAt)
		resp.Checkpoints = append(resp.Checkpoints, checkpointHealth{
			Feed:       cp.Feed,
			Timestamp:  cp.Timestamp,
			LastID:     cp.LastID,
			AgeSeconds: age.Seconds(),
			Stale:      age > 2*s.syncPeriod,
		})
	}

	s.writeJSON(w, http.StatusOK, resp)
}

// ===== Responses =====

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
