// Package api serves the hub's HTTP API: command submission, registry
// discovery, and read-only views of devices, context history, habits,
// affect, presence, usage and the live event stream.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/boluohome/xingli/internal/affect"
	"github.com/boluohome/xingli/internal/buildinfo"
	"github.com/boluohome/xingli/internal/device"
	"github.com/boluohome/xingli/internal/environment"
	"github.com/boluohome/xingli/internal/events"
	"github.com/boluohome/xingli/internal/habits"
	"github.com/boluohome/xingli/internal/hub"
	"github.com/boluohome/xingli/internal/presence"
	"github.com/boluohome/xingli/internal/usage"
)

// maxCommandBody bounds the request body of POST /v1/command.
const maxCommandBody = 16 << 10

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Commander handles free-text commands. [hub.Hub] satisfies it.
type Commander interface {
	HandleCommand(ctx context.Context, text string) hub.Response
}

// Registry exposes the device snapshot and on-demand discovery.
type Registry interface {
	Snapshot() *device.Snapshot
	Rebuild(ctx context.Context) (*device.Snapshot, error)
}

// History returns recent environment contexts, oldest first.
type History interface {
	History() []environment.Context
}

// Habits lists learned behaviors.
type Habits interface {
	Entries() []habits.Entry
}

// Affect is the read side of the affect engine.
type Affect interface {
	State() affect.State
	LastInteraction() time.Time
	Memories() []affect.Memory
	Recall(keyword string) string
}

// Presence reports the presence status.
type Presence interface {
	Status() presence.Status
}

// Usage aggregates the remote-call ledger.
type Usage interface {
	Summary(start, end time.Time) (*usage.Summary, error)
	SummaryByModel(start, end time.Time) (map[string]*usage.Summary, error)
	SummaryByPurpose(start, end time.Time) (map[string]*usage.Summary, error)
	ForRequest(ctx context.Context, requestID string) ([]usage.Record, error)
}

// Upstream reports whether Home Assistant is reachable.
// [homeassistant.Client] satisfies it.
type Upstream interface {
	IsReady() bool
}

// Deps are the collaborators the server reads from. Usage and Bus are
// optional; their endpoints answer 404 and 503 respectively when unset.
// Without Upstream, /health reports Home Assistant as "unknown".
type Deps struct {
	Commander Commander
	Registry  Registry
	History   History
	Habits    Habits
	Affect    Affect
	Presence  Presence
	Usage     Usage
	Bus       *events.Bus
	Upstream  Upstream
}

// Server is the HTTP API server.
type Server struct {
	address string
	port    int
	d       Deps
	logger  *slog.Logger
	server  *http.Server
	now     func() time.Time
}

// NewServer creates a server listening on address:port.
func NewServer(address string, port int, d Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		d:       d,
		logger:  logger.With("component", "api"),
		now:     time.Now,
	}
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, s.withLogging, middleware.Recoverer)

	r.Get("/health", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/version", s.handleVersion)

		r.Post("/command", s.handleCommand)
		r.Post("/discover", s.handleDiscover)

		r.Get("/devices", s.handleDevices)
		r.Get("/context/history", s.handleContextHistory)
		r.Get("/habits", s.handleHabits)
		r.Get("/affect", s.handleAffect)
		r.Get("/affect/memories", s.handleAffectMemories)
		r.Get("/presence", s.handlePresence)
		r.Get("/usage", s.handleUsage)
		r.Get("/usage/requests/{id}", s.handleRequestUsage)
		r.Get("/events", s.handleEvents)
	})

	return r
}

// Start begins serving HTTP requests. It returns http.ErrServerClosed
// after [Server.Shutdown].
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"request_id", middleware.GetReqID(r.Context()),
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

// handleHealth always answers 200 while the process runs; an unreachable
// Home Assistant shows up as "degraded".
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, ha := "healthy", "unknown"
	if s.d.Upstream != nil {
		ha = "ready"
		if !s.d.Upstream.IsReady() {
			status, ha = "degraded", "unreachable"
		}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": status, "homeassistant": ha}, s.logger)
}

// CommandRequest is the body of POST /v1/command.
type CommandRequest struct {
	Command string `json:"command"`
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req CommandRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCommandBody)).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	req.Command = strings.TrimSpace(req.Command)
	if req.Command == "" {
		s.errorResponse(w, http.StatusBadRequest, "command is required")
		return
	}

	resp := s.d.Commander.HandleCommand(r.Context(), req.Command)

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}

// discoverResponse summarizes a rebuilt snapshot.
type discoverResponse struct {
	Devices int                 `json:"devices"`
	ByRole  map[device.Role]int `json:"by_role"`
	BuiltAt time.Time           `json:"built_at"`
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	snap, err := s.d.Registry.Rebuild(r.Context())
	if err != nil {
		s.logger.Error("discovery failed", "error", err)
		s.errorResponse(w, http.StatusBadGateway, "discovery failed: "+err.Error())
		return
	}

	resp := discoverResponse{Devices: snap.Count(), ByRole: make(map[device.Role]int), BuiltAt: snap.BuiltAt}
	for role, ds := range snap.ByRole() {
		resp.ByRole[role] = len(ds)
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	snap := s.d.Registry.Snapshot()
	byRole := snap.ByRole()
	if byRole == nil {
		byRole = map[device.Role][]device.Device{}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"count":   snap.Count(),
		"devices": byRole,
	}, s.logger)
}

func (s *Server) handleContextHistory(w http.ResponseWriter, r *http.Request) {
	hist := s.d.History.History()
	if hist == nil {
		hist = []environment.Context{}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"contexts": hist}, s.logger)
}

// habitView is one learned behavior as served by GET /v1/habits.
type habitView struct {
	habits.Key
	Action    string    `json:"action"`
	LearnedAt time.Time `json:"learned_at"`
	Hits      int       `json:"hits"`
}

func (s *Server) handleHabits(w http.ResponseWriter, r *http.Request) {
	entries := s.d.Habits.Entries()
	out := make([]habitView, 0, len(entries))
	for _, e := range entries {
		v := habitView{Key: e.Key, LearnedAt: e.LearnedAt, Hits: e.Hits}
		if e.Action != nil {
			v.Action = e.Action.String()
		}
		out = append(out, v)
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"habits": out}, s.logger)
}

func (s *Server) handleAffect(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"state":            s.d.Affect.State(),
		"last_interaction": s.d.Affect.LastInteraction(),
	}, s.logger)
}

func (s *Server) handleAffectMemories(w http.ResponseWriter, r *http.Request) {
	keyword := r.URL.Query().Get("keyword")
	mems := s.d.Affect.Memories()
	if mems == nil {
		mems = []affect.Memory{}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"recall":   s.d.Affect.Recall(keyword),
		"memories": mems,
	}, s.logger)
}

func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, s.d.Presence.Status(), s.logger)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.d.Usage == nil {
		s.errorResponse(w, http.StatusNotFound, "usage ledger not enabled")
		return
	}

	window := 24 * time.Hour
	if v := r.URL.Query().Get("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			s.errorResponse(w, http.StatusBadRequest, "invalid window: "+v)
			return
		}
		window = d
	}

	end := s.now()
	start := end.Add(-window)

	total, err := s.d.Usage.Summary(start, end)
	if err != nil {
		s.usageError(w, err)
		return
	}
	byModel, err := s.d.Usage.SummaryByModel(start, end)
	if err != nil {
		s.usageError(w, err)
		return
	}
	byPurpose, err := s.d.Usage.SummaryByPurpose(start, end)
	if err != nil {
		s.usageError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"window":     window.String(),
		"start":      start,
		"end":        end,
		"total":      total,
		"by_model":   byModel,
		"by_purpose": byPurpose,
	}, s.logger)
}

// handleRequestUsage lists the remote calls one command made.
func (s *Server) handleRequestUsage(w http.ResponseWriter, r *http.Request) {
	if s.d.Usage == nil {
		s.errorResponse(w, http.StatusNotFound, "usage ledger not enabled")
		return
	}
	id := chi.URLParam(r, "id")
	recs, err := s.d.Usage.ForRequest(r.Context(), id)
	if err != nil {
		s.usageError(w, err)
		return
	}
	if recs == nil {
		recs = []usage.Record{}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"request_id": id, "calls": recs}, s.logger)
}

func (s *Server) usageError(w http.ResponseWriter, err error) {
	s.logger.Error("usage query failed", "error", err)
	s.errorResponse(w, http.StatusInternalServerError, "usage query failed")
}

// handleEvents streams bus events as server-sent events until the
// client disconnects. Recent history is replayed first.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.d.Bus == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "event bus not configured")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.errorResponse(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ch := s.d.Bus.Subscribe(64)
	defer s.d.Bus.Unsubscribe(ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if r.URL.Query().Get("replay") != "false" {
		for _, e := range s.d.Bus.Recent(50) {
			s.writeSSE(w, e)
		}
	}
	flusher.Flush()

	keepalive := time.NewTicker(30 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			s.writeSSE(w, e)
			flusher.Flush()
		case <-keepalive.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

func (s *Server) writeSSE(w http.ResponseWriter, e events.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		s.logger.Debug("failed to marshal SSE event", "error", err)
		return
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Kind, data); err != nil {
		s.logger.Debug("failed to write SSE event", "error", err)
	}
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}
