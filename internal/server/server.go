// Package server exposes the orchestrator's read-only HTTP surface (spec
// §6 downstream: health, stats, the event stream, and an on-demand
// indicator recompute trigger).
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aristath/cryptosentinel/internal/engine"
	"github.com/aristath/cryptosentinel/internal/events"
	"github.com/aristath/cryptosentinel/internal/indicators"
)

// Config wires the server's collaborators.
type Config struct {
	Port     int
	Log      zerolog.Logger
	Engine   *engine.Engine
	Bus      *events.Bus
	Pipeline *indicators.Pipeline
	DevMode  bool
}

// Server is the chi-routed HTTP surface.
type Server struct {
	router   *chi.Mux
	server   *http.Server
	log      zerolog.Logger
	eng      *engine.Engine
	bus      *events.Bus
	pipeline *indicators.Pipeline
	started  time.Time
	ws       *wsBroadcaster
}

// New builds a Server and registers its routes.
func New(cfg Config) *Server {
	s := &Server{
		router:   chi.NewRouter(),
		log:      cfg.Log.With().Str("component", "server").Logger(),
		eng:      cfg.Engine,
		bus:      cfg.Bus,
		pipeline: cfg.Pipeline,
		started:  time.Now(),
	}
	s.ws = newWSBroadcaster(cfg.Bus, s.log)

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // SSE/WS handlers stream indefinitely
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/stats", s.handleStats)
	s.router.Get("/events", s.handleEvents)
	s.router.Get("/ws", s.ws.handle)
	s.router.Post("/symbols/{id}/compute-now", s.handleComputeNow)
}

// Start runs the HTTP server; blocks until Shutdown is called or the
// listener fails.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("starting HTTP server")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server, including the websocket
// broadcaster's subscriber goroutine.
func (s *Server) Shutdown(ctx context.Context) error {
	s.ws.stop()
	return s.server.Shutdown(ctx)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration_ms", time.Since(start)).
			Msg("http request")
	})
}

// healthzResponse is a minimal liveness payload.
type healthzResponse struct {
	Status string `json:"status"`
	Uptime string `json:"uptime"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, healthzResponse{Status: "ok", Uptime: time.Since(s.started).String()})
}

// statsResponse mirrors engine.Stats plus host resource usage, grounded
// on the teacher's STATS-mode system handler.
type statsResponse struct {
	TicksProcessed      int64            `json:"ticks_processed"`
	TicksDropped        int64            `json:"ticks_dropped"`
	SignalsEmitted      int64            `json:"signals_emitted"`
	SignalsRejected     int64            `json:"signals_rejected"`
	AnomaliesBySeverity map[string]int64 `json:"anomalies_by_severity"`
	CPUPercent          float64          `json:"cpu_percent"`
	MemPercent          float64          `json:"mem_percent"`
	UptimeSeconds       float64          `json:"uptime_seconds"`
	EventSubscribers    int              `json:"event_subscribers"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	var st engine.Stats
	if s.eng != nil {
		st = s.eng.Stats()
	}

	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil || len(cpuPercent) == 0 {
		cpuPercent = []float64{0}
	}
	memPercent := 0.0
	if m, err := mem.VirtualMemory(); err == nil {
		memPercent = m.UsedPercent
	}

	resp := statsResponse{
		TicksProcessed:      st.TicksProcessed,
		TicksDropped:        st.TicksDropped,
		SignalsEmitted:      st.SignalsEmitted,
		SignalsRejected:     st.SignalsRejected,
		AnomaliesBySeverity: st.AnomaliesBySeverity,
		CPUPercent:          cpuPercent[0],
		MemPercent:          memPercent,
		UptimeSeconds:       time.Since(s.started).Seconds(),
	}
	if s.bus != nil {
		resp.EventSubscribers = s.bus.SubscriberCount()
	}
	writeJSON(w, resp)
}

// handleEvents streams the event bus as server-sent events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	if s.bus == nil {
		http.Error(w, "event bus not configured", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, unsubscribe := s.bus.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			payload, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, payload)
			flusher.Flush()
		}
	}
}

func (s *Server) handleComputeNow(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "id")
	if symbol == "" {
		http.Error(w, "missing symbol", http.StatusBadRequest)
		return
	}
	if s.pipeline == nil {
		http.Error(w, "indicator pipeline not configured", http.StatusServiceUnavailable)
		return
	}
	s.pipeline.ComputeNow(symbol)
	writeJSON(w, map[string]string{"status": "computed", "symbol": symbol})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
