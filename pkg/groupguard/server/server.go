// Package server provides the groupguard HTTP surface: a liveness
// placeholder, connection health, Prometheus metrics and the audit API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/jholhewres/groupguard/pkg/groupguard/audit"
	"github.com/jholhewres/groupguard/pkg/groupguard/channels"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Config holds HTTP server settings.
type Config struct {
	Enabled bool `yaml:"enabled"`

	// Address to listen on. Empty means ":$PORT", or ":3000" without PORT.
	Address string `yaml:"address"`
}

// HealthSource reports session health.
type HealthSource interface {
	Health() channels.HealthStatus
}

// ReportSource lists persisted enforcement reports.
type ReportSource interface {
	Recent(ctx context.Context, groupID string, limit int) ([]audit.Record, error)
}

// Deps are the optional collaborators. Routes whose source is nil answer
// 404.
type Deps struct {
	Health  HealthSource
	Reports ReportSource
	Metrics http.Handler
}

// Server is the HTTP server.
type Server struct {
	cfg       Config
	deps      Deps
	server    *http.Server
	logger    *slog.Logger
	startedAt time.Time
}

// New creates a new Server.
func New(cfg Config, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.Address = resolveAddress(cfg.Address, os.Getenv("PORT"))
	return &Server{
		cfg:       cfg,
		deps:      deps,
		logger:    logger.With("component", "server"),
		startedAt: time.Now(),
	}
}

// resolveAddress applies the $PORT convention used by hosting platforms.
func resolveAddress(addr, port string) string {
	if addr != "" {
		return addr
	}
	if port == "" {
		port = "3000"
	}
	return net.JoinHostPort("", port)
}

// Address returns the listen address.
func (s *Server) Address() string { return s.cfg.Address }

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleRoot)
	r.Get("/health", s.handleHealth)
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics)
	}
	r.Get("/api/reports", s.handleReports)
	return r
}

// Start listens in the background. Bind errors are returned immediately.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return err
	}
	s.server = &http.Server{
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server: serve error", "error", err)
		}
	}()
	s.logger.Info("server: listening", "address", ln.Addr().String())
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Info("server: stopping...")
	return s.server.Shutdown(ctx)
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("WhatsApp bot is running!"))
}

// recoveringStates are session states that resolve on their own or with a
// QR scan. A session that cannot recover halts the process instead.
var recoveringStates = map[string]bool{
	"disconnected": true,
	"connecting":   true,
	"waiting_qr":   true,
	"reconnecting": true,
}

type healthResponse struct {
	Status   string                 `json:"status"`
	Uptime   string                 `json:"uptime"`
	WhatsApp *channels.HealthStatus `json:"whatsapp,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{
		Status: "ok",
		Uptime: time.Since(s.startedAt).Round(time.Second).String(),
	}
	code := http.StatusOK
	if s.deps.Health != nil {
		h := s.deps.Health.Health()
		resp.WhatsApp = &h
		switch {
		case h.Connected:
		case recoveringStates[h.State]:
			resp.Status = "degraded"
		default:
			resp.Status = "unavailable"
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, resp)
}

func (s *Server) handleReports(w http.ResponseWriter, r *http.Request) {
	if s.deps.Reports == nil {
		writeError(w, http.StatusNotFound, "audit log disabled")
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	records, err := s.deps.Reports.Recent(r.Context(), r.URL.Query().Get("group"), limit)
	if err != nil {
		s.logger.Error("server: listing reports failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list reports")
		return
	}
	if records == nil {
		records = []audit.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"reports": records})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
