package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/BaSui01/costguard"
	"github.com/BaSui01/costguard/config"
	"github.com/BaSui01/costguard/emergency"
	"github.com/BaSui01/costguard/forecast"
	"github.com/BaSui01/costguard/internal/server"
	"github.com/BaSui01/costguard/ratelimit"
)

// =============================================================================
// 🖥️ Server
// =============================================================================

// Server runs the costguard control surface: the HTTP API, the periodic
// budget poll, and the config file watcher.
type Server struct {
	cfg        *config.Config
	configPath string
	logger     *zap.Logger

	sys *costguard.System

	httpManager *server.Manager
	scheduler   *cron.Cron
	watcher     *config.FileWatcher
}

// NewServer creates a server instance.
func NewServer(cfg *config.Config, configPath string, logger *zap.Logger) *Server {
	return &Server{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger,
	}
}

// =============================================================================
// 🚀 Startup
// =============================================================================

// Start assembles the system and starts every background component.
func (s *Server) Start() error {
	sys, err := costguard.New(s.cfg, s.logger)
	if err != nil {
		return fmt.Errorf("failed to assemble system: %w", err)
	}
	s.sys = sys

	if err := s.startScheduler(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	if err := s.startConfigWatcher(); err != nil {
		return fmt.Errorf("failed to start config watcher: %w", err)
	}

	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	s.logger.Info("All components started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.String("poll_schedule", s.cfg.Server.PollSchedule),
		zap.Bool("config_watch_enabled", s.configPath != ""),
	)

	return nil
}

// startScheduler runs the governance poll on the configured schedule.
func (s *Server) startScheduler() error {
	s.scheduler = cron.New()
	_, err := s.scheduler.AddFunc(s.cfg.Server.PollSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.sys.Poll(ctx); err != nil {
			s.logger.Error("governance poll failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("invalid poll schedule %q: %w", s.cfg.Server.PollSchedule, err)
	}
	s.scheduler.Start()
	return nil
}

// startConfigWatcher reloads rate limits when the config file changes.
func (s *Server) startConfigWatcher() error {
	if s.configPath == "" {
		return nil
	}

	watcher, err := config.NewFileWatcher([]string{s.configPath},
		config.WithWatcherLogger(s.logger))
	if err != nil {
		return err
	}
	s.watcher = watcher

	watcher.OnChange(func(event config.FileEvent) {
		if event.Op == config.FileOpRemove {
			return
		}
		cfg, err := config.NewLoader().WithConfigPath(s.configPath).Load()
		if err != nil {
			s.logger.Error("config reload failed", zap.Error(err))
			return
		}
		for api, rl := range cfg.RateLimits {
			s.sys.Limiter.SetLimit(api, ratelimit.WindowConfig{
				PerMinute: rl.PerMinute,
				PerHour:   rl.PerHour,
				PerDay:    rl.PerDay,
			})
		}
		s.logger.Info("rate limits reloaded", zap.Int("apis", len(cfg.RateLimits)))
	})

	return watcher.Start(context.Background())
}

// =============================================================================
// 🌐 HTTP routes
// =============================================================================

func (s *Server) startHTTPServer() error {
	mux := http.NewServeMux()

	// health and metrics
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	// read endpoints
	mux.HandleFunc("GET /api/v1/budget/status", s.handleBudgetStatus)
	mux.HandleFunc("GET /api/v1/budget/alerts", s.handleAlerts)
	mux.HandleFunc("GET /api/v1/services", s.handleServices)
	mux.HandleFunc("GET /api/v1/apis/{name}/status", s.handleAPIStatus)
	mux.HandleFunc("GET /api/v1/forecast", s.handleForecast)
	mux.HandleFunc("GET /api/v1/recommendations", s.handleRecommendations)
	mux.HandleFunc("GET /api/v1/emergencies", s.handleActiveEmergencies)
	mux.HandleFunc("GET /api/v1/emergencies/history", s.handleEmergencyHistory)

	// operator commands
	mux.HandleFunc("POST /api/v1/apis/block", s.handleBlock)
	mux.HandleFunc("POST /api/v1/apis/unblock", s.handleUnblock)
	mux.HandleFunc("POST /api/v1/bypass", s.handleBypass)
	mux.HandleFunc("POST /api/v1/services/restore", s.handleRestore)
	mux.HandleFunc("POST /api/v1/emergencies/trigger", s.handleTriggerEmergency)
	mux.HandleFunc("POST /api/v1/emergencies/{id}/resolve", s.handleResolveEmergency)

	handler := Chain(mux,
		Recovery(s.logger),
		RequestID(),
		RequestLogger(s.logger),
	)

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20, // 1 MB
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.httpManager = server.NewManager(handler, serverConfig, s.logger)

	if s.cfg.Server.TLSCertFile != "" && s.cfg.Server.TLSKeyFile != "" {
		if err := s.httpManager.StartTLS(s.cfg.Server.TLSCertFile, s.cfg.Server.TLSKeyFile); err != nil {
			return err
		}
		s.logger.Info("HTTPS server started", zap.Int("port", s.cfg.Server.HTTPPort))
		return nil
	}

	if err := s.httpManager.Start(); err != nil {
		return err
	}

	s.logger.Info("HTTP server started", zap.Int("port", s.cfg.Server.HTTPPort))
	return nil
}

// =============================================================================
// 📡 Handlers
// =============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": Version})
}

func (s *Server) handleBudgetStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.sys.Budget.CheckBudgetStatus(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	days := queryInt(r, "days", 7)
	writeJSON(w, http.StatusOK, s.sys.Budget.AlertHistory(days))
}

func (s *Server) handleServices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sys.Services.AllServicesStatus())
}

func (s *Server) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	api := r.PathValue("name")
	writeJSON(w, http.StatusOK, s.sys.Gate.Status(api))
}

func (s *Server) handleForecast(w http.ResponseWriter, r *http.Request) {
	days := queryInt(r, "days", 30)
	method := forecast.Method(r.URL.Query().Get("method"))

	pred, err := s.sys.Forecast.PredictCost(r.Context(), days, method)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, pred)
}

func (s *Server) handleRecommendations(w http.ResponseWriter, r *http.Request) {
	recs, err := s.sys.Forecast.Recommendations(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleActiveEmergencies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sys.Emergency.ActiveEmergencies())
}

func (s *Server) handleEmergencyHistory(w http.ResponseWriter, r *http.Request) {
	days := queryInt(r, "days", 7)
	writeJSON(w, http.StatusOK, s.sys.Emergency.History(days))
}

type apiListRequest struct {
	APIs []string `json:"apis"`
}

func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request) {
	var req apiListRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.sys.Gate.Block(req.APIs...)
	writeJSON(w, http.StatusOK, map[string]any{"blocked": req.APIs, "total_block": len(req.APIs) == 0})
}

func (s *Server) handleUnblock(w http.ResponseWriter, r *http.Request) {
	var req apiListRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.sys.Gate.Unblock(req.APIs...)
	writeJSON(w, http.StatusOK, map[string]any{"unblocked": req.APIs})
}

func (s *Server) handleBypass(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Enabled {
		if err := s.sys.Emergency.EnableBypass(r.Context()); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
	} else {
		s.sys.Gate.SetEmergencyBypass(false)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"bypass": req.Enabled})
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Force bool `json:"force"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.sys.Budget.RestoreServices(r.Context(), req.Force); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "restored"})
}

func (s *Server) handleTriggerEmergency(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Type        string         `json:"type"`
		Level       string         `json:"level"`
		Description string         `json:"description"`
		Context     map[string]any `json:"context"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	resp := s.sys.Emergency.Trigger(r.Context(),
		emergency.Type(req.Type), emergency.Level(req.Level), req.Description, req.Context)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleResolveEmergency(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req struct {
		Note string `json:"note"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if !s.sys.Emergency.Resolve(id, req.Note) {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown emergency %q", id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"resolved": id})
}

// =============================================================================
// 🛑 Shutdown
// =============================================================================

// WaitForShutdown blocks until a shutdown signal, then cleans up.
func (s *Server) WaitForShutdown() {
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}
	s.Shutdown()
}

// Shutdown stops every background component.
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")

	ctx := context.Background()

	if s.scheduler != nil {
		s.scheduler.Stop()
	}

	if s.watcher != nil {
		if err := s.watcher.Stop(); err != nil {
			s.logger.Error("Config watcher shutdown error", zap.Error(err))
		}
	}

	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}

	if s.sys != nil {
		if err := s.sys.Close(); err != nil {
			s.logger.Error("Ledger close error", zap.Error(err))
		}
	}

	s.logger.Info("Graceful shutdown completed")
}

// =============================================================================
// 🔧 JSON helpers
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeJSON(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	return json.NewDecoder(r.Body).Decode(v)
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
