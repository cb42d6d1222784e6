// Package admin implements the local administration HTTP server. It
// exposes health, build, configuration, and recent-request
// introspection endpoints. The server binds to loopback by default and
// carries no authentication; do not expose it beyond the local host.
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/parley-bot/parley/internal/buildinfo"
	"github.com/parley-bot/parley/internal/config"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// StatsSource reports storage counters for the stats endpoint. The
// real implementation is *history.Store.
type StatsSource interface {
	Stats() map[string]any
}

// Server is the administration HTTP server.
type Server struct {
	address  string
	port     int
	cfg      *config.Config
	recorder *Recorder
	history  StatsSource
	logger   *slog.Logger
	server   *http.Server
}

// NewServer creates an administration server.
func NewServer(address string, port int, cfg *config.Config, rec *Recorder, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address:  address,
		port:     port,
		cfg:      cfg,
		recorder: rec,
		logger:   logger,
	}
}

// SetHistoryStats configures the storage stats source for the stats
// endpoint.
func (s *Server) SetHistoryStats(src StatsSource) {
	s.history = src
}

// Start begins serving HTTP requests. It blocks until the listener
// fails or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.withLogging(s.handler()),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	s.logger.Info("starting admin server", "address", s.address, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /v1/config", s.handleConfig)
	mux.HandleFunc("GET /v1/capabilities", s.handleCapabilities)
	mux.HandleFunc("GET /v1/requests/recent", s.handleRecentRequests)
	mux.HandleFunc("GET /v1/stats", s.handleStats)

	return mux
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("admin request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"status": "ok",
		"uptime": buildinfo.Uptime().Truncate(time.Second).String(),
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, buildinfo.Info(), s.logger)
}

// configView is the sanitized configuration exposed over HTTP.
// Credentials are redacted, never returned.
type configView struct {
	Admin        config.AdminConfig        `json:"admin"`
	ChatGateway  string                    `json:"chat_gateway"`
	Provider     string                    `json:"model_provider"`
	DefaultModel string                    `json:"default_model"`
	MQTTBroker   string                    `json:"mqtt_broker,omitempty"`
	DataDir      string                    `json:"data_dir"`
	LogLevel     string                    `json:"log_level"`
	Capabilities []config.CapabilityConfig `json:"capabilities"`
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, configView{
		Admin:        s.cfg.Admin,
		ChatGateway:  s.cfg.Chat.GatewayURL,
		Provider:     s.cfg.Models.Provider,
		DefaultModel: s.cfg.Models.Default,
		MQTTBroker:   s.cfg.MQTT.Broker,
		DataDir:      s.cfg.DataDir,
		LogLevel:     s.cfg.LogLevel,
		Capabilities: s.cfg.Capabilities,
	}, s.logger)
}

// capabilityView summarizes one configured capability.
type capabilityView struct {
	Name       string `json:"name"`
	API        string `json:"api"`
	TimeoutSec int    `json:"timeout_sec"`
	FinalPass  bool   `json:"final_pass"`
	Retryable  bool   `json:"retry_enabled"`
	MaxRetries int    `json:"max_retries,omitempty"`
}

func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	views := make([]capabilityView, 0, len(s.cfg.Capabilities))
	for _, c := range s.cfg.Capabilities {
		v := capabilityView{
			Name:       c.Name,
			API:        c.API,
			TimeoutSec: c.TimeoutSec,
			FinalPass:  c.FinalPass,
		}
		if c.Retry != nil && c.Retry.Enabled {
			v.Retryable = true
			v.MaxRetries = c.Retry.MaxRetries
		}
		views = append(views, v)
	}
	writeJSON(w, map[string]any{"capabilities": views}, s.logger)
}

func (s *Server) handleRecentRequests(w http.ResponseWriter, r *http.Request) {
	var entries []RequestRecord
	if s.recorder != nil {
		entries = s.recorder.Recent()
	}
	writeJSON(w, map[string]any{"requests": entries}, s.logger)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]any{}
	if s.history != nil {
		stats["history"] = s.history.Stats()
	}
	if s.recorder != nil {
		stats["requests_recorded"] = s.recorder.Total()
	}
	writeJSON(w, stats, s.logger)
}
