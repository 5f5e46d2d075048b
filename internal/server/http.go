package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kaichen/piggy-bank-agent/internal/config"
	"github.com/kaichen/piggy-bank-agent/internal/metrics"
	"github.com/kaichen/piggy-bank-agent/internal/relay"
)

// Server hosts the client-facing WebSocket endpoint and the monitoring API
type Server struct {
	server  *http.Server
	logger  *slog.Logger
	config  *config.Config
	engine  *relay.Engine
	metrics *metrics.Metrics

	upgrader websocket.Upgrader

	// sessionsCtx is cancelled on Stop so in-flight relay sessions tear down
	sessionsCtx    context.Context
	cancelSessions context.CancelFunc

	startTime time.Time
}

// New creates the gateway server
func New(cfg *config.Config, engine *relay.Engine, logger *slog.Logger, m *metrics.Metrics) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		logger:  logger,
		config:  cfg,
		engine:  engine,
		metrics: m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser clients connect from arbitrary origins; access control
			// is the deployment platform's concern.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		sessionsCtx:    ctx,
		cancelSessions: cancel,
		startTime:      time.Now(),
	}

	mux := http.NewServeMux()
	s.setupRoutes(mux)

	s.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Server.Address, cfg.Server.Port),
		Handler:     mux,
		IdleTimeout: 60 * time.Second,
		// No read/write timeouts: /ws connections are long-lived streams.
	}

	return s
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes(mux *http.ServeMux) {
	// Client audio streaming endpoint
	mux.HandleFunc("/ws", s.handleWebSocket)

	// Monitoring endpoints
	mux.HandleFunc("/health", s.withMetrics("/health", s.handleHealth))
	mux.HandleFunc("/sessions", s.withMetrics("/sessions", s.handleSessions))
	mux.HandleFunc("/config", s.withMetrics("/config", s.handleConfig))

	// Prometheus metrics endpoint
	mux.Handle("/metrics", promhttp.Handler())

	// Root endpoint with API documentation
	mux.HandleFunc("/", s.withMetrics("/", s.handleRoot))
}

// withMetrics wraps an HTTP handler with request metrics collection
func (s *Server) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: 200}
		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		s.metrics.RecordHTTPRequest(r.Method, endpoint, fmt.Sprintf("%d", ww.statusCode), duration)
	}
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("Starting gateway server",
		slog.String("address", s.server.Addr),
	)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the server: active relay sessions are torn down,
// then the HTTP listener shuts down.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping gateway server...")

	s.cancelSessions()
	return s.server.Shutdown(ctx)
}

// Handler returns the server's HTTP handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// handleWebSocket upgrades the client connection and runs a relay session
// for its lifetime.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed",
			slog.String("remote", r.RemoteAddr),
			slog.String("error", err.Error()))
		return
	}

	s.logger.Info("Client connected", slog.String("remote", r.RemoteAddr))
	s.engine.ServeClient(s.sessionsCtx, conn)
	s.logger.Info("Client disconnected", slog.String("remote", r.RemoteAddr))
}

// handleHealth implements the /health endpoint
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(s.startTime).String(),
		"service": map[string]interface{}{
			"name":    "piggy-bank-agent",
			"version": "1.0.0",
		},
		"sessions": map[string]interface{}{
			"active": s.engine.ActiveCount(),
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(health)
}

// handleSessions implements the /sessions endpoint
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessions := s.engine.Sessions()

	response := map[string]interface{}{
		"total_sessions": len(sessions),
		"timestamp":      time.Now().UTC(),
		"sessions":       sessions,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleConfig implements the /config endpoint
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Sanitized configuration: credentials are intentionally omitted
	sanitized := map[string]interface{}{
		"server": map[string]interface{}{
			"address": s.config.Server.Address,
			"port":    s.config.Server.Port,
		},
		"gemini": map[string]interface{}{
			"endpoint": s.config.Gemini.Endpoint,
			"model":    s.config.Gemini.Model,
		},
		"relay": map[string]interface{}{
			"pending_audio_chunks": s.config.Relay.PendingAudioChunks,
			"ping_interval":        s.config.Relay.PingInterval,
			"pong_timeout":         s.config.Relay.PongTimeout,
		},
		"logging": map[string]interface{}{
			"level":  s.config.Logging.Level,
			"format": s.config.Logging.Format,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sanitized)
}

// handleRoot implements the / endpoint with API documentation
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	apiDoc := map[string]interface{}{
		"service": "Piggy Bank Voice Agent Gateway",
		"version": "1.0.0",
		"endpoints": map[string]interface{}{
			"GET /":         "API documentation",
			"GET /ws":       "WebSocket audio streaming endpoint",
			"GET /health":   "Service health check",
			"GET /sessions": "List active relay sessions",
			"GET /config":   "Get service configuration",
			"GET /metrics":  "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(apiDoc)
}
