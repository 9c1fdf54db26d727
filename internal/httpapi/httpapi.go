// Package httpapi implements the operator-facing HTTP API of the bridge.
//
// Security:
//   - API key authentication on every /v1 request (constant-time comparison)
//   - Request body size limits (default 1 MB)
//   - Per-caller rate limiting via token bucket
//   - All requests logged with correlation IDs
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/clawbridge/internal/bridge"
	"github.com/jkaninda/clawbridge/internal/config"
	"github.com/jkaninda/clawbridge/internal/observability"
	"github.com/jkaninda/clawbridge/internal/ratelimit"
	"github.com/jkaninda/clawbridge/internal/templatesync"
	"github.com/jkaninda/okapi"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP API server.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	EnableDocs     bool
	EnableSSE      bool
	APIKeys        map[string]string // API key → caller ID mapping. Keys from env.
	MaxRequestSize int64             // Maximum request body in bytes. 0 = 1 MB default.

	// DataDir anchors per-gateway template directories when a gateway
	// has no workspace_root configured.
	DataDir string
	Sync    config.SyncConfig

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Server is the operator-facing HTTP API.
type Server struct {
	config    Config
	manager   *bridge.Manager
	gateways  map[string]config.GatewayConfig
	limiter   *ratelimit.Limiter
	logger    *slog.Logger
	server    *http.Server
	templates func(gw config.GatewayConfig) templatesync.Source

	okapi *okapi.Okapi
	group *okapi.Group
}

// NewServer creates the HTTP API server over a bridge manager.
func NewServer(cfg Config, manager *bridge.Manager, gateways []config.GatewayConfig, rl *ratelimit.Limiter, logger *slog.Logger) *Server {
	byID := make(map[string]config.GatewayConfig, len(gateways))
	for _, gw := range gateways {
		byID[gw.ID] = gw
	}
	s := &Server{
		config:   cfg,
		manager:  manager,
		gateways: byID,
		limiter:  rl,
		logger:   logger,
		okapi:    okapi.New(okapi.WithMaxMultipartMemory(defaultMaxRequestSize)),
	}
	s.templates = s.defaultTemplateSource
	return s
}

// WithTemplateSource overrides how template content is resolved per
// gateway. Used by tests.
func (s *Server) WithTemplateSource(fn func(gw config.GatewayConfig) templatesync.Source) *Server {
	s.templates = fn
	return s
}

func (s *Server) defaultTemplateSource(gw config.GatewayConfig) templatesync.Source {
	dir := gw.WorkspaceRoot
	if dir == "" {
		dir = filepath.Join(s.config.DataDir, "templates", gw.ID)
	}
	return templatesync.NewDirSource(dir, s.logger)
}

// WithOpenAPIDocs mounts interactive OpenAPI documentation.
func (s *Server) WithOpenAPIDocs() *Server {
	s.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "Clawbridge",
			Version: "v0.1.0",
		},
	)
	return s
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	// Metrics/tracing middleware (applied globally).
	if s.config.Metrics != nil || s.config.Tracer != nil {
		s.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(s.config.Metrics, s.config.Tracer, next)
		})
	}

	// Authenticated /v1 group.
	s.group = s.okapi.Group("/v1", s.authenticate)

	s.group.Get("/gateways", s.handleGatewayList,
		okapi.DocSummary("List configured gateways and their connection state"),
		okapi.DocTags("Gateways"),
		okapi.DocResponse([]GatewayResponse{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
	)
	s.group.Get("/gateways/{id}/status", s.handleGatewayStatus,
		okapi.DocSummary("Gateway connection status and session counts"),
		okapi.DocTags("Gateways"),
		okapi.DocPathParam("id", "string", "Gateway ID"),
		okapi.DocResponse(StatusResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	s.group.Get("/gateways/{id}/sessions", s.handleSessionList,
		okapi.DocSummary("List the gateway's main and agent sessions"),
		okapi.DocTags("Sessions"),
		okapi.DocPathParam("id", "string", "Gateway ID"),
		okapi.DocResponse(SessionsResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	s.group.Get("/gateways/{id}/sessions/{sid}", s.handleSessionGet,
		okapi.DocSummary("Get one session"),
		okapi.DocTags("Sessions"),
		okapi.DocPathParam("id", "string", "Gateway ID"),
		okapi.DocPathParam("sid", "string", "Session ID"),
		okapi.DocResponse(SessionResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	s.group.Get("/gateways/{id}/sessions/{sid}/history", s.handleHistory,
		okapi.DocSummary("Session history, oldest first"),
		okapi.DocTags("Sessions"),
		okapi.DocPathParam("id", "string", "Gateway ID"),
		okapi.DocPathParam("sid", "string", "Session ID"),
		okapi.DocResponse(HistoryResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	s.group.Post("/gateways/{id}/sessions/{sid}/messages", s.handleMessageSend,
		okapi.DocSummary("Send a message to a session"),
		okapi.DocTags("Sessions"),
		okapi.DocPathParam("id", "string", "Gateway ID"),
		okapi.DocPathParam("sid", "string", "Session ID"),
		okapi.DocRequestBody(SendMessageRequest{}),
		okapi.DocResponse(SendMessageResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		okapi.DocResponse(http.StatusBadGateway, ErrorBody{}),
	)
	s.group.Post("/gateways/{id}/sync-templates", s.handleSyncTemplates,
		okapi.DocSummary("Push workspace templates to the gateway's agents"),
		okapi.DocTags("Templates"),
		okapi.DocPathParam("id", "string", "Gateway ID"),
		okapi.DocRequestBody(templatesync.Options{}),
		okapi.DocResponse(templatesync.Result{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		okapi.DocResponse(http.StatusBadGateway, ErrorBody{}),
	)

	if s.config.EnableSSE {
		s.group.Get("/gateways/{id}/events", s.handleEvents,
			okapi.DocSummary("Stream session and history events via SSE"),
			okapi.DocTags("Events"),
			okapi.DocPathParam("id", "string", "Gateway ID"),
			okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		)
	}

	// Observability endpoints (unauthenticated).
	s.okapi.Get("/healthz", s.handleLiveness)
	s.okapi.Get("/readyz", s.handleReadiness)

	if s.config.MetricsRegistry != nil {
		s.okapi.HandleStd("GET", "/metrics", promhttp.HandlerFor(s.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if s.config.EnableDocs {
		s.WithOpenAPIDocs()
	}

	s.server = &http.Server{
		Addr:              s.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	s.logger.Info("http api starting", slog.String("addr", s.config.ListenAddr))
	return s.okapi.StartServer(s.server)
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Info("http api stopping")
	return s.okapi.Shutdown(s.server)
}

// HealthResponse is the JSON response for the health endpoints.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness probe.
func (s *Server) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (s *Server) handleReadiness(c *okapi.Context) error {
	if s.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := s.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Authentication ---

// authenticate validates the API key and stores the mapped caller ID on
// the request context.
func (s *Server) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		apiKey := strings.TrimPrefix(authHeader, "Bearer ")

		callerID := ""
		for key, id := range s.config.APIKeys {
			if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
				callerID = id
			}
		}
		if callerID == "" {
			return c.AbortUnauthorized("invalid API key")
		}
		c.Set("callerID", callerID)
		return next(c)
	}
}

// rateLimit consumes one token for the caller, if limiting is enabled.
func (s *Server) rateLimit(c *okapi.Context) error {
	if s.limiter == nil {
		return nil
	}
	if err := s.limiter.Allow(c.GetString("callerID")); err != nil {
		return c.AbortTooManyRequests("rate limit exceeded")
	}
	return nil
}

func newCorrelationID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
