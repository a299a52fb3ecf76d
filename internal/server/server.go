package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sbfxfxai/tiltvault-bridge/internal/domain"
	"github.com/sbfxfxai/tiltvault-bridge/internal/server/handler"
	"github.com/sbfxfxai/tiltvault-bridge/internal/server/middleware"
	"github.com/sbfxfxai/tiltvault-bridge/internal/server/ws"
)

// webhookRateScope prefixes rate limit keys for webhook deliveries.
const webhookRateScope = "ratelimit:webhook"

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled

	// WebhookRateLimit caps deliveries per client IP per window. Zero
	// disables limiting.
	WebhookRateLimit  int
	WebhookRateWindow time.Duration

	// WriteTimeout must exceed the pipeline's execution budget.
	WriteTimeout time.Duration
}

// Handlers aggregates the HTTP handlers the server registers. Receipts is
// optional and only set when webhook archiving is enabled.
type Handlers struct {
	Health      *handler.HealthHandler
	Webhook     *handler.WebhookHandler
	PaymentInfo *handler.PaymentInfoHandler
	Positions   *handler.PositionHandler
	Audit       *handler.AuditHandler
	Receipts    *handler.ReceiptHandler
}

// Server is the bridge's HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux.
// The webhook route is public and rate limited; operator routes sit behind
// the API key.
func NewServer(cfg Config, handlers Handlers, limiter domain.RateLimiter, wsHub *ws.Hub, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "http_server"))
	mux := http.NewServeMux()
	protect := middleware.Auth(cfg.APIKey, logger)

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	webhook := middleware.RateLimit(limiter, webhookRateScope, cfg.WebhookRateLimit, cfg.WebhookRateWindow, logger)
	mux.Handle("POST /api/square/webhook", webhook(http.HandlerFunc(handlers.Webhook.Receive)))

	mux.Handle("POST /api/payment-info", protect(http.HandlerFunc(handlers.PaymentInfo.Register)))
	mux.Handle("GET /api/positions", protect(http.HandlerFunc(handlers.Positions.ListPositions)))
	mux.Handle("GET /api/positions/{paymentID}", protect(http.HandlerFunc(handlers.Positions.GetPosition)))
	mux.Handle("GET /api/payments/{paymentID}/audit", protect(http.HandlerFunc(handlers.Audit.PaymentTrail)))
	if handlers.Receipts != nil {
		mux.Handle("GET /api/receipts/{paymentID}", protect(http.HandlerFunc(handlers.Receipts.GetReceipt)))
	}

	mux.Handle("GET /metrics", promhttp.Handler())

	if wsHub != nil {
		mux.Handle("GET /ws", protect(http.HandlerFunc(wsHub.HandleWS)))
	}

	var h http.Handler = mux
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 60 * time.Second
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		handler:    h,
		logger:     logger,
	}
}

// Handler returns the fully wrapped request handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
