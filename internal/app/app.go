// Package app provides the top-level application lifecycle for the bridge. It
// wires stores, caches, chain access and notifications, then runs the HTTP
// server and the live event hub until the context is cancelled.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sbfxfxai/tiltvault-bridge/internal/chain"
	"github.com/sbfxfxai/tiltvault-bridge/internal/config"
	"github.com/sbfxfxai/tiltvault-bridge/internal/crypto"
	"github.com/sbfxfxai/tiltvault-bridge/internal/pipeline"
	"github.com/sbfxfxai/tiltvault-bridge/internal/retry"
	"github.com/sbfxfxai/tiltvault-bridge/internal/server"
	"github.com/sbfxfxai/tiltvault-bridge/internal/server/handler"
	"github.com/sbfxfxai/tiltvault-bridge/internal/server/ws"
	"github.com/sbfxfxai/tiltvault-bridge/internal/strategy"
)

// shutdownTimeout bounds graceful HTTP shutdown. In-flight webhooks finish
// within the execution budget, so this only needs to cover that.
const shutdownTimeout = 30 * time.Second

// App is the root application object. It owns the configuration, logger, and a
// list of cleanup functions that are called in reverse order on shutdown.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()
}

// New creates a new App from the given configuration and logger.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger,
	}
}

// Run wires all dependencies, starts the HTTP server and, when enabled, the
// WebSocket hub, and blocks until ctx is cancelled or a component fails.
func (a *App) Run(ctx context.Context) error {
	log := a.logger.With(slog.String("component", "app"))
	log.InfoContext(ctx, "starting bridge",
		slog.Int64("chain_id", a.cfg.Chain.ChainID),
		slog.Bool("derivative_enabled", a.cfg.Derivative.Enabled),
		slog.Bool("receipts_enabled", a.cfg.S3.Enabled),
		slog.String("log_level", a.cfg.LogLevel),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	proc := pipeline.NewProcessor(a.pipelineDeps(deps), a.pipelineConfig(), a.logger)
	log.InfoContext(ctx, "payment pipeline ready", slog.String("hub", deps.HubAddress.Hex()))

	g, ctx := errgroup.WithContext(ctx)

	var hub *ws.Hub
	if a.cfg.Server.EnableWebSocket {
		hub = ws.NewHub(deps.SignalBus, a.logger, ws.Config{
			Channels:       []string{pipeline.DefaultEventChannel},
			AllowedOrigins: a.cfg.Server.CORSOrigins,
			StartedAt:      time.Now().UTC(),
		})
		g.Go(func() error {
			if err := hub.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	srv := server.NewServer(server.Config{
		Port:              a.cfg.Server.Port,
		CORSOrigins:       a.cfg.Server.CORSOrigins,
		APIKey:            a.cfg.Server.APIKey,
		WebhookRateLimit:  a.cfg.Server.WebhookRateLimit,
		WebhookRateWindow: a.cfg.Server.WebhookRateWindow.Duration,
		WriteTimeout:      a.cfg.Server.WriteTimeout.Duration,
	}, a.handlers(deps, proc), deps.RateLimiter, hub, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	return g.Wait()
}

// Close tears down all resources in reverse registration order. It is safe to
// call multiple times; subsequent calls are no-ops.
func (a *App) Close() {
	a.logger.Info("shutting down application")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *App) pipelineDeps(deps *Dependencies) pipeline.Deps {
	pd := pipeline.Deps{
		Verifier:    crypto.NewWebhookVerifier(a.cfg.Square.SignatureKey, a.cfg.Square.NotificationURL),
		Idempotency: deps.Idempotency,
		Locks:       deps.LockManager,
		PaymentInfo: deps.PaymentInfo,
		Positions:   deps.PositionStore,
		Audit:       deps.AuditStore,
		Custody:     deps.Custody,
		Lending:     deps.Lending,
		Derivative:  deps.Derivative,
		Bus:         deps.SignalBus,
	}
	if deps.Notifier.Enabled() {
		pd.Notifier = deps.Notifier
	}
	if deps.Receipts != nil {
		pd.Archiver = deps.Receipts
	}
	return pd
}

func (a *App) pipelineConfig() pipeline.Config {
	p := a.cfg.Pipeline
	policy := retry.DefaultPolicy()
	if p.RetryMaxAttempts > 0 {
		policy.MaxAttempts = p.RetryMaxAttempts
	}
	if p.RetryBackoff.Duration > 0 {
		policy.InitialBackoff = p.RetryBackoff.Duration
	}
	if p.RetryMaxBackoff.Duration > 0 {
		policy.MaxBackoff = p.RetryMaxBackoff.Duration
	}

	return pipeline.Config{
		LockTTL:         p.LockTTL.Duration,
		ExecutionBudget: p.ExecutionBudget.Duration,
		GasTopUpWei:     chain.NativeToWei(a.cfg.Hub.GasTopUpAVAX),
		Fees: strategy.NewFeeSchedule(
			a.cfg.Fees.PlatformFeePercent,
			a.cfg.Fees.FlatGasFeeUSD,
			a.cfg.Fees.ERGCPriceUSD,
		),
		Retry:        policy,
		EventChannel: pipeline.DefaultEventChannel,
	}
}

func (a *App) handlers(deps *Dependencies, proc *pipeline.Processor) server.Handlers {
	checks := make(map[string]handler.CheckFunc, len(deps.Checks))
	for name, fn := range deps.Checks {
		checks[name] = fn
	}

	h := server.Handlers{
		Health:      handler.NewHealthHandler(checks, a.logger),
		Webhook:     handler.NewWebhookHandler(proc, a.logger),
		PaymentInfo: handler.NewPaymentInfoHandler(deps.PaymentInfo, a.logger),
		Positions:   handler.NewPositionHandler(deps.PositionStore, a.logger),
		Audit:       handler.NewAuditHandler(deps.AuditStore, a.logger),
	}
	if deps.Receipts != nil {
		h.Receipts = handler.NewReceiptHandler(deps.Receipts, a.logger)
	}
	return h
}
