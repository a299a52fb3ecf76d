package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"

	s3blob "github.com/sbfxfxai/tiltvault-bridge/internal/blob/s3"
	"github.com/sbfxfxai/tiltvault-bridge/internal/cache/redis"
	"github.com/sbfxfxai/tiltvault-bridge/internal/chain"
	"github.com/sbfxfxai/tiltvault-bridge/internal/config"
	"github.com/sbfxfxai/tiltvault-bridge/internal/crypto"
	"github.com/sbfxfxai/tiltvault-bridge/internal/custody"
	"github.com/sbfxfxai/tiltvault-bridge/internal/domain"
	"github.com/sbfxfxai/tiltvault-bridge/internal/notify"
	"github.com/sbfxfxai/tiltvault-bridge/internal/store/postgres"
	"github.com/sbfxfxai/tiltvault-bridge/internal/venue"
)

// Dependencies bundles the concrete implementations the pipeline and HTTP
// layer run on. It is constructed by Wire and torn down by the returned
// cleanup function.
type Dependencies struct {
	// Stores
	PositionStore domain.PositionStore
	AuditStore    domain.AuditStore

	// Caches
	Idempotency domain.IdempotencyStore
	PaymentInfo domain.PaymentInfoStore
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// Chain
	HubAddress common.Address
	Custody    *custody.Service
	Lending    venue.Adapter
	Derivative venue.Adapter // nil when the derivative venue is disabled

	// Receipts is nil when archiving is disabled.
	Receipts *s3blob.ReceiptArchive

	Notifier *notify.Notifier

	// Health probes keyed by dependency name.
	Checks map[string]func(context.Context) error
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(step string, err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, fmt.Errorf("wire: %s: %w", step, err)
	}

	deps := &Dependencies{Checks: make(map[string]func(context.Context) error)}

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	})
	if err != nil {
		return fail("postgres", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			return fail("postgres migrations", err)
		}
	}

	pool := pgClient.Pool()
	deps.PositionStore = postgres.NewPositionStore(pool)
	deps.AuditStore = postgres.NewAuditStore(pool)
	deps.Checks["postgres"] = pgClient.Ping

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		return fail("redis", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.Idempotency = redis.NewIdempotencyStore(redisClient, cfg.Pipeline.ProcessedTTL.Duration, cfg.Pipeline.GasMarkerTTL.Duration)
	deps.PaymentInfo = redis.NewPaymentInfoCache(redisClient, cfg.Pipeline.PaymentInfoTTL.Duration)
	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.LockManager = redis.NewLockManager(redisClient, logger)
	deps.SignalBus = redis.NewSignalBus(redisClient)
	deps.Checks["redis"] = redisClient.Ping

	// --- Chain ---
	eth, err := chain.Dial(ctx, cfg.Chain.RPCURL, cfg.Chain.ChainID)
	if err != nil {
		return fail("chain", err)
	}
	closers = append(closers, eth.Close)
	deps.Checks["chain"] = func(ctx context.Context) error {
		_, err := eth.BlockNumber(ctx)
		return err
	}

	if err := wireChain(cfg, eth, redisClient, deps, logger); err != nil {
		return fail("chain", err)
	}

	// --- S3 receipt archive ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail("s3", err)
		}
		deps.Receipts = s3blob.NewReceiptArchive(s3blob.NewWriter(s3Client), s3blob.NewReader(s3Client), cfg.S3.Prefix)
		deps.Checks["s3"] = s3Client.Health
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}

// wireChain builds the signers, custody service and venue adapters. Venue
// transactions are signed by the delegate key when one is configured and by
// the hub otherwise; custody transfers always come from the hub.
func wireChain(cfg *config.Config, eth *ethclient.Client, redisClient *redis.Client, deps *Dependencies, logger *slog.Logger) error {
	hubSigner, err := crypto.NewSignerFromSource(crypto.KeySource{
		RawHex:        cfg.Hub.PrivateKey,
		EncryptedPath: cfg.Hub.EncryptedKeyPath,
		Password:      cfg.Hub.KeyPassword,
	})
	if err != nil {
		return fmt.Errorf("hub key: %w", err)
	}
	deps.HubAddress = hubSigner.Address()

	gas := chain.NewCappedGasPolicy(eth, cfg.Chain.MaxGasPriceGwei)
	hubSub := chain.NewTxSubmitter(eth, hubSigner, gas, cfg.Chain.ChainID, logger)
	usdc := common.HexToAddress(cfg.Chain.USDCAddress)
	deps.Custody = custody.NewService(eth, hubSub, gas, usdc, logger)

	execSub := hubSub
	if cfg.Hub.DelegatePrivateKey != "" {
		delegateSigner, err := crypto.NewSignerFromSource(crypto.KeySource{RawHex: cfg.Hub.DelegatePrivateKey})
		if err != nil {
			return fmt.Errorf("delegate key: %w", err)
		}
		execSub = chain.NewTxSubmitter(eth, delegateSigner, gas, cfg.Chain.ChainID, logger)
		deps.Custody.ReserveAccounts(delegateSigner.Address())
		logger.Info("venue transactions signed by delegate",
			slog.String("delegate", delegateSigner.Address().Hex()),
			slog.String("hub", deps.HubAddress.Hex()),
		)
	}

	deps.Lending = venue.NewLendingAdapter(eth, execSub, deps.HubAddress, venue.LendingConfig{
		Pool:           common.HexToAddress(cfg.Lending.PoolAddress),
		Asset:          usdc,
		MinSupply:      decimal.NewFromFloat(cfg.Lending.MinSupplyUSD),
		ReferralCode:   cfg.Lending.ReferralCode,
		ConfirmTimeout: cfg.Chain.ConfirmTimeout.Duration,
	}, logger)

	if cfg.Derivative.Enabled {
		markets := venue.NewMarketsClient(
			cfg.Derivative.MarketsAPIURL,
			cfg.Derivative.HTTPTimeout.Duration,
			redis.NewMarketCache(redisClient),
			logger,
		)
		deps.Derivative = venue.NewDerivativeAdapter(eth, execSub, deps.HubAddress, markets, venue.DerivativeConfig{
			MarketSymbol:       cfg.Derivative.MarketSymbol,
			Collateral:         usdc,
			ExchangeRouter:     common.HexToAddress(cfg.Derivative.ExchangeRouter),
			RouterSpender:      common.HexToAddress(cfg.Derivative.RouterSpender),
			OrderVault:         common.HexToAddress(cfg.Derivative.OrderVault),
			MinCollateral:      decimal.NewFromFloat(cfg.Derivative.MinCollateralUSD),
			MinPositionSize:    decimal.NewFromFloat(cfg.Derivative.MinPositionSizeUSD),
			ExecutionFee:       chain.NativeToWei(cfg.Derivative.ExecutionFeeAVAX),
			AcceptableSlippage: decimal.NewFromFloat(cfg.Derivative.AcceptableSlippage),
			ConfirmTimeout:     cfg.Chain.ConfirmTimeout.Duration,
		}, logger)
	}

	return nil
}
