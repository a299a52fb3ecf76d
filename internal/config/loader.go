package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies BRIDGE_* environment variable overrides, and
// returns the final Config. A missing file is not an error so that container
// deployments can run on environment variables alone. The returned Config has
// NOT been validated; the caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known BRIDGE_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Server ──
	setInt(&cfg.Server.Port, "BRIDGE_SERVER_PORT")
	setInt(&cfg.Server.Port, "PORT") // platform-assigned port
	setStringSlice(&cfg.Server.CORSOrigins, "BRIDGE_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "BRIDGE_SERVER_API_KEY")
	setInt(&cfg.Server.WebhookRateLimit, "BRIDGE_SERVER_WEBHOOK_RATE_LIMIT")
	setDuration(&cfg.Server.WebhookRateWindow, "BRIDGE_SERVER_WEBHOOK_RATE_WINDOW")
	setDuration(&cfg.Server.WriteTimeout, "BRIDGE_SERVER_WRITE_TIMEOUT")
	setBool(&cfg.Server.EnableWebSocket, "BRIDGE_SERVER_ENABLE_WEBSOCKET")

	// ── Square ──
	setStr(&cfg.Square.SignatureKey, "BRIDGE_SQUARE_SIGNATURE_KEY")
	setStr(&cfg.Square.SignatureKey, "SQUARE_WEBHOOK_SIGNATURE_KEY") // compatibility alias
	setStr(&cfg.Square.NotificationURL, "BRIDGE_SQUARE_NOTIFICATION_URL")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "BRIDGE_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "BRIDGE_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "BRIDGE_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "BRIDGE_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "BRIDGE_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "BRIDGE_REDIS_TLS_ENABLED")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "BRIDGE_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "BRIDGE_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "BRIDGE_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "BRIDGE_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "BRIDGE_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "BRIDGE_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "BRIDGE_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "BRIDGE_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "BRIDGE_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "BRIDGE_POSTGRES_RUN_MIGRATIONS")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "BRIDGE_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "BRIDGE_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "BRIDGE_S3_REGION")
	setStr(&cfg.S3.Bucket, "BRIDGE_S3_BUCKET")
	setStr(&cfg.S3.Prefix, "BRIDGE_S3_PREFIX")
	setStr(&cfg.S3.AccessKey, "BRIDGE_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "BRIDGE_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "BRIDGE_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "BRIDGE_S3_FORCE_PATH_STYLE")

	// ── Chain ──
	setStr(&cfg.Chain.RPCURL, "BRIDGE_CHAIN_RPC_URL")
	setStr(&cfg.Chain.RPCURL, "AVALANCHE_RPC_URL") // compatibility alias
	setInt64(&cfg.Chain.ChainID, "BRIDGE_CHAIN_CHAIN_ID")
	setFloat64(&cfg.Chain.MaxGasPriceGwei, "BRIDGE_CHAIN_MAX_GAS_PRICE_GWEI")
	setStr(&cfg.Chain.USDCAddress, "BRIDGE_CHAIN_USDC_ADDRESS")
	setDuration(&cfg.Chain.ConfirmTimeout, "BRIDGE_CHAIN_CONFIRM_TIMEOUT")

	// ── Hub ──
	setStr(&cfg.Hub.PrivateKey, "BRIDGE_HUB_PRIVATE_KEY")
	setStr(&cfg.Hub.PrivateKey, "HUB_WALLET_PRIVATE_KEY") // compatibility alias
	setStr(&cfg.Hub.EncryptedKeyPath, "BRIDGE_HUB_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Hub.KeyPassword, "BRIDGE_HUB_KEY_PASSWORD")
	setStr(&cfg.Hub.DelegatePrivateKey, "BRIDGE_HUB_DELEGATE_PRIVATE_KEY")
	setFloat64(&cfg.Hub.GasTopUpAVAX, "BRIDGE_HUB_GAS_TOP_UP_AVAX")

	// ── Lending ──
	setStr(&cfg.Lending.PoolAddress, "BRIDGE_LENDING_POOL_ADDRESS")
	setFloat64(&cfg.Lending.MinSupplyUSD, "BRIDGE_LENDING_MIN_SUPPLY_USD")

	// ── Derivative ──
	setBool(&cfg.Derivative.Enabled, "BRIDGE_DERIVATIVE_ENABLED")
	setStr(&cfg.Derivative.MarketsAPIURL, "BRIDGE_DERIVATIVE_MARKETS_API_URL")
	setStr(&cfg.Derivative.MarketSymbol, "BRIDGE_DERIVATIVE_MARKET_SYMBOL")
	setStr(&cfg.Derivative.ExchangeRouter, "BRIDGE_DERIVATIVE_EXCHANGE_ROUTER")
	setStr(&cfg.Derivative.RouterSpender, "BRIDGE_DERIVATIVE_ROUTER_SPENDER")
	setStr(&cfg.Derivative.OrderVault, "BRIDGE_DERIVATIVE_ORDER_VAULT")
	setFloat64(&cfg.Derivative.MinCollateralUSD, "BRIDGE_DERIVATIVE_MIN_COLLATERAL_USD")
	setFloat64(&cfg.Derivative.MinPositionSizeUSD, "BRIDGE_DERIVATIVE_MIN_POSITION_SIZE_USD")
	setFloat64(&cfg.Derivative.ExecutionFeeAVAX, "BRIDGE_DERIVATIVE_EXECUTION_FEE_AVAX")
	setDuration(&cfg.Derivative.HTTPTimeout, "BRIDGE_DERIVATIVE_HTTP_TIMEOUT")

	// ── Fees ──
	setFloat64(&cfg.Fees.PlatformFeePercent, "BRIDGE_FEES_PLATFORM_FEE_PERCENT")
	setFloat64(&cfg.Fees.FlatGasFeeUSD, "BRIDGE_FEES_FLAT_GAS_FEE_USD")
	setFloat64(&cfg.Fees.ERGCPriceUSD, "BRIDGE_FEES_ERGC_PRICE_USD")

	// ── Pipeline ──
	setDuration(&cfg.Pipeline.LockTTL, "BRIDGE_PIPELINE_LOCK_TTL")
	setDuration(&cfg.Pipeline.ProcessedTTL, "BRIDGE_PIPELINE_PROCESSED_TTL")
	setDuration(&cfg.Pipeline.GasMarkerTTL, "BRIDGE_PIPELINE_GAS_MARKER_TTL")
	setDuration(&cfg.Pipeline.PaymentInfoTTL, "BRIDGE_PIPELINE_PAYMENT_INFO_TTL")
	setDuration(&cfg.Pipeline.ExecutionBudget, "BRIDGE_PIPELINE_EXECUTION_BUDGET")
	setInt(&cfg.Pipeline.RetryMaxAttempts, "BRIDGE_PIPELINE_RETRY_MAX_ATTEMPTS")
	setDuration(&cfg.Pipeline.RetryBackoff, "BRIDGE_PIPELINE_RETRY_BACKOFF")
	setDuration(&cfg.Pipeline.RetryMaxBackoff, "BRIDGE_PIPELINE_RETRY_MAX_BACKOFF")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "BRIDGE_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "BRIDGE_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "BRIDGE_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "BRIDGE_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.LogLevel, "BRIDGE_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
