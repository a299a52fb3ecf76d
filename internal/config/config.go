// Package config defines the top-level configuration for the payment bridge
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by BRIDGE_* environment variables.
type Config struct {
	Server     ServerConfig     `toml:"server"`
	Square     SquareConfig     `toml:"square"`
	Redis      RedisConfig      `toml:"redis"`
	Postgres   PostgresConfig   `toml:"postgres"`
	S3         S3Config         `toml:"s3"`
	Chain      ChainConfig      `toml:"chain"`
	Hub        HubConfig        `toml:"hub"`
	Lending    LendingConfig    `toml:"lending"`
	Derivative DerivativeConfig `toml:"derivative"`
	Fees       FeesConfig       `toml:"fees"`
	Pipeline   PipelineConfig   `toml:"pipeline"`
	Notify     NotifyConfig     `toml:"notify"`
	LogLevel   string           `toml:"log_level"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	// APIKey protects the payment-info and position endpoints. Empty disables
	// the check.
	APIKey            string   `toml:"api_key"`
	WebhookRateLimit  int      `toml:"webhook_rate_limit"`
	WebhookRateWindow duration `toml:"webhook_rate_window"`
	WriteTimeout      duration `toml:"write_timeout"`
	EnableWebSocket   bool     `toml:"enable_websocket"`
}

// SquareConfig holds the payment processor webhook settings.
type SquareConfig struct {
	SignatureKey string `toml:"signature_key"`
	// NotificationURL is prepended to the body before signing when set, as the
	// processor signs url+body.
	NotificationURL string `toml:"notification_url"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// S3Config holds S3-compatible object storage parameters for the webhook
// receipt archive.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	Prefix         string `toml:"prefix"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ChainConfig holds RPC and token parameters for the EVM chain.
type ChainConfig struct {
	RPCURL          string   `toml:"rpc_url"`
	ChainID         int64    `toml:"chain_id"`
	MaxGasPriceGwei float64  `toml:"max_gas_price_gwei"`
	USDCAddress     string   `toml:"usdc_address"`
	ConfirmTimeout  duration `toml:"confirm_timeout"`
}

// HubConfig holds the custodial hub wallet credentials. DelegatePrivateKey,
// when set, signs venue transactions instead of the hub.
type HubConfig struct {
	PrivateKey         string `toml:"private_key"`
	EncryptedKeyPath   string `toml:"encrypted_key_path"`
	KeyPassword        string `toml:"key_password"`
	DelegatePrivateKey string `toml:"delegate_private_key"`
	// GasTopUpAVAX is the native amount sent to a user with each payment.
	GasTopUpAVAX float64 `toml:"gas_top_up_avax"`
}

// LendingConfig holds the lending pool parameters.
type LendingConfig struct {
	PoolAddress  string  `toml:"pool_address"`
	MinSupplyUSD float64 `toml:"min_supply_usd"`
	ReferralCode uint16  `toml:"referral_code"`
}

// DerivativeConfig holds the perpetual venue parameters.
type DerivativeConfig struct {
	Enabled            bool     `toml:"enabled"`
	MarketsAPIURL      string   `toml:"markets_api_url"`
	MarketSymbol       string   `toml:"market_symbol"`
	ExchangeRouter     string   `toml:"exchange_router"`
	RouterSpender      string   `toml:"router_spender"`
	OrderVault         string   `toml:"order_vault"`
	MinCollateralUSD   float64  `toml:"min_collateral_usd"`
	MinPositionSizeUSD float64  `toml:"min_position_size_usd"`
	ExecutionFeeAVAX   float64  `toml:"execution_fee_avax"`
	AcceptableSlippage float64  `toml:"acceptable_slippage"`
	HTTPTimeout        duration `toml:"http_timeout"`
}

// FeesConfig describes how the gross charge relates to the base deposit.
type FeesConfig struct {
	PlatformFeePercent float64 `toml:"platform_fee_percent"`
	FlatGasFeeUSD      float64 `toml:"flat_gas_fee_usd"`
	ERGCPriceUSD       float64 `toml:"ergc_price_usd"`
}

// PipelineConfig holds the payment pipeline timing and retry parameters.
type PipelineConfig struct {
	LockTTL          duration `toml:"lock_ttl"`
	ProcessedTTL     duration `toml:"processed_ttl"`
	GasMarkerTTL     duration `toml:"gas_marker_ttl"`
	PaymentInfoTTL   duration `toml:"payment_info_ttl"`
	ExecutionBudget  duration `toml:"execution_budget"`
	RetryMaxAttempts int      `toml:"retry_max_attempts"`
	RetryBackoff     duration `toml:"retry_backoff"`
	RetryMaxBackoff  duration `toml:"retry_max_backoff"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values for the
// Avalanche C-Chain deployment.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:              8000,
			CORSOrigins:       []string{"http://localhost:3000", "http://localhost:5173"},
			WebhookRateLimit:  60,
			WebhookRateWindow: duration{time.Minute},
			WriteTimeout:      duration{30 * time.Second},
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "postgres",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		S3: S3Config{
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "bridge-receipts",
			Prefix:         "webhooks",
			ForcePathStyle: true,
		},
		Chain: ChainConfig{
			RPCURL:          "https://api.avax.network/ext/bc/C/rpc",
			ChainID:         43114,
			MaxGasPriceGwei: 50,
			USDCAddress:     "0xB97EF9Ef8734C71904D8002F8b6Bc66Dd9c48a6E",
			ConfirmTimeout:  duration{12 * time.Second},
		},
		Hub: HubConfig{
			GasTopUpAVAX: 0.005,
		},
		Lending: LendingConfig{
			PoolAddress:  "0x794a1aE18D657714751C9b0F82B9538f22f4625A",
			MinSupplyUSD: 1,
		},
		Derivative: DerivativeConfig{
			Enabled:            false,
			MarketsAPIURL:      "https://avalanche-api.gmxinfra.io",
			MarketSymbol:       "BTC/USD",
			MinCollateralUSD:   5,
			MinPositionSizeUSD: 10,
			ExecutionFeeAVAX:   0.02,
			AcceptableSlippage: 0.01,
			HTTPTimeout:        duration{5 * time.Second},
		},
		Fees: FeesConfig{
			PlatformFeePercent: 5,
			FlatGasFeeUSD:      0,
			ERGCPriceUSD:       0.10,
		},
		Pipeline: PipelineConfig{
			LockTTL:          duration{5 * time.Minute},
			ProcessedTTL:     duration{24 * time.Hour},
			GasMarkerTTL:     duration{7 * 24 * time.Hour},
			PaymentInfoTTL:   duration{7 * 24 * time.Hour},
			ExecutionBudget:  duration{25 * time.Second},
			RetryMaxAttempts: 2,
			RetryBackoff:     duration{500 * time.Millisecond},
			RetryMaxBackoff:  duration{2 * time.Second},
		},
		Notify: NotifyConfig{
			Events: []string{"blocked", "execution_retry", "fallback", "auth_failure", "unrecorded"},
		},
		LogLevel: "info",
	}
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Server
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
	}
	if c.Server.WebhookRateLimit < 0 {
		errs = append(errs, "server: webhook_rate_limit must be >= 0")
	}

	// Square
	if c.Square.SignatureKey == "" {
		errs = append(errs, "square: signature_key is required")
	}

	// Hub
	if c.Hub.PrivateKey == "" && c.Hub.EncryptedKeyPath == "" {
		errs = append(errs, "hub: either private_key or encrypted_key_path must be set")
	}
	if c.Hub.EncryptedKeyPath != "" && c.Hub.KeyPassword == "" {
		errs = append(errs, "hub: key_password is required when encrypted_key_path is set")
	}
	if c.Hub.GasTopUpAVAX < 0 {
		errs = append(errs, "hub: gas_top_up_avax must be >= 0")
	}

	// Chain
	if c.Chain.RPCURL == "" {
		errs = append(errs, "chain: rpc_url must not be empty")
	}
	if c.Chain.ChainID <= 0 {
		errs = append(errs, "chain: chain_id must be positive")
	}
	if c.Chain.MaxGasPriceGwei <= 0 {
		errs = append(errs, "chain: max_gas_price_gwei must be > 0")
	}
	if !common.IsHexAddress(c.Chain.USDCAddress) {
		errs = append(errs, fmt.Sprintf("chain: usdc_address %q is not a hex address", c.Chain.USDCAddress))
	}
	if c.Chain.ConfirmTimeout.Duration <= 0 {
		errs = append(errs, "chain: confirm_timeout must be > 0")
	}

	// Lending
	if !common.IsHexAddress(c.Lending.PoolAddress) {
		errs = append(errs, fmt.Sprintf("lending: pool_address %q is not a hex address", c.Lending.PoolAddress))
	}
	if c.Lending.MinSupplyUSD < 0 {
		errs = append(errs, "lending: min_supply_usd must be >= 0")
	}

	// Derivative router addresses only matter when the venue is enabled.
	if c.Derivative.Enabled {
		if c.Derivative.MarketsAPIURL == "" {
			errs = append(errs, "derivative: markets_api_url must not be empty when enabled")
		}
		if c.Derivative.MarketSymbol == "" {
			errs = append(errs, "derivative: market_symbol must not be empty when enabled")
		}
		for _, f := range [][2]string{
			{"exchange_router", c.Derivative.ExchangeRouter},
			{"router_spender", c.Derivative.RouterSpender},
			{"order_vault", c.Derivative.OrderVault},
		} {
			if !common.IsHexAddress(f[1]) {
				errs = append(errs, fmt.Sprintf("derivative: %s %q is not a hex address", f[0], f[1]))
			}
		}
		if c.Derivative.MinPositionSizeUSD < c.Derivative.MinCollateralUSD {
			errs = append(errs, "derivative: min_position_size_usd must be >= min_collateral_usd")
		}
	}

	// Fees
	if c.Fees.PlatformFeePercent < 0 || c.Fees.PlatformFeePercent >= 100 {
		errs = append(errs, "fees: platform_fee_percent must be in [0, 100)")
	}
	if c.Fees.FlatGasFeeUSD < 0 {
		errs = append(errs, "fees: flat_gas_fee_usd must be >= 0")
	}
	if c.Fees.ERGCPriceUSD < 0 {
		errs = append(errs, "fees: ergc_price_usd must be >= 0")
	}

	// Pipeline
	if c.Pipeline.LockTTL.Duration <= 0 {
		errs = append(errs, "pipeline: lock_ttl must be > 0")
	}
	if c.Pipeline.ProcessedTTL.Duration <= 0 {
		errs = append(errs, "pipeline: processed_ttl must be > 0")
	}
	if c.Pipeline.GasMarkerTTL.Duration < c.Pipeline.ProcessedTTL.Duration {
		errs = append(errs, "pipeline: gas_marker_ttl must not be shorter than processed_ttl")
	}
	if c.Pipeline.ExecutionBudget.Duration <= 0 {
		errs = append(errs, "pipeline: execution_budget must be > 0")
	}
	if c.Server.WriteTimeout.Duration > 0 && c.Pipeline.ExecutionBudget.Duration >= c.Server.WriteTimeout.Duration {
		errs = append(errs, "pipeline: execution_budget must be shorter than server.write_timeout")
	}
	if c.Chain.ConfirmTimeout.Duration >= c.Pipeline.ExecutionBudget.Duration {
		errs = append(errs, "chain: confirm_timeout must be shorter than pipeline.execution_budget")
	}
	if c.Pipeline.RetryMaxAttempts < 1 {
		errs = append(errs, "pipeline: retry_max_attempts must be >= 1")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when enabled")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty when enabled")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
