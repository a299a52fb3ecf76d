package venue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/sbfxfxai/tiltvault-bridge/internal/domain"
)

// errNoMarket is returned by the markets client when no listed market
// matches the requested symbol.
var errNoMarket = errors.New("no listed market for symbol")

// apiMarket is one entry of GET /markets/info.
type apiMarket struct {
	Name        string `json:"name"`
	MarketToken string `json:"marketToken"`
	IndexToken  string `json:"indexToken"`
	LongToken   string `json:"longToken"`
	ShortToken  string `json:"shortToken"`
	IsListed    bool   `json:"isListed"`
}

type apiMarketsInfo struct {
	Markets []apiMarket `json:"markets"`
}

// apiTicker is one entry of GET /prices/tickers. Prices are 30-decimal USD
// per token base unit.
type apiTicker struct {
	TokenAddress string `json:"tokenAddress"`
	TokenSymbol  string `json:"tokenSymbol"`
	MinPrice     string `json:"minPrice"`
	MaxPrice     string `json:"maxPrice"`
}

// MarketsClient reads derivative market metadata from the exchange's public
// HTTP API, caching resolved markets.
type MarketsClient struct {
	baseURL    string
	httpClient *http.Client
	cache      domain.MarketCache
	logger     *slog.Logger
}

// NewMarketsClient creates a MarketsClient. cache may be nil.
func NewMarketsClient(baseURL string, timeout time.Duration, cache domain.MarketCache, logger *slog.Logger) *MarketsClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &MarketsClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		cache:      cache,
		logger:     logger.With(slog.String("component", "markets_client")),
	}
}

// Resolve returns the listed market for symbol (e.g. "BTC/USD"), preferring
// one whose short token is collateral.
func (c *MarketsClient) Resolve(ctx context.Context, symbol, collateral string) (domain.DerivativeMarket, error) {
	if c.cache != nil {
		m, err := c.cache.Get(ctx, symbol)
		switch {
		case err == nil:
			return m, nil
		case !errors.Is(err, domain.ErrNotFound):
			c.logger.Warn("market cache read failed", slog.String("symbol", symbol), slog.String("error", err.Error()))
		}
	}

	body, err := c.doGet(ctx, "/markets/info")
	if err != nil {
		return domain.DerivativeMarket{}, fmt.Errorf("markets: get markets: %w", err)
	}
	var info apiMarketsInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return domain.DerivativeMarket{}, fmt.Errorf("markets: decode markets: %w", err)
	}

	m, ok := pickMarket(info.Markets, symbol, collateral)
	if !ok {
		return domain.DerivativeMarket{}, fmt.Errorf("markets: %s: %w", symbol, errNoMarket)
	}

	if c.cache != nil {
		if err := c.cache.Set(ctx, m); err != nil {
			c.logger.Warn("market cache write failed", slog.String("symbol", symbol), slog.String("error", err.Error()))
		}
	}
	return m, nil
}

// IndexPrice returns the min and max oracle price for token.
func (c *MarketsClient) IndexPrice(ctx context.Context, token string) (minPrice, maxPrice *big.Int, err error) {
	body, err := c.doGet(ctx, "/prices/tickers")
	if err != nil {
		return nil, nil, fmt.Errorf("markets: get tickers: %w", err)
	}
	var tickers []apiTicker
	if err := json.Unmarshal(body, &tickers); err != nil {
		return nil, nil, fmt.Errorf("markets: decode tickers: %w", err)
	}

	for _, t := range tickers {
		if !strings.EqualFold(t.TokenAddress, token) {
			continue
		}
		lo, ok1 := new(big.Int).SetString(t.MinPrice, 10)
		hi, ok2 := new(big.Int).SetString(t.MaxPrice, 10)
		if !ok1 || !ok2 || hi.Sign() <= 0 {
			return nil, nil, fmt.Errorf("markets: malformed price for %s", token)
		}
		return lo, hi, nil
	}
	return nil, nil, fmt.Errorf("markets: no price for %s: %w", token, errNoMarket)
}

func pickMarket(markets []apiMarket, symbol, collateral string) (domain.DerivativeMarket, bool) {
	want := strings.ToUpper(strings.TrimSpace(symbol))
	var fallback *apiMarket

	for i := range markets {
		m := &markets[i]
		if !m.IsListed {
			continue
		}
		name := strings.ToUpper(m.Name)
		if name != want && !strings.HasPrefix(name, want+" ") {
			continue
		}
		if collateral == "" || strings.EqualFold(m.ShortToken, collateral) {
			return m.toDomain(symbol), true
		}
		if fallback == nil {
			fallback = m
		}
	}
	if fallback != nil {
		return fallback.toDomain(symbol), true
	}
	return domain.DerivativeMarket{}, false
}

func (m *apiMarket) toDomain(symbol string) domain.DerivativeMarket {
	return domain.DerivativeMarket{
		Symbol:      strings.ToUpper(symbol),
		MarketToken: m.MarketToken,
		IndexToken:  m.IndexToken,
		LongToken:   m.LongToken,
		ShortToken:  m.ShortToken,
		IsListed:    m.IsListed,
	}
}

func (c *MarketsClient) doGet(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if err := checkHTTPStatus(resp.StatusCode, body); err != nil {
		return nil, err
	}
	return body, nil
}

// checkHTTPStatus maps non-2xx status codes to appropriate domain errors.
func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	bodyStr := string(body)
	if len(bodyStr) > 256 {
		bodyStr = bodyStr[:256]
	}
	switch statusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, bodyStr)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, bodyStr)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, bodyStr)
	default:
		return fmt.Errorf("HTTP %d: %s", statusCode, bodyStr)
	}
}
