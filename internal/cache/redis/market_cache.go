package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sbfxfxai/tiltvault-bridge/internal/domain"
)

const marketTTL = 5 * time.Minute

// MarketCache implements domain.MarketCache. Derivative market metadata is
// stored as JSON under derivative:market:{SYMBOL} with a 5-minute TTL, so the
// market-data API is hit at most once per window per symbol.
type MarketCache struct {
	rdb *redis.Client
}

// NewMarketCache creates a MarketCache backed by the given Client.
func NewMarketCache(c *Client) *MarketCache {
	return &MarketCache{rdb: c.Underlying()}
}

func marketKey(symbol string) string {
	return "derivative:market:" + strings.ToUpper(symbol)
}

// Set stores a market in the cache with a 5-minute TTL.
func (mc *MarketCache) Set(ctx context.Context, market domain.DerivativeMarket) error {
	data, err := json.Marshal(market)
	if err != nil {
		return fmt.Errorf("redis: marshal market %s: %w", market.Symbol, err)
	}
	if err := mc.rdb.Set(ctx, marketKey(market.Symbol), data, marketTTL).Err(); err != nil {
		return fmt.Errorf("redis: set market %s: %w", market.Symbol, err)
	}
	return nil
}

// Get retrieves a market by symbol. It returns domain.ErrNotFound when the key
// does not exist or has expired.
func (mc *MarketCache) Get(ctx context.Context, symbol string) (domain.DerivativeMarket, error) {
	data, err := mc.rdb.Get(ctx, marketKey(symbol)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.DerivativeMarket{}, domain.ErrNotFound
		}
		return domain.DerivativeMarket{}, fmt.Errorf("redis: get market %s: %w", symbol, err)
	}

	var market domain.DerivativeMarket
	if err := json.Unmarshal(data, &market); err != nil {
		return domain.DerivativeMarket{}, fmt.Errorf("redis: unmarshal market %s: %w", symbol, err)
	}
	return market, nil
}

// Invalidate removes a market from the cache.
func (mc *MarketCache) Invalidate(ctx context.Context, symbol string) error {
	if err := mc.rdb.Del(ctx, marketKey(symbol)).Err(); err != nil {
		return fmt.Errorf("redis: invalidate market %s: %w", symbol, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.MarketCache = (*MarketCache)(nil)
