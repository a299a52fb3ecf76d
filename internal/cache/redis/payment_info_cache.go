package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sbfxfxai/tiltvault-bridge/internal/domain"
)

// PaymentInfoCache implements domain.PaymentInfoStore. Entries are JSON under
// payment_info:{paymentID} and expire after ttl.
type PaymentInfoCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewPaymentInfoCache creates a PaymentInfoCache backed by the given Client.
func NewPaymentInfoCache(c *Client, ttl time.Duration) *PaymentInfoCache {
	return &PaymentInfoCache{rdb: c.Underlying(), ttl: ttl}
}

func paymentInfoKey(id string) string { return "payment_info:" + id }

// Put stores info, replacing any previous registration for the same id.
func (pc *PaymentInfoCache) Put(ctx context.Context, info domain.PaymentInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("redis: marshal payment info %s: %w", info.PaymentID, err)
	}
	if err := pc.rdb.Set(ctx, paymentInfoKey(info.PaymentID), data, pc.ttl).Err(); err != nil {
		return fmt.Errorf("redis: put payment info %s: %w", info.PaymentID, err)
	}
	return nil
}

// Get returns the PaymentInfo for paymentID or domain.ErrNotFound.
func (pc *PaymentInfoCache) Get(ctx context.Context, paymentID string) (domain.PaymentInfo, error) {
	data, err := pc.rdb.Get(ctx, paymentInfoKey(paymentID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.PaymentInfo{}, domain.ErrNotFound
		}
		return domain.PaymentInfo{}, fmt.Errorf("redis: get payment info %s: %w", paymentID, err)
	}

	var info domain.PaymentInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return domain.PaymentInfo{}, fmt.Errorf("redis: unmarshal payment info %s: %w", paymentID, err)
	}
	return info, nil
}

// Compile-time interface check.
var _ domain.PaymentInfoStore = (*PaymentInfoCache)(nil)
