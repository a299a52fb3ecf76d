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

// IdempotencyStore implements domain.IdempotencyStore.
//
// Key schema:
//
//	processed:{paymentID}  - JSON ProcessedRecord, processedTTL
//	gas_funded:{paymentID} - gas top-up tx hash, gasMarkerTTL
//	step_done:{paymentID}:{step} - tx hash of a completed execution step, gasMarkerTTL
type IdempotencyStore struct {
	rdb          *redis.Client
	processedTTL time.Duration
	gasMarkerTTL time.Duration
	now          func() time.Time
}

// NewIdempotencyStore creates an IdempotencyStore backed by the given Client.
func NewIdempotencyStore(c *Client, processedTTL, gasMarkerTTL time.Duration) *IdempotencyStore {
	return &IdempotencyStore{
		rdb:          c.Underlying(),
		processedTTL: processedTTL,
		gasMarkerTTL: gasMarkerTTL,
		now:          time.Now,
	}
}

func processedKey(id string) string  { return "processed:" + id }
func gasFundedKey(id string) string  { return "gas_funded:" + id }
func stepKey(id, step string) string { return "step_done:" + id + ":" + step }

// IsProcessed reports whether a ProcessedRecord exists for paymentID. It fails
// closed: when Redis cannot answer, the payment is reported as processed and
// terminal with Err set, so no caller moves funds on an unknown state.
func (s *IdempotencyStore) IsProcessed(ctx context.Context, paymentID string) domain.ProcessedStatus {
	raw, err := s.rdb.Get(ctx, processedKey(paymentID)).Result()
	if errors.Is(err, redis.Nil) {
		return domain.ProcessedStatus{}
	}
	if err != nil {
		return domain.ProcessedStatus{
			Processed: true,
			Terminal:  true,
			Err:       fmt.Errorf("redis: is processed %s: %w: %w", paymentID, domain.ErrInfrastructure, err),
		}
	}

	rec, ok := decodeRecord(raw)
	if !ok {
		// A value we cannot read is treated as a real outcome rather than a
		// license to retry.
		rec = domain.ProcessedRecord{Outcome: raw}
	}

	return domain.ProcessedStatus{
		Processed: true,
		Terminal:  rec.Terminal(),
		Outcome:   rec.Outcome,
	}
}

// decodeRecord parses the JSON form. Bare strings written by older releases
// are accepted as the outcome itself.
func decodeRecord(raw string) (domain.ProcessedRecord, bool) {
	var rec domain.ProcessedRecord
	if err := json.Unmarshal([]byte(raw), &rec); err == nil && rec.Outcome != "" {
		return rec, true
	}
	if raw != "" && raw[0] != '{' {
		return domain.ProcessedRecord{Outcome: raw}, true
	}
	return domain.ProcessedRecord{}, false
}

// MarkProcessed writes the ProcessedRecord for paymentID with the configured
// TTL. outcome is a transaction hash (terminal) or one of the retryable
// sentinels.
func (s *IdempotencyStore) MarkProcessed(ctx context.Context, paymentID, outcome string) error {
	data, err := json.Marshal(domain.ProcessedRecord{
		Outcome:     outcome,
		ProcessedAt: s.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("redis: marshal processed record %s: %w", paymentID, err)
	}
	if err := s.rdb.Set(ctx, processedKey(paymentID), data, s.processedTTL).Err(); err != nil {
		return fmt.Errorf("redis: mark processed %s: %w: %w", paymentID, domain.ErrInfrastructure, err)
	}
	return nil
}

// HasGasFunding reports whether the gas top-up was already sent for paymentID.
func (s *IdempotencyStore) HasGasFunding(ctx context.Context, paymentID string) (bool, error) {
	n, err := s.rdb.Exists(ctx, gasFundedKey(paymentID)).Result()
	if err != nil {
		return false, fmt.Errorf("redis: has gas funding %s: %w: %w", paymentID, domain.ErrInfrastructure, err)
	}
	return n > 0, nil
}

// MarkGasFunded records the gas top-up transaction for paymentID.
func (s *IdempotencyStore) MarkGasFunded(ctx context.Context, paymentID, txHash string) error {
	if err := s.rdb.Set(ctx, gasFundedKey(paymentID), txHash, s.gasMarkerTTL).Err(); err != nil {
		return fmt.Errorf("redis: mark gas funded %s: %w: %w", paymentID, domain.ErrInfrastructure, err)
	}
	return nil
}

// StepOutcome returns the tx hash recorded for a completed step of
// paymentID, or "" when the step has not completed.
func (s *IdempotencyStore) StepOutcome(ctx context.Context, paymentID, step string) (string, error) {
	v, err := s.rdb.Get(ctx, stepKey(paymentID, step)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("redis: step outcome %s/%s: %w: %w", paymentID, step, domain.ErrInfrastructure, err)
	}
	return v, nil
}

// MarkStepCompleted records that step of paymentID moved funds in txHash.
func (s *IdempotencyStore) MarkStepCompleted(ctx context.Context, paymentID, step, txHash string) error {
	if err := s.rdb.Set(ctx, stepKey(paymentID, step), txHash, s.gasMarkerTTL).Err(); err != nil {
		return fmt.Errorf("redis: mark step %s/%s: %w: %w", paymentID, step, domain.ErrInfrastructure, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.IdempotencyStore = (*IdempotencyStore)(nil)
