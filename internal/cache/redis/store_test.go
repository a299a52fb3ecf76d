package redis

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/sbfxfxai/tiltvault-bridge/internal/domain"
)

// newTestClient starts an in-process Redis that is torn down with t.
func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c := NewUnchecked(ClientConfig{Addr: mr.Addr(), PoolSize: 2})
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestLockExcludesSecondHolder(t *testing.T) {
	c, mr := newTestClient(t)
	lm := NewLockManager(c, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()

	unlock, err := lm.Acquire(ctx, "payment:pay-1", 5*time.Minute)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if got := mr.TTL(LockKey("payment:pay-1")); got != 5*time.Minute {
		t.Errorf("lock ttl = %v, want 5m", got)
	}

	if _, err := lm.Acquire(ctx, "payment:pay-1", 5*time.Minute); !errors.Is(err, domain.ErrLockHeld) {
		t.Fatalf("second Acquire: got %v, want ErrLockHeld", err)
	}
	if _, err := lm.Acquire(ctx, "payment:pay-2", time.Minute); err != nil {
		t.Errorf("other payment blocked: %v", err)
	}

	unlock()
	unlock()
	if mr.Exists(LockKey("payment:pay-1")) {
		t.Fatal("lock key still present after unlock")
	}
	if _, err := lm.Acquire(ctx, "payment:pay-1", time.Minute); err != nil {
		t.Errorf("Acquire after release: %v", err)
	}
}

func TestStaleUnlockKeepsNewHoldersLock(t *testing.T) {
	c, mr := newTestClient(t)
	lm := NewLockManager(c, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()

	staleUnlock, err := lm.Acquire(ctx, "payment:pay-1", time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	mr.FastForward(2 * time.Second)

	unlock, err := lm.Acquire(ctx, "payment:pay-1", time.Minute)
	if err != nil {
		t.Fatalf("Acquire after expiry: %v", err)
	}
	holder, err := mr.Get(LockKey("payment:pay-1"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	staleUnlock()
	got, err := mr.Get(LockKey("payment:pay-1"))
	if err != nil || got != holder {
		t.Fatalf("current holder's lock removed by stale unlock: %q, %v", got, err)
	}

	unlock()
	if mr.Exists(LockKey("payment:pay-1")) {
		t.Error("lock key still present after the holder released it")
	}
}

func TestProcessedRecordRoundTrip(t *testing.T) {
	c, mr := newTestClient(t)
	store := NewIdempotencyStore(c, 24*time.Hour, 7*24*time.Hour)
	ctx := context.Background()

	if st := store.IsProcessed(ctx, "pay-1"); st.Processed || st.Err != nil {
		t.Fatalf("fresh payment: %+v", st)
	}

	if err := store.MarkProcessed(ctx, "pay-1", domain.OutcomePending); err != nil {
		t.Fatalf("MarkProcessed: %v", err)
	}
	st := store.IsProcessed(ctx, "pay-1")
	if !st.Processed || st.Terminal || st.Outcome != domain.OutcomePending {
		t.Fatalf("pending record: %+v", st)
	}

	if err := store.MarkProcessed(ctx, "pay-1", "0xabc"); err != nil {
		t.Fatalf("MarkProcessed: %v", err)
	}
	st = store.IsProcessed(ctx, "pay-1")
	if !st.Processed || !st.Terminal || st.Outcome != "0xabc" || st.Err != nil {
		t.Fatalf("terminal record: %+v", st)
	}
	if got := mr.TTL(processedKey("pay-1")); got != 24*time.Hour {
		t.Errorf("processed ttl = %v, want 24h", got)
	}

	mr.FastForward(25 * time.Hour)
	if st := store.IsProcessed(ctx, "pay-1"); st.Processed {
		t.Errorf("record outlived its ttl: %+v", st)
	}
}

func TestLegacyBareOutcomeIsTerminal(t *testing.T) {
	c, mr := newTestClient(t)
	store := NewIdempotencyStore(c, time.Hour, time.Hour)
	if err := mr.Set(processedKey("pay-1"), "0xdef"); err != nil {
		t.Fatal(err)
	}

	st := store.IsProcessed(context.Background(), "pay-1")
	if !st.Processed || !st.Terminal || st.Outcome != "0xdef" {
		t.Fatalf("bare outcome: %+v", st)
	}
}

func TestGasAndStepMarkers(t *testing.T) {
	c, mr := newTestClient(t)
	store := NewIdempotencyStore(c, 24*time.Hour, 7*24*time.Hour)
	ctx := context.Background()

	funded, err := store.HasGasFunding(ctx, "pay-1")
	if err != nil || funded {
		t.Fatalf("HasGasFunding before top-up = %v, %v", funded, err)
	}
	if err := store.MarkGasFunded(ctx, "pay-1", "0xgas"); err != nil {
		t.Fatalf("MarkGasFunded: %v", err)
	}
	if funded, err = store.HasGasFunding(ctx, "pay-1"); err != nil || !funded {
		t.Fatalf("HasGasFunding after top-up = %v, %v", funded, err)
	}
	if got := mr.TTL(gasFundedKey("pay-1")); got != 7*24*time.Hour {
		t.Errorf("gas marker ttl = %v, want 168h", got)
	}

	if hash, err := store.StepOutcome(ctx, "pay-1", "lending"); err != nil || hash != "" {
		t.Fatalf("StepOutcome before completion = %q, %v", hash, err)
	}
	if err := store.MarkStepCompleted(ctx, "pay-1", "lending", "0xsupply"); err != nil {
		t.Fatalf("MarkStepCompleted: %v", err)
	}
	if hash, err := store.StepOutcome(ctx, "pay-1", "lending"); err != nil || hash != "0xsupply" {
		t.Fatalf("StepOutcome = %q, %v", hash, err)
	}
	if hash, _ := store.StepOutcome(ctx, "pay-1", "derivative"); hash != "" {
		t.Errorf("unrelated step reported complete: %q", hash)
	}
}
