package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/sbfxfxai/tiltvault-bridge/internal/crypto"
	"github.com/sbfxfxai/tiltvault-bridge/internal/custody"
	"github.com/sbfxfxai/tiltvault-bridge/internal/domain"
	"github.com/sbfxfxai/tiltvault-bridge/internal/retry"
	"github.com/sbfxfxai/tiltvault-bridge/internal/strategy"
	"github.com/sbfxfxai/tiltvault-bridge/internal/venue"
)

const (
	userWallet = "0x1111111111111111111111111111111111111111"
	hubWallet  = "0x2c7536E3605D9C16a7a3D7b1898e529396a65c23"
	// delegateWallet signs venue transactions in some deployments.
	delegateWallet = "0xFE3B557E8Fb62b89F4916B721be55cEb828dBd73"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// --- idempotency ---

type memIdempotency struct {
	mu        sync.Mutex
	processed map[string]string
	gas       map[string]string
	steps     map[string]string
	readErr   error
	// writeErr fails every marker write while reads keep working.
	writeErr error
}

func newMemIdempotency() *memIdempotency {
	return &memIdempotency{
		processed: make(map[string]string),
		gas:       make(map[string]string),
		steps:     make(map[string]string),
	}
}

func (m *memIdempotency) IsProcessed(_ context.Context, id string) domain.ProcessedStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readErr != nil {
		return domain.ProcessedStatus{Processed: true, Err: m.readErr}
	}
	o, ok := m.processed[id]
	if !ok {
		return domain.ProcessedStatus{}
	}
	return domain.ProcessedStatus{Processed: true, Terminal: domain.IsTerminalOutcome(o), Outcome: o}
}

func (m *memIdempotency) MarkProcessed(_ context.Context, id, outcome string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	m.processed[id] = outcome
	return nil
}

func (m *memIdempotency) HasGasFunding(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.gas[id]
	return ok, nil
}

func (m *memIdempotency) MarkGasFunded(_ context.Context, id, txHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	m.gas[id] = txHash
	return nil
}

func (m *memIdempotency) StepOutcome(_ context.Context, id, step string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.steps[id+":"+step], nil
}

func (m *memIdempotency) MarkStepCompleted(_ context.Context, id, step, txHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	m.steps[id+":"+step] = txHash
	return nil
}

func (m *memIdempotency) outcome(id string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.processed[id]
}

// --- locks ---

type memLocks struct {
	mu       sync.Mutex
	held     map[string]bool
	acquired int
	released int
	err      error
}

func newMemLocks() *memLocks { return &memLocks{held: make(map[string]bool)} }

func (l *memLocks) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	if l.held[key] {
		return nil, domain.ErrLockHeld
	}
	l.held[key] = true
	l.acquired++

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			delete(l.held, key)
			l.released++
		})
	}, nil
}

func (l *memLocks) heldCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.held)
}

// --- payment info ---

type memPaymentInfo struct {
	mu    sync.Mutex
	infos map[string]domain.PaymentInfo
	err   error
}

func (m *memPaymentInfo) Put(_ context.Context, info domain.PaymentInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.infos[info.PaymentID] = info
	return nil
}

func (m *memPaymentInfo) Get(_ context.Context, id string) (domain.PaymentInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return domain.PaymentInfo{}, m.err
	}
	info, ok := m.infos[id]
	if !ok {
		return domain.PaymentInfo{}, domain.ErrNotFound
	}
	return info, nil
}

// --- positions ---

type memPositions struct {
	mu        sync.Mutex
	byPayment map[string]domain.UserPosition
	createErr error
}

func (m *memPositions) Create(_ context.Context, p domain.UserPosition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	if _, ok := m.byPayment[p.PaymentID]; ok {
		return domain.ErrAlreadyExists
	}
	m.byPayment[p.PaymentID] = p
	return nil
}

func (m *memPositions) Update(_ context.Context, p domain.UserPosition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byPayment[p.PaymentID]; !ok {
		return domain.ErrNotFound
	}
	m.byPayment[p.PaymentID] = p
	return nil
}

func (m *memPositions) GetByPaymentID(_ context.Context, id string) (domain.UserPosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byPayment[id]
	if !ok {
		return domain.UserPosition{}, domain.ErrNotFound
	}
	return p, nil
}

func (m *memPositions) ListByWallet(context.Context, string, domain.ListOpts) ([]domain.UserPosition, error) {
	return nil, nil
}

// --- custody ---

type transfer struct {
	to      string
	amount  decimal.Decimal
	wei     *big.Int
	purpose string
}

type fakeCustody struct {
	mu        sync.Mutex
	hub       common.Address
	reserved  []common.Address
	stable    []transfer
	gas       []transfer
	stableErr error
	sequence  int
}

func (c *fakeCustody) HubAddress() common.Address { return c.hub }

func (c *fakeCustody) IsCustodial(addr common.Address) bool {
	if addr == c.hub {
		return true
	}
	for _, a := range c.reserved {
		if a == addr {
			return true
		}
	}
	return false
}

func (c *fakeCustody) TransferStableAsset(_ context.Context, to string, amount decimal.Decimal, purpose string) custody.TransferResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stableErr != nil {
		return custody.TransferResult{Err: c.stableErr}
	}
	if c.IsCustodial(common.HexToAddress(to)) {
		return custody.TransferResult{Err: custody.ErrSelfTransferRejected}
	}
	c.sequence++
	c.stable = append(c.stable, transfer{to: to, amount: amount, purpose: purpose})
	return custody.TransferResult{Success: true, TxHash: fmt.Sprintf("0xusdc%d", c.sequence)}
}

func (c *fakeCustody) TransferGasToken(_ context.Context, to string, wei *big.Int, purpose string) custody.TransferResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sequence++
	c.gas = append(c.gas, transfer{to: to, wei: wei, purpose: purpose})
	return custody.TransferResult{Success: true, TxHash: fmt.Sprintf("0xgas%d", c.sequence)}
}

func (c *fakeCustody) stableTransfers() []transfer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]transfer(nil), c.stable...)
}

func (c *fakeCustody) gasTransfers() []transfer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]transfer(nil), c.gas...)
}

// --- venues ---

type fakeAdapter struct {
	name    string
	mu      sync.Mutex
	calls   []venue.Request
	results []venue.Result
	started chan struct{}
	release chan struct{}
	panics  bool
}

func (a *fakeAdapter) Name() string { return a.name }

func (a *fakeAdapter) Execute(_ context.Context, req venue.Request) venue.Result {
	a.mu.Lock()
	a.calls = append(a.calls, req)
	n := len(a.calls)
	a.mu.Unlock()

	if a.started != nil {
		a.started <- struct{}{}
	}
	if a.release != nil {
		<-a.release
	}
	if a.panics {
		panic("venue exploded")
	}
	if len(a.results) == 0 {
		return venue.Result{Success: true, Broadcast: true, TxHash: fmt.Sprintf("0x%s%d", a.name, n)}
	}
	idx := n - 1
	if idx >= len(a.results) {
		idx = len(a.results) - 1
	}
	return a.results[idx]
}

func (a *fakeAdapter) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

func venueFailure(kind venue.Kind, broadcast bool) venue.Result {
	err := &venue.Error{Kind: kind, Broadcast: broadcast, Err: fmt.Errorf("simulated %s", kind)}
	if broadcast {
		err.TxHash = "0xunconfirmed"
	}
	return venue.Result{Broadcast: broadcast, TxHash: err.TxHash, Err: err}
}

// --- notifier, audit, bus, archive ---

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *recordingNotifier) Notify(_ context.Context, event, _, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

func (n *recordingNotifier) has(event string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, e := range n.events {
		if e == event {
			return true
		}
	}
	return false
}

type memAudit struct {
	mu     sync.Mutex
	events []string
}

func (a *memAudit) Log(_ context.Context, event string, _ map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}

func (a *memAudit) ListByPayment(context.Context, string, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

type memBus struct {
	mu       sync.Mutex
	messages [][]byte
}

func (b *memBus) Publish(_ context.Context, _ string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = append(b.messages, payload)
	return nil
}

func (b *memBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return make(chan []byte), nil
}

type memArchive struct {
	mu       sync.Mutex
	receipts []domain.WebhookReceipt
}

func (a *memArchive) Archive(_ context.Context, r domain.WebhookReceipt) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.receipts = append(a.receipts, r)
	return nil
}

// --- harness ---

type harness struct {
	proc       *Processor
	verifier   *crypto.WebhookVerifier
	idem       *memIdempotency
	locks      *memLocks
	infos      *memPaymentInfo
	positions  *memPositions
	custody    *fakeCustody
	lending    *fakeAdapter
	derivative *fakeAdapter
	notifier   *recordingNotifier
	audit      *memAudit
	bus        *memBus
	archive    *memArchive
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		verifier:   crypto.NewWebhookVerifier("test-signature-key", ""),
		idem:       newMemIdempotency(),
		locks:      newMemLocks(),
		infos:      &memPaymentInfo{infos: make(map[string]domain.PaymentInfo)},
		positions:  &memPositions{byPayment: make(map[string]domain.UserPosition)},
		custody:    &fakeCustody{hub: common.HexToAddress(hubWallet), reserved: []common.Address{common.HexToAddress(delegateWallet)}},
		lending:    &fakeAdapter{name: "lending"},
		derivative: &fakeAdapter{name: "derivative"},
		notifier:   &recordingNotifier{},
		audit:      &memAudit{},
		bus:        &memBus{},
		archive:    &memArchive{},
	}
	h.build(h.derivative)
	return h
}

// build (re)creates the processor. A nil derivative disables that venue.
func (h *harness) build(derivative *fakeAdapter) {
	deps := Deps{
		Verifier:    h.verifier,
		Idempotency: h.idem,
		Locks:       h.locks,
		PaymentInfo: h.infos,
		Positions:   h.positions,
		Audit:       h.audit,
		Custody:     h.custody,
		Lending:     h.lending,
		Notifier:    h.notifier,
		Archiver:    h.archive,
		Bus:         h.bus,
	}
	if derivative != nil {
		deps.Derivative = derivative
	}
	cfg := Config{
		LockTTL:         time.Minute,
		ExecutionBudget: 5 * time.Second,
		GasTopUpWei:     big.NewInt(5_000_000_000_000_000),
		Fees:            strategy.NewFeeSchedule(5, 0, 0.10),
		Retry: retry.Policy{
			MaxAttempts:    2,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     time.Millisecond,
		},
	}
	h.proc = NewProcessor(deps, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func (h *harness) register(id, risk, amount string) {
	h.infos.infos[id] = domain.PaymentInfo{
		PaymentID:     id,
		WalletAddress: userWallet,
		RiskProfile:   risk,
		Amount:        d(amount),
	}
}

func (h *harness) deliver(body []byte) Result {
	return h.proc.HandleWebhook(context.Background(), body, h.verifier.Sign(body))
}

// fundMoves counts every action that moved user funds: venue calls and USDC
// transfers.
func (h *harness) fundMoves() int {
	return h.lending.callCount() + h.derivative.callCount() + len(h.custody.stableTransfers())
}

func webhookBody(t *testing.T, eventType, paymentID, status string, cents int64, note string) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"type":     eventType,
		"event_id": "evt-" + paymentID,
		"data": map[string]any{
			"type": "payment",
			"id":   paymentID,
			"object": map[string]any{
				"payment": map[string]any{
					"id":     paymentID,
					"status": status,
					"note":   note,
					"amount_money": map[string]any{
						"amount":   cents,
						"currency": "USD",
					},
				},
			},
		},
	})
	if err != nil {
		t.Fatalf("marshal webhook: %v", err)
	}
	return body
}

func completedPayment(t *testing.T, paymentID string, cents int64) []byte {
	t.Helper()
	return webhookBody(t, EventPaymentUpdated, paymentID, domain.PaymentStatusCompleted, cents, "")
}
