package venue

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/sbfxfxai/tiltvault-bridge/internal/chain"
	"github.com/sbfxfxai/tiltvault-bridge/internal/chain/chaintest"
	"github.com/sbfxfxai/tiltvault-bridge/internal/domain"
)

const (
	hubKey      = "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	delegateKey = "0x8f2a55949038a9610f50fb23b5883af3b4ecb3c3bb792cbcefbd1542c692be63"
)

var (
	usdc     = common.HexToAddress("0xB97EF9Ef8734C71904D8002F8b6Bc66Dd9c48a6E")
	pool     = common.HexToAddress("0x794a1aE18D657714751C9b0F82B9538f22f4625A")
	router   = common.HexToAddress("0x2222222222222222222222222222222222222222")
	spender  = common.HexToAddress("0x3333333333333333333333333333333333333333")
	vault    = common.HexToAddress("0x4444444444444444444444444444444444444444")
	btcIndex = "0x152b9d0FdC40C096757F570A51E494bd4b943E50"
	btcMkt   = "0xFb02132333A79C8B5Bd0b64E3AbccA5f7fAf2937"
	user     = "0x1111111111111111111111111111111111111111"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type env struct {
	backend *chaintest.Backend
	sub     *chain.TxSubmitter
	hub     common.Address
}

func newEnv(t *testing.T) env {
	t.Helper()
	backend := chaintest.NewBackend(43114)
	signer := chaintest.NewSigner(hubKey)
	sub := chain.NewTxSubmitter(backend, signer, chain.NewCappedGasPolicy(backend, 50), 43114, quietLogger())
	return env{backend: backend, sub: sub, hub: signer.Address()}
}

func (e env) lending() *LendingAdapter {
	return NewLendingAdapter(e.backend, e.sub, e.hub, LendingConfig{
		Pool:           pool,
		Asset:          usdc,
		MinSupply:      d("1"),
		ConfirmTimeout: 50 * time.Millisecond,
		PollInterval:   5 * time.Millisecond,
	}, quietLogger())
}

func TestLending_ApprovesThenSupplies(t *testing.T) {
	e := newEnv(t)
	e.backend.SetToken(usdc, e.hub, big.NewInt(10_000_000))

	res := e.lending().Execute(context.Background(), Request{PaymentID: "p1", Beneficiary: user, Amount: d("6.25")})
	if !res.Success || !res.Broadcast || res.TxHash == "" {
		t.Fatalf("unexpected result %+v", res)
	}

	sent := e.backend.Sent()
	if len(sent) != 2 {
		t.Fatalf("expected approve + supply, got %d txs", len(sent))
	}
	if *sent[0].To() != usdc || *sent[1].To() != pool {
		t.Errorf("tx order wrong: %s then %s", sent[0].To().Hex(), sent[1].To().Hex())
	}

	args, err := PoolABI.Methods["supply"].Inputs.Unpack(sent[1].Data()[4:])
	if err != nil {
		t.Fatal(err)
	}
	if args[0].(common.Address) != usdc {
		t.Errorf("asset = %v", args[0])
	}
	if args[1].(*big.Int).Int64() != 6_250_000 {
		t.Errorf("amount = %v", args[1])
	}
	if args[2].(common.Address) != common.HexToAddress(user) {
		t.Errorf("onBehalfOf = %v, want user", args[2])
	}
}

func TestLending_SkipsApprovalWhenAllowanceSuffices(t *testing.T) {
	e := newEnv(t)
	e.backend.SetToken(usdc, e.hub, big.NewInt(10_000_000))
	e.backend.SetAllowance(usdc, e.hub, pool, big.NewInt(10_000_000))

	res := e.lending().Execute(context.Background(), Request{PaymentID: "p1", Beneficiary: user, Amount: d("2")})
	if !res.Success {
		t.Fatalf("unexpected result %+v", res)
	}
	if n := len(e.backend.Sent()); n != 1 {
		t.Errorf("expected supply only, got %d txs", n)
	}
}

func TestLending_Rejections(t *testing.T) {
	tests := []struct {
		name        string
		beneficiary func(env) string
		amount      string
		funded      bool
		want        Kind
	}{
		{"below minimum", func(env) string { return user }, "0.99", true, KindBelowMinimum},
		{"beneficiary is hub", func(e env) string { return e.hub.Hex() }, "5", true, KindInvalidBeneficiary},
		{"zero beneficiary", func(env) string { return "0x0000000000000000000000000000000000000000" }, "5", true, KindInvalidBeneficiary},
		{"malformed beneficiary", func(env) string { return "0x1234" }, "5", true, KindInvalidBeneficiary},
		{"unfunded signer", func(env) string { return user }, "5", false, KindInsufficientFunds},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			if tt.funded {
				e.backend.SetToken(usdc, e.hub, big.NewInt(100_000_000))
			}
			res := e.lending().Execute(context.Background(), Request{Beneficiary: tt.beneficiary(e), Amount: d(tt.amount)})
			if res.Success {
				t.Fatal("expected failure")
			}
			if KindOf(res.Err) != tt.want {
				t.Errorf("kind = %s, want %s (%v)", KindOf(res.Err), tt.want, res.Err)
			}
			if n := len(e.backend.Sent()); n != 0 {
				t.Errorf("%d txs sent for rejected request", n)
			}
		})
	}
}

func TestLending_DelegateBeneficiaryIsNeverRecoverable(t *testing.T) {
	e := newEnv(t)
	delegate := chaintest.NewSigner(delegateKey)
	sub := chain.NewTxSubmitter(e.backend, delegate, chain.NewCappedGasPolicy(e.backend, 50), 43114, quietLogger())
	e.backend.SetToken(usdc, delegate.Address(), big.NewInt(100_000_000))

	adapter := NewLendingAdapter(e.backend, sub, e.hub, LendingConfig{
		Pool:           pool,
		Asset:          usdc,
		MinSupply:      d("1"),
		ConfirmTimeout: 50 * time.Millisecond,
		PollInterval:   5 * time.Millisecond,
	}, quietLogger())

	res := adapter.Execute(context.Background(), Request{Beneficiary: delegate.Address().Hex(), Amount: d("5")})
	if res.Success {
		t.Fatal("expected failure")
	}
	if KindOf(res.Err) != KindInvalidBeneficiary {
		t.Errorf("kind = %s, want %s", KindOf(res.Err), KindInvalidBeneficiary)
	}
	if IsRecoverable(res.Err) || IsRetryable(res.Err) {
		t.Error("custodial beneficiary must not be retried or fall back")
	}
	if !errors.Is(res.Err, domain.ErrDataIntegrity) || !errors.Is(res.Err, domain.ErrTerminalExecution) {
		t.Errorf("err = %v, want data integrity and terminal", res.Err)
	}
	if n := len(e.backend.Sent()); n != 0 {
		t.Errorf("%d txs sent for rejected request", n)
	}
}

func TestLending_ConfirmationTimeoutIsRecoverableButNotRetryable(t *testing.T) {
	e := newEnv(t)
	e.backend.SetToken(usdc, e.hub, big.NewInt(10_000_000))
	e.backend.Pending[pool] = true

	res := e.lending().Execute(context.Background(), Request{Beneficiary: user, Amount: d("5")})
	if res.Success {
		t.Fatal("expected failure")
	}
	if KindOf(res.Err) != KindTimeout || !res.Broadcast || res.TxHash == "" {
		t.Errorf("got %+v", res)
	}
	if !IsRecoverable(res.Err) || IsRetryable(res.Err) {
		t.Error("broadcast timeout must be recoverable but not retryable")
	}
	if !errors.Is(res.Err, domain.ErrRecoverableExecution) {
		t.Error("timeout should classify as recoverable execution")
	}
}

func TestLending_RevertAndUnconfirmedAllowance(t *testing.T) {
	e := newEnv(t)
	e.backend.SetToken(usdc, e.hub, big.NewInt(10_000_000))
	e.backend.Revert[pool] = true

	res := e.lending().Execute(context.Background(), Request{Beneficiary: user, Amount: d("5")})
	if KindOf(res.Err) != KindReverted || IsRecoverable(res.Err) {
		t.Errorf("revert: got %v", res.Err)
	}
	if !errors.Is(res.Err, domain.ErrTerminalExecution) {
		t.Error("revert should classify as terminal")
	}

	e = newEnv(t)
	e.backend.SetToken(usdc, e.hub, big.NewInt(10_000_000))
	e.backend.Pending[usdc] = true
	res = e.lending().Execute(context.Background(), Request{Beneficiary: user, Amount: d("5")})
	if KindOf(res.Err) != KindAllowanceNotConfirmed {
		t.Errorf("pending approval: got %v", res.Err)
	}
	if len(e.backend.SentTo(pool)) != 0 {
		t.Error("supply must not be sent before the approval confirms")
	}
}

// marketAPI serves /markets/info and /prices/tickers.
type marketAPI struct {
	srv      *httptest.Server
	requests atomic.Int32
	status   atomic.Int32
}

func newMarketAPI(t *testing.T) *marketAPI {
	t.Helper()
	api := &marketAPI{}
	api.status.Store(http.StatusOK)
	mux := http.NewServeMux()
	mux.HandleFunc("/markets/info", func(w http.ResponseWriter, r *http.Request) {
		api.requests.Add(1)
		if code := int(api.status.Load()); code != http.StatusOK {
			http.Error(w, "unavailable", code)
			return
		}
		_ = json.NewEncoder(w).Encode(apiMarketsInfo{Markets: []apiMarket{
			{Name: "ETH/USD [WETH-USDC]", MarketToken: "0x5555555555555555555555555555555555555555", IsListed: true},
			{Name: "BTC/USD [BTC-BTC]", MarketToken: "0x6666666666666666666666666666666666666666", IndexToken: btcIndex, ShortToken: btcIndex, IsListed: true},
			{Name: "BTC/USD [BTC-USDC]", MarketToken: btcMkt, IndexToken: btcIndex, ShortToken: usdc.Hex(), IsListed: true},
		}})
	})
	mux.HandleFunc("/prices/tickers", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]apiTicker{
			{TokenAddress: btcIndex, TokenSymbol: "BTC", MinPrice: "600000000000000000000000000", MaxPrice: "600100000000000000000000000"},
		})
	})
	api.srv = httptest.NewServer(mux)
	t.Cleanup(api.srv.Close)
	return api
}

// memMarketCache is an in-memory domain.MarketCache.
type memMarketCache struct {
	mu sync.Mutex
	m  map[string]domain.DerivativeMarket
}

func (c *memMarketCache) Set(_ context.Context, m domain.DerivativeMarket) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.m == nil {
		c.m = make(map[string]domain.DerivativeMarket)
	}
	c.m[strings.ToUpper(m.Symbol)] = m
	return nil
}

func (c *memMarketCache) Get(_ context.Context, symbol string) (domain.DerivativeMarket, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.m[strings.ToUpper(symbol)]
	if !ok {
		return domain.DerivativeMarket{}, domain.ErrNotFound
	}
	return m, nil
}

func (c *memMarketCache) Invalidate(_ context.Context, symbol string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, strings.ToUpper(symbol))
	return nil
}

func (e env) derivative(api *marketAPI, symbol string) *DerivativeAdapter {
	markets := NewMarketsClient(api.srv.URL, time.Second, &memMarketCache{}, quietLogger())
	return NewDerivativeAdapter(e.backend, e.sub, e.hub, markets, DerivativeConfig{
		MarketSymbol:       symbol,
		Collateral:         usdc,
		ExchangeRouter:     router,
		RouterSpender:      spender,
		OrderVault:         vault,
		MinCollateral:      d("5"),
		MinPositionSize:    d("10"),
		ExecutionFee:       chain.NativeToWei(0.02),
		AcceptableSlippage: d("0.01"),
		ConfirmTimeout:     50 * time.Millisecond,
		PollInterval:       5 * time.Millisecond,
	}, quietLogger())
}

func TestMarketsClient_ResolvePrefersCollateralAndCaches(t *testing.T) {
	api := newMarketAPI(t)
	client := NewMarketsClient(api.srv.URL+"/", time.Second, &memMarketCache{}, quietLogger())

	for i := 0; i < 3; i++ {
		m, err := client.Resolve(context.Background(), "btc/usd", usdc.Hex())
		if err != nil {
			t.Fatal(err)
		}
		if m.MarketToken != btcMkt || m.Symbol != "BTC/USD" {
			t.Errorf("resolved %+v", m)
		}
	}
	if n := api.requests.Load(); n != 1 {
		t.Errorf("markets API hit %d times, want 1", n)
	}

	_, hi, err := client.IndexPrice(context.Background(), btcIndex)
	if err != nil || hi.String() != "600100000000000000000000000" {
		t.Errorf("IndexPrice = %v, %v", hi, err)
	}
}

func TestDerivative_OpensOrder(t *testing.T) {
	e := newEnv(t)
	e.backend.SetToken(usdc, e.hub, big.NewInt(50_000_000))
	api := newMarketAPI(t)

	res := e.derivative(api, "BTC/USD").Execute(context.Background(), Request{
		PaymentID: "p1", Beneficiary: user, Amount: d("10"), Leverage: d("2.5"),
	})
	if !res.Success {
		t.Fatalf("unexpected result %+v", res)
	}

	orders := e.backend.SentTo(router)
	if len(orders) != 1 {
		t.Fatalf("expected one router tx, got %d", len(orders))
	}
	if len(e.backend.SentTo(usdc)) != 1 {
		t.Error("expected one approval to the router spender")
	}
	order := orders[0]
	if order.Value().Cmp(chain.NativeToWei(0.02)) != 0 {
		t.Errorf("execution fee value = %s", order.Value())
	}

	unpacked, err := ExchangeRouterABI.Methods["multicall"].Inputs.Unpack(order.Data()[4:])
	if err != nil {
		t.Fatal(err)
	}
	calls := unpacked[0].([][]byte)
	var names []string
	for _, c := range calls {
		m, err := ExchangeRouterABI.MethodById(c[:4])
		if err != nil {
			t.Fatal(err)
		}
		names = append(names, m.Name)
	}
	if len(names) != 3 || names[0] != "sendWnt" || names[1] != "sendTokens" || names[2] != "createOrder" {
		t.Errorf("multicall = %v", names)
	}

	sendTokens, err := ExchangeRouterABI.Methods["sendTokens"].Inputs.Unpack(calls[1][4:])
	if err != nil {
		t.Fatal(err)
	}
	if sendTokens[1].(common.Address) != vault || sendTokens[2].(*big.Int).Int64() != 10_000_000 {
		t.Errorf("sendTokens args = %v", sendTokens)
	}
}

func TestDerivative_Minimums(t *testing.T) {
	e := newEnv(t)
	e.backend.SetToken(usdc, e.hub, big.NewInt(50_000_000))
	api := newMarketAPI(t)
	adapter := e.derivative(api, "BTC/USD")

	tests := []struct {
		name     string
		amount   string
		leverage string
	}{
		{"collateral below minimum", "4.99", "5"},
		{"size below minimum", "5", "1.5"},
		{"no leverage", "20", "0"},
	}
	for _, tt := range tests {
		res := adapter.Execute(context.Background(), Request{Beneficiary: user, Amount: d(tt.amount), Leverage: d(tt.leverage)})
		if KindOf(res.Err) != KindBelowMinimum {
			t.Errorf("%s: got %v", tt.name, res.Err)
		}
	}
	if api.requests.Load() != 0 || len(e.backend.Sent()) != 0 {
		t.Error("rejected requests must not reach the API or chain")
	}
}

func TestDerivative_MarketFailures(t *testing.T) {
	e := newEnv(t)
	e.backend.SetToken(usdc, e.hub, big.NewInt(50_000_000))
	api := newMarketAPI(t)

	res := e.derivative(api, "DOGE/USD").Execute(context.Background(), Request{Beneficiary: user, Amount: d("10"), Leverage: d("5")})
	if KindOf(res.Err) != KindMarketNotFound || IsRecoverable(res.Err) {
		t.Errorf("unknown market: got %v", res.Err)
	}

	api.status.Store(http.StatusBadGateway)
	res = e.derivative(api, "BTC/USD").Execute(context.Background(), Request{Beneficiary: user, Amount: d("10"), Leverage: d("5")})
	if KindOf(res.Err) != KindProtocol || !IsRetryable(res.Err) {
		t.Errorf("API outage: got %v", res.Err)
	}
	if len(e.backend.Sent()) != 0 {
		t.Error("no tx expected when the market cannot be resolved")
	}
}

func TestDerivative_OrderTimeout(t *testing.T) {
	e := newEnv(t)
	e.backend.SetToken(usdc, e.hub, big.NewInt(50_000_000))
	e.backend.Pending[router] = true
	api := newMarketAPI(t)

	res := e.derivative(api, "BTC/USD").Execute(context.Background(), Request{Beneficiary: user, Amount: d("10"), Leverage: d("5")})
	if KindOf(res.Err) != KindTimeout || !res.Broadcast {
		t.Fatalf("got %+v", res)
	}
	if !IsRecoverable(res.Err) || IsRetryable(res.Err) {
		t.Error("broadcast order timeout must fall back, never resubmit")
	}
}
