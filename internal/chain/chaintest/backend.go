// Package chaintest provides an in-memory chain.Backend for tests. It tracks
// native and ERC-20 balances and allowances, applies transfer and approve
// calls, and mines every transaction instantly unless told otherwise.
package chaintest

import (
	"context"
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/sbfxfxai/tiltvault-bridge/internal/chain"
	"github.com/sbfxfxai/tiltvault-bridge/internal/crypto"
)

type allowanceKey struct {
	token, owner, spender common.Address
}

// Backend is a fake chain.Backend.
type Backend struct {
	mu sync.Mutex

	ChainIDValue *big.Int
	GasPrice     *big.Int
	GasEstimate  uint64

	// Pending lists destinations whose transactions never get a receipt.
	Pending map[common.Address]bool
	// Revert lists destinations whose transactions are mined with status 0.
	Revert map[common.Address]bool

	EstimateErr error
	SendErr     error
	CallErr     error
	BalanceErr  error

	native     map[common.Address]*big.Int
	tokens     map[common.Address]map[common.Address]*big.Int
	allowances map[allowanceKey]*big.Int
	nonces     map[common.Address]uint64
	receipts   map[common.Hash]*types.Receipt
	sent       []*types.Transaction
}

// NewBackend returns a Backend for chainID with a 25 gwei gas price.
func NewBackend(chainID int64) *Backend {
	return &Backend{
		ChainIDValue: big.NewInt(chainID),
		GasPrice:     big.NewInt(25_000_000_000),
		GasEstimate:  60_000,
		Pending:      make(map[common.Address]bool),
		Revert:       make(map[common.Address]bool),
		native:       make(map[common.Address]*big.Int),
		tokens:       make(map[common.Address]map[common.Address]*big.Int),
		allowances:   make(map[allowanceKey]*big.Int),
		nonces:       make(map[common.Address]uint64),
		receipts:     make(map[common.Hash]*types.Receipt),
	}
}

// NewSigner parses a hex private key for use with chain.NewTxSubmitter.
func NewSigner(hexKey string) *crypto.Signer {
	pk, err := crypto.ParseHexKey(hexKey)
	if err != nil {
		panic(err)
	}
	return crypto.NewSigner(pk)
}

// SetNative sets an account's native balance in wei.
func (b *Backend) SetNative(account common.Address, wei *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.native[account] = new(big.Int).Set(wei)
}

// Native returns an account's native balance in wei.
func (b *Backend) Native(account common.Address) *big.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nativeLocked(account)
}

// SetToken sets owner's balance of token in base units.
func (b *Backend) SetToken(token, owner common.Address, units *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tokenBalances(token)[owner] = new(big.Int).Set(units)
}

// Token returns owner's balance of token in base units.
func (b *Backend) Token(token, owner common.Address) *big.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tokenLocked(token, owner)
}

// SetAllowance sets the allowance owner granted spender.
func (b *Backend) SetAllowance(token, owner, spender common.Address, units *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allowances[allowanceKey{token, owner, spender}] = new(big.Int).Set(units)
}

// Sent returns every transaction accepted by SendTransaction.
func (b *Backend) Sent() []*types.Transaction {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*types.Transaction, len(b.sent))
	copy(out, b.sent)
	return out
}

// SentTo returns the accepted transactions addressed to the given account.
func (b *Backend) SentTo(to common.Address) []*types.Transaction {
	var out []*types.Transaction
	for _, tx := range b.Sent() {
		if tx.To() != nil && *tx.To() == to {
			out = append(out, tx)
		}
	}
	return out
}

// ChainID implements chain.Backend.
func (b *Backend) ChainID(context.Context) (*big.Int, error) {
	return new(big.Int).Set(b.ChainIDValue), nil
}

// BalanceAt implements chain.Backend.
func (b *Backend) BalanceAt(_ context.Context, account common.Address, _ *big.Int) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.BalanceErr != nil {
		return nil, b.BalanceErr
	}
	return b.nativeLocked(account), nil
}

// PendingNonceAt implements chain.Backend.
func (b *Backend) PendingNonceAt(_ context.Context, account common.Address) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nonces[account], nil
}

// SuggestGasPrice implements chain.Backend.
func (b *Backend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return new(big.Int).Set(b.GasPrice), nil
}

// EstimateGas implements chain.Backend.
func (b *Backend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	if b.EstimateErr != nil {
		return 0, b.EstimateErr
	}
	return b.GasEstimate, nil
}

// CallContract implements chain.Backend for ERC-20 balanceOf and allowance.
func (b *Backend) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.CallErr != nil {
		return nil, b.CallErr
	}
	if msg.To == nil || len(msg.Data) < 4 {
		return nil, errors.New("chaintest: malformed call")
	}
	method, err := chain.ERC20ABI.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}
	args, err := method.Inputs.Unpack(msg.Data[4:])
	if err != nil {
		return nil, err
	}

	token := *msg.To
	switch method.Name {
	case "balanceOf":
		return method.Outputs.Pack(b.tokenLocked(token, args[0].(common.Address)))
	case "allowance":
		key := allowanceKey{token, args[0].(common.Address), args[1].(common.Address)}
		v := b.allowances[key]
		if v == nil {
			v = new(big.Int)
		}
		return method.Outputs.Pack(v)
	default:
		return nil, errors.New("chaintest: unsupported call " + method.Name)
	}
}

// SendTransaction implements chain.Backend. Mined transactions apply their
// native value and any ERC-20 transfer or approve they carry.
func (b *Backend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.SendErr != nil {
		return b.SendErr
	}

	from, err := types.Sender(types.NewEIP155Signer(b.ChainIDValue), tx)
	if err != nil {
		return err
	}
	b.nonces[from] = tx.Nonce() + 1
	b.sent = append(b.sent, tx)

	to := *tx.To()
	if b.Pending[to] {
		return nil
	}

	status := types.ReceiptStatusSuccessful
	if b.Revert[to] {
		status = types.ReceiptStatusFailed
	} else {
		b.apply(from, tx)
	}
	b.receipts[tx.Hash()] = &types.Receipt{
		Status:      status,
		TxHash:      tx.Hash(),
		GasUsed:     tx.Gas(),
		BlockNumber: big.NewInt(int64(len(b.sent))),
	}
	return nil
}

// TransactionReceipt implements chain.Backend.
func (b *Backend) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (b *Backend) apply(from common.Address, tx *types.Transaction) {
	to := *tx.To()
	if v := tx.Value(); v != nil && v.Sign() > 0 {
		b.native[from] = new(big.Int).Sub(b.nativeLocked(from), v)
		b.native[to] = new(big.Int).Add(b.nativeLocked(to), v)
	}

	data := tx.Data()
	if len(data) < 4 {
		return
	}
	method, err := chain.ERC20ABI.MethodById(data[:4])
	if err != nil {
		return
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return
	}
	switch method.Name {
	case "transfer":
		recipient, amount := args[0].(common.Address), args[1].(*big.Int)
		balances := b.tokenBalances(to)
		balances[from] = new(big.Int).Sub(b.tokenLocked(to, from), amount)
		balances[recipient] = new(big.Int).Add(b.tokenLocked(to, recipient), amount)
	case "approve":
		spender, amount := args[0].(common.Address), args[1].(*big.Int)
		b.allowances[allowanceKey{to, from, spender}] = new(big.Int).Set(amount)
	}
}

func (b *Backend) nativeLocked(account common.Address) *big.Int {
	if v, ok := b.native[account]; ok {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}

func (b *Backend) tokenBalances(token common.Address) map[common.Address]*big.Int {
	m, ok := b.tokens[token]
	if !ok {
		m = make(map[common.Address]*big.Int)
		b.tokens[token] = m
	}
	return m
}

func (b *Backend) tokenLocked(token, owner common.Address) *big.Int {
	if v, ok := b.tokens[token][owner]; ok {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}

// Compile-time interface check.
var _ chain.Backend = (*Backend)(nil)
