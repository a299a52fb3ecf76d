package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionStatus is the lifecycle state of a UserPosition.
type PositionStatus string

const (
	PositionStatusPending   PositionStatus = "pending"
	PositionStatusExecuting PositionStatus = "executing"
	PositionStatusActive    PositionStatus = "active"
	PositionStatusClosed    PositionStatus = "closed"
)

// UserPosition records the economic outcome of one payment. The column set is
// read by the dashboard and must stay stable.
type UserPosition struct {
	ID                  string          `json:"id"`
	PaymentID           string          `json:"payment_id"`
	WalletAddress       string          `json:"wallet_address"`
	StrategyType        string          `json:"strategy_type"`
	USDCAmount          decimal.Decimal `json:"usdc_amount"`
	Status              PositionStatus  `json:"status"`
	AaveSupplyAmount    decimal.Decimal `json:"aave_supply_amount"`
	AaveSupplyTxHash    string          `json:"aave_supply_tx_hash,omitempty"`
	GmxCollateralAmount decimal.Decimal `json:"gmx_collateral_amount"`
	GmxLeverage         decimal.Decimal `json:"gmx_leverage"`
	GmxPositionSize     decimal.Decimal `json:"gmx_position_size"`
	GmxOrderTxHash      string          `json:"gmx_order_tx_hash,omitempty"`
	Error               string          `json:"error,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}
