package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/sbfxfxai/tiltvault-bridge/internal/domain"
)

// PositionStore implements domain.PositionStore on the user_positions table.
// NUMERIC columns travel as text so shopspring decimals round-trip exactly.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `id::text, payment_id, wallet_address, strategy_type,
	usdc_amount::text, status, aave_supply_amount::text, aave_supply_tx_hash,
	gmx_collateral_amount::text, gmx_leverage::text, gmx_position_size::text,
	gmx_order_tx_hash, error, created_at, updated_at`

func scanPosition(row pgx.Row) (domain.UserPosition, error) {
	var p domain.UserPosition
	var status string
	var usdc, aave, collateral, leverage, size string

	if err := row.Scan(
		&p.ID, &p.PaymentID, &p.WalletAddress, &p.StrategyType,
		&usdc, &status, &aave, &p.AaveSupplyTxHash,
		&collateral, &leverage, &size,
		&p.GmxOrderTxHash, &p.Error, &p.CreatedAt, &p.UpdatedAt,
	); err != nil {
		return domain.UserPosition{}, err
	}
	p.Status = domain.PositionStatus(status)

	for _, f := range []struct {
		raw string
		dst *decimal.Decimal
	}{
		{usdc, &p.USDCAmount},
		{aave, &p.AaveSupplyAmount},
		{collateral, &p.GmxCollateralAmount},
		{leverage, &p.GmxLeverage},
		{size, &p.GmxPositionSize},
	} {
		d, err := decimal.NewFromString(f.raw)
		if err != nil {
			return domain.UserPosition{}, fmt.Errorf("parse numeric %q: %w", f.raw, err)
		}
		*f.dst = d
	}
	return p, nil
}

// Create inserts a new position. It returns domain.ErrAlreadyExists when a
// row for the same payment already exists.
func (s *PositionStore) Create(ctx context.Context, p domain.UserPosition) error {
	const query = `
		INSERT INTO user_positions (
			id, payment_id, wallet_address, strategy_type, usdc_amount, status,
			aave_supply_amount, aave_supply_tx_hash,
			gmx_collateral_amount, gmx_leverage, gmx_position_size, gmx_order_tx_hash,
			error, created_at, updated_at
		) VALUES (
			$1::uuid, $2, $3, $4, $5::text::numeric, $6,
			$7::text::numeric, $8,
			$9::text::numeric, $10::text::numeric, $11::text::numeric, $12,
			$13, NOW(), NOW()
		)
		ON CONFLICT (payment_id) DO NOTHING`

	tag, err := s.pool.Exec(ctx, query,
		p.ID, p.PaymentID, strings.ToLower(p.WalletAddress), p.StrategyType,
		p.USDCAmount.String(), string(p.Status),
		p.AaveSupplyAmount.String(), p.AaveSupplyTxHash,
		p.GmxCollateralAmount.String(), p.GmxLeverage.String(), p.GmxPositionSize.String(), p.GmxOrderTxHash,
		p.Error,
	)
	if err != nil {
		return fmt.Errorf("postgres: create position %s: %w", p.PaymentID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: create position %s: %w", p.PaymentID, domain.ErrAlreadyExists)
	}
	return nil
}

// Update overwrites the mutable columns of an existing position.
func (s *PositionStore) Update(ctx context.Context, p domain.UserPosition) error {
	const query = `
		UPDATE user_positions SET
			strategy_type = $2,
			usdc_amount = $3::text::numeric,
			status = $4,
			aave_supply_amount = $5::text::numeric,
			aave_supply_tx_hash = $6,
			gmx_collateral_amount = $7::text::numeric,
			gmx_leverage = $8::text::numeric,
			gmx_position_size = $9::text::numeric,
			gmx_order_tx_hash = $10,
			error = $11,
			updated_at = NOW()
		WHERE id = $1::uuid`

	tag, err := s.pool.Exec(ctx, query,
		p.ID, p.StrategyType, p.USDCAmount.String(), string(p.Status),
		p.AaveSupplyAmount.String(), p.AaveSupplyTxHash,
		p.GmxCollateralAmount.String(), p.GmxLeverage.String(), p.GmxPositionSize.String(),
		p.GmxOrderTxHash, p.Error,
	)
	if err != nil {
		return fmt.Errorf("postgres: update position %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: update position %s: %w", p.ID, domain.ErrNotFound)
	}
	return nil
}

// GetByPaymentID returns the position created for paymentID.
func (s *PositionStore) GetByPaymentID(ctx context.Context, paymentID string) (domain.UserPosition, error) {
	query := `SELECT ` + positionSelectCols + ` FROM user_positions WHERE payment_id = $1`

	p, err := scanPosition(s.pool.QueryRow(ctx, query, paymentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.UserPosition{}, domain.ErrNotFound
		}
		return domain.UserPosition{}, fmt.Errorf("postgres: get position %s: %w", paymentID, err)
	}
	return p, nil
}

// ListByWallet returns the wallet's positions, newest first.
func (s *PositionStore) ListByWallet(ctx context.Context, wallet string, opts domain.ListOpts) ([]domain.UserPosition, error) {
	query := `SELECT ` + positionSelectCols + `
		FROM user_positions
		WHERE LOWER(wallet_address) = LOWER($1)
		ORDER BY created_at DESC`
	args := []any{wallet}
	argIdx := 2

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions for %s: %w", wallet, err)
	}
	defer rows.Close()

	var positions []domain.UserPosition
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		positions = append(positions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list positions rows: %w", err)
	}
	return positions, nil
}

// Compile-time interface check.
var _ domain.PositionStore = (*PositionStore)(nil)
