package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"index-fund-engine/internal/domain"
	"index-fund-engine/internal/token"
)

// tokenLedger implements token.Ledger over token_mints and token_balances
// inside the enclosing transaction.
type tokenLedger struct {
	tx pgx.Tx
}

var _ token.Ledger = (*tokenLedger)(nil)

func (l *tokenLedger) mint(ctx context.Context, mint string) (*token.Mint, error) {
	var m token.Mint
	var decimals int16
	var supply string
	err := l.tx.QueryRow(ctx, `
		SELECT address, authority, decimals, supply::text
		FROM token_mints
		WHERE address = $1
		FOR UPDATE
	`, mint).Scan(&m.Address, &m.Authority, &decimals, &supply)
	if err != nil {
		if isNotFoundError(err) {
			return nil, fmt.Errorf("mint %s: %w", mint, domain.ErrInvalidMint)
		}
		return nil, fmt.Errorf("get mint: %w", err)
	}
	m.Decimals = uint8(decimals)
	if m.Supply, err = parseU64(supply); err != nil {
		return nil, err
	}
	return &m, nil
}

func (l *tokenLedger) balance(ctx context.Context, mint, owner string) (uint64, error) {
	var amount string
	err := l.tx.QueryRow(ctx, `
		SELECT amount::text
		FROM token_balances
		WHERE mint = $1 AND owner = $2
		FOR UPDATE
	`, mint, owner).Scan(&amount)
	if err != nil {
		if isNotFoundError(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return parseU64(amount)
}

func (l *tokenLedger) setBalance(ctx context.Context, mint, owner string, amount uint64) error {
	_, err := l.tx.Exec(ctx, `
		INSERT INTO token_balances (mint, owner, amount)
		VALUES ($1, $2, $3::numeric)
		ON CONFLICT (mint, owner) DO UPDATE SET amount = EXCLUDED.amount
	`, mint, owner, u64Param(amount))
	if err != nil {
		return fmt.Errorf("set balance: %w", err)
	}
	return nil
}

// TransferChecked moves amount of mint between owners.
func (l *tokenLedger) TransferChecked(ctx context.Context, mint, from, to string, amount uint64, decimals uint8) error {
	m, err := l.mint(ctx, mint)
	if err != nil {
		return err
	}
	if m.Decimals != decimals {
		return fmt.Errorf("transfer %s: decimals %d, mint has %d: %w", mint, decimals, m.Decimals, domain.ErrDecimalsMismatch)
	}

	fromBalance, err := l.balance(ctx, mint, from)
	if err != nil {
		return err
	}
	if fromBalance < amount {
		return fmt.Errorf("transfer %d of %s from %s: %w", amount, mint, from, domain.ErrInsufficientFunds)
	}
	if from == to {
		return nil
	}
	toBalance, err := l.balance(ctx, mint, to)
	if err != nil {
		return err
	}
	credited := toBalance + amount
	if credited < toBalance {
		return fmt.Errorf("transfer %s to %s: %w", mint, to, domain.ErrMathOverflow)
	}

	if err := l.setBalance(ctx, mint, from, fromBalance-amount); err != nil {
		return err
	}
	return l.setBalance(ctx, mint, to, credited)
}

// MintTo creates new tokens for to.
func (l *tokenLedger) MintTo(ctx context.Context, mint, authority, to string, amount uint64) error {
	m, err := l.mint(ctx, mint)
	if err != nil {
		return err
	}
	if m.Authority != authority {
		return fmt.Errorf("mint %s by %s: %w", mint, authority, domain.ErrUnauthorized)
	}

	supply := m.Supply + amount
	if supply < m.Supply {
		return fmt.Errorf("mint %s supply: %w", mint, domain.ErrMathOverflow)
	}
	balance, err := l.balance(ctx, mint, to)
	if err != nil {
		return err
	}
	credited := balance + amount
	if credited < balance {
		return fmt.Errorf("mint %s to %s: %w", mint, to, domain.ErrMathOverflow)
	}

	if _, err := l.tx.Exec(ctx, `UPDATE token_mints SET supply = $2::numeric WHERE address = $1`, mint, u64Param(supply)); err != nil {
		return fmt.Errorf("update supply: %w", err)
	}
	return l.setBalance(ctx, mint, to, credited)
}

// Balance returns the amount of mint held by owner.
func (l *tokenLedger) Balance(ctx context.Context, mint, owner string) (uint64, error) {
	if _, err := l.mint(ctx, mint); err != nil {
		return 0, err
	}
	return l.balance(ctx, mint, owner)
}

// Supply returns the outstanding supply of mint.
func (l *tokenLedger) Supply(ctx context.Context, mint string) (uint64, error) {
	m, err := l.mint(ctx, mint)
	if err != nil {
		return 0, err
	}
	return m.Supply, nil
}

// Decimals returns the decimals of mint.
func (l *tokenLedger) Decimals(ctx context.Context, mint string) (uint8, error) {
	m, err := l.mint(ctx, mint)
	if err != nil {
		return 0, err
	}
	return m.Decimals, nil
}
