package memory

import (
	"context"
	"fmt"

	"index-fund-engine/internal/domain"
	"index-fund-engine/internal/token"
)

// tokenLedger is the token.Ledger view of a transaction's working state.
type tokenLedger struct {
	state *state
}

func (l *tokenLedger) mint(mint string) (*token.Mint, error) {
	m, ok := l.state.mints[mint]
	if !ok {
		return nil, fmt.Errorf("mint %s: %w", mint, domain.ErrInvalidMint)
	}
	return m, nil
}

// TransferChecked moves amount of mint between owners.
func (l *tokenLedger) TransferChecked(_ context.Context, mint, from, to string, amount uint64, decimals uint8) error {
	m, err := l.mint(mint)
	if err != nil {
		return err
	}
	if m.Decimals != decimals {
		return fmt.Errorf("transfer %s: decimals %d, mint has %d: %w", mint, decimals, m.Decimals, domain.ErrDecimalsMismatch)
	}

	fromKey := balanceKey{mint: mint, owner: from}
	toKey := balanceKey{mint: mint, owner: to}

	if l.state.balances[fromKey] < amount {
		return fmt.Errorf("transfer %d of %s from %s: %w", amount, mint, from, domain.ErrInsufficientFunds)
	}
	if from == to {
		return nil
	}
	credited := l.state.balances[toKey] + amount
	if credited < l.state.balances[toKey] {
		return fmt.Errorf("transfer %s to %s: %w", mint, to, domain.ErrMathOverflow)
	}

	l.state.balances[fromKey] -= amount
	l.state.balances[toKey] = credited
	return nil
}

// MintTo creates new tokens for to.
func (l *tokenLedger) MintTo(_ context.Context, mint, authority, to string, amount uint64) error {
	m, err := l.mint(mint)
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
	key := balanceKey{mint: mint, owner: to}
	balance := l.state.balances[key] + amount
	if balance < l.state.balances[key] {
		return fmt.Errorf("mint %s to %s: %w", mint, to, domain.ErrMathOverflow)
	}

	m.Supply = supply
	l.state.balances[key] = balance
	return nil
}

// Balance returns the amount of mint held by owner.
func (l *tokenLedger) Balance(_ context.Context, mint, owner string) (uint64, error) {
	if _, err := l.mint(mint); err != nil {
		return 0, err
	}
	return l.state.balances[balanceKey{mint: mint, owner: owner}], nil
}

// Supply returns the outstanding supply of mint.
func (l *tokenLedger) Supply(_ context.Context, mint string) (uint64, error) {
	m, err := l.mint(mint)
	if err != nil {
		return 0, err
	}
	return m.Supply, nil
}

// Decimals returns the decimals of mint.
func (l *tokenLedger) Decimals(_ context.Context, mint string) (uint8, error) {
	m, err := l.mint(mint)
	if err != nil {
		return 0, err
	}
	return m.Decimals, nil
}

var _ token.Ledger = (*tokenLedger)(nil)
