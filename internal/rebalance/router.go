package rebalance

import (
	"context"
	"errors"
	"fmt"

	"index-fund-engine/internal/storage"
)

// ErrNoRouter is returned when a bid asks for a callback but none is configured.
var ErrNoRouter = errors.New("no callback router configured")

// RouteCall is handed to a Router during a callback bid. By the time Route
// runs, SellAmount of SellMint has already been transferred to Bidder; the
// router must leave at least BuyAmount more of BuyMint in the Fund's account.
type RouteCall struct {
	Bidder     string
	Fund       string
	SellMint   string
	BuyMint    string
	SellAmount uint64
	BuyAmount  uint64
	Data       []byte
	Accounts   []string
}

// Router executes a bidder's strategy synchronously inside the bid transaction.
// Its effects are judged only by the fund's buy-mint balance afterwards.
type Router interface {
	Route(ctx context.Context, tx storage.Tx, call RouteCall) error
}

// RouterFunc adapts a function to Router.
type RouterFunc func(ctx context.Context, tx storage.Tx, call RouteCall) error

// Route implements Router.
func (f RouterFunc) Route(ctx context.Context, tx storage.Tx, call RouteCall) error {
	return f(ctx, tx, call)
}

// LiquidityRouter settles callback bids from a liquidity account: Accounts[0]
// pays the fund BuyAmount of BuyMint.
type LiquidityRouter struct{}

// Route implements Router.
func (LiquidityRouter) Route(ctx context.Context, tx storage.Tx, call RouteCall) error {
	if len(call.Accounts) == 0 {
		return errors.New("liquidity router: missing source account")
	}
	decimals, err := tx.Tokens().Decimals(ctx, call.BuyMint)
	if err != nil {
		return fmt.Errorf("liquidity router: %w", err)
	}
	if err := tx.Tokens().TransferChecked(ctx, call.BuyMint, call.Accounts[0], call.Fund, call.BuyAmount, decimals); err != nil {
		return fmt.Errorf("liquidity router: %w", err)
	}
	return nil
}

var _ Router = LiquidityRouter{}
