// Package token defines the token program surface the engine drives.
package token

import "context"

// Ledger moves and mints raw token amounts. Implementations are bound to
// the enclosing storage transaction, so their effects commit or roll back
// with it. Any error aborts the calling operation.
type Ledger interface {
	// TransferChecked moves amount of mint from one owner to another.
	// decimals must match the mint's configured decimals.
	TransferChecked(ctx context.Context, mint, from, to string, amount uint64, decimals uint8) error

	// MintTo creates amount of mint for to. authority must be the mint authority.
	MintTo(ctx context.Context, mint, authority, to string, amount uint64) error

	// Balance returns the amount of mint held by owner.
	Balance(ctx context.Context, mint, owner string) (uint64, error)

	// Supply returns the outstanding supply of mint.
	Supply(ctx context.Context, mint string) (uint64, error)

	// Decimals returns the decimals of mint.
	Decimals(ctx context.Context, mint string) (uint8, error)
}

// Mint describes a token mint.
type Mint struct {
	Address   string
	Authority string
	Decimals  uint8
	Supply    uint64
}
