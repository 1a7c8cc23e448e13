// Package solana reads cluster time from a Solana RPC node.
package solana

import "context"

// RPCClient is the subset of the Solana JSON-RPC API the engine's clocks use.
type RPCClient interface {
	// GetSlot returns the current slot.
	GetSlot(ctx context.Context) (int64, error)

	// GetBlockTime returns the production time of a slot in unix seconds,
	// or nil when the node has no time for it.
	GetBlockTime(ctx context.Context, slot int64) (*int64, error)
}
