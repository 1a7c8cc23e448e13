// Package stub provides an in-memory solana.RPCClient for tests.
package stub

import (
	"context"
	"sync"

	"index-fund-engine/internal/solana"
)

// RPCClient implements solana.RPCClient for testing.
type RPCClient struct {
	mu         sync.Mutex
	slot       int64
	blockTimes map[int64]int64
	calls      int
}

// NewRPCClient creates a new stub RPC client.
func NewRPCClient() *RPCClient {
	return &RPCClient{blockTimes: make(map[int64]int64)}
}

// GetSlot returns the slot set by SetSlot.
func (c *RPCClient) GetSlot(context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.slot, nil
}

// GetBlockTime returns the recorded time of slot, nil if none was added.
func (c *RPCClient) GetBlockTime(_ context.Context, slot int64) (*int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	t, ok := c.blockTimes[slot]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

// SetSlot sets the current slot.
func (c *RPCClient) SetSlot(slot int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.slot = slot
}

// AddBlock records the production time of slot.
func (c *RPCClient) AddBlock(slot, blockTime int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blockTimes[slot] = blockTime
}

// BlockTimeCalls returns how many times GetBlockTime was called.
func (c *RPCClient) BlockTimeCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

var _ solana.RPCClient = (*RPCClient)(nil)
