package solana

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"index-fund-engine/internal/clock"
)

// Clock errors.
var (
	// ErrNoSlot is returned before a slot clock has seen any slot.
	ErrNoSlot = errors.New("no slot observed yet")

	// ErrNoBlockTime is returned when the node has no time for a slot.
	ErrNoBlockTime = errors.New("block time unavailable")
)

// monotonic keeps the largest time handed out so cluster clock skew between
// blocks never moves engine time backwards.
type monotonic struct {
	last atomic.Int64
}

func (m *monotonic) observe(t int64) int64 {
	for {
		prev := m.last.Load()
		if t <= prev {
			return prev
		}
		if m.last.CompareAndSwap(prev, t) {
			return t
		}
	}
}

// BlockClock reads the block time of the current slot on every call.
type BlockClock struct {
	rpc  RPCClient
	mono monotonic
}

// NewBlockClock creates a clock backed by rpc.
func NewBlockClock(rpc RPCClient) *BlockClock {
	return &BlockClock{rpc: rpc}
}

// Now returns the block time of the current slot.
func (c *BlockClock) Now(ctx context.Context) (int64, error) {
	slot, err := c.rpc.GetSlot(ctx)
	if err != nil {
		return 0, fmt.Errorf("get slot: %w", err)
	}
	t, err := c.rpc.GetBlockTime(ctx, slot)
	if err != nil {
		return 0, fmt.Errorf("get block time %d: %w", slot, err)
	}
	if t == nil {
		return 0, fmt.Errorf("slot %d: %w", slot, ErrNoBlockTime)
	}
	return c.mono.observe(*t), nil
}

// SlotClock follows a slot subscription and resolves the newest slot's block
// time on demand. Block times are fetched at most once per slot.
type SlotClock struct {
	rpc    RPCClient
	logger *log.Logger
	slot   atomic.Int64
	mono   monotonic

	mu         sync.Mutex
	cachedSlot int64
	cachedTime int64
}

// NewSlotClock creates a slot-driven clock. logger may be nil.
func NewSlotClock(rpc RPCClient, logger *log.Logger) *SlotClock {
	return &SlotClock{rpc: rpc, logger: logger}
}

// Run consumes notifications until the channel closes or ctx is done.
func (c *SlotClock) Run(ctx context.Context, slots <-chan SlotNotification) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n, ok := <-slots:
			if !ok {
				return nil
			}
			c.Observe(n.Slot)
		}
	}
}

// Observe records slot if it is newer than the current one.
func (c *SlotClock) Observe(slot int64) {
	for {
		prev := c.slot.Load()
		if slot <= prev || c.slot.CompareAndSwap(prev, slot) {
			return
		}
	}
}

// Slot returns the newest observed slot.
func (c *SlotClock) Slot() int64 {
	return c.slot.Load()
}

// Now returns the block time of the newest slot. When the node has not
// produced a time for it yet, the last resolved time is returned.
func (c *SlotClock) Now(ctx context.Context) (int64, error) {
	slot := c.slot.Load()
	if slot == 0 {
		return 0, ErrNoSlot
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if slot == c.cachedSlot {
		return c.cachedTime, nil
	}

	t, err := c.rpc.GetBlockTime(ctx, slot)
	if err == nil && t == nil {
		err = fmt.Errorf("slot %d: %w", slot, ErrNoBlockTime)
	}
	if err != nil {
		if c.cachedSlot == 0 {
			return 0, err
		}
		if c.logger != nil {
			c.logger.Printf("block time for slot %d: %v, using slot %d", slot, err, c.cachedSlot)
		}
		return c.cachedTime, nil
	}

	c.cachedSlot = slot
	c.cachedTime = c.mono.observe(*t)
	return c.cachedTime, nil
}

var (
	_ clock.Clock = (*BlockClock)(nil)
	_ clock.Clock = (*SlotClock)(nil)
)
