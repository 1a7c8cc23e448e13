package solana

import "context"

// WSClient defines Solana WebSocket subscription interface.
type WSClient interface {
	// SubscribeSlots streams slot notifications.
	SubscribeSlots(ctx context.Context) (<-chan SlotNotification, error)

	// Close closes the WebSocket connection.
	Close() error
}

// SlotNotification is one slotSubscribe message.
type SlotNotification struct {
	Slot   int64
	Parent int64
	Root   int64
}
