package sequencer

import (
	"context"
	"fmt"
	"sync"
)

// FloorFunc returns the highest sequence already persisted for a conversation.
type FloorFunc func(ctx context.Context, conversationID string) (int64, error)

// LocalCounter is a process-scoped counter. It is created at process start,
// never persisted, and its values are only meaningful within this process's
// lifetime. Each value is floored at the persisted cursor so it never
// re-issues a sequence that is already stored.
type LocalCounter struct {
	floor FloorFunc

	mu       sync.Mutex
	counters map[string]int64
}

// NewLocalCounter creates a local counter. floor may be nil.
func NewLocalCounter(floor FloorFunc) *LocalCounter {
	return &LocalCounter{
		floor:    floor,
		counters: make(map[string]int64),
	}
}

// Next returns the next local sequence of conversationID.
func (c *LocalCounter) Next(ctx context.Context, conversationID string) (int64, error) {
	var floor int64
	if c.floor != nil {
		f, err := c.floor(ctx, conversationID)
		if err != nil {
			return 0, fmt.Errorf("failed to read sequence floor: %w", err)
		}
		floor = f
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	cur := max(c.counters[conversationID], floor) + 1
	c.counters[conversationID] = cur
	return cur, nil
}

// High returns the highest value issued for conversationID, or 0.
func (c *LocalCounter) High(conversationID string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counters[conversationID]
}
