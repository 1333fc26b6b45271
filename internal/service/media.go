package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/capitalize-ai/conversation-engine/internal/model"
)

// MediaResolver checks that an uploaded media object exists. Storage and
// upload of the bytes belong to the media service.
type MediaResolver interface {
	Exists(ctx context.Context, mediaID string) (bool, error)
}

// MemoryMedia is a MediaResolver over a fixed set of ids.
type MemoryMedia struct {
	mu  sync.RWMutex
	ids map[string]struct{}
}

// NewMemoryMedia creates a resolver that knows ids.
func NewMemoryMedia(ids ...string) *MemoryMedia {
	m := &MemoryMedia{ids: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		m.ids[id] = struct{}{}
	}
	return m
}

// Register adds id to the known set.
func (m *MemoryMedia) Register(id string) {
	m.mu.Lock()
	m.ids[id] = struct{}{}
	m.mu.Unlock()
}

func (m *MemoryMedia) Exists(ctx context.Context, mediaID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.ids[mediaID]
	return ok, nil
}

func resolveMedia(ctx context.Context, media MediaResolver, mediaID string) error {
	if media == nil {
		return nil
	}
	ok, err := media.Exists(ctx, mediaID)
	if err != nil {
		return fmt.Errorf("failed to resolve media %s: %w", mediaID, err)
	}
	if !ok {
		return fmt.Errorf("media %s: %w", mediaID, model.ErrNotFound)
	}
	return nil
}
