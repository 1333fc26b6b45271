// Package presence records which instance holds each user's live gateway
// connection. Entries expire unless refreshed.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/capitalize-ai/conversation-engine/internal/model"
)

// DefaultTTL is the lifetime of an unrefreshed entry.
const DefaultTTL = 60 * time.Second

// Info is a user's routing entry.
type Info struct {
	InstanceID string `json:"instance_id"`
	Platform   string `json:"platform"`
	LastPingTS int64  `json:"last_ping_ts"`
}

// Registry is the presence collaborator used by gateway sessions.
type Registry interface {
	// Set writes or refreshes userID's entry.
	Set(ctx context.Context, userID string, info Info) error
	// Get returns userID's entry or an error wrapping model.ErrNotFound.
	Get(ctx context.Context, userID string) (*Info, error)
	// Remove deletes userID's entry if it still belongs to instanceID.
	Remove(ctx context.Context, userID, instanceID string) error
}

// Key returns the registry key of a user.
func Key(userID string) string {
	return "presence:" + userID
}

// RedisRegistry stores entries as JSON strings with a TTL.
type RedisRegistry struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisRegistry creates a registry over client.
func NewRedisRegistry(client *redis.Client, ttl time.Duration) *RedisRegistry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisRegistry{client: client, ttl: ttl}
}

func (r *RedisRegistry) Set(ctx context.Context, userID string, info Info) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to marshal presence: %w", err)
	}
	return r.client.Set(ctx, Key(userID), data, r.ttl).Err()
}

func (r *RedisRegistry) Get(ctx context.Context, userID string) (*Info, error) {
	data, err := r.client.Get(ctx, Key(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("presence %s: %w", userID, model.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to decode presence: %w", err)
	}
	return &info, nil
}

// removeIfOwner deletes KEYS[1] only while its instance_id is ARGV[1], so a
// session closing on one instance cannot erase a newer entry from another.
var removeIfOwner = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if not v then return 0 end
local ok, entry = pcall(cjson.decode, v)
if ok and entry["instance_id"] == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func (r *RedisRegistry) Remove(ctx context.Context, userID, instanceID string) error {
	return removeIfOwner.Run(ctx, r.client, []string{Key(userID)}, instanceID).Err()
}

// MemoryRegistry is a process-local registry for single-instance deployments.
type MemoryRegistry struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	info    Info
	expires time.Time
}

// NewMemoryRegistry creates an in-memory registry.
func NewMemoryRegistry(ttl time.Duration) *MemoryRegistry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryRegistry{ttl: ttl, now: time.Now, entries: make(map[string]memoryEntry)}
}

func (r *MemoryRegistry) Set(ctx context.Context, userID string, info Info) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[userID] = memoryEntry{info: info, expires: r.now().Add(r.ttl)}
	return nil
}

func (r *MemoryRegistry) Get(ctx context.Context, userID string) (*Info, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[userID]
	if !ok || !r.now().Before(e.expires) {
		delete(r.entries, userID)
		return nil, fmt.Errorf("presence %s: %w", userID, model.ErrNotFound)
	}
	info := e.info
	return &info, nil
}

func (r *MemoryRegistry) Remove(ctx context.Context, userID, instanceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[userID]; ok && e.info.InstanceID == instanceID {
		delete(r.entries, userID)
	}
	return nil
}
