package nats

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/nats-io/nats.go/jetstream"
)

// DefaultCounterBucket is the key-value bucket holding sequence counters.
const DefaultCounterBucket = "SEQUENCES"

const maxCASAttempts = 32

// EnsureCounterBucket returns the counter bucket, creating it if needed.
func (c *Client) EnsureCounterBucket(ctx context.Context, bucket string) (jetstream.KeyValue, error) {
	kv, err := c.js.KeyValue(ctx, bucket)
	if err == nil {
		return kv, nil
	}
	if !errors.Is(err, jetstream.ErrBucketNotFound) {
		return nil, fmt.Errorf("failed to open bucket %s: %w", bucket, err)
	}

	kv, err = c.js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "Per-conversation message sequence counters",
		History:     1,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create bucket %s: %w", bucket, err)
	}
	return kv, nil
}

// KVCounter is a shared counter over a JetStream key-value bucket. Every
// increment is a compare-and-swap on the key's revision, so concurrent
// callers on any instance never observe the same value.
type KVCounter struct {
	kv jetstream.KeyValue
}

// NewKVCounter creates a counter over kv.
func NewKVCounter(kv jetstream.KeyValue) *KVCounter {
	return &KVCounter{kv: kv}
}

// Name returns the backend name.
func (c *KVCounter) Name() string {
	return "nats"
}

// Incr atomically increments key.
func (c *KVCounter) Incr(ctx context.Context, key string) (int64, error) {
	key = kvKey(key)
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		entry, err := c.kv.Get(ctx, key)
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			if _, err := c.kv.Create(ctx, key, []byte("1")); err != nil {
				if isRevisionConflict(err) {
					continue
				}
				return 0, fmt.Errorf("failed to create counter %s: %w", key, err)
			}
			return 1, nil
		}
		if err != nil {
			return 0, fmt.Errorf("failed to read counter %s: %w", key, err)
		}

		cur, err := strconv.ParseInt(string(entry.Value()), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("corrupt counter %s: %w", key, err)
		}
		next := cur + 1
		if _, err := c.kv.Update(ctx, key, []byte(strconv.FormatInt(next, 10)), entry.Revision()); err != nil {
			if isRevisionConflict(err) {
				continue
			}
			return 0, fmt.Errorf("failed to update counter %s: %w", key, err)
		}
		return next, nil
	}
	return 0, fmt.Errorf("counter %s: gave up after %d contended attempts", key, maxCASAttempts)
}

// Raise lifts key to at least floor.
func (c *KVCounter) Raise(ctx context.Context, key string, floor int64) error {
	key = kvKey(key)
	value := []byte(strconv.FormatInt(floor, 10))
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		entry, err := c.kv.Get(ctx, key)
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			if _, err := c.kv.Create(ctx, key, value); err != nil {
				if isRevisionConflict(err) {
					continue
				}
				return fmt.Errorf("failed to create counter %s: %w", key, err)
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read counter %s: %w", key, err)
		}

		cur, err := strconv.ParseInt(string(entry.Value()), 10, 64)
		if err != nil {
			return fmt.Errorf("corrupt counter %s: %w", key, err)
		}
		if cur >= floor {
			return nil
		}
		if _, err := c.kv.Update(ctx, key, value, entry.Revision()); err != nil {
			if isRevisionConflict(err) {
				continue
			}
			return fmt.Errorf("failed to update counter %s: %w", key, err)
		}
		return nil
	}
	return fmt.Errorf("counter %s: gave up after %d contended attempts", key, maxCASAttempts)
}

// kvKey maps a counter key onto the key-value key alphabet.
func kvKey(key string) string {
	return strings.ReplaceAll(key, ":", ".")
}

func isRevisionConflict(err error) bool {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}
