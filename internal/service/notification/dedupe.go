package notification

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/kapu/nominator-track-go/internal/constants"
	"github.com/kapu/nominator-track-go/internal/domain"
)

// Deduper remembers delivered notifications so a sink subscribed to both the
// generic and a tier-specific kind notifies once per change.
type Deduper interface {
	// MarkOnce records key and reports whether it was not seen within ttl.
	MarkOnce(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Release forgets key so a later event of the same change can deliver it.
	Release(ctx context.Context, key string) error
}

// dedupeKey identifies one detected change. Every event kind emitted for a change
// shares DetectedAt, while separate edits of the same member do not.
func dedupeKey(event *domain.ChangeEvent) string {
	sum := sha256.Sum256([]byte(event.DiffText()))
	return fmt.Sprintf("%s%d:%d:%s",
		constants.DedupeConfig.KeyPrefix,
		event.Member.ID,
		event.DetectedAt.UnixNano(),
		hex.EncodeToString(sum[:8]))
}

type MemoryDeduper struct {
	mu   sync.Mutex
	seen map[string]time.Time
	now  func() time.Time
}

func NewMemoryDeduper() *MemoryDeduper {
	return &MemoryDeduper{
		seen: make(map[string]time.Time),
		now:  time.Now,
	}
}

func (d *MemoryDeduper) MarkOnce(_ context.Context, key string, ttl time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	for k, expires := range d.seen {
		if now.After(expires) {
			delete(d.seen, k)
		}
	}

	if _, ok := d.seen[key]; ok {
		return false, nil
	}
	d.seen[key] = now.Add(ttl)
	return true, nil
}

func (d *MemoryDeduper) Release(_ context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, key)
	return nil
}

// KeyStore is the subset of the Redis cache service used for dedupe.
type KeyStore interface {
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
}

// RedisDeduper shares dedupe state through Redis SETNX with expiry.
type RedisDeduper struct {
	store KeyStore
}

func NewRedisDeduper(store KeyStore) *RedisDeduper {
	return &RedisDeduper{store: store}
}

func (d *RedisDeduper) MarkOnce(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return d.store.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339), ttl)
}

func (d *RedisDeduper) Release(ctx context.Context, key string) error {
	return d.store.Del(ctx, key)
}
