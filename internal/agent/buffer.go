package agent

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/target/backup-coordinator/internal/rpc"
)

// EventBuffer holds events produced while the agent has no live connection. Entries expire
// after the configured TTL and the oldest are evicted first once capacity is reached.
type EventBuffer struct {
	mu    sync.Mutex
	seq   uint64
	cache *ttlcache.Cache[uint64, rpc.Envelope]
}

// NewEventBuffer constructs a buffer. Dropped events are logged through logger.
func NewEventBuffer(ttl time.Duration, capacity uint64, logger *slog.Logger) *EventBuffer {
	if logger == nil {
		logger = slog.Default()
	}
	cache := ttlcache.New[uint64, rpc.Envelope](
		ttlcache.WithTTL[uint64, rpc.Envelope](ttl),
		ttlcache.WithCapacity[uint64, rpc.Envelope](capacity),
		ttlcache.WithDisableTouchOnHit[uint64, rpc.Envelope](),
	)
	cache.OnEviction(func(ctx context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[uint64, rpc.Envelope]) {
		if reason == ttlcache.EvictionReasonDeleted {
			return
		}
		logger.WarnContext(ctx, "dropped buffered event",
			"kind", item.Value().Kind,
			"expired", reason == ttlcache.EvictionReasonExpired,
		)
	})
	return &EventBuffer{cache: cache}
}

// Start runs the expiry loop until Stop is called.
func (b *EventBuffer) Start() {
	b.cache.Start()
}

// Stop ends the expiry loop.
func (b *EventBuffer) Stop() {
	b.cache.Stop()
}

// Add appends an event.
func (b *EventBuffer) Add(env rpc.Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	b.cache.Set(b.seq, env, ttlcache.DefaultTTL)
}

// Len reports how many unexpired events are held.
func (b *EventBuffer) Len() int {
	b.cache.DeleteExpired()
	return b.cache.Len()
}

// Drain removes and returns every unexpired event in the order it was added.
func (b *EventBuffer) Drain() []rpc.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()

	keys := b.cache.Keys()
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	out := make([]rpc.Envelope, 0, len(keys))
	for _, k := range keys {
		if item := b.cache.Get(k); item != nil {
			out = append(out, item.Value())
		}
		b.cache.Delete(k)
	}
	return out
}
