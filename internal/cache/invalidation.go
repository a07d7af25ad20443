package cache

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// InvalidationChannel is the pub/sub channel cross-instance cache
// invalidation is published on.
const InvalidationChannel = "dns:invalidation"

// Invalidator publishes (and can subscribe to) cache-invalidation
// events across a fleet of proxy instances. It never participates in
// a cache hit: the in-memory Cache is always the source of truth, and
// this is a side channel for telling peers "drop what you know about
// this name."
type Invalidator struct {
	client *redis.Client
	log    *slog.Logger
}

// NewInvalidator dials addr lazily (go-redis connects on first use).
// A nil *Invalidator is valid and every method on it is a no-op, so
// callers can wire this in only when DNSPROXY_REDIS_URL is set.
func NewInvalidator(addr string, log *slog.Logger) *Invalidator {
	if addr == "" {
		return nil
	}
	return &Invalidator{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		log:    log,
	}
}

// Publish announces that name/qtype should be dropped from every
// peer's cache. Called from the dispatcher's add_to_cache step.
func (inv *Invalidator) Publish(ctx context.Context, name string, qType uint16) {
	if inv == nil {
		return
	}
	msg := fmt.Sprintf("%s:%d", canonical(name), qType)
	if err := inv.client.Publish(ctx, InvalidationChannel, msg).Err(); err != nil {
		inv.log.Warn("cache invalidation publish failed", "err", err)
	}
}

// Subscribe returns the channel of raw "name:qtype" invalidation
// messages from peers. Nothing in this repository calls it: the
// dispatcher only publishes, and received messages do not evict
// anything from the local Cache.
func (inv *Invalidator) Subscribe(ctx context.Context) <-chan *redis.Message {
	if inv == nil {
		return nil
	}
	return inv.client.Subscribe(ctx, InvalidationChannel).Channel()
}

// Close releases the underlying redis client.
func (inv *Invalidator) Close() error {
	if inv == nil {
		return nil
	}
	return inv.client.Close()
}
