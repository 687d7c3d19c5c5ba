// Package entitystore provides the batching-and-caching execution context:
// the façade that turns typed entity operations into batched remote calls
// behind a two-tier cache.
//
// A Context is scoped to one logical unit of work (typically one incoming
// request). It owns one event loop, one local cache and one AutoBatcher per
// RPC shape, and must not be shared across concurrently-handled units. Only
// the shared cache and the backing store are cross-Context resources; all
// cross-Context coherence goes through the shared cache's lock protocol.
//
// All Context methods must be called from the goroutine driving the event
// loop. Async variants return futures; the synchronous wrappers drive the
// loop until their future resolves.
package entitystore

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-entitystore/pkg/batching"
	"github.com/illmade-knight/go-entitystore/pkg/codec"
	"github.com/illmade-knight/go-entitystore/pkg/futures"
	"github.com/illmade-knight/go-entitystore/pkg/keys"
	"github.com/illmade-knight/go-entitystore/pkg/localcache"
	"github.com/illmade-knight/go-entitystore/pkg/sharedcache"
	"github.com/illmade-knight/go-entitystore/pkg/transport"
	"github.com/illmade-knight/go-entitystore/pkg/types"
)

// Config holds Context settings. Zero values get defaults.
type Config struct {
	// LocalCacheSize bounds the per-Context LRU cache. Default 1000.
	LocalCacheSize int
	// GetBatchLimit caps keys per physical lookup. Default 1000.
	GetBatchLimit int
	// WriteBatchLimit caps mutations per physical write. Default 500.
	WriteBatchLimit int
	// WriteMode selects what a confirmed write leaves in the shared cache.
	WriteMode sharedcache.WriteMode
}

func (c *Config) applyDefaults() {
	if c.LocalCacheSize <= 0 {
		c.LocalCacheSize = 1000
	}
	if c.GetBatchLimit <= 0 {
		c.GetBatchLimit = 1000
	}
	if c.WriteBatchLimit <= 0 {
		c.WriteBatchLimit = 500
	}
}

// Policy decides per key whether a cache tier applies. The default allows
// every key.
type Policy func(keys.Key) bool

// Context is the top-level façade combining the event loop, the caches and
// the batchers.
type Context struct {
	ctx    context.Context
	cfg    Config
	loop   *futures.Loop
	local  *localcache.Cache
	shared *sharedcache.Store // nil disables the shared tier
	store  transport.Transport
	codec  codec.Codec
	logger zerolog.Logger

	cachePolicy  Policy
	sharedPolicy Policy

	// keyByEnc maps canonical encodings back to keys for batch assembly.
	// Entries are retained for the Context's lifetime: batches of different
	// operations and shapes can reference the same encoding concurrently, so
	// no single flush may remove one. A Context is scoped to one unit of
	// work, which bounds the map by the number of distinct keys it touches.
	keyByEnc map[string]keys.Key
	// putPayload holds the entity for each key in an open put batch; a
	// second put of the same key before the flush supersedes the first, so
	// program order wins within one batch.
	putPayload map[string]*types.Entity

	getBatchers map[shape]*batching.AutoBatcher[string, *types.Entity]
	putBatchers map[shape]*batching.AutoBatcher[string, struct{}]
	delBatchers map[shape]*batching.AutoBatcher[string, struct{}]
}

// New creates a Context for one logical unit of work. shared may be nil to
// run without the shared cache tier; cdc defaults to the JSON codec.
func New(ctx context.Context, cfg *Config, store transport.Transport, shared *sharedcache.Store, cdc codec.Codec, logger zerolog.Logger) (*Context, error) {
	if store == nil {
		return nil, fmt.Errorf("transport cannot be nil")
	}
	conf := Config{}
	if cfg != nil {
		conf = *cfg
	}
	conf.applyDefaults()
	if cdc == nil {
		cdc = codec.JSON{}
	}

	local, err := localcache.New(conf.LocalCacheSize)
	if err != nil {
		return nil, fmt.Errorf("local cache: %w", err)
	}

	c := &Context{
		ctx:          ctx,
		cfg:          conf,
		loop:         futures.NewLoop(logger),
		local:        local,
		shared:       shared,
		store:        store,
		codec:        cdc,
		logger:       logger.With().Str("component", "Context").Logger(),
		cachePolicy:  func(keys.Key) bool { return true },
		sharedPolicy: func(keys.Key) bool { return true },
		keyByEnc:     make(map[string]keys.Key),
		putPayload:   make(map[string]*types.Entity),
		getBatchers:  make(map[shape]*batching.AutoBatcher[string, *types.Entity]),
		putBatchers:  make(map[shape]*batching.AutoBatcher[string, struct{}]),
		delBatchers:  make(map[shape]*batching.AutoBatcher[string, struct{}]),
	}
	return c, nil
}

// Loop exposes the Context's event loop so callers can drive it directly.
func (c *Context) Loop() *futures.Loop { return c.loop }

// SetCachePolicy overrides the per-key local cache policy.
func (c *Context) SetCachePolicy(p Policy) {
	if p != nil {
		c.cachePolicy = p
	}
}

// SetSharedCachePolicy overrides the per-key shared cache policy.
func (c *Context) SetSharedCachePolicy(p Policy) {
	if p != nil {
		c.sharedPolicy = p
	}
}

func (c *Context) useLocal(key keys.Key, o Options) bool {
	return !o.SkipLocalCache && c.cachePolicy(key)
}

func (c *Context) useShared(key keys.Key, o Options) bool {
	return c.shared != nil && !o.SkipSharedCache && c.sharedPolicy(key)
}

// GetAsync resolves to the entity for key, or ErrNoSuchEntity. A local
// cache hit resolves immediately; otherwise the key joins the current get
// batch and resolves when it flushes.
func (c *Context) GetAsync(key keys.Key, opts *Options) *futures.Future[*types.Entity] {
	if err := key.Valid(); err != nil {
		return futures.ResolvedErr[*types.Entity](c.loop, err)
	}
	o := normalize(opts)
	enc := key.Encode()
	useLocal := c.useLocal(key, o)

	if useLocal {
		if entry, ok := c.local.Get(enc); ok {
			if entry.Tombstone {
				return futures.ResolvedErr[*types.Entity](c.loop, ErrNoSuchEntity)
			}
			return futures.Resolved(c.loop, entry.Entity.Clone())
		}
	}

	c.keyByEnc[enc] = key
	inner := c.getBatcher(o.shape()).Add(enc)

	outer := futures.New[*types.Entity](c.loop)
	inner.AddCallback(func(ent *types.Entity, err error) {
		switch {
		case err == nil:
			if useLocal {
				c.local.Set(enc, ent)
			}
			outer.SetResult(ent.Clone())
		case errors.Is(err, ErrNoSuchEntity):
			// A cache-only get that found nothing proves nothing about the
			// store, so it must not poison the local cache.
			if useLocal && !o.SkipStore {
				c.local.SetTombstone(enc)
			}
			outer.SetError(ErrNoSuchEntity)
		default:
			outer.SetError(err)
		}
	})
	return outer
}

// Get is the synchronous form of GetAsync.
func (c *Context) Get(key keys.Key, opts *Options) (*types.Entity, error) {
	return c.GetAsync(key, opts).Wait()
}

// PutAsync writes ent through the caches to the store and resolves to the
// entity's key once the store confirms.
//
// The local cache is updated optimistically before the store write, so a
// get for the same key in this Context observes the new value even before
// the RPC completes. If the store write fails the optimistic entry is
// evicted (rollback) and the future fails with the per-key error.
func (c *Context) PutAsync(ent *types.Entity, opts *Options) *futures.Future[keys.Key] {
	if ent == nil {
		return futures.ResolvedErr[keys.Key](c.loop, fmt.Errorf("entity cannot be nil"))
	}
	key := ent.Key
	if err := key.Valid(); err != nil {
		return futures.ResolvedErr[keys.Key](c.loop, err)
	}
	o := normalize(opts)
	enc := key.Encode()
	useLocal := c.useLocal(key, o)

	if useLocal {
		c.local.Set(enc, ent.Clone())
	}
	c.keyByEnc[enc] = key
	c.putPayload[enc] = ent.Clone()
	inner := c.putBatcher(o.shape()).Add(enc)

	outer := futures.New[keys.Key](c.loop)
	inner.AddCallback(func(_ struct{}, err error) {
		if err != nil {
			if useLocal {
				c.local.Delete(enc)
			}
			outer.SetError(err)
			return
		}
		outer.SetResult(key)
	})
	return outer
}

// Put is the synchronous form of PutAsync.
func (c *Context) Put(ent *types.Entity, opts *Options) (keys.Key, error) {
	return c.PutAsync(ent, opts).Wait()
}

// DeleteAsync removes the entity for key. Deleting an absent entity
// succeeds, so a repeated delete is a no-op. The local cache gets a
// tombstone immediately; on store failure the tombstone is evicted.
//
// Program order is guaranteed within one operation's batch, not across
// operations: a put and a delete of the same key flush through separate
// batchers whose store calls run concurrently, so the store may apply them
// in either order. The local view always reflects program order.
func (c *Context) DeleteAsync(key keys.Key, opts *Options) *futures.Future[struct{}] {
	if err := key.Valid(); err != nil {
		return futures.ResolvedErr[struct{}](c.loop, err)
	}
	o := normalize(opts)
	enc := key.Encode()
	useLocal := c.useLocal(key, o)

	if useLocal {
		c.local.SetTombstone(enc)
	}
	c.keyByEnc[enc] = key
	inner := c.delBatcher(o.shape()).Add(enc)

	outer := futures.New[struct{}](c.loop)
	inner.AddCallback(func(_ struct{}, err error) {
		if err != nil {
			if useLocal {
				c.local.Delete(enc)
			}
			outer.SetError(err)
			return
		}
		outer.SetResult(struct{}{})
	})
	return outer
}

// Delete is the synchronous form of DeleteAsync.
func (c *Context) Delete(key keys.Key, opts *Options) error {
	_, err := c.DeleteAsync(key, opts).Wait()
	return err
}

// Flush forces every open batch out without waiting for an idle window and
// drives the loop until all in-flight flushes complete. Batches of
// different operations flush concurrently; Flush does not impose a
// cross-operation store order.
func (c *Context) Flush() error {
	for {
		for _, b := range c.getBatchers {
			if err := b.Flush(); err != nil {
				return err
			}
		}
		for _, b := range c.putBatchers {
			if err := b.Flush(); err != nil {
				return err
			}
		}
		for _, b := range c.delBatchers {
			if err := b.Flush(); err != nil {
				return err
			}
		}
		// A flush callback may have enqueued more batched work.
		pending := 0
		for _, b := range c.getBatchers {
			pending += b.Len()
		}
		for _, b := range c.putBatchers {
			pending += b.Len()
		}
		for _, b := range c.delBatchers {
			pending += b.Len()
		}
		if pending == 0 {
			return nil
		}
	}
}

// ClearLocal drops every local cache entry. The shared cache is unaffected.
func (c *Context) ClearLocal() {
	c.local.Clear()
}

func (c *Context) getBatcher(s shape) *batching.AutoBatcher[string, *types.Entity] {
	b, ok := c.getBatchers[s]
	if !ok {
		b = batching.New(c.loop, c.cfg.GetBatchLimit, c.getFlush(s), c.logger)
		c.getBatchers[s] = b
	}
	return b
}

func (c *Context) putBatcher(s shape) *batching.AutoBatcher[string, struct{}] {
	b, ok := c.putBatchers[s]
	if !ok {
		b = batching.New(c.loop, c.cfg.WriteBatchLimit, c.writeFlush(s, types.OpUpsert), c.logger)
		c.putBatchers[s] = b
	}
	return b
}

func (c *Context) delBatcher(s shape) *batching.AutoBatcher[string, struct{}] {
	b, ok := c.delBatchers[s]
	if !ok {
		b = batching.New(c.loop, c.cfg.WriteBatchLimit, c.writeFlush(s, types.OpDelete), c.logger)
		c.delBatchers[s] = b
	}
	return b
}
