package entitystore

import (
	"github.com/illmade-knight/go-entitystore/pkg/batching"
	"github.com/illmade-knight/go-entitystore/pkg/futures"
	"github.com/illmade-knight/go-entitystore/pkg/keys"
	"github.com/illmade-knight/go-entitystore/pkg/sharedcache"
	"github.com/illmade-knight/go-entitystore/pkg/types"
)

// getOutcome is the per-key result of a get flush cycle. Exactly one of the
// fields is meaningful.
type getOutcome struct {
	ent     *types.Entity
	missing bool
	err     error
}

// getFlush builds the flush pipeline for one get shape: shared-cache lookup
// for the whole batch, store fall-through for misses and locked entries,
// shared write-back, then per-key resolution on the RPC queue.
func (c *Context) getFlush(s shape) batching.FlushFunc[string, *types.Entity] {
	return func(todo []*batching.Pending[string, *types.Entity]) *futures.Future[struct{}] {
		batchFut := futures.New[struct{}](c.loop)

		// Snapshot on the loop thread; the goroutine below must not touch
		// Context state.
		encs := make([]string, len(todo))
		kmap := make(map[string]keys.Key, len(todo))
		sharedEligible := make(map[string]bool)
		var sharedEncs []string
		for i, p := range todo {
			enc := p.Arg
			encs[i] = enc
			k := c.keyByEnc[enc]
			kmap[enc] = k
			if c.useShared(k, Options{SkipSharedCache: s.skipShared}) {
				sharedEncs = append(sharedEncs, enc)
				sharedEligible[enc] = true
			}
		}
		callOpts := s.callOptions()

		c.loop.RPCBegin()
		go func() {
			defer c.loop.RPCDone()
			outcomes := make(map[string]getOutcome, len(encs))

			if len(sharedEncs) > 0 {
				res, err := c.shared.LookupMulti(c.ctx, sharedEncs)
				if err != nil {
					c.logger.Warn().Err(err).Msg("Shared cache lookup failed, falling through to store.")
				} else {
					for _, enc := range sharedEncs {
						// Locked entries and misses fall through together.
						if r := res[enc]; r.State == sharedcache.StateValue {
							ent, decErr := c.codec.DecodeEntity(r.Value)
							if decErr != nil {
								c.logger.Error().Err(decErr).Str("key", enc).Msg("Dropping undecodable shared cache value.")
								continue
							}
							outcomes[enc] = getOutcome{ent: ent}
						}
					}
				}
			}

			var remaining []string
			for _, enc := range encs {
				if _, ok := outcomes[enc]; !ok {
					remaining = append(remaining, enc)
				}
			}

			switch {
			case len(remaining) == 0:
				// Fully served from the shared cache.
			case s.skipStore:
				for _, enc := range remaining {
					outcomes[enc] = getOutcome{missing: true}
				}
			default:
				lookupKeys := make([]keys.Key, len(remaining))
				for i, enc := range remaining {
					lookupKeys[i] = kmap[enc]
				}
				res, err := c.store.BatchLookup(c.ctx, lookupKeys, callOpts)
				if err != nil {
					c.loop.AddRPC(func() { batchFut.SetError(err) })
					return
				}
				for _, enc := range remaining {
					r := res[enc]
					switch {
					case r.Err != nil:
						outcomes[enc] = getOutcome{err: r.Err}
					case r.Missing:
						outcomes[enc] = getOutcome{missing: true}
					default:
						outcomes[enc] = getOutcome{ent: r.Entity}
						c.sharedWriteBack(enc, r.Entity, sharedEligible)
					}
				}
			}

			c.loop.AddRPC(func() {
				for _, p := range todo {
					o := outcomes[p.Arg]
					switch {
					case o.err != nil:
						p.Fail(o.err)
					case o.missing:
						p.Fail(ErrNoSuchEntity)
					default:
						p.Resolve(o.ent)
					}
				}
				batchFut.SetResult(struct{}{})
			})
		}()
		return batchFut
	}
}

// sharedWriteBack populates the shared cache with a store-fetched value.
// AddValue never overwrites an existing entry, so a concurrent writer's
// lock always survives.
func (c *Context) sharedWriteBack(enc string, ent *types.Entity, sharedEligible map[string]bool) {
	if !sharedEligible[enc] {
		return
	}
	data, err := c.codec.EncodeEntity(ent)
	if err != nil {
		c.logger.Error().Err(err).Str("key", enc).Msg("Failed to encode entity for shared cache.")
		return
	}
	if _, err := c.shared.AddValue(c.ctx, enc, data); err != nil {
		c.logger.Error().Err(err).Str("key", enc).Msg("Failed to write back to shared cache.")
	}
}

// writeFlush builds the flush pipeline for one write shape (puts or
// deletes): lock the shared entries, issue the batched store write, then
// per key either confirm (write back or invalidate) or clear the lock, and
// resolve on the RPC queue. An entry is never left locked past this cycle;
// the lock TTL covers a crash.
func (c *Context) writeFlush(s shape, op types.MutationOp) batching.FlushFunc[string, struct{}] {
	return func(todo []*batching.Pending[string, struct{}]) *futures.Future[struct{}] {
		batchFut := futures.New[struct{}](c.loop)

		muts := make([]types.Mutation, len(todo))
		encs := make([]string, len(todo))
		sharedEligible := make(map[string]bool)
		var sharedEncs []string
		for i, p := range todo {
			enc := p.Arg
			encs[i] = enc
			k := c.keyByEnc[enc]
			mut := types.Mutation{Op: op, Key: k}
			if op == types.OpUpsert {
				mut.Entity = c.putPayload[enc]
				delete(c.putPayload, enc)
			}
			muts[i] = mut
			if c.useShared(k, Options{SkipSharedCache: s.skipShared}) {
				sharedEncs = append(sharedEncs, enc)
				sharedEligible[enc] = true
			}
		}
		callOpts := s.callOptions()
		mode := c.cfg.WriteMode

		c.loop.RPCBegin()
		go func() {
			defer c.loop.RPCDone()

			// Invalidate-and-lock before the store write, so a concurrent
			// reader cannot re-cache the old value while the write is in
			// flight.
			for _, enc := range sharedEncs {
				if err := c.shared.Lock(c.ctx, enc); err != nil {
					c.logger.Warn().Err(err).Str("key", enc).Msg("Failed to lock shared cache entry before write.")
				}
			}

			var results []types.WriteResult
			if s.skipStore {
				results = make([]types.WriteResult, len(muts))
			} else {
				var err error
				results, err = c.store.BatchWrite(c.ctx, muts, callOpts)
				if err != nil {
					if len(sharedEncs) > 0 {
						if uerr := c.shared.Unlock(c.ctx, sharedEncs...); uerr != nil {
							c.logger.Error().Err(uerr).Msg("Failed to clear shared cache locks after write failure.")
						}
					}
					c.loop.AddRPC(func() { batchFut.SetError(err) })
					return
				}
			}

			for i, enc := range encs {
				if !sharedEligible[enc] {
					continue
				}
				if results[i].Err != nil {
					if err := c.shared.Unlock(c.ctx, enc); err != nil {
						c.logger.Error().Err(err).Str("key", enc).Msg("Failed to clear shared cache lock after write failure.")
					}
					continue
				}
				var value []byte
				if op == types.OpUpsert && mode == sharedcache.WriteBack {
					data, encErr := c.codec.EncodeEntity(muts[i].Entity)
					if encErr != nil {
						c.logger.Error().Err(encErr).Str("key", enc).Msg("Failed to encode entity for write-back, invalidating instead.")
					} else {
						value = data
					}
				}
				if err := c.shared.Confirm(c.ctx, enc, value, mode); err != nil {
					c.logger.Error().Err(err).Str("key", enc).Msg("Failed to confirm shared cache entry.")
				}
			}

			c.loop.AddRPC(func() {
				for i, p := range todo {
					if results[i].Err != nil {
						p.Fail(results[i].Err)
					} else {
						p.Resolve(struct{}{})
					}
				}
				batchFut.SetResult(struct{}{})
			})
		}()
		return batchFut
	}
}
