package entitystore_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/illmade-knight/go-entitystore/pkg/entitystore"
	"github.com/illmade-knight/go-entitystore/pkg/keys"
	"github.com/illmade-knight/go-entitystore/pkg/sharedcache"
	"github.com/illmade-knight/go-entitystore/pkg/transport"
	"github.com/illmade-knight/go-entitystore/pkg/types"
)

func newSharedStore(t *testing.T, backend sharedcache.Backend) *sharedcache.Store {
	t.Helper()
	store, err := sharedcache.NewStore(backend, nil, zerolog.Nop())
	require.NoError(t, err)
	return store
}

func newContext(t *testing.T, store transport.Transport, shared *sharedcache.Store, cfg *entitystore.Config) *entitystore.Context {
	t.Helper()
	c, err := entitystore.New(context.Background(), cfg, store, shared, nil, zerolog.Nop())
	require.NoError(t, err)
	return c
}

func account(id int64, name string) *types.Entity {
	return &types.Entity{
		Key:        keys.IDKey("Account", id, nil),
		Properties: map[string]interface{}{"name": name},
	}
}

func TestContext_GetAbsentThenLocalCacheHit(t *testing.T) {
	store := transport.NewMemory()
	c := newContext(t, store, nil, nil)
	k := keys.IDKey("Account", 1, nil)

	_, err := c.Get(k, nil)
	assert.ErrorIs(t, err, entitystore.ErrNoSuchEntity)
	assert.Equal(t, int32(1), store.LookupCalls.Load())

	// The absence is tombstoned locally: no second RPC.
	_, err = c.Get(k, nil)
	assert.ErrorIs(t, err, entitystore.ErrNoSuchEntity)
	assert.Equal(t, int32(1), store.LookupCalls.Load())
}

func TestContext_PutThenGetObservesWriteBeforeRPC(t *testing.T) {
	store := transport.NewMemory()
	c := newContext(t, store, nil, nil)
	ent := account(1, "alice")

	putFut := c.PutAsync(ent, nil)

	// Before the loop runs anything, the write is already visible locally.
	getFut := c.GetAsync(ent.Key, nil)
	require.True(t, getFut.Done(), "same-Context read-your-write must not wait for the store")
	got, err := getFut.Wait()
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Properties["name"])
	assert.Equal(t, int32(0), store.WriteCalls.Load(), "value observed before any store RPC")

	_, err = putFut.Wait()
	require.NoError(t, err)
	assert.True(t, store.Contains(ent.Key))
}

func TestContext_GetsCoalesceIntoOneRPC(t *testing.T) {
	store := transport.NewMemory()
	store.Seed(account(1, "alice"))
	c := newContext(t, store, nil, nil)
	k := keys.IDKey("Account", 1, nil)

	futA := c.GetAsync(k, nil)
	futB := c.GetAsync(k, nil)

	a, err := futA.Wait()
	require.NoError(t, err)
	b, err := futB.Wait()
	require.NoError(t, err)

	assert.Equal(t, "alice", a.Properties["name"])
	assert.Equal(t, "alice", b.Properties["name"])
	assert.Equal(t, int32(1), store.LookupCalls.Load(), "both gets share one physical lookup")
}

func TestContext_BatchedScenarioABC(t *testing.T) {
	store := transport.NewMemory()
	a := keys.NameKey("Doc", "A", nil)
	b := keys.NameKey("Doc", "B", nil)
	cKey := keys.NameKey("Doc", "C", nil)
	store.Seed(&types.Entity{Key: a, Properties: map[string]interface{}{"v": "x"}})
	store.Seed(&types.Entity{Key: cKey, Properties: map[string]interface{}{"v": "y"}})

	c := newContext(t, store, nil, nil)

	futA := c.GetAsync(a, nil)
	futB := c.GetAsync(b, nil)
	futC := c.GetAsync(cKey, nil)

	c.Loop().Run()

	require.True(t, futA.Done())
	require.True(t, futB.Done())
	require.True(t, futC.Done())
	assert.Equal(t, int32(1), store.LookupCalls.Load(), "A, B and C travel in one batched lookup")

	entA, err := futA.Wait()
	require.NoError(t, err)
	assert.Equal(t, "x", entA.Properties["v"])

	_, err = futB.Wait()
	assert.ErrorIs(t, err, entitystore.ErrNoSuchEntity)

	entC, err := futC.Wait()
	require.NoError(t, err)
	assert.Equal(t, "y", entC.Properties["v"])

	// The fills stuck: value, tombstone, value — no further RPCs.
	_, _ = c.Get(a, nil)
	_, err = c.Get(b, nil)
	assert.ErrorIs(t, err, entitystore.ErrNoSuchEntity)
	_, _ = c.Get(cKey, nil)
	assert.Equal(t, int32(1), store.LookupCalls.Load())
}

func TestContext_PartialLookupFailure(t *testing.T) {
	store := transport.NewMemory()
	boom := errors.New("shard unavailable")
	var futs []interface {
		Done() bool
	}
	c := newContext(t, store, nil, nil)

	good1 := keys.IDKey("Account", 1, nil)
	bad1 := keys.IDKey("Account", 2, nil)
	good2 := keys.IDKey("Account", 3, nil)
	bad2 := keys.IDKey("Account", 4, nil)
	store.Seed(account(1, "alice"))
	store.Seed(account(3, "carol"))
	store.FailLookup(bad1, boom)
	store.FailLookup(bad2, boom)

	fGood1 := c.GetAsync(good1, nil)
	fBad1 := c.GetAsync(bad1, nil)
	fGood2 := c.GetAsync(good2, nil)
	fBad2 := c.GetAsync(bad2, nil)
	futs = append(futs, fGood1, fBad1, fGood2, fBad2)

	c.Loop().Run()
	for _, f := range futs {
		require.True(t, f.Done(), "no future may be left unresolved")
	}

	_, err := fGood1.Wait()
	assert.NoError(t, err)
	_, err = fGood2.Wait()
	assert.NoError(t, err)
	_, err = fBad1.Wait()
	assert.ErrorIs(t, err, boom)
	_, err = fBad2.Wait()
	assert.ErrorIs(t, err, boom)
}

func TestContext_DeleteIsIdempotent(t *testing.T) {
	store := transport.NewMemory()
	store.Seed(account(1, "alice"))
	c := newContext(t, store, nil, nil)
	k := keys.IDKey("Account", 1, nil)

	require.NoError(t, c.Delete(k, nil))
	require.NoError(t, c.Delete(k, nil), "second delete is a no-op, not an error")
	assert.False(t, store.Contains(k))

	_, err := c.Get(k, nil)
	assert.ErrorIs(t, err, entitystore.ErrNoSuchEntity)
	assert.Equal(t, int32(0), store.LookupCalls.Load(), "the tombstone answers the get")
}

func TestContext_ProgramOrderWithinBatch(t *testing.T) {
	store := transport.NewMemory()
	c := newContext(t, store, nil, nil)
	k := keys.IDKey("Account", 1, nil)

	fut1 := c.PutAsync(&types.Entity{Key: k, Properties: map[string]interface{}{"name": "v1"}}, nil)
	fut2 := c.PutAsync(&types.Entity{Key: k, Properties: map[string]interface{}{"name": "v2"}}, nil)

	_, err := fut1.Wait()
	require.NoError(t, err)
	_, err = fut2.Wait()
	require.NoError(t, err)

	// The later put wins, and the local read agrees.
	got, err := c.Get(k, nil)
	require.NoError(t, err)
	assert.Equal(t, "v2", got.Properties["name"])
	assert.Equal(t, int32(1), store.WriteCalls.Load(), "both puts share one physical write")
}

func TestContext_PutRollbackOnStoreFailure(t *testing.T) {
	store := transport.NewMemory()
	boom := errors.New("write rejected")
	c := newContext(t, store, nil, nil)
	k := keys.IDKey("Account", 1, nil)
	store.FailWrite(k, boom)

	_, err := c.Put(account(1, "alice"), nil)
	assert.ErrorIs(t, err, boom)

	// The optimistic local entry was rolled back: the get goes to the
	// store and reports absence.
	_, err = c.Get(k, nil)
	assert.ErrorIs(t, err, entitystore.ErrNoSuchEntity)
	assert.Equal(t, int32(1), store.LookupCalls.Load())
}

func TestContext_FlushForcesPendingWrites(t *testing.T) {
	store := transport.NewMemory()
	c := newContext(t, store, nil, nil)

	fut := c.PutAsync(account(1, "alice"), nil)
	require.NoError(t, c.Flush())
	require.True(t, fut.Done())
	assert.True(t, store.Contains(keys.IDKey("Account", 1, nil)))
}

func TestContext_DistinctDeadlinesBatchSeparately(t *testing.T) {
	store := transport.NewMemory()
	store.Seed(account(1, "alice"))
	store.Seed(account(2, "bob"))
	c := newContext(t, store, nil, nil)

	futA := c.GetAsync(keys.IDKey("Account", 1, nil), nil)
	futB := c.GetAsync(keys.IDKey("Account", 2, nil), &entitystore.Options{Deadline: 5 * time.Second})

	_, err := futA.Wait()
	require.NoError(t, err)
	_, err = futB.Wait()
	require.NoError(t, err)
	assert.Equal(t, int32(2), store.LookupCalls.Load(), "different option signatures are different RPC shapes")
}

func TestContext_SkipStoreGetDoesNotPoisonCache(t *testing.T) {
	store := transport.NewMemory()
	store.Seed(account(1, "alice"))
	c := newContext(t, store, nil, nil)
	k := keys.IDKey("Account", 1, nil)

	_, err := c.Get(k, &entitystore.Options{SkipStore: true})
	assert.ErrorIs(t, err, entitystore.ErrNoSuchEntity)
	assert.Equal(t, int32(0), store.LookupCalls.Load())

	// A cache-only miss proves nothing: the next normal get must reach the
	// store and find the entity.
	got, err := c.Get(k, nil)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Properties["name"])
}

func TestContext_QueryStreamsAndBypassesCaches(t *testing.T) {
	store := transport.NewMemory()
	store.Seed(account(2, "bob"))
	store.Seed(account(1, "alice"))
	c := newContext(t, store, nil, nil)

	it := c.Run(&transport.Query{Kind: "Account"}, nil)

	first, err := it.Next()
	require.NoError(t, err)
	assert.Equal(t, "alice", first.Properties["name"])

	second, err := it.Next()
	require.NoError(t, err)
	assert.Equal(t, "bob", second.Properties["name"])

	_, err = it.Next()
	assert.ErrorIs(t, err, entitystore.Done)
	_, err = it.Next()
	assert.ErrorIs(t, err, entitystore.Done, "a finished iterator stays finished")

	// Query results never populate the key caches.
	_, err = c.Get(keys.IDKey("Account", 1, nil), nil)
	require.NoError(t, err)
	assert.Equal(t, int32(1), store.LookupCalls.Load())
}
