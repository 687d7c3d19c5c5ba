package transport

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/illmade-knight/go-entitystore/pkg/keys"
	"github.com/illmade-knight/go-entitystore/pkg/types"
)

// Memory is an in-process Transport used by tests and local development. It
// counts physical calls and supports per-key failure injection, so tests
// can assert batching coalescing and partial-failure behavior.
//
// It is safe for concurrent use: several Contexts may share one instance
// the way they would share one real backend.
type Memory struct {
	mu   sync.Mutex
	data map[string]*types.Entity

	failLookup map[string]error
	failWrite  map[string]error

	// LookupCalls and WriteCalls count physical batch RPCs.
	LookupCalls atomic.Int32
	WriteCalls  atomic.Int32
	QueryCalls  atomic.Int32
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		data:       make(map[string]*types.Entity),
		failLookup: make(map[string]error),
		failWrite:  make(map[string]error),
	}
}

// Seed stores an entity directly, bypassing the batch write path.
func (m *Memory) Seed(ent *types.Entity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[ent.Key.Encode()] = ent.Clone()
}

// FailLookup makes future lookups of key fail with err.
func (m *Memory) FailLookup(key keys.Key, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failLookup[key.Encode()] = err
}

// FailWrite makes future writes of key fail with err.
func (m *Memory) FailWrite(key keys.Key, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWrite[key.Encode()] = err
}

// Contains reports whether the store holds an entity for key.
func (m *Memory) Contains(key keys.Key) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.data[key.Encode()]
	return ok
}

// BatchLookup implements Transport.
func (m *Memory) BatchLookup(ctx context.Context, ks []keys.Key, opts CallOptions) (map[string]types.LookupResult, error) {
	ctx, cancel := withDeadline(ctx, opts)
	defer cancel()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.LookupCalls.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]types.LookupResult, len(ks))
	for _, k := range ks {
		ek := k.Encode()
		if err, ok := m.failLookup[ek]; ok {
			out[ek] = types.LookupResult{Err: err}
			continue
		}
		if ent, ok := m.data[ek]; ok {
			out[ek] = types.LookupResult{Entity: ent.Clone()}
		} else {
			out[ek] = types.LookupResult{Missing: true}
		}
	}
	return out, nil
}

// BatchWrite implements Transport.
func (m *Memory) BatchWrite(ctx context.Context, muts []types.Mutation, opts CallOptions) ([]types.WriteResult, error) {
	ctx, cancel := withDeadline(ctx, opts)
	defer cancel()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.WriteCalls.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()

	results := make([]types.WriteResult, len(muts))
	for i, mut := range muts {
		ek := mut.Key.Encode()
		if err, ok := m.failWrite[ek]; ok {
			results[i] = types.WriteResult{Err: err}
			continue
		}
		switch mut.Op {
		case types.OpUpsert:
			m.data[ek] = mut.Entity.Clone()
		case types.OpDelete:
			delete(m.data, ek)
		}
	}
	return results, nil
}

// RunQuery implements Transport. It supports equality filters and returns
// results in key order; that is enough for the core, which treats the query
// as opaque.
func (m *Memory) RunQuery(ctx context.Context, q *Query, opts CallOptions, emit func(*types.Entity) error) error {
	ctx, cancel := withDeadline(ctx, opts)
	defer cancel()

	m.QueryCalls.Add(1)
	m.mu.Lock()
	var matched []*types.Entity
	for _, ent := range m.data {
		if q.Kind != "" && ent.Key.Kind() != q.Kind {
			continue
		}
		if q.Namespace != "" && ent.Key.Namespace != q.Namespace {
			continue
		}
		if !matchesFilters(ent, q.Filters) {
			continue
		}
		matched = append(matched, ent.Clone())
	}
	m.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].Key.Compare(matched[j].Key) < 0
	})
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}

	for _, ent := range matched {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := emit(ent); err != nil {
			return err
		}
	}
	return nil
}

func matchesFilters(ent *types.Entity, filters []Filter) bool {
	for _, f := range filters {
		if f.Op != "==" {
			continue // only equality is supported in-memory
		}
		if ent.Properties[f.Field] != f.Value {
			return false
		}
	}
	return true
}
