package entitystore

import (
	"errors"
	"time"

	"github.com/illmade-knight/go-entitystore/pkg/transport"
)

var (
	// ErrNoSuchEntity is the absence sentinel: a successful resolution
	// meaning the key has no entity, never a transport failure.
	ErrNoSuchEntity = errors.New("entitystore: no such entity")

	// Done is returned by Iterator.Next once a query's results are
	// exhausted.
	Done = errors.New("entitystore: no more query results")
)

// Options are per-call settings. The zero value consults every tier, which
// is the default behavior.
type Options struct {
	// SkipLocalCache bypasses consulting and populating the local cache.
	SkipLocalCache bool
	// SkipSharedCache bypasses consulting and populating the shared cache.
	SkipSharedCache bool
	// SkipStore stops a get from falling through to the backing store and
	// turns a write into a cache-only update.
	SkipStore bool
	// Deadline bounds the physical RPC for this call. Calls with different
	// deadlines batch separately.
	Deadline time.Duration
}

func normalize(opts *Options) Options {
	if opts == nil {
		return Options{}
	}
	return *opts
}

// shape is the batching signature of a call: operations batch together only
// when their backend-visible options match.
type shape struct {
	skipShared bool
	skipStore  bool
	deadline   time.Duration
}

func (o Options) shape() shape {
	return shape{skipShared: o.SkipSharedCache, skipStore: o.SkipStore, deadline: o.Deadline}
}

func (s shape) callOptions() transport.CallOptions {
	return transport.CallOptions{Deadline: s.deadline}
}
