// Package transport defines the contract between the execution core and the
// remote entity store, plus two implementations: an in-process Memory store
// for tests and local development, and a Firestore-backed store.
//
// The contract is synchronous; the Context is responsible for running every
// transport call on an RPC goroutine and posting its completion to the
// event loop's RPC-completion queue. Retry policy belongs to the transport
// implementation, never to the core.
package transport

import (
	"context"
	"time"

	"github.com/illmade-knight/go-entitystore/pkg/keys"
	"github.com/illmade-knight/go-entitystore/pkg/types"
)

// CallOptions carries per-call backend options. Distinct option values form
// distinct batching shapes.
type CallOptions struct {
	// Deadline bounds the whole physical call. Zero means no per-call
	// timeout beyond the passed context.
	Deadline time.Duration
}

// Filter is one already-compiled predicate of a query. Op uses the
// backend's comparison syntax ("==", "<", "<=", ">", ">=").
type Filter struct {
	Field string
	Op    string
	Value interface{}
}

// Order is one already-compiled sort clause.
type Order struct {
	Field      string
	Descending bool
}

// Query is the compiled request object handed over by the external query
// layer. The core never inspects it; it is submitted to RunQuery as-is.
type Query struct {
	Namespace string
	Kind      string
	Filters   []Filter
	Orders    []Order
	// Limit caps the number of results. Zero means no limit.
	Limit int
}

// Transport is the remote-store contract the core depends on.
type Transport interface {
	// BatchLookup fetches the given keys in one physical call (or as few as
	// backend limits allow). The result maps each key's canonical encoding
	// to its outcome; a per-key failure must not fail sibling keys. Only a
	// whole-call failure is returned as an error.
	BatchLookup(ctx context.Context, ks []keys.Key, opts CallOptions) (map[string]types.LookupResult, error)

	// BatchWrite applies the given mutations, returning one WriteResult per
	// mutation, positionally. Partial failure is reported per mutation.
	BatchWrite(ctx context.Context, muts []types.Mutation, opts CallOptions) ([]types.WriteResult, error)

	// RunQuery streams the decoded results of a compiled query to emit in
	// order. Returning an error from emit stops the stream early. The
	// sequence is lazy, finite and non-restartable.
	RunQuery(ctx context.Context, q *Query, opts CallOptions, emit func(*types.Entity) error) error
}

// withDeadline applies opts.Deadline to ctx when set.
func withDeadline(ctx context.Context, opts CallOptions) (context.Context, context.CancelFunc) {
	if opts.Deadline > 0 {
		return context.WithTimeout(ctx, opts.Deadline)
	}
	return ctx, func() {}
}
