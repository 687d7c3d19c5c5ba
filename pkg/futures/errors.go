package futures

import "errors"

var (
	// ErrAlreadyResolved is the panic value when SetResult or SetError is
	// called on a future that has already resolved. Resolving twice is a
	// programming error, not a runtime condition.
	ErrAlreadyResolved = errors.New("future already resolved")

	// ErrNothingToDo is returned by Wait when the event loop has no queued
	// work and no in-flight RPCs while the awaited future is still pending.
	// That state is a deadlock: nothing can ever resolve the future.
	ErrNothingToDo = errors.New("event loop has nothing to do but a future is still pending")
)
