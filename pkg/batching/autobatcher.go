// Package batching provides the AutoBatcher: it coalesces same-shaped
// requests issued within one idle window of the event loop into as few
// physical calls as possible.
//
// A Context owns one batcher per RPC shape (operation kind plus backend
// option signature). The first Add on an empty batch arms the flush as a
// one-shot idle callback, so a tight sequence of operations accumulates
// into the fullest possible batch before a round trip is paid. Reaching the
// size limit flushes immediately.
package batching

import (
	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-entitystore/pkg/futures"
)

// Pending is one slot of an open batch: an argument plus every future
// waiting on it. Repeated Adds of an equal argument share one slot and fan
// the result out to all registered futures.
type Pending[A comparable, R any] struct {
	Arg  A
	futs []*futures.Future[R]
}

// Resolve fans a successful result out to every still-pending future of
// this slot.
func (p *Pending[A, R]) Resolve(v R) {
	for _, f := range p.futs {
		if !f.Done() {
			f.SetResult(v)
		}
	}
}

// Fail fans an error out to every still-pending future of this slot.
func (p *Pending[A, R]) Fail(err error) {
	for _, f := range p.futs {
		if !f.Done() {
			f.SetError(err)
		}
	}
}

// FlushFunc performs one physical call covering todo and resolves every
// slot with its per-argument result or error. The returned future reports
// the call-level outcome: if it fails, the batcher fails every slot the
// FlushFunc left unresolved, so no future is ever left pending.
type FlushFunc[A comparable, R any] func(todo []*Pending[A, R]) *futures.Future[struct{}]

// AutoBatcher accumulates arguments for one RPC shape. It is owned by a
// single event loop and carries no lock.
type AutoBatcher[A comparable, R any] struct {
	loop    *futures.Loop
	logger  zerolog.Logger
	limit   int
	flushFn FlushFunc[A, R]

	order     []A
	pending   map[A]*Pending[A, R]
	running   []*futures.Future[struct{}]
	idleArmed bool
}

// New creates a batcher. limit caps the number of distinct arguments per
// physical call; larger accumulations are split within one flush cycle.
func New[A comparable, R any](loop *futures.Loop, limit int, flushFn FlushFunc[A, R], logger zerolog.Logger) *AutoBatcher[A, R] {
	if limit <= 0 {
		limit = 1000
	}
	return &AutoBatcher[A, R]{
		loop:    loop,
		logger:  logger.With().Str("component", "AutoBatcher").Logger(),
		limit:   limit,
		flushFn: flushFn,
		pending: make(map[A]*Pending[A, R]),
	}
}

// Add registers interest in arg and returns a future resolved when the
// covering batch flushes. Equal arguments within one open batch share a
// single outgoing slot.
func (b *AutoBatcher[A, R]) Add(arg A) *futures.Future[R] {
	p, ok := b.pending[arg]
	if !ok {
		if len(b.pending) == 0 && !b.idleArmed {
			b.idleArmed = true
			b.loop.AddIdle(b.onIdle)
		}
		p = &Pending[A, R]{Arg: arg}
		b.pending[arg] = p
		b.order = append(b.order, arg)
	}
	fut := futures.New[R](b.loop)
	p.futs = append(p.futs, fut)
	if len(b.order) >= b.limit {
		b.flushBatch()
	}
	return fut
}

// Len returns the number of distinct arguments in the open batch.
func (b *AutoBatcher[A, R]) Len() int { return len(b.order) }

func (b *AutoBatcher[A, R]) onIdle() {
	b.idleArmed = false
	b.flushBatch()
}

// flushBatch closes the open batch and issues it as one logical flush
// cycle, split into physical calls of at most limit slots.
func (b *AutoBatcher[A, R]) flushBatch() {
	if len(b.order) == 0 {
		return
	}
	todo := make([]*Pending[A, R], len(b.order))
	for i, arg := range b.order {
		todo[i] = b.pending[arg]
	}
	b.order = nil
	b.pending = make(map[A]*Pending[A, R])

	b.logger.Debug().Int("batch_size", len(todo)).Msg("Flushing batch.")
	for start := 0; start < len(todo); start += b.limit {
		end := start + b.limit
		if end > len(todo) {
			end = len(todo)
		}
		b.runChunk(todo[start:end])
	}
}

func (b *AutoBatcher[A, R]) runChunk(chunk []*Pending[A, R]) {
	batchFut := b.flushFn(chunk)
	b.running = append(b.running, batchFut)
	batchFut.AddCallback(func(_ struct{}, err error) {
		for i, f := range b.running {
			if f == batchFut {
				b.running = append(b.running[:i], b.running[i+1:]...)
				break
			}
		}
		if err != nil {
			// A call-level failure fails every slot the flush left
			// unresolved; per-slot outcomes already assigned stand.
			for _, p := range chunk {
				p.Fail(err)
			}
		}
	})
}

// Flush forces the open batch out without waiting for an idle window and
// drives the loop until every in-flight flush of this batcher completes.
func (b *AutoBatcher[A, R]) Flush() error {
	for {
		b.flushBatch()
		if len(b.running) == 0 {
			return nil
		}
		awaitables := make([]futures.Awaitable, len(b.running))
		for i, f := range b.running {
			awaitables[i] = f
		}
		if _, err := futures.WaitAny(b.loop, awaitables); err != nil {
			return err
		}
	}
}
