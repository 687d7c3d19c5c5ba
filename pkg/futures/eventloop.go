// Package futures provides the cooperative execution core: a
// single-threaded event loop with three priority queues, and a
// single-assignment Future type resolved through it.
//
// The loop services its queues in strict priority order: immediate
// callbacks first, then RPC completions, then idle callbacks. Idle
// callbacks run only when nothing more urgent can, which is what lets
// batchers accumulate the fullest possible batch before paying for a round
// trip. A callback always runs to completion before the next is dequeued;
// there is no preemption.
//
// Everything except AddRPC must be called from the goroutine driving the
// loop. AddRPC is the single cross-goroutine entry point: transport
// goroutines post their completions through it.
package futures

import (
	"sync"

	"github.com/rs/zerolog"
)

// Loop is the cooperative scheduler owned by a Context.
type Loop struct {
	logger zerolog.Logger

	// current and idle are touched only by the loop goroutine.
	current []func()
	idle    []func()

	// mu guards rpc and inflight; completions arrive from other goroutines.
	mu       sync.Mutex
	cond     *sync.Cond
	rpc      []func()
	inflight int
}

// NewLoop creates an empty event loop.
func NewLoop(logger zerolog.Logger) *Loop {
	l := &Loop{
		logger: logger.With().Str("component", "EventLoop").Logger(),
	}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// AddCallback queues fn on the immediate queue: zero-delay continuations,
// serviced before anything else.
func (l *Loop) AddCallback(fn func()) {
	l.current = append(l.current, fn)
}

// AddIdle queues a one-shot idle callback, run only once the immediate and
// RPC queues are empty. Batchers register their flush here.
func (l *Loop) AddIdle(fn func()) {
	l.idle = append(l.idle, fn)
}

// RPCBegin records that an RPC has been launched. The loop will block in
// Run1 rather than report quiescence while a completion is still owed.
// Every RPCBegin must be balanced by exactly one RPCDone.
func (l *Loop) RPCBegin() {
	l.mu.Lock()
	l.inflight++
	l.mu.Unlock()
}

// RPCDone records that an in-flight RPC has finished posting its events.
// Safe to call from any goroutine.
func (l *Loop) RPCDone() {
	l.mu.Lock()
	l.inflight--
	l.mu.Unlock()
	l.cond.Broadcast()
}

// AddRPC posts a callback on the RPC-completion queue. Safe to call from
// any goroutine; wakes a Run1 blocked waiting for in-flight work. A
// streaming RPC may post many callbacks before its RPCDone.
func (l *Loop) AddRPC(fn func()) {
	l.mu.Lock()
	l.rpc = append(l.rpc, fn)
	l.mu.Unlock()
	l.cond.Signal()
}

// popRPC dequeues one completion, optionally blocking while RPCs are in
// flight. Returns nil when the queue is empty and (if block) nothing is in
// flight.
func (l *Loop) popRPC(block bool) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if block {
		for len(l.rpc) == 0 && l.inflight > 0 {
			l.cond.Wait()
		}
	}
	if len(l.rpc) == 0 {
		return nil
	}
	fn := l.rpc[0]
	l.rpc = l.rpc[1:]
	return fn
}

// Run1 executes one unit of work from the highest-priority non-empty queue
// and reports whether progress was made. With all queues empty but RPCs in
// flight it blocks until a completion arrives. False means the loop is
// quiescent: no queued work, nothing in flight.
func (l *Loop) Run1() bool {
	if len(l.current) > 0 {
		fn := l.current[0]
		l.current = l.current[1:]
		fn()
		return true
	}
	if fn := l.popRPC(false); fn != nil {
		fn()
		return true
	}
	if len(l.idle) > 0 {
		fn := l.idle[0]
		l.idle = l.idle[1:]
		fn()
		return true
	}
	if fn := l.popRPC(true); fn != nil {
		fn()
		return true
	}
	l.logger.Debug().Msg("Event loop quiescent.")
	return false
}

// Run drives the loop until it is quiescent.
func (l *Loop) Run() {
	for l.Run1() {
	}
}
