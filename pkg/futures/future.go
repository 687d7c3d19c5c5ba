package futures

// Future is a single-assignment deferred result. It is created pending,
// transitions exactly once to done (a value) or failed (an error), and then
// never changes. Callbacks added before resolution are dispatched through
// the owning loop's immediate queue in registration order; callbacks added
// after resolution run inline.
//
// Futures are resolved only from callbacks run by the owning loop, so they
// carry no lock.
type Future[T any] struct {
	loop      *Loop
	done      bool
	result    T
	err       error
	callbacks []func(T, error)
}

// New returns a pending future owned by loop.
func New[T any](loop *Loop) *Future[T] {
	return &Future[T]{loop: loop}
}

// Resolved returns an already-done future holding v. Used for cache hits,
// which pay no trip through the loop.
func Resolved[T any](loop *Loop, v T) *Future[T] {
	return &Future[T]{loop: loop, done: true, result: v}
}

// ResolvedErr returns an already-failed future holding err.
func ResolvedErr[T any](loop *Loop, err error) *Future[T] {
	return &Future[T]{loop: loop, done: true, err: err}
}

// Loop returns the loop that resolves this future.
func (f *Future[T]) Loop() *Loop { return f.loop }

// Done reports whether the future has resolved.
func (f *Future[T]) Done() bool { return f.done }

// SetResult transitions pending -> done. Panics with ErrAlreadyResolved if
// the future is not pending.
func (f *Future[T]) SetResult(v T) {
	if f.done {
		panic(ErrAlreadyResolved)
	}
	f.done = true
	f.result = v
	f.dispatch()
}

// SetError transitions pending -> failed. Panics with ErrAlreadyResolved if
// the future is not pending.
func (f *Future[T]) SetError(err error) {
	if f.done {
		panic(ErrAlreadyResolved)
	}
	f.done = true
	f.err = err
	f.dispatch()
}

func (f *Future[T]) dispatch() {
	for _, cb := range f.callbacks {
		cb := cb
		f.loop.AddCallback(func() { cb(f.result, f.err) })
	}
	f.callbacks = nil
}

// AddCallback registers fn to run with the resolution. If the future has
// already resolved fn runs immediately; otherwise it is queued and
// dispatched in registration order at resolution time.
func (f *Future[T]) AddCallback(fn func(T, error)) {
	if f.done {
		fn(f.result, f.err)
		return
	}
	f.callbacks = append(f.callbacks, fn)
}

// Result returns the resolution. Only meaningful once Done reports true;
// on a pending future it returns the zero value and nil.
func (f *Future[T]) Result() (T, error) {
	return f.result, f.err
}

// Wait drives the owning loop until this future resolves, then returns the
// result or the stored error. If the loop goes quiescent first, Wait
// returns ErrNothingToDo: a deadlock reported rather than a silent hang.
func (f *Future[T]) Wait() (T, error) {
	for !f.done {
		if !f.loop.Run1() {
			var zero T
			return zero, ErrNothingToDo
		}
	}
	return f.result, f.err
}

// Awaitable is the type-erased view of a future used by WaitAny.
type Awaitable interface {
	Done() bool
}

// WaitAny drives the loop until at least one of futs has resolved and
// returns it. An empty slice returns nil immediately. Returns
// ErrNothingToDo if the loop goes quiescent with every future pending.
func WaitAny(loop *Loop, futs []Awaitable) (Awaitable, error) {
	if len(futs) == 0 {
		return nil, nil
	}
	for {
		for _, f := range futs {
			if f.Done() {
				return f, nil
			}
		}
		if !loop.Run1() {
			return nil, ErrNothingToDo
		}
	}
}
