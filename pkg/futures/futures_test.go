package futures_test

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/illmade-knight/go-entitystore/pkg/futures"
)

func newLoop() *futures.Loop {
	return futures.NewLoop(zerolog.Nop())
}

func TestFuture_ResolveAndWait(t *testing.T) {
	loop := newLoop()
	fut := futures.New[string](loop)

	loop.AddCallback(func() { fut.SetResult("hello") })

	v, err := fut.Wait()
	require.NoError(t, err)
	assert.Equal(t, "hello", v)
	assert.True(t, fut.Done())
}

func TestFuture_ErrorPropagates(t *testing.T) {
	loop := newLoop()
	fut := futures.New[int](loop)
	boom := errors.New("boom")

	loop.AddCallback(func() { fut.SetError(boom) })

	_, err := fut.Wait()
	assert.ErrorIs(t, err, boom)
}

func TestFuture_DoubleResolvePanics(t *testing.T) {
	loop := newLoop()
	fut := futures.New[int](loop)
	fut.SetResult(1)

	assert.PanicsWithValue(t, futures.ErrAlreadyResolved, func() { fut.SetResult(2) })
	assert.PanicsWithValue(t, futures.ErrAlreadyResolved, func() { fut.SetError(errors.New("x")) })
}

func TestFuture_CallbackOrderPreserved(t *testing.T) {
	loop := newLoop()
	fut := futures.New[int](loop)

	var order []int
	fut.AddCallback(func(int, error) { order = append(order, 1) })
	fut.AddCallback(func(int, error) { order = append(order, 2) })
	fut.AddCallback(func(int, error) { order = append(order, 3) })

	fut.SetResult(0)
	loop.Run()
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestFuture_CallbackAfterResolutionRunsImmediately(t *testing.T) {
	loop := newLoop()
	fut := futures.Resolved(loop, 42)

	ran := false
	fut.AddCallback(func(v int, err error) {
		ran = true
		assert.Equal(t, 42, v)
		assert.NoError(t, err)
	})
	assert.True(t, ran, "callbacks on a resolved future run inline")
}

func TestWait_DeadlockDetected(t *testing.T) {
	loop := newLoop()
	fut := futures.New[int](loop)

	// Nothing queued and nothing in flight: waiting can never succeed.
	_, err := fut.Wait()
	assert.ErrorIs(t, err, futures.ErrNothingToDo)
}

func TestLoop_QueuePriorities(t *testing.T) {
	loop := newLoop()
	var order []string

	loop.AddIdle(func() { order = append(order, "idle") })
	loop.AddRPC(func() { order = append(order, "rpc") })
	loop.AddCallback(func() { order = append(order, "immediate") })
	// An immediate callback scheduled by another callback still runs before
	// queued RPC work.
	loop.AddCallback(func() {
		order = append(order, "immediate2")
		loop.AddCallback(func() { order = append(order, "immediate3") })
	})

	loop.Run()
	assert.Equal(t, []string{"immediate", "immediate2", "immediate3", "rpc", "idle"}, order)
}

func TestLoop_IdleRunsOnlyWhenDrained(t *testing.T) {
	loop := newLoop()
	var order []string

	loop.AddIdle(func() {
		order = append(order, "idle")
		// Work generated by an idle callback takes priority again.
		loop.AddCallback(func() { order = append(order, "post-idle-immediate") })
	})
	loop.AddCallback(func() { order = append(order, "a") })

	loop.Run()
	assert.Equal(t, []string{"a", "idle", "post-idle-immediate"}, order)
}

func TestLoop_BlocksForInflightRPC(t *testing.T) {
	loop := newLoop()
	fut := futures.New[string](loop)

	loop.RPCBegin()
	go func() {
		time.Sleep(20 * time.Millisecond)
		loop.AddRPC(func() { fut.SetResult("late") })
		loop.RPCDone()
	}()

	v, err := fut.Wait()
	require.NoError(t, err)
	assert.Equal(t, "late", v)
}

func TestWaitAny(t *testing.T) {
	loop := newLoop()
	a := futures.New[int](loop)
	b := futures.New[int](loop)

	loop.AddCallback(func() { b.SetResult(2) })

	first, err := futures.WaitAny(loop, []futures.Awaitable{a, b})
	require.NoError(t, err)
	assert.Same(t, b, first)
	assert.False(t, a.Done())

	// Empty input returns immediately.
	none, err := futures.WaitAny(loop, nil)
	require.NoError(t, err)
	assert.Nil(t, none)
}
