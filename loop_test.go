package worldsync

import (
	"context"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestEventLoopSerializes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loop := NewEventLoop(ctx)
	defer loop.Close()

	// events run in post order on one goroutine
	out := []int{}
	for i := 0; i < 100; i += 1 {
		i := i
		loop.Post(func() {
			out = append(out, i)
		})
	}
	loop.Call(func() {})

	assert.Equal(t, len(out), 100)
	for i, v := range out {
		assert.Equal(t, v, i)
	}
}

func TestEventLoopCall(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loop := NewEventLoop(ctx)
	defer loop.Close()

	value := 0
	ok := loop.Call(func() {
		value = 42
	})
	assert.Equal(t, ok, true)
	assert.Equal(t, value, 42)
}

func TestEventLoopClosed(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loop := NewEventLoop(ctx)
	loop.Close()
	// idempotent
	loop.Close()

	assert.Equal(t, loop.Post(func() {}), false)
	assert.Equal(t, loop.Call(func() {}), false)
}

func TestEventLoopPostFromEvent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loop := NewEventLoop(ctx)
	defer loop.Close()

	// an event can fan out arbitrarily many posts onto its own loop
	// without blocking the loop goroutine
	count := 0
	loop.Call(func() {
		for i := 0; i < 10000; i += 1 {
			loop.Post(func() {
				count += 1
			})
		}
	})
	loop.Call(func() {})

	assert.Equal(t, count, 10000)
}

func TestEventLoopRecoversFromPanic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loop := NewEventLoop(ctx)
	defer loop.Close()

	loop.Post(func() {
		panic("callback error")
	})

	// the loop is still alive
	ok := loop.Call(func() {})
	assert.Equal(t, ok, true)
}
