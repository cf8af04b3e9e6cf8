// ABOUTME: Tests for the fixed-size worker pool
// ABOUTME: Covers saturation, panics in tasks and draining on shutdown

package workq

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_RunsTasks(t *testing.T) {
	p := New("test", 4, 16, nil)

	var n atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		require.NoError(t, p.Submit(func() {
			defer wg.Done()
			n.Add(1)
		}))
	}
	wg.Wait()
	assert.Equal(t, int32(10), n.Load())

	require.NoError(t, p.Shutdown(context.Background()))
}

func TestPool_SubmitDoesNotBlockWhenSaturated(t *testing.T) {
	p := New("test", 1, 1, nil)
	release := make(chan struct{})
	started := make(chan struct{})

	require.NoError(t, p.Submit(func() {
		close(started)
		<-release
	}))
	<-started

	// queue slot
	require.NoError(t, p.Submit(func() {}))

	done := make(chan error, 1)
	go func() { done <- p.Submit(func() {}) }()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrPoolSaturated)
	case <-time.After(time.Second):
		t.Fatal("Submit blocked on a full queue")
	}

	close(release)
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestPool_RecoversFromPanics(t *testing.T) {
	p := New("test", 1, 4, nil)

	require.NoError(t, p.Submit(func() { panic("boom") }))

	ran := make(chan struct{})
	require.NoError(t, p.Submit(func() { close(ran) }))

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("worker did not survive a panicking task")
	}
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestPool_ShutdownDrainsQueue(t *testing.T) {
	p := New("test", 1, 8, nil)

	var n atomic.Int32
	for i := 0; i < 5; i++ {
		require.NoError(t, p.Submit(func() {
			time.Sleep(5 * time.Millisecond)
			n.Add(1)
		}))
	}

	require.NoError(t, p.Shutdown(context.Background()))
	assert.Equal(t, int32(5), n.Load())

	assert.ErrorIs(t, p.Submit(func() {}), ErrPoolClosed)
}

func TestPool_ShutdownDeadline(t *testing.T) {
	p := New("test", 1, 1, nil)
	release := make(chan struct{})
	require.NoError(t, p.Submit(func() { <-release }))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := p.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	// a second Shutdown after the task finishes drains cleanly
	require.NoError(t, p.Shutdown(context.Background()))
}
