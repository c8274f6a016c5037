package webhook

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolRetriesTransientFailures(t *testing.T) {
	pool := NewPool(PoolConfig{Workers: 1, PriorityWorkers: 1, MaxRetries: 2}, slog.Default())
	pool.Start()
	defer pool.Shutdown()

	var attempts atomic.Int64
	done := make(chan struct{})
	fn := func(context.Context, *Event) error {
		if attempts.Add(1) < 2 {
			return errors.New("transient")
		}
		close(done)
		return nil
	}

	err := pool.Submit(context.Background(), &Event{Kind: EventPing, DeliveryID: "d1"}, fn, false)
	require.NoError(t, err)

	select {
	case <-done:
		assert.Equal(t, int64(2), attempts.Load())
	case <-time.After(5 * time.Second):
		t.Fatal("task never succeeded")
	}
}

func TestPoolPriorityQueueDrainsFirst(t *testing.T) {
	pool := NewPool(PoolConfig{Workers: 1, PriorityWorkers: 1}, slog.Default())

	order := make(chan string, 2)
	record := func(label string) ProcessFunc {
		return func(context.Context, *Event) error {
			order <- label
			return nil
		}
	}

	// Enqueue before starting so the single worker sees both queues full.
	require.NoError(t, pool.Submit(context.Background(),
		&Event{Kind: EventWorkflowRun, DeliveryID: "normal"}, record("normal"), false))
	require.NoError(t, pool.Submit(context.Background(),
		&Event{Kind: EventCheckRun, DeliveryID: "urgent"}, record("urgent"), true))

	pool.Start()
	defer pool.Shutdown()

	assert.Equal(t, "urgent", <-order)
	assert.Equal(t, "normal", <-order)
}

func TestPoolSubmitRespectsContext(t *testing.T) {
	pool := NewPool(PoolConfig{Workers: 1, PriorityWorkers: 1}, slog.Default())
	// Never started: fill the queue so Submit blocks.
	noop := func(context.Context, *Event) error { return nil }
	for i := 0; i < queueDepth; i++ {
		require.NoError(t, pool.Submit(context.Background(), &Event{Kind: EventPing}, noop, false))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := pool.Submit(ctx, &Event{Kind: EventPing}, noop, false)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPoolShutdownStopsWorkers(t *testing.T) {
	pool := NewPool(PoolConfig{Workers: 2, PriorityWorkers: 1}, slog.Default())
	pool.Start()

	done := make(chan struct{})
	go func() {
		pool.Shutdown()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not complete")
	}
}
