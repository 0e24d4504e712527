package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueFIFO(t *testing.T) {
	q := NewQueue()
	q.Enqueue("a")
	q.Enqueue("b")
	q.Enqueue("c")
	assert.Equal(t, 3, q.Len())

	ctx := context.Background()
	for _, want := range []string{"a", "b", "c"} {
		got, ok := q.Dequeue(ctx)
		require.True(t, ok)
		assert.Equal(t, want, got)
	}
	assert.Equal(t, 0, q.Len())
}

func TestQueueDequeueBlocksUntilEnqueue(t *testing.T) {
	q := NewQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got := make(chan string, 1)
	go func() {
		id, ok := q.Dequeue(ctx)
		require.True(t, ok)
		got <- id
	}()

	time.Sleep(10 * time.Millisecond)
	q.Enqueue("order-1")

	select {
	case id := <-got:
		assert.Equal(t, "order-1", id)
	case <-ctx.Done():
		t.Fatal("dequeue did not wake after enqueue")
	}
}

func TestQueueDequeueReturnsOnCancel(t *testing.T) {
	q := NewQueue()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan bool, 1)
	go func() {
		_, ok := q.Dequeue(ctx)
		done <- ok
	}()

	cancel()
	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("dequeue did not observe cancellation")
	}
}

func TestQueueDuplicateEnqueues(t *testing.T) {
	q := NewQueue()
	q.Enqueue("same")
	q.Enqueue("same")
	assert.Equal(t, 2, q.Len(), "duplicates are kept; consumers de-duplicate by re-checking state")
}
