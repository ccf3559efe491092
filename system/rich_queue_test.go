package system

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRichQueueConsumesAll(t *testing.T) {
	q := NewRichQueue[int]()
	for i := 0; i < 20; i++ {
		q.Enqueue(i)
	}
	q.EnqueueWithDelay(100, 20*time.Millisecond)

	var sum atomic.Int64
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		q.ConsumerWithContext(ctx, 3, func(v int, _ *sync.WaitGroup) {
			sum.Add(int64(v))
		})
		close(done)
	}()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	if err := q.WaitIdle(waitCtx); err != nil {
		t.Fatalf("WaitIdle: %v", err)
	}
	cancel()
	<-done

	if got, want := sum.Load(), int64(190+100); got != want {
		t.Fatalf("sum = %d, want %d", got, want)
	}
	if q.Pending() != 0 {
		t.Fatalf("pending = %d, want 0", q.Pending())
	}
}

func TestGeneratePushIDMonotonic(t *testing.T) {
	prev := ""
	for i := 0; i < 200; i++ {
		id := GeneratePushID(15)
		if len(id) != 15 {
			t.Fatalf("len(%q) = %d", id, len(id))
		}
		if prev != "" && id <= prev && id[:8] == prev[:8] {
			t.Fatalf("id %q not after %q", id, prev)
		}
		prev = id
	}
}
