package system

import (
	"context"
	"sync"
	"time"
)

// RichQueue 进程内 FIFO 队列，支持延迟入队与多 worker 消费
type RichQueue[T any] struct {
	mu       sync.Mutex
	items    []T
	delayed  int
	inflight int
	notify   chan struct{}
}

func NewRichQueue[T any]() *RichQueue[T] {
	return &RichQueue[T]{notify: make(chan struct{}, 1)}
}

func (q *RichQueue[T]) Enqueue(v T) {
	q.mu.Lock()
	q.items = append(q.items, v)
	q.mu.Unlock()
	q.signal()
}

// EnqueueWithDelay d 之后再入队；延迟中的元素计入 Pending
func (q *RichQueue[T]) EnqueueWithDelay(v T, d time.Duration) {
	if d <= 0 {
		q.Enqueue(v)
		return
	}
	q.mu.Lock()
	q.delayed++
	q.mu.Unlock()
	time.AfterFunc(d, func() {
		q.mu.Lock()
		q.delayed--
		q.items = append(q.items, v)
		q.mu.Unlock()
		q.signal()
	})
}

func (q *RichQueue[T]) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *RichQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Pending 队列中 + 延迟中 + 正在处理的元素数
func (q *RichQueue[T]) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) + q.delayed + q.inflight
}

func (q *RichQueue[T]) pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	v := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	q.inflight++
	return v, true
}

func (q *RichQueue[T]) done() {
	q.mu.Lock()
	q.inflight--
	q.mu.Unlock()
}

// ConsumerWithContext 启动 workers 个消费者并阻塞到 ctx 结束。
// handler 可以对 wg 调用 Add 挂起异步的后续工作，返回前会等待它们完成。
func (q *RichQueue[T]) ConsumerWithContext(ctx context.Context, workers int, handler func(T, *sync.WaitGroup)) {
	if workers <= 0 {
		workers = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if ctx.Err() != nil {
					return
				}
				v, ok := q.pop()
				if !ok {
					select {
					case <-ctx.Done():
						return
					case <-q.notify:
					case <-time.After(50 * time.Millisecond):
					}
					continue
				}
				handler(v, &wg)
				q.done()
			}
		}()
	}
	wg.Wait()
}

// WaitIdle 等待队列清空（含延迟和处理中的元素）
func (q *RichQueue[T]) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if q.Pending() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
