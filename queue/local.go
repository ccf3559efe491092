package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"planet/api/log"
	"planet/api/model"
	"planet/api/system"

	"github.com/cenkalti/backoff/v4"
)

type LocalOptions struct {
	Workers     int
	RetryDelay  time.Duration
	MaxAttempts int
}

type localItem struct {
	task    *model.TileTask
	attempt int
}

// Local 进程内队列，开发和单机部署用；失败的任务按 RetryDelay*attempt 延迟重投
type Local struct {
	q       *system.RichQueue[localItem]
	handler Handler
	opts    LocalOptions

	mu      sync.Mutex
	failed  []*model.TileTask
	started bool
}

func NewLocal(handler Handler, opts LocalOptions) *Local {
	if opts.Workers <= 0 {
		opts.Workers = 8
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 2 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 10
	}
	return &Local{q: system.NewRichQueue[localItem](), handler: handler, opts: opts}
}

func (l *Local) Ref() string { return "local" }

func (l *Local) Enqueue(ctx context.Context, task *model.TileTask) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cp := *task
	l.q.Enqueue(localItem{task: &cp, attempt: 1})
	return nil
}

// Start 启动消费者，ctx 结束后返回
func (l *Local) Start(ctx context.Context) {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return
	}
	l.started = true
	l.mu.Unlock()

	l.q.ConsumerWithContext(ctx, l.opts.Workers, func(it localItem, _ *sync.WaitGroup) {
		err := l.handler(ctx, it.task)
		if err == nil {
			return
		}
		var perm *backoff.PermanentError
		if errors.As(err, &perm) || it.attempt >= l.opts.MaxAttempts {
			log.Errorf("local task %s dropped after %d attempts: %v", TaskKey(it.task), it.attempt, err)
			l.mu.Lock()
			l.failed = append(l.failed, it.task)
			l.mu.Unlock()
			return
		}
		log.Warnf("local task %s attempt %d failed: %v", TaskKey(it.task), it.attempt, err)
		l.q.EnqueueWithDelay(localItem{task: it.task, attempt: it.attempt + 1}, l.opts.RetryDelay*time.Duration(it.attempt))
	})
}

// Drain 等到队列里没有待处理（含延迟重试）的任务
func (l *Local) Drain(ctx context.Context) error {
	return l.q.WaitIdle(ctx)
}

// Failed 放弃重试的任务
func (l *Local) Failed() []*model.TileTask {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*model.TileTask, len(l.failed))
	copy(out, l.failed)
	return out
}
