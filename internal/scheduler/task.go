// Package scheduler runs cancellable fetch tasks on a bounded worker pool.
package scheduler

import (
	"context"
	"sync/atomic"

	"github.com/google/uuid"
)

// ExecuteFunc is the task body. It should return promptly once ctx is done.
type ExecuteFunc func(ctx context.Context, t *Task)

// PostExecuteFunc always runs after the task finished or was cancelled.
type PostExecuteFunc func(t *Task, cancelled bool)

const (
	taskPending int32 = iota
	taskRunning
	taskCancelledBeforeStart
	taskFinished
)

type Task struct {
	id      uuid.UUID
	ctx     context.Context
	cancel  context.CancelFunc
	status  atomic.Int32
	execute ExecuteFunc
	post    PostExecuteFunc
	done    chan struct{}
}

func NewTask(execute ExecuteFunc, post PostExecuteFunc) *Task {
	ctx, cancel := context.WithCancel(context.Background())
	return &Task{
		id:      uuid.New(),
		ctx:     ctx,
		cancel:  cancel,
		execute: execute,
		post:    post,
		done:    make(chan struct{}),
	}
}

func (t *Task) ID() uuid.UUID {
	return t.id
}

// RequestCancellation never blocks. It reports true when the task had not
// started executing; such a task will skip its body.
func (t *Task) RequestCancellation() bool {
	t.cancel()
	return t.status.CompareAndSwap(taskPending, taskCancelledBeforeStart)
}

func (t *Task) Cancelled() bool {
	return t.ctx.Err() != nil
}

// Done is closed after the post-execute hook returned.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Run executes the task on the calling goroutine. A task runs at most once;
// a task cancelled before it started only runs its post hook. The post hook
// also runs when the body panics; the panic is then passed on to the caller.
func (t *Task) Run() {
	started := t.status.CompareAndSwap(taskPending, taskRunning)
	if !started && !t.status.CompareAndSwap(taskCancelledBeforeStart, taskRunning) {
		return
	}
	defer func() {
		t.status.Store(taskFinished)
		t.cancel()
		close(t.done)
	}()
	if t.post != nil {
		defer func() { t.post(t, t.Cancelled()) }()
	}

	if started && t.execute != nil {
		t.execute(t.ctx, t)
	}
}
