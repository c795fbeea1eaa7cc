package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestTaskRunsBodyThenPost(t *testing.T) {
	var order []string
	task := NewTask(
		func(ctx context.Context, _ *Task) { order = append(order, "execute") },
		func(_ *Task, cancelled bool) {
			assert.False(t, cancelled)
			order = append(order, "post")
		},
	)
	task.Run()
	task.Run()

	<-task.Done()
	assert.Equal(t, []string{"execute", "post"}, order)
	assert.False(t, task.RequestCancellation())
	assert.NotEqual(t, task.ID(), NewTask(nil, nil).ID())
}

func TestCancelBeforeStartSkipsBody(t *testing.T) {
	ran := false
	var postCancelled bool
	task := NewTask(
		func(context.Context, *Task) { ran = true },
		func(_ *Task, cancelled bool) { postCancelled = cancelled },
	)

	assert.True(t, task.RequestCancellation())
	assert.False(t, task.RequestCancellation())
	task.Run()

	assert.False(t, ran)
	assert.True(t, postCancelled)
	select {
	case <-task.Done():
	default:
		t.Fatal("done not closed")
	}
}

func TestCancelWhileRunning(t *testing.T) {
	started := make(chan struct{})
	var postCancelled atomic.Bool
	task := NewTask(
		func(ctx context.Context, _ *Task) {
			close(started)
			<-ctx.Done()
		},
		func(_ *Task, cancelled bool) { postCancelled.Store(cancelled) },
	)
	go task.Run()
	<-started

	assert.False(t, task.RequestCancellation())
	<-task.Done()
	assert.True(t, postCancelled.Load())
}

func TestPoolRunsEverything(t *testing.T) {
	p := NewPool(3, zaptest.NewLogger(t))
	p.Start()
	p.Start()
	defer p.Stop()

	var n atomic.Int32
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		require.NoError(t, p.Enqueue(NewTask(
			func(context.Context, *Task) { n.Add(1) },
			func(*Task, bool) { wg.Done() },
		)))
	}
	wg.Wait()
	assert.Equal(t, int32(50), n.Load())
}

func TestPoolStopCancelsQueued(t *testing.T) {
	p := NewPool(1, zaptest.NewLogger(t))
	p.Start()

	block := make(chan struct{})
	running := make(chan struct{})
	first := NewTask(func(ctx context.Context, _ *Task) {
		close(running)
		<-block
	}, nil)
	require.NoError(t, p.Enqueue(first))
	<-running

	var cancelled atomic.Int32
	for range 5 {
		require.NoError(t, p.Enqueue(NewTask(
			func(context.Context, *Task) { t.Error("queued task ran") },
			func(_ *Task, c bool) {
				if c {
					cancelled.Add(1)
				}
			},
		)))
	}
	assert.Equal(t, 5, p.Pending())

	go func() {
		time.Sleep(10 * time.Millisecond)
		close(block)
	}()
	p.Stop()

	assert.Equal(t, int32(5), cancelled.Load())
	assert.ErrorIs(t, p.Enqueue(NewTask(nil, nil)), ErrPoolStopped)
}

func TestPostRunsWhenBodyPanics(t *testing.T) {
	var posted atomic.Bool
	task := NewTask(
		func(context.Context, *Task) { panic("boom") },
		func(_ *Task, cancelled bool) {
			assert.False(t, cancelled)
			posted.Store(true)
		},
	)

	assert.PanicsWithValue(t, "boom", task.Run)
	assert.True(t, posted.Load())
	select {
	case <-task.Done():
	default:
		t.Fatal("done not closed after panic")
	}
	assert.False(t, task.RequestCancellation())
}

func TestPoolSurvivesPanics(t *testing.T) {
	p := NewPool(1, zaptest.NewLogger(t))
	p.Start()
	defer p.Stop()

	var posted atomic.Bool
	bad := NewTask(
		func(context.Context, *Task) { panic("boom") },
		func(*Task, bool) { posted.Store(true) },
	)
	require.NoError(t, p.Enqueue(bad))
	<-bad.Done()
	assert.True(t, posted.Load())

	ok := NewTask(nil, nil)
	require.NoError(t, p.Enqueue(ok))
	select {
	case <-ok.Done():
	case <-time.After(time.Second):
		t.Fatal("worker died after panic")
	}
}

func TestDefaultPoolSize(t *testing.T) {
	assert.GreaterOrEqual(t, DefaultPoolSize(), 1)
	assert.Equal(t, DefaultPoolSize(), NewPool(0, nil).Size())
}

func TestBridgeDetach(t *testing.T) {
	b := NewBridge()
	calls := 0
	post := b.PostExecute(func(*Task, bool) { calls++ })

	post(nil, false)
	assert.Equal(t, 1, calls)

	b.Detach()
	assert.False(t, b.Alive())
	post(nil, true)
	assert.Equal(t, 1, calls)
	assert.False(t, b.Deliver(func() { t.Error("delivered after detach") }))
}
