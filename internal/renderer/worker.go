package renderer

import (
	"runtime"
	"sync"
)

// backgroundWorker runs upload passes on a dedicated OS thread whenever it is
// woken. Wake-ups that arrive during a pass are not lost.
type backgroundWorker struct {
	prologue func()
	epilogue func()
	pass     func() (again bool)

	mu       sync.Mutex
	wake     *sync.Cond
	pending  bool
	stopping bool
	done     chan struct{}
}

func newBackgroundWorker(opts BackgroundWorker, pass func() bool) *backgroundWorker {
	w := &backgroundWorker{
		prologue: opts.Prologue,
		epilogue: opts.Epilogue,
		pass:     pass,
		done:     make(chan struct{}),
	}
	w.wake = sync.NewCond(&w.mu)
	return w
}

func (w *backgroundWorker) start() {
	go w.loop()
}

func (w *backgroundWorker) loop() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(w.done)

	if w.prologue != nil {
		w.prologue()
	}
	if w.epilogue != nil {
		defer w.epilogue()
	}

	for {
		w.mu.Lock()
		for !w.pending && !w.stopping {
			w.wake.Wait()
		}
		if w.stopping {
			w.mu.Unlock()
			return
		}
		w.pending = false
		w.mu.Unlock()

		if w.pass() {
			w.signal()
		}
	}
}

func (w *backgroundWorker) signal() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending = true
	w.wake.Signal()
}

// stop waits for the current pass to finish.
func (w *backgroundWorker) stop() {
	w.mu.Lock()
	w.stopping = true
	w.wake.Broadcast()
	w.mu.Unlock()

	<-w.done
}
