// Package resource implements the per-tile resource entry and its state
// machine.
package resource

import (
	"context"
	"sync"
	"sync/atomic"

	"gigamap/internal/collection"
	"gigamap/internal/gpu"
	"gigamap/internal/provider"
	"gigamap/internal/tiles"
)

// Canceller is the in-flight task owned by an entry.
type Canceller interface {
	// RequestCancellation asks the task to stop. It reports true when the
	// task had not started running yet.
	RequestCancellation() bool
}

// TransitionObserver sees every state change. It runs under the entry lock
// and must not call back into the entry.
type TransitionObserver func(e *Entry, from, to State)

// Store holds entries of one kind.
type Store = collection.Store[*Entry]

// Stores has one store per kind.
type Stores [KindsCount]*Store

func NewStores() Stores {
	var s Stores
	for i := range s {
		s[i] = collection.New[*Entry]()
	}
	return s
}

// Entry tracks one tile's data of one kind. State changes happen under the
// entry lock and follow State.CanTransitionTo.
type Entry struct {
	kind     Kind
	id       tiles.TileID
	zoom     tiles.ZoomLevel
	link     *collection.Link
	observer TransitionObserver

	// last prepared frame that had the tile in view
	lastVisible atomic.Uint64

	mu       sync.RWMutex
	changed  *sync.Cond
	state    State
	task     Canceller
	payload  provider.Tile
	gpu      *gpu.Resource
	detached bool
}

func NewEntry(kind Kind, link *collection.Link, id tiles.TileID, zoom tiles.ZoomLevel, observer TransitionObserver) *Entry {
	e := &Entry{
		kind:     kind,
		id:       id,
		zoom:     zoom,
		link:     link,
		observer: observer,
	}
	e.changed = sync.NewCond(&e.mu)
	return e
}

// Factory returns a collection factory producing entries of kind.
func Factory(kind Kind, observer TransitionObserver) collection.Factory[*Entry] {
	return func(link *collection.Link, id tiles.TileID, zoom tiles.ZoomLevel) *Entry {
		return NewEntry(kind, link, id, zoom, observer)
	}
}

func (e *Entry) Kind() Kind             { return e.kind }
func (e *Entry) TileID() tiles.TileID   { return e.id }
func (e *Entry) Zoom() tiles.ZoomLevel  { return e.zoom }
func (e *Entry) Link() *collection.Link { return e.link }

func (e *Entry) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Detached reports whether the entry was evicted from its store.
func (e *Entry) Detached() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.detached || !e.link.Alive()
}

func (e *Entry) Payload() provider.Tile {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.payload
}

// GPU returns the uploaded resource, or nil.
func (e *Entry) GPU() *gpu.Resource {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.gpu
}

// Touch records that the tile was in view during frame.
func (e *Entry) Touch(frame uint64) {
	e.lastVisible.Store(frame)
}

func (e *Entry) LastVisible() uint64 {
	return e.lastVisible.Load()
}

// HasTask reports whether the entry currently owns a task.
func (e *Entry) HasTask() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.task != nil
}

// setState must be called with e.mu held for writing.
func (e *Entry) setState(next State) bool {
	if e.state == next || !e.state.CanTransitionTo(next) {
		return false
	}
	prev := e.state
	e.state = next
	if e.observer != nil {
		e.observer(e, prev, next)
	}
	e.changed.Broadcast()
	return true
}

// BeginRequest moves an Unknown entry to Requesting and hands it the task.
func (e *Entry) BeginRequest(task Canceller) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.detached || e.state != Unknown {
		return false
	}
	e.task = task
	return e.setState(Requesting)
}

// MarkRequested records that the task was submitted to the pool.
func (e *Entry) MarkRequested() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.detached {
		return false
	}
	return e.setState(Requested)
}

// BeginProcessing is called by the task before acquiring data.
func (e *Entry) BeginProcessing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.detached {
		return false
	}
	return e.setState(ProcessingRequest)
}

// Complete stores fetched data. A nil tile means there is nothing to show and
// the entry becomes Unavailable.
func (e *Entry) Complete(tile provider.Tile) State {
	e.mu.Lock()
	defer e.mu.Unlock()

	next := Ready
	if tile == nil {
		next = Unavailable
	}
	if e.setState(next) {
		e.payload = tile
		e.task = nil
	}
	return e.state
}

// Fail ends a request whose acquisition errored. The caller removes the
// entry from its store so a later frame requests it again.
func (e *Entry) Fail() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.setState(Unavailable)
	e.task = nil
}

// Upload promotes a Ready entry using upload. On failure the entry stays
// Ready. It reports whether the entry was uploaded.
func (e *Entry) Upload(upload func(provider.Tile) (*gpu.Resource, error)) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.detached || e.state != Ready {
		return false, nil
	}
	res, err := upload(e.payload)
	if err != nil {
		return false, err
	}
	e.gpu = res
	if retained, ok := e.payload.(provider.Retained); ok {
		retained.ReleaseNonRetainedData()
	} else {
		e.payload = nil
	}
	e.setState(Uploaded)
	return true, nil
}

// Eviction describes what an evictor must finish after Evict.
type Eviction struct {
	State State
	// CancelledBeforeStart is set when the task never ran.
	CancelledBeforeStart bool
	// Resource must be released on a GPU-capable goroutine.
	Resource *gpu.Resource
}

// Evict detaches the entry. In-flight tasks get a cancellation request;
// uploaded entries move to Unloaded and hand their GPU resource back.
func (e *Entry) Evict() Eviction {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.detached = true
	ev := Eviction{State: e.state}

	switch {
	case e.state.InFlight():
		if e.task != nil {
			ev.CancelledBeforeStart = e.task.RequestCancellation()
		}
	case e.state == Uploaded:
		ev.Resource = e.unload()
	}
	e.changed.Broadcast()
	return ev
}

// Unload moves an Uploaded entry to Unloaded and returns its GPU resource.
func (e *Entry) Unload() *gpu.Resource {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.unload()
}

func (e *Entry) unload() *gpu.Resource {
	if e.state != Uploaded {
		return nil
	}
	res := e.gpu
	e.gpu = nil
	e.payload = nil
	e.setState(Unloaded)
	return res
}

// ReleaseTask drops the task reference once the task has finished.
func (e *Entry) ReleaseTask(task Canceller) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.task == task {
		e.task = nil
	}
}

// Wait blocks until the entry leaves the in-flight states, is evicted, or ctx
// is done. It returns the state observed last.
func (e *Entry) Wait(ctx context.Context) State {
	stop := context.AfterFunc(ctx, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.changed.Broadcast()
	})
	defer stop()

	e.mu.Lock()
	defer e.mu.Unlock()
	for e.state.InFlight() && !e.detached && ctx.Err() == nil {
		e.changed.Wait()
	}
	return e.state
}
