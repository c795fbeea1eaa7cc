// Package renderer drives the per-frame resource protocol: reconcile state,
// evict stale tiles, request missing ones and upload what was fetched.
//
// PrepareFrame, RenderFrame, ProcessRendering, InitializeRendering and
// ReleaseRendering must all run on one goroutine, the render goroutine, which
// is fixed by InitializeRendering. Setters may be called from anywhere.
package renderer

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"gigamap/internal/gpu"
	"gigamap/internal/resource"
	"gigamap/internal/scheduler"
	"gigamap/internal/state"
	"gigamap/internal/tiles"
	"gigamap/internal/upload"
)

var (
	ErrNotInitialized       = errors.New("renderer: rendering is not initialized")
	ErrAlreadyInitialized   = errors.New("renderer: rendering is already initialized")
	ErrConfigurationInvalid = errors.New("renderer: configuration is not applied")
	ErrStateOutdated        = errors.New("renderer: state could not be committed")
	ErrNoRenderAPI          = errors.New("renderer: no render API factory configured")
	ErrProviderPanic        = errors.New("renderer: data provider panicked")
)

// FrameRequestCallback asks the host to schedule a frame. It may be called
// from any goroutine, sometimes with internal locks held, and must not block.
type FrameRequestCallback func()

// BackgroundWorker configures the optional upload goroutine. Prologue and
// Epilogue run on it before the first and after the last pass, e.g. to bind a
// GPU context.
type BackgroundWorker struct {
	Enabled  bool
	Prologue func()
	Epilogue func()
}

type RenderAPIFactory func() (gpu.RenderAPI, error)

type SetupOptions struct {
	FrameRequestCallback FrameRequestCallback
	BackgroundWorker     BackgroundWorker
	// RequestWorkers sizes the fetch pool; zero picks scheduler.DefaultPoolSize.
	RequestWorkers     int
	Projector          state.Projector
	RenderAPIFactory   RenderAPIFactory
	Logger             *zap.Logger
	TransitionObserver resource.TransitionObserver
	FrameDrawer        FrameDrawer
	// EvictionGraceFrames keeps tiles that left the view for that many
	// prepared frames before evicting them. Zero evicts eagerly.
	EvictionGraceFrames int
}

// Renderer owns the resource stores and the state reconcilers.
type Renderer struct {
	id  uuid.UUID
	log *zap.Logger

	setupMu sync.RWMutex
	setup   SetupOptions

	invalidations *state.Invalidations
	reconciler    *state.Reconciler
	config        *state.ConfigurationReconciler

	frameInvalidates atomic.Int64
	framesRendered   atomic.Uint64

	stores resource.Stores
	unique atomic.Pointer[tiles.Set]

	renderGoroutine atomic.Uint64

	// Guarded by mu; only touched from the render goroutine.
	mu          sync.Mutex
	initialized bool
	api         gpu.RenderAPI
	pipeline    *upload.Pipeline
	pool        *scheduler.Pool
	bridge      *scheduler.Bridge
	worker      *backgroundWorker
	stubs       [stubsCount]*gpu.Resource

	framesPrepared uint64
}

func New(opts SetupOptions) *Renderer {
	r := &Renderer{
		id:            uuid.New(),
		invalidations: &state.Invalidations{},
		stores:        resource.NewStores(),
	}
	r.applySetup(opts)
	r.reconciler = state.NewReconciler(opts.Projector, r.invalidations, r.invalidateFrame)
	r.config = state.NewConfigurationReconciler(state.DefaultConfiguration(), r.invalidations, r.invalidateFrame)
	r.unique.Store(tiles.NewSet(nil, 0))
	return r
}

func (r *Renderer) applySetup(opts SetupOptions) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	r.setupMu.Lock()
	r.setup = opts
	r.log = opts.Logger.With(zap.String("renderer_id", r.id.String()))
	r.setupMu.Unlock()
}

func (r *Renderer) ID() uuid.UUID {
	return r.id
}

// Setup replaces the setup options. The projector cannot change after New.
func (r *Renderer) Setup(opts SetupOptions) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.initialized {
		return ErrAlreadyInitialized
	}
	r.applySetup(opts)
	return nil
}

func (r *Renderer) SetupOptions() SetupOptions {
	r.setupMu.RLock()
	defer r.setupMu.RUnlock()
	return r.setup
}

func (r *Renderer) logger() *zap.Logger {
	r.setupMu.RLock()
	defer r.setupMu.RUnlock()
	return r.log
}

// invalidateFrame records that a new frame is needed and tells the host.
func (r *Renderer) invalidateFrame() {
	r.frameInvalidates.Add(1)

	r.setupMu.RLock()
	cb := r.setup.FrameRequestCallback
	r.setupMu.RUnlock()
	if cb != nil {
		cb()
	}
}

// IsFrameInvalidated reports whether an invalidation arrived after the
// last rendered frame started.
func (r *Renderer) IsFrameInvalidated() bool {
	return r.frameInvalidates.Load() > 0
}
