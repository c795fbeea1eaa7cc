package renderer

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gigamap/internal/gpu"
	"gigamap/internal/gpu/software"
	"gigamap/internal/invariant"
	"gigamap/internal/resource"
	"gigamap/internal/state"
	"gigamap/internal/tiles"
)

const (
	waitFor = 2 * time.Second
	tick    = 2 * time.Millisecond
)

var tile59 = tiles.TileID{X: 5, Y: 9}

func TestTileLifecycleAndProviderRemoval(t *testing.T) {
	h := newHarness(t, nil, software.Options{})
	p := newFakeRaster()
	h.lookAt(tile59, 12, 1)
	h.r.SetRasterLayerProvider(state.RasterBaseLayer, p, false)

	require.NoError(t, h.r.PrepareFrame())
	assert.Equal(t, 1, h.r.VisibleTilesCount())
	assert.True(t, h.r.VisibleTiles().Contains(tile59, 12))

	require.Eventually(t, func() bool { return h.state(baseKind, tile59, 12) == resource.Ready }, waitFor, tick)

	require.NoError(t, h.r.ProcessRendering())
	assert.Equal(t, resource.Uploaded, h.state(baseKind, tile59, 12))
	assert.Equal(t, stubsCount+1, h.api.Stats().Slots)

	h.r.ResetRasterLayerProvider(state.RasterBaseLayer, false)
	require.NoError(t, h.r.PrepareFrame())

	_, found := h.r.ResourceState(baseKind, tile59, 12)
	assert.False(t, found)
	assert.Equal(t, stubsCount, h.api.Stats().Slots)
	assert.Equal(t, []resource.State{
		resource.Requesting,
		resource.Requested,
		resource.ProcessingRequest,
		resource.Ready,
		resource.Uploaded,
		resource.Unloaded,
	}, h.tr.of(baseKind))
	assert.Equal(t, 1, p.Calls(tile59))

	require.NoError(t, h.r.ReleaseRendering())
}

func TestUnchangedCameraIssuesNoNewRequests(t *testing.T) {
	h := newHarness(t, nil, software.Options{})
	p := newFakeRaster()
	h.lookAt(tile59, 12, 3)
	h.r.SetRasterLayerProvider(state.RasterBaseLayer, p, false)

	require.NoError(t, h.r.PrepareFrame())
	first := append([]tiles.TileID(nil), h.r.InternalState().VisibleTiles...)
	require.Len(t, first, 3)
	require.Eventually(t, func() bool {
		counts := h.r.ResourceCounts()
		return counts[baseKind][resource.Ready] == 3
	}, waitFor, tick)
	calls := p.TotalCalls()

	h.lookAt(tile59, 12, 3)
	require.NoError(t, h.r.PrepareFrame())

	assert.Equal(t, first, h.r.InternalState().VisibleTiles)
	assert.Equal(t, calls, p.TotalCalls())
	assert.Equal(t, 3, calls)

	require.NoError(t, h.r.ReleaseRendering())
}

func TestVisibleTilesFarthestFirst(t *testing.T) {
	h := newHarness(t, nil, software.Options{})
	h.lookAt(tile59, 12, 3)

	require.NoError(t, h.r.PrepareFrame())
	visible := h.r.InternalState().VisibleTiles
	require.Len(t, visible, 3)
	assert.Equal(t, tile59, visible[2])
	assert.Equal(t, tile59, h.r.InternalState().TargetTileID)

	require.NoError(t, h.r.ReleaseRendering())
}

func TestRenderCallsOffRenderGoroutinePanic(t *testing.T) {
	h := newHarness(t, nil, software.Options{})

	for name, call := range map[string]func() error{
		"PrepareFrame":     h.r.PrepareFrame,
		"RenderFrame":      h.r.RenderFrame,
		"ProcessRendering": h.r.ProcessRendering,
		"ReleaseRendering": h.r.ReleaseRendering,
	} {
		done := make(chan any)
		go func() {
			defer func() { done <- recover() }()
			_ = call()
		}()
		v := <-done
		require.IsType(t, invariant.Violation{}, v, name)
	}

	require.NoError(t, h.r.ReleaseRendering())
}

func TestLifecycleErrors(t *testing.T) {
	r := New(SetupOptions{})
	assert.ErrorIs(t, r.ReleaseRendering(), ErrNotInitialized)
	assert.ErrorIs(t, r.PrepareFrame(), ErrNotInitialized)
	assert.ErrorIs(t, r.RenderFrame(), ErrNotInitialized)
	assert.ErrorIs(t, r.ProcessRendering(), ErrNotInitialized)
	assert.ErrorIs(t, r.InitializeRendering(), ErrNoRenderAPI)

	h := newHarness(t, nil, software.Options{})
	assert.True(t, h.r.IsRenderingInitialized())
	assert.ErrorIs(t, h.r.InitializeRendering(), ErrAlreadyInitialized)
	assert.ErrorIs(t, h.r.Setup(SetupOptions{}), ErrAlreadyInitialized)

	require.NoError(t, h.r.ReleaseRendering())
	assert.ErrorIs(t, h.r.ReleaseRendering(), ErrNotInitialized)
	assert.Zero(t, h.api.Stats().Textures)

	// rendering can be initialized again, on another goroutine
	done := make(chan error)
	go func() {
		if err := h.r.InitializeRendering(); err != nil {
			done <- err
			return
		}
		done <- h.r.ReleaseRendering()
	}()
	require.NoError(t, <-done)
}

func TestFailingRenderAPIFactory(t *testing.T) {
	boom := errors.New("no device")
	r := New(SetupOptions{RenderAPIFactory: func() (gpu.RenderAPI, error) { return nil, boom }})
	require.ErrorIs(t, r.InitializeRendering(), boom)
	assert.False(t, r.IsRenderingInitialized())
}

func TestReconcileFailureAbortsPrepare(t *testing.T) {
	h := newHarness(t, nil, software.Options{})
	p := newFakeRaster()
	h.r.SetRasterLayerProvider(state.RasterBaseLayer, p, false)

	err := h.r.PrepareFrame()
	require.ErrorIs(t, err, ErrStateOutdated)
	require.ErrorIs(t, err, state.ErrEmptyViewport)
	assert.Zero(t, h.r.VisibleTilesCount())

	h.lookAt(tile59, 12, 1)
	require.NoError(t, h.r.PrepareFrame())
	assert.Equal(t, 1, h.r.VisibleTilesCount())

	require.NoError(t, h.r.ReleaseRendering())
}

func TestTransientFailureIsRetried(t *testing.T) {
	h := newHarness(t, nil, software.Options{})
	p := newFakeRaster()
	p.failFor[tile59] = 1
	h.lookAt(tile59, 12, 1)
	h.r.SetRasterLayerProvider(state.RasterBaseLayer, p, false)

	require.NoError(t, h.r.PrepareFrame())
	require.Eventually(t, func() bool {
		_, found := h.r.ResourceState(baseKind, tile59, 12)
		return p.Calls(tile59) == 1 && !found
	}, waitFor, tick)

	require.NoError(t, h.r.PrepareFrame())
	require.Eventually(t, func() bool { return h.state(baseKind, tile59, 12) == resource.Ready }, waitFor, tick)
	assert.Equal(t, 2, p.Calls(tile59))

	require.NoError(t, h.r.ReleaseRendering())
}

func TestProviderPanicIsRetried(t *testing.T) {
	h := newHarness(t, nil, software.Options{})
	p := newFakeRaster()
	p.panicFor[tile59] = 1
	h.lookAt(tile59, 12, 1)
	h.r.SetRasterLayerProvider(state.RasterBaseLayer, p, false)

	require.NoError(t, h.r.PrepareFrame())
	require.Eventually(t, func() bool {
		_, found := h.r.ResourceState(baseKind, tile59, 12)
		return p.Calls(tile59) == 1 && !found
	}, waitFor, tick)

	require.NoError(t, h.r.PrepareFrame())
	require.Eventually(t, func() bool { return h.state(baseKind, tile59, 12) == resource.Ready }, waitFor, tick)
	assert.Equal(t, 2, p.Calls(tile59))

	require.NoError(t, h.r.ProcessRendering())
	assert.Equal(t, resource.Uploaded, h.state(baseKind, tile59, 12))
	require.NoError(t, h.r.ReleaseRendering())
}

func TestNoDataIsUnavailableAndNotRetried(t *testing.T) {
	var drawn atomic.Bool
	var isStub bool
	var stub *gpu.Resource
	h := newHarness(t, func(o *SetupOptions) {
		o.FrameDrawer = FrameDrawerFunc(func(f *Frame) error {
			stub, isStub = f.Resource(baseKind, tile59)
			drawn.Store(true)
			return nil
		})
	}, software.Options{})
	p := newFakeRaster()
	p.empty[tile59] = true
	h.lookAt(tile59, 12, 1)
	h.r.SetRasterLayerProvider(state.RasterBaseLayer, p, false)

	require.NoError(t, h.r.PrepareFrame())
	require.Eventually(t, func() bool { return h.state(baseKind, tile59, 12) == resource.Unavailable }, waitFor, tick)

	require.NoError(t, h.r.PrepareFrame())
	require.NoError(t, h.r.RenderFrame())
	assert.True(t, drawn.Load())
	assert.True(t, isStub)
	assert.Same(t, h.r.stubs[stubUnavailable], stub)
	assert.Equal(t, 1, p.Calls(tile59))

	require.NoError(t, h.r.ReleaseRendering())
}

func TestFrameResourceFallsBackToProcessingStub(t *testing.T) {
	var got *gpu.Resource
	var isStub bool
	h := newHarness(t, func(o *SetupOptions) {
		o.FrameDrawer = FrameDrawerFunc(func(f *Frame) error {
			got, isStub = f.Resource(baseKind, tile59)
			return nil
		})
	}, software.Options{})
	p := newFakeRaster()
	p.block = true
	h.lookAt(tile59, 12, 1)
	h.r.SetRasterLayerProvider(state.RasterBaseLayer, p, false)

	require.NoError(t, h.r.PrepareFrame())
	require.NoError(t, h.r.RenderFrame())
	assert.True(t, isStub)
	assert.Same(t, h.r.stubs[stubProcessing], got)

	require.NoError(t, h.r.ReleaseRendering())
}

func TestFilteringChangeKeepsUploadedTiles(t *testing.T) {
	h := newHarness(t, nil, software.Options{})
	p := newFakeRaster()
	h.lookAt(tile59, 12, 1)
	h.r.SetRasterLayerProvider(state.RasterBaseLayer, p, false)

	require.NoError(t, h.r.PrepareFrame())
	require.Eventually(t, func() bool { return h.state(baseKind, tile59, 12) == resource.Ready }, waitFor, tick)
	require.NoError(t, h.r.ProcessRendering())

	cfg := h.r.Configuration()
	cfg.TexturesFilteringQuality = state.TextureFilteringBest
	h.r.SetConfiguration(cfg, false)
	assert.Equal(t, state.TexturesFilteringMode, h.r.PendingConfigurationChanges())

	require.NoError(t, h.r.PrepareFrame())
	assert.Equal(t, resource.Uploaded, h.state(baseKind, tile59, 12))
	assert.Equal(t, state.TextureFilteringBest, h.api.Filtering())
	assert.Equal(t, 1, p.Calls(tile59))

	cfg.LimitTextureColorDepthBy16Bits = true
	h.r.SetConfiguration(cfg, false)
	require.NoError(t, h.r.PrepareFrame())
	require.Eventually(t, func() bool { return h.state(baseKind, tile59, 12) == resource.Ready }, waitFor, tick)
	assert.Equal(t, 2, p.Calls(tile59))

	require.NoError(t, h.r.ProcessRendering())
	require.NoError(t, h.r.ReleaseRendering())
}

func TestPlaceholdersFollowColorDepth(t *testing.T) {
	h := newHarness(t, nil, software.Options{})
	h.lookAt(tile59, 12, 1)
	assert.Equal(t, stubsCount*stubSize*stubSize*4, h.api.Stats().BytesResident)

	cfg := h.r.Configuration()
	cfg.LimitTextureColorDepthBy16Bits = true
	h.r.SetConfiguration(cfg, false)
	require.NoError(t, h.r.PrepareFrame())

	assert.Equal(t, stubsCount, h.api.Stats().Slots)
	assert.Equal(t, stubsCount*stubSize*stubSize*2, h.api.Stats().BytesResident)

	require.NoError(t, h.r.ReleaseRendering())
	assert.Zero(t, h.api.Stats().Textures)
}

type stubbornAPI struct {
	*software.RenderAPI
	refuse atomic.Bool
}

func (a *stubbornAPI) ApplyConfigurationChange(change state.ConfigurationChange, cfg state.Configuration) error {
	if a.refuse.Load() && change == state.TexturesFilteringMode {
		return errors.New("sampler busy")
	}
	return a.RenderAPI.ApplyConfigurationChange(change, cfg)
}

func TestUnappliedConfigurationAbortsPrepare(t *testing.T) {
	api := &stubbornAPI{RenderAPI: software.New(software.Options{})}
	api.refuse.Store(true)
	h := newHarness(t, func(o *SetupOptions) {
		o.RenderAPIFactory = func() (gpu.RenderAPI, error) { return api, nil }
	}, software.Options{})
	h.lookAt(tile59, 12, 1)

	require.ErrorIs(t, h.r.PrepareFrame(), ErrConfigurationInvalid)
	assert.Equal(t, state.TexturesFilteringMode, h.r.PendingConfigurationChanges())
	assert.Zero(t, h.r.VisibleTilesCount())

	api.refuse.Store(false)
	require.NoError(t, h.r.PrepareFrame())
	assert.Zero(t, h.r.PendingConfigurationChanges())
	assert.Equal(t, 1, h.r.VisibleTilesCount())

	require.NoError(t, h.r.ReleaseRendering())
}

func TestRenderThreadUploadThrottle(t *testing.T) {
	h := newHarness(t, nil, software.Options{})
	p := newFakeRaster()
	h.lookAt(tile59, 12, 3)
	h.r.SetRasterLayerProvider(state.RasterBaseLayer, p, false)

	require.NoError(t, h.r.PrepareFrame())
	require.Eventually(t, func() bool {
		counts := h.r.ResourceCounts()
		return counts.Total(resource.Ready) == 3
	}, waitFor, tick)

	require.NoError(t, h.r.RenderFrame())
	require.NoError(t, h.r.ProcessRendering())
	counts := h.r.ResourceCounts()
	assert.Equal(t, 1, counts.Total(resource.Uploaded))
	assert.Equal(t, 2, counts.Total(resource.Ready))
	assert.True(t, h.r.IsFrameInvalidated())

	require.NoError(t, h.r.ProcessRendering())
	require.NoError(t, h.r.ProcessRendering())
	assert.Equal(t, 3, h.r.ResourceCounts().Total(resource.Uploaded))

	require.NoError(t, h.r.ReleaseRendering())
	assert.Zero(t, h.api.Stats().Textures)
}

func TestBackgroundWorkerDrainsAllKinds(t *testing.T) {
	var prologue, epilogue atomic.Int32
	h := newHarness(t, func(o *SetupOptions) {
		o.BackgroundWorker = BackgroundWorker{
			Enabled:  true,
			Prologue: func() { prologue.Add(1) },
			Epilogue: func() { epilogue.Add(1) },
		}
	}, software.Options{})
	h.lookAt(tile59, 12, 3)
	h.r.SetRasterLayerProvider(state.RasterBaseLayer, newFakeRaster(), false)
	h.r.SetRasterLayerProvider(state.RasterOverlay0, newFakeRaster(), false)
	h.r.SetElevationDataProvider(fakeElevation{}, false)
	h.r.AddSymbolProvider(fakeSymbols{label: "a"}, false)
	h.r.AddSymbolProvider(fakeSymbols{label: "b"}, false)

	require.NoError(t, h.r.PrepareFrame())
	require.Eventually(t, func() bool {
		return h.r.ResourceCounts().Total(resource.Uploaded) == 3*4
	}, waitFor, tick)

	// the worker does the uploading
	require.NoError(t, h.r.ProcessRendering())
	assert.Equal(t, int32(1), prologue.Load())

	require.NoError(t, h.r.ReleaseRendering())
	assert.Equal(t, int32(1), epilogue.Load())
	assert.Zero(t, h.api.Stats().Textures)
}

func TestPanAwayCancelsInFlightRequests(t *testing.T) {
	h := newHarness(t, nil, software.Options{})
	p := newFakeRaster()
	p.block = true
	h.lookAt(tile59, 12, 1)
	h.r.SetRasterLayerProvider(state.RasterBaseLayer, p, false)

	require.NoError(t, h.r.PrepareFrame())
	select {
	case id := <-p.started:
		require.Equal(t, tile59, id)
	case <-time.After(waitFor):
		t.Fatal("request never started")
	}
	require.Equal(t, resource.ProcessingRequest, h.state(baseKind, tile59, 12))

	other := tiles.TileID{X: 100, Y: 100}
	h.lookAt(other, 12, 1)
	require.NoError(t, h.r.PrepareFrame())

	_, found := h.r.ResourceState(baseKind, tile59, 12)
	assert.False(t, found)
	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return len(p.errs) == 1
	}, waitFor, tick)

	require.NoError(t, h.r.ReleaseRendering())
}

func TestEvictionGraceKeepsRecentTiles(t *testing.T) {
	h := newHarness(t, func(o *SetupOptions) { o.EvictionGraceFrames = 2 }, software.Options{})
	p := newFakeRaster()
	p.block = true
	h.lookAt(tile59, 12, 1)
	h.r.SetRasterLayerProvider(state.RasterBaseLayer, p, false)

	require.NoError(t, h.r.PrepareFrame())
	select {
	case <-p.started:
	case <-time.After(waitFor):
		t.Fatal("request never started")
	}

	other := tiles.TileID{X: 100, Y: 100}
	h.lookAt(other, 12, 1)
	require.NoError(t, h.r.PrepareFrame())
	require.NoError(t, h.r.PrepareFrame())
	assert.Equal(t, resource.ProcessingRequest, h.state(baseKind, tile59, 12))
	assert.Equal(t, 2, h.r.ResourceCounts().InFlight())

	// Coming back within the grace period reuses the in-flight request.
	h.lookAt(tile59, 12, 1)
	require.NoError(t, h.r.PrepareFrame())
	assert.Equal(t, 1, p.Calls(tile59))

	h.lookAt(other, 12, 1)
	for range 3 {
		require.NoError(t, h.r.PrepareFrame())
	}
	_, found := h.r.ResourceState(baseKind, tile59, 12)
	assert.False(t, found)
	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return len(p.errs) == 1
	}, waitFor, tick)

	require.NoError(t, h.r.ReleaseRendering())
}

func TestFrameRequestCallbackAndInvalidation(t *testing.T) {
	var requests atomic.Int32
	h := newHarness(t, func(o *SetupOptions) {
		o.FrameRequestCallback = func() { requests.Add(1) }
	}, software.Options{})
	assert.Positive(t, requests.Load())

	h.lookAt(tile59, 12, 1)
	require.NoError(t, h.r.PrepareFrame())
	require.NoError(t, h.r.RenderFrame())
	assert.False(t, h.r.IsFrameInvalidated())
	assert.Equal(t, uint64(1), h.r.FramesRendered())

	before := requests.Load()
	h.r.SetAzimuth(30, false)
	assert.True(t, h.r.IsFrameInvalidated())
	assert.Greater(t, requests.Load(), before)

	before = requests.Load()
	h.r.SetAzimuth(30, false)
	assert.Equal(t, before, requests.Load())

	require.NoError(t, h.r.ReleaseRendering())
}

func TestFailingDrawKeepsInvalidation(t *testing.T) {
	h := newHarness(t, func(o *SetupOptions) {
		o.FrameDrawer = FrameDrawerFunc(func(*Frame) error { return errors.New("lost context") })
	}, software.Options{})
	h.lookAt(tile59, 12, 1)
	require.NoError(t, h.r.PrepareFrame())

	require.Error(t, h.r.RenderFrame())
	assert.True(t, h.r.IsFrameInvalidated())
	assert.Zero(t, h.r.FramesRendered())

	require.NoError(t, h.r.ReleaseRendering())
}

func TestRequestedStateSurvivesReinitialization(t *testing.T) {
	h := newHarness(t, nil, software.Options{})
	p := newFakeRaster()
	h.lookAt(tile59, 12, 1)
	h.r.SetRasterLayerProvider(state.RasterBaseLayer, p, false)
	require.NoError(t, h.r.PrepareFrame())
	require.NoError(t, h.r.ReleaseRendering())
	assert.Zero(t, h.r.VisibleTilesCount())

	require.NoError(t, h.r.InitializeRendering())
	require.NoError(t, h.r.PrepareFrame())
	assert.Equal(t, 1, h.r.VisibleTilesCount())
	require.Eventually(t, func() bool { return h.state(baseKind, tile59, 12) == resource.Ready }, waitFor, tick)

	require.NoError(t, h.r.ReleaseRendering())
}
