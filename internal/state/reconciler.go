package state

import (
	"fmt"
	"math"
	"slices"
	"sync"
	"sync/atomic"

	"gigamap/internal/provider"
	"gigamap/internal/tiles"
)

const (
	epsilon = 1.1920929e-07 // float32 machine epsilon
	maxZoom = 31.49999
)

// Reconciler owns the requested, committed and internal state tiers. Setters
// may be called from any goroutine; Reconcile is the only writer of the
// committed and internal tiers and runs on the render goroutine.
type Reconciler struct {
	requestedMu sync.RWMutex
	requested   MapState
	outdated    atomic.Bool

	internalMu sync.Mutex
	committed  atomic.Pointer[MapState]
	internal   atomic.Pointer[InternalState]

	projector     Projector
	invalidations *Invalidations
	invalidate    func()
}

// NewReconciler creates a reconciler holding the default requested state.
// invalidateFrame is called whenever a new frame must be drawn.
func NewReconciler(projector Projector, inv *Invalidations, invalidateFrame func()) *Reconciler {
	if projector == nil {
		projector = FlatProjector{}
	}
	if inv == nil {
		inv = &Invalidations{}
	}
	if invalidateFrame == nil {
		invalidateFrame = func() {}
	}
	r := &Reconciler{
		projector:     projector,
		invalidations: inv,
		invalidate:    invalidateFrame,
	}
	r.committed.Store(&MapState{})
	r.internal.Store(&InternalState{})

	for layer := range RasterLayersCount {
		r.SetRasterLayerOpacity(RasterLayerID(layer), 1, true)
	}
	r.SetElevationDataScaleFactor(1, true)
	r.SetFieldOfView(16.5, true)
	r.SetDistanceToFog(400, true)
	r.SetFogOriginFactor(0.36, true)
	r.SetFogHeightOriginFactor(0.05, true)
	r.SetFogDensity(1.9, true)
	r.SetFogColor(ColorRGB{R: 1}, true)
	r.SetSkyColor(ColorRGB{R: 140.0 / 255, G: 190.0 / 255, B: 214.0 / 255}, true)
	r.SetAzimuth(0, true)
	r.SetElevationAngle(45, true)
	center := int32(1) << (tiles.MaxZoomLevel - 1)
	r.SetTarget(tiles.PointI{X: center, Y: center}, true)
	r.SetZoom(0, true)

	return r
}

// Outdated reports whether the requested state changed since the last commit.
func (r *Reconciler) Outdated() bool {
	return r.outdated.Load()
}

// Invalidate forces the next Reconcile to commit even without changes.
func (r *Reconciler) Invalidate() {
	r.outdated.Store(true)
}

// Committed returns the snapshot used by the current frame.
func (r *Reconciler) Committed() *MapState {
	return r.committed.Load()
}

func (r *Reconciler) Internal() *InternalState {
	return r.internal.Load()
}

// Requested returns a copy of the requested state.
func (r *Reconciler) Requested() *MapState {
	r.requestedMu.RLock()
	defer r.requestedMu.RUnlock()
	return r.requested.clone()
}

// Reconcile commits the requested state and derives the internal state, if the
// requested state changed. On error the state stays outdated and the previous
// snapshots remain published.
func (r *Reconciler) Reconcile() (bool, error) {
	if !r.outdated.Swap(false) {
		return false, nil
	}

	r.internalMu.Lock()
	defer r.internalMu.Unlock()

	r.requestedMu.RLock()
	committed := r.requested.clone()
	r.requestedMu.RUnlock()

	internal, err := r.derive(committed)

	// A refresh is needed whether or not derivation worked.
	r.invalidate()

	if err != nil {
		r.outdated.Store(true)
		return false, fmt.Errorf("derive internal state: %w", err)
	}

	r.committed.Store(committed)
	r.internal.Store(internal)
	return true, nil
}

func (r *Reconciler) derive(s *MapState) (*InternalState, error) {
	zoomDiff := uint(tiles.MaxZoomLevel - s.ZoomBase)
	internal := &InternalState{
		TargetTileID: tiles.TileID{
			X: s.Target31.X >> zoomDiff,
			Y: s.Target31.Y >> zoomDiff,
		},
	}

	tileWidth31 := float64(int64(1) << zoomDiff)
	offsetX := int64(s.Target31.X) - int64(internal.TargetTileID.X)<<zoomDiff
	offsetY := int64(s.Target31.Y) - int64(internal.TargetTileID.Y)<<zoomDiff
	internal.TargetInTileOffsetN = tiles.PointF{
		X: float32(float64(offsetX) / tileWidth31),
		Y: float32(float64(offsetY) / tileWidth31),
	}

	visible, err := r.projector.VisibleTiles(s, internal)
	if err != nil {
		return nil, err
	}
	target := internal.TargetTileID
	distance := func(t tiles.TileID) int64 {
		dx := int64(t.X) - int64(target.X)
		dy := int64(t.Y) - int64(target.Y)
		return dx*dx + dy*dy
	}
	visible = slices.Clone(visible)
	slices.SortStableFunc(visible, func(a, b tiles.TileID) int {
		da, db := distance(a), distance(b)
		switch {
		case da > db:
			return -1
		case da < db:
			return 1
		default:
			return 0
		}
	})
	internal.VisibleTiles = visible

	return internal, nil
}

func (r *Reconciler) notifyRequestedStateWasUpdated() {
	r.outdated.Store(true)
	r.invalidate()
}

func (r *Reconciler) SetRasterLayerProvider(layer RasterLayerID, p provider.RasterTileProvider, forcedUpdate bool) {
	if !layer.Valid() {
		return
	}
	r.requestedMu.Lock()
	defer r.requestedMu.Unlock()

	if !forcedUpdate && r.requested.RasterLayerProviders[layer] == p {
		return
	}
	r.requested.RasterLayerProviders[layer] = p

	r.invalidations.InvalidateRasterLayer(layer)
	r.notifyRequestedStateWasUpdated()
}

func (r *Reconciler) SetRasterLayerOpacity(layer RasterLayerID, opacity float32, forcedUpdate bool) {
	if !layer.Valid() {
		return
	}
	r.requestedMu.Lock()
	defer r.requestedMu.Unlock()

	v := clamp(opacity, 0, 1)
	if !forcedUpdate && fuzzyEqual(r.requested.RasterLayerOpacity[layer], v) {
		return
	}
	r.requested.RasterLayerOpacity[layer] = v

	r.notifyRequestedStateWasUpdated()
}

func (r *Reconciler) SetElevationDataProvider(p provider.ElevationDataProvider, forcedUpdate bool) {
	r.requestedMu.Lock()
	defer r.requestedMu.Unlock()

	if !forcedUpdate && r.requested.ElevationDataProvider == p {
		return
	}
	r.requested.ElevationDataProvider = p

	r.invalidations.InvalidateElevationData()
	r.notifyRequestedStateWasUpdated()
}

func (r *Reconciler) SetElevationDataScaleFactor(factor float32, forcedUpdate bool) {
	r.requestedMu.Lock()
	defer r.requestedMu.Unlock()

	if !forcedUpdate && fuzzyEqual(r.requested.ElevationDataScaleFactor, factor) {
		return
	}
	r.requested.ElevationDataScaleFactor = factor

	r.notifyRequestedStateWasUpdated()
}

func (r *Reconciler) AddSymbolProvider(p provider.SymbolProvider, forcedUpdate bool) {
	r.requestedMu.Lock()
	defer r.requestedMu.Unlock()

	present := slices.Contains(r.requested.SymbolProviders, p)
	if !forcedUpdate && present {
		return
	}
	if !present {
		r.requested.SymbolProviders = append(r.requested.SymbolProviders, p)
	}

	r.invalidations.InvalidateSymbols()
	r.notifyRequestedStateWasUpdated()
}

func (r *Reconciler) RemoveSymbolProvider(p provider.SymbolProvider, forcedUpdate bool) {
	r.requestedMu.Lock()
	defer r.requestedMu.Unlock()

	idx := slices.Index(r.requested.SymbolProviders, p)
	if !forcedUpdate && idx < 0 {
		return
	}
	if idx >= 0 {
		r.requested.SymbolProviders = slices.Delete(r.requested.SymbolProviders, idx, idx+1)
	}

	r.invalidations.InvalidateSymbols()
	r.notifyRequestedStateWasUpdated()
}

func (r *Reconciler) RemoveAllSymbolProviders(forcedUpdate bool) {
	r.requestedMu.Lock()
	defer r.requestedMu.Unlock()

	if !forcedUpdate && len(r.requested.SymbolProviders) == 0 {
		return
	}
	r.requested.SymbolProviders = nil

	r.invalidations.InvalidateSymbols()
	r.notifyRequestedStateWasUpdated()
}

func (r *Reconciler) SetWindowSize(size tiles.PointI, forcedUpdate bool) {
	r.requestedMu.Lock()
	defer r.requestedMu.Unlock()

	if !forcedUpdate && r.requested.WindowSize == size {
		return
	}
	r.requested.WindowSize = size

	r.notifyRequestedStateWasUpdated()
}

func (r *Reconciler) SetViewport(viewport tiles.AreaI, forcedUpdate bool) {
	r.requestedMu.Lock()
	defer r.requestedMu.Unlock()

	if !forcedUpdate && r.requested.Viewport == viewport {
		return
	}
	r.requested.Viewport = viewport

	r.notifyRequestedStateWasUpdated()
}

func (r *Reconciler) SetFieldOfView(fov float32, forcedUpdate bool) {
	r.setClamped(&r.requested.FieldOfView, clamp(fov, epsilon, 90), forcedUpdate)
}

func (r *Reconciler) SetDistanceToFog(distance float32, forcedUpdate bool) {
	r.setClamped(&r.requested.FogDistance, max(distance, epsilon), forcedUpdate)
}

func (r *Reconciler) SetFogOriginFactor(factor float32, forcedUpdate bool) {
	r.setClamped(&r.requested.FogOriginFactor, clamp(factor, epsilon, 1), forcedUpdate)
}

func (r *Reconciler) SetFogHeightOriginFactor(factor float32, forcedUpdate bool) {
	r.setClamped(&r.requested.FogHeightOriginFactor, clamp(factor, epsilon, 1), forcedUpdate)
}

func (r *Reconciler) SetFogDensity(density float32, forcedUpdate bool) {
	r.setClamped(&r.requested.FogDensity, max(density, epsilon), forcedUpdate)
}

func (r *Reconciler) SetAzimuth(azimuth float32, forcedUpdate bool) {
	r.setClamped(&r.requested.Azimuth, NormalizeAngleDegrees(azimuth), forcedUpdate)
}

func (r *Reconciler) SetElevationAngle(angle float32, forcedUpdate bool) {
	r.setClamped(&r.requested.ElevationAngle, clamp(angle, epsilon, 90), forcedUpdate)
}

// setClamped stores an already clamped value into a field of the requested state.
func (r *Reconciler) setClamped(field *float32, v float32, forcedUpdate bool) {
	r.requestedMu.Lock()
	defer r.requestedMu.Unlock()

	if !forcedUpdate && fuzzyEqual(*field, v) {
		return
	}
	*field = v

	r.notifyRequestedStateWasUpdated()
}

func (r *Reconciler) SetFogColor(c ColorRGB, forcedUpdate bool) {
	r.requestedMu.Lock()
	defer r.requestedMu.Unlock()

	if !forcedUpdate && r.requested.FogColor == c {
		return
	}
	r.requested.FogColor = c

	r.notifyRequestedStateWasUpdated()
}

func (r *Reconciler) SetSkyColor(c ColorRGB, forcedUpdate bool) {
	r.requestedMu.Lock()
	defer r.requestedMu.Unlock()

	if !forcedUpdate && r.requested.SkyColor == c {
		return
	}
	r.requested.SkyColor = c

	r.notifyRequestedStateWasUpdated()
}

func (r *Reconciler) SetTarget(target31 tiles.PointI, forcedUpdate bool) {
	r.requestedMu.Lock()
	defer r.requestedMu.Unlock()

	t := tiles.NormalizeCoordinates31(target31)
	if !forcedUpdate && r.requested.Target31 == t {
		return
	}
	r.requested.Target31 = t

	r.notifyRequestedStateWasUpdated()
}

// SetZoom clamps zoom to [0, 31.49999] and splits it into an integer base and
// a fractional part.
func (r *Reconciler) SetZoom(zoom float32, forcedUpdate bool) {
	r.requestedMu.Lock()
	defer r.requestedMu.Unlock()

	v := clamp(zoom, 0, maxZoom)
	if !forcedUpdate && fuzzyEqual(r.requested.RequestedZoom, v) {
		return
	}
	base := tiles.ZoomLevel(math.Round(float64(v)))
	r.requested.RequestedZoom = v
	r.requested.ZoomBase = base
	r.requested.ZoomFraction = v - float32(base)

	r.notifyRequestedStateWasUpdated()
}

// NormalizeAngleDegrees folds an angle into (-180, 180].
func NormalizeAngleDegrees(angle float32) float32 {
	a := math.Mod(float64(angle), 360)
	if a > 180 {
		a -= 360
	} else if a <= -180 {
		a += 360
	}
	return float32(a)
}

func clamp(v, lo, hi float32) float32 {
	if math.IsNaN(float64(v)) {
		return lo
	}
	return max(lo, min(v, hi))
}

// fuzzyEqual compares with a relative tolerance of 1e-5.
func fuzzyEqual(a, b float32) bool {
	if a == b {
		return true
	}
	d := math.Abs(float64(a) - float64(b))
	return d*100000 <= math.Min(math.Abs(float64(a)), math.Abs(float64(b)))
}
