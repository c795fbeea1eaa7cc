package renderer

import (
	"github.com/paulmach/orb"

	"gigamap/internal/provider"
	"gigamap/internal/state"
	"gigamap/internal/tiles"
)

// Every setter is a no-op when the value is unchanged, unless forcedUpdate is
// set. A change marks the state outdated and requests a frame.

func (r *Renderer) SetRasterLayerProvider(layer state.RasterLayerID, p provider.RasterTileProvider, forcedUpdate bool) {
	r.reconciler.SetRasterLayerProvider(layer, p, forcedUpdate)
}

// ResetRasterLayerProvider removes the data source of layer.
func (r *Renderer) ResetRasterLayerProvider(layer state.RasterLayerID, forcedUpdate bool) {
	r.reconciler.SetRasterLayerProvider(layer, nil, forcedUpdate)
}

func (r *Renderer) SetRasterLayerOpacity(layer state.RasterLayerID, opacity float32, forcedUpdate bool) {
	r.reconciler.SetRasterLayerOpacity(layer, opacity, forcedUpdate)
}

func (r *Renderer) SetElevationDataProvider(p provider.ElevationDataProvider, forcedUpdate bool) {
	r.reconciler.SetElevationDataProvider(p, forcedUpdate)
}

func (r *Renderer) ResetElevationDataProvider(forcedUpdate bool) {
	r.reconciler.SetElevationDataProvider(nil, forcedUpdate)
}

func (r *Renderer) SetElevationDataScaleFactor(factor float32, forcedUpdate bool) {
	r.reconciler.SetElevationDataScaleFactor(factor, forcedUpdate)
}

func (r *Renderer) AddSymbolProvider(p provider.SymbolProvider, forcedUpdate bool) {
	r.reconciler.AddSymbolProvider(p, forcedUpdate)
}

func (r *Renderer) RemoveSymbolProvider(p provider.SymbolProvider, forcedUpdate bool) {
	r.reconciler.RemoveSymbolProvider(p, forcedUpdate)
}

func (r *Renderer) RemoveAllSymbolProviders(forcedUpdate bool) {
	r.reconciler.RemoveAllSymbolProviders(forcedUpdate)
}

func (r *Renderer) SetWindowSize(size tiles.PointI, forcedUpdate bool) {
	r.reconciler.SetWindowSize(size, forcedUpdate)
}

func (r *Renderer) SetViewport(viewport tiles.AreaI, forcedUpdate bool) {
	r.reconciler.SetViewport(viewport, forcedUpdate)
}

func (r *Renderer) SetFieldOfView(fov float32, forcedUpdate bool) {
	r.reconciler.SetFieldOfView(fov, forcedUpdate)
}

func (r *Renderer) SetDistanceToFog(distance float32, forcedUpdate bool) {
	r.reconciler.SetDistanceToFog(distance, forcedUpdate)
}

func (r *Renderer) SetFogOriginFactor(factor float32, forcedUpdate bool) {
	r.reconciler.SetFogOriginFactor(factor, forcedUpdate)
}

func (r *Renderer) SetFogHeightOriginFactor(factor float32, forcedUpdate bool) {
	r.reconciler.SetFogHeightOriginFactor(factor, forcedUpdate)
}

func (r *Renderer) SetFogDensity(density float32, forcedUpdate bool) {
	r.reconciler.SetFogDensity(density, forcedUpdate)
}

func (r *Renderer) SetFogColor(c state.ColorRGB, forcedUpdate bool) {
	r.reconciler.SetFogColor(c, forcedUpdate)
}

func (r *Renderer) SetSkyColor(c state.ColorRGB, forcedUpdate bool) {
	r.reconciler.SetSkyColor(c, forcedUpdate)
}

func (r *Renderer) SetAzimuth(azimuth float32, forcedUpdate bool) {
	r.reconciler.SetAzimuth(azimuth, forcedUpdate)
}

func (r *Renderer) SetElevationAngle(angle float32, forcedUpdate bool) {
	r.reconciler.SetElevationAngle(angle, forcedUpdate)
}

func (r *Renderer) SetTarget(target31 tiles.PointI, forcedUpdate bool) {
	r.reconciler.SetTarget(target31, forcedUpdate)
}

// SetTargetLonLat points the camera at a geographic position.
func (r *Renderer) SetTargetLonLat(ll orb.Point, forcedUpdate bool) {
	r.reconciler.SetTarget(tiles.Target31At(ll), forcedUpdate)
}

func (r *Renderer) SetZoom(zoom float32, forcedUpdate bool) {
	r.reconciler.SetZoom(zoom, forcedUpdate)
}

func (r *Renderer) SetConfiguration(cfg state.Configuration, forcedUpdate bool) {
	r.config.Set(cfg, forcedUpdate)
}

func (r *Renderer) Configuration() state.Configuration {
	return r.config.Requested()
}

// RequestedState returns a copy of the state as last set by the host.
func (r *Renderer) RequestedState() *state.MapState {
	return r.reconciler.Requested()
}
