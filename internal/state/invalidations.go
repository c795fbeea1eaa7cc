package state

import "sync/atomic"

// RasterLayerID names one of the stacked raster layers.
type RasterLayerID int

const (
	RasterBaseLayer RasterLayerID = iota
	RasterOverlay0
	RasterOverlay1
	RasterOverlay2

	RasterLayersCount = 4
)

func (l RasterLayerID) Valid() bool {
	return l >= 0 && int(l) < RasterLayersCount
}

// Invalidations collects resource stores that must be released wholesale on
// the next prepare phase. Setters write it from any goroutine; the render
// goroutine drains it.
type Invalidations struct {
	rasterLayers atomic.Uint32
	elevation    atomic.Bool
	symbols      atomic.Bool
}

func (i *Invalidations) InvalidateRasterLayer(layer RasterLayerID) {
	i.rasterLayers.Or(1 << uint(layer))
}

func (i *Invalidations) InvalidateAllRasterLayers() {
	i.rasterLayers.Or(1<<RasterLayersCount - 1)
}

func (i *Invalidations) InvalidateElevationData() {
	i.elevation.Store(true)
}

func (i *Invalidations) InvalidateSymbols() {
	i.symbols.Store(true)
}

// RasterLayersMask returns the pending raster layer bits without clearing them.
func (i *Invalidations) RasterLayersMask() uint32 {
	return i.rasterLayers.Load()
}

// TakeRasterLayers clears and returns the pending raster layer bits.
func (i *Invalidations) TakeRasterLayers() uint32 {
	return i.rasterLayers.Swap(0)
}

func (i *Invalidations) TakeElevationData() bool {
	return i.elevation.Swap(false)
}

func (i *Invalidations) TakeSymbols() bool {
	return i.symbols.Swap(false)
}
