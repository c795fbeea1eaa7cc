// Package state keeps the three tiers of renderer state: what the host asked
// for, what the render goroutine committed for the current frame, and what was
// derived from the committed state.
package state

import (
	"slices"

	"gigamap/internal/provider"
	"gigamap/internal/tiles"
)

type ColorRGB struct {
	R float32
	G float32
	B float32
}

// MapState is the host-controlled view and data-source state. A committed
// MapState is never mutated once published.
type MapState struct {
	RasterLayerProviders [RasterLayersCount]provider.RasterTileProvider
	RasterLayerOpacity   [RasterLayersCount]float32

	ElevationDataProvider    provider.ElevationDataProvider
	ElevationDataScaleFactor float32

	SymbolProviders []provider.SymbolProvider

	WindowSize tiles.PointI
	Viewport   tiles.AreaI

	FieldOfView           float32
	FogDistance           float32
	FogOriginFactor       float32
	FogHeightOriginFactor float32
	FogDensity            float32
	FogColor              ColorRGB
	SkyColor              ColorRGB
	Azimuth               float32
	ElevationAngle        float32

	Target31      tiles.PointI
	RequestedZoom float32
	ZoomBase      tiles.ZoomLevel
	ZoomFraction  float32
}

func (s *MapState) clone() *MapState {
	out := *s
	out.SymbolProviders = slices.Clone(s.SymbolProviders)
	return &out
}

// InternalState is derived from a committed MapState.
type InternalState struct {
	TargetTileID        tiles.TileID
	TargetInTileOffsetN tiles.PointF

	// VisibleTiles may hold wrap-around duplicates; it is ordered farthest
	// from the target tile first.
	VisibleTiles []tiles.TileID
}

// UniqueTiles folds wrap-around duplicates of the visible tiles.
func (s *InternalState) UniqueTiles(zoom tiles.ZoomLevel) *tiles.Set {
	return tiles.NewSet(s.VisibleTiles, zoom)
}
