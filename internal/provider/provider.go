// Package provider defines the data-source contracts consumed by the renderer
// and the tile payloads they produce.
package provider

import (
	"context"

	"gigamap/internal/bitmap"
	"gigamap/internal/tiles"
)

// Tile is the closed set of payloads a resource entry can hold: *BitmapTile,
// *ElevationTile or SymbolSet.
type Tile interface {
	isTile()
}

type BitmapTile struct {
	Bitmap       *bitmap.Bitmap
	AlphaChannel bitmap.AlphaChannelData
}

func (*BitmapTile) isTile() {}

// ElevationTile is a square grid of heights, Size samples per side.
type ElevationTile struct {
	Size    int
	Heights []float32
}

func (*ElevationTile) isTile() {}

// Symbol is a point feature to be drawn on top of tiles.
type Symbol struct {
	Position31 tiles.PointI
	Label      string
	Priority   int
}

type SymbolSet []Symbol

func (SymbolSet) isTile() {}

// Retained is implemented by tiles that keep part of themselves after their
// pixels reach the GPU.
type Retained interface {
	Tile
	ReleaseNonRetainedData()
}

// RasterTileProvider produces bitmap tiles. A nil tile with a nil error means
// there is no data for the tile.
type RasterTileProvider interface {
	TileSize() uint32
	ObtainTile(ctx context.Context, id tiles.TileID, zoom tiles.ZoomLevel) (*BitmapTile, error)
}

// ElevationDataProvider produces elevation grids. A nil tile with a nil error
// means there is no data for the tile.
type ElevationDataProvider interface {
	TileSize() uint32
	ObtainTile(ctx context.Context, id tiles.TileID, zoom tiles.ZoomLevel) (*ElevationTile, error)
}

// SymbolProvider appends the symbols of a tile to out and returns it.
type SymbolProvider interface {
	ObtainSymbols(ctx context.Context, id tiles.TileID, zoom tiles.ZoomLevel, out SymbolSet) (SymbolSet, error)
}
