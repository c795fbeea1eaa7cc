package cache

import (
	"fmt"
	"path/filepath"
	"strconv"
)

// TileKey names one encoded tile of one source. The source geometry is part of
// the key so that re-cutting a source with another tile size never reads
// stale tiles.
type TileKey struct {
	SourceID string
	TileSize int
	MaxZoom  int
	Z        int
	X        int
	Y        int
	Format   string
}

// Path is the key as a relative file path:
// {source}_{size}_{maxzoom}/{z}/{x}_{y}.{format}
func (k TileKey) Path() string {
	return filepath.Join(
		fmt.Sprintf("%s_%d_%d", k.SourceID, k.TileSize, k.MaxZoom),
		strconv.Itoa(k.Z),
		fmt.Sprintf("%d_%d.%s", k.X, k.Y, k.Format),
	)
}

// Cache stores encoded tiles. Implementations are safe for concurrent use;
// a failed write is dropped silently and shows up as a later miss.
type Cache interface {
	Get(key TileKey) ([]byte, bool)
	Set(key TileKey, value []byte)
	Has(key TileKey) bool // cheaper than Get, nothing is decoded
	Clear()
}
