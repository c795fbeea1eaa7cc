package tiles

import (
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

// ZoomLevel is a tile grid resolution. Valid values are [MinZoomLevel, MaxZoomLevel].
type ZoomLevel int

const (
	MinZoomLevel ZoomLevel = 0
	MaxZoomLevel ZoomLevel = 31

	ZoomLevelsCount = int(MaxZoomLevel) + 1
)

func (z ZoomLevel) Valid() bool {
	return z >= MinZoomLevel && z <= MaxZoomLevel
}

// TileID is an integer tile coordinate at some zoom level. Values outside the
// grid are allowed for wrap-around duplicates and are folded by Normalize.
type TileID struct {
	X int32
	Y int32
}

func (t TileID) String() string {
	return fmt.Sprintf("%dx%d", t.X, t.Y)
}

// PointI is a point in 31-bit world coordinates.
type PointI struct {
	X int32
	Y int32
}

// PointF is a normalized in-tile offset.
type PointF struct {
	X float32
	Y float32
}

// AreaI is a pixel rectangle, exclusive of Right and Bottom.
type AreaI struct {
	Left   int32
	Top    int32
	Right  int32
	Bottom int32
}

func (a AreaI) Width() int32  { return a.Right - a.Left }
func (a AreaI) Height() int32 { return a.Bottom - a.Top }

func (a AreaI) Empty() bool {
	return a.Width() <= 0 || a.Height() <= 0
}

// WorldSize31 is the extent of the 31-bit world on each axis.
const WorldSize31 int64 = 1 << 31

// NormalizeCoordinates31 wraps p into [0, 2^31) on both axes.
func NormalizeCoordinates31(p PointI) PointI {
	return PointI{
		X: int32(wrap(int64(p.X), WorldSize31)),
		Y: int32(wrap(int64(p.Y), WorldSize31)),
	}
}

// Normalize wraps a tile id into the [0, 2^zoom) grid.
func Normalize(id TileID, zoom ZoomLevel) TileID {
	size := int64(1) << uint(zoom)
	return TileID{
		X: int32(wrap(int64(id.X), size)),
		Y: int32(wrap(int64(id.Y), size)),
	}
}

func wrap(v, size int64) int64 {
	v %= size
	if v < 0 {
		v += size
	}
	return v
}

// MapTile converts a normalized tile id into an orb maptile.
func MapTile(id TileID, zoom ZoomLevel) maptile.Tile {
	n := Normalize(id, zoom)
	return maptile.New(uint32(n.X), uint32(n.Y), maptile.Zoom(zoom))
}

func FromMapTile(t maptile.Tile) (TileID, ZoomLevel) {
	return TileID{X: int32(t.X), Y: int32(t.Y)}, ZoomLevel(t.Z)
}

// Target31At returns the 31-bit world position containing a lon/lat point.
func Target31At(ll orb.Point) PointI {
	t := maptile.At(ll, maptile.Zoom(MaxZoomLevel))
	return NormalizeCoordinates31(PointI{X: int32(t.X), Y: int32(t.Y)})
}

// LonLat returns the geographic centre of a 31-bit world position.
func LonLat(p PointI) orb.Point {
	n := NormalizeCoordinates31(p)
	return maptile.New(uint32(n.X), uint32(n.Y), maptile.Zoom(MaxZoomLevel)).Center()
}

// Bound is the lon/lat extent covered by a tile.
func Bound(id TileID, zoom ZoomLevel) orb.Bound {
	return MapTile(id, zoom).Bound()
}

// Set is a set of normalized tiles at one zoom level.
type Set struct {
	zoom  ZoomLevel
	tiles maptile.Set
	order []TileID
}

// NewSet normalizes ids and keeps the first occurrence of each.
func NewSet(ids []TileID, zoom ZoomLevel) *Set {
	s := &Set{
		zoom:  zoom,
		tiles: make(maptile.Set, len(ids)),
	}
	for _, id := range ids {
		t := MapTile(id, zoom)
		if s.tiles[t] {
			continue
		}
		s.tiles[t] = true
		s.order = append(s.order, TileID{X: int32(t.X), Y: int32(t.Y)})
	}
	return s
}

func (s *Set) Zoom() ZoomLevel { return s.zoom }

func (s *Set) Contains(id TileID, zoom ZoomLevel) bool {
	if s == nil || zoom != s.zoom {
		return false
	}
	n := Normalize(id, zoom)
	return s.tiles[maptile.New(uint32(n.X), uint32(n.Y), maptile.Zoom(zoom))]
}

func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.order)
}

// Tiles returns the normalized tiles in first-seen order.
func (s *Set) Tiles() []TileID {
	if s == nil {
		return nil
	}
	return s.order
}
