package state

import (
	"errors"
	"fmt"
	"math"

	"gigamap/internal/tiles"
)

// Projector computes the tiles covering the viewport for a committed state.
type Projector interface {
	VisibleTiles(s *MapState, internal *InternalState) ([]tiles.TileID, error)
}

type ProjectorFunc func(s *MapState, internal *InternalState) ([]tiles.TileID, error)

func (f ProjectorFunc) VisibleTiles(s *MapState, internal *InternalState) ([]tiles.TileID, error) {
	return f(s, internal)
}

var ErrEmptyViewport = errors.New("viewport is empty")

// FlatProjector looks straight down at the target: the viewport is covered by
// a rectangle of TileSize-pixel tiles scaled by 2^ZoomFraction. Columns that
// fall outside the grid are kept as wrap-around duplicates; rows are clamped.
type FlatProjector struct {
	TileSize float64
	MaxTiles int
}

func (p FlatProjector) VisibleTiles(s *MapState, internal *InternalState) ([]tiles.TileID, error) {
	if s.Viewport.Empty() {
		return nil, ErrEmptyViewport
	}
	tileSize := p.TileSize
	if tileSize <= 0 {
		tileSize = 256
	}
	scaled := tileSize * math.Pow(2, float64(s.ZoomFraction))

	cx := float64(internal.TargetTileID.X) + float64(internal.TargetInTileOffsetN.X)
	cy := float64(internal.TargetTileID.Y) + float64(internal.TargetInTileOffsetN.Y)
	halfW := float64(s.Viewport.Width()) / 2 / scaled
	halfH := float64(s.Viewport.Height()) / 2 / scaled

	x0, x1 := int64(math.Floor(cx-halfW)), int64(math.Ceil(cx+halfW))-1
	y0, y1 := int64(math.Floor(cy-halfH)), int64(math.Ceil(cy+halfH))-1
	x1, y1 = max(x1, x0), max(y1, y0)

	rows := int64(1) << uint(s.ZoomBase)
	y0 = max(y0, 0)
	y1 = min(y1, rows-1)

	count := (x1 - x0 + 1) * (y1 - y0 + 1)
	if p.MaxTiles > 0 && count > int64(p.MaxTiles) {
		return nil, fmt.Errorf("viewport needs %d tiles, limit is %d", count, p.MaxTiles)
	}

	out := make([]tiles.TileID, 0, max(count, 0))
	for y := y0; y <= y1; y++ {
		for x := x0; x <= x1; x++ {
			out = append(out, tiles.TileID{X: int32(x), Y: int32(y)})
		}
	}
	return out, nil
}
