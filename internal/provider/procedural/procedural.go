// Package procedural generates synthetic tiles. The host uses it for test
// layers and it needs no data on disk.
package procedural

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"math"
	"time"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"gigamap/internal/bitmap"
	"gigamap/internal/provider"
	"gigamap/internal/tiles"
)

const DefaultTileSize = 256

// Raster draws a two-colour checkerboard with a one-pixel tile border. The
// colours shift with zoom so neighbouring levels are distinguishable.
type Raster struct {
	Size uint32
	// Cells per tile side; 0 means 8.
	Cells int
	// Indexed selects Index8 output with a small palette.
	Indexed bool
	// Translucent makes odd cells half transparent.
	Translucent bool
	// Labels prints the tile coordinates in the top-left corner.
	Labels bool
	// MaxZoom limits the levels with data; 0 means every level.
	MaxZoom tiles.ZoomLevel
	// Latency simulates a slow source.
	Latency time.Duration
}

var _ provider.RasterTileProvider = (*Raster)(nil)

func (r *Raster) TileSize() uint32 {
	if r.Size == 0 {
		return DefaultTileSize
	}
	return r.Size
}

func (r *Raster) ObtainTile(ctx context.Context, id tiles.TileID, zoom tiles.ZoomLevel) (*provider.BitmapTile, error) {
	if err := wait(ctx, r.Latency); err != nil {
		return nil, err
	}
	if r.MaxZoom > 0 && zoom > r.MaxZoom {
		return nil, nil
	}

	size := int(r.TileSize())
	cells := r.Cells
	if cells <= 0 {
		cells = 8
	}
	cell := max(size/cells, 1)

	even, odd := zoomColors(zoom)
	if r.Translucent {
		odd.A = 0x80
	}
	border := color.NRGBA{A: 0xff}

	n := tiles.Normalize(id, zoom)
	phase := int(n.X+n.Y) & 1
	img := image.NewNRGBA(image.Rect(0, 0, size, size))
	for y := range size {
		for x := range size {
			c := even
			if (x/cell+y/cell+phase)&1 == 1 {
				c = odd
			}
			if x == 0 || y == 0 {
				c = border
			}
			img.SetNRGBA(x, y, c)
		}
	}
	if r.Labels {
		d := &font.Drawer{
			Dst:  img,
			Src:  image.NewUniform(border),
			Face: basicfont.Face7x13,
			Dot:  fixed.P(4, 4+basicfont.Face7x13.Ascent),
		}
		d.DrawString(fmt.Sprintf("%d/%d/%d", zoom, n.X, n.Y))
	}

	var b *bitmap.Bitmap
	if r.Indexed {
		b = bitmap.New(size, size, bitmap.FormatIndex8)
		b.Palette = color.Palette{even, odd, border}
		for y := range size {
			for x := range size {
				b.SetNRGBA(x, y, img.NRGBAAt(x, y))
			}
		}
	} else {
		b = bitmap.FromImage(img)
	}

	alpha := bitmap.AlphaNotPresent
	if r.Translucent {
		alpha = bitmap.AlphaPresent
	}
	return &provider.BitmapTile{Bitmap: b, AlphaChannel: alpha}, nil
}

func zoomColors(zoom tiles.ZoomLevel) (color.NRGBA, color.NRGBA) {
	hue := float64(zoom%12) / 12
	return hsv(hue, 0.25, 0.95), hsv(hue, 0.6, 0.7)
}

func hsv(h, s, v float64) color.NRGBA {
	i := math.Floor(h * 6)
	f := h*6 - i
	p, q, t := v*(1-s), v*(1-f*s), v*(1-(1-f)*s)
	var r, g, b float64
	switch int(i) % 6 {
	case 0:
		r, g, b = v, t, p
	case 1:
		r, g, b = q, v, p
	case 2:
		r, g, b = p, v, t
	case 3:
		r, g, b = p, q, v
	case 4:
		r, g, b = t, p, v
	default:
		r, g, b = v, p, q
	}
	return color.NRGBA{R: uint8(r * 255), G: uint8(g * 255), B: uint8(b * 255), A: 0xff}
}

// Elevation produces smooth rolling terrain sampled in world space, so edges
// of neighbouring tiles match.
type Elevation struct {
	// Samples per tile side; 0 means 32.
	Samples int
	// Peak height in metres; 0 means 1000.
	Amplitude float32
	Latency   time.Duration
}

var _ provider.ElevationDataProvider = (*Elevation)(nil)

func (e *Elevation) TileSize() uint32 {
	return uint32(e.samples())
}

func (e *Elevation) samples() int {
	if e.Samples <= 0 {
		return 32
	}
	return e.Samples
}

func (e *Elevation) ObtainTile(ctx context.Context, id tiles.TileID, zoom tiles.ZoomLevel) (*provider.ElevationTile, error) {
	if err := wait(ctx, e.Latency); err != nil {
		return nil, err
	}
	amp := e.Amplitude
	if amp == 0 {
		amp = 1000
	}

	size := e.samples()
	n := tiles.Normalize(id, zoom)
	tileWorld := float64(tiles.WorldSize31 >> uint(zoom))
	step := tileWorld / float64(max(size-1, 1))

	heights := make([]float32, size*size)
	for j := range size {
		for i := range size {
			wx := (float64(n.X)*tileWorld + float64(i)*step) / float64(tiles.WorldSize31)
			wy := (float64(n.Y)*tileWorld + float64(j)*step) / float64(tiles.WorldSize31)
			h := math.Sin(wx*2*math.Pi*8)*math.Cos(wy*2*math.Pi*8)*0.5 + 0.5
			heights[j*size+i] = float32(h) * amp
		}
	}
	return &provider.ElevationTile{Size: size, Heights: heights}, nil
}

// Symbols places one labelled point at the centre of every tile.
type Symbols struct {
	Priority int
	Latency  time.Duration
}

var _ provider.SymbolProvider = (*Symbols)(nil)

func (s *Symbols) ObtainSymbols(ctx context.Context, id tiles.TileID, zoom tiles.ZoomLevel, out provider.SymbolSet) (provider.SymbolSet, error) {
	if err := wait(ctx, s.Latency); err != nil {
		return out, err
	}
	n := tiles.Normalize(id, zoom)
	span := tiles.WorldSize31 >> uint(zoom)
	centre := tiles.PointI{
		X: int32(int64(n.X)*span + span/2),
		Y: int32(int64(n.Y)*span + span/2),
	}
	return append(out, provider.Symbol{
		Position31: centre,
		Label:      fmt.Sprintf("%d/%d/%d", zoom, n.X, n.Y),
		Priority:   s.Priority,
	}), nil
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
