package renderer

import (
	"image/color"

	"gigamap/internal/bitmap"
	"gigamap/internal/provider"
)

type stubKind int

const (
	stubProcessing stubKind = iota
	stubUnavailable

	stubsCount = 2
)

const stubSize = 64

// stubTile draws the placeholder shown in place of tile data: a grey
// checkerboard while data is on its way, a crossed-out tile when there is none.
func stubTile(kind stubKind) *provider.BitmapTile {
	b := bitmap.New(stubSize, stubSize, bitmap.FormatARGB8888)
	light := color.NRGBA{R: 0xdd, G: 0xdd, B: 0xdd, A: 0xff}
	dark := color.NRGBA{R: 0xbb, G: 0xbb, B: 0xbb, A: 0xff}

	for y := range stubSize {
		for x := range stubSize {
			c := light
			switch kind {
			case stubProcessing:
				if (x/8+y/8)%2 == 1 {
					c = dark
				}
			case stubUnavailable:
				c = color.NRGBA{R: 0xee, G: 0xee, B: 0xee, A: 0x80}
				if x == y || x == stubSize-1-y {
					c = color.NRGBA{R: 0xcc, A: 0xff}
				}
			}
			b.SetNRGBA(x, y, c)
		}
	}

	alpha := bitmap.AlphaNotPresent
	if kind == stubUnavailable {
		alpha = bitmap.AlphaPresent
	}
	return &provider.BitmapTile{Bitmap: b, AlphaChannel: alpha}
}
