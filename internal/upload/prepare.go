// Package upload turns Ready resource entries into GPU-resident ones.
package upload

import (
	"fmt"

	"gigamap/internal/bitmap"
	"gigamap/internal/provider"
	"gigamap/internal/state"
)

// Constraints are the GPU format limits in effect for one upload pass.
type Constraints struct {
	LimitColorDepthBy16Bits bool
	PaletteTextures         bool
}

// ConstraintsFor combines the active configuration with backend support.
func ConstraintsFor(cfg state.Configuration, paletteSupported bool) Constraints {
	return Constraints{
		LimitColorDepthBy16Bits: cfg.LimitTextureColorDepthBy16Bits,
		PaletteTextures:         cfg.PaletteTexturesAllowed && paletteSupported,
	}
}

// AtlasLimit is how many tiles of side tileSide may share one texture.
func AtlasLimit(cfg state.Configuration, maxTextureSize, tileSide uint32) int {
	if !cfg.AtlasTexturesAllowed || tileSide == 0 || tileSide > maxTextureSize {
		return 1
	}
	perSide := int(maxTextureSize / tileSide)
	return perSide * perSide
}

// Prepare returns tile in a form the GPU accepts. A compliant tile is
// returned as is; otherwise a converted copy is produced.
func Prepare(tile provider.Tile, c Constraints) (provider.Tile, error) {
	bt, ok := tile.(*provider.BitmapTile)
	if !ok || bt == nil || bt.Bitmap == nil {
		return tile, nil
	}

	b := bt.Bitmap
	alpha := bt.AlphaChannel
	target := b.Format

	switch b.Format {
	case bitmap.FormatARGB4444, bitmap.FormatRGB565:
	case bitmap.FormatARGB8888, bitmap.FormatIndex8:
		if b.Format == bitmap.FormatIndex8 && c.PaletteTextures {
			break
		}
		if !c.LimitColorDepthBy16Bits {
			target = bitmap.FormatARGB8888
			break
		}
		if alpha == bitmap.AlphaUndefined {
			alpha = alphaOf(b)
		}
		target = bitmap.FormatARGB4444
		if alpha == bitmap.AlphaNotPresent {
			target = bitmap.FormatRGB565
		}
	default:
		return nil, fmt.Errorf("unsupported bitmap format %s", b.Format)
	}

	if target == b.Format {
		return tile, nil
	}

	converted, err := b.ConvertTo(target)
	if err != nil {
		return nil, fmt.Errorf("convert %s to %s: %w", b.Format, target, err)
	}
	if alpha == bitmap.AlphaUndefined {
		alpha = alphaOf(b)
	}
	return &provider.BitmapTile{Bitmap: converted, AlphaChannel: alpha}, nil
}

func alphaOf(b *bitmap.Bitmap) bitmap.AlphaChannelData {
	if b.IsOpaque() {
		return bitmap.AlphaNotPresent
	}
	return bitmap.AlphaPresent
}

// TileSide is the texture edge length a tile occupies.
func TileSide(tile provider.Tile) uint32 {
	switch t := tile.(type) {
	case *provider.BitmapTile:
		if t != nil && t.Bitmap != nil {
			return uint32(max(t.Bitmap.Width, t.Bitmap.Height))
		}
	case *provider.ElevationTile:
		if t != nil {
			return uint32(t.Size)
		}
	}
	return 0
}
