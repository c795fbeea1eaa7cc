// Package imagetiles serves raster map tiles cut from a single large source
// image. The image is anchored at the top-left corner of the world: at zoom 0
// the whole image fits one tile, and every zoom level doubles its resolution
// until the native pixel size is reached.
package imagetiles

import (
	"bytes"
	"context"
	"fmt"
	"image/jpeg"
	"math"
	"path/filepath"
	"strings"

	"github.com/cshum/vipsgen/vips"
	"go.uber.org/zap"

	"gigamap/internal/bitmap"
	"gigamap/internal/cache"
	"gigamap/internal/provider"
	"gigamap/internal/tiles"
)

const (
	DefaultTileSize = 256
	encodedFormat   = "jpeg"
	jpegQuality     = 82
)

// padding colour for edge tiles, #ddd
var background = []float64{221, 221, 221}

// Source describes the image a provider cuts tiles from.
type Source struct {
	ID     string
	Path   string
	Width  int
	Height int
}

type Provider struct {
	src       Source
	tileSize  int
	maxZoom   int
	tileCache cache.Cache
	logger    *zap.Logger
}

var _ provider.RasterTileProvider = (*Provider)(nil)

// New returns a provider for src. A nil cache disables caching of encoded
// tiles and a tileSize of 0 selects DefaultTileSize.
func New(src Source, tileSize int, tileCache cache.Cache, logger *zap.Logger) *Provider {
	if tileSize <= 0 {
		tileSize = DefaultTileSize
	}
	if tileCache == nil {
		tileCache = cache.NewNoopCache()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		src:       src,
		tileSize:  tileSize,
		maxZoom:   CalculateMaxZoom(src.Width, src.Height, tileSize),
		tileCache: tileCache,
		logger:    logger.With(zap.String("source", src.ID)),
	}
}

// CalculateMaxZoom returns the zoom level at which one tile pixel is one
// source pixel.
func CalculateMaxZoom(width, height, tileSize int) int {
	if tileSize <= 0 {
		tileSize = DefaultTileSize
	}
	maxDim := math.Max(float64(width), float64(height))
	scale := maxDim / float64(tileSize)
	maxZoom := int(math.Ceil(math.Log2(scale)))
	if maxZoom < 0 {
		return 0
	}
	return maxZoom
}

func (p *Provider) Source() Source   { return p.src }
func (p *Provider) MaxZoom() int     { return p.maxZoom }
func (p *Provider) TileSize() uint32 { return uint32(p.tileSize) }

// Grid returns how many tile columns and rows the image covers at zoom.
func (p *Provider) Grid(zoom int) (columns, rows int) {
	if zoom < 0 || zoom > p.maxZoom {
		return 0, 0
	}
	perTile := p.pixelsPerTile(zoom)
	columns = int(math.Ceil(float64(p.src.Width) / perTile))
	rows = int(math.Ceil(float64(p.src.Height) / perTile))
	return columns, rows
}

func (p *Provider) pixelsPerTile(zoom int) float64 {
	return float64(p.tileSize) * math.Pow(2, float64(p.maxZoom-zoom))
}

// region is a rectangle of source pixels.
type region struct {
	x, y, width, height int
}

// sourceRegion maps a tile to the source pixels it covers, clamped to the
// image. ok is false for tiles that lie outside the image.
func (p *Provider) sourceRegion(zoom, x, y int) (r region, ok bool) {
	if zoom < 0 || zoom > p.maxZoom || x < 0 || y < 0 {
		return region{}, false
	}
	perTile := p.pixelsPerTile(zoom)
	startX := int(float64(x) * perTile)
	startY := int(float64(y) * perTile)
	endX := int(math.Min(float64(startX)+perTile, float64(p.src.Width)))
	endY := int(math.Min(float64(startY)+perTile, float64(p.src.Height)))

	r = region{x: startX, y: startY, width: endX - startX, height: endY - startY}
	if r.width <= 0 || r.height <= 0 {
		return region{}, false
	}
	return r, true
}

func (p *Provider) key(zoom, x, y int) cache.TileKey {
	return cache.TileKey{
		SourceID: p.src.ID,
		TileSize: p.tileSize,
		MaxZoom:  p.maxZoom,
		Z:        zoom,
		X:        x,
		Y:        y,
		Format:   encodedFormat,
	}
}

// ObtainTile returns the decoded tile, or nil when the image has no pixels
// under it.
func (p *Provider) ObtainTile(ctx context.Context, id tiles.TileID, zoom tiles.ZoomLevel) (*provider.BitmapTile, error) {
	data, err := p.EncodedTile(ctx, id, zoom)
	if err != nil || data == nil {
		return nil, err
	}

	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode tile: %w", err)
	}
	return &provider.BitmapTile{
		Bitmap:       bitmap.FromImage(img),
		AlphaChannel: bitmap.AlphaNotPresent,
	}, nil
}

// EncodedTile returns the JPEG bytes of a tile, rendering and caching them on
// a miss. It returns nil bytes when the image has no pixels under the tile.
func (p *Provider) EncodedTile(ctx context.Context, id tiles.TileID, zoom tiles.ZoomLevel) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !zoom.Valid() {
		return nil, nil
	}

	n := tiles.Normalize(id, zoom)
	z, x, y := int(zoom), int(n.X), int(n.Y)
	r, ok := p.sourceRegion(z, x, y)
	if !ok {
		return nil, nil
	}

	key := p.key(z, x, y)
	if cached, ok := p.tileCache.Get(key); ok {
		return cached, nil
	}

	data, err := p.render(z, r)
	if err != nil {
		return nil, err
	}
	p.tileCache.Set(key, data)
	return data, nil
}

// Prefetch renders a tile into the cache unless it is already there.
func (p *Provider) Prefetch(ctx context.Context, id tiles.TileID, zoom tiles.ZoomLevel) error {
	n := tiles.Normalize(id, zoom)
	if p.tileCache.Has(p.key(int(zoom), int(n.X), int(n.Y))) {
		return nil
	}
	_, err := p.EncodedTile(ctx, id, zoom)
	return err
}

func (p *Provider) render(zoom int, r region) ([]byte, error) {
	image, err := loadImage(p.src.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer image.Close()

	// Cropping first keeps vips from decoding the whole image.
	if err := image.ExtractArea(r.x, r.y, r.width, r.height); err != nil {
		return nil, fmt.Errorf("failed to extract area: %w", err)
	}

	// Same scale for every tile of a level, including clamped edge tiles.
	resizeOpts := vips.DefaultResizeOptions()
	resizeOpts.Kernel = vips.KernelLanczos3
	if err := image.Resize(float64(p.tileSize)/p.pixelsPerTile(zoom), resizeOpts); err != nil {
		return nil, fmt.Errorf("failed to resize: %w", err)
	}

	// Edge tiles are padded, anchored top-left to keep the grid aligned.
	if image.Width() < p.tileSize || image.Height() < p.tileSize {
		embedOpts := vips.DefaultEmbedOptions()
		embedOpts.Extend = vips.ExtendBackground
		embedOpts.Background = background
		if err := image.Embed(0, 0, p.tileSize, p.tileSize, embedOpts); err != nil {
			return nil, fmt.Errorf("failed to pad: %w", err)
		}
	}

	jpegOpts := vips.DefaultJpegsaveBufferOptions()
	jpegOpts.Q = jpegQuality
	jpegOpts.Interlace = false

	data, err := image.JpegsaveBuffer(jpegOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to export: %w", err)
	}
	p.logger.Debug("Rendered tile",
		zap.Int("zoom", zoom),
		zap.Int("src_x", r.x),
		zap.Int("src_y", r.y),
		zap.Int("bytes", len(data)))
	return data, nil
}

// loadImage opens path with random access for tile extraction.
func loadImage(path string) (*vips.Image, error) {
	ext := strings.ToLower(filepath.Ext(path))
	access := vips.AccessRandom

	switch ext {
	case ".tif", ".tiff":
		opts := vips.DefaultTiffloadOptions()
		opts.Access = access
		return vips.NewTiffload(path, opts)
	case ".jpg", ".jpeg":
		opts := vips.DefaultJpegloadOptions()
		opts.Access = access
		return vips.NewJpegload(path, opts)
	case ".png":
		opts := vips.DefaultPngloadOptions()
		opts.Access = access
		return vips.NewPngload(path, opts)
	case ".webp":
		opts := vips.DefaultWebploadOptions()
		opts.Access = access
		return vips.NewWebpload(path, opts)
	default:
		return nil, fmt.Errorf("unsupported image format: %s", ext)
	}
}
