// Package software is an in-memory gpu.RenderAPI. Textures are byte slices;
// tiles of identical shape are packed into atlas textures.
package software

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"gigamap/internal/bitmap"
	"gigamap/internal/gpu"
	"gigamap/internal/provider"
	"gigamap/internal/state"
)

var (
	ErrNotInitialized     = errors.New("software gpu: not initialized")
	ErrAlreadyInitialized = errors.New("software gpu: already initialized")
	ErrUnsupportedFormat  = errors.New("software gpu: unsupported pixel format")
)

type Options struct {
	MaxTextureSize  uint32
	PaletteTextures bool
	Logger          *zap.Logger

	// BeforeUpload, if set, may veto an upload by returning an error.
	BeforeUpload func(tile provider.Tile) error
}

// Stats is a snapshot of GPU memory usage.
type Stats struct {
	Textures      int
	Slots         int
	Uploads       int
	Releases      int
	BytesResident int
}

type shape struct {
	kind   string
	width  int
	height int
	format bitmap.Format
	limit  int
}

type texture struct {
	id    uint32
	shape shape
	slots [][]byte
	used  int
}

func (t *texture) full() bool {
	return t.used == len(t.slots)
}

// RenderAPI keeps textures in process memory. It is safe for concurrent use.
type RenderAPI struct {
	opts Options
	log  *zap.Logger

	mu          sync.Mutex
	initialized bool
	nextID      uint32
	textures    map[uint32]*texture
	filtering   state.TextureFilteringQuality
	stats       Stats
}

func New(opts Options) *RenderAPI {
	if opts.MaxTextureSize == 0 {
		opts.MaxTextureSize = 2048
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &RenderAPI{
		opts:     opts,
		log:      log,
		textures: make(map[uint32]*texture),
	}
}

func (a *RenderAPI) Initialize() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.initialized {
		return ErrAlreadyInitialized
	}
	a.initialized = true
	a.log.Info("Software GPU initialized",
		zap.Uint32("max_texture_size", a.opts.MaxTextureSize),
		zap.Bool("palette_textures", a.opts.PaletteTextures))
	return nil
}

// Release drops every texture. Textures still holding slots are reported as
// leaks.
func (a *RenderAPI) Release() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.initialized {
		return ErrNotInitialized
	}
	a.initialized = false

	var err error
	ids := make([]uint32, 0, len(a.textures))
	for id := range a.textures {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		t := a.textures[id]
		err = multierr.Append(err, fmt.Errorf("texture %d leaked with %d used slots", id, t.used))
	}
	a.textures = make(map[uint32]*texture)
	a.stats.Textures = 0
	a.stats.Slots = 0
	a.stats.BytesResident = 0
	return err
}

func (a *RenderAPI) MaxTextureSize() uint32 {
	return a.opts.MaxTextureSize
}

func (a *RenderAPI) SupportsPaletteTextures() bool {
	return a.opts.PaletteTextures
}

func (a *RenderAPI) UploadTile(tile provider.Tile, atlasLimit int) (*gpu.Resource, error) {
	if a.opts.BeforeUpload != nil {
		if err := a.opts.BeforeUpload(tile); err != nil {
			return nil, err
		}
	}

	sh, data, err := a.describe(tile)
	if err != nil {
		return nil, err
	}
	sh.limit = max(atlasLimit, 1)

	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.initialized {
		return nil, ErrNotInitialized
	}

	t := a.openTexture(sh)
	slot := slices.IndexFunc(t.slots, func(s []byte) bool { return s == nil })
	t.slots[slot] = data
	t.used++

	a.stats.Slots++
	a.stats.Uploads++
	a.stats.BytesResident += len(data)

	h := gpu.Handle(uint64(t.id)<<32 | uint64(slot))
	return gpu.NewResource(h, a.free), nil
}

func (a *RenderAPI) describe(tile provider.Tile) (shape, []byte, error) {
	switch t := tile.(type) {
	case *provider.BitmapTile:
		if t == nil || t.Bitmap == nil {
			return shape{}, nil, errors.New("software gpu: empty bitmap tile")
		}
		b := t.Bitmap
		switch b.Format {
		case bitmap.FormatARGB8888, bitmap.FormatARGB4444, bitmap.FormatRGB565:
		case bitmap.FormatIndex8:
			if !a.opts.PaletteTextures {
				return shape{}, nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, b.Format)
			}
		default:
			return shape{}, nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, b.Format)
		}
		return shape{kind: "bitmap", width: b.Width, height: b.Height, format: b.Format}, append([]byte{}, b.Pix...), nil
	case *provider.ElevationTile:
		if t == nil {
			return shape{}, nil, errors.New("software gpu: empty elevation tile")
		}
		data := make([]byte, 4*len(t.Heights))
		return shape{kind: "elevation", width: t.Size, height: t.Size}, data, nil
	case provider.SymbolSet:
		return shape{kind: "symbols", width: len(t)}, make([]byte, len(t)), nil
	default:
		return shape{}, nil, fmt.Errorf("software gpu: unsupported tile %T", tile)
	}
}

// openTexture returns a texture of the given shape with a free slot.
func (a *RenderAPI) openTexture(sh shape) *texture {
	if sh.kind == "bitmap" {
		for _, t := range a.textures {
			if t.shape == sh && !t.full() {
				return t
			}
		}
	} else {
		sh.limit = 1
	}

	a.nextID++
	t := &texture{
		id:    a.nextID,
		shape: sh,
		slots: make([][]byte, sh.limit),
	}
	a.textures[t.id] = t
	a.stats.Textures++
	return t
}

func (a *RenderAPI) free(h gpu.Handle) {
	a.mu.Lock()
	defer a.mu.Unlock()

	id, slot := uint32(h>>32), int(uint32(h))
	t, ok := a.textures[id]
	if !ok || slot >= len(t.slots) || t.slots[slot] == nil {
		a.log.Warn("Release of unknown GPU handle", zap.Uint64("handle", uint64(h)))
		return
	}

	a.stats.BytesResident -= len(t.slots[slot])
	t.slots[slot] = nil
	t.used--
	a.stats.Slots--
	a.stats.Releases++

	if t.used == 0 {
		delete(a.textures, id)
		a.stats.Textures--
	}
}

// ApplyConfigurationChange accepts filtering changes in place. Other changes
// need no backend work; the renderer re-uploads affected tiles itself.
func (a *RenderAPI) ApplyConfigurationChange(change state.ConfigurationChange, cfg state.Configuration) error {
	if change != state.TexturesFilteringMode {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.initialized {
		return ErrNotInitialized
	}
	a.filtering = cfg.TexturesFilteringQuality
	return nil
}

func (a *RenderAPI) Filtering() state.TextureFilteringQuality {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.filtering
}

func (a *RenderAPI) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

var (
	_ gpu.RenderAPI            = (*RenderAPI)(nil)
	_ gpu.ConfigurationApplier = (*RenderAPI)(nil)
)
