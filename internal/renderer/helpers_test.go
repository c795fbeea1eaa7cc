package renderer

import (
	"context"
	"errors"
	"image/color"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"gigamap/internal/bitmap"
	"gigamap/internal/gpu"
	"gigamap/internal/gpu/software"
	"gigamap/internal/provider"
	"gigamap/internal/resource"
	"gigamap/internal/state"
	"gigamap/internal/tiles"
)

var errTransient = errors.New("transient")

type fakeRaster struct {
	mu       sync.Mutex
	calls    map[tiles.TileID]int
	failFor  map[tiles.TileID]int
	panicFor map[tiles.TileID]int
	empty    map[tiles.TileID]bool
	block    bool
	started  chan tiles.TileID
	errs     []error
}

func newFakeRaster() *fakeRaster {
	return &fakeRaster{
		calls:    make(map[tiles.TileID]int),
		failFor:  make(map[tiles.TileID]int),
		panicFor: make(map[tiles.TileID]int),
		empty:    make(map[tiles.TileID]bool),
		started:  make(chan tiles.TileID, 64),
	}
}

func (p *fakeRaster) TileSize() uint32 { return 256 }

func (p *fakeRaster) ObtainTile(ctx context.Context, id tiles.TileID, _ tiles.ZoomLevel) (*provider.BitmapTile, error) {
	p.mu.Lock()
	p.calls[id]++
	fail := p.failFor[id] > 0
	if fail {
		p.failFor[id]--
	}
	explode := p.panicFor[id] > 0
	if explode {
		p.panicFor[id]--
	}
	empty := p.empty[id]
	block := p.block
	p.mu.Unlock()

	if explode {
		panic("corrupt tile")
	}

	select {
	case p.started <- id:
	default:
	}
	if block {
		<-ctx.Done()
		p.mu.Lock()
		p.errs = append(p.errs, ctx.Err())
		p.mu.Unlock()
		return nil, ctx.Err()
	}
	if fail {
		return nil, errTransient
	}
	if empty {
		return nil, nil
	}
	b := bitmap.New(8, 8, bitmap.FormatARGB8888)
	for y := range 8 {
		for x := range 8 {
			b.SetNRGBA(x, y, color.NRGBA{R: uint8(id.X), G: uint8(id.Y), A: 0xff})
		}
	}
	return &provider.BitmapTile{Bitmap: b}, nil
}

func (p *fakeRaster) Calls(id tiles.TileID) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[id]
}

func (p *fakeRaster) TotalCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.calls {
		n += c
	}
	return n
}

type fakeElevation struct{}

func (fakeElevation) TileSize() uint32 { return 4 }

func (fakeElevation) ObtainTile(context.Context, tiles.TileID, tiles.ZoomLevel) (*provider.ElevationTile, error) {
	return &provider.ElevationTile{Size: 4, Heights: make([]float32, 16)}, nil
}

type fakeSymbols struct{ label string }

func (f fakeSymbols) ObtainSymbols(_ context.Context, id tiles.TileID, _ tiles.ZoomLevel, out provider.SymbolSet) (provider.SymbolSet, error) {
	return append(out, provider.Symbol{Label: f.label, Position31: tiles.PointI{X: id.X, Y: id.Y}}), nil
}

type transitions struct {
	mu    sync.Mutex
	steps map[resource.Kind][]resource.State
}

func (tr *transitions) observe(e *resource.Entry, _, to resource.State) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.steps == nil {
		tr.steps = make(map[resource.Kind][]resource.State)
	}
	tr.steps[e.Kind()] = append(tr.steps[e.Kind()], to)
}

func (tr *transitions) of(kind resource.Kind) []resource.State {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]resource.State(nil), tr.steps[kind]...)
}

// centre31 is the 31-bit position of the centre of a tile.
func centre31(id tiles.TileID, zoom tiles.ZoomLevel) tiles.PointI {
	shift := uint(tiles.MaxZoomLevel - zoom)
	return tiles.PointI{
		X: id.X<<shift + 1<<(shift-1),
		Y: id.Y<<shift + 1<<(shift-1),
	}
}

type harness struct {
	r   *Renderer
	api *software.RenderAPI
	tr  *transitions
}

func newHarness(t *testing.T, mutate func(*SetupOptions), apiOpts software.Options) *harness {
	t.Helper()
	log := zaptest.NewLogger(t)
	apiOpts.Logger = log
	h := &harness{api: software.New(apiOpts), tr: &transitions{}}

	opts := SetupOptions{
		RenderAPIFactory:   func() (gpu.RenderAPI, error) { return h.api, nil },
		Logger:             log,
		RequestWorkers:     2,
		TransitionObserver: h.tr.observe,
	}
	if mutate != nil {
		mutate(&opts)
	}
	h.r = New(opts)
	require.NoError(t, h.r.InitializeRendering())
	return h
}

// lookAt frames the given tile alone at zoom, in a viewport wide enough for
// columns tiles.
func (h *harness) lookAt(id tiles.TileID, zoom tiles.ZoomLevel, columns int32) {
	h.r.SetViewport(tiles.AreaI{Right: 256 * columns, Bottom: 256}, false)
	h.r.SetZoom(float32(zoom), false)
	h.r.SetTarget(centre31(id, zoom), false)
}

// state reports Unloaded for a tile that has no entry.
func (h *harness) state(kind resource.Kind, id tiles.TileID, zoom tiles.ZoomLevel) resource.State {
	s, ok := h.r.ResourceState(kind, id, zoom)
	if !ok {
		return resource.Unloaded
	}
	return s
}

var baseKind = resource.RasterKind(state.RasterBaseLayer)
