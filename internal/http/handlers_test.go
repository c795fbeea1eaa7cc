package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"gigamap/internal/catalog"
	"gigamap/internal/config"
	"gigamap/internal/gpu"
	"gigamap/internal/gpu/software"
	"gigamap/internal/provider/procedural"
	"gigamap/internal/renderer"
	"gigamap/internal/state"
	"gigamap/internal/tiles"
)

const sourceID = "5d9b3e5e-3f9a-4a57-9d62-6a3d1d3f2b10"

type fixture struct {
	h    *Handlers
	r    *renderer.Renderer
	mux  http.Handler
	logs *observer.ObservedLogs
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, sourceID+".png"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, sourceID+".json"), []byte(`{
		"id": "`+sourceID+`",
		"original_filename": "harbour.png",
		"current_filename": "`+sourceID+`.png",
		"width": 5000,
		"height": 3000,
		"bytes": 1
	}`), 0644))

	cat := catalog.New(dir, nil, zaptest.NewLogger(t))
	require.NoError(t, cat.Scan())

	api := software.New(software.Options{Logger: zaptest.NewLogger(t)})
	r := renderer.New(renderer.SetupOptions{
		Logger:           zaptest.NewLogger(t),
		RequestWorkers:   2,
		RenderAPIFactory: func() (gpu.RenderAPI, error) { return api, nil },
	})

	core, logs := observer.New(zap.InfoLevel)
	h := New(&config.Config{TileSize: 256}, zap.New(core), cat, r)
	mux := http.NewServeMux()
	h.Register(mux)

	return &fixture{h: h, r: r, mux: h.CORSMiddleware(h.RequestLoggingMiddleware(mux)), logs: logs}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, http.StatusServiceUnavailable, f.do(t, http.MethodGet, "/healthz", "").Code)

	require.NoError(t, f.r.InitializeRendering())
	defer func() { require.NoError(t, f.r.ReleaseRendering()) }()

	rec := f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
	assert.Equal(t, http.StatusMethodNotAllowed, f.do(t, http.MethodPost, "/healthz", "").Code)
}

func TestSources(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/sources", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	sources := decode[[]sourceResponse](t, rec)
	require.Len(t, sources, 1)
	assert.Equal(t, sourceID, sources[0].ID)
	assert.Equal(t, "harbour.png", sources[0].OriginalFilename)
	assert.Equal(t, 5, sources[0].MaxZoom)
	assert.Equal(t, 256, sources[0].TileSize)
}

func TestCamera(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/camera", `{"lon": 13.4, "lat": 52.5, "zoom": 12.4, "azimuth": 190, "elevation_angle": 120}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	cam := decode[cameraResponse](t, rec)
	assert.InDelta(t, 13.4, cam.Lon, 1e-4)
	assert.InDelta(t, 52.5, cam.Lat, 1e-4)
	assert.InDelta(t, 12.4, cam.Zoom, 1e-5)
	assert.Equal(t, 12, cam.ZoomBase)
	assert.InDelta(t, -170, cam.Azimuth, 1e-4)
	assert.InDelta(t, 90, cam.ElevationAngle, 1e-4)

	requested := f.r.RequestedState()
	assert.Equal(t, tiles.Target31At(orb.Point{13.4, 52.5}), requested.Target31)

	got := decode[cameraResponse](t, f.do(t, http.MethodGet, "/api/camera", ""))
	assert.Equal(t, cam, got)
}

func TestCameraRejectsBadInput(t *testing.T) {
	f := newFixture(t)

	for name, body := range map[string]string{
		"lon only":      `{"lon": 1}`,
		"lat too high":  `{"lon": 1, "lat": 89}`,
		"lon too small": `{"lon": -200, "lat": 0}`,
		"unknown field": `{"tilt": 3}`,
		"not json":      `zoom=3`,
	} {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/camera", body).Code)
		})
	}
	assert.Equal(t, http.StatusMethodNotAllowed, f.do(t, http.MethodDelete, "/api/camera", "").Code)
}

func TestConfiguration(t *testing.T) {
	f := newFixture(t)

	cfg := decode[configurationBody](t, f.do(t, http.MethodGet, "/api/configuration", ""))
	require.NotNil(t, cfg.AtlasTexturesAllowed)
	assert.True(t, *cfg.AtlasTexturesAllowed)

	rec := f.do(t, http.MethodPost, "/api/configuration", `{"textures_filtering_quality": 2, "limit_texture_color_depth_by_16_bits": true}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	applied := f.r.Configuration()
	assert.Equal(t, state.TextureFilteringBest, applied.TexturesFilteringQuality)
	assert.True(t, applied.LimitTextureColorDepthBy16Bits)
	assert.True(t, applied.AtlasTexturesAllowed)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/configuration", `{"textures_filtering_quality": 5}`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/configuration", `{"heixels_per_tile_side": 1}`).Code)
	assert.Equal(t, state.TextureFilteringBest, f.r.Configuration().TexturesFilteringQuality)

	assert.Equal(t, 1, f.logs.FilterMessage("Configuration requested").Len())
}

func TestStateAndResources(t *testing.T) {
	f := newFixture(t)

	st := decode[stateResponse](t, f.do(t, http.MethodGet, "/api/state", ""))
	assert.False(t, st.Initialized)
	assert.Nil(t, st.Committed)
	assert.Nil(t, st.TargetTile)
	assert.Equal(t, f.r.ID().String(), st.RendererID)

	require.NoError(t, f.r.InitializeRendering())
	defer func() { require.NoError(t, f.r.ReleaseRendering()) }()

	f.r.SetRasterLayerProvider(state.RasterBaseLayer, &procedural.Raster{Size: 64}, false)
	f.r.SetViewport(tiles.AreaI{Right: 512, Bottom: 256}, false)
	f.r.SetZoom(3, false)
	require.NoError(t, f.r.PrepareFrame())

	st = decode[stateResponse](t, f.do(t, http.MethodGet, "/api/state", ""))
	assert.True(t, st.Initialized)
	require.NotNil(t, st.Committed)
	require.NotNil(t, st.TargetTile)
	assert.Equal(t, 3, st.TargetTile.Zoom)
	assert.Equal(t, tileResponse{X: 4, Y: 4, Zoom: 3}, *st.TargetTile)
	assert.Positive(t, st.VisibleTiles)
	assert.Empty(t, st.PendingConfiguration)

	res := decode[resourcesResponse](t, f.do(t, http.MethodGet, "/api/resources", ""))
	require.Contains(t, res.Kinds, "raster0")
	n := 0
	for _, c := range res.Kinds["raster0"] {
		n += c
	}
	assert.Equal(t, st.VisibleTiles, n)
	assert.Empty(t, res.Kinds["elevation"])
	assert.Contains(t, res.Totals, "Uploaded")
}

func TestCORSMiddleware(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodOptions, "/api/state", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	req := httptest.NewRequest(http.MethodGet, "http://maps.local/api/sources", nil)
	req.Header.Set("Origin", "http://evil.example")
	rec = httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	req.Header.Set("Origin", "http://maps.local")
	rec = httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	assert.Equal(t, "http://maps.local", rec.Header().Get("Access-Control-Allow-Origin"))

	f.h.config.AllowedOrigin = "https://viewer.example"
	rec = httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	assert.Equal(t, "https://viewer.example", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRequestLogging(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/api/sources", nil)
	req.Header.Set("X-Real-Ip", "10.0.0.7:555")
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)

	id := rec.Header().Get("X-Request-Id")
	require.NotEmpty(t, id)

	entries := f.logs.FilterMessage("request").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, id, fields["request_id"])
	assert.Equal(t, "10.0.0.7", fields["ip"])
	assert.Equal(t, int64(http.StatusOK), fields["status"])
	assert.Equal(t, int64(rec.Body.Len()), fields["bytes"])
}
