package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"go.uber.org/zap"

	"gigamap/internal/catalog"
	"gigamap/internal/config"
	"gigamap/internal/provider/imagetiles"
	"gigamap/internal/renderer"
	"gigamap/internal/resource"
	"gigamap/internal/state"
	"gigamap/internal/tiles"
)

// maxLatitude is the web mercator latitude limit.
const maxLatitude = 85.05112878

const maxBodyBytes = 1 << 16

type Handlers struct {
	config   *config.Config
	logger   *zap.Logger
	catalog  *catalog.Catalog
	renderer *renderer.Renderer
}

func New(config *config.Config, logger *zap.Logger, catalog *catalog.Catalog, renderer *renderer.Renderer) *Handlers {
	return &Handlers{
		config:   config,
		logger:   logger,
		catalog:  catalog,
		renderer: renderer,
	}
}

// Register mounts every route on mux.
func (h *Handlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", h.HandleHealthz)
	mux.HandleFunc("/api/sources", h.HandleSources)
	mux.HandleFunc("/api/resources", h.HandleResources)
	mux.HandleFunc("/api/state", h.HandleState)
	mux.HandleFunc("/api/camera", h.HandleCamera)
	mux.HandleFunc("/api/configuration", h.HandleConfiguration)
}

func (h *Handlers) RequestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()
		start := time.Now()

		ip := h.extractIP(r)

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		wrapped.Header().Set("X-Request-Id", requestID)

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		h.logger.Info("request",
			zap.String("request_id", requestID),
			zap.String("ip", ip),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", wrapped.statusCode),
			zap.Int64("bytes", wrapped.bytesWritten),
			zap.Int64("duration_ms", duration.Milliseconds()),
			zap.String("user_agent", r.UserAgent()),
		)
	})
}

func (h *Handlers) CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowedOrigin := ""

		if h.config.AllowedOrigin != "" {
			allowedOrigin = h.config.AllowedOrigin
		} else {
			host := r.Host
			if origin != "" && (strings.HasPrefix(origin, "http://"+host) || strings.HasPrefix(origin, "https://"+host)) {
				allowedOrigin = origin
			} else if origin == "" {
				allowedOrigin = "*"
			}
		}

		if allowedOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !h.renderer.IsRenderingInitialized() {
		http.Error(w, "rendering not initialized", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type sourceResponse struct {
	ID               string `json:"id"`
	OriginalFilename string `json:"original_filename"`
	Width            int    `json:"width"`
	Height           int    `json:"height"`
	Bytes            int64  `json:"bytes"`
	TileSize         int    `json:"tile_size"`
	MaxZoom          int    `json:"max_zoom"`
}

func (h *Handlers) HandleSources(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	images := h.catalog.Images()
	sources := make([]sourceResponse, 0, len(images))
	for _, img := range images {
		sources = append(sources, sourceResponse{
			ID:               img.ID,
			OriginalFilename: img.OriginalFilename,
			Width:            img.Width,
			Height:           img.Height,
			Bytes:            img.Bytes,
			TileSize:         h.config.TileSize,
			MaxZoom:          imagetiles.CalculateMaxZoom(img.Width, img.Height, h.config.TileSize),
		})
	}
	h.writeJSON(w, sources)
}

type resourcesResponse struct {
	Kinds  map[string]map[string]int `json:"kinds"`
	Totals map[string]int            `json:"totals"`
}

// HandleResources reports entry counts per kind and state. Entries stuck in
// an in-flight state show up here first.
func (h *Handlers) HandleResources(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	counts := h.renderer.ResourceCounts()
	resp := resourcesResponse{
		Kinds:  make(map[string]map[string]int, resource.KindsCount),
		Totals: make(map[string]int, resource.StatesCount),
	}
	for _, kind := range resource.Kinds() {
		byState := map[string]int{}
		for s := range resource.StatesCount {
			if n := counts[kind][s]; n > 0 {
				byState[resource.State(s).String()] = n
			}
		}
		resp.Kinds[kind.String()] = byState
	}
	for s := range resource.StatesCount {
		resp.Totals[resource.State(s).String()] = counts.Total(resource.State(s))
	}
	h.writeJSON(w, resp)
}

type cameraResponse struct {
	Lon            float64 `json:"lon"`
	Lat            float64 `json:"lat"`
	Zoom           float32 `json:"zoom"`
	ZoomBase       int     `json:"zoom_base"`
	Azimuth        float32 `json:"azimuth"`
	ElevationAngle float32 `json:"elevation_angle"`
	FieldOfView    float32 `json:"field_of_view"`
}

func cameraOf(s *state.MapState) *cameraResponse {
	if s == nil {
		return nil
	}
	ll := tiles.LonLat(s.Target31)
	return &cameraResponse{
		Lon:            ll.Lon(),
		Lat:            ll.Lat(),
		Zoom:           s.RequestedZoom,
		ZoomBase:       int(s.ZoomBase),
		Azimuth:        s.Azimuth,
		ElevationAngle: s.ElevationAngle,
		FieldOfView:    s.FieldOfView,
	}
}

type tileResponse struct {
	X    int32 `json:"x"`
	Y    int32 `json:"y"`
	Zoom int   `json:"zoom"`
}

type stateResponse struct {
	RendererID           string          `json:"renderer_id"`
	Initialized          bool            `json:"initialized"`
	FramesRendered       uint64          `json:"frames_rendered"`
	FrameInvalidated     bool            `json:"frame_invalidated"`
	Requested            *cameraResponse `json:"requested"`
	Committed            *cameraResponse `json:"committed"`
	TargetTile           *tileResponse   `json:"target_tile,omitempty"`
	VisibleTiles         int             `json:"visible_tiles"`
	PendingConfiguration []string        `json:"pending_configuration"`
}

func (h *Handlers) HandleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	committed := h.renderer.CommittedState()
	resp := stateResponse{
		RendererID:           h.renderer.ID().String(),
		Initialized:          h.renderer.IsRenderingInitialized(),
		FramesRendered:       h.renderer.FramesRendered(),
		FrameInvalidated:     h.renderer.IsFrameInvalidated(),
		Requested:            cameraOf(h.renderer.RequestedState()),
		Committed:            cameraOf(committed),
		VisibleTiles:         h.renderer.VisibleTilesCount(),
		PendingConfiguration: changeNames(h.renderer.PendingConfigurationChanges()),
	}
	if internal := h.renderer.InternalState(); internal != nil && committed != nil {
		resp.TargetTile = &tileResponse{
			X:    internal.TargetTileID.X,
			Y:    internal.TargetTileID.Y,
			Zoom: int(committed.ZoomBase),
		}
	}
	h.writeJSON(w, resp)
}

func changeNames(mask state.ConfigurationChange) []string {
	names := []string{}
	for bit := state.ColorDepthForcing; bit <= state.PaletteTexturesUsage; bit <<= 1 {
		if mask&bit != 0 {
			names = append(names, bit.String())
		}
	}
	return names
}

// cameraRequest holds optional camera fields; absent fields are unchanged.
type cameraRequest struct {
	Lon            *float64 `json:"lon"`
	Lat            *float64 `json:"lat"`
	Zoom           *float32 `json:"zoom"`
	Azimuth        *float32 `json:"azimuth"`
	ElevationAngle *float32 `json:"elevation_angle"`
	FieldOfView    *float32 `json:"field_of_view"`
	Force          bool     `json:"force"`
}

func (c *cameraRequest) validate() error {
	if (c.Lon == nil) != (c.Lat == nil) {
		return errors.New("lon and lat must be set together")
	}
	if c.Lon != nil && (*c.Lon < -180 || *c.Lon > 180) {
		return errors.New("lon out of range")
	}
	if c.Lat != nil && (*c.Lat < -maxLatitude || *c.Lat > maxLatitude) {
		return errors.New("lat out of range")
	}
	return nil
}

func (h *Handlers) HandleCamera(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.writeJSON(w, cameraOf(h.renderer.RequestedState()))
		return
	case http.MethodPost:
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req cameraRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	if err := req.validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if req.Lon != nil {
		h.renderer.SetTargetLonLat(orb.Point{*req.Lon, *req.Lat}, req.Force)
	}
	if req.Zoom != nil {
		h.renderer.SetZoom(*req.Zoom, req.Force)
	}
	if req.Azimuth != nil {
		h.renderer.SetAzimuth(*req.Azimuth, req.Force)
	}
	if req.ElevationAngle != nil {
		h.renderer.SetElevationAngle(*req.ElevationAngle, req.Force)
	}
	if req.FieldOfView != nil {
		h.renderer.SetFieldOfView(*req.FieldOfView, req.Force)
	}

	h.writeJSON(w, cameraOf(h.renderer.RequestedState()))
}

type configurationBody struct {
	LimitTextureColorDepthBy16Bits *bool   `json:"limit_texture_color_depth_by_16_bits"`
	AtlasTexturesAllowed           *bool   `json:"atlas_textures_allowed"`
	PaletteTexturesAllowed         *bool   `json:"palette_textures_allowed"`
	HeixelsPerTileSide             *uint32 `json:"heixels_per_tile_side"`
	TexturesFilteringQuality       *int    `json:"textures_filtering_quality"`
	Force                          bool    `json:"force,omitempty"`
}

func configurationOf(cfg state.Configuration) configurationBody {
	filtering := int(cfg.TexturesFilteringQuality)
	return configurationBody{
		LimitTextureColorDepthBy16Bits: &cfg.LimitTextureColorDepthBy16Bits,
		AtlasTexturesAllowed:           &cfg.AtlasTexturesAllowed,
		PaletteTexturesAllowed:         &cfg.PaletteTexturesAllowed,
		HeixelsPerTileSide:             &cfg.HeixelsPerTileSide,
		TexturesFilteringQuality:       &filtering,
	}
}

// apply merges the set fields of b onto cfg.
func (b *configurationBody) apply(cfg state.Configuration) (state.Configuration, error) {
	if b.LimitTextureColorDepthBy16Bits != nil {
		cfg.LimitTextureColorDepthBy16Bits = *b.LimitTextureColorDepthBy16Bits
	}
	if b.AtlasTexturesAllowed != nil {
		cfg.AtlasTexturesAllowed = *b.AtlasTexturesAllowed
	}
	if b.PaletteTexturesAllowed != nil {
		cfg.PaletteTexturesAllowed = *b.PaletteTexturesAllowed
	}
	if b.HeixelsPerTileSide != nil {
		if *b.HeixelsPerTileSide < 2 {
			return cfg, errors.New("heixels_per_tile_side must be at least 2")
		}
		cfg.HeixelsPerTileSide = *b.HeixelsPerTileSide
	}
	if b.TexturesFilteringQuality != nil {
		q := state.TextureFilteringQuality(*b.TexturesFilteringQuality)
		if q < state.TextureFilteringNormal || q > state.TextureFilteringBest {
			return cfg, errors.New("textures_filtering_quality out of range")
		}
		cfg.TexturesFilteringQuality = q
	}
	return cfg, nil
}

func (h *Handlers) HandleConfiguration(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.writeJSON(w, configurationOf(h.renderer.Configuration()))
		return
	case http.MethodPost:
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req configurationBody
	if !h.decodeJSON(w, r, &req) {
		return
	}
	cfg, err := req.apply(h.renderer.Configuration())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.renderer.SetConfiguration(cfg, req.Force)

	h.logger.Info("Configuration requested",
		zap.Bool("limit_16bit", cfg.LimitTextureColorDepthBy16Bits),
		zap.Bool("atlas", cfg.AtlasTexturesAllowed),
		zap.Bool("palette", cfg.PaletteTexturesAllowed),
		zap.Uint32("heixels", cfg.HeixelsPerTileSide),
		zap.Int("filtering", int(cfg.TexturesFilteringQuality)))
	h.writeJSON(w, configurationOf(h.renderer.Configuration()))
}

func (h *Handlers) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return false
	}
	return true
}

func (h *Handlers) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("Failed to encode response", zap.Error(err))
	}
}

// Not for real production use due to potential spoofing
// but it's fine for a demo
func (h *Handlers) extractIP(r *http.Request) string {
	ip := r.Header.Get("X-Real-Ip")
	if ip != "" {
		return strings.Split(ip, ":")[0]
	}

	addr := r.RemoteAddr
	if addr != "" {
		return strings.Split(addr, ":")[0]
	}

	return "unknown"
}

type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}
