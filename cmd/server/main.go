package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cshum/vipsgen/vips"
	"go.uber.org/zap"

	"gigamap/internal/cache"
	"gigamap/internal/catalog"
	"gigamap/internal/config"
	"gigamap/internal/gpu"
	"gigamap/internal/gpu/software"
	httphandlers "gigamap/internal/http"
	"gigamap/internal/logger"
	"gigamap/internal/provider/imagetiles"
	"gigamap/internal/provider/procedural"
	"gigamap/internal/renderer"
	"gigamap/internal/state"
	"gigamap/internal/tiles"
)

func main() {
	cfg := config.Load()

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer log.Sync()

	vipsConfig := &vips.Config{
		ConcurrencyLevel: cfg.VipsConcurrency,
		MaxCacheMem:      cfg.VipsMaxCacheMB * 1024 * 1024, // Convert MB to bytes
		MaxCacheFiles:    0,                                // Disable disk cache
		MaxCacheSize:     0,                                // Disable disk cache
		ReportLeaks:      false,
		CacheTrace:       false,
		VectorEnabled:    true,
	}

	vips.SetLogging(func(domain string, level vips.LogLevel, message string) {
		if level >= vips.LogLevelError {
			log.Error("vips", zap.String("domain", domain), zap.Int("level", int(level)), zap.String("message", message))
		} else if level >= vips.LogLevelWarning {
			log.Warn("vips", zap.String("domain", domain), zap.Int("level", int(level)), zap.String("message", message))
		}
	}, vips.LogLevelError)

	vips.Startup(vipsConfig)
	defer vips.Shutdown()

	log.Info("VIPS initialized",
		zap.Int("max_cache_mb", cfg.VipsMaxCacheMB),
		zap.Int("concurrency", cfg.VipsConcurrency),
	)

	log.Info("Starting Gigamap server",
		zap.Int("port", cfg.Port),
		zap.String("data_dir", cfg.DataDir),
		zap.Int("frame_rate", cfg.FrameRate),
	)

	cat := catalog.New(cfg.DataDir, catalog.VipsProbe, logger.Component(log, "catalog"))
	if err := cat.Scan(); err != nil {
		log.Warn("Initial scan failed", zap.Error(err))
	}

	tileCache, err := cache.NewCache(cache.Options{
		Type:        cache.Type(cfg.CacheType),
		Dir:         cfg.CacheFileDir,
		MemoryTiles: cfg.CacheMemoryTiles,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize cache", zap.Error(err))
	}
	if fc, ok := tileCache.(*cache.FileCache); ok {
		defer fc.Close()
	}

	frameRequests := make(chan struct{}, 1)
	api := software.New(software.Options{
		MaxTextureSize:  uint32(cfg.MaxTextureSize),
		PaletteTextures: cfg.PaletteTextures,
		Logger:          logger.Component(log, "gpu"),
	})
	stats := &frameStats{}
	r := renderer.New(renderer.SetupOptions{
		FrameRequestCallback: func() {
			select {
			case frameRequests <- struct{}{}:
			default:
			}
		},
		BackgroundWorker: renderer.BackgroundWorker{Enabled: cfg.BackgroundUploader},
		RequestWorkers:   cfg.RequestWorkers,
		RenderAPIFactory: func() (gpu.RenderAPI, error) { return api, nil },
		Logger:           logger.Component(log, "renderer"),
		FrameDrawer:      stats,
	})

	images := configureLayers(cfg, r, cat, tileCache, log)

	r.SetWindowSize(tiles.PointI{X: int32(cfg.WindowWidth), Y: int32(cfg.WindowHeight)}, false)
	r.SetViewport(tiles.AreaI{Right: int32(cfg.WindowWidth), Bottom: int32(cfg.WindowHeight)}, false)
	r.SetConfiguration(cfg.RenderConfiguration(), false)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	if cfg.WarmupLevels > 0 && len(images) > 0 {
		targets := make([]catalog.Prefetcher, 0, len(images))
		for _, p := range images {
			targets = append(targets, p)
		}
		go func() {
			if err := catalog.Warmup(ctx, targets, cfg.WarmupLevels, cfg.WarmupWorkers, logger.Component(log, "warmup")); err != nil {
				log.Warn("Tile warmup finished with errors", zap.Error(err))
			}
		}()
	}

	loopDone := make(chan error, 1)
	go func() {
		loopDone <- runFrameLoop(ctx, r, cfg.FrameRate, frameRequests, stats, logger.Component(log, "frames"))
	}()

	handlers := httphandlers.New(cfg, log, cat, r)
	mux := http.NewServeMux()
	handlers.Register(mux)
	handler := handlers.CORSMiddleware(handlers.RequestLoggingMiddleware(mux))

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: handler,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Server failed", zap.Error(err))
		}
	}()

	log.Info("Server started", zap.Int("port", cfg.Port))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-loopDone:
		log.Error("Frame loop stopped", zap.Error(err))
		loopDone <- err
	}

	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}

	stop()
	if err := <-loopDone; err != nil {
		log.Error("Rendering released with errors", zap.Error(err))
	}

	log.Info("Server stopped", zap.Uint64("frames_rendered", r.FramesRendered()))
}

// configureLayers binds the first catalog images to raster layers, bottom
// up, and adds procedural layers when enabled. It returns the image
// providers.
func configureLayers(cfg *config.Config, r *renderer.Renderer, cat *catalog.Catalog, tileCache cache.Cache, log *zap.Logger) []*imagetiles.Provider {
	var images []*imagetiles.Provider
	for i, src := range cat.Sources() {
		if i >= state.RasterLayersCount {
			log.Info("More sources than raster layers, ignoring the rest", zap.Int("sources", len(cat.Sources())))
			break
		}
		p := imagetiles.New(src, cfg.TileSize, tileCache, logger.Component(log, "imagetiles"))
		layer := state.RasterLayerID(i)
		r.SetRasterLayerProvider(layer, p, false)
		if i > 0 {
			r.SetRasterLayerOpacity(layer, 0.5, false)
		}
		images = append(images, p)
		log.Info("Raster layer bound",
			zap.Int("layer", i),
			zap.String("source", src.ID),
			zap.Int("max_zoom", p.MaxZoom()))
	}

	if !cfg.ProceduralLayers {
		return images
	}
	if len(images) == 0 {
		r.SetRasterLayerProvider(state.RasterBaseLayer, &procedural.Raster{Size: uint32(cfg.TileSize), Labels: true}, false)
	} else if len(images) < state.RasterLayersCount {
		layer := state.RasterLayerID(len(images))
		r.SetRasterLayerProvider(layer, &procedural.Raster{Size: uint32(cfg.TileSize), Translucent: true}, false)
	}
	r.SetElevationDataProvider(&procedural.Elevation{Samples: cfg.HeixelsPerTileSide}, false)
	r.AddSymbolProvider(&procedural.Symbols{}, false)
	log.Info("Procedural layers enabled")
	return images
}
