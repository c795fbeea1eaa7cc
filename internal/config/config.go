package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gigamap/internal/state"
)

type Config struct {
	Port             int
	DataDir          string
	LogLevel         string
	AllowedOrigin    string
	CacheType        string
	CacheMemoryTiles int
	CacheFileDir     string
	VipsMaxCacheMB   int
	VipsConcurrency  int
	WarmupLevels     int
	WarmupWorkers    int

	FrameRate          int
	BackgroundUploader bool
	RequestWorkers     int
	WindowWidth        int
	WindowHeight       int
	TileSize           int
	MaxTextureSize     int
	ProceduralLayers   bool

	LimitTexture16Bit  bool
	AtlasTextures      bool
	PaletteTextures    bool
	HeixelsPerTileSide int
	TextureFiltering   int
}

func Load() *Config {
	dataDir := getEnv("DATA_DIR", "/data")
	cacheType := getEnv("CACHE", "memory")

	cfg := &Config{
		Port:             getEnvInt("PORT", 8080),
		DataDir:          dataDir,
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		AllowedOrigin:    getEnv("ALLOWED_ORIGIN", ""),
		CacheType:        cacheType,
		CacheMemoryTiles: getEnvInt("CACHE_MEMORY_TILES", 2000),
		CacheFileDir:     getEnv("CACHE_FILE_DIR", filepath.Join(dataDir, "cache")),
		VipsMaxCacheMB:   getEnvInt("VIPS_MAX_CACHE_MB", 256),
		VipsConcurrency:  getEnvInt("VIPS_CONCURRENCY", 1),
		WarmupLevels:     getEnvInt("WARMUP_LEVELS", 1),
		WarmupWorkers:    getEnvInt("WARMUP_WORKERS", 1),

		FrameRate:          getEnvInt("FRAME_RATE", 30),
		BackgroundUploader: getEnvBool("BACKGROUND_UPLOADER", false),
		RequestWorkers:     getEnvInt("REQUEST_WORKERS", 0),
		WindowWidth:        getEnvInt("WINDOW_WIDTH", 1280),
		WindowHeight:       getEnvInt("WINDOW_HEIGHT", 720),
		TileSize:           getEnvInt("TILE_SIZE", 256),
		MaxTextureSize:     getEnvInt("MAX_TEXTURE_SIZE", 2048),
		ProceduralLayers:   getEnvBool("PROCEDURAL_LAYERS", false),

		LimitTexture16Bit:  getEnvBool("LIMIT_TEXTURE_16BIT", false),
		AtlasTextures:      getEnvBool("ATLAS_TEXTURES", true),
		PaletteTextures:    getEnvBool("PALETTE_TEXTURES", false),
		HeixelsPerTileSide: getEnvInt("HEIXELS_PER_TILE_SIDE", 32),
		TextureFiltering:   getEnvInt("TEXTURE_FILTERING", 0),
	}

	return cfg
}

// RenderConfiguration maps the texture settings onto a renderer configuration.
func (c *Config) RenderConfiguration() state.Configuration {
	filtering := state.TextureFilteringQuality(c.TextureFiltering)
	if filtering < state.TextureFilteringNormal || filtering > state.TextureFilteringBest {
		filtering = state.TextureFilteringNormal
	}
	heixels := c.HeixelsPerTileSide
	if heixels <= 0 {
		heixels = 32
	}
	return state.Configuration{
		LimitTextureColorDepthBy16Bits: c.LimitTexture16Bit,
		AtlasTexturesAllowed:           c.AtlasTextures,
		PaletteTexturesAllowed:         c.PaletteTextures,
		HeixelsPerTileSide:             uint32(heixels),
		TexturesFilteringQuality:       filtering,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
