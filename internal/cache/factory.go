package cache

import (
	"fmt"

	"go.uber.org/zap"
)

// Type selects a Cache implementation.
type Type string

const (
	TypeMemory   Type = "memory"
	TypeFile     Type = "file"
	TypeDisabled Type = "disabled"
)

type Options struct {
	Type Type
	// Dir is the root of the file cache.
	Dir string
	// MemoryTiles bounds the memory cache.
	MemoryTiles int
}

// NewCache builds the cache selected by opts.Type.
func NewCache(opts Options, log *zap.Logger) (Cache, error) {
	switch opts.Type {
	case TypeMemory:
		log.Info("Using memory cache", zap.Int("max_tiles", opts.MemoryTiles))
		return NewMemoryCache(opts.MemoryTiles)
	case TypeFile:
		log.Info("Using file cache", zap.String("cache_dir", opts.Dir))
		return NewFileCache(opts.Dir)
	case TypeDisabled:
		log.Info("Cache disabled")
		return NewNoopCache(), nil
	default:
		return nil, fmt.Errorf("unknown cache type: %q (supported: %s, %s, %s)", opts.Type, TypeMemory, TypeFile, TypeDisabled)
	}
}
