package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// FileCache keeps zstd-compressed tiles on disk
// Structure: {cacheDir}/{sourceID}_{tileSize}_{maxZoom}/{z}/{x}_{y}.{format}.zst
type FileCache struct {
	mu       sync.RWMutex
	cacheDir string
	encoder  *zstd.Encoder
	decoder  *zstd.Decoder
}

func NewFileCache(cacheDir string) (*FileCache, error) {
	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		encoder.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	return &FileCache{
		cacheDir: cacheDir,
		encoder:  encoder,
		decoder:  decoder,
	}, nil
}

func (c *FileCache) buildFilePath(key TileKey) string {
	return filepath.Join(c.cacheDir, key.Path()+".zst")
}

func (c *FileCache) Has(key TileKey) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	_, err := os.Stat(c.buildFilePath(key))
	return err == nil
}

func (c *FileCache) Get(key TileKey) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	compressed, err := os.ReadFile(c.buildFilePath(key))
	if err != nil {
		return nil, false
	}

	data, err := c.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, false
	}
	return data, true
}

func (c *FileCache) Set(key TileKey, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	filePath := c.buildFilePath(key)
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return
	}

	// Write atomically
	tmpPath := filePath + ".tmp"
	if err := os.WriteFile(tmpPath, c.encoder.EncodeAll(value, nil), 0644); err != nil {
		return
	}

	if err := os.Rename(tmpPath, filePath); err != nil {
		os.Remove(tmpPath)
		return
	}
}

func (c *FileCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.RemoveAll(c.cacheDir); err != nil {
		return
	}

	os.MkdirAll(c.cacheDir, 0755)
}

// Close releases the codec resources.
func (c *FileCache) Close() {
	c.encoder.Close()
	c.decoder.Close()
}
