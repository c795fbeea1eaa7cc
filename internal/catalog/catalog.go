// Package catalog keeps the list of source images found in the data
// directory. Every image is renamed to a uuid on first sight and described by
// a JSON sidecar holding its original name and dimensions.
package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cshum/vipsgen/vips"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"gigamap/internal/provider/imagetiles"
)

var extensions = map[string]bool{
	".tif":  true,
	".tiff": true,
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".webp": true,
}

type ImageInfo struct {
	ID               string `json:"id"`
	OriginalFilename string `json:"original_filename"`
	CurrentFilename  string `json:"current_filename"`
	Width            int    `json:"width"`
	Height           int    `json:"height"`
	Bytes            int64  `json:"bytes"`
}

// ProbeFunc reads the pixel dimensions of an image file.
type ProbeFunc func(path string) (width, height int, err error)

type Catalog struct {
	dataDir string
	probe   ProbeFunc
	logger  *zap.Logger

	mu     sync.RWMutex
	images []ImageInfo
}

// New returns an empty catalog over dataDir. A nil probe reads dimensions
// with vips.
func New(dataDir string, probe ProbeFunc, logger *zap.Logger) *Catalog {
	if probe == nil {
		probe = VipsProbe
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Catalog{
		dataDir: dataDir,
		probe:   probe,
		logger:  logger,
	}
}

// Scan rebuilds the image list from the data directory.
func (c *Catalog) Scan() error {
	if err := c.cleanupOrphanedJSON(); err != nil {
		return err
	}

	entries, err := os.ReadDir(c.dataDir)
	if err != nil {
		return fmt.Errorf("failed to read data directory: %w", err)
	}

	images := []ImageInfo{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		path := c.filePath(entry.Name())
		ext := strings.ToLower(filepath.Ext(path))
		if !extensions[ext] {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			c.logger.Warn("Error getting file info", zap.String("path", path), zap.Error(err))
			continue
		}

		basename := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		jsonPath := c.filePath(basename + ".json")

		var image *ImageInfo
		if _, err := os.Stat(jsonPath); err != nil {
			image, err = c.migrate(path, ext, info)
			if err != nil {
				c.logger.Warn("Failed to migrate image", zap.String("path", path), zap.Error(err))
				continue
			}
		} else {
			image, err = loadMetadata(jsonPath)
			if err != nil {
				c.logger.Warn("Failed to load metadata, skipping", zap.String("json_path", jsonPath), zap.Error(err))
				continue
			}
		}
		images = append(images, *image)
	}

	c.mu.Lock()
	c.images = images
	c.mu.Unlock()

	c.logger.Info("Catalog scanned", zap.Int("images", len(images)))
	return nil
}

// migrate renames a new image to a uuid name and writes its sidecar.
func (c *Catalog) migrate(path, ext string, info os.FileInfo) (*ImageInfo, error) {
	id := uuid.New().String()
	finalPath := c.filePath(id + ext)
	if err := os.Rename(path, finalPath); err != nil {
		return nil, fmt.Errorf("failed to rename file: %w", err)
	}
	c.logger.Info("Migrated file to UUID", zap.String("old_path", path), zap.String("new_path", finalPath))

	width, height, err := c.probe(finalPath)
	if err != nil {
		return nil, fmt.Errorf("failed to scan image: %w", err)
	}

	image := &ImageInfo{
		ID:               id,
		OriginalFilename: filepath.Base(path),
		CurrentFilename:  filepath.Base(finalPath),
		Width:            width,
		Height:           height,
		Bytes:            info.Size(),
	}

	jsonPath := c.filePath(id + ".json")
	if err := saveMetadata(jsonPath, image); err != nil {
		c.logger.Warn("Failed to save metadata", zap.String("json_path", jsonPath), zap.Error(err))
	} else {
		c.logger.Info("Created metadata file", zap.String("json_path", jsonPath))
	}
	return image, nil
}

// cleanupOrphanedJSON removes sidecars that cannot be parsed, disagree with
// their file name, or point at a missing image.
func (c *Catalog) cleanupOrphanedJSON() error {
	entries, err := os.ReadDir(c.dataDir)
	if err != nil {
		return fmt.Errorf("failed to read data directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		path := c.filePath(entry.Name())
		if strings.ToLower(filepath.Ext(path)) != ".json" {
			continue
		}
		basename := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))

		meta, err := loadMetadata(path)
		switch {
		case err != nil:
			c.remove(path, "Deleted invalid JSON file")
		case meta.ID != basename:
			c.logger.Warn("UUID mismatch in JSON",
				zap.String("json_path", path),
				zap.String("filename_uuid", basename),
				zap.String("json_uuid", meta.ID))
			c.remove(path, "Deleted JSON with UUID mismatch")
		default:
			if _, err := os.Stat(c.filePath(meta.CurrentFilename)); err != nil {
				c.remove(path, "Deleted orphaned JSON file")
			}
		}
	}

	return nil
}

func (c *Catalog) remove(path, reason string) {
	if err := os.Remove(path); err != nil {
		c.logger.Warn("Failed to delete JSON", zap.String("path", path), zap.Error(err))
		return
	}
	c.logger.Info(reason, zap.String("path", path))
}

// Images returns a copy of the current image list.
func (c *Catalog) Images() []ImageInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]ImageInfo(nil), c.images...)
}

func (c *Catalog) ImageByID(id string) (ImageInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, img := range c.images {
		if img.ID == id {
			return img, true
		}
	}
	return ImageInfo{}, false
}

// Sources returns every image as a tile source, in scan order.
func (c *Catalog) Sources() []imagetiles.Source {
	images := c.Images()
	sources := make([]imagetiles.Source, 0, len(images))
	for _, img := range images {
		sources = append(sources, imagetiles.Source{
			ID:     img.ID,
			Path:   c.filePath(img.CurrentFilename),
			Width:  img.Width,
			Height: img.Height,
		})
	}
	return sources
}

func (c *Catalog) filePath(filename string) string {
	return filepath.Join(c.dataDir, filename)
}

func loadMetadata(path string) (*ImageInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var meta ImageInfo
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse metadata: %w", err)
	}

	return &meta, nil
}

func saveMetadata(path string, meta *ImageInfo) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}

	return nil
}

// VipsProbe opens path sequentially and reports its dimensions.
func VipsProbe(path string) (int, int, error) {
	ext := strings.ToLower(filepath.Ext(path))
	access := vips.AccessSequential

	var (
		image *vips.Image
		err   error
	)
	switch ext {
	case ".tif", ".tiff":
		opts := vips.DefaultTiffloadOptions()
		opts.Access = access
		image, err = vips.NewTiffload(path, opts)
	case ".jpg", ".jpeg":
		opts := vips.DefaultJpegloadOptions()
		opts.Access = access
		image, err = vips.NewJpegload(path, opts)
	case ".png":
		opts := vips.DefaultPngloadOptions()
		opts.Access = access
		image, err = vips.NewPngload(path, opts)
	case ".webp":
		opts := vips.DefaultWebploadOptions()
		opts.Access = access
		image, err = vips.NewWebpload(path, opts)
	default:
		return 0, 0, fmt.Errorf("unsupported image format: %s", ext)
	}
	if err != nil {
		return 0, 0, fmt.Errorf("failed to open image: %w", err)
	}
	defer image.Close()
	return image.Width(), image.Height(), nil
}
