// Package gpu defines the contract between the renderer and a GPU backend.
// Every method is called from the render goroutine or the background upload
// worker, never from fetch workers.
package gpu

import (
	"fmt"
	"sync/atomic"

	"gigamap/internal/provider"
	"gigamap/internal/state"
)

// Handle identifies GPU memory inside one RenderAPI.
type Handle uint64

// RenderAPI uploads tile payloads into GPU memory.
type RenderAPI interface {
	Initialize() error
	Release() error

	MaxTextureSize() uint32
	SupportsPaletteTextures() bool

	// UploadTile places a tile into GPU memory. Tiles sharing a texture are
	// packed at most atlasLimit per texture.
	UploadTile(tile provider.Tile, atlasLimit int) (*Resource, error)
}

// ConfigurationApplier is implemented by render APIs that react to
// configuration changes without re-uploading tiles.
type ConfigurationApplier interface {
	ApplyConfigurationChange(change state.ConfigurationChange, cfg state.Configuration) error
}

// Resource is a reference-counted GPU allocation. The allocation is freed
// when the last owner releases it.
type Resource struct {
	handle Handle
	owners atomic.Int32
	free   func(Handle)
}

// NewResource returns a resource with a single owner.
func NewResource(h Handle, free func(Handle)) *Resource {
	r := &Resource{handle: h, free: free}
	r.owners.Store(1)
	return r
}

func (r *Resource) Handle() Handle {
	return r.handle
}

func (r *Resource) Owners() int {
	return int(r.owners.Load())
}

func (r *Resource) Retain() *Resource {
	r.owners.Add(1)
	return r
}

// Release drops one owner and reports whether the allocation was freed.
func (r *Resource) Release() bool {
	n := r.owners.Add(-1)
	switch {
	case n > 0:
		return false
	case n < 0:
		panic(fmt.Sprintf("gpu: resource %d released too many times", r.handle))
	}
	if r.free != nil {
		r.free(r.handle)
	}
	return true
}

func (r *Resource) String() string {
	return fmt.Sprintf("gpu.Resource(%d, owners=%d)", r.handle, r.Owners())
}
