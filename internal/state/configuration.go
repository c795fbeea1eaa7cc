package state

import (
	"math/bits"
	"sync"
	"sync/atomic"
)

type TextureFilteringQuality int

const (
	TextureFilteringNormal TextureFilteringQuality = iota
	TextureFilteringGood
	TextureFilteringBest
)

// Configuration holds render-quality knobs.
type Configuration struct {
	LimitTextureColorDepthBy16Bits bool
	AtlasTexturesAllowed           bool
	PaletteTexturesAllowed         bool
	HeixelsPerTileSide             uint32
	TexturesFilteringQuality       TextureFilteringQuality
}

func DefaultConfiguration() Configuration {
	return Configuration{
		AtlasTexturesAllowed: true,
		HeixelsPerTileSide:   32,
	}
}

// ConfigurationChange is one bit of the configuration change mask.
type ConfigurationChange uint32

const (
	ColorDepthForcing ConfigurationChange = 1 << iota
	AtlasTexturesUsage
	ElevationDataResolution
	TexturesFilteringMode
	PaletteTexturesUsage

	AllConfigurationChanges ConfigurationChange = 0xFFFFFFFF
)

// RasterAffecting are the bits that invalidate uploaded raster layers.
const RasterAffecting = ColorDepthForcing | AtlasTexturesUsage | PaletteTexturesUsage

// ElevationAffecting are the bits that invalidate uploaded elevation data.
const ElevationAffecting = ElevationDataResolution

func (c ConfigurationChange) Count() int {
	return bits.OnesCount32(uint32(c))
}

func (c ConfigurationChange) String() string {
	switch c {
	case ColorDepthForcing:
		return "ColorDepthForcing"
	case AtlasTexturesUsage:
		return "AtlasTexturesUsage"
	case ElevationDataResolution:
		return "ElevationDataResolution"
	case TexturesFilteringMode:
		return "TexturesFilteringMode"
	case PaletteTexturesUsage:
		return "PaletteTexturesUsage"
	default:
		return "ConfigurationChange(mask)"
	}
}

// Diff returns the change bits between two configurations.
func Diff(from, to Configuration) ConfigurationChange {
	var mask ConfigurationChange
	if from.LimitTextureColorDepthBy16Bits != to.LimitTextureColorDepthBy16Bits {
		mask |= ColorDepthForcing
	}
	if from.AtlasTexturesAllowed != to.AtlasTexturesAllowed {
		mask |= AtlasTexturesUsage
	}
	if from.HeixelsPerTileSide != to.HeixelsPerTileSide {
		mask |= ElevationDataResolution
	}
	if from.TexturesFilteringQuality != to.TexturesFilteringQuality {
		mask |= TexturesFilteringMode
	}
	if from.PaletteTexturesAllowed != to.PaletteTexturesAllowed {
		mask |= PaletteTexturesUsage
	}
	return mask
}

// ConfigurationApplyFunc applies a single change. A failing change stays pending.
type ConfigurationApplyFunc func(change ConfigurationChange, cfg Configuration) error

// ConfigurationReconciler diffs requested configuration against the active one
// and applies the difference lazily, one change bit at a time.
type ConfigurationReconciler struct {
	mu        sync.RWMutex
	requested Configuration
	current   atomic.Pointer[Configuration]
	pending   atomic.Uint32

	invalidations *Invalidations
	invalidate    func()
}

func NewConfigurationReconciler(cfg Configuration, inv *Invalidations, invalidateFrame func()) *ConfigurationReconciler {
	r := &ConfigurationReconciler{
		requested:     cfg,
		invalidations: inv,
		invalidate:    invalidateFrame,
	}
	current := cfg
	r.current.Store(&current)
	r.pending.Store(uint32(AllConfigurationChanges))
	return r
}

// Set records a requested configuration. Nothing happens when it equals the
// previous request, unless forced.
func (r *ConfigurationReconciler) Set(cfg Configuration, forcedUpdate bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	mask := Diff(r.requested, cfg)
	if !forcedUpdate && mask == 0 {
		return
	}
	r.requested = cfg

	if mask&RasterAffecting != 0 {
		r.invalidations.InvalidateAllRasterLayers()
	}
	if mask&ElevationAffecting != 0 {
		r.invalidations.InvalidateElevationData()
	}

	r.pending.Or(uint32(mask))
	r.invalidate()
}

func (r *ConfigurationReconciler) Requested() Configuration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.requested
}

// Current is the configuration in effect for the render goroutine.
func (r *ConfigurationReconciler) Current() Configuration {
	return *r.current.Load()
}

func (r *ConfigurationReconciler) Pending() ConfigurationChange {
	return ConfigurationChange(r.pending.Load())
}

// Apply copies the requested configuration into the active slot and applies
// every pending bit in ascending order. It reports whether the configuration
// was changed and whether anything is still pending.
func (r *ConfigurationReconciler) Apply(apply ConfigurationApplyFunc) (applied bool, valid bool) {
	mask := ConfigurationChange(r.pending.Swap(0))
	if mask == 0 {
		return false, true
	}

	r.mu.RLock()
	cfg := r.requested
	r.mu.RUnlock()
	r.current.Store(&cfg)

	var failed ConfigurationChange
	for rest := mask; rest != 0; {
		bit := ConfigurationChange(1) << bits.TrailingZeros32(uint32(rest))
		rest &^= bit
		if apply == nil {
			continue
		}
		if err := apply(bit, cfg); err != nil {
			failed |= bit
		}
	}

	if failed != 0 {
		r.pending.Or(uint32(failed))
	}
	r.invalidate()

	return true, failed == 0
}
