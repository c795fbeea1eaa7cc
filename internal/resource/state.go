package resource

import (
	"fmt"

	"gigamap/internal/state"
)

// State is the lifecycle position of one resource entry.
type State int32

const (
	Unknown State = iota
	Requesting
	Requested
	ProcessingRequest
	Ready
	Unavailable
	Uploaded
	Unloaded
)

var stateNames = [...]string{
	Unknown:           "Unknown",
	Requesting:        "Requesting",
	Requested:         "Requested",
	ProcessingRequest: "ProcessingRequest",
	Ready:             "Ready",
	Unavailable:       "Unavailable",
	Uploaded:          "Uploaded",
	Unloaded:          "Unloaded",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// StatesCount is the number of defined states.
const StatesCount = int(Unloaded) + 1

// CanTransitionTo reports whether next directly follows s in the lifecycle.
func (s State) CanTransitionTo(next State) bool {
	switch s {
	case Unknown:
		return next == Requesting
	case Requesting:
		return next == Requested
	case Requested:
		return next == ProcessingRequest
	case ProcessingRequest:
		return next == Ready || next == Unavailable
	case Ready:
		return next == Uploaded
	case Uploaded:
		return next == Unloaded
	default:
		return false
	}
}

// InFlight reports whether a task owns the entry in this state.
func (s State) InFlight() bool {
	return s == Requesting || s == Requested || s == ProcessingRequest
}

// Kind is the kind of data a resource entry holds.
type Kind int

// Raster layer kinds occupy [0, state.RasterLayersCount).
const (
	ElevationData Kind = state.RasterLayersCount + iota
	Symbols

	KindsCount = int(Symbols) + 1
)

func RasterKind(layer state.RasterLayerID) Kind {
	return Kind(layer)
}

// RasterLayer returns the layer of a raster kind.
func (k Kind) RasterLayer() (state.RasterLayerID, bool) {
	if k >= 0 && int(k) < state.RasterLayersCount {
		return state.RasterLayerID(k), true
	}
	return 0, false
}

func (k Kind) String() string {
	if layer, ok := k.RasterLayer(); ok {
		return fmt.Sprintf("raster%d", int(layer))
	}
	switch k {
	case ElevationData:
		return "elevation"
	case Symbols:
		return "symbols"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Kinds returns every kind in order.
func Kinds() []Kind {
	out := make([]Kind, KindsCount)
	for i := range out {
		out[i] = Kind(i)
	}
	return out
}
