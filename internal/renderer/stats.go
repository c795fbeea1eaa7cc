package renderer

import (
	"gigamap/internal/resource"
	"gigamap/internal/state"
	"gigamap/internal/tiles"
)

// ResourceCounts holds entry counts by kind and state.
type ResourceCounts [resource.KindsCount][resource.StatesCount]int

// Total sums the counts of one state over all kinds.
func (c ResourceCounts) Total(s resource.State) int {
	n := 0
	for kind := range c {
		n += c[kind][s]
	}
	return n
}

// InFlight sums the entries a fetch task currently owns.
func (c ResourceCounts) InFlight() int {
	n := 0
	for s := range resource.State(resource.StatesCount) {
		if s.InFlight() {
			n += c.Total(s)
		}
	}
	return n
}

func (r *Renderer) ResourceCounts() ResourceCounts {
	var counts ResourceCounts
	for kind, store := range r.stores {
		store.ForEach(func(e *resource.Entry, _ *bool) bool {
			counts[kind][e.State()]++
			return false
		})
	}
	return counts
}

// ResourceState looks up the state of one entry.
func (r *Renderer) ResourceState(kind resource.Kind, id tiles.TileID, zoom tiles.ZoomLevel) (resource.State, bool) {
	if int(kind) < 0 || int(kind) >= resource.KindsCount || !zoom.Valid() {
		return resource.Unknown, false
	}
	e, ok := r.stores[kind].Find(tiles.Normalize(id, zoom), zoom)
	if !ok {
		return resource.Unknown, false
	}
	return e.State(), true
}

// VisibleTilesCount is the number of unique tiles in the last committed view.
func (r *Renderer) VisibleTilesCount() int {
	return r.unique.Load().Len()
}

// VisibleTiles returns the unique tiles of the last committed view.
func (r *Renderer) VisibleTiles() *tiles.Set {
	return r.unique.Load()
}

func (r *Renderer) CommittedState() *state.MapState {
	return r.reconciler.Committed()
}

func (r *Renderer) InternalState() *state.InternalState {
	return r.reconciler.Internal()
}

// PendingConfigurationChanges are the configuration bits not yet applied.
func (r *Renderer) PendingConfigurationChanges() state.ConfigurationChange {
	return r.config.Pending()
}
