// Package collection is a tile-keyed store, sharded by zoom level and guarded
// by a single reader/writer lock.
package collection

import (
	"sync"
	"sync/atomic"

	"gigamap/internal/tiles"
)

// Entry is anything stored under a (tile, zoom) key. Entries are compared by
// identity, so E is normally a pointer type.
type Entry interface {
	comparable
	TileID() tiles.TileID
	Zoom() tiles.ZoomLevel
}

// Link is a non-owning handle to a store. Entries keep a Link instead of a
// pointer back to their store so they can tell whether it was torn down.
type Link struct {
	closed atomic.Bool
}

func (l *Link) Alive() bool {
	return l != nil && !l.closed.Load()
}

// Filter decides whether an entry matches. Setting *cancel stops the scan
// after the current entry.
type Filter[E Entry] func(entry E, cancel *bool) bool

// Factory allocates a new entry for a missing key.
type Factory[E Entry] func(link *Link, id tiles.TileID, zoom tiles.ZoomLevel) E

type Store[E Entry] struct {
	mu         sync.RWMutex
	zoomLevels [tiles.ZoomLevelsCount]map[tiles.TileID]E
	link       *Link
}

func New[E Entry]() *Store[E] {
	s := &Store[E]{link: &Link{}}
	for i := range s.zoomLevels {
		s.zoomLevels[i] = make(map[tiles.TileID]E)
	}
	return s
}

func (s *Store[E]) Link() *Link {
	return s.link
}

// Close marks the store's link dead. Entries remain until removed.
func (s *Store[E]) Close() {
	s.link.closed.Store(true)
}

func (s *Store[E]) Find(id tiles.TileID, zoom tiles.ZoomLevel) (E, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.zoomLevels[zoom][id]
	return e, ok
}

// FindOrCreate returns the entry for the key, allocating it with factory if
// absent. Lookup and insert happen under one write lock, so concurrent callers
// for the same key always get the same instance.
func (s *Store[E]) FindOrCreate(id tiles.TileID, zoom tiles.ZoomLevel, factory Factory[E]) E {
	s.mu.Lock()
	defer s.mu.Unlock()

	level := s.zoomLevels[zoom]
	if e, ok := level[id]; ok {
		return e
	}

	e := factory(s.link, id, zoom)
	level[id] = e
	return e
}

// ForEach returns the entries accepted by filter, in zoom order. A nil filter
// accepts everything.
func (s *Store[E]) ForEach(filter Filter[E]) []E {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []E
	cancel := false
	for _, level := range s.zoomLevels {
		for _, e := range level {
			if filter == nil || filter(e, &cancel) {
				out = append(out, e)
			}
			if cancel {
				return out
			}
		}
	}
	return out
}

// Count returns the number of entries accepted by filter without collecting them.
func (s *Store[E]) Count(filter Filter[E]) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	cancel := false
	for _, level := range s.zoomLevels {
		for _, e := range level {
			if filter == nil || filter(e, &cancel) {
				n++
			}
			if cancel {
				return n
			}
		}
	}
	return n
}

// RemoveWhere evicts every entry accepted by filter. The filter runs under the
// write lock and may perform teardown on the entry before it is dropped.
func (s *Store[E]) RemoveWhere(filter Filter[E]) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	cancel := false
	for _, level := range s.zoomLevels {
		for id, e := range level {
			if filter == nil || filter(e, &cancel) {
				delete(level, id)
				removed++
			}
			if cancel {
				return removed
			}
		}
	}
	return removed
}

// Remove drops entry only if it is still the instance stored under its key.
func (s *Store[E]) Remove(entry E) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	level := s.zoomLevels[entry.Zoom()]
	if cur, ok := level[entry.TileID()]; ok && cur == entry {
		delete(level, entry.TileID())
		return true
	}
	return false
}

func (s *Store[E]) RemoveAt(id tiles.TileID, zoom tiles.ZoomLevel) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.zoomLevels[zoom], id)
}

func (s *Store[E]) RemoveAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.zoomLevels {
		s.zoomLevels[i] = make(map[tiles.TileID]E)
	}
}

func (s *Store[E]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, level := range s.zoomLevels {
		n += len(level)
	}
	return n
}
