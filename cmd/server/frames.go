package main

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"gigamap/internal/renderer"
	"gigamap/internal/resource"
)

// frameStats is a FrameDrawer that only counts what a real drawer would
// draw.
type frameStats struct {
	frames       atomic.Uint64
	tilesDrawn   atomic.Uint64
	placeholders atomic.Uint64
}

func (s *frameStats) DrawFrame(f *renderer.Frame) error {
	if f.State == nil || f.Tiles == nil {
		return nil
	}
	var drawn, stubs uint64
	for _, id := range f.Tiles.Tiles() {
		for _, kind := range resource.Kinds() {
			res, stub := f.Resource(kind, id)
			switch {
			case res == nil:
			case stub:
				stubs++
			default:
				drawn++
			}
		}
	}
	s.frames.Add(1)
	s.tilesDrawn.Add(drawn)
	s.placeholders.Add(stubs)
	return nil
}

// runFrameLoop owns the render goroutine. It initializes rendering, then on
// every tick or frame request renders the frame if it was invalidated and
// uploads fetched tiles. Rendering is released when ctx is done.
func runFrameLoop(ctx context.Context, r *renderer.Renderer, frameRate int, requests <-chan struct{}, stats *frameStats, log *zap.Logger) (err error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := r.InitializeRendering(); err != nil {
		return fmt.Errorf("initialize rendering: %w", err)
	}
	defer func() {
		if releaseErr := r.ReleaseRendering(); releaseErr != nil {
			err = multierr.Append(err, fmt.Errorf("release rendering: %w", releaseErr))
		}
	}()

	ticker := time.NewTicker(time.Second / time.Duration(max(frameRate, 1)))
	defer ticker.Stop()

	report := time.NewTicker(30 * time.Second)
	defer report.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-report.C:
			counts := r.ResourceCounts()
			log.Info("Frame stats",
				zap.Uint64("frames", stats.frames.Load()),
				zap.Uint64("tiles_drawn", stats.tilesDrawn.Load()),
				zap.Uint64("placeholders", stats.placeholders.Load()),
				zap.Int("visible_tiles", r.VisibleTilesCount()),
				zap.Int("uploaded", counts.Total(resource.Uploaded)),
				zap.Int("in_flight", counts.InFlight()))
			continue
		case <-ticker.C:
		case <-requests:
		}

		if r.IsFrameInvalidated() {
			renderOnce(r, log)
		}
		if err := r.ProcessRendering(); err != nil {
			return fmt.Errorf("process rendering: %w", err)
		}
	}
}

func renderOnce(r *renderer.Renderer, log *zap.Logger) {
	if err := r.PrepareFrame(); err != nil {
		// Outdated state and pending configuration are retried next frame.
		log.Debug("Frame not prepared", zap.Error(err))
		return
	}
	if err := r.RenderFrame(); err != nil {
		log.Warn("Frame not rendered", zap.Error(err))
	}
}
