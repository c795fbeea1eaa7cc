package renderer

import (
	"runtime"

	"go.uber.org/zap"

	"gigamap/internal/invariant"
)

// assertRenderGoroutine panics when called off the render goroutine. Before
// InitializeRendering there is no render goroutine and nothing is checked.
func (r *Renderer) assertRenderGoroutine(op string) {
	want := r.renderGoroutine.Load()
	if want == 0 {
		return
	}
	if got := goroutineID(); got != want {
		r.logger().Error("Render call from the wrong goroutine",
			zap.String("op", op),
			zap.Uint64("render_goroutine", want),
			zap.Uint64("goroutine", got))
		panic(invariant.Violation{Message: op + " called off the render goroutine"})
	}
}

// goroutineID parses the current goroutine's ID from its stack header.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}
