// Package invariant reports programming errors: states that correct code can
// never reach. Violations are always logged; they panic when Fatal is set.
package invariant

import (
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
)

var fatal atomic.Bool

func init() {
	fatal.Store(fatalByDefault)
}

// SetFatal switches between panicking and log-only reporting. It returns the
// previous setting.
func SetFatal(v bool) bool {
	return fatal.Swap(v)
}

func Fatal() bool {
	return fatal.Load()
}

// Violation is the panic value raised for a failed check.
type Violation struct {
	Message string
}

func (v Violation) Error() string {
	return "invariant violated: " + v.Message
}

// Check logs msg at error level when cond is false, and panics with a
// Violation if fatal reporting is on. It returns cond.
func Check(cond bool, log *zap.Logger, msg string, fields ...zap.Field) bool {
	if cond {
		return true
	}
	if log != nil {
		log.Error(msg, fields...)
	}
	if fatal.Load() {
		panic(Violation{Message: msg})
	}
	return false
}

// Checkf is Check with a formatted message and no structured fields.
func Checkf(cond bool, log *zap.Logger, format string, args ...any) bool {
	if cond {
		return true
	}
	return Check(false, log, fmt.Sprintf(format, args...))
}
