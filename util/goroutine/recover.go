// Package goroutine provides panic recovery and leak-detection helpers for
// background goroutines.
package goroutine

import (
	"runtime/debug"

	"go.uber.org/zap"
)

// Recover logs a panic with its stack trace instead of crashing the
// process. Intended as a deferred call at the top of worker goroutines.
func Recover(component string, logger *zap.SugaredLogger) {
	if r := recover(); r != nil {
		logger.Errorw("Goroutine panicked",
			"component", component,
			"panic", r,
			"stack", string(debug.Stack()))
	}
}
