// Package recovery provides panic recovery utilities for goroutines.
package recovery

import (
	"fmt"
	"log/slog"
	"runtime/debug"
)

// RecoverWithLog recovers from panics and logs them with the provided logger.
// Use this with defer at the start of goroutines to prevent crashes and log diagnostics.
//
// Example:
//
//	go func() {
//	    defer recovery.RecoverWithLog(logger, "queueDrain")
//	    // ... goroutine work
//	}()
func RecoverWithLog(logger *slog.Logger, name string) {
	if r := recover(); r != nil {
		stack := string(debug.Stack())
		logger.Error("panic recovered",
			"goroutine", name,
			"panic", fmt.Sprintf("%v", r),
			"stack", stack)
	}
}

// Go runs fn in a new goroutine with panic recovery attached.
func Go(logger *slog.Logger, name string, fn func()) {
	go func() {
		defer RecoverWithLog(logger, name)
		fn()
	}()
}
