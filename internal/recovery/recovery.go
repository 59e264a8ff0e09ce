// Package recovery keeps a panicking relay goroutine from taking the whole
// process down.
package recovery

import (
	"fmt"
	"log/slog"
	"runtime/debug"
)

// RecoverWithLog recovers from panics and logs them with the provided logger.
// Use it with defer at the start of a goroutine:
//
//	go func() {
//	    defer recovery.RecoverWithLog(logger, "relay.serveListener")
//	    // ... goroutine work
//	}()
func RecoverWithLog(logger *slog.Logger, name string) {
	if r := recover(); r != nil {
		report(logger, name, r)
	}
}

// RecoverWithCallback recovers from panics, logs them, and calls the optional
// callback with the recovered value.
func RecoverWithCallback(logger *slog.Logger, name string, callback func(recovered any)) {
	if r := recover(); r != nil {
		report(logger, name, r)
		if callback != nil {
			callback(r)
		}
	}
}

func report(logger *slog.Logger, name string, r any) {
	logger.Error("panic recovered",
		"goroutine", name,
		"panic", fmt.Sprintf("%v", r),
		"stack", string(debug.Stack()))
}
