package async

import (
	"context"
	"runtime/debug"
	"time"
)

// PanicLogger captures panic reports from background goroutines.
type PanicLogger interface {
	Error(format string, args ...any)
}

// Go runs fn in a goroutine guarded by panic recovery.
func Go(logger PanicLogger, name string, fn func()) {
	go func() {
		defer Recover(logger, name)
		fn()
	}()
}

// Recover logs panic details without crashing the process.
func Recover(logger PanicLogger, name string) {
	if r := recover(); r != nil {
		if logger == nil {
			return
		}
		if name == "" {
			logger.Error("goroutine panic: %v, stack: %s", r, debug.Stack())
			return
		}
		logger.Error("goroutine panic [%s]: %v, stack: %s", name, r, debug.Stack())
	}
}

// Loop runs fn every interval until ctx is cancelled. Each iteration is
// panic-guarded so a single bad run does not kill the loop.
func Loop(ctx context.Context, logger PanicLogger, name string, interval time.Duration, fn func(context.Context)) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				func() {
					defer Recover(logger, name)
					fn(ctx)
				}()
			}
		}
	}()
}
