package async

import (
	"os"
	"runtime/debug"
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

// Recover logs panic details without crashing the process. Stack traces are
// included when TASKD_DEBUG is set.
func Recover(logger PanicLogger, name string) {
	if r := recover(); r != nil {
		if logger == nil {
			return
		}
		if os.Getenv("TASKD_DEBUG") != "" {
			if name == "" {
				logger.Error("goroutine panic: %v, stack: %s", r, debug.Stack())
			} else {
				logger.Error("goroutine panic [%s]: %v, stack: %s", name, r, debug.Stack())
			}
			return
		}
		if name == "" {
			logger.Error("goroutine panic: %v", r)
			return
		}
		logger.Error("goroutine panic [%s]: %v", name, r)
	}
}
