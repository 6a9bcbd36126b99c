package safe

import (
	"go.uber.org/zap"

	"chatnow/logger"
	"chatnow/tools/errs"
)

// Go starts f on a new goroutine that recovers and logs panics.
func Go(name string, f func()) {
	go func() {
		defer Recover(name)
		f()
	}()
}

// Recover is meant to be deferred; it logs a panic instead of crashing the process.
func Recover(name string) {
	if r := recover(); r != nil {
		Report(name, r)
	}
}

// Report logs a value already taken from recover().
func Report(name string, r any) {
	logger.Error("panic recovered", zap.String("where", name), zap.Error(errs.ErrPanic(r)))
}
