package utils

import (
	"runtime/debug"
)

// RecoverFromPanic recovers from panics and logs them
func RecoverFromPanic(logger *Logger, context string) {
	if r := recover(); r != nil {
		stack := debug.Stack()
		logger.Error("Panic recovered in %s: %v\nStack trace:\n%s", context, r, string(stack))
	}
}

// SafeGo runs a goroutine with panic recovery. The returned channel is
// closed when fn returns or panics.
func SafeGo(logger *Logger, context string, fn func()) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer RecoverFromPanic(logger, context)
		fn()
	}()
	return done
}

// SafeGoWithError runs a goroutine with panic recovery and reports a
// returned error to onError
func SafeGoWithError(logger *Logger, context string, fn func() error, onError func(error)) <-chan struct{} {
	return SafeGo(logger, context, func() {
		if err := fn(); err != nil {
			logger.Error("Error in %s: %v", context, err)
			if onError != nil {
				onError(err)
			}
		}
	})
}
