package kernel

import (
	"fmt"
	"runtime/debug"
)

// PanicError is returned by a lifecycle hook, driver or handler that panicked.
type PanicError struct {
	// Scope names the call that panicked, for example "module tally OnStart".
	Scope string
	// Value is the recovered panic value.
	Value any
	// Stack is the goroutine stack captured at recovery.
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("%s: panic recovered: %v", e.Scope, e.Value)
}

// runSafely runs fn, tagging its error with scope and turning a panic into a
// *PanicError so one faulty module cannot take the process down.
func runSafely(scope string, fn func() error) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = &PanicError{Scope: scope, Value: recovered, Stack: debug.Stack()}
		}
	}()

	if err := fn(); err != nil {
		return fmt.Errorf("%s: %w", scope, err)
	}

	return nil
}
