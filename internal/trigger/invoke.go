package trigger

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/dayuer/dispatchd/internal/rule"
)

// PanicError wraps a panic raised by a callback.
type PanicError struct {
	// Value is the value passed to panic.
	Value any
	// Stack is the stack trace at the point of panic.
	Stack string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic recovered: %v", e.Value)
}

// Invoke runs the rule's consumer on b. Panics come back as *PanicError.
func Invoke(ctx context.Context, r *rule.Rule, b *rule.Batch) error {
	return Guard(func() error { return r.Consume(ctx, b) })
}

// Guard runs fn and converts a panic into a *PanicError.
func Guard(fn func() error) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = &PanicError{Value: v, Stack: string(debug.Stack())}
		}
	}()
	return fn()
}
