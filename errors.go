package pumped

import (
	"errors"
	"fmt"
	"runtime/debug"
)

var (
	ErrNotFound             = errors.New("key not found")
	ErrDisposed             = errors.New("context is disposed")
	ErrCyclicResolution     = errors.New("cyclic resolution")
	ErrUnresolvedDependency = errors.New("unresolved dependency")
	ErrTypeMismatch         = errors.New("type mismatch")
	ErrInvalidTarget        = errors.New("invalid injection target")
)

// CyclicResolutionError reports a computed value that reads its own key
// before its computation completed.
type CyclicResolutionError struct {
	Key     string
	Context *Context
}

func (e *CyclicResolutionError) Error() string {
	return fmt.Sprintf("cyclic resolution of %q in context %s", e.Key, e.Context)
}

func (e *CyclicResolutionError) Is(target error) bool {
	return target == ErrCyclicResolution
}

// UnresolvedDependencyError is returned by Inject when a mandatory member
// has no value visible from the context.
type UnresolvedDependencyError struct {
	Key    string
	Target any
}

func (e *UnresolvedDependencyError) Error() string {
	return fmt.Sprintf("unresolved dependency %q for %T", e.Key, e.Target)
}

func (e *UnresolvedDependencyError) Is(target error) bool {
	return target == ErrUnresolvedDependency
}

func (e *UnresolvedDependencyError) Unwrap() error {
	return ErrNotFound
}

// ResolveError wraps a failure raised by a computed value.
type ResolveError struct {
	Key        string
	Context    *Context
	Cause      error
	StackTrace []byte
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("resolve error for %q in context %s: %v", e.Key, e.Context, e.Cause)
}

func (e *ResolveError) Unwrap() error {
	return e.Cause
}

// NotifyError describes a binding that could not be re-applied after a
// mutation. It is reported to extensions and logged, never returned.
type NotifyError struct {
	Binding *Binding
	Key     string
	Err     error
}

func (e *NotifyError) Error() string {
	return fmt.Sprintf("notify binding %s for %q: %v", e.Binding.ID(), e.Key, e.Err)
}

func (e *NotifyError) Unwrap() error {
	return e.Err
}

func newResolveError(c *Context, key string, cause error) *ResolveError {
	return &ResolveError{
		Key:        key,
		Context:    c,
		Cause:      cause,
		StackTrace: debug.Stack(),
	}
}

// SafeTypeAssertion performs safe type assertion with proper error
func SafeTypeAssertion[T any](value any) (T, error) {
	if value == nil {
		var zero T
		return zero, nil
	}

	typed, ok := value.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: expected %T, got %T (value: %v)", ErrTypeMismatch, zero, value, value)
	}

	return typed, nil
}
