package pumped

import "reflect"

// ContextKey resolves, from any context, to that context itself
var ContextKey = TypeKey[*Context]()

// TypeKey returns the key naming convention for values identified by their
// Go type, e.g. "*http.Client" or "time.Duration".
func TypeKey[T any]() string {
	return reflect.TypeFor[T]().String()
}

// Key is a type-safe context key
type Key[T any] struct {
	name string
}

// NewKey creates a new key with the given name. An empty name uses
// TypeKey[T]().
func NewKey[T any](name string) Key[T] {
	if name == "" {
		name = TypeKey[T]()
	}
	return Key[T]{name: name}
}

// Name returns the key's name
func (k Key[T]) Name() string {
	return k.name
}

// Get resolves the key from c
func (k Key[T]) Get(c *Context) (T, error) {
	v, err := c.Get(k.name)
	if err != nil {
		var zero T
		return zero, err
	}
	return SafeTypeAssertion[T](v)
}

// GetOrDefault resolves the key or returns a default
func (k Key[T]) GetOrDefault(c *Context, defaultVal T) T {
	if val, err := k.Get(c); err == nil {
		return val
	}
	return defaultVal
}

// Set stores a literal value on c
func (k Key[T]) Set(c *Context, val T) error {
	return c.Set(k.name, val)
}

// SetFunc stores a computed value on c
func (k Key[T]) SetFunc(c *Context, fn func(rc *ResolveCtx) (T, error)) error {
	return c.Set(k.name, Func(func(rc *ResolveCtx, args ...any) (any, error) {
		return fn(rc)
	}))
}

// Remove deletes the key from c
func (k Key[T]) Remove(c *Context) error {
	return c.Remove(k.name)
}

// Member binds apply to the key as a mandatory injection member
func (k Key[T]) Member(apply func(val T, ok bool)) Member {
	return Member{Key: k.name, Apply: k.applier(apply)}
}

// Optional binds apply to the key as an optional injection member
func (k Key[T]) Optional(apply func(val T, ok bool)) Member {
	return Member{Key: k.name, Optional: true, Apply: k.applier(apply)}
}

func (k Key[T]) applier(apply func(val T, ok bool)) func(any, bool) error {
	return func(value any, ok bool) error {
		if !ok {
			var zero T
			apply(zero, false)
			return nil
		}
		typed, err := SafeTypeAssertion[T](value)
		if err != nil {
			return err
		}
		apply(typed, true)
		return nil
	}
}
