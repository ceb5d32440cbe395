package pumped

// Controller provides lifecycle control for one key on one context
type Controller[T any] struct {
	key Key[T]
	ctx *Context
}

// Accessor creates a controller for a key
func Accessor[T any](c *Context, key Key[T]) *Controller[T] {
	return &Controller[T]{
		key: key,
		ctx: c,
	}
}

// Get retrieves the latest value (computes if not cached)
func (c *Controller[T]) Get() (T, error) {
	return c.key.Get(c.ctx)
}

// Peek retrieves a literal or cached value without computing
func (c *Controller[T]) Peek() (T, bool) {
	val, ok := c.ctx.Peek(c.key.name)
	if !ok {
		var zero T
		return zero, false
	}
	typed, err := SafeTypeAssertion[T](val)
	if err != nil {
		return typed, false
	}
	return typed, true
}

// Update sets a new value and propagates to bindings
func (c *Controller[T]) Update(newVal T) error {
	return c.key.Set(c.ctx, newVal)
}

// Set is an alias for Update
func (c *Controller[T]) Set(newVal T) error {
	return c.Update(newVal)
}

// Remove deletes the value from the controller's context
func (c *Controller[T]) Remove() error {
	return c.key.Remove(c.ctx)
}

// Release invalidates the cached value
func (c *Controller[T]) Release() error {
	return c.ctx.Invalidate(c.key.name)
}

// Reload invalidates and immediately re-resolves
func (c *Controller[T]) Reload() (T, error) {
	if err := c.Release(); err != nil {
		var zero T
		return zero, err
	}
	return c.Get()
}

// IsCached checks if a computed value is currently cached
func (c *Controller[T]) IsCached() bool {
	return c.ctx.cached(c.key.name)
}
