package pumped

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// ResolveCtx is handed to computed values and tracked runnables. Reads made
// through it are recorded, so the computation is invalidated when any of
// them changes, and a computation that reads its own key is reported as a
// cycle instead of recursing forever.
type ResolveCtx struct {
	ctx    *Context
	view   *Context
	key    string
	args   []any
	parent *ResolveCtx
	done   atomic.Bool

	tracker   *Binding
	trackedMu sync.Mutex
	tracked   map[string]struct{}
}

func newResolveCtx(c *Context, key string, args []any, parent *ResolveCtx) *ResolveCtx {
	rc := &ResolveCtx{ctx: c, key: key, args: args, parent: parent}
	rc.view = &Context{
		id:       c.id,
		name:     c.name,
		seq:      c.seq,
		tree:     c.tree,
		strategy: c.strategy,
		origin:   c,
		frame:    rc,
	}
	return rc
}

// Context returns a handle on the context the value is being resolved for.
// Until the computation returns, Get and GetLocal on the handle behave like
// rc.Get and rc.GetLocal. The handle is a distinct pointer; compare
// contexts by ID.
func (rc *ResolveCtx) Context() *Context {
	return rc.view
}

// Key returns the key being computed, empty for RunAndTrack runnables
func (rc *ResolveCtx) Key() string {
	return rc.key
}

// Args returns the extra arguments passed to Get
func (rc *ResolveCtx) Args() []any {
	return rc.args
}

// Get resolves key from the context and records it as a dependency
func (rc *ResolveCtx) Get(key string, args ...any) (any, error) {
	rc.track(key)
	return rc.ctx.resolve(key, args, rc, false)
}

// GetLocal resolves key on the context only and records it as a dependency
func (rc *ResolveCtx) GetLocal(key string, args ...any) (any, error) {
	rc.track(key)
	return rc.ctx.resolve(key, args, rc, true)
}

// Set is a shortcut for Context().Set
func (rc *ResolveCtx) Set(key string, value any) error {
	return rc.ctx.Set(key, value)
}

// Remove is a shortcut for Context().Remove
func (rc *ResolveCtx) Remove(key string) error {
	return rc.ctx.Remove(key)
}

func (rc *ResolveCtx) track(key string) {
	if rc.tracker == nil {
		return
	}
	rc.trackedMu.Lock()
	rc.tracked[key] = struct{}{}
	rc.trackedMu.Unlock()
	rc.ctx.trackKey(rc.tracker, key)
}

func (rc *ResolveCtx) inChain(c *Context, key string) bool {
	for f := rc; f != nil; f = f.parent {
		if f.ctx == c && f.key == key {
			return true
		}
	}
	return false
}

// Get resolves key on c, walking up the parent chain. Computed values are
// invoked with c as their context and cached at c. Missing keys return an
// error matching ErrNotFound.
func (c *Context) Get(key string, args ...any) (any, error) {
	if rc := c.activeFrame(); rc != nil {
		return rc.Get(key, args...)
	}
	return c.node().resolve(key, args, nil, false)
}

// GetLocal is like Get but never consults ancestors, which tells an
// overridden value apart from an inherited one.
func (c *Context) GetLocal(key string, args ...any) (any, error) {
	if rc := c.activeFrame(); rc != nil {
		return rc.GetLocal(key, args...)
	}
	return c.node().resolve(key, args, nil, true)
}

func (c *Context) activeFrame() *ResolveCtx {
	if c.frame == nil || c.frame.done.Load() {
		return nil
	}
	return c.frame
}

// Has reports whether key is declared on c or one of its ancestors. It
// never invokes computed values.
func (c *Context) Has(key string) bool {
	if key == ContextKey {
		return true
	}
	c = c.node()
	c.tree.mu.Lock()
	defer c.tree.mu.Unlock()

	for n := c; n != nil; n = n.parent {
		if _, ok := n.values[key]; ok {
			return true
		}
	}
	return false
}

// HasLocal reports whether key is declared on c itself
func (c *Context) HasLocal(key string) bool {
	c = c.node()
	c.tree.mu.Lock()
	defer c.tree.mu.Unlock()
	_, ok := c.values[key]
	return ok
}

// Peek returns the value of key without invoking any computed value: a
// cached computation made at c, or the nearest literal.
func (c *Context) Peek(key string) (any, bool) {
	c = c.node()
	c.tree.mu.Lock()
	defer c.tree.mu.Unlock()

	if r, ok := c.resolved[key]; ok {
		return r.value, true
	}
	for n := c; n != nil; n = n.parent {
		s, ok := n.values[key]
		if !ok {
			continue
		}
		if s.kind == slotLiteral {
			return s.value, true
		}
		return nil, false
	}
	return nil, false
}

func (c *Context) cached(key string) bool {
	c = c.node()
	c.tree.mu.Lock()
	defer c.tree.mu.Unlock()
	_, ok := c.resolved[key]
	return ok
}

func (c *Context) resolve(key string, args []any, caller *ResolveCtx, localOnly bool) (any, error) {
	if key == ContextKey {
		if caller != nil && caller.ctx == c && !caller.done.Load() {
			return caller.view, nil
		}
		return c, nil
	}

	t := c.tree
	t.mu.Lock()

	if c.disposed {
		t.mu.Unlock()
		return nil, fmt.Errorf("resolving %q: %w", key, ErrDisposed)
	}

	if caller != nil && caller.ctx == c && caller.key != "" && caller.key != key {
		c.addDependent(key, caller.key)
	}

	if r, ok := c.resolved[key]; ok && (!localOnly || r.owner == c) {
		v := r.value
		t.mu.Unlock()
		return v, nil
	}

	for n := c; n != nil; {
		s, ok := n.values[key]
		if !ok {
			if localOnly {
				break
			}
			n = n.parent
			continue
		}

		if s.kind == slotLiteral {
			v := s.value
			t.mu.Unlock()
			return v, nil
		}

		if caller.inChain(c, key) {
			t.mu.Unlock()
			return nil, &CyclicResolutionError{Key: key, Context: c}
		}

		gen := c.gens[key]
		rc := newResolveCtx(c, key, args, caller)

		t.mu.Unlock()
		v, err := t.compute(rc, s)
		t.mu.Lock()

		if err != nil {
			t.mu.Unlock()
			return nil, err
		}

		if _, notSet := v.(notSet); notSet {
			if localOnly {
				break
			}
			n = n.parent
			continue
		}

		if !c.disposed && c.gens[key] == gen && n.values[key] == s {
			c.resolved[key] = &resolution{value: v, owner: n, src: s}
		}
		t.mu.Unlock()
		return v, nil
	}

	t.mu.Unlock()
	return nil, fmt.Errorf("%w: %q", ErrNotFound, key)
}

// addDependent records that computing dependent at c read key.
// Caller holds the tree lock.
func (c *Context) addDependent(key, dependent string) {
	set, ok := c.dependents[key]
	if !ok {
		set = make(map[string]struct{})
		c.dependents[key] = set
	}
	set[dependent] = struct{}{}
}

func (t *tree) compute(rc *ResolveCtx, s *slot) (any, error) {
	defer rc.done.Store(true)
	op := &Operation{Kind: OpCompute, Context: rc.ctx, Key: rc.key}

	v, err := t.wrap(op, func() (result any, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic in computed value: %v", r)
			}
		}()
		return s.fn.Compute(rc, rc.args...)
	})
	if err != nil {
		rErr := newResolveError(rc.ctx, rc.key, err)
		t.reportError(rErr, op)
		return nil, rErr
	}
	return v, nil
}
