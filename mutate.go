package pumped

import (
	"fmt"
	"sort"

	"go.uber.org/zap"
)

// Set stores value under key on c, replacing whatever was there. A
// ContextFunction (or a func with the Func signature) is stored as a
// computed value, anything else as a literal. Bindings affected by the
// change are re-applied before Set returns.
func (c *Context) Set(key string, value any) error {
	c = c.node()
	return c.mutate(OpSet, key, func() *Context {
		c.values[key] = newSlot(value)
		return c
	})
}

// Remove deletes key from c, revealing any inherited value. Removing an
// absent key does nothing.
func (c *Context) Remove(key string) error {
	c = c.node()
	return c.mutate(OpRemove, key, func() *Context {
		if _, ok := c.values[key]; !ok {
			return nil
		}
		delete(c.values, key)
		return c
	})
}

// Invalidate drops computed results for key at c and below and re-applies
// the bindings that depend on it, without touching any stored value.
func (c *Context) Invalidate(key string) error {
	c = c.node()
	return c.mutate(OpInvalidate, key, func() *Context {
		return c
	})
}

// Modify sets key on the nearest context, starting at c, that declares it
// locally. If no context in the chain declares it, it is set on c. The
// lookup and the write happen under one lock acquisition.
func (c *Context) Modify(key string, value any) error {
	c = c.node()
	return c.mutate(OpSet, key, func() *Context {
		target := c
		for n := c; n != nil; n = n.parent {
			if _, ok := n.values[key]; ok {
				target = n
				break
			}
		}
		target.values[key] = newSlot(value)
		return target
	})
}

// SetAll stores several values at once. Bindings are notified once, after
// every value is in place.
func (c *Context) SetAll(values map[string]any) error {
	if len(values) == 0 {
		return nil
	}

	c = c.node()
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	t := c.tree
	_, err := t.wrap(&Operation{Kind: OpSet, Context: c}, func() (any, error) {
		t.mu.Lock()
		if c.disposed {
			t.mu.Unlock()
			return nil, fmt.Errorf("setting %d values on %s: %w", len(keys), c, ErrDisposed)
		}

		var changes changeSet
		for _, key := range keys {
			c.values[key] = newSlot(values[key])
			changes.merge(t.invalidate(c, key))
		}
		t.mu.Unlock()

		t.logger.Debug("context values changed",
			zap.Stringer("context", c),
			zap.Strings("keys", keys),
			zap.Int("notifications", changes.len()),
		)

		t.notify(changes)
		return nil, nil
	})
	return err
}

// mutate runs apply under the tree lock. apply returns the context whose
// value of key changed, or nil when nothing changed.
func (c *Context) mutate(kind OperationKind, key string, apply func() *Context) error {
	t := c.tree

	_, err := t.wrap(&Operation{Kind: kind, Context: c, Key: key}, func() (any, error) {
		t.mu.Lock()
		if c.disposed {
			t.mu.Unlock()
			return nil, fmt.Errorf("%s %q on %s: %w", kind, key, c, ErrDisposed)
		}
		target := apply()
		if target == nil {
			t.mu.Unlock()
			return nil, nil
		}
		changes := t.invalidate(target, key)
		t.mu.Unlock()

		t.logger.Debug("context value changed",
			zap.String("op", string(kind)),
			zap.String("key", key),
			zap.Stringer("context", target),
			zap.Int("notifications", changes.len()),
		)

		t.notify(changes)
		return nil, nil
	})
	return err
}

// invalidate walks from start down the subtree, stopping at children that
// declare key themselves, and drops every cached result that could have
// seen the old value. It returns the bindings to notify.
// Caller holds the tree lock.
func (t *tree) invalidate(start *Context, key string) changeSet {
	var changes changeSet

	stack := make([]*Context, 0, 8)
	stack = append(stack, start)

	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		n.invalidateLocal(key, &changes, make(map[string]struct{}))

		for _, child := range n.liveChildren() {
			if _, overridden := child.values[key]; overridden {
				continue
			}
			stack = append(stack, child)
		}
	}

	return changes
}

// invalidateLocal drops the cached result for key at c, then everything at
// c that was computed from it.
func (c *Context) invalidateLocal(key string, changes *changeSet, seen map[string]struct{}) {
	if _, ok := seen[key]; ok {
		return
	}
	seen[key] = struct{}{}

	c.gens[key]++
	delete(c.resolved, key)

	for _, b := range c.subs.find(key) {
		changes.add(b, key)
	}

	dependents := c.dependents[key]
	delete(c.dependents, key)
	for dependent := range dependents {
		c.invalidateLocal(dependent, changes, seen)
	}
}
