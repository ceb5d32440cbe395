package pumped

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Member is one bindable member of an injected target: the key it is bound
// to and how to apply a resolved value. Apply receives ok == false when the
// key no longer resolves.
type Member struct {
	Key      string
	Optional bool
	Apply    func(value any, ok bool) error
}

// Injectable lets a target describe its own members instead of relying on
// struct tags.
type Injectable interface {
	Members() []Member
}

// Binding keeps a target in sync with the keys it was injected with, as
// seen from the context it was injected into.
type Binding struct {
	id      uuid.UUID
	ctx     *Context
	target  any
	members []Member
	track   func(rc *ResolveCtx) bool

	// guarded by the tree lock
	keys map[string]struct{}

	mu       sync.Mutex
	pending  map[string]struct{}
	applying bool
	released bool
}

func newBinding(c *Context, target any) *Binding {
	return &Binding{
		id:       uuid.New(),
		ctx:      c,
		target:   target,
		keys:     make(map[string]struct{}),
		pending:  make(map[string]struct{}),
		applying: true,
	}
}

// ID returns the unique identity of the binding
func (b *Binding) ID() uuid.UUID {
	return b.id
}

// Context returns the context the binding resolves from
func (b *Binding) Context() *Context {
	return b.ctx
}

// Target returns the injected object, nil for listeners and trackers
func (b *Binding) Target() any {
	return b.target
}

// Keys returns the keys the binding currently depends on, sorted
func (b *Binding) Keys() []string {
	b.ctx.tree.mu.Lock()
	defer b.ctx.tree.mu.Unlock()

	keys := make([]string, 0, len(b.keys))
	for k := range b.keys {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Released reports whether the binding stopped receiving updates
func (b *Binding) Released() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.released
}

// Release unregisters the binding. Values already applied to the target
// are left as they are.
func (b *Binding) Release() {
	t := b.ctx.tree
	_, _ = t.wrap(&Operation{Kind: OpUninject, Context: b.ctx, Binding: b}, func() (any, error) {
		b.unregister()
		return nil, nil
	})
}

func (b *Binding) unregister() {
	t := b.ctx.tree
	t.mu.Lock()
	for key := range b.keys {
		b.ctx.subs.unsubscribe(key, b)
	}
	b.keys = make(map[string]struct{})
	t.mu.Unlock()

	b.markReleased()
}

func (b *Binding) markReleased() {
	b.mu.Lock()
	b.released = true
	b.pending = nil
	b.mu.Unlock()
}

// schedule queues keys for re-application. If the binding is already being
// applied, by this goroutine further up the stack or by another one, the
// running application picks the keys up before it finishes.
func (b *Binding) schedule(keys ...string) {
	b.mu.Lock()
	if b.released {
		b.mu.Unlock()
		return
	}
	for _, key := range keys {
		b.pending[key] = struct{}{}
	}
	if b.applying {
		b.mu.Unlock()
		return
	}
	b.applying = true
	b.drain()
}

// drain applies pending keys until none are left. Called with b.mu held
// and applying set; returns with b.mu released.
func (b *Binding) drain() {
	for {
		if b.released || len(b.pending) == 0 {
			b.applying = false
			b.mu.Unlock()
			return
		}

		keys := make([]string, 0, len(b.pending))
		for k := range b.pending {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.pending = make(map[string]struct{})
		b.mu.Unlock()

		b.apply(keys)

		b.mu.Lock()
	}
}

func (b *Binding) apply(keys []string) {
	if b.track != nil {
		b.ctx.runTracker(b)
		return
	}

	for _, key := range keys {
		for _, m := range b.members {
			if m.Key != key {
				continue
			}
			if b.Released() {
				return
			}
			b.reapply(m)
		}
	}
}

// reapply resolves a member again after a change. Failures degrade to an
// absent value and are reported, never returned.
func (b *Binding) reapply(m Member) {
	t := b.ctx.tree

	v, err := b.ctx.Get(m.Key)
	ok := err == nil
	if err != nil {
		if errors.Is(err, ErrDisposed) {
			return
		}
		if !errors.Is(err, ErrNotFound) {
			t.reportNotifyError(&NotifyError{Binding: b, Key: m.Key, Err: err})
		}
		v = nil
	}

	if err := safeApply(m, v, ok); err != nil {
		t.reportNotifyError(&NotifyError{Binding: b, Key: m.Key, Err: err})
	}
}

func safeApply(m Member, value any, ok bool) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic applying %q: %v\n%s", m.Key, r, debug.Stack())
		}
	}()
	if m.Apply == nil {
		return nil
	}
	return m.Apply(value, ok)
}

// notify re-applies every binding once per mutation, with all of its
// changed keys.
func (t *tree) notify(changes changeSet) {
	var order []*Binding
	keys := make(map[*Binding][]string)
	for _, ch := range changes.items {
		if _, ok := keys[ch.binding]; !ok {
			order = append(order, ch.binding)
		}
		keys[ch.binding] = append(keys[ch.binding], ch.key)
	}
	for _, b := range order {
		b.schedule(keys[b]...)
	}
}

// Inject binds target to c. Members come from target's Members method when
// it implements Injectable, otherwise from its `ctx` struct tags. Every
// member is resolved and applied now and again whenever its key changes as
// seen from c. A mandatory member without a value fails the whole injection.
func (c *Context) Inject(target any) (*Binding, error) {
	if target == nil {
		return nil, fmt.Errorf("%w: nil target", ErrInvalidTarget)
	}

	var members []Member
	if inj, ok := target.(Injectable); ok {
		members = inj.Members()
	} else {
		var err error
		members, err = StructMembers(target)
		if err != nil {
			return nil, err
		}
	}

	return c.InjectMembers(target, members...)
}

// InjectMembers binds target using the given member descriptors
func (c *Context) InjectMembers(target any, members ...Member) (*Binding, error) {
	c = c.node()
	t := c.tree
	op := &Operation{Kind: OpInject, Context: c}

	result, err := t.wrap(op, func() (any, error) {
		b := newBinding(c, target)
		b.members = members
		op.Binding = b

		t.mu.Lock()
		if c.disposed {
			t.mu.Unlock()
			return nil, fmt.Errorf("injecting %T into %s: %w", target, c, ErrDisposed)
		}
		for _, m := range members {
			b.keys[m.Key] = struct{}{}
			c.subs.subscribe(m.Key, b)
		}
		t.mu.Unlock()

		values := make([]any, len(members))
		found := make([]bool, len(members))
		for i, m := range members {
			v, err := c.Get(m.Key)
			switch {
			case err == nil:
				values[i], found[i] = v, true
			case errors.Is(err, ErrNotFound):
				if !m.Optional {
					b.unregister()
					return nil, &UnresolvedDependencyError{Key: m.Key, Target: target}
				}
			default:
				b.unregister()
				return nil, fmt.Errorf("injecting %T: %w", target, err)
			}
		}

		for i, m := range members {
			if err := safeApply(m, values[i], found[i]); err != nil {
				b.unregister()
				return nil, fmt.Errorf("injecting %T: %w", target, err)
			}
		}

		b.mu.Lock()
		b.drain()

		t.logger.Debug("target injected",
			zap.Stringer("context", c),
			zap.Stringer("binding", b.id),
			zap.String("target", fmt.Sprintf("%T", target)),
			zap.Int("members", len(members)),
		)
		return b, nil
	})
	if err != nil {
		t.reportError(err, op)
		return nil, err
	}
	return result.(*Binding), nil
}

// Uninject releases a binding created on c
func (c *Context) Uninject(b *Binding) {
	if b == nil {
		return
	}
	b.Release()
}

// Subscribe calls fn with the value of key now and after every change to
// it as seen from c. ok is false while the key does not resolve.
func (c *Context) Subscribe(key string, fn func(value any, ok bool)) (*Binding, error) {
	return c.InjectMembers(nil, Member{
		Key:      key,
		Optional: true,
		Apply: func(value any, ok bool) error {
			fn(value, ok)
			return nil
		},
	})
}

// RunAndTrack runs fn and runs it again whenever a key it read through rc
// changes. The set of watched keys follows what the latest run read. The
// binding is released as soon as fn returns false.
func (c *Context) RunAndTrack(fn func(rc *ResolveCtx) bool) (*Binding, error) {
	c = c.node()
	t := c.tree
	b := newBinding(c, nil)
	b.track = fn

	_, err := t.wrap(&Operation{Kind: OpInject, Context: c, Binding: b}, func() (any, error) {
		t.mu.Lock()
		disposed := c.disposed
		t.mu.Unlock()
		if disposed {
			return nil, fmt.Errorf("tracking on %s: %w", c, ErrDisposed)
		}

		c.runTracker(b)

		b.mu.Lock()
		b.drain()
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (c *Context) runTracker(b *Binding) {
	t := c.tree
	if b.Released() {
		return
	}

	rc := newResolveCtx(c, "", nil, nil)
	rc.tracker = b
	rc.tracked = make(map[string]struct{})

	keep := true
	func() {
		defer rc.done.Store(true)
		defer func() {
			if r := recover(); r != nil {
				t.reportNotifyError(&NotifyError{
					Binding: b,
					Err:     fmt.Errorf("panic in tracked runnable: %v\n%s", r, debug.Stack()),
				})
			}
		}()
		keep = b.track(rc)
	}()

	if !keep {
		b.unregister()
		return
	}

	rc.trackedMu.Lock()
	defer rc.trackedMu.Unlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	for key := range b.keys {
		if _, ok := rc.tracked[key]; ok {
			continue
		}
		c.subs.unsubscribe(key, b)
		delete(b.keys, key)
	}
}

// trackKey subscribes a tracker to key before the key is read, so a change
// racing with the read is not lost.
func (c *Context) trackKey(b *Binding, key string) {
	c.tree.mu.Lock()
	defer c.tree.mu.Unlock()

	if c.disposed {
		return
	}
	if _, ok := b.keys[key]; ok {
		return
	}
	b.mu.Lock()
	released := b.released
	b.mu.Unlock()
	if released {
		return
	}
	b.keys[key] = struct{}{}
	c.subs.subscribe(key, b)
}
