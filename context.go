package pumped

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"weak"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// tree holds the state shared by every context created from one root.
// A single lock serializes all topology, slot, cache and registry access.
type tree struct {
	mu     sync.Mutex
	root   *Context
	seq    atomic.Uint64
	logger *zap.Logger

	extMu      sync.RWMutex
	extensions []Extension
}

// Context is one node of a context tree: a set of local values, a parent
// to inherit from, and weak references to its children.
type Context struct {
	id       uuid.UUID
	name     string
	seq      uint64
	tree     *tree
	parent   *Context
	children map[uuid.UUID]weak.Pointer[Context]
	strategy any

	values     map[string]*slot
	resolved   map[string]*resolution
	gens       map[string]uint64
	dependents map[string]map[string]struct{}
	subs       registry
	disposed   bool

	// origin and frame are set on the handle a computation receives from
	// ResolveCtx.Context. Every method acts on origin; reads made while the
	// computation runs go through frame.
	origin *Context
	frame  *ResolveCtx
}

type config struct {
	name       string
	strategy   any
	values     map[string]any
	logger     *zap.Logger
	extensions []Extension
}

// Option configures a context at creation
type Option func(*config)

// WithName sets a human readable name used in logs and debug output
func WithName(name string) Option {
	return func(c *config) {
		c.name = name
	}
}

// WithStrategy attaches an opaque child-creation strategy. The context
// stores it and returns it from Strategy, nothing more.
func WithStrategy(strategy any) Option {
	return func(c *config) {
		c.strategy = strategy
	}
}

// WithValues seeds the context with initial values
func WithValues(values map[string]any) Option {
	return func(c *config) {
		if c.values == nil {
			c.values = make(map[string]any, len(values))
		}
		for k, v := range values {
			c.values[k] = v
		}
	}
}

// WithLogger sets the tree logger. Ignored by NewChild.
func WithLogger(logger *zap.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// WithExtension registers an extension on the tree. Ignored by NewChild.
func WithExtension(ext Extension) Option {
	return func(c *config) {
		c.extensions = append(c.extensions, ext)
	}
}

// New creates a root context
func New(opts ...Option) *Context {
	cfg := &config{}
	for _, opt := range opts {
		opt(cfg)
	}

	t := &tree{logger: zap.NewNop()}
	if cfg.logger != nil {
		t.logger = cfg.logger
	}

	c := newContext(t, nil, cfg)
	t.root = c

	for _, ext := range cfg.extensions {
		if err := c.UseExtension(ext); err != nil {
			panic(err)
		}
	}

	if len(cfg.values) > 0 {
		if err := c.SetAll(cfg.values); err != nil {
			t.logger.Error("seeding context values failed",
				zap.Stringer("context", c),
				zap.Int("values", len(cfg.values)),
				zap.Error(err),
			)
		}
	}

	t.logger.Debug("context created", zap.Stringer("context", c))
	return c
}

func newContext(t *tree, parent *Context, cfg *config) *Context {
	return &Context{
		id:         uuid.New(),
		name:       cfg.name,
		seq:        t.seq.Add(1),
		tree:       t,
		parent:     parent,
		children:   make(map[uuid.UUID]weak.Pointer[Context]),
		strategy:   cfg.strategy,
		values:     make(map[string]*slot),
		resolved:   make(map[string]*resolution),
		gens:       make(map[string]uint64),
		dependents: make(map[string]map[string]struct{}),
		subs:       make(registry),
	}
}

// NewChild creates a context that inherits every value of c it does not
// override. The parent only keeps a weak reference to the child.
func (c *Context) NewChild(opts ...Option) (*Context, error) {
	c = c.node()
	cfg := &config{}
	for _, opt := range opts {
		opt(cfg)
	}

	t := c.tree
	t.mu.Lock()
	if c.disposed {
		t.mu.Unlock()
		return nil, fmt.Errorf("creating child of %s: %w", c, ErrDisposed)
	}
	child := newContext(t, c, cfg)
	c.children[child.id] = weak.Make(child)
	t.mu.Unlock()

	if len(cfg.values) > 0 {
		if err := child.SetAll(cfg.values); err != nil {
			_ = child.Dispose()
			return nil, fmt.Errorf("seeding child of %s: %w", c, err)
		}
	}

	t.logger.Debug("child context created",
		zap.Stringer("context", child),
		zap.Stringer("parent", c),
	)
	return child, nil
}

// node returns the context a computation handle stands for, or c itself
func (c *Context) node() *Context {
	if c.origin != nil {
		return c.origin
	}
	return c
}

// ID returns the unique identity of the context
func (c *Context) ID() uuid.UUID {
	return c.id
}

// Name returns the name given with WithName, possibly empty
func (c *Context) Name() string {
	return c.name
}

func (c *Context) String() string {
	if c.name != "" {
		return c.name
	}
	return "context-" + c.id.String()[:8]
}

// Strategy returns the value passed with WithStrategy
func (c *Context) Strategy() any {
	return c.strategy
}

// Parent returns the parent context, nil for roots and for children whose
// parent was disposed.
func (c *Context) Parent() *Context {
	c = c.node()
	c.tree.mu.Lock()
	defer c.tree.mu.Unlock()
	return c.parent
}

// Children returns the live children in creation order
func (c *Context) Children() []*Context {
	c = c.node()
	c.tree.mu.Lock()
	defer c.tree.mu.Unlock()
	return c.liveChildren()
}

// LocalKeys returns the keys declared on this context, sorted
func (c *Context) LocalKeys() []string {
	c = c.node()
	c.tree.mu.Lock()
	defer c.tree.mu.Unlock()

	keys := make([]string, 0, len(c.values))
	for k := range c.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Disposed reports whether Dispose was called
func (c *Context) Disposed() bool {
	c = c.node()
	c.tree.mu.Lock()
	defer c.tree.mu.Unlock()
	return c.disposed
}

// liveChildren prunes collected children. Caller holds the tree lock.
func (c *Context) liveChildren() []*Context {
	result := make([]*Context, 0, len(c.children))
	for id, wp := range c.children {
		child := wp.Value()
		if child == nil {
			delete(c.children, id)
			continue
		}
		result = append(result, child)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].seq < result[j].seq
	})
	return result
}

// Dispose detaches the context from its parent and drops its values and
// bindings. Bindings owned by c are released without notifying their
// targets. Children become rootless and their bindings are re-applied for
// every key they used to inherit through c.
func (c *Context) Dispose() error {
	c = c.node()
	t := c.tree
	first := false

	_, err := t.wrap(&Operation{Kind: OpDispose, Context: c}, func() (any, error) {
		t.mu.Lock()
		if c.disposed {
			t.mu.Unlock()
			return nil, nil
		}
		first = true

		visible := make(map[string]struct{})
		for n := c; n != nil; n = n.parent {
			for k := range n.values {
				visible[k] = struct{}{}
			}
		}

		if c.parent != nil {
			delete(c.parent.children, c.id)
		}

		var released []*Binding
		for _, set := range c.subs {
			for b := range set {
				released = append(released, b)
			}
		}

		children := c.liveChildren()

		c.parent = nil
		c.children = make(map[uuid.UUID]weak.Pointer[Context])
		c.values = make(map[string]*slot)
		c.resolved = make(map[string]*resolution)
		c.dependents = make(map[string]map[string]struct{})
		c.subs = make(registry)
		c.disposed = true

		var changes changeSet
		for _, child := range children {
			child.parent = nil
			for key := range visible {
				if _, overridden := child.values[key]; overridden {
					continue
				}
				changes.merge(t.invalidate(child, key))
			}
		}
		t.mu.Unlock()

		for _, b := range released {
			b.markReleased()
		}

		t.logger.Debug("context disposed",
			zap.Stringer("context", c),
			zap.Int("released_bindings", len(released)),
			zap.Int("orphaned_children", len(children)),
		)

		t.notify(changes)
		return nil, nil
	})
	if err != nil {
		return err
	}

	if first && c == t.root {
		return t.disposeExtensions(c)
	}
	return nil
}
