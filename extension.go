package pumped

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"
)

// Extension provides hooks into context tree operations
type Extension interface {
	// Name returns the extension's name
	Name() string

	// Order determines extension execution order (lower = earlier)
	Order() int

	// Init is called when the extension is registered to a tree
	Init(root *Context) error

	// Wrap intercepts operations (compute, set, remove, inject, ...)
	Wrap(ctx context.Context, next func() (any, error), op *Operation) (any, error)

	// OnError handles failed computations and injections
	OnError(err error, op *Operation)

	// OnNotifyError handles bindings that could not be re-applied
	// Returns true if the error was handled, false to use default behavior
	OnNotifyError(err *NotifyError) bool

	// Dispose is called when the root context is disposed
	Dispose(root *Context) error
}

// BaseExtension provides default implementations for Extension methods
type BaseExtension struct {
	name string
}

// NewBaseExtension creates a new base extension with the given name
func NewBaseExtension(name string) BaseExtension {
	return BaseExtension{name: name}
}

func (e *BaseExtension) Name() string {
	return e.name
}

func (e *BaseExtension) Order() int {
	return 100
}

func (e *BaseExtension) Init(root *Context) error {
	return nil
}

func (e *BaseExtension) Wrap(ctx context.Context, next func() (any, error), op *Operation) (any, error) {
	return next()
}

func (e *BaseExtension) OnError(err error, op *Operation) {
}

func (e *BaseExtension) OnNotifyError(err *NotifyError) bool {
	return false
}

func (e *BaseExtension) Dispose(root *Context) error {
	return nil
}

// Operation describes what operation is happening
type Operation struct {
	Kind    OperationKind
	Context *Context
	// Key is empty for batch sets, injections and disposal
	Key     string
	Binding *Binding
}

// OperationKind represents the type of operation
type OperationKind string

const (
	// OpCompute indicates a computed value being invoked
	OpCompute OperationKind = "compute"
	// OpSet indicates a value being stored
	OpSet OperationKind = "set"
	// OpRemove indicates a value being removed
	OpRemove OperationKind = "remove"
	// OpInvalidate indicates cached results being dropped
	OpInvalidate OperationKind = "invalidate"
	// OpInject indicates a target, listener or tracker being bound
	OpInject OperationKind = "inject"
	// OpUninject indicates a binding being released
	OpUninject OperationKind = "uninject"
	// OpDispose indicates a context being disposed
	OpDispose OperationKind = "dispose"
)

// UseExtension registers an extension on the tree c belongs to
func (c *Context) UseExtension(ext Extension) error {
	t := c.tree
	t.extMu.Lock()
	t.extensions = append(t.extensions, ext)
	sort.SliceStable(t.extensions, func(i, j int) bool {
		return t.extensions[i].Order() < t.extensions[j].Order()
	})
	t.extMu.Unlock()

	return ext.Init(t.root)
}

func (t *tree) snapshotExtensions() []Extension {
	t.extMu.RLock()
	defer t.extMu.RUnlock()
	if len(t.extensions) == 0 {
		return nil
	}
	exts := make([]Extension, len(t.extensions))
	copy(exts, t.extensions)
	return exts
}

// wrap chains the extensions around next (middleware pattern)
func (t *tree) wrap(op *Operation, next func() (any, error)) (any, error) {
	exts := t.snapshotExtensions()
	if len(exts) == 0 {
		return next()
	}

	// Apply extensions in reverse order (last registered wraps first)
	for i := len(exts) - 1; i >= 0; i-- {
		ext := exts[i]
		currentNext := next
		next = func() (any, error) {
			return ext.Wrap(context.Background(), currentNext, op)
		}
	}

	return next()
}

func (t *tree) reportError(err error, op *Operation) {
	for _, ext := range t.snapshotExtensions() {
		ext.OnError(err, op)
	}
}

func (t *tree) reportNotifyError(nerr *NotifyError) {
	handled := false
	for _, ext := range t.snapshotExtensions() {
		if ext.OnNotifyError(nerr) {
			handled = true
			break
		}
	}
	if handled {
		return
	}

	t.logger.Warn("binding re-application failed",
		zap.Stringer("binding", nerr.Binding.ID()),
		zap.Stringer("context", nerr.Binding.Context()),
		zap.String("key", nerr.Key),
		zap.Error(nerr.Err),
	)
}

func (t *tree) disposeExtensions(root *Context) error {
	for _, ext := range t.snapshotExtensions() {
		if err := ext.Dispose(root); err != nil {
			return fmt.Errorf("disposing extension %s: %w", ext.Name(), err)
		}
	}
	return nil
}
