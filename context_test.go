package pumped

import (
	"context"
	"errors"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestContext_InheritAndOverride(t *testing.T) {
	root := New(WithName("root"))
	require.NoError(t, root.Set("db.host", "localhost"))

	child, err := root.NewChild(WithName("child"))
	require.NoError(t, err)

	v, err := child.Get("db.host")
	require.NoError(t, err)
	assert.Equal(t, "localhost", v)

	require.NoError(t, child.Set("db.host", "replica"))

	v, err = child.Get("db.host")
	require.NoError(t, err)
	assert.Equal(t, "replica", v)

	v, err = root.Get("db.host")
	require.NoError(t, err)
	assert.Equal(t, "localhost", v, "override must not leak upwards")

	require.NoError(t, child.Remove("db.host"))

	v, err = child.Get("db.host")
	require.NoError(t, err)
	assert.Equal(t, "localhost", v, "removing the override reveals the inherited value")
}

func TestContext_GetLocal(t *testing.T) {
	root := New()
	require.NoError(t, root.Set("a", 1))

	child, err := root.NewChild()
	require.NoError(t, err)

	_, err = child.GetLocal("a")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, child.Set("a", 2))
	v, err := child.GetLocal("a")
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}

func TestContext_MissingKey(t *testing.T) {
	root := New()
	child, err := root.NewChild()
	require.NoError(t, err)

	_, err = child.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, child.Has("missing"))
}

func TestContext_NilValueIsAValue(t *testing.T) {
	root := New()
	require.NoError(t, root.Set("a", "x"))

	child, err := root.NewChild()
	require.NoError(t, err)
	require.NoError(t, child.Set("a", nil))

	v, err := child.Get("a")
	require.NoError(t, err)
	assert.Nil(t, v)
	assert.True(t, child.HasLocal("a"))
}

func TestContext_ContextKeyResolvesToRequester(t *testing.T) {
	root := New()
	child, err := root.NewChild()
	require.NoError(t, err)

	v, err := child.Get(ContextKey)
	require.NoError(t, err)
	assert.Same(t, child, v)

	v, err = root.Get(ContextKey)
	require.NoError(t, err)
	assert.Same(t, root, v)

	assert.True(t, child.Has(ContextKey))
}

func TestContext_Topology(t *testing.T) {
	root := New(WithName("root"))
	first, err := root.NewChild(WithName("first"))
	require.NoError(t, err)
	second, err := root.NewChild(WithName("second"))
	require.NoError(t, err)

	assert.Nil(t, root.Parent())
	assert.Same(t, root, first.Parent())
	assert.Equal(t, []*Context{first, second}, root.Children())
	assert.NotEqual(t, first.ID(), second.ID())
	assert.Equal(t, "first", first.String())
}

func TestContext_UnnamedString(t *testing.T) {
	c := New()
	assert.Equal(t, "context-"+c.ID().String()[:8], c.String())
	assert.Empty(t, c.Name())
}

func TestContext_ChildrenAreWeak(t *testing.T) {
	root := New()

	func() {
		_, err := root.NewChild(WithName("ephemeral"))
		require.NoError(t, err)
	}()

	require.Eventually(t, func() bool {
		runtime.GC()
		return len(root.Children()) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestContext_Options(t *testing.T) {
	type strategy struct{ name string }
	s := &strategy{name: "per-window"}

	root := New(
		WithStrategy(s),
		WithValues(map[string]any{"a": 1, "b": 2}),
	)
	assert.Same(t, s, root.Strategy())
	assert.Equal(t, []string{"a", "b"}, root.LocalKeys())

	child, err := root.NewChild(WithValues(map[string]any{"b": 3}))
	require.NoError(t, err)
	assert.Nil(t, child.Strategy())

	v, err := child.Get("b")
	require.NoError(t, err)
	assert.Equal(t, 3, v)
}

func TestContext_Dispose(t *testing.T) {
	root := New()
	require.NoError(t, root.Set("a", 1))

	child, err := root.NewChild()
	require.NoError(t, err)
	require.NoError(t, child.Set("b", 2))

	grand, err := child.NewChild()
	require.NoError(t, err)

	require.NoError(t, child.Dispose())

	assert.True(t, child.Disposed())
	assert.Empty(t, root.Children())
	assert.Nil(t, grand.Parent(), "children of a disposed context become rootless")

	_, err = grand.Get("a")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = grand.Get("b")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = child.Get("a")
	assert.ErrorIs(t, err, ErrDisposed)
	assert.ErrorIs(t, child.Set("a", 3), ErrDisposed)
	assert.ErrorIs(t, child.Remove("a"), ErrDisposed)
	_, err = child.NewChild()
	assert.ErrorIs(t, err, ErrDisposed)

	assert.NoError(t, child.Dispose(), "disposing twice is a no-op")

	v, err := root.Get("a")
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestContext_DisposeReleasesBindings(t *testing.T) {
	root := New()
	require.NoError(t, root.Set("db.host", "primary"))

	child, err := root.NewChild()
	require.NoError(t, err)

	svc := &service{}
	b, err := child.Inject(svc)
	require.NoError(t, err)
	require.Equal(t, "primary", svc.Host)

	require.NoError(t, child.Dispose())

	assert.True(t, b.Released())
	assert.Equal(t, "primary", svc.Host, "released targets keep their values")
	assert.Same(t, child, svc.Ctx)

	require.NoError(t, root.Set("db.host", "secondary"))
	assert.Equal(t, "primary", svc.Host)
}

func TestContext_DisposeNotifiesDescendants(t *testing.T) {
	root := New()
	require.NoError(t, root.Set("a", 1))

	child, err := root.NewChild()
	require.NoError(t, err)
	grand, err := child.NewChild()
	require.NoError(t, err)
	require.NoError(t, grand.Set("own", true))

	var seen []any
	_, err = grand.Subscribe("a", func(value any, ok bool) {
		if !ok {
			seen = append(seen, "<absent>")
			return
		}
		seen = append(seen, value)
	})
	require.NoError(t, err)

	require.NoError(t, child.Dispose())

	assert.Equal(t, []any{1, "<absent>"}, seen)

	v, err := grand.Get("own")
	require.NoError(t, err)
	assert.Equal(t, true, v)
}

var errBatchRejected = errors.New("batch writes rejected")

type rejectBatchExtension struct {
	BaseExtension
}

func (r *rejectBatchExtension) Wrap(ctx context.Context, next func() (any, error), op *Operation) (any, error) {
	if op.Kind == OpSet && op.Key == "" {
		return nil, errBatchRejected
	}
	return next()
}

func TestContext_SeedingFailureDropsChild(t *testing.T) {
	root := New(WithExtension(&rejectBatchExtension{BaseExtension: NewBaseExtension("reject")}))
	require.NoError(t, root.Set("db.host", "primary"))

	child, err := root.NewChild(WithValues(map[string]any{"db.host": "replica"}))
	require.ErrorIs(t, err, errBatchRejected)
	assert.Nil(t, child)
	assert.Empty(t, root.Children())

	child, err = root.NewChild()
	require.NoError(t, err)
	assert.Len(t, root.Children(), 1)
	assert.False(t, child.Disposed())
}

func TestContext_SeedingFailureIsLogged(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	root := New(
		WithLogger(zap.New(core)),
		WithExtension(&rejectBatchExtension{BaseExtension: NewBaseExtension("reject")}),
		WithValues(map[string]any{"a": 1, "b": 2}),
	)

	assert.Empty(t, root.LocalKeys())

	entries := logs.FilterMessage("seeding context values failed").All()
	require.Len(t, entries, 1)

	fields := entries[0].ContextMap()
	assert.Equal(t, int64(2), fields["values"])
	assert.Contains(t, fields["error"], errBatchRejected.Error())
}
