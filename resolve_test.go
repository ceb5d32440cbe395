package pumped

import (
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dsnFunc(calls *atomic.Int32) Func {
	return func(rc *ResolveCtx, args ...any) (any, error) {
		if calls != nil {
			calls.Add(1)
		}
		host, err := rc.Get("db.host")
		if err != nil {
			return nil, err
		}
		return fmt.Sprintf("postgres://%s/app", host), nil
	}
}

func TestResolve_ComputedAtRequestingContext(t *testing.T) {
	root := New()
	require.NoError(t, root.Set("db.host", "primary"))
	require.NoError(t, root.Set("db.dsn", dsnFunc(nil)))

	child, err := root.NewChild()
	require.NoError(t, err)
	require.NoError(t, child.Set("db.host", "replica"))

	v, err := child.Get("db.dsn")
	require.NoError(t, err)
	assert.Equal(t, "postgres://replica/app", v)

	v, err = root.Get("db.dsn")
	require.NoError(t, err)
	assert.Equal(t, "postgres://primary/app", v)
}

func TestResolve_BareFuncIsComputed(t *testing.T) {
	root := New()
	require.NoError(t, root.Set("answer", func(rc *ResolveCtx, args ...any) (any, error) {
		return 42, nil
	}))

	v, err := root.Get("answer")
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestResolve_CachedUntilDependencyChanges(t *testing.T) {
	var calls atomic.Int32

	root := New()
	require.NoError(t, root.Set("db.host", "primary"))
	require.NoError(t, root.Set("db.dsn", dsnFunc(&calls)))

	child, err := root.NewChild()
	require.NoError(t, err)

	for range 3 {
		v, err := child.Get("db.dsn")
		require.NoError(t, err)
		assert.Equal(t, "postgres://primary/app", v)
	}
	assert.Equal(t, int32(1), calls.Load())

	require.NoError(t, root.Set("db.host", "failover"))

	v, err := child.Get("db.dsn")
	require.NoError(t, err)
	assert.Equal(t, "postgres://failover/app", v)
	assert.Equal(t, int32(2), calls.Load())
}

func TestResolve_ChildOverrideInvalidatesOnlyChild(t *testing.T) {
	var calls atomic.Int32

	root := New()
	require.NoError(t, root.Set("db.host", "primary"))
	require.NoError(t, root.Set("db.dsn", dsnFunc(&calls)))

	child, err := root.NewChild()
	require.NoError(t, err)

	_, err = root.Get("db.dsn")
	require.NoError(t, err)
	_, err = child.Get("db.dsn")
	require.NoError(t, err)
	require.Equal(t, int32(2), calls.Load())

	require.NoError(t, child.Set("db.host", "replica"))

	_, err = root.Get("db.dsn")
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load(), "root cache survives a change below it")

	v, err := child.Get("db.dsn")
	require.NoError(t, err)
	assert.Equal(t, "postgres://replica/app", v)
	assert.Equal(t, int32(3), calls.Load())
}

func TestResolve_RedefinedFunction(t *testing.T) {
	root := New()
	require.NoError(t, root.Set("k", Func(func(rc *ResolveCtx, args ...any) (any, error) {
		return "first", nil
	})))

	v, err := root.Get("k")
	require.NoError(t, err)
	require.Equal(t, "first", v)

	require.NoError(t, root.Set("k", Func(func(rc *ResolveCtx, args ...any) (any, error) {
		return "second", nil
	})))

	v, err = root.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "second", v)
}

func TestResolve_NotSetFallsThroughToParent(t *testing.T) {
	root := New()
	require.NoError(t, root.Set("theme", "light"))

	child, err := root.NewChild()
	require.NoError(t, err)
	require.NoError(t, child.Set("theme", Func(func(rc *ResolveCtx, args ...any) (any, error) {
		return NotSet, nil
	})))

	v, err := child.Get("theme")
	require.NoError(t, err)
	assert.Equal(t, "light", v)

	_, err = child.GetLocal("theme")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolve_Args(t *testing.T) {
	root := New()
	require.NoError(t, root.Set("sum", Func(func(rc *ResolveCtx, args ...any) (any, error) {
		assert.Equal(t, args, rc.Args())
		assert.Equal(t, "sum", rc.Key())
		total := 0
		for _, a := range args {
			total += a.(int)
		}
		return total, nil
	})))

	v, err := root.Get("sum", 1, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, 6, v)
}

func TestResolve_SelfCycle(t *testing.T) {
	root := New()
	require.NoError(t, root.Set("a", Func(func(rc *ResolveCtx, args ...any) (any, error) {
		return rc.Get("a")
	})))

	_, err := root.Get("a")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCyclicResolution)

	var rErr *ResolveError
	require.ErrorAs(t, err, &rErr)
	assert.Equal(t, "a", rErr.Key)
	assert.NotEmpty(t, rErr.StackTrace)
}

func TestResolve_IndirectCycle(t *testing.T) {
	root := New()
	require.NoError(t, root.Set("a", Func(func(rc *ResolveCtx, args ...any) (any, error) {
		return rc.Get("b")
	})))
	require.NoError(t, root.Set("b", Func(func(rc *ResolveCtx, args ...any) (any, error) {
		return rc.Get("a")
	})))

	_, err := root.Get("a")
	assert.ErrorIs(t, err, ErrCyclicResolution)

	var cErr *CyclicResolutionError
	require.ErrorAs(t, err, &cErr)
	assert.Equal(t, "a", cErr.Key)
	assert.Same(t, root, cErr.Context)
}

func TestResolve_ErrorsAreNotCached(t *testing.T) {
	boom := errors.New("boom")
	var calls atomic.Int32

	root := New()
	require.NoError(t, root.Set("flaky", Func(func(rc *ResolveCtx, args ...any) (any, error) {
		if calls.Add(1) == 1 {
			return nil, boom
		}
		return "ok", nil
	})))

	_, err := root.Get("flaky")
	assert.ErrorIs(t, err, boom)

	v, err := root.Get("flaky")
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, int32(2), calls.Load())
}

func TestResolve_PanicIsRecovered(t *testing.T) {
	root := New()
	require.NoError(t, root.Set("bad", Func(func(rc *ResolveCtx, args ...any) (any, error) {
		panic("kaboom")
	})))

	_, err := root.Get("bad")
	require.Error(t, err)

	var rErr *ResolveError
	require.ErrorAs(t, err, &rErr)
	assert.Contains(t, rErr.Error(), "kaboom")
}

func TestResolve_ComputationMayMutate(t *testing.T) {
	root := New()
	require.NoError(t, root.Set("lazy", Func(func(rc *ResolveCtx, args ...any) (any, error) {
		if err := rc.Set("touched", true); err != nil {
			return nil, err
		}
		return "done", nil
	})))

	v, err := root.Get("lazy")
	require.NoError(t, err)
	assert.Equal(t, "done", v)

	touched, err := root.Get("touched")
	require.NoError(t, err)
	assert.Equal(t, true, touched)
}

func TestResolve_Peek(t *testing.T) {
	root := New()
	require.NoError(t, root.Set("lit", "value"))
	require.NoError(t, root.Set("fn", Func(func(rc *ResolveCtx, args ...any) (any, error) {
		return "computed", nil
	})))

	v, ok := root.Peek("lit")
	assert.True(t, ok)
	assert.Equal(t, "value", v)

	_, ok = root.Peek("fn")
	assert.False(t, ok, "peek never computes")
	assert.False(t, root.cached("fn"))

	_, err := root.Get("fn")
	require.NoError(t, err)

	v, ok = root.Peek("fn")
	assert.True(t, ok)
	assert.Equal(t, "computed", v)

	_, ok = root.Peek("missing")
	assert.False(t, ok)
}

func TestResolve_HasNeverComputes(t *testing.T) {
	var calls atomic.Int32

	root := New()
	require.NoError(t, root.Set("fn", Func(func(rc *ResolveCtx, args ...any) (any, error) {
		calls.Add(1)
		return nil, nil
	})))

	child, err := root.NewChild()
	require.NoError(t, err)

	assert.True(t, child.Has("fn"))
	assert.False(t, child.HasLocal("fn"))
	assert.True(t, root.HasLocal("fn"))
	assert.Equal(t, int32(0), calls.Load())
}

func TestResolve_CycleThroughContextHandle(t *testing.T) {
	root := New()
	require.NoError(t, root.Set("self", Func(func(rc *ResolveCtx, args ...any) (any, error) {
		return rc.Context().Get("self")
	})))
	require.NoError(t, root.Set("via-key", Func(func(rc *ResolveCtx, args ...any) (any, error) {
		c, err := rc.Get(ContextKey)
		if err != nil {
			return nil, err
		}
		return c.(*Context).GetLocal("via-key")
	})))

	_, err := root.Get("self")
	assert.ErrorIs(t, err, ErrCyclicResolution)

	_, err = root.Get("via-key")
	assert.ErrorIs(t, err, ErrCyclicResolution)
}

func TestResolve_ReadsThroughContextHandleAreTracked(t *testing.T) {
	var calls atomic.Int32

	root := New()
	require.NoError(t, root.Set("n", 1))
	require.NoError(t, root.Set("double", Func(func(rc *ResolveCtx, args ...any) (any, error) {
		calls.Add(1)
		v, err := rc.Context().Get("n")
		if err != nil {
			return nil, err
		}
		return v.(int) * 2, nil
	})))

	v, err := root.Get("double")
	require.NoError(t, err)
	require.Equal(t, 2, v)

	require.NoError(t, root.Set("n", 5))

	v, err = root.Get("double")
	require.NoError(t, err)
	assert.Equal(t, 10, v)
	assert.Equal(t, int32(2), calls.Load())
}

func TestResolve_ContextHandleOutlivesComputation(t *testing.T) {
	root := New(WithName("root"))
	require.NoError(t, root.Set("n", 1))
	require.NoError(t, root.Set("handle", Func(func(rc *ResolveCtx, args ...any) (any, error) {
		return rc.Context(), nil
	})))

	v, err := root.Get("handle")
	require.NoError(t, err)
	handle := v.(*Context)

	assert.Equal(t, root.ID(), handle.ID())
	assert.Equal(t, "root", handle.String())

	n, err := handle.Get("n")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, handle.Set("m", 2))
	assert.True(t, root.HasLocal("m"))
	assert.Equal(t, []string{"handle", "m", "n"}, handle.LocalKeys())
}
