package pumped

import (
	"reflect"
	"sync"
)

// typeCache memoizes a per-type computation. Entries are never evicted:
// the set of injected types in a program is small and fixed.
type typeCache[T any] struct {
	data sync.Map
}

func (c *typeCache[T]) Load(key reflect.Type) (T, bool) {
	value, ok := c.data.Load(key)
	if !ok {
		var zero T
		return zero, false
	}
	return value.(T), true
}

// LoadOrCompute returns the cached value for key, computing and storing
// it on a miss. Concurrent misses may compute more than once; the first
// stored value wins.
func (c *typeCache[T]) LoadOrCompute(key reflect.Type, compute func(reflect.Type) (T, error)) (T, error) {
	if v, ok := c.Load(key); ok {
		return v, nil
	}
	v, err := compute(key)
	if err != nil {
		var zero T
		return zero, err
	}
	actual, _ := c.data.LoadOrStore(key, v)
	return actual.(T), nil
}

func (c *typeCache[T]) Size() int {
	count := 0
	c.data.Range(func(key, value any) bool {
		count++
		return true
	})
	return count
}
