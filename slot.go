package pumped

// ContextFunction computes a value on demand. Results are cached per
// requesting context until the key, or a key read through rc, changes.
type ContextFunction interface {
	Compute(rc *ResolveCtx, args ...any) (any, error)
}

// Func adapts an ordinary function to a ContextFunction.
type Func func(rc *ResolveCtx, args ...any) (any, error)

func (f Func) Compute(rc *ResolveCtx, args ...any) (any, error) {
	return f(rc, args...)
}

type notSet struct{}

// NotSet may be returned by a ContextFunction to make the lookup continue
// with the parent context, as if the key were not declared locally.
var NotSet any = notSet{}

type slotKind uint8

const (
	slotLiteral slotKind = iota
	slotFunction
)

// slot is the value stored under one key in one context.
type slot struct {
	kind  slotKind
	value any
	fn    ContextFunction
}

func newSlot(value any) *slot {
	switch v := value.(type) {
	case ContextFunction:
		return &slot{kind: slotFunction, fn: v}
	case func(*ResolveCtx, ...any) (any, error):
		return &slot{kind: slotFunction, fn: Func(v)}
	default:
		return &slot{kind: slotLiteral, value: value}
	}
}

// resolution is a computed value cached at the context that requested it.
type resolution struct {
	value any
	owner *Context
	src   *slot
}
