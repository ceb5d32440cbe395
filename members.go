package pumped

import (
	"fmt"
	"math"
	"reflect"
	"strings"
)

// TagName is the struct tag read by StructMembers.
//
//	type Service struct {
//	    Ctx     *pumped.Context `ctx:""`
//	    Addr    string          `ctx:"http.addr"`
//	    Verbose bool            `ctx:"log.verbose,optional"`
//	}
//
// An empty key defaults to the field's type, see TypeKey.
const TagName = "ctx"

type fieldPlan struct {
	index    []int
	name     string
	key      string
	optional bool
	typ      reflect.Type
}

var plans typeCache[[]fieldPlan]

// StructMembers discovers the members of a pointer to a struct from its
// `ctx` tags. Field plans are computed once per type.
func StructMembers(target any) ([]Member, error) {
	v := reflect.ValueOf(target)
	if v.Kind() != reflect.Pointer || v.IsNil() || v.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("%w: %T is not a pointer to a struct", ErrInvalidTarget, target)
	}

	elem := v.Elem()
	fields, err := plans.LoadOrCompute(elem.Type(), planFields)
	if err != nil {
		return nil, err
	}

	members := make([]Member, 0, len(fields))
	for _, p := range fields {
		field := elem.FieldByIndex(p.index)
		plan := p
		members = append(members, Member{
			Key:      p.key,
			Optional: p.optional,
			Apply: func(value any, ok bool) error {
				return assign(field, plan, value, ok)
			},
		})
	}
	return members, nil
}

func planFields(t reflect.Type) ([]fieldPlan, error) {
	var fields []fieldPlan
	for _, f := range reflect.VisibleFields(t) {
		tag, ok := f.Tag.Lookup(TagName)
		if !ok || tag == "-" || throughPointer(t, f.Index) {
			continue
		}
		if !f.IsExported() {
			return nil, fmt.Errorf("%w: field %s.%s is tagged but not exported", ErrInvalidTarget, t, f.Name)
		}

		key, opts, _ := strings.Cut(tag, ",")
		if key == "" {
			key = f.Type.String()
		}

		fields = append(fields, fieldPlan{
			index:    f.Index,
			name:     f.Name,
			key:      key,
			optional: opts == "optional",
			typ:      f.Type,
		})
	}
	return fields, nil
}

// throughPointer reports whether a promoted field is reached through an
// embedded pointer, which may be nil.
func throughPointer(t reflect.Type, index []int) bool {
	for _, i := range index[:len(index)-1] {
		f := t.Field(i)
		if f.Type.Kind() == reflect.Pointer {
			return true
		}
		t = f.Type
	}
	return false
}

func assign(field reflect.Value, p fieldPlan, value any, ok bool) error {
	if !ok || value == nil {
		field.Set(reflect.Zero(p.typ))
		return nil
	}

	rv := reflect.ValueOf(value)
	switch {
	case rv.Type().AssignableTo(p.typ):
		field.Set(rv)
	case isNumeric(rv.Kind()) && isNumeric(p.typ.Kind()):
		if !fits(rv, p.typ) {
			return fmt.Errorf("%w: field %s (%s) cannot hold %v from key %q", ErrTypeMismatch, p.name, p.typ, value, p.key)
		}
		field.Set(rv.Convert(p.typ))
	default:
		return fmt.Errorf("%w: field %s wants %s, key %q holds %T", ErrTypeMismatch, p.name, p.typ, p.key, value)
	}
	return nil
}

// fits reports whether v converts to t and keeps its exact value.
func fits(v reflect.Value, t reflect.Type) bool {
	target := reflect.Zero(t)

	switch {
	case isInt(v.Kind()):
		n := v.Int()
		switch {
		case isInt(t.Kind()):
			return !target.OverflowInt(n)
		case isUint(t.Kind()):
			return n >= 0 && !target.OverflowUint(uint64(n))
		}
		return true

	case isUint(v.Kind()):
		n := v.Uint()
		switch {
		case isInt(t.Kind()):
			return n <= math.MaxInt64 && !target.OverflowInt(int64(n))
		case isUint(t.Kind()):
			return !target.OverflowUint(n)
		}
		return true

	default:
		f := v.Float()
		switch {
		case isInt(t.Kind()):
			return f == math.Trunc(f) && f >= math.MinInt64 && f < math.MaxInt64 && !target.OverflowInt(int64(f))
		case isUint(t.Kind()):
			return f == math.Trunc(f) && f >= 0 && f < math.MaxUint64 && !target.OverflowUint(uint64(f))
		}
		return !target.OverflowFloat(f)
	}
}

func isInt(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return true
	}
	return false
}

func isUint(k reflect.Kind) bool {
	switch k {
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return true
	}
	return false
}

func isNumeric(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}
