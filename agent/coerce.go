package agent

import (
	"encoding"
	"fmt"
	"reflect"
	"strconv"
	"time"

	"github.com/tnt2402/jvm-explorer/api"
)

var (
	durationType        = reflect.TypeOf(time.Duration(0))
	textMarshalerType   = reflect.TypeOf((*encoding.TextMarshaler)(nil)).Elem()
	textUnmarshalerType = reflect.TypeOf((*encoding.TextUnmarshaler)(nil)).Elem()
)

// parseValue converts text into a value of type t using the type's canonical
// text form.
func parseValue(t reflect.Type, text string) (reflect.Value, error) {
	if t == durationType {
		d, err := time.ParseDuration(text)
		if err != nil {
			return reflect.Value{}, coercionError(t, text, err)
		}
		return reflect.ValueOf(d), nil
	}

	if reflect.PointerTo(t).Implements(textUnmarshalerType) {
		p := reflect.New(t)
		if err := p.Interface().(encoding.TextUnmarshaler).UnmarshalText([]byte(text)); err != nil {
			return reflect.Value{}, coercionError(t, text, err)
		}
		return p.Elem(), nil
	}

	v := reflect.New(t).Elem()
	switch t.Kind() {
	case reflect.String:
		v.SetString(text)
	case reflect.Bool:
		b, err := strconv.ParseBool(text)
		if err != nil {
			return reflect.Value{}, coercionError(t, text, err)
		}
		v.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(text, 10, t.Bits())
		if err != nil {
			return reflect.Value{}, coercionError(t, text, err)
		}
		v.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		n, err := strconv.ParseUint(text, 10, t.Bits())
		if err != nil {
			return reflect.Value{}, coercionError(t, text, err)
		}
		v.SetUint(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(text, t.Bits())
		if err != nil {
			return reflect.Value{}, coercionError(t, text, err)
		}
		v.SetFloat(f)
	default:
		return reflect.Value{}, fmt.Errorf("%w: type %s has no text form", ErrNotWritable, t)
	}
	return v, nil
}

func coercionError(t reflect.Type, text string, err error) error {
	return fmt.Errorf("%w: %q is not a valid %s: %v", api.ErrTypeCoercion, text, t, err)
}

// formatValue renders v in the form parseValue accepts back.
func formatValue(v reflect.Value) string {
	t := v.Type()
	if t == durationType {
		return time.Duration(v.Int()).String()
	}
	var m encoding.TextMarshaler
	switch {
	case t.Implements(textMarshalerType) && !isNilRef(v):
		m = v.Interface().(encoding.TextMarshaler)
	case v.CanAddr() && reflect.PointerTo(t).Implements(textMarshalerType):
		m = v.Addr().Interface().(encoding.TextMarshaler)
	}
	if m != nil {
		if b, err := m.MarshalText(); err == nil {
			return string(b)
		}
	}

	switch t.Kind() {
	case reflect.String:
		return v.String()
	case reflect.Bool:
		return strconv.FormatBool(v.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(v.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(v.Uint(), 10)
	case reflect.Float32, reflect.Float64:
		return strconv.FormatFloat(v.Float(), 'g', -1, t.Bits())
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface, reflect.Func, reflect.Chan:
		if v.IsNil() {
			return "nil"
		}
	}
	return fmt.Sprintf("%v", v.Interface())
}

func isNilRef(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Pointer, reflect.Interface:
		return v.IsNil()
	}
	return false
}
