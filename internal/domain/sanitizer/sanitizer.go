// Package sanitizer validates and coerces a raw JSON value against a leaf's
// declared datatype and bounds: reject values that don't fit the declared
// type, reject NaN and +/-Infinity, enforce VSS-declared min/max, and check
// enum membership for string leaves.
package sanitizer

import (
	"fmt"
	"math"
	"strconv"
)

// Kind classifies the failure so callers can map it onto the right response
// error number without string-matching messages.
type Kind int

const (
	// KindOutOfBounds covers every type, range and enum-membership failure
	// of a value against a known datatype.
	KindOutOfBounds Kind = iota
	// KindGeneric covers a datatype string the sanitizer doesn't know at
	// all, a tree-definition problem rather than a bad client value.
	KindGeneric
)

// Error reports why a value failed sanitization.
type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

func outOfBounds(format string, args ...any) *Error {
	return &Error{Kind: KindOutOfBounds, Msg: fmt.Sprintf(format, args...)}
}

func generic(format string, args ...any) *Error {
	return &Error{Kind: KindGeneric, Msg: fmt.Sprintf(format, args...)}
}

// Descriptor is the subset of a leaf's metadata the sanitizer needs. Built
// fresh by the tree package from its own Leaf type so this package stays
// free of any dependency on the tree's node representation.
type Descriptor struct {
	Datatype string
	Min, Max *float64
	Enum     []string
}

var intRanges = map[string][2]float64{
	"uint8":  {0, math.MaxUint8},
	"int8":   {math.MinInt8, math.MaxInt8},
	"uint16": {0, math.MaxUint16},
	"int16":  {math.MinInt16, math.MaxInt16},
	"uint32": {0, math.MaxUint32},
	"int32":  {math.MinInt32, math.MaxInt32},
	"uint64": {0, math.MaxUint64},
	"int64":  {math.MinInt64, math.MaxInt64},
}

// Coerce validates value against desc and returns the canonical Go
// representation to store: float64 for every numeric datatype, bool for
// boolean, string for string/enum, []any with each element itself coerced
// for array datatypes ("<base>[]").
func Coerce(desc Descriptor, value any) (any, *Error) {
	if n := len(desc.Datatype); n > 2 && desc.Datatype[n-2:] == "[]" {
		return coerceArray(desc, value)
	}

	switch desc.Datatype {
	case "uint8", "int8", "uint16", "int16", "uint32", "int32", "uint64", "int64":
		return coerceInt(desc, value)
	case "float", "double":
		return coerceFloat(desc, value)
	case "boolean":
		return coerceBool(value)
	case "string":
		return coerceString(desc, value)
	default:
		return nil, generic("the datatype %q is not supported", desc.Datatype)
	}
}

// asNumber accepts a JSON number directly, or a string holding one, so
// "42" and 42 are interchangeable on the wire.
func asNumber(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

func coerceInt(desc Descriptor, value any) (any, *Error) {
	f, ok := asNumber(value)
	if !ok {
		return nil, outOfBounds("value %v can not be converted to defined type %s", value, desc.Datatype)
	}
	if f != math.Trunc(f) {
		return nil, outOfBounds("value %v can not be converted to defined type %s", value, desc.Datatype)
	}
	if math.IsInf(f, 0) {
		return nil, outOfBounds("value out of bounds. Reason: Infinity")
	}
	native := intRanges[desc.Datatype]
	if f < native[0] || f > native[1] {
		return nil, outOfBounds("value %v is out of bounds for %s", value, desc.Datatype)
	}
	return boundsCheck(desc, f)
}

func coerceFloat(desc Descriptor, value any) (any, *Error) {
	f, ok := asNumber(value)
	if !ok {
		return nil, outOfBounds("value %v can not be converted to defined type %s", value, desc.Datatype)
	}
	if math.IsInf(f, 0) {
		return nil, outOfBounds("value out of bounds. Reason: Infinity")
	}
	if math.IsNaN(f) {
		return nil, outOfBounds("value out of bounds. Reason: NaN")
	}
	return boundsCheck(desc, f)
}

func boundsCheck(desc Descriptor, f float64) (any, *Error) {
	if desc.Min != nil && f < *desc.Min {
		return nil, outOfBounds("value %v is out of bounds. Allowed minimum is %v", f, *desc.Min)
	}
	if desc.Max != nil && f > *desc.Max {
		return nil, outOfBounds("value %v is out of bounds. Allowed maximum is %v", f, *desc.Max)
	}
	return f, nil
}

func coerceBool(value any) (any, *Error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case string:
		switch v {
		case "true":
			return true, nil
		case "false":
			return false, nil
		}
	}
	return nil, outOfBounds("%v is not a bool. Valid values are true and false", value)
}

func coerceString(desc Descriptor, value any) (any, *Error) {
	s, ok := value.(string)
	if !ok {
		return nil, outOfBounds("value %v can not be converted to defined type string", value)
	}
	if len(desc.Enum) == 0 {
		return s, nil
	}
	for _, e := range desc.Enum {
		if e == s {
			return s, nil
		}
	}
	return nil, outOfBounds("%s is not a defined enum value. Valid values are %v", s, desc.Enum)
}

// IsNumeric reports whether datatype (scalar or array) is one of the
// numeric datatypes FormatAsString converts.
func IsNumeric(datatype string) bool {
	base := datatype
	if n := len(datatype); n > 2 && datatype[n-2:] == "[]" {
		base = datatype[:n-2]
	}
	switch base {
	case "uint8", "int8", "uint16", "int16", "uint32", "int32", "uint64", "int64", "float", "double":
		return true
	default:
		return false
	}
}

// FormatAsString renders an already-coerced value in its decimal string
// form, for transports that need bit-exact JSON rather than native numeric
// types. Non-numeric datatypes (boolean, string) and their arrays pass
// through unchanged; array datatypes format each element individually.
func FormatAsString(datatype string, value any) any {
	if n := len(datatype); n > 2 && datatype[n-2:] == "[]" {
		elems, ok := value.([]any)
		if !ok {
			return value
		}
		base := datatype[:n-2]
		out := make([]any, len(elems))
		for i, e := range elems {
			out[i] = FormatAsString(base, e)
		}
		return out
	}
	if !IsNumeric(datatype) {
		return value
	}
	f, ok := value.(float64)
	if !ok {
		return value
	}
	switch datatype {
	case "uint8", "int8", "uint16", "int16", "uint32", "int32", "uint64", "int64":
		return strconv.FormatInt(int64(f), 10)
	default:
		return strconv.FormatFloat(f, 'g', -1, 64)
	}
}

func coerceArray(desc Descriptor, value any) (any, *Error) {
	elems, ok := value.([]any)
	if !ok {
		return nil, outOfBounds("value %v can not be converted to defined type %s", value, desc.Datatype)
	}
	base := Descriptor{Datatype: desc.Datatype[:len(desc.Datatype)-2], Min: desc.Min, Max: desc.Max, Enum: desc.Enum}
	out := make([]any, len(elems))
	for i, e := range elems {
		coerced, err := Coerce(base, e)
		if err != nil {
			return nil, &Error{Kind: err.Kind, Msg: fmt.Sprintf("value %v can not be converted to defined type %s. Reason: %s", value, desc.Datatype, err.Msg)}
		}
		out[i] = coerced
	}
	return out, nil
}
