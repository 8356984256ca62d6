package transform

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kind is the target semantic type of a canonical field.
type Kind int

const (
	KindString Kind = iota
	KindInt
	KindFloat
	KindBool
	KindMillis // epoch milliseconds -> time.Time (UTC)
)

// Field maps one canonical field to its source location.
//
// Source is a dotted path into the raw JSON record ("task.status.status").
// When the source value is missing or cannot be coerced to Kind, Fallback
// is used instead; coercion never raises for a single bad value.
type Field struct {
	Target   string
	Source   string
	Kind     Kind
	Fallback any
}

// Table is the declarative field table one entity type is transformed
// through. Mandatory lists target fields that must coerce to a non-zero
// value; a record missing one is dropped by the transformer.
type Table struct {
	Fields    []Field
	Mandatory []string
}

// MissingFieldError reports a record that failed a mandatory-field check.
type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("mandatory field %q is missing or empty", e.Field)
}

// Apply coerces one raw record through the table into a flat map keyed by
// target field name. Values are string, int64, float64, bool or time.Time
// according to each field's Kind. The only error returned is a
// *MissingFieldError for a mandatory field; everything else degrades to
// the field's fallback.
func (t Table) Apply(raw map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(t.Fields))
	for _, f := range t.Fields {
		out[f.Target] = coerce(lookup(raw, f.Source), f.Kind, f.Fallback)
	}
	for _, target := range t.Mandatory {
		if isZeroValue(out[target]) {
			return nil, &MissingFieldError{Field: target}
		}
	}
	return out, nil
}

// lookup walks a dotted path through nested JSON objects. A missing or
// non-object intermediate yields nil.
func lookup(raw map[string]any, path string) any {
	parts := strings.Split(path, ".")
	var cur any = raw
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[p]
	}
	return cur
}

// coerce converts a loosely-typed source value to the target kind. The
// source API returns numbers inconsistently as strings or floats, booleans
// as strings, and absent values as null or the literal text "null"; all of
// those degrade to the fallback rather than failing the record.
func coerce(v any, k Kind, fallback any) any {
	if v == nil {
		return fallback
	}
	switch k {
	case KindString:
		switch s := v.(type) {
		case string:
			return s
		case float64:
			return strconv.FormatFloat(s, 'f', -1, 64)
		case bool:
			return strconv.FormatBool(s)
		}
	case KindInt:
		switch n := v.(type) {
		case float64:
			return int64(n)
		case string:
			if i, err := strconv.ParseInt(cleanNumeric(n), 10, 64); err == nil {
				return i
			}
		case bool:
			if n {
				return int64(1)
			}
			return int64(0)
		}
	case KindFloat:
		switch n := v.(type) {
		case float64:
			return n
		case string:
			if f, err := strconv.ParseFloat(cleanNumeric(n), 64); err == nil {
				return f
			}
		}
	case KindBool:
		switch b := v.(type) {
		case bool:
			return b
		case string:
			if p, err := strconv.ParseBool(strings.ToLower(strings.TrimSpace(b))); err == nil {
				return p
			}
		case float64:
			return b != 0
		}
	case KindMillis:
		var ms int64
		switch n := v.(type) {
		case float64:
			ms = int64(n)
		case string:
			i, err := strconv.ParseInt(cleanNumeric(n), 10, 64)
			if err != nil {
				return fallback
			}
			ms = i
		default:
			return fallback
		}
		if ms <= 0 {
			return fallback
		}
		return time.UnixMilli(ms).UTC()
	}
	return fallback
}

// cleanNumeric strips the junk spellings the API uses for absent numbers.
func cleanNumeric(s string) string {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "null") || strings.EqualFold(s, "none") {
		return "x" // guaranteed parse failure -> fallback
	}
	return s
}

func isZeroValue(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case int64:
		return false // zero is a legitimate integer value
	case float64:
		return false
	case bool:
		return false
	case time.Time:
		return t.IsZero()
	}
	return false
}
