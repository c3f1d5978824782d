package warehouse

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// Row is a named record moving through a load program. Values are plain Go
// values; nil stands for SQL NULL.
type Row map[string]any

// NameMapping maps a table attribute name to the row key carrying its
// value. A nil or empty mapping means attribute names and row keys match.
type NameMapping map[string]string

// col returns the row key holding att's value.
func (nm NameMapping) col(att string) string {
	if nm == nil {
		return att
	}
	if c, ok := nm[att]; ok {
		return c
	}
	return att
}

// GetValue resolves att through nm and returns its value from row. The
// second return is false when the (mapped) key is not present at all; a
// present nil value returns (nil, true).
func GetValue(row Row, nm NameMapping, att string) (any, bool) {
	v, ok := row[nm.col(att)]
	return v, ok
}

// Project returns a new Row holding only atts, resolved through nm. Missing
// attributes are left out.
func Project(atts []string, row Row, nm NameMapping) Row {
	out := make(Row, len(atts))
	for _, att := range atts {
		if v, ok := GetValue(row, nm, att); ok {
			out[att] = v
		}
	}
	return out
}

// CanonicalCopy returns a copy of row with the name mapping applied, so
// every mapped attribute appears under its canonical name. Keys outside
// the mapping are kept as they are.
func CanonicalCopy(row Row, nm NameMapping) Row {
	out := CopyRow(row)
	for att, mapped := range nm {
		if mapped == att {
			continue
		}
		if v, ok := row[mapped]; ok {
			out[att] = v
			delete(out, mapped)
		}
	}
	return out
}

// CopyRow returns a shallow copy of row.
func CopyRow(row Row) Row {
	out := make(Row, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}

// RenameFromTo renames keys of row in place; mapping maps current names to
// new names.
func RenameFromTo(row Row, mapping map[string]string) {
	for from, to := range mapping {
		if from == to {
			continue
		}
		if v, ok := row[from]; ok {
			row[to] = v
			delete(row, from)
		}
	}
}

// RenameToFrom renames keys of row in place; mapping maps new names to
// current names.
func RenameToFrom(row Row, mapping map[string]string) {
	inverse := make(map[string]string, len(mapping))
	for to, from := range mapping {
		inverse[from] = to
	}
	RenameFromTo(row, inverse)
}

// SetDefaults sets row[att] = default for every att that is not already
// present. The two slices must have the same length.
func SetDefaults(row Row, atts []string, defaults []any) error {
	if len(atts) != len(defaults) {
		return fmt.Errorf("%w: attribute and default lists differ in length: %d vs %d",
			ErrConfig, len(atts), len(defaults))
	}
	for i, att := range atts {
		if _, ok := row[att]; !ok {
			row[att] = defaults[i]
		}
	}
	return nil
}

// RowFactory turns positional tuples into Rows using names for the keys.
func RowFactory(names []string, tuples [][]any) ([]Row, error) {
	out := make([]Row, 0, len(tuples))
	for _, tuple := range tuples {
		if len(tuple) != len(names) {
			return nil, fmt.Errorf("%w: tuple has %d values for %d names",
				ErrData, len(tuple), len(names))
		}
		row := make(Row, len(names))
		for i, name := range names {
			row[name] = tuple[i]
		}
		out = append(out, row)
	}
	return out, nil
}

// Int coerces v to an int64. Strings are parsed; floats must be integral.
func Int(v any) (int64, bool) {
	switch x := v.(type) {
	case int:
		return int64(x), true
	case int8:
		return int64(x), true
	case int16:
		return int64(x), true
	case int32:
		return int64(x), true
	case int64:
		return x, true
	case uint:
		return int64(x), true
	case uint8:
		return int64(x), true
	case uint16:
		return int64(x), true
	case uint32:
		return int64(x), true
	case uint64:
		if x > math.MaxInt64 {
			return 0, false
		}
		return int64(x), true
	case float32:
		if float32(int64(x)) == x {
			return int64(x), true
		}
		return 0, false
	case float64:
		if float64(int64(x)) == x {
			return int64(x), true
		}
		return 0, false
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

// Float coerces v to a float64.
func Float(v any) (float64, bool) {
	switch x := v.(type) {
	case float32:
		return float64(x), true
	case float64:
		return x, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	default:
		if n, ok := Int(v); ok {
			return float64(n), true
		}
		return 0, false
	}
}

// Str coerces v to a string. Only string-kinded values qualify.
func Str(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return x, true
	case []byte:
		return string(x), true
	default:
		return "", false
	}
}

// Bool coerces v to a bool. Accepts bools, 0/1 numbers, and the usual
// string spellings.
func Bool(v any) (bool, bool) {
	switch x := v.(type) {
	case bool:
		return x, true
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(x))
		return b, err == nil
	default:
		if n, ok := Int(v); ok {
			switch n {
			case 0:
				return false, true
			case 1:
				return true, true
			}
		}
		return false, false
	}
}

// ValuesEqual compares two values the way the load path needs: numeric
// values compare across widths, times compare with Equal, and nil only
// equals nil. Database drivers widen types on the way back, so a strict ==
// would report spurious changes.
func ValuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if at, aok := a.(time.Time); aok {
		bt, bok := b.(time.Time)
		return bok && at.Equal(bt)
	}
	if isNumeric(a) && isNumeric(b) {
		if ai, aok := Int(a); aok {
			if bi, bok := Int(b); bok {
				return ai == bi
			}
		}
		af, _ := Float(a)
		bf, _ := Float(b)
		return af == bf
	}
	return reflect.DeepEqual(a, b)
}

// CompareValues orders two non-nil values of compatible kinds. Times,
// numbers, and strings are supported; anything else is an error.
func CompareValues(a, b any) (int, error) {
	at, aIsTime := asTime(a)
	bt, bIsTime := asTime(b)
	if aIsTime && bIsTime {
		return at.Compare(bt), nil
	}
	if af, aok := Float(a); aok {
		if bf, bok := Float(b); bok {
			switch {
			case af < bf:
				return -1, nil
			case af > bf:
				return 1, nil
			default:
				return 0, nil
			}
		}
	}
	if as, aok := Str(a); aok {
		if bs, bok := Str(b); bok {
			return strings.Compare(as, bs), nil
		}
	}
	return 0, fmt.Errorf("cannot compare %T with %T", a, b)
}

func asTime(v any) (time.Time, bool) {
	switch x := v.(type) {
	case time.Time:
		return x, true
	case string:
		if t, err := time.Parse(time.DateOnly, x); err == nil {
			return t, true
		}
		if t, err := time.Parse(time.DateTime, x); err == nil {
			return t, true
		}
		return time.Time{}, false
	default:
		return time.Time{}, false
	}
}

func isNumeric(v any) bool {
	switch v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return true
	default:
		return false
	}
}

// requireAtts verifies that every att resolves to a present row key.
func requireAtts(row Row, nm NameMapping, atts []string, table string) error {
	for _, att := range atts {
		if _, ok := GetValue(row, nm, att); !ok {
			return fmt.Errorf("%w: attribute %q for table %s", ErrData, att, table)
		}
	}
	return nil
}

// subset reports whether every element of sub appears in super.
func subset(sub, super []string) bool {
	for _, s := range sub {
		if !contains(super, s) {
			return false
		}
	}
	return true
}

// sameAtts reports whether a and b hold the same attributes in the same
// order.
func sameAtts(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

// difference returns the elements of a not present in b, preserving order.
func difference(a, b []string) []string {
	var out []string
	for _, x := range a {
		if !contains(b, x) {
			out = append(out, x)
		}
	}
	return out
}
