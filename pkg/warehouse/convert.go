package warehouse

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ValueConverter renders a value for a text spool file. nil values are
// handled by the spool before the converter runs, so implementations only
// see concrete values.
type ValueConverter func(v any) string

// ToDBString is the default spool converter: booleans become 1/0, dates
// without a time component use the date-only form, and everything else goes
// through the standard formatting.
func ToDBString(v any) string {
	switch x := v.(type) {
	case bool:
		if x {
			return "1"
		}
		return "0"
	case time.Time:
		if isDateOnly(x) {
			return x.Format(time.DateOnly)
		}
		return x.Format(time.DateTime)
	case float32:
		return strconv.FormatFloat(float64(x), 'g', -1, 32)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

// ToSQLLiteral renders a value for an inline VALUES list. nil becomes NULL,
// strings and times are single-quoted with embedded single quotes doubled.
// No other sanitization is applied; any further escaping a target needs is
// the caller's responsibility.
func ToSQLLiteral(v any) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case string:
		return "'" + strings.ReplaceAll(x, "'", "''") + "'"
	case time.Time:
		return "'" + ToDBString(x) + "'"
	case []byte:
		return "'" + strings.ReplaceAll(string(x), "'", "''") + "'"
	default:
		return ToDBString(v)
	}
}

func isDateOnly(t time.Time) bool {
	h, m, s := t.Clock()
	return h == 0 && m == 0 && s == 0 && t.Nanosecond() == 0
}
