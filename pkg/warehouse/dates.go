package warehouse

import (
	"context"
	"fmt"
	"time"
)

// ParseYMD parses a "2006-01-02" date string.
func ParseYMD(s string) (time.Time, error) {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse date %q: %w", s, err)
	}
	return t, nil
}

// ParseYMDHMS parses a "2006-01-02 15:04:05" timestamp string.
func ParseYMDHMS(s string) (time.Time, error) {
	t, err := time.Parse(time.DateTime, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", s, err)
	}
	return t, nil
}

// TimestampFinder produces the validity timestamp for a new slowly changing
// dimension version. It may inspect the source row or query the target.
type TimestampFinder func(ctx context.Context, conn *Conn, row Row, nm NameMapping) (any, error)

// DateReader returns a TimestampFinder that reads att from the source row,
// parsing strings with parse. A time.Time value passes through unchanged.
// ParseYMD is the usual parse argument.
func DateReader(att string, parse func(string) (time.Time, error)) TimestampFinder {
	return func(_ context.Context, _ *Conn, row Row, nm NameMapping) (any, error) {
		v, ok := GetValue(row, nm, att)
		if !ok {
			return nil, fmt.Errorf("%w: attribute %q", ErrData, att)
		}
		switch x := v.(type) {
		case nil:
			return nil, nil
		case time.Time:
			return x, nil
		case string:
			t, err := parse(x)
			if err != nil {
				return nil, err
			}
			return t, nil
		default:
			return v, nil
		}
	}
}

// DateTimeReader is DateReader with ParseYMDHMS as the string parser.
func DateTimeReader(att string) TimestampFinder {
	return DateReader(att, ParseYMDHMS)
}

// TodayFinder dates new versions with the session's memoized load day.
func TodayFinder(s *Session) TimestampFinder {
	return func(context.Context, *Conn, Row, NameMapping) (any, error) {
		return s.Today(), nil
	}
}

// NowFinder dates new versions with the session's memoized load instant.
func NowFinder(s *Session) TimestampFinder {
	return func(context.Context, *Conn, Row, NameMapping) (any, error) {
		return s.Now(), nil
	}
}
