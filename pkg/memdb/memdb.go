// Package memdb provides an in-memory warehouse.Driver for tests and
// examples. It parses the statement shapes the warehouse package
// generates, not general SQL: single-table SELECT with AND-equality,
// IS NULL, one ORDER BY column and FETCH FIRST, NATURAL JOIN chains,
// INSERT with placeholders or inline literal rows, and UPDATE with
// equality or IN conditions.
package memdb

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/starsetlabs/starload/pkg/warehouse"
)

// DB is the in-memory database. Statements run against a working state
// that Commit makes durable and Rollback discards. Like any Driver it is
// used from a single goroutine.
type DB struct {
	tables    map[string]*table
	committed map[string]*table
	closed    bool
}

type table struct {
	cols []string
	rows [][]any
}

func (t *table) clone() *table {
	out := &table{cols: append([]string{}, t.cols...)}
	out.rows = make([][]any, len(t.rows))
	for i, r := range t.rows {
		out.rows[i] = append([]any{}, r...)
	}
	return out
}

func cloneState(state map[string]*table) map[string]*table {
	out := make(map[string]*table, len(state))
	for name, t := range state {
		out[name] = t.clone()
	}
	return out
}

func New() *DB {
	return &DB{tables: map[string]*table{}, committed: map[string]*table{}}
}

// CreateTable declares a table and optionally seeds it with rows given in
// column order. Like DDL in most systems it takes effect in the committed
// state too, so a Rollback keeps the table and its seed.
func (db *DB) CreateTable(name string, cols []string, rows ...[]any) {
	t := &table{cols: append([]string{}, cols...)}
	for _, r := range rows {
		t.rows = append(t.rows, append([]any{}, r...))
	}
	db.tables[name] = t
	db.committed[name] = t.clone()
}

// Rows returns a table's current rows as column-name maps in insertion
// order, for assertions.
func (db *DB) Rows(name string) []warehouse.Row {
	t := db.tables[name]
	if t == nil {
		return nil
	}
	out := make([]warehouse.Row, len(t.rows))
	for i, r := range t.rows {
		row := make(warehouse.Row, len(t.cols))
		for j, c := range t.cols {
			row[c] = r[j]
		}
		out[i] = row
	}
	return out
}

func (db *DB) ParamStyle() warehouse.ParamStyle { return warehouse.StyleQmark }

func (db *DB) Execute(_ context.Context, stmt string, args []any, _ warehouse.Row) error {
	if db.closed {
		return fmt.Errorf("memdb: the connection is closed")
	}
	switch {
	case strings.HasPrefix(stmt, "INSERT INTO "):
		return db.execInsert(stmt, args)
	case strings.HasPrefix(stmt, "UPDATE "):
		return db.execUpdate(stmt, args)
	default:
		return fmt.Errorf("memdb: unsupported statement: %s", stmt)
	}
}

func (db *DB) Query(_ context.Context, stmt string, args []any, _ warehouse.Row) (warehouse.ResultSet, error) {
	if db.closed {
		return nil, fmt.Errorf("memdb: the connection is closed")
	}
	return db.query(stmt, args)
}

func (db *DB) Commit(context.Context) error {
	db.committed = cloneState(db.tables)
	return nil
}

func (db *DB) Rollback(context.Context) error {
	db.tables = cloneState(db.committed)
	return nil
}

func (db *DB) Close(context.Context) error {
	db.closed = true
	return nil
}

func (db *DB) execInsert(stmt string, args []any) error {
	rest := strings.TrimPrefix(stmt, "INSERT INTO ")
	open := strings.Index(rest, "(")
	if open < 0 {
		return fmt.Errorf("memdb: unsupported statement: %s", stmt)
	}
	name := strings.TrimSpace(rest[:open])
	rest = rest[open+1:]
	closing := strings.Index(rest, ")")
	if closing < 0 {
		return fmt.Errorf("memdb: unsupported statement: %s", stmt)
	}
	cols := splitNames(rest[:closing])
	rest = strings.TrimSpace(rest[closing+1:])
	if !strings.HasPrefix(rest, "VALUES") {
		return fmt.Errorf("memdb: unsupported statement: %s", stmt)
	}
	rest = strings.TrimSpace(strings.TrimPrefix(rest, "VALUES"))

	t := db.tables[name]
	if t == nil {
		return fmt.Errorf("memdb: table %s does not exist", name)
	}
	tuples, err := splitTuples(rest)
	if err != nil {
		return fmt.Errorf("memdb: %w in statement: %s", err, stmt)
	}
	for _, tup := range tuples {
		vals, rem, err := parseValueList(tup, args)
		if err != nil {
			return fmt.Errorf("memdb: %w in statement: %s", err, stmt)
		}
		args = rem
		if len(vals) != len(cols) {
			return fmt.Errorf("memdb: %d values for %d columns in statement: %s", len(vals), len(cols), stmt)
		}
		row := make([]any, len(t.cols))
		for i, c := range cols {
			idx := colIndex(t.cols, c)
			if idx < 0 {
				return fmt.Errorf("memdb: table %s has no column %s", name, c)
			}
			row[idx] = vals[i]
		}
		t.rows = append(t.rows, row)
	}
	return nil
}

func (db *DB) execUpdate(stmt string, args []any) error {
	rest := strings.TrimPrefix(stmt, "UPDATE ")
	setIdx := strings.Index(rest, " SET ")
	if setIdx < 0 {
		return fmt.Errorf("memdb: unsupported statement: %s", stmt)
	}
	name := strings.TrimSpace(rest[:setIdx])
	rest = rest[setIdx+len(" SET "):]
	setPart := rest
	wherePart := ""
	if i := indexOutside(rest, " WHERE "); i >= 0 {
		setPart = rest[:i]
		wherePart = rest[i+len(" WHERE "):]
	}

	t := db.tables[name]
	if t == nil {
		return fmt.Errorf("memdb: table %s does not exist", name)
	}
	type assignment struct {
		idx int
		val any
	}
	var assigns []assignment
	for _, part := range splitOutside(setPart, ",") {
		col, val, rem, err := parseEquality(part, args)
		if err != nil {
			return fmt.Errorf("memdb: %w in statement: %s", err, stmt)
		}
		args = rem
		idx := colIndex(t.cols, col)
		if idx < 0 {
			return fmt.Errorf("memdb: table %s has no column %s", name, col)
		}
		assigns = append(assigns, assignment{idx: idx, val: val})
	}
	conds, _, err := parseConds(wherePart, t.cols, args)
	if err != nil {
		return fmt.Errorf("memdb: %w in statement: %s", err, stmt)
	}
	for _, row := range t.rows {
		if !matches(row, conds) {
			continue
		}
		for _, a := range assigns {
			row[a.idx] = a.val
		}
	}
	return nil
}

func (db *DB) query(stmt string, args []any) (warehouse.ResultSet, error) {
	if !strings.HasPrefix(stmt, "SELECT ") {
		return nil, fmt.Errorf("memdb: unsupported statement: %s", stmt)
	}
	rest := strings.TrimPrefix(stmt, "SELECT ")
	fromIdx := indexOutside(rest, " FROM ")
	if fromIdx < 0 {
		return nil, fmt.Errorf("memdb: unsupported statement: %s", stmt)
	}
	colsPart := rest[:fromIdx]
	rest = rest[fromIdx+len(" FROM "):]

	limit := -1
	if i := strings.Index(rest, " FETCH FIRST "); i >= 0 {
		tail := rest[i+len(" FETCH FIRST "):]
		n, err := strconv.Atoi(strings.TrimSuffix(tail, " ROWS ONLY"))
		if err != nil {
			return nil, fmt.Errorf("memdb: unsupported statement: %s", stmt)
		}
		limit = n
		rest = rest[:i]
	}
	orderPart := ""
	if i := strings.Index(rest, " ORDER BY "); i >= 0 {
		orderPart = rest[i+len(" ORDER BY "):]
		rest = rest[:i]
	}
	wherePart := ""
	if i := indexOutside(rest, " WHERE "); i >= 0 {
		wherePart = rest[i+len(" WHERE "):]
		rest = rest[:i]
	}
	fromPart := strings.TrimSpace(rest)
	if strings.ContainsAny(fromPart, "(,") {
		return nil, fmt.Errorf("memdb: unsupported statement: %s", stmt)
	}

	cols, rows, err := db.fromRows(fromPart)
	if err != nil {
		return nil, err
	}

	// MAX(col) is the one aggregate the load path needs, for continuing
	// key sequences.
	if strings.HasPrefix(colsPart, "MAX(") && strings.HasSuffix(colsPart, ")") {
		inner := bareName(colsPart[len("MAX(") : len(colsPart)-1])
		idx := colIndex(cols, inner)
		if idx < 0 {
			return nil, fmt.Errorf("memdb: no column %s in statement: %s", inner, stmt)
		}
		var best any
		for _, row := range rows {
			v := row[idx]
			if v == nil {
				continue
			}
			if best == nil {
				best = v
				continue
			}
			c, err := warehouse.CompareValues(v, best)
			if err != nil {
				return nil, fmt.Errorf("memdb: %w in statement: %s", err, stmt)
			}
			if c > 0 {
				best = v
			}
		}
		return warehouse.NewBufferedResultSet([]string{"max"}, [][]any{{best}}), nil
	}

	conds, _, err := parseConds(wherePart, cols, args)
	if err != nil {
		return nil, fmt.Errorf("memdb: %w in statement: %s", err, stmt)
	}
	var matched [][]any
	for _, row := range rows {
		if matches(row, conds) {
			matched = append(matched, row)
		}
	}

	if orderPart != "" {
		if err := orderRows(matched, cols, orderPart); err != nil {
			return nil, fmt.Errorf("memdb: %w in statement: %s", err, stmt)
		}
	}
	if limit >= 0 && len(matched) > limit {
		matched = matched[:limit]
	}

	names := splitNames(colsPart)
	out := make([][]any, len(matched))
	for i, row := range matched {
		tuple := make([]any, len(names))
		for j, n := range names {
			idx := colIndex(cols, n)
			if idx < 0 {
				return nil, fmt.Errorf("memdb: no column %s in statement: %s", n, stmt)
			}
			tuple[j] = row[idx]
		}
		out[i] = tuple
	}
	return warehouse.NewBufferedResultSet(names, out), nil
}

// fromRows resolves a FROM clause: one table, or a NATURAL JOIN chain
// folded left to right on the shared column names.
func (db *DB) fromRows(fromPart string) ([]string, [][]any, error) {
	names := strings.Split(fromPart, " NATURAL JOIN ")
	base := db.tables[strings.TrimSpace(names[0])]
	if base == nil {
		return nil, nil, fmt.Errorf("memdb: table %s does not exist", strings.TrimSpace(names[0]))
	}
	cols := append([]string{}, base.cols...)
	rows := make([][]any, len(base.rows))
	for i, r := range base.rows {
		rows[i] = append([]any{}, r...)
	}
	for _, name := range names[1:] {
		t := db.tables[strings.TrimSpace(name)]
		if t == nil {
			return nil, nil, fmt.Errorf("memdb: table %s does not exist", strings.TrimSpace(name))
		}
		var shared [][2]int
		extra := []int{}
		for i, c := range t.cols {
			if idx := colIndex(cols, c); idx >= 0 {
				shared = append(shared, [2]int{idx, i})
			} else {
				extra = append(extra, i)
			}
		}
		var joined [][]any
		for _, a := range rows {
			for _, b := range t.rows {
				match := true
				for _, s := range shared {
					if !warehouse.ValuesEqual(a[s[0]], b[s[1]]) {
						match = false
						break
					}
				}
				if !match {
					continue
				}
				merged := append(append([]any{}, a...), make([]any, len(extra))...)
				for i, e := range extra {
					merged[len(a)+i] = b[e]
				}
				joined = append(joined, merged)
			}
		}
		for _, e := range extra {
			cols = append(cols, t.cols[e])
		}
		rows = joined
	}
	return cols, rows, nil
}

func orderRows(rows [][]any, cols []string, orderPart string) error {
	desc := false
	nullsFirst := false
	nullsSet := false
	if s, ok := strings.CutSuffix(orderPart, " NULLS FIRST"); ok {
		orderPart, nullsFirst, nullsSet = s, true, true
	} else if s, ok := strings.CutSuffix(orderPart, " NULLS LAST"); ok {
		orderPart, nullsFirst, nullsSet = s, false, true
	}
	if s, ok := strings.CutSuffix(orderPart, " DESC"); ok {
		orderPart, desc = s, true
	} else {
		orderPart = strings.TrimSuffix(orderPart, " ASC")
	}
	if !nullsSet {
		nullsFirst = desc
	}
	idx := colIndex(cols, strings.TrimSpace(orderPart))
	if idx < 0 {
		return fmt.Errorf("no column %s", strings.TrimSpace(orderPart))
	}
	var sortErr error
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i][idx], rows[j][idx]
		if a == nil || b == nil {
			if a == nil && b == nil {
				return false
			}
			return (a == nil) == nullsFirst
		}
		c, err := warehouse.CompareValues(a, b)
		if err != nil && sortErr == nil {
			sortErr = err
		}
		if desc {
			return c > 0
		}
		return c < 0
	})
	return sortErr
}

type cond struct {
	idx  int
	op   string // "=", "in" or "null"
	val  any
	vals []any
}

func parseConds(s string, cols []string, args []any) ([]cond, []any, error) {
	if strings.TrimSpace(s) == "" {
		return nil, args, nil
	}
	var conds []cond
	for _, part := range splitOutside(s, " AND ") {
		part = strings.TrimSpace(part)
		if col, ok := strings.CutSuffix(part, " IS NULL"); ok {
			idx := colIndex(cols, col)
			if idx < 0 {
				return nil, nil, fmt.Errorf("no column %s", col)
			}
			conds = append(conds, cond{idx: idx, op: "null"})
			continue
		}
		if i := strings.Index(part, " IN ("); i >= 0 && strings.HasSuffix(part, ")") {
			idx := colIndex(cols, part[:i])
			if idx < 0 {
				return nil, nil, fmt.Errorf("no column %s", part[:i])
			}
			vals, rem, err := parseValueList(part[i+len(" IN (") : len(part)-1], args)
			if err != nil {
				return nil, nil, err
			}
			args = rem
			conds = append(conds, cond{idx: idx, op: "in", vals: vals})
			continue
		}
		col, val, rem, err := parseEquality(part, args)
		if err != nil {
			return nil, nil, err
		}
		args = rem
		idx := colIndex(cols, col)
		if idx < 0 {
			return nil, nil, fmt.Errorf("no column %s", col)
		}
		conds = append(conds, cond{idx: idx, op: "=", val: val})
	}
	return conds, args, nil
}

func matches(row []any, conds []cond) bool {
	for _, c := range conds {
		switch c.op {
		case "null":
			if row[c.idx] != nil {
				return false
			}
		case "in":
			found := false
			for _, v := range c.vals {
				if warehouse.ValuesEqual(row[c.idx], v) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		default:
			if !warehouse.ValuesEqual(row[c.idx], c.val) {
				return false
			}
		}
	}
	return true
}

// parseEquality parses "col = ?" or "col = literal", consuming one arg for
// a placeholder.
func parseEquality(part string, args []any) (string, any, []any, error) {
	i := strings.Index(part, " = ")
	if i < 0 {
		return "", nil, nil, fmt.Errorf("unsupported condition %q", part)
	}
	col := strings.TrimSpace(part[:i])
	rhs := strings.TrimSpace(part[i+len(" = "):])
	if rhs == "?" {
		if len(args) == 0 {
			return "", nil, nil, fmt.Errorf("missing argument for %s", col)
		}
		return col, args[0], args[1:], nil
	}
	v, err := parseLiteral(rhs)
	if err != nil {
		return "", nil, nil, err
	}
	return col, v, args, nil
}

// parseValueList parses a comma separated list of "?" placeholders and SQL
// literals, consuming args for the placeholders.
func parseValueList(s string, args []any) ([]any, []any, error) {
	parts := splitOutside(s, ",")
	vals := make([]any, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "?" {
			if len(args) == 0 {
				return nil, nil, fmt.Errorf("missing argument in value list")
			}
			vals = append(vals, args[0])
			args = args[1:]
			continue
		}
		v, err := parseLiteral(p)
		if err != nil {
			return nil, nil, err
		}
		vals = append(vals, v)
	}
	return vals, args, nil
}

func parseLiteral(tok string) (any, error) {
	switch {
	case tok == "NULL":
		return nil, nil
	case strings.HasPrefix(tok, "'"):
		if len(tok) < 2 || !strings.HasSuffix(tok, "'") {
			return nil, fmt.Errorf("unterminated string %s", tok)
		}
		return strings.ReplaceAll(tok[1:len(tok)-1], "''", "'"), nil
	}
	if n, err := strconv.ParseInt(tok, 10, 64); err == nil {
		return n, nil
	}
	if f, err := strconv.ParseFloat(tok, 64); err == nil {
		return f, nil
	}
	return nil, fmt.Errorf("cannot parse literal %q", tok)
}

// splitTuples splits "(...),(...)" into the tuple bodies.
func splitTuples(s string) ([]string, error) {
	parts := splitOutside(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if !strings.HasPrefix(p, "(") || !strings.HasSuffix(p, ")") {
			return nil, fmt.Errorf("malformed value tuple %q", p)
		}
		out = append(out, p[1:len(p)-1])
	}
	return out, nil
}

// splitOutside splits s on sep occurrences outside single-quoted strings
// and parentheses.
func splitOutside(s, sep string) []string {
	var parts []string
	var cur strings.Builder
	inQuote := false
	depth := 0
	for i := 0; i < len(s); {
		c := s[i]
		if inQuote {
			if c == '\'' {
				if i+1 < len(s) && s[i+1] == '\'' {
					cur.WriteString("''")
					i += 2
					continue
				}
				inQuote = false
			}
			cur.WriteByte(c)
			i++
			continue
		}
		switch {
		case c == '\'':
			inQuote = true
			cur.WriteByte(c)
			i++
		case c == '(':
			depth++
			cur.WriteByte(c)
			i++
		case c == ')':
			depth--
			cur.WriteByte(c)
			i++
		case depth == 0 && strings.HasPrefix(s[i:], sep):
			parts = append(parts, cur.String())
			cur.Reset()
			i += len(sep)
		default:
			cur.WriteByte(c)
			i++
		}
	}
	parts = append(parts, cur.String())
	return parts
}

// indexOutside returns the index of the first sep outside quotes and
// parentheses, or -1.
func indexOutside(s, sep string) int {
	inQuote := false
	depth := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inQuote {
			if c == '\'' {
				if i+1 < len(s) && s[i+1] == '\'' {
					i++
					continue
				}
				inQuote = false
			}
			continue
		}
		switch {
		case c == '\'':
			inQuote = true
		case c == '(':
			depth++
		case c == ')':
			depth--
		case depth == 0 && strings.HasPrefix(s[i:], sep):
			return i
		}
	}
	return -1
}

// splitNames splits a column list and strips quoting and table
// qualifiers.
func splitNames(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = bareName(p)
	}
	return out
}

// bareName strips whitespace, identifier quoting and a table qualifier
// from a column reference.
func bareName(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndex(s, "."); i >= 0 {
		s = s[i+1:]
	}
	s = strings.Trim(s, "\"`[]")
	return s
}

func colIndex(cols []string, name string) int {
	name = bareName(name)
	for i, c := range cols {
		if c == name {
			return i
		}
	}
	return -1
}
