package warehouse

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var placeholderRe = regexp.MustCompile(`%\(([A-Za-z_][A-Za-z0-9_]*)\)s`)

// translatedStmt is a statement rewritten for one parameter style. names
// lists the placeholder attribute names in order of appearance; positional
// styles build their argument lists from it, named styles use it to resolve
// the argument map.
type translatedStmt struct {
	sql   string
	names []string
}

// translateStmt rewrites the pyformat placeholders of stmt into the target
// style.
func translateStmt(stmt string, style ParamStyle) (*translatedStmt, error) {
	var names []string
	replace := func(name string) (string, error) {
		names = append(names, name)
		switch style {
		case StylePyformat:
			return "%(" + name + ")s", nil
		case StyleNamed:
			return ":" + name, nil
		case StyleQmark:
			return "?", nil
		case StyleNumeric:
			return ":" + strconv.Itoa(len(names)), nil
		case StyleFormat:
			return "%s", nil
		case StyleDollar:
			return "$" + strconv.Itoa(len(names)), nil
		default:
			return "", fmt.Errorf("%w: paramstyle %q is not supported", ErrConfig, style)
		}
	}

	var b strings.Builder
	last := 0
	for _, loc := range placeholderRe.FindAllStringSubmatchIndex(stmt, -1) {
		b.WriteString(stmt[last:loc[0]])
		token, err := replace(stmt[loc[2]:loc[3]])
		if err != nil {
			return nil, err
		}
		b.WriteString(token)
		last = loc[1]
	}
	b.WriteString(stmt[last:])

	return &translatedStmt{sql: b.String(), names: names}, nil
}

// bindArgs resolves the translated statement's placeholder names against
// row through nm. Positional styles get an ordered slice, named styles get
// a map keyed by attribute name.
func (t *translatedStmt) bindArgs(style ParamStyle, row Row, nm NameMapping) ([]any, Row, error) {
	if style.positional() {
		args := make([]any, len(t.names))
		for i, name := range t.names {
			v, ok := GetValue(row, nm, name)
			if !ok {
				return nil, nil, fmt.Errorf("%w: value for placeholder %q", ErrData, name)
			}
			args[i] = v
		}
		return args, nil, nil
	}
	named := make(Row, len(t.names))
	for _, name := range t.names {
		v, ok := GetValue(row, nm, name)
		if !ok {
			return nil, nil, fmt.Errorf("%w: value for placeholder %q", ErrData, name)
		}
		named[name] = v
	}
	return nil, named, nil
}
