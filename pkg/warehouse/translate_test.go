package warehouse

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStarload_Warehouse_Translate_Styles(t *testing.T) {
	t.Parallel()
	stmt := "INSERT INTO book(title, genre) VALUES (%(title)s, %(genre)s)"

	cases := []struct {
		style ParamStyle
		want  string
	}{
		{StylePyformat, "INSERT INTO book(title, genre) VALUES (%(title)s, %(genre)s)"},
		{StyleNamed, "INSERT INTO book(title, genre) VALUES (:title, :genre)"},
		{StyleQmark, "INSERT INTO book(title, genre) VALUES (?, ?)"},
		{StyleNumeric, "INSERT INTO book(title, genre) VALUES (:1, :2)"},
		{StyleFormat, "INSERT INTO book(title, genre) VALUES (%s, %s)"},
		{StyleDollar, "INSERT INTO book(title, genre) VALUES ($1, $2)"},
	}
	for _, c := range cases {
		tr, err := translateStmt(stmt, c.style)
		require.NoError(t, err)
		require.Equal(t, c.want, tr.sql, string(c.style))
		require.Equal(t, []string{"title", "genre"}, tr.names)
	}
}

func TestStarload_Warehouse_Translate_RepeatedPlaceholder(t *testing.T) {
	t.Parallel()
	tr, err := translateStmt("SELECT * FROM t WHERE a = %(x)s OR b = %(x)s", StyleDollar)
	require.NoError(t, err)
	require.Equal(t, "SELECT * FROM t WHERE a = $1 OR b = $2", tr.sql)
	require.Equal(t, []string{"x", "x"}, tr.names)
}

func TestStarload_Warehouse_Translate_UnknownStyle(t *testing.T) {
	t.Parallel()
	_, err := translateStmt("SELECT %(a)s", ParamStyle("exotic"))
	require.ErrorIs(t, err, ErrConfig)

	// Without placeholders no style decision is needed.
	tr, err := translateStmt("SELECT 1", ParamStyle("exotic"))
	require.NoError(t, err)
	require.Equal(t, "SELECT 1", tr.sql)
}

func TestStarload_Warehouse_Translate_BindArgs(t *testing.T) {
	t.Parallel()
	tr, err := translateStmt("VALUES (%(title)s, %(genre)s)", StyleQmark)
	require.NoError(t, err)

	pos, named, err := tr.bindArgs(StyleQmark, Row{"name": "1984", "genre": "novel"}, NameMapping{"title": "name"})
	require.NoError(t, err)
	require.Nil(t, named)
	require.Equal(t, []any{"1984", "novel"}, pos)

	pos, named, err = tr.bindArgs(StyleNamed, Row{"title": "1984", "genre": nil}, nil)
	require.NoError(t, err)
	require.Nil(t, pos)
	require.Equal(t, Row{"title": "1984", "genre": nil}, named)

	_, _, err = tr.bindArgs(StyleQmark, Row{"title": "1984"}, nil)
	require.ErrorIs(t, err, ErrData)
}
