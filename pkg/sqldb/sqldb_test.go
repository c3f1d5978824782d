package sqldb_test

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/starsetlabs/starload/pkg/sqldb"
	"github.com/starsetlabs/starload/pkg/warehouse"
)

// stubState records what reaches the database/sql driver and serves one
// canned query result.
type stubState struct {
	stmts     []string
	args      [][]driver.NamedValue
	begins    int
	commits   int
	rollbacks int
	cols      []string
	rows      [][]driver.Value
}

type stubDriver struct{ state *stubState }

func (d *stubDriver) Open(string) (driver.Conn, error) { return &stubConn{state: d.state}, nil }

type stubConn struct{ state *stubState }

func (c *stubConn) Prepare(query string) (driver.Stmt, error) {
	return &stubStmt{state: c.state, query: query}, nil
}
func (c *stubConn) Close() error { return nil }
func (c *stubConn) Begin() (driver.Tx, error) {
	c.state.begins++
	return &stubTx{state: c.state}, nil
}

type stubTx struct{ state *stubState }

func (tx *stubTx) Commit() error   { tx.state.commits++; return nil }
func (tx *stubTx) Rollback() error { tx.state.rollbacks++; return nil }

type stubStmt struct {
	state *stubState
	query string
}

func (s *stubStmt) Close() error  { return nil }
func (s *stubStmt) NumInput() int { return -1 }

func (s *stubStmt) record(args []driver.NamedValue) {
	s.state.stmts = append(s.state.stmts, s.query)
	s.state.args = append(s.state.args, args)
}

func (s *stubStmt) Exec([]driver.Value) (driver.Result, error) {
	return nil, driver.ErrSkip
}
func (s *stubStmt) Query([]driver.Value) (driver.Rows, error) {
	return nil, driver.ErrSkip
}

func (s *stubStmt) ExecContext(_ context.Context, args []driver.NamedValue) (driver.Result, error) {
	s.record(args)
	return driver.RowsAffected(1), nil
}

func (s *stubStmt) QueryContext(_ context.Context, args []driver.NamedValue) (driver.Rows, error) {
	s.record(args)
	return &stubRows{cols: s.state.cols, rows: s.state.rows}, nil
}

type stubRows struct {
	cols []string
	rows [][]driver.Value
	pos  int
}

func (r *stubRows) Columns() []string { return r.cols }
func (r *stubRows) Close() error      { return nil }
func (r *stubRows) Next(dest []driver.Value) error {
	if r.pos >= len(r.rows) {
		return io.EOF
	}
	copy(dest, r.rows[r.pos])
	r.pos++
	return nil
}

func openStub(t *testing.T, state *stubState) *sql.DB {
	t.Helper()
	name := "stub-" + t.Name()
	sql.Register(name, &stubDriver{state: state})
	db, err := sql.Open(name, "")
	require.NoError(t, err)
	return db
}

func TestStarload_SQLDB_RunsStatementsInOneTransaction(t *testing.T) {
	t.Parallel()
	state := &stubState{
		cols: []string{"bookid", "title"},
		rows: [][]driver.Value{{int64(1), "moby dick"}},
	}
	d, err := sqldb.New(openStub(t, state))
	require.NoError(t, err)
	ctx := t.Context()

	require.Equal(t, warehouse.StyleQmark, d.ParamStyle())
	require.NoError(t, d.Execute(ctx, "INSERT INTO book(bookid, title) VALUES (?, ?)", []any{1, "moby dick"}, nil))

	rs, err := d.Query(ctx, "SELECT bookid, title FROM book", nil, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"bookid", "title"}, rs.Columns())
	require.True(t, rs.Next())
	vals, err := rs.Values()
	require.NoError(t, err)
	require.Equal(t, []any{int64(1), "moby dick"}, vals)
	require.False(t, rs.Next())
	require.NoError(t, rs.Close())

	require.NoError(t, d.Commit(ctx))

	require.Equal(t, 1, state.begins)
	require.Equal(t, 1, state.commits)
	require.Equal(t, []string{
		"INSERT INTO book(bookid, title) VALUES (?, ?)",
		"SELECT bookid, title FROM book",
	}, state.stmts)
	// database/sql widens int arguments on the way through.
	require.Equal(t, int64(1), state.args[0][0].Value)
	require.Equal(t, "moby dick", state.args[0][1].Value)
}

func TestStarload_SQLDB_RollbackStartsAFreshTransaction(t *testing.T) {
	t.Parallel()
	state := &stubState{}
	d, err := sqldb.New(openStub(t, state))
	require.NoError(t, err)
	ctx := t.Context()

	require.NoError(t, d.Execute(ctx, "INSERT INTO t(a) VALUES (?)", []any{1}, nil))
	require.NoError(t, d.Rollback(ctx))
	require.NoError(t, d.Execute(ctx, "INSERT INTO t(a) VALUES (?)", []any{2}, nil))
	require.NoError(t, d.Commit(ctx))

	require.Equal(t, 2, state.begins)
	require.Equal(t, 1, state.rollbacks)
	require.Equal(t, 1, state.commits)
}

func TestStarload_SQLDB_AutoCommitSkipsTransactions(t *testing.T) {
	t.Parallel()
	state := &stubState{}
	d, err := sqldb.New(openStub(t, state), sqldb.WithAutoCommit())
	require.NoError(t, err)
	ctx := t.Context()

	require.NoError(t, d.Execute(ctx, "INSERT INTO t(a) VALUES (?)", []any{1}, nil))
	require.NoError(t, d.Commit(ctx))
	require.NoError(t, d.Rollback(ctx))

	require.Equal(t, 0, state.begins)
	require.Equal(t, 0, state.commits)
	require.Equal(t, 0, state.rollbacks)
	require.Len(t, state.stmts, 1)
}

func TestStarload_SQLDB_NamedParameters(t *testing.T) {
	t.Parallel()
	state := &stubState{}
	d, err := sqldb.New(openStub(t, state), sqldb.WithParamStyle(warehouse.StyleNamed))
	require.NoError(t, err)
	ctx := t.Context()

	require.Equal(t, warehouse.StyleNamed, d.ParamStyle())
	err = d.Execute(ctx, "INSERT INTO book(title) VALUES (:title)", nil, warehouse.Row{"title": "emma"})
	require.NoError(t, err)
	require.NoError(t, d.Commit(ctx))

	require.Len(t, state.args[0], 1)
	require.Equal(t, "title", state.args[0][0].Name)
	require.Equal(t, "emma", state.args[0][0].Value)
}

func TestStarload_SQLDB_RejectsUnsupportedStyles(t *testing.T) {
	t.Parallel()
	_, err := sqldb.New(openStub(t, &stubState{}), sqldb.WithParamStyle(warehouse.StylePyformat))
	require.ErrorIs(t, err, warehouse.ErrConfig)
}

func TestStarload_SQLDB_CloseRollsBackOpenWork(t *testing.T) {
	t.Parallel()
	state := &stubState{}
	d, err := sqldb.New(openStub(t, state))
	require.NoError(t, err)
	ctx := t.Context()

	require.NoError(t, d.Execute(ctx, "INSERT INTO t(a) VALUES (?)", []any{1}, nil))
	require.NoError(t, d.Close(ctx))
	require.Equal(t, 1, state.rollbacks)
	require.Equal(t, 0, state.commits)
}
