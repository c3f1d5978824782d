package warehouse_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/starsetlabs/starload/pkg/memdb"
	"github.com/starsetlabs/starload/pkg/warehouse"
)

func TestStarload_Warehouse_ThrottledDriver_PassesThrough(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	db := memdb.New()
	db.CreateTable("t", []string{"a"})
	td := warehouse.Throttle(db, rate.Inf, 0)

	require.Equal(t, db.ParamStyle(), td.ParamStyle())
	err := td.Execute(ctx, "INSERT INTO t(a) VALUES (?)", []any{1}, nil)
	require.NoError(t, err)
	require.Len(t, db.Rows("t"), 1)

	rs, err := td.Query(ctx, "SELECT a FROM t WHERE a = ?", []any{1}, nil)
	require.NoError(t, err)
	defer rs.Close()
	require.True(t, rs.Next())
	vals, err := rs.Values()
	require.NoError(t, err)
	require.Equal(t, []any{1}, vals)
}

func TestStarload_Warehouse_ThrottledDriver_StopsWhenCanceled(t *testing.T) {
	t.Parallel()
	db := memdb.New()
	db.CreateTable("t", []string{"a"})
	td := warehouse.Throttle(db, rate.Every(time.Hour), 1)

	ctx, cancel := context.WithCancel(t.Context())
	err := td.Execute(ctx, "INSERT INTO t(a) VALUES (?)", []any{1}, nil)
	require.NoError(t, err)

	// The burst is spent, so the next statement would wait an hour.
	cancel()
	err = td.Execute(ctx, "INSERT INTO t(a) VALUES (?)", []any{2}, nil)
	require.Error(t, err)
	require.Len(t, db.Rows("t"), 1)
}
