package warehouse_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/starsetlabs/starload/pkg/memdb"
	"github.com/starsetlabs/starload/pkg/warehouse"
)

func saleFactTable(t *testing.T, db *memdb.DB) *warehouse.FactTable {
	t.Helper()
	db.CreateTable("sale", []string{"bookid", "timeid", "sold"})
	f, err := warehouse.NewFactTable(newTestSession(t, db), &warehouse.FactTableConfig{
		Name:     "sale",
		KeyRefs:  []string{"bookid", "timeid"},
		Measures: []string{"sold"},
	})
	require.NoError(t, err)
	return f
}

func TestStarload_Warehouse_FactTable_Validate(t *testing.T) {
	t.Parallel()
	s := newTestSession(t, memdb.New())

	_, err := warehouse.NewFactTable(s, &warehouse.FactTableConfig{KeyRefs: []string{"bookid"}})
	require.ErrorIs(t, err, warehouse.ErrConfig)

	_, err = warehouse.NewFactTable(s, &warehouse.FactTableConfig{Name: "sale"})
	require.ErrorIs(t, err, warehouse.ErrConfig)
}

func TestStarload_Warehouse_FactTable_InsertAndLookup(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	db := memdb.New()
	f := saleFactTable(t, db)

	err := f.Insert(ctx, warehouse.Row{"bookid": 1, "timeid": 2, "sold": 10}, nil)
	require.NoError(t, err)

	fact, err := f.Lookup(ctx, warehouse.Row{"bookid": 1, "timeid": 2}, nil)
	require.NoError(t, err)
	require.Equal(t, warehouse.Row{"bookid": 1, "timeid": 2, "sold": 10}, fact)

	fact, err = f.Lookup(ctx, warehouse.Row{"bookid": 1, "timeid": 3}, nil)
	require.NoError(t, err)
	require.Nil(t, fact)
}

func TestStarload_Warehouse_FactTable_Ensure(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	db := memdb.New()
	f := saleFactTable(t, db)

	existed, err := f.Ensure(ctx, warehouse.Row{"bookid": 1, "timeid": 2, "sold": 10}, true, nil)
	require.NoError(t, err)
	require.False(t, existed)

	existed, err = f.Ensure(ctx, warehouse.Row{"bookid": 1, "timeid": 2, "sold": 10}, true, nil)
	require.NoError(t, err)
	require.True(t, existed)

	// A conflicting measure is an error with compare set and silently
	// kept otherwise. The stored fact never changes.
	existed, err = f.Ensure(ctx, warehouse.Row{"bookid": 1, "timeid": 2, "sold": 11}, true, nil)
	require.ErrorIs(t, err, warehouse.ErrConsistency)
	require.True(t, existed)

	existed, err = f.Ensure(ctx, warehouse.Row{"bookid": 1, "timeid": 2, "sold": 11}, false, nil)
	require.NoError(t, err)
	require.True(t, existed)
	require.Equal(t, 10, db.Rows("sale")[0]["sold"])
	require.Len(t, db.Rows("sale"), 1)
}

func TestStarload_Warehouse_BatchFactTable_InsertBuffers(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	db := memdb.New()
	db.CreateTable("sale", []string{"bookid", "timeid", "sold"})
	f, err := warehouse.NewBatchFactTable(newTestSession(t, db), &warehouse.BatchFactTableConfig{
		FactTableConfig: warehouse.FactTableConfig{
			Name:     "sale",
			KeyRefs:  []string{"bookid", "timeid"},
			Measures: []string{"sold"},
		},
		BatchSize: 2,
	})
	require.NoError(t, err)

	err = f.Insert(ctx, warehouse.Row{"bookid": 1, "timeid": 1, "sold": 10}, nil)
	require.NoError(t, err)
	require.Equal(t, 1, f.AwaitingRows())
	require.Empty(t, db.Rows("sale"))

	// The second insert fills the batch and flushes it.
	err = f.Insert(ctx, warehouse.Row{"bookid": 2, "timeid": 1, "sold": 3}, nil)
	require.NoError(t, err)
	require.Equal(t, 0, f.AwaitingRows())
	require.Len(t, db.Rows("sale"), 2)

	err = f.Insert(ctx, warehouse.Row{"bookid": 3, "timeid": 1}, nil)
	require.ErrorIs(t, err, warehouse.ErrData)
}

func TestStarload_Warehouse_BatchFactTable_LookupFlushes(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	db := memdb.New()
	db.CreateTable("sale", []string{"bookid", "timeid", "sold"})
	f, err := warehouse.NewBatchFactTable(newTestSession(t, db), &warehouse.BatchFactTableConfig{
		FactTableConfig: warehouse.FactTableConfig{
			Name:     "sale",
			KeyRefs:  []string{"bookid", "timeid"},
			Measures: []string{"sold"},
		},
	})
	require.NoError(t, err)

	err = f.Insert(ctx, warehouse.Row{"bookid": 1, "timeid": 1, "sold": 10}, nil)
	require.NoError(t, err)

	// The buffered fact must be visible to its own lookup.
	fact, err := f.Lookup(ctx, warehouse.Row{"bookid": 1, "timeid": 1}, nil)
	require.NoError(t, err)
	require.Equal(t, 10, fact["sold"])
	require.Equal(t, 0, f.AwaitingRows())

	existed, err := f.Ensure(ctx, warehouse.Row{"bookid": 1, "timeid": 1, "sold": 10}, true, nil)
	require.NoError(t, err)
	require.True(t, existed)
}

func TestStarload_Warehouse_BatchFactTable_MultiRowFlush(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	db := memdb.New()
	db.CreateTable("sale", []string{"shop", "timeid", "sold"})
	f, err := warehouse.NewBatchFactTable(newTestSession(t, db), &warehouse.BatchFactTableConfig{
		FactTableConfig: warehouse.FactTableConfig{
			Name:     "sale",
			KeyRefs:  []string{"shop", "timeid"},
			Measures: []string{"sold"},
		},
		UseMultiRow: true,
	})
	require.NoError(t, err)

	// The single-statement flush inlines values as literals; quotes and
	// NULLs must survive the round trip.
	err = f.Insert(ctx, warehouse.Row{"shop": "O'Brien's", "timeid": 1, "sold": 10}, nil)
	require.NoError(t, err)
	err = f.Insert(ctx, warehouse.Row{"shop": "Metro", "timeid": 1, "sold": nil}, nil)
	require.NoError(t, err)
	require.NoError(t, f.EndLoad(ctx))

	rows := db.Rows("sale")
	require.Len(t, rows, 2)
	require.Equal(t, warehouse.Row{"shop": "O'Brien's", "timeid": int64(1), "sold": int64(10)}, rows[0])
	require.Equal(t, warehouse.Row{"shop": "Metro", "timeid": int64(1), "sold": nil}, rows[1])
}

func shipmentTable(t *testing.T, db *memdb.DB, cfg *warehouse.AccumulatingFactTableConfig) *warehouse.AccumulatingFactTable {
	t.Helper()
	db.CreateTable("shipment", []string{"orderid", "shipdateid", "arrivedateid", "shipdays"})
	if cfg == nil {
		cfg = &warehouse.AccumulatingFactTableConfig{}
	}
	cfg.Name = "shipment"
	cfg.KeyRefs = []string{"orderid"}
	cfg.OtherRefs = []string{"shipdateid", "arrivedateid"}
	cfg.Measures = []string{"shipdays"}
	a, err := warehouse.NewAccumulatingFactTable(newTestSession(t, db), cfg)
	require.NoError(t, err)
	return a
}

func TestStarload_Warehouse_AccumulatingFactTable_EnsureAccumulates(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	db := memdb.New()
	a := shipmentTable(t, db, nil)

	// Milestones not reached yet are inserted as NULL. The caller's row
	// is not widened.
	row := warehouse.Row{"orderid": 1, "shipdateid": 10}
	err := a.Ensure(ctx, row, nil)
	require.NoError(t, err)
	require.Equal(t, warehouse.Row{"orderid": 1, "shipdateid": 10}, row)
	require.Equal(t, warehouse.Row{
		"orderid": 1, "shipdateid": 10, "arrivedateid": nil, "shipdays": nil,
	}, db.Rows("shipment")[0])

	// Each later load fills in what it knows; absent attributes keep
	// their stored values.
	err = a.Ensure(ctx, warehouse.Row{"orderid": 1, "arrivedateid": 13}, nil)
	require.NoError(t, err)
	err = a.Ensure(ctx, warehouse.Row{"orderid": 1, "shipdays": 3}, nil)
	require.NoError(t, err)
	require.Equal(t, warehouse.Row{
		"orderid": 1, "shipdateid": 10, "arrivedateid": 13, "shipdays": 3,
	}, db.Rows("shipment")[0])

	// An explicit nil does not take a milestone back.
	err = a.Ensure(ctx, warehouse.Row{"orderid": 1, "arrivedateid": nil}, nil)
	require.NoError(t, err)
	require.Equal(t, 13, db.Rows("shipment")[0]["arrivedateid"])
}

func TestStarload_Warehouse_AccumulatingFactTable_UpdateNilRefs(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	db := memdb.New()
	a := shipmentTable(t, db, &warehouse.AccumulatingFactTableConfig{UpdateNilRefs: true})

	err := a.Ensure(ctx, warehouse.Row{"orderid": 1, "shipdateid": 10, "arrivedateid": 13, "shipdays": 3}, nil)
	require.NoError(t, err)

	err = a.Ensure(ctx, warehouse.Row{"orderid": 1, "shipdateid": 10, "arrivedateid": nil, "shipdays": 3}, nil)
	require.NoError(t, err)
	require.Nil(t, db.Rows("shipment")[0]["arrivedateid"])
	require.Equal(t, 3, db.Rows("shipment")[0]["shipdays"])
}

func TestStarload_Warehouse_AccumulatingFactTable_FactExpander(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	db := memdb.New()
	var sawChanged []string
	a := shipmentTable(t, db, &warehouse.AccumulatingFactTableConfig{
		FactExpander: func(_ context.Context, row warehouse.Row, nm warehouse.NameMapping, changed []string) error {
			sawChanged = changed
			ship, ok := warehouse.Int(row["shipdateid"])
			if !ok {
				return nil
			}
			arrive, ok := warehouse.Int(row["arrivedateid"])
			if !ok {
				return nil
			}
			row["shipdays"] = arrive - ship
			return nil
		},
	})

	err := a.Ensure(ctx, warehouse.Row{"orderid": 1, "shipdateid": 10}, nil)
	require.NoError(t, err)
	require.Empty(t, sawChanged)

	// The expander sees the complete fact, the changed attribute names,
	// and derives the lag measure before the update is written.
	err = a.Ensure(ctx, warehouse.Row{"orderid": 1, "arrivedateid": 13}, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"arrivedateid"}, sawChanged)
	require.Equal(t, warehouse.Row{
		"orderid": 1, "shipdateid": 10, "arrivedateid": 13, "shipdays": int64(3),
	}, db.Rows("shipment")[0])
}

func TestStarload_Warehouse_AccumulatingFactTable_Update(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	db := memdb.New()
	expanderRuns := 0
	a := shipmentTable(t, db, &warehouse.AccumulatingFactTableConfig{
		FactExpander: func(context.Context, warehouse.Row, warehouse.NameMapping, []string) error {
			expanderRuns++
			return nil
		},
	})

	err := a.Update(ctx, warehouse.Row{"orderid": 1, "shipdays": 4}, nil)
	require.ErrorIs(t, err, warehouse.ErrAbsent)

	err = a.Ensure(ctx, warehouse.Row{"orderid": 1, "shipdateid": 10}, nil)
	require.NoError(t, err)

	// Update writes through without running the expander.
	err = a.Update(ctx, warehouse.Row{"orderid": 1, "shipdays": 4}, nil)
	require.NoError(t, err)
	require.Equal(t, 4, db.Rows("shipment")[0]["shipdays"])
	require.Equal(t, 0, expanderRuns)
}
