package warehouse

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStarload_Warehouse_Convert_ToDBString(t *testing.T) {
	t.Parallel()
	day := time.Date(2010, 3, 3, 0, 0, 0, 0, time.UTC)
	instant := time.Date(2010, 3, 3, 13, 37, 1, 0, time.UTC)

	require.Equal(t, "7", ToDBString(7))
	require.Equal(t, "7.5", ToDBString(7.5))
	require.Equal(t, "1", ToDBString(true))
	require.Equal(t, "0", ToDBString(false))
	require.Equal(t, "Aalborg", ToDBString("Aalborg"))
	require.Equal(t, "2010-03-03", ToDBString(day))
	require.Equal(t, "2010-03-03 13:37:01", ToDBString(instant))
}

func TestStarload_Warehouse_Convert_ToSQLLiteral(t *testing.T) {
	t.Parallel()
	require.Equal(t, "NULL", ToSQLLiteral(nil))
	require.Equal(t, "7", ToSQLLiteral(7))
	require.Equal(t, "'Aalborg'", ToSQLLiteral("Aalborg"))
	require.Equal(t, "'it''s'", ToSQLLiteral("it's"))
	require.Equal(t, "'2010-03-03'", ToSQLLiteral(time.Date(2010, 3, 3, 0, 0, 0, 0, time.UTC)))
}
