package warehouse_test

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/starsetlabs/starload/pkg/memdb"
	"github.com/starsetlabs/starload/pkg/warehouse"
)

// loadInstant is the frozen clock reading the test sessions start from, so
// the session's load day is 2010-04-04.
var loadInstant = time.Date(2010, 4, 4, 10, 30, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	debugLevel := os.Getenv("DEBUG")
	var level slog.Level
	switch debugLevel {
	case "2":
		level = slog.LevelDebug
	case "1":
		level = slog.LevelInfo
	default:
		// Suppress logs by default (only show errors and above)
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func newTestSession(t *testing.T, db *memdb.DB) *warehouse.Session {
	t.Helper()
	log := testLogger()
	conn, err := warehouse.NewConn(log, db)
	require.NoError(t, err)
	s, err := warehouse.NewSession(log, &warehouse.SessionConfig{
		Conn:  conn,
		Clock: clockwork.NewFakeClockAt(loadInstant),
	})
	require.NoError(t, err)
	return s
}
