package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/starsetlabs/starload/pkg/logger"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// .env files configure local runs; a missing file is fine.
	_ = godotenv.Load()

	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	databaseURLFlag := flag.String("database-url", "", "PostgreSQL connection string (or set DATABASE_URL env var)")
	listenFlag := flag.String("listen", "0.0.0.0:8080", "address the status server listens on (or set LISTEN_ADDR env var)")

	// Commands
	migrateUpFlag := flag.Bool("migrate-up", false, "apply the embedded warehouse migrations")
	migrateStatusFlag := flag.Bool("migrate-status", false, "show the state of the embedded warehouse migrations")
	migrateDownFlag := flag.Bool("migrate-down", false, "roll back the most recent migration")
	smokeLoadFlag := flag.Bool("smoke-load", false, "migrate and load the demo star schema end to end")

	// Smoke load options
	smokeFromFlag := flag.String("smoke-from", "2024-03-01", "first day of the demo load window (YYYY-MM-DD)")
	smokeDaysFlag := flag.Int("smoke-days", 14, "number of days in the demo load window")

	flag.Parse()

	log := logger.New(*verboseFlag)

	// Override flags with environment variables if set
	if envDatabaseURL := os.Getenv("DATABASE_URL"); envDatabaseURL != "" {
		*databaseURLFlag = envDatabaseURL
	}
	if envListen := os.Getenv("LISTEN_ADDR"); envListen != "" {
		*listenFlag = envListen
	}

	if *migrateUpFlag {
		if *databaseURLFlag == "" {
			return fmt.Errorf("--database-url is required for --migrate-up")
		}
		return migrateUp(context.Background(), log, *databaseURLFlag)
	}

	if *migrateStatusFlag {
		if *databaseURLFlag == "" {
			return fmt.Errorf("--database-url is required for --migrate-status")
		}
		return migrateStatus(context.Background(), log, *databaseURLFlag)
	}

	if *migrateDownFlag {
		if *databaseURLFlag == "" {
			return fmt.Errorf("--database-url is required for --migrate-down")
		}
		return migrateDown(context.Background(), log, *databaseURLFlag)
	}

	if *smokeLoadFlag {
		if *databaseURLFlag == "" {
			return fmt.Errorf("--database-url is required for --smoke-load")
		}
		from, err := time.Parse(time.DateOnly, *smokeFromFlag)
		if err != nil {
			return fmt.Errorf("invalid smoke-from format (use YYYY-MM-DD): %w", err)
		}
		if *smokeDaysFlag <= 0 {
			return fmt.Errorf("--smoke-days must be positive")
		}
		return runSmokeLoad(log, smokeConfig{
			DatabaseURL: *databaseURLFlag,
			Listen:      *listenFlag,
			From:        from,
			Days:        *smokeDaysFlag,
		})
	}

	flag.Usage()
	return nil
}
