package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"golang.org/x/sync/errgroup"

	"github.com/starsetlabs/starload/pkg/notify"
	"github.com/starsetlabs/starload/pkg/postgres"
	"github.com/starsetlabs/starload/pkg/retry"
	"github.com/starsetlabs/starload/pkg/source"
	"github.com/starsetlabs/starload/pkg/warehouse"
)

type smokeConfig struct {
	DatabaseURL string
	Listen      string
	From        time.Time
	Days        int
}

type smokeProduct struct {
	name  string
	price int
	// repriceDay reprices the product that many days into the window,
	// which adds a second version to the dimension. Zero disables it.
	repriceDay int
	newPrice   int
}

var smokeProducts = []smokeProduct{
	{name: "espresso", price: 350, repriceDay: 8, newPrice: 375},
	{name: "latte", price: 450},
	{name: "cortado", price: 400},
}

// runSmokeLoad drives the demo star schema load while a status server
// reports on it. The process exits when the load is done.
func runSmokeLoad(log *slog.Logger, cfg smokeConfig) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("starting smoke load", "version", version, "commit", commit, "build_date", date,
		"from", cfg.From.Format(time.DateOnly), "days", cfg.Days)

	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		env := os.Getenv("SENTRY_ENVIRONMENT")
		if env == "" {
			env = "development"
		}
		if err := sentry.Init(sentry.ClientOptions{Dsn: dsn, Environment: env, Release: version}); err != nil {
			return fmt.Errorf("failed to initialize sentry: %w", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	st := newRunStatus()
	srv := newStatusServer(log, cfg.Listen, st)

	loadCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(loadCtx)
	g.Go(func() error {
		return serveStatus(gctx, log, srv)
	})
	g.Go(func() error {
		defer cancel()
		report := &notify.Report{Title: "starload smoke load", Started: time.Now().UTC()}
		err := smokeLoad(gctx, log, cfg, st, report)
		report.Finished = time.Now().UTC()
		report.Err = err
		st.finish(err)
		if err != nil {
			sentry.CaptureException(err)
		}
		n := notify.New(log, &notify.Config{
			Token:   os.Getenv("SLACK_BOT_TOKEN"),
			Channel: os.Getenv("SLACK_CHANNEL"),
		})
		// Post on the signal context: the load context is torn down as
		// soon as this function returns.
		if perr := n.PostReport(ctx, report); perr != nil {
			log.Error("failed to post load report", "error", perr)
		}
		return err
	})
	return g.Wait()
}

func smokeLoad(ctx context.Context, log *slog.Logger, cfg smokeConfig, st *runStatus, report *notify.Report) error {
	// The warehouse may still be starting when the load job launches.
	connectRetry := retry.Config{MaxAttempts: 10, BaseBackoff: 500 * time.Millisecond, MaxBackoff: 5 * time.Second}
	err := retry.Do(ctx, connectRetry, func() error {
		return migrateUp(ctx, log, cfg.DatabaseURL)
	})
	if err != nil {
		return err
	}

	d, err := retry.DoValue(ctx, connectRetry, func() (*postgres.Driver, error) {
		return postgres.New(ctx, log, &postgres.Config{DSN: cfg.DatabaseURL})
	})
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer closeCancel()
		if err := d.Close(closeCtx); err != nil {
			log.Warn("failed to close driver", "error", err)
		}
	}()
	st.setReady()

	conn, err := warehouse.NewConn(log, d)
	if err != nil {
		return err
	}
	s, err := warehouse.NewSession(log, &warehouse.SessionConfig{Conn: conn})
	if err != nil {
		return err
	}

	// No prefill: the source carries dates as strings while the table
	// returns time.Time, so prefilled entries would never match. Misses
	// fall through to SQL, which casts.
	dateDim, err := warehouse.NewCachedDimension(ctx, s, &warehouse.CachedDimensionConfig{
		DimensionConfig: warehouse.DimensionConfig{
			Name:       "date_dim",
			Key:        "dateid",
			Attributes: []string{"date", "monthname", "weekday", "year", "month", "day"},
			LookupAtts: []string{"date"},
		},
	})
	if err != nil {
		return err
	}

	productDim, err := warehouse.NewType2Dimension(ctx, s, &warehouse.Type2DimensionConfig{
		Name:       "product_dim",
		Key:        "productid",
		Attributes: []string{"name", "price", "version", "validfrom", "validto"},
		LookupAtts: []string{"name"},
		VersionAtt: "version",
		FromAtt:    "validfrom",
		ToAtt:      "validto",
		SrcDateAtt: "asof",
	})
	if err != nil {
		return err
	}

	salesFact, err := warehouse.NewBulkFactTable(s, &warehouse.BulkFactTableConfig{
		Name:     "sales_fact",
		KeyRefs:  []string{"dateid", "productid"},
		Measures: []string{"sold"},
		SpoolConfig: warehouse.SpoolConfig{
			Loader:       postgres.CopyLoader(d.Pool()),
			NullSubst:    `\N`,
			UseNullSubst: true,
		},
	})
	if err != nil {
		return err
	}

	// Dates first.
	dateStart := time.Now()
	to := cfg.From.AddDate(0, 0, cfg.Days-1)
	days := source.Counted("date_span", source.DateSpan(cfg.From, to, nil))
	dayRows, err := source.Collect(days)
	if err != nil {
		return fmt.Errorf("failed to produce date rows: %w", err)
	}
	for _, day := range dayRows {
		if _, err := dateDim.Ensure(ctx, day, nil); err != nil {
			return err
		}
		st.addRows("date_dim", 1)
	}
	dateDur := time.Since(dateStart)

	// Product versions next. Repricing mid-window makes the dimension
	// close the first version and open a second one.
	productStart := time.Now()
	dayKeys := make([]map[string]any, len(dayRows))
	productKeys := make(map[any]bool)
	for i, day := range dayRows {
		dayKeys[i] = make(map[string]any, len(smokeProducts))
		for _, p := range smokeProducts {
			price := p.price
			if p.repriceDay > 0 && i+1 >= p.repriceDay {
				price = p.newPrice
			}
			key, err := productDim.SCDEnsure(ctx, warehouse.Row{
				"name":  p.name,
				"price": price,
				"asof":  day["date"],
			}, nil)
			if err != nil {
				return err
			}
			dayKeys[i][p.name] = key
			if !productKeys[key] {
				productKeys[key] = true
				st.addRows("product_dim", 1)
			}
		}
	}
	productDur := time.Since(productStart)

	// Facts last, spooled and bulk loaded on commit.
	factStart := time.Now()
	factRows := 0
	for i, day := range dayRows {
		for _, p := range smokeProducts {
			sold := (i*7+len(p.name)*3)%25 + 1
			err := salesFact.Insert(ctx, warehouse.Row{
				"dateid":    day["dateid"],
				"productid": dayKeys[i][p.name],
				"sold":      sold,
			}, nil)
			if err != nil {
				return err
			}
			factRows++
			st.addRows("sales_fact", 1)
		}
	}
	if err := s.Commit(ctx); err != nil {
		return err
	}
	factDur := time.Since(factStart)

	report.Tables = []notify.TableReport{
		{Name: "date_dim", Rows: len(dayRows), Duration: dateDur},
		{Name: "product_dim", Rows: len(productKeys), Duration: productDur},
		{Name: "sales_fact", Rows: factRows, Duration: factDur},
	}
	log.Info("smoke load complete",
		"dates", len(dayRows), "product_versions", len(productKeys), "facts", factRows)
	return nil
}
