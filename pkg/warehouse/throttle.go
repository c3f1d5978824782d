package warehouse

import (
	"context"

	"golang.org/x/time/rate"
)

// ThrottledDriver paces statements against a shared database so a long
// load does not starve interactive queries. Execute and Query block until
// the limiter grants a token.
type ThrottledDriver struct {
	Driver
	limiter *rate.Limiter
}

// Throttle wraps a driver with a statement rate limit.
func Throttle(d Driver, limit rate.Limit, burst int) *ThrottledDriver {
	return &ThrottledDriver{Driver: d, limiter: rate.NewLimiter(limit, burst)}
}

func (d *ThrottledDriver) Execute(ctx context.Context, stmt string, args []any, named Row) error {
	if err := d.limiter.Wait(ctx); err != nil {
		return err
	}
	return d.Driver.Execute(ctx, stmt, args, named)
}

func (d *ThrottledDriver) Query(ctx context.Context, stmt string, args []any, named Row) (ResultSet, error) {
	if err := d.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return d.Driver.Query(ctx, stmt, args, named)
}
