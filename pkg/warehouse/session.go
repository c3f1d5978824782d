package warehouse

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
)

// Table is anything a Session tracks for end-of-load work, typically to
// flush buffered rows before a commit.
type Table interface {
	Name() string
	EndLoad(ctx context.Context) error
}

// SessionConfig configures a load session.
type SessionConfig struct {
	// Conn is the target warehouse connection. Required.
	Conn *Conn
	// Clock supplies the load timestamps. Defaults to the real clock.
	Clock clockwork.Clock
	// Quoting renders identifiers in generated SQL. Defaults to no quoting.
	Quoting Quoter
}

func (c *SessionConfig) Validate() error {
	if c.Conn == nil {
		return fmt.Errorf("%w: target connection is required", ErrConfig)
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Quoting == nil {
		c.Quoting = NoQuote
	}
	return nil
}

// Session ties the tables of one load run together: a shared target
// connection, a clock whose readings are frozen for the duration of the
// load, and the registry of tables to flush at commit time.
//
// A session and its tables belong to a single goroutine.
type Session struct {
	log    *slog.Logger
	cfg    *SessionConfig
	tables []Table
	today  *time.Time
	now    *time.Time
}

func NewSession(log *slog.Logger, cfg *SessionConfig) (*Session, error) {
	if log == nil {
		return nil, fmt.Errorf("%w: logger is required", ErrConfig)
	}
	if cfg == nil {
		return nil, fmt.Errorf("%w: config is required", ErrConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Session{log: log, cfg: cfg}, nil
}

func (s *Session) Conn() *Conn            { return s.cfg.Conn }
func (s *Session) Clock() clockwork.Clock { return s.cfg.Clock }
func (s *Session) Quoter() Quoter         { return s.cfg.Quoting }

func (s *Session) logger() *slog.Logger { return s.log }

// Register adds a table to the session. Table constructors call this; it is
// exported for custom Table implementations.
func (s *Session) Register(t Table) {
	s.tables = append(s.tables, t)
}

// Tables returns the registered tables in registration order.
func (s *Session) Tables() []Table {
	out := make([]Table, len(s.tables))
	copy(out, s.tables)
	return out
}

// Today returns the load day. The first call reads the clock; the value is
// then frozen so every row of the load carries the same date, even across
// midnight.
func (s *Session) Today() time.Time {
	if s.today == nil {
		y, m, d := s.cfg.Clock.Now().UTC().Date()
		t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
		s.today = &t
	}
	return *s.today
}

// Now returns the load instant, frozen on first use like Today.
func (s *Session) Now() time.Time {
	if s.now == nil {
		t := s.cfg.Clock.Now().UTC()
		s.now = &t
	}
	return *s.now
}

// EndLoad flushes every registered table in registration order, stopping at
// the first failure.
func (s *Session) EndLoad(ctx context.Context) error {
	for _, t := range s.tables {
		if err := t.EndLoad(ctx); err != nil {
			return fmt.Errorf("failed to finish load of %s: %w", t.Name(), err)
		}
	}
	return nil
}

// Commit runs EndLoad and then commits the target connection. Buffered rows
// would otherwise be lost, so prefer this over committing the connection
// directly.
func (s *Session) Commit(ctx context.Context) error {
	if err := s.EndLoad(ctx); err != nil {
		return err
	}
	return s.cfg.Conn.Commit(ctx)
}

// Rollback rolls the target connection back. Rows buffered in memory are
// not discarded; they flush into the next transaction.
func (s *Session) Rollback(ctx context.Context) error {
	return s.cfg.Conn.Rollback(ctx)
}

// Close releases the target connection without committing.
func (s *Session) Close(ctx context.Context) error {
	return s.cfg.Conn.Close(ctx)
}
