// Package postgres persists orchestrator journal entries to PostgreSQL.
package postgres

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/tradejs/internal/async"
	"github.com/coachpo/tradejs/internal/journal"
)

const (
	defaultWorkers      = 2
	defaultQueue        = 256
	defaultWriteTimeout = 5 * time.Second
	defaultRecentLimit  = 100
	maxRecentLimit      = 1000
)

const (
	insertEntrySQL = `
INSERT INTO orchestrator_journal (recorded_at, level, instrument_id, kind, message, fields)
VALUES ($1, $2, $3, $4, $5, COALESCE($6::jsonb, '{}'::jsonb));
`

	recentEntriesSQL = `
SELECT recorded_at, level, instrument_id, kind, message, fields
FROM orchestrator_journal
WHERE ($1 = '' OR instrument_id = $1)
ORDER BY recorded_at DESC, id DESC
LIMIT $2;
`
)

// Config controls the sink's connection pool and write queue.
type Config struct {
	DSN          string
	MaxConns     int32
	Workers      int
	Queue        int
	WriteTimeout time.Duration
	Logger       *log.Logger
}

func (c Config) normalize() Config {
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.Queue <= 0 {
		c.Queue = defaultQueue
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.Logger == nil {
		c.Logger = log.New(os.Stdout, "journal-postgres ", log.LstdFlags|log.Lmicroseconds)
	}
	return c
}

// Sink writes entries asynchronously so Record never waits on the database.
type Sink struct {
	pool    *pgxpool.Pool
	writes  *async.Pool
	timeout time.Duration
	logger  *log.Logger
	owned   bool
}

// Open connects to cfg.DSN and returns a sink that owns the connection pool.
func Open(ctx context.Context, cfg Config) (*Sink, error) {
	cfg = cfg.normalize()
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("journal postgres: dsn required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("journal postgres: parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("journal postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("journal postgres: ping: %w", err)
	}
	ObservePoolMetrics(pool, "journal")
	sink, err := New(pool, cfg)
	if err != nil {
		pool.Close()
		return nil, err
	}
	sink.owned = true
	return sink, nil
}

// New wraps an existing pool. The caller keeps ownership of pool.
func New(pool *pgxpool.Pool, cfg Config) (*Sink, error) {
	if pool == nil {
		return nil, fmt.Errorf("journal postgres: pool required")
	}
	cfg = cfg.normalize()
	logger := cfg.Logger
	writes, err := async.NewPool(cfg.Workers, cfg.Queue, async.WithErrorHandler(func(err error) {
		logger.Printf("journal write failed: %v", err)
	}))
	if err != nil {
		return nil, err
	}
	return &Sink{pool: pool, writes: writes, timeout: cfg.WriteTimeout, logger: logger}, nil
}

// Record implements journal.Sink. Entries are dropped with a log line when the
// write queue is full.
func (s *Sink) Record(ctx context.Context, e journal.Entry) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	if ctx == nil {
		ctx = context.Background()
	}
	err := s.writes.Submit(context.WithoutCancel(ctx), func(ctx context.Context) error {
		return s.insert(ctx, e)
	})
	if err != nil {
		s.logger.Printf("journal entry dropped: kind=%s instrument=%s: %v", e.Kind, e.InstrumentID, err)
	}
}

func (s *Sink) insert(ctx context.Context, e journal.Entry) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	var fields []byte
	if len(e.Fields) > 0 {
		encoded, err := json.Marshal(e.Fields)
		if err != nil {
			return fmt.Errorf("encode journal fields: %w", err)
		}
		fields = encoded
	}
	if _, err := s.pool.Exec(ctx, insertEntrySQL,
		e.At.UTC(), string(e.Level), e.InstrumentID, string(e.Kind), e.Message, fields); err != nil {
		return fmt.Errorf("insert journal entry: %w", err)
	}
	return nil
}

// Recent returns the newest entries, optionally filtered by instrument.
func (s *Sink) Recent(ctx context.Context, instrumentID string, limit int) ([]journal.Entry, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	if limit > maxRecentLimit {
		limit = maxRecentLimit
	}
	rows, err := s.pool.Query(ctx, recentEntriesSQL, instrumentID, limit)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	entries, err := pgx.CollectRows(rows, scanEntry)
	if err != nil {
		return nil, fmt.Errorf("scan journal: %w", err)
	}
	return entries, nil
}

func scanEntry(row pgx.CollectableRow) (journal.Entry, error) {
	var (
		e      journal.Entry
		level  string
		kind   string
		fields []byte
	)
	if err := row.Scan(&e.At, &level, &e.InstrumentID, &kind, &e.Message, &fields); err != nil {
		return journal.Entry{}, err
	}
	e.Level = journal.Level(level)
	e.Kind = journal.Kind(kind)
	if len(fields) > 0 && string(fields) != "{}" {
		if err := json.Unmarshal(fields, &e.Fields); err != nil {
			return journal.Entry{}, fmt.Errorf("decode journal fields: %w", err)
		}
	}
	return e, nil
}

// Flush waits for queued writes and stops accepting new ones.
func (s *Sink) Flush(ctx context.Context) error {
	return s.writes.Shutdown(ctx)
}

// Close flushes pending writes and releases the pool when the sink owns it.
func (s *Sink) Close(ctx context.Context) error {
	err := s.Flush(ctx)
	if s.owned {
		s.pool.Close()
	}
	return err
}
