// Package sqldb is the SQL usage ledger: one row per metered request,
// written asynchronously in batches.
package sqldb

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/tjfontaine/llm-relay/internal/core/domain"
	"github.com/tjfontaine/llm-relay/internal/storage/dialect"
)

const (
	defaultBatchSize     = 100
	defaultFlushInterval = 5 * time.Second
	defaultQueueSize     = 1000
	drainTimeout         = 30 * time.Second
)

// Store is the usage ledger. Enqueue never blocks; Run moves queued events
// into the database.
type Store struct {
	db            *sqlx.DB
	dialect       dialect.Dialect
	logger        *slog.Logger
	records       chan domain.UsageEvent
	batchSize     int
	flushInterval time.Duration
	dropped       atomic.Int64
}

// Config holds database connection configuration
type Config struct {
	Driver string // Driver name: sqlite, postgres
	DSN    string // Data source name / connection string

	BatchSize     int
	FlushInterval time.Duration
	QueueSize     int
	Logger        *slog.Logger
}

// Totals aggregates ledger rows for one key.
type Totals struct {
	Requests int64 `db:"requests" json:"requests"`
	Tokens   int64 `db:"tokens" json:"tokens"`
}

// New opens the database and creates the ledger schema.
func New(cfg Config) (*Store, error) {
	d, err := dialect.FromDriverName(cfg.Driver)
	if err != nil {
		return nil, fmt.Errorf("unsupported database driver: %w", err)
	}

	db, err := sqlx.Open(d.DriverName(), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if n := d.MaxOpenConns(); n > 0 {
		db.SetMaxOpenConns(n)
		db.SetMaxIdleConns(n)
		db.SetConnMaxLifetime(0)
	}

	for _, stmt := range d.PragmaStatements() {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute pragma: %w", err)
		}
	}

	s := &Store{
		db:            db,
		dialect:       d,
		logger:        cfg.Logger,
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.batchSize <= 0 {
		s.batchSize = defaultBatchSize
	}
	if s.flushInterval <= 0 {
		s.flushInterval = defaultFlushInterval
	}
	queue := cfg.QueueSize
	if queue <= 0 {
		queue = defaultQueueSize
	}
	s.records = make(chan domain.UsageEvent, queue)

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// NewSQLite opens a SQLite ledger with default batching.
func NewSQLite(dsn string) (*Store, error) {
	return New(Config{Driver: "sqlite", DSN: dsn})
}

// DB returns the underlying sqlx.DB for advanced operations
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Dialect returns the dialect being used
func (s *Store) Dialect() dialect.Dialect {
	return s.dialect
}

// Dropped reports how many events were discarded because the queue was full.
func (s *Store) Dropped() int64 {
	return s.dropped.Load()
}

func (s *Store) initSchema() error {
	d := s.dialect
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS usage_events (
	id TEXT PRIMARY KEY,
	key_hash TEXT NOT NULL,
	username %[1]s NOT NULL DEFAULT '',
	endpoint %[1]s NOT NULL DEFAULT '',
	model %[1]s NOT NULL DEFAULT '',
	provider %[1]s NOT NULL DEFAULT '',
	tokens %[2]s NOT NULL DEFAULT 0,
	adjusted_tokens %[2]s NOT NULL DEFAULT 0,
	status %[2]s NOT NULL DEFAULT 0,
	streamed %[3]s NOT NULL,
	created_at %[2]s NOT NULL
)`, d.TextType(), d.BigIntType(), d.BooleanType()),
		`CREATE INDEX IF NOT EXISTS idx_usage_events_key_created ON usage_events(key_hash, created_at)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// Enqueue adds an event to the write queue. When the queue is full the event
// is dropped with a warning.
func (s *Store) Enqueue(ev domain.UsageEvent) {
	if s == nil {
		return
	}
	select {
	case s.records <- ev:
	default:
		s.dropped.Add(1)
		s.logger.Warn("usage ledger queue full, dropping event",
			"user", ev.Username,
			"model", ev.Model,
		)
	}
}

// Run writes queued events until ctx is cancelled, then drains the queue.
// A batch is written when it reaches the batch size or on every flush tick.
func (s *Store) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	batch := make([]domain.UsageEvent, 0, s.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		wctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()
		if err := s.writeBatch(wctx, batch); err != nil {
			s.logger.Error("failed to write usage batch",
				"events", len(batch),
				"error", err,
			)
		}
		batch = batch[:0]
	}

	for {
		select {
		case ev := <-s.records:
			batch = append(batch, ev)
			if len(batch) >= s.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			for {
				select {
				case ev := <-s.records:
					batch = append(batch, ev)
					if len(batch) >= s.batchSize {
						flush()
					}
				default:
					flush()
					return nil
				}
			}
		}
	}
}

// Flush writes everything currently queued.
func (s *Store) Flush(ctx context.Context) error {
	if s == nil {
		return nil
	}

	batch := make([]domain.UsageEvent, 0, s.batchSize)
	for {
		select {
		case ev := <-s.records:
			batch = append(batch, ev)
			if len(batch) >= s.batchSize {
				if err := s.writeBatch(ctx, batch); err != nil {
					return err
				}
				batch = batch[:0]
			}
		default:
			return s.writeBatch(ctx, batch)
		}
	}
}

func (s *Store) writeBatch(ctx context.Context, events []domain.UsageEvent) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	stmt, err := tx.PreparexContext(ctx, s.dialect.Rebind(`
		INSERT INTO usage_events (
			id, key_hash, username, endpoint, model, provider,
			tokens, adjusted_tokens, status, streamed, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`))
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, ev := range events {
		_, err := stmt.ExecContext(ctx,
			ev.ID,
			ev.KeyHash,
			ev.Username,
			ev.Endpoint,
			ev.Model,
			ev.Provider,
			ev.Tokens,
			ev.AdjustedTokens,
			ev.Status,
			ev.Streamed,
			ev.CreatedAt,
		)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to insert usage event %s: %w", ev.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Recent returns the newest events for keyHash, newest first.
func (s *Store) Recent(ctx context.Context, keyHash string, limit int) ([]domain.UsageEvent, error) {
	if limit <= 0 {
		limit = 20
	}

	events := []domain.UsageEvent{}
	query := s.dialect.Rebind(`
		SELECT id, key_hash, username, endpoint, model, provider,
			tokens, adjusted_tokens, status, streamed, created_at
		FROM usage_events
		WHERE key_hash = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`)
	if err := s.db.SelectContext(ctx, &events, query, keyHash, limit); err != nil {
		return nil, fmt.Errorf("failed to query usage events: %w", err)
	}
	return events, nil
}

// Totals sums the adjusted tokens billed to keyHash since the given unix time.
func (s *Store) Totals(ctx context.Context, keyHash string, since int64) (Totals, error) {
	var t Totals
	query := s.dialect.Rebind(`
		SELECT COUNT(*) AS requests, CAST(COALESCE(SUM(adjusted_tokens), 0) AS BIGINT) AS tokens
		FROM usage_events
		WHERE key_hash = ? AND created_at >= ?`)
	if err := s.db.GetContext(ctx, &t, query, keyHash, since); err != nil {
		return Totals{}, fmt.Errorf("failed to query usage totals: %w", err)
	}
	return t, nil
}

// Close closes the database. Queued events that were not flushed are lost.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
