// Package sqlite is the staging store adapter: a WAL-journaled SQLite
// database owning files, POIs, relationships, the transactional outbox,
// evidence tracking, and triangulation sessions. Writers are serialized
// through Transaction, which retries briefly on lock contention.
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	sqlite3 "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel"

	"github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/domain"
)

const (
	defaultBusyTimeout    = 5 * time.Second
	defaultWALPageCeiling = 10000
	// SQLite's default variable limit is 999; chunks stay under it.
	maxBindVars = 900
	txAttempts  = 3
)

// Options configure the staging database.
type Options struct {
	Path           string
	BusyTimeout    time.Duration
	WALPageCeiling int64
}

// Store owns the staging database handle.
type Store struct {
	db      *sql.DB
	log     *slog.Logger
	ceiling int64
}

// Open opens (creating if needed) the staging database and applies the
// schema. The special path ":memory:" opens a private in-memory database.
func Open(ctx domain.Context, opts Options, log *slog.Logger) (*Store, error) {
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = defaultBusyTimeout
	}
	if opts.WALPageCeiling <= 0 {
		opts.WALPageCeiling = defaultWALPageCeiling
	}

	dsn := fmt.Sprintf(
		"file:%s?_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=on&_busy_timeout=%d&_txlock=immediate",
		opts.Path, opts.BusyTimeout.Milliseconds(),
	)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("op=sqlite.Open: %w", err)
	}
	if opts.Path == ":memory:" {
		// Each pooled connection would otherwise see a distinct database.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(4)
		db.SetConnMaxIdleTime(5 * time.Minute)
	}

	s := &Store{db: db, log: log, ceiling: opts.WALPageCeiling}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx domain.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("op=sqlite.migrate: %w", err)
	}
	return nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("op=sqlite.Close: %w", err)
	}
	return nil
}

// DB exposes the handle for read-only queries that need no retry wrapper.
func (s *Store) DB() *sql.DB { return s.db }

// queryer lets read helpers serve both the pooled handle and an open
// transaction.
type queryer interface {
	QueryContext(ctx domain.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx domain.Context, query string, args ...any) *sql.Row
}

func isContention(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.Code == sqlite3.ErrBusy || serr.Code == sqlite3.ErrLocked
	}
	return false
}

// Transaction runs fn atomically, retrying on SQLITE_BUSY/LOCKED with
// exponential backoff up to three attempts. fn must not retain the tx.
func (s *Store) Transaction(ctx domain.Context, fn func(tx *sql.Tx) error) error {
	tracer := otel.Tracer("repo.sqlite")
	ctx, span := tracer.Start(ctx, "sqlite.Transaction")
	defer span.End()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 50 * time.Millisecond
	policy.MaxInterval = 500 * time.Millisecond

	attempt := func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			if isContention(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			if isContention(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		if err := tx.Commit(); err != nil {
			if isContention(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		return nil
	}

	err := backoff.Retry(attempt, backoff.WithContext(backoff.WithMaxRetries(policy, txAttempts-1), ctx))
	if err != nil {
		return fmt.Errorf("op=sqlite.Transaction: %w", err)
	}
	return nil
}

// BatchInsert inserts rows with INSERT OR IGNORE semantics, chunked to
// stay under SQLite's bind-variable limit and the requested batch size.
func (s *Store) BatchInsert(ctx domain.Context, tx *sql.Tx, table string, columns []string, rows [][]any, batchSize int) error {
	if len(rows) == 0 {
		return nil
	}
	if len(columns) == 0 {
		return fmt.Errorf("op=sqlite.BatchInsert: no columns: %w", domain.ErrInvalidArgument)
	}
	if batchSize < 1 {
		batchSize = 100
	}
	chunk := maxBindVars / len(columns)
	if chunk > batchSize {
		chunk = batchSize
	}
	if chunk < 1 {
		chunk = 1
	}

	rowPlaceholder := "(" + strings.TrimSuffix(strings.Repeat("?,", len(columns)), ",") + ")"
	prefix := fmt.Sprintf("INSERT OR IGNORE INTO %s (%s) VALUES ", table, strings.Join(columns, ", "))

	for start := 0; start < len(rows); start += chunk {
		end := start + chunk
		if end > len(rows) {
			end = len(rows)
		}
		batch := rows[start:end]
		placeholders := make([]string, len(batch))
		args := make([]any, 0, len(batch)*len(columns))
		for i, row := range batch {
			if len(row) != len(columns) {
				return fmt.Errorf("op=sqlite.BatchInsert: row %d has %d values for %d columns: %w",
					start+i, len(row), len(columns), domain.ErrInvalidArgument)
			}
			placeholders[i] = rowPlaceholder
			args = append(args, row...)
		}
		if _, err := tx.ExecContext(ctx, prefix+strings.Join(placeholders, ","), args...); err != nil {
			return fmt.Errorf("op=sqlite.BatchInsert: table %s: %w", table, err)
		}
	}
	return nil
}

// Health verifies the database answers queries and the WAL has not grown
// past the configured page ceiling.
func (s *Store) Health(ctx domain.Context) error {
	var one int
	if err := s.db.QueryRowContext(ctx, `SELECT 1`).Scan(&one); err != nil {
		return fmt.Errorf("op=sqlite.Health: %w", err)
	}
	var busy, logPages, checkpointed int64
	err := s.db.QueryRowContext(ctx, `PRAGMA wal_checkpoint(PASSIVE)`).Scan(&busy, &logPages, &checkpointed)
	if err != nil {
		return fmt.Errorf("op=sqlite.Health: %w", err)
	}
	if logPages > s.ceiling {
		return fmt.Errorf("op=sqlite.Health: wal has %d pages, ceiling %d: %w", logPages, s.ceiling, domain.ErrInternal)
	}
	return nil
}

// Maintain reclaims WAL space and refreshes the query planner's statistics.
func (s *Store) Maintain(ctx domain.Context) error {
	if _, err := s.db.ExecContext(ctx, `PRAGMA optimize`); err != nil {
		return fmt.Errorf("op=sqlite.Maintain: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		return fmt.Errorf("op=sqlite.Maintain: %w", err)
	}
	return nil
}

// RunMaintenance runs Maintain on a fixed interval until the context ends.
func (s *Store) RunMaintenance(ctx domain.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			if err := s.Maintain(ctx); err != nil {
				s.log.Error("staging store maintenance failed", slog.Any("error", err))
				continue
			}
			s.log.Info("staging store maintenance completed", slog.Duration("took", time.Since(start)))
		}
	}
}
