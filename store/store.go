// Package store persists sync engine state in an embedded SQLite
// database: the settings key-value table (change tokens, cached flags),
// the pending-change queue feeding pushes, and operation tickets for
// crash-recoverable batch submissions.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	// Pure-Go SQLite driver (no CGO).
	_ "modernc.org/sqlite"
)

// Store is the sole writer to the sync database. All state lives in one
// file so a single transaction can span settings and queue updates.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	// Prepared statements for repeated queries, grouped by domain.
	settingStmts settingStatements
	pendingStmts pendingStatements
	ticketStmts  ticketStatements
}

// Statement groups to avoid a flat list of fields.
type settingStatements struct {
	get, set, delete *sql.Stmt
}

type pendingStatements struct {
	enqueue, listPending, markInflight, deleteByID, release *sql.Stmt
}

type ticketStatements struct {
	put, get, delete, list *sql.Stmt
}

// Open opens the database at dbPath, applying migrations and preparing
// all repeated statements. Use ":memory:" for tests.
func Open(dbPath string, logger *slog.Logger) (*Store, error) {
	logger.Info("opening sync state database", "path", dbPath)

	// DSN parameters ensure pragmas apply to every connection from the pool.
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"+
			"&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)"+
			"&_pragma=journal_size_limit(67108864)",
		dbPath,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: opening database %s: %w", dbPath, err)
	}

	// Sole-writer pattern: only one connection writes at a time.
	db.SetMaxOpenConns(1)

	ctx := context.Background()
	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db, logger: logger}

	if err := s.prepareAllStatements(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: prepare statements: %w", err)
	}

	logger.Info("sync state database ready", "path", dbPath)

	return s, nil
}

// stmtDef maps a SQL string to the prepared statement pointer it should
// populate. Used by the generic prepare helper to eliminate repetitive
// error handling.
type stmtDef struct {
	dest **sql.Stmt
	sql  string
	name string
}

// prepareAll prepares a batch of statements, returning on first error.
func prepareAll(ctx context.Context, db *sql.DB, defs []stmtDef) error {
	for i := range defs {
		stmt, err := db.PrepareContext(ctx, defs[i].sql)
		if err != nil {
			return fmt.Errorf("prepare %s: %w", defs[i].name, err)
		}

		*defs[i].dest = stmt
	}

	return nil
}

func (s *Store) prepareAllStatements(ctx context.Context) error {
	if err := s.prepareSettingStmts(ctx); err != nil {
		return err
	}

	if err := s.preparePendingStmts(ctx); err != nil {
		return err
	}

	return s.prepareTicketStmts(ctx)
}

// Checkpoint forces a WAL checkpoint to consolidate the WAL file into
// the main database.
func (s *Store) Checkpoint() error {
	s.logger.Debug("running WAL checkpoint")

	_, err := s.db.ExecContext(context.Background(), "PRAGMA wal_checkpoint(TRUNCATE)")
	if err != nil {
		return fmt.Errorf("store: wal checkpoint: %w", err)
	}

	return nil
}

// Close closes all prepared statements and the database connection.
func (s *Store) Close() error {
	s.logger.Info("closing sync state database")

	for _, stmt := range []*sql.Stmt{
		s.settingStmts.get, s.settingStmts.set, s.settingStmts.delete,
		s.pendingStmts.enqueue, s.pendingStmts.listPending, s.pendingStmts.markInflight,
		s.pendingStmts.deleteByID, s.pendingStmts.release,
		s.ticketStmts.put, s.ticketStmts.get, s.ticketStmts.delete, s.ticketStmts.list,
	} {
		if stmt != nil {
			if err := stmt.Close(); err != nil {
				s.logger.Error("error closing statement", "error", err)
			}
		}
	}

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("store: close database: %w", err)
	}

	return nil
}

// nowNano returns the current time as Unix nanoseconds, the timestamp
// representation used throughout the database.
func nowNano() int64 {
	return time.Now().UnixNano()
}
