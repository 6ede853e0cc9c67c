package adapters

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/tursodatabase/go-libsql"

	ports "github.com/ZanzyTHEbar/toolbridge/toolbridge/orchestrator/ports"
)

// LibSQLAuditStore implements the AuditStore port on an embedded libsql
// database. Records are append-only; nothing in the turn pipeline reads them.
type LibSQLAuditStore struct {
	db *sql.DB
}

// OpenAuditDB opens (creating if needed) the embedded audit database and
// ensures its schema.
func OpenAuditDB(path string) (*LibSQLAuditStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("could not create audit database directory %s: %w", dir, err)
	}

	dsn := fmt.Sprintf("file:%s?_foreign_keys=1&_journal_mode=WAL&_synchronous=NORMAL", path)
	db, err := sql.Open("libsql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open libsql connection: %w", err)
	}

	store := &LibSQLAuditStore{db: db}
	if err := store.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewLibSQLAuditStore wraps an already opened database, mainly for tests.
func NewLibSQLAuditStore(db *sql.DB) (*LibSQLAuditStore, error) {
	store := &LibSQLAuditStore{db: db}
	if err := store.migrate(context.Background()); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *LibSQLAuditStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS turns (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			turn_id TEXT NOT NULL,
			channel_id TEXT NOT NULL,
			user TEXT NOT NULL,
			state TEXT NOT NULL,
			reason TEXT,
			rounds INTEGER NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tool_invocations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			turn_id TEXT NOT NULL,
			server TEXT NOT NULL,
			tool TEXT NOT NULL,
			failure TEXT,
			latency_ms INTEGER NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_turns_channel ON turns(channel_id)`,
		`CREATE INDEX IF NOT EXISTS idx_invocations_turn ON tool_invocations(turn_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("audit schema migration failed: %w", err)
		}
	}
	return nil
}

func (s *LibSQLAuditStore) RecordTurn(ctx context.Context, rec ports.TurnRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO turns (turn_id, channel_id, user, state, reason, rounds, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.TurnID, rec.ChannelID, rec.User, rec.State, rec.Reason, rec.Rounds, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record turn: %w", err)
	}
	return nil
}

func (s *LibSQLAuditStore) RecordInvocation(ctx context.Context, rec ports.InvocationRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tool_invocations (turn_id, server, tool, failure, latency_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.TurnID, rec.Server, rec.Tool, rec.Failure, rec.LatencyMs, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record invocation: %w", err)
	}
	return nil
}

func (s *LibSQLAuditStore) Close() error {
	return s.db.Close()
}

var _ ports.AuditStore = (*LibSQLAuditStore)(nil)
