package persist

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/subcog-dev/subcog/pkg/logging"
	"github.com/subcog-dev/subcog/pkg/memory"

	_ "modernc.org/sqlite" // SQLite driver
)

// SQLiteBackend persists one row per memory in a single table, one
// transaction per Persist. Remote sync is unsupported.
type SQLiteBackend struct {
	db     *sql.DB
	logger logging.Logger
	closed bool
}

// OpenSQLite opens (creating if needed) a SQLite persistence backend.
func OpenSQLite(ctx context.Context, path string, logger logging.Logger) (*SQLiteBackend, error) {
	if path == "" {
		return nil, memory.WrapOp("sqlite_open", fmt.Errorf("database path cannot be empty"))
	}
	if logger == nil {
		logger = logging.Nop()
	}

	// _journal_mode=WAL: Better concurrency
	// _synchronous=NORMAL: Good balance of safety and speed
	// _busy_timeout=5000: Wait up to 5s for lock instead of failing immediately
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, memory.WrapOp("sqlite_open", fmt.Errorf("failed to open database: %w", err))
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(2 * time.Hour)

	b := &SQLiteBackend{db: db, logger: logger}
	if err := b.createTables(ctx); err != nil {
		db.Close()
		return nil, memory.WrapOp("sqlite_open", err)
	}
	logger.Info("sqlite persistence opened", "path", path)
	return b, nil
}

func (b *SQLiteBackend) createTables(ctx context.Context) error {
	createTableSQL := `
	CREATE TABLE IF NOT EXISTS memories (
		id TEXT PRIMARY KEY,
		namespace TEXT NOT NULL,
		domain_key TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		record TEXT NOT NULL,
		bytes INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_memories_namespace ON memories(namespace, domain_key);
	CREATE INDEX IF NOT EXISTS idx_memories_status ON memories(status, updated_at);
	`

	if _, err := b.db.ExecContext(ctx, createTableSQL); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}
	return nil
}

// Persist writes the row inside a transaction.
func (b *SQLiteBackend) Persist(ctx context.Context, m *memory.Memory) (Result, error) {
	if b.closed {
		return Result{}, memory.WrapOp("sqlite_persist", memory.ErrStoreClosed)
	}

	data, err := EncodeMemory(m)
	if err != nil {
		return Result{}, memory.WrapOp("sqlite_persist", err)
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, memory.WrapOp("sqlite_persist", fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(1) FROM memories WHERE id = ?", m.ID).Scan(&exists); err != nil {
		return Result{}, memory.WrapOp("sqlite_persist", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO memories (id, namespace, domain_key, status, record, bytes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ID, string(m.Namespace), m.Domain.Key(), string(m.Status), string(data), len(data),
		m.CreatedAt.UTC().Format(time.RFC3339Nano), m.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return Result{}, memory.WrapOp("sqlite_persist", fmt.Errorf("failed to insert memory: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return Result{}, memory.WrapOp("sqlite_persist", fmt.Errorf("failed to commit transaction: %w", err))
	}

	return Result{Created: exists == 0}, nil
}

// Load returns the memory by id.
func (b *SQLiteBackend) Load(ctx context.Context, id string) (*memory.Memory, error) {
	if b.closed {
		return nil, memory.WrapOp("sqlite_load", memory.ErrStoreClosed)
	}

	var data string
	err := b.db.QueryRowContext(ctx, "SELECT record FROM memories WHERE id = ?", id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, memory.WrapOp("sqlite_load", memory.ErrNotFound)
	}
	if err != nil {
		return nil, memory.WrapOp("sqlite_load", err)
	}
	return DecodeMemory([]byte(data))
}

// LoadNamespace returns the (namespace, domain) population ordered by id.
func (b *SQLiteBackend) LoadNamespace(ctx context.Context, ns memory.Namespace, d memory.Domain) ([]*memory.Memory, error) {
	if b.closed {
		return nil, memory.WrapOp("sqlite_load_namespace", memory.ErrStoreClosed)
	}

	rows, err := b.db.QueryContext(ctx,
		"SELECT record FROM memories WHERE namespace = ? AND domain_key = ? ORDER BY id",
		string(ns), d.Key())
	if err != nil {
		return nil, memory.WrapOp("sqlite_load_namespace", err)
	}
	defer func() { _ = rows.Close() }()

	return b.scanRecords(rows)
}

// LoadAll enumerates the full population, optionally restricted to a domain.
func (b *SQLiteBackend) LoadAll(ctx context.Context, d *memory.Domain) ([]*memory.Memory, error) {
	if b.closed {
		return nil, memory.WrapOp("sqlite_load_all", memory.ErrStoreClosed)
	}

	query := "SELECT record FROM memories ORDER BY id"
	args := []any{}
	if d != nil {
		query = "SELECT record FROM memories WHERE domain_key = ? ORDER BY id"
		args = append(args, d.Key())
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, memory.WrapOp("sqlite_load_all", err)
	}
	defer func() { _ = rows.Close() }()

	return b.scanRecords(rows)
}

func (b *SQLiteBackend) scanRecords(rows *sql.Rows) ([]*memory.Memory, error) {
	var out []*memory.Memory
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			continue
		}
		m, err := DecodeMemory([]byte(data))
		if err != nil {
			b.logger.Warn("skipping undecodable memory row", "error", err)
			continue
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Delete removes the row. Idempotent.
func (b *SQLiteBackend) Delete(ctx context.Context, id string) error {
	if b.closed {
		return memory.WrapOp("sqlite_delete", memory.ErrStoreClosed)
	}
	_, err := b.db.ExecContext(ctx, "DELETE FROM memories WHERE id = ?", id)
	if err != nil {
		return memory.WrapOp("sqlite_delete", err)
	}
	return nil
}

// PurgeTombstones removes tombstoned rows older than the cutoff.
func (b *SQLiteBackend) PurgeTombstones(ctx context.Context, olderThan time.Time) (int, error) {
	if b.closed {
		return 0, memory.WrapOp("sqlite_purge", memory.ErrStoreClosed)
	}

	res, err := b.db.ExecContext(ctx,
		"DELETE FROM memories WHERE status = ? AND updated_at < ?",
		string(memory.StatusTombstone), olderThan.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, memory.WrapOp("sqlite_purge", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, memory.WrapOp("sqlite_purge", err)
	}
	return int(n), nil
}

// SyncRemote is unsupported; a SQLite file has no remote.
func (b *SQLiteBackend) SyncRemote(ctx context.Context, dir Direction) (SyncResult, error) {
	return SyncResult{}, memory.WrapOp("sqlite_sync", memory.ErrUnsupported)
}

// Stats aggregates counts with indexed GROUP BY queries.
func (b *SQLiteBackend) Stats(ctx context.Context) (Stats, error) {
	if b.closed {
		return Stats{}, memory.WrapOp("sqlite_stats", memory.ErrStoreClosed)
	}

	stats := Stats{
		ByNamespace: make(map[memory.Namespace]int64),
		ByDomain:    make(map[string]int64),
	}

	if err := b.db.QueryRowContext(ctx, "SELECT COUNT(*), COALESCE(SUM(bytes), 0) FROM memories").
		Scan(&stats.Total, &stats.Bytes); err != nil {
		return Stats{}, memory.WrapOp("sqlite_stats", err)
	}

	rows, err := b.db.QueryContext(ctx, "SELECT namespace, COUNT(*) FROM memories GROUP BY namespace")
	if err != nil {
		return Stats{}, memory.WrapOp("sqlite_stats", err)
	}
	for rows.Next() {
		var ns string
		var n int64
		if err := rows.Scan(&ns, &n); err == nil {
			stats.ByNamespace[memory.Namespace(ns)] = n
		}
	}
	rows.Close()

	rows, err = b.db.QueryContext(ctx, "SELECT domain_key, COUNT(*) FROM memories GROUP BY domain_key")
	if err != nil {
		return Stats{}, memory.WrapOp("sqlite_stats", err)
	}
	for rows.Next() {
		var dom string
		var n int64
		if err := rows.Scan(&dom, &n); err == nil {
			stats.ByDomain[dom] = n
		}
	}
	rows.Close()

	return stats, nil
}

// Close closes the database handle.
func (b *SQLiteBackend) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	return b.db.Close()
}
