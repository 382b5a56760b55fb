package index

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/subcog-dev/subcog/pkg/logging"
	"github.com/subcog-dev/subcog/pkg/memory"

	_ "modernc.org/sqlite" // SQLite driver
)

// schemaVersion is the current index schema version.
const schemaVersion = 1

// SQLiteIndex implements Backend over SQLite with an FTS5 virtual table for
// BM25 ranking and a (tag, id) keyed table for point tag lookups.
//
// FTS5's built-in bm25() fixes k1=1.2 and b=0.75, which are the configured
// defaults; other Config values are accepted but not applied.
type SQLiteIndex struct {
	db     *sql.DB
	config Config
	logger logging.Logger
	closed bool
}

// OpenSQLite opens an index database at cfg.Path and initializes its schema.
func OpenSQLite(ctx context.Context, cfg Config, logger logging.Logger) (*SQLiteIndex, error) {
	if cfg.Path == "" {
		return nil, memory.WrapOp("index_open", fmt.Errorf("database path cannot be empty"))
	}
	if logger == nil {
		logger = logging.Nop()
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, memory.WrapOp("index_open", fmt.Errorf("failed to open database: %w", err))
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(2 * time.Hour)

	idx := &SQLiteIndex{db: db, config: cfg, logger: logger}
	if err := idx.Initialize(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

// Initialize creates the index schema.
func (s *SQLiteIndex) Initialize(ctx context.Context) error {
	createTableSQL := `
	CREATE TABLE IF NOT EXISTS index_meta (
		key TEXT PRIMARY KEY,
		value INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS memory_index (
		id TEXT PRIMARY KEY,
		namespace TEXT NOT NULL,
		domain_selector TEXT NOT NULL,
		domain_key TEXT NOT NULL,
		summary TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL DEFAULT '',
		source TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'active',
		tier TEXT NOT NULL DEFAULT 'hot',
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_memory_index_ns ON memory_index(namespace, domain_key);
	CREATE INDEX IF NOT EXISTS idx_memory_index_status ON memory_index(status);
	CREATE INDEX IF NOT EXISTS idx_memory_index_created ON memory_index(created_at);

	CREATE TABLE IF NOT EXISTS memory_tags (
		tag TEXT NOT NULL,
		id TEXT NOT NULL,
		PRIMARY KEY (tag, id)
	) WITHOUT ROWID;

	-- FTS5 Virtual Table for BM25 lexical search.
	-- External-content table referencing memory_index to avoid duplicating
	-- text; the Index/Remove paths maintain it with explicit delete+insert
	-- (INSERT OR REPLACE would bypass the delete without recursive triggers).
	CREATE VIRTUAL TABLE IF NOT EXISTS memory_fts USING fts5(content, summary, content='memory_index', content_rowid='rowid');

	CREATE TRIGGER IF NOT EXISTS memory_index_ai AFTER INSERT ON memory_index BEGIN
	  INSERT INTO memory_fts(rowid, content, summary) VALUES (new.rowid, new.content, new.summary);
	END;
	CREATE TRIGGER IF NOT EXISTS memory_index_ad AFTER DELETE ON memory_index BEGIN
	  INSERT INTO memory_fts(memory_fts, rowid, content, summary) VALUES('delete', old.rowid, old.content, old.summary);
	END;
	`

	if _, err := s.db.ExecContext(ctx, createTableSQL); err != nil {
		return memory.WrapOp("index_init", fmt.Errorf("failed to create tables: %w", err))
	}

	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO index_meta (key, value) VALUES ('schema_version', ?)", schemaVersion)
	if err != nil {
		return memory.WrapOp("index_init", err)
	}
	return nil
}

// Migrate brings the schema up to the requested version. Version 1 is the
// initial schema; nothing newer exists yet.
func (s *SQLiteIndex) Migrate(ctx context.Context, version int) error {
	if version > schemaVersion {
		return memory.WrapOp("index_migrate", fmt.Errorf("unknown schema version %d", version))
	}

	var current int
	err := s.db.QueryRowContext(ctx, "SELECT value FROM index_meta WHERE key = 'schema_version'").Scan(&current)
	if err != nil {
		return memory.WrapOp("index_migrate", err)
	}
	if current < version {
		_, err = s.db.ExecContext(ctx, "UPDATE index_meta SET value = ? WHERE key = 'schema_version'", version)
		if err != nil {
			return memory.WrapOp("index_migrate", err)
		}
	}
	return nil
}

// Index adds or overwrites the entry for m. Delete-then-insert keeps the
// FTS5 external-content table coherent through the triggers.
func (s *SQLiteIndex) Index(ctx context.Context, m *memory.Memory) error {
	if s.closed {
		return memory.WrapOp("index_index", memory.ErrStoreClosed)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return memory.WrapOp("index_index", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM memory_index WHERE id = ?", m.ID); err != nil {
		return memory.WrapOp("index_index", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM memory_tags WHERE id = ?", m.ID); err != nil {
		return memory.WrapOp("index_index", err)
	}

	tier := m.Tier
	if tier == "" {
		tier = memory.TierHot
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO memory_index (id, namespace, domain_selector, domain_key, summary, content, source, status, tier, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ID, string(m.Namespace), m.Domain.Selector(), m.Domain.Key(), m.Summary, m.Content,
		m.Source, string(m.Status), string(tier), m.CreatedAt.UTC().Unix())
	if err != nil {
		return memory.WrapOp("index_index", fmt.Errorf("failed to insert index row: %w", err))
	}

	for _, tag := range m.Tags {
		if _, err := tx.ExecContext(ctx, "INSERT OR IGNORE INTO memory_tags (tag, id) VALUES (?, ?)", tag, m.ID); err != nil {
			return memory.WrapOp("index_index", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return memory.WrapOp("index_index", err)
	}
	return nil
}

// Remove deletes the entry. Idempotent.
func (s *SQLiteIndex) Remove(ctx context.Context, id string) error {
	if s.closed {
		return memory.WrapOp("index_remove", memory.ErrStoreClosed)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return memory.WrapOp("index_remove", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM memory_index WHERE id = ?", id); err != nil {
		return memory.WrapOp("index_remove", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM memory_tags WHERE id = ?", id); err != nil {
		return memory.WrapOp("index_remove", err)
	}
	return memory.WrapOp("index_remove", tx.Commit())
}

// buildMatchQuery quotes each token so user input cannot inject FTS5 query
// syntax; tokens are OR-ed, leaving relevance ranking to BM25.
func buildMatchQuery(query string) string {
	fields := strings.Fields(query)
	if len(fields) == 0 {
		return ""
	}
	quoted := make([]string, 0, len(fields))
	for _, f := range fields {
		quoted = append(quoted, `"`+strings.ReplaceAll(f, `"`, `""`)+`"`)
	}
	return strings.Join(quoted, " OR ")
}

// filterClauses renders the SearchFilter into SQL conditions over the
// aliased memory_index table i. Tier restriction is intentionally absent:
// the tier is applied post-hydration by the composite, where the
// authoritative value lives.
func filterClauses(f memory.SearchFilter) ([]string, []any) {
	var conds []string
	var args []any

	if f.Namespace != nil {
		conds = append(conds, "i.namespace = ?")
		args = append(args, string(*f.Namespace))
	}
	if f.Domain != nil {
		conds = append(conds, "i.domain_key = ?")
		args = append(args, f.Domain.Key())
	}
	if f.Status != nil {
		conds = append(conds, "i.status = ?")
		args = append(args, string(*f.Status))
	} else {
		conds = append(conds, "i.status != ?")
		args = append(args, string(memory.StatusTombstone))
	}
	for _, tag := range f.TagsInclude {
		conds = append(conds, "EXISTS (SELECT 1 FROM memory_tags t WHERE t.tag = ? AND t.id = i.id)")
		args = append(args, tag)
	}
	for _, tag := range f.TagsExclude {
		conds = append(conds, "NOT EXISTS (SELECT 1 FROM memory_tags t WHERE t.tag = ? AND t.id = i.id)")
		args = append(args, tag)
	}
	if f.SourceGlob != "" {
		conds = append(conds, "i.source GLOB ?")
		args = append(args, f.SourceGlob)
	}
	if f.Since != nil {
		conds = append(conds, "i.created_at >= ?")
		args = append(args, f.Since.UTC().Unix())
	}
	if f.Until != nil {
		conds = append(conds, "i.created_at <= ?")
		args = append(args, f.Until.UTC().Unix())
	}

	return conds, args
}

// SearchText ranks ids by BM25 relevance. The returned score is the raw
// (sign-flipped) FTS5 bm25 value; callers normalize.
func (s *SQLiteIndex) SearchText(ctx context.Context, query string, filter memory.SearchFilter, limit int) ([]ScoredID, error) {
	if s.closed {
		return nil, memory.WrapOp("index_search_text", memory.ErrStoreClosed)
	}

	match := buildMatchQuery(query)
	if match == "" {
		return s.SearchFilter(ctx, filter, limit)
	}
	if limit <= 0 {
		limit = 10
	}

	conds, args := filterClauses(filter)
	querySQL := `
		SELECT i.id, -bm25(memory_fts) AS score
		FROM memory_fts
		JOIN memory_index i ON i.rowid = memory_fts.rowid
		WHERE memory_fts MATCH ?`
	allArgs := append([]any{match}, args...)
	for _, c := range conds {
		querySQL += " AND " + c
	}
	querySQL += " ORDER BY score DESC, i.id LIMIT ?"
	allArgs = append(allArgs, limit)

	rows, err := s.db.QueryContext(ctx, querySQL, allArgs...)
	if err != nil {
		return nil, memory.WrapOp("index_search_text", err)
	}
	defer func() { _ = rows.Close() }()

	var out []ScoredID
	for rows.Next() {
		var r ScoredID
		if err := rows.Scan(&r.ID, &r.Score); err != nil {
			continue
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SearchFilter returns ids satisfying the filter with constant score 1.0,
// newest first. Tag-equality probes resolve through the (tag, id) primary
// key, keeping the dedup hash lookup a point read.
func (s *SQLiteIndex) SearchFilter(ctx context.Context, filter memory.SearchFilter, limit int) ([]ScoredID, error) {
	if s.closed {
		return nil, memory.WrapOp("index_search_filter", memory.ErrStoreClosed)
	}
	if limit <= 0 {
		limit = 10
	}

	conds, args := filterClauses(filter)
	querySQL := "SELECT i.id FROM memory_index i"
	if len(conds) > 0 {
		querySQL += " WHERE " + strings.Join(conds, " AND ")
	}
	querySQL += " ORDER BY i.created_at DESC, i.id LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, querySQL, args...)
	if err != nil {
		return nil, memory.WrapOp("index_search_filter", err)
	}
	defer func() { _ = rows.Close() }()

	var out []ScoredID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			continue
		}
		out = append(out, ScoredID{ID: id, Score: 1.0})
	}
	return out, rows.Err()
}

// Stats reports the indexed population.
func (s *SQLiteIndex) Stats(ctx context.Context) (Stats, error) {
	if s.closed {
		return Stats{}, memory.WrapOp("index_stats", memory.ErrStoreClosed)
	}

	var stats Stats
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*), COALESCE(SUM(LENGTH(content) + LENGTH(summary)), 0) FROM memory_index").
		Scan(&stats.TotalIndexed, &stats.Bytes)
	if err != nil {
		return Stats{}, memory.WrapOp("index_stats", err)
	}
	return stats, nil
}

// Close closes the database handle.
func (s *SQLiteIndex) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
