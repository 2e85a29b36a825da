// Package store owns the guard's embedded SQLite database: the
// classification audit trail and the prompt registry. The database is
// opened in WAL mode with a single connection; all access is expected to
// happen under the guard's lock (see internal/guard).
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// commitThreshold is the number of pending classification inserts that
// forces a commit between ticks.
const commitThreshold = 10

// Store wraps a sql.DB connection to thrall.db.
//
// Classification inserts are accumulated inside an explicit transaction and
// committed either when commitThreshold is reached or when Flush is called
// from the tick handler. Reads that must observe uncommitted inserts
// (the knock query) go through the open transaction.
type Store struct {
	conn    *sql.DB
	batch   *sql.Tx // open insert batch, nil when everything is committed
	pending int
	closed  bool
}

// Classification is a persisted triage decision.
type Classification struct {
	RowID      int64
	MessageID  *string
	FromNode   string
	Tier       string
	Action     string // drop, wake, reply, breaker_blocked, loop_blocked
	Reasoning  string
	PromptHash string
	WallMS     int64
	SessionID  *string
	CreatedAt  float64 // unix seconds
	TTLExpires float64 // unix seconds
}

// Prompt is a registered classification prompt.
type Prompt struct {
	Name     string
	Content  string
	Hash     string
	PushedBy string
	PushedAt float64
	Active   bool
}

// Open creates a new Store and runs all pending migrations.
func Open(path string) (*Store, error) {
	conn, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{conn: conn}
	if err := s.migrate(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close flushes any pending batch and closes the database connection.
// Errors from a racing double-close are swallowed; the connection is being
// torn down either way.
func (s *Store) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.batch != nil {
		_ = s.batch.Commit()
		s.batch = nil
		s.pending = 0
	}
	return s.conn.Close()
}

// Conn returns the underlying *sql.DB for use by other packages if needed.
func (s *Store) Conn() *sql.DB {
	return s.conn
}

// q returns the querier that sees pending inserts: the open batch
// transaction when there is one, otherwise the connection.
func (s *Store) q() interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
} {
	if s.batch != nil {
		return s.batch
	}
	return s.conn
}

// --- Migrations ---

type migration struct {
	version int
	fn      func(tx *sql.Tx) error
}

var migrations = []migration{
	{version: 1, fn: migrate001},
}

func (s *Store) migrate() error {
	// Ensure schema_migrations table exists.
	_, err := s.conn.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	row := s.conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations")
	if err := row.Scan(&current); err != nil {
		return fmt.Errorf("read migration version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}

		tx, err := s.conn.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.version, err)
		}

		if err := m.fn(tx); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d: %w", m.version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", m.version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.version, err)
		}
	}

	return nil
}

func migrate001(tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE thrall_classifications (
			rowid INTEGER PRIMARY KEY AUTOINCREMENT,
			message_id TEXT,
			from_node TEXT NOT NULL,
			tier TEXT NOT NULL,
			action TEXT NOT NULL,
			reasoning TEXT,
			prompt_hash TEXT,
			wall_ms INTEGER,
			session_id TEXT,
			created_at REAL NOT NULL,
			ttl_expires REAL NOT NULL
		)`,

		`CREATE TABLE thrall_prompts (
			name TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			hash TEXT NOT NULL,
			pushed_by TEXT NOT NULL,
			pushed_at REAL NOT NULL,
			active INTEGER DEFAULT 1
		)`,

		`CREATE INDEX idx_tc_node ON thrall_classifications(from_node)`,
		`CREATE INDEX idx_tc_action ON thrall_classifications(action)`,
		`CREATE INDEX idx_tc_ttl ON thrall_classifications(ttl_expires)`,
	}

	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt[:40], err)
		}
	}
	return nil
}

// --- Classification Methods ---

// InsertClassification appends a classification record to the current batch,
// starting a batch transaction if none is open. Returns true when the insert
// tripped the commit threshold and the batch was flushed.
func (s *Store) InsertClassification(c *Classification) (flushed bool, err error) {
	if s.closed {
		return false, fmt.Errorf("store is closed")
	}
	if s.batch == nil {
		tx, err := s.conn.Begin()
		if err != nil {
			return false, fmt.Errorf("begin batch: %w", err)
		}
		s.batch = tx
	}

	_, err = s.batch.Exec(
		`INSERT INTO thrall_classifications
		 (message_id, from_node, tier, action, reasoning, prompt_hash, wall_ms, session_id, created_at, ttl_expires)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.MessageID, c.FromNode, c.Tier, c.Action, truncate(c.Reasoning, 2000),
		c.PromptHash, c.WallMS, c.SessionID, c.CreatedAt, c.TTLExpires,
	)
	if err != nil {
		return false, fmt.Errorf("insert classification: %w", err)
	}

	s.pending++
	if s.pending >= commitThreshold {
		if err := s.Flush(); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// Flush commits the pending insert batch, if any.
func (s *Store) Flush() error {
	if s.batch == nil || s.closed {
		return nil
	}
	if err := s.batch.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	s.batch = nil
	s.pending = 0
	return nil
}

// Pending reports the number of uncommitted classification inserts.
func (s *Store) Pending() int {
	return s.pending
}

// CountRecentDrops counts drop classifications for a sender prefix after the
// cutoff. The prefix comparison uses substr with exact equality, never LIKE,
// so user-supplied input cannot smuggle wildcards; idx_tc_node keeps the
// scan bounded.
func (s *Store) CountRecentDrops(prefix string, cutoff float64) (int, error) {
	var count int
	err := s.q().QueryRow(
		`SELECT count(*) FROM thrall_classifications
		 WHERE substr(from_node, 1, 16) = ? AND action = 'drop' AND created_at > ?`,
		prefix, cutoff,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count recent drops: %w", err)
	}
	return count, nil
}

// RecentClassifications returns the newest classification records, up to limit.
func (s *Store) RecentClassifications(limit int) ([]Classification, error) {
	rows, err := s.q().Query(
		`SELECT rowid, message_id, from_node, tier, action, reasoning, prompt_hash, wall_ms, session_id, created_at, ttl_expires
		 FROM thrall_classifications ORDER BY rowid DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent classifications: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []Classification
	for rows.Next() {
		var c Classification
		var reasoning, promptHash sql.NullString
		var wallMS sql.NullInt64
		if err := rows.Scan(&c.RowID, &c.MessageID, &c.FromNode, &c.Tier, &c.Action,
			&reasoning, &promptHash, &wallMS, &c.SessionID, &c.CreatedAt, &c.TTLExpires); err != nil {
			return nil, fmt.Errorf("scan classification: %w", err)
		}
		c.Reasoning = reasoning.String
		c.PromptHash = promptHash.String
		c.WallMS = wallMS.Int64
		out = append(out, c)
	}
	return out, rows.Err()
}

// PruneExpired removes classification records whose TTL has elapsed.
// The pending batch is flushed first so the delete runs on committed state.
func (s *Store) PruneExpired(now float64) (int64, error) {
	if err := s.Flush(); err != nil {
		return 0, err
	}
	res, err := s.q().Exec(`DELETE FROM thrall_classifications WHERE ttl_expires < ?`, now)
	if err != nil {
		return 0, fmt.Errorf("prune classifications: %w", err)
	}
	return res.RowsAffected()
}

// --- Prompt Methods ---

// EnsurePrompt installs a prompt under the given name if no active prompt
// with that name exists. Used at startup to seed the hardcoded default.
func (s *Store) EnsurePrompt(name, content, hash, pushedBy string) error {
	_, err := s.q().Exec(
		`INSERT OR IGNORE INTO thrall_prompts (name, content, hash, pushed_by, pushed_at, active)
		 VALUES (?, ?, ?, ?, ?, 1)`,
		name, content, hash, pushedBy, unixSeconds(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("ensure prompt %q: %w", name, err)
	}
	return nil
}

// UpsertPrompt installs or replaces a prompt and marks it active, then
// commits. The name primary key guarantees at most one active row per name.
func (s *Store) UpsertPrompt(name, content, hash, pushedBy string) error {
	_, err := s.q().Exec(
		`INSERT OR REPLACE INTO thrall_prompts (name, content, hash, pushed_by, pushed_at, active)
		 VALUES (?, ?, ?, ?, ?, 1)`,
		name, content, hash, pushedBy, unixSeconds(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("upsert prompt %q: %w", name, err)
	}
	return s.Flush()
}

// ActivePrompt returns the content of the active prompt with the given name,
// or "" if none exists.
func (s *Store) ActivePrompt(name string) (string, error) {
	var content string
	err := s.q().QueryRow(
		`SELECT content FROM thrall_prompts WHERE name = ? AND active = 1`, name,
	).Scan(&content)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("active prompt %q: %w", name, err)
	}
	return content, nil
}

// GetPrompt retrieves a prompt by name, or nil if it does not exist.
func (s *Store) GetPrompt(name string) (*Prompt, error) {
	p := &Prompt{Name: name}
	var active int
	err := s.q().QueryRow(
		`SELECT content, hash, pushed_by, pushed_at, active FROM thrall_prompts WHERE name = ?`, name,
	).Scan(&p.Content, &p.Hash, &p.PushedBy, &p.PushedAt, &active)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get prompt %q: %w", name, err)
	}
	p.Active = active == 1
	return p, nil
}

// ListPrompts returns all registered prompts ordered by name.
func (s *Store) ListPrompts() ([]Prompt, error) {
	rows, err := s.q().Query(
		`SELECT name, content, hash, pushed_by, pushed_at, active FROM thrall_prompts ORDER BY name`,
	)
	if err != nil {
		return nil, fmt.Errorf("list prompts: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var prompts []Prompt
	for rows.Next() {
		var p Prompt
		var active int
		if err := rows.Scan(&p.Name, &p.Content, &p.Hash, &p.PushedBy, &p.PushedAt, &active); err != nil {
			return nil, fmt.Errorf("scan prompt: %w", err)
		}
		p.Active = active == 1
		prompts = append(prompts, p)
	}
	return prompts, rows.Err()
}

func truncate(s string, max int) string {
	if len(s) > max {
		return s[:max]
	}
	return s
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}
