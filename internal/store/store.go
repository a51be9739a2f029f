// Package store persists committed rule tables in SQLite so an engine can be
// rebuilt with the same handles and order after a restart.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"grimm.is/pktfilter/internal/config"
	"grimm.is/pktfilter/internal/filter"
	"grimm.is/pktfilter/internal/logging"

	_ "modernc.org/sqlite"
)

// ChangeType labels an entry in the change journal.
type ChangeType string

const (
	ChangeCommit  ChangeType = "commit"
	ChangeDelete  ChangeType = "delete"
	ChangeApply   ChangeType = "apply"
	ChangeReset   ChangeType = "reset"
	ChangeReplace ChangeType = "replace"
)

// Change is one journal entry.
type Change struct {
	ID        int64      `json:"id"`
	Scope     string     `json:"scope"`
	Type      ChangeType `json:"type"`
	Rules     int        `json:"rules"`
	Detail    string     `json:"detail,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// DB wraps the SQLite database holding rule tables.
type DB struct {
	db     *sql.DB
	logger *logging.Logger
	now    func() time.Time
}

// Open opens or creates the rule database at path.
func Open(path string, logger *logging.Logger) (*DB, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if path == ":memory:" {
		// Every connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	rdb, err := OpenWithDB(db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return rdb, nil
}

// OpenWithDB uses an existing connection, creating the schema if needed.
func OpenWithDB(db *sql.DB, logger *logging.Logger) (*DB, error) {
	if logger == nil {
		logger = logging.New(logging.DefaultConfig())
	}
	rdb := &DB{
		db:     db,
		logger: logger.WithComponent("store"),
		now:    time.Now,
	}
	if err := rdb.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return rdb, nil
}

// Close closes the database.
func (s *DB) Close() error {
	return s.db.Close()
}

func (s *DB) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS rules (
			scope TEXT NOT NULL,
			handle INTEGER NOT NULL,
			ord INTEGER NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			action TEXT NOT NULL,
			hashable INTEGER NOT NULL DEFAULT 0,
			max_priority INTEGER NOT NULL DEFAULT 0,
			body TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (scope, handle)
		);

		CREATE INDEX IF NOT EXISTS idx_rules_scope_ord ON rules(scope, ord);

		CREATE TABLE IF NOT EXISTS scopes (
			scope TEXT PRIMARY KEY,
			last_handle INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS rule_changes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			scope TEXT NOT NULL,
			change_type TEXT NOT NULL,
			rules INTEGER NOT NULL DEFAULT 0,
			detail TEXT,
			timestamp TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_rule_changes_scope ON rule_changes(scope);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SaveScope replaces the stored table of scope with snap and journals the
// change, in one transaction.
func (s *DB) SaveScope(scope filter.Scope, snap filter.Snapshot, change ChangeType, detail string) error {
	key := scope.String()
	rules := snap.Rules
	stamp := s.now().UTC().Format(time.RFC3339Nano)

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM rules WHERE scope = ?`, key); err != nil {
		return fmt.Errorf("clear %s: %w", key, err)
	}
	if _, err := tx.Exec(`
		INSERT INTO scopes (scope, last_handle, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(scope) DO UPDATE SET
			last_handle = MAX(last_handle, excluded.last_handle),
			updated_at = excluded.updated_at
	`, key, int64(snap.LastHandle), stamp); err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO rules (scope, handle, ord, name, action, hashable, max_priority, body, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range rules {
		body, err := json.Marshal(config.FromSpec(r.RuleSpec))
		if err != nil {
			return fmt.Errorf("encode %s handle %s: %w", key, r.Handle, err)
		}
		if _, err := stmt.Exec(key, int64(r.Handle), int64(r.Order), r.Name, string(r.Action),
			r.Hashable, r.MaxPriority, string(body), stamp); err != nil {
			return fmt.Errorf("insert %s handle %s: %w", key, r.Handle, err)
		}
	}

	if err := journal(tx, key, change, len(rules), detail, stamp); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	s.logger.Debug("scope saved", "scope", key, "rules", len(rules), "change", string(change))
	return nil
}

// DeleteScope removes every stored rule of scope.
func (s *DB) DeleteScope(scope filter.Scope) error {
	key := scope.String()
	stamp := s.now().UTC().Format(time.RFC3339Nano)

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.Exec(`DELETE FROM rules WHERE scope = ?`, key)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if _, err := tx.Exec(`DELETE FROM scopes WHERE scope = ?`, key); err != nil {
		return err
	}
	if err := journal(tx, key, ChangeReset, int(n), "", stamp); err != nil {
		return err
	}
	return tx.Commit()
}

func journal(tx *sql.Tx, scope string, change ChangeType, rules int, detail, stamp string) error {
	var d sql.NullString
	if detail != "" {
		d = sql.NullString{String: detail, Valid: true}
	}
	_, err := tx.Exec(`
		INSERT INTO rule_changes (scope, change_type, rules, detail, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`, scope, string(change), rules, d, stamp)
	if err != nil {
		return fmt.Errorf("journal %s: %w", scope, err)
	}
	return nil
}

// Scopes lists the stored scopes, including those whose rules were all
// deleted.
func (s *DB) Scopes() ([]filter.Scope, error) {
	rows, err := s.db.Query(`
		SELECT scope FROM scopes
		UNION
		SELECT scope FROM rules
		ORDER BY scope
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []filter.Scope
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		sc, err := filter.ParseScope(key)
		if err != nil {
			return nil, fmt.Errorf("stored scope %q: %w", key, err)
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// LoadScope returns the stored rules of scope in insertion order and its
// last issued handle.
func (s *DB) LoadScope(scope filter.Scope) (filter.Snapshot, error) {
	var snap filter.Snapshot
	var last int64
	err := s.db.QueryRow(`SELECT last_handle FROM scopes WHERE scope = ?`, scope.String()).Scan(&last)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return snap, err
	}
	snap.LastHandle = filter.Handle(last)

	rows, err := s.db.Query(`
		SELECT handle, ord, body FROM rules WHERE scope = ? ORDER BY ord
	`, scope.String())
	if err != nil {
		return snap, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			handle, ord int64
			body        string
		)
		if err := rows.Scan(&handle, &ord, &body); err != nil {
			return snap, err
		}

		var rc config.RuleConfig
		if err := json.Unmarshal([]byte(body), &rc); err != nil {
			return snap, fmt.Errorf("decode %s handle %d: %w", scope, handle, err)
		}
		spec, err := rc.ToSpec(scope.IP)
		if err != nil {
			return snap, fmt.Errorf("decode %s handle %d: %w", scope, handle, err)
		}
		snap.Rules = append(snap.Rules, filter.InstalledRule{
			Handle:   filter.Handle(handle),
			Order:    uint64(ord),
			RuleSpec: spec,
		})
	}
	return snap, rows.Err()
}

// LoadAll returns every stored scope with its snapshot.
func (s *DB) LoadAll() (map[filter.Scope]filter.Snapshot, error) {
	scopes, err := s.Scopes()
	if err != nil {
		return nil, err
	}
	out := make(map[filter.Scope]filter.Snapshot, len(scopes))
	for _, sc := range scopes {
		snap, err := s.LoadScope(sc)
		if err != nil {
			return nil, err
		}
		out[sc] = snap
	}
	return out, nil
}

// Changes returns the most recent journal entries, newest first. A zero
// limit returns everything.
func (s *DB) Changes(limit int) ([]Change, error) {
	query := `
		SELECT id, scope, change_type, rules, detail, timestamp
		FROM rule_changes ORDER BY id DESC
	`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Change
	for rows.Next() {
		var (
			c      Change
			detail sql.NullString
			stamp  string
		)
		if err := rows.Scan(&c.ID, &c.Scope, &c.Type, &c.Rules, &detail, &stamp); err != nil {
			return nil, err
		}
		c.Detail = detail.String
		if c.Timestamp, err = time.Parse(time.RFC3339Nano, stamp); err != nil {
			return nil, fmt.Errorf("change %d: %w", c.ID, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
