// Package database persists build state between runs: one record per
// target holding its encoded answer, the run counters for rebuild
// decisions, and the ordered dependency groups recorded the last time its
// rule ran.
package database

import (
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// KeyID is the serialized identity of a key: its kind plus the
// kind-specific identifier.
type KeyID struct {
	Kind string
	ID   string
}

// Record is everything stored about one target. Deps preserves the shape
// of the declaring needs: one inner slice per need call, in call order.
type Record struct {
	Key     KeyID
	Value   []byte
	Built   int64
	Changed int64
	Deps    [][]KeyID
}

// Target is one row of the status listing.
type Target struct {
	Kind    string `json:"kind"`
	ID      string `json:"id"`
	Built   int64  `json:"built"`
	Changed int64  `json:"changed"`
	Deps    int    `json:"deps"`
}

// DB is the SQLite data access layer for the build database. SQLite
// allows one writer at a time, so all mutating calls serialize on mu.
type DB struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens the build database at dbPath with WAL mode enabled.
func Open(dbPath string) (*DB, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &DB{db: db}, nil
}

// Close closes the underlying database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// Migrate creates the schema. Idempotent.
func (d *DB) Migrate() error {
	_, err := d.db.Exec(schemaDDL)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS meta (
  name   TEXT PRIMARY KEY,
  value  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS targets (
  id      INTEGER PRIMARY KEY,
  kind    TEXT NOT NULL,
  key     TEXT NOT NULL,
  value   BLOB NOT NULL,
  built   INTEGER NOT NULL,
  changed INTEGER NOT NULL,
  UNIQUE (kind, key)
);

CREATE TABLE IF NOT EXISTS deps (
  target_id INTEGER NOT NULL REFERENCES targets(id) ON DELETE CASCADE,
  grp       INTEGER NOT NULL,
  ord       INTEGER NOT NULL,
  dep_kind  TEXT NOT NULL,
  dep_key   TEXT NOT NULL,
  PRIMARY KEY (target_id, grp, ord)
);

CREATE INDEX IF NOT EXISTS idx_targets_kind_key ON targets(kind, key);
`

// NextRun increments and returns the run counter. Each engine run gets a
// fresh counter value before any target is considered.
func (d *DB) NextRun() (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var run int64
	err := d.db.QueryRow(`
		INSERT INTO meta (name, value) VALUES ('run', 1)
		ON CONFLICT(name) DO UPDATE SET value = value + 1
		RETURNING value`).Scan(&run)
	if err != nil {
		return 0, fmt.Errorf("advance run counter: %w", err)
	}
	return run, nil
}

// Run returns the current run counter without advancing it. Returns zero
// before the first run.
func (d *DB) Run() (int64, error) {
	var run int64
	err := d.db.QueryRow(`SELECT value FROM meta WHERE name = 'run'`).Scan(&run)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read run counter: %w", err)
	}
	return run, nil
}

// Lookup fetches the record for k, reporting ok=false when the target has
// never been built.
func (d *DB) Lookup(k KeyID) (*Record, bool, error) {
	rec := &Record{Key: k}
	var id int64
	err := d.db.QueryRow(`
		SELECT id, value, built, changed FROM targets WHERE kind = ? AND key = ?`,
		k.Kind, k.ID).Scan(&id, &rec.Value, &rec.Built, &rec.Changed)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("lookup %s %s: %w", k.Kind, k.ID, err)
	}

	rows, err := d.db.Query(`
		SELECT grp, dep_kind, dep_key FROM deps WHERE target_id = ? ORDER BY grp, ord`, id)
	if err != nil {
		return nil, false, fmt.Errorf("lookup deps of %s %s: %w", k.Kind, k.ID, err)
	}
	defer rows.Close()

	lastGrp := int64(-1)
	for rows.Next() {
		var grp int64
		var dep KeyID
		if err := rows.Scan(&grp, &dep.Kind, &dep.ID); err != nil {
			return nil, false, fmt.Errorf("scan dep row: %w", err)
		}
		if grp != lastGrp {
			rec.Deps = append(rec.Deps, nil)
			lastGrp = grp
		}
		rec.Deps[len(rec.Deps)-1] = append(rec.Deps[len(rec.Deps)-1], dep)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("iterate dep rows: %w", err)
	}
	return rec, true, nil
}

// Store upserts the record for rec.Key, replacing its dependency groups.
func (d *DB) Store(rec *Record) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("begin store: %w", err)
	}
	defer tx.Rollback()

	var id int64
	err = tx.QueryRow(`
		INSERT INTO targets (kind, key, value, built, changed) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(kind, key) DO UPDATE SET
		  value = excluded.value, built = excluded.built, changed = excluded.changed
		RETURNING id`,
		rec.Key.Kind, rec.Key.ID, rec.Value, rec.Built, rec.Changed).Scan(&id)
	if err != nil {
		return fmt.Errorf("store %s %s: %w", rec.Key.Kind, rec.Key.ID, err)
	}

	if _, err := tx.Exec(`DELETE FROM deps WHERE target_id = ?`, id); err != nil {
		return fmt.Errorf("clear deps of %s: %w", rec.Key.ID, err)
	}
	stmt, err := tx.Prepare(`
		INSERT INTO deps (target_id, grp, ord, dep_kind, dep_key) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare dep insert: %w", err)
	}
	defer stmt.Close()
	for grp, group := range rec.Deps {
		for ord, dep := range group {
			if _, err := stmt.Exec(id, grp, ord, dep.Kind, dep.ID); err != nil {
				return fmt.Errorf("store dep %s of %s: %w", dep.ID, rec.Key.ID, err)
			}
		}
	}
	return tx.Commit()
}

// Targets lists every stored target with its run counters and dependency
// count, ordered by kind then key.
func (d *DB) Targets() ([]Target, error) {
	rows, err := d.db.Query(`
		SELECT t.kind, t.key, t.built, t.changed, COUNT(d.target_id)
		FROM targets t LEFT JOIN deps d ON d.target_id = t.id
		GROUP BY t.id
		ORDER BY t.kind, t.key`)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	defer rows.Close()

	var out []Target
	for rows.Next() {
		var t Target
		if err := rows.Scan(&t.Kind, &t.ID, &t.Built, &t.Changed, &t.Deps); err != nil {
			return nil, fmt.Errorf("scan target row: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
