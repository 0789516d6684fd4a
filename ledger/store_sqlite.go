package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// schemaVersion is pinned via PRAGMA user_version. A store created by a
// different build is never silently migrated: the caller gets ErrSchemaVersion
// and must recreate (the "please refresh" signal).
const schemaVersion = 1

const timeFormat = time.RFC3339Nano

// Store is the per-device persistent mirror of server state: one table per
// entity type, the pending-change queue, and sync metadata. It never
// initiates network I/O.
type Store struct {
	db *sql.DB

	subMu sync.Mutex
	subs  []func(pending int)
}

// OpenStore opens or creates the SQLite database at path. A fresh database
// gets the current schema; an existing one is verified, not migrated.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}
	// SQLite allows a single writer; concurrent per-entity sync passes
	// share this handle, so serialize at the pool level.
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) init() error {
	var version int
	if err := s.db.QueryRow(`PRAGMA user_version`).Scan(&version); err != nil {
		return err
	}
	if version == 0 {
		if err := s.migrate(); err != nil {
			return err
		}
		_, err := s.db.Exec(fmt.Sprintf(`PRAGMA user_version = %d`, schemaVersion))
		return err
	}
	if version != schemaVersion {
		return &SchemaError{Want: schemaVersion, Got: version}
	}
	return s.verifyTables()
}

func (s *Store) migrate() error {
	for _, name := range Stores {
		_, err := s.db.Exec(fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
  id TEXT PRIMARY KEY,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL,
  deleted_at TEXT,
  attrs TEXT NOT NULL DEFAULT '{}'
)`, name))
		if err != nil {
			return err
		}
	}
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS pending_changes (
  change_id TEXT PRIMARY KEY,
  store TEXT NOT NULL,
  record_id TEXT NOT NULL,
  op TEXT NOT NULL,
  payload TEXT NOT NULL,
  enqueued_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_pending_record ON pending_changes(store, record_id);

CREATE TABLE IF NOT EXISTS sync_state (
  k TEXT PRIMARY KEY,
  v TEXT NOT NULL
);
`)
	return err
}

func (s *Store) verifyTables() error {
	expected := append(append([]string{}, Stores...), "pending_changes", "sync_state")
	for _, name := range expected {
		var found string
		err := s.db.QueryRow(
			`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, name,
		).Scan(&found)
		if err == sql.ErrNoRows {
			return &SchemaError{Want: schemaVersion, Got: schemaVersion, Missing: name}
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Get fetches one record by id. A missing record returns (nil, nil) so it is
// never confused with an error condition.
func (s *Store) Get(ctx context.Context, store, id string) (*Record, error) {
	if !validStore(store) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStore, store)
	}
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT id, created_at, updated_at, deleted_at, attrs FROM %s WHERE id = ?`, store), id)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetAll returns every non-deleted record in the store, ordered by id
// (UUIDv7 ids sort by creation time).
func (s *Store) GetAll(ctx context.Context, store string) ([]Record, error) {
	if !validStore(store) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStore, store)
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT id, created_at, updated_at, deleted_at, attrs FROM %s WHERE deleted_at IS NULL ORDER BY id`, store))
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Put upserts a record by id, overwriting all fields.
func (s *Store) Put(ctx context.Context, store string, rec Record) error {
	if !validStore(store) {
		return fmt.Errorf("%w: %s", ErrUnknownStore, store)
	}
	var deletedAt any
	if rec.DeletedAt != nil {
		deletedAt = rec.DeletedAt.UTC().Format(timeFormat)
	}
	attrs := "{}"
	if len(rec.Attrs) > 0 {
		attrs = string(rec.Attrs)
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
INSERT INTO %s (id, created_at, updated_at, deleted_at, attrs)
VALUES (?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET
  created_at=excluded.created_at,
  updated_at=excluded.updated_at,
  deleted_at=excluded.deleted_at,
  attrs=excluded.attrs`, store),
		rec.ID,
		rec.CreatedAt.UTC().Format(timeFormat),
		rec.UpdatedAt.UTC().Format(timeFormat),
		deletedAt,
		attrs,
	)
	return err
}

// Delete hard-removes a record from local storage.
func (s *Store) Delete(ctx context.Context, store, id string) error {
	if !validStore(store) {
		return fmt.Errorf("%w: %s", ErrUnknownStore, store)
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, store), id)
	return err
}

// MarkDeleted soft-deletes a record. The row stays until the server
// acknowledges the delete, so the pending change can be retried.
func (s *Store) MarkDeleted(ctx context.Context, store, id string, at time.Time) error {
	if !validStore(store) {
		return fmt.Errorf("%w: %s", ErrUnknownStore, store)
	}
	ts := at.UTC().Format(timeFormat)
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s SET deleted_at = ?, updated_at = ? WHERE id = ?`, store), ts, ts, id)
	return err
}

// Wipe clears every table, including pending changes and sync metadata.
// Used when a different user logs in on this device.
func (s *Store) Wipe(ctx context.Context) error {
	for _, name := range Stores {
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s`, name)); err != nil {
			return err
		}
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pending_changes`); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sync_state`); err != nil {
		return err
	}
	s.notify(ctx)
	return nil
}

// GetState fetches sync metadata with default fallback.
func (s *Store) GetState(ctx context.Context, key, def string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT v FROM sync_state WHERE k = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return def, nil
	}
	return v, err
}

// SetState updates sync metadata.
func (s *Store) SetState(ctx context.Context, key, val string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO sync_state(k,v) VALUES(?,?)
ON CONFLICT(k) DO UPDATE SET v=excluded.v`, key, val)
	return err
}

// Cursor returns the per-store pull watermark; zero if never synced.
func (s *Store) Cursor(ctx context.Context, store string) (time.Time, error) {
	v, err := s.GetState(ctx, "cursor:"+store, "")
	if err != nil || v == "" {
		return time.Time{}, err
	}
	return time.Parse(timeFormat, v)
}

// SetCursor advances the per-store pull watermark. Cursors only move forward.
func (s *Store) SetCursor(ctx context.Context, store string, at time.Time) error {
	return s.SetState(ctx, "cursor:"+store, at.UTC().Format(timeFormat))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var rec Record
	var created, updated string
	var deleted sql.NullString
	var attrs string
	if err := row.Scan(&rec.ID, &created, &updated, &deleted, &attrs); err != nil {
		return Record{}, err
	}
	var err error
	if rec.CreatedAt, err = time.Parse(timeFormat, created); err != nil {
		return Record{}, err
	}
	if rec.UpdatedAt, err = time.Parse(timeFormat, updated); err != nil {
		return Record{}, err
	}
	if deleted.Valid {
		t, err := time.Parse(timeFormat, deleted.String)
		if err != nil {
			return Record{}, err
		}
		rec.DeletedAt = &t
	}
	rec.Attrs = []byte(attrs)
	return rec, nil
}
