// ABOUTME: SQLite-backed storage for the sync server.
// ABOUTME: Records are keyed by (user, entity, id); servers never see plaintext.

package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/whisper-money/whisper-money-sub002/ledger"
)

var errNotFound = errors.New("not found")

const serverSchema = `
CREATE TABLE IF NOT EXISTS records (
	user_id    TEXT NOT NULL,
	entity     TEXT NOT NULL,
	id         TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	updated_ns INTEGER NOT NULL,
	deleted_at TEXT,
	attrs      TEXT,
	PRIMARY KEY (user_id, entity, id)
);
CREATE INDEX IF NOT EXISTS idx_records_lookup ON records(entity, id);
CREATE TABLE IF NOT EXISTS encryption_keys (
	user_id           TEXT PRIMARY KEY,
	salt              TEXT NOT NULL,
	encrypted_content TEXT NOT NULL,
	iv                TEXT NOT NULL
);
`

// serverStore persists every user's encrypted records. The attrs column is
// opaque to the server: ciphertext envelopes pass through untouched.
type serverStore struct {
	db *sql.DB
}

func openServerStore(path string) (*serverStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec(serverSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &serverStore{db: db}, nil
}

func (s *serverStore) Close() error { return s.db.Close() }

// List returns the user's records for entity with updated_at after since,
// oldest first. Soft-deleted records are included so other devices learn of
// deletions through a normal pull.
func (s *serverStore) List(ctx context.Context, userID, entity string, since time.Time) ([]ledger.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, created_at, updated_at, deleted_at, attrs FROM records
		 WHERE user_id = ? AND entity = ? AND updated_ns > ?
		 ORDER BY updated_ns`,
		userID, entity, since.UnixNano())
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []ledger.Record
	for rows.Next() {
		rec, err := scanServerRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Get returns a single record for the user, or errNotFound.
func (s *serverStore) Get(ctx context.Context, userID, entity, id string) (ledger.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, created_at, updated_at, deleted_at, attrs FROM records
		 WHERE user_id = ? AND entity = ? AND id = ?`,
		userID, entity, id)
	rec, err := scanServerRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Record{}, errNotFound
	}
	return rec, err
}

// Owner returns the user that holds a record id, regardless of who asked.
// Ownership checks for PATCH and DELETE depend on this.
func (s *serverStore) Owner(ctx context.Context, entity, id string) (string, error) {
	var owner string
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id FROM records WHERE entity = ? AND id = ?`, entity, id).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", errNotFound
	}
	return owner, err
}

// Upsert writes a record for the user, stamping updated_at server-side so
// sync cursors advance on the server's clock.
func (s *serverStore) Upsert(ctx context.Context, userID, entity string, rec ledger.Record, now time.Time) (ledger.Record, error) {
	rec.UpdatedAt = now.UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = rec.UpdatedAt
	}
	var deletedAt any
	if rec.DeletedAt != nil {
		deletedAt = rec.DeletedAt.UTC().Format(time.RFC3339Nano)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO records (user_id, entity, id, created_at, updated_at, updated_ns, deleted_at, attrs)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id, entity, id) DO UPDATE SET
		   updated_at = excluded.updated_at,
		   updated_ns = excluded.updated_ns,
		   deleted_at = excluded.deleted_at,
		   attrs      = excluded.attrs`,
		userID, entity, rec.ID,
		rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		rec.UpdatedAt.Format(time.RFC3339Nano),
		rec.UpdatedAt.UnixNano(),
		deletedAt, string(rec.Attrs))
	return rec, err
}

// MarkDeleted soft-deletes a record so pulls propagate the deletion.
func (s *serverStore) MarkDeleted(ctx context.Context, userID, entity, id string, now time.Time) error {
	ts := now.UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE records SET deleted_at = ?, updated_at = ?, updated_ns = ?
		 WHERE user_id = ? AND entity = ? AND id = ?`,
		ts.Format(time.RFC3339Nano), ts.Format(time.RFC3339Nano), ts.UnixNano(),
		userID, entity, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return errNotFound
	}
	return err
}

// SetEncryption upserts the user's key material. created reports whether this
// was the first setup.
func (s *serverStore) SetEncryption(ctx context.Context, userID string, msg ledger.EncryptionMessage) (created bool, err error) {
	var existing string
	err = s.db.QueryRowContext(ctx,
		`SELECT user_id FROM encryption_keys WHERE user_id = ?`, userID).Scan(&existing)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		created = true
	case err != nil:
		return false, err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO encryption_keys (user_id, salt, encrypted_content, iv)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
		   salt = excluded.salt,
		   encrypted_content = excluded.encrypted_content,
		   iv = excluded.iv`,
		userID, msg.Salt, msg.EncryptedContent, msg.IV)
	return created, err
}

func (s *serverStore) GetEncryption(ctx context.Context, userID string) (ledger.EncryptionMessage, error) {
	var msg ledger.EncryptionMessage
	err := s.db.QueryRowContext(ctx,
		`SELECT salt, encrypted_content, iv FROM encryption_keys WHERE user_id = ?`, userID).
		Scan(&msg.Salt, &msg.EncryptedContent, &msg.IV)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.EncryptionMessage{}, errNotFound
	}
	return msg, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanServerRecord(row rowScanner) (ledger.Record, error) {
	var rec ledger.Record
	var createdAt, updatedAt string
	var deletedAt, attrs sql.NullString
	if err := row.Scan(&rec.ID, &createdAt, &updatedAt, &deletedAt, &attrs); err != nil {
		return ledger.Record{}, err
	}
	var err error
	if rec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return ledger.Record{}, err
	}
	if rec.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return ledger.Record{}, err
	}
	if deletedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, deletedAt.String)
		if err != nil {
			return ledger.Record{}, err
		}
		rec.DeletedAt = &t
	}
	if attrs.Valid && attrs.String != "" {
		rec.Attrs = []byte(attrs.String)
	}
	return rec, nil
}
