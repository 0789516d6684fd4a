// ABOUTME: Durable queue of not-yet-acknowledged local mutations.
// ABOUTME: Enqueue coalesces per-record so the server only ever sees final state.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// Op is the kind of a pending local mutation.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// PendingChange is one queued, not-yet-acknowledged local mutation. ChangeID
// is a ULID, so ordering by it is enqueue (FIFO) order.
type PendingChange struct {
	ChangeID   string
	Store      string
	RecordID   string
	Op         Op
	Payload    json.RawMessage
	EnqueuedAt time.Time
}

// Enqueue records a local mutation for later push. Changes for the same
// record coalesce so the final queued state always reflects the latest local
// value:
//   - update after a queued create folds into a single create with the new payload
//   - update after a queued update replaces the payload
//   - delete after a queued create drops both and hard-removes the local row
//     (the server never saw the record, so no ack will ever clear it)
//   - delete after a queued update replaces it
//
// Coalesced entries get a fresh ChangeID, so an in-flight push of the old
// entry can be acknowledged without losing the newer state.
func (s *Store) Enqueue(ctx context.Context, store string, op Op, rec Record) error {
	if !validStore(store) {
		return fmt.Errorf("%w: %s", ErrUnknownStore, store)
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	rows, err := tx.QueryContext(ctx,
		`SELECT change_id, op FROM pending_changes WHERE store = ? AND record_id = ? ORDER BY change_id`,
		store, rec.ID)
	if err != nil {
		return err
	}
	var existingIDs []string
	sawCreate := false
	for rows.Next() {
		var id string
		var prior Op
		if err := rows.Scan(&id, &prior); err != nil {
			_ = rows.Close()
			return err
		}
		existingIDs = append(existingIDs, id)
		if prior == OpCreate {
			sawCreate = true
		}
	}
	if err := rows.Close(); err != nil {
		return err
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, id := range existingIDs {
		if _, err := tx.ExecContext(ctx, `DELETE FROM pending_changes WHERE change_id = ?`, id); err != nil {
			return err
		}
	}

	final := op
	skip := false
	switch op {
	case OpUpdate:
		if sawCreate {
			final = OpCreate
		}
	case OpDelete:
		if sawCreate {
			// The server never saw this record, so no delete ack will
			// arrive to clear the soft-deleted row. Remove it now.
			if _, err := tx.ExecContext(ctx,
				fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, store), rec.ID); err != nil {
				return err
			}
			skip = true
		}
	}

	if !skip {
		_, err = tx.ExecContext(ctx, `
INSERT INTO pending_changes(change_id, store, record_id, op, payload, enqueued_at)
VALUES(?,?,?,?,?,?)`,
			ulid.Make().String(), store, rec.ID, string(final), string(payload),
			time.Now().UTC().Format(timeFormat))
		if err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	s.notify(ctx)
	return nil
}

// Drain returns the store's pending changes in enqueue order.
func (s *Store) Drain(ctx context.Context, store string) ([]PendingChange, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT change_id, store, record_id, op, payload, enqueued_at
FROM pending_changes WHERE store = ? ORDER BY change_id`, store)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []PendingChange
	for rows.Next() {
		var pc PendingChange
		var op, payload, enqueued string
		if err := rows.Scan(&pc.ChangeID, &pc.Store, &pc.RecordID, &op, &payload, &enqueued); err != nil {
			return nil, err
		}
		pc.Op = Op(op)
		pc.Payload = []byte(payload)
		if pc.EnqueuedAt, err = time.Parse(timeFormat, enqueued); err != nil {
			return nil, err
		}
		out = append(out, pc)
	}
	return out, rows.Err()
}

// RemovePending deletes an acknowledged (or permanently rejected) entry.
// Removing an id that has already been coalesced away is a no-op.
func (s *Store) RemovePending(ctx context.Context, changeID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM pending_changes WHERE change_id = ?`, changeID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		s.notify(ctx)
	}
	return nil
}

// PendingCount returns the number of changes waiting to sync, across all
// stores. The UI binds its "N unsynced changes" indicator to this.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_changes`).Scan(&count)
	return count, err
}

// PendingCountFor returns the number of queued changes for one store.
func (s *Store) PendingCountFor(ctx context.Context, store string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pending_changes WHERE store = ?`, store).Scan(&count)
	return count, err
}

// PendingFor returns the queued changes for one record, oldest first. Used
// to inspect what will be re-sent after a pull overwrote the local copy.
func (s *Store) PendingFor(ctx context.Context, store, recordID string) ([]PendingChange, error) {
	all, err := s.Drain(ctx, store)
	if err != nil {
		return nil, err
	}
	var out []PendingChange
	for _, pc := range all {
		if pc.RecordID == recordID {
			out = append(out, pc)
		}
	}
	return out, nil
}

// OnQueueChange registers fn to be called with the new pending count after
// every queue mutation. Callbacks run synchronously on the mutating call.
func (s *Store) OnQueueChange(fn func(pending int)) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.subs = append(s.subs, fn)
}

func (s *Store) notify(ctx context.Context) {
	s.subMu.Lock()
	subs := make([]func(int), len(s.subs))
	copy(subs, s.subs)
	s.subMu.Unlock()
	if len(subs) == 0 {
		return
	}
	count, err := s.PendingCount(ctx)
	if err != nil {
		return
	}
	for _, fn := range subs {
		fn(count)
	}
}
