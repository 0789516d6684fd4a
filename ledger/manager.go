// ABOUTME: Per-entity sync manager: optimistic local mutation plus
// ABOUTME: push/pull reconciliation against the server with LWW server priority.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

// ManagerState is the explicit sync state of one manager.
type ManagerState int32

const (
	StateIdle ManagerState = iota
	StateSyncing
)

// SyncResult collects everything that went wrong during one Sync pass.
// Sync never fails as a whole: one entity's errors must not block others.
type SyncResult struct {
	Errors []error
}

// Manager reconciles one entity type between the Local Store and the server.
// It is parameterized by store name (which doubles as the endpoint segment),
// so all entity types share this one implementation.
type Manager struct {
	store     *Store
	client    *APIClient
	entity    string
	canCreate bool
	retry     RetryConfig
	clock     func() time.Time

	state atomic.Int32
}

// NewManager builds a manager for one entity type.
func NewManager(store *Store, client *APIClient, entity string) *Manager {
	return &Manager{
		store:     store,
		client:    client,
		entity:    entity,
		canCreate: CanCreate(entity),
		retry:     client.cfg.GetRetryConfig(),
		clock:     time.Now,
	}
}

// Entity returns the store name this manager reconciles.
func (m *Manager) Entity() string { return m.entity }

// State returns the manager's current sync state.
func (m *Manager) State() ManagerState {
	return ManagerState(m.state.Load())
}

// Syncing reports whether a Sync pass is currently in flight.
func (m *Manager) Syncing() bool {
	return m.State() == StateSyncing
}

// Sync performs push, then pull, then a push retry pass for anything queued
// meanwhile. It never returns an error directly; failures are collected so
// the orchestrator can aggregate across entity types. A call arriving while
// a sync is in flight is a no-op.
func (m *Manager) Sync(ctx context.Context) SyncResult {
	if !m.state.CompareAndSwap(int32(StateIdle), int32(StateSyncing)) {
		return SyncResult{}
	}
	defer m.state.Store(int32(StateIdle))

	var res SyncResult
	clean := m.push(ctx, &res)
	m.pull(ctx, &res)
	if clean {
		// Anything enqueued during the pull goes out in the same pass.
		// Skipped when the first pass hit a retryable failure: the server
		// is unreachable and order must be preserved for the next sync.
		m.push(ctx, &res)
	}
	return res
}

// pull fetches server changes since the cursor and upserts them. Pulled
// records always overwrite the local copy (server priority); local edits
// survive in the pending queue and are re-sent on the next push.
func (m *Manager) pull(ctx context.Context, res *SyncResult) {
	since, err := m.store.Cursor(ctx, m.entity)
	if err != nil {
		res.Errors = append(res.Errors, err)
		return
	}
	start := m.clock().UTC()

	recs, err := WithRetry(ctx, m.retry, "pull", m.entity, func() ([]Record, error) {
		return m.client.List(ctx, m.entity, since)
	})
	if err != nil {
		res.Errors = append(res.Errors, err)
		return
	}

	cursor := since
	for _, rec := range recs {
		if err := m.store.Put(ctx, m.entity, rec); err != nil {
			res.Errors = append(res.Errors, err)
			return
		}
		if rec.UpdatedAt.After(cursor) {
			cursor = rec.UpdatedAt
		}
	}
	if len(recs) == 0 && start.After(cursor) {
		// Empty response: advance to the pull start so the window stays
		// bounded without risking a gap past records created mid-pull.
		cursor = start
	}
	if cursor.After(since) {
		if err := m.store.SetCursor(ctx, m.entity, cursor); err != nil {
			res.Errors = append(res.Errors, err)
		}
	}
}

// push drains the pending queue in enqueue order. The pass stops on the
// first retryable failure so a create is never overtaken by its update.
// Returns true when the queue fully drained.
func (m *Manager) push(ctx context.Context, res *SyncResult) bool {
	items, err := m.store.Drain(ctx, m.entity)
	if err != nil {
		res.Errors = append(res.Errors, err)
		return false
	}

	for _, item := range items {
		err := m.pushOne(ctx, item)
		switch {
		case err == nil:
			if rerr := m.store.RemovePending(ctx, item.ChangeID); rerr != nil {
				res.Errors = append(res.Errors, rerr)
				return false
			}
		case Retryable(err):
			// Offline or server trouble: keep the entry (and everything
			// after it) queued for the next sync pass.
			res.Errors = append(res.Errors, err)
			return false
		case errors.Is(err, ErrAuth):
			res.Errors = append(res.Errors, err)
			return false
		default:
			// Permanently rejected: drop the entry and surface the error
			// instead of requeueing forever.
			res.Errors = append(res.Errors, err)
			if rerr := m.store.RemovePending(ctx, item.ChangeID); rerr != nil {
				res.Errors = append(res.Errors, rerr)
				return false
			}
		}
	}
	return true
}

func (m *Manager) pushOne(ctx context.Context, item PendingChange) error {
	var rec Record
	if err := json.Unmarshal(item.Payload, &rec); err != nil {
		return err
	}

	switch item.Op {
	case OpCreate:
		if !m.canCreate {
			return fmt.Errorf("%w: %s does not support client creation", ErrClient, m.entity)
		}
		var existed bool
		out, err := WithRetry(ctx, m.retry, "push", m.entity, func() (Record, error) {
			o, ex, cerr := m.client.Create(ctx, m.entity, rec)
			existed = ex
			return o, cerr
		})
		switch {
		case err == nil && !existed:
			return nil
		case err == nil && bytes.Equal(rec.Attrs, out.Attrs):
			// A prior push succeeded but its ack was lost, and nothing
			// changed since. Idempotent-create contract: plain success.
			return nil
		case err != nil && !errors.Is(err, ErrConflict):
			return err
		}
		// The id is already on the server but the queued payload carries
		// edits coalesced in after the original POST went out. Replay them
		// as an update so the intermediate create-only value never wins.
		_, err = WithRetry(ctx, m.retry, "push", m.entity, func() (Record, error) {
			return m.client.Update(ctx, m.entity, rec)
		})
		return err
	case OpUpdate:
		_, err := WithRetry(ctx, m.retry, "push", m.entity, func() (Record, error) {
			return m.client.Update(ctx, m.entity, rec)
		})
		return err
	case OpDelete:
		_, err := WithRetry(ctx, m.retry, "push", m.entity, func() (struct{}, error) {
			return struct{}{}, m.client.Delete(ctx, m.entity, rec.ID)
		})
		if err != nil {
			return err
		}
		// Server acknowledged: the soft-deleted local row can go for real.
		return m.store.Delete(ctx, m.entity, rec.ID)
	default:
		return fmt.Errorf("unknown pending op %q", item.Op)
	}
}

// CreateLocal writes a new record optimistically and queues its create.
// Returns before any network I/O: the UI never blocks on the server.
func (m *Manager) CreateLocal(ctx context.Context, attrs any) (Record, error) {
	if !m.canCreate {
		return Record{}, fmt.Errorf("%w: %s does not support client creation", ErrClient, m.entity)
	}
	rec, err := NewRecord(attrs)
	if err != nil {
		return Record{}, err
	}
	if err := m.store.Put(ctx, m.entity, rec); err != nil {
		return Record{}, err
	}
	if err := m.store.Enqueue(ctx, m.entity, OpCreate, rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// UpdateLocal overwrites a record optimistically and queues its update.
func (m *Manager) UpdateLocal(ctx context.Context, rec Record) (Record, error) {
	rec.UpdatedAt = m.clock().UTC()
	if err := m.store.Put(ctx, m.entity, rec); err != nil {
		return Record{}, err
	}
	if err := m.store.Enqueue(ctx, m.entity, OpUpdate, rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// DeleteLocal soft-deletes a record and queues its delete. The row is
// hard-removed only after the server acknowledges, so the push can retry.
func (m *Manager) DeleteLocal(ctx context.Context, id string) error {
	now := m.clock().UTC()
	if err := m.store.MarkDeleted(ctx, m.entity, id, now); err != nil {
		return err
	}
	return m.store.Enqueue(ctx, m.entity, OpDelete, Record{ID: id, UpdatedAt: now})
}
