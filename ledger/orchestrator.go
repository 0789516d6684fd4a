// ABOUTME: Coordinates per-entity sync managers into one logical sync-all,
// ABOUTME: owning auth/online state transitions and periodic re-sync.
package ledger

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Status is the orchestrator's user-visible sync state.
type Status int

const (
	StatusUnauthenticated Status = iota
	StatusIdle
	StatusSyncing
	StatusSuccess
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusUnauthenticated:
		return "unauthenticated"
	case StatusIdle:
		return "idle"
	case StatusSyncing:
		return "syncing"
	case StatusSuccess:
		return "success"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Orchestrator drives all per-entity managers as one atomic-looking sync,
// and owns online/offline and auth-state transitions.
type Orchestrator struct {
	store    *Store
	managers []*Manager
	cfg      OrchestratorConfig
	clock    func() time.Time

	mu       sync.Mutex
	status   Status
	banner   []string // deduped user-facing messages from the last sync
	online   bool
	syncCh   chan struct{}
	revertID int // invalidates stale display-window reverts
}

// NewOrchestrator builds one manager per entity store.
func NewOrchestrator(store *Store, client *APIClient, cfg OrchestratorConfig) *Orchestrator {
	if cfg.Interval == 0 {
		cfg = DefaultOrchestratorConfig()
	}
	o := &Orchestrator{
		store:  store,
		cfg:    cfg,
		clock:  time.Now,
		status: StatusUnauthenticated,
		online: true,
		syncCh: make(chan struct{}, 1),
	}
	for _, entity := range Stores {
		o.managers = append(o.managers, NewManager(store, client, entity))
	}
	return o
}

// Manager returns the manager for one entity store, or nil.
func (o *Orchestrator) Manager(entity string) *Manager {
	for _, m := range o.managers {
		if m.Entity() == entity {
			return m
		}
	}
	return nil
}

// Status returns the current user-visible state.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// Banner returns the deduplicated user-facing messages from the last sync.
func (o *Orchestrator) Banner() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, len(o.banner))
	copy(out, o.banner)
	return out
}

// SetAuthenticated transitions to Idle for the given user. If a different
// user was active on this device, the local store is wiped first so no data
// leaks across accounts on shared machines.
func (o *Orchestrator) SetAuthenticated(ctx context.Context, userID string) error {
	last, err := o.store.GetState(ctx, "last_user_id", "")
	if err != nil {
		return err
	}
	if last != "" && last != userID {
		if err := o.store.Wipe(ctx); err != nil {
			return err
		}
	}
	if err := o.store.SetState(ctx, "last_user_id", userID); err != nil {
		return err
	}
	o.mu.Lock()
	if o.status == StatusUnauthenticated {
		o.status = StatusIdle
	}
	o.mu.Unlock()
	return nil
}

// Logout clears sync status but not the local store.
func (o *Orchestrator) Logout() {
	o.mu.Lock()
	o.status = StatusUnauthenticated
	o.banner = nil
	o.revertID++
	o.mu.Unlock()
}

// SetOnline records connectivity transitions. Coming back online triggers
// a sync.
func (o *Orchestrator) SetOnline(online bool) {
	o.mu.Lock()
	wasOffline := !o.online
	o.online = online
	o.mu.Unlock()
	if online && wasOffline {
		o.TriggerSync()
	}
}

// TriggerSync requests a sync from the Run loop without blocking.
func (o *Orchestrator) TriggerSync() {
	select {
	case o.syncCh <- struct{}{}:
	default:
	}
}

// SyncAll runs every entity's sync concurrently (pulls are independent
// tables), waits for all to settle, and aggregates errors into user-facing
// messages. Calling while a sync is in flight reports an informational
// message rather than silently doing nothing.
func (o *Orchestrator) SyncAll(ctx context.Context) []string {
	o.mu.Lock()
	switch o.status {
	case StatusUnauthenticated:
		o.mu.Unlock()
		return []string{userMessage(ErrAuth)}
	case StatusSyncing:
		o.mu.Unlock()
		return []string{userMessage(ErrSyncInProgress)}
	}
	o.status = StatusSyncing
	o.revertID++
	o.mu.Unlock()

	var (
		wg     sync.WaitGroup
		errsMu sync.Mutex
		all    []error
	)
	for _, m := range o.managers {
		wg.Add(1)
		go func(m *Manager) {
			defer wg.Done()
			res := m.Sync(ctx)
			if len(res.Errors) > 0 {
				errsMu.Lock()
				all = append(all, res.Errors...)
				errsMu.Unlock()
			}
		}(m)
	}
	wg.Wait()

	banner := dedupeMessages(all)

	o.mu.Lock()
	o.banner = banner
	if len(banner) == 0 {
		o.status = StatusSuccess
	} else {
		o.status = StatusError
	}
	o.revertID++
	id := o.revertID
	o.mu.Unlock()

	// Success/Error linger for a short display window, then revert to Idle.
	time.AfterFunc(o.cfg.DisplayWindow, func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		if o.revertID == id && (o.status == StatusSuccess || o.status == StatusError) {
			o.status = StatusIdle
		}
	})

	return banner
}

// Run drives periodic re-sync and reacts to TriggerSync (reconnects,
// manual refresh) until the context is cancelled.
func (o *Orchestrator) Run(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.SyncAll(ctx)
		case <-o.syncCh:
			o.SyncAll(ctx)
		}
	}
}

// PendingCount returns the total queued, unsynced mutations.
func (o *Orchestrator) PendingCount(ctx context.Context) (int, error) {
	return o.store.PendingCount(ctx)
}

// userMessage maps taxonomy errors to the distinct user-facing strings the
// banner shows.
func userMessage(err error) string {
	switch {
	case errors.Is(err, ErrSyncInProgress):
		return "sync already in progress"
	case errors.Is(err, ErrAuth):
		return "session expired, please sign in again"
	case errors.Is(err, ErrSchemaVersion):
		return "a new version is available, please refresh"
	case errors.Is(err, ErrNetwork):
		return "you appear to be offline, changes will sync when you reconnect"
	case errors.Is(err, ErrServer):
		return "server error, will retry automatically"
	case errors.Is(err, ErrDecryptFailed):
		return "unable to decrypt data, check your password"
	default:
		return err.Error()
	}
}

func dedupeMessages(errs []error) []string {
	seen := make(map[string]bool)
	var out []string
	for _, err := range errs {
		msg := userMessage(err)
		if !seen[msg] {
			seen[msg] = true
			out = append(out, msg)
		}
	}
	return out
}
