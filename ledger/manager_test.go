package ledger

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeAPI is an in-memory implementation of the per-entity sync endpoints,
// including the idempotent-create contract.
type fakeAPI struct {
	mu       sync.Mutex
	records  map[string]map[string]Record // entity -> id -> record
	failWith int                          // when non-zero, every request returns this status
	creates  int                          // POST requests observed
	hits     int                          // requests observed, counted before any gate wait
	gate     chan struct{}                // when set, handlers block until it closes
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{records: make(map[string]map[string]Record)}
}

func (f *fakeAPI) put(entity string, rec Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.records[entity] == nil {
		f.records[entity] = make(map[string]Record)
	}
	f.records[entity][rec.ID] = rec
}

func (f *fakeAPI) requests() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits
}

func (f *fakeAPI) get(entity, id string) (Record, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[entity][id]
	return rec, ok
}

func (f *fakeAPI) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.hits++
		gate := f.gate
		fail := f.failWith
		f.mu.Unlock()
		if gate != nil {
			<-gate
		}
		if fail != 0 {
			http.Error(w, `{"error":"forced failure"}`, fail)
			return
		}

		path := strings.TrimPrefix(r.URL.Path, "/api/sync/")
		parts := strings.SplitN(path, "/", 2)
		entity := parts[0]

		switch {
		case r.Method == http.MethodGet:
			f.handleList(w, r, entity)
		case r.Method == http.MethodPost:
			f.handleCreate(w, r, entity)
		case r.Method == http.MethodPatch && len(parts) == 2:
			f.handlePatch(w, r, entity, parts[1])
		case r.Method == http.MethodDelete && len(parts) == 2:
			f.handleDelete(w, entity, parts[1])
		default:
			http.Error(w, `{"error":"bad request"}`, http.StatusBadRequest)
		}
	})
}

func (f *fakeAPI) handleList(w http.ResponseWriter, r *http.Request, entity string) {
	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		since, _ = time.Parse(timeFormat, v)
	}
	f.mu.Lock()
	var out []Record
	for _, rec := range f.records[entity] {
		if rec.UpdatedAt.After(since) {
			out = append(out, rec)
		}
	}
	f.mu.Unlock()
	_ = json.NewEncoder(w).Encode(listResponse{Data: out})
}

func (f *fakeAPI) handleCreate(w http.ResponseWriter, r *http.Request, entity string) {
	var rec Record
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		http.Error(w, `{"error":"invalid json"}`, http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	f.creates++
	existing, ok := f.records[entity][rec.ID]
	f.mu.Unlock()
	if ok {
		// Idempotent create: the id already exists, return it unchanged.
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(itemResponse{Data: existing})
		return
	}
	f.put(entity, rec)
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(itemResponse{Data: rec})
}

func (f *fakeAPI) handlePatch(w http.ResponseWriter, r *http.Request, entity, id string) {
	var rec Record
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		http.Error(w, `{"error":"invalid json"}`, http.StatusBadRequest)
		return
	}
	if _, ok := f.get(entity, id); !ok {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}
	f.put(entity, rec)
	_ = json.NewEncoder(w).Encode(itemResponse{Data: rec})
}

func (f *fakeAPI) handleDelete(w http.ResponseWriter, entity, id string) {
	f.mu.Lock()
	delete(f.records[entity], id)
	f.mu.Unlock()
	_ = json.NewEncoder(w).Encode(map[string]string{"message": "deleted"})
}

type managerTestEnv struct {
	ctx     context.Context
	store   *Store
	fake    *fakeAPI
	manager *Manager
}

func newManagerTestEnv(t *testing.T, entity string) *managerTestEnv {
	t.Helper()
	store := newTestStore(t)
	fake := newFakeAPI()
	ts := httptest.NewServer(fake.handler())
	t.Cleanup(ts.Close)
	client := NewAPIClient(SyncConfig{
		BaseURL:   ts.URL,
		AuthToken: "test-token",
		Retry:     RetryConfig{Attempts: 1},
	})
	return &managerTestEnv{
		ctx:     context.Background(),
		store:   store,
		fake:    fake,
		manager: NewManager(store, client, entity),
	}
}

func TestOfflineCreateThenSync(t *testing.T) {
	env := newManagerTestEnv(t, StoreTransactions)

	rec, err := env.manager.CreateLocal(env.ctx, TransactionAttrs{Amount: -5000})
	if err != nil {
		t.Fatalf("create local: %v", err)
	}
	if count, _ := env.store.PendingCount(env.ctx); count != 1 {
		t.Fatalf("expected 1 pending change, got %d", count)
	}

	res := env.manager.Sync(env.ctx)
	if len(res.Errors) != 0 {
		t.Fatalf("sync errors: %v", res.Errors)
	}

	if count, _ := env.store.PendingCount(env.ctx); count != 0 {
		t.Fatalf("queue should be empty after ack, got %d", count)
	}
	if _, ok := env.fake.get(StoreTransactions, rec.ID); !ok {
		t.Fatalf("server should hold %s", rec.ID)
	}
	local, err := env.store.Get(env.ctx, StoreTransactions, rec.ID)
	if err != nil || local == nil {
		t.Fatalf("local record must survive sync: %v", err)
	}
	cursor, err := env.store.Cursor(env.ctx, StoreTransactions)
	if err != nil || cursor.IsZero() {
		t.Fatalf("cursor should advance: %v %v", cursor, err)
	}
}

func TestPushOrderingCreateThenUpdate(t *testing.T) {
	env := newManagerTestEnv(t, StoreTransactions)

	rec, err := env.manager.CreateLocal(env.ctx, TransactionAttrs{Amount: 100})
	if err != nil {
		t.Fatalf("create local: %v", err)
	}
	if err := rec.SetAttrs(TransactionAttrs{Amount: 999}); err != nil {
		t.Fatalf("set attrs: %v", err)
	}
	if _, err := env.manager.UpdateLocal(env.ctx, rec); err != nil {
		t.Fatalf("update local: %v", err)
	}

	res := env.manager.Sync(env.ctx)
	if len(res.Errors) != 0 {
		t.Fatalf("sync errors: %v", res.Errors)
	}

	// The server must hold the final value, never the intermediate
	// create-only state, and must have seen exactly one create.
	got, ok := env.fake.get(StoreTransactions, rec.ID)
	if !ok {
		t.Fatal("record missing server-side")
	}
	var attrs TransactionAttrs
	if err := got.DecodeAttrs(&attrs); err != nil || attrs.Amount != 999 {
		t.Fatalf("server holds %+v, want amount 999 (%v)", attrs, err)
	}
	if env.fake.creates != 1 {
		t.Fatalf("expected exactly 1 create, got %d", env.fake.creates)
	}
}

func TestUpdateDuringInflightCreateReachesServer(t *testing.T) {
	env := newManagerTestEnv(t, StoreTransactions)

	rec, err := env.manager.CreateLocal(env.ctx, TransactionAttrs{Amount: 100})
	if err != nil {
		t.Fatalf("create local: %v", err)
	}

	gate := make(chan struct{})
	env.fake.mu.Lock()
	env.fake.gate = gate
	env.fake.mu.Unlock()

	done := make(chan SyncResult, 1)
	go func() { done <- env.manager.Sync(env.ctx) }()

	// Edit while the create POST is in flight. The edit coalesces into a
	// fresh create entry that will replay against an id the server now has.
	for env.fake.requests() == 0 {
		time.Sleep(time.Millisecond)
	}
	if err := rec.SetAttrs(TransactionAttrs{Amount: 999}); err != nil {
		t.Fatalf("set attrs: %v", err)
	}
	if _, err := env.manager.UpdateLocal(env.ctx, rec); err != nil {
		t.Fatalf("update local: %v", err)
	}

	close(gate)
	if res := <-done; len(res.Errors) != 0 {
		t.Fatalf("sync errors: %v", res.Errors)
	}

	// The server must end up with the edited value, not the snapshot the
	// in-flight create carried, and the queue must be fully acknowledged.
	got, ok := env.fake.get(StoreTransactions, rec.ID)
	if !ok {
		t.Fatal("record missing server-side")
	}
	var attrs TransactionAttrs
	if err := got.DecodeAttrs(&attrs); err != nil || attrs.Amount != 999 {
		t.Fatalf("server holds %+v, want amount 999 (%v)", attrs, err)
	}
	if count, _ := env.store.PendingCount(env.ctx); count != 0 {
		t.Fatalf("queue should drain, got %d", count)
	}
}

func TestIdempotentCreateRetry(t *testing.T) {
	env := newManagerTestEnv(t, StoreTransactions)

	rec, err := env.manager.CreateLocal(env.ctx, TransactionAttrs{Amount: 100})
	if err != nil {
		t.Fatalf("create local: %v", err)
	}
	// Simulate a prior push that succeeded but whose ack was lost.
	env.fake.put(StoreTransactions, rec)

	res := env.manager.Sync(env.ctx)
	if len(res.Errors) != 0 {
		t.Fatalf("duplicate create must be treated as success: %v", res.Errors)
	}
	if count, _ := env.store.PendingCount(env.ctx); count != 0 {
		t.Fatalf("pending entry should be discarded, got %d", count)
	}
}

func TestPullOverwritesLocalButKeepsQueue(t *testing.T) {
	env := newManagerTestEnv(t, StoreTransactions)

	rec, err := env.manager.CreateLocal(env.ctx, TransactionAttrs{Amount: 100})
	if err != nil {
		t.Fatalf("create local: %v", err)
	}
	if res := env.manager.Sync(env.ctx); len(res.Errors) != 0 {
		t.Fatalf("first sync: %v", res.Errors)
	}

	// Local edit queued but not yet pushed.
	if err := rec.SetAttrs(TransactionAttrs{Amount: 111}); err != nil {
		t.Fatalf("set attrs: %v", err)
	}
	if _, err := env.manager.UpdateLocal(env.ctx, rec); err != nil {
		t.Fatalf("update local: %v", err)
	}

	// Newer server version of the same record.
	server := rec
	server.UpdatedAt = time.Now().Add(time.Hour).UTC()
	_ = server.SetAttrs(TransactionAttrs{Amount: 222})
	server.UpdatedAt = time.Now().Add(time.Hour).UTC()
	env.fake.put(StoreTransactions, server)

	// Pull only: block the push passes by making the queue drain first.
	var res SyncResult
	env.manager.pull(env.ctx, &res)
	if len(res.Errors) != 0 {
		t.Fatalf("pull: %v", res.Errors)
	}

	local, err := env.store.Get(env.ctx, StoreTransactions, rec.ID)
	if err != nil || local == nil {
		t.Fatalf("get: %v", err)
	}
	var attrs TransactionAttrs
	if err := local.DecodeAttrs(&attrs); err != nil || attrs.Amount != 222 {
		t.Fatalf("server version must win locally, got %+v (%v)", attrs, err)
	}

	// The local modification is still queued, not lost.
	pending, err := env.store.PendingFor(env.ctx, StoreTransactions, rec.ID)
	if err != nil || len(pending) != 1 || pending[0].Op != OpUpdate {
		t.Fatalf("local edit must survive in queue: %+v %v", pending, err)
	}

	// And the next push re-sends it.
	if res := env.manager.Sync(env.ctx); len(res.Errors) != 0 {
		t.Fatalf("second sync: %v", res.Errors)
	}
	got, _ := env.fake.get(StoreTransactions, rec.ID)
	if err := got.DecodeAttrs(&attrs); err != nil || attrs.Amount != 111 {
		t.Fatalf("local edit must be re-sent, server holds %+v (%v)", attrs, err)
	}
}

func TestDeleteLocalSoftUntilAck(t *testing.T) {
	env := newManagerTestEnv(t, StoreTransactions)

	rec, err := env.manager.CreateLocal(env.ctx, TransactionAttrs{Amount: 100})
	if err != nil {
		t.Fatalf("create local: %v", err)
	}
	if res := env.manager.Sync(env.ctx); len(res.Errors) != 0 {
		t.Fatalf("sync: %v", res.Errors)
	}

	if err := env.manager.DeleteLocal(env.ctx, rec.ID); err != nil {
		t.Fatalf("delete local: %v", err)
	}
	// Soft-deleted locally until the server ack.
	got, err := env.store.Get(env.ctx, StoreTransactions, rec.ID)
	if err != nil || got == nil || got.DeletedAt == nil {
		t.Fatalf("expected soft-deleted row before ack: %+v %v", got, err)
	}

	if res := env.manager.Sync(env.ctx); len(res.Errors) != 0 {
		t.Fatalf("sync: %v", res.Errors)
	}
	got, err = env.store.Get(env.ctx, StoreTransactions, rec.ID)
	if err != nil || got != nil {
		t.Fatalf("expected hard removal after ack: %+v %v", got, err)
	}
	if _, ok := env.fake.get(StoreTransactions, rec.ID); ok {
		t.Fatal("server should no longer hold the record")
	}
}

func TestServerErrorKeepsQueue(t *testing.T) {
	env := newManagerTestEnv(t, StoreTransactions)

	if _, err := env.manager.CreateLocal(env.ctx, TransactionAttrs{Amount: 100}); err != nil {
		t.Fatalf("create local: %v", err)
	}
	env.fake.mu.Lock()
	env.fake.failWith = http.StatusInternalServerError
	env.fake.mu.Unlock()

	res := env.manager.Sync(env.ctx)
	if len(res.Errors) == 0 {
		t.Fatal("expected errors from 5xx")
	}
	if count, _ := env.store.PendingCount(env.ctx); count != 1 {
		t.Fatalf("5xx is retryable, entry must stay queued, got %d", count)
	}

	// Server recovers; the next pass drains.
	env.fake.mu.Lock()
	env.fake.failWith = 0
	env.fake.mu.Unlock()
	if res := env.manager.Sync(env.ctx); len(res.Errors) != 0 {
		t.Fatalf("recovery sync: %v", res.Errors)
	}
	if count, _ := env.store.PendingCount(env.ctx); count != 0 {
		t.Fatalf("queue should drain after recovery, got %d", count)
	}
}

func TestClientErrorDropsEntry(t *testing.T) {
	env := newManagerTestEnv(t, StoreTransactions)

	rec := mustRecord(t, TransactionAttrs{Amount: 100})
	// An update for a record the server never saw: 404, not retryable.
	if err := env.store.Put(env.ctx, StoreTransactions, rec); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := env.store.Enqueue(env.ctx, StoreTransactions, OpUpdate, rec); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	res := env.manager.Sync(env.ctx)
	if len(res.Errors) == 0 {
		t.Fatal("expected non-retryable error surfaced")
	}
	if count, _ := env.store.PendingCount(env.ctx); count != 0 {
		t.Fatalf("4xx entry must be dropped, not requeued forever, got %d", count)
	}
}

func TestNetworkErrorKeepsQueue(t *testing.T) {
	store := newTestStore(t)
	client := NewAPIClient(SyncConfig{
		BaseURL:   "http://127.0.0.1:1", // nothing listens here
		AuthToken: "t",
		Timeout:   200 * time.Millisecond,
		Retry:     RetryConfig{Attempts: 1},
	})
	m := NewManager(store, client, StoreTransactions)

	ctx := context.Background()
	if _, err := m.CreateLocal(ctx, TransactionAttrs{Amount: 1}); err != nil {
		t.Fatalf("create local: %v", err)
	}
	res := m.Sync(ctx)
	if len(res.Errors) == 0 {
		t.Fatal("expected network errors")
	}
	for _, err := range res.Errors {
		if !Retryable(err) {
			t.Fatalf("offline errors must be retryable, got %v", err)
		}
	}
	if count, _ := store.PendingCount(ctx); count != 1 {
		t.Fatalf("offline mutation must stay queued, got %d", count)
	}
}

func TestSyncWhileSyncingIsNoOp(t *testing.T) {
	env := newManagerTestEnv(t, StoreTransactions)

	gate := make(chan struct{})
	env.fake.mu.Lock()
	env.fake.gate = gate
	env.fake.mu.Unlock()

	started := make(chan struct{})
	done := make(chan SyncResult, 1)
	go func() {
		close(started)
		done <- env.manager.Sync(env.ctx)
	}()
	<-started
	for !env.manager.Syncing() {
		time.Sleep(time.Millisecond)
	}

	// Second call returns immediately without a second pull/push pass.
	res := env.manager.Sync(env.ctx)
	if len(res.Errors) != 0 {
		t.Fatalf("no-op sync must not error: %v", res.Errors)
	}

	close(gate)
	<-done
	if env.manager.Syncing() {
		t.Fatal("manager should be idle after sync completes")
	}
}

func TestPullAdvancesCursorOnEmptyResponse(t *testing.T) {
	env := newManagerTestEnv(t, StoreTransactions)

	before := time.Now().UTC()
	if res := env.manager.Sync(env.ctx); len(res.Errors) != 0 {
		t.Fatalf("sync: %v", res.Errors)
	}
	cursor, err := env.store.Cursor(env.ctx, StoreTransactions)
	if err != nil {
		t.Fatalf("cursor: %v", err)
	}
	if cursor.Before(before) {
		t.Fatalf("empty pull must advance cursor to now, got %v", cursor)
	}
}

func TestCreateNotSupportedForPullOnlyEntities(t *testing.T) {
	env := newManagerTestEnv(t, StoreCategories)
	if _, err := env.manager.CreateLocal(env.ctx, CategoryAttrs{Name: "Food"}); err == nil {
		t.Fatal("categories are server-managed, local create must be rejected")
	}
}
