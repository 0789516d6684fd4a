package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	store, err := OpenStore(filepath.Join(dir, "ledger.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if cerr := store.Close(); cerr != nil {
			t.Fatalf("close store: %v", cerr)
		}
	})
	return store
}

func mustRecord(t *testing.T, attrs any) Record {
	t.Helper()
	rec, err := NewRecord(attrs)
	if err != nil {
		t.Fatalf("new record: %v", err)
	}
	return rec
}

func TestStorePutGetDelete(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	rec := mustRecord(t, TransactionAttrs{Amount: -5000})
	if err := store.Put(ctx, StoreTransactions, rec); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := store.Get(ctx, StoreTransactions, rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.ID != rec.ID {
		t.Fatalf("expected record back, got %+v", got)
	}
	var attrs TransactionAttrs
	if err := got.DecodeAttrs(&attrs); err != nil || attrs.Amount != -5000 {
		t.Fatalf("attrs round trip: %+v %v", attrs, err)
	}

	missing, err := store.Get(ctx, StoreTransactions, "no-such-id")
	if err != nil || missing != nil {
		t.Fatalf("missing record must be (nil, nil), got %+v %v", missing, err)
	}

	if err := store.Delete(ctx, StoreTransactions, rec.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	gone, err := store.Get(ctx, StoreTransactions, rec.ID)
	if err != nil || gone != nil {
		t.Fatalf("expected hard delete, got %+v %v", gone, err)
	}
}

func TestStoreGetAllExcludesSoftDeleted(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	keep := mustRecord(t, CategoryAttrs{Name: "Housing"})
	drop := mustRecord(t, CategoryAttrs{Name: "Old"})
	for _, rec := range []Record{keep, drop} {
		if err := store.Put(ctx, StoreCategories, rec); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	if err := store.MarkDeleted(ctx, StoreCategories, drop.ID, time.Now()); err != nil {
		t.Fatalf("mark deleted: %v", err)
	}

	all, err := store.GetAll(ctx, StoreCategories)
	if err != nil {
		t.Fatalf("get all: %v", err)
	}
	if len(all) != 1 || all[0].ID != keep.ID {
		t.Fatalf("expected only %s, got %+v", keep.ID, all)
	}

	// The soft-deleted row is still addressable until the server ack.
	got, err := store.Get(ctx, StoreCategories, drop.ID)
	if err != nil || got == nil || got.DeletedAt == nil {
		t.Fatalf("soft-deleted row should remain with deleted_at set: %+v %v", got, err)
	}
}

func TestStoreConcurrentWriters(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	// One writer per entity table plus queue traffic, the same shape as a
	// full sync pass fanning out across managers.
	var wg sync.WaitGroup
	errs := make(chan error, len(Stores)*10)
	for _, name := range Stores {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				rec, err := NewRecord(nil)
				if err != nil {
					errs <- err
					return
				}
				if err := store.Put(ctx, name, rec); err != nil {
					errs <- err
					return
				}
				if err := store.SetCursor(ctx, name, time.Now()); err != nil {
					errs <- err
					return
				}
			}
		}(name)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent write: %v", err)
	}
}

func TestStoreUnknownStore(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	if _, err := store.Get(ctx, "budgets", "x"); !errors.Is(err, ErrUnknownStore) {
		t.Fatalf("expected ErrUnknownStore, got %v", err)
	}
}

func TestStoreCursor(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	cur, err := store.Cursor(ctx, StoreTransactions)
	if err != nil || !cur.IsZero() {
		t.Fatalf("fresh cursor must be zero: %v %v", cur, err)
	}
	at := time.Date(2025, 6, 1, 12, 0, 0, 123456789, time.UTC)
	if err := store.SetCursor(ctx, StoreTransactions, at); err != nil {
		t.Fatalf("set cursor: %v", err)
	}
	cur, err = store.Cursor(ctx, StoreTransactions)
	if err != nil || !cur.Equal(at) {
		t.Fatalf("cursor round trip: %v %v", cur, err)
	}
}

func TestStoreWipe(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	rec := mustRecord(t, TransactionAttrs{Amount: 100})
	if err := store.Put(ctx, StoreTransactions, rec); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.Enqueue(ctx, StoreTransactions, OpCreate, rec); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := store.SetCursor(ctx, StoreTransactions, time.Now()); err != nil {
		t.Fatalf("cursor: %v", err)
	}

	if err := store.Wipe(ctx); err != nil {
		t.Fatalf("wipe: %v", err)
	}
	all, err := store.GetAll(ctx, StoreTransactions)
	if err != nil || len(all) != 0 {
		t.Fatalf("expected empty store, got %d %v", len(all), err)
	}
	count, err := store.PendingCount(ctx)
	if err != nil || count != 0 {
		t.Fatalf("expected empty queue, got %d %v", count, err)
	}
	cur, err := store.Cursor(ctx, StoreTransactions)
	if err != nil || !cur.IsZero() {
		t.Fatalf("expected cleared cursor, got %v %v", cur, err)
	}
}

func TestStoreSchemaVersionMismatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.db")
	store, err := OpenStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("raw open: %v", err)
	}
	if _, err := db.Exec(fmt.Sprintf(`PRAGMA user_version = %d`, schemaVersion+1)); err != nil {
		t.Fatalf("bump version: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("raw close: %v", err)
	}

	_, err = OpenStore(path)
	if !errors.Is(err, ErrSchemaVersion) {
		t.Fatalf("expected ErrSchemaVersion, got %v", err)
	}
}

func TestStoreSchemaMissingTable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.db")
	store, err := OpenStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("raw open: %v", err)
	}
	if _, err := db.Exec(`DROP TABLE banks`); err != nil {
		t.Fatalf("drop table: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("raw close: %v", err)
	}

	_, err = OpenStore(path)
	if !errors.Is(err, ErrSchemaVersion) {
		t.Fatalf("expected ErrSchemaVersion for missing table, got %v", err)
	}
	var serr *SchemaError
	if !errors.As(err, &serr) || serr.Missing != "banks" {
		t.Fatalf("expected missing table name, got %v", err)
	}
}

func TestRecordAttrsJSONShape(t *testing.T) {
	rec := mustRecord(t, TransactionAttrs{
		Amount:      -5000,
		Description: EncryptedValue{Ciphertext: "abc", IV: "def"},
	})
	b, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back Record
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	var attrs TransactionAttrs
	if err := back.DecodeAttrs(&attrs); err != nil {
		t.Fatalf("decode attrs: %v", err)
	}
	if attrs.Amount != -5000 || attrs.Description.Ciphertext != "abc" {
		t.Fatalf("attrs lost in transit: %+v", attrs)
	}
}
