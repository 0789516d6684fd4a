package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// fakeEncryptionServer implements just the encryption endpoints.
type fakeEncryptionServer struct {
	mu  sync.Mutex
	msg *EncryptionMessage
}

func (s *fakeEncryptionServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/encryption/setup", func(w http.ResponseWriter, r *http.Request) {
		var msg EncryptionMessage
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		s.msg = &msg
		s.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/api/encryption/message", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		msg := s.msg
		s.mu.Unlock()
		if msg == nil {
			http.Error(w, `{"error":"not set up"}`, http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(msg)
	})
	return mux
}

func newKeyringTestClient(t *testing.T) (*APIClient, *fakeEncryptionServer) {
	fake := &fakeEncryptionServer{}
	ts := httptest.NewServer(fake.handler())
	t.Cleanup(ts.Close)
	return NewAPIClient(SyncConfig{BaseURL: ts.URL, AuthToken: "test-token"}), fake
}

func TestKeyringSetupAndUnlock(t *testing.T) {
	ctx := context.Background()
	client, _ := newKeyringTestClient(t)

	kr, err := SetupKeyring(ctx, client, "hunter22", testKDFParams())
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	env, err := EncryptString(kr.Cipher(), "Monthly rent payment")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	unlocked, err := UnlockKeyring(ctx, client, "hunter22", testKDFParams())
	if err != nil {
		t.Fatalf("unlock: %v", err)
	}
	got, err := DecryptString(unlocked.Cipher(), env)
	if err != nil || got != "Monthly rent payment" {
		t.Fatalf("decrypt after unlock: %q %v", got, err)
	}
}

func TestKeyringUnlockWrongPassword(t *testing.T) {
	ctx := context.Background()
	client, _ := newKeyringTestClient(t)

	if _, err := SetupKeyring(ctx, client, "right password", testKDFParams()); err != nil {
		t.Fatalf("setup: %v", err)
	}
	_, err := UnlockKeyring(ctx, client, "wrong password", testKDFParams())
	if !errors.Is(err, ErrDecryptFailed) {
		t.Fatalf("expected ErrDecryptFailed, got %v", err)
	}
}

func TestKeyringUnlockBeforeSetup(t *testing.T) {
	ctx := context.Background()
	client, _ := newKeyringTestClient(t)

	_, err := UnlockKeyring(ctx, client, "any", testKDFParams())
	if !errors.Is(err, ErrNotSetUp) {
		t.Fatalf("expected ErrNotSetUp, got %v", err)
	}
}

func TestKeyringMnemonicRecovery(t *testing.T) {
	ctx := context.Background()
	client, _ := newKeyringTestClient(t)

	kr, err := SetupKeyring(ctx, client, "pw", testKDFParams())
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	phrase, err := kr.Mnemonic()
	if err != nil {
		t.Fatalf("mnemonic: %v", err)
	}
	env, err := EncryptString(kr.Cipher(), "secret")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	recovered, err := RecoverKeyring(phrase)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	got, err := DecryptString(recovered.Cipher(), env)
	if err != nil || got != "secret" {
		t.Fatalf("decrypt after recovery: %q %v", got, err)
	}

	if _, err := RecoverKeyring("definitely not a valid phrase"); err == nil {
		t.Fatal("expected error for invalid phrase")
	}
}

func TestKeyringSetupIsIdempotentUpsert(t *testing.T) {
	ctx := context.Background()
	client, fake := newKeyringTestClient(t)

	if _, err := SetupKeyring(ctx, client, "first", testKDFParams()); err != nil {
		t.Fatalf("setup 1: %v", err)
	}
	if _, err := SetupKeyring(ctx, client, "second", testKDFParams()); err != nil {
		t.Fatalf("setup 2: %v", err)
	}
	// Server holds the latest wrapped key; the new password unlocks it.
	if _, err := UnlockKeyring(ctx, client, "second", testKDFParams()); err != nil {
		t.Fatalf("unlock with latest password: %v", err)
	}
	fake.mu.Lock()
	defer fake.mu.Unlock()
	if fake.msg == nil || fake.msg.Salt == "" {
		t.Fatal("server should hold salt and wrapped key")
	}
}
