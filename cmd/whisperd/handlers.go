// ABOUTME: HTTP handlers for the per-entity sync and encryption endpoints.
// ABOUTME: The server stores opaque ciphertext and arbitrates last-write-wins.

package main

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/whisper-money/whisper-money-sub002/ledger"
)

// Server bundles state for whisperd handlers.
type Server struct {
	store    *serverStore
	secret   string
	limiters *rateLimiterStore
	now      func() time.Time
}

func newServer(store *serverStore, secret string) *Server {
	return &Server{
		store:    store,
		secret:   secret,
		limiters: newRateLimiterStore(DefaultRateLimitConfig()),
		now:      time.Now,
	}
}

func (s *Server) routes(dev bool) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	if dev {
		r.Post("/api/auth/token", s.handleDevToken)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.withAuth)
		r.Use(s.withRateLimit)

		r.Get("/api/sync/{entity}", s.handleList)
		r.Post("/api/sync/{entity}", s.handleCreate)
		r.Patch("/api/sync/{entity}/{id}", s.handlePatch)
		r.Delete("/api/sync/{entity}/{id}", s.handleDelete)

		r.Post("/api/encryption/setup", s.handleEncryptionSetup)
		r.Get("/api/encryption/message", s.handleEncryptionMessage)
	})

	return r
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	entity := chi.URLParam(r, "entity")
	if !ledger.ValidStore(entity) {
		fail(w, http.StatusNotFound, "unknown entity")
		return
	}

	var since time.Time
	if raw := strings.TrimSpace(r.URL.Query().Get("since")); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			fail(w, http.StatusBadRequest, "invalid since")
			return
		}
		since = t
	}

	records, err := s.store.List(r.Context(), userIDFrom(r.Context()), entity, since)
	if err != nil {
		log.Printf("list %s: %v", entity, err)
		fail(w, http.StatusInternalServerError, "db error")
		return
	}
	if records == nil {
		records = []ledger.Record{}
	}
	ok(w, map[string]any{"data": records})
}

// handleCreate implements idempotent create: 201 for a new record, 200 with
// the stored record when the client-generated id already exists. A retried
// push whose first ack was lost lands in the 200 path.
func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	entity := chi.URLParam(r, "entity")
	if !ledger.ValidStore(entity) {
		fail(w, http.StatusNotFound, "unknown entity")
		return
	}
	if !ledger.CanCreate(entity) {
		fail(w, http.StatusBadRequest, "entity does not support create")
		return
	}

	var rec ledger.Record
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		fail(w, http.StatusBadRequest, "invalid json")
		return
	}
	if strings.TrimSpace(rec.ID) == "" {
		fail(w, http.StatusBadRequest, "id required")
		return
	}

	userID := userIDFrom(r.Context())
	owner, err := s.store.Owner(r.Context(), entity, rec.ID)
	switch {
	case err == nil && owner != userID:
		fail(w, http.StatusForbidden, "record belongs to another user")
		return
	case err == nil:
		existing, err := s.store.Get(r.Context(), userID, entity, rec.ID)
		if err != nil {
			fail(w, http.StatusInternalServerError, "db error")
			return
		}
		ok(w, map[string]any{"data": existing})
		return
	case !errors.Is(err, errNotFound):
		fail(w, http.StatusInternalServerError, "db error")
		return
	}

	// Timestamps are server-authoritative; the client's are advisory.
	rec.CreatedAt = time.Time{}
	stored, err := s.store.Upsert(r.Context(), userID, entity, rec, s.now())
	if err != nil {
		fail(w, http.StatusInternalServerError, "db error")
		return
	}
	okStatus(w, http.StatusCreated, map[string]any{"data": stored})
}

func (s *Server) handlePatch(w http.ResponseWriter, r *http.Request) {
	entity := chi.URLParam(r, "entity")
	id := chi.URLParam(r, "id")
	if !ledger.ValidStore(entity) {
		fail(w, http.StatusNotFound, "unknown entity")
		return
	}

	userID := userIDFrom(r.Context())
	if !s.requireOwner(w, r, entity, id, userID) {
		return
	}

	var rec ledger.Record
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		fail(w, http.StatusBadRequest, "invalid json")
		return
	}
	rec.ID = id

	existing, err := s.store.Get(r.Context(), userID, entity, id)
	if err != nil {
		fail(w, http.StatusInternalServerError, "db error")
		return
	}
	rec.CreatedAt = existing.CreatedAt

	stored, err := s.store.Upsert(r.Context(), userID, entity, rec, s.now())
	if err != nil {
		fail(w, http.StatusInternalServerError, "db error")
		return
	}
	ok(w, map[string]any{"data": stored})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	entity := chi.URLParam(r, "entity")
	id := chi.URLParam(r, "id")
	if !ledger.ValidStore(entity) {
		fail(w, http.StatusNotFound, "unknown entity")
		return
	}

	userID := userIDFrom(r.Context())
	if !s.requireOwner(w, r, entity, id, userID) {
		return
	}

	if err := s.store.MarkDeleted(r.Context(), userID, entity, id, s.now()); err != nil {
		if errors.Is(err, errNotFound) {
			fail(w, http.StatusNotFound, "record not found")
			return
		}
		fail(w, http.StatusInternalServerError, "db error")
		return
	}
	ok(w, map[string]any{"message": "record deleted"})
}

// requireOwner writes 404 for unknown ids and 403 for ids held by another
// user. Returns true when the caller may proceed.
func (s *Server) requireOwner(w http.ResponseWriter, r *http.Request, entity, id, userID string) bool {
	owner, err := s.store.Owner(r.Context(), entity, id)
	switch {
	case errors.Is(err, errNotFound):
		fail(w, http.StatusNotFound, "record not found")
		return false
	case err != nil:
		fail(w, http.StatusInternalServerError, "db error")
		return false
	case owner != userID:
		fail(w, http.StatusForbidden, "record belongs to another user")
		return false
	}
	return true
}

func (s *Server) handleEncryptionSetup(w http.ResponseWriter, r *http.Request) {
	var msg ledger.EncryptionMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		fail(w, http.StatusBadRequest, "invalid json")
		return
	}
	if msg.Salt == "" || msg.EncryptedContent == "" || msg.IV == "" {
		fail(w, http.StatusBadRequest, "salt, encrypted_content, iv required")
		return
	}

	created, err := s.store.SetEncryption(r.Context(), userIDFrom(r.Context()), msg)
	if err != nil {
		fail(w, http.StatusInternalServerError, "db error")
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	okStatus(w, status, map[string]any{"message": "encryption configured"})
}

func (s *Server) handleEncryptionMessage(w http.ResponseWriter, r *http.Request) {
	msg, err := s.store.GetEncryption(r.Context(), userIDFrom(r.Context()))
	if errors.Is(err, errNotFound) {
		fail(w, http.StatusNotFound, "encryption not set up")
		return
	}
	if err != nil {
		fail(w, http.StatusInternalServerError, "db error")
		return
	}
	ok(w, msg)
}

// helpers

func ok(w http.ResponseWriter, v any) {
	okStatus(w, http.StatusOK, v)
}

func okStatus(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("write response: %v", err)
	}
}

func fail(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(map[string]any{"error": msg}); err != nil {
		log.Printf("write error response: %v", err)
	}
}
