// Package idempotency deduplicates externally retried commands so a
// retry never double-applies. Each key stores the hash of the original
// request and, once processed, the response. An exact replay
// short-circuits with the stored response; reusing a key with a
// different payload is rejected.
package idempotency

import (
	"context"
	"errors"
	"sync"

	"github.com/relieflane/caseledger/pkg/canonical"
)

// Status of a stored idempotency record.
type Status string

const (
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
)

var (
	// ErrKeyConflict is returned when a key is reused with a payload whose
	// hash differs from the original request.
	ErrKeyConflict = errors.New("idempotency key reused with a different payload")

	// ErrInProgress is returned when the original request under the key is
	// still being processed.
	ErrInProgress = errors.New("request with this idempotency key is still in progress")
)

// Record is the stored state for one key.
type Record struct {
	RequestHash string `json:"requestHash"`
	Status      Status `json:"status"`
	Response    string `json:"response,omitempty"`
}

// Outcome of a Begin call.
type Outcome struct {
	// Replayed is true when the key was already completed with the same
	// payload; Response then carries the stored response verbatim.
	Replayed bool
	Response string
}

// Store is the idempotency contract the core assumes from its
// collaborator: at-most-once delivery per key.
type Store interface {
	// Begin claims the key for a request with the given payload hash.
	// Returns a replay outcome, ErrInProgress, or ErrKeyConflict.
	Begin(ctx context.Context, key, requestHash string) (Outcome, error)

	// Complete stores the response for a previously claimed key.
	Complete(ctx context.Context, key, response string) error

	// Release abandons a claimed key so a later retry re-executes instead
	// of being stuck behind a failed attempt. Releasing an unknown key is
	// a no-op.
	Release(ctx context.Context, key string) error
}

// HashRequest computes the canonical hash of a request payload, suitable
// for Begin.
func HashRequest(v any) (string, error) {
	return canonical.Hash(v)
}

// MemoryStore is an in-process Store for tests and single-node setups.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

// NewMemoryStore builds an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

// Begin implements Store.
func (m *MemoryStore) Begin(_ context.Context, key, requestHash string) (Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[key]
	if !ok {
		m.records[key] = Record{RequestHash: requestHash, Status: StatusInProgress}
		return Outcome{}, nil
	}
	if rec.RequestHash != requestHash {
		return Outcome{}, ErrKeyConflict
	}
	if rec.Status == StatusInProgress {
		return Outcome{}, ErrInProgress
	}
	return Outcome{Replayed: true, Response: rec.Response}, nil
}

// Complete implements Store.
func (m *MemoryStore) Complete(_ context.Context, key, response string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[key]
	if !ok {
		return errors.New("idempotency: complete of unknown key")
	}
	rec.Status = StatusCompleted
	rec.Response = response
	m.records[key] = rec
	return nil
}

// Release implements Store.
func (m *MemoryStore) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, key)
	return nil
}
