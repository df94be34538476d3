// Package memory provides an in-memory PersistenceAdapter.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/warp/claims-billing/billing"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Store keeps the last snapshot as encoded JSON, so a loaded snapshot never
// shares maps with the engine that saved it.
type Store struct {
	mu    sync.RWMutex
	doc   []byte
	saves int
	err   error
}

func New() *Store {
	return &Store{}
}

// Load returns the last saved snapshot, or nil before the first save.
func (s *Store) Load(_ context.Context) (*billing.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.doc == nil {
		return nil, nil
	}
	var snap billing.Snapshot
	if err := json.Unmarshal(s.doc, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}

// Save replaces the stored snapshot.
func (s *Store) Save(_ context.Context, snap billing.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return s.err
	}
	doc, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	s.doc = doc
	s.saves++
	return nil
}

// Saves returns how many snapshots were written.
func (s *Store) Saves() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saves
}

// FailSaves makes every later Save return err. Pass nil to recover.
func (s *Store) FailSaves(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Bytes returns the raw stored document.
func (s *Store) Bytes() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]byte(nil), s.doc...)
}
