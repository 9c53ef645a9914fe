package document

import (
	"context"
	"sync"
)

// Store is the durable collaborator: it supplies authoritative snapshots and
// persists committed operations.
type Store interface {
	// LoadSnapshot returns ErrNotFound when the document has never been saved.
	LoadSnapshot(ctx context.Context, docID string) (Snapshot, error)
	SaveSnapshot(ctx context.Context, snap Snapshot) error
	AppendOperation(ctx context.Context, docID string, op Operation) error
}

// Sequencer hands out increasing revision numbers per document.
type Sequencer interface {
	Next(ctx context.Context, docID string) (int64, error)
	// Seed makes the next revision of docID version+1.
	Seed(ctx context.Context, docID string, version int64) error
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu    sync.RWMutex
	snaps map[string]Snapshot
	ops   map[string][]Operation
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		snaps: make(map[string]Snapshot),
		ops:   make(map[string][]Operation),
	}
}

func (s *MemoryStore) LoadSnapshot(_ context.Context, docID string) (Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snaps[docID]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	snap.Elements = append([]Element(nil), snap.Elements...)
	return snap, nil
}

func (s *MemoryStore) SaveSnapshot(_ context.Context, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap.Elements = append([]Element(nil), snap.Elements...)
	s.snaps[snap.DocumentID] = snap
	return nil
}

func (s *MemoryStore) AppendOperation(_ context.Context, docID string, op Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops[docID] = append(s.ops[docID], op)
	return nil
}

// Operations returns the operations appended for docID, in order.
func (s *MemoryStore) Operations(docID string) []Operation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Operation(nil), s.ops[docID]...)
}

// OperationsSince returns the appended operations with a version above
// version.
func (s *MemoryStore) OperationsSince(_ context.Context, docID string, version int64) ([]Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Operation
	for _, op := range s.ops[docID] {
		if op.Version > version {
			out = append(out, op)
		}
	}
	return out, nil
}

// MemorySequencer counts revisions in memory.
type MemorySequencer struct {
	mu   sync.Mutex
	next map[string]int64
}

// NewMemorySequencer creates a sequencer starting every document at 1.
func NewMemorySequencer() *MemorySequencer {
	return &MemorySequencer{next: make(map[string]int64)}
}

func (s *MemorySequencer) Next(_ context.Context, docID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next[docID]++
	return s.next[docID], nil
}

func (s *MemorySequencer) Seed(_ context.Context, docID string, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next[docID] = version
	return nil
}
