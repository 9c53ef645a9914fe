package relay

import (
	"context"
	"sync"

	"github.com/boardroom/collab/internal/document"
	"github.com/boardroom/collab/internal/presence"
)

// tenantKey scopes a document ID to its tenant in shared stores.
func tenantKey(tenantID, docID string) string {
	return tenantID + ":" + docID
}

// tenantStore maps one tenant's document IDs onto a shared Store.
type tenantStore struct {
	tenant string
	inner  document.Store
}

// newTenantStore wraps inner for one tenant. The result implements
// document.OperationLog whenever inner does.
func newTenantStore(tenantID string, inner document.Store) document.Store {
	if inner == nil {
		return nil
	}
	ts := tenantStore{tenant: tenantID, inner: inner}
	if log, ok := inner.(document.OperationLog); ok {
		return tenantLogStore{tenantStore: ts, log: log}
	}
	return ts
}

func (s tenantStore) LoadSnapshot(ctx context.Context, docID string) (document.Snapshot, error) {
	snap, err := s.inner.LoadSnapshot(ctx, tenantKey(s.tenant, docID))
	if err != nil {
		return document.Snapshot{}, err
	}
	snap.DocumentID = docID
	return snap, nil
}

func (s tenantStore) SaveSnapshot(ctx context.Context, snap document.Snapshot) error {
	snap.DocumentID = tenantKey(s.tenant, snap.DocumentID)
	return s.inner.SaveSnapshot(ctx, snap)
}

func (s tenantStore) AppendOperation(ctx context.Context, docID string, op document.Operation) error {
	return s.inner.AppendOperation(ctx, tenantKey(s.tenant, docID), op)
}

type tenantLogStore struct {
	tenantStore
	log document.OperationLog
}

func (s tenantLogStore) OperationsSince(ctx context.Context, docID string, version int64) ([]document.Operation, error) {
	return s.log.OperationsSince(ctx, tenantKey(s.tenant, docID), version)
}

// tenantSequencer maps one tenant's document IDs onto a shared Sequencer.
type tenantSequencer struct {
	tenant string
	inner  document.Sequencer
}

func (s tenantSequencer) Next(ctx context.Context, docID string) (int64, error) {
	return s.inner.Next(ctx, tenantKey(s.tenant, docID))
}

func (s tenantSequencer) Seed(ctx context.Context, docID string, version int64) error {
	return s.inner.Seed(ctx, tenantKey(s.tenant, docID), version)
}

// Directory is the relay's presence directory, shared by relay instances
// when backed by Redis.
type Directory interface {
	Put(ctx context.Context, tenantID string, r presence.Record) error
	Delete(ctx context.Context, tenantID, userID string) error
	List(ctx context.Context, tenantID string) ([]presence.Record, error)
}

// memoryDirectory keeps one presence.Tracker per tenant for a relay running
// without Redis.
type memoryDirectory struct {
	mu      sync.Mutex
	tenants map[string]*presence.Tracker
}

func newMemoryDirectory() *memoryDirectory {
	return &memoryDirectory{tenants: make(map[string]*presence.Tracker)}
}

func (d *memoryDirectory) tracker(tenantID string) *presence.Tracker {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.tenants[tenantID]
	if !ok {
		t = presence.NewTracker(presence.DefaultConfig(), nil)
		d.tenants[tenantID] = t
	}
	return t
}

func (d *memoryDirectory) Put(_ context.Context, tenantID string, r presence.Record) error {
	r.TenantID = tenantID
	return d.tracker(tenantID).UpdatePresence(r)
}

func (d *memoryDirectory) Delete(_ context.Context, tenantID, userID string) error {
	d.tracker(tenantID).RemovePresence(userID)
	return nil
}

func (d *memoryDirectory) List(_ context.Context, tenantID string) ([]presence.Record, error) {
	return d.tracker(tenantID).List(), nil
}
