package document

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"
)

// OperationLog is implemented by stores that can replay operations committed
// after a snapshot.
type OperationLog interface {
	OperationsSince(ctx context.Context, docID string, version int64) ([]Operation, error)
}

// AuthorityConfig holds relay-side document parameters.
type AuthorityConfig struct {
	TieBreak      TieBreak
	SnapshotEvery int           // operations between persisted snapshots
	History       int           // sequenced operations kept for replay; also the per-member backlog cap
	DetachTTL     time.Duration // how long a disconnected member keeps its place
}

// DefaultAuthorityConfig returns the defaults used by the relay.
func DefaultAuthorityConfig() AuthorityConfig {
	return AuthorityConfig{
		TieBreak:      TieBreakTimestampUser,
		SnapshotEvery: 50,
		History:       1000,
		DetachTTL:     2 * time.Minute,
	}
}

// Commit is the outcome of submitting one client operation.
type Commit struct {
	// Ops are the operations to broadcast, already sequenced. An operation
	// may split in two or vanish entirely after transformation. Each piece
	// takes its own revision so replicas can detect gaps; pieces after the
	// first carry a derived ID and a non-zero Part, and replicas count them
	// as one change.
	Ops []Operation
	// Ack is the revision to acknowledge to the author.
	Ack int64
	// Duplicate is set when the operation had already been sequenced; only
	// the acknowledgment is repeated.
	Duplicate bool
	// Audience lists the attached members other than the author, sorted.
	Audience []string
}

// Replayed is one sequenced operation a rejoining member missed. Own
// operations are replayed as acknowledgments of Origin.
type Replayed struct {
	Operation Operation
	Own       bool
	Origin    string
}

// Welcome is what a joining member receives: either the operations it missed
// since the revision it reported, or a full snapshot.
type Welcome struct {
	Snapshot *Snapshot
	Replay   []Replayed
}

type member struct {
	joinedAt   int64       // revision the member was registered at
	unseen     []Operation // sequenced ops by others, rewritten past the member's own ops
	overflown  bool
	detachedAt time.Time
}

type sequenced struct {
	op     Operation
	origin string
}

type authDoc struct {
	mu sync.Mutex
	*replica
	members       map[string]*member
	history       []sequenced
	acked         map[string]int64
	ackOrder      []string
	sinceSnapshot int
}

// Authority is the relay's copy of every active document. It orders client
// operations, rewrites OT operations against what their author had not seen,
// persists the result and serves snapshots.
type Authority struct {
	cfg   AuthorityConfig
	store Store
	seq   Sequencer
	now   func() time.Time

	mu   sync.Mutex
	docs map[string]*authDoc
}

// NewAuthority creates an Authority. store may be nil; seq defaults to an
// in-memory sequencer.
func NewAuthority(cfg AuthorityConfig, store Store, seq Sequencer) *Authority {
	def := DefaultAuthorityConfig()
	if seq == nil {
		seq = NewMemorySequencer()
	}
	if cfg.SnapshotEvery <= 0 {
		cfg.SnapshotEvery = def.SnapshotEvery
	}
	if cfg.History <= 0 {
		cfg.History = def.History
	}
	if cfg.DetachTTL <= 0 {
		cfg.DetachTTL = def.DetachTTL
	}
	return &Authority{
		cfg:   cfg,
		store: store,
		seq:   seq,
		now:   time.Now,
		docs:  make(map[string]*authDoc),
	}
}

// load returns the active document, loading it from the store on first use.
func (a *Authority) load(ctx context.Context, docID, title string, mode Mode) (*authDoc, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if d, ok := a.docs[docID]; ok {
		return d, nil
	}
	if !mode.Valid() {
		mode = ModeOT
	}
	d := &authDoc{
		replica: newReplica(docID, title, mode),
		members: make(map[string]*member),
		acked:   make(map[string]int64),
	}

	if a.store != nil {
		snap, err := a.store.LoadSnapshot(ctx, docID)
		switch {
		case err == nil:
			d.load(snap)
		case !errors.Is(err, ErrNotFound):
			return nil, fmt.Errorf("document: load %s: %w", docID, err)
		}
		if oplog, ok := a.store.(OperationLog); ok {
			ops, err := oplog.OperationsSince(ctx, docID, d.version)
			if err != nil {
				return nil, fmt.Errorf("document: replay %s: %w", docID, err)
			}
			for _, op := range ops {
				if _, err := d.apply(op); err != nil {
					return nil, fmt.Errorf("document: replay %s op %s: %w", docID, op.ID, err)
				}
				d.version = op.Version
			}
		}
	}
	if err := a.seq.Seed(ctx, docID, d.version); err != nil {
		log.Printf("document: seed sequencer for %s at %d: %v", docID, d.version, err)
	}
	a.docs[docID] = d
	return d, nil
}

func (a *Authority) active(docID string) (*authDoc, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	d, ok := a.docs[docID]
	return d, ok
}

// Join registers userID on docID. A member that is still registered and
// reports a revision the history covers is sent the operations it missed;
// anyone else starts over from a snapshot. deliver, when set, runs before any
// later commit on the document is delivered.
func (a *Authority) Join(ctx context.Context, docID, userID string, req JoinRequest, deliver func(Welcome)) (Welcome, error) {
	d, err := a.load(ctx, docID, req.Title, req.Mode)
	if err != nil {
		return Welcome{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	var w Welcome
	m, ok := d.members[userID]
	switch {
	case ok && !m.overflown && d.covers(req.Version) && req.Version >= m.joinedAt:
		m.detachedAt = time.Time{}
		w.Replay = d.replaySince(req.Version, userID)
	case !ok && d.covers(req.Version) && !d.authoredSince(req.Version, userID):
		d.members[userID] = &member{joinedAt: req.Version, unseen: d.othersSince(req.Version, userID)}
		w.Replay = d.replaySince(req.Version, userID)
	default:
		d.members[userID] = &member{joinedAt: d.version}
		snap := d.snapshot()
		w.Snapshot = &snap
	}
	if deliver != nil {
		deliver(w)
	}
	return w, nil
}

// Resync re-registers userID at the current revision and delivers a snapshot.
func (a *Authority) Resync(ctx context.Context, docID, userID string, deliver func(Welcome)) (Welcome, error) {
	return a.Join(ctx, docID, userID, JoinRequest{Version: -1}, deliver)
}

// covers reports whether every operation after version is still in the
// history.
func (d *authDoc) covers(version int64) bool {
	if version < 0 || version > d.version {
		return false
	}
	if version == d.version {
		return true
	}
	return len(d.history) > 0 && d.history[0].op.Version <= version+1
}

func (d *authDoc) authoredSince(version int64, userID string) bool {
	for _, h := range d.history {
		if h.op.Version > version && h.op.UserID == userID {
			return true
		}
	}
	return false
}

func (d *authDoc) othersSince(version int64, userID string) []Operation {
	var out []Operation
	for _, h := range d.history {
		if h.op.Version > version && h.op.UserID != userID {
			out = append(out, h.op)
		}
	}
	return out
}

// replaySince lists the history after version. Split pieces of one own
// operation collapse into a single acknowledgment at the last piece.
func (d *authDoc) replaySince(version int64, userID string) []Replayed {
	var out []Replayed
	for _, h := range d.history {
		if h.op.Version <= version {
			continue
		}
		own := h.op.UserID == userID
		if own && len(out) > 0 {
			last := &out[len(out)-1]
			if last.Own && last.Origin == h.origin {
				last.Operation = h.op
				continue
			}
		}
		out = append(out, Replayed{Operation: h.op, Own: own, Origin: h.origin})
	}
	return out
}

// Detach marks userID as disconnected from docID. Its place, and the
// operations it has not seen, are kept for DetachTTL so it can rejoin.
func (a *Authority) Detach(docID, userID string) {
	d, ok := a.active(docID)
	if !ok {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if m, ok := d.members[userID]; ok {
		m.detachedAt = a.now()
	}
}

// Leave unregisters userID. When the last member leaves, the document is
// saved and evicted.
func (a *Authority) Leave(ctx context.Context, docID, userID string) error {
	d, ok := a.active(docID)
	if !ok {
		return nil
	}
	d.mu.Lock()
	delete(d.members, userID)
	empty := len(d.members) == 0
	snap := d.snapshot()
	d.mu.Unlock()
	if !empty {
		return nil
	}
	return a.evict(ctx, docID, d, snap)
}

func (a *Authority) evict(ctx context.Context, docID string, d *authDoc, snap Snapshot) error {
	a.mu.Lock()
	if cur, ok := a.docs[docID]; ok && cur == d {
		delete(a.docs, docID)
	}
	a.mu.Unlock()
	return a.save(ctx, snap)
}

// Sweep drops members detached for longer than DetachTTL and evicts
// documents left without members. It returns the number of members dropped.
func (a *Authority) Sweep(ctx context.Context) int {
	a.mu.Lock()
	docs := make(map[string]*authDoc, len(a.docs))
	for id, d := range a.docs {
		docs[id] = d
	}
	a.mu.Unlock()

	cutoff := a.now().Add(-a.cfg.DetachTTL)
	dropped := 0
	for id, d := range docs {
		d.mu.Lock()
		for uid, m := range d.members {
			if !m.detachedAt.IsZero() && m.detachedAt.Before(cutoff) {
				delete(d.members, uid)
				dropped++
			}
		}
		empty := len(d.members) == 0
		snap := d.snapshot()
		d.mu.Unlock()
		if empty {
			if err := a.evict(ctx, id, d, snap); err != nil {
				log.Printf("document: save %s on eviction: %v", id, err)
			}
		}
	}
	return dropped
}

// Members returns the users registered on docID, sorted.
func (a *Authority) Members(docID string) []string {
	d, ok := a.active(docID)
	if !ok {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.members))
	for uid := range d.members {
		out = append(out, uid)
	}
	sort.Strings(out)
	return out
}

// Snapshot returns the current state of docID, loading it if needed.
func (a *Authority) Snapshot(ctx context.Context, docID string) (Snapshot, error) {
	d, err := a.load(ctx, docID, "", "")
	if err != nil {
		return Snapshot{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snapshot(), nil
}

// Submit sequences op. ErrStaleOperation means op predates its author's
// registration and is dropped; ErrResyncRequired means the author must be
// resynced. deliver, when set, is called with the commit before the next
// operation on the document is sequenced, so frames leave in revision order.
func (a *Authority) Submit(ctx context.Context, docID string, op Operation, deliver func(Commit)) (Commit, error) {
	if err := op.Validate(); err != nil {
		return Commit{}, err
	}
	d, ok := a.active(docID)
	if !ok {
		return Commit{}, fmt.Errorf("document: %s not joined: %w", docID, ErrResyncRequired)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if rev, ok := d.acked[op.ID]; ok {
		c := Commit{Ack: rev, Duplicate: true}
		if deliver != nil {
			deliver(c)
		}
		return c, nil
	}

	m, ok := d.members[op.UserID]
	switch {
	case !ok || m.overflown:
		return Commit{}, fmt.Errorf("document: %s has no place for %s: %w", docID, op.UserID, ErrResyncRequired)
	case op.BaseVersion < m.joinedAt:
		return Commit{}, fmt.Errorf("document: %s op %s based on %d, member since %d: %w",
			docID, op.ID, op.BaseVersion, m.joinedAt, ErrStaleOperation)
	case op.BaseVersion > d.version:
		return Commit{}, fmt.Errorf("document: %s op %s based on %d ahead of %d: %w",
			docID, op.ID, op.BaseVersion, d.version, ErrResyncRequired)
	}

	// The author has integrated everything up to its base version.
	i := 0
	for i < len(m.unseen) && m.unseen[i].Version <= op.BaseVersion {
		i++
	}
	m.unseen = m.unseen[i:]

	var pieces []Operation
	if d.mode == ModeCRDT {
		if !d.seq.ready(op) {
			return Commit{}, fmt.Errorf("document: %s op %s depends on unknown elements: %w", docID, op.ID, ErrResyncRequired)
		}
		pieces = []Operation{op}
	} else {
		pieces, m.unseen = a.cfg.TieBreak.transformX([]Operation{op}, m.unseen)
	}

	commit := Commit{Ack: d.version}
	for n, p := range pieces {
		rev, err := a.nextRev(ctx, d)
		if err != nil {
			return commit, err
		}
		p.Part = n
		if n > 0 {
			p.ID = fmt.Sprintf("%s#%d", op.ID, n+1)
		}
		p.Version = rev
		p.BaseVersion = rev - 1
		if _, err := d.apply(p); err != nil {
			return commit, fmt.Errorf("document: apply %s on %s: %w", p.ID, docID, err)
		}
		d.version = rev
		d.lastModified = a.now()
		d.remember(p, op.ID, a.cfg.History)

		for uid, other := range d.members {
			if uid == op.UserID || other.overflown {
				continue
			}
			other.unseen = append(other.unseen, p)
			if len(other.unseen) > a.cfg.History {
				other.overflown = true
				other.unseen = nil
			}
		}
		if a.store != nil {
			if err := a.store.AppendOperation(ctx, docID, p); err != nil {
				log.Printf("document: persist %s on %s: %v", p.ID, docID, err)
			}
		}
		commit.Ops = append(commit.Ops, p)
		commit.Ack = rev
	}
	d.markAcked(op.ID, commit.Ack, a.cfg.History)
	for uid, other := range d.members {
		if uid != op.UserID && other.detachedAt.IsZero() {
			commit.Audience = append(commit.Audience, uid)
		}
	}
	sort.Strings(commit.Audience)

	d.sinceSnapshot += len(pieces)
	if d.sinceSnapshot >= a.cfg.SnapshotEvery {
		d.sinceSnapshot = 0
		if err := a.save(ctx, d.snapshot()); err != nil {
			log.Printf("document: snapshot %s: %v", docID, err)
		}
	}
	if deliver != nil {
		deliver(commit)
	}
	return commit, nil
}

func (d *authDoc) remember(op Operation, origin string, limit int) {
	d.history = append(d.history, sequenced{op: op, origin: origin})
	if over := len(d.history) - limit; over > 0 {
		d.history = append([]sequenced(nil), d.history[over:]...)
	}
}

func (d *authDoc) markAcked(opID string, rev int64, limit int) {
	d.acked[opID] = rev
	d.ackOrder = append(d.ackOrder, opID)
	if over := len(d.ackOrder) - limit; over > 0 {
		for _, id := range d.ackOrder[:over] {
			delete(d.acked, id)
		}
		d.ackOrder = append([]string(nil), d.ackOrder[over:]...)
	}
}

func (a *Authority) nextRev(ctx context.Context, d *authDoc) (int64, error) {
	rev, err := a.seq.Next(ctx, d.id)
	if err != nil {
		return 0, fmt.Errorf("document: sequence %s: %w", d.id, err)
	}
	if rev != d.version+1 {
		// Clients detect gaps, so revisions stay contiguous.
		log.Printf("document: sequencer for %s returned %d at version %d, using %d", d.id, rev, d.version, d.version+1)
		rev = d.version + 1
	}
	return rev, nil
}

func (a *Authority) save(ctx context.Context, snap Snapshot) error {
	if a.store == nil {
		return nil
	}
	snap.UpdatedAt = a.now()
	return a.store.SaveSnapshot(ctx, snap)
}
