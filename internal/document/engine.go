// Package document is the collaborative editing engine. Every open document
// is edited optimistically: local operations apply at once, wait in a pending
// list and are sent to the relay, which acknowledges them with a revision.
//
// In OT mode incoming operations are transformed against the pending list
// (Jupiter-style), the relay's Authority transforms against what each client
// has not seen yet, and all replicas converge. In CRDT mode every character
// has a stable identity and operations commute, so nothing is transformed.
package document

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/boardroom/collab/internal/metrics"
	"github.com/boardroom/collab/internal/protocol"
)

// EventKind tags an Event delivered to document observers.
type EventKind string

const (
	EventOperation    EventKind = "operation"
	EventCursor       EventKind = "cursor"
	EventAck          EventKind = "ack"
	EventConflict     EventKind = "conflict"
	EventResync       EventKind = "resync"
	EventSnapshot     EventKind = "snapshot"
	EventCollaborator EventKind = "collaborator"
	EventClosed       EventKind = "closed"
)

// Event describes one change to an open document. Pointer fields are copies
// owned by the observer.
type Event struct {
	Kind         EventKind
	DocumentID   string
	Version      int64
	Local        bool
	Operation    *Operation
	Cursor       *Cursor
	Conflict     *Conflict
	Collaborator *Collaborator
	Discarded    []Operation // unacknowledged local edits a snapshot replaced
}

// Observer receives document events in registration order.
type Observer func(Event)

// ResyncEvent is published on the bus when a document needs a snapshot.
type ResyncEvent struct {
	DocumentID   string
	LocalVersion int64
}

// DiscardEvent is published on the bus when a snapshot replaces a document
// that still had unacknowledged local edits.
type DiscardEvent struct {
	DocumentID string
	Version    int64
	Operations []Operation
}

// Sender transmits frames to the relay. transport.Manager implements it.
type Sender interface {
	Send(msgType string, payload interface{}) error
}

// Publisher receives cross-component events. event.Bus implements it.
type Publisher interface {
	Publish(topic string, data interface{})
}

// JoinRequest is the payload of a join frame. Version is the last relay
// revision the client has integrated; the relay replays what came after it.
type JoinRequest struct {
	Title       string       `json:"title,omitempty"`
	Mode        Mode         `json:"mode"`
	Permissions []Permission `json:"permissions,omitempty"`
	Version     int64        `json:"version"`
}

// Config holds engine parameters.
type Config struct {
	UserID       string
	TieBreak     TieBreak
	ResyncWindow int64 // how far a remote op may trail before a resync
}

// DefaultConfig returns the defaults used by the client.
func DefaultConfig() Config {
	return Config{
		TieBreak:     TieBreakTimestampUser,
		ResyncWindow: 100,
	}
}

type pendingOp struct {
	orig Operation   // as generated, sent on the wire
	cur  []Operation // rewritten on top of every remote op integrated since
	sent bool
}

type historyEntry struct {
	step    int64
	effects []Operation
}

type observerEntry struct {
	id uint64
	fn Observer
}

type document struct {
	*replica
	serverRev     int64
	collaborators map[string]Collaborator
	pending       []*pendingOp
	conflicts     []*Conflict
	cursors       map[string]Cursor
	history       []historyEntry
	steps         int64
	parked        []Operation
	seen          map[string]bool
	resyncing     bool
	observers     []observerEntry
}

// Engine owns every document the local user has open.
type Engine struct {
	cfg    Config
	sender Sender
	store  Store
	pub    Publisher
	now    func() time.Time
	newID  func() string

	// sendMu keeps operations on the wire in commit order without holding
	// mu during I/O.
	sendMu sync.Mutex

	mu      sync.Mutex
	docs    map[string]*document
	nextObs uint64
}

// NewEngine creates an engine. sender, store and pub may each be nil.
func NewEngine(cfg Config, sender Sender, store Store, pub Publisher) *Engine {
	if cfg.ResyncWindow <= 0 {
		cfg.ResyncWindow = DefaultConfig().ResyncWindow
	}
	return &Engine{
		cfg:    cfg,
		sender: sender,
		store:  store,
		pub:    pub,
		now:    time.Now,
		newID:  uuid.NewString,
		docs:   make(map[string]*document),
	}
}

// UserID returns the local user.
func (e *Engine) UserID() string { return e.cfg.UserID }

// Open loads docID and registers the local user as a collaborator with
// perms (read and write when none are given). Opening an open document is a
// no-op.
func (e *Engine) Open(ctx context.Context, docID, title string, mode Mode, perms ...Permission) error {
	if !mode.Valid() {
		return fmt.Errorf("document: unknown mode %q", mode)
	}
	if len(perms) == 0 {
		perms = []Permission{PermissionRead, PermissionWrite}
	}

	e.mu.Lock()
	if _, ok := e.docs[docID]; ok {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	d := &document{
		replica:       newReplica(docID, title, mode),
		collaborators: make(map[string]Collaborator),
		cursors:       make(map[string]Cursor),
		seen:          make(map[string]bool),
	}
	if e.store != nil {
		snap, err := e.store.LoadSnapshot(ctx, docID)
		switch {
		case err == nil:
			if snap.Mode.Valid() && snap.Mode != mode {
				return fmt.Errorf("document: %s is stored in %s mode, not %s", docID, snap.Mode, mode)
			}
			d.load(snap)
			d.serverRev = snap.Version
		case !errors.Is(err, ErrNotFound):
			return fmt.Errorf("document: load snapshot %s: %w", docID, err)
		}
	}
	d.collaborators[e.cfg.UserID] = Collaborator{UserID: e.cfg.UserID, Permissions: perms, JoinedAt: e.now()}

	e.mu.Lock()
	if _, ok := e.docs[docID]; ok {
		e.mu.Unlock()
		return nil
	}
	e.docs[docID] = d
	rev := d.serverRev
	e.mu.Unlock()

	e.send(protocol.DocJoin, docID, "", 0, JoinRequest{Title: title, Mode: mode, Permissions: perms, Version: rev})
	return nil
}

// RejoinFrames returns, for every open document, a join frame followed by its
// unacknowledged operations. The join carries the oldest revision the
// document still depends on: the one it has reached, or the base of its
// oldest pending operation. The frames are written first on a new link; the
// relay drops operations it already sequenced and replays what the document
// missed.
func (e *Engine) RejoinFrames() []protocol.DocumentUpdate {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.docs))
	for id := range e.docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []protocol.DocumentUpdate
	for _, id := range ids {
		d := e.docs[id]
		req := JoinRequest{Title: d.title, Mode: d.mode, Version: d.serverRev}
		// Pending operations are rebased from their base version onwards.
		for _, p := range d.pending {
			if p.orig.BaseVersion < req.Version {
				req.Version = p.orig.BaseVersion
			}
		}
		if d.resyncing {
			// The resync request may have been lost with the old link.
			req.Version = -1
		}
		if c, ok := d.collaborators[e.cfg.UserID]; ok {
			req.Permissions = append([]Permission(nil), c.Permissions...)
		}
		du, err := protocol.NewDocumentUpdate(protocol.DocJoin, id, e.cfg.UserID, req)
		if err != nil {
			log.Printf("document: build join frame for %s: %v", id, err)
			continue
		}
		out = append(out, du)

		for _, p := range d.pending {
			du, err := protocol.NewDocumentUpdate(protocol.DocOperation, id, e.cfg.UserID, p.orig)
			if err != nil {
				log.Printf("document: build operation frame %s: %v", p.orig.ID, err)
				continue
			}
			du.OperationID = p.orig.ID
			out = append(out, du)
			p.sent = true
		}
	}
	return out
}

// Regenerates reports whether RejoinFrames already covers du: a join or leave
// of an open document, or an operation still pending in one. Such frames,
// when queued while offline, are stale once the rejoin frames are written.
func (e *Engine) Regenerates(du protocol.DocumentUpdate) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.docs[du.DocumentID]
	if !ok {
		return false
	}
	switch du.Kind {
	case protocol.DocJoin, protocol.DocLeave:
		return true
	case protocol.DocOperation:
		for _, p := range d.pending {
			if p.orig.ID == du.OperationID {
				return true
			}
		}
	}
	return false
}

// Close releases docID: observers receive EventClosed and are detached, the
// relay is told the user left and the snapshot is saved to the store.
func (e *Engine) Close(docID string) error {
	e.mu.Lock()
	d, ok := e.docs[docID]
	if !ok {
		e.mu.Unlock()
		return ErrNotOpen
	}
	delete(e.docs, docID)
	snap := d.snapshot()
	// Unacknowledged edits would make the cached version run ahead of the
	// relay's revision.
	cache := e.store != nil && len(d.pending) == 0
	obs := d.observers
	d.observers = nil
	e.mu.Unlock()

	for _, o := range obs {
		o.fn(Event{Kind: EventClosed, DocumentID: docID, Version: snap.Version})
	}
	e.send(protocol.DocLeave, docID, "", 0, nil)
	if cache {
		if err := e.store.SaveSnapshot(context.Background(), snap); err != nil {
			return fmt.Errorf("document: save snapshot %s: %w", docID, err)
		}
	}
	return nil
}

// Subscribe registers fn for events on docID.
func (e *Engine) Subscribe(docID string, fn Observer) (unsubscribe func(), err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.docs[docID]
	if !ok {
		return nil, ErrNotOpen
	}
	e.nextObs++
	id := e.nextObs
	d.observers = append(d.observers, observerEntry{id: id, fn: fn})

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		for i, o := range d.observers {
			if o.id == id {
				d.observers = append(d.observers[:i:i], d.observers[i+1:]...)
				return
			}
		}
	}, nil
}

// ---------------------------------------------------------------------------
// Local edits
// ---------------------------------------------------------------------------

// InsertText inserts text at pos (in runes) as the local user.
func (e *Engine) InsertText(docID string, pos int, text string) (Operation, error) {
	return e.localEdit(docID, Operation{Kind: OpInsert, Position: pos, Content: text})
}

// DeleteText deletes length runes starting at pos as the local user.
func (e *Engine) DeleteText(docID string, pos, length int) (Operation, error) {
	return e.localEdit(docID, Operation{Kind: OpDelete, Position: pos, Length: length})
}

// localEdit commits op and sends it. A send failure does not undo the
// commit: the returned error wraps the send error and the operation is
// retried before the next edit or by Resend. An edit is refused outright
// while earlier operations are still unsent or a resync is in progress.
func (e *Engine) localEdit(docID string, op Operation) (Operation, error) {
	e.sendMu.Lock()
	defer e.sendMu.Unlock()

	if err := e.resendLocked(docID); err != nil {
		return Operation{}, fmt.Errorf("document: earlier operations unsent: %w", err)
	}

	e.mu.Lock()
	d, ok := e.docs[docID]
	if !ok {
		e.mu.Unlock()
		return Operation{}, ErrNotOpen
	}
	if c, ok := d.collaborators[e.cfg.UserID]; !ok || !c.Can(PermissionWrite) {
		e.mu.Unlock()
		return Operation{}, ErrPermissionDenied
	}
	if op.Noop() {
		e.mu.Unlock()
		return Operation{}, fmt.Errorf("%w: empty edit", ErrInvalidOperation)
	}
	if d.resyncing {
		e.mu.Unlock()
		return Operation{}, fmt.Errorf("document: %s is waiting for a snapshot: %w", docID, ErrResyncRequired)
	}

	now := e.now()
	op.ID = e.newID()
	op.UserID = e.cfg.UserID
	op.Timestamp = now.UnixMilli()
	op.BaseVersion = d.serverRev
	if err := op.Validate(); err != nil {
		e.mu.Unlock()
		return Operation{}, err
	}
	if err := d.prepare(&op); err != nil {
		e.mu.Unlock()
		return Operation{}, err
	}
	p, events, err := e.commitLocked(d, op, now)
	if err != nil {
		e.mu.Unlock()
		return Operation{}, err
	}
	obs := d.observerFns()
	e.mu.Unlock()

	sendErr := e.sendOperation(docID, op)
	if sendErr == nil {
		e.mu.Lock()
		p.sent = true
		e.mu.Unlock()
	}
	dispatchEvents(obs, events)

	if sendErr != nil {
		return op, fmt.Errorf("document: operation %s committed but not sent: %w", op.ID, sendErr)
	}
	return op, nil
}

// commitLocked applies a prepared local op and appends it to the pending list.
func (e *Engine) commitLocked(d *document, op Operation, now time.Time) (*pendingOp, []Event, error) {
	effects, err := d.apply(op)
	if err != nil {
		return nil, nil, err
	}
	d.version++
	d.lastModified = now
	d.seen[op.ID] = true
	p := &pendingOp{orig: op, cur: []Operation{op}, sent: e.sender == nil}
	d.pending = append(d.pending, p)
	e.recordLocked(d, effects)
	metrics.OperationsApplied.WithLabelValues(string(d.mode), "local").Inc()

	opCopy := op
	return p, []Event{{Kind: EventOperation, DocumentID: d.id, Version: d.version, Local: true, Operation: &opCopy}}, nil
}

// Resend retries operations of docID that could not be sent earlier.
func (e *Engine) Resend(docID string) error {
	e.sendMu.Lock()
	defer e.sendMu.Unlock()
	return e.resendLocked(docID)
}

// resendLocked requires sendMu.
func (e *Engine) resendLocked(docID string) error {
	e.mu.Lock()
	d, ok := e.docs[docID]
	if !ok {
		e.mu.Unlock()
		return nil
	}
	var unsent []*pendingOp
	for _, p := range d.pending {
		if !p.sent {
			unsent = append(unsent, p)
		}
	}
	e.mu.Unlock()

	for _, p := range unsent {
		if err := e.sendOperation(docID, p.orig); err != nil {
			return err
		}
		e.mu.Lock()
		p.sent = true
		e.mu.Unlock()
	}
	return nil
}

// recordLocked shifts cursors by effects and appends them to the history.
func (e *Engine) recordLocked(d *document, effects []Operation) {
	for _, eff := range effects {
		for uid, c := range d.cursors {
			d.cursors[uid] = shiftCursor(c, eff)
		}
	}
	if d.mode != ModeOT {
		return
	}
	d.steps++
	d.history = append(d.history, historyEntry{step: d.steps, effects: effects})
	if over := len(d.history) - int(e.cfg.ResyncWindow); over > 0 {
		d.history = append([]historyEntry(nil), d.history[over:]...)
	}
}

func shiftCursor(c Cursor, op Operation) Cursor {
	c.Position = shiftPos(c.Position, op)
	if c.Selection != nil {
		sel := *c.Selection
		sel.Start = shiftPos(sel.Start, op)
		sel.End = shiftPos(sel.End, op)
		c.Selection = &sel
	}
	return c
}

func shiftPos(pos int, op Operation) int {
	switch op.Kind {
	case OpInsert:
		if pos >= op.Position {
			pos += op.Span()
		}
	case OpDelete:
		end := op.Position + op.Length
		switch {
		case pos >= end:
			pos -= op.Length
		case pos > op.Position:
			pos = op.Position
		}
	}
	return pos
}

// ---------------------------------------------------------------------------
// Cursors and collaborators
// ---------------------------------------------------------------------------

// UpdateCursor records the local user's cursor and broadcasts it.
func (e *Engine) UpdateCursor(docID string, c Cursor) error {
	e.mu.Lock()
	d, ok := e.docs[docID]
	if !ok {
		e.mu.Unlock()
		return ErrNotOpen
	}
	if c.Position < 0 || c.Position > d.length() {
		e.mu.Unlock()
		return ErrOutOfRange
	}
	c.UserID = e.cfg.UserID
	c.Timestamp = e.now().UnixMilli()
	d.cursors[c.UserID] = c
	obs := d.observerFns()
	e.mu.Unlock()

	cc := c
	dispatchEvents(obs, []Event{{Kind: EventCursor, DocumentID: docID, Local: true, Cursor: &cc}})
	e.send(protocol.DocCursor, docID, "", 0, c)
	return nil
}

// applyRemoteCursor stores a peer's cursor; the most recent one observed wins.
func (e *Engine) applyRemoteCursor(docID string, c Cursor) {
	e.mu.Lock()
	d, ok := e.docs[docID]
	if !ok || c.UserID == "" {
		e.mu.Unlock()
		return
	}
	if c.Position > d.length() {
		c.Position = d.length()
	}
	d.cursors[c.UserID] = c
	obs := d.observerFns()
	e.mu.Unlock()

	cc := c
	dispatchEvents(obs, []Event{{Kind: EventCursor, DocumentID: docID, Cursor: &cc}})
}

// AddCollaborator grants c access to docID, replacing an earlier entry.
func (e *Engine) AddCollaborator(docID string, c Collaborator) error {
	e.mu.Lock()
	d, ok := e.docs[docID]
	if !ok {
		e.mu.Unlock()
		return ErrNotOpen
	}
	if c.JoinedAt.IsZero() {
		c.JoinedAt = e.now()
	}
	c.Permissions = append([]Permission(nil), c.Permissions...)
	d.collaborators[c.UserID] = c
	obs := d.observerFns()
	e.mu.Unlock()

	cc := c
	dispatchEvents(obs, []Event{{Kind: EventCollaborator, DocumentID: docID, Collaborator: &cc}})
	return nil
}

// RemoveCollaborator drops userID and its cursor from docID.
func (e *Engine) RemoveCollaborator(docID, userID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.docs[docID]
	if !ok {
		return ErrNotOpen
	}
	delete(d.collaborators, userID)
	delete(d.cursors, userID)
	return nil
}

// ---------------------------------------------------------------------------
// Getters
// ---------------------------------------------------------------------------

func (e *Engine) doc(docID string) (*document, error) {
	d, ok := e.docs[docID]
	if !ok {
		return nil, ErrNotOpen
	}
	return d, nil
}

// Content returns the visible text of docID.
func (e *Engine) Content(docID string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, err := e.doc(docID)
	if err != nil {
		return "", err
	}
	return d.content(), nil
}

// Version returns the number of operations applied to docID since its
// snapshot, plus the snapshot version. The pieces of an operation the relay
// split count once.
func (e *Engine) Version(docID string) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, err := e.doc(docID)
	if err != nil {
		return 0, err
	}
	return d.version, nil
}

// Pending returns unacknowledged local operations in commit order.
func (e *Engine) Pending(docID string) ([]Operation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, err := e.doc(docID)
	if err != nil {
		return nil, err
	}
	out := make([]Operation, len(d.pending))
	for i, p := range d.pending {
		out[i] = p.orig
	}
	return out, nil
}

// Conflicts returns the unresolved conflicts of docID.
func (e *Engine) Conflicts(docID string) ([]Conflict, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, err := e.doc(docID)
	if err != nil {
		return nil, err
	}
	out := make([]Conflict, len(d.conflicts))
	for i, c := range d.conflicts {
		out[i] = c.public()
	}
	return out, nil
}

// Cursors returns every known cursor of docID ordered by user.
func (e *Engine) Cursors(docID string) ([]Cursor, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, err := e.doc(docID)
	if err != nil {
		return nil, err
	}
	out := make([]Cursor, 0, len(d.cursors))
	for _, c := range d.cursors {
		if c.Selection != nil {
			sel := *c.Selection
			c.Selection = &sel
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// Collaborators returns the collaborators of docID ordered by user.
func (e *Engine) Collaborators(docID string) ([]Collaborator, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, err := e.doc(docID)
	if err != nil {
		return nil, err
	}
	out := make([]Collaborator, 0, len(d.collaborators))
	for _, c := range d.collaborators {
		c.Permissions = append([]Permission(nil), c.Permissions...)
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// Snapshot returns the current state of docID.
func (e *Engine) Snapshot(docID string) (Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, err := e.doc(docID)
	if err != nil {
		return Snapshot{}, err
	}
	return d.snapshot(), nil
}

// Documents returns the IDs of open documents, sorted.
func (e *Engine) Documents() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.docs))
	for id := range e.docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (d *document) observerFns() []Observer {
	fns := make([]Observer, len(d.observers))
	for i, o := range d.observers {
		fns[i] = o.fn
	}
	return fns
}

func dispatchEvents(obs []Observer, events []Event) {
	for _, ev := range events {
		for _, fn := range obs {
			fn(ev)
		}
	}
}

func (c *Conflict) public() Conflict {
	out := *c
	out.applied = nil
	out.removed = nil
	return out
}

func (e *Engine) sendOperation(docID string, op Operation) error {
	if e.sender == nil {
		return nil
	}
	du, err := protocol.NewDocumentUpdate(protocol.DocOperation, docID, op.UserID, op)
	if err != nil {
		return err
	}
	du.OperationID = op.ID
	return e.sender.Send(protocol.TypeDocumentUpdate, du)
}

// send emits a best-effort document frame; failures are logged.
func (e *Engine) send(kind, docID, opID string, version int64, payload interface{}) {
	if e.sender == nil {
		return
	}
	du, err := protocol.NewDocumentUpdate(kind, docID, e.cfg.UserID, payload)
	if err != nil {
		log.Printf("document: build %s frame for %s: %v", kind, docID, err)
		return
	}
	du.OperationID = opID
	du.Version = version
	if err := e.sender.Send(protocol.TypeDocumentUpdate, du); err != nil {
		log.Printf("document: send %s for %s: %v", kind, docID, err)
	}
}
