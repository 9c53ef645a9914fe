package document

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/boardroom/collab/internal/event"
	"github.com/boardroom/collab/internal/metrics"
	"github.com/boardroom/collab/internal/protocol"
)

// HandleDocumentUpdate applies a document_update frame from the relay.
func (e *Engine) HandleDocumentUpdate(du protocol.DocumentUpdate) {
	switch du.Kind {
	case protocol.DocOperation:
		var op Operation
		if err := json.Unmarshal(du.Payload, &op); err != nil {
			log.Printf("document: malformed operation for %s: %v", du.DocumentID, err)
			return
		}
		if du.Version > 0 {
			op.Version = du.Version
		}
		if err := e.HandleRemoteOperation(du.DocumentID, op); err != nil && !errors.Is(err, ErrResyncRequired) {
			log.Printf("document: remote operation %s on %s: %v", op.ID, du.DocumentID, err)
		}

	case protocol.DocAck:
		if err := e.Acknowledge(du.DocumentID, du.OperationID, du.Version); err != nil {
			log.Printf("document: ack %s on %s: %v", du.OperationID, du.DocumentID, err)
		}

	case protocol.DocCursor:
		var c Cursor
		if err := json.Unmarshal(du.Payload, &c); err != nil {
			log.Printf("document: malformed cursor for %s: %v", du.DocumentID, err)
			return
		}
		if c.UserID == "" {
			c.UserID = du.UserID
		}
		if c.UserID == e.cfg.UserID {
			return
		}
		e.applyRemoteCursor(du.DocumentID, c)

	case protocol.DocSnapshot:
		var snap Snapshot
		if err := json.Unmarshal(du.Payload, &snap); err != nil {
			log.Printf("document: malformed snapshot for %s: %v", du.DocumentID, err)
			return
		}
		if err := e.ApplySnapshot(du.DocumentID, snap); err != nil && !errors.Is(err, ErrNotOpen) {
			log.Printf("document: apply snapshot %s: %v", du.DocumentID, err)
		}

	case protocol.DocResyncRequest:
		e.Resync(du.DocumentID)

	case protocol.DocJoin:
		if du.UserID == "" || du.UserID == e.cfg.UserID {
			return
		}
		var req JoinRequest
		if len(du.Payload) > 0 {
			if err := json.Unmarshal(du.Payload, &req); err != nil {
				log.Printf("document: malformed join for %s: %v", du.DocumentID, err)
				return
			}
		}
		_ = e.AddCollaborator(du.DocumentID, Collaborator{UserID: du.UserID, Permissions: req.Permissions})

	case protocol.DocLeave:
		if du.UserID != "" && du.UserID != e.cfg.UserID {
			_ = e.RemoveCollaborator(du.DocumentID, du.UserID)
		}

	default:
		log.Printf("document: unknown update kind %q for %s", du.Kind, du.DocumentID)
	}
}

// HandleRemoteOperation integrates an operation authored elsewhere.
// Duplicates are ignored. A gap in relay revisions, or a base version more
// than ResyncWindow behind, returns ErrResyncRequired after requesting a
// snapshot.
func (e *Engine) HandleRemoteOperation(docID string, op Operation) error {
	if err := op.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	d, ok := e.docs[docID]
	if !ok {
		e.mu.Unlock()
		return ErrNotOpen
	}
	if d.seen[op.ID] || d.resyncing {
		e.mu.Unlock()
		return nil
	}
	if op.Version > 0 && op.Version <= d.serverRev {
		e.mu.Unlock()
		return nil
	}

	rev := d.serverRev
	gap := op.Version > rev+1
	trailing := rev-op.BaseVersion > e.cfg.ResyncWindow
	if gap || trailing {
		e.mu.Unlock()
		e.Resync(docID)
		return fmt.Errorf("document: %s at revision %d, remote op %s based on %d (revision %d): %w",
			docID, rev, op.ID, op.BaseVersion, op.Version, ErrResyncRequired)
	}

	var (
		events []Event
		err    error
	)
	if d.mode == ModeCRDT {
		events = e.integrateCRDTLocked(d, op)
	} else {
		events, err = e.integrateOTLocked(d, op)
	}
	if err != nil {
		e.mu.Unlock()
		e.Resync(docID)
		return fmt.Errorf("document: %s: %v: %w", docID, err, ErrResyncRequired)
	}
	if op.Version > 0 {
		d.serverRev = op.Version
	}
	obs := d.observerFns()
	e.mu.Unlock()

	dispatchEvents(obs, events)
	for _, ev := range events {
		if ev.Kind == EventConflict && ev.Conflict.Resolution == ResolutionNone && e.pub != nil {
			e.pub.Publish(event.TopicDocumentConflict, *ev.Conflict)
		}
	}
	return nil
}

// integrateOTLocked transforms op against the pending list, updating the
// pending list in turn, and applies the result.
func (e *Engine) integrateOTLocked(d *document, op Operation) ([]Event, error) {
	var events []Event
	var detected []*Conflict
	state := d.content()
	now := e.now()

	for _, p := range d.pending {
		if c := e.detectConflict(d, p.orig, op, state, now); c != nil {
			detected = append(detected, c)
		}
	}

	remote := []Operation{op}
	for _, p := range d.pending {
		remote, p.cur = e.cfg.TieBreak.transformX(remote, p.cur)
	}

	var removed []string
	var effects []Operation
	for _, r := range remote {
		if r.Kind == OpDelete && r.Position+r.Length <= len(d.text) {
			removed = append(removed, string(d.text[r.Position:r.Position+r.Length]))
		} else {
			removed = append(removed, "")
		}
		eff, err := d.apply(r)
		if err != nil {
			return nil, err
		}
		effects = append(effects, eff...)
	}

	if op.Part == 0 {
		d.version++
	}
	d.lastModified = now
	d.seen[op.ID] = true
	e.recordLocked(d, effects)
	metrics.OperationsApplied.WithLabelValues(string(ModeOT), "remote").Inc()

	opCopy := op
	events = append(events, Event{Kind: EventOperation, DocumentID: d.id, Version: d.version, Operation: &opCopy})

	for _, c := range detected {
		c.applied = append([]Operation(nil), remote...)
		c.removed = removed
		c.step = d.steps
		if c.Resolution == ResolutionNone {
			d.conflicts = append(d.conflicts, c)
			metrics.Conflicts.WithLabelValues("surfaced").Inc()
		} else {
			metrics.Conflicts.WithLabelValues("auto").Inc()
		}
		pc := c.public()
		events = append(events, Event{Kind: EventConflict, DocumentID: d.id, Version: d.version, Conflict: &pc})
	}
	return events, nil
}

// detectConflict reports a conflict when local and remote were written by
// different authors at the same position on the same base version and the
// tie-break cannot order them. Differing timestamps resolve at once in
// favour of the later write.
func (e *Engine) detectConflict(d *document, local, remote Operation, state string, now time.Time) *Conflict {
	if local.UserID == remote.UserID || local.Position != remote.Position || local.BaseVersion != remote.BaseVersion {
		return nil
	}
	bothDelete := local.Kind == OpDelete && remote.Kind == OpDelete
	tiedInsert := local.Kind == OpInsert && remote.Kind == OpInsert && e.cfg.TieBreak.ambiguous(local, remote)
	if !bothDelete && !tiedInsert {
		return nil
	}

	c := &Conflict{
		ID:               e.newID(),
		DocumentID:       d.id,
		LocalOperation:   local,
		RemoteOperation:  remote,
		StateAtDetection: state,
		DetectedAt:       now,
	}
	switch {
	case local.Timestamp > remote.Timestamp:
		c.Resolution, c.Winner = ResolutionLastWriterWins, local.ID
	case remote.Timestamp > local.Timestamp:
		c.Resolution, c.Winner = ResolutionLastWriterWins, remote.ID
	}
	return c
}

// integrateCRDTLocked applies op, or parks it until its dependencies arrive,
// then retries every parked operation.
func (e *Engine) integrateCRDTLocked(d *document, op Operation) []Event {
	if !d.seq.ready(op) {
		for _, p := range d.parked {
			if p.ID == op.ID {
				return nil
			}
		}
		d.parked = append(d.parked, op)
		return nil
	}

	events := e.applyCRDTLocked(d, op)
	for progress := true; progress; {
		progress = false
		for i, p := range d.parked {
			if d.seen[p.ID] {
				d.parked = append(d.parked[:i:i], d.parked[i+1:]...)
				progress = true
				break
			}
			if d.seq.ready(p) {
				d.parked = append(d.parked[:i:i], d.parked[i+1:]...)
				events = append(events, e.applyCRDTLocked(d, p)...)
				progress = true
				break
			}
		}
	}
	return events
}

// applyCRDTLocked integrates a ready op. RGA integration cannot fail.
func (e *Engine) applyCRDTLocked(d *document, op Operation) []Event {
	effects := d.seq.integrate(op)
	d.version++
	d.lastModified = e.now()
	d.seen[op.ID] = true
	e.recordLocked(d, effects)
	metrics.OperationsApplied.WithLabelValues(string(ModeCRDT), "remote").Inc()

	opCopy := op
	return []Event{{Kind: EventOperation, DocumentID: d.id, Version: d.version, Operation: &opCopy}}
}

// Acknowledge removes a committed local operation from the pending list. An
// acknowledgment without a positive version is ignored. Acknowledging an
// unknown operation past the known revision triggers a resync.
func (e *Engine) Acknowledge(docID, opID string, version int64) error {
	if version <= 0 {
		return nil
	}

	e.mu.Lock()
	d, ok := e.docs[docID]
	if !ok {
		e.mu.Unlock()
		return ErrNotOpen
	}
	idx := -1
	for i, p := range d.pending {
		if p.orig.ID == opID {
			idx = i
			break
		}
	}
	if idx < 0 {
		// An operation discarded by a snapshot may still have been
		// sequenced; the local state is then missing it.
		behind := version > d.serverRev
		e.mu.Unlock()
		if behind {
			e.Resync(docID)
		}
		return nil
	}
	if idx != 0 {
		log.Printf("document: out-of-order ack %s on %s (position %d)", opID, docID, idx)
	}
	acked := d.pending[idx].orig
	d.pending = append(d.pending[:idx:idx], d.pending[idx+1:]...)
	if version > d.serverRev {
		d.serverRev = version
	}
	obs := d.observerFns()
	e.mu.Unlock()

	acked.Version = version
	if e.store != nil {
		if err := e.store.AppendOperation(context.Background(), docID, acked); err != nil {
			log.Printf("document: persist %s on %s: %v", opID, docID, err)
		}
	}
	dispatchEvents(obs, []Event{{Kind: EventAck, DocumentID: docID, Version: version, Local: true, Operation: &acked}})
	return nil
}

// Resync asks the relay for a full snapshot of docID. Remote operations are
// ignored until the snapshot arrives.
func (e *Engine) Resync(docID string) {
	e.mu.Lock()
	d, ok := e.docs[docID]
	if !ok {
		e.mu.Unlock()
		return
	}
	d.resyncing = true
	version := d.version
	obs := d.observerFns()
	e.mu.Unlock()

	metrics.Resyncs.Inc()
	log.Printf("document: requesting resync of %s at version %d", docID, version)
	dispatchEvents(obs, []Event{{Kind: EventResync, DocumentID: docID, Version: version}})
	if e.pub != nil {
		e.pub.Publish(event.TopicDocumentResync, ResyncEvent{DocumentID: docID, LocalVersion: version})
	}
	e.send(protocol.DocResyncRequest, docID, "", version, nil)
}

// ApplySnapshot replaces the state of docID with snap. Pending operations,
// parked operations and conflicts are discarded. Lost pending operations are
// listed in the snapshot event and published as a DiscardEvent.
func (e *Engine) ApplySnapshot(docID string, snap Snapshot) error {
	e.mu.Lock()
	d, ok := e.docs[docID]
	if !ok {
		e.mu.Unlock()
		return ErrNotOpen
	}
	if snap.Mode.Valid() && snap.Mode != d.mode {
		e.mu.Unlock()
		return fmt.Errorf("document: snapshot of %s is in %s mode, document is %s", docID, snap.Mode, d.mode)
	}
	snap.DocumentID = docID
	var lost []Operation
	for _, p := range d.pending {
		lost = append(lost, p.orig)
	}
	d.load(snap)
	d.serverRev = snap.Version
	d.pending = nil
	d.conflicts = nil
	d.parked = nil
	d.history = nil
	d.resyncing = false
	n := d.length()
	for uid, c := range d.cursors {
		if c.Position > n {
			c.Position = n
		}
		if c.Selection != nil {
			c.Selection = nil
		}
		d.cursors[uid] = c
	}
	obs := d.observerFns()
	e.mu.Unlock()

	dispatchEvents(obs, []Event{{Kind: EventSnapshot, DocumentID: docID, Version: snap.Version, Discarded: lost}})
	if len(lost) > 0 {
		log.Printf("document: snapshot of %s at version %d discarded %d unacknowledged edits", docID, snap.Version, len(lost))
		if e.pub != nil {
			e.pub.Publish(event.TopicDocumentDiscard, DiscardEvent{DocumentID: docID, Version: snap.Version, Operations: lost})
		}
	}
	return nil
}

// ResolveConflict settles an unresolved conflict. ResolutionAcceptRemote
// keeps the merged state. ResolutionDiscardRemote reverts the remote
// operation with compensating local operations, which are sent like any
// other edit.
func (e *Engine) ResolveConflict(docID, conflictID string, res Resolution) error {
	e.sendMu.Lock()
	defer e.sendMu.Unlock()

	e.mu.Lock()
	d, ok := e.docs[docID]
	if !ok {
		e.mu.Unlock()
		return ErrNotOpen
	}
	idx := -1
	for i, c := range d.conflicts {
		if c.ID == conflictID {
			idx = i
			break
		}
	}
	if idx < 0 {
		e.mu.Unlock()
		return fmt.Errorf("document: conflict %s: %w", conflictID, ErrNotFound)
	}
	c := d.conflicts[idx]

	var comp []Operation
	switch res {
	case ResolutionAcceptRemote:
	case ResolutionDiscardRemote:
		if col, ok := d.collaborators[e.cfg.UserID]; !ok || !col.Can(PermissionWrite) {
			e.mu.Unlock()
			return ErrPermissionDenied
		}
		if d.resyncing {
			e.mu.Unlock()
			return ErrResyncRequired
		}
		var err error
		comp, err = d.compensation(c)
		if err != nil {
			e.mu.Unlock()
			return err
		}
	default:
		e.mu.Unlock()
		return fmt.Errorf("%w: unknown resolution %q", ErrInvalidOperation, res)
	}

	d.conflicts = append(d.conflicts[:idx:idx], d.conflicts[idx+1:]...)
	c.Resolution = res

	now := e.now()
	var events []Event
	var committed []*pendingOp
	for _, op := range comp {
		op.ID = e.newID()
		op.UserID = e.cfg.UserID
		op.Timestamp = now.UnixMilli()
		op.BaseVersion = d.serverRev
		p, evs, err := e.commitLocked(d, op, now)
		if err != nil {
			log.Printf("document: compensation on %s: %v", docID, err)
			continue
		}
		committed = append(committed, p)
		events = append(events, evs...)
	}
	pc := c.public()
	events = append(events, Event{Kind: EventConflict, DocumentID: docID, Version: d.version, Local: true, Conflict: &pc})
	obs := d.observerFns()
	e.mu.Unlock()

	var sendErr error
	for _, p := range committed {
		if err := e.sendOperation(docID, p.orig); err != nil {
			sendErr = err
			break
		}
		e.mu.Lock()
		p.sent = true
		e.mu.Unlock()
	}
	dispatchEvents(obs, events)
	if sendErr != nil {
		return fmt.Errorf("document: compensation committed but not sent: %w", sendErr)
	}
	return nil
}

// compensation builds the operations that undo the remote side of c on the
// current state.
func (d *document) compensation(c *Conflict) ([]Operation, error) {
	var undo []Operation
	for i := len(c.applied) - 1; i >= 0; i-- {
		a := c.applied[i]
		switch a.Kind {
		case OpInsert:
			undo = append(undo, Operation{Kind: OpDelete, Position: a.Position, Length: a.Span()})
		case OpDelete:
			if i < len(c.removed) && c.removed[i] != "" {
				undo = append(undo, Operation{Kind: OpInsert, Position: a.Position, Content: c.removed[i]})
			}
		}
	}
	if len(undo) == 0 {
		return nil, nil
	}

	if d.steps > c.step {
		if len(d.history) == 0 || d.history[0].step > c.step+1 {
			return nil, ErrConflictExpired
		}
	}
	var tb TieBreak
	for _, h := range d.history {
		if h.step <= c.step {
			continue
		}
		undo, _ = tb.transformX(undo, h.effects)
	}
	return undo, nil
}
