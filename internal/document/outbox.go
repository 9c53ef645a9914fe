package document

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/boardroom/collab/internal/protocol"
)

// Outbox delivers document frames to every connection of a user. Delivering
// to a user without connections is a no-op.
type Outbox interface {
	Deliver(userID string, du protocol.DocumentUpdate)
}

// HandleUpdate applies a document_update frame sent by the authenticated
// userID and delivers the resulting frames through out. Frames for one
// document are delivered in revision order.
func (a *Authority) HandleUpdate(ctx context.Context, userID string, du protocol.DocumentUpdate, out Outbox) error {
	du.UserID = userID
	docID := du.DocumentID
	if docID == "" {
		return fmt.Errorf("%w: missing document_id", ErrInvalidOperation)
	}

	switch du.Kind {
	case protocol.DocJoin:
		var req JoinRequest
		if len(du.Payload) > 0 {
			if err := json.Unmarshal(du.Payload, &req); err != nil {
				return fmt.Errorf("document: malformed join: %w", err)
			}
		}
		if _, err := a.Join(ctx, docID, userID, req, func(w Welcome) { deliverWelcome(docID, userID, w, out) }); err != nil {
			return err
		}
		a.broadcast(docID, userID, du, out)

	case protocol.DocOperation:
		var op Operation
		if err := json.Unmarshal(du.Payload, &op); err != nil {
			return fmt.Errorf("document: malformed operation: %w", err)
		}
		op.UserID = userID
		if op.ID == "" {
			op.ID = du.OperationID
		}
		_, err := a.Submit(ctx, docID, op, func(c Commit) { deliverCommit(docID, userID, op.ID, c, out) })
		switch {
		case errors.Is(err, ErrStaleOperation):
			log.Printf("document: dropping %v", err)
			return nil
		case errors.Is(err, ErrResyncRequired):
			log.Printf("document: resyncing %s for %s: %v", docID, userID, err)
			_, rerr := a.Resync(ctx, docID, userID, func(w Welcome) { deliverWelcome(docID, userID, w, out) })
			return rerr
		}
		return err

	case protocol.DocResyncRequest:
		_, err := a.Resync(ctx, docID, userID, func(w Welcome) { deliverWelcome(docID, userID, w, out) })
		return err

	case protocol.DocCursor:
		a.broadcast(docID, userID, du, out)

	case protocol.DocLeave:
		a.broadcast(docID, userID, du, out)
		return a.Leave(ctx, docID, userID)

	default:
		return fmt.Errorf("document: unsupported update kind %q", du.Kind)
	}
	return nil
}

func (a *Authority) broadcast(docID, from string, du protocol.DocumentUpdate, out Outbox) {
	for _, uid := range a.Members(docID) {
		if uid != from {
			out.Deliver(uid, du)
		}
	}
}

func deliverCommit(docID, author, origin string, c Commit, out Outbox) {
	out.Deliver(author, protocol.DocumentUpdate{
		Kind:        protocol.DocAck,
		DocumentID:  docID,
		UserID:      author,
		OperationID: origin,
		Version:     c.Ack,
	})
	for _, op := range c.Ops {
		du, err := protocol.NewDocumentUpdate(protocol.DocOperation, docID, author, op)
		if err != nil {
			log.Printf("document: build operation frame %s: %v", op.ID, err)
			continue
		}
		du.OperationID = op.ID
		du.Version = op.Version
		for _, uid := range c.Audience {
			out.Deliver(uid, du)
		}
	}
}

func deliverWelcome(docID, userID string, w Welcome, out Outbox) {
	if w.Snapshot != nil {
		du, err := protocol.NewDocumentUpdate(protocol.DocSnapshot, docID, "", *w.Snapshot)
		if err != nil {
			log.Printf("document: build snapshot frame for %s: %v", docID, err)
			return
		}
		du.Version = w.Snapshot.Version
		out.Deliver(userID, du)
		return
	}
	for _, r := range w.Replay {
		if r.Own {
			out.Deliver(userID, protocol.DocumentUpdate{
				Kind:        protocol.DocAck,
				DocumentID:  docID,
				UserID:      userID,
				OperationID: r.Origin,
				Version:     r.Operation.Version,
			})
			continue
		}
		du, err := protocol.NewDocumentUpdate(protocol.DocOperation, docID, r.Operation.UserID, r.Operation)
		if err != nil {
			log.Printf("document: build operation frame %s: %v", r.Operation.ID, err)
			continue
		}
		du.OperationID = r.Operation.ID
		du.Version = r.Operation.Version
		out.Deliver(userID, du)
	}
}
