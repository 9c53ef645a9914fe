package document

import (
	"fmt"
	"time"
)

// replica is the content of one document in either mode. It is shared by the
// client Engine and the relay Authority and is not safe for concurrent use.
type replica struct {
	id           string
	title        string
	mode         Mode
	text         []rune
	seq          *rga
	version      int64
	lastModified time.Time
}

func newReplica(id, title string, mode Mode) *replica {
	r := &replica{id: id, title: title, mode: mode}
	if mode == ModeCRDT {
		r.seq = newRGA()
	}
	return r
}

func (r *replica) content() string {
	if r.mode == ModeCRDT {
		return r.seq.text()
	}
	return string(r.text)
}

func (r *replica) length() int {
	if r.mode == ModeCRDT {
		return r.seq.visibleLen()
	}
	return len(r.text)
}

// prepare fills mode-specific fields of a locally generated operation.
func (r *replica) prepare(op *Operation) error {
	if r.mode == ModeCRDT {
		if op.Kind == OpInsert {
			return r.seq.prepareInsert(op)
		}
		return r.seq.prepareDelete(op)
	}
	if op.Kind == OpInsert && op.Position > len(r.text) {
		return ErrOutOfRange
	}
	if op.Kind == OpDelete && op.Position+op.Length > len(r.text) {
		return ErrOutOfRange
	}
	return nil
}

// apply changes the content and returns the visible positional effect of op.
// CRDT operations must be ready.
func (r *replica) apply(op Operation) ([]Operation, error) {
	if r.mode == ModeCRDT {
		return r.seq.integrate(op), nil
	}
	if op.Noop() {
		return nil, nil
	}
	text, err := applyText(r.text, op)
	if err != nil {
		return nil, fmt.Errorf("document: apply %s %s at %d: %w", op.Kind, op.ID, op.Position, err)
	}
	r.text = text
	return []Operation{op}, nil
}

func (r *replica) snapshot() Snapshot {
	s := Snapshot{
		DocumentID: r.id,
		Title:      r.title,
		Mode:       r.mode,
		Version:    r.version,
		Content:    r.content(),
		UpdatedAt:  r.lastModified,
	}
	if r.mode == ModeCRDT {
		s.Elements = r.seq.snapshot()
	}
	return s
}

func (r *replica) load(s Snapshot) {
	if s.Mode.Valid() {
		r.mode = s.Mode
	}
	if s.Title != "" {
		r.title = s.Title
	}
	r.version = s.Version
	r.lastModified = s.UpdatedAt
	if r.mode == ModeCRDT {
		// Identities handed out before the snapshot must not be reused.
		var clock int64
		if r.seq != nil {
			clock = r.seq.clock
		}
		r.seq = newRGA()
		r.seq.clock = clock
		if len(s.Elements) > 0 {
			r.seq.load(s.Elements)
		} else if s.Content != "" {
			r.seq.load(seedElements(s.Content))
		}
		r.text = nil
		return
	}
	r.seq = nil
	r.text = []rune(s.Content)
}

// seedElements gives plain content stable identities so a text-only snapshot
// can open in CRDT mode. Every replica derives the same identities.
func seedElements(content string) []Element {
	runes := []rune(content)
	out := make([]Element, len(runes))
	for i, c := range runes {
		out[i] = Element{ID: ElementID{Counter: int64(i + 1), Site: ""}, Value: string(c)}
	}
	return out
}
