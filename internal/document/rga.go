package document

import "strings"

// rga is a replicated growable array: a sequence CRDT in which every
// character keeps its identity forever and deletes leave tombstones.
// Concurrent inserts after the same anchor are ordered by descending
// identity, which makes integration commutative.
type rga struct {
	elems []Element
	known map[ElementID]bool
	clock int64
}

func newRGA() *rga {
	return &rga{known: make(map[ElementID]bool)}
}

func (r *rga) load(elems []Element) {
	r.elems = make([]Element, len(elems))
	copy(r.elems, elems)
	r.known = make(map[ElementID]bool, len(elems))
	for _, e := range elems {
		r.known[e.ID] = true
		r.observe(e.ID)
	}
}

func (r *rga) snapshot() []Element {
	out := make([]Element, len(r.elems))
	copy(out, r.elems)
	return out
}

func (r *rga) observe(id ElementID) {
	if id.Counter > r.clock {
		r.clock = id.Counter
	}
}

func (r *rga) text() string {
	var b strings.Builder
	for _, e := range r.elems {
		if !e.Deleted {
			b.WriteString(e.Value)
		}
	}
	return b.String()
}

func (r *rga) visibleLen() int {
	n := 0
	for _, e := range r.elems {
		if !e.Deleted {
			n++
		}
	}
	return n
}

func (r *rga) indexOf(id ElementID) int {
	for i, e := range r.elems {
		if e.ID == id {
			return i
		}
	}
	return -1
}

// visibleIndexAt returns the visible position of the element at raw index i.
func (r *rga) visibleIndexAt(i int) int {
	n := 0
	for _, e := range r.elems[:i] {
		if !e.Deleted {
			n++
		}
	}
	return n
}

// visible returns the identities of the visible elements in [pos, pos+n).
func (r *rga) visible(pos, n int) []ElementID {
	var ids []ElementID
	v := 0
	for _, e := range r.elems {
		if e.Deleted {
			continue
		}
		if v >= pos && v < pos+n {
			ids = append(ids, e.ID)
		}
		v++
	}
	return ids
}

// anchorFor returns the identity of the visible element just before pos, or
// the zero ID at the head.
func (r *rga) anchorFor(pos int) ElementID {
	if pos == 0 {
		return ElementID{}
	}
	ids := r.visible(pos-1, 1)
	if len(ids) == 0 {
		return ElementID{}
	}
	return ids[0]
}

// prepareInsert fills the CRDT fields of a local insert at op.Position.
func (r *rga) prepareInsert(op *Operation) error {
	if op.Position > r.visibleLen() {
		return ErrOutOfRange
	}
	op.Anchor = r.anchorFor(op.Position)
	n := runeLen(op.Content)
	op.Elements = make([]ElementID, n)
	for i := range op.Elements {
		r.clock++
		op.Elements[i] = ElementID{Counter: r.clock, Site: op.UserID}
	}
	return nil
}

// prepareDelete fills the targets of a local delete.
func (r *rga) prepareDelete(op *Operation) error {
	if op.Position+op.Length > r.visibleLen() {
		return ErrOutOfRange
	}
	op.Targets = r.visible(op.Position, op.Length)
	return nil
}

// ready reports whether every identity op depends on is already present.
func (r *rga) ready(op Operation) bool {
	switch op.Kind {
	case OpInsert:
		return op.Anchor.IsZero() || r.known[op.Anchor]
	case OpDelete:
		for _, id := range op.Targets {
			if !r.known[id] {
				return false
			}
		}
	}
	return true
}

// integrate applies a ready operation and returns its visible effect as a
// sequence of single-rune positional operations. Re-integrating an
// operation has no effect.
func (r *rga) integrate(op Operation) []Operation {
	var effects []Operation
	switch op.Kind {
	case OpInsert:
		values := []rune(op.Content)
		anchor := op.Anchor
		for i, id := range op.Elements {
			if i >= len(values) {
				break
			}
			r.observe(id)
			if r.known[id] {
				anchor = id
				continue
			}
			idx := r.place(anchor, id)
			r.elems = append(r.elems, Element{})
			copy(r.elems[idx+1:], r.elems[idx:])
			r.elems[idx] = Element{ID: id, Value: string(values[i])}
			r.known[id] = true
			effects = append(effects, Operation{Kind: OpInsert, Position: r.visibleIndexAt(idx), Content: string(values[i]), UserID: op.UserID})
			anchor = id
		}
	case OpDelete:
		for _, id := range op.Targets {
			idx := r.indexOf(id)
			if idx < 0 || r.elems[idx].Deleted {
				continue
			}
			pos := r.visibleIndexAt(idx)
			r.elems[idx].Deleted = true
			effects = append(effects, Operation{Kind: OpDelete, Position: pos, Length: 1, UserID: op.UserID})
		}
	}
	return effects
}

// place returns the raw index at which id, anchored after anchor, belongs.
func (r *rga) place(anchor, id ElementID) int {
	i := 0
	if !anchor.IsZero() {
		i = r.indexOf(anchor) + 1
	}
	for i < len(r.elems) && id.Less(r.elems[i].ID) {
		i++
	}
	return i
}
