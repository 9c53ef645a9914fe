package document

import "unicode/utf8"

// TieBreak orders two inserts at the same position. Every replica and the
// relay must use the same value.
type TieBreak int

const (
	// TieBreakTimestampUser orders by timestamp, then user ID.
	TieBreakTimestampUser TieBreak = iota
	// TieBreakUserTimestamp orders by user ID, then timestamp.
	TieBreakUserTimestamp
	// TieBreakTimestampOnly orders by timestamp; equal timestamps are a
	// conflict (still ordered deterministically so replicas converge).
	TieBreakTimestampOnly
)

// ParseTieBreak maps a configuration name to a TieBreak.
func ParseTieBreak(s string) (TieBreak, bool) {
	switch s {
	case "", "timestamp_user":
		return TieBreakTimestampUser, true
	case "user_timestamp":
		return TieBreakUserTimestamp, true
	case "timestamp_only":
		return TieBreakTimestampOnly, true
	}
	return TieBreakTimestampUser, false
}

func (t TieBreak) String() string {
	switch t {
	case TieBreakUserTimestamp:
		return "user_timestamp"
	case TieBreakTimestampOnly:
		return "timestamp_only"
	default:
		return "timestamp_user"
	}
}

// before reports whether a is ordered before b. It is a strict total order
// over distinct operations.
func (t TieBreak) before(a, b Operation) bool {
	switch t {
	case TieBreakUserTimestamp:
		if a.UserID != b.UserID {
			return a.UserID < b.UserID
		}
		if a.Timestamp != b.Timestamp {
			return a.Timestamp < b.Timestamp
		}
	default:
		if a.Timestamp != b.Timestamp {
			return a.Timestamp < b.Timestamp
		}
		if a.UserID != b.UserID {
			return a.UserID < b.UserID
		}
	}
	return a.ID < b.ID
}

// ambiguous reports whether the configured order cannot tell a and b apart.
func (t TieBreak) ambiguous(a, b Operation) bool {
	return t == TieBreakTimestampOnly && a.Timestamp == b.Timestamp
}

// xform transforms two operations defined on the same state. The first
// result is a rewritten to apply after b, the second is b rewritten to apply
// after a. Either side may split into two deletes or vanish.
func (t TieBreak) xform(a, b Operation) ([]Operation, []Operation) {
	return t.include(a, b), t.include(b, a)
}

// include rewrites a so it applies on top of b.
func (t TieBreak) include(a, b Operation) []Operation {
	if a.Noop() {
		return nil
	}
	if b.Noop() {
		return []Operation{a}
	}

	bLen := b.Span()
	switch {
	case a.Kind == OpInsert && b.Kind == OpInsert:
		if a.Position < b.Position || (a.Position == b.Position && t.before(a, b)) {
			return []Operation{a}
		}
		a.Position += bLen
		return []Operation{a}

	case a.Kind == OpInsert && b.Kind == OpDelete:
		switch {
		case a.Position <= b.Position:
		case a.Position >= b.Position+bLen:
			a.Position -= bLen
		default:
			a.Position = b.Position
		}
		return []Operation{a}

	case a.Kind == OpDelete && b.Kind == OpInsert:
		switch {
		case b.Position <= a.Position:
			a.Position += bLen
			return []Operation{a}
		case b.Position >= a.Position+a.Length:
			return []Operation{a}
		}
		// The insert lands strictly inside the deleted range: delete around
		// it so the inserted text survives. The pieces apply in order.
		head := a
		head.Length = b.Position - a.Position
		tail := a
		tail.Position = a.Position + bLen
		tail.Length = a.Length - head.Length
		return []Operation{head, tail}

	default: // delete vs delete
		aStart, aEnd := a.Position, a.Position+a.Length
		bStart, bEnd := b.Position, b.Position+b.Length
		switch {
		case aEnd <= bStart:
			return []Operation{a}
		case aStart >= bEnd:
			a.Position -= b.Length
			return []Operation{a}
		}
		overlap := min(aEnd, bEnd) - max(aStart, bStart)
		a.Length -= overlap
		a.Position = min(aStart, bStart)
		if a.Length <= 0 {
			return nil
		}
		return []Operation{a}
	}
}

// transformX transforms two operation sequences defined on the same state.
// It returns a rewritten to apply after b, and b rewritten to apply after a.
func (t TieBreak) transformX(a, b []Operation) ([]Operation, []Operation) {
	switch {
	case len(a) == 0 || len(b) == 0:
		return a, b
	case len(a) == 1 && len(b) == 1:
		return t.xform(a[0], b[0])
	case len(a) > 1:
		headA, b1 := t.transformX(a[:1], b)
		restA, b2 := t.transformX(a[1:], b1)
		return concatOps(headA, restA), b2
	default:
		a1, headB := t.transformX(a, b[:1])
		a2, restB := t.transformX(a1, b[1:])
		return a2, concatOps(headB, restB)
	}
}

func concatOps(a, b []Operation) []Operation {
	out := make([]Operation, 0, len(a)+len(b))
	out = append(out, a...)
	return append(out, b...)
}

// applyText applies a positional operation to text.
func applyText(text []rune, op Operation) ([]rune, error) {
	switch op.Kind {
	case OpInsert:
		if op.Position > len(text) {
			return text, ErrOutOfRange
		}
		ins := []rune(op.Content)
		out := make([]rune, 0, len(text)+len(ins))
		out = append(out, text[:op.Position]...)
		out = append(out, ins...)
		return append(out, text[op.Position:]...), nil
	case OpDelete:
		if op.Position+op.Length > len(text) {
			return text, ErrOutOfRange
		}
		out := make([]rune, 0, len(text)-op.Length)
		out = append(out, text[:op.Position]...)
		return append(out, text[op.Position+op.Length:]...), nil
	}
	return text, ErrInvalidOperation
}

func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}
