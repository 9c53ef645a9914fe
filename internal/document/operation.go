package document

import (
	"fmt"
	"time"
	"unicode/utf8"
)

// Mode selects how concurrent edits are merged.
type Mode string

const (
	ModeOT   Mode = "ot"
	ModeCRDT Mode = "crdt"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModeOT || m == ModeCRDT
}

// OpKind tags an Operation.
type OpKind string

const (
	OpInsert OpKind = "insert"
	OpDelete OpKind = "delete"
)

// ElementID identifies one character of a CRDT sequence. Counter is a Lamport
// clock value and Site the user that inserted the character; together they
// are unique and totally ordered.
type ElementID struct {
	Counter int64  `json:"counter"`
	Site    string `json:"site"`
}

// IsZero reports whether id is the head sentinel.
func (id ElementID) IsZero() bool {
	return id.Counter == 0 && id.Site == ""
}

// Less orders identities by counter, then site.
func (id ElementID) Less(other ElementID) bool {
	if id.Counter != other.Counter {
		return id.Counter < other.Counter
	}
	return id.Site < other.Site
}

func (id ElementID) String() string {
	return fmt.Sprintf("%d@%s", id.Counter, id.Site)
}

// Operation is one immutable edit. Positions and lengths count runes.
//
// Version is the revision the relay assigned; it is zero until sequenced.
// Part numbers the pieces after the first when the relay splits an operation
// while transforming it; every piece takes its own revision.
// Anchor, Elements and Targets are set only in CRDT mode: an insert places
// Elements (one per rune of Content) after Anchor, a delete tombstones
// Targets.
type Operation struct {
	ID          string      `json:"id"`
	Kind        OpKind      `json:"kind"`
	Position    int         `json:"position"`
	Content     string      `json:"content,omitempty"`
	Length      int         `json:"length,omitempty"`
	UserID      string      `json:"user_id"`
	Timestamp   int64       `json:"timestamp"`
	BaseVersion int64       `json:"base_version"`
	Version     int64       `json:"version,omitempty"`
	Part        int         `json:"part,omitempty"`
	Anchor      ElementID   `json:"anchor,omitempty"`
	Elements    []ElementID `json:"elements,omitempty"`
	Targets     []ElementID `json:"targets,omitempty"`
}

// Span returns the number of runes the operation inserts or removes.
func (op Operation) Span() int {
	if op.Kind == OpInsert {
		return utf8.RuneCountInString(op.Content)
	}
	return op.Length
}

// Noop reports whether applying op changes nothing.
func (op Operation) Noop() bool {
	switch op.Kind {
	case OpInsert:
		return op.Content == ""
	case OpDelete:
		return op.Length <= 0 && len(op.Targets) == 0
	}
	return true
}

// Time returns the operation timestamp.
func (op Operation) Time() time.Time {
	return time.UnixMilli(op.Timestamp)
}

// Validate checks the fields every operation must carry.
func (op Operation) Validate() error {
	if op.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidOperation)
	}
	if op.UserID == "" {
		return fmt.Errorf("%w: missing user_id", ErrInvalidOperation)
	}
	switch op.Kind {
	case OpInsert:
		if !utf8.ValidString(op.Content) {
			return fmt.Errorf("%w: content is not valid UTF-8", ErrInvalidOperation)
		}
	case OpDelete:
		if op.Length < 0 {
			return fmt.Errorf("%w: negative length", ErrInvalidOperation)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidOperation, op.Kind)
	}
	if op.Position < 0 {
		return fmt.Errorf("%w: negative position", ErrInvalidOperation)
	}
	return nil
}

// Selection is a highlighted range, in runes.
type Selection struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Cursor is a user's caret in a document.
type Cursor struct {
	UserID    string     `json:"user_id"`
	Position  int        `json:"position"`
	Selection *Selection `json:"selection,omitempty"`
	Timestamp int64      `json:"timestamp"`
}

// Permission is a right a collaborator holds on a document.
type Permission string

const (
	PermissionRead  Permission = "read"
	PermissionWrite Permission = "write"
	PermissionAdmin Permission = "admin"
)

// Collaborator is a user with access to an open document.
type Collaborator struct {
	UserID      string       `json:"user_id"`
	Permissions []Permission `json:"permissions"`
	JoinedAt    time.Time    `json:"joined_at"`
}

// Can reports whether c holds p. Admin implies every permission.
func (c Collaborator) Can(p Permission) bool {
	for _, have := range c.Permissions {
		if have == p || have == PermissionAdmin {
			return true
		}
	}
	return false
}

// Element is one CRDT character, possibly tombstoned.
type Element struct {
	ID      ElementID `json:"id"`
	Value   string    `json:"value"`
	Deleted bool      `json:"deleted,omitempty"`
}

// Snapshot is the full state of a document at Version.
type Snapshot struct {
	DocumentID string    `json:"document_id"`
	Title      string    `json:"title,omitempty"`
	Mode       Mode      `json:"mode"`
	Version    int64     `json:"version"`
	Content    string    `json:"content"`
	Elements   []Element `json:"elements,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Resolution records how a conflict was settled.
type Resolution string

const (
	// ResolutionNone marks a conflict still awaiting a decision.
	ResolutionNone Resolution = ""
	// ResolutionLastWriterWins is applied automatically when timestamps differ.
	ResolutionLastWriterWins Resolution = "last_writer_wins"
	// ResolutionAcceptRemote keeps the merged state as applied.
	ResolutionAcceptRemote Resolution = "accept_remote"
	// ResolutionDiscardRemote reverts the remote operation's effect with
	// compensating local operations.
	ResolutionDiscardRemote Resolution = "discard_remote"
)

// Conflict is a pair of concurrent operations by different authors at the
// same position and base version.
type Conflict struct {
	ID               string     `json:"id"`
	DocumentID       string     `json:"document_id"`
	LocalOperation   Operation  `json:"local_operation"`
	RemoteOperation  Operation  `json:"remote_operation"`
	StateAtDetection string     `json:"state_at_detection"`
	Resolution       Resolution `json:"resolution"`
	Winner           string     `json:"winner,omitempty"`
	DetectedAt       time.Time  `json:"detected_at"`

	applied []Operation // remote op as applied, possibly split
	removed []string    // text removed by each applied delete piece
	step    int64       // history position right after the remote op
}
