// Package protocol defines the frames exchanged between a collaboration client
// and the relay. Every frame is a JSON object of the form
//
//	{"type": "...", "data": {...}, "timestamp": 1700000000000}
//
// where the type discriminator selects one of the Message variants below.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// Frame type constants
// ---------------------------------------------------------------------------

// Collaboration topics routed by the dispatcher.
const (
	TypePresenceUpdate = "presence_update"
	TypeDocumentUpdate = "document_update"
	TypeSessionEvent   = "session_event"
	TypeNotification   = "notification"
)

// Control frames handled by the transport itself.
const (
	TypePing    = "ping"
	TypePong    = "pong"
	TypeError   = "error"
	TypeWelcome = "welcome"
)

// Document update kinds carried in DocumentUpdate.Kind.
const (
	DocOperation     = "operation"
	DocAck           = "ack"
	DocCursor        = "cursor"
	DocResyncRequest = "resync_request"
	DocSnapshot      = "snapshot"
	DocJoin          = "join"
	DocLeave         = "leave"
)

// Session event kinds carried in SessionEvent.Kind.
const (
	SessionStarted          = "started"
	SessionJoined           = "joined"
	SessionLeft             = "left"
	SessionParticipantAdded = "participant_added"
	SessionVoteOpened       = "vote_opened"
	SessionVoteCast         = "vote_cast"
	SessionVoteClosed       = "vote_closed"
	SessionChat             = "chat"
	SessionFlags            = "flags"
	SessionEnded            = "ended"
	SessionState            = "state"
)

// ErrUnknownType is returned by Decode for frame types this package does not
// know about. Callers are expected to drop such frames.
var ErrUnknownType = errors.New("protocol: unknown frame type")

// ---------------------------------------------------------------------------
// Frame
// ---------------------------------------------------------------------------

// Frame is the wire envelope. Data is kept raw so it can be decoded into the
// variant selected by Type.
type Frame struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// ---------------------------------------------------------------------------
// Message variants
// ---------------------------------------------------------------------------

// Message is a decoded frame payload. The set of implementations is closed:
// only types in this package satisfy it.
type Message interface {
	FrameType() string
	sealed()
}

// PresenceUpdate announces a user's live presence. Removed is set when the
// user left and the record must be dropped.
type PresenceUpdate struct {
	UserID            string `json:"user_id"`
	TenantID          string `json:"tenant_id,omitempty"`
	Status            string `json:"status"`
	Activity          string `json:"activity,omitempty"`
	Location          string `json:"location,omitempty"`
	Device            string `json:"device,omitempty"`
	ConnectionQuality string `json:"connection_quality,omitempty"`
	LastSeen          int64  `json:"last_seen"`
	Removed           bool   `json:"removed,omitempty"`
}

// DocumentUpdate carries one document-level event. Payload is interpreted
// according to Kind by the document engine.
type DocumentUpdate struct {
	Kind        string          `json:"kind"`
	DocumentID  string          `json:"document_id"`
	UserID      string          `json:"user_id,omitempty"`
	OperationID string          `json:"operation_id,omitempty"`
	Version     int64           `json:"version,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// SessionEvent carries one live-session event. Payload is interpreted
// according to Kind by the session coordinator.
type SessionEvent struct {
	Kind      string          `json:"kind"`
	SessionID string          `json:"session_id"`
	UserID    string          `json:"user_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Notification is a user-facing event pushed by a peer or the relay.
type Notification struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Title     string `json:"title"`
	Message   string `json:"message"`
	UserID    string `json:"user_id"`
	Priority  string `json:"priority"`
	Timestamp int64  `json:"timestamp"`
}

// Ping is a latency probe. SentAt is echoed back in the matching Pong.
type Ping struct {
	SentAt int64 `json:"sent_at"`
}

// Pong answers a Ping.
type Pong struct {
	SentAt int64 `json:"sent_at"`
}

// ErrorMsg is sent by the relay to communicate an error condition.
type ErrorMsg struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Welcome is the first frame the relay sends after admission.
type Welcome struct {
	ConnectionID string `json:"connection_id"`
	UserID       string `json:"user_id"`
	TenantID     string `json:"tenant_id"`
}

func (PresenceUpdate) FrameType() string { return TypePresenceUpdate }
func (DocumentUpdate) FrameType() string { return TypeDocumentUpdate }
func (SessionEvent) FrameType() string   { return TypeSessionEvent }
func (Notification) FrameType() string   { return TypeNotification }
func (Ping) FrameType() string           { return TypePing }
func (Pong) FrameType() string           { return TypePong }
func (ErrorMsg) FrameType() string       { return TypeError }
func (Welcome) FrameType() string        { return TypeWelcome }

func (PresenceUpdate) sealed() {}
func (DocumentUpdate) sealed() {}
func (SessionEvent) sealed()   {}
func (Notification) sealed()   {}
func (Ping) sealed()           {}
func (Pong) sealed()           {}
func (ErrorMsg) sealed()       {}
func (Welcome) sealed()        {}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseFrame extracts the envelope from raw bytes without decoding Data.
func ParseFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("protocol: failed to unmarshal frame: %w", err)
	}
	if f.Type == "" {
		return Frame{}, fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	return f, nil
}

// Decode parses raw bytes into a typed Message. For unknown types the frame
// type is still returned together with an error wrapping ErrUnknownType.
func Decode(data []byte) (string, Message, error) {
	f, err := ParseFrame(data)
	if err != nil {
		return "", nil, err
	}
	msg, err := DecodeFrame(f)
	return f.Type, msg, err
}

// DecodeFrame decodes the Data of an already parsed frame.
func DecodeFrame(f Frame) (Message, error) {
	var (
		msg Message
		err error
	)

	switch f.Type {
	case TypePresenceUpdate:
		var m PresenceUpdate
		err = decodeData(f.Data, &m)
		msg = m
	case TypeDocumentUpdate:
		var m DocumentUpdate
		err = decodeData(f.Data, &m)
		msg = m
	case TypeSessionEvent:
		var m SessionEvent
		err = decodeData(f.Data, &m)
		msg = m
	case TypeNotification:
		var m Notification
		err = decodeData(f.Data, &m)
		msg = m
	case TypePing:
		var m Ping
		err = decodeData(f.Data, &m)
		msg = m
	case TypePong:
		var m Pong
		err = decodeData(f.Data, &m)
		msg = m
	case TypeError:
		var m ErrorMsg
		err = decodeData(f.Data, &m)
		msg = m
	case TypeWelcome:
		var m Welcome
		err = decodeData(f.Data, &m)
		msg = m
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, f.Type)
	}

	if err != nil {
		return nil, fmt.Errorf("protocol: failed to decode %q payload: %w", f.Type, err)
	}
	return msg, nil
}

func decodeData(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

// Encode marshals a Message into a frame stamped with the current time.
func Encode(msg Message) ([]byte, error) {
	return EncodeAt(msg, time.Now())
}

// EncodeAt marshals a Message into a frame stamped with ts.
func EncodeAt(msg Message, ts time.Time) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal %q payload: %w", msg.FrameType(), err)
	}
	return EncodeRaw(msg.FrameType(), data, ts)
}

// EncodeRaw builds a frame from an already marshalled payload.
func EncodeRaw(msgType string, data json.RawMessage, ts time.Time) ([]byte, error) {
	out, err := json.Marshal(Frame{Type: msgType, Data: data, Timestamp: ts.UnixMilli()})
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal frame: %w", err)
	}
	return out, nil
}

// NewDocumentUpdate builds a DocumentUpdate with payload marshalled from v.
// A nil v leaves Payload empty.
func NewDocumentUpdate(kind, docID, userID string, v interface{}) (DocumentUpdate, error) {
	du := DocumentUpdate{Kind: kind, DocumentID: docID, UserID: userID}
	if v != nil {
		raw, err := json.Marshal(v)
		if err != nil {
			return DocumentUpdate{}, fmt.Errorf("protocol: marshal %s payload: %w", kind, err)
		}
		du.Payload = raw
	}
	return du, nil
}

// NewSessionEvent builds a SessionEvent with payload marshalled from v.
func NewSessionEvent(kind, sessionID, userID string, v interface{}) (SessionEvent, error) {
	se := SessionEvent{Kind: kind, SessionID: sessionID, UserID: userID}
	if v != nil {
		raw, err := json.Marshal(v)
		if err != nil {
			return SessionEvent{}, fmt.Errorf("protocol: marshal %s payload: %w", kind, err)
		}
		se.Payload = raw
	}
	return se, nil
}
