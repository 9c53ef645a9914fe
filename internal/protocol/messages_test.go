package protocol

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// Test: Decoding a document_update frame
// ---------------------------------------------------------------------------

func TestDecode_DocumentUpdate(t *testing.T) {
	input := []byte(`{"type":"document_update","timestamp":1700000000000,
		"data":{"kind":"operation","document_id":"doc-1","user_id":"u1","payload":{"kind":"insert","position":3}}}`)

	msgType, msg, err := Decode(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeDocumentUpdate {
		t.Fatalf("expected type %q, got %q", TypeDocumentUpdate, msgType)
	}

	du, ok := msg.(DocumentUpdate)
	if !ok {
		t.Fatalf("expected DocumentUpdate, got %T", msg)
	}
	if du.Kind != DocOperation {
		t.Errorf("expected kind %q, got %q", DocOperation, du.Kind)
	}
	if du.DocumentID != "doc-1" {
		t.Errorf("expected document_id %q, got %q", "doc-1", du.DocumentID)
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(du.Payload, &payload); err != nil {
		t.Fatalf("payload is not valid JSON: %v", err)
	}
	if payload["kind"] != "insert" {
		t.Errorf("expected payload kind insert, got %v", payload["kind"])
	}
}

// ---------------------------------------------------------------------------
// Test: Encoding stamps the frame with type and timestamp
// ---------------------------------------------------------------------------

func TestEncodeAt_PresenceUpdate(t *testing.T) {
	ts := time.UnixMilli(1700000000123)
	data, err := EncodeAt(PresenceUpdate{UserID: "u1", Status: "online", LastSeen: 42}, ts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("failed to unmarshal frame: %v", err)
	}
	if f.Type != TypePresenceUpdate {
		t.Errorf("expected type %q, got %q", TypePresenceUpdate, f.Type)
	}
	if f.Timestamp != 1700000000123 {
		t.Errorf("expected timestamp 1700000000123, got %d", f.Timestamp)
	}

	var pu PresenceUpdate
	if err := json.Unmarshal(f.Data, &pu); err != nil {
		t.Fatalf("failed to unmarshal data: %v", err)
	}
	if pu.UserID != "u1" || pu.Status != "online" || pu.LastSeen != 42 {
		t.Errorf("unexpected presence payload: %+v", pu)
	}
}

// ---------------------------------------------------------------------------
// Test: Unknown frame types are reported but not fatal
// ---------------------------------------------------------------------------

func TestDecode_UnknownType(t *testing.T) {
	input := []byte(`{"type":"cursor_dance","data":{"x":1},"timestamp":1}`)

	msgType, msg, err := Decode(input)
	if err == nil {
		t.Fatal("expected an error for unknown frame type, got nil")
	}
	if !errors.Is(err, ErrUnknownType) {
		t.Errorf("expected ErrUnknownType, got %v", err)
	}
	if msg != nil {
		t.Errorf("expected nil message for unknown type, got %v", msg)
	}
	if msgType != "cursor_dance" {
		t.Errorf("expected returned type %q, got %q", "cursor_dance", msgType)
	}
}

// ---------------------------------------------------------------------------
// Test: Frame edge cases
// ---------------------------------------------------------------------------

func TestParseFrame_MissingType(t *testing.T) {
	if _, err := ParseFrame([]byte(`{"data":{}}`)); err == nil {
		t.Fatal("expected error for missing type field, got nil")
	}
}

func TestParseFrame_InvalidJSON(t *testing.T) {
	if _, err := ParseFrame([]byte(`{invalid json}`)); err == nil {
		t.Fatal("expected error for invalid JSON, got nil")
	}
}

func TestDecode_MalformedPayload(t *testing.T) {
	_, _, err := Decode([]byte(`{"type":"notification","data":{"priority":5},"timestamp":1}`))
	if err == nil {
		t.Fatal("expected error for mistyped payload, got nil")
	}
	if errors.Is(err, ErrUnknownType) {
		t.Errorf("malformed payload must not be reported as unknown type: %v", err)
	}
}

func TestDecode_EmptyDataIsZeroValue(t *testing.T) {
	_, msg, err := Decode([]byte(`{"type":"ping","timestamp":5}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p, ok := msg.(Ping); !ok || p.SentAt != 0 {
		t.Errorf("expected zero Ping, got %#v", msg)
	}
}

// ---------------------------------------------------------------------------
// Test: Decoding all known frame types succeeds
// ---------------------------------------------------------------------------

func TestDecode_AllTypes(t *testing.T) {
	cases := []struct {
		name     string
		input    string
		wantType string
	}{
		{"presence", `{"type":"presence_update","data":{"user_id":"u","status":"away"}}`, TypePresenceUpdate},
		{"document", `{"type":"document_update","data":{"kind":"ack","document_id":"d","version":3}}`, TypeDocumentUpdate},
		{"session", `{"type":"session_event","data":{"kind":"chat","session_id":"s"}}`, TypeSessionEvent},
		{"notification", `{"type":"notification","data":{"id":"n","priority":"high"}}`, TypeNotification},
		{"ping", `{"type":"ping","data":{"sent_at":1}}`, TypePing},
		{"pong", `{"type":"pong","data":{"sent_at":1}}`, TypePong},
		{"error", `{"type":"error","data":{"code":"x","message":"y"}}`, TypeError},
		{"welcome", `{"type":"welcome","data":{"connection_id":"c"}}`, TypeWelcome},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msgType, msg, err := Decode([]byte(tc.input))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if msgType != tc.wantType {
				t.Errorf("expected type %q, got %q", tc.wantType, msgType)
			}
			if msg == nil || msg.FrameType() != tc.wantType {
				t.Errorf("expected message of type %q, got %#v", tc.wantType, msg)
			}
		})
	}
}

func TestNewDocumentUpdate_Payload(t *testing.T) {
	du, err := NewDocumentUpdate(DocCursor, "doc", "u1", map[string]int{"position": 7})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(du.Payload) != `{"position":7}` {
		t.Errorf("unexpected payload %s", du.Payload)
	}

	du, err = NewDocumentUpdate(DocResyncRequest, "doc", "u1", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if du.Payload != nil {
		t.Errorf("expected empty payload, got %s", du.Payload)
	}
}
