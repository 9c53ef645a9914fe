package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boardroom/collab/internal/protocol"
)

type recorder struct {
	docs     []protocol.DocumentUpdate
	presence []protocol.PresenceUpdate
	sessions []protocol.SessionEvent
	notes    []protocol.Notification
	pongs    []protocol.Pong
	pings    []protocol.Ping
}

func (r *recorder) HandleDocumentUpdate(m protocol.DocumentUpdate) { r.docs = append(r.docs, m) }
func (r *recorder) HandlePresenceUpdate(m protocol.PresenceUpdate) { r.presence = append(r.presence, m) }
func (r *recorder) HandleSessionEvent(m protocol.SessionEvent)     { r.sessions = append(r.sessions, m) }
func (r *recorder) HandleNotification(m protocol.Notification)     { r.notes = append(r.notes, m) }
func (r *recorder) ObservePong(m protocol.Pong)                    { r.pongs = append(r.pongs, m) }
func (r *recorder) AnswerPing(m protocol.Ping)                     { r.pings = append(r.pings, m) }

func newRecorderDispatcher() (*Dispatcher, *recorder) {
	r := &recorder{}
	return New(Handlers{
		Documents:     r,
		Presence:      r,
		Sessions:      r,
		Notifications: r,
		Control:       r,
	}), r
}

func TestDispatch_RoutesEachTopicOnce(t *testing.T) {
	d, r := newRecorderDispatcher()

	d.Dispatch([]byte(`{"type":"document_update","data":{"kind":"ack","document_id":"d1","version":4}}`))
	d.Dispatch([]byte(`{"type":"presence_update","data":{"user_id":"u2","status":"online"}}`))
	d.Dispatch([]byte(`{"type":"session_event","data":{"kind":"chat","session_id":"s1"}}`))
	d.Dispatch([]byte(`{"type":"notification","data":{"id":"n1","priority":"high"}}`))
	d.Dispatch([]byte(`{"type":"pong","data":{"sent_at":9}}`))
	d.Dispatch([]byte(`{"type":"ping","data":{"sent_at":3}}`))

	require.Len(t, r.docs, 1)
	assert.Equal(t, int64(4), r.docs[0].Version)
	require.Len(t, r.presence, 1)
	assert.Equal(t, "u2", r.presence[0].UserID)
	require.Len(t, r.sessions, 1)
	require.Len(t, r.notes, 1)
	require.Len(t, r.pongs, 1)
	assert.Equal(t, int64(9), r.pongs[0].SentAt)
	require.Len(t, r.pings, 1)
}

func TestDispatch_DropsUnknownAndMalformed(t *testing.T) {
	d, r := newRecorderDispatcher()

	d.Dispatch([]byte(`{"type":"cursor_dance","data":{}}`))
	d.Dispatch([]byte(`not json`))
	d.Dispatch([]byte(`{"type":"document_update","data":{"version":"x"}}`))

	assert.Empty(t, r.docs)
	assert.Empty(t, r.presence)
	assert.Empty(t, r.sessions)
	assert.Empty(t, r.notes)
}

func TestDispatch_PreservesArrivalOrder(t *testing.T) {
	d, r := newRecorderDispatcher()
	for _, id := range []string{"a", "b", "c"} {
		d.Dispatch([]byte(`{"type":"document_update","data":{"kind":"operation","document_id":"` + id + `"}}`))
	}
	require.Len(t, r.docs, 3)
	assert.Equal(t, "a", r.docs[0].DocumentID)
	assert.Equal(t, "b", r.docs[1].DocumentID)
	assert.Equal(t, "c", r.docs[2].DocumentID)
}

func TestDispatch_NilHandlersAreSkipped(t *testing.T) {
	var gotErr protocol.ErrorMsg
	d := New(Handlers{OnError: func(m protocol.ErrorMsg) { gotErr = m }})

	assert.NotPanics(t, func() {
		d.Dispatch([]byte(`{"type":"notification","data":{"id":"n1"}}`))
		d.Dispatch([]byte(`{"type":"welcome","data":{"connection_id":"c"}}`))
	})
	d.Dispatch([]byte(`{"type":"error","data":{"code":"rate_limited","message":"slow down"}}`))
	assert.Equal(t, "rate_limited", gotErr.Code)
}
