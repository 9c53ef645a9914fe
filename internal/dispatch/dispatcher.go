// Package dispatch routes inbound frames to the component that owns their
// topic. Each frame reaches exactly one handler.
package dispatch

import (
	"errors"
	"log"

	"github.com/boardroom/collab/internal/metrics"
	"github.com/boardroom/collab/internal/protocol"
)

// DocumentHandler consumes document_update frames.
type DocumentHandler interface {
	HandleDocumentUpdate(protocol.DocumentUpdate)
}

// PresenceHandler consumes presence_update frames.
type PresenceHandler interface {
	HandlePresenceUpdate(protocol.PresenceUpdate)
}

// SessionHandler consumes session_event frames.
type SessionHandler interface {
	HandleSessionEvent(protocol.SessionEvent)
}

// NotificationHandler consumes notification frames.
type NotificationHandler interface {
	HandleNotification(protocol.Notification)
}

// ControlHandler consumes heartbeat frames. transport.Manager implements it.
type ControlHandler interface {
	ObservePong(protocol.Pong)
	AnswerPing(protocol.Ping)
}

// Handlers holds one handler per message variant. A nil handler means frames
// of that variant are dropped.
type Handlers struct {
	Documents     DocumentHandler
	Presence      PresenceHandler
	Sessions      SessionHandler
	Notifications NotificationHandler
	Control       ControlHandler
	OnError       func(protocol.ErrorMsg)
	OnWelcome     func(protocol.Welcome)
}

// Dispatcher decodes frames and forwards them. It is not safe for concurrent
// use; the transport calls it from a single read goroutine.
type Dispatcher struct {
	h Handlers
}

// New creates a Dispatcher over h.
func New(h Handlers) *Dispatcher {
	return &Dispatcher{h: h}
}

// Dispatch decodes raw and routes the message. Malformed frames and unknown
// types are logged and dropped.
func (d *Dispatcher) Dispatch(raw []byte) {
	msgType, msg, err := protocol.Decode(raw)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownType) {
			metrics.FramesDispatched.WithLabelValues("unknown").Inc()
			log.Printf("dispatch: dropping unknown frame type=%q", msgType)
			return
		}
		metrics.FramesDispatched.WithLabelValues("malformed").Inc()
		log.Printf("dispatch: dropping malformed frame: %v", err)
		return
	}
	metrics.FramesDispatched.WithLabelValues(msgType).Inc()
	d.Route(msg)
}

// Route forwards an already decoded message.
func (d *Dispatcher) Route(msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.DocumentUpdate:
		if d.h.Documents != nil {
			d.h.Documents.HandleDocumentUpdate(m)
		}
	case protocol.PresenceUpdate:
		if d.h.Presence != nil {
			d.h.Presence.HandlePresenceUpdate(m)
		}
	case protocol.SessionEvent:
		if d.h.Sessions != nil {
			d.h.Sessions.HandleSessionEvent(m)
		}
	case protocol.Notification:
		if d.h.Notifications != nil {
			d.h.Notifications.HandleNotification(m)
		}
	case protocol.Pong:
		if d.h.Control != nil {
			d.h.Control.ObservePong(m)
		}
	case protocol.Ping:
		if d.h.Control != nil {
			d.h.Control.AnswerPing(m)
		}
	case protocol.ErrorMsg:
		if d.h.OnError != nil {
			d.h.OnError(m)
		} else {
			log.Printf("dispatch: relay error code=%s: %s", m.Code, m.Message)
		}
	case protocol.Welcome:
		if d.h.OnWelcome != nil {
			d.h.OnWelcome(m)
		}
	default:
		log.Printf("dispatch: no route for %T", msg)
	}
}
