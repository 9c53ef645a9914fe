// Package notify is the per-user notification feed. It fans in events from
// the document engine, the presence tracker and the session coordinator via
// the event bus, plus notification frames pushed by the relay. The feed is
// kept in arrival order and de-duplicated by ID.
package notify

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/boardroom/collab/internal/document"
	"github.com/boardroom/collab/internal/event"
	"github.com/boardroom/collab/internal/metrics"
	"github.com/boardroom/collab/internal/presence"
	"github.com/boardroom/collab/internal/protocol"
	"github.com/boardroom/collab/internal/session"
)

// Priority orders notifications in the feed.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

func (p Priority) rank() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	}
	return 0
}

func (p Priority) valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// Notification types produced from bus events.
const (
	TypeConflict     = "document_conflict"
	TypeResync       = "document_resync"
	TypeDiscarded    = "document_discarded"
	TypePresence     = "presence"
	TypeVoteOpened   = "vote_opened"
	TypeSessionEnded = "session_ended"
)

// Notification is one user-facing event.
type Notification struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	UserID    string    `json:"user_id"`
	Read      bool      `json:"read"`
	Priority  Priority  `json:"priority"`
}

// Config holds router parameters.
type Config struct {
	UserID    string        // owner of the feed
	Retention time.Duration // read notifications older than this are pruned
}

// DefaultConfig returns the defaults used by the client.
func DefaultConfig() Config {
	return Config{Retention: 7 * 24 * time.Hour}
}

// Router owns the feed of one user.
type Router struct {
	cfg   Config
	now   func() time.Time
	newID func() string

	mu     sync.Mutex
	items  []*Notification
	byID   map[string]*Notification
	unread int
}

// NewRouter creates an empty feed.
func NewRouter(cfg Config) *Router {
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultConfig().Retention
	}
	return &Router{
		cfg:   cfg,
		now:   time.Now,
		newID: uuid.NewString,
		byID:  make(map[string]*Notification),
	}
}

// AddNotification appends n to the feed. It returns false when a
// notification with the same ID is already present. Missing IDs, timestamps
// and priorities are filled in.
func (r *Router) AddNotification(n Notification) bool {
	if n.ID == "" {
		n.ID = r.newID()
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = r.now()
	}
	if !n.Priority.valid() {
		n.Priority = PriorityMedium
	}
	if n.UserID == "" {
		n.UserID = r.cfg.UserID
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[n.ID]; ok {
		return false
	}
	r.items = append(r.items, &n)
	r.byID[n.ID] = &n
	if !n.Read {
		r.unread++
	}
	r.publishCount()
	return true
}

// MarkNotificationRead flips id to read. It reports whether anything changed,
// so marking twice lowers the unread count once.
func (r *Router) MarkNotificationRead(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.byID[id]
	if !ok || n.Read {
		return false
	}
	n.Read = true
	r.unread--
	r.publishCount()
	return true
}

// MarkAllRead marks every notification read and returns how many changed.
func (r *Router) MarkAllRead() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	changed := 0
	for _, n := range r.items {
		if !n.Read {
			n.Read = true
			changed++
		}
	}
	r.unread = 0
	r.publishCount()
	return changed
}

// GetUnreadCount returns the number of unread notifications.
func (r *Router) GetUnreadCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unread
}

// GetNotificationsByType returns the notifications of type t in arrival order.
func (r *Router) GetNotificationsByType(t string) []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Notification
	for _, n := range r.items {
		if n.Type == t {
			out = append(out, *n)
		}
	}
	return out
}

// All returns every notification in arrival order.
func (r *Router) All() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Notification, len(r.items))
	for i, n := range r.items {
		out[i] = *n
	}
	return out
}

// Feed returns every notification ordered by priority, highest first, and by
// arrival within a priority.
func (r *Router) Feed() []Notification {
	out := r.All()
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority.rank() > out[j].Priority.rank()
	})
	return out
}

// ClearOldNotifications removes every notification older than maxAge, read
// or not, and returns how many were removed. It is meant for an explicit
// retention job; nothing calls it implicitly.
func (r *Router) ClearOldNotifications(maxAge time.Duration) int {
	cutoff := r.now().Add(-maxAge)
	return r.remove(func(n *Notification) bool { return n.Timestamp.Before(cutoff) })
}

// Prune removes read notifications older than the retention window.
func (r *Router) Prune() int {
	cutoff := r.now().Add(-r.cfg.Retention)
	return r.remove(func(n *Notification) bool { return n.Read && n.Timestamp.Before(cutoff) })
}

func (r *Router) remove(drop func(*Notification) bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.items[:0]
	removed := 0
	for _, n := range r.items {
		if drop(n) {
			delete(r.byID, n.ID)
			if !n.Read {
				r.unread--
			}
			removed++
			continue
		}
		kept = append(kept, n)
	}
	for i := len(kept); i < len(r.items); i++ {
		r.items[i] = nil
	}
	r.items = kept
	if removed > 0 {
		r.publishCount()
	}
	return removed
}

// publishCount exports the unread count. Callers hold mu.
func (r *Router) publishCount() {
	metrics.UnreadNotifications.Set(float64(r.unread))
}

// ---------------------------------------------------------------------------
// Fan-in
// ---------------------------------------------------------------------------

// HandleNotification applies a notification frame addressed to the feed's
// owner. Frames for other users are ignored.
func (r *Router) HandleNotification(m protocol.Notification) {
	if m.UserID != "" && r.cfg.UserID != "" && m.UserID != r.cfg.UserID {
		return
	}
	r.AddNotification(FromMessage(m))
}

// Attach subscribes the router to the bus topics it turns into
// notifications. The returned function detaches it.
func (r *Router) Attach(bus *event.Bus) (detach func()) {
	unsubs := []func(){
		bus.Subscribe(event.TopicDocumentConflict, r.onConflict),
		bus.Subscribe(event.TopicDocumentResync, r.onResync),
		bus.Subscribe(event.TopicDocumentDiscard, r.onDiscard),
		bus.Subscribe(event.TopicPresenceOnline, r.onOnline),
		bus.Subscribe(event.TopicVoteOpened, r.onVoteOpened),
		bus.Subscribe(event.TopicSessionEnded, r.onSessionEnded),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func (r *Router) onConflict(ev event.Event) {
	c, ok := ev.Data.(document.Conflict)
	if !ok {
		return
	}
	r.AddNotification(Notification{
		ID:       "conflict:" + c.ID,
		Type:     TypeConflict,
		Title:    "Edit conflict",
		Message:  fmt.Sprintf("Your edit in %s conflicts with one by %s", c.DocumentID, c.RemoteOperation.UserID),
		Priority: PriorityHigh,
	})
}

func (r *Router) onResync(ev event.Event) {
	rs, ok := ev.Data.(document.ResyncEvent)
	if !ok {
		return
	}
	r.AddNotification(Notification{
		ID:       fmt.Sprintf("resync:%s:%d", rs.DocumentID, rs.LocalVersion),
		Type:     TypeResync,
		Title:    "Document reloading",
		Message:  fmt.Sprintf("%s is being reloaded from the server", rs.DocumentID),
		Priority: PriorityMedium,
	})
}

func (r *Router) onDiscard(ev event.Event) {
	de, ok := ev.Data.(document.DiscardEvent)
	if !ok || len(de.Operations) == 0 {
		return
	}
	edits := "edit"
	if len(de.Operations) > 1 {
		edits = "edits"
	}
	r.AddNotification(Notification{
		ID:       fmt.Sprintf("discarded:%s:%s", de.DocumentID, de.Operations[0].ID),
		Type:     TypeDiscarded,
		Title:    "Edits lost",
		Message:  fmt.Sprintf("%d unsaved %s in %s were replaced by the server copy", len(de.Operations), edits, de.DocumentID),
		Priority: PriorityHigh,
	})
}

func (r *Router) onOnline(ev event.Event) {
	ch, ok := ev.Data.(presence.Change)
	if !ok || ch.UserID == r.cfg.UserID {
		return
	}
	now := r.now()
	r.AddNotification(Notification{
		ID:        fmt.Sprintf("presence:%s:%d", ch.UserID, now.UnixMilli()),
		Type:      TypePresence,
		Title:     "User online",
		Message:   ch.UserID + " is online",
		Timestamp: now,
		Priority:  PriorityLow,
	})
}

func (r *Router) onVoteOpened(ev event.Event) {
	ve, ok := ev.Data.(session.VoteEvent)
	if !ok {
		return
	}
	r.AddNotification(Notification{
		ID:       "vote:" + ve.SessionID + ":" + ve.Vote.ID,
		Type:     TypeVoteOpened,
		Title:    "Vote opened",
		Message:  fmt.Sprintf("%q is open for voting in %s", ve.Vote.Title, sessionName(ve.SessionTitle, ve.SessionID)),
		Priority: PriorityHigh,
	})
}

func (r *Router) onSessionEnded(ev event.Event) {
	ee, ok := ev.Data.(session.EndedEvent)
	if !ok {
		return
	}
	r.AddNotification(Notification{
		ID:       "ended:" + ee.SessionID,
		Type:     TypeSessionEnded,
		Title:    "Session ended",
		Message:  sessionName(ee.Title, ee.SessionID) + " has ended",
		Priority: PriorityMedium,
	})
}

func sessionName(title, id string) string {
	if title != "" {
		return title
	}
	return id
}

// FromMessage converts a notification frame.
func FromMessage(m protocol.Notification) Notification {
	n := Notification{
		ID:       m.ID,
		Type:     m.Type,
		Title:    m.Title,
		Message:  m.Message,
		UserID:   m.UserID,
		Priority: Priority(m.Priority),
	}
	if m.Timestamp > 0 {
		n.Timestamp = time.UnixMilli(m.Timestamp)
	}
	return n
}

// ToMessage converts a notification into a frame payload.
func ToMessage(n Notification) protocol.Notification {
	return protocol.Notification{
		ID:        n.ID,
		Type:      n.Type,
		Title:     n.Title,
		Message:   n.Message,
		UserID:    n.UserID,
		Priority:  string(n.Priority),
		Timestamp: n.Timestamp.UnixMilli(),
	}
}
