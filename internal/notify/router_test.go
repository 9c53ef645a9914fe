package notify

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boardroom/collab/internal/document"
	"github.com/boardroom/collab/internal/event"
	"github.com/boardroom/collab/internal/presence"
	"github.com/boardroom/collab/internal/protocol"
	"github.com/boardroom/collab/internal/session"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestRouter(t *testing.T) (*Router, *time.Time) {
	t.Helper()
	r := NewRouter(Config{UserID: "amy", Retention: time.Hour})
	now := epoch
	r.now = func() time.Time { return now }
	n := 0
	r.newID = func() string {
		n++
		return fmt.Sprintf("n-%d", n)
	}
	return r, &now
}

func ids(ns []Notification) []string {
	out := make([]string, len(ns))
	for i, n := range ns {
		out[i] = n.ID
	}
	return out
}

// ---------------------------------------------------------------------------
// Feed
// ---------------------------------------------------------------------------

func TestAddNotification_ArrivalOrderAndDedup(t *testing.T) {
	r, _ := newTestRouter(t)

	assert.True(t, r.AddNotification(Notification{ID: "a", Type: "mention", Title: "Mentioned"}))
	assert.True(t, r.AddNotification(Notification{ID: "b", Type: "comment"}))
	assert.False(t, r.AddNotification(Notification{ID: "a", Type: "mention", Title: "Again"}))
	assert.True(t, r.AddNotification(Notification{Type: "mention"}))

	all := r.All()
	assert.Equal(t, []string{"a", "b", "n-1"}, ids(all))
	assert.Equal(t, "Mentioned", all[0].Title)
	assert.Equal(t, PriorityMedium, all[0].Priority)
	assert.Equal(t, "amy", all[0].UserID)
	assert.Equal(t, epoch, all[0].Timestamp)
	assert.Equal(t, 3, r.GetUnreadCount())
	assert.Equal(t, []string{"a", "n-1"}, ids(r.GetNotificationsByType("mention")))
}

func TestMarkNotificationRead_Idempotent(t *testing.T) {
	r, _ := newTestRouter(t)
	r.AddNotification(Notification{ID: "a"})
	r.AddNotification(Notification{ID: "b"})

	assert.True(t, r.MarkNotificationRead("a"))
	assert.False(t, r.MarkNotificationRead("a"))
	assert.False(t, r.MarkNotificationRead("missing"))
	assert.Equal(t, 1, r.GetUnreadCount())

	assert.Equal(t, 1, r.MarkAllRead())
	assert.Equal(t, 0, r.GetUnreadCount())
	assert.True(t, r.All()[1].Read)
}

func TestFeed_PriorityThenArrival(t *testing.T) {
	r, _ := newTestRouter(t)
	r.AddNotification(Notification{ID: "low", Priority: PriorityLow})
	r.AddNotification(Notification{ID: "high-1", Priority: PriorityHigh})
	r.AddNotification(Notification{ID: "medium", Priority: PriorityMedium})
	r.AddNotification(Notification{ID: "critical", Priority: PriorityCritical})
	r.AddNotification(Notification{ID: "high-2", Priority: PriorityHigh})
	r.AddNotification(Notification{ID: "odd", Priority: "urgent"})

	assert.Equal(t, []string{"critical", "high-1", "high-2", "medium", "odd", "low"}, ids(r.Feed()))
	assert.Equal(t, []string{"low", "high-1", "medium", "critical", "high-2", "odd"}, ids(r.All()))
}

func TestClearOldNotifications_RemovesRegardlessOfReadState(t *testing.T) {
	r, now := newTestRouter(t)
	r.AddNotification(Notification{ID: "old-read"})
	r.AddNotification(Notification{ID: "old-unread"})
	r.MarkNotificationRead("old-read")
	*now = epoch.Add(10 * time.Minute)
	r.AddNotification(Notification{ID: "fresh"})

	// Reads never clear anything.
	_ = r.All()
	_ = r.Feed()
	assert.Len(t, r.All(), 3)

	assert.Equal(t, 2, r.ClearOldNotifications(5*time.Minute))
	assert.Equal(t, []string{"fresh"}, ids(r.All()))
	assert.Equal(t, 1, r.GetUnreadCount())
	assert.True(t, r.AddNotification(Notification{ID: "old-read"}), "cleared IDs may be added again")
}

func TestPrune_OnlyReadAndExpired(t *testing.T) {
	r, now := newTestRouter(t)
	r.AddNotification(Notification{ID: "read"})
	r.AddNotification(Notification{ID: "unread"})
	r.MarkNotificationRead("read")

	*now = epoch.Add(30 * time.Minute)
	assert.Equal(t, 0, r.Prune())

	*now = epoch.Add(2 * time.Hour)
	assert.Equal(t, 1, r.Prune())
	assert.Equal(t, []string{"unread"}, ids(r.All()))
	assert.Equal(t, 1, r.GetUnreadCount())
}

// ---------------------------------------------------------------------------
// Fan-in
// ---------------------------------------------------------------------------

func TestHandleNotification(t *testing.T) {
	r, _ := newTestRouter(t)
	sent := epoch.Add(-time.Minute)

	r.HandleNotification(protocol.Notification{ID: "x1", Type: "mention", Title: "Hi", UserID: "amy", Priority: "critical", Timestamp: sent.UnixMilli()})
	r.HandleNotification(protocol.Notification{ID: "x2", Type: "mention", UserID: "bob"})
	r.HandleNotification(protocol.Notification{ID: "x1", Type: "mention", UserID: "amy"})

	all := r.All()
	require.Len(t, all, 1)
	assert.Equal(t, PriorityCritical, all[0].Priority)
	assert.True(t, sent.Equal(all[0].Timestamp))
	assert.Equal(t, sent.UnixMilli(), ToMessage(all[0]).Timestamp)
}

func TestAttach_TurnsBusEventsIntoNotifications(t *testing.T) {
	r, now := newTestRouter(t)
	bus := event.NewBus()
	detach := r.Attach(bus)

	conflict := document.Conflict{ID: "c1", DocumentID: "minutes", RemoteOperation: document.Operation{UserID: "bob"}}
	bus.Publish(event.TopicDocumentConflict, conflict)
	bus.Publish(event.TopicDocumentConflict, conflict)
	bus.Publish(event.TopicDocumentResync, document.ResyncEvent{DocumentID: "minutes", LocalVersion: 4})
	bus.Publish(event.TopicPresenceOnline, presence.Change{UserID: "amy", Status: presence.StatusOnline})
	*now = epoch.Add(time.Second)
	bus.Publish(event.TopicPresenceOnline, presence.Change{UserID: "bob", Status: presence.StatusOnline})
	vote := session.VoteEvent{SessionID: "s1", SessionTitle: "Board meeting", Vote: session.Vote{ID: "v1", Title: "Approve budget"}}
	bus.Publish(event.TopicVoteOpened, vote)
	bus.Publish(event.TopicVoteOpened, vote)
	bus.Publish(event.TopicSessionEnded, session.EndedEvent{SessionID: "s1", Title: "Board meeting", EndedBy: "host"})
	bus.Publish(event.TopicDocumentConflict, "not a conflict")

	all := r.All()
	require.Len(t, all, 5)
	assert.Equal(t, []string{TypeConflict, TypeResync, TypePresence, TypeVoteOpened, TypeSessionEnded}, []string{all[0].Type, all[1].Type, all[2].Type, all[3].Type, all[4].Type})
	assert.Equal(t, "Your edit in minutes conflicts with one by bob", all[0].Message)
	assert.Equal(t, "bob is online", all[2].Message)
	assert.Equal(t, `"Approve budget" is open for voting in Board meeting`, all[3].Message)
	assert.Equal(t, "Board meeting has ended", all[4].Message)
	assert.Equal(t, []string{"conflict:c1", "vote:s1:v1"}, ids(r.Feed()[:2]))

	detach()
	assert.Equal(t, 0, bus.Len())
	bus.Publish(event.TopicSessionEnded, session.EndedEvent{SessionID: "s2"})
	assert.Len(t, r.All(), 5)
}

func TestAttach_DiscardedEditsRaiseHighPriority(t *testing.T) {
	r, _ := newTestRouter(t)
	bus := event.NewBus()
	detach := r.Attach(bus)
	defer detach()

	lost := document.DiscardEvent{DocumentID: "minutes", Version: 9, Operations: []document.Operation{{ID: "a-1"}, {ID: "a-2"}}}
	bus.Publish(event.TopicDocumentDiscard, lost)
	bus.Publish(event.TopicDocumentDiscard, lost)
	bus.Publish(event.TopicDocumentDiscard, document.DiscardEvent{DocumentID: "minutes"})

	got := r.GetNotificationsByType(TypeDiscarded)
	require.Len(t, got, 1)
	assert.Equal(t, PriorityHigh, got[0].Priority)
	assert.Equal(t, "2 unsaved edits in minutes were replaced by the server copy", got[0].Message)
	assert.Equal(t, 1, r.GetUnreadCount())
}
