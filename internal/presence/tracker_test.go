package presence

import (
	"bytes"
	"log"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boardroom/collab/internal/event"
	"github.com/boardroom/collab/internal/protocol"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestTracker(t *testing.T) (*Tracker, *time.Time, *[]event.Event) {
	t.Helper()
	bus := event.NewBus()
	var events []event.Event
	bus.Subscribe("", func(e event.Event) { events = append(events, e) })

	tr := NewTracker(Config{StaleAfter: time.Minute}, bus)
	now := epoch
	tr.now = func() time.Time { return now }
	return tr, &now, &events
}

// ---------------------------------------------------------------------------
// Updates
// ---------------------------------------------------------------------------

func TestUpdatePresence_ReplacesRecord(t *testing.T) {
	tr, _, _ := newTestTracker(t)

	require.NoError(t, tr.UpdatePresence(Record{UserID: "u1", Status: StatusOnline, Activity: ActivityEditing, Location: "doc-1", Device: "laptop"}))
	require.NoError(t, tr.UpdatePresence(Record{UserID: "u1", Status: StatusAway}))

	r, ok := tr.Get("u1")
	require.True(t, ok)
	assert.Equal(t, StatusAway, r.Status)
	assert.Empty(t, r.Activity, "updates replace, never merge")
	assert.Empty(t, r.Location)
	assert.Equal(t, epoch, r.LastSeen)
}

func TestUpdatePresence_Rejected(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	assert.ErrorIs(t, tr.UpdatePresence(Record{Status: StatusOnline}), ErrInvalidRecord)
	assert.ErrorIs(t, tr.UpdatePresence(Record{UserID: "u1", Status: "busy"}), ErrInvalidRecord)
	assert.Empty(t, tr.List())
}

func TestRemovePresence(t *testing.T) {
	tr, _, events := newTestTracker(t)
	require.NoError(t, tr.UpdatePresence(Record{UserID: "u1", Status: StatusOnline}))

	assert.True(t, tr.RemovePresence("u1"))
	assert.False(t, tr.RemovePresence("u1"))
	_, ok := tr.Get("u1")
	assert.False(t, ok)

	require.Len(t, *events, 2)
	assert.Equal(t, event.TopicPresenceOnline, (*events)[0].Topic)
	assert.Equal(t, event.TopicPresenceOffline, (*events)[1].Topic)
	assert.Equal(t, Change{UserID: "u1", Status: StatusOffline}, (*events)[1].Data)
}

func TestUpdatePresence_AnnouncesOnlyTransitions(t *testing.T) {
	tr, _, events := newTestTracker(t)
	require.NoError(t, tr.UpdatePresence(Record{UserID: "u1", Status: StatusOnline}))
	require.NoError(t, tr.UpdatePresence(Record{UserID: "u1", Status: StatusOnline, Activity: ActivityViewing}))
	require.NoError(t, tr.UpdatePresence(Record{UserID: "u1", Status: StatusAway}))
	require.NoError(t, tr.UpdatePresence(Record{UserID: "u1", Status: StatusOnline}))

	var topics []string
	for _, e := range *events {
		topics = append(topics, e.Topic)
	}
	assert.Equal(t, []string{event.TopicPresenceOnline, event.TopicPresenceOnline}, topics)
}

// ---------------------------------------------------------------------------
// Staleness
// ---------------------------------------------------------------------------

func TestStaleUsersReadAsOffline(t *testing.T) {
	tr, now, _ := newTestTracker(t)
	require.NoError(t, tr.UpdatePresence(Record{UserID: "u1", Status: StatusOnline, Activity: ActivityEditing}))
	require.NoError(t, tr.UpdatePresence(Record{UserID: "u2", Status: StatusAway}))

	*now = epoch.Add(30 * time.Second)
	require.NoError(t, tr.UpdatePresence(Record{UserID: "u2", Status: StatusAway}))
	*now = epoch.Add(61 * time.Second)

	r, ok := tr.Get("u1")
	require.True(t, ok)
	assert.Equal(t, StatusOffline, r.Status)
	assert.Equal(t, ActivityEditing, r.Activity)

	stored, ok := tr.Stored("u1")
	require.True(t, ok)
	assert.Equal(t, StatusOnline, stored.Status, "the stored record is not mutated")

	assert.Equal(t, Stats{Away: 1, Offline: 1, Total: 2}, tr.GetConnectionStats())
	assert.Empty(t, tr.Online())
}

func TestGetConnectionStats(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	for _, r := range []Record{
		{UserID: "a", Status: StatusOnline},
		{UserID: "b", Status: StatusOnline},
		{UserID: "c", Status: StatusAway},
		{UserID: "d", Status: StatusOffline},
	} {
		require.NoError(t, tr.UpdatePresence(r))
	}

	assert.Equal(t, Stats{Online: 2, Away: 1, Offline: 1, Total: 4}, tr.GetConnectionStats())
	assert.Equal(t, Stats{Online: 2, Away: 1, Offline: 1, Total: 4}, tr.GetConnectionStats())
	assert.Equal(t, []string{"a", "b"}, tr.Online())

	list := tr.List()
	require.Len(t, list, 4)
	assert.Equal(t, "a", list[0].UserID)
	assert.Equal(t, "d", list[3].UserID)
}

// ---------------------------------------------------------------------------
// Frames
// ---------------------------------------------------------------------------

func TestHandlePresenceUpdate(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	seen := epoch.Add(-10 * time.Second)

	tr.HandlePresenceUpdate(protocol.PresenceUpdate{
		UserID:            "u1",
		Status:            "online",
		Activity:          "viewing",
		Device:            "phone",
		ConnectionQuality: "good",
		LastSeen:          seen.UnixMilli(),
	})
	r, ok := tr.Get("u1")
	require.True(t, ok)
	assert.Equal(t, ActivityViewing, r.Activity)
	assert.Equal(t, "good", r.ConnectionQuality)
	assert.True(t, seen.Equal(r.LastSeen))
	assert.Equal(t, seen.UnixMilli(), ToMessage(r).LastSeen)

	tr.HandlePresenceUpdate(protocol.PresenceUpdate{UserID: "u1", Removed: true})
	_, ok = tr.Get("u1")
	assert.False(t, ok)

	var logs bytes.Buffer
	log.SetOutput(&logs)
	defer log.SetOutput(os.Stderr)

	tr.HandlePresenceUpdate(protocol.PresenceUpdate{UserID: "u2", Status: "dancing"})
	assert.Empty(t, tr.List())
	assert.Contains(t, logs.String(), `presence: dropped update for "u2"`)
	assert.Contains(t, logs.String(), `unknown status "dancing"`)
}
