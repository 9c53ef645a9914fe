// Package presence keeps the directory of users seen online. Records are
// replaced wholesale by every update. Readers see a user whose record has not
// been refreshed within the staleness window as offline, while the stored
// record keeps its last known activity until it is removed explicitly.
package presence

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/boardroom/collab/internal/event"
	"github.com/boardroom/collab/internal/protocol"
)

// Status is a user's availability.
type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusOffline Status = "offline"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusOnline || s == StatusAway || s == StatusOffline
}

// Activity is what a user is doing.
type Activity string

const (
	ActivityViewing Activity = "viewing"
	ActivityEditing Activity = "editing"
	ActivityIdle    Activity = "idle"
)

// ErrInvalidRecord is returned for records without a user or with an
// unknown status.
var ErrInvalidRecord = errors.New("presence: invalid record")

// Record is the last presence a user reported.
type Record struct {
	UserID            string    `json:"user_id"`
	TenantID          string    `json:"tenant_id,omitempty"`
	Status            Status    `json:"status"`
	LastSeen          time.Time `json:"last_seen"`
	Activity          Activity  `json:"activity,omitempty"`
	Location          string    `json:"location,omitempty"`
	Device            string    `json:"device,omitempty"`
	ConnectionQuality string    `json:"connection_quality,omitempty"`
}

// Stats counts users by the status readers see.
type Stats struct {
	Online  int `json:"online"`
	Away    int `json:"away"`
	Offline int `json:"offline"`
	Total   int `json:"total"`
}

// Change is published on the bus when a user's visible status flips.
type Change struct {
	UserID string
	Status Status
}

// Publisher receives presence changes. event.Bus implements it.
type Publisher interface {
	Publish(topic string, data interface{})
}

// Config holds tracker parameters.
type Config struct {
	StaleAfter time.Duration // no update for this long reads as offline
}

// DefaultConfig returns the defaults used by the client.
func DefaultConfig() Config {
	return Config{StaleAfter: 90 * time.Second}
}

// Tracker is the presence directory of one client.
type Tracker struct {
	cfg Config
	pub Publisher
	now func() time.Time

	mu      sync.RWMutex
	records map[string]Record
}

// NewTracker creates an empty tracker. pub may be nil.
func NewTracker(cfg Config, pub Publisher) *Tracker {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultConfig().StaleAfter
	}
	return &Tracker{
		cfg:     cfg,
		pub:     pub,
		now:     time.Now,
		records: make(map[string]Record),
	}
}

// UpdatePresence stores r in place of any earlier record for the user. A zero
// LastSeen is stamped with the current time.
func (t *Tracker) UpdatePresence(r Record) error {
	if r.UserID == "" {
		return fmt.Errorf("%w: missing user_id", ErrInvalidRecord)
	}
	if !r.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidRecord, r.Status)
	}
	now := t.now()
	if r.LastSeen.IsZero() {
		r.LastSeen = now
	}

	t.mu.Lock()
	before := StatusOffline
	if old, ok := t.records[r.UserID]; ok {
		before = t.effective(old, now)
	}
	t.records[r.UserID] = r
	after := t.effective(r, now)
	t.mu.Unlock()

	t.announce(r.UserID, before, after)
	return nil
}

// RemovePresence drops the record of userID. It reports whether one existed.
func (t *Tracker) RemovePresence(userID string) bool {
	t.mu.Lock()
	old, ok := t.records[userID]
	delete(t.records, userID)
	before := t.effective(old, t.now())
	t.mu.Unlock()

	if ok {
		t.announce(userID, before, StatusOffline)
	}
	return ok
}

// Get returns the record of userID as readers see it.
func (t *Tracker) Get(userID string) (Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.records[userID]
	if !ok {
		return Record{}, false
	}
	r.Status = t.effective(r, t.now())
	return r, true
}

// Stored returns the record of userID exactly as last reported.
func (t *Tracker) Stored(userID string) (Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.records[userID]
	return r, ok
}

// List returns every record as readers see it, ordered by user.
func (t *Tracker) List() []Record {
	t.mu.RLock()
	defer t.mu.RUnlock()
	now := t.now()
	out := make([]Record, 0, len(t.records))
	for _, r := range t.records {
		r.Status = t.effective(r, now)
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Online returns the users readers see as online, ordered.
func (t *Tracker) Online() []string {
	var out []string
	for _, r := range t.List() {
		if r.Status == StatusOnline {
			out = append(out, r.UserID)
		}
	}
	return out
}

// GetConnectionStats counts users by visible status.
func (t *Tracker) GetConnectionStats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	now := t.now()
	var s Stats
	for _, r := range t.records {
		switch t.effective(r, now) {
		case StatusOnline:
			s.Online++
		case StatusAway:
			s.Away++
		default:
			s.Offline++
		}
	}
	s.Total = len(t.records)
	return s
}

// HandlePresenceUpdate applies a presence_update frame.
func (t *Tracker) HandlePresenceUpdate(pu protocol.PresenceUpdate) {
	if pu.Removed {
		t.RemovePresence(pu.UserID)
		return
	}
	if err := t.UpdatePresence(FromMessage(pu)); err != nil {
		log.Printf("presence: dropped update for %q: %v", pu.UserID, err)
	}
}

// effective is the status readers see. Callers hold mu.
func (t *Tracker) effective(r Record, now time.Time) Status {
	if r.UserID == "" {
		return StatusOffline
	}
	if now.Sub(r.LastSeen) > t.cfg.StaleAfter {
		return StatusOffline
	}
	return r.Status
}

func (t *Tracker) announce(userID string, before, after Status) {
	if t.pub == nil || before == after {
		return
	}
	switch {
	case after == StatusOnline:
		t.pub.Publish(event.TopicPresenceOnline, Change{UserID: userID, Status: after})
	case after == StatusOffline:
		t.pub.Publish(event.TopicPresenceOffline, Change{UserID: userID, Status: after})
	}
}

// FromMessage converts a presence_update frame into a Record.
func FromMessage(pu protocol.PresenceUpdate) Record {
	r := Record{
		UserID:            pu.UserID,
		TenantID:          pu.TenantID,
		Status:            Status(pu.Status),
		Activity:          Activity(pu.Activity),
		Location:          pu.Location,
		Device:            pu.Device,
		ConnectionQuality: pu.ConnectionQuality,
	}
	if pu.LastSeen > 0 {
		r.LastSeen = time.UnixMilli(pu.LastSeen)
	}
	return r
}

// ToMessage converts a Record into a presence_update frame.
func ToMessage(r Record) protocol.PresenceUpdate {
	pu := protocol.PresenceUpdate{
		UserID:            r.UserID,
		TenantID:          r.TenantID,
		Status:            string(r.Status),
		Activity:          string(r.Activity),
		Location:          r.Location,
		Device:            r.Device,
		ConnectionQuality: r.ConnectionQuality,
	}
	if !r.LastSeen.IsZero() {
		pu.LastSeen = r.LastSeen.UnixMilli()
	}
	return pu
}
