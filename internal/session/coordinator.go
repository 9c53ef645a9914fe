package session

import (
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/boardroom/collab/internal/event"
	"github.com/boardroom/collab/internal/metrics"
	"github.com/boardroom/collab/internal/protocol"
)

// Sender transmits frames to the relay. transport.Manager implements it.
type Sender interface {
	Send(msgType string, payload interface{}) error
}

// Publisher receives cross-component events. event.Bus implements it.
type Publisher interface {
	Publish(topic string, data interface{})
}

// VoteEvent is published on the bus when a vote opens or closes.
type VoteEvent struct {
	SessionID    string
	SessionTitle string
	Vote         Vote
}

// EndedEvent is published on the bus when a session ends.
type EndedEvent struct {
	SessionID string
	Title     string
	EndedBy   string
}

// Change is delivered to observers after every applied session event.
type Change struct {
	Kind      string
	SessionID string
	UserID    string
	Local     bool
}

// Observer receives session changes in registration order.
type Observer func(Change)

// Config holds coordinator parameters.
type Config struct {
	UserID string // the local user; the host answers joins with a state frame
}

// wire payloads of session_event frames
type (
	startedPayload struct {
		Title     string    `json:"title"`
		StartTime time.Time `json:"start_time"`
	}
	participantPayload struct {
		UserID string `json:"user_id"`
		Role   Role   `json:"role"`
	}
	castPayload struct {
		VoteID    string    `json:"vote_id"`
		Option    string    `json:"option"`
		Timestamp time.Time `json:"timestamp"`
	}
	voteRefPayload struct {
		VoteID string `json:"vote_id"`
	}
	flagPayload struct {
		Flag    string `json:"flag"`
		Enabled bool   `json:"enabled"`
	}
	timePayload struct {
		At time.Time `json:"at"`
	}
)

type busEvent struct {
	topic string
	data  interface{}
}

// Coordinator holds every session the local client knows about. Local
// operations are validated, applied and broadcast; remote session_event
// frames go through the same rules.
type Coordinator struct {
	cfg    Config
	sender Sender
	pub    Publisher
	now    func() time.Time
	newID  func() string

	// sendMu keeps frames on the wire in the order they were applied.
	sendMu sync.Mutex

	mu        sync.Mutex
	sessions  map[string]*Session
	observers []observerEntry
	nextObs   uint64
}

type observerEntry struct {
	id uint64
	fn Observer
}

// NewCoordinator creates a coordinator. sender and pub may be nil.
func NewCoordinator(cfg Config, sender Sender, pub Publisher) *Coordinator {
	return &Coordinator{
		cfg:      cfg,
		sender:   sender,
		pub:      pub,
		now:      time.Now,
		newID:    uuid.NewString,
		sessions: make(map[string]*Session),
	}
}

// Subscribe registers fn for every change. The returned function removes it.
func (c *Coordinator) Subscribe(fn Observer) (unsubscribe func()) {
	c.mu.Lock()
	c.nextObs++
	id := c.nextObs
	c.observers = append(c.observers, observerEntry{id: id, fn: fn})
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, o := range c.observers {
			if o.id == id {
				c.observers = append(c.observers[:i:i], c.observers[i+1:]...)
				return
			}
		}
	}
}

// ---------------------------------------------------------------------------
// Local operations
// ---------------------------------------------------------------------------

// StartSession creates an active session hosted by hostID.
func (c *Coordinator) StartSession(sessionID, title, hostID string) (Session, error) {
	var out Session
	err := c.commit(protocol.SessionStarted, sessionID, hostID, func(now time.Time) (interface{}, []busEvent, error) {
		p := startedPayload{Title: title, StartTime: now}
		if err := c.applyStarted(sessionID, hostID, p); err != nil {
			return nil, nil, err
		}
		out = c.sessions[sessionID].clone()
		return p, nil, nil
	})
	return out, err
}

// JoinSession adds userID to the roster, or reactivates them. Joining a
// session this client has not seen yet records a placeholder that the host's
// state frame fills in.
func (c *Coordinator) JoinSession(sessionID, userID string) error {
	return c.commit(protocol.SessionJoined, sessionID, userID, func(now time.Time) (interface{}, []busEvent, error) {
		if _, ok := c.sessions[sessionID]; !ok {
			c.sessions[sessionID] = &Session{
				ID:           sessionID,
				Status:       StatusActive,
				FeatureFlags: make(map[string]bool),
			}
		}
		p := timePayload{At: now}
		return p, nil, c.applyJoined(sessionID, userID, p)
	})
}

// LeaveSession marks userID inactive. The roster keeps the entry.
func (c *Coordinator) LeaveSession(sessionID, userID string) error {
	return c.commit(protocol.SessionLeft, sessionID, userID, func(time.Time) (interface{}, []busEvent, error) {
		return nil, nil, c.applyLeft(sessionID, userID)
	})
}

// AddSessionParticipant lets the host put userID on the roster.
func (c *Coordinator) AddSessionParticipant(sessionID, byUserID, userID string, role Role) error {
	return c.commit(protocol.SessionParticipantAdded, sessionID, byUserID, func(now time.Time) (interface{}, []busEvent, error) {
		p := participantPayload{UserID: userID, Role: role}
		return p, nil, c.applyParticipantAdded(sessionID, byUserID, p, now)
	})
}

// OpenVote opens v in the session. Only the host may open votes. The vote's
// ID is generated when empty.
func (c *Coordinator) OpenVote(sessionID, byUserID string, v Vote) (Vote, error) {
	if v.ID == "" {
		v.ID = c.newID()
	}
	v.Status = VoteActive
	v.Responses = nil

	var out Vote
	err := c.commit(protocol.SessionVoteOpened, sessionID, byUserID, func(time.Time) (interface{}, []busEvent, error) {
		evs, err := c.applyVoteOpened(sessionID, byUserID, v)
		if err != nil {
			return nil, nil, err
		}
		out = c.sessions[sessionID].clone().Votes[len(c.sessions[sessionID].Votes)-1]
		return v, evs, nil
	})
	return out, err
}

// CastVote records userID's response, replacing any earlier one. Casting on
// a closed vote returns a *VoteClosedError and leaves responses unchanged.
func (c *Coordinator) CastVote(sessionID, voteID, userID, option string) error {
	return c.commit(protocol.SessionVoteCast, sessionID, userID, func(now time.Time) (interface{}, []busEvent, error) {
		p := castPayload{VoteID: voteID, Option: option, Timestamp: now}
		return p, nil, c.applyVoteCast(sessionID, userID, p, now)
	})
}

// CloseVote closes a vote. Only the host may close votes.
func (c *Coordinator) CloseVote(sessionID, byUserID, voteID string) error {
	return c.commit(protocol.SessionVoteClosed, sessionID, byUserID, func(time.Time) (interface{}, []busEvent, error) {
		p := voteRefPayload{VoteID: voteID}
		evs, err := c.applyVoteClosed(sessionID, byUserID, p)
		return p, evs, err
	})
}

// AddChatMessage appends text to the transcript. The text is stored raw.
func (c *Coordinator) AddChatMessage(sessionID, userID, text string) (ChatMessage, error) {
	if err := ValidateMessage(text); err != nil {
		return ChatMessage{}, err
	}
	var msg ChatMessage
	err := c.commit(protocol.SessionChat, sessionID, userID, func(now time.Time) (interface{}, []busEvent, error) {
		msg = ChatMessage{ID: c.newID(), UserID: userID, Text: text, Timestamp: now}
		return msg, nil, c.applyChat(sessionID, msg)
	})
	return msg, err
}

// SetFeatureFlag turns a session feature on or off. Only the host may.
func (c *Coordinator) SetFeatureFlag(sessionID, byUserID, flag string, enabled bool) error {
	return c.commit(protocol.SessionFlags, sessionID, byUserID, func(time.Time) (interface{}, []busEvent, error) {
		p := flagPayload{Flag: flag, Enabled: enabled}
		return p, nil, c.applyFlag(sessionID, byUserID, p)
	})
}

// EndSession ends the session and closes its open votes. Only the host may.
func (c *Coordinator) EndSession(sessionID, byUserID string) error {
	return c.commit(protocol.SessionEnded, sessionID, byUserID, func(now time.Time) (interface{}, []busEvent, error) {
		p := timePayload{At: now}
		evs, err := c.applyEnded(sessionID, byUserID, p)
		return p, evs, err
	})
}

// CloseExpiredVotes closes every active vote whose deadline has passed and
// returns how many were closed. Every replica closes them on its own clock,
// so no frame is sent.
func (c *Coordinator) CloseExpiredVotes() int {
	c.mu.Lock()
	now := c.now()
	var evs []busEvent
	for _, s := range c.sessions {
		for i := range s.Votes {
			if s.Votes[i].expired(now) {
				s.Votes[i].Status = VoteClosed
				evs = append(evs, busEvent{event.TopicVoteClosed, VoteEvent{SessionID: s.ID, SessionTitle: s.Title, Vote: s.clone().Votes[i]}})
			}
		}
	}
	c.mu.Unlock()

	c.publish(evs)
	return len(evs)
}

// commit runs apply under the lock, then broadcasts the returned payload and
// publishes bus events. Frames leave in apply order.
func (c *Coordinator) commit(kind, sessionID, userID string, apply func(now time.Time) (interface{}, []busEvent, error)) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.mu.Lock()
	payload, evs, err := apply(c.now())
	obs := c.observerFns()
	c.mu.Unlock()
	if err != nil {
		return err
	}
	metrics.SessionEvents.WithLabelValues(kind, "local").Inc()

	c.publish(evs)
	notify(obs, Change{Kind: kind, SessionID: sessionID, UserID: userID, Local: true})

	if c.sender == nil {
		return nil
	}
	se, err := protocol.NewSessionEvent(kind, sessionID, userID, payload)
	if err != nil {
		return err
	}
	if err := c.sender.Send(protocol.TypeSessionEvent, se); err != nil {
		return fmt.Errorf("session: broadcast %s for %s: %w", kind, sessionID, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Remote events
// ---------------------------------------------------------------------------

// HandleSessionEvent applies a session_event frame from another client.
// Events that break the session rules are logged and dropped.
func (c *Coordinator) HandleSessionEvent(se protocol.SessionEvent) {
	c.mu.Lock()
	now := c.now()
	evs, reply, err := c.applyRemote(se, now)
	obs := c.observerFns()
	c.mu.Unlock()

	if err != nil {
		log.Printf("session: dropping %s for %s from %s: %v", se.Kind, se.SessionID, se.UserID, err)
		return
	}
	metrics.SessionEvents.WithLabelValues(se.Kind, "remote").Inc()
	c.publish(evs)
	notify(obs, Change{Kind: se.Kind, SessionID: se.SessionID, UserID: se.UserID})

	if reply != nil && c.sender != nil {
		c.sendMu.Lock()
		defer c.sendMu.Unlock()
		out, err := protocol.NewSessionEvent(protocol.SessionState, se.SessionID, c.cfg.UserID, reply)
		if err == nil {
			err = c.sender.Send(protocol.TypeSessionEvent, out)
		}
		if err != nil {
			log.Printf("session: send state of %s: %v", se.SessionID, err)
		}
	}
}

// applyRemote dispatches on the event kind. reply is set when the local user
// hosts the session and must hand its state to a joiner.
func (c *Coordinator) applyRemote(se protocol.SessionEvent, now time.Time) (evs []busEvent, reply *Session, err error) {
	switch se.Kind {
	case protocol.SessionStarted:
		var p startedPayload
		if err = decode(se.Payload, &p); err == nil {
			err = c.applyStarted(se.SessionID, se.UserID, p)
		}
	case protocol.SessionJoined:
		var p timePayload
		if err = decode(se.Payload, &p); err == nil {
			err = c.applyJoined(se.SessionID, se.UserID, p)
		}
		if s := c.sessions[se.SessionID]; err == nil && s.HostID != "" && s.HostID == c.cfg.UserID && se.UserID != c.cfg.UserID {
			st := s.clone()
			reply = &st
		}
	case protocol.SessionLeft:
		err = c.applyLeft(se.SessionID, se.UserID)
	case protocol.SessionParticipantAdded:
		var p participantPayload
		if err = decode(se.Payload, &p); err == nil {
			err = c.applyParticipantAdded(se.SessionID, se.UserID, p, now)
		}
	case protocol.SessionVoteOpened:
		var v Vote
		if err = decode(se.Payload, &v); err == nil {
			evs, err = c.applyVoteOpened(se.SessionID, se.UserID, v)
		}
	case protocol.SessionVoteCast:
		var p castPayload
		if err = decode(se.Payload, &p); err == nil {
			err = c.applyVoteCast(se.SessionID, se.UserID, p, now)
		}
	case protocol.SessionVoteClosed:
		var p voteRefPayload
		if err = decode(se.Payload, &p); err == nil {
			evs, err = c.applyVoteClosed(se.SessionID, se.UserID, p)
		}
	case protocol.SessionChat:
		var m ChatMessage
		if err = decode(se.Payload, &m); err == nil {
			m.UserID = se.UserID
			err = c.applyChat(se.SessionID, m)
		}
	case protocol.SessionFlags:
		var p flagPayload
		if err = decode(se.Payload, &p); err == nil {
			err = c.applyFlag(se.SessionID, se.UserID, p)
		}
	case protocol.SessionEnded:
		var p timePayload
		if err = decode(se.Payload, &p); err == nil {
			evs, err = c.applyEnded(se.SessionID, se.UserID, p)
		}
	case protocol.SessionState:
		var s Session
		if err = decode(se.Payload, &s); err == nil {
			err = c.applyState(se.UserID, s)
		}
	default:
		err = fmt.Errorf("session: unknown event kind %q", se.Kind)
	}
	return evs, reply, err
}

func decode(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("session: decode payload: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// State transitions, shared by local and remote paths. Callers hold mu.
// ---------------------------------------------------------------------------

// active returns the session if it exists and has not ended.
func (c *Coordinator) active(sessionID string) (*Session, error) {
	s, ok := c.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
	}
	if s.Status == StatusEnded {
		return nil, fmt.Errorf("%w: %s", ErrSessionEnded, sessionID)
	}
	return s, nil
}

func (c *Coordinator) hostOnly(s *Session, userID string) error {
	if s.HostID != userID {
		return fmt.Errorf("%w: %s is not the host of %s", ErrPermissionDenied, userID, s.ID)
	}
	return nil
}

func (c *Coordinator) applyStarted(sessionID, hostID string, p startedPayload) error {
	if sessionID == "" || hostID == "" {
		return fmt.Errorf("session: start needs a session and a host")
	}
	if s, ok := c.sessions[sessionID]; ok && !s.stub() {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, sessionID)
	}
	s := &Session{
		ID:           sessionID,
		Title:        p.Title,
		HostID:       hostID,
		Status:       StatusActive,
		StartTime:    p.StartTime,
		Participants: []Participant{{UserID: hostID, Role: RoleHost, JoinedAt: p.StartTime, Active: true}},
		FeatureFlags: make(map[string]bool),
	}
	// A local placeholder keeps the users who joined before the start arrived.
	if old, ok := c.sessions[sessionID]; ok {
		for _, pt := range old.Participants {
			if pt.UserID != hostID {
				s.Participants = append(s.Participants, pt)
			}
		}
	}
	c.sessions[sessionID] = s
	return nil
}

func (c *Coordinator) applyJoined(sessionID, userID string, p timePayload) error {
	s, err := c.active(sessionID)
	if err != nil {
		return err
	}
	if pt := s.participant(userID); pt != nil {
		pt.Active = true
		return nil
	}
	role := RoleParticipant
	if userID == s.HostID {
		role = RoleHost
	}
	s.Participants = append(s.Participants, Participant{UserID: userID, Role: role, JoinedAt: p.At, Active: true})
	return nil
}

func (c *Coordinator) applyLeft(sessionID, userID string) error {
	s, err := c.active(sessionID)
	if err != nil {
		return err
	}
	pt := s.participant(userID)
	if pt == nil {
		return fmt.Errorf("%w: %s is not in %s", ErrNotFound, userID, sessionID)
	}
	pt.Active = false
	return nil
}

func (c *Coordinator) applyParticipantAdded(sessionID, byUserID string, p participantPayload, now time.Time) error {
	s, err := c.active(sessionID)
	if err != nil {
		return err
	}
	if err := c.hostOnly(s, byUserID); err != nil {
		return err
	}
	if p.UserID == "" {
		return fmt.Errorf("session: participant without user id")
	}
	if p.Role == "" {
		p.Role = RoleParticipant
	}
	if pt := s.participant(p.UserID); pt != nil {
		pt.Active = true
		return nil
	}
	s.Participants = append(s.Participants, Participant{UserID: p.UserID, Role: p.Role, JoinedAt: now, Active: true})
	return nil
}

func (c *Coordinator) applyVoteOpened(sessionID, byUserID string, v Vote) ([]busEvent, error) {
	s, err := c.active(sessionID)
	if err != nil {
		return nil, err
	}
	if err := c.hostOnly(s, byUserID); err != nil {
		return nil, err
	}
	if err := validateVote(v); err != nil {
		return nil, err
	}
	if s.vote(v.ID) != nil {
		return nil, fmt.Errorf("%w: vote %s", ErrAlreadyExists, v.ID)
	}
	v.Status = VoteActive
	v.Options = append([]string(nil), v.Options...)
	v.Responses = nil
	s.Votes = append(s.Votes, v)
	return []busEvent{{event.TopicVoteOpened, VoteEvent{SessionID: s.ID, SessionTitle: s.Title, Vote: s.clone().Votes[len(s.Votes)-1]}}}, nil
}

func (c *Coordinator) applyVoteCast(sessionID, userID string, p castPayload, now time.Time) error {
	s, err := c.active(sessionID)
	if err != nil {
		return err
	}
	v := s.vote(p.VoteID)
	if v == nil {
		return fmt.Errorf("%w: vote %s", ErrNotFound, p.VoteID)
	}
	if v.Status == VoteClosed || v.expired(now) {
		return &VoteClosedError{SessionID: sessionID, VoteID: p.VoteID}
	}
	if !s.isActiveParticipant(userID) {
		return fmt.Errorf("%w: %s is not a participant of %s", ErrPermissionDenied, userID, sessionID)
	}
	if !v.hasOption(p.Option) {
		return fmt.Errorf("%w: %q", ErrInvalidOption, p.Option)
	}
	r := Response{UserID: userID, Option: p.Option, Timestamp: p.Timestamp}
	for i := range v.Responses {
		if v.Responses[i].UserID == userID {
			v.Responses[i] = r
			return nil
		}
	}
	v.Responses = append(v.Responses, r)
	return nil
}

func (c *Coordinator) applyVoteClosed(sessionID, byUserID string, p voteRefPayload) ([]busEvent, error) {
	s, err := c.active(sessionID)
	if err != nil {
		return nil, err
	}
	if err := c.hostOnly(s, byUserID); err != nil {
		return nil, err
	}
	v := s.vote(p.VoteID)
	if v == nil {
		return nil, fmt.Errorf("%w: vote %s", ErrNotFound, p.VoteID)
	}
	if v.Status == VoteClosed {
		return nil, nil
	}
	v.Status = VoteClosed
	snap := *v
	snap.Options = append([]string(nil), v.Options...)
	snap.Responses = append([]Response(nil), v.Responses...)
	return []busEvent{{event.TopicVoteClosed, VoteEvent{SessionID: s.ID, SessionTitle: s.Title, Vote: snap}}}, nil
}

func (c *Coordinator) applyChat(sessionID string, m ChatMessage) error {
	s, err := c.active(sessionID)
	if err != nil {
		return err
	}
	if !s.isActiveParticipant(m.UserID) {
		return fmt.Errorf("%w: %s is not a participant of %s", ErrPermissionDenied, m.UserID, sessionID)
	}
	if err := ValidateMessage(m.Text); err != nil {
		return err
	}
	if m.ID != "" && s.hasChat(m.ID) {
		return nil
	}
	s.Chat = append(s.Chat, m)
	return nil
}

func (c *Coordinator) applyFlag(sessionID, byUserID string, p flagPayload) error {
	s, err := c.active(sessionID)
	if err != nil {
		return err
	}
	if err := c.hostOnly(s, byUserID); err != nil {
		return err
	}
	if p.Flag == "" {
		return fmt.Errorf("session: empty feature flag name")
	}
	s.FeatureFlags[p.Flag] = p.Enabled
	return nil
}

func (c *Coordinator) applyEnded(sessionID, byUserID string, p timePayload) ([]busEvent, error) {
	s, err := c.active(sessionID)
	if err != nil {
		return nil, err
	}
	if err := c.hostOnly(s, byUserID); err != nil {
		return nil, err
	}
	var evs []busEvent
	for i := range s.Votes {
		if s.Votes[i].Status == VoteActive {
			s.Votes[i].Status = VoteClosed
			evs = append(evs, busEvent{event.TopicVoteClosed, VoteEvent{SessionID: s.ID, SessionTitle: s.Title, Vote: s.clone().Votes[i]}})
		}
	}
	s.Status = StatusEnded
	s.EndTime = p.At
	for i := range s.Participants {
		s.Participants[i].Active = false
	}
	evs = append(evs, busEvent{event.TopicSessionEnded, EndedEvent{SessionID: s.ID, Title: s.Title, EndedBy: byUserID}})
	return evs, nil
}

// applyState adopts the host's full state for a session this client only
// holds a placeholder for.
func (c *Coordinator) applyState(fromUserID string, st Session) error {
	if st.ID == "" || st.HostID != fromUserID {
		return fmt.Errorf("%w: state for %s not sent by its host", ErrPermissionDenied, st.ID)
	}
	if s, ok := c.sessions[st.ID]; ok && !s.stub() {
		return nil
	}
	if st.FeatureFlags == nil {
		st.FeatureFlags = make(map[string]bool)
	}
	c.sessions[st.ID] = &st
	return nil
}

// ---------------------------------------------------------------------------
// Reads
// ---------------------------------------------------------------------------

// Get returns a copy of the session. Votes past their deadline read as
// closed even before CloseExpiredVotes runs.
func (c *Coordinator) Get(sessionID string) (Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[sessionID]
	if !ok {
		return Session{}, fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
	}
	out := s.clone()
	now := c.now()
	for i := range out.Votes {
		if out.Votes[i].expired(now) {
			out.Votes[i].Status = VoteClosed
		}
	}
	return out, nil
}

// Sessions returns the IDs of every known session, sorted.
func (c *Coordinator) Sessions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (c *Coordinator) observerFns() []Observer {
	out := make([]Observer, len(c.observers))
	for i, o := range c.observers {
		out[i] = o.fn
	}
	return out
}

func notify(obs []Observer, ch Change) {
	for _, fn := range obs {
		fn(ch)
	}
}

func (c *Coordinator) publish(evs []busEvent) {
	if c.pub == nil {
		return
	}
	for _, ev := range evs {
		c.pub.Publish(ev.topic, ev.data)
	}
}
