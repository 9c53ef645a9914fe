// Package session coordinates live meeting sessions: the participant roster,
// votes, the chat transcript and feature flags. Every replica applies the
// same session_event frames in relay order, so the host and the participants
// hold the same state. A session only ever moves from active to ended.
package session

import (
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

// VoteStatus is the lifecycle state of a vote.
type VoteStatus string

const (
	VoteActive VoteStatus = "active"
	VoteClosed VoteStatus = "closed"
)

// Role is a participant's role in a session.
type Role string

const (
	RoleHost        Role = "host"
	RoleParticipant Role = "participant"
)

var (
	ErrNotFound         = errors.New("session: not found")
	ErrAlreadyExists    = errors.New("session: already exists")
	ErrSessionEnded     = errors.New("session: ended")
	ErrVoteClosed       = errors.New("session: vote closed")
	ErrInvalidOption    = errors.New("session: invalid vote option")
	ErrPermissionDenied = errors.New("session: permission denied")
	ErrInvalidMessage   = errors.New("session: invalid chat message")
)

// VoteClosedError is returned when a response is cast on a closed vote. It
// matches ErrVoteClosed.
type VoteClosedError struct {
	SessionID string
	VoteID    string
}

func (e *VoteClosedError) Error() string {
	return fmt.Sprintf("session: vote %s in %s is closed", e.VoteID, e.SessionID)
}

func (e *VoteClosedError) Is(target error) bool { return target == ErrVoteClosed }

// Participant is one member of the roster. Participants who left stay in the
// roster as inactive.
type Participant struct {
	UserID   string    `json:"user_id"`
	Role     Role      `json:"role"`
	JoinedAt time.Time `json:"joined_at"`
	Active   bool      `json:"active"`
}

// Response is one participant's answer to a vote.
type Response struct {
	UserID    string    `json:"user_id"`
	Option    string    `json:"option"`
	Timestamp time.Time `json:"timestamp"`
}

// Vote is a poll opened by the host. A zero EndsAt means the vote stays open
// until closed explicitly.
type Vote struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Options   []string   `json:"options"`
	Responses []Response `json:"responses"`
	Status    VoteStatus `json:"status"`
	EndsAt    time.Time  `json:"ends_at,omitempty"`
}

// ChatMessage is one transcript entry. Text is stored as received; escaping
// is the job of whoever renders it.
type ChatMessage struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is a live meeting.
type Session struct {
	ID           string          `json:"id"`
	Title        string          `json:"title"`
	HostID       string          `json:"host_id"`
	Status       Status          `json:"status"`
	StartTime    time.Time       `json:"start_time"`
	EndTime      time.Time       `json:"end_time,omitempty"`
	Participants []Participant   `json:"participants"`
	Votes        []Vote          `json:"votes"`
	Chat         []ChatMessage   `json:"chat"`
	FeatureFlags map[string]bool `json:"feature_flags"`
}

// expired reports whether the vote's deadline has passed.
func (v *Vote) expired(now time.Time) bool {
	return v.Status == VoteActive && !v.EndsAt.IsZero() && !now.Before(v.EndsAt)
}

func (v *Vote) hasOption(option string) bool {
	for _, o := range v.Options {
		if o == option {
			return true
		}
	}
	return false
}

// Response returns userID's response, if any.
func (v Vote) Response(userID string) (Response, bool) {
	for _, r := range v.Responses {
		if r.UserID == userID {
			return r, true
		}
	}
	return Response{}, false
}

// Tally counts responses per option.
func (v Vote) Tally() map[string]int {
	out := make(map[string]int, len(v.Options))
	for _, o := range v.Options {
		out[o] = 0
	}
	for _, r := range v.Responses {
		out[r.Option]++
	}
	return out
}

func (s *Session) participant(userID string) *Participant {
	for i := range s.Participants {
		if s.Participants[i].UserID == userID {
			return &s.Participants[i]
		}
	}
	return nil
}

func (s *Session) isActiveParticipant(userID string) bool {
	p := s.participant(userID)
	return p != nil && p.Active
}

func (s *Session) vote(voteID string) *Vote {
	for i := range s.Votes {
		if s.Votes[i].ID == voteID {
			return &s.Votes[i]
		}
	}
	return nil
}

func (s *Session) hasChat(id string) bool {
	for _, m := range s.Chat {
		if m.ID == id {
			return true
		}
	}
	return false
}

// stub reports whether the session is only known from a local join and is
// waiting for the host's state.
func (s *Session) stub() bool { return s.HostID == "" }

func (s *Session) clone() Session {
	out := *s
	out.Participants = append([]Participant(nil), s.Participants...)
	out.Chat = append([]ChatMessage(nil), s.Chat...)
	out.Votes = make([]Vote, len(s.Votes))
	for i, v := range s.Votes {
		v.Options = append([]string(nil), v.Options...)
		v.Responses = append([]Response(nil), v.Responses...)
		out.Votes[i] = v
	}
	out.FeatureFlags = make(map[string]bool, len(s.FeatureFlags))
	for k, v := range s.FeatureFlags {
		out.FeatureFlags[k] = v
	}
	return out
}
