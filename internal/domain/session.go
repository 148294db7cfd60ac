package domain

import (
	"slices"
	"time"
)

type SessionID string

type SessionType string

const (
	SessionTeletherapy SessionType = "teletherapy"
	SessionChat        SessionType = "chat"
)

func (t SessionType) Valid() bool {
	return t == SessionTeletherapy || t == SessionChat
}

type SessionStatus string

const (
	StatusPending SessionStatus = "pending"
	StatusActive  SessionStatus = "active"
	StatusEnded   SessionStatus = "ended"
)

// CanTransitionTo allows only forward moves. pending→ended covers a host
// ending a session nobody joined.
func (s SessionStatus) CanTransitionTo(next SessionStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusActive || next == StatusEnded
	case StatusActive:
		return next == StatusEnded
	default:
		return false
	}
}

func (s SessionStatus) Live() bool {
	return s == StatusPending || s == StatusActive
}

type MediaSession struct {
	ID           SessionID      `json:"id"`
	Type         SessionType    `json:"type"`
	ContextID    string         `json:"contextId"`
	Status       SessionStatus  `json:"status"`
	StartedBy    UserID         `json:"startedBy"`
	Participants []UserID       `json:"participants"`
	Options      SessionOptions `json:"options"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	StartedAt    time.Time      `json:"startedAt"`
	EndedAt      *time.Time     `json:"endedAt,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

func (s *MediaSession) HasParticipant(uid UserID) bool {
	return slices.Contains(s.Participants, uid)
}

// AddParticipant reports whether uid was newly added.
func (s *MediaSession) AddParticipant(uid UserID) bool {
	if s.HasParticipant(uid) {
		return false
	}
	s.Participants = append(s.Participants, uid)
	return true
}

func (s *MediaSession) RemoveParticipant(uid UserID) bool {
	if !s.HasParticipant(uid) {
		return false
	}
	s.Participants = removeUser(s.Participants, uid)
	return true
}

// Transition moves the session to next and stamps EndedAt on ended.
func (s *MediaSession) Transition(next SessionStatus, now time.Time) error {
	if s.Status == next {
		return nil
	}
	if !s.Status.CanTransitionTo(next) {
		return Ef(KindInvalidState, "session %s cannot move from %s to %s", s.ID, s.Status, next)
	}
	s.Status = next
	s.UpdatedAt = now
	if next == StatusEnded {
		t := now
		s.EndedAt = &t
	}
	return nil
}

// Clone returns a deep copy safe to hand out of a lock.
func (s *MediaSession) Clone() *MediaSession {
	c := *s
	c.Participants = slices.Clone(s.Participants)
	c.Options = s.Options.Clone()
	if s.Metadata != nil {
		c.Metadata = make(map[string]any, len(s.Metadata))
		for k, v := range s.Metadata {
			c.Metadata[k] = v
		}
	}
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	return &c
}
