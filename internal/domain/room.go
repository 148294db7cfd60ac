package domain

import (
	"time"

	"github.com/google/uuid"
)

type RoomID string

const breakoutPrefix = "breakout_"

// BreakoutRoom is the record of an isolated sub-room. Routing handles are owned
// by the orchestrator, not by the record.
type BreakoutRoom struct {
	ID           RoomID     `json:"id"`
	SessionID    SessionID  `json:"sessionId"`
	Name         string     `json:"name"`
	HostID       UserID     `json:"hostId"`
	Participants []UserID   `json:"participants"`
	StartTime    time.Time  `json:"startTime"`
	EndTime      *time.Time `json:"endTime,omitempty"`
}

type BreakoutRoomSpec struct {
	Name         string   `json:"name"`
	HostID       UserID   `json:"hostId"`
	Participants []UserID `json:"participants,omitempty"`
}

func NewBreakoutRoomID() RoomID {
	return RoomID(breakoutPrefix + uuid.NewString())
}

func (r *BreakoutRoom) HasParticipant(uid UserID) bool {
	for _, p := range r.Participants {
		if p == uid {
			return true
		}
	}
	return false
}

func (r *BreakoutRoom) AddParticipant(uid UserID) {
	if !r.HasParticipant(uid) {
		r.Participants = append(r.Participants, uid)
	}
}

func (r *BreakoutRoom) RemoveParticipant(uid UserID) {
	r.Participants = removeUser(r.Participants, uid)
}

func removeUser(list []UserID, uid UserID) []UserID {
	out := list[:0]
	for _, p := range list {
		if p != uid {
			out = append(out, p)
		}
	}
	return out
}
