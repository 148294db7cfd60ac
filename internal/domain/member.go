package domain

import "time"

// Participant is a user's admitted membership in a session.
// No transport or lifecycle logic here.
type Participant struct {
	UserID       UserID    `json:"userId"`
	Role         Role      `json:"role"`
	JoinedAt     time.Time `json:"joinedAt"`
	Producers    int       `json:"producers"`
	BreakoutRoom RoomID    `json:"breakoutRoomId,omitempty"`
	TransportID  string    `json:"transportId,omitempty"`
}

type WaitingRoomEntry struct {
	SessionID SessionID `json:"sessionId"`
	UserID    UserID    `json:"userId"`
	JoinedAt  time.Time `json:"joinedAt"`
}
