package core

import "github.com/dkeye/Teleroom/internal/domain"

// Frame is a serialized signaling message.
type Frame []byte

// Relay is the orchestrator-facing side of the signaling relay.
type Relay interface {
	JoinRoom(userID domain.UserID, sessionID domain.SessionID)
	LeaveRoom(userID domain.UserID, sessionID domain.SessionID)
	BroadcastToRoom(sessionID domain.SessionID, event string, data any, except domain.UserID)
	BroadcastToUser(userID domain.UserID, event string, data any)
	CloseRoom(sessionID domain.SessionID)
}
