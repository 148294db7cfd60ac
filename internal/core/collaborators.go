package core

import (
	"context"
	"time"

	"github.com/dkeye/Teleroom/internal/domain"
)

type Roster interface {
	IsParticipant(ctx context.Context, t domain.SessionType, contextID string, userID domain.UserID) (bool, error)
}

type NotificationKind string

const (
	NotifyWaitingRoomJoin     NotificationKind = "waiting-room-join"
	NotifyWaitingRoomAdmitted NotificationKind = "waiting-room-admitted"
	NotifyWaitingRoomRejected NotificationKind = "waiting-room-rejected"
	NotifyForcedDisconnect    NotificationKind = "forced-disconnect"
)

type Notification struct {
	UserID    domain.UserID    `json:"userId"`
	Kind      NotificationKind `json:"kind"`
	SessionID domain.SessionID `json:"sessionId"`
	Data      map[string]any   `json:"data,omitempty"`
	At        time.Time        `json:"at"`
}

// Notifier is fire-and-forget; callers log errors and move on.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

type StoredObject struct {
	URL    string `json:"url"`
	Key    string `json:"key"`
	Bucket string `json:"bucket,omitempty"`
}

type Storage interface {
	Upload(ctx context.Context, localPath, key string, metadata map[string]string) (StoredObject, error)
}

type ChatArchiver interface {
	Archive(ctx context.Context, sessionID domain.SessionID, messages []domain.ChatMessage, retentionDays int) error
}

type TokenScope string

const (
	ScopeMedia   TokenScope = "media"
	ScopeWaiting TokenScope = "waiting"
)

type TokenClaims struct {
	UserID    domain.UserID
	SessionID domain.SessionID
	Role      domain.Role
	Scope     TokenScope
	ExpiresAt time.Time
}

type TokenIssuer interface {
	Issue(c TokenClaims) (string, error)
}
