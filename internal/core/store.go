package core

import (
	"context"
	"time"

	"github.com/dkeye/Teleroom/internal/domain"
)

// SessionStore is the durable side of sessions and recordings. The orchestrator
// owns live handles, the store owns metadata.
type SessionStore interface {
	Create(ctx context.Context, s *domain.MediaSession) error
	FindByID(ctx context.Context, id domain.SessionID) (*domain.MediaSession, error)
	// FindActiveByContext returns the single live session of a context or NotFound.
	FindActiveByContext(ctx context.Context, t domain.SessionType, contextID string) (*domain.MediaSession, error)
	ListActiveByContext(ctx context.Context, t domain.SessionType, contextID string) ([]*domain.MediaSession, error)
	// FindByParticipant lists live sessions that include userID.
	FindByParticipant(ctx context.Context, userID domain.UserID) ([]*domain.MediaSession, error)
	AddParticipant(ctx context.Context, id domain.SessionID, userID domain.UserID) error
	RemoveParticipant(ctx context.Context, id domain.SessionID, userID domain.UserID) error
	UpdateStatus(ctx context.Context, id domain.SessionID, status domain.SessionStatus) (*domain.MediaSession, error)
	// UpdateMetadata shallow-merges patch into the stored metadata.
	UpdateMetadata(ctx context.Context, id domain.SessionID, patch map[string]any) error
	UpdateOptions(ctx context.Context, id domain.SessionID, opts domain.SessionOptions) error
	ListActive(ctx context.Context) ([]*domain.MediaSession, error)
	ListInRange(ctx context.Context, from, to time.Time) ([]*domain.MediaSession, error)

	RecordingStore
}

type RecordingStore interface {
	CreateRecording(ctx context.Context, r *domain.Recording) error
	UpdateRecording(ctx context.Context, r *domain.Recording) error
	FindRecording(ctx context.Context, id domain.RecordingID) (*domain.Recording, error)
	ListRecordings(ctx context.Context, sessionID domain.SessionID) ([]*domain.Recording, error)
	SoftDeleteRecording(ctx context.Context, id domain.RecordingID) error
}
