package core

import (
	"context"

	"github.com/dkeye/Teleroom/internal/domain"
)

type RecordingRequest struct {
	SessionID  domain.SessionID
	Streams    []domain.RecordingStream
	Quality    domain.RecordingQuality
	Format     domain.RecordingFormat
	Resolution domain.Resolution
	Analytics  domain.RecordingAnalytics
}

// Recorder starts and stops session captures. Both calls return without
// waiting for the encode to finish.
type Recorder interface {
	Start(ctx context.Context, req RecordingRequest) (*domain.Recording, error)
	Stop(ctx context.Context, id domain.RecordingID) (*domain.Recording, error)
}

// RecordingCatalog reads and retires recordings in any status.
type RecordingCatalog interface {
	Find(ctx context.Context, id domain.RecordingID) (*domain.Recording, error)
	List(ctx context.Context, sessionID domain.SessionID) ([]*domain.Recording, error)
	Delete(ctx context.Context, id domain.RecordingID) error
}

// RecordingWatcher is implemented by recorders that report recordings reaching
// a terminal status, whether stopped or not.
type RecordingWatcher interface {
	OnSettled(fn func(*domain.Recording))
}
