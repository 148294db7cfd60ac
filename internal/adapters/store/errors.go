// Package store persists session, participant and recording metadata.
package store

import "github.com/dkeye/Teleroom/internal/domain"

// ErrLiveSessionExists is returned when a context already has a pending or
// active session.
var ErrLiveSessionExists = domain.E(domain.KindInvalidState, "a live session already exists for this context")

func sessionNotFound(id domain.SessionID) error {
	return domain.Ef(domain.KindNotFound, "session %s not found", id)
}

func recordingNotFound(id domain.RecordingID) error {
	return domain.Ef(domain.KindNotFound, "recording %s not found", id)
}
