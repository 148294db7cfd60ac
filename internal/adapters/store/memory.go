package store

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/dkeye/Teleroom/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type contextKey struct {
	t  domain.SessionType
	id string
}

// MemoryStore keeps sessions and recordings in process. liveIndex enforces the
// one-live-session-per-context rule the way the postgres partial index does.
type MemoryStore struct {
	mu         sync.RWMutex
	sessions   map[domain.SessionID]*domain.MediaSession
	liveIndex  map[contextKey]domain.SessionID
	recordings map[domain.RecordingID]*domain.Recording
	now        func() time.Time
	logger     zerolog.Logger
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:   make(map[domain.SessionID]*domain.MediaSession),
		liveIndex:  make(map[contextKey]domain.SessionID),
		recordings: make(map[domain.RecordingID]*domain.Recording),
		now:        time.Now,
		logger:     log.With().Str("module", "store.memory").Logger(),
	}
}

func (s *MemoryStore) Create(_ context.Context, sess *domain.MediaSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sess.ID]; ok {
		return domain.Ef(domain.KindInvalidState, "session %s already exists", sess.ID)
	}
	key := contextKey{sess.Type, sess.ContextID}
	if sess.Status.Live() {
		if _, ok := s.liveIndex[key]; ok {
			return ErrLiveSessionExists
		}
		s.liveIndex[key] = sess.ID
	}
	now := s.now()
	sess.CreatedAt, sess.UpdatedAt = now, now
	s.sessions[sess.ID] = sess.Clone()
	s.logger.Debug().Str("session_id", string(sess.ID)).Msg("session created")
	return nil
}

func (s *MemoryStore) FindByID(_ context.Context, id domain.SessionID) (*domain.MediaSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, sessionNotFound(id)
	}
	return sess.Clone(), nil
}

func (s *MemoryStore) FindActiveByContext(_ context.Context, t domain.SessionType, contextID string) (*domain.MediaSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.liveIndex[contextKey{t, contextID}]
	if !ok {
		return nil, domain.Ef(domain.KindNotFound, "no live session for %s/%s", t, contextID)
	}
	return s.sessions[id].Clone(), nil
}

func (s *MemoryStore) ListActiveByContext(ctx context.Context, t domain.SessionType, contextID string) ([]*domain.MediaSession, error) {
	sess, err := s.FindActiveByContext(ctx, t, contextID)
	if err != nil {
		if domain.KindOf(err) == domain.KindNotFound {
			return []*domain.MediaSession{}, nil
		}
		return nil, err
	}
	return []*domain.MediaSession{sess}, nil
}

func (s *MemoryStore) FindByParticipant(_ context.Context, userID domain.UserID) ([]*domain.MediaSession, error) {
	return s.filter(func(sess *domain.MediaSession) bool {
		return sess.Status.Live() && sess.HasParticipant(userID)
	}), nil
}

func (s *MemoryStore) AddParticipant(_ context.Context, id domain.SessionID, userID domain.UserID) error {
	return s.mutate(id, func(sess *domain.MediaSession) error {
		sess.AddParticipant(userID)
		return nil
	})
}

func (s *MemoryStore) RemoveParticipant(_ context.Context, id domain.SessionID, userID domain.UserID) error {
	return s.mutate(id, func(sess *domain.MediaSession) error {
		sess.RemoveParticipant(userID)
		return nil
	})
}

func (s *MemoryStore) UpdateStatus(_ context.Context, id domain.SessionID, status domain.SessionStatus) (*domain.MediaSession, error) {
	var out *domain.MediaSession
	err := s.mutate(id, func(sess *domain.MediaSession) error {
		if err := sess.Transition(status, s.now()); err != nil {
			return err
		}
		if !status.Live() {
			delete(s.liveIndex, contextKey{sess.Type, sess.ContextID})
		}
		out = sess.Clone()
		return nil
	})
	return out, err
}

func (s *MemoryStore) UpdateMetadata(_ context.Context, id domain.SessionID, patch map[string]any) error {
	return s.mutate(id, func(sess *domain.MediaSession) error {
		if sess.Metadata == nil {
			sess.Metadata = make(map[string]any, len(patch))
		}
		maps.Copy(sess.Metadata, patch)
		return nil
	})
}

func (s *MemoryStore) UpdateOptions(_ context.Context, id domain.SessionID, opts domain.SessionOptions) error {
	return s.mutate(id, func(sess *domain.MediaSession) error {
		sess.Options = opts.Clone()
		return nil
	})
}

func (s *MemoryStore) ListActive(_ context.Context) ([]*domain.MediaSession, error) {
	return s.filter(func(sess *domain.MediaSession) bool { return sess.Status.Live() }), nil
}

func (s *MemoryStore) ListInRange(_ context.Context, from, to time.Time) ([]*domain.MediaSession, error) {
	return s.filter(func(sess *domain.MediaSession) bool {
		return !sess.StartedAt.Before(from) && !sess.StartedAt.After(to)
	}), nil
}

// mutate runs fn on the stored session under the write lock.
func (s *MemoryStore) mutate(id domain.SessionID, fn func(*domain.MediaSession) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return sessionNotFound(id)
	}
	if err := fn(sess); err != nil {
		return err
	}
	sess.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) filter(keep func(*domain.MediaSession) bool) []*domain.MediaSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.MediaSession, 0)
	for _, sess := range s.sessions {
		if keep(sess) {
			out = append(out, sess.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

func (s *MemoryStore) CreateRecording(_ context.Context, r *domain.Recording) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recordings[r.ID]; ok {
		return domain.Ef(domain.KindInvalidState, "recording %s already exists", r.ID)
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now()
	}
	s.recordings[r.ID] = r.Clone()
	return nil
}

func (s *MemoryStore) UpdateRecording(_ context.Context, r *domain.Recording) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recordings[r.ID]; !ok {
		return recordingNotFound(r.ID)
	}
	s.recordings[r.ID] = r.Clone()
	return nil
}

func (s *MemoryStore) FindRecording(_ context.Context, id domain.RecordingID) (*domain.Recording, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.recordings[id]
	if !ok || r.Deleted {
		return nil, recordingNotFound(id)
	}
	return r.Clone(), nil
}

func (s *MemoryStore) ListRecordings(_ context.Context, sessionID domain.SessionID) ([]*domain.Recording, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.Recording, 0)
	for _, r := range s.recordings {
		if r.SessionID == sessionID && !r.Deleted {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) SoftDeleteRecording(_ context.Context, id domain.RecordingID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.recordings[id]
	if !ok || r.Deleted {
		return recordingNotFound(id)
	}
	now := s.now()
	r.Deleted = true
	r.DeletedAt = &now
	return nil
}
