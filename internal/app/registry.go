package app

import (
	"context"
	"sync"
	"time"

	"github.com/dkeye/Teleroom/internal/core"
	"github.com/dkeye/Teleroom/internal/domain"
	"github.com/dkeye/Teleroom/internal/metrics"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"
)

// ProducerRef is a live producer and the user that owns it.
type ProducerRef struct {
	UserID      domain.UserID
	TransportID string
	RoomID      domain.RoomID
	Producer    core.Producer
}

type ConsumerRef struct {
	UserID      domain.UserID
	TransportID string
	Consumer    core.Consumer
}

// BreakoutState is a breakout room plus the media it owns.
type BreakoutState struct {
	Room       domain.BreakoutRoom
	Router     core.Router
	Transports map[domain.UserID]core.Transport
}

// SessionEntry holds the live, in-process state of one session. Every field
// is guarded by the entry mutex; callers hold it through Acquire.
type SessionEntry struct {
	mu sync.Mutex

	ID         domain.SessionID
	Session    *domain.MediaSession
	Router     core.Router
	Members    map[domain.UserID]*domain.Participant
	Transports map[domain.UserID]core.Transport
	Producers  map[string]*ProducerRef
	Consumers  map[string]*ConsumerRef
	Waiting    []domain.WaitingRoomEntry
	Breakouts  map[domain.RoomID]*BreakoutState
	Chat       []domain.ChatMessage
	Recording  *domain.Recording
	Taps       []core.StreamTap
	Recordings []domain.RecordingID
	// Attended keeps the first admission time of everyone who took part.
	Attended map[domain.UserID]time.Time

	closed bool
}

func NewSessionEntry(s *domain.MediaSession, router core.Router) *SessionEntry {
	return &SessionEntry{
		ID:         s.ID,
		Session:    s,
		Router:     router,
		Members:    make(map[domain.UserID]*domain.Participant),
		Transports: make(map[domain.UserID]core.Transport),
		Producers:  make(map[string]*ProducerRef),
		Consumers:  make(map[string]*ConsumerRef),
		Breakouts:  make(map[domain.RoomID]*BreakoutState),
		Attended:   make(map[domain.UserID]time.Time),
	}
}

func (e *SessionEntry) Unlock() { e.mu.Unlock() }

// MarkClosed must be called with the entry held.
func (e *SessionEntry) MarkClosed() { e.closed = true }

func (e *SessionEntry) Closed() bool { return e.closed }

// WaitingIndex returns the position of userID in the waiting room or -1.
func (e *SessionEntry) WaitingIndex(userID domain.UserID) int {
	for i, w := range e.Waiting {
		if w.UserID == userID {
			return i
		}
	}
	return -1
}

// SessionRegistry maps session ids to entries. The registry lock only guards
// the map; entry state is guarded per entry, and no path holds two entry
// locks at once.
type SessionRegistry struct {
	mu      sync.RWMutex
	entries map[domain.SessionID]*SessionEntry
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{entries: make(map[domain.SessionID]*SessionEntry)}
}

func (r *SessionRegistry) Put(e *SessionEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[e.ID]; ok {
		return domain.Ef(domain.KindInvalidState, "session %s already registered", e.ID)
	}
	r.entries[e.ID] = e
	metrics.SessionsActive.Set(float64(len(r.entries)))
	log.Info().Str("module", "app.registry").Str("session_id", string(e.ID)).Msg("registered session")
	return nil
}

func (r *SessionRegistry) Get(id domain.SessionID) (*SessionEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e, ok
}

// Acquire returns the entry locked. The caller must Unlock it. A closed entry
// yields InvalidState.
func (r *SessionRegistry) Acquire(id domain.SessionID) (*SessionEntry, error) {
	e, ok := r.Get(id)
	if !ok {
		return nil, domain.Ef(domain.KindNotFound, "session %s is not live", id)
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, domain.E(domain.KindInvalidState, "session ended")
	}
	return e, nil
}

func (r *SessionRegistry) Remove(id domain.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; !ok {
		return
	}
	delete(r.entries, id)
	metrics.SessionsActive.Set(float64(len(r.entries)))
	log.Info().Str("module", "app.registry").Str("session_id", string(id)).Msg("removed session")
}

func (r *SessionRegistry) IDs() []domain.SessionID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.SessionID, 0, len(r.entries))
	for id := range r.entries {
		out = append(out, id)
	}
	return out
}

func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Drain runs end for every registered session concurrently and waits.
func (r *SessionRegistry) Drain(ctx context.Context, end func(context.Context, domain.SessionID) error) {
	ids := r.IDs()
	p := pool.New().WithMaxGoroutines(8)
	for _, id := range ids {
		p.Go(func() {
			if err := end(ctx, id); err != nil {
				log.Error().Err(err).Str("module", "app.registry").Str("session_id", string(id)).Msg("drain session")
			}
		})
	}
	p.Wait()
	log.Info().Str("module", "app.registry").Int("sessions", len(ids)).Msg("registry drained")
}
