package app

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/dkeye/Teleroom/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entry(id string) *SessionEntry {
	return NewSessionEntry(&domain.MediaSession{ID: domain.SessionID(id)}, nil)
}

func TestSessionRegistry_PutAcquire(t *testing.T) {
	r := NewSessionRegistry()
	require.NoError(t, r.Put(entry("a")))
	assert.ErrorIs(t, r.Put(entry("a")), domain.ErrInvalidState)

	e, err := r.Acquire("a")
	require.NoError(t, err)
	e.MarkClosed()
	e.Unlock()

	_, err = r.Acquire("a")
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	_, err = r.Acquire("missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	r.Remove("a")
	r.Remove("a")
	assert.Zero(t, r.Len())
}

func TestSessionRegistry_EntriesLockIndependently(t *testing.T) {
	r := NewSessionRegistry()
	require.NoError(t, r.Put(entry("a")))
	require.NoError(t, r.Put(entry("b")))

	a, err := r.Acquire("a")
	require.NoError(t, err)
	defer a.Unlock()

	done := make(chan struct{})
	go func() {
		b, err := r.Acquire("b")
		if err == nil {
			b.Unlock()
		}
		close(done)
	}()
	<-done
}

func TestSessionRegistry_Drain(t *testing.T) {
	r := NewSessionRegistry()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, r.Put(entry(id)))
	}
	var n atomic.Int32
	var mu sync.Mutex
	seen := map[domain.SessionID]bool{}
	r.Drain(context.Background(), func(_ context.Context, id domain.SessionID) error {
		n.Add(1)
		mu.Lock()
		seen[id] = true
		mu.Unlock()
		r.Remove(id)
		return nil
	})
	assert.EqualValues(t, 3, n.Load())
	assert.Len(t, seen, 3)
	assert.Zero(t, r.Len())
}

func TestSimplePolicy(t *testing.T) {
	p := SimplePolicy{MaxDrops: 2}
	assert.Equal(t, DropFrame, p.OnBackpressure("u", 1))
	assert.Equal(t, DropFrame, p.OnBackpressure("u", 2))
	assert.Equal(t, KickMember, p.OnBackpressure("u", 3))
	assert.Equal(t, KickMember, SimplePolicy{}.OnBackpressure("u", 1))
}
