package signal

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/dkeye/Teleroom/internal/core"
	"github.com/dkeye/Teleroom/internal/domain"
	"github.com/gorilla/websocket"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

type ConnState int32

const (
	StateConnecting ConnState = iota
	StateAuthenticated
	StateJoined
	StateDisconnected
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateJoined:
		return "joined"
	default:
		return "disconnected"
	}
}

func (s ConnState) canMoveTo(next ConnState) bool {
	if next == StateDisconnected {
		return s != StateDisconnected
	}
	switch s {
	case StateConnecting:
		return next == StateAuthenticated
	case StateAuthenticated:
		return next == StateJoined
	}
	return false
}

// Conn is one websocket client. Frames go through a bounded queue drained by
// the write pump; TrySend never blocks.
type Conn struct {
	ID     string
	UserID domain.UserID

	ws    *websocket.Conn
	send  chan core.Frame
	state atomic.Int32
	drops atomic.Int32

	mu     sync.RWMutex
	closed bool
}

func NewConn(id string, userID domain.UserID, ws *websocket.Conn, queueSize int) *Conn {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Conn{
		ID:     id,
		UserID: userID,
		ws:     ws,
		send:   make(chan core.Frame, queueSize),
	}
}

func (c *Conn) State() ConnState { return ConnState(c.state.Load()) }

// Transition moves the connection to next and reports whether it did.
func (c *Conn) Transition(next ConnState) bool {
	for {
		cur := ConnState(c.state.Load())
		if !cur.canMoveTo(next) {
			return false
		}
		if c.state.CompareAndSwap(int32(cur), int32(next)) {
			return true
		}
	}
}

func (c *Conn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- f:
		return nil
	default:
		return ErrBackpressure
	}
}

func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()

	c.Transition(StateDisconnected)
	if c.ws != nil {
		_ = c.ws.Close()
	}
}
