package signal

import (
	"context"
	"net/http"
	"time"

	"github.com/dkeye/Teleroom/internal/app/orch"
	"github.com/dkeye/Teleroom/internal/config"
	"github.com/dkeye/Teleroom/internal/core"
	"github.com/dkeye/Teleroom/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	writeWait    = 5 * time.Second
	leaveTimeout = 10 * time.Second
)

// Sessions is the part of the orchestrator the relay drives.
type Sessions interface {
	GetSession(ctx context.Context, id domain.SessionID) (*domain.MediaSession, error)
	ListActiveSessionsForUser(ctx context.Context, userID domain.UserID) ([]*domain.MediaSession, error)
	LeaveSession(ctx context.Context, id domain.SessionID, userID domain.UserID) error
	LeaveWaitingRooms(ctx context.Context, userID domain.UserID) []domain.SessionID
	SendChatMessage(ctx context.Context, in orch.ChatInput) (*domain.ChatMessage, error)
}

type TokenVerifier interface {
	VerifyBearer(header string) (core.TokenClaims, error)
}

type Controller struct {
	hub      *Hub
	sessions Sessions
	tokens   TokenVerifier
	cfg      config.SignalConfig
	chat     *RateLimiter
	hands    *RateLimiter
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

func NewController(hub *Hub, sessions Sessions, tokens TokenVerifier, cfg config.SignalConfig) *Controller {
	if cfg.PingPeriod <= 0 {
		cfg.PingPeriod = 30 * time.Second
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = 64 << 10
	}
	return &Controller{
		hub:      hub,
		sessions: sessions,
		tokens:   tokens,
		cfg:      cfg,
		chat:     NewRateLimiter(cfg.ChatRate, cfg.ChatWindow),
		hands:    NewRateLimiter(cfg.ChatRate, cfg.ChatWindow),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: log.With().Str("module", "signal").Logger(),
	}
}

// HandleSignal authenticates the bearer token, upgrades the request and
// starts the connection pumps.
func (ctl *Controller) HandleSignal(c *gin.Context) {
	raw := c.GetHeader("Authorization")
	if raw == "" {
		raw = c.Query("token")
	}
	claims, err := ctl.tokens.VerifyBearer(raw)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error": gin.H{"code": domain.KindUnauthorized.String(), "message": "invalid token"},
		})
		return
	}

	ws, err := ctl.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		ctl.log.Error().Err(err).Msg("ws upgrade")
		return
	}

	conn := NewConn(uuid.NewString(), claims.UserID, ws, ctl.cfg.QueueSize)
	conn.Transition(StateAuthenticated)
	ctl.hub.Register(conn)
	ctl.log.Info().Str("conn_id", conn.ID).Str("user_id", string(claims.UserID)).Msg("new WS connection")

	ctl.autoJoin(c.Request.Context(), conn)

	// The request context ends when this handler returns.
	ctx, cancel := context.WithCancel(context.Background())
	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, cancel, conn)
}

func (ctl *Controller) autoJoin(ctx context.Context, conn *Conn) {
	sessions, err := ctl.sessions.ListActiveSessionsForUser(ctx, conn.UserID)
	if err != nil {
		ctl.log.Warn().Err(err).Str("user_id", string(conn.UserID)).Msg("auto-join lookup")
		return
	}
	for _, s := range sessions {
		ctl.hub.JoinRoom(conn.UserID, s.ID)
		ctl.hub.Send(conn, Envelope{Type: EvtRoomJoined, SessionID: s.ID}, roomJoined{SessionID: s.ID, Participants: s.Participants})
	}
}

func (ctl *Controller) writePump(ctx context.Context, c *Conn) {
	ticker := time.NewTicker(ctl.cfg.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				ctl.log.Warn().Err(err).Str("conn_id", c.ID).Msg("writePump write error")
				c.Close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}

func (ctl *Controller) readPump(ctx context.Context, cancel context.CancelFunc, c *Conn) {
	defer func() {
		cancel()
		c.Close()
		ctl.disconnect(c)
	}()

	pongWait := ctl.cfg.PingPeriod * 3 / 2
	c.ws.SetReadLimit(ctl.cfg.ReadLimit)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				ctl.log.Warn().Err(err).Str("conn_id", c.ID).Msg("readPump read error")
			}
			return
		}
		ctl.handle(ctx, c, data)
	}
}

// disconnect is the authoritative release path: once the user's last
// connection is gone, every session room it held is left.
func (ctl *Controller) disconnect(c *Conn) {
	rooms, last := ctl.hub.Unregister(c)
	ctl.log.Info().Str("conn_id", c.ID).Str("user_id", string(c.UserID)).Bool("last", last).Msg("connection closed")
	if !last {
		return
	}
	ctl.chat.Forget(c.UserID)
	ctl.hands.Forget(c.UserID)

	ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
	defer cancel()
	for _, sid := range rooms {
		if err := ctl.sessions.LeaveSession(ctx, sid, c.UserID); err != nil {
			ctl.log.Warn().Err(err).Str("session_id", string(sid)).Str("user_id", string(c.UserID)).Msg("leave on disconnect")
		}
	}
	ctl.sessions.LeaveWaitingRooms(ctx, c.UserID)
}
