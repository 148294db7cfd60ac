// Package notify delivers fire-and-forget user notifications and hands chat
// transcripts to the archival service.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dkeye/Teleroom/internal/core"
	"github.com/dkeye/Teleroom/internal/domain"
	"github.com/go-resty/resty/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisNotifier publishes each notification as JSON on <prefix>:<userId>.
type RedisNotifier struct {
	client redis.UniversalClient
	prefix string
}

var _ core.Notifier = (*RedisNotifier)(nil)

func NewRedisNotifier(ctx context.Context, addr, prefix string) (*RedisNotifier, error) {
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        []string{addr},
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	log.Info().Str("module", "notify").Str("addr", addr).Msg("redis notifier connected")
	return &RedisNotifier{client: client, prefix: prefix}, nil
}

func (n *RedisNotifier) Notify(ctx context.Context, msg core.Notification) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	channel := n.prefix + ":" + string(msg.UserID)
	return n.client.Publish(ctx, channel, payload).Err()
}

func (n *RedisNotifier) Close() error {
	return n.client.Close()
}

// HTTPNotifier posts notifications to the notification service.
type HTTPNotifier struct {
	client *resty.Client
}

func NewHTTPNotifier(baseURL string) *HTTPNotifier {
	return &HTTPNotifier{
		client: resty.New().
			SetBaseURL(baseURL).
			SetHeader("Content-Type", "application/json").
			SetTimeout(5 * time.Second),
	}
}

func (n *HTTPNotifier) Notify(ctx context.Context, msg core.Notification) error {
	resp, err := n.client.R().SetContext(ctx).SetBody(msg).Post("/notifications")
	if err != nil {
		return fmt.Errorf("notify request: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("notify returned %d", resp.StatusCode())
	}
	return nil
}

// Log writes notifications to the log only.
type Log struct{}

func (Log) Notify(_ context.Context, msg core.Notification) error {
	log.Info().
		Str("module", "notify").
		Str("user_id", string(msg.UserID)).
		Str("session_id", string(msg.SessionID)).
		Str("kind", string(msg.Kind)).
		Msg("notification")
	return nil
}

// HTTPArchiver hands ended-session transcripts to the archival service, which
// owns retention.
type HTTPArchiver struct {
	client *resty.Client
}

var _ core.ChatArchiver = (*HTTPArchiver)(nil)

func NewHTTPArchiver(baseURL string) *HTTPArchiver {
	return &HTTPArchiver{
		client: resty.New().
			SetBaseURL(baseURL).
			SetHeader("Content-Type", "application/json").
			SetTimeout(15 * time.Second),
	}
}

type archiveRequest struct {
	SessionID     domain.SessionID     `json:"sessionId"`
	RetentionDays int                  `json:"retentionDays"`
	Messages      []domain.ChatMessage `json:"messages"`
}

func (a *HTTPArchiver) Archive(ctx context.Context, sessionID domain.SessionID, messages []domain.ChatMessage, retentionDays int) error {
	resp, err := a.client.R().
		SetContext(ctx).
		SetBody(archiveRequest{SessionID: sessionID, RetentionDays: retentionDays, Messages: messages}).
		Post("/chat-archives")
	if err != nil {
		return fmt.Errorf("archive request: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("archive returned %d", resp.StatusCode())
	}
	return nil
}

type NoopArchiver struct{}

func (NoopArchiver) Archive(context.Context, domain.SessionID, []domain.ChatMessage, int) error {
	return nil
}
