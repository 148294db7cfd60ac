package orch

import (
	"context"
	"strings"

	"github.com/dkeye/Teleroom/internal/domain"
	"github.com/google/uuid"
)

type ChatInput struct {
	SessionID domain.SessionID       `json:"sessionId"`
	SenderID  domain.UserID          `json:"senderId"`
	Content   string                 `json:"content"`
	Type      domain.ChatMessageType `json:"type"`
	File      *domain.ChatFile       `json:"file,omitempty"`
}

func (o *Orchestrator) SendChatMessage(ctx context.Context, in ChatInput) (*domain.ChatMessage, error) {
	e, err := o.acquire(ctx, in.SessionID)
	if err != nil {
		return nil, err
	}
	defer e.Unlock()
	if !e.Session.Options.EnableChat {
		return nil, domain.E(domain.KindInvalidState, "chat is disabled for this session")
	}
	if _, err := requireMember(e, in.SenderID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.Content) == "" {
		return nil, domain.E(domain.KindInvalidState, "message content is empty")
	}
	if len(in.Content) > domain.MaxChatContentLen {
		return nil, domain.Ef(domain.KindInvalidState, "message content exceeds %d bytes", domain.MaxChatContentLen)
	}
	switch in.Type {
	case "":
		in.Type = domain.ChatTypeText
	case domain.ChatTypeText, domain.ChatTypeSystem:
	case domain.ChatTypeFile:
		if in.File == nil || in.File.URL == "" {
			return nil, domain.E(domain.KindInvalidState, "file message without file")
		}
	default:
		return nil, domain.Ef(domain.KindInvalidState, "unknown message type %q", in.Type)
	}

	msg := domain.ChatMessage{
		ID:        uuid.NewString(),
		SessionID: in.SessionID,
		SenderID:  in.SenderID,
		Content:   in.Content,
		Type:      in.Type,
		File:      in.File,
		Timestamp: o.now(),
	}
	e.Chat = append(e.Chat, msg)
	o.relay.BroadcastToRoom(in.SessionID, EvtChatMessage, msg, "")
	return &msg, nil
}

func (o *Orchestrator) GetChatHistory(ctx context.Context, id domain.SessionID, caller domain.UserID, q domain.ChatQuery) ([]domain.ChatMessage, error) {
	e, err := o.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer e.Unlock()
	if err := requireViewer(e, caller); err != nil {
		return nil, err
	}
	return domain.FilterChat(e.Chat, q), nil
}
