package domain

import "time"

const (
	MaxChatContentLen = 4096
	DefaultChatLimit  = 50
	MaxChatLimit      = 500
)

type ChatMessageType string

const (
	ChatTypeText   ChatMessageType = "text"
	ChatTypeFile   ChatMessageType = "file"
	ChatTypeSystem ChatMessageType = "system"
)

type ChatFile struct {
	Name     string `json:"name"`
	URL      string `json:"url"`
	Size     int64  `json:"size"`
	MimeType string `json:"mimeType,omitempty"`
}

type ChatMessage struct {
	ID        string          `json:"id"`
	SessionID SessionID       `json:"sessionId"`
	SenderID  UserID          `json:"senderId"`
	Content   string          `json:"content"`
	Type      ChatMessageType `json:"type"`
	File      *ChatFile       `json:"file,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// ChatQuery selects an inclusive time range, then a page.
type ChatQuery struct {
	Since  *time.Time
	Until  *time.Time
	Limit  int
	Offset int
}

func (q ChatQuery) Normalize() ChatQuery {
	if q.Limit <= 0 {
		q.Limit = DefaultChatLimit
	}
	if q.Limit > MaxChatLimit {
		q.Limit = MaxChatLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	return q
}

// FilterChat applies q to an append-ordered log.
func FilterChat(log []ChatMessage, q ChatQuery) []ChatMessage {
	q = q.Normalize()
	matched := make([]ChatMessage, 0, len(log))
	for _, m := range log {
		if q.Since != nil && m.Timestamp.Before(*q.Since) {
			continue
		}
		if q.Until != nil && m.Timestamp.After(*q.Until) {
			continue
		}
		matched = append(matched, m)
	}
	if q.Offset >= len(matched) {
		return []ChatMessage{}
	}
	end := min(q.Offset+q.Limit, len(matched))
	return matched[q.Offset:end]
}
