// Package roster answers whether a user belongs to a booking or chat room
// context owned by another service.
package roster

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/dkeye/Teleroom/internal/core"
	"github.com/dkeye/Teleroom/internal/domain"
	"github.com/go-resty/resty/v2"
)

// HTTPRoster asks the scheduling service:
// GET {base}/contexts/{type}/{contextId}/participants/{userId} -> {"participant": bool}.
type HTTPRoster struct {
	client *resty.Client
}

var _ core.Roster = (*HTTPRoster)(nil)

func NewHTTPRoster(baseURL string, timeout time.Duration) *HTTPRoster {
	return &HTTPRoster{
		client: resty.New().
			SetBaseURL(baseURL).
			SetHeader("User-Agent", "Teleroom/1.0").
			SetTimeout(timeout),
	}
}

type membership struct {
	Participant bool `json:"participant"`
}

func (r *HTTPRoster) IsParticipant(ctx context.Context, t domain.SessionType, contextID string, userID domain.UserID) (bool, error) {
	var out membership
	resp, err := r.client.R().
		SetContext(ctx).
		SetResult(&out).
		Get(fmt.Sprintf("/contexts/%s/%s/participants/%s",
			url.PathEscape(string(t)), url.PathEscape(contextID), url.PathEscape(string(userID))))
	if err != nil {
		return false, fmt.Errorf("roster request: %w", err)
	}
	switch {
	case resp.StatusCode() == http.StatusNotFound:
		return false, nil
	case resp.IsError():
		return false, fmt.Errorf("roster returned %d", resp.StatusCode())
	}
	return out.Participant, nil
}

// Static recognises everyone. Dev and tests only.
type Static struct{}

func (Static) IsParticipant(context.Context, domain.SessionType, string, domain.UserID) (bool, error) {
	return true, nil
}

// Set recognises a fixed list of users per context.
type Set map[string][]domain.UserID

func (s Set) IsParticipant(_ context.Context, _ domain.SessionType, contextID string, userID domain.UserID) (bool, error) {
	for _, uid := range s[contextID] {
		if uid == userID {
			return true, nil
		}
	}
	return false, nil
}
