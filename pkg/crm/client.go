package crm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"conversation-orchestrator/pkg/models"
)

// Client looks up a user's interaction history in the CRM. Concurrent
// lookups for the same user share one request.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client

	logger *logrus.Logger
	group  singleflight.Group
}

func NewClient(baseURL, token string, logger *logrus.Logger) *Client {
	return &Client{
		BaseURL: baseURL,
		Token:   token,
		HTTP:    &http.Client{Timeout: 10 * time.Second},
		logger:  logger,
	}
}

type historyResponse struct {
	Entries   map[string]interface{} `json:"entries"`
	UpdatedAt *time.Time             `json:"updated_at,omitempty"`
}

// History fetches the CRM record for userID. The caller's deadline bounds the
// request; any failure is wrapped in models.ErrExternalCall.
func (c *Client) History(ctx context.Context, userID string) (*models.History, error) {
	v, err, shared := c.group.Do(userID, func() (interface{}, error) {
		return c.fetch(ctx, userID)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		c.logger.WithField("user_id", userID).Debug("Shared in-flight CRM lookup")
	}

	h := v.(*models.History)
	entries := make(map[string]interface{}, len(h.Entries))
	for k, val := range h.Entries {
		entries[k] = val
	}
	return &models.History{UserID: h.UserID, Entries: entries, FetchedAt: h.FetchedAt}, nil
}

func (c *Client) fetch(ctx context.Context, userID string) (*models.History, error) {
	if c.BaseURL == "" {
		return nil, fmt.Errorf("%w: crm base url not configured", models.ErrExternalCall)
	}

	endpoint := fmt.Sprintf("%s/users/%s/history", c.BaseURL, url.PathEscape(userID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrExternalCall, err)
	}
	req.Header.Set("Accept", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	res, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: crm history: %v", models.ErrExternalCall, err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		return &models.History{UserID: userID, Entries: map[string]interface{}{}, FetchedAt: time.Now()}, nil
	}
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: crm history status %d", models.ErrExternalCall, res.StatusCode)
	}

	var body historyResponse
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: decode crm history: %v", models.ErrExternalCall, err)
	}

	fetchedAt := time.Now()
	if body.UpdatedAt != nil {
		fetchedAt = *body.UpdatedAt
	}
	if body.Entries == nil {
		body.Entries = map[string]interface{}{}
	}
	return &models.History{UserID: userID, Entries: body.Entries, FetchedAt: fetchedAt}, nil
}
