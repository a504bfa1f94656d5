package gamedb

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"conversation-orchestrator/pkg/models"
)

// Client queries the game and knowledge database. Outgoing requests share a
// token bucket so a burst of turns cannot flood the backend.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client

	limiter *rate.Limiter
	logger  *logrus.Logger
}

// NewClient builds a client allowing rps requests per second. A non-positive
// rps disables limiting.
func NewClient(baseURL, token string, rps float64, logger *logrus.Logger) *Client {
	limit := rate.Inf
	burst := 1
	if rps > 0 {
		limit = rate.Limit(rps)
		burst = int(rps)
		if burst < 1 {
			burst = 1
		}
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
	}
}

// LaunchInfo is the answer of the launch date endpoint.
type LaunchInfo struct {
	Date   string `json:"date"`
	Region string `json:"region,omitempty"`
}

// Article is one knowledge base hit.
type Article struct {
	Title   string  `json:"title"`
	Snippet string  `json:"snippet"`
	Score   float64 `json:"score"`
}

type searchResponse struct {
	Answer   string    `json:"answer"`
	Articles []Article `json:"articles"`
}

// LaunchDate returns the announced launch date for the region, or the
// global one when region is empty.
func (c *Client) LaunchDate(ctx context.Context, region string) (*LaunchInfo, error) {
	q := url.Values{}
	if region != "" {
		q.Set("region", region)
	}
	var info LaunchInfo
	if err := c.get(ctx, "/launch-date", q, &info); err != nil {
		return nil, err
	}
	if info.Date == "" {
		return nil, fmt.Errorf("%w: game db returned no launch date", models.ErrExternalCall)
	}
	return &info, nil
}

// Search runs a knowledge base query and returns the best answer text.
func (c *Client) Search(ctx context.Context, query, language string) (string, []Article, error) {
	q := url.Values{}
	q.Set("q", query)
	if language != "" {
		q.Set("lang", language)
	}
	var res searchResponse
	if err := c.get(ctx, "/knowledge/search", q, &res); err != nil {
		return "", nil, err
	}

	answer := res.Answer
	if answer == "" && len(res.Articles) > 0 {
		best := res.Articles[0]
		for _, a := range res.Articles[1:] {
			if a.Score > best.Score {
				best = a
			}
		}
		answer = best.Snippet
	}
	if answer == "" {
		return "", nil, fmt.Errorf("%w: no knowledge base match", models.ErrExternalCall)
	}
	return answer, res.Articles, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out interface{}) error {
	if c.BaseURL == "" {
		return fmt.Errorf("%w: game db base url not configured", models.ErrExternalCall)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: rate limit wait: %v", models.ErrExternalCall, err)
	}

	endpoint := c.BaseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrExternalCall, err)
	}
	req.Header.Set("Accept", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	start := time.Now()
	res, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%w: game db %s: %v", models.ErrExternalCall, path, err)
	}
	defer res.Body.Close()

	c.logger.WithFields(logrus.Fields{
		"path":     path,
		"status":   res.StatusCode,
		"duration": time.Since(start),
	}).Debug("Game db request")

	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: game db %s status %d", models.ErrExternalCall, path, res.StatusCode)
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode game db %s: %v", models.ErrExternalCall, path, err)
	}
	return nil
}
