// Package forum renames retired learners in the discussion forum service.
package forum

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"
)

type Client struct {
	http *resty.Client
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = resty.NewWithClient(c) }
}

func New(baseURL, apiKey string, timeout time.Duration, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("forum base url is required")
	}
	c := &Client{http: resty.New()}
	for _, opt := range opts {
		opt(c)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c.http.SetBaseURL(baseURL).SetTimeout(timeout)
	if apiKey != "" {
		c.http.SetHeader("X-Edx-Api-Key", apiKey)
	}
	return c, nil
}

type retireRequest struct {
	RetiredUsername string `json:"retired_username"`
}

// RetireUser renames username to retiredUsername. A learner the forum has
// never seen answers 404, which counts as success.
func (c *Client) RetireUser(ctx context.Context, username, retiredUsername string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(retireRequest{RetiredUsername: retiredUsername}).
		Post("/api/v1/users/" + url.PathEscape(username) + "/retire_forum")
	if err != nil {
		return fmt.Errorf("retire forum user: %w", err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil
	}
	if resp.IsError() {
		return fmt.Errorf("forum rejected retirement: status %d", resp.StatusCode())
	}
	return nil
}
