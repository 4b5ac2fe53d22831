package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/claraverse/pulse/internal/models"
	"github.com/claraverse/pulse/internal/session"
)

// Common errors
var (
	ErrUnauthorized = errors.New("backend rejected credential")
	ErrNoSession    = session.ErrNoSession
)

// StatusError is returned for any other non-2xx response
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

// Client calls the notification and presence REST endpoints. Every request
// carries the session's bearer credential.
type Client struct {
	baseURL string
	session session.Source
	http    *http.Client
}

// NewClient creates a client for the API rooted at baseURL (e.g.
// http://localhost:8000/api).
func NewClient(baseURL string, src session.Source) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		session: src,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// ListNotifications returns the raw notification records of userID. The
// backend answers either with a bare array or with {"notifications": [...]}.
func (c *Client) ListNotifications(ctx context.Context, userID string) ([]json.RawMessage, error) {
	body, err := c.do(ctx, http.MethodGet, "/notifications/?userId="+url.QueryEscape(userID), nil)
	if err != nil {
		return nil, err
	}

	var list []json.RawMessage
	if err := json.Unmarshal(body, &list); err == nil {
		return list, nil
	}

	var wrapped struct {
		Notifications []json.RawMessage `json:"notifications"`
		Results       []json.RawMessage `json:"results"`
	}
	if err := json.Unmarshal(body, &wrapped); err != nil {
		return nil, fmt.Errorf("failed to parse notifications: %w", err)
	}
	if wrapped.Notifications != nil {
		return wrapped.Notifications, nil
	}
	return wrapped.Results, nil
}

// MarkRead flags one notification as read
func (c *Client) MarkRead(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodPut, "/notifications/"+url.PathEscape(id), map[string]bool{"isRead": true})
	return err
}

// MarkAllRead flags every notification of userID as read
func (c *Client) MarkAllRead(ctx context.Context, userID string) error {
	_, err := c.do(ctx, http.MethodPut, "/notifications/mark-all-read/?userId="+url.QueryEscape(userID), nil)
	return err
}

// OnlineUsers returns the ids the backend currently considers online. Numeric
// ids are converted to strings.
func (c *Client) OnlineUsers(ctx context.Context) ([]string, error) {
	body, err := c.do(ctx, http.MethodGet, "/auth/online-users/", nil)
	if err != nil {
		return nil, err
	}

	var ids []models.FlexibleID
	if err := json.Unmarshal(body, &ids); err != nil {
		var wrapped struct {
			OnlineUsers []models.FlexibleID `json:"online_users"`
			UserIDs     []models.FlexibleID `json:"user_ids"`
		}
		if err := json.Unmarshal(body, &wrapped); err != nil {
			return nil, fmt.Errorf("failed to parse online users: %w", err)
		}
		ids = wrapped.OnlineUsers
		if ids == nil {
			ids = wrapped.UserIDs
		}
	}

	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" {
			out = append(out, id.String())
		}
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload interface{}) ([]byte, error) {
	identity := c.session.Current()
	if identity.Token == "" {
		return nil, ErrNoSession
	}

	var reader io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+identity.Token)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w (status: %d)", ErrUnauthorized, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return body, nil
}
