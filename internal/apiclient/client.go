// Package apiclient implements the session collaborator contract over its
// REST API.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"showroom/api/internal/canvas"
	"showroom/api/internal/chatlog"
	"showroom/api/internal/collab"
	"showroom/api/internal/presence"
	"showroom/api/internal/protocol"
)

// Client talks to the session REST API. It satisfies collab.SessionAPI.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
	}
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"error"`
}

type wireParticipant struct {
	UserID      int64     `json:"userId"`
	DisplayName string    `json:"displayName"`
	AvatarRef   string    `json:"avatarRef,omitempty"`
	Role        string    `json:"role"`
	Status      string    `json:"status"`
	JoinedAt    time.Time `json:"joinedAt"`
	LastSeenAt  time.Time `json:"lastSeenAt"`
}

type wireMessage struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"sessionId"`
	UserID      int64     `json:"userId"`
	DisplayName string    `json:"displayName"`
	Body        string    `json:"body"`
	SentAt      time.Time `json:"sentAt"`
}

type wireAnnotation struct {
	protocol.AnnotationPayload
	AuthorUserID      int64     `json:"authorUserId"`
	AuthorDisplayName string    `json:"authorDisplayName"`
	CreatedAt         time.Time `json:"createdAt"`
}

type wireSession struct {
	ID         string    `json:"id"`
	HostUserID int64     `json:"hostUserId"`
	ProductID  string    `json:"productId"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// CreateSession registers a new session and returns its id plus the host
// token that authorizes ending it.
func (c *Client) CreateSession(ctx context.Context, hostUserID int64, displayName, productRef string) (collab.CreatedSession, error) {
	body := map[string]any{
		"hostUserId":  hostUserID,
		"displayName": displayName,
		"productId":   productRef,
	}
	var resp struct {
		SessionID string `json:"sessionId"`
		HostToken string `json:"hostToken"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/api/sessions", "", body, &resp); err != nil {
		return collab.CreatedSession{}, err
	}
	return collab.CreatedSession{SessionID: resp.SessionID, HostToken: resp.HostToken}, nil
}

// JoinSession asks the collaborator to admit the user and returns the current
// roster.
func (c *Client) JoinSession(ctx context.Context, sessionID string, userID int64, displayName string) (collab.JoinResult, error) {
	body := map[string]any{
		"userId":      userID,
		"displayName": displayName,
	}
	var resp struct {
		Accepted   bool              `json:"accepted"`
		HostUserID int64             `json:"hostUserId"`
		ProductID  string            `json:"productId"`
		Roster     []wireParticipant `json:"roster"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/api/sessions/"+sessionID+"/join", "", body, &resp); err != nil {
		return collab.JoinResult{}, err
	}
	return collab.JoinResult{
		Accepted:   resp.Accepted,
		HostUserID: resp.HostUserID,
		ProductRef: resp.ProductID,
		Roster:     toParticipants(resp.Roster),
	}, nil
}

// EndSession ends the session. Host-only; the collaborator checks the token.
func (c *Client) EndSession(ctx context.Context, sessionID, hostToken string) error {
	return c.doJSON(ctx, http.MethodPost, "/api/sessions/"+sessionID+"/end", hostToken, map[string]any{}, nil)
}

// GetSession pulls the authoritative snapshot used by Resync.
func (c *Client) GetSession(ctx context.Context, sessionID string) (collab.Snapshot, error) {
	var resp struct {
		Session     wireSession       `json:"session"`
		Roster      []wireParticipant `json:"roster"`
		Messages    []wireMessage     `json:"messages"`
		Annotations []wireAnnotation  `json:"annotations"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/sessions/"+sessionID, "", nil, &resp); err != nil {
		return collab.Snapshot{}, err
	}

	snap := collab.Snapshot{
		Session: collab.Session{
			ID:         resp.Session.ID,
			HostUserID: resp.Session.HostUserID,
			ProductRef: resp.Session.ProductID,
			Status:     collab.Status(resp.Session.Status),
			CreatedAt:  resp.Session.CreatedAt,
			UpdatedAt:  resp.Session.UpdatedAt,
		},
		Roster: toParticipants(resp.Roster),
	}
	for _, m := range resp.Messages {
		snap.Messages = append(snap.Messages, chatlog.Message{
			ID:          m.ID,
			SessionID:   m.SessionID,
			UserID:      m.UserID,
			DisplayName: m.DisplayName,
			Body:        m.Body,
			SentAt:      m.SentAt,
		})
	}
	for _, a := range resp.Annotations {
		snap.Annotations = append(snap.Annotations, canvas.FromEnvelope(a.AuthorUserID, a.AuthorDisplayName, a.CreatedAt, a.AnnotationPayload))
	}
	return snap, nil
}

func toParticipants(wire []wireParticipant) []presence.Participant {
	out := make([]presence.Participant, 0, len(wire))
	for _, p := range wire {
		out = append(out, presence.Participant{
			UserID:      p.UserID,
			DisplayName: p.DisplayName,
			AvatarRef:   p.AvatarRef,
			Role:        presence.Role(p.Role),
			Status:      presence.Status(p.Status),
			JoinedAt:    p.JoinedAt,
			LastSeenAt:  p.LastSeenAt,
		})
	}
	return out
}

func (c *Client) doJSON(ctx context.Context, method, path, bearer string, body, target any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr apiError
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		switch apiErr.Code {
		case "SESSION_NOT_FOUND":
			return collab.ErrSessionNotFound
		case "SESSION_ENDED":
			return collab.ErrSessionEnded
		}
		if resp.StatusCode == http.StatusNotFound {
			return collab.ErrSessionNotFound
		}
		if apiErr.Message != "" {
			return fmt.Errorf("%s %s: %s (%s)", method, path, apiErr.Message, apiErr.Code)
		}
		return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}

	if target == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
