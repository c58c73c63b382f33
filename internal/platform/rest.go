package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
)

// RESTClient implements Client against the platform's HTTP API.
type RESTClient struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *zap.Logger
}

// NewRESTClient creates a REST client. A nil httpClient uses a client with
// a 10 second timeout.
func NewRESTClient(baseURL, token string, httpClient *http.Client, logger *zap.Logger) *RESTClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RESTClient{baseURL: baseURL, token: token, http: httpClient, logger: logger}
}

var _ Client = (*RESTClient)(nil)

func (c *RESTClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bot "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, bytes.TrimSpace(msg))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func (c *RESTClient) CreateSession(ctx context.Context, req CreateSessionRequest) (string, error) {
	var out SessionInfo
	if err := c.do(ctx, http.MethodPost, "/sessions", req, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (c *RESTClient) DeleteSession(ctx context.Context, sessionID string) error {
	err := c.do(ctx, http.MethodDelete, "/sessions/"+url.PathEscape(sessionID), nil, nil)
	if err == ErrNotFound {
		c.logger.Debug("session already deleted", zap.String("session_id", sessionID))
		return nil
	}
	return err
}

func (c *RESTClient) Session(ctx context.Context, sessionID string) (SessionInfo, error) {
	var out SessionInfo
	err := c.do(ctx, http.MethodGet, "/sessions/"+url.PathEscape(sessionID), nil, &out)
	return out, err
}

func (c *RESTClient) ListSessions(ctx context.Context, parentID string) ([]SessionInfo, error) {
	var out []SessionInfo
	err := c.do(ctx, http.MethodGet, "/sessions?parent_id="+url.QueryEscape(parentID), nil, &out)
	return out, err
}

func (c *RESTClient) EditSession(ctx context.Context, sessionID string, edit SessionEdit) error {
	return c.do(ctx, http.MethodPatch, "/sessions/"+url.PathEscape(sessionID), edit, nil)
}

func (c *RESTClient) Participants(ctx context.Context, sessionID string) ([]Participant, error) {
	var out []Participant
	err := c.do(ctx, http.MethodGet, "/sessions/"+url.PathEscape(sessionID)+"/participants", nil, &out)
	return out, err
}

func (c *RESTClient) VoiceState(ctx context.Context, userID string) (VoiceState, error) {
	var out VoiceState
	err := c.do(ctx, http.MethodGet, "/voice-states/"+url.PathEscape(userID), nil, &out)
	if err == ErrNotFound {
		return VoiceState{UserID: userID}, nil
	}
	return out, err
}

func (c *RESTClient) DisplayName(ctx context.Context, userID string) (string, error) {
	var out struct {
		DisplayName string `json:"display_name"`
	}
	if err := c.do(ctx, http.MethodGet, "/members/"+url.PathEscape(userID), nil, &out); err != nil {
		return "", err
	}
	return out.DisplayName, nil
}

func (c *RESTClient) SetParticipantMute(ctx context.Context, sessionID, userID string, muted bool) error {
	body := map[string]interface{}{"session_id": sessionID, "muted": muted}
	return c.do(ctx, http.MethodPatch, "/voice-states/"+url.PathEscape(userID), body, nil)
}

func (c *RESTClient) MoveParticipant(ctx context.Context, userID, sessionID string) error {
	body := map[string]string{"session_id": sessionID}
	return c.do(ctx, http.MethodPatch, "/voice-states/"+url.PathEscape(userID), body, nil)
}

func (c *RESTClient) DisconnectParticipant(ctx context.Context, userID string) error {
	return c.do(ctx, http.MethodDelete, "/voice-states/"+url.PathEscape(userID), nil, nil)
}

func (c *RESTClient) SendMessage(ctx context.Context, sessionID, content string) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	body := map[string]string{"content": content}
	if err := c.do(ctx, http.MethodPost, "/sessions/"+url.PathEscape(sessionID)+"/messages", body, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (c *RESTClient) EditMessage(ctx context.Context, sessionID, messageID, content string) error {
	body := map[string]string{"content": content}
	return c.do(ctx, http.MethodPatch, c.messagePath(sessionID, messageID), body, nil)
}

func (c *RESTClient) AddReaction(ctx context.Context, sessionID, messageID, emoji string) error {
	return c.do(ctx, http.MethodPut, c.messagePath(sessionID, messageID)+"/reactions/"+url.PathEscape(emoji), nil, nil)
}

func (c *RESTClient) Reactions(ctx context.Context, sessionID, messageID, emoji string) ([]string, error) {
	var out []string
	err := c.do(ctx, http.MethodGet, c.messagePath(sessionID, messageID)+"/reactions/"+url.PathEscape(emoji), nil, &out)
	return out, err
}

func (c *RESTClient) messagePath(sessionID, messageID string) string {
	return "/sessions/" + url.PathEscape(sessionID) + "/messages/" + url.PathEscape(messageID)
}
