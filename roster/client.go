// Package roster is a client for the team roster and identity REST API.
package roster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"devconnect/types"
)

// APIError is a non-2xx answer from the roster service.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("roster: %s", http.StatusText(e.Status))
	}
	return fmt.Sprintf("roster: %d %s", e.Status, e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.Status {
	case http.StatusNotFound:
		return types.ErrTeamNotFound
	case http.StatusForbidden:
		return types.ErrNotMember
	}
	return nil
}

type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

func New(baseURL, token string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) ListTeams(ctx context.Context) ([]types.Team, error) {
	var teams []types.Team
	if err := c.do(ctx, http.MethodGet, "/api/teams", nil, &teams); err != nil {
		return nil, err
	}
	return teams, nil
}

func (c *Client) Me(ctx context.Context) (types.User, error) {
	var user types.User
	err := c.do(ctx, http.MethodGet, "/api/users/me", nil, &user)
	return user, err
}

func (c *Client) CreateTeam(ctx context.Context, name, repoURL string) (types.Team, error) {
	payload := map[string]string{"teamName": name, "repoUrl": repoURL}
	var team types.Team
	err := c.do(ctx, http.MethodPost, "/api/teams/create", payload, &team)
	return team, err
}

func (c *Client) JoinTeam(ctx context.Context, teamID string) (types.Team, error) {
	var team types.Team
	err := c.do(ctx, http.MethodPost, "/api/teams/join", map[string]string{"teamId": teamID}, &team)
	return team, err
}

func (c *Client) LeaveTeam(ctx context.Context, teamID string) error {
	return c.do(ctx, http.MethodPost, "/api/teams/leave", map[string]string{"teamId": teamID}, nil)
}

func (c *Client) DeleteTeam(ctx context.Context, teamID string) error {
	return c.do(ctx, http.MethodDelete, "/api/teams/delete/"+url.PathEscape(teamID), nil, nil)
}

// Online lists the ids of team members who currently have the room open.
func (c *Client) Online(ctx context.Context, teamID string) ([]string, error) {
	var result struct {
		Online []string `json:"online"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/teams/online/"+url.PathEscape(teamID), nil, &result); err != nil {
		return nil, err
	}
	return result.Online, nil
}

// DevLogin exchanges a username for a token on the development relay.
func (c *Client) DevLogin(ctx context.Context, username, avatarURL string) (string, types.User, error) {
	var result struct {
		Token string     `json:"token"`
		User  types.User `json:"user"`
	}
	payload := map[string]string{"username": username, "avatarUrl": avatarURL}
	if err := c.do(ctx, http.MethodPost, "/auth/dev-login", payload, &result); err != nil {
		return "", types.User{}, err
	}
	return result.Token, result.User, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload, out interface{}) error {
	var body io.Reader
	if payload != nil {
		jsonData, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		body = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	httpClient := c.HTTP
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return &APIError{Status: resp.StatusCode, Message: apiErr.Error}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s %s: %w", method, path, err)
	}
	return nil
}
