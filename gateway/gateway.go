package gateway

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

	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/AngusTso/FamLite-Split/domain"
)

// CredentialProvider supplies the bearer credential attached to
// authenticated requests. An empty token means "not logged in".
type CredentialProvider interface {
	Token() string
}

// Config configures a Client. BaseURL is required and never defaulted from a
// literal; the credential provider may be nil for a client that only calls
// the public auth endpoints.
type Config struct {
	BaseURL     string
	Credentials CredentialProvider
	HTTPClient  *http.Client
	Logger      *log.Logger
}

// Client talks to the FamLite REST gateway. Requests run through a circuit
// breaker so a dead backend fails fast; the breaker never retries — retry
// policy stays with the caller.
type Client struct {
	baseURL string
	creds   CredentialProvider
	http    *http.Client
	logger  *log.Logger
	breaker *gobreaker.CircuitBreaker
}

// New builds a gateway client from cfg.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("gateway: base url is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.StandardLogger()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	logger := cfg.Logger
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "famlite-gateway",
		MaxRequests: 1,
		Timeout:     5 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(log.Fields{"breaker": name, "from": from.String(), "to": to.String()}).Warn("gateway breaker state changed")
		},
		// Rejected credentials are the caller's problem, not backend health.
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var authErr *domain.AuthError
			return errors.As(err, &authErr)
		},
	})
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		creds:   cfg.Credentials,
		http:    cfg.HTTPClient,
		logger:  cfg.Logger,
		breaker: cb,
	}, nil
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Session is the auth response: a bearer token plus the account it belongs to.
type Session struct {
	Token string      `json:"token"`
	User  domain.User `json:"user"`
}

// Login exchanges credentials for a session.
func (c *Client) Login(ctx context.Context, email, password string) (Session, error) {
	var s Session
	err := c.call(ctx, http.MethodPost, "/login", loginRequest{Email: email, Password: password}, &s)
	return s, err
}

// Register creates an account and returns its first session.
func (c *Client) Register(ctx context.Context, username, email, password string) (Session, error) {
	var s Session
	err := c.call(ctx, http.MethodPost, "/register", registerRequest{Username: username, Email: email, Password: password}, &s)
	return s, err
}

// Groups lists the groups the user belongs to.
func (c *Client) Groups(ctx context.Context, userID string) ([]domain.Group, error) {
	var out []domain.Group
	err := c.call(ctx, http.MethodGet, "/users/"+url.PathEscape(userID)+"/groups", nil, &out)
	return out, err
}

type createGroupRequest struct {
	Name     string `json:"name"`
	LeaderID string `json:"leaderId"`
}

// CreateGroup creates a group led by leaderID.
func (c *Client) CreateGroup(ctx context.Context, name, leaderID string) (domain.Group, error) {
	var g domain.Group
	err := c.call(ctx, http.MethodPost, "/groups", createGroupRequest{Name: name, LeaderID: leaderID}, &g)
	return g, err
}

type joinGroupRequest struct {
	InviteCode string `json:"inviteCode"`
	UserID     string `json:"userId"`
}

// JoinGroup adds userID to the group behind inviteCode.
func (c *Client) JoinGroup(ctx context.Context, inviteCode, userID string) (domain.Group, error) {
	var g domain.Group
	err := c.call(ctx, http.MethodPost, "/groups/join", joinGroupRequest{InviteCode: inviteCode, UserID: userID}, &g)
	return g, err
}

// Members lists a group's members.
func (c *Client) Members(ctx context.Context, groupID string) ([]domain.Member, error) {
	var out []domain.Member
	err := c.call(ctx, http.MethodGet, "/groups/"+url.PathEscape(groupID)+"/members", nil, &out)
	return out, err
}

// Tasks fetches a full snapshot of a group's tasks.
func (c *Client) Tasks(ctx context.Context, groupID string) ([]domain.Task, error) {
	var out []domain.Task
	err := c.call(ctx, http.MethodGet, "/tasks?groupId="+url.QueryEscape(groupID), nil, &out)
	return out, err
}

// CreateTask submits a new task. A client-assigned id is honored by the
// backend so channel events can be correlated with the pending command.
func (c *Client) CreateTask(ctx context.Context, t domain.Task) (domain.Task, error) {
	var out domain.Task
	err := c.call(ctx, http.MethodPost, "/tasks", t, &out)
	return out, err
}

// UpdateTask replaces a task wholesale.
func (c *Client) UpdateTask(ctx context.Context, t domain.Task) (domain.Task, error) {
	var out domain.Task
	err := c.call(ctx, http.MethodPut, "/tasks/"+url.PathEscape(t.ID), t, &out)
	return out, err
}

type toggleRequest struct {
	IsCompleted bool `json:"isCompleted"`
}

// ToggleTask sets a task's completion flag.
func (c *Client) ToggleTask(ctx context.Context, taskID string, completed bool) (domain.Task, error) {
	var out domain.Task
	err := c.call(ctx, http.MethodPost, "/tasks/"+url.PathEscape(taskID), toggleRequest{IsCompleted: completed}, &out)
	return out, err
}

// DeleteTask removes a task.
func (c *Client) DeleteTask(ctx context.Context, taskID string) error {
	return c.call(ctx, http.MethodDelete, "/tasks/"+url.PathEscape(taskID), nil, nil)
}

type shuffleRequest struct {
	GroupID string `json:"groupId"`
}

// Shuffle asks the backend to reassign the group's open tasks and returns
// the full reassigned set.
func (c *Client) Shuffle(ctx context.Context, groupID string) ([]domain.Task, error) {
	var out []domain.Task
	err := c.call(ctx, http.MethodPost, "/tasks/shuffle", shuffleRequest{GroupID: groupID}, &out)
	return out, err
}

// call performs one JSON round trip through the breaker.
func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	var buf io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("gateway: encode %s %s: %w", method, path, err)
		}
		buf = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.creds != nil {
		if token := c.creds.Token(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	res, err := c.breaker.Execute(func() (any, error) {
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return nil, err
		}
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return nil, &domain.AuthError{Status: resp.StatusCode, Msg: errorMessage(data)}
		}
		if resp.StatusCode >= 400 {
			return nil, fmt.Errorf("%s %s: %s (%d)", method, path, errorMessage(data), resp.StatusCode)
		}
		return data, nil
	})
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	data := res.([]byte)
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("gateway: decode %s %s: %w", method, path, err)
	}
	return nil
}

// errorMessage extracts the backend's {"error": ...} body when present.
func errorMessage(data []byte) string {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &body); err == nil && body.Error != "" {
		return body.Error
	}
	msg := strings.TrimSpace(string(data))
	if msg == "" {
		return "request failed"
	}
	return msg
}
