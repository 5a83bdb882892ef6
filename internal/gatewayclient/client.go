// Package gatewayclient talks to the relay gateway. A Client serves as the
// room registry, candidate relay, signaling channel and identity of a call.
package gatewayclient

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
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mossy-p/callrelay/internal/models"
	"github.com/rs/zerolog"
)

const defaultTimeout = 10 * time.Second

// Client is safe for concurrent use. It signs in anonymously on first use and
// remembers the password of every room it created or joined.
type Client struct {
	baseURL string
	http    *http.Client
	dialer  *websocket.Dialer
	log     zerolog.Logger
	name    string

	mu        sync.Mutex
	token     string
	userID    string
	display   string
	passwords map[string]string
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithName asks the gateway for a specific display name instead of a random one.
func WithName(name string) Option {
	return func(c *Client) { c.name = name }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		http:      &http.Client{Timeout: defaultTimeout},
		dialer:    &websocket.Dialer{HandshakeTimeout: defaultTimeout},
		log:       zerolog.Nop(),
		passwords: make(map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type anonymousResponse struct {
	Token  string `json:"token"`
	UserID string `json:"user_id"`
	Name   string `json:"name"`
}

// DisplayName signs in if needed and returns the name the gateway issued.
func (c *Client) DisplayName(ctx context.Context) (string, error) {
	if _, err := c.session(ctx); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.display, nil
}

func (c *Client) session(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" {
		return c.token, nil
	}

	var body any
	if c.name != "" {
		body = map[string]string{"name": c.name}
	}
	var resp anonymousResponse
	if err := c.call(ctx, http.MethodPost, "/api/auth/anonymous", "", "", body, &resp); err != nil {
		return "", fmt.Errorf("sign in: %w", err)
	}
	c.token, c.userID, c.display = resp.Token, resp.UserID, resp.Name
	c.log.Debug().Str("user", c.userID).Str("name", c.display).Msg("signed in")
	return c.token, nil
}

func (c *Client) remember(roomID, password string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.passwords[roomID] = password
}

func (c *Client) password(roomID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pw, ok := c.passwords[roomID]
	if !ok {
		return "", fmt.Errorf("%w: no password known for room %s", models.ErrRoomNotFound, roomID)
	}
	return pw, nil
}

// do runs an authenticated request, signing in again once if the token was rejected.
func (c *Client) do(ctx context.Context, method, path, password string, body, out any) error {
	for attempt := 0; ; attempt++ {
		token, err := c.session(ctx)
		if err != nil {
			return err
		}
		err = c.call(ctx, method, path, token, password, body, out)
		var se *statusError
		if errors.As(err, &se) && se.status == http.StatusUnauthorized && attempt == 0 {
			c.mu.Lock()
			if c.token == token {
				c.token = ""
			}
			c.mu.Unlock()
			continue
		}
		return err
	}
}

func (c *Client) call(ctx context.Context, method, path, token, password string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if password != "" {
		req.Header.Set(models.RoomPasswordHeader, password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return readError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// statusError is a gateway failure that carries no known error code.
type statusError struct {
	status int
	msg    string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("gateway: %s (%d)", e.msg, e.status)
}

// readError turns an error response back into the sentinel it was built from.
func readError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err := json.Unmarshal(data, &body); err != nil || body.Error == "" {
		body.Error = http.StatusText(resp.StatusCode)
	}
	if sentinel := models.ErrorForCode(body.Code); sentinel != nil {
		return fmt.Errorf("%w: %s", sentinel, body.Error)
	}
	return &statusError{status: resp.StatusCode, msg: body.Error}
}

func (c *Client) wsURL(path string, query url.Values) (string, error) {
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.RawQuery = query.Encode()
	return u.String(), nil
}
