// Package brokerauth holds the single bearer token the gateway uses to talk
// to the broker, refreshing it before it expires and collapsing concurrent
// refresh attempts from callers across the gateway into one request.
package brokerauth

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"
)

// State is a node in the auth lifecycle state machine.
type State string

const (
	StateUnauthenticated State = "UNAUTHENTICATED"
	StateAuthenticating  State = "AUTHENTICATING"
	StateAuthenticated   State = "AUTHENTICATED"
	StateRefreshing      State = "REFRESHING"
	StateFailed          State = "FAILED"
)

// Config tunes login and refresh behavior.
type Config struct {
	BaseURL          string
	Username         string
	APIKey           string
	RefreshBuffer    time.Duration // default 5m
	MaxRetryAttempts int           // default 5
}

func (c *Config) applyDefaults() {
	if c.RefreshBuffer <= 0 {
		c.RefreshBuffer = 5 * time.Minute
	}
	if c.MaxRetryAttempts <= 0 {
		c.MaxRetryAttempts = 5
	}
}

// Client holds the current bearer token and drives the login/refresh state
// machine: UNAUTHENTICATED -> AUTHENTICATING -> AUTHENTICATED -> REFRESHING
// -> AUTHENTICATED | FAILED.
type Client struct {
	cfg  Config
	http *resty.Client

	mu        sync.RWMutex
	state     State
	token     string
	expiresAt time.Time

	sf singleflight.Group
}

type loginRequest struct {
	UserName string `json:"userName"`
	APIKey   string `json:"apiKey"`
}

type loginResponse struct {
	Success      bool   `json:"success"`
	ErrorMessage string `json:"errorMessage"`
	Token        string `json:"token"`
	ExpiresIn    int64  `json:"expiresIn"` // seconds, used only if the token does not decode as a JWT
}

// New creates a Client in the UNAUTHENTICATED state. Call EnsureValidToken
// (or Login directly) before AuthHeaders will return anything.
func New(cfg Config) *Client {
	cfg.applyDefaults()
	return &Client{
		cfg:   cfg,
		http:  resty.New().SetBaseURL(cfg.BaseURL).SetTimeout(10 * time.Second),
		state: StateUnauthenticated,
	}
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// EnsureValidToken returns the current bearer token, refreshing it first if
// it is unset or within RefreshBuffer of expiry. Concurrent callers during a
// refresh share the same in-flight request.
func (c *Client) EnsureValidToken(ctx context.Context) (string, error) {
	c.mu.RLock()
	valid := c.token != "" && time.Now().Before(c.expiresAt.Add(-c.cfg.RefreshBuffer))
	token := c.token
	c.mu.RUnlock()
	if valid {
		return token, nil
	}

	v, err, _ := c.sf.Do("refresh", func() (any, error) {
		return c.loginWithRetry(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// AuthHeaders returns the headers to attach to an authenticated broker
// request, refreshing the token first if needed.
func (c *Client) AuthHeaders(ctx context.Context) (map[string]string, error) {
	token, err := c.EnsureValidToken(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]string{"Authorization": "Bearer " + token}, nil
}

func (c *Client) loginWithRetry(ctx context.Context) (string, error) {
	wasAuthenticated := c.State() == StateAuthenticated
	if wasAuthenticated {
		c.setState(StateRefreshing)
	} else {
		c.setState(StateAuthenticating)
	}

	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxRetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				c.setState(StateFailed)
				return "", ctx.Err()
			case <-time.After(backoffDelay(attempt)):
			}
		}

		token, expiresAt, err := c.login(ctx)
		if err == nil {
			c.mu.Lock()
			c.token = token
			c.expiresAt = expiresAt
			c.mu.Unlock()
			c.setState(StateAuthenticated)
			return token, nil
		}
		lastErr = err
		log.Printf("brokerauth: login attempt %d/%d failed: %v", attempt+1, c.cfg.MaxRetryAttempts, err)
	}

	c.setState(StateFailed)
	return "", fmt.Errorf("brokerauth: login failed after %d attempts: %w", c.cfg.MaxRetryAttempts, lastErr)
}

func (c *Client) login(ctx context.Context) (string, time.Time, error) {
	var resp loginResponse
	r, err := c.http.R().
		SetContext(ctx).
		SetBody(loginRequest{UserName: c.cfg.Username, APIKey: c.cfg.APIKey}).
		SetResult(&resp).
		Post("/Auth/loginKey")
	if err != nil {
		return "", time.Time{}, fmt.Errorf("login request: %w", err)
	}
	if r.IsError() {
		return "", time.Time{}, fmt.Errorf("login request: status %d", r.StatusCode())
	}
	if !resp.Success || resp.Token == "" {
		return "", time.Time{}, fmt.Errorf("login rejected: %s", resp.ErrorMessage)
	}

	expiresAt, ok := expiryFromJWT(resp.Token)
	if !ok {
		if resp.ExpiresIn <= 0 {
			return "", time.Time{}, fmt.Errorf("login response has no usable expiry")
		}
		expiresAt = time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	}
	return resp.Token, expiresAt, nil
}

// expiryFromJWT reads the exp claim without verifying the signature: the
// gateway is a client of the broker's auth, not the issuer, and has no key
// to verify against. It is used only to schedule the next refresh.
func expiryFromJWT(token string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	_, _, err := jwt.NewParser().ParseUnverified(token, claims)
	if err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

func backoffDelay(attempt int) time.Duration {
	ms := 1000 * (1 << attempt)
	if ms > 30000 {
		ms = 30000
	}
	return time.Duration(ms) * time.Millisecond
}
