// Package supabase talks to the Supabase Auth (GoTrue) REST API.
package supabase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

var (
	// ErrAlreadyRegistered is returned by SignUp when the email already has an auth user.
	ErrAlreadyRegistered = errors.New("supabase: user already registered")
	// ErrInvalidCredentials is returned by SignInWithPassword on a bad email/password pair.
	ErrInvalidCredentials = errors.New("supabase: invalid login credentials")
)

// Error is a non-2xx response from the auth API.
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("supabase auth %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("supabase auth %d: %s", e.StatusCode, e.Message)
}

// User is the subset of the auth user the backend needs.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Session is returned by a successful password sign-in. Sign-up returns one only
// when email confirmation is disabled on the project.
type Session struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type"`
	ExpiresAt    time.Time `json:"expires_at"`
	User         User      `json:"user"`
}

// AuthClient calls /auth/v1 endpoints with the project's anon key.
type AuthClient struct {
	baseURL    string
	anonKey    string
	httpClient *http.Client
	now        func() time.Time
}

// Option customises the AuthClient.
type Option func(*AuthClient)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *AuthClient) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// NewAuthClient constructs an auth client for the given project URL.
func NewAuthClient(baseURL, anonKey string, opts ...Option) (*AuthClient, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, errors.New("supabase url is required")
	}
	if strings.TrimSpace(anonKey) == "" {
		return nil, errors.New("supabase anon key is required")
	}
	c := &AuthClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		anonKey:    anonKey,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// SignUp registers a new auth user.
func (c *AuthClient) SignUp(ctx context.Context, email, password string) (User, *Session, error) {
	body, err := c.post(ctx, "/auth/v1/signup", map[string]string{"email": email, "password": password})
	if err != nil {
		var apiErr *Error
		if errors.As(err, &apiErr) && isAlreadyRegistered(apiErr) {
			return User{}, nil, ErrAlreadyRegistered
		}
		return User{}, nil, err
	}

	parsed := gjson.ParseBytes(body)
	if parsed.Get("access_token").Exists() {
		session := c.sessionFrom(parsed)
		return session.User, &session, nil
	}
	user := User{ID: parsed.Get("id").String(), Email: parsed.Get("email").String()}
	if user.ID == "" {
		return User{}, nil, errors.New("supabase signup response missing user id")
	}
	return user, nil, nil
}

// SignInWithPassword exchanges credentials for a session.
func (c *AuthClient) SignInWithPassword(ctx context.Context, email, password string) (*Session, error) {
	body, err := c.post(ctx, "/auth/v1/token?grant_type=password", map[string]string{"email": email, "password": password})
	if err != nil {
		var apiErr *Error
		if errors.As(err, &apiErr) && (apiErr.StatusCode == http.StatusBadRequest || apiErr.Code == "invalid_credentials" || apiErr.Code == "invalid_grant") {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	session := c.sessionFrom(gjson.ParseBytes(body))
	if session.AccessToken == "" {
		return nil, errors.New("supabase token response missing access_token")
	}
	return &session, nil
}

func (c *AuthClient) sessionFrom(parsed gjson.Result) Session {
	session := Session{
		AccessToken:  parsed.Get("access_token").String(),
		RefreshToken: parsed.Get("refresh_token").String(),
		TokenType:    parsed.Get("token_type").String(),
		User: User{
			ID:    parsed.Get("user.id").String(),
			Email: parsed.Get("user.email").String(),
		},
	}
	if exp := parsed.Get("expires_at").Int(); exp > 0 {
		session.ExpiresAt = time.Unix(exp, 0).UTC()
	} else if in := parsed.Get("expires_in").Int(); in > 0 {
		session.ExpiresAt = c.now().Add(time.Duration(in) * time.Second).UTC()
	}
	return session
}

func (c *AuthClient) post(ctx context.Context, path string, payload any) ([]byte, error) {
	buf, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", c.anonKey)
	req.Header.Set("Authorization", "Bearer "+c.anonKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("supabase request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read supabase response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, decodeError(resp.StatusCode, body)
	}
	return body, nil
}

func decodeError(status int, body []byte) *Error {
	parsed := gjson.ParseBytes(body)
	apiErr := &Error{StatusCode: status}
	apiErr.Code = firstString(parsed, "error_code", "error")
	apiErr.Message = firstString(parsed, "msg", "error_description", "message")
	if apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(body))
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(status)
	}
	return apiErr
}

func firstString(parsed gjson.Result, paths ...string) string {
	for _, path := range paths {
		if v := parsed.Get(path); v.Type == gjson.String && v.String() != "" {
			return v.String()
		}
	}
	return ""
}

func isAlreadyRegistered(err *Error) bool {
	if err.Code == "user_already_exists" || err.Code == "email_exists" {
		return true
	}
	return strings.Contains(strings.ToLower(err.Message), "already registered")
}
