package auth

import (
	"context"
	"errors"
	"strings"

	"log/slog"

	"github.com/splax/resellermentor/pkg/config"
	jwtpkg "github.com/splax/resellermentor/pkg/jwt"
	"github.com/splax/resellermentor/pkg/supabase"
)

var (
	// ErrTokenRequired is returned when no bearer token was supplied.
	ErrTokenRequired = errors.New("token required")
	// ErrAlreadyRegistered mirrors the Supabase sign-up conflict.
	ErrAlreadyRegistered = supabase.ErrAlreadyRegistered
	// ErrInvalidCredentials mirrors a rejected password sign-in.
	ErrInvalidCredentials = supabase.ErrInvalidCredentials
)

// Identity is the authenticated caller derived from a Supabase access token.
type Identity struct {
	UserID string
	Email  string
}

// Provider is the subset of the Supabase auth API the service uses.
type Provider interface {
	SignUp(ctx context.Context, email, password string) (supabase.User, *supabase.Session, error)
	SignInWithPassword(ctx context.Context, email, password string) (*supabase.Session, error)
}

// Service handles authentication workflows.
type Service struct {
	provider Provider
	logger   *slog.Logger
	cfg      config.APIConfig
}

// New constructs a Service.
func New(provider Provider, logger *slog.Logger, cfg config.APIConfig) Service {
	return Service{provider: provider, logger: logger, cfg: cfg}
}

// Signup registers a new auth user.
func (s Service) Signup(ctx context.Context, email, password string) (supabase.User, *supabase.Session, error) {
	user, session, err := s.provider.SignUp(ctx, email, password)
	if err != nil {
		return supabase.User{}, nil, err
	}
	s.logger.Info("user registered", "user_id", user.ID)
	return user, session, nil
}

// Login authenticates a user and returns the Supabase session.
func (s Service) Login(ctx context.Context, email, password string) (*supabase.Session, error) {
	session, err := s.provider.SignInWithPassword(ctx, email, password)
	if err != nil {
		return nil, err
	}
	s.logger.Info("user logged in", "user_id", session.User.ID)
	return session, nil
}

// Authorize validates a bearer token and returns the caller identity and claims.
func (s Service) Authorize(_ context.Context, token string) (Identity, *jwtpkg.Claims, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return Identity{}, nil, ErrTokenRequired
	}
	claims, err := jwtpkg.Parse(trimmed, s.cfg.SupabaseJWTSecret)
	if err != nil {
		return Identity{}, nil, err
	}
	return Identity{UserID: claims.UserID(), Email: strings.ToLower(claims.Email)}, claims, nil
}
