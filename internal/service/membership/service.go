// Package membership drives the signup, login and waitlist flows that gate the
// paid dashboard.
package membership

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/splax/resellermentor/internal/domain"
	"github.com/splax/resellermentor/internal/repository"
	"github.com/splax/resellermentor/internal/service/auth"
	"github.com/splax/resellermentor/pkg/supabase"
)

// Outcomes tell the client where to send the visitor next.
const (
	OutcomeCheckout       = "checkout"
	OutcomeAlreadyMember  = "already_member"
	OutcomePendingTerms   = "pending_terms"
	OutcomeSignupRequired = "signup_required"
	OutcomeDashboard      = "dashboard"
)

var (
	// ErrMissingCredentials is returned when email or password is blank.
	ErrMissingCredentials = errors.New("email and password are required")
	// ErrInvalidEmail is returned for waitlist emails without an @.
	ErrInvalidEmail = errors.New("a valid email is required")
	// ErrAlreadyOnWaitlist is returned for a repeated waitlist email.
	ErrAlreadyOnWaitlist = errors.New("email already on waitlist")
)

// Authenticator is the Supabase-backed auth service.
type Authenticator interface {
	Signup(ctx context.Context, email, password string) (supabase.User, *supabase.Session, error)
	Login(ctx context.Context, email, password string) (*supabase.Session, error)
}

// Checkout opens a Stripe checkout for a new member.
type Checkout interface {
	CreateCheckout(ctx context.Context, email, priceID, promoCode string) (string, error)
}

// SignupInput carries the signup form.
type SignupInput struct {
	Email     string
	Password  string
	PriceID   string
	PromoCode string
}

// SignupResult says what happened and where the visitor goes next.
type SignupResult struct {
	Outcome     string `json:"outcome"`
	Redirect    string `json:"redirect,omitempty"`
	CheckoutURL string `json:"checkout_url,omitempty"`
	UserID      string `json:"user_id,omitempty"`
}

// LoginResult carries the session only when the member may enter the dashboard.
type LoginResult struct {
	Outcome  string            `json:"outcome"`
	Redirect string            `json:"redirect"`
	Session  *supabase.Session `json:"session,omitempty"`
}

// Service coordinates auth, profiles, billing and the waitlist.
type Service struct {
	auth     Authenticator
	profiles repository.ProfileRepository
	waitlist repository.WaitlistRepository
	checkout Checkout
	logger   *slog.Logger
	now      func() time.Time
}

// New constructs a membership Service.
func New(authn Authenticator, profiles repository.ProfileRepository, waitlist repository.WaitlistRepository, checkout Checkout, logger *slog.Logger) *Service {
	return &Service{
		auth:     authn,
		profiles: profiles,
		waitlist: waitlist,
		checkout: checkout,
		logger:   logger,
		now:      time.Now,
	}
}

// Signup registers a visitor and opens checkout. Known emails are routed to
// login when paid, otherwise back to the terms page.
func (s *Service) Signup(ctx context.Context, in SignupInput) (SignupResult, error) {
	email := strings.TrimSpace(in.Email)
	password := strings.TrimSpace(in.Password)
	if email == "" || password == "" {
		return SignupResult{}, ErrMissingCredentials
	}
	pending := SignupResult{Outcome: OutcomePendingTerms, Redirect: termsPath(email)}

	existing, err := s.profiles.GetProfileByEmail(ctx, email)
	switch {
	case err == nil:
		if existing.IsPaid() {
			return SignupResult{Outcome: OutcomeAlreadyMember, Redirect: "/login", UserID: existing.ID}, nil
		}
		pending.UserID = existing.ID
		return pending, nil
	case !errors.Is(err, repository.ErrNotFound):
		return SignupResult{}, err
	}

	user, _, err := s.auth.Signup(ctx, email, password)
	if err != nil {
		if errors.Is(err, auth.ErrAlreadyRegistered) {
			s.logger.Info("signup for registered auth user", "email", strings.ToLower(email))
			return pending, nil
		}
		return SignupResult{}, err
	}

	profile := &domain.Profile{
		ID:            user.ID,
		Email:         strings.ToLower(email),
		PaymentStatus: domain.PaymentPending,
		CreatedAt:     s.now().UTC(),
	}
	if err := s.profiles.UpsertProfile(ctx, profile); err != nil {
		return SignupResult{}, err
	}
	pending.UserID = user.ID

	checkoutURL, err := s.checkout.CreateCheckout(ctx, profile.Email, in.PriceID, in.PromoCode)
	if err != nil {
		s.logger.Error("checkout after signup failed", "user_id", user.ID, "error", err)
		return pending, nil
	}
	return SignupResult{Outcome: OutcomeCheckout, CheckoutURL: checkoutURL, UserID: user.ID}, nil
}

// Login signs in and admits only paid members.
func (s *Service) Login(ctx context.Context, email, password string) (LoginResult, error) {
	email = strings.TrimSpace(email)
	if email == "" || strings.TrimSpace(password) == "" {
		return LoginResult{}, ErrMissingCredentials
	}
	session, err := s.auth.Login(ctx, email, password)
	if err != nil {
		return LoginResult{}, err
	}

	denied := LoginResult{Outcome: OutcomeSignupRequired, Redirect: "/signup"}
	profile, err := s.profiles.GetProfileByID(ctx, session.User.ID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.logger.Warn("login without profile", "user_id", session.User.ID)
			return denied, nil
		}
		return LoginResult{}, err
	}
	if !profile.IsPaid() {
		return denied, nil
	}
	return LoginResult{Outcome: OutcomeDashboard, Redirect: "/dashboard", Session: session}, nil
}

// JoinWaitlist records an email for a future seat.
func (s *Service) JoinWaitlist(ctx context.Context, email string) (*domain.WaitlistEntry, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, ErrInvalidEmail
	}
	entry := &domain.WaitlistEntry{
		ID:        uuid.NewString(),
		Email:     email,
		CreatedAt: s.now().UTC(),
	}
	if err := s.waitlist.AddWaitlistEntry(ctx, entry); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, ErrAlreadyOnWaitlist
		}
		return nil, err
	}
	if count, err := s.waitlist.CountWaitlist(ctx); err != nil {
		s.logger.Warn("failed to count waitlist", "error", err)
	} else {
		entry.Position = count
	}
	s.logger.Info("waitlist joined", "waitlist_id", entry.ID, "position", entry.Position)
	return entry, nil
}

// Status returns the caller's profile for the dashboard gate.
func (s *Service) Status(ctx context.Context, identity auth.Identity) (*domain.Profile, error) {
	return s.profiles.GetProfileByID(ctx, identity.UserID)
}

func termsPath(email string) string {
	return "/terms?email=" + url.QueryEscape(email)
}
