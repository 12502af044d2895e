package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/splax/resellermentor/internal/domain"
	"github.com/splax/resellermentor/internal/repository"
	"github.com/splax/resellermentor/pkg/config"
)

// Stripe event types handled by the webhook.
const (
	EventCheckoutCompleted   = "checkout.session.completed"
	EventInvoicePaymentFail  = "invoice.payment_failed"
	EventSubscriptionDeleted = "customer.subscription.deleted"
)

var (
	// ErrMissingEmail is returned when a checkout has no email to attach.
	ErrMissingEmail = errors.New("billing: missing email")
	// ErrMissingPrice is returned when neither caller nor config supplies a price.
	ErrMissingPrice = errors.New("billing: missing price id")
	// ErrMissingSignature is returned when the webhook signature header or secret is absent.
	ErrMissingSignature = errors.New("billing: missing stripe signature or webhook secret")
	// ErrMissingCustomerEmail is returned when a completed checkout carries no email.
	ErrMissingCustomerEmail = errors.New("billing: checkout session has no customer email")
)

// SignatureError wraps a failed webhook signature verification.
type SignatureError struct {
	Err error
}

func (e *SignatureError) Error() string {
	return "billing: webhook signature: " + e.Err.Error()
}

func (e *SignatureError) Unwrap() error { return e.Err }

// CheckoutParams is the gateway request for a checkout session.
type CheckoutParams struct {
	Email           string
	PriceID         string
	PromotionCodeID string
	SuccessURL      string
	CancelURL       string
}

// Gateway abstracts the Stripe calls the service makes.
type Gateway interface {
	FindPromotionCode(ctx context.Context, code string) (string, error)
	CreateCheckoutSession(ctx context.Context, params CheckoutParams) (string, error)
}

// WebhookResult reports how a delivery was handled.
type WebhookResult struct {
	EventID   string
	EventType string
	Duplicate bool
}

// Service creates checkouts and applies Stripe webhook events to profiles.
type Service struct {
	gateway  Gateway
	profiles repository.ProfileRepository
	events   repository.StripeEventRepository
	logger   *slog.Logger
	cfg      config.APIConfig
	now      func() time.Time
}

// New constructs a billing Service.
func New(gateway Gateway, profiles repository.ProfileRepository, events repository.StripeEventRepository, logger *slog.Logger, cfg config.APIConfig) *Service {
	return &Service{
		gateway:  gateway,
		profiles: profiles,
		events:   events,
		logger:   logger,
		cfg:      cfg,
		now:      time.Now,
	}
}

// CreateCheckout opens a Stripe checkout for email and returns the redirect URL.
func (s *Service) CreateCheckout(ctx context.Context, email, priceID, promoCode string) (string, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return "", ErrMissingEmail
	}
	priceID = strings.TrimSpace(priceID)
	if priceID == "" {
		priceID = s.cfg.StripePriceID
	}
	if priceID == "" {
		return "", ErrMissingPrice
	}

	var promotionID string
	if code := strings.TrimSpace(promoCode); code != "" {
		id, err := s.gateway.FindPromotionCode(ctx, code)
		if err != nil {
			s.logger.Warn("promotion code lookup failed", "code", code, "error", err)
		} else if id == "" {
			s.logger.Warn("promotion code not found or inactive", "code", code)
		} else {
			promotionID = id
		}
	}

	url, err := s.gateway.CreateCheckoutSession(ctx, CheckoutParams{
		Email:           email,
		PriceID:         priceID,
		PromotionCodeID: promotionID,
		SuccessURL:      s.cfg.PublicBaseURL + "/dashboard?success=true",
		CancelURL:       s.cfg.PublicBaseURL + "/signup?canceled=true",
	})
	if err != nil {
		return "", err
	}
	s.logger.Info("checkout session created", "email", email, "promotion", promotionID != "")
	return url, nil
}

// HandleWebhook verifies and applies a Stripe event delivery.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, signature string) (WebhookResult, error) {
	if strings.TrimSpace(signature) == "" || s.cfg.StripeWebhookSecret == "" {
		return WebhookResult{}, ErrMissingSignature
	}
	event, err := webhook.ConstructEventWithOptions(payload, signature, s.cfg.StripeWebhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return WebhookResult{}, &SignatureError{Err: err}
	}

	result := WebhookResult{EventID: event.ID, EventType: string(event.Type)}
	if s.events != nil {
		first, err := s.events.RecordStripeEvent(ctx, domain.StripeEvent{ID: event.ID, Type: result.EventType, ReceivedAt: s.now().UTC()})
		if err != nil {
			return result, fmt.Errorf("record stripe event: %w", err)
		}
		if !first {
			s.logger.Info("duplicate stripe event ignored", "event_id", event.ID, "type", result.EventType)
			result.Duplicate = true
			return result, nil
		}
	}

	if err := s.apply(ctx, event); err != nil {
		if s.events != nil {
			if forgetErr := s.events.DeleteStripeEvent(ctx, event.ID); forgetErr != nil {
				s.logger.Error("failed to forget stripe event", "event_id", event.ID, "error", forgetErr)
			}
		}
		return result, err
	}
	return result, nil
}

func (s *Service) apply(ctx context.Context, event stripe.Event) error {
	if event.Data == nil {
		return nil
	}
	switch string(event.Type) {
	case EventCheckoutCompleted:
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return fmt.Errorf("decode checkout session: %w", err)
		}
		return s.markPaid(ctx, &session)
	case EventInvoicePaymentFail:
		var invoice stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
			return fmt.Errorf("decode invoice: %w", err)
		}
		s.logger.Warn("payment failed", "email", invoice.CustomerEmail)
		if invoice.Customer != nil && invoice.Customer.ID != "" {
			return s.setStatusByCustomer(ctx, invoice.Customer.ID, domain.PaymentPastDue)
		}
	case EventSubscriptionDeleted:
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return fmt.Errorf("decode subscription: %w", err)
		}
		if sub.Customer != nil && sub.Customer.ID != "" {
			return s.setStatusByCustomer(ctx, sub.Customer.ID, domain.PaymentCanceled)
		}
	default:
		s.logger.Debug("stripe event acknowledged", "type", event.Type)
	}
	return nil
}

func (s *Service) markPaid(ctx context.Context, session *stripe.CheckoutSession) error {
	email := session.CustomerEmail
	if email == "" && session.CustomerDetails != nil {
		email = session.CustomerDetails.Email
	}
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		s.logger.Error("no email found on checkout session", "session_id", session.ID)
		return ErrMissingCustomerEmail
	}
	var customerID string
	if session.Customer != nil {
		customerID = session.Customer.ID
	}
	if err := s.profiles.UpdatePaymentStatusByEmail(ctx, email, domain.PaymentPaid, customerID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.logger.Warn("checkout completed for unknown profile", "email", email)
			return nil
		}
		return fmt.Errorf("mark profile paid: %w", err)
	}
	s.logger.Info("user marked paid", "email", email)
	return nil
}

func (s *Service) setStatusByCustomer(ctx context.Context, customerID, status string) error {
	if err := s.profiles.UpdatePaymentStatusByCustomer(ctx, customerID, status); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.logger.Warn("stripe customer has no profile", "customer", customerID)
			return nil
		}
		return fmt.Errorf("set payment status %s: %w", status, err)
	}
	s.logger.Info("payment status updated", "customer", customerID, "status", status)
	return nil
}
