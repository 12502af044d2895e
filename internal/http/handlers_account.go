package httpx

import (
	"errors"
	"net/http"

	"github.com/splax/resellermentor/internal/repository"
	"github.com/splax/resellermentor/internal/service/auth"
	"github.com/splax/resellermentor/internal/service/billing"
	"github.com/splax/resellermentor/internal/service/membership"
)

func (r *Router) handleSignup(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Email     string `json:"email"`
		Password  string `json:"password"`
		PriceID   string `json:"priceId"`
		PromoCode string `json:"promoCode"`
	}
	if err := decodeJSON(req, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	result, err := r.membership.Signup(req.Context(), membership.SignupInput{
		Email:     payload.Email,
		Password:  payload.Password,
		PriceID:   payload.PriceID,
		PromoCode: payload.PromoCode,
	})
	if err != nil {
		r.writeMembershipError(w, err)
		return
	}
	status := http.StatusOK
	if result.Outcome == membership.OutcomeCheckout {
		status = http.StatusCreated
	}
	writeJSON(w, status, result)
}

func (r *Router) handleLogin(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeJSON(req, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	result, err := r.membership.Login(req.Context(), payload.Email, payload.Password)
	if err != nil {
		r.writeMembershipError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (r *Router) handleMe(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing for profile", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	profile, err := r.membership.Status(req.Context(), info.identity())
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "profile not found")
			return
		}
		r.logger.Error("profile lookup failed", "user_id", info.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "Server error")
		return
	}
	resp := map[string]any{
		"id":             profile.ID,
		"email":          profile.Email,
		"payment_status": profile.PaymentStatus,
		"paid":           profile.IsPaid(),
		"created_at":     profile.CreatedAt,
	}
	if r.mentor != nil {
		usage, err := r.mentor.Usage(req.Context(), info.UserID)
		if err != nil {
			r.logger.Warn("mentor usage lookup failed", "user_id", info.UserID, "error", err)
		} else {
			resp["mentor_usage"] = usage
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (r *Router) handleWaitlist(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Email string `json:"email"`
	}
	if err := decodeJSON(req, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	entry, err := r.membership.JoinWaitlist(req.Context(), payload.Email)
	if err != nil {
		r.writeMembershipError(w, err)
		return
	}
	resp := map[string]any{"ok": true, "email": entry.Email}
	if entry.Position > 0 {
		resp["count"] = entry.Position
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (r *Router) handleCreateCheckout(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Email     string `json:"email"`
		PriceID   string `json:"priceId"`
		PromoCode string `json:"promoCode"`
	}
	if err := decodeJSON(req, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	url, err := r.billing.CreateCheckout(req.Context(), payload.Email, payload.PriceID, payload.PromoCode)
	if err != nil {
		switch {
		case errors.Is(err, billing.ErrMissingEmail):
			writeError(w, http.StatusBadRequest, "Missing email")
		case errors.Is(err, billing.ErrMissingPrice):
			writeError(w, http.StatusBadRequest, "Missing priceId")
		default:
			r.logger.Error("checkout session failed", "error", err)
			writeError(w, http.StatusInternalServerError, "Failed to create checkout session")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

func (r *Router) handleStripeWebhook(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	body, err := readBody(req)
	if err != nil {
		if errors.Is(err, errBodyTooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, "could not read body")
		return
	}
	result, err := r.billing.HandleWebhook(req.Context(), body, req.Header.Get("Stripe-Signature"))
	if err != nil {
		var sigErr *billing.SignatureError
		switch {
		case errors.Is(err, billing.ErrMissingSignature):
			r.recordWebhookEvent(result.EventType, "rejected")
			writeError(w, http.StatusBadRequest, "Missing stripe-signature or webhook secret")
		case errors.As(err, &sigErr):
			r.recordWebhookEvent(result.EventType, "rejected")
			writeError(w, http.StatusBadRequest, "Webhook signature error: "+sigErr.Err.Error())
		case errors.Is(err, billing.ErrMissingCustomerEmail):
			r.recordWebhookEvent(result.EventType, "invalid")
			writeError(w, http.StatusBadRequest, "Missing customer email")
		default:
			r.recordWebhookEvent(result.EventType, "failed")
			r.logger.Error("stripe webhook processing failed", "event_id", result.EventID, "type", result.EventType, "error", err)
			writeError(w, http.StatusInternalServerError, "Database update failed")
		}
		return
	}
	if result.Duplicate {
		r.recordWebhookEvent(result.EventType, "duplicate")
		writeJSON(w, http.StatusOK, map[string]bool{"received": true, "duplicate": true})
		return
	}
	r.recordWebhookEvent(result.EventType, "processed")
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

func (r *Router) writeMembershipError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, membership.ErrMissingCredentials):
		writeError(w, http.StatusBadRequest, "Email and password are required")
	case errors.Is(err, membership.ErrInvalidEmail):
		writeError(w, http.StatusBadRequest, "Valid email required")
	case errors.Is(err, membership.ErrAlreadyOnWaitlist):
		writeError(w, http.StatusConflict, "You're already on the waitlist")
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "Invalid email or password")
	default:
		r.logger.Error("membership request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Server error")
	}
}
