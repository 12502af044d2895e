package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/splax/resellermentor/internal/domain"
	"github.com/splax/resellermentor/internal/repository"
	"github.com/splax/resellermentor/internal/service/auth"
	"github.com/splax/resellermentor/internal/service/billing"
	"github.com/splax/resellermentor/internal/service/chat"
	"github.com/splax/resellermentor/internal/service/membership"
	"github.com/splax/resellermentor/internal/service/mentor"
	"github.com/splax/resellermentor/internal/service/supplier"
	"github.com/splax/resellermentor/internal/ws"
	"github.com/splax/resellermentor/pkg/config"
	jwtpkg "github.com/splax/resellermentor/pkg/jwt"
)

const testJWTSecret = "test-secret-with-at-least-32-characters"

type membershipStub struct {
	signupFunc   func(ctx context.Context, in membership.SignupInput) (membership.SignupResult, error)
	loginFunc    func(ctx context.Context, email, password string) (membership.LoginResult, error)
	waitlistFunc func(ctx context.Context, email string) (*domain.WaitlistEntry, error)
	profiles     map[string]domain.Profile
}

func (m *membershipStub) Signup(ctx context.Context, in membership.SignupInput) (membership.SignupResult, error) {
	return m.signupFunc(ctx, in)
}

func (m *membershipStub) Login(ctx context.Context, email, password string) (membership.LoginResult, error) {
	return m.loginFunc(ctx, email, password)
}

func (m *membershipStub) JoinWaitlist(ctx context.Context, email string) (*domain.WaitlistEntry, error) {
	return m.waitlistFunc(ctx, email)
}

func (m *membershipStub) Status(ctx context.Context, identity auth.Identity) (*domain.Profile, error) {
	if p, ok := m.profiles[identity.UserID]; ok {
		return &p, nil
	}
	return nil, repository.ErrNotFound
}

type billingStub struct {
	checkoutFunc func(ctx context.Context, email, priceID, promoCode string) (string, error)
	webhookFunc  func(ctx context.Context, payload []byte, signature string) (billing.WebhookResult, error)
}

func (b *billingStub) CreateCheckout(ctx context.Context, email, priceID, promoCode string) (string, error) {
	return b.checkoutFunc(ctx, email, priceID, promoCode)
}

func (b *billingStub) HandleWebhook(ctx context.Context, payload []byte, signature string) (billing.WebhookResult, error) {
	return b.webhookFunc(ctx, payload, signature)
}

type supplierStub struct {
	analyzeFunc func(ctx context.Context, input string) (*domain.SupplierReport, bool, error)
}

func (s *supplierStub) Analyze(ctx context.Context, input string) (*domain.SupplierReport, bool, error) {
	return s.analyzeFunc(ctx, input)
}

type mentorStub struct {
	askFunc   func(ctx context.Context, userID, question string) (*mentor.Answer, error)
	usageFunc func(ctx context.Context, userID string) (mentor.Usage, error)
}

func (m *mentorStub) Ask(ctx context.Context, userID, question string) (*mentor.Answer, error) {
	return m.askFunc(ctx, userID, question)
}

func (m *mentorStub) Usage(ctx context.Context, userID string) (mentor.Usage, error) {
	if m.usageFunc == nil {
		return mentor.Usage{}, nil
	}
	return m.usageFunc(ctx, userID)
}

type chatStub struct {
	sendFunc   func(ctx context.Context, req chat.SendRequest) (string, error)
	eventFunc  func(ctx context.Context, header http.Header, body []byte) (chat.EventResult, error)
	threadFunc func(ctx context.Context, threadTS string) (*domain.ChatThread, error)
	operators  map[string]bool
}

func (c *chatStub) Send(ctx context.Context, req chat.SendRequest) (string, error) {
	return c.sendFunc(ctx, req)
}

func (c *chatStub) HandleEvent(ctx context.Context, header http.Header, body []byte) (chat.EventResult, error) {
	return c.eventFunc(ctx, header, body)
}

func (c *chatStub) Thread(ctx context.Context, threadTS string) (*domain.ChatThread, error) {
	if c.threadFunc == nil {
		return &domain.ChatThread{ThreadTS: threadTS}, nil
	}
	return c.threadFunc(ctx, threadTS)
}

func (c *chatStub) IsOperator(email string) bool {
	return c.operators[email]
}

type suppliesStub struct {
	items []domain.Supply
}

func (s suppliesStub) List(ctx context.Context) ([]domain.Supply, error) {
	return s.items, nil
}

type rateLimitCall struct {
	key    string
	limit  int
	window time.Duration
}

type rateLimiterStub struct {
	mu      sync.Mutex
	calls   []rateLimitCall
	allowFn func(key string, limit int, window time.Duration) rateDecision
}

func newRateLimiterStub() *rateLimiterStub {
	return &rateLimiterStub{}
}

func (rl *rateLimiterStub) Allow(_ context.Context, key string, limit int, window time.Duration) rateDecision {
	rl.mu.Lock()
	rl.calls = append(rl.calls, rateLimitCall{key: key, limit: limit, window: window})
	fn := rl.allowFn
	rl.mu.Unlock()
	if fn != nil {
		return fn(key, limit, window)
	}
	return rateDecision{allowed: true, count: 1, windowEnd: time.Now().Add(window)}
}

func (rl *rateLimiterStub) Close() {}

type routerFixture struct {
	router     *Router
	limiter    *rateLimiterStub
	membership *membershipStub
	billing    *billingStub
	supplier   *supplierStub
	mentor     *mentorStub
	chat       *chatStub
	hub        *ws.Hub
	paidToken  string
	freeToken  string
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.APIConfig{SupabaseJWTSecret: testJWTSecret}

	f := &routerFixture{
		limiter: newRateLimiterStub(),
		membership: &membershipStub{profiles: map[string]domain.Profile{
			"user-paid": {ID: "user-paid", Email: "paid@example.com", PaymentStatus: domain.PaymentPaid},
			"user-free": {ID: "user-free", Email: "free@example.com", PaymentStatus: domain.PaymentPending},
		}},
		billing:  &billingStub{},
		supplier: &supplierStub{},
		mentor:   &mentorStub{},
		chat:     &chatStub{},
		hub:      ws.NewHub(),
	}
	t.Cleanup(f.hub.Close)

	f.router = NewRouter(logger, Services{
		Auth:       auth.New(nil, logger, cfg),
		Membership: f.membership,
		Billing:    f.billing,
		Supplier:   f.supplier,
		Mentor:     f.mentor,
		Chat:       f.chat,
		Supplies:   suppliesStub{items: []domain.Supply{{ID: "s1", SupplyList: "Poly mailers"}}},
		Hub:        f.hub,
	}, f.limiter, nil, 20*time.Millisecond)

	var err error
	if f.paidToken, err = jwtpkg.GenerateToken("user-paid", "paid@example.com", testJWTSecret, time.Hour); err != nil {
		t.Fatalf("generate token: %v", err)
	}
	if f.freeToken, err = jwtpkg.GenerateToken("user-free", "free@example.com", testJWTSecret, time.Hour); err != nil {
		t.Fatalf("generate token: %v", err)
	}
	return f
}

func (f *routerFixture) do(method, path, body, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode body %q: %v", rr.Body.String(), err)
	}
	return payload
}

func parseError(t *testing.T, body string) string {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	v, _ := payload["error"].(string)
	return v
}

func TestHealthzReportsDatabase(t *testing.T) {
	f := newRouterFixture(t)
	f.router.dbHealth = func(context.Context) error { return errors.New("connection refused") }

	rr := f.do(http.MethodGet, "/healthz", "", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	payload := decodeBody(t, rr)
	if payload["status"] != "degraded" {
		t.Fatalf("unexpected status %v", payload["status"])
	}
}

func TestSignupReturnsCheckout(t *testing.T) {
	f := newRouterFixture(t)
	f.membership.signupFunc = func(ctx context.Context, in membership.SignupInput) (membership.SignupResult, error) {
		if in.Email != "new@example.com" || in.PromoCode != "LAUNCH" {
			t.Errorf("unexpected signup input %+v", in)
		}
		return membership.SignupResult{Outcome: membership.OutcomeCheckout, CheckoutURL: "https://stripe.test/c"}, nil
	}

	rr := f.do(http.MethodPost, "/auth/signup", `{"email":"new@example.com","password":"pw","promoCode":"LAUNCH"}`, "")
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	payload := decodeBody(t, rr)
	if payload["outcome"] != "checkout" || payload["checkout_url"] != "https://stripe.test/c" {
		t.Fatalf("unexpected payload %v", payload)
	}

	f.limiter.mu.Lock()
	defer f.limiter.mu.Unlock()
	if len(f.limiter.calls) != 1 || f.limiter.calls[0].limit != rateLimitSignup {
		t.Fatalf("unexpected limiter calls %+v", f.limiter.calls)
	}
	if !strings.HasPrefix(f.limiter.calls[0].key, "/auth/signup|ip:") {
		t.Fatalf("expected route scoped ip key, got %q", f.limiter.calls[0].key)
	}
}

func TestSignupValidationAndLoginErrors(t *testing.T) {
	f := newRouterFixture(t)
	f.membership.signupFunc = func(ctx context.Context, in membership.SignupInput) (membership.SignupResult, error) {
		return membership.SignupResult{}, membership.ErrMissingCredentials
	}
	f.membership.loginFunc = func(ctx context.Context, email, password string) (membership.LoginResult, error) {
		return membership.LoginResult{}, auth.ErrInvalidCredentials
	}

	rr := f.do(http.MethodPost, "/auth/signup", `{"email":""}`, "")
	if rr.Code != http.StatusBadRequest || parseError(t, rr.Body.String()) != "Email and password are required" {
		t.Fatalf("unexpected signup response %d %s", rr.Code, rr.Body.String())
	}
	rr = f.do(http.MethodPost, "/auth/login", `{"email":"a@b.co","password":"bad"}`, "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	rr = f.do(http.MethodGet, "/auth/login", "", "")
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
}

func TestMeReturnsProfile(t *testing.T) {
	f := newRouterFixture(t)

	f.mentor.usageFunc = func(ctx context.Context, userID string) (mentor.Usage, error) {
		if userID != "user-free" {
			t.Errorf("unexpected user %q", userID)
		}
		return mentor.Usage{Period: "2025-03", Used: 4, Quota: 50}, nil
	}

	rr := f.do(http.MethodGet, "/me", "", f.freeToken)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	payload := decodeBody(t, rr)
	if payload["payment_status"] != domain.PaymentPending || payload["paid"] != false {
		t.Fatalf("unexpected payload %v", payload)
	}
	usage, ok := payload["mentor_usage"].(map[string]any)
	if !ok || usage["used"] != float64(4) || usage["quota"] != float64(50) || usage["period"] != "2025-03" {
		t.Fatalf("unexpected mentor usage %v", payload["mentor_usage"])
	}

	rr = f.do(http.MethodGet, "/me", "", "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rr.Code)
	}
}

func TestWaitlistDuplicate(t *testing.T) {
	f := newRouterFixture(t)
	f.membership.waitlistFunc = func(ctx context.Context, email string) (*domain.WaitlistEntry, error) {
		return nil, membership.ErrAlreadyOnWaitlist
	}
	rr := f.do(http.MethodPost, "/api/waitlist", `{"email":"fan@example.com"}`, "")
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
}

func TestCreateCheckoutSession(t *testing.T) {
	f := newRouterFixture(t)
	f.billing.checkoutFunc = func(ctx context.Context, email, priceID, promoCode string) (string, error) {
		if email == "" {
			return "", billing.ErrMissingEmail
		}
		return "https://stripe.test/session", nil
	}

	rr := f.do(http.MethodPost, "/api/create-checkout-session", `{"priceId":"price_1"}`, "")
	if rr.Code != http.StatusBadRequest || parseError(t, rr.Body.String()) != "Missing email" {
		t.Fatalf("unexpected response %d %s", rr.Code, rr.Body.String())
	}
	rr = f.do(http.MethodPost, "/api/create-checkout-session", `{"email":"a@b.co","priceId":"price_1"}`, "")
	if rr.Code != http.StatusOK || decodeBody(t, rr)["url"] != "https://stripe.test/session" {
		t.Fatalf("unexpected response %d %s", rr.Code, rr.Body.String())
	}
}

func TestStripeWebhookResponses(t *testing.T) {
	f := newRouterFixture(t)
	cases := []struct {
		name    string
		result  billing.WebhookResult
		err     error
		status  int
		message string
	}{
		{name: "signature", err: &billing.SignatureError{Err: errors.New("no valid signature")}, status: http.StatusBadRequest, message: "Webhook signature error: no valid signature"},
		{name: "missing email", result: billing.WebhookResult{EventType: billing.EventCheckoutCompleted}, err: billing.ErrMissingCustomerEmail, status: http.StatusBadRequest, message: "Missing customer email"},
		{name: "db failure", result: billing.WebhookResult{EventType: billing.EventCheckoutCompleted}, err: errors.New("db down"), status: http.StatusInternalServerError, message: "Database update failed"},
	}
	for _, tc := range cases {
		f.billing.webhookFunc = func(ctx context.Context, payload []byte, signature string) (billing.WebhookResult, error) {
			return tc.result, tc.err
		}
		rr := f.do(http.MethodPost, "/api/stripe-webhook", `{}`, "")
		if rr.Code != tc.status {
			t.Fatalf("%s: expected %d, got %d", tc.name, tc.status, rr.Code)
		}
		if msg := parseError(t, rr.Body.String()); msg != tc.message {
			t.Fatalf("%s: unexpected message %q", tc.name, msg)
		}
	}

	var gotSig string
	f.billing.webhookFunc = func(ctx context.Context, payload []byte, signature string) (billing.WebhookResult, error) {
		gotSig = signature
		return billing.WebhookResult{EventID: "evt_1", EventType: billing.EventCheckoutCompleted, Duplicate: true}, nil
	}
	req := httptest.NewRequest(http.MethodPost, "/api/stripe-webhook", strings.NewReader(`{}`))
	req.Header.Set("Stripe-Signature", "t=1,v1=abc")
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if gotSig != "t=1,v1=abc" {
		t.Fatalf("signature header not forwarded: %q", gotSig)
	}
	if payload := decodeBody(t, rr); payload["duplicate"] != true || payload["received"] != true {
		t.Fatalf("unexpected payload %v", payload)
	}
}

func TestOversizedSignedBodiesAreRejected(t *testing.T) {
	f := newRouterFixture(t)
	called := false
	f.billing.webhookFunc = func(ctx context.Context, payload []byte, signature string) (billing.WebhookResult, error) {
		called = true
		return billing.WebhookResult{}, nil
	}
	f.chat.eventFunc = func(ctx context.Context, header http.Header, body []byte) (chat.EventResult, error) {
		called = true
		return chat.EventResult{}, nil
	}
	body := strings.Repeat("x", maxBodyBytes+1)

	for _, path := range []string{"/api/stripe-webhook", "/api/chat/reply"} {
		rr := f.do(http.MethodPost, path, body, "")
		if rr.Code != http.StatusRequestEntityTooLarge {
			t.Fatalf("%s: expected 413, got %d", path, rr.Code)
		}
	}
	if called {
		t.Fatalf("oversized body reached the service")
	}
}

func TestAIToolsSupplierAnalyzer(t *testing.T) {
	f := newRouterFixture(t)
	f.supplier.analyzeFunc = func(ctx context.Context, input string) (*domain.SupplierReport, bool, error) {
		if !strings.HasPrefix(input, "http") {
			return nil, false, supplier.ErrInvalidURL
		}
		return &domain.SupplierReport{URL: input, Domain: "shop.example", TrustScore: 87, RiskLevel: domain.RiskLow}, true, nil
	}

	rr := f.do(http.MethodPost, "/api/ai-tools", `{"tool":"supplier-analyzer","input":"shop.example"}`, "")
	if rr.Code != http.StatusBadRequest || parseError(t, rr.Body.String()) != "Provide full URL including http(s)://" {
		t.Fatalf("unexpected response %d %s", rr.Code, rr.Body.String())
	}

	rr = f.do(http.MethodPost, "/api/ai-tools", `{"tool":"supplier-analyzer","input":"https://shop.example"}`, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	payload := decodeBody(t, rr)
	if payload["ok"] != true || payload["tool"] != "supplier-analyzer" || payload["cached"] != true {
		t.Fatalf("unexpected envelope %v", payload)
	}
	data, _ := payload["data"].(map[string]any)
	if data["trust_score"] != float64(87) || data["risk_level"] != "Low" {
		t.Fatalf("unexpected data %v", data)
	}

	rr = f.do(http.MethodPost, "/api/ai-tools", `{"tool":"horoscope","input":"x"}`, "")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown tool, got %d", rr.Code)
	}
}

func TestAIToolsMentorGates(t *testing.T) {
	f := newRouterFixture(t)
	f.mentor.askFunc = func(ctx context.Context, userID, question string) (*mentor.Answer, error) {
		return &mentor.Answer{MentorAnswer: domain.MentorAnswer{QuickWin: "List daily"}, Usage: 3, Quota: 300}, nil
	}

	rr := f.do(http.MethodPost, "/api/ai-tools", `{"tool":"mentor","input":"how to price?"}`, "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	rr = f.do(http.MethodPost, "/api/ai-tools", `{"input":"how to price?"}`, f.freeToken)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for unpaid member, got %d", rr.Code)
	}
	rr = f.do(http.MethodPost, "/api/ai-tools", `{"input":"how to price?"}`, f.paidToken)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	data, _ := decodeBody(t, rr)["data"].(map[string]any)
	if data["quick_win"] != "List daily" || data["usage"] != float64(3) {
		t.Fatalf("unexpected data %v", data)
	}
}

func TestMentorErrors(t *testing.T) {
	f := newRouterFixture(t)
	cases := []struct {
		err    error
		status int
	}{
		{mentor.ErrEmptyQuestion, http.StatusBadRequest},
		{mentor.ErrQuotaExceeded, http.StatusTooManyRequests},
		{mentor.ErrUnreadableAnswer, http.StatusBadGateway},
		{errors.New("openai down"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		f.mentor.askFunc = func(ctx context.Context, userID, question string) (*mentor.Answer, error) {
			if userID != "user-paid" {
				t.Errorf("unexpected user %q", userID)
			}
			return nil, tc.err
		}
		rr := f.do(http.MethodPost, "/api/mentor", `{"question":"q"}`, f.paidToken)
		if rr.Code != tc.status {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.status, rr.Code)
		}
	}

	f.limiter.mu.Lock()
	defer f.limiter.mu.Unlock()
	last := f.limiter.calls[len(f.limiter.calls)-1]
	if last.key != "/api/mentor|user:user-paid" || last.limit != rateLimitMentor {
		t.Fatalf("unexpected limiter call %+v", last)
	}
}

func TestSuppliesRequiresPaidMember(t *testing.T) {
	f := newRouterFixture(t)

	rr := f.do(http.MethodGet, "/api/supplies", "", f.freeToken)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
	rr = f.do(http.MethodGet, "/api/supplies", "", f.paidToken)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var supplies []domain.Supply
	if err := json.Unmarshal(rr.Body.Bytes(), &supplies); err != nil {
		t.Fatalf("decode supplies: %v", err)
	}
	if len(supplies) != 1 || supplies[0].SupplyList != "Poly mailers" {
		t.Fatalf("unexpected supplies %+v", supplies)
	}
}

func TestStartBid(t *testing.T) {
	f := newRouterFixture(t)

	rr := f.do(http.MethodPost, "/api/tools/start-bid", `{"lot_cost":500,"total_items":50,"platform_fee_percent":0}`, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	payload := decodeBody(t, rr)
	if payload["all_in_cost"] != float64(10) || payload["suggested_high"] != float64(13) {
		t.Fatalf("unexpected payload %v", payload)
	}

	rr = f.do(http.MethodPost, "/api/tools/start-bid", `{"lot_cost":0,"total_items":50}`, "")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestChatSend(t *testing.T) {
	f := newRouterFixture(t)
	f.chat.sendFunc = func(ctx context.Context, req chat.SendRequest) (string, error) {
		switch {
		case req.Message == "":
			return "", chat.ErrMissingMessage
		case req.Message == "fail":
			return "", chat.ErrSlackUnavailable
		}
		return "1700000000.000100", nil
	}

	rr := f.do(http.MethodPost, "/api/chat/send", `{"message":""}`, "")
	if rr.Code != http.StatusBadRequest || parseError(t, rr.Body.String()) != "Missing message" {
		t.Fatalf("unexpected response %d %s", rr.Code, rr.Body.String())
	}
	rr = f.do(http.MethodPost, "/api/chat/send", `{"message":"fail"}`, "")
	if rr.Code != http.StatusInternalServerError || parseError(t, rr.Body.String()) != "Failed to send message to Slack" {
		t.Fatalf("unexpected response %d %s", rr.Code, rr.Body.String())
	}
	rr = f.do(http.MethodPost, "/api/chat/send", `{"message":"hi","context":"Pricing"}`, "")
	if rr.Code != http.StatusOK || decodeBody(t, rr)["thread_ts"] != "1700000000.000100" {
		t.Fatalf("unexpected response %d %s", rr.Code, rr.Body.String())
	}
}

func TestChatReplyEvents(t *testing.T) {
	f := newRouterFixture(t)
	f.chat.eventFunc = func(ctx context.Context, header http.Header, body []byte) (chat.EventResult, error) {
		if bytes.Contains(body, []byte("challenge")) {
			return chat.EventResult{Challenge: "abc", OK: true}, nil
		}
		if header.Get("X-Slack-Signature") == "bad" {
			return chat.EventResult{}, chat.ErrInvalidSignature
		}
		return chat.EventResult{OK: false}, nil
	}

	rr := f.do(http.MethodPost, "/api/chat/reply", `{"challenge":"abc"}`, "")
	if rr.Code != http.StatusOK || decodeBody(t, rr)["challenge"] != "abc" {
		t.Fatalf("unexpected response %d %s", rr.Code, rr.Body.String())
	}
	rr = f.do(http.MethodPost, "/api/chat/reply", `{}`, "")
	if rr.Code != http.StatusOK || decodeBody(t, rr)["ok"] != false {
		t.Fatalf("unexpected response %d %s", rr.Code, rr.Body.String())
	}

	req := httptest.NewRequest(http.MethodPost, "/api/chat/reply", strings.NewReader(`{}`))
	req.Header.Set("X-Slack-Signature", "bad")
	rr = httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestChatStreamDeliversReplies(t *testing.T) {
	f := newRouterFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/api/chat/reply?thread_ts=171.1", nil)
	ctx, cancel := context.WithCancel(req.Context())
	defer cancel()
	req = req.WithContext(ctx)

	recorder := newStreamRecorder()
	done := make(chan struct{})
	go func() {
		f.router.ServeHTTP(recorder, req)
		close(done)
	}()

	waitFor(t, 2*time.Second, func() bool {
		return strings.Contains(recorder.body(), `data: {"connected":true}`)
	})
	waitFor(t, 2*time.Second, func() bool { return f.hub.Subscribers() == 1 })

	f.hub.Broadcast("other.thread", []byte(`{"type":"support_reply","message":"nope","thread_ts":"other.thread"}`))
	f.hub.Broadcast("171.1", []byte(`{"type":"support_reply","message":"Hi there","thread_ts":"171.1"}`))
	waitFor(t, 2*time.Second, func() bool {
		return strings.Contains(recorder.body(), "Hi there")
	})
	waitFor(t, 2*time.Second, func() bool {
		return strings.Contains(recorder.body(), ": ping")
	})

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("chat stream handler did not exit after context cancel")
	}

	if ct := recorder.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	if strings.Contains(recorder.body(), "nope") {
		t.Fatalf("received reply for another thread")
	}
	if recorder.flushCount() == 0 {
		t.Fatalf("expected flusher to be invoked")
	}
	waitFor(t, time.Second, func() bool { return f.hub.Subscribers() == 0 })
}

func TestChatStreamAllThreadsRequiresOperator(t *testing.T) {
	f := newRouterFixture(t)
	f.chat.operators = map[string]bool{"paid@example.com": true}

	rr := f.do(http.MethodGet, "/api/chat/reply", "", "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rr.Code)
	}
	rr = f.do(http.MethodGet, "/api/chat/reply?thread_ts=*", "", f.freeToken)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-operator, got %d", rr.Code)
	}
	if msg := parseError(t, rr.Body.String()); msg != "support operator access required" {
		t.Fatalf("unexpected error message %q", msg)
	}
	if f.hub.Subscribers() != 0 {
		t.Fatalf("rejected stream must not subscribe")
	}
}

func TestChatStreamOperatorFollowsAllThreads(t *testing.T) {
	f := newRouterFixture(t)
	f.chat.operators = map[string]bool{"paid@example.com": true}

	req := httptest.NewRequest(http.MethodGet, "/api/chat/reply?access_token="+f.paidToken, nil)
	ctx, cancel := context.WithCancel(req.Context())
	defer cancel()
	req = req.WithContext(ctx)

	recorder := newStreamRecorder()
	done := make(chan struct{})
	go func() {
		f.router.ServeHTTP(recorder, req)
		close(done)
	}()

	waitFor(t, 2*time.Second, func() bool { return f.hub.Subscribers() == 1 })
	f.hub.Broadcast("171.1", []byte(`{"type":"support_reply","message":"first","thread_ts":"171.1"}`))
	f.hub.Broadcast("172.2", []byte(`{"type":"support_reply","message":"second","thread_ts":"172.2"}`))
	waitFor(t, 2*time.Second, func() bool {
		body := recorder.body()
		return strings.Contains(body, "first") && strings.Contains(body, "second")
	})

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("chat stream handler did not exit after context cancel")
	}
}

func TestChatStreamUnknownThread(t *testing.T) {
	f := newRouterFixture(t)
	f.chat.threadFunc = func(ctx context.Context, threadTS string) (*domain.ChatThread, error) {
		return nil, repository.ErrNotFound
	}

	rr := f.do(http.MethodGet, "/api/chat/reply?thread_ts=404.1", "", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	if msg := parseError(t, rr.Body.String()); msg != "unknown thread" {
		t.Fatalf("unexpected error message %q", msg)
	}

	f.chat.threadFunc = func(ctx context.Context, threadTS string) (*domain.ChatThread, error) {
		return nil, errors.New("db down")
	}
	rr = f.do(http.MethodGet, "/api/chat/reply?thread_ts=171.1", "", "")
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
}

func TestChatWebsocketPingsAndDelivers(t *testing.T) {
	f := newRouterFixture(t)
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/chat?thread_ts=171.1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	pings := make(chan struct{}, 8)
	conn.SetPingHandler(func(string) error {
		select {
		case pings <- struct{}{}:
		default:
		}
		return nil
	})

	messages := make(chan string, 4)
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				close(messages)
				return
			}
			messages <- string(data)
		}
	}()

	select {
	case msg := <-messages:
		if msg != connectedFrame {
			t.Fatalf("unexpected first frame %q", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no connected frame")
	}
	select {
	case <-pings:
	case <-time.After(2 * time.Second):
		t.Fatal("server never pinged")
	}

	waitFor(t, 2*time.Second, func() bool { return f.hub.Subscribers() == 1 })
	f.hub.Broadcast("171.1", []byte(`{"type":"support_reply","message":"Hi there","thread_ts":"171.1"}`))
	select {
	case msg := <-messages:
		if !strings.Contains(msg, "Hi there") {
			t.Fatalf("unexpected frame %q", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reply not delivered")
	}

	conn.Close()
	waitFor(t, 2*time.Second, func() bool { return f.hub.Subscribers() == 0 })
}

func TestChatStreamRequiresFlusher(t *testing.T) {
	f := newRouterFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/api/chat/reply", nil)
	w := newNoFlushRecorder()
	f.router.handleChatStream(w, req)
	if w.status != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.status)
	}
	if msg := parseError(t, w.buf.String()); msg != "streaming not supported" {
		t.Fatalf("unexpected error message %q", msg)
	}
}

func TestRateLimitedRequestSetsHeaders(t *testing.T) {
	f := newRouterFixture(t)
	reset := time.Unix(1_960_000_000, 0)
	f.limiter.allowFn = func(key string, limit int, window time.Duration) rateDecision {
		return rateDecision{allowed: false, count: limit, windowEnd: reset}
	}

	rr := f.do(http.MethodPost, "/api/waitlist", `{"email":"a@b.co"}`, "")
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
	if rr.Header().Get("X-RateLimit-Limit") != "5" {
		t.Fatalf("unexpected limit header %q", rr.Header().Get("X-RateLimit-Limit"))
	}
	if rr.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Fatalf("unexpected remaining header %q", rr.Header().Get("X-RateLimit-Remaining"))
	}
	if rr.Header().Get("X-RateLimit-Reset") != "1960000000" {
		t.Fatalf("unexpected reset header %q", rr.Header().Get("X-RateLimit-Reset"))
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After on a limited response")
	}
}

func TestRateLimitsAreScopedPerRoute(t *testing.T) {
	f := newRouterFixture(t)
	f.router.limiter = NewMemoryRateLimiter()
	t.Cleanup(f.router.limiter.Close)
	f.membership.waitlistFunc = func(ctx context.Context, email string) (*domain.WaitlistEntry, error) {
		return &domain.WaitlistEntry{Email: email, Position: 7}, nil
	}
	f.membership.loginFunc = func(ctx context.Context, email, password string) (membership.LoginResult, error) {
		return membership.LoginResult{Outcome: membership.OutcomeSignupRequired, Redirect: "/signup"}, nil
	}

	for i := 0; i < rateLimitWaitlist; i++ {
		rr := f.do(http.MethodPost, "/api/waitlist", `{"email":"a@b.co"}`, "")
		if rr.Code != http.StatusCreated {
			t.Fatalf("waitlist %d: expected 201, got %d", i, rr.Code)
		}
		if i == 0 && decodeBody(t, rr)["count"] != float64(7) {
			t.Fatalf("expected waitlist count in response")
		}
	}
	if rr := f.do(http.MethodPost, "/api/waitlist", `{"email":"a@b.co"}`, ""); rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected waitlist budget to be spent, got %d", rr.Code)
	}
	rr := f.do(http.MethodPost, "/auth/login", `{"email":"a@b.co","password":"pw"}`, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("login should have its own budget, got %d", rr.Code)
	}
	if rr.Header().Get("X-RateLimit-Remaining") != strconv.Itoa(rateLimitLogin-1) {
		t.Fatalf("unexpected remaining header %q", rr.Header().Get("X-RateLimit-Remaining"))
	}
}

func TestRateSubjectKind(t *testing.T) {
	cases := map[string]string{
		"/auth/signup|ip:10.0.0.1": "ip",
		"/api/mentor|user:user-1":  "user",
		"ip:[2001:db8::1]":         "ip",
		"/api/waitlist|":           "unknown",
		"":                         "unknown",
	}
	for key, want := range cases {
		if got := rateSubjectKind(key); got != want {
			t.Fatalf("rateSubjectKind(%q) = %q, want %q", key, got, want)
		}
	}
}

func TestMemoryRateLimiterWindow(t *testing.T) {
	now := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)
	rl := newMemoryRateLimiter(func() time.Time { return now })
	defer rl.Close()
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		if d := rl.Allow(ctx, "ip:1.2.3.4", 2, time.Minute); !d.allowed || d.count != i {
			t.Fatalf("call %d: unexpected decision %+v", i, d)
		}
	}
	if d := rl.Allow(ctx, "ip:1.2.3.4", 2, time.Minute); d.allowed || d.remaining(2) != 0 {
		t.Fatalf("expected third call to be limited, got %+v", d)
	}
	if d := rl.Allow(ctx, "ip:5.6.7.8", 2, time.Minute); !d.allowed {
		t.Fatalf("expected separate key to be allowed")
	}

	now = now.Add(time.Minute)
	if d := rl.Allow(ctx, "ip:1.2.3.4", 2, time.Minute); !d.allowed || d.count != 1 {
		t.Fatalf("expected a fresh window, got %+v", d)
	}
	rl.sweep()
	rl.mu.Lock()
	_, stale := rl.windows["ip:5.6.7.8"]
	rl.mu.Unlock()
	if stale {
		t.Fatal("expired window should be swept")
	}
}

type streamRecorder struct {
	mu     sync.Mutex
	header http.Header
	status int
	buf    bytes.Buffer
	flush  int
}

func newStreamRecorder() *streamRecorder {
	return &streamRecorder{header: make(http.Header)}
}

func (s *streamRecorder) Header() http.Header {
	return s.header
}

func (s *streamRecorder) Write(b []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.buf.Write(b)
}

func (s *streamRecorder) WriteHeader(status int) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

func (s *streamRecorder) Flush() {
	s.mu.Lock()
	s.flush++
	s.mu.Unlock()
}

func (s *streamRecorder) body() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

func (s *streamRecorder) flushCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flush
}

type noFlushRecorder struct {
	header http.Header
	status int
	buf    bytes.Buffer
}

func newNoFlushRecorder() *noFlushRecorder {
	return &noFlushRecorder{header: make(http.Header)}
}

func (r *noFlushRecorder) Header() http.Header {
	return r.header
}

func (r *noFlushRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.buf.Write(b)
}

func (r *noFlushRecorder) WriteHeader(status int) {
	r.status = status
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}
