package httpx

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/splax/resellermentor/internal/domain"
	"github.com/splax/resellermentor/internal/service/auth"
	"github.com/splax/resellermentor/internal/service/billing"
	"github.com/splax/resellermentor/internal/service/chat"
	"github.com/splax/resellermentor/internal/service/membership"
	"github.com/splax/resellermentor/internal/service/mentor"
	"github.com/splax/resellermentor/internal/ws"
	jwtpkg "github.com/splax/resellermentor/pkg/jwt"
)

// Authorizer validates Supabase access tokens.
type Authorizer interface {
	Authorize(ctx context.Context, token string) (auth.Identity, *jwtpkg.Claims, error)
}

// Membership covers signup, login, waitlist and the paid gate.
type Membership interface {
	Signup(ctx context.Context, in membership.SignupInput) (membership.SignupResult, error)
	Login(ctx context.Context, email, password string) (membership.LoginResult, error)
	JoinWaitlist(ctx context.Context, email string) (*domain.WaitlistEntry, error)
	Status(ctx context.Context, identity auth.Identity) (*domain.Profile, error)
}

// Billing creates checkouts and consumes Stripe webhooks.
type Billing interface {
	CreateCheckout(ctx context.Context, email, priceID, promoCode string) (string, error)
	HandleWebhook(ctx context.Context, payload []byte, signature string) (billing.WebhookResult, error)
}

// SupplierAnalyzer produces supplier trust reports.
type SupplierAnalyzer interface {
	Analyze(ctx context.Context, input string) (*domain.SupplierReport, bool, error)
}

// Mentor answers member questions.
type Mentor interface {
	Ask(ctx context.Context, userID, question string) (*mentor.Answer, error)
	Usage(ctx context.Context, userID string) (mentor.Usage, error)
}

// Chat bridges the support widget and Slack.
type Chat interface {
	Send(ctx context.Context, req chat.SendRequest) (string, error)
	HandleEvent(ctx context.Context, header http.Header, body []byte) (chat.EventResult, error)
	Thread(ctx context.Context, threadTS string) (*domain.ChatThread, error)
	IsOperator(email string) bool
}

// Supplies lists recommended supplies.
type Supplies interface {
	List(ctx context.Context) ([]domain.Supply, error)
}

// StreamHub registers support-reply subscribers by thread.
type StreamHub interface {
	Register(threadTS string, client ws.Subscriber)
	Unregister(threadTS string, client ws.Subscriber)
}

// Services groups the dependencies the router dispatches to.
type Services struct {
	Auth       Authorizer
	Membership Membership
	Billing    Billing
	Supplier   SupplierAnalyzer
	Mentor     Mentor
	Chat       Chat
	Supplies   Supplies
	Hub        StreamHub
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux        *http.ServeMux
	logger     *slog.Logger
	auth       Authorizer
	membership Membership
	billing    Billing
	supplier   SupplierAnalyzer
	mentor     Mentor
	chat       Chat
	supplies   Supplies
	hub        StreamHub
	upgrader   websocket.Upgrader
	limiter    RateLimiter
	dbHealth   func(context.Context) error
	heartbeat  time.Duration

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
	supplierAnalyses   *prometheus.CounterVec
	mentorAnswers      *prometheus.CounterVec
	webhookEvents      *prometheus.CounterVec
}

const (
	rateWindowDefault   = time.Minute
	rateWindowRealtime  = 30 * time.Second
	rateLimitSignup     = 5
	rateLimitLogin      = 12
	rateLimitWaitlist   = 5
	rateLimitCheckout   = 10
	rateLimitAITools    = 10
	rateLimitMentor     = 20
	rateLimitChatSend   = 20
	rateLimitChatStream = 30
	rateLimitUserRead   = 120
	rateLimitCalculator = 60
	healthCheckTimeout  = 2 * time.Second
	defaultHeartbeat    = 25 * time.Second
	maxBodyBytes        = 1 << 20
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, svcs Services, limiter RateLimiter, dbHealth func(context.Context) error, heartbeat time.Duration) *Router {
	r := &Router{
		mux:        http.NewServeMux(),
		logger:     logger,
		auth:       svcs.Auth,
		membership: svcs.Membership,
		billing:    svcs.Billing,
		supplier:   svcs.Supplier,
		mentor:     svcs.Mentor,
		chat:       svcs.Chat,
		supplies:   svcs.Supplies,
		hub:        svcs.Hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:   limiter,
		dbHealth:  dbHealth,
		heartbeat: heartbeat,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	if r.heartbeat <= 0 {
		r.heartbeat = defaultHeartbeat
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/healthz", r.audit("/healthz", r.handleHealthz))

	r.mux.HandleFunc("/auth/signup", r.audit("/auth/signup", r.withRateLimit("/auth/signup", rateLimitSignup, rateWindowDefault, rateLimitKeyIP, r.handleSignup)))
	r.mux.HandleFunc("/auth/login", r.audit("/auth/login", r.withRateLimit("/auth/login", rateLimitLogin, rateWindowDefault, rateLimitKeyIP, r.handleLogin)))
	r.mux.HandleFunc("/me", r.audit("/me", r.handlerAuthRate("/me", rateLimitUserRead, rateWindowDefault, r.handleMe)))

	r.mux.HandleFunc("/api/waitlist", r.audit("/api/waitlist", r.withRateLimit("/api/waitlist", rateLimitWaitlist, rateWindowDefault, rateLimitKeyIP, r.handleWaitlist)))
	r.mux.HandleFunc("/api/create-checkout-session", r.audit("/api/create-checkout-session", r.withRateLimit("/api/create-checkout-session", rateLimitCheckout, rateWindowDefault, rateLimitKeyIP, r.handleCreateCheckout)))
	r.mux.HandleFunc("/api/stripe-webhook", r.audit("/api/stripe-webhook", r.handleStripeWebhook))

	r.mux.HandleFunc("/api/ai-tools", r.audit("/api/ai-tools", r.withRateLimit("/api/ai-tools", rateLimitAITools, rateWindowDefault, rateLimitKeyIP, r.handleAITools)))
	r.mux.HandleFunc("/api/supplier-analyzer", r.audit("/api/supplier-analyzer", r.withRateLimit("/api/supplier-analyzer", rateLimitAITools, rateWindowDefault, rateLimitKeyIP, r.handleSupplierAnalyzer)))
	r.mux.HandleFunc("/api/mentor", r.audit("/api/mentor", r.requireAuth(r.requirePaid(r.withRateLimit("/api/mentor", rateLimitMentor, rateWindowDefault, r.rateLimitKeyUser, r.handleMentor)))))

	r.mux.HandleFunc("/api/chat/send", r.audit("/api/chat/send", r.withRateLimit("/api/chat/send", rateLimitChatSend, rateWindowDefault, rateLimitKeyIP, r.handleChatSend)))
	r.mux.HandleFunc("/api/chat/reply", r.audit("/api/chat/reply", r.handleChatReply))
	r.mux.HandleFunc("/ws/chat", r.audit("/ws/chat", r.withRateLimit("/ws/chat", rateLimitChatStream, rateWindowRealtime, rateLimitKeyIP, r.handleChatWS)))

	r.mux.HandleFunc("/api/supplies", r.audit("/api/supplies", r.requireAuth(r.requirePaid(r.withRateLimit("/api/supplies", rateLimitUserRead, rateWindowDefault, r.rateLimitKeyUser, r.handleSupplies)))))
	r.mux.HandleFunc("/api/tools/start-bid", r.audit("/api/tools/start-bid", r.withRateLimit("/api/tools/start-bid", rateLimitCalculator, rateWindowDefault, rateLimitKeyIP, r.handleStartBid)))
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		r.recordRequestMetrics(req.Method, route, status, duration)

		actor := "anonymous"
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		if info, ok := authInfoFromContext(ctx); ok {
			actor = "user"
			fields = append(fields, "user_id", info.UserID)
		} else if route == "/api/stripe-webhook" {
			actor = "stripe"
		} else if route == "/api/chat/reply" && req.Method == http.MethodPost {
			actor = "slack"
		}
		fields = append(fields, "actor", actor)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}
