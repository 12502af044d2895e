package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/splax/resellermentor/pkg/supabase"
)

// Client provides typed access to the Reseller Mentor API for the CLI and scripts.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:4000"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the API.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body any, token string, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	endpoint := c.baseURL + path
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if strings.TrimSpace(token) != "" {
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(token))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		msg := extractError(resp.Body)
		return APIError{Status: resp.StatusCode, Message: msg}
	}

	if v == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(body io.Reader) string {
	if body == nil {
		return ""
	}
	var payload struct {
		Error string `json:"error"`
	}
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return ""
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return strings.TrimSpace(string(data))
	}
	return strings.TrimSpace(payload.Error)
}

// SignupResult tells the caller where signup leads next.
type SignupResult struct {
	Outcome     string `json:"outcome"`
	Redirect    string `json:"redirect"`
	CheckoutURL string `json:"checkout_url"`
	UserID      string `json:"user_id"`
}

// LoginResponse carries the session only when the member is admitted.
type LoginResponse struct {
	Outcome  string   `json:"outcome"`
	Redirect string   `json:"redirect"`
	Session  *supabase.Session `json:"session"`
}

// SupplierSignals are the raw facts behind a supplier score.
type SupplierSignals struct {
	HTTPS              bool     `json:"https"`
	SSLValid           bool     `json:"ssl_valid"`
	SSLIssuer          string   `json:"ssl_issuer"`
	SSLExpiryDays      *int     `json:"ssl_expiry_days"`
	DomainAgeMonths    *float64 `json:"domain_age_months"`
	Title              string   `json:"title"`
	HasContact         *bool    `json:"has_contact"`
	TrustSignals       *float64 `json:"trust_signals"`
	SuspiciousPhrases  []string `json:"suspicious_phrases"`
	DeterministicScore int      `json:"deterministic_score"`
}

// SupplierReport is the analyzer output.
type SupplierReport struct {
	URL          string          `json:"url"`
	Domain       string          `json:"domain"`
	TrustScore   int             `json:"trust_score"`
	RiskLevel    string          `json:"risk_level"`
	ScamMentions string          `json:"scam_mentions"`
	Summary      string          `json:"summary"`
	Positives    []string        `json:"positives"`
	RedFlags     []string        `json:"red_flags"`
	Notes        []string        `json:"notes"`
	Signals      SupplierSignals `json:"signals"`
}

// MentorAnswer is a structured mentor reply.
type MentorAnswer struct {
	QuickWin      string `json:"quick_win"`
	DataDriven    string `json:"data_driven"`
	LongTermPlan  string `json:"long_term_plan"`
	MotivationEnd string `json:"motivation_end"`
	Formatted     string `json:"formatted"`
	Usage         int    `json:"usage"`
	Quota         int    `json:"quota"`
}

// BidInput describes a lot for the start-bid calculator.
type BidInput struct {
	LotCost            float64  `json:"lot_cost"`
	ShippingCost       float64  `json:"shipping_cost"`
	TotalItems         float64  `json:"total_items"`
	PlatformFeePercent *float64 `json:"platform_fee_percent,omitempty"`
}

// BidResult is the calculator breakdown.
type BidResult struct {
	TotalCost     float64 `json:"total_cost"`
	CostPerItem   float64 `json:"cost_per_item"`
	FeePerItem    float64 `json:"fee_per_item"`
	AllInCost     float64 `json:"all_in_cost"`
	SuggestedLow  float64 `json:"suggested_low"`
	SuggestedHigh float64 `json:"suggested_high"`
	NetProfitLow  float64 `json:"net_profit_low"`
	NetProfitHigh float64 `json:"net_profit_high"`
	ROILow        int     `json:"roi_low"`
	ROIHigh       int     `json:"roi_high"`
	PotentialLow  float64 `json:"potential_low"`
	PotentialHigh float64 `json:"potential_high"`
}

// ChatMessage is a support widget message.
type ChatMessage struct {
	Message  string `json:"message"`
	Context  string `json:"context,omitempty"`
	Email    string `json:"email,omitempty"`
	ThreadTS string `json:"thread_ts,omitempty"`
}

type toolEnvelope[T any] struct {
	OK     bool   `json:"ok"`
	Tool   string `json:"tool"`
	Cached bool   `json:"cached"`
	Data   T      `json:"data"`
}

// Signup registers a new member and returns the next step.
func (c *Client) Signup(ctx context.Context, email, password, promoCode string) (SignupResult, error) {
	payload := map[string]string{
		"email":     email,
		"password":  password,
		"promoCode": promoCode,
	}
	var res SignupResult
	if err := c.do(ctx, http.MethodPost, "/auth/signup", payload, "", &res); err != nil {
		return SignupResult{}, err
	}
	return res, nil
}

// Login authenticates a member.
func (c *Client) Login(ctx context.Context, email, password string) (LoginResponse, error) {
	payload := map[string]string{
		"email":    email,
		"password": password,
	}
	var res LoginResponse
	if err := c.do(ctx, http.MethodPost, "/auth/login", payload, "", &res); err != nil {
		return LoginResponse{}, err
	}
	return res, nil
}

// AnalyzeSupplier scores a supplier website.
func (c *Client) AnalyzeSupplier(ctx context.Context, supplierURL string) (SupplierReport, error) {
	payload := map[string]string{"tool": "supplier-analyzer", "input": supplierURL}
	var res toolEnvelope[SupplierReport]
	if err := c.do(ctx, http.MethodPost, "/api/ai-tools", payload, "", &res); err != nil {
		return SupplierReport{}, err
	}
	return res.Data, nil
}

// AskMentor asks the AI mentor a question.
func (c *Client) AskMentor(ctx context.Context, token, question string) (MentorAnswer, error) {
	payload := map[string]string{"question": question}
	var res toolEnvelope[MentorAnswer]
	if err := c.do(ctx, http.MethodPost, "/api/mentor", payload, token, &res); err != nil {
		return MentorAnswer{}, err
	}
	return res.Data, nil
}

// StartBid runs the start-bid calculator.
func (c *Client) StartBid(ctx context.Context, input BidInput) (BidResult, error) {
	var res BidResult
	if err := c.do(ctx, http.MethodPost, "/api/tools/start-bid", input, "", &res); err != nil {
		return BidResult{}, err
	}
	return res, nil
}

// JoinWaitlist adds an email to the waitlist.
func (c *Client) JoinWaitlist(ctx context.Context, email string) error {
	return c.do(ctx, http.MethodPost, "/api/waitlist", map[string]string{"email": email}, "", nil)
}

// SendChat posts a support message and returns the Slack thread timestamp.
func (c *Client) SendChat(ctx context.Context, msg ChatMessage) (string, error) {
	var res struct {
		OK       bool   `json:"ok"`
		ThreadTS string `json:"thread_ts"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/chat/send", msg, "", &res); err != nil {
		return "", err
	}
	return res.ThreadTS, nil
}
