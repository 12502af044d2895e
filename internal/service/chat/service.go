// Package chat bridges the website chat widget to a Slack support channel.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/slack-go/slack"
	"github.com/tidwall/gjson"

	"github.com/splax/resellermentor/internal/domain"
	"github.com/splax/resellermentor/internal/repository"
	"github.com/splax/resellermentor/pkg/config"
)

// ReplyType tags payloads streamed to widgets.
const ReplyType = "support_reply"

var (
	// ErrMissingMessage is returned when Send gets a blank message.
	ErrMissingMessage = errors.New("chat: missing message")
	// ErrSlackUnavailable wraps a failed postMessage call.
	ErrSlackUnavailable = errors.New("chat: failed to send message to slack")
	// ErrInvalidSignature is returned when a Slack request fails verification.
	ErrInvalidSignature = errors.New("chat: invalid slack signature")
	// ErrInvalidPayload is returned for an event body that is not JSON.
	ErrInvalidPayload = errors.New("chat: invalid event payload")
)

// Poster is the slice of the Slack Web API used to post messages.
type Poster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// Broadcaster fans payloads out to stream subscribers.
type Broadcaster interface {
	Broadcast(threadTS string, payload []byte)
}

// SendRequest is a visitor message from the widget.
type SendRequest struct {
	Message  string `json:"message"`
	Context  string `json:"context"`
	Email    string `json:"email"`
	ThreadTS string `json:"thread_ts"`
}

// EventResult is the response to a Slack Events API delivery.
type EventResult struct {
	Challenge string
	OK        bool
	Forwarded bool
}

// Service posts visitor messages and forwards support replies.
type Service struct {
	slack     Poster
	threads   repository.ChatRepository
	hub       Broadcaster
	logger    *slog.Logger
	policy    *bluemonday.Policy
	channel   string
	secret    string
	idleAfter time.Duration
	operators map[string]struct{}
	now       func() time.Time
}

// New constructs a chat Service.
func New(poster Poster, threads repository.ChatRepository, hub Broadcaster, logger *slog.Logger, cfg config.APIConfig) *Service {
	operators := make(map[string]struct{}, len(cfg.SupportOperators))
	for _, email := range cfg.SupportOperators {
		operators[strings.ToLower(strings.TrimSpace(email))] = struct{}{}
	}
	return &Service{
		slack:     poster,
		threads:   threads,
		hub:       hub,
		logger:    logger,
		policy:    bluemonday.StrictPolicy(),
		channel:   cfg.SlackChannel,
		secret:    cfg.SlackSigningSecret,
		idleAfter: cfg.ChatThreadIdleTTL,
		operators: operators,
		now:       time.Now,
	}
}

// NewSlackClient builds a Slack Web API client. An empty apiURL uses slack.com.
func NewSlackClient(token, apiURL string) *slack.Client {
	if apiURL == "" {
		return slack.New(token)
	}
	return slack.New(token, slack.OptionAPIURL(apiURL))
}

// Send posts a visitor message, opening a new thread unless ThreadTS is set.
func (s *Service) Send(ctx context.Context, req SendRequest) (string, error) {
	message := strings.TrimSpace(req.Message)
	if message == "" {
		return "", ErrMissingMessage
	}

	threadTS := strings.TrimSpace(req.ThreadTS)
	text := message
	options := []slack.MsgOption{}
	if threadTS != "" {
		options = append(options, slack.MsgOptionTS(threadTS))
	} else {
		text = newChatText(req.Context, strings.TrimSpace(req.Email), message)
	}
	options = append(options, slack.MsgOptionText(text, false))

	_, ts, err := s.slack.PostMessageContext(ctx, s.channel, options...)
	if err != nil {
		s.logger.Error("slack send failed", "error", err)
		return "", fmt.Errorf("%w: %v", ErrSlackUnavailable, err)
	}

	now := s.now().UTC()
	if threadTS == "" {
		thread := &domain.ChatThread{
			ThreadTS:      ts,
			Email:         strings.ToLower(strings.TrimSpace(req.Email)),
			Context:       strings.TrimSpace(req.Context),
			CreatedAt:     now,
			LastMessageAt: now,
		}
		if err := s.threads.UpsertThread(ctx, thread); err != nil {
			s.logger.Warn("failed to record chat thread", "thread_ts", ts, "error", err)
		}
		s.logger.Info("chat thread opened", "thread_ts", ts)
		return ts, nil
	}

	s.touch(ctx, threadTS, now)
	return threadTS, nil
}

func newChatText(chatContext, email, message string) string {
	label := strings.TrimSpace(chatContext)
	if label == "" {
		label = "General"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "💬 *New Chat* (%s)\n", label)
	if email != "" {
		fmt.Fprintf(&b, "📧 %s\n", email)
	}
	b.WriteString(message)
	return b.String()
}

// HandleEvent verifies and processes a Slack Events API request.
func (s *Service) HandleEvent(ctx context.Context, header http.Header, body []byte) (EventResult, error) {
	if s.secret != "" {
		if err := s.verify(header, body); err != nil {
			s.logger.Warn("slack signature rejected", "error", err)
			return EventResult{}, ErrInvalidSignature
		}
	}
	if !gjson.ValidBytes(body) {
		return EventResult{}, ErrInvalidPayload
	}
	payload := gjson.ParseBytes(body)

	if challenge := payload.Get("challenge"); challenge.Exists() && challenge.String() != "" {
		return EventResult{Challenge: challenge.String(), OK: true}, nil
	}

	event := payload.Get("event")
	if !event.Exists() || !event.IsObject() {
		return EventResult{OK: false}, nil
	}
	if event.Get("type").String() != "message" {
		return EventResult{OK: true}, nil
	}

	text := event.Get("text").String()
	threadTS := event.Get("thread_ts").String()
	if threadTS == "" {
		threadTS = event.Get("ts").String()
	}
	botID := event.Get("bot_id").String()
	if event.Get("subtype").String() == "message_replied" && event.Get("message").Exists() {
		text = event.Get("message.text").String()
		threadTS = event.Get("message.thread_ts").String()
		botID = event.Get("message.bot_id").String()
	}
	if botID != "" {
		return EventResult{OK: true}, nil
	}

	text = strings.TrimSpace(s.policy.Sanitize(text))
	if text == "" {
		return EventResult{OK: true}, nil
	}

	reply, err := json.Marshal(domain.SupportReply{Type: ReplyType, Message: text, ThreadTS: threadTS})
	if err != nil {
		return EventResult{}, err
	}
	s.hub.Broadcast(threadTS, reply)
	s.touch(ctx, threadTS, s.now().UTC())
	s.logger.Info("support reply forwarded", "thread_ts", threadTS)
	return EventResult{OK: true, Forwarded: true}, nil
}

// SweepThreads deletes threads idle longer than the configured TTL.
func (s *Service) SweepThreads(ctx context.Context) (int64, error) {
	if s.idleAfter <= 0 {
		return 0, nil
	}
	return s.threads.DeleteThreadsIdleSince(ctx, s.now().Add(-s.idleAfter))
}

// Thread returns the stored owner of a thread.
func (s *Service) Thread(ctx context.Context, threadTS string) (*domain.ChatThread, error) {
	return s.threads.GetThread(ctx, threadTS)
}

// IsOperator reports whether email may follow every thread at once.
func (s *Service) IsOperator(email string) bool {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return false
	}
	_, ok := s.operators[email]
	return ok
}

func (s *Service) verify(header http.Header, body []byte) error {
	verifier, err := slack.NewSecretsVerifier(header, s.secret)
	if err != nil {
		return err
	}
	if _, err := verifier.Write(body); err != nil {
		return err
	}
	return verifier.Ensure()
}

func (s *Service) touch(ctx context.Context, threadTS string, at time.Time) {
	if threadTS == "" {
		return
	}
	if err := s.threads.TouchThread(ctx, threadTS, at); err != nil && !errors.Is(err, repository.ErrNotFound) {
		s.logger.Warn("failed to touch chat thread", "thread_ts", threadTS, "error", err)
	}
}
