// Package mentor answers member questions with structured reselling advice.
package mentor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"github.com/splax/resellermentor/internal/ai"
	"github.com/splax/resellermentor/internal/domain"
	"github.com/splax/resellermentor/internal/repository"
	"github.com/splax/resellermentor/pkg/config"
)

// Tool is the identifier used by the ai-tools dispatcher and usage accounting.
const Tool = domain.ToolMentor

var (
	// ErrEmptyQuestion is returned for a blank question.
	ErrEmptyQuestion = errors.New("mentor: question is required")
	// ErrQuotaExceeded is returned once the monthly allowance is spent.
	ErrQuotaExceeded = errors.New("mentor: monthly quota exceeded")
	// ErrUnreadableAnswer is returned when the model output is not the expected JSON.
	ErrUnreadableAnswer = errors.New("mentor: unreadable model answer")
)

const (
	notAvailable      = "N/A"
	defaultMotivation = "Stay consistent!"
	maxQuestionLength = 2000
)

const systemPrompt = `You are Reseller Mentor AI, a seasoned online reseller who coaches members buying liquidation pallets,
thrift finds and wholesale lots and selling them on eBay, Poshmark, Mercari, Whatnot and Facebook Marketplace.
Give practical, specific advice grounded in sourcing costs, sell-through rates, fees and shipping.
Return JSON only in this format:
{
  "quick_win": string,
  "data_driven": string,
  "long_term_plan": string,
  "motivation_end": string
}`

// Answer is a sanitized mentor reply with usage accounting.
type Answer struct {
	domain.MentorAnswer
	Formatted string `json:"formatted"`
	Usage     int    `json:"usage"`
	Quota     int    `json:"quota"`
}

// Service runs mentor Q&A against the model.
type Service struct {
	completer ai.Completer
	usage     repository.UsageRepository
	logger    *slog.Logger
	policy    *bluemonday.Policy
	quota     int
	now       func() time.Time
}

// New constructs a mentor Service. A quota of zero disables the monthly limit.
func New(completer ai.Completer, usage repository.UsageRepository, logger *slog.Logger, cfg config.APIConfig) *Service {
	return &Service{
		completer: completer,
		usage:     usage,
		logger:    logger,
		policy:    bluemonday.UGCPolicy(),
		quota:     cfg.MentorMonthlyQuota,
		now:       time.Now,
	}
}

// Ask answers question for userID, counting it against the monthly quota.
func (s *Service) Ask(ctx context.Context, userID, question string) (*Answer, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, ErrEmptyQuestion
	}
	if len([]rune(question)) > maxQuestionLength {
		question = string([]rune(question)[:maxQuestionLength])
	}

	used, err := s.usage.IncrementUsage(ctx, userID, Tool, domain.UsagePeriod(s.now()))
	if err != nil {
		return nil, fmt.Errorf("increment usage: %w", err)
	}
	if s.quota > 0 && used > s.quota {
		s.logger.Warn("mentor quota exceeded", "user_id", userID, "usage", used, "quota", s.quota)
		return nil, ErrQuotaExceeded
	}

	raw, err := s.completer.CompleteJSON(ctx, ai.Request{
		Messages: []ai.Message{
			{Role: ai.RoleSystem, Content: systemPrompt},
			{Role: ai.RoleUser, Content: question},
		},
		Temperature: 0.7,
	})
	if err != nil {
		return nil, fmt.Errorf("mentor completion: %w", err)
	}

	var reply domain.MentorAnswer
	if err := json.Unmarshal([]byte(raw), &reply); err != nil {
		s.logger.Warn("mentor answer unreadable", "user_id", userID, "error", err)
		return nil, ErrUnreadableAnswer
	}

	answer := &Answer{
		MentorAnswer: domain.MentorAnswer{
			QuickWin:      s.clean(reply.QuickWin, notAvailable),
			DataDriven:    s.clean(reply.DataDriven, notAvailable),
			LongTermPlan:  s.clean(reply.LongTermPlan, notAvailable),
			MotivationEnd: s.clean(reply.MotivationEnd, defaultMotivation),
		},
		Usage: used,
		Quota: s.quota,
	}
	answer.Formatted = Format(answer.MentorAnswer)
	s.logger.Info("mentor answered", "user_id", userID, "usage", used)
	return answer, nil
}

// Usage is a member's mentor allowance for the current month.
type Usage struct {
	Period string `json:"period"`
	Used   int    `json:"used"`
	Quota  int    `json:"quota"`
}

// Usage reports how many questions userID asked this month.
func (s *Service) Usage(ctx context.Context, userID string) (Usage, error) {
	period := domain.UsagePeriod(s.now())
	used, err := s.usage.GetUsage(ctx, userID, Tool, period)
	if err != nil {
		return Usage{}, fmt.Errorf("get usage: %w", err)
	}
	return Usage{Period: period, Used: used, Quota: s.quota}, nil
}

// PruneUsage deletes usage counters from months before the current one.
func (s *Service) PruneUsage(ctx context.Context) (int64, error) {
	return s.usage.DeleteUsageBefore(ctx, domain.UsagePeriod(s.now()))
}

// Format renders an answer the way the dashboard chat shows it.
func Format(a domain.MentorAnswer) string {
	return strings.Join([]string{
		"💡 **Quick Win:** " + a.QuickWin,
		"📊 **Data Driven:** " + a.DataDriven,
		"🚀 **Long Term Plan:** " + a.LongTermPlan,
		"🔥 **Motivation:** " + a.MotivationEnd,
	}, "\n\n")
}

func (s *Service) clean(value, fallback string) string {
	cleaned := strings.TrimSpace(s.policy.Sanitize(value))
	if cleaned == "" {
		return fallback
	}
	return cleaned
}
