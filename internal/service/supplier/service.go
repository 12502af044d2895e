// Package supplier scores how trustworthy a wholesale or liquidation supplier site looks.
package supplier

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/splax/resellermentor/internal/ai"
	"github.com/splax/resellermentor/internal/domain"
	"github.com/splax/resellermentor/pkg/config"
)

// Tool is the identifier used by the ai-tools dispatcher.
const Tool = domain.ToolSupplierAnalyzer

const modelTemperature = 0.25

// Service runs the probes, scores the signals and blends in the model's view.
type Service struct {
	completer ai.Completer
	cache     ReportCache
	logger    *slog.Logger
	limiter   *rate.Limiter

	probeTimeout time.Duration
	cacheTTL     time.Duration

	ssl      sslProber
	whois    whoisClient
	homepage homepageFetcher
	scam     scamChecker
}

// New constructs a supplier analyzer. cache may be nil.
func New(completer ai.Completer, cache ReportCache, logger *slog.Logger, cfg config.APIConfig) *Service {
	timeout := cfg.SupplierProbeTimeout
	if timeout <= 0 {
		timeout = 7 * time.Second
	}
	limit := rate.Inf
	if cfg.OutboundRPS > 0 {
		limit = rate.Limit(cfg.OutboundRPS)
	}
	client := &http.Client{Timeout: timeout}
	return &Service{
		completer:    completer,
		cache:        cache,
		logger:       logger,
		limiter:      rate.NewLimiter(limit, 4),
		probeTimeout: timeout,
		cacheTTL:     cfg.SupplierCacheTTL,
		ssl:          sslProber{port: "443", now: time.Now},
		whois:        whoisClient{endpoint: cfg.WhoisAPIURL, apiKey: cfg.WhoisAPIKey, http: client, now: time.Now},
		homepage:     homepageFetcher{http: client},
		scam:         scamChecker{searchURL: cfg.ScamSearchURL, http: client},
	}
}

// Analyze validates input, gathers signals and returns the blended report.
// cached reports whether the report came from the cache.
func (s *Service) Analyze(ctx context.Context, input string) (report *domain.SupplierReport, cached bool, err error) {
	target, err := ParseTarget(input)
	if err != nil {
		return nil, false, err
	}
	key := cacheKey(target)
	if s.cache != nil {
		if hit, ok := s.cache.Get(ctx, key); ok {
			return hit, true, nil
		}
	}

	probes := s.gather(ctx, target)
	signals, features, notes := probes.signals(target)
	pre := Score(features)
	signals.DeterministicScore = pre

	out := s.assess(ctx, target, signals, pre)
	final := Blend(pre, float64(out.TrustScore))

	summary := out.Summary
	if summary == "" {
		summary = defaultSummary
	}
	report = &domain.SupplierReport{
		URL:          target.URL,
		Domain:       target.Domain,
		TrustScore:   final,
		RiskLevel:    RiskBand(final),
		ScamMentions: probes.scamLevel,
		Summary:      summary,
		Positives:    nonNil(out.Positives),
		RedFlags:     nonNil(out.RedFlags),
		Notes:        notes,
		Signals:      signals,
	}
	s.logger.Info("supplier analyzed", "domain", target.Domain, "pre_score", pre, "trust_score", final, "risk", report.RiskLevel)

	if s.cache != nil {
		s.cache.Set(ctx, key, report, s.cacheTTL)
	}
	return report, false, nil
}

type probeResults struct {
	ssl       SSLStatus
	whois     WhoisAge
	homepage  *Homepage
	pageErr   error
	scamLevel string
	scamErr   error
}

func (s *Service) gather(ctx context.Context, target Target) *probeResults {
	res := &probeResults{scamLevel: domain.RiskUnknown}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		pctx, cancel := context.WithTimeout(gctx, s.probeTimeout)
		defer cancel()
		res.ssl = s.ssl.probe(pctx, target.Domain)
		if res.ssl.Error != "" {
			s.logger.Warn("ssl probe failed", "domain", target.Domain, "error", res.ssl.Error)
		}
		return nil
	})
	g.Go(func() error {
		pctx, cancel := context.WithTimeout(gctx, s.probeTimeout)
		defer cancel()
		if err := s.limiter.Wait(pctx); err != nil {
			res.whois = WhoisAge{Error: err.Error()}
			return nil
		}
		res.whois = s.whois.lookup(pctx, target.Domain)
		if res.whois.Error != "" {
			s.logger.Warn("whois lookup failed", "domain", target.Domain, "error", res.whois.Error)
		}
		return nil
	})
	g.Go(func() error {
		pctx, cancel := context.WithTimeout(gctx, s.probeTimeout)
		defer cancel()
		if err := s.limiter.Wait(pctx); err != nil {
			res.pageErr = err
			return nil
		}
		res.homepage, res.pageErr = s.homepage.fetch(pctx, target.URL)
		if res.pageErr != nil {
			s.logger.Warn("homepage fetch failed", "url", target.URL, "error", res.pageErr)
		}
		return nil
	})
	g.Go(func() error {
		pctx, cancel := context.WithTimeout(gctx, s.probeTimeout)
		defer cancel()
		if err := s.limiter.Wait(pctx); err != nil {
			res.scamErr = err
			return nil
		}
		level, err := s.scam.check(pctx, target.Domain)
		if err != nil {
			s.logger.Warn("scam mention lookup failed", "domain", target.Domain, "error", err)
			res.scamErr = err
			return nil
		}
		res.scamLevel = level
		return nil
	})

	_ = g.Wait()
	return res
}

func (p *probeResults) signals(target Target) (domain.SupplierSignals, Features, []string) {
	signals := domain.SupplierSignals{
		HTTPS:             target.HTTPS,
		SSLValid:          p.ssl.Valid,
		SSLIssuer:         p.ssl.Issuer,
		SSLExpiryDays:     p.ssl.DaysRemaining,
		DomainAgeMonths:   p.whois.AgeMonths,
		SuspiciousPhrases: []string{},
		ScamMentions:      p.scamLevel,
	}
	notes := make([]string, 0, 4)
	if p.ssl.Error != "" {
		notes = append(notes, "SSL check failed: "+p.ssl.Error)
	}
	if p.whois.Error != "" {
		notes = append(notes, "Domain age unknown: "+p.whois.Error)
	} else if p.whois.AgeYears != nil {
		notes = append(notes, fmt.Sprintf("Domain registered about %.1f years ago", *p.whois.AgeYears))
	}
	if p.homepage != nil {
		hasContact := p.homepage.HasContact
		trust := p.homepage.TrustSignals
		signals.Title = p.homepage.Title
		signals.MetaDescription = p.homepage.MetaDescription
		signals.H1 = p.homepage.H1
		signals.HasContact = &hasContact
		signals.TrustSignals = &trust
		signals.SuspiciousPhrases = p.homepage.SuspiciousPhrases
		signals.SampleText = p.homepage.SampleText
	} else {
		// an unreadable homepage scores as having no trust pages
		zero := 0.0
		signals.TrustSignals = &zero
		if p.pageErr != nil {
			notes = append(notes, "Homepage could not be analyzed: "+p.pageErr.Error())
		}
	}
	if p.scamErr != nil {
		notes = append(notes, "Scam mention lookup unavailable")
	}

	features := Features{
		HTTPS:           target.HTTPS,
		SSLValid:        p.ssl.Valid,
		SSLExpiryDays:   p.ssl.DaysRemaining,
		HasContact:      signals.HasContact,
		TrustSignals:    signals.TrustSignals,
		NegativeSignals: len(signals.SuspiciousPhrases),
		DomainAgeMonths: p.whois.AgeMonths,
		ScamLevel:       p.scamLevel,
	}
	return signals, features, notes
}

func (s *Service) assess(ctx context.Context, target Target, signals domain.SupplierSignals, pre int) assessment {
	if s.completer == nil {
		return fallbackAssessment(pre)
	}
	raw, err := s.completer.CompleteJSON(ctx, ai.Request{
		Messages:    buildPrompt(target, signals, pre),
		Temperature: modelTemperature,
	})
	if err != nil {
		s.logger.Error("supplier assessment failed", "domain", target.Domain, "error", err)
		return fallbackAssessment(pre)
	}
	out, ok := parseAssessment(raw, pre)
	if !ok {
		s.logger.Warn("supplier assessment unreadable", "domain", target.Domain)
	}
	return out
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
