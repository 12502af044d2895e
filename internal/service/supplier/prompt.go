package supplier

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/splax/resellermentor/internal/ai"
	"github.com/splax/resellermentor/internal/domain"
)

const (
	defaultSummary  = "Balanced assessment based on reseller-oriented credibility factors."
	fallbackSummary = "Parsing fallback — AI output unreadable."
	promptSampleLen = 400
)

const systemPrompt = `You are an expert supplier trust evaluator for liquidation and wholesale websites.
Be factual and balanced. Many legitimate resellers have simple websites with minimal branding.
Be critical of scam traits: no contact info, fake testimonials, unrealistic profit promises, or cloned text.
Return JSON only in this format:
{
  "trust_score": number,
  "risk_level": "Low"|"Moderate"|"High",
  "summary": string,
  "positives": string[],
  "red_flags": string[]
}`

// assessment is the JSON object the model returns.
type assessment struct {
	TrustScore modelScore `json:"trust_score"`
	RiskLevel  string   `json:"risk_level"`
	Summary    string   `json:"summary"`
	Positives  []string `json:"positives"`
	RedFlags   []string `json:"red_flags"`
}

func buildPrompt(target Target, signals domain.SupplierSignals, score int) []ai.Message {
	facts := []string{
		"URL: " + target.URL,
		"Domain: " + target.Domain,
		"HTTPS: " + strconv.FormatBool(target.HTTPS),
		"SSL valid: " + strconv.FormatBool(signals.SSLValid),
		"SSL expiry days: " + intOr(signals.SSLExpiryDays, "unknown"),
		"Title: " + stringOr(signals.Title, "n/a"),
		"Meta: " + stringOr(signals.MetaDescription, "n/a"),
		"H1: " + stringOr(signals.H1, "n/a"),
		"Has contact info: " + boolOr(signals.HasContact, "unknown"),
		"Trust signals (0..1): " + floatOr(signals.TrustSignals, "0"),
		"Deterministic score: " + strconv.Itoa(score),
		"Homepage text sample: " + stringOr(truncate(signals.SampleText, promptSampleLen), "none"),
	}
	user := "Evaluate the supplier using this factual data:\n" + strings.Join(facts, "\n") +
		"\n\nAssess credibility fairly. Do not penalize simplicity if it looks like a genuine liquidation supplier."
	return []ai.Message{
		{Role: ai.RoleSystem, Content: systemPrompt},
		{Role: ai.RoleUser, Content: user},
	}
}

// parseAssessment decodes model output, returning the fallback on unreadable JSON.
func parseAssessment(raw string, pre int) (assessment, bool) {
	var out assessment
	if strings.TrimSpace(raw) == "" {
		raw = "{}"
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return fallbackAssessment(pre), false
	}
	return out, true
}

func fallbackAssessment(pre int) assessment {
	return assessment{
		TrustScore: modelScore(pre),
		RiskLevel:  RiskBand(pre),
		Summary:    fallbackSummary,
		Positives:  []string{},
		RedFlags:   []string{},
	}
}

// modelScore accepts a JSON number or a numeric string. Anything else decodes
// to zero, which Blend treats as absent.
type modelScore float64

func (m *modelScore) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if unquoted, err := strconv.Unquote(raw); err == nil {
		raw = strings.TrimSpace(unquoted)
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		*m = 0
		return nil
	}
	*m = modelScore(v)
	return nil
}

func stringOr(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}

func intOr(v *int, fallback string) string {
	if v == nil {
		return fallback
	}
	return strconv.Itoa(*v)
}

func boolOr(v *bool, fallback string) string {
	if v == nil {
		return fallback
	}
	return strconv.FormatBool(*v)
}

func floatOr(v *float64, fallback string) string {
	if v == nil {
		return fallback
	}
	return fmt.Sprintf("%g", *v)
}
