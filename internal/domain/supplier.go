package domain

// Risk levels derived from a trust score.
const (
	RiskLow      = "Low"
	RiskModerate = "Moderate"
	RiskHigh     = "High"
	RiskUnknown  = "Unknown"
)

// SupplierSignals are the facts gathered about a supplier site before scoring.
type SupplierSignals struct {
	HTTPS              bool     `json:"https"`
	SSLValid           bool     `json:"ssl_valid"`
	SSLIssuer          string   `json:"ssl_issuer,omitempty"`
	SSLExpiryDays      *int     `json:"ssl_expiry_days"`
	DomainAgeMonths    *float64 `json:"domain_age_months"`
	Title              string   `json:"title,omitempty"`
	MetaDescription    string   `json:"meta_description,omitempty"`
	H1                 string   `json:"h1,omitempty"`
	HasContact         *bool    `json:"has_contact"`
	TrustSignals       *float64 `json:"trust_signals"`
	SuspiciousPhrases  []string `json:"suspicious_phrases"`
	ScamMentions       string   `json:"scam_mentions"`
	SampleText         string   `json:"-"`
	DeterministicScore int      `json:"deterministic_score"`
}

// SupplierReport is the blended trust assessment returned to members.
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
