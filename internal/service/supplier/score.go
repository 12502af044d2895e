package supplier

import (
	"math"

	"github.com/splax/resellermentor/internal/domain"
)

const (
	baseScore = 50
	minScore  = 5
	maxScore  = 95

	maxNegativeSignals    = 5
	negativeSignalPenalty = 8
)

// Features are the scoring inputs. Pointer fields are nil when the probe could not tell.
type Features struct {
	HTTPS           bool
	SSLValid        bool
	SSLExpiryDays   *int
	HasContact      *bool
	TrustSignals    *float64
	NegativeSignals int
	DomainAgeMonths *float64
	ScamLevel       string
}

// Score computes the deterministic trust score in [5, 95].
func Score(f Features) int {
	score := float64(baseScore)

	if f.HTTPS {
		score += 8
	} else {
		score -= 8
	}
	if f.SSLValid {
		score += 8
	} else {
		score -= 10
	}

	if f.SSLExpiryDays != nil {
		switch days := *f.SSLExpiryDays; {
		case days > 365:
			score += 3
		case days > 90:
			score++
		}
	}

	if f.HasContact != nil {
		if *f.HasContact {
			score += 6
		} else {
			score -= 4
		}
	}

	if f.TrustSignals != nil {
		switch ts := *f.TrustSignals; {
		case ts >= 0.8:
			score += 12
		case ts >= 0.5:
			score += 8
		case ts < 0.2:
			score -= 6
		}
	}

	// zero months is treated like unknown
	if f.DomainAgeMonths != nil && *f.DomainAgeMonths != 0 {
		switch months := *f.DomainAgeMonths; {
		case months > 24:
			score += 8
		case months > 6:
			score += 6
		default:
			score -= 6
		}
	}

	switch f.ScamLevel {
	case domain.RiskHigh:
		score -= 20
	case domain.RiskModerate:
		score -= 6
	}

	score -= float64(min(f.NegativeSignals, maxNegativeSignals) * negativeSignalPenalty)

	return clamp(int(math.Round(score)), minScore, maxScore)
}

// Blend mixes the deterministic score with the model's score (60/40). A model
// score of zero or less is ignored.
func Blend(pre int, model float64) int {
	if model <= 0 {
		model = float64(pre)
	}
	return clamp(int(math.Round(float64(pre)*0.6+model*0.4)), minScore, maxScore)
}

// RiskBand maps a score to Low, Moderate or High.
func RiskBand(score int) string {
	switch {
	case score >= 80:
		return domain.RiskLow
	case score >= 55:
		return domain.RiskModerate
	default:
		return domain.RiskHigh
	}
}

func clamp(n, lo, hi int) int {
	return max(lo, min(hi, n))
}
