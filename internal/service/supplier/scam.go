package supplier

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"

	"github.com/splax/resellermentor/internal/domain"
)

var scamWords = regexp.MustCompile(`(?i)scam|fraud|complaint|ripoff|fake`)

type scamChecker struct {
	searchURL string
	http      *http.Client
}

// check counts scam-related words in search results for "<domain> scam".
func (c scamChecker) check(ctx context.Context, host string) (string, error) {
	endpoint := c.searchURL + url.QueryEscape(host+" scam")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return domain.RiskUnknown, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return domain.RiskUnknown, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return domain.RiskUnknown, fmt.Errorf("scam search returned %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxHomepageSize))
	if err != nil {
		return domain.RiskUnknown, err
	}
	return scamLevel(len(scamWords.FindAllIndex(body, -1))), nil
}

func scamLevel(matches int) string {
	switch {
	case matches > 5:
		return domain.RiskHigh
	case matches > 2:
		return domain.RiskModerate
	default:
		return domain.RiskLow
	}
}
