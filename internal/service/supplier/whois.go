package supplier

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"time"

	"github.com/tidwall/gjson"
)

// creationDatePaths lists where WHOIS providers put the registration date, in priority order.
var creationDatePaths = []string{
	"result.created",
	"created",
	"domain.created",
	"domain.created_date",
	"domain.creation_date",
	"registered",
	"registered_date",
	"registration_date",
	"created_date",
	"creation_date",
}

var whoisDateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05 MST",
	"2006-01-02",
	"2006.01.02",
	"02-Jan-2006",
}

// WhoisAge is the domain registration age.
type WhoisAge struct {
	AgeYears  *float64  `json:"age_years"`
	AgeMonths *float64  `json:"age_months"`
	CreatedAt time.Time `json:"created_at,omitempty"`
	Error     string    `json:"error,omitempty"`
}

type whoisClient struct {
	endpoint string
	apiKey   string
	http     *http.Client
	now      func() time.Time
}

func (c whoisClient) lookup(ctx context.Context, domain string) WhoisAge {
	if c.apiKey == "" {
		return WhoisAge{Error: "Missing WHOIS_API_KEY"}
	}
	body, err := c.fetch(ctx, domain)
	if err != nil {
		return WhoisAge{Error: err.Error()}
	}
	if !gjson.ValidBytes(body) {
		return WhoisAge{Error: "Failed to parse WHOIS JSON"}
	}
	parsed := gjson.ParseBytes(body)
	var raw string
	for _, path := range creationDatePaths {
		if v := parsed.Get(path); v.Exists() && v.String() != "" {
			raw = v.String()
			break
		}
	}
	if raw == "" {
		return WhoisAge{Error: "No creation date found"}
	}
	created, ok := parseWhoisDate(raw)
	if !ok {
		return WhoisAge{Error: "Invalid date format"}
	}

	elapsed := c.now().Sub(created)
	years := math.Round(elapsed.Hours()/24/365*10) / 10
	months := math.Round(years*12*10) / 10
	return WhoisAge{AgeYears: &years, AgeMonths: &months, CreatedAt: created.UTC()}
}

func (c whoisClient) fetch(ctx context.Context, domain string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"?domain="+url.QueryEscape(domain), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("apikey", c.apiKey)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("WHOIS API error %d", resp.StatusCode)
	}
	if len(body) == 0 {
		return nil, errors.New("empty WHOIS response")
	}
	return body, nil
}

func parseWhoisDate(raw string) (time.Time, bool) {
	for _, layout := range whoisDateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
