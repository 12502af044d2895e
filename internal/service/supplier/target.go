package supplier

import (
	"errors"
	"regexp"
	"strings"
)

// ErrInvalidURL is returned when the input is not an absolute http(s) URL.
var ErrInvalidURL = errors.New("supplier: url must start with http:// or https://")

var (
	urlPattern    = regexp.MustCompile(`(?i)^https?://\S+`)
	schemePattern = regexp.MustCompile(`(?i)^https?://`)
)

// Target is a validated supplier URL.
type Target struct {
	URL    string
	Domain string
	HTTPS  bool
}

// ParseTarget validates input and derives the domain.
func ParseTarget(input string) (Target, error) {
	trimmed := strings.TrimSpace(input)
	if !urlPattern.MatchString(trimmed) {
		return Target{}, ErrInvalidURL
	}
	rest := schemePattern.ReplaceAllString(trimmed, "")
	host, _, _ := strings.Cut(rest, "/")
	return Target{
		URL:    trimmed,
		Domain: strings.ToLower(host),
		HTTPS:  strings.HasPrefix(trimmed, "https://"),
	}, nil
}
