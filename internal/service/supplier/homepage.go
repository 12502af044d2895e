package supplier

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const (
	sampleTextLimit = 1000
	maxHomepageSize = 4 << 20
)

type phrasePattern struct {
	label string
	re    *regexp.Regexp
}

var suspiciousPatterns = []phrasePattern{
	{"90% off", regexp.MustCompile(`90%\s*off`)},
	{"80% off", regexp.MustCompile(`80%\s*off`)},
	{"authentic designer", regexp.MustCompile(`authentic\s+designer`)},
	{"free shipping", regexp.MustCompile(`free\s+shipping`)},
	{"guaranteed authentic", regexp.MustCompile(`guaranteed\s+authentic`)},
	{"limited time offer", regexp.MustCompile(`limited\s*time\s*offer`)},
	{"wholesale price", regexp.MustCompile(`wholesale\s+price`)},
	{"clearance sale", regexp.MustCompile(`clearance\s+sale`)},
	{"factory outlet", regexp.MustCompile(`factory\s*outlet`)},
	{"luxury replica", regexp.MustCompile(`luxury\s+replica`)},
}

// trustMarkers are page features a legitimate storefront usually links to.
var trustMarkers = [][]string{
	{"about us", "about"},
	{"refund", "return policy", "returns"},
	{"terms of service", "terms and conditions", "terms"},
	{"privacy"},
	{"shipping policy", "shipping info", "delivery"},
}

var contactMarkers = []string{"contact", "phone", "address"}

var whitespace = regexp.MustCompile(`\s+`)

// Homepage is what the scraper extracts from the supplier landing page.
type Homepage struct {
	Title             string   `json:"title"`
	MetaDescription   string   `json:"meta_description"`
	MetaKeywords      string   `json:"meta_keywords"`
	H1                string   `json:"h1"`
	HasContact        bool     `json:"has_contact"`
	TrustSignals      float64  `json:"trust_signals"`
	SuspiciousPhrases []string `json:"suspicious_phrases"`
	SampleText        string   `json:"sample_text"`
}

type homepageFetcher struct {
	http *http.Client
}

func (f homepageFetcher) fetch(ctx context.Context, target string) (*Homepage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "ResellerMentorBot/1.0 (+supplier-analyzer)")
	resp, err := f.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("failed to load homepage (%d)", resp.StatusCode)
	}
	return parseHomepage(io.LimitReader(resp.Body, maxHomepageSize))
}

func parseHomepage(r io.Reader) (*Homepage, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("parse homepage: %w", err)
	}
	doc.Find("script, style, noscript").Remove()

	text := strings.ToLower(strings.TrimSpace(whitespace.ReplaceAllString(doc.Find("body").Text(), " ")))

	var links strings.Builder
	doc.Find("a").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		links.WriteString(strings.ToLower(href))
		links.WriteByte(' ')
		links.WriteString(strings.ToLower(a.Text()))
		links.WriteByte(' ')
	})
	linkText := links.String()

	page := &Homepage{
		Title:             strings.TrimSpace(doc.Find("title").First().Text()),
		MetaDescription:   metaContent(doc, "description"),
		MetaKeywords:      metaContent(doc, "keywords"),
		H1:                strings.TrimSpace(whitespace.ReplaceAllString(doc.Find("h1").First().Text(), " ")),
		HasContact:        hasContact(text, linkText),
		TrustSignals:      trustSignalRatio(text + " " + linkText),
		SuspiciousPhrases: matchSuspicious(text),
		SampleText:        truncate(text, sampleTextLimit),
	}
	return page, nil
}

func metaContent(doc *goquery.Document, name string) string {
	content, _ := doc.Find(fmt.Sprintf(`meta[name="%s"]`, name)).First().Attr("content")
	return strings.TrimSpace(content)
}

func hasContact(text, links string) bool {
	if strings.Contains(links, "mailto:") || strings.Contains(links, "tel:") {
		return true
	}
	for _, marker := range contactMarkers {
		if strings.Contains(text, marker) || strings.Contains(links, marker) {
			return true
		}
	}
	return false
}

func trustSignalRatio(haystack string) float64 {
	found := 0
	for _, group := range trustMarkers {
		for _, marker := range group {
			if strings.Contains(haystack, marker) {
				found++
				break
			}
		}
	}
	return float64(found) / float64(len(trustMarkers))
}

func matchSuspicious(text string) []string {
	matched := make([]string, 0)
	for _, p := range suspiciousPatterns {
		if p.re.MatchString(text) {
			matched = append(matched, p.label)
		}
	}
	return matched
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
