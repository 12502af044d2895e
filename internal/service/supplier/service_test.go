package supplier

import (
	"context"
	"crypto/x509"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splax/resellermentor/internal/ai"
	"github.com/splax/resellermentor/internal/domain"
	"github.com/splax/resellermentor/pkg/config"
)

type completerStub struct {
	calls    atomic.Int32
	response string
	err      error
	last     ai.Request
}

func (c *completerStub) CompleteJSON(_ context.Context, req ai.Request) (string, error) {
	c.calls.Add(1)
	c.last = req
	return c.response, c.err
}

type fixture struct {
	site  *httptest.Server
	intel *httptest.Server
	svc   *Service
}

func newFixture(t *testing.T, completer ai.Completer) *fixture {
	t.Helper()
	site := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html><head><title>Pallet Hub</title></head><body>
<h1>Pallet Hub</h1><p>Contact us at our warehouse address.</p>
<a href="/about">About us</a><a href="/returns">Return policy</a><a href="/terms">Terms</a>
<a href="/privacy">Privacy</a><a href="/shipping">Shipping policy</a></body></html>`))
	}))
	t.Cleanup(site.Close)

	intel := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/whois":
			_, _ = w.Write([]byte(`{"result":{"created":"2012-03-04T00:00:00Z"}}`))
		case "/search":
			_, _ = w.Write([]byte(`<html>one complaint thread</html>`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(intel.Close)

	cfg := config.APIConfig{
		WhoisAPIURL:          intel.URL + "/whois",
		WhoisAPIKey:          "key",
		ScamSearchURL:        intel.URL + "/search?q=",
		SupplierProbeTimeout: 5 * time.Second,
		SupplierCacheTTL:     time.Hour,
		OutboundRPS:          100,
	}
	svc := New(completer, NewMemoryCache(), slog.New(slog.NewTextHandler(io.Discard, nil)), cfg)

	_, port, err := net.SplitHostPort(site.Listener.Addr().String())
	require.NoError(t, err)
	roots := x509.NewCertPool()
	roots.AddCert(site.Certificate())
	svc.ssl.roots = roots
	svc.ssl.port = port
	svc.homepage.http = site.Client()

	return &fixture{site: site, intel: intel, svc: svc}
}

func TestAnalyzeBlendsDeterministicAndModelScores(t *testing.T) {
	completer := &completerStub{response: `{"trust_score":75,"risk_level":"Moderate","summary":"Looks like a real pallet house.","positives":["Long-lived domain"],"red_flags":[]}`}
	fx := newFixture(t, completer)

	report, cached, err := fx.svc.Analyze(context.Background(), fx.site.URL+"/")
	require.NoError(t, err)
	assert.False(t, cached)

	// 50 +8 https +8 ssl +3 expiry +6 contact +12 trust +8 age = 95
	assert.Equal(t, 95, report.Signals.DeterministicScore)
	assert.Equal(t, 87, report.TrustScore)
	assert.Equal(t, domain.RiskLow, report.RiskLevel)
	assert.Equal(t, domain.RiskLow, report.ScamMentions)
	assert.Equal(t, "Looks like a real pallet house.", report.Summary)
	if diff := cmp.Diff([]string{"Long-lived domain"}, report.Positives); diff != "" {
		t.Fatalf("positives mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, []string{}, report.RedFlags)
	assert.Equal(t, "Pallet Hub", report.Signals.Title)
	assert.True(t, report.Signals.SSLValid)

	assert.InDelta(t, 0.25, completer.last.Temperature, 0.0001)
	require.Len(t, completer.last.Messages, 2)
	assert.Contains(t, completer.last.Messages[1].Content, "Deterministic score: 95")
	assert.Contains(t, completer.last.Messages[1].Content, "Title: Pallet Hub")

	again, cached, err := fx.svc.Analyze(context.Background(), fx.site.URL)
	require.NoError(t, err)
	assert.True(t, cached)
	assert.Equal(t, report.TrustScore, again.TrustScore)
	assert.Equal(t, int32(1), completer.calls.Load())
}

func TestAnalyzeFallsBackOnUnreadableModelOutput(t *testing.T) {
	fx := newFixture(t, &completerStub{response: "I think it is fine"})

	report, _, err := fx.svc.Analyze(context.Background(), fx.site.URL)
	require.NoError(t, err)
	assert.Equal(t, "Parsing fallback — AI output unreadable.", report.Summary)
	assert.Equal(t, report.Signals.DeterministicScore, report.TrustScore)
	assert.Equal(t, []string{}, report.Positives)
}

func TestAnalyzeKeepsModelTextWhenScoreIsAString(t *testing.T) {
	completer := &completerStub{response: `{"trust_score":"75","summary":"Looks legit","positives":["Real address"],"red_flags":["Thin catalog"]}`}
	fx := newFixture(t, completer)

	report, _, err := fx.svc.Analyze(context.Background(), fx.site.URL)
	require.NoError(t, err)
	assert.Equal(t, "Looks legit", report.Summary)
	assert.Equal(t, []string{"Real address"}, report.Positives)
	assert.Equal(t, []string{"Thin catalog"}, report.RedFlags)
	// round(95*0.6 + 75*0.4) = 87
	assert.Equal(t, 87, report.TrustScore)
}

func TestAnalyzeSurvivesModelAndProbeFailures(t *testing.T) {
	fx := newFixture(t, &completerStub{err: errors.New("upstream 503")})
	fx.intel.Close()

	report, _, err := fx.svc.Analyze(context.Background(), fx.site.URL)
	require.NoError(t, err)
	assert.Equal(t, domain.RiskUnknown, report.ScamMentions)
	assert.Nil(t, report.Signals.DomainAgeMonths)
	assert.Equal(t, fallbackSummary, report.Summary)
	// 50 +8 https +8 ssl +3 expiry +6 contact +12 trust = 87
	assert.Equal(t, 87, report.TrustScore)

	joined := strings.Join(report.Notes, "\n")
	assert.Contains(t, joined, "Domain age unknown")
	assert.Contains(t, joined, "Scam mention lookup unavailable")
}

func TestAnalyzeRejectsInvalidURL(t *testing.T) {
	svc := New(nil, nil, slog.New(slog.NewTextHandler(io.Discard, nil)), config.APIConfig{})
	_, _, err := svc.Analyze(context.Background(), "example.com")
	assert.ErrorIs(t, err, ErrInvalidURL)
}

func TestSignalsWithoutHomepageScoreNoTrustPages(t *testing.T) {
	probes := &probeResults{pageErr: errors.New("connection refused"), scamLevel: domain.RiskUnknown}
	target := Target{URL: "https://lots.example.com", Domain: "lots.example.com", HTTPS: true}

	signals, features, notes := probes.signals(target)
	require.NotNil(t, features.TrustSignals)
	assert.Zero(t, *features.TrustSignals)
	assert.Nil(t, features.HasContact)
	require.NotNil(t, signals.TrustSignals)
	assert.Contains(t, strings.Join(notes, "\n"), "Homepage could not be analyzed")
}
