package supplier

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"math"
	"net"
	"time"
)

// SSLStatus is the outcome of a TLS handshake with the supplier host.
type SSLStatus struct {
	Valid         bool      `json:"ssl_valid"`
	Issuer        string    `json:"ssl_issuer,omitempty"`
	Expires       time.Time `json:"ssl_expires,omitempty"`
	DaysRemaining *int      `json:"ssl_days_remaining,omitempty"`
	Error         string    `json:"error,omitempty"`
}

type sslProber struct {
	roots *x509.CertPool
	port  string
	now   func() time.Time
}

// probe performs a verified handshake against domain:443 with SNI.
func (p sslProber) probe(ctx context.Context, domain string) SSLStatus {
	host := domain
	if h, _, err := net.SplitHostPort(domain); err == nil {
		host = h
	}
	dialer := &tls.Dialer{Config: &tls.Config{ServerName: host, RootCAs: p.roots, MinVersion: tls.VersionTLS12}}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, p.port))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return SSLStatus{Error: "Timeout"}
		}
		return SSLStatus{Error: err.Error()}
	}
	defer conn.Close()

	state := conn.(*tls.Conn).ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return SSLStatus{Error: "No SSL certificate"}
	}
	leaf := state.PeerCertificates[0]
	days := int(math.Round(leaf.NotAfter.Sub(p.now()).Hours() / 24))
	return SSLStatus{
		Valid:         days > 0,
		Issuer:        issuerName(leaf),
		Expires:       leaf.NotAfter.UTC(),
		DaysRemaining: &days,
	}
}

func issuerName(cert *x509.Certificate) string {
	if len(cert.Issuer.Organization) > 0 && cert.Issuer.Organization[0] != "" {
		return cert.Issuer.Organization[0]
	}
	if cert.Issuer.CommonName != "" {
		return cert.Issuer.CommonName
	}
	return "Unknown"
}
