package security

import (
	"context"
	"crypto/tls"
	"math"
	"net"
	"net/url"
	"time"
)

const (
	dialTimeout = 10 * time.Second

	// ExpiringWithin is how close to NotAfter a certificate is reported
	// as expiring.
	ExpiringWithin = 30 * 24 * time.Hour
)

// Certificate states reported in CertStatus.Status.
const (
	StatusValid       = "valid"
	StatusExpiring    = "expiring"
	StatusExpired     = "expired"
	StatusUnreachable = "unreachable"
)

// CertStatus describes the leaf certificate served by the ingestion service.
type CertStatus struct {
	Endpoint string
	Status   string
	Issuer   string
	NotAfter time.Time
	DaysLeft int
	Err      error // set when Status is unreachable
}

// Checker inspects TLS certificates.
type Checker struct {
	// InsecureSkipVerify mirrors the transport setting so a self-signed
	// certificate accepted for delivery can still be inspected.
	InsecureSkipVerify bool

	now func() time.Time
}

// Check dials the host of apiURL and returns the state of its leaf
// certificate. It returns nil for non-https URLs.
func (c Checker) Check(ctx context.Context, apiURL string) *CertStatus {
	u, err := url.Parse(apiURL)
	if err != nil || u.Scheme != "https" {
		return nil
	}
	cs := &CertStatus{Endpoint: apiURL}

	host := u.Host
	if _, _, err := net.SplitHostPort(host); err != nil {
		// No explicit port in the URL, use the HTTPS default.
		host = net.JoinHostPort(host, "443")
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{},
		Config: &tls.Config{
			InsecureSkipVerify: c.InsecureSkipVerify, //nolint:gosec // user-configured
		},
	}
	netConn, err := dialer.DialContext(dialCtx, "tcp", host)
	if err != nil {
		cs.Status, cs.Err = StatusUnreachable, err
		return cs
	}
	conn := netConn.(*tls.Conn)
	defer conn.Close()

	peerCerts := conn.ConnectionState().PeerCertificates
	if len(peerCerts) == 0 {
		cs.Status = StatusUnreachable
		return cs
	}

	now := time.Now
	if c.now != nil {
		now = c.now
	}
	leaf := peerCerts[0]
	left := leaf.NotAfter.Sub(now())

	cs.NotAfter = leaf.NotAfter.UTC()
	cs.Issuer = leaf.Issuer.CommonName
	cs.DaysLeft = int(math.Floor(left.Hours() / 24))

	switch {
	case left <= 0:
		cs.Status = StatusExpired
	case left <= ExpiringWithin:
		cs.Status = StatusExpiring
	default:
		cs.Status = StatusValid
	}
	return cs
}
