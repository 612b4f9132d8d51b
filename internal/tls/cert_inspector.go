package tls

import (
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"time"
)

// ErrNoCertificate is returned when a PEM document holds no certificate block.
var ErrNoCertificate = errors.New("no certificate found in PEM data")

// CertificateInfo summarises the leaf of a PEM certificate chain.
type CertificateInfo struct {
	Path        string
	Subject     string
	Issuer      string
	NotBefore   time.Time
	NotAfter    time.Time
	DNSNames    []string
	ChainLength int
}

// InspectCertificateFile reads and summarises the chain at path.
func InspectCertificateFile(path string) (*CertificateInfo, error) {
	//nolint:gosec // Certificate paths are derived from operator configuration
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate file: %w", err)
	}
	return InspectCertificateData(data, path)
}

// InspectCertificateData summarises a PEM chain. The first certificate block
// is treated as the leaf, as in fullchain.pem.
func InspectCertificateData(data []byte, path string) (*CertificateInfo, error) {
	var certs []*x509.Certificate
	rest := data

	for {
		block, remaining := pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type == "CERTIFICATE" {
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("failed to parse certificate: %w", err)
			}
			certs = append(certs, cert)
		}
		rest = remaining
	}

	if len(certs) == 0 {
		return nil, ErrNoCertificate
	}

	leaf := certs[0]
	return &CertificateInfo{
		Path:        path,
		Subject:     leaf.Subject.String(),
		Issuer:      leaf.Issuer.String(),
		NotBefore:   leaf.NotBefore,
		NotAfter:    leaf.NotAfter,
		DNSNames:    append([]string(nil), leaf.DNSNames...),
		ChainLength: len(certs),
	}, nil
}

// ExpiryStatus grades the remaining lifetime of a certificate.
type ExpiryStatus string

const (
	ExpiryOK       ExpiryStatus = "OK"
	ExpiryWarning  ExpiryStatus = "WARNING"
	ExpiryCritical ExpiryStatus = "CRITICAL"
	ExpiryExpired  ExpiryStatus = "EXPIRED"
)

// ClassifyExpiry grades notAfter relative to now: expired at or past expiry,
// critical within a day, warning within a week.
func ClassifyExpiry(notAfter, now time.Time) ExpiryStatus {
	remaining := notAfter.Sub(now)
	switch {
	case remaining <= 0:
		return ExpiryExpired
	case remaining <= 24*time.Hour:
		return ExpiryCritical
	case remaining <= 7*24*time.Hour:
		return ExpiryWarning
	default:
		return ExpiryOK
	}
}
