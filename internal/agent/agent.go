// Package agent is the boundary to the certificate issuing agent.
//
// The reconciler only ever asks three things of an agent: what certificates
// it holds and when they expire, to obtain certificates for domains that have
// none, and to renew whatever is due. Two implementations exist: Certbot
// drives the certbot CLI, Lego runs an ACME client in process. Both leave
// fullchain.pem and privkey.pem under <cert_root>/<domain>/.
package agent

import (
	"context"
	"errors"
	"time"

	"github.com/polisai/polis-certd/pkg/domain"
)

// ErrNoDomains is returned by Obtain when called with an empty domain list.
var ErrNoDomains = errors.New("no domains to obtain certificates for")

// Status maps a certificate name (the canonical domain) to its expiry.
// Certificates whose expiry could not be determined are absent.
type Status map[string]time.Time

// ExpiresAt returns the expiry recorded for name.
func (s Status) ExpiresAt(name string) (time.Time, bool) {
	t, ok := s[name]
	return t, ok
}

// CertificateAgent obtains and renews certificates.
type CertificateAgent interface {
	// Status reports the expiry of every certificate the agent manages.
	Status(ctx context.Context) (Status, error)
	// Obtain requests certificates for domains that currently lack one. The
	// proxy must already be serving the HTTP-01 challenge path.
	Obtain(ctx context.Context, email string, domains []domain.Spec) error
	// Renew renews every managed certificate that is due. It succeeds without
	// doing anything when nothing is due.
	Renew(ctx context.Context, email string) error
}
