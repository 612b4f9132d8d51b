package domain

import "time"

// State is the probed condition of one domain at ProbedAt.
//
// CertValidUntil is only meaningful when CertExists is true; probes leave it
// zero otherwise, and a zero value is never considered valid.
type State struct {
	Domain         string
	CertExists     bool
	CertValidUntil time.Time
	UpstreamActive bool
	ProbedAt       time.Time
}

// CertValid reports whether a certificate exists and expires strictly after
// the probe time.
func (s State) CertValid() bool {
	if !s.CertExists || s.CertValidUntil.IsZero() {
		return false
	}
	return s.CertValidUntil.After(s.ProbedAt)
}

// Phase is the reconciliation phase of a domain for one tick.
type Phase string

const (
	PhaseNoCert       Phase = "no_cert"
	PhaseCertValid    Phase = "cert_valid"
	PhaseCertExpiring Phase = "cert_expiring"
)

// Phases lists every phase in a stable order.
var Phases = []Phase{PhaseNoCert, PhaseCertValid, PhaseCertExpiring}

// Classify maps a probed state onto its phase.
func Classify(s State) Phase {
	switch {
	case !s.CertExists:
		return PhaseNoCert
	case s.CertValid():
		return PhaseCertValid
	default:
		return PhaseCertExpiring
	}
}
