package domain

import (
	"fmt"
	"strings"
)

// HTTPSPolicy decides when the rendered configuration serves a domain over
// HTTPS.
type HTTPSPolicy string

const (
	// HTTPSPolicyPresence enables HTTPS whenever certificate files exist,
	// including an expired certificate awaiting renewal.
	HTTPSPolicyPresence HTTPSPolicy = "presence"
	// HTTPSPolicyValidity enables HTTPS only while the certificate is
	// present and unexpired.
	HTTPSPolicyValidity HTTPSPolicy = "validity"
)

// DefaultHTTPSPolicy is used when no policy is configured.
const DefaultHTTPSPolicy = HTTPSPolicyPresence

// ParseHTTPSPolicy normalises a configured policy name. Empty selects the default.
func ParseHTTPSPolicy(value string) (HTTPSPolicy, error) {
	switch HTTPSPolicy(strings.ToLower(strings.TrimSpace(value))) {
	case "":
		return DefaultHTTPSPolicy, nil
	case HTTPSPolicyPresence:
		return HTTPSPolicyPresence, nil
	case HTTPSPolicyValidity:
		return HTTPSPolicyValidity, nil
	default:
		return "", fmt.Errorf("unknown https policy %q (expected %q or %q)", value, HTTPSPolicyPresence, HTTPSPolicyValidity)
	}
}

// Enabled reports whether s should be rendered with HTTPS.
func (p HTTPSPolicy) Enabled(s State) bool {
	if p == HTTPSPolicyValidity {
		return s.CertValid()
	}
	return s.CertExists
}
