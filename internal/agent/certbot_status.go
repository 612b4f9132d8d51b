package agent

import (
	"bufio"
	"strings"
	"time"
)

var expiryLayouts = []string{
	"2006-01-02 15:04:05-07:00",
	"2006-01-02 15:04:05-0700",
	"2006-01-02 15:04:05Z07:00",
}

// ParseCertificates extracts certificate expiry dates from the output of
// `certbot certificates`:
//
//	Certificate Name: example.com
//	  Domains: example.com www.example.com
//	  Expiry Date: 2026-05-01 12:00:00+00:00 (VALID: 80 days)
//
// An entry is recorded only when both the name and a parseable expiry were
// seen. Anything malformed is skipped, so callers treat it as invalid.
func ParseCertificates(output string) Status {
	status := make(Status)

	var current string
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if name, ok := strings.CutPrefix(line, "Certificate Name:"); ok {
			current = strings.ToLower(strings.TrimSpace(name))
			continue
		}

		value, ok := strings.CutPrefix(line, "Expiry Date:")
		if !ok {
			value, ok = strings.CutPrefix(line, "Expires:")
		}
		if !ok || current == "" {
			continue
		}

		if expiry, ok := parseExpiry(value); ok {
			status[current] = expiry
		}
		current = ""
	}

	return status
}

func parseExpiry(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if i := strings.Index(value, "("); i >= 0 {
		value = strings.TrimSpace(value[:i])
	}
	for _, layout := range expiryLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
