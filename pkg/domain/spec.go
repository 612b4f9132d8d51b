package domain

import "strings"

// Spec is a configured domain: the canonical name the proxy terminates TLS
// for and the upstream it forwards to.
type Spec struct {
	Domain string
	Server string
	// Aliases are additional server names covered by the same certificate.
	Aliases []string
}

// DefaultAliases returns the alias set used when none is configured.
func DefaultAliases(domain string) []string {
	if domain == "" || strings.HasPrefix(domain, "www.") {
		return nil
	}
	return []string{"www." + domain}
}

// Names returns the canonical domain followed by its aliases, without
// duplicates and in declaration order.
func (s Spec) Names() []string {
	names := make([]string, 0, len(s.Aliases)+1)
	seen := make(map[string]struct{}, len(s.Aliases)+1)
	for _, name := range append([]string{s.Domain}, s.Aliases...) {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	return names
}

// Environment is the global input for one tick.
type Environment struct {
	DHParamAvailable bool
	Email            string
	Domains          []Spec
}
