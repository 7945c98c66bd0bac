// Package allowlist decides which browser downloads are eligible for preview.
package allowlist

import (
	"net/url"
	"strings"
)

// HostRule matches a registrable domain and all of its subdomains.
type HostRule string

// Default host rules.
const (
	// Notion covers notion.so, www.notion.so and file.notion.so.
	Notion HostRule = "notion.so"
	// Storage covers pre-signed object-storage URLs the export may redirect to.
	Storage HostRule = "amazonaws.com"
)

// Matches reports whether host is the rule's domain or one of its subdomains.
func (r HostRule) Matches(host string) bool {
	domain := strings.ToLower(string(r))
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	return host == domain || strings.HasSuffix(host, "."+domain)
}

// Matcher is a fixed set of host rules. The zero value matches nothing.
type Matcher struct {
	rules []HostRule
}

// New returns a Matcher for the given rules.
func New(rules ...HostRule) *Matcher {
	return &Matcher{rules: append([]HostRule(nil), rules...)}
}

// Default returns the Notion-only matcher. Pass withStorage to also accept
// object-storage URLs.
func Default(withStorage bool) *Matcher {
	if withStorage {
		return New(Notion, Storage)
	}
	return New(Notion)
}

// Rules returns a copy of the configured rules.
func (m *Matcher) Rules() []HostRule {
	return append([]HostRule(nil), m.rules...)
}

// Matches reports whether rawURL is an https URL whose host matches one of
// the rules. It never panics on malformed input.
func (m *Matcher) Matches(rawURL string) bool {
	if m == nil {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme != "https" {
		return false
	}
	host := u.Hostname()
	if host == "" {
		return false
	}
	for _, r := range m.rules {
		if r.Matches(host) {
			return true
		}
	}
	return false
}
