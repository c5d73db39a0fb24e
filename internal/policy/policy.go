// Package policy provides recipient acceptance policies for the SMTP server.
//
// Each policy is an smtp.RecipientFilter: it is called once per RCPT TO
// with the current transaction and the candidate recipient, and returns
// whether the recipient is accepted.
package policy

import (
	"net/mail"
	"strings"

	"golang.org/x/net/publicsuffix"

	"github.com/shineum/smtp-receiver-lite/internal/email"
	"github.com/shineum/smtp-receiver-lite/internal/smtp"
)

// AcceptAll accepts every recipient. Useful for test sinks and catch-all
// development servers.
func AcceptAll(*smtp.Transaction, *mail.Address) bool {
	return true
}

// LocalDomains accepts recipients whose domain equals one of domains,
// compared case-insensitively. Subdomains are not accepted.
func LocalDomains(domains ...string) smtp.RecipientFilter {
	accepted := make(map[string]struct{}, len(domains))
	for _, d := range domains {
		if d = normalizeDomain(d); d != "" {
			accepted[d] = struct{}{}
		}
	}

	return func(_ *smtp.Transaction, rcpt *mail.Address) bool {
		_, ok := accepted[normalizeDomain(email.Domain(rcpt))]
		return ok
	}
}

// SameOrganization accepts recipients whose organizational domain (the
// registrable domain directly under the public suffix) matches the one of
// domain. For domain mx.example.co.uk, both user@example.co.uk and
// user@sales.example.co.uk are accepted.
func SameOrganization(domain string) smtp.RecipientFilter {
	org := OrganizationalDomain(domain)

	return func(_ *smtp.Transaction, rcpt *mail.Address) bool {
		d := email.Domain(rcpt)
		if org == "" || d == "" {
			return false
		}
		return OrganizationalDomain(d) == org
	}
}

// Any accepts a recipient if at least one of filters accepts it. Filters
// are consulted in order and evaluation stops at the first acceptance.
// With no filters every recipient is rejected.
func Any(filters ...smtp.RecipientFilter) smtp.RecipientFilter {
	return func(tx *smtp.Transaction, rcpt *mail.Address) bool {
		for _, f := range filters {
			if f != nil && f(tx, rcpt) {
				return true
			}
		}
		return false
	}
}

// OrganizationalDomain returns the eTLD+1 of domain, or the normalized
// domain itself when the public suffix list cannot place it (for example
// "localhost").
func OrganizationalDomain(domain string) string {
	domain = normalizeDomain(domain)
	if domain == "" {
		return ""
	}

	etld1, err := publicsuffix.EffectiveTLDPlusOne(domain)
	if err != nil {
		return domain
	}
	return etld1
}

// normalizeDomain lowercases and strips a trailing dot.
func normalizeDomain(domain string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(domain)), ".")
}
