package policy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/mail"
	"sync"
	"time"

	"github.com/miekg/dns"

	"github.com/shineum/smtp-receiver-lite/internal/email"
	"github.com/shineum/smtp-receiver-lite/internal/smtp"
)

const (
	defaultMXTimeout  = 5 * time.Second
	defaultMXCacheTTL = 5 * time.Minute
	defaultResolver   = "8.8.8.8:53"
)

var errNXDomain = errors.New("dns: domain does not exist")

// MXConfig configures the MXTarget policy.
type MXConfig struct {
	// Resolver is the DNS server queried for MX records (host:port).
	Resolver string

	// Hostnames are the names this server answers for. A recipient is
	// accepted when one of its domain's MX hosts is in this list.
	Hostnames []string

	// Timeout bounds a single lookup. Default is 5 seconds.
	Timeout time.Duration

	// CacheTTL bounds how long a lookup result is reused. The record TTL
	// is used when it is shorter. Default is 5 minutes; negative disables
	// caching.
	CacheTTL time.Duration

	Logger *slog.Logger
}

type mxEntry struct {
	hosts   []string
	expires time.Time
}

type mxResolver struct {
	config    MXConfig
	client    *dns.Client
	hostnames map[string]struct{}
	logger    *slog.Logger

	mu    sync.Mutex
	cache map[string]mxEntry
}

// MXTarget accepts recipients whose domain publishes an MX record pointing
// at one of cfg.Hostnames. A domain without MX records is accepted when the
// domain itself is one of the hostnames (the implicit MX rule). Lookup
// failures reject the recipient.
func MXTarget(cfg MXConfig) smtp.RecipientFilter {
	r := newMXResolver(cfg)
	return r.accept
}

func newMXResolver(cfg MXConfig) *mxResolver {
	if cfg.Resolver == "" {
		cfg.Resolver = defaultResolver
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultMXTimeout
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = defaultMXCacheTTL
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	hostnames := make(map[string]struct{}, len(cfg.Hostnames))
	for _, h := range cfg.Hostnames {
		if h = normalizeDomain(h); h != "" {
			hostnames[h] = struct{}{}
		}
	}

	return &mxResolver{
		config:    cfg,
		client:    &dns.Client{Timeout: cfg.Timeout},
		hostnames: hostnames,
		logger:    logger,
		cache:     make(map[string]mxEntry),
	}
}

func (r *mxResolver) accept(_ *smtp.Transaction, rcpt *mail.Address) bool {
	domain := normalizeDomain(email.Domain(rcpt))
	if domain == "" {
		return false
	}

	hosts, err := r.lookup(domain)
	if err != nil {
		if errors.Is(err, errNXDomain) {
			r.logger.Debug("recipient domain does not exist", "domain", domain)
		} else {
			r.logger.Warn("MX lookup failed", "domain", domain, "error", err)
		}
		return false
	}

	if len(hosts) == 0 {
		_, ok := r.hostnames[domain]
		return ok
	}
	for _, h := range hosts {
		if _, ok := r.hostnames[h]; ok {
			return true
		}
	}
	return false
}

// lookup returns the normalized MX hosts of domain, consulting the cache
// first.
func (r *mxResolver) lookup(domain string) ([]string, error) {
	now := time.Now()

	r.mu.Lock()
	if e, ok := r.cache[domain]; ok && now.Before(e.expires) {
		r.mu.Unlock()
		return e.hosts, nil
	}
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), r.config.Timeout)
	defer cancel()

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(domain), dns.TypeMX)
	m.RecursionDesired = true

	resp, _, err := r.client.ExchangeContext(ctx, m, r.config.Resolver)
	if err != nil {
		return nil, fmt.Errorf("dns query failed: %w", err)
	}

	switch resp.Rcode {
	case dns.RcodeSuccess:
	case dns.RcodeNameError:
		return nil, errNXDomain
	default:
		return nil, fmt.Errorf("dns: unexpected rcode %s", dns.RcodeToString[resp.Rcode])
	}

	ttl := r.config.CacheTTL
	var hosts []string
	for _, rr := range resp.Answer {
		mx, ok := rr.(*dns.MX)
		if !ok {
			continue
		}
		hosts = append(hosts, normalizeDomain(mx.Mx))
		if recordTTL := time.Duration(mx.Hdr.Ttl) * time.Second; recordTTL < ttl {
			ttl = recordTTL
		}
	}

	if ttl > 0 {
		r.mu.Lock()
		r.cache[domain] = mxEntry{hosts: hosts, expires: now.Add(ttl)}
		r.mu.Unlock()
	}
	return hosts, nil
}
