// Package dnsx answers whether a domain accepts mail by querying MX records.
package dnsx

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/miekg/dns"

	"outreach/internal/locks"
)

const (
	defaultResolver = "1.1.1.1:53"
	// negativeTTL caches "no MX" answers.
	negativeTTL = 15 * time.Minute
	minTTL      = time.Minute
	maxTTL      = 24 * time.Hour
)

// Exchanger sends a DNS query. *dns.Client implements it.
type Exchanger interface {
	ExchangeContext(ctx context.Context, m *dns.Msg, address string) (*dns.Msg, time.Duration, error)
}

// Resolver looks up MX records through a single upstream resolver and caches
// answers for their TTL. Lookups of the same domain are serialized so that
// concurrent validations share one query.
type Resolver struct {
	client   Exchanger
	resolver string
	cache    *ttlcache.Cache[string, bool]
	mu       *locks.KeyedMutex
	log      *slog.Logger
}

// New creates a Resolver querying addr ("host:port"). An invalid address
// falls back to 1.1.1.1:53.
func New(addr string, log *slog.Logger) *Resolver {
	return NewWithClient(addr, &dns.Client{Timeout: 5 * time.Second}, log)
}

// NewWithClient creates a Resolver with a custom DNS client.
func NewWithClient(addr string, client Exchanger, log *slog.Logger) *Resolver {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		log.Warn("invalid DNS resolver address, using default", "resolver", addr, "default", defaultResolver, "error", err)
		addr = defaultResolver
	}
	r := &Resolver{
		client:   client,
		resolver: addr,
		cache:    ttlcache.New[string, bool](ttlcache.WithDisableTouchOnHit[string, bool]()),
		mu:       locks.NewKeyedMutex(),
		log:      log,
	}
	go r.cache.Start()
	return r
}

// Stop stops the cache expiry loop.
func (r *Resolver) Stop() {
	r.cache.Stop()
}

// HasMX reports whether domain publishes at least one MX record. A
// non-existent domain is a definite false; resolver failures are errors.
func (r *Resolver) HasMX(ctx context.Context, domain string) (bool, error) {
	domain = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(domain)), ".")
	if domain == "" {
		return false, nil
	}

	r.mu.Lock(domain)
	defer r.mu.Unlock(domain)

	if item := r.cache.Get(domain); item != nil {
		return item.Value(), nil
	}

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(domain), dns.TypeMX)
	m.RecursionDesired = true

	resp, _, err := r.client.ExchangeContext(ctx, m, r.resolver)
	if err != nil {
		return false, fmt.Errorf("query MX for %s: %w", domain, err)
	}

	switch resp.Rcode {
	case dns.RcodeSuccess:
	case dns.RcodeNameError:
		r.cache.Set(domain, false, negativeTTL)
		return false, nil
	default:
		return false, fmt.Errorf("query MX for %s: resolver answered %s", domain, dns.RcodeToString[resp.Rcode])
	}

	var ttl uint32
	found := false
	for _, rr := range resp.Answer {
		mx, ok := rr.(*dns.MX)
		if !ok || mx.Mx == "" || mx.Mx == "." {
			continue
		}
		if !found || mx.Hdr.Ttl < ttl {
			ttl = mx.Hdr.Ttl
		}
		found = true
	}

	if !found {
		r.cache.Set(domain, false, negativeTTL)
		return false, nil
	}

	cacheFor := min(max(time.Duration(ttl)*time.Second, minTTL), maxTTL)
	r.cache.Set(domain, true, cacheFor)
	r.log.Debug("MX found", "domain", domain, "ttl", cacheFor)
	return true, nil
}
