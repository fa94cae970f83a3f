// Package blocklist decides whether an address or domain may be contacted.
package blocklist

import (
	"context"
	"fmt"
	"strings"

	"outreach/internal/model"
	"outreach/internal/storage"
)

// Guard checks recipients against stored block entries.
type Guard struct {
	store storage.Storage
}

// New creates a Guard.
func New(store storage.Storage) *Guard {
	return &Guard{store: store}
}

// Check returns the first block entry matching the email address, its domain
// or any parent of it, or the site domain. Site domain may be empty.
func (g *Guard) Check(ctx context.Context, email, siteDomain string) (*model.BlockEntry, bool, error) {
	email = NormalizeEmail(email)
	var domains []string
	if _, d, ok := strings.Cut(email, "@"); ok {
		domains = append(domains, parentDomains(d)...)
	}
	if siteDomain != "" {
		domains = append(domains, parentDomains(NormalizeDomain(siteDomain))...)
	}

	var emails []string
	if email != "" {
		emails = []string{email}
	}
	entries, err := g.store.FindBlockEntries(ctx, emails, domains)
	if err != nil {
		return nil, false, fmt.Errorf("find block entries: %w", err)
	}
	if len(entries) == 0 {
		return nil, false, nil
	}
	// Exact address entries are reported before domain entries.
	for i := range entries {
		if entries[i].Type == model.BlockEmail {
			return &entries[i], true, nil
		}
	}
	return &entries[0], true, nil
}

// Add normalizes and stores a block entry. It reports whether the entry is new.
func (g *Guard) Add(ctx context.Context, typ model.BlockType, value, reason string, source model.BlockSource) (bool, error) {
	switch typ {
	case model.BlockEmail:
		value = NormalizeEmail(value)
		if !strings.Contains(value, "@") {
			return false, fmt.Errorf("invalid email %q", value)
		}
	case model.BlockDomain:
		value = NormalizeDomain(value)
		if !strings.Contains(value, ".") {
			return false, fmt.Errorf("invalid domain %q", value)
		}
	default:
		return false, fmt.Errorf("unknown block type %q", typ)
	}
	created, err := g.store.AddBlockEntry(ctx, &model.BlockEntry{Type: typ, Value: value, Reason: reason, Source: source})
	if err != nil {
		return false, fmt.Errorf("add block entry: %w", err)
	}
	return created, nil
}

// NormalizeEmail lowercases and trims an address.
func NormalizeEmail(email string) string {
	email = strings.ToLower(strings.TrimSpace(email))
	return strings.TrimPrefix(email, "mailto:")
}

// NormalizeDomain lowercases a domain or URL and strips scheme, path and "www.".
func NormalizeDomain(domain string) string {
	d := strings.ToLower(strings.TrimSpace(domain))
	if _, rest, ok := strings.Cut(d, "://"); ok {
		d = rest
	}
	if i := strings.IndexAny(d, "/?#"); i >= 0 {
		d = d[:i]
	}
	if i := strings.LastIndex(d, ":"); i >= 0 && !strings.Contains(d[i:], "]") {
		d = d[:i]
	}
	d = strings.TrimSuffix(d, ".")
	return strings.TrimPrefix(d, "www.")
}

// parentDomains returns d and every parent with at least two labels:
// "a.b.example.com" yields a.b.example.com, b.example.com, example.com.
func parentDomains(d string) []string {
	d = strings.TrimPrefix(d, "www.")
	if d == "" {
		return nil
	}
	out := []string{d}
	for {
		_, rest, ok := strings.Cut(d, ".")
		if !ok || !strings.Contains(rest, ".") {
			return out
		}
		out = append(out, rest)
		d = rest
	}
}
