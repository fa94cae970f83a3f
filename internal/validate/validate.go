// Package validate decides whether an extracted address is deliverable.
package validate

import (
	"bufio"
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"
	"unicode/utf8"

	"outreach/internal/model"
	"outreach/internal/storage"
)

//go:embed disposable_domains.txt
var disposableList string

const maxReasonLen = 300

// MXChecker reports whether a domain publishes MX records.
type MXChecker interface {
	HasMX(ctx context.Context, domain string) (bool, error)
}

// BlockChecker reports whether an address or site is blocklisted.
type BlockChecker interface {
	Check(ctx context.Context, email, siteDomain string) (*model.BlockEntry, bool, error)
}

// Verdict is the outcome of validating one address.
type Verdict struct {
	Valid  bool
	Reason string
}

// Validator runs syntax, MX, disposable and blocklist checks in order and
// stops at the first failure.
type Validator struct {
	store      storage.Storage
	mx         MXChecker
	blocks     BlockChecker
	disposable map[string]bool
	log        *slog.Logger
	now        func() time.Time
}

// New creates a Validator with the embedded disposable domain list.
func New(store storage.Storage, mx MXChecker, blocks BlockChecker, log *slog.Logger) *Validator {
	return &Validator{
		store:      store,
		mx:         mx,
		blocks:     blocks,
		disposable: parseDomainList(disposableList),
		log:        log,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source.
func (v *Validator) SetClock(now func() time.Time) {
	v.now = now
}

// ValidateContact validates a contact and stores the verdict. Contacts that
// were already validated are left alone and their stored verdict returned.
// Collaborator failures are returned without storing anything so the caller
// can retry; see MarkError for the terminal fallback.
func (v *Validator) ValidateContact(ctx context.Context, contactID int64) (*Verdict, error) {
	c, err := v.store.GetContact(ctx, contactID)
	if err != nil {
		return nil, fmt.Errorf("get contact: %w", err)
	}
	if c.Validated {
		return &Verdict{Valid: c.Valid, Reason: c.ValidationReason}, nil
	}

	var siteDomain string
	if site, err := v.store.GetSite(ctx, c.SiteID); err == nil {
		siteDomain = site.Domain
	}

	verdict, err := v.Check(ctx, c.Email, siteDomain)
	if err != nil {
		return nil, err
	}
	if err := v.store.SaveValidation(ctx, c.ID, verdict.Valid, verdict.Reason, v.now()); err != nil {
		return nil, fmt.Errorf("save validation: %w", err)
	}
	v.log.Debug("contact validated", "contact_id", c.ID, "email", c.Email, "valid", verdict.Valid, "reason", verdict.Reason)
	return verdict, nil
}

// Check runs the validation steps against an address without storing anything.
func (v *Validator) Check(ctx context.Context, email, siteDomain string) (*Verdict, error) {
	domain, reason := checkSyntax(email)
	if reason != "" {
		return &Verdict{Reason: reason}, nil
	}

	ok, err := v.mx.HasMX(ctx, domain)
	if err != nil {
		return nil, fmt.Errorf("check MX: %w", err)
	}
	if !ok {
		return &Verdict{Reason: "no MX records for " + domain}, nil
	}

	if v.isDisposable(domain) {
		return &Verdict{Reason: "disposable email domain " + domain}, nil
	}

	entry, blocked, err := v.blocks.Check(ctx, email, siteDomain)
	if err != nil {
		return nil, fmt.Errorf("check blocklist: %w", err)
	}
	if blocked {
		return &Verdict{Reason: blockReason(entry)}, nil
	}

	return &Verdict{Valid: true}, nil
}

// MarkError records a contact as validated and invalid because validation
// itself failed, so it is never left unvalidated.
func (v *Validator) MarkError(ctx context.Context, contactID int64, cause error) error {
	reason := "validation error: " + cause.Error()
	if len(reason) > maxReasonLen {
		n := maxReasonLen
		for n > 0 && !utf8.RuneStart(reason[n]) {
			n--
		}
		reason = reason[:n]
	}
	if err := v.store.SaveValidation(ctx, contactID, false, reason, v.now()); err != nil {
		return fmt.Errorf("save validation error: %w", err)
	}
	v.log.Warn("contact validation failed", "contact_id", contactID, "error", cause)
	return nil
}

func (v *Validator) isDisposable(domain string) bool {
	for d := domain; d != ""; {
		if v.disposable[d] {
			return true
		}
		_, rest, ok := strings.Cut(d, ".")
		if !ok {
			break
		}
		d = rest
	}
	return false
}

// checkSyntax returns the lowercased domain of a well-formed bare address,
// or a reason why it is malformed.
func checkSyntax(email string) (domain, reason string) {
	email = strings.TrimSpace(email)
	if email == "" {
		return "", "invalid syntax: empty address"
	}
	addr, err := mail.ParseAddress(email)
	if err != nil {
		return "", "invalid syntax: " + err.Error()
	}
	if addr.Address != email || addr.Name != "" {
		return "", "invalid syntax: not a bare address"
	}
	if len(email) > 254 {
		return "", "invalid syntax: address too long"
	}
	local, domain, _ := strings.Cut(email, "@")
	if len(local) > 64 {
		return "", "invalid syntax: local part too long"
	}
	if !strings.Contains(domain, ".") || strings.HasPrefix(domain, ".") || strings.HasSuffix(domain, ".") ||
		strings.Contains(domain, "..") {
		return "", "invalid syntax: bad domain " + domain
	}
	return strings.ToLower(domain), ""
}

func blockReason(e *model.BlockEntry) string {
	if e == nil {
		return "blocklisted"
	}
	if e.Reason != "" {
		return fmt.Sprintf("blocklisted %s %s: %s", e.Type, e.Value, e.Reason)
	}
	return fmt.Sprintf("blocklisted %s %s", e.Type, e.Value)
}

func parseDomainList(s string) map[string]bool {
	out := make(map[string]bool)
	sc := bufio.NewScanner(strings.NewReader(s))
	for sc.Scan() {
		line := strings.ToLower(strings.TrimSpace(sc.Text()))
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out[line] = true
	}
	return out
}
