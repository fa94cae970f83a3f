// Package crawl drives the per-site crawl lifecycle.
package crawl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"outreach/internal/model"
	"outreach/internal/storage"
)

var (
	// ErrNotClaimable is returned when the site is already crawling or finished.
	ErrNotClaimable = errors.New("site is not claimable for crawl")
	// ErrAttemptsExhausted is returned when a failed site has used its crawl budget.
	ErrAttemptsExhausted = errors.New("crawl attempts exhausted")
	// ErrEmptySnapshot is returned when the fetcher produced no pages.
	ErrEmptySnapshot = errors.New("fetcher returned no pages")
)

// Fetcher retrieves up to budget pages of a site.
type Fetcher interface {
	Fetch(ctx context.Context, domain string, budget int) (*model.Snapshot, error)
}

// Machine moves sites through pending → crawling → completed | failed.
type Machine struct {
	store       storage.Storage
	fetcher     Fetcher
	log         *slog.Logger
	maxAttempts int
	now         func() time.Time
}

// New creates a Machine. maxAttempts bounds how often a failed site is retried.
func New(store storage.Storage, fetcher Fetcher, maxAttempts int, log *slog.Logger) *Machine {
	return &Machine{
		store:       store,
		fetcher:     fetcher,
		log:         log,
		maxAttempts: maxAttempts,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source.
func (m *Machine) SetClock(now func() time.Time) {
	m.now = now
}

// Crawl claims the site, fetches up to budget pages and stores the snapshot.
// A fetch error leaves the site failed with the reason and is returned so the
// caller can retry. A site already crawling yields ErrNotClaimable.
func (m *Machine) Crawl(ctx context.Context, siteID int64, budget int) (*model.Site, error) {
	site, err := m.store.GetSite(ctx, siteID)
	if err != nil {
		return nil, fmt.Errorf("get site: %w", err)
	}
	if site.Status == model.SiteFailed && m.maxAttempts > 0 && site.CrawlAttempts >= m.maxAttempts {
		return nil, fmt.Errorf("site %s after %d attempts: %w", site.Domain, site.CrawlAttempts, ErrAttemptsExhausted)
	}

	if err := m.store.ClaimSiteForCrawl(ctx, siteID, m.now()); err != nil {
		if errors.Is(err, storage.ErrAlreadyClaimed) {
			return nil, fmt.Errorf("site %s: %w", site.Domain, ErrNotClaimable)
		}
		return nil, fmt.Errorf("claim site: %w", err)
	}
	m.log.Debug("crawl started", "site_id", siteID, "domain", site.Domain, "budget", budget)

	snap, err := m.fetcher.Fetch(ctx, site.Domain, budget)
	if err == nil && (snap == nil || len(snap.Pages) == 0) {
		err = ErrEmptySnapshot
	}
	if err != nil {
		m.fail(siteID, site.Domain, err)
		return nil, fmt.Errorf("fetch %s: %w", site.Domain, err)
	}

	res := storage.CrawlResult{
		Snapshot:  snap,
		PageCount: len(snap.Pages),
		WordCount: CountWords(snap.Corpus()),
		Platform:  DetectPlatform(snap.Markup),
	}
	// Markup is only needed for detection.
	snap.Markup = ""

	if err := m.store.CompleteCrawl(ctx, siteID, res, m.now()); err != nil {
		m.fail(siteID, site.Domain, err)
		return nil, fmt.Errorf("complete crawl: %w", err)
	}
	m.log.Info("crawl completed", "site_id", siteID, "domain", site.Domain,
		"pages", res.PageCount, "words", res.WordCount, "platform", res.Platform)

	return m.store.GetSite(ctx, siteID)
}

// fail records a crawl failure. It uses a fresh context so that a cancelled
// task still leaves the site in a recorded state.
func (m *Machine) fail(siteID int64, domain string, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	reason := truncate(cause.Error(), 500)
	if err := m.store.FailCrawl(ctx, siteID, reason, m.now()); err != nil {
		m.log.Error("record crawl failure", "site_id", siteID, "domain", domain, "error", err)
		return
	}
	m.log.Warn("crawl failed", "site_id", siteID, "domain", domain, "error", cause)
}

// Retry returns a failed site to pending with its attempt history kept.
func (m *Machine) Retry(ctx context.Context, siteID int64) error {
	if err := m.store.TransitionSite(ctx, siteID, model.SiteFailed, model.SitePending); err != nil {
		return fmt.Errorf("retry site: %w", err)
	}
	return nil
}

// ForceReview moves a completed site to per_review.
func (m *Machine) ForceReview(ctx context.Context, siteID int64) error {
	if err := m.store.TransitionSite(ctx, siteID, model.SiteCompleted, model.SitePerReview); err != nil {
		return fmt.Errorf("force review: %w", err)
	}
	return nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
