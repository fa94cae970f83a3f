// Package fetcher downloads a bounded set of pages from a site and splits
// them into text regions.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	"golang.org/x/net/html/charset"
	"golang.org/x/time/rate"

	"outreach/internal/model"
	"outreach/internal/pagekind"
)

// ErrNoPages is returned when not even the home page could be fetched.
var ErrNoPages = errors.New("no pages fetched")

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

const (
	maxBodySize   = 5 * 1024 * 1024
	maxMarkupSize = 512 * 1024
	userAgent     = "Mozilla/5.0 (compatible; OutreachBot/1.0)"
)

// skipExt lists link extensions that never lead to an HTML page.
var skipExt = []string{
	".jpg", ".jpeg", ".png", ".gif", ".webp", ".svg", ".ico", ".pdf", ".zip", ".gz",
	".mp3", ".mp4", ".mov", ".avi", ".css", ".js", ".json", ".xml", ".rss", ".woff", ".woff2", ".ttf",
	".doc", ".docx", ".xls", ".xlsx", ".ppt", ".pptx",
}

// Fetcher is the Content Fetcher over HTTP.
type Fetcher struct {
	client    HTTPClient
	perSecond rate.Limit
	schemes   []string
	log       *slog.Logger
}

// New creates a Fetcher that issues at most perSecond requests per site.
// A non-positive rate disables throttling.
func New(client HTTPClient, perSecond float64, log *slog.Logger) *Fetcher {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	return &Fetcher{
		client:    client,
		perSecond: limit,
		schemes:   []string{"https", "http"},
		log:       log,
	}
}

// NewHTTPClient returns the client used in production.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		CheckRedirect: func(_ *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return errors.New("too many redirects")
			}
			return nil
		},
	}
}

// Fetch downloads the home page of domain and then the most promising
// same-site pages until budget pages were fetched. Contact, team and about
// pages come first; links from the site's feed fill any remaining budget.
func (f *Fetcher) Fetch(ctx context.Context, domain string, budget int) (*model.Snapshot, error) {
	if budget <= 0 {
		budget = 1
	}
	limiter := rate.NewLimiter(f.perSecond, 1)

	var (
		home    *parsedPage
		homeURL *url.URL
		lastErr error
	)
	for _, scheme := range f.schemes {
		u := &url.URL{Scheme: scheme, Host: domain, Path: "/"}
		p, err := f.get(ctx, limiter, u.String())
		if err == nil {
			home, homeURL = p, p.finalURL
			break
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	if home == nil {
		return nil, fmt.Errorf("fetch %s: %w: %w", domain, ErrNoPages, lastErr)
	}

	snap := &model.Snapshot{Pages: []model.Page{home.page}, Markup: home.markup}
	seen := map[string]bool{canonical(homeURL): true}

	queue := rankLinks(homeURL, home.links, seen)
	if len(snap.Pages)+len(queue) < budget {
		for _, feedURL := range home.feeds {
			queue = append(queue, f.feedLinks(ctx, limiter, homeURL, feedURL, seen)...)
		}
	}

	for _, link := range queue {
		if len(snap.Pages) >= budget || ctx.Err() != nil {
			break
		}
		p, err := f.get(ctx, limiter, link)
		if err != nil {
			f.log.Debug("skip page", "domain", domain, "url", link, "error", err)
			continue
		}
		key := canonical(p.finalURL)
		if seen[key] {
			continue
		}
		seen[key] = true
		snap.Pages = append(snap.Pages, p.page)
	}

	f.log.Debug("site fetched", "domain", domain, "pages", len(snap.Pages), "budget", budget)
	return snap, nil
}

func (f *Fetcher) get(ctx context.Context, limiter *rate.Limiter, rawURL string) (*parsedPage, error) {
	body, final, contentType, err := f.download(ctx, limiter, rawURL)
	if err != nil {
		return nil, err
	}
	if contentType != "" && !strings.Contains(contentType, "html") {
		return nil, fmt.Errorf("not html: %s", contentType)
	}
	p, err := parsePage(body, final)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (f *Fetcher) download(ctx context.Context, limiter *rate.Limiter, rawURL string) ([]byte, *url.URL, string, error) {
	if err := limiter.Wait(ctx); err != nil {
		return nil, nil, "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, nil, "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, nil, "", fmt.Errorf("http get: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, nil, "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	r, err := charset.NewReader(io.LimitReader(resp.Body, maxBodySize), contentType)
	if err != nil {
		return nil, nil, "", fmt.Errorf("decode charset: %w", err)
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, "", fmt.Errorf("read body: %w", err)
	}

	final := req.URL
	if resp.Request != nil && resp.Request.URL != nil {
		final = resp.Request.URL
	}
	return body, final, strings.ToLower(contentType), nil
}

// feedLinks reads a feed advertised by the home page and returns its
// same-site item links.
func (f *Fetcher) feedLinks(ctx context.Context, limiter *rate.Limiter, base *url.URL, feedURL string, seen map[string]bool) []string {
	body, _, _, err := f.download(ctx, limiter, feedURL)
	if err != nil {
		f.log.Debug("skip feed", "url", feedURL, "error", err)
		return nil
	}
	feed, err := gofeed.NewParser().ParseString(string(body))
	if err != nil {
		f.log.Debug("parse feed", "url", feedURL, "error", err)
		return nil
	}
	links := make([]string, 0, len(feed.Items))
	for _, item := range feed.Items {
		links = append(links, item.Link)
	}
	return rankLinks(base, links, seen)
}

// rankLinks resolves same-site links, drops duplicates and assets and orders
// them by page kind, then by path depth.
func rankLinks(base *url.URL, hrefs []string, seen map[string]bool) []string {
	type candidate struct {
		url   string
		rank  int
		depth int
	}
	var out []candidate
	queued := map[string]bool{}
	for _, href := range hrefs {
		u, ok := resolve(base, href)
		if !ok {
			continue
		}
		key := canonical(u)
		if seen[key] || queued[key] {
			continue
		}
		queued[key] = true
		out = append(out, candidate{
			url:   u.String(),
			rank:  pagekind.Rank(pagekind.Classify(u.String())),
			depth: strings.Count(strings.Trim(u.Path, "/"), "/"),
		})
	}
	slices.SortStableFunc(out, func(a, b candidate) int {
		if a.rank != b.rank {
			return a.rank - b.rank
		}
		return a.depth - b.depth
	})
	urls := make([]string, len(out))
	for i, c := range out {
		urls[i] = c.url
	}
	return urls
}

func resolve(base *url.URL, href string) (*url.URL, bool) {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return nil, false
	}
	ref, err := url.Parse(href)
	if err != nil {
		return nil, false
	}
	u := base.ResolveReference(ref)
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, false
	}
	if !sameSite(u.Hostname(), base.Hostname()) {
		return nil, false
	}
	if slices.Contains(skipExt, strings.ToLower(path.Ext(u.Path))) {
		return nil, false
	}
	u.Fragment = ""
	u.RawQuery = ""
	return u, true
}

func sameSite(a, b string) bool {
	a = strings.TrimPrefix(strings.ToLower(a), "www.")
	b = strings.TrimPrefix(strings.ToLower(b), "www.")
	return a == b
}

// canonical is the dedup key of a page URL.
func canonical(u *url.URL) string {
	if u == nil {
		return ""
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	p := strings.TrimSuffix(u.Path, "/")
	return host + p
}
