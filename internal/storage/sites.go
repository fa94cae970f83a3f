package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"outreach/internal/model"
)

const siteColumns = `id, domain, status, crawl_attempts, crawl_started_at, crawl_finished_at, last_error,
	snapshot, page_count, word_count, platform, qualified, requirement_id, template_id, match_details, created_at`

// CreateSite inserts a new pending site and populates its ID and CreatedAt.
// A site with the same domain yields ErrDuplicate.
func (s *SQLite) CreateSite(ctx context.Context, site *model.Site) error {
	now := s.stamp()
	if site.Status == "" {
		site.Status = model.SitePending
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO sites (domain, status, template_id, created_at) VALUES (?, ?, ?, ?)`,
		site.Domain, string(site.Status), site.TemplateID, now,
	)
	if err != nil {
		return fmt.Errorf("insert site: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("site %s: %w", site.Domain, ErrDuplicate)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	site.ID = id
	site.CreatedAt, _ = time.Parse(timeLayout, now)
	return nil
}

// GetSite returns a single site by its ID.
func (s *SQLite) GetSite(ctx context.Context, id int64) (*model.Site, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+siteColumns+` FROM sites WHERE id = ?`, id)
	return scanSite(row)
}

// GetSiteByDomain returns a single site by its domain.
func (s *SQLite) GetSiteByDomain(ctx context.Context, domain string) (*model.Site, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+siteColumns+` FROM sites WHERE domain = ?`, domain)
	return scanSite(row)
}

// ListSites returns sites in the given status, or all sites if status is empty.
func (s *SQLite) ListSites(ctx context.Context, status model.SiteStatus, limit int) ([]model.Site, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+siteColumns+` FROM sites WHERE (? = '' OR status = ?) ORDER BY id LIMIT ?`,
		string(status), string(status), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query sites: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanSites(rows)
}

// ListCrawlable returns pending sites and failed sites with attempts left, oldest first.
func (s *SQLite) ListCrawlable(ctx context.Context, maxAttempts, limit int) ([]model.Site, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+siteColumns+` FROM sites
		 WHERE status = 'pending' OR (status = 'failed' AND crawl_attempts < ?)
		 ORDER BY crawl_attempts, id LIMIT ?`,
		maxAttempts, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query crawlable sites: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanSites(rows)
}

// ClaimSiteForCrawl moves a pending or failed site to crawling in a single
// conditional update. A site in any other state yields ErrAlreadyClaimed.
func (s *SQLite) ClaimSiteForCrawl(ctx context.Context, id int64, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sites
		 SET status = 'crawling', crawl_attempts = crawl_attempts + 1, crawl_started_at = ?, last_error = ''
		 WHERE id = ? AND status IN ('pending', 'failed')`,
		formatTime(at), id,
	)
	if err != nil {
		return fmt.Errorf("claim site: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected != 1 {
		return fmt.Errorf("claim site %d: %w", id, ErrAlreadyClaimed)
	}
	return nil
}

// CompleteCrawl stores the snapshot of a crawling site and marks it completed.
func (s *SQLite) CompleteCrawl(ctx context.Context, id int64, r CrawlResult, at time.Time) error {
	snap, err := mustJSON(r.Snapshot)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sites
		 SET status = 'completed', snapshot = ?, page_count = ?, word_count = ?, platform = ?, crawl_finished_at = ?,
		     processed_at = NULL
		 WHERE id = ? AND status = 'crawling'`,
		snap, r.PageCount, r.WordCount, r.Platform, formatTime(at), id,
	)
	if err != nil {
		return fmt.Errorf("complete crawl: %w", err)
	}
	return expectOne(res, "complete crawl", id)
}

// FailCrawl marks a crawling site failed and records the reason.
func (s *SQLite) FailCrawl(ctx context.Context, id int64, reason string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sites SET status = 'failed', last_error = ?, crawl_finished_at = ?
		 WHERE id = ? AND status = 'crawling'`,
		reason, formatTime(at), id,
	)
	if err != nil {
		return fmt.Errorf("fail crawl: %w", err)
	}
	return expectOne(res, "fail crawl", id)
}

// ListStaleCrawls returns sites that have been crawling since before the
// given time, oldest first.
func (s *SQLite) ListStaleCrawls(ctx context.Context, startedBefore time.Time, limit int) ([]model.Site, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+siteColumns+` FROM sites
		 WHERE status = 'crawling' AND crawl_started_at < ?
		 ORDER BY crawl_started_at, id LIMIT ?`,
		formatTime(startedBefore), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query stale crawls: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanSites(rows)
}

// FailStaleCrawl marks a site failed if it is still crawling and its crawl
// started before the given time. A site claimed again in the meantime
// yields ErrStaleState.
func (s *SQLite) FailStaleCrawl(ctx context.Context, id int64, startedBefore time.Time, reason string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sites SET status = 'failed', last_error = ?, crawl_finished_at = ?
		 WHERE id = ? AND status = 'crawling' AND crawl_started_at < ?`,
		reason, formatTime(at), id, formatTime(startedBefore),
	)
	if err != nil {
		return fmt.Errorf("fail stale crawl: %w", err)
	}
	return expectOne(res, "fail stale crawl", id)
}

// ListUnprocessedSites returns crawled sites whose extraction and evaluation
// never finished.
func (s *SQLite) ListUnprocessedSites(ctx context.Context, limit int) ([]model.Site, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+siteColumns+` FROM sites
		 WHERE status IN ('completed', 'per_review') AND snapshot IS NOT NULL AND processed_at IS NULL
		 ORDER BY id LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query unprocessed sites: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanSites(rows)
}

// MarkSiteProcessed stamps a site whose contacts were extracted and whose
// evaluation was stored.
func (s *SQLite) MarkSiteProcessed(ctx context.Context, id int64, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sites SET processed_at = ? WHERE id = ?`, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("mark site processed: %w", err)
	}
	return expectOne(res, "mark site processed", id)
}

// TransitionSite moves a site from one status to another if it is still in from.
func (s *SQLite) TransitionSite(ctx context.Context, id int64, from, to model.SiteStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sites SET status = ? WHERE id = ? AND status = ?`,
		string(to), id, string(from),
	)
	if err != nil {
		return fmt.Errorf("transition site: %w", err)
	}
	return expectOne(res, "transition site", id)
}

// NoteSiteError stores a reason on the site without changing its status.
func (s *SQLite) NoteSiteError(ctx context.Context, id int64, reason string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sites SET last_error = ? WHERE id = ?`, reason, id)
	if err != nil {
		return fmt.Errorf("note site error: %w", err)
	}
	return expectOne(res, "note site error", id)
}

// SaveEvaluation persists the qualification outcome and per-set match details.
func (s *SQLite) SaveEvaluation(ctx context.Context, id int64, ev Evaluation) error {
	details, err := mustJSON(ev.Details)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sites
		 SET qualified = ?, requirement_id = ?, match_details = ?, template_id = COALESCE(template_id, ?)
		 WHERE id = ?`,
		boolToInt(ev.Qualified), ev.RequirementID, details, ev.TemplateID, id,
	)
	if err != nil {
		return fmt.Errorf("save evaluation: %w", err)
	}
	return expectOne(res, "save evaluation", id)
}

// ListSitesAwaitingReview returns qualified sites with a bound template that
// still have valid contacts without a review item and fewer than maxItems
// review items so far.
func (s *SQLite) ListSitesAwaitingReview(ctx context.Context, maxItems, limit int) ([]model.Site, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+siteColumns+` FROM sites s
		 WHERE s.qualified = 1 AND s.template_id IS NOT NULL AND s.status IN ('completed', 'per_review')
		   AND EXISTS (
		       SELECT 1 FROM contacts c
		       WHERE c.site_id = s.id AND c.valid = 1
		         AND NOT EXISTS (SELECT 1 FROM review_items r WHERE r.site_id = s.id AND r.contact_id = c.id))
		   AND (SELECT COUNT(*) FROM review_items r WHERE r.site_id = s.id) < ?
		 ORDER BY s.id LIMIT ?`,
		maxItems, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query sites awaiting review: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanSites(rows)
}

func expectOne(res sql.Result, what string, id int64) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%s %d: %w", what, id, ErrStaleState)
	}
	return nil
}

func scanSite(row scannable) (*model.Site, error) {
	var site model.Site
	var status, details, created string
	var started, finished, snapshot sql.NullString
	var qualified int
	var reqID, tmplID sql.NullInt64
	err := row.Scan(&site.ID, &site.Domain, &status, &site.CrawlAttempts, &started, &finished, &site.LastError,
		&snapshot, &site.PageCount, &site.WordCount, &site.Platform, &qualified, &reqID, &tmplID, &details, &created)
	if err != nil {
		return nil, notFound(err, "site")
	}
	site.Status = model.SiteStatus(status)
	site.CrawlStartedAt = parseNullTime(started)
	site.CrawlFinishedAt = parseNullTime(finished)
	site.Qualified = qualified == 1
	site.RequirementID = nullInt(reqID)
	site.TemplateID = nullInt(tmplID)
	site.CreatedAt, _ = time.Parse(timeLayout, created)
	if snapshot.Valid && snapshot.String != "" && snapshot.String != "null" {
		var snap model.Snapshot
		if err := json.Unmarshal([]byte(snapshot.String), &snap); err != nil {
			return nil, fmt.Errorf("decode snapshot of site %d: %w", site.ID, err)
		}
		site.Snapshot = &snap
	}
	if details != "" {
		if err := json.Unmarshal([]byte(details), &site.MatchDetails); err != nil {
			return nil, fmt.Errorf("decode match details of site %d: %w", site.ID, err)
		}
	}
	return &site, nil
}

func scanSites(rows *sql.Rows) ([]model.Site, error) {
	var sites []model.Site
	for rows.Next() {
		site, err := scanSite(rows)
		if err != nil {
			return nil, err
		}
		sites = append(sites, *site)
	}
	return sites, rows.Err()
}
