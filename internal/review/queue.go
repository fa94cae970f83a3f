// Package review builds outreach messages for qualified sites and tracks
// their human moderation.
package review

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"outreach/internal/model"
	"outreach/internal/render"
	"outreach/internal/storage"
)

var (
	// ErrNoTemplate is returned when a site has no template bound.
	ErrNoTemplate = errors.New("site has no template bound")
	// ErrNoReviewer is returned when a decision is made without an actor.
	ErrNoReviewer = errors.New("reviewer is required")
)

// Notifier is told about newly created review items.
type Notifier interface {
	NotifyReviewItem(item model.ReviewItem)
}

// BlockChecker reports whether an address or site is blocklisted.
type BlockChecker interface {
	Check(ctx context.Context, email, siteDomain string) (*model.BlockEntry, bool, error)
}

// Queue creates review items and applies moderation decisions.
type Queue struct {
	store      storage.Storage
	blocks     BlockChecker
	notifier   Notifier
	sender     render.Sender
	maxPerSite int
	log        *slog.Logger
	now        func() time.Time
}

// New creates a Queue. maxPerSite caps how many contacts of one site get a
// review item. notifier may be nil.
func New(store storage.Storage, blocks BlockChecker, notifier Notifier, sender render.Sender, maxPerSite int, log *slog.Logger) *Queue {
	if maxPerSite <= 0 {
		maxPerSite = 1
	}
	return &Queue{
		store:      store,
		blocks:     blocks,
		notifier:   notifier,
		sender:     sender,
		maxPerSite: maxPerSite,
		log:        log,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source.
func (q *Queue) SetClock(now func() time.Time) {
	q.now = now
}

// MaxPerSite returns the per-site review item cap.
func (q *Queue) MaxPerSite() int {
	return q.maxPerSite
}

// CreateForSite renders the site's template for its best valid contacts that
// do not have a review item yet, up to the per-site cap. Blocklisted contacts
// are marked invalid instead. It returns the number of items created.
// Re-running it for the same site never creates duplicates.
func (q *Queue) CreateForSite(ctx context.Context, siteID int64) (int, error) {
	site, err := q.store.GetSite(ctx, siteID)
	if err != nil {
		return 0, fmt.Errorf("get site: %w", err)
	}
	if !site.Qualified {
		return 0, nil
	}
	if site.TemplateID == nil {
		return 0, fmt.Errorf("site %d: %w", site.ID, ErrNoTemplate)
	}

	existing, err := q.store.CountSiteReviewItems(ctx, site.ID)
	if err != nil {
		return 0, err
	}
	room := q.maxPerSite - existing
	if room <= 0 {
		return 0, nil
	}

	candidates, err := q.store.ListReviewCandidates(ctx, site.ID, room)
	if err != nil {
		return 0, fmt.Errorf("list candidates: %w", err)
	}
	if len(candidates) == 0 {
		return 0, nil
	}

	tmpl, err := q.store.GetTemplate(ctx, *site.TemplateID)
	if err != nil {
		return 0, fmt.Errorf("get template %d: %w", *site.TemplateID, err)
	}

	created := 0
	for i := range candidates {
		c := &candidates[i]
		entry, blocked, err := q.blocks.Check(ctx, c.Email, site.Domain)
		if err != nil {
			return created, fmt.Errorf("check blocklist: %w", err)
		}
		if blocked {
			reason := fmt.Sprintf("blocklisted %s %s", entry.Type, entry.Value)
			if err := q.store.SaveValidation(ctx, c.ID, false, reason, q.now()); err != nil {
				return created, fmt.Errorf("invalidate blocked contact: %w", err)
			}
			q.log.Info("skipped blocklisted contact", "site_id", site.ID, "contact_id", c.ID, "email", c.Email)
			continue
		}

		msg := render.Render(tmpl, render.NewVars(c, site, q.sender))
		item := model.ReviewItem{
			SiteID:     site.ID,
			ContactID:  c.ID,
			TemplateID: tmpl.ID,
			Recipient:  c.Email,
			Subject:    msg.Subject,
			Body:       msg.Body,
			Preheader:  msg.Preheader,
			Priority:   c.Priority,
		}
		ok, err := q.store.CreateReviewItem(ctx, &item)
		if err != nil {
			return created, fmt.Errorf("create review item: %w", err)
		}
		if !ok {
			continue
		}
		created++
		if left := render.Unresolved(msg.Subject + msg.Body); len(left) > 0 {
			q.log.Warn("review item has unresolved placeholders", "item_id", item.ID, "placeholders", left)
		}
		if q.notifier != nil {
			q.notifier.NotifyReviewItem(item)
		}
	}

	if created > 0 {
		q.log.Info("review items created", "site_id", site.ID, "domain", site.Domain, "count", created)
	}
	return created, nil
}

// Approve moves a pending item to approved. It reports whether the item
// changed; deciding an item that is no longer pending is a no-op.
func (q *Queue) Approve(ctx context.Context, id int64, reviewer, notes string) (bool, error) {
	return q.decide(ctx, id, model.ReviewApproved, reviewer, notes)
}

// Reject moves a pending item to rejected. See Approve.
func (q *Queue) Reject(ctx context.Context, id int64, reviewer, notes string) (bool, error) {
	return q.decide(ctx, id, model.ReviewRejected, reviewer, notes)
}

// BulkApprove approves every pending item among ids and returns how many changed.
func (q *Queue) BulkApprove(ctx context.Context, ids []int64, reviewer, notes string) (int, error) {
	return q.bulk(ctx, ids, model.ReviewApproved, reviewer, notes)
}

// BulkReject rejects every pending item among ids and returns how many changed.
func (q *Queue) BulkReject(ctx context.Context, ids []int64, reviewer, notes string) (int, error) {
	return q.bulk(ctx, ids, model.ReviewRejected, reviewer, notes)
}

// Pending returns pending items, highest priority first.
func (q *Queue) Pending(ctx context.Context, limit int) ([]model.ReviewItem, error) {
	return q.store.ListReviewItems(ctx, model.ReviewPending, limit)
}

// NextApproved returns up to batch approved items ordered by priority, then
// creation time.
func (q *Queue) NextApproved(ctx context.Context, batch int) ([]model.ReviewItem, error) {
	return q.store.ListReviewItems(ctx, model.ReviewApproved, batch)
}

// Get returns a single review item.
func (q *Queue) Get(ctx context.Context, id int64) (*model.ReviewItem, error) {
	return q.store.GetReviewItem(ctx, id)
}

func (q *Queue) decide(ctx context.Context, id int64, to model.ReviewStatus, reviewer, notes string) (bool, error) {
	if reviewer == "" {
		return false, ErrNoReviewer
	}
	changed, err := q.store.DecideReviewItem(ctx, id, to, reviewer, notes, q.now())
	if err != nil {
		return false, fmt.Errorf("decide review item %d: %w", id, err)
	}
	if changed {
		q.log.Info("review item decided", "item_id", id, "status", to, "reviewer", reviewer)
	}
	return changed, nil
}

func (q *Queue) bulk(ctx context.Context, ids []int64, to model.ReviewStatus, reviewer, notes string) (int, error) {
	if reviewer == "" {
		return 0, ErrNoReviewer
	}
	n := 0
	for _, id := range ids {
		changed, err := q.decide(ctx, id, to, reviewer, notes)
		if err != nil {
			return n, err
		}
		if changed {
			n++
		}
	}
	return n, nil
}
