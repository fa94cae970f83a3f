// Package storage defines the persistence interface and its implementations.
package storage

import (
	"context"
	"errors"
	"time"

	"outreach/internal/model"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when a row with the same natural key already exists.
	ErrDuplicate = errors.New("already exists")
	// ErrAlreadyClaimed is returned when a site is not in a claimable state.
	ErrAlreadyClaimed = errors.New("site is not claimable")
	// ErrStaleState is returned when a conditional transition finds the row in another state.
	ErrStaleState = errors.New("row is not in the expected state")
	// ErrNoCapacity is returned when no active send account has quota left.
	ErrNoCapacity = errors.New("no send account with remaining capacity")
)

// CrawlResult is the outcome of a successful fetch persisted on a site.
type CrawlResult struct {
	Snapshot  *model.Snapshot
	PageCount int
	WordCount int
	Platform  string
}

// Evaluation is the qualification outcome persisted on a site.
type Evaluation struct {
	Qualified     bool
	RequirementID *int64
	// TemplateID is bound to the site only if the site has no template yet.
	TemplateID *int64
	Details    []model.MatchDetail
}

// SendOutcome describes a finished delivery attempt of a review item.
type SendOutcome struct {
	ItemID    int64
	ContactID int64
	AccountID *int64
	Record    model.SentRecord
	At        time.Time
}

// Storage is the interface for all persistence operations.
type Storage interface {
	CreateSite(ctx context.Context, site *model.Site) error
	GetSite(ctx context.Context, id int64) (*model.Site, error)
	GetSiteByDomain(ctx context.Context, domain string) (*model.Site, error)
	ListSites(ctx context.Context, status model.SiteStatus, limit int) ([]model.Site, error)
	ListCrawlable(ctx context.Context, maxAttempts, limit int) ([]model.Site, error)
	ClaimSiteForCrawl(ctx context.Context, id int64, at time.Time) error
	CompleteCrawl(ctx context.Context, id int64, res CrawlResult, at time.Time) error
	FailCrawl(ctx context.Context, id int64, reason string, at time.Time) error
	TransitionSite(ctx context.Context, id int64, from, to model.SiteStatus) error
	SaveEvaluation(ctx context.Context, id int64, ev Evaluation) error
	NoteSiteError(ctx context.Context, id int64, reason string) error
	ListStaleCrawls(ctx context.Context, startedBefore time.Time, limit int) ([]model.Site, error)
	FailStaleCrawl(ctx context.Context, id int64, startedBefore time.Time, reason string, at time.Time) error
	ListUnprocessedSites(ctx context.Context, limit int) ([]model.Site, error)
	MarkSiteProcessed(ctx context.Context, id int64, at time.Time) error
	ListSitesAwaitingReview(ctx context.Context, maxItems, limit int) ([]model.Site, error)

	CreateRequirementSet(ctx context.Context, rs *model.RequirementSet) error
	UpsertRequirementSet(ctx context.Context, rs *model.RequirementSet) error
	ListRequirementSets(ctx context.Context, activeOnly bool) ([]model.RequirementSet, error)

	CreateTemplate(ctx context.Context, t *model.Template) error
	UpsertTemplate(ctx context.Context, t *model.Template) error
	GetTemplate(ctx context.Context, id int64) (*model.Template, error)

	CreateContact(ctx context.Context, c *model.Contact) (bool, error)
	GetContact(ctx context.Context, id int64) (*model.Contact, error)
	ListContacts(ctx context.Context, siteID int64) ([]model.Contact, error)
	ListUnvalidatedContacts(ctx context.Context, siteID int64) ([]model.Contact, error)
	SaveValidation(ctx context.Context, id int64, valid bool, reason string, at time.Time) error
	ListReviewCandidates(ctx context.Context, siteID int64, limit int) ([]model.Contact, error)

	CreateAccount(ctx context.Context, a *model.SendAccount) error
	GetAccount(ctx context.Context, id int64) (*model.SendAccount, error)
	ListAccounts(ctx context.Context) ([]model.SendAccount, error)
	ReserveAccount(ctx context.Context) (*model.SendAccount, error)
	ReleaseAccount(ctx context.Context, id int64) error
	ResetHourlyCounters(ctx context.Context) (int64, error)
	ResetDailyCounters(ctx context.Context) (int64, error)

	CreateReviewItem(ctx context.Context, item *model.ReviewItem) (bool, error)
	GetReviewItem(ctx context.Context, id int64) (*model.ReviewItem, error)
	CountSiteReviewItems(ctx context.Context, siteID int64) (int, error)
	ListReviewItems(ctx context.Context, status model.ReviewStatus, limit int) ([]model.ReviewItem, error)
	DecideReviewItem(ctx context.Context, id int64, to model.ReviewStatus, reviewer, notes string, at time.Time) (bool, error)
	RequeueReviewItem(ctx context.Context, id int64) error
	DeferReviewItem(ctx context.Context, id int64, reason string) error
	FailReviewItem(ctx context.Context, id int64, reason string) error
	RecordSendSuccess(ctx context.Context, out SendOutcome) error
	RecordSendFailure(ctx context.Context, out SendOutcome) error
	MarkReviewItemDelivered(ctx context.Context, id int64, accountID *int64, reason string, at time.Time) error
	LastSentAt(ctx context.Context, contactID, templateID int64, recipient string) (*time.Time, error)
	ListSentRecords(ctx context.Context, itemID int64) ([]model.SentRecord, error)

	AddBlockEntry(ctx context.Context, e *model.BlockEntry) (bool, error)
	FindBlockEntries(ctx context.Context, emails, domains []string) ([]model.BlockEntry, error)
	ListBlockEntries(ctx context.Context) ([]model.BlockEntry, error)
	DeleteBlockEntry(ctx context.Context, id int64) error

	Stats(ctx context.Context) (*model.Stats, error)

	Close() error
}
