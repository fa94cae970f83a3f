// Package pipeline wires the qualification and dispatch stages together as
// worker tasks and scheduled sweeps.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"outreach/internal/crawl"
	"outreach/internal/criteria"
	"outreach/internal/dispatch"
	"outreach/internal/extract"
	"outreach/internal/locks"
	"outreach/internal/mailer"
	"outreach/internal/model"
	"outreach/internal/review"
	"outreach/internal/storage"
	"outreach/internal/validate"
	"outreach/internal/worker"
)

// Sweep kinds.
const (
	SweepCrawl    = "crawl"
	SweepReview   = "review"
	SweepDispatch = "dispatch"
	SweepHourly   = "hourly-reset"
	SweepDaily    = "daily-reset"
	SweepRecovery = "recovery"
)

// Task kinds.
const (
	TaskCrawl    = "crawl"
	TaskProcess  = "process"
	TaskValidate = "validate"
	TaskDispatch = "dispatch"
)

// Recorder receives pipeline counters.
type Recorder interface {
	Crawl(outcome string)
	Send(status string)
	ReviewItemsCreated(n int)
	Sweep(kind, result string)
}

type nopRecorder struct{}

func (nopRecorder) Crawl(string)           {}
func (nopRecorder) Send(string)            {}
func (nopRecorder) ReviewItemsCreated(int) {}
func (nopRecorder) Sweep(string, string)   {}

// Deps are the stage components the pipeline drives.
type Deps struct {
	Store      storage.Storage
	Crawler    *crawl.Machine
	Extractor  *extract.Extractor
	Validator  *validate.Validator
	Queue      *review.Queue
	Dispatcher *dispatch.Dispatcher
	Pool       *worker.Pool
	// Metrics may be nil.
	Metrics Recorder
}

// Config sizes the sweeps.
type Config struct {
	CrawlBatch       int
	CrawlMaxAttempts int
	BudgetFloor      int
	BudgetMargin     int
	ReviewBatch      int
	DispatchBatch    int
	// StaleCrawlAfter is how long a site may stay crawling before the
	// recovery sweep fails it.
	StaleCrawlAfter time.Duration
}

// Pipeline runs sweeps and hands work to the pool.
type Pipeline struct {
	Deps
	cfg        Config
	sweeps     *locks.KeyedMutex
	crawling   *locks.KeyedMutex
	processing *locks.KeyedMutex
	validating *locks.KeyedMutex
	log        *slog.Logger
	now        func() time.Time
}

// New creates a Pipeline.
func New(deps Deps, cfg Config, log *slog.Logger) *Pipeline {
	if deps.Metrics == nil {
		deps.Metrics = nopRecorder{}
	}
	if cfg.StaleCrawlAfter <= 0 {
		cfg.StaleCrawlAfter = 10 * time.Minute
	}
	return &Pipeline{
		Deps:       deps,
		cfg:        cfg,
		sweeps:     locks.NewKeyedMutex(),
		crawling:   locks.NewKeyedMutex(),
		processing: locks.NewKeyedMutex(),
		validating: locks.NewKeyedMutex(),
		log:        log,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source.
func (p *Pipeline) SetClock(now func() time.Time) {
	p.now = now
}

// exclusive runs fn unless a sweep of the same kind is still running.
func (p *Pipeline) exclusive(kind string, fn func() error) error {
	if !p.sweeps.TryLock(kind) {
		p.log.Debug("sweep still running, skipping", "kind", kind)
		p.Metrics.Sweep(kind, "skipped")
		return nil
	}
	defer p.sweeps.Unlock(kind)

	if err := fn(); err != nil {
		p.Metrics.Sweep(kind, "error")
		return fmt.Errorf("%s sweep: %w", kind, err)
	}
	p.Metrics.Sweep(kind, "ran")
	return nil
}

// CrawlSweep queues crawl tasks for pending sites and failed sites with
// attempts left. Sites with a crawl task in flight are skipped.
func (p *Pipeline) CrawlSweep(ctx context.Context) error {
	return p.exclusive(SweepCrawl, func() error {
		sets, err := p.Store.ListRequirementSets(ctx, true)
		if err != nil {
			return fmt.Errorf("list requirement sets: %w", err)
		}
		budget := criteria.PageBudget(sets, p.cfg.BudgetMargin, p.cfg.BudgetFloor)

		sites, err := p.Store.ListCrawlable(ctx, p.cfg.CrawlMaxAttempts, p.cfg.CrawlBatch)
		if err != nil {
			return fmt.Errorf("list crawlable sites: %w", err)
		}
		queued := 0
		for _, site := range sites {
			if p.EnqueueCrawl(site.ID, budget) {
				queued++
			}
		}
		if queued > 0 {
			p.log.Info("crawl tasks queued", "count", queued, "budget", budget)
		}
		return nil
	})
}

// EnqueueCrawl submits a crawl task for the site unless one is in flight.
func (p *Pipeline) EnqueueCrawl(siteID int64, budget int) bool {
	key := strconv.FormatInt(siteID, 10)
	if !p.crawling.TryLock(key) {
		return false
	}
	p.Pool.Submit(worker.Task{
		Kind: TaskCrawl,
		Key:  key,
		Run: func(ctx context.Context) error {
			return p.crawlSite(ctx, siteID, budget)
		},
		Permanent: func(err error) bool {
			return errors.Is(err, crawl.ErrNotClaimable) || errors.Is(err, crawl.ErrAttemptsExhausted) ||
				errors.Is(err, storage.ErrNotFound)
		},
		OnDone: func(error) { p.crawling.Unlock(key) },
	})
	return true
}

func (p *Pipeline) crawlSite(ctx context.Context, siteID int64, budget int) error {
	site, err := p.Crawler.Crawl(ctx, siteID, budget)
	if err != nil {
		if !errors.Is(err, crawl.ErrNotClaimable) {
			p.Metrics.Crawl("failed")
		}
		return err
	}
	p.Metrics.Crawl("completed")
	p.enqueueProcess(site.ID)
	return nil
}

func (p *Pipeline) enqueueProcess(siteID int64) bool {
	key := strconv.FormatInt(siteID, 10)
	if !p.processing.TryLock(key) {
		return false
	}
	p.Pool.Submit(worker.Task{
		Kind: TaskProcess,
		Key:  key,
		Run: func(ctx context.Context) error {
			return p.ProcessSite(ctx, siteID)
		},
		Permanent: func(err error) bool { return errors.Is(err, storage.ErrNotFound) },
		OnAbandon: func(ctx context.Context, err error) {
			if nerr := p.Store.NoteSiteError(ctx, siteID, "processing error: "+truncate(err.Error(), 300)); nerr != nil {
				p.log.Error("record processing failure", "site_id", siteID, "error", nerr)
			}
		},
		OnDone: func(error) { p.processing.Unlock(key) },
	})
	return true
}

// ProcessSite runs extraction and evaluation of a crawled site in parallel
// and then queues validation of every contact not validated yet. Both stages
// are idempotent, so the task can be retried as a whole. The site is stamped
// processed once everything is queued.
func (p *Pipeline) ProcessSite(ctx context.Context, siteID int64) error {
	site, err := p.Store.GetSite(ctx, siteID)
	if err != nil {
		return fmt.Errorf("get site: %w", err)
	}
	if site.Snapshot == nil {
		return worker.Permanent(fmt.Errorf("site %d has no snapshot", siteID))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, err := p.Extractor.Run(gctx, site)
		return err
	})
	g.Go(func() error {
		_, err := p.Evaluate(gctx, site)
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}

	contacts, err := p.Store.ListUnvalidatedContacts(ctx, siteID)
	if err != nil {
		return fmt.Errorf("list unvalidated contacts: %w", err)
	}
	for _, c := range contacts {
		p.enqueueValidation(c.ID)
	}
	return p.Store.MarkSiteProcessed(ctx, siteID, p.now())
}

// Evaluate checks the site against the active requirement sets and stores
// the outcome. A qualifying set's template is bound to the site.
func (p *Pipeline) Evaluate(ctx context.Context, site *model.Site) (*criteria.Result, error) {
	sets, err := p.Store.ListRequirementSets(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("list requirement sets: %w", err)
	}
	res := criteria.Evaluate(sets, criteria.InputFromSite(site), p.now())

	ev := storage.Evaluation{Qualified: res.Qualified, Details: res.Details}
	if res.Matched != nil {
		ev.RequirementID = &res.Matched.ID
		ev.TemplateID = res.Matched.TemplateID
	}
	if err := p.Store.SaveEvaluation(ctx, site.ID, ev); err != nil {
		return nil, err
	}

	if res.Qualified {
		p.Metrics.Crawl("qualified")
		p.log.Info("site qualified", "site_id", site.ID, "domain", site.Domain, "requirement", res.Matched.Name)
	} else {
		p.log.Debug("site not qualified", "site_id", site.ID, "domain", site.Domain, "sets", len(res.Details))
	}
	return &res, nil
}

func (p *Pipeline) enqueueValidation(contactID int64) bool {
	key := strconv.FormatInt(contactID, 10)
	if !p.validating.TryLock(key) {
		return false
	}
	p.Pool.Submit(worker.Task{
		Kind: TaskValidate,
		Key:  key,
		Run: func(ctx context.Context) error {
			_, err := p.Validator.ValidateContact(ctx, contactID)
			return err
		},
		Permanent: func(err error) bool { return errors.Is(err, storage.ErrNotFound) },
		OnAbandon: func(ctx context.Context, err error) {
			if errors.Is(err, storage.ErrNotFound) {
				return
			}
			if merr := p.Validator.MarkError(ctx, contactID, err); merr != nil {
				p.log.Error("record validation failure", "contact_id", contactID, "error", merr)
			}
		},
		OnDone: func(error) { p.validating.Unlock(key) },
	})
	return true
}

// ReviewSweep creates review items for qualified sites with valid contacts
// that have no item yet.
func (p *Pipeline) ReviewSweep(ctx context.Context) error {
	return p.exclusive(SweepReview, func() error {
		sites, err := p.Store.ListSitesAwaitingReview(ctx, p.Queue.MaxPerSite(), p.cfg.ReviewBatch)
		if err != nil {
			return fmt.Errorf("list sites awaiting review: %w", err)
		}
		total := 0
		for _, site := range sites {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			n, err := p.Queue.CreateForSite(ctx, site.ID)
			if err != nil {
				p.log.Error("create review items", "site_id", site.ID, "domain", site.Domain, "error", err)
				continue
			}
			total += n
		}
		if total > 0 {
			p.Metrics.ReviewItemsCreated(total)
			p.log.Info("review items created", "count", total, "sites", len(sites))
		}
		return nil
	})
}

// DispatchSweep hands approved items to the dispatcher and waits for them.
// Outside the send window it does nothing.
func (p *Pipeline) DispatchSweep(ctx context.Context) error {
	return p.exclusive(SweepDispatch, func() error {
		if !p.Dispatcher.InWindow(p.now()) {
			p.log.Debug("outside send window, idling")
			return nil
		}
		items, err := p.Queue.NextApproved(ctx, p.cfg.DispatchBatch)
		if err != nil {
			return fmt.Errorf("next approved: %w", err)
		}
		if len(items) == 0 {
			return nil
		}

		g := p.Pool.Group()
		for _, item := range items {
			id := item.ID
			g.Submit(worker.Task{
				Kind: TaskDispatch,
				Key:  strconv.FormatInt(id, 10),
				Run: func(ctx context.Context) error {
					// The window may close while the batch drains.
					if !p.Dispatcher.InWindow(p.now()) {
						return nil
					}
					err := p.Dispatcher.Dispatch(ctx, id)
					p.Metrics.Send(sendStatus(err))
					return err
				},
				// Retries are tracked on the review item and picked up by
				// later sweeps.
				Permanent: func(error) bool { return true },
			})
		}
		g.Wait()
		p.log.Info("dispatch sweep finished", "items", len(items))
		return nil
	})
}

// RecoverySweep picks up work stranded by a crash or a shutdown. Crawls
// running longer than StaleCrawlAfter are failed so the crawl sweep can retry
// them, crawled sites never processed are processed again and contacts never
// validated get a validation task.
func (p *Pipeline) RecoverySweep(ctx context.Context) error {
	return p.exclusive(SweepRecovery, func() error {
		failed, err := p.failStaleCrawls(ctx)
		if err != nil {
			return err
		}

		sites, err := p.Store.ListUnprocessedSites(ctx, p.cfg.CrawlBatch)
		if err != nil {
			return fmt.Errorf("list unprocessed sites: %w", err)
		}
		processing := 0
		for _, site := range sites {
			if p.enqueueProcess(site.ID) {
				processing++
			}
		}

		contacts, err := p.Store.ListUnvalidatedContacts(ctx, 0)
		if err != nil {
			return fmt.Errorf("list unvalidated contacts: %w", err)
		}
		validating := 0
		for _, c := range contacts {
			if p.enqueueValidation(c.ID) {
				validating++
			}
		}

		if failed+processing+validating > 0 {
			p.log.Info("stranded work recovered", "stale_crawls", failed, "processing", processing, "validating", validating)
		}
		return nil
	})
}

func (p *Pipeline) failStaleCrawls(ctx context.Context) (int, error) {
	now := p.now()
	cutoff := now.Add(-p.cfg.StaleCrawlAfter)
	sites, err := p.Store.ListStaleCrawls(ctx, cutoff, p.cfg.CrawlBatch)
	if err != nil {
		return 0, fmt.Errorf("list stale crawls: %w", err)
	}
	failed := 0
	for _, site := range sites {
		if p.crawling.Locked(strconv.FormatInt(site.ID, 10)) {
			continue
		}
		err := p.Store.FailStaleCrawl(ctx, site.ID, cutoff, "crawl interrupted", now)
		if errors.Is(err, storage.ErrStaleState) {
			continue
		}
		if err != nil {
			return failed, err
		}
		p.log.Warn("stale crawl failed", "site_id", site.ID, "domain", site.Domain, "started_at", site.CrawlStartedAt)
		failed++
	}
	return failed, nil
}

// ResetHourly zeroes the hourly send counters of every account.
func (p *Pipeline) ResetHourly(ctx context.Context) error {
	return p.exclusive(SweepHourly, func() error {
		n, err := p.Store.ResetHourlyCounters(ctx)
		if err != nil {
			return err
		}
		p.log.Info("hourly counters reset", "accounts", n)
		return nil
	})
}

// ResetDaily zeroes the daily and hourly send counters of every account.
func (p *Pipeline) ResetDaily(ctx context.Context) error {
	return p.exclusive(SweepDaily, func() error {
		n, err := p.Store.ResetDailyCounters(ctx)
		if err != nil {
			return err
		}
		p.log.Info("daily counters reset", "accounts", n)
		return nil
	})
}

func sendStatus(err error) string {
	switch {
	case err == nil:
		return "sent"
	case errors.Is(err, dispatch.ErrBlocked):
		return "blocked"
	case errors.Is(err, dispatch.ErrDuplicate):
		return "duplicate"
	case errors.Is(err, dispatch.ErrDuplicateDeferred):
		return "deferred"
	case errors.Is(err, dispatch.ErrOutsideWindow):
		return "outside-window"
	case errors.Is(err, dispatch.ErrNoAccount):
		return "no-account"
	case errors.Is(err, mailer.ErrBounced):
		return "bounced"
	default:
		return "failed"
	}
}

// truncate cuts s to at most n bytes on a rune boundary.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
