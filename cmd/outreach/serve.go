package main

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"outreach/internal/blocklist"
	"outreach/internal/bot"
	"outreach/internal/crawl"
	"outreach/internal/dispatch"
	"outreach/internal/dnsx"
	"outreach/internal/extract"
	"outreach/internal/fetcher"
	"outreach/internal/mailer"
	"outreach/internal/metrics"
	"outreach/internal/pipeline"
	"outreach/internal/render"
	"outreach/internal/review"
	"outreach/internal/scheduler"
	"outreach/internal/validate"
	"outreach/internal/worker"
)

const (
	fetchTimeout = 20 * time.Second
	// queued tasks per worker before Submit hands off in the background
	queuePerWorker = 64
)

var serveCommand = &cli.Command{
	Name:   "serve",
	Usage:  "run the pipeline sweeps, the worker pool and the moderation bot",
	Action: serve,
}

func serve(c *cli.Context) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()
	cfg, log, store := e.cfg, e.log, e.store

	ctx, cancel := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	m := metrics.New()

	resolver := dnsx.New(cfg.DNSResolver, log)
	defer resolver.Stop()

	guard := blocklist.New(store)
	sender := render.Sender{Name: cfg.SenderName, Email: cfg.SenderEmail, Company: cfg.SenderCompany}

	pool := worker.New(worker.Config{
		Workers:    cfg.Workers,
		Capacity:   cfg.Workers * queuePerWorker,
		Timeout:    cfg.TaskTimeout,
		MaxRetries: cfg.TaskMaxRetries,
		Backoff:    cfg.TaskBackoff,
	}, m, log)
	m.WatchPool(pool)

	var moderator *bot.Bot
	var notifier review.Notifier
	if cfg.TelegramBotToken != "" {
		moderator, err = bot.New(cfg.TelegramBotToken, store, nil, cfg, log)
		if err != nil {
			pool.Stop()
			return err
		}
		notifier = moderator
	} else {
		log.Warn("TELEGRAM_BOT_TOKEN not set, moderation bot disabled")
	}

	queue := review.New(store, guard, notifier, sender, cfg.MaxContactsPerSite, log)
	if moderator != nil {
		moderator.SetQueue(queue)
	}

	p := pipeline.New(pipeline.Deps{
		Store:     store,
		Crawler:   crawl.New(store, fetcher.New(fetcher.NewHTTPClient(fetchTimeout), cfg.FetchRatePerSecond, log), cfg.CrawlMaxAttempts, log),
		Extractor: extract.NewExtractor(store, log),
		Validator: validate.New(store, resolver, guard, log),
		Queue:     queue,
		Dispatcher: dispatch.New(store, guard, mailer.New(log), dispatch.Config{
			ShortWindow: cfg.DuplicateShortWindow,
			LongWindow:  cfg.DuplicateLongWindow,
			StartHour:   cfg.SendWindowStartHour,
			EndHour:     cfg.SendWindowEndHour,
			MaxAttempts: cfg.TaskMaxRetries,
			SenderName:  cfg.SenderName,
		}, log),
		Pool:    pool,
		Metrics: m,
	}, pipeline.Config{
		CrawlBatch:       cfg.CrawlBatchSize,
		CrawlMaxAttempts: cfg.CrawlMaxAttempts,
		BudgetFloor:      cfg.PageBudgetFloor,
		BudgetMargin:     cfg.PageBudgetMargin,
		ReviewBatch:      cfg.ReviewBatchSize,
		DispatchBatch:    cfg.DispatchBatchSize,
		StaleCrawlAfter:  cfg.TaskTimeout * time.Duration(cfg.TaskMaxRetries+1),
	}, log)

	sched, err := scheduler.New(p, scheduler.Schedules{
		Crawl:       cfg.CrawlSchedule,
		Review:      cfg.ReviewSchedule,
		Dispatch:    cfg.DispatchSchedule,
		HourlyReset: cfg.HourlyResetSchedule,
		DailyReset:  cfg.DailyResetSchedule,
		Recovery:    cfg.RecoverySchedule,
	}, log)
	if err != nil {
		pool.Stop()
		return fmt.Errorf("create scheduler: %w", err)
	}

	log.Info("starting outreach",
		"workers", cfg.Workers,
		"database", cfg.DatabasePath,
		"bot", moderator != nil,
		"metrics", cfg.MetricsAddr,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sched.Run(gctx)
		return nil
	})
	if moderator != nil {
		g.Go(func() error {
			moderator.Run(gctx)
			return nil
		})
	}
	if cfg.MetricsAddr != "" {
		g.Go(func() error {
			if err := m.Serve(gctx, cfg.MetricsAddr, log); err != nil {
				return fmt.Errorf("serve metrics: %w", err)
			}
			return nil
		})
	}

	err = g.Wait()
	pool.Stop()
	log.Info("outreach stopped")
	return err
}
