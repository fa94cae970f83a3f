// Package scheduler triggers the pipeline sweeps on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Sweeper is implemented by the pipeline.
type Sweeper interface {
	CrawlSweep(ctx context.Context) error
	ReviewSweep(ctx context.Context) error
	DispatchSweep(ctx context.Context) error
	ResetHourly(ctx context.Context) error
	ResetDaily(ctx context.Context) error
	RecoverySweep(ctx context.Context) error
}

// Schedules are cron specs per sweep. Descriptors like "@every 1m" and
// "@hourly" are accepted.
type Schedules struct {
	Crawl       string
	Review      string
	Dispatch    string
	HourlyReset string
	DailyReset  string
	Recovery    string
}

type job struct {
	name string
	spec string
	run  func(ctx context.Context) error
	// startup jobs also run once when the scheduler starts.
	startup bool
}

// Scheduler runs sweeps in UTC. A sweep still running when its next tick
// comes is skipped.
type Scheduler struct {
	cron *cron.Cron
	jobs []job
	log  *slog.Logger
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// New validates the schedules and creates a Scheduler.
func New(sw Sweeper, sch Schedules, log *slog.Logger) (*Scheduler, error) {
	cl := &cronLogger{log: log}
	s := &Scheduler{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLocation(time.UTC),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		jobs: []job{
			// Recovery runs first so work stranded by the previous run is
			// picked up before new work is queued.
			{name: "recovery", spec: sch.Recovery, run: sw.RecoverySweep, startup: true},
			{name: "crawl", spec: sch.Crawl, run: sw.CrawlSweep, startup: true},
			{name: "review", spec: sch.Review, run: sw.ReviewSweep, startup: true},
			{name: "dispatch", spec: sch.Dispatch, run: sw.DispatchSweep, startup: true},
			{name: "hourly-reset", spec: sch.HourlyReset, run: sw.ResetHourly},
			{name: "daily-reset", spec: sch.DailyReset, run: sw.ResetDaily},
		},
		log: log,
	}
	for _, j := range s.jobs {
		if j.spec == "" {
			return nil, fmt.Errorf("schedule %s: empty spec", j.name)
		}
		if _, err := parser.Parse(j.spec); err != nil {
			return nil, fmt.Errorf("schedule %s: %w", j.name, err)
		}
	}
	return s, nil
}

// Run starts the schedules and blocks until ctx is cancelled. Sweeps in
// progress are awaited before it returns.
func (s *Scheduler) Run(ctx context.Context) {
	for _, j := range s.jobs {
		if _, err := s.cron.AddFunc(j.spec, func() { s.run(ctx, j) }); err != nil {
			// Specs were parsed in New.
			s.log.Error("add schedule", "job", j.name, "spec", j.spec, "error", err)
		}
	}

	for _, j := range s.jobs {
		if j.startup {
			s.run(ctx, j)
		}
	}

	s.cron.Start()
	s.log.Info("scheduler started", "jobs", len(s.cron.Entries()))

	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.log.Info("scheduler stopped")
}

func (s *Scheduler) run(ctx context.Context, j job) {
	if ctx.Err() != nil {
		return
	}
	start := time.Now()
	if err := j.run(ctx); err != nil {
		s.log.Error("sweep failed", "job", j.name, "error", err)
		return
	}
	s.log.Debug("sweep finished", "job", j.name, "took", time.Since(start))
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	log *slog.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug("cron: "+msg, keysAndValues...)
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron: "+msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
