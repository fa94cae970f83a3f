// Package worker runs pipeline tasks on a bounded pool with per-attempt
// timeouts and retries.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alitto/pond"
	"github.com/sethvargo/go-retry"
)

// Task outcomes reported to the Observer.
const (
	OutcomeOK        = "ok"
	OutcomePermanent = "permanent"
	OutcomeAbandoned = "abandoned"
	// OutcomeInterrupted means the pool or the caller was cancelled; the
	// entity is left as is for a later sweep.
	OutcomeInterrupted = "interrupted"
)

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Task is a unit of pipeline work.
type Task struct {
	// Kind labels the task for logs and metrics, e.g. "crawl".
	Kind string
	// Key identifies the entity the task works on, e.g. a site ID.
	Key string
	Run func(ctx context.Context) error
	// Permanent optionally classifies extra errors as not retryable.
	Permanent func(err error) bool
	// OnAbandon is called once when the task fails for good, so the entity
	// can be left in a recorded terminal state. It is not called when the
	// task was interrupted by cancellation.
	OnAbandon func(ctx context.Context, err error)
	// OnDone is called after the last attempt with the final error.
	OnDone func(err error)
}

// Observer receives task outcomes.
type Observer interface {
	TaskFinished(kind, outcome string, attempts int, took time.Duration)
}

// Config controls retries and timeouts.
type Config struct {
	Workers    int
	Capacity   int
	Timeout    time.Duration
	MaxRetries int
	Backoff    time.Duration
}

// Pool is a bounded worker pool.
type Pool struct {
	pool     *pond.WorkerPool
	ctx      context.Context
	cancel   context.CancelFunc
	cfg      Config
	observer Observer
	log      *slog.Logger
}

// New creates a Pool. Tasks stop receiving new attempts once Stop is called.
// observer may be nil.
func New(cfg Config, observer Observer, log *slog.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{ctx: ctx, cancel: cancel, cfg: cfg, observer: observer, log: log}
	p.pool = pond.New(cfg.Workers, cfg.Capacity,
		pond.Context(ctx),
		pond.PanicHandler(func(v interface{}) {
			log.Error("worker task panicked", "panic", v)
		}),
	)
	return p
}

// Submit queues a task. Tasks may submit follow-up tasks, so a full queue
// never blocks the caller; the hand-off then completes in the background.
// Tasks submitted after Stop are dropped.
func (p *Pool) Submit(t Task) {
	if p.ctx.Err() != nil {
		p.log.Warn("pool stopped, dropping task", "kind", t.Kind, "key", t.Key)
		return
	}
	fn := func() { _ = p.Execute(p.ctx, t) }
	if !p.pool.TrySubmit(fn) {
		go func() {
			// pond panics when submitting to a pool stopped in the meantime.
			defer func() {
				if r := recover(); r != nil {
					p.log.Warn("pool stopped, dropping task", "kind", t.Kind, "key", t.Key)
				}
			}()
			p.pool.Submit(fn)
		}()
	}
}

// Group returns a handle for waiting on a set of tasks.
func (p *Pool) Group() *Group {
	return &Group{pool: p, group: p.pool.Group()}
}

// Stop cancels pending retries and waits for running tasks.
func (p *Pool) Stop() {
	p.cancel()
	p.pool.StopAndWait()
}

// Running returns the number of busy workers.
func (p *Pool) Running() int {
	return p.pool.RunningWorkers()
}

// Waiting returns the number of queued tasks.
func (p *Pool) Waiting() uint64 {
	return p.pool.WaitingTasks()
}

// Execute runs t in the calling goroutine with the pool's retry policy and
// returns the final error.
func (p *Pool) Execute(ctx context.Context, t Task) (err error) {
	if t.OnDone != nil {
		defer func() { t.OnDone(err) }()
	}
	start := time.Now()
	attempts := 0

	b := retry.NewExponential(p.cfg.Backoff)
	b = retry.WithCappedDuration(30*p.cfg.Backoff, b)
	b = retry.WithJitterPercent(10, b)
	b = retry.WithMaxRetries(uint64(max(p.cfg.MaxRetries, 0)), b)

	err = retry.Do(ctx, b, func(ctx context.Context) error {
		attempts++
		actx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()

		err := t.Run(actx)
		if err == nil {
			return nil
		}
		if IsPermanent(err) || (t.Permanent != nil && t.Permanent(err)) {
			return err
		}
		p.log.Debug("task attempt failed", "kind", t.Kind, "key", t.Key, "attempt", attempts, "error", err)
		return retry.RetryableError(err)
	})

	outcome := OutcomeOK
	switch {
	case err == nil:
	case ctx.Err() != nil:
		outcome = OutcomeInterrupted
	case IsPermanent(err) || (t.Permanent != nil && t.Permanent(err)):
		outcome = OutcomePermanent
	default:
		outcome = OutcomeAbandoned
		err = fmt.Errorf("gave up after %d attempts: %w", attempts, err)
	}
	if p.observer != nil {
		p.observer.TaskFinished(t.Kind, outcome, attempts, time.Since(start))
	}
	if err == nil {
		return nil
	}
	if outcome == OutcomeInterrupted {
		p.log.Info("task interrupted", "kind", t.Kind, "key", t.Key, "attempts", attempts, "error", err)
		return err
	}

	p.log.Warn("task failed", "kind", t.Kind, "key", t.Key, "outcome", outcome, "attempts", attempts, "error", err)
	if t.OnAbandon != nil {
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		t.OnAbandon(actx, err)
	}
	return err
}

// Group tracks a set of submitted tasks.
type Group struct {
	pool  *Pool
	group *pond.TaskGroup
}

// Submit queues a task in the group.
func (g *Group) Submit(t Task) {
	g.group.Submit(func() { _ = g.pool.Execute(g.pool.ctx, t) })
}

// Wait blocks until every task in the group finished.
func (g *Group) Wait() {
	g.group.Wait()
}
