package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

type finished struct {
	Kind, Outcome string
	Attempts      int
}

type mockObserver struct {
	mu   sync.Mutex
	seen []finished
}

func (m *mockObserver) TaskFinished(kind, outcome string, attempts int, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen = append(m.seen, finished{kind, outcome, attempts})
}

func newTestPool(t *testing.T, obs Observer) *Pool {
	t.Helper()
	p := New(Config{Workers: 4, Timeout: time.Second, MaxRetries: 2, Backoff: time.Millisecond}, obs,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(p.Stop)
	return p
}

func TestExecute(t *testing.T) {
	errFlaky := errors.New("flaky")
	errBad := errors.New("bad input")

	tests := []struct {
		name         string
		failures     int
		err          error
		classify     func(error) bool
		wantOutcome  string
		wantAttempts int
		wantAbandon  bool
	}{
		{name: "ok first time", wantOutcome: OutcomeOK, wantAttempts: 1},
		{name: "recovers after retry", failures: 2, err: errFlaky, wantOutcome: OutcomeOK, wantAttempts: 3},
		{name: "retries exhausted", failures: 10, err: errFlaky, wantOutcome: OutcomeAbandoned, wantAttempts: 3, wantAbandon: true},
		{name: "permanent stops retrying", failures: 10, err: Permanent(errBad), wantOutcome: OutcomePermanent, wantAttempts: 1, wantAbandon: true},
		{
			name: "classifier marks permanent", failures: 10, err: errBad,
			classify:    func(err error) bool { return errors.Is(err, errBad) },
			wantOutcome: OutcomePermanent, wantAttempts: 1, wantAbandon: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obs := &mockObserver{}
			p := newTestPool(t, obs)

			calls := 0
			var abandoned error
			err := p.Execute(context.Background(), Task{
				Kind: "test",
				Run: func(context.Context) error {
					calls++
					if calls <= tt.failures {
						return tt.err
					}
					return nil
				},
				Permanent: tt.classify,
				OnAbandon: func(_ context.Context, err error) { abandoned = err },
			})

			if (err != nil) != tt.wantAbandon {
				t.Errorf("Execute() err = %v, want error %v", err, tt.wantAbandon)
			}
			if (abandoned != nil) != tt.wantAbandon {
				t.Errorf("OnAbandon called = %v, want %v", abandoned != nil, tt.wantAbandon)
			}
			want := []finished{{"test", tt.wantOutcome, tt.wantAttempts}}
			if diff := cmp.Diff(want, obs.seen); diff != "" {
				t.Errorf("observer mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestExecuteTimeout(t *testing.T) {
	p := New(Config{Workers: 1, Timeout: 10 * time.Millisecond, MaxRetries: 1, Backoff: time.Millisecond}, nil,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	defer p.Stop()

	attempts := 0
	err := p.Execute(context.Background(), Task{Kind: "slow", Run: func(ctx context.Context) error {
		attempts++
		<-ctx.Done()
		return ctx.Err()
	}})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
}

func TestGroupWaitsForTasks(t *testing.T) {
	p := newTestPool(t, nil)
	var done atomic.Int32

	g := p.Group()
	for range 10 {
		g.Submit(Task{Kind: "count", Run: func(context.Context) error {
			time.Sleep(time.Millisecond)
			done.Add(1)
			return nil
		}})
	}
	g.Wait()

	if got := done.Load(); got != 10 {
		t.Errorf("completed %d tasks, want 10", got)
	}
}

func TestPermanent(t *testing.T) {
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}
	base := errors.New("boom")
	err := Permanent(base)
	if !IsPermanent(err) || !errors.Is(err, base) {
		t.Errorf("Permanent(%v) lost its meaning: %v", base, err)
	}
	if IsPermanent(base) {
		t.Error("plain error reported as permanent")
	}
}

func TestOnDone(t *testing.T) {
	p := newTestPool(t, nil)
	errBad := errors.New("bad")

	var got []error
	_ = p.Execute(context.Background(), Task{
		Kind:   "done",
		Run:    func(context.Context) error { return Permanent(errBad) },
		OnDone: func(err error) { got = append(got, err) },
	})
	_ = p.Execute(context.Background(), Task{
		Kind:   "done",
		Run:    func(context.Context) error { return nil },
		OnDone: func(err error) { got = append(got, err) },
	})

	if len(got) != 2 || !errors.Is(got[0], errBad) || got[1] != nil {
		t.Errorf("OnDone errors = %v, want [bad <nil>]", got)
	}
}

func TestExecuteCancelledSkipsAbandon(t *testing.T) {
	obs := &mockObserver{}
	p := newTestPool(t, obs)
	ctx, cancel := context.WithCancel(context.Background())

	started := make(chan struct{}, 1)
	abandoned := false
	done := make(chan error, 1)
	go func() {
		done <- p.Execute(ctx, Task{
			Kind: "validate",
			Run: func(ctx context.Context) error {
				started <- struct{}{}
				<-ctx.Done()
				return ctx.Err()
			},
			OnAbandon: func(context.Context, error) { abandoned = true },
		})
	}()
	<-started
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Execute() err = %v, want context canceled", err)
	}
	if abandoned {
		t.Error("OnAbandon called for a cancelled task")
	}
	want := []finished{{"validate", OutcomeInterrupted, 1}}
	if diff := cmp.Diff(want, obs.seen); diff != "" {
		t.Errorf("observer mismatch (-want +got):\n%s", diff)
	}
}

func TestStopInterruptsRunningTask(t *testing.T) {
	p := New(Config{Workers: 1, Timeout: time.Minute, MaxRetries: 2, Backoff: time.Millisecond}, nil,
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	started := make(chan struct{})
	var abandoned atomic.Bool
	var final error
	p.Submit(Task{
		Kind: "validate",
		Run: func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		},
		OnAbandon: func(context.Context, error) { abandoned.Store(true) },
		OnDone:    func(err error) { final = err },
	})
	<-started
	p.Stop()

	if abandoned.Load() {
		t.Error("OnAbandon called on shutdown")
	}
	if !errors.Is(final, context.Canceled) {
		t.Errorf("OnDone err = %v, want context canceled", final)
	}
}
