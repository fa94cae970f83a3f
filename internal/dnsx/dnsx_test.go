package dnsx

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/miekg/dns"
)

type mockExchanger struct {
	mu      sync.Mutex
	calls   int
	rcode   int
	answers []dns.RR
	err     error
}

func (m *mockExchanger) ExchangeContext(_ context.Context, q *dns.Msg, _ string) (*dns.Msg, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, 0, m.err
	}
	resp := new(dns.Msg)
	resp.SetReply(q)
	resp.Rcode = m.rcode
	resp.Answer = m.answers
	return resp, time.Millisecond, nil
}

func mxRecord(t *testing.T, s string) dns.RR {
	t.Helper()
	rr, err := dns.NewRR(s)
	if err != nil {
		t.Fatalf("parse RR %q: %v", s, err)
	}
	return rr
}

func newTestResolver(t *testing.T, ex Exchanger) *Resolver {
	t.Helper()
	r := NewWithClient("127.0.0.1:53", ex, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(r.Stop)
	return r
}

func TestHasMX(t *testing.T) {
	tests := []struct {
		name    string
		ex      *mockExchanger
		want    bool
		wantErr bool
	}{
		{
			name: "mx present",
			ex:   &mockExchanger{rcode: dns.RcodeSuccess, answers: []dns.RR{mxRecord(t, "acme.example. 300 IN MX 10 mail.acme.example.")}},
			want: true,
		},
		{
			name: "no answers",
			ex:   &mockExchanger{rcode: dns.RcodeSuccess},
			want: false,
		},
		{
			name: "null mx",
			ex:   &mockExchanger{rcode: dns.RcodeSuccess, answers: []dns.RR{mxRecord(t, "acme.example. 300 IN MX 0 .")}},
			want: false,
		},
		{
			name: "nxdomain",
			ex:   &mockExchanger{rcode: dns.RcodeNameError},
			want: false,
		},
		{
			name:    "servfail is an error",
			ex:      &mockExchanger{rcode: dns.RcodeServerFailure},
			wantErr: true,
		},
		{
			name:    "network error",
			ex:      &mockExchanger{err: errors.New("i/o timeout")},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestResolver(t, tt.ex)
			got, err := r.HasMX(context.Background(), "Acme.Example.")
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("HasMX() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHasMXCachesAnswers(t *testing.T) {
	ex := &mockExchanger{rcode: dns.RcodeSuccess, answers: []dns.RR{mxRecord(t, "acme.example. 300 IN MX 10 mail.acme.example.")}}
	r := newTestResolver(t, ex)

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, err := r.HasMX(context.Background(), "acme.example"); err != nil || !ok {
				t.Errorf("HasMX() = %v, %v", ok, err)
			}
		}()
	}
	wg.Wait()

	if ex.calls != 1 {
		t.Errorf("resolver queried %d times, want 1", ex.calls)
	}
}

func TestHasMXDoesNotCacheErrors(t *testing.T) {
	ex := &mockExchanger{err: errors.New("timeout")}
	r := newTestResolver(t, ex)

	for range 2 {
		if _, err := r.HasMX(context.Background(), "acme.example"); err == nil {
			t.Fatal("expected error")
		}
	}
	if ex.calls != 2 {
		t.Errorf("resolver queried %d times, want 2", ex.calls)
	}
}
