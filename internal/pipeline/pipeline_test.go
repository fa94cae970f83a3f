package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"outreach/internal/blocklist"
	"outreach/internal/crawl"
	"outreach/internal/dispatch"
	"outreach/internal/extract"
	"outreach/internal/mailer"
	"outreach/internal/model"
	"outreach/internal/render"
	"outreach/internal/review"
	"outreach/internal/storage"
	"outreach/internal/validate"
	"outreach/internal/worker"
)

var noon = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

type mockFetcher struct {
	mu    sync.Mutex
	pages map[string][]model.Page
	err   error
	calls int
}

func (m *mockFetcher) Fetch(_ context.Context, domain string, _ int) (*model.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return &model.Snapshot{Pages: m.pages[domain]}, nil
}

type mockMX struct{}

func (mockMX) HasMX(context.Context, string) (bool, error) { return true, nil }

type mockTransport struct {
	mu   sync.Mutex
	sent []mailer.Message
}

func (m *mockTransport) Send(_ context.Context, _ *model.SendAccount, msg mailer.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	return nil
}

func (m *mockTransport) recipients() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, msg := range m.sent {
		out = append(out, msg.To)
	}
	return out
}

type mockRecorder struct {
	mu     sync.Mutex
	sweeps map[string]int
	sends  map[string]int
}

func (m *mockRecorder) Crawl(string)           {}
func (m *mockRecorder) ReviewItemsCreated(int) {}

func (m *mockRecorder) Send(status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sends[status]++
}

func (m *mockRecorder) Sweep(kind, result string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweeps[kind+"/"+result]++
}

type fixture struct {
	store     *storage.SQLite
	fetcher   *mockFetcher
	transport *mockTransport
	recorder  *mockRecorder
	queue     *review.Queue
	pipe      *Pipeline
}

func newFixture(t *testing.T, dcfg dispatch.Config) *fixture {
	t.Helper()
	ctx := context.Background()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	tmpl := &model.Template{Name: "intro", Subject: "Hello {{company}}", Body: "Hi {{first_name|there}}, we saw {{site_url}}."}
	if err := store.CreateTemplate(ctx, tmpl); err != nil {
		t.Fatal(err)
	}
	rs := &model.RequirementSet{Name: "plumbers", IsActive: true, Priority: 1, TemplateID: &tmpl.ID,
		Criteria: model.Criteria{MinPages: 1, RequiredKeywords: []string{"plumbing"}}}
	if err := store.CreateRequirementSet(ctx, rs); err != nil {
		t.Fatal(err)
	}
	acct := &model.SendAccount{Name: "primary", FromEmail: "sam@agency.example", DailyLimit: 10, HourlyLimit: 5,
		Priority: 1, IsActive: true}
	if err := store.CreateAccount(ctx, acct); err != nil {
		t.Fatal(err)
	}

	f := &fixture{
		store: store,
		fetcher: &mockFetcher{pages: map[string][]model.Page{
			"acme.example": {
				{URL: "https://acme.example/", Title: "Acme Plumbing", Body: "Family plumbing business since 1987."},
				{URL: "https://acme.example/contact", Title: "Contact", Body: "Write to Jane Doe, Office Manager: jane@acme.example"},
			},
			"bakery.example": {
				{URL: "https://bakery.example/", Title: "Bakery", Body: "Fresh bread.\nhello@bakery.example"},
			},
		}},
		transport: &mockTransport{},
		recorder:  &mockRecorder{sweeps: map[string]int{}, sends: map[string]int{}},
	}

	guard := blocklist.New(store)
	pool := worker.New(worker.Config{Workers: 4, Timeout: time.Second, MaxRetries: 1, Backoff: time.Millisecond}, nil, log)
	t.Cleanup(pool.Stop)

	f.queue = review.New(store, guard, nil, render.Sender{Name: "Sam", Company: "Agency"}, 3, log)
	if dcfg.ShortWindow == 0 {
		dcfg.ShortWindow = 30 * 24 * time.Hour
		dcfg.LongWindow = 90 * 24 * time.Hour
	}
	disp := dispatch.New(store, guard, f.transport, dcfg, log)
	disp.SetClock(func() time.Time { return noon })

	f.pipe = New(Deps{
		Store:      store,
		Crawler:    crawl.New(store, f.fetcher, 3, log),
		Extractor:  extract.NewExtractor(store, log),
		Validator:  validate.New(store, mockMX{}, guard, log),
		Queue:      f.queue,
		Dispatcher: disp,
		Pool:       pool,
		Metrics:    f.recorder,
	}, Config{CrawlBatch: 10, CrawlMaxAttempts: 3, BudgetFloor: 5, BudgetMargin: 2, ReviewBatch: 10, DispatchBatch: 10}, log)
	f.pipe.SetClock(func() time.Time { return noon })
	return f
}

func (f *fixture) addSite(t *testing.T, domain string) *model.Site {
	t.Helper()
	site := &model.Site{Domain: domain}
	if err := f.store.CreateSite(context.Background(), site); err != nil {
		t.Fatal(err)
	}
	return site
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// settled reports whether the site finished crawling and all its contacts
// were validated.
func (f *fixture) settled(t *testing.T, siteID int64) func() bool {
	return func() bool {
		ctx := context.Background()
		site, err := f.store.GetSite(ctx, siteID)
		if err != nil {
			t.Fatal(err)
		}
		if site.Status != model.SiteCompleted || len(site.MatchDetails) == 0 {
			return false
		}
		contacts, err := f.store.ListContacts(ctx, siteID)
		if err != nil {
			t.Fatal(err)
		}
		for _, c := range contacts {
			if !c.Validated {
				return false
			}
		}
		return len(contacts) > 0
	}
}

func TestPipelineEndToEnd(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, dispatch.Config{SenderName: "Sam", MaxAttempts: 3})
	acme := f.addSite(t, "acme.example")
	bakery := f.addSite(t, "bakery.example")

	if err := f.pipe.CrawlSweep(ctx); err != nil {
		t.Fatalf("CrawlSweep: %v", err)
	}
	waitFor(t, "acme processed", f.settled(t, acme.ID))
	waitFor(t, "bakery processed", f.settled(t, bakery.ID))

	site, _ := f.store.GetSite(ctx, acme.ID)
	if !site.Qualified || site.TemplateID == nil {
		t.Fatalf("acme should qualify with a template bound: %+v", site)
	}
	other, _ := f.store.GetSite(ctx, bakery.ID)
	if other.Qualified {
		t.Error("bakery should not qualify")
	}

	if err := f.pipe.ReviewSweep(ctx); err != nil {
		t.Fatalf("ReviewSweep: %v", err)
	}
	pending, err := f.queue.Pending(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending items = %d, want 1", len(pending))
	}
	item := pending[0]
	if diff := cmp.Diff("Hi Jane, we saw https://acme.example.", item.Body); diff != "" {
		t.Errorf("rendered body mismatch (-want +got):\n%s", diff)
	}

	// A second sweep creates nothing new.
	if err := f.pipe.ReviewSweep(ctx); err != nil {
		t.Fatal(err)
	}
	if again, _ := f.queue.Pending(ctx, 10); len(again) != 1 {
		t.Errorf("pending after second sweep = %d, want 1", len(again))
	}

	if ok, err := f.queue.Approve(ctx, item.ID, "alice", "looks good"); err != nil || !ok {
		t.Fatalf("Approve = %v, %v", ok, err)
	}
	if err := f.pipe.DispatchSweep(ctx); err != nil {
		t.Fatalf("DispatchSweep: %v", err)
	}

	if diff := cmp.Diff([]string{"jane@acme.example"}, f.transport.recipients()); diff != "" {
		t.Errorf("recipients mismatch (-want +got):\n%s", diff)
	}
	sent, _ := f.store.GetReviewItem(ctx, item.ID)
	if sent.Status != model.ReviewSent {
		t.Errorf("item status = %s, want sent", sent.Status)
	}
	if f.recorder.sends["sent"] != 1 {
		t.Errorf("send metrics = %v", f.recorder.sends)
	}
}

func TestCrawlFailureRetriedWithinBudget(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, dispatch.Config{})
	f.fetcher.err = errors.New("connection refused")
	site := f.addSite(t, "down.example")

	if err := f.pipe.CrawlSweep(ctx); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "crawl task finished", func() bool { return !f.pipe.crawling.Locked("1") })

	got, _ := f.store.GetSite(ctx, site.ID)
	if got.Status != model.SiteFailed || got.LastError == "" {
		t.Errorf("site = %s %q, want failed with a reason", got.Status, got.LastError)
	}
	// One attempt plus one pool retry.
	if got.CrawlAttempts != 2 {
		t.Errorf("crawl attempts = %d, want 2", got.CrawlAttempts)
	}

	if err := f.pipe.CrawlSweep(ctx); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "second crawl task finished", func() bool { return !f.pipe.crawling.Locked("1") })
	got, _ = f.store.GetSite(ctx, site.ID)
	if got.CrawlAttempts != 3 {
		t.Errorf("crawl attempts = %d, want budget of 3", got.CrawlAttempts)
	}

	// Exhausted sites are no longer listed.
	calls := f.fetcher.calls
	if err := f.pipe.CrawlSweep(ctx); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "no crawl in flight", func() bool { return !f.pipe.crawling.Locked("1") })
	if f.fetcher.calls != calls {
		t.Errorf("fetcher called %d more times for an exhausted site", f.fetcher.calls-calls)
	}
}

func TestProcessSiteWithoutSnapshotNotesError(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, dispatch.Config{})
	site := f.addSite(t, "empty.example")

	err := f.pipe.ProcessSite(ctx, site.ID)
	if !worker.IsPermanent(err) {
		t.Fatalf("ProcessSite err = %v, want permanent", err)
	}

	f.pipe.enqueueProcess(site.ID)
	waitFor(t, "error noted", func() bool {
		got, _ := f.store.GetSite(ctx, site.ID)
		return got.LastError != ""
	})
}

func TestSweepsAreExclusive(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, dispatch.Config{})

	for _, kind := range []string{SweepReview, SweepDispatch} {
		f.pipe.sweeps.Lock(kind)
	}
	if err := f.pipe.ReviewSweep(ctx); err != nil {
		t.Fatal(err)
	}
	if err := f.pipe.DispatchSweep(ctx); err != nil {
		t.Fatal(err)
	}
	for _, kind := range []string{SweepReview, SweepDispatch} {
		f.pipe.sweeps.Unlock(kind)
	}
	if err := f.pipe.ReviewSweep(ctx); err != nil {
		t.Fatal(err)
	}

	want := map[string]int{"review/skipped": 1, "dispatch/skipped": 1, "review/ran": 1}
	if diff := cmp.Diff(want, f.recorder.sweeps); diff != "" {
		t.Errorf("sweeps mismatch (-want +got):\n%s", diff)
	}
}

func TestDispatchSweepIdlesOutsideWindow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, dispatch.Config{StartHour: 14, EndHour: 18})
	site := f.addSite(t, "acme.example")
	c := &model.Contact{SiteID: site.ID, Email: "jane@acme.example", Source: model.SourceContactPage, Priority: 80}
	if _, err := f.store.CreateContact(ctx, c); err != nil {
		t.Fatal(err)
	}
	item := &model.ReviewItem{SiteID: site.ID, ContactID: c.ID, TemplateID: 1, Recipient: c.Email, Subject: "Hi", Body: "Hello"}
	if _, err := f.store.CreateReviewItem(ctx, item); err != nil {
		t.Fatal(err)
	}
	if _, err := f.queue.Approve(ctx, item.ID, "alice", ""); err != nil {
		t.Fatal(err)
	}

	if err := f.pipe.DispatchSweep(ctx); err != nil {
		t.Fatal(err)
	}
	if got := f.transport.recipients(); len(got) != 0 {
		t.Errorf("sent %v outside the window", got)
	}
	got, _ := f.store.GetReviewItem(ctx, item.ID)
	if got.Status != model.ReviewApproved || got.SendAttempts != 0 {
		t.Errorf("item = %s attempts %d, want untouched approved item", got.Status, got.SendAttempts)
	}
}

func TestResets(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, dispatch.Config{})
	for range 2 {
		if _, err := f.store.ReserveAccount(ctx); err != nil {
			t.Fatal(err)
		}
	}

	if err := f.pipe.ResetHourly(ctx); err != nil {
		t.Fatal(err)
	}
	accts, _ := f.store.ListAccounts(ctx)
	if accts[0].SentThisHour != 0 || accts[0].SentToday != 2 {
		t.Errorf("after hourly reset: hour=%d day=%d", accts[0].SentThisHour, accts[0].SentToday)
	}

	if err := f.pipe.ResetDaily(ctx); err != nil {
		t.Fatal(err)
	}
	accts, _ = f.store.ListAccounts(ctx)
	if accts[0].SentToday != 0 {
		t.Errorf("after daily reset: day=%d", accts[0].SentToday)
	}
}

func TestSendStatus(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "sent"},
		{dispatch.ErrBlocked, "blocked"},
		{dispatch.ErrDuplicateDeferred, "deferred"},
		{dispatch.ErrNoAccount, "no-account"},
		{mailer.ErrBounced, "bounced"},
		{errors.New("smtp down"), "failed"},
	}
	for _, tt := range tests {
		if got := sendStatus(tt.err); got != tt.want {
			t.Errorf("sendStatus(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestRecoverySweepFailsStaleCrawls(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, dispatch.Config{})
	stale := f.addSite(t, "stale.example")
	fresh := f.addSite(t, "fresh.example")
	inFlight := f.addSite(t, "busy.example")
	claims := map[int64]time.Time{
		stale.ID:    noon.Add(-time.Hour),
		fresh.ID:    noon.Add(-time.Minute),
		inFlight.ID: noon.Add(-time.Hour),
	}
	for id, at := range claims {
		if err := f.store.ClaimSiteForCrawl(ctx, id, at); err != nil {
			t.Fatal(err)
		}
	}
	key := strconv.FormatInt(inFlight.ID, 10)
	f.pipe.crawling.Lock(key)
	defer f.pipe.crawling.Unlock(key)

	if err := f.pipe.RecoverySweep(ctx); err != nil {
		t.Fatalf("RecoverySweep: %v", err)
	}

	got := map[string]model.SiteStatus{}
	for _, site := range []*model.Site{stale, fresh, inFlight} {
		s, err := f.store.GetSite(ctx, site.ID)
		if err != nil {
			t.Fatal(err)
		}
		got[s.Domain] = s.Status
		if s.Status == model.SiteFailed && s.LastError != "crawl interrupted" {
			t.Errorf("%s last_error = %q", s.Domain, s.LastError)
		}
	}
	want := map[string]model.SiteStatus{
		"stale.example": model.SiteFailed,
		"fresh.example": model.SiteCrawling,
		"busy.example":  model.SiteCrawling,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("site statuses (-want +got):\n%s", diff)
	}
}

func TestRecoverySweepProcessesCrawledSites(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, dispatch.Config{})
	site := f.addSite(t, "acme.example")
	if err := f.store.ClaimSiteForCrawl(ctx, site.ID, noon); err != nil {
		t.Fatal(err)
	}
	snap := &model.Snapshot{Pages: f.fetcher.pages["acme.example"]}
	if err := f.store.CompleteCrawl(ctx, site.ID, storage.CrawlResult{Snapshot: snap, PageCount: len(snap.Pages)}, noon); err != nil {
		t.Fatal(err)
	}

	if err := f.pipe.RecoverySweep(ctx); err != nil {
		t.Fatalf("RecoverySweep: %v", err)
	}
	waitFor(t, "site processed", f.settled(t, site.ID))
	waitFor(t, "site stamped processed", func() bool {
		sites, err := f.store.ListUnprocessedSites(ctx, 10)
		return err == nil && len(sites) == 0
	})

	got, _ := f.store.GetSite(ctx, site.ID)
	if !got.Qualified {
		t.Error("recovered site should be evaluated and qualify")
	}
}

// blockingMX blocks until its context is cancelled.
type blockingMX struct {
	started chan struct{}
}

func (m blockingMX) HasMX(ctx context.Context, _ string) (bool, error) {
	select {
	case m.started <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return false, ctx.Err()
}

func TestShutdownLeavesContactForRecovery(t *testing.T) {
	ctx := context.Background()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := newFixture(t, dispatch.Config{})
	site := f.addSite(t, "acme.example")
	c := &model.Contact{SiteID: site.ID, Email: "jane@acme.example", Source: model.SourceContactPage, Priority: 80}
	if _, err := f.store.CreateContact(ctx, c); err != nil {
		t.Fatal(err)
	}

	mx := blockingMX{started: make(chan struct{}, 1)}
	f.pipe.Validator = validate.New(f.store, mx, blocklist.New(f.store), log)
	f.pipe.enqueueValidation(c.ID)
	<-mx.started
	f.pipe.Pool.Stop()

	got, _ := f.store.GetContact(ctx, c.ID)
	if got.Validated {
		t.Fatalf("contact validated on shutdown: valid=%v reason=%q", got.Valid, got.ValidationReason)
	}

	// Next run.
	pool := worker.New(worker.Config{Workers: 2, Timeout: time.Second, MaxRetries: 1, Backoff: time.Millisecond}, nil, log)
	t.Cleanup(pool.Stop)
	f.pipe.Pool = pool
	f.pipe.Validator = validate.New(f.store, mockMX{}, blocklist.New(f.store), log)

	if err := f.pipe.RecoverySweep(ctx); err != nil {
		t.Fatalf("RecoverySweep: %v", err)
	}
	waitFor(t, "contact validated", func() bool {
		got, err := f.store.GetContact(ctx, c.ID)
		return err == nil && got.Validated
	})
	got, _ = f.store.GetContact(ctx, c.ID)
	if !got.Valid {
		t.Errorf("contact = valid %v reason %q, want valid", got.Valid, got.ValidationReason)
	}
}

func TestTruncateKeepsRunes(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"ok", 5, "ok"},
		{"timeout", 4, "time"},
		{"ошибка", 3, "о"},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.n); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}
