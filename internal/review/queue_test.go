package review

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"outreach/internal/blocklist"
	"outreach/internal/model"
	"outreach/internal/render"
	"outreach/internal/storage"
)

type mockNotifier struct {
	mu    sync.Mutex
	items []int64
}

func (m *mockNotifier) NotifyReviewItem(item model.ReviewItem) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = append(m.items, item.ID)
}

var testNow = time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

type fixture struct {
	store    *storage.SQLite
	queue    *Queue
	guard    *blocklist.Guard
	notifier *mockNotifier
	site     *model.Site
}

func newFixture(t *testing.T, maxPerSite int) *fixture {
	t.Helper()
	ctx := context.Background()
	store, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	tmpl := &model.Template{Name: "intro", Subject: "{{first_name|Hello}}, about {{domain}}", Body: "Hi {{name}}"}
	if err := store.CreateTemplate(ctx, tmpl); err != nil {
		t.Fatal(err)
	}
	site := &model.Site{Domain: "acme.example"}
	if err := store.CreateSite(ctx, site); err != nil {
		t.Fatal(err)
	}
	if err := store.SaveEvaluation(ctx, site.ID, storage.Evaluation{Qualified: true, TemplateID: &tmpl.ID}); err != nil {
		t.Fatal(err)
	}

	guard := blocklist.New(store)
	n := &mockNotifier{}
	q := New(store, guard, n, render.Sender{Name: "Sam"}, maxPerSite, slog.New(slog.NewTextHandler(io.Discard, nil)))
	q.SetClock(func() time.Time { return testNow })
	return &fixture{store: store, queue: q, guard: guard, notifier: n, site: site}
}

func (f *fixture) addContact(t *testing.T, email, name string, priority int, valid bool) *model.Contact {
	t.Helper()
	ctx := context.Background()
	c := &model.Contact{SiteID: f.site.ID, Email: email, Name: name, Source: model.SourceBody, Priority: priority}
	if _, err := f.store.CreateContact(ctx, c); err != nil {
		t.Fatal(err)
	}
	if err := f.store.SaveValidation(ctx, c.ID, valid, "", testNow); err != nil {
		t.Fatal(err)
	}
	return c
}

func TestCreateForSite(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2)
	f.addContact(t, "jane@acme.example", "Jane Doe", 95, true)
	f.addContact(t, "info@acme.example", "", 55, true)
	f.addContact(t, "low@acme.example", "", 50, true)
	f.addContact(t, "bad@acme.example", "", 99, false)

	n, err := f.queue.CreateForSite(ctx, f.site.ID)
	if err != nil {
		t.Fatalf("CreateForSite: %v", err)
	}
	if n != 2 {
		t.Fatalf("created %d items, want 2", n)
	}

	items, err := f.queue.Pending(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	type row struct {
		Recipient, Subject, Body string
		Priority                 int
	}
	var got []row
	for _, it := range items {
		got = append(got, row{it.Recipient, it.Subject, it.Body, it.Priority})
	}
	want := []row{
		{"jane@acme.example", "Jane, about acme.example", "Hi Jane Doe", 95},
		{"info@acme.example", "Hello, about acme.example", "Hi {{name}}", 55},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("pending items mismatch (-want +got):\n%s", diff)
	}
	if len(f.notifier.items) != 2 {
		t.Errorf("notified %d items, want 2", len(f.notifier.items))
	}

	// Cap reached: re-running creates nothing.
	n, err = f.queue.CreateForSite(ctx, f.site.ID)
	if err != nil || n != 0 {
		t.Errorf("second run: n=%d err=%v, want 0, nil", n, err)
	}
}

func TestCreateForSiteSkipsBlocklisted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3)
	blocked := f.addContact(t, "ceo@acme.example", "", 90, true)
	f.addContact(t, "info@acme.example", "", 55, true)
	if _, err := f.guard.Add(ctx, model.BlockEmail, "ceo@acme.example", "asked to stop", model.BlockManual); err != nil {
		t.Fatal(err)
	}

	n, err := f.queue.CreateForSite(ctx, f.site.ID)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("created %d, want 1", n)
	}
	c, err := f.store.GetContact(ctx, blocked.ID)
	if err != nil {
		t.Fatal(err)
	}
	if c.Valid || c.ValidationReason != "blocklisted email ceo@acme.example" {
		t.Errorf("blocked contact valid=%v reason=%q", c.Valid, c.ValidationReason)
	}
}

func TestCreateForSiteWithoutTemplate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3)
	site := &model.Site{Domain: "bare.example"}
	if err := f.store.CreateSite(ctx, site); err != nil {
		t.Fatal(err)
	}
	if err := f.store.SaveEvaluation(ctx, site.ID, storage.Evaluation{Qualified: true}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.queue.CreateForSite(ctx, site.ID); !errors.Is(err, ErrNoTemplate) {
		t.Errorf("err = %v, want ErrNoTemplate", err)
	}
}

func TestDecisions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 5)
	for _, e := range []string{"a@acme.example", "b@acme.example", "c@acme.example", "d@acme.example"} {
		f.addContact(t, e, "", 60, true)
	}
	if _, err := f.queue.CreateForSite(ctx, f.site.ID); err != nil {
		t.Fatal(err)
	}
	items, err := f.queue.Pending(ctx, 10)
	if err != nil || len(items) != 4 {
		t.Fatalf("pending: %d items, err=%v", len(items), err)
	}
	ids := []int64{items[0].ID, items[1].ID, items[2].ID, items[3].ID}

	if _, err := f.queue.Approve(ctx, ids[0], "", ""); !errors.Is(err, ErrNoReviewer) {
		t.Errorf("approve without reviewer: err = %v, want ErrNoReviewer", err)
	}

	changed, err := f.queue.Approve(ctx, ids[0], "alice", "ok")
	if err != nil || !changed {
		t.Fatalf("approve: changed=%v err=%v", changed, err)
	}
	changed, err = f.queue.Approve(ctx, ids[0], "alice", "")
	if err != nil || changed {
		t.Errorf("re-approve: changed=%v err=%v, want no-op", changed, err)
	}
	if changed, err := f.queue.Reject(ctx, ids[1], "bob", "wrong person"); err != nil || !changed {
		t.Fatalf("reject: changed=%v err=%v", changed, err)
	}

	n, err := f.queue.BulkApprove(ctx, ids, "carol", "")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("BulkApprove changed %d, want 2", n)
	}

	got := map[int64]model.ReviewStatus{}
	reviewers := map[int64]string{}
	for _, id := range ids {
		it, err := f.queue.Get(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		got[id] = it.Status
		reviewers[id] = it.Reviewer
		if it.ReviewedAt == nil || !it.ReviewedAt.Equal(testNow) {
			t.Errorf("item %d reviewed_at = %v", id, it.ReviewedAt)
		}
	}
	want := map[int64]model.ReviewStatus{
		ids[0]: model.ReviewApproved, ids[1]: model.ReviewRejected,
		ids[2]: model.ReviewApproved, ids[3]: model.ReviewApproved,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("statuses mismatch (-want +got):\n%s", diff)
	}
	wantReviewers := map[int64]string{ids[0]: "alice", ids[1]: "bob", ids[2]: "carol", ids[3]: "carol"}
	if diff := cmp.Diff(wantReviewers, reviewers); diff != "" {
		t.Errorf("reviewers mismatch (-want +got):\n%s", diff)
	}

	approved, err := f.queue.NextApproved(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(approved) != 2 {
		t.Errorf("NextApproved returned %d, want 2", len(approved))
	}
}
