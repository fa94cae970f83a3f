package bot

import (
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"outreach/internal/model"
)

func TestParseIDArg(t *testing.T) {
	tests := []struct {
		name    string
		args    string
		want    int64
		wantErr bool
	}{
		{name: "valid", args: "42", want: 42},
		{name: "trailing words", args: " 7 and more", want: 7},
		{name: "empty", args: "", wantErr: true},
		{name: "not a number", args: "abc", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseIDArg(tt.args)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseIDArg() error = %v, wantErr %v", err, tt.wantErr)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("ParseIDArg() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseDecisionArgs(t *testing.T) {
	tests := []struct {
		name      string
		args      string
		wantID    int64
		wantNotes string
		wantErr   bool
	}{
		{name: "id only", args: "5", wantID: 5},
		{name: "with notes", args: "5 tone is off,  rewrite", wantID: 5, wantNotes: "tone is off,  rewrite"},
		{name: "padded", args: "  12   ok  ", wantID: 12, wantNotes: "ok"},
		{name: "empty", args: "", wantErr: true},
		{name: "bad id", args: "x notes", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, notes, err := ParseDecisionArgs(tt.args)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseDecisionArgs() error = %v, wantErr %v", err, tt.wantErr)
			}
			if diff := cmp.Diff(tt.wantID, id); diff != "" {
				t.Errorf("id mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.wantNotes, notes); diff != "" {
				t.Errorf("notes mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseIDList(t *testing.T) {
	tests := []struct {
		name    string
		args    string
		want    []int64
		wantErr bool
	}{
		{name: "empty", args: "", want: []int64{}},
		{name: "spaces", args: "1 2 3", want: []int64{1, 2, 3}},
		{name: "commas and duplicates", args: "4,5, 4 ,6", want: []int64{4, 5, 6}},
		{name: "invalid", args: "1 two", wantErr: true},
		{name: "zero", args: "0", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseIDList(tt.args)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseIDList() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("ParseIDList() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestFormatReviewItem(t *testing.T) {
	reviewed := time.Date(2026, 4, 1, 9, 30, 0, 0, time.UTC)

	tests := []struct {
		name string
		item model.ReviewItem
		want string
	}{
		{
			name: "pending",
			item: model.ReviewItem{
				ID: 3, Status: model.ReviewPending, Priority: 95,
				Recipient: "jane@acme.example", Subject: "Hi Jane", Preheader: "Quick note", Body: "Hello Jane,\nwe saw your site.",
			},
			want: "#3 [pending] priority 95\nTo: jane@acme.example\nSubject: Hi Jane\nPreheader: Quick note\n\nHello Jane,\nwe saw your site.",
		},
		{
			name: "decided with error",
			item: model.ReviewItem{
				ID: 4, Status: model.ReviewFailed, Priority: 50,
				Recipient: "info@acme.example", Subject: "Hello", Body: "Body",
				Reviewer: "@mod", ReviewedAt: &reviewed, ReviewNotes: "ok", LastError: "mailbox full",
			},
			want: "#4 [failed] priority 50\nTo: info@acme.example\nSubject: Hello\n\nBody\n\nReviewed by @mod at 2026-04-01 09:30 UTC: ok\nLast error: mailbox full",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, FormatReviewItem(&tt.item)); diff != "" {
				t.Errorf("FormatReviewItem() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestFormatReviewItemTruncatesBody(t *testing.T) {
	item := &model.ReviewItem{Body: strings.Repeat("é", maxBodyRunes+10)}
	got := FormatReviewItem(item)
	if n := strings.Count(got, "é"); n != maxBodyRunes {
		t.Errorf("body runes = %d, want %d", n, maxBodyRunes)
	}
	if !strings.HasSuffix(got, "…") {
		t.Error("truncated body should end with an ellipsis")
	}
}

func TestFormatPendingList(t *testing.T) {
	tests := []struct {
		name  string
		items []model.ReviewItem
		want  string
	}{
		{name: "empty", items: nil, want: "No pending items."},
		{
			name: "items",
			items: []model.ReviewItem{
				{ID: 1, Priority: 95, Recipient: "jane@acme.example", Subject: "Hi Jane"},
				{ID: 2, Priority: 55, Recipient: "info@acme.example", Subject: "Hello"},
			},
			want: "Pending items (2):\n" +
				"\n#1 [95] jane@acme.example\n   Hi Jane\n" +
				"\n#2 [55] info@acme.example\n   Hello\n" +
				"\nUse /show <id> to review an item.",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, FormatPendingList(tt.items)); diff != "" {
				t.Errorf("FormatPendingList() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestFormatStats(t *testing.T) {
	st := &model.Stats{
		Sites:           map[model.SiteStatus]int{model.SitePending: 4, model.SitePerReview: 2},
		QualifiedSites:  2,
		Contacts:        9,
		ValidContacts:   6,
		Reviews:         map[model.ReviewStatus]int{model.ReviewPending: 3, model.ReviewSent: 1},
		RemainingDaily:  120,
		RemainingHourly: 20,
	}
	want := "Sites:\n" +
		"  pending: 4\n  crawling: 0\n  completed: 0\n  per_review: 2\n  failed: 0\n  qualified: 2\n" +
		"\nContacts: 9 (6 valid)\n" +
		"\nReview items:\n" +
		"  pending: 3\n  approved: 0\n  rejected: 0\n  sent: 1\n  failed: 0\n" +
		"\nRemaining quota: 120 today, 20 this hour"
	if diff := cmp.Diff(want, FormatStats(st)); diff != "" {
		t.Errorf("FormatStats() mismatch (-want +got):\n%s", diff)
	}
}
