package blocklist

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"

	"outreach/internal/model"
	"outreach/internal/storage"
)

func newTestGuard(t *testing.T) *Guard {
	t.Helper()
	store, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return New(store)
}

func TestGuardCheck(t *testing.T) {
	ctx := context.Background()
	g := newTestGuard(t)

	seed := []struct {
		typ   model.BlockType
		value string
	}{
		{model.BlockEmail, " CEO@Acme.example "},
		{model.BlockDomain, "https://www.Spam.example/path"},
		{model.BlockDomain, "competitor.example"},
	}
	for _, s := range seed {
		if _, err := g.Add(ctx, s.typ, s.value, "test", model.BlockManual); err != nil {
			t.Fatalf("add %s: %v", s.value, err)
		}
	}

	tests := []struct {
		name       string
		email      string
		siteDomain string
		wantValue  string
	}{
		{"clean", "jane@fine.example", "fine.example", ""},
		{"exact email", "ceo@acme.example", "acme.example", "ceo@acme.example"},
		{"email is case-insensitive", "CEO@ACME.example", "", "ceo@acme.example"},
		{"email domain", "x@spam.example", "", "spam.example"},
		{"subdomain of blocked domain", "x@mail.spam.example", "", "spam.example"},
		{"site domain blocked", "jane@gmail.example", "www.competitor.example", "competitor.example"},
		{"lookalike is not blocked", "x@notspam.example", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry, blocked, err := g.Check(ctx, tt.email, tt.siteDomain)
			if err != nil {
				t.Fatal(err)
			}
			got := ""
			if blocked {
				got = entry.Value
			}
			if got != tt.wantValue {
				t.Errorf("Check() blocked by %q, want %q", got, tt.wantValue)
			}
		})
	}
}

func TestGuardAdd(t *testing.T) {
	ctx := context.Background()
	g := newTestGuard(t)

	created, err := g.Add(ctx, model.BlockDomain, "WWW.Example.org.", "", model.BlockImported)
	if err != nil || !created {
		t.Fatalf("add: created=%v err=%v", created, err)
	}
	created, err = g.Add(ctx, model.BlockDomain, "example.org", "", model.BlockManual)
	if err != nil || created {
		t.Fatalf("duplicate add: created=%v err=%v", created, err)
	}

	for _, bad := range []struct {
		typ   model.BlockType
		value string
	}{
		{model.BlockEmail, "not-an-email"},
		{model.BlockDomain, "localhost"},
		{model.BlockType("ip"), "10.0.0.1"},
	} {
		if _, err := g.Add(ctx, bad.typ, bad.value, "", model.BlockManual); err == nil {
			t.Errorf("Add(%s, %q) expected error", bad.typ, bad.value)
		}
	}
}

func TestParentDomains(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"example.com", []string{"example.com"}},
		{"www.a.b.example.com", []string{"a.b.example.com", "b.example.com", "example.com"}},
	}
	for _, tt := range tests {
		if diff := cmp.Diff(tt.want, parentDomains(tt.in)); diff != "" {
			t.Errorf("parentDomains(%q) mismatch (-want +got):\n%s", tt.in, diff)
		}
	}
}

func TestNormalizeDomain(t *testing.T) {
	tests := map[string]string{
		"Example.com":                 "example.com",
		"https://www.example.com/a?b": "example.com",
		"example.com:8080":            "example.com",
		"www.example.com.":            "example.com",
	}
	for in, want := range tests {
		if got := NormalizeDomain(in); got != want {
			t.Errorf("NormalizeDomain(%q) = %q, want %q", in, got, want)
		}
	}
}
