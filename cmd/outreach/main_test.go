package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const requirementsYAML = `templates:
  - name: plumbing-intro
    subject: "Quick question about {{domain}}"
    body: "Hi {{first_name|there}}, we saw {{site_url}}."
requirement_sets:
  - name: plumbers
    priority: 10
    template: plumbing-intro
    criteria:
      min_pages: 1
      required_keywords: [plumbing]
`

func runApp(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	app := newApp()
	app.Writer = &buf
	app.ErrWriter = &buf
	err := app.Run(append([]string{"outreach"}, args...))
	return buf.String(), err
}

func setupEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("DATABASE_PATH", filepath.Join(dir, "data", "outreach.db"))
	t.Setenv("LOG_LEVEL", "error")
	return dir
}

func requireContains(t *testing.T, got, want string) {
	t.Helper()
	if !strings.Contains(got, want) {
		t.Errorf("expected %q to contain %q", got, want)
	}
}

func TestSitesCommands(t *testing.T) {
	setupEnv(t)

	out, err := runApp(t, "sites", "add", "https://www.Acme.example/", "beta.example")
	if err != nil {
		t.Fatalf("sites add: %v", err)
	}
	requireContains(t, out, "#1 acme.example queued")
	requireContains(t, out, "2 sites added")

	out, err = runApp(t, "sites", "add", "acme.example")
	if err != nil {
		t.Fatalf("sites add again: %v", err)
	}
	requireContains(t, out, "acme.example already queued")
	requireContains(t, out, "0 sites added")

	out, err = runApp(t, "sites", "list", "--status", "pending")
	if err != nil {
		t.Fatalf("sites list: %v", err)
	}
	requireContains(t, out, "beta.example")

	if _, err := runApp(t, "sites", "add", "--template", "9", "gamma.example"); err == nil {
		t.Error("sites add with unknown template should fail")
	}
	if _, err := runApp(t, "sites", "retry", "x"); err == nil {
		t.Error("sites retry with bad id should fail")
	}
}

func TestRequirementsImport(t *testing.T) {
	dir := setupEnv(t)
	path := filepath.Join(dir, "requirements.yaml")
	if err := os.WriteFile(path, []byte(requirementsYAML), 0o600); err != nil {
		t.Fatal(err)
	}

	out, err := runApp(t, "requirements", "import", path)
	if err != nil {
		t.Fatalf("requirements import: %v", err)
	}
	requireContains(t, out, "plumbers")
	requireContains(t, out, "1 templates, 1 requirement sets imported")

	// Imports upsert by name.
	if _, err := runApp(t, "requirements", "import", path); err != nil {
		t.Fatalf("second import: %v", err)
	}
	out, err = runApp(t, "sites", "add", "--template", "1", "acme.example")
	if err != nil {
		t.Fatalf("sites add with imported template: %v", err)
	}
	requireContains(t, out, "1 sites added")
}

func TestRequirementsImportInvalid(t *testing.T) {
	dir := setupEnv(t)
	path := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(path, []byte("requirement_sets:\n  - name: x\n    unknown_field: 1\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := runApp(t, "requirements", "import", path); err == nil {
		t.Error("import of unknown fields should fail")
	}
}

func TestAccountsAndQuotas(t *testing.T) {
	setupEnv(t)

	out, err := runApp(t, "accounts", "add",
		"--name", "primary", "--from", "sam@agency.example", "--host", "smtp.agency.example",
		"--credential", "env:SMTP_PASSWORD", "--daily", "100", "--hourly", "20")
	if err != nil {
		t.Fatalf("accounts add: %v", err)
	}
	requireContains(t, out, "account #1 primary added")

	out, err = runApp(t, "accounts", "list")
	if err != nil {
		t.Fatalf("accounts list: %v", err)
	}
	requireContains(t, out, "sam@agency.example")

	if _, err := runApp(t, "accounts", "add", "--name", "x", "--from", "x@a.example", "--host", "h",
		"--credential", "env:X", "--daily", "5", "--hourly", "10"); err == nil {
		t.Error("hourly quota above daily quota should fail")
	}

	out, err = runApp(t, "quotas", "reset", "--daily")
	if err != nil {
		t.Fatalf("quotas reset: %v", err)
	}
	requireContains(t, out, "daily counters reset on 0 accounts")
}

func TestBlocklistCommands(t *testing.T) {
	setupEnv(t)

	out, err := runApp(t, "blocklist", "add", "--reason", "asked us to stop", "Jane@Acme.example")
	if err != nil {
		t.Fatalf("blocklist add: %v", err)
	}
	requireContains(t, out, "email Jane@Acme.example blocked")

	out, err = runApp(t, "blocklist", "add", "spam.example")
	if err != nil {
		t.Fatalf("blocklist add domain: %v", err)
	}
	requireContains(t, out, "domain spam.example blocked")

	out, err = runApp(t, "blocklist", "list")
	if err != nil {
		t.Fatalf("blocklist list: %v", err)
	}
	requireContains(t, out, "jane@acme.example")
	requireContains(t, out, "asked us to stop")
}

func TestReviewListEmpty(t *testing.T) {
	setupEnv(t)
	out, err := runApp(t, "review", "list")
	if err != nil {
		t.Fatalf("review list: %v", err)
	}
	requireContains(t, out, "RECIPIENT")
}
