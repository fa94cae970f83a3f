package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/urfave/cli/v2"

	"outreach/internal/blocklist"
	"outreach/internal/crawl"
	"outreach/internal/criteria"
	"outreach/internal/model"
	"outreach/internal/storage"
)

var sitesCommand = &cli.Command{
	Name:  "sites",
	Usage: "manage candidate sites",
	Subcommands: []*cli.Command{
		{
			Name:      "add",
			Usage:     "queue domains for crawling",
			ArgsUsage: "<domain>...",
			Flags: []cli.Flag{
				&cli.Int64Flag{Name: "template", Usage: "template ID bound to the sites"},
			},
			Action: sitesAdd,
		},
		{
			Name:  "list",
			Usage: "list sites",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "status", Usage: "pending, crawling, completed, failed or per_review"},
				&cli.IntFlag{Name: "limit", Value: 50},
			},
			Action: sitesList,
		},
		{
			Name:      "retry",
			Usage:     "return a failed site to pending",
			ArgsUsage: "<id>",
			Action:    sitesRetry,
		},
		{
			Name:      "force-review",
			Usage:     "move a completed site to per_review",
			ArgsUsage: "<id>",
			Action:    sitesForceReview,
		},
	},
}

var requirementsCommand = &cli.Command{
	Name:  "requirements",
	Usage: "manage requirement sets and templates",
	Subcommands: []*cli.Command{
		{
			Name:      "import",
			Usage:     "upsert templates and requirement sets from a YAML file",
			ArgsUsage: "<file.yaml>",
			Action:    requirementsImport,
		},
	},
}

var reviewCommand = &cli.Command{
	Name:  "review",
	Usage: "inspect the review queue",
	Subcommands: []*cli.Command{
		{
			Name:  "list",
			Usage: "list review items",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "status", Value: string(model.ReviewPending)},
				&cli.IntFlag{Name: "limit", Value: 50},
			},
			Action: reviewList,
		},
	},
}

var accountsCommand = &cli.Command{
	Name:  "accounts",
	Usage: "manage sending accounts",
	Subcommands: []*cli.Command{
		{
			Name:  "add",
			Usage: "add an SMTP sending account",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "name", Required: true},
				&cli.StringFlag{Name: "from", Required: true, Usage: "sender address"},
				&cli.StringFlag{Name: "host", Required: true},
				&cli.IntFlag{Name: "port", Value: 587},
				&cli.StringFlag{Name: "username"},
				&cli.StringFlag{Name: "credential", Required: true, Usage: "env:NAME or file:PATH"},
				&cli.IntFlag{Name: "daily", Value: 50, Usage: "daily send quota"},
				&cli.IntFlag{Name: "hourly", Value: 10, Usage: "hourly send quota"},
				&cli.IntFlag{Name: "priority", Value: 0, Usage: "lower is preferred"},
			},
			Action: accountsAdd,
		},
		{
			Name:   "list",
			Usage:  "list sending accounts and their remaining quota",
			Action: accountsList,
		},
	},
}

var blocklistCommand = &cli.Command{
	Name:  "blocklist",
	Usage: "manage blocked emails and domains",
	Subcommands: []*cli.Command{
		{
			Name:      "add",
			Usage:     "block an email address or a domain",
			ArgsUsage: "<email|domain>",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "reason"},
			},
			Action: blocklistAdd,
		},
		{
			Name:   "list",
			Usage:  "list block entries",
			Action: blocklistList,
		},
	},
}

var quotasCommand = &cli.Command{
	Name:  "quotas",
	Usage: "manage account send counters",
	Subcommands: []*cli.Command{
		{
			Name:  "reset",
			Usage: "zero the hourly counters, or the daily ones with --daily",
			Flags: []cli.Flag{
				&cli.BoolFlag{Name: "daily"},
			},
			Action: quotasReset,
		},
	},
}

func newTable(c *cli.Context) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(c.App.Writer)
	t.SetStyle(table.StyleLight)
	return t
}

func idArg(c *cli.Context) (int64, error) {
	if c.NArg() != 1 {
		return 0, fmt.Errorf("expected exactly one ID argument")
	}
	id, err := strconv.ParseInt(c.Args().First(), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid ID %q", c.Args().First())
	}
	return id, nil
}

func sitesAdd(c *cli.Context) error {
	if c.NArg() == 0 {
		return fmt.Errorf("at least one domain is required")
	}
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	var templateID *int64
	if c.IsSet("template") {
		id := c.Int64("template")
		if _, err := e.store.GetTemplate(c.Context, id); err != nil {
			return fmt.Errorf("template %d: %w", id, err)
		}
		templateID = &id
	}

	added := 0
	for _, arg := range c.Args().Slice() {
		domain := blocklist.NormalizeDomain(arg)
		if domain == "" {
			continue
		}
		site := &model.Site{Domain: domain, TemplateID: templateID}
		err := e.store.CreateSite(c.Context, site)
		switch {
		case errors.Is(err, storage.ErrDuplicate):
			_, _ = fmt.Fprintf(c.App.Writer, "%s already queued\n", domain)
		case err != nil:
			return err
		default:
			added++
			_, _ = fmt.Fprintf(c.App.Writer, "#%d %s queued\n", site.ID, domain)
		}
	}
	_, _ = fmt.Fprintf(c.App.Writer, "%d sites added\n", added)
	return nil
}

func sitesList(c *cli.Context) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	sites, err := e.store.ListSites(c.Context, model.SiteStatus(c.String("status")), c.Int("limit"))
	if err != nil {
		return err
	}

	t := newTable(c)
	t.AppendHeader(table.Row{"ID", "Domain", "Status", "Attempts", "Pages", "Words", "Platform", "Qualified", "Last error"})
	for _, s := range sites {
		t.AppendRow(table.Row{s.ID, s.Domain, s.Status, s.CrawlAttempts, s.PageCount, s.WordCount, s.Platform, s.Qualified, s.LastError})
	}
	t.Render()
	return nil
}

func sitesRetry(c *cli.Context) error {
	return withMachine(c, func(m *crawl.Machine, id int64) error {
		if err := m.Retry(c.Context, id); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(c.App.Writer, "site #%d pending\n", id)
		return nil
	})
}

func sitesForceReview(c *cli.Context) error {
	return withMachine(c, func(m *crawl.Machine, id int64) error {
		if err := m.ForceReview(c.Context, id); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(c.App.Writer, "site #%d moved to %s\n", id, model.SitePerReview)
		return nil
	})
}

// withMachine runs a state transition that needs no fetching.
func withMachine(c *cli.Context, fn func(m *crawl.Machine, id int64) error) error {
	id, err := idArg(c)
	if err != nil {
		return err
	}
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()
	return fn(crawl.New(e.store, nil, e.cfg.CrawlMaxAttempts, e.log), id)
}

func requirementsImport(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("expected a YAML file argument")
	}
	f, err := os.Open(c.Args().First())
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	doc, err := criteria.LoadYAML(f)
	if err != nil {
		return fmt.Errorf("load %s: %w", c.Args().First(), err)
	}

	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	sets, err := criteria.Import(c.Context, e.store, doc)
	if err != nil {
		return err
	}

	t := newTable(c)
	t.AppendHeader(table.Row{"ID", "Name", "Active", "Priority", "Template"})
	for _, rs := range sets {
		tmpl := "-"
		if rs.TemplateID != nil {
			tmpl = strconv.FormatInt(*rs.TemplateID, 10)
		}
		t.AppendRow(table.Row{rs.ID, rs.Name, rs.IsActive, rs.Priority, tmpl})
	}
	t.Render()
	_, _ = fmt.Fprintf(c.App.Writer, "%d templates, %d requirement sets imported\n", len(doc.Templates), len(sets))
	return nil
}

func reviewList(c *cli.Context) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	items, err := e.store.ListReviewItems(c.Context, model.ReviewStatus(c.String("status")), c.Int("limit"))
	if err != nil {
		return err
	}

	t := newTable(c)
	t.AppendHeader(table.Row{"ID", "Site", "Recipient", "Subject", "Priority", "Status", "Reviewer", "Attempts", "Last error"})
	for _, it := range items {
		t.AppendRow(table.Row{it.ID, it.SiteID, it.Recipient, it.Subject, it.Priority, it.Status, it.Reviewer, it.SendAttempts, it.LastError})
	}
	t.AppendFooter(table.Row{"", "", "", "", "", "", "", "Total", len(items)})
	t.Render()
	return nil
}

func accountsAdd(c *cli.Context) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	a := &model.SendAccount{
		Name:          c.String("name"),
		FromEmail:     c.String("from"),
		Host:          c.String("host"),
		Port:          c.Int("port"),
		Username:      c.String("username"),
		CredentialRef: c.String("credential"),
		DailyLimit:    c.Int("daily"),
		HourlyLimit:   c.Int("hourly"),
		Priority:      c.Int("priority"),
		IsActive:      true,
	}
	if a.HourlyLimit > a.DailyLimit {
		return fmt.Errorf("hourly quota %d exceeds daily quota %d", a.HourlyLimit, a.DailyLimit)
	}
	if err := e.store.CreateAccount(c.Context, a); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.App.Writer, "account #%d %s added\n", a.ID, a.Name)
	return nil
}

func accountsList(c *cli.Context) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	accounts, err := e.store.ListAccounts(c.Context)
	if err != nil {
		return err
	}

	t := newTable(c)
	t.AppendHeader(table.Row{"ID", "Name", "From", "Priority", "Active", "Left today", "Left this hour", "Sent", "Failed"})
	for _, a := range accounts {
		t.AppendRow(table.Row{a.ID, a.Name, a.FromEmail, a.Priority, a.IsActive, a.RemainingToday(), a.RemainingThisHour(), a.SuccessCount, a.FailureCount})
	}
	t.Render()
	return nil
}

func blocklistAdd(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("expected one email or domain")
	}
	value := c.Args().First()
	typ := model.BlockDomain
	if strings.Contains(value, "@") {
		typ = model.BlockEmail
	}

	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	created, err := blocklist.New(e.store).Add(c.Context, typ, value, c.String("reason"), model.BlockManual)
	if err != nil {
		return err
	}
	if !created {
		_, _ = fmt.Fprintf(c.App.Writer, "%s %s already blocked\n", typ, value)
		return nil
	}
	_, _ = fmt.Fprintf(c.App.Writer, "%s %s blocked\n", typ, value)
	return nil
}

func blocklistList(c *cli.Context) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	entries, err := e.store.ListBlockEntries(c.Context)
	if err != nil {
		return err
	}

	t := newTable(c)
	t.AppendHeader(table.Row{"ID", "Type", "Value", "Source", "Reason", "Added"})
	for _, b := range entries {
		t.AppendRow(table.Row{b.ID, b.Type, b.Value, b.Source, b.Reason, b.CreatedAt.Format("2006-01-02")})
	}
	t.Render()
	return nil
}

func quotasReset(c *cli.Context) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	reset, label := e.store.ResetHourlyCounters, "hourly"
	if c.Bool("daily") {
		reset, label = e.store.ResetDailyCounters, "daily"
	}
	n, err := reset(c.Context)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.App.Writer, "%s counters reset on %d accounts\n", label, n)
	return nil
}
