package main

import (
	"database/sql"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/pressly/goose/v3"
	"github.com/urfave/cli/v2"
	_ "modernc.org/sqlite"

	"outreach/migrations"
)

func main() {
	app := &cli.App{
		Name:  "migrate",
		Usage: "manage the outreach database schema",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "db",
				Usage:   "path to sqlite database",
				EnvVars: []string{"DATABASE_PATH"},
				Value:   "./data/outreach.db",
			},
		},
		Commands: []*cli.Command{
			{Name: "up", Usage: "migrate to the latest version", Action: withProvider(up)},
			{Name: "up-one", Usage: "migrate one version up", Action: withProvider(upOne)},
			{Name: "down", Usage: "roll back one version", Action: withProvider(down)},
			{Name: "status", Usage: "show migration status", Action: withProvider(status)},
			{Name: "version", Usage: "show current version", Action: withProvider(version)},
			{Name: "reset", Usage: "roll back all migrations", Action: withProvider(reset)},
		},
	}

	if err := app.Run(os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func withProvider(fn func(c *cli.Context, p *goose.Provider) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		db, err := sql.Open("sqlite", c.String("db"))
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer func() { _ = db.Close() }()

		p, err := migrations.NewProvider(db)
		if err != nil {
			return err
		}
		return fn(c, p)
	}
}

func printResults(c *cli.Context, results ...*goose.MigrationResult) {
	for _, r := range results {
		if r == nil || r.Source == nil {
			continue
		}
		_, _ = fmt.Fprintf(c.App.Writer, "%-4s %d %s (%s)\n", r.Direction, r.Source.Version, r.Source.Path, r.Duration)
	}
}

func up(c *cli.Context, p *goose.Provider) error {
	results, err := p.Up(c.Context)
	printResults(c, results...)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		_, _ = fmt.Fprintln(c.App.Writer, "no migrations to apply")
	}
	return nil
}

func upOne(c *cli.Context, p *goose.Provider) error {
	r, err := p.UpByOne(c.Context)
	printResults(c, r)
	return err
}

func down(c *cli.Context, p *goose.Provider) error {
	r, err := p.Down(c.Context)
	printResults(c, r)
	return err
}

func reset(c *cli.Context, p *goose.Provider) error {
	results, err := p.DownTo(c.Context, 0)
	printResults(c, results...)
	return err
}

func version(c *cli.Context, p *goose.Provider) error {
	v, err := p.GetDBVersion(c.Context)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.App.Writer, "version %d\n", v)
	return nil
}

func status(c *cli.Context, p *goose.Provider) error {
	statuses, err := p.Status(c.Context)
	if err != nil {
		return err
	}

	t := table.NewWriter()
	t.SetOutputMirror(c.App.Writer)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Version", "Migration", "State", "Applied at"})
	for _, s := range statuses {
		applied := "-"
		if !s.AppliedAt.IsZero() {
			applied = s.AppliedAt.UTC().Format("2006-01-02 15:04:05")
		}
		t.AppendRow(table.Row{s.Source.Version, s.Source.Path, s.State, applied})
	}
	t.Render()
	return nil
}
