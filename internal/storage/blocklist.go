package storage

import (
	"context"
	"fmt"
	"time"

	"outreach/internal/model"
)

// AddBlockEntry inserts a block entry unless the same type and value is
// already blocked. It reports whether a row was created.
func (s *SQLite) AddBlockEntry(ctx context.Context, e *model.BlockEntry) (bool, error) {
	now := s.stamp()
	if e.Source == "" {
		e.Source = model.BlockManual
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO block_entries (type, value, reason, source, created_at) VALUES (?, ?, ?, ?, ?)`,
		string(e.Type), e.Value, e.Reason, string(e.Source), now,
	)
	if err != nil {
		return false, fmt.Errorf("insert block entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}
	id, err := res.LastInsertId()
	if err != nil {
		return false, fmt.Errorf("last insert id: %w", err)
	}
	e.ID = id
	e.CreatedAt, _ = time.Parse(timeLayout, now)
	return true, nil
}

// FindBlockEntries returns the entries matching any of the given email
// addresses or domains. Values must already be normalized.
func (s *SQLite) FindBlockEntries(ctx context.Context, emails, domains []string) ([]model.BlockEntry, error) {
	if len(emails) == 0 && len(domains) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(emails)+len(domains)+2)
	args = append(args, string(model.BlockEmail))
	for _, e := range emails {
		args = append(args, e)
	}
	args = append(args, string(model.BlockDomain))
	for _, d := range domains {
		args = append(args, d)
	}

	emailIn, domainIn := "NULL", "NULL"
	if len(emails) > 0 {
		emailIn = placeholders(len(emails))
	}
	if len(domains) > 0 {
		domainIn = placeholders(len(domains))
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, value, reason, source, created_at FROM block_entries
		 WHERE (type = ? AND value IN (`+emailIn+`)) OR (type = ? AND value IN (`+domainIn+`))
		 ORDER BY id`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("query block entries: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanBlockEntries(rows)
}

// ListBlockEntries returns every block entry.
func (s *SQLite) ListBlockEntries(ctx context.Context) ([]model.BlockEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, value, reason, source, created_at FROM block_entries ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("query block entries: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanBlockEntries(rows)
}

// DeleteBlockEntry removes a block entry by its ID.
func (s *SQLite) DeleteBlockEntry(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM block_entries WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete block entry: %w", err)
	}
	return nil
}

type rowsScanner interface {
	scannable
	Next() bool
	Err() error
}

func scanBlockEntries(rows rowsScanner) ([]model.BlockEntry, error) {
	var entries []model.BlockEntry
	for rows.Next() {
		var e model.BlockEntry
		var typ, source, created string
		if err := rows.Scan(&e.ID, &typ, &e.Value, &e.Reason, &source, &created); err != nil {
			return nil, fmt.Errorf("scan block entry: %w", err)
		}
		e.Type = model.BlockType(typ)
		e.Source = model.BlockSource(source)
		e.CreatedAt, _ = time.Parse(timeLayout, created)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
