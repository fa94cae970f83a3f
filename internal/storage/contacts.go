package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"outreach/internal/model"
)

const contactColumns = `id, site_id, email, name, phone, role, source, priority, validated, valid,
	validation_reason, validated_at, contacted, first_contacted_at, last_contacted_at, contact_count, created_at`

// CreateContact inserts a contact unless the site already has one with the
// same email (case-insensitive). It reports whether a row was created; on a
// duplicate the contact's ID is set to the existing row.
func (s *SQLite) CreateContact(ctx context.Context, c *model.Contact) (bool, error) {
	c.Email = strings.ToLower(strings.TrimSpace(c.Email))
	now := s.stamp()
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO contacts (site_id, email, name, phone, role, source, priority, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.SiteID, c.Email, c.Name, c.Phone, c.Role, string(c.Source), c.Priority, now,
	)
	if err != nil {
		return false, fmt.Errorf("insert contact: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		err := s.db.QueryRowContext(ctx,
			`SELECT id FROM contacts WHERE site_id = ? AND email = ?`, c.SiteID, c.Email,
		).Scan(&c.ID)
		if err != nil {
			return false, notFound(err, "contact")
		}
		return false, nil
	}
	id, err := res.LastInsertId()
	if err != nil {
		return false, fmt.Errorf("last insert id: %w", err)
	}
	c.ID = id
	c.CreatedAt, _ = time.Parse(timeLayout, now)
	return true, nil
}

// GetContact returns a single contact by its ID.
func (s *SQLite) GetContact(ctx context.Context, id int64) (*model.Contact, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+contactColumns+` FROM contacts WHERE id = ?`, id)
	return scanContact(row)
}

// ListContacts returns all contacts of a site, highest priority first.
func (s *SQLite) ListContacts(ctx context.Context, siteID int64) ([]model.Contact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+contactColumns+` FROM contacts WHERE site_id = ? ORDER BY priority DESC, id`, siteID,
	)
	if err != nil {
		return nil, fmt.Errorf("query contacts: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanContacts(rows)
}

// ListUnvalidatedContacts returns contacts of a site that were never validated.
// A zero siteID lists unvalidated contacts across all sites.
func (s *SQLite) ListUnvalidatedContacts(ctx context.Context, siteID int64) ([]model.Contact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+contactColumns+` FROM contacts
		 WHERE validated = 0 AND (? = 0 OR site_id = ?) ORDER BY id`,
		siteID, siteID,
	)
	if err != nil {
		return nil, fmt.Errorf("query unvalidated contacts: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanContacts(rows)
}

// SaveValidation records a validation verdict and stamps the validation time.
func (s *SQLite) SaveValidation(ctx context.Context, id int64, valid bool, reason string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE contacts SET validated = 1, valid = ?, validation_reason = ?, validated_at = ? WHERE id = ?`,
		boolToInt(valid), reason, formatTime(at), id,
	)
	if err != nil {
		return fmt.Errorf("save validation: %w", err)
	}
	return expectOne(res, "save validation", id)
}

// ListReviewCandidates returns valid contacts of a site that have no review
// item yet, highest priority first.
func (s *SQLite) ListReviewCandidates(ctx context.Context, siteID int64, limit int) ([]model.Contact, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+contactColumns+` FROM contacts c
		 WHERE c.site_id = ? AND c.valid = 1
		   AND NOT EXISTS (SELECT 1 FROM review_items r WHERE r.site_id = c.site_id AND r.contact_id = c.id)
		 ORDER BY c.priority DESC, c.id LIMIT ?`,
		siteID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query review candidates: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanContacts(rows)
}

func scanContact(row scannable) (*model.Contact, error) {
	var c model.Contact
	var source, created string
	var validated, valid, contacted int
	var validatedAt, first, last sql.NullString
	err := row.Scan(&c.ID, &c.SiteID, &c.Email, &c.Name, &c.Phone, &c.Role, &source, &c.Priority,
		&validated, &valid, &c.ValidationReason, &validatedAt, &contacted, &first, &last, &c.ContactCount, &created)
	if err != nil {
		return nil, notFound(err, "contact")
	}
	c.Source = model.SourceTag(source)
	c.Validated = validated == 1
	c.Valid = valid == 1
	c.ValidatedAt = parseNullTime(validatedAt)
	c.Contacted = contacted == 1
	c.FirstContactedAt = parseNullTime(first)
	c.LastContactedAt = parseNullTime(last)
	c.CreatedAt, _ = time.Parse(timeLayout, created)
	return &c, nil
}

func scanContacts(rows *sql.Rows) ([]model.Contact, error) {
	var contacts []model.Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		contacts = append(contacts, *c)
	}
	return contacts, rows.Err()
}
