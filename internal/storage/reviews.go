package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"outreach/internal/model"
)

const reviewColumns = `id, site_id, contact_id, template_id, account_id, recipient, subject, body, preheader,
	status, reviewer, review_notes, reviewed_at, priority, send_attempts, last_error, sent_at, created_at`

// CreateReviewItem inserts a pending review item unless one already exists for
// the same site and contact. It reports whether a row was created.
func (s *SQLite) CreateReviewItem(ctx context.Context, item *model.ReviewItem) (bool, error) {
	now := s.stamp()
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO review_items (site_id, contact_id, template_id, recipient, subject, body,
		     preheader, status, priority, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 'pending', ?, ?)`,
		item.SiteID, item.ContactID, item.TemplateID, item.Recipient, item.Subject, item.Body,
		item.Preheader, item.Priority, now,
	)
	if err != nil {
		return false, fmt.Errorf("insert review item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}
	id, err := res.LastInsertId()
	if err != nil {
		return false, fmt.Errorf("last insert id: %w", err)
	}
	item.ID = id
	item.Status = model.ReviewPending
	item.CreatedAt, _ = time.Parse(timeLayout, now)
	return true, nil
}

// GetReviewItem returns a single review item by its ID.
func (s *SQLite) GetReviewItem(ctx context.Context, id int64) (*model.ReviewItem, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+reviewColumns+` FROM review_items WHERE id = ?`, id)
	return scanReviewItem(row)
}

// CountSiteReviewItems returns how many review items a site has in any status.
func (s *SQLite) CountSiteReviewItems(ctx context.Context, siteID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM review_items WHERE site_id = ?`, siteID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count review items: %w", err)
	}
	return n, nil
}

// ListReviewItems returns review items in the given status ordered by
// priority, highest first, then by creation time.
func (s *SQLite) ListReviewItems(ctx context.Context, status model.ReviewStatus, limit int) ([]model.ReviewItem, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+reviewColumns+` FROM review_items
		 WHERE status = ? ORDER BY priority DESC, created_at, id LIMIT ?`,
		string(status), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query review items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var items []model.ReviewItem
	for rows.Next() {
		item, err := scanReviewItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

// DecideReviewItem moves a pending item to approved or rejected, stamping the
// reviewer, notes and time. Items no longer pending are left untouched and
// false is returned.
func (s *SQLite) DecideReviewItem(ctx context.Context, id int64, to model.ReviewStatus, reviewer, notes string, at time.Time) (bool, error) {
	if to != model.ReviewApproved && to != model.ReviewRejected {
		return false, fmt.Errorf("invalid review decision %q", to)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE review_items SET status = ?, reviewer = ?, review_notes = ?, reviewed_at = ?
		 WHERE id = ? AND status = 'pending'`,
		string(to), reviewer, notes, formatTime(at), id,
	)
	if err != nil {
		return false, fmt.Errorf("decide review item: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected == 1, nil
}

// RequeueReviewItem moves a failed item back to approved for another attempt.
func (s *SQLite) RequeueReviewItem(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE review_items SET status = 'approved' WHERE id = ? AND status = 'failed'`, id,
	)
	if err != nil {
		return fmt.Errorf("requeue review item: %w", err)
	}
	return expectOne(res, "requeue review item", id)
}

// DeferReviewItem records why an approved item was not sent yet, leaving it approved.
func (s *SQLite) DeferReviewItem(ctx context.Context, id int64, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE review_items SET last_error = ? WHERE id = ? AND status = 'approved'`, reason, id,
	)
	if err != nil {
		return fmt.Errorf("defer review item: %w", err)
	}
	return nil
}

// FailReviewItem marks an approved item failed without a delivery attempt.
func (s *SQLite) FailReviewItem(ctx context.Context, id int64, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE review_items SET status = 'failed', last_error = ? WHERE id = ? AND status = 'approved'`,
		reason, id,
	)
	if err != nil {
		return fmt.Errorf("fail review item: %w", err)
	}
	return expectOne(res, "fail review item", id)
}

// RecordSendSuccess marks an approved item sent and records the delivery:
// the account's success counter and last-used time, the contact's history
// and an appended sent record, all in one transaction.
func (s *SQLite) RecordSendSuccess(ctx context.Context, out SendOutcome) error {
	at := formatTime(out.At)
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE review_items
			 SET status = 'sent', account_id = ?, sent_at = ?, send_attempts = send_attempts + 1, last_error = ''
			 WHERE id = ? AND status = 'approved'`,
			out.AccountID, at, out.ItemID,
		)
		if err != nil {
			return fmt.Errorf("mark review item sent: %w", err)
		}
		if err := expectOne(res, "mark review item sent", out.ItemID); err != nil {
			return err
		}

		if out.AccountID != nil {
			if _, err := tx.ExecContext(ctx,
				`UPDATE send_accounts SET success_count = success_count + 1, last_used_at = ? WHERE id = ?`,
				at, *out.AccountID,
			); err != nil {
				return fmt.Errorf("count account success: %w", err)
			}
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE contacts
			 SET contacted = 1, contact_count = contact_count + 1,
			     first_contacted_at = COALESCE(first_contacted_at, ?), last_contacted_at = ?
			 WHERE id = ?`,
			at, at, out.ContactID,
		); err != nil {
			return fmt.Errorf("mark contact contacted: %w", err)
		}

		return insertSentRecord(ctx, tx, out.Record, at)
	})
}

// MarkReviewItemDelivered moves an approved item to sent in a single
// statement, for a delivery whose full outcome could not be stored.
func (s *SQLite) MarkReviewItemDelivered(ctx context.Context, id int64, accountID *int64, reason string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE review_items
		 SET status = 'sent', account_id = ?, sent_at = ?, send_attempts = send_attempts + 1, last_error = ?
		 WHERE id = ? AND status = 'approved'`,
		accountID, formatTime(at), reason, id,
	)
	if err != nil {
		return fmt.Errorf("mark review item delivered: %w", err)
	}
	return expectOne(res, "mark review item delivered", id)
}

// RecordSendFailure marks an approved item failed, counts a failure against
// the account and appends a failed sent record, in one transaction.
func (s *SQLite) RecordSendFailure(ctx context.Context, out SendOutcome) error {
	at := formatTime(out.At)
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE review_items
			 SET status = 'failed', account_id = ?, send_attempts = send_attempts + 1, last_error = ?
			 WHERE id = ? AND status = 'approved'`,
			out.AccountID, out.Record.Error, out.ItemID,
		)
		if err != nil {
			return fmt.Errorf("mark review item failed: %w", err)
		}
		if err := expectOne(res, "mark review item failed", out.ItemID); err != nil {
			return err
		}

		if out.AccountID != nil {
			if _, err := tx.ExecContext(ctx,
				`UPDATE send_accounts SET failure_count = failure_count + 1 WHERE id = ?`, *out.AccountID,
			); err != nil {
				return fmt.Errorf("count account failure: %w", err)
			}
		}

		return insertSentRecord(ctx, tx, out.Record, at)
	})
}

// LastSentAt returns the time of the latest successful delivery of a template
// to a contact or to the same address found on another site, or nil if it
// was never sent.
func (s *SQLite) LastSentAt(ctx context.Context, contactID, templateID int64, recipient string) (*time.Time, error) {
	var last sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(created_at) FROM sent_records
		 WHERE template_id = ? AND status = 'sent' AND (contact_id = ? OR recipient = ?)`,
		templateID, contactID, recipient,
	).Scan(&last)
	if err != nil {
		return nil, fmt.Errorf("query last sent: %w", err)
	}
	return parseNullTime(last), nil
}

// ListSentRecords returns the delivery attempts of a review item, oldest first.
func (s *SQLite) ListSentRecords(ctx context.Context, itemID int64) ([]model.SentRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, review_item_id, contact_id, recipient, account_id, template_id, message_id, subject, body,
		     status, error, created_at
		 FROM sent_records WHERE review_item_id = ? ORDER BY id`, itemID,
	)
	if err != nil {
		return nil, fmt.Errorf("query sent records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []model.SentRecord
	for rows.Next() {
		var r model.SentRecord
		var accountID sql.NullInt64
		var status, created string
		err := rows.Scan(&r.ID, &r.ReviewItemID, &r.ContactID, &r.Recipient, &accountID, &r.TemplateID,
			&r.MessageID, &r.Subject, &r.Body, &status, &r.Error, &created)
		if err != nil {
			return nil, fmt.Errorf("scan sent record: %w", err)
		}
		r.AccountID = nullInt(accountID)
		r.Status = model.DeliveryStatus(status)
		r.CreatedAt, _ = time.Parse(timeLayout, created)
		records = append(records, r)
	}
	return records, rows.Err()
}

func insertSentRecord(ctx context.Context, tx *sql.Tx, r model.SentRecord, at string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO sent_records (review_item_id, contact_id, recipient, account_id, template_id, message_id,
		     subject, body, status, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ReviewItemID, r.ContactID, r.Recipient, r.AccountID, r.TemplateID, r.MessageID,
		r.Subject, r.Body, string(r.Status), r.Error, at,
	)
	if err != nil {
		return fmt.Errorf("insert sent record: %w", err)
	}
	return nil
}

func scanReviewItem(row scannable) (*model.ReviewItem, error) {
	var item model.ReviewItem
	var accountID sql.NullInt64
	var status, created string
	var reviewedAt, sentAt sql.NullString
	err := row.Scan(&item.ID, &item.SiteID, &item.ContactID, &item.TemplateID, &accountID, &item.Recipient,
		&item.Subject, &item.Body, &item.Preheader, &status, &item.Reviewer, &item.ReviewNotes, &reviewedAt,
		&item.Priority, &item.SendAttempts, &item.LastError, &sentAt, &created)
	if err != nil {
		return nil, notFound(err, "review item")
	}
	item.AccountID = nullInt(accountID)
	item.Status = model.ReviewStatus(status)
	item.ReviewedAt = parseNullTime(reviewedAt)
	item.SentAt = parseNullTime(sentAt)
	item.CreatedAt, _ = time.Parse(timeLayout, created)
	return &item, nil
}
