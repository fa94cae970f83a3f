package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"outreach/internal/model"
)

const accountColumns = `id, name, from_email, host, port, username, credential_ref, daily_limit, hourly_limit,
	sent_today, sent_this_hour, priority, is_active, success_count, failure_count, last_used_at, created_at`

// CreateAccount inserts a new send account and populates its ID and CreatedAt.
func (s *SQLite) CreateAccount(ctx context.Context, a *model.SendAccount) error {
	now := s.stamp()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO send_accounts (name, from_email, host, port, username, credential_ref, daily_limit,
		     hourly_limit, sent_today, sent_this_hour, priority, is_active, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.Name, a.FromEmail, a.Host, a.Port, a.Username, a.CredentialRef, a.DailyLimit,
		a.HourlyLimit, a.SentToday, a.SentThisHour, a.Priority, boolToInt(a.IsActive), now,
	)
	if err != nil {
		return fmt.Errorf("insert send account: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	a.ID = id
	a.CreatedAt, _ = time.Parse(timeLayout, now)
	return nil
}

// GetAccount returns a single send account by its ID.
func (s *SQLite) GetAccount(ctx context.Context, id int64) (*model.SendAccount, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM send_accounts WHERE id = ?`, id)
	return scanAccount(row)
}

// ListAccounts returns all send accounts in rotation order.
func (s *SQLite) ListAccounts(ctx context.Context) ([]model.SendAccount, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM send_accounts ORDER BY priority, (daily_limit - sent_today) DESC, id`,
	)
	if err != nil {
		return nil, fmt.Errorf("query send accounts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var accounts []model.SendAccount
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *a)
	}
	return accounts, rows.Err()
}

// ReserveAccount picks the preferred active account with remaining daily and
// hourly capacity and consumes one unit of both quotas in the same statement.
// Lower priority values are preferred; ties go to the account with the most
// daily capacity left. Returns ErrNoCapacity if every account is exhausted.
func (s *SQLite) ReserveAccount(ctx context.Context) (*model.SendAccount, error) {
	row := s.db.QueryRowContext(ctx,
		`UPDATE send_accounts
		 SET sent_today = sent_today + 1, sent_this_hour = sent_this_hour + 1
		 WHERE id = (
		     SELECT id FROM send_accounts
		     WHERE is_active = 1 AND sent_today < daily_limit AND sent_this_hour < hourly_limit
		     ORDER BY priority, (daily_limit - sent_today) DESC, id
		     LIMIT 1)
		   AND sent_today < daily_limit AND sent_this_hour < hourly_limit
		 RETURNING `+accountColumns,
	)
	a, err := scanAccount(row)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNoCapacity
	}
	if err != nil {
		return nil, fmt.Errorf("reserve send account: %w", err)
	}
	return a, nil
}

// ReleaseAccount gives back one unit of quota taken by ReserveAccount.
func (s *SQLite) ReleaseAccount(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE send_accounts
		 SET sent_today = MAX(sent_today - 1, 0), sent_this_hour = MAX(sent_this_hour - 1, 0)
		 WHERE id = ?`, id,
	)
	if err != nil {
		return fmt.Errorf("release send account: %w", err)
	}
	return nil
}

// ResetHourlyCounters zeroes the hourly counter of every account.
func (s *SQLite) ResetHourlyCounters(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE send_accounts SET sent_this_hour = 0 WHERE sent_this_hour <> 0`)
	if err != nil {
		return 0, fmt.Errorf("reset hourly counters: %w", err)
	}
	return res.RowsAffected()
}

// ResetDailyCounters zeroes the daily and hourly counters of every account.
func (s *SQLite) ResetDailyCounters(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE send_accounts SET sent_today = 0, sent_this_hour = 0 WHERE sent_today <> 0 OR sent_this_hour <> 0`,
	)
	if err != nil {
		return 0, fmt.Errorf("reset daily counters: %w", err)
	}
	return res.RowsAffected()
}

func scanAccount(row scannable) (*model.SendAccount, error) {
	var a model.SendAccount
	var active int
	var lastUsed sql.NullString
	var created string
	err := row.Scan(&a.ID, &a.Name, &a.FromEmail, &a.Host, &a.Port, &a.Username, &a.CredentialRef,
		&a.DailyLimit, &a.HourlyLimit, &a.SentToday, &a.SentThisHour, &a.Priority, &active,
		&a.SuccessCount, &a.FailureCount, &lastUsed, &created)
	if err != nil {
		return nil, notFound(err, "send account")
	}
	a.IsActive = active == 1
	a.LastUsedAt = parseNullTime(lastUsed)
	a.CreatedAt, _ = time.Parse(timeLayout, created)
	return &a, nil
}
