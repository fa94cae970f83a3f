package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"outreach/internal/model"
)

// CreateRequirementSet inserts a new requirement set and populates its ID and CreatedAt.
func (s *SQLite) CreateRequirementSet(ctx context.Context, rs *model.RequirementSet) error {
	now := s.stamp()
	criteria, err := mustJSON(rs.Criteria)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO requirement_sets (name, is_active, priority, template_id, criteria, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rs.Name, boolToInt(rs.IsActive), rs.Priority, rs.TemplateID, criteria, now,
	)
	if err != nil {
		return fmt.Errorf("insert requirement set: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	rs.ID = id
	rs.CreatedAt, _ = time.Parse(timeLayout, now)
	return nil
}

// UpsertRequirementSet inserts a requirement set or replaces the one with the same name.
func (s *SQLite) UpsertRequirementSet(ctx context.Context, rs *model.RequirementSet) error {
	criteria, err := mustJSON(rs.Criteria)
	if err != nil {
		return err
	}
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO requirement_sets (name, is_active, priority, template_id, criteria, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (name) DO UPDATE SET
		     is_active = excluded.is_active,
		     priority = excluded.priority,
		     template_id = excluded.template_id,
		     criteria = excluded.criteria
		 RETURNING id`,
		rs.Name, boolToInt(rs.IsActive), rs.Priority, rs.TemplateID, criteria, s.stamp(),
	).Scan(&rs.ID)
	if err != nil {
		return fmt.Errorf("upsert requirement set: %w", err)
	}
	return nil
}

// ListRequirementSets returns requirement sets ordered by priority, highest first.
func (s *SQLite) ListRequirementSets(ctx context.Context, activeOnly bool) ([]model.RequirementSet, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, is_active, priority, template_id, criteria, created_at
		 FROM requirement_sets WHERE (? = 0 OR is_active = 1)
		 ORDER BY priority DESC, id`,
		boolToInt(activeOnly),
	)
	if err != nil {
		return nil, fmt.Errorf("query requirement sets: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sets []model.RequirementSet
	for rows.Next() {
		var rs model.RequirementSet
		var active int
		var tmplID sql.NullInt64
		var criteria, created string
		if err := rows.Scan(&rs.ID, &rs.Name, &active, &rs.Priority, &tmplID, &criteria, &created); err != nil {
			return nil, fmt.Errorf("scan requirement set: %w", err)
		}
		rs.IsActive = active == 1
		rs.TemplateID = nullInt(tmplID)
		rs.CreatedAt, _ = time.Parse(timeLayout, created)
		if err := json.Unmarshal([]byte(criteria), &rs.Criteria); err != nil {
			return nil, fmt.Errorf("decode criteria of requirement set %d: %w", rs.ID, err)
		}
		sets = append(sets, rs)
	}
	return sets, rows.Err()
}

// CreateTemplate inserts a new message template and populates its ID and CreatedAt.
func (s *SQLite) CreateTemplate(ctx context.Context, t *model.Template) error {
	now := s.stamp()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO templates (name, subject, body, preheader, created_at) VALUES (?, ?, ?, ?, ?)`,
		t.Name, t.Subject, t.Body, t.Preheader, now,
	)
	if err != nil {
		return fmt.Errorf("insert template: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	t.ID = id
	t.CreatedAt, _ = time.Parse(timeLayout, now)
	return nil
}

// UpsertTemplate inserts a template or replaces the one with the same name.
func (s *SQLite) UpsertTemplate(ctx context.Context, t *model.Template) error {
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO templates (name, subject, body, preheader, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (name) DO UPDATE SET
		     subject = excluded.subject,
		     body = excluded.body,
		     preheader = excluded.preheader
		 RETURNING id`,
		t.Name, t.Subject, t.Body, t.Preheader, s.stamp(),
	).Scan(&t.ID)
	if err != nil {
		return fmt.Errorf("upsert template: %w", err)
	}
	return nil
}

// GetTemplate returns a single template by its ID.
func (s *SQLite) GetTemplate(ctx context.Context, id int64) (*model.Template, error) {
	var t model.Template
	var created string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, subject, body, preheader, created_at FROM templates WHERE id = ?`, id,
	).Scan(&t.ID, &t.Name, &t.Subject, &t.Body, &t.Preheader, &created)
	if err != nil {
		return nil, notFound(err, "template")
	}
	t.CreatedAt, _ = time.Parse(timeLayout, created)
	return &t, nil
}
