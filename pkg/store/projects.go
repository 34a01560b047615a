package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Project is a billing scope with an optional monthly token ceiling.
type Project struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	MonthlyLimit *int64    `json:"monthly_limit"` // tokens; nil = unlimited
	CreatedAt    time.Time `json:"created_at"`
}

// SetProject upserts a project. A nil MonthlyLimit means unlimited.
func (s *Store) SetProject(ctx context.Context, id, name string, monthlyLimit *int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, monthly_limit)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, monthly_limit = excluded.monthly_limit`,
		id, name, monthlyLimit)
	if err != nil {
		return storageErr(err)
	}
	return nil
}

// GetProject fetches a project by id. Returns ErrNotFound if absent.
func (s *Store) GetProject(ctx context.Context, id string) (*Project, error) {
	var p Project
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, monthly_limit, created_at FROM projects WHERE id = ?`, id).
		Scan(&p.ID, &p.Name, &p.MonthlyLimit, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr(err)
	}
	return &p, nil
}

// EnsureProject creates the project with an unlimited ceiling if it does not
// exist. Projects are created on first reference.
func (s *Store) EnsureProject(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, name) VALUES (?, ?)
		ON CONFLICT(id) DO NOTHING`, id, id)
	if err != nil {
		return storageErr(err)
	}
	return nil
}

// ListProjects returns all projects ordered by creation time.
func (s *Store) ListProjects(ctx context.Context) ([]*Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, monthly_limit, created_at FROM projects ORDER BY created_at`)
	if err != nil {
		return nil, storageErr(err)
	}
	defer rows.Close()

	var projects []*Project
	for rows.Next() {
		var p Project
		if err := rows.Scan(&p.ID, &p.Name, &p.MonthlyLimit, &p.CreatedAt); err != nil {
			return nil, storageErr(err)
		}
		projects = append(projects, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(err)
	}
	return projects, nil
}
