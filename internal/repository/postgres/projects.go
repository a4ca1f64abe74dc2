package postgres

import (
	"context"

	"github.com/DukeRupert/meanas/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const createProject = `
INSERT INTO projects (` + projectColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

func (q *Queries) CreateProject(ctx context.Context, p domain.Project) error {
	_, err := q.db.Exec(ctx, createProject,
		p.ID,
		p.UserID,
		p.SubscriptionID,
		p.Kind,
		p.Title,
		p.Description,
		nonNil(p.ImageKeys),
		nonNil(p.ImageURLs),
		p.Response,
		p.Model,
		p.CreatedAt,
	)
	return mapError(err)
}

const projectColumns = `id, user_id, subscription_id, kind, title, description,
	image_keys, image_urls, response, model, created_at`

func scanProject(row pgx.Row) (domain.Project, error) {
	var p domain.Project
	err := row.Scan(
		&p.ID,
		&p.UserID,
		&p.SubscriptionID,
		&p.Kind,
		&p.Title,
		&p.Description,
		&p.ImageKeys,
		&p.ImageURLs,
		&p.Response,
		&p.Model,
		&p.CreatedAt,
	)
	return p, err
}

const listProjects = `SELECT ` + projectColumns + ` FROM projects
WHERE user_id = $1
ORDER BY created_at DESC`

func (q *Queries) ListProjects(ctx context.Context, userID string) ([]domain.Project, error) {
	rows, err := q.db.Query(ctx, listProjects, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var projects []domain.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

const deleteProject = `DELETE FROM projects
WHERE id = $1 AND user_id = $2
RETURNING ` + projectColumns

func (q *Queries) DeleteProject(ctx context.Context, userID string, id uuid.UUID) (domain.Project, error) {
	p, err := scanProject(q.db.QueryRow(ctx, deleteProject, id, userID))
	return p, mapError(err)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
