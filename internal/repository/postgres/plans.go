package postgres

import (
	"context"

	"github.com/DukeRupert/meanas/internal/domain"
	"github.com/jackc/pgx/v5"
)

const planColumns = `id, name, price, currency, duration_days, processor_price_id,
	rank, features, allotment, unlimited, occurrence, occurrence_type`

func scanPlan(row pgx.Row) (domain.Plan, error) {
	var p domain.Plan
	err := row.Scan(
		&p.ID,
		&p.Name,
		&p.Price,
		&p.Currency,
		&p.DurationDays,
		&p.ProcessorPriceID,
		&p.Rank,
		&p.Features,
		&p.Allotment,
		&p.Unlimited,
		&p.Occurrence,
		&p.OccurrenceType,
	)
	return p, err
}

const getPlan = `SELECT ` + planColumns + ` FROM plans WHERE id = $1`

func (q *Queries) GetPlan(ctx context.Context, id string) (domain.Plan, error) {
	p, err := scanPlan(q.db.QueryRow(ctx, getPlan, id))
	return p, mapError(err)
}

const listPlans = `SELECT ` + planColumns + ` FROM plans ORDER BY rank, id`

func (q *Queries) ListPlans(ctx context.Context) ([]domain.Plan, error) {
	rows, err := q.db.Query(ctx, listPlans)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var plans []domain.Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}
	return plans, rows.Err()
}

const upsertPlan = `
INSERT INTO plans (` + planColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (id) DO UPDATE SET
	name = EXCLUDED.name,
	price = EXCLUDED.price,
	currency = EXCLUDED.currency,
	duration_days = EXCLUDED.duration_days,
	processor_price_id = EXCLUDED.processor_price_id,
	rank = EXCLUDED.rank,
	features = EXCLUDED.features,
	allotment = EXCLUDED.allotment,
	unlimited = EXCLUDED.unlimited,
	occurrence = EXCLUDED.occurrence,
	occurrence_type = EXCLUDED.occurrence_type,
	updated_at = NOW()`

func (q *Queries) UpsertPlan(ctx context.Context, p domain.Plan) error {
	features := p.Features
	if features == nil {
		features = []string{}
	}
	_, err := q.db.Exec(ctx, upsertPlan,
		p.ID,
		p.Name,
		p.Price,
		p.Currency,
		p.DurationDays,
		p.ProcessorPriceID,
		p.Rank,
		features,
		p.Allotment,
		p.Unlimited,
		p.Occurrence,
		p.OccurrenceType,
	)
	return mapError(err)
}
