package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/DukeRupert/meanas/internal/domain"
	"github.com/jackc/pgx/v5"
)

const paymentColumns = `transaction_id, user_id, session_id, status, amount, currency,
	plan_snapshot, created_at, updated_at`

func scanPayment(row pgx.Row) (domain.PaymentRecord, error) {
	var (
		p        domain.PaymentRecord
		snapshot []byte
	)
	if err := row.Scan(
		&p.TransactionID,
		&p.UserID,
		&p.SessionID,
		&p.Status,
		&p.Amount,
		&p.Currency,
		&snapshot,
		&p.CreatedAt,
		&p.UpdatedAt,
	); err != nil {
		return domain.PaymentRecord{}, err
	}
	if err := json.Unmarshal(snapshot, &p.Plan); err != nil {
		return domain.PaymentRecord{}, fmt.Errorf("decode plan snapshot: %w", err)
	}
	return p, nil
}

const createPayment = `
INSERT INTO payments (` + paymentColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)`

func (q *Queries) CreatePayment(ctx context.Context, p domain.PaymentRecord) error {
	snapshot, err := json.Marshal(p.Plan)
	if err != nil {
		return fmt.Errorf("encode plan snapshot: %w", err)
	}
	_, err = q.db.Exec(ctx, createPayment,
		p.TransactionID,
		p.UserID,
		p.SessionID,
		p.Status,
		p.Amount,
		p.Currency,
		snapshot,
		p.CreatedAt,
	)
	return mapError(err)
}

const getPayment = `SELECT ` + paymentColumns + ` FROM payments
WHERE user_id = $1 AND transaction_id = $2`

func (q *Queries) GetPayment(ctx context.Context, userID, transactionID string) (domain.PaymentRecord, error) {
	p, err := scanPayment(q.db.QueryRow(ctx, getPayment, userID, transactionID))
	return p, mapError(err)
}

// The status predicate makes the transition conditional: concurrent or
// replayed deliveries cannot both succeed.
const markPaymentSucceeded = `
UPDATE payments SET status = 'SUCCESS', updated_at = $3
WHERE user_id = $1 AND transaction_id = $2 AND status = 'PENDING'
RETURNING ` + paymentColumns

func (q *Queries) MarkPaymentSucceeded(ctx context.Context, userID, transactionID string, at time.Time) (domain.PaymentRecord, error) {
	p, err := scanPayment(q.db.QueryRow(ctx, markPaymentSucceeded, userID, transactionID, at))
	return p, mapError(err)
}
