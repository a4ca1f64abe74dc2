package mongo

import (
	"time"

	"github.com/DukeRupert/meanas/internal/domain"
	"github.com/DukeRupert/meanas/internal/repository"
	"github.com/google/uuid"
)

// Identifiers are stored as strings so documents stay readable in the shell.

type planDoc struct {
	ID               string   `bson:"_id"`
	Name             string   `bson:"name"`
	Price            int64    `bson:"price"`
	Currency         string   `bson:"currency"`
	DurationDays     int      `bson:"duration_days"`
	ProcessorPriceID string   `bson:"processor_price_id"`
	Rank             int      `bson:"rank"`
	Features         []string `bson:"features"`
	Allotment        int      `bson:"allotment"`
	Unlimited        bool     `bson:"unlimited"`
	Occurrence       int      `bson:"occurrence"`
	OccurrenceType   string   `bson:"occurrence_type"`
}

func toPlanDoc(p domain.Plan) planDoc {
	return planDoc(p)
}

func (d planDoc) domain() domain.Plan {
	return domain.Plan(d)
}

type paymentDoc struct {
	TransactionID string    `bson:"_id"`
	UserID        string    `bson:"user_id"`
	SessionID     string    `bson:"session_id"`
	Status        string    `bson:"status"`
	Amount        int64     `bson:"amount"`
	Currency      string    `bson:"currency"`
	Plan          planDoc   `bson:"plan"`
	CreatedAt     time.Time `bson:"created_at"`
	UpdatedAt     time.Time `bson:"updated_at"`
}

func toPaymentDoc(p domain.PaymentRecord) paymentDoc {
	return paymentDoc{
		TransactionID: p.TransactionID,
		UserID:        p.UserID,
		SessionID:     p.SessionID,
		Status:        string(p.Status),
		Amount:        p.Amount,
		Currency:      p.Currency,
		Plan:          toPlanDoc(p.Plan),
		CreatedAt:     p.CreatedAt,
		UpdatedAt:     p.UpdatedAt,
	}
}

func (d paymentDoc) domain() domain.PaymentRecord {
	return domain.PaymentRecord{
		TransactionID: d.TransactionID,
		UserID:        d.UserID,
		SessionID:     d.SessionID,
		Status:        domain.PaymentStatus(d.Status),
		Amount:        d.Amount,
		Currency:      d.Currency,
		Plan:          d.Plan.domain(),
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
	}
}

type activationDoc struct {
	ID            string    `bson:"_id"`
	UserID        string    `bson:"user_id"`
	PlanID        string    `bson:"plan_id"`
	TransactionID string    `bson:"transaction_id"`
	CreatedAt     time.Time `bson:"created_at"`
}

func (d activationDoc) domain() domain.ActivationRequest {
	return domain.ActivationRequest{
		ID:            uuid.MustParse(d.ID),
		UserID:        d.UserID,
		PlanID:        d.PlanID,
		TransactionID: d.TransactionID,
		CreatedAt:     d.CreatedAt,
	}
}

type subscriptionDoc struct {
	ID             string    `bson:"_id"`
	UserID         string    `bson:"user_id"`
	PlanID         string    `bson:"plan_id"`
	PlanName       string    `bson:"plan_name"`
	StartAt        time.Time `bson:"start_at"`
	EndAt          time.Time `bson:"end_at"`
	Active         bool      `bson:"active"`
	Occurrence     int       `bson:"occurrence"`
	OccurrenceType string    `bson:"occurrence_type"`
	TransactionID  string    `bson:"transaction_id"`
	CreatedAt      time.Time `bson:"created_at"`
}

func toSubscriptionDoc(s domain.Subscription) subscriptionDoc {
	return subscriptionDoc{
		ID:             s.ID.String(),
		UserID:         s.UserID,
		PlanID:         s.PlanID,
		PlanName:       s.PlanName,
		StartAt:        s.StartAt,
		EndAt:          s.EndAt,
		Active:         s.Active,
		Occurrence:     s.Occurrence,
		OccurrenceType: s.OccurrenceType,
		TransactionID:  s.TransactionID,
		CreatedAt:      s.CreatedAt,
	}
}

func (d subscriptionDoc) domain() domain.Subscription {
	return domain.Subscription{
		ID:             uuid.MustParse(d.ID),
		UserID:         d.UserID,
		PlanID:         d.PlanID,
		PlanName:       d.PlanName,
		StartAt:        d.StartAt,
		EndAt:          d.EndAt,
		Active:         d.Active,
		Occurrence:     d.Occurrence,
		OccurrenceType: d.OccurrenceType,
		TransactionID:  d.TransactionID,
		CreatedAt:      d.CreatedAt,
	}
}

type counterDoc struct {
	ID             string    `bson:"_id"`
	UserID         string    `bson:"user_id"`
	SubscriptionID string    `bson:"subscription_id"`
	Remaining      int       `bson:"remaining"`
	UpdatedAt      time.Time `bson:"updated_at"`
}

func (d counterDoc) domain() domain.UsageCounter {
	return domain.UsageCounter{
		ID:             uuid.MustParse(d.ID),
		UserID:         d.UserID,
		SubscriptionID: uuid.MustParse(d.SubscriptionID),
		Remaining:      d.Remaining,
		UpdatedAt:      d.UpdatedAt,
	}
}

type jobDoc struct {
	ID           string     `bson:"_id"`
	JobType      string     `bson:"job_type"`
	Payload      []byte     `bson:"payload"`
	Status       string     `bson:"status"`
	Priority     int32      `bson:"priority"`
	Attempts     int32      `bson:"attempts"`
	MaxAttempts  int32      `bson:"max_attempts"`
	ScheduledAt  time.Time  `bson:"scheduled_at"`
	StartedAt    *time.Time `bson:"started_at,omitempty"`
	CompletedAt  *time.Time `bson:"completed_at,omitempty"`
	ErrorMessage string     `bson:"error_message"`
	CreatedAt    time.Time  `bson:"created_at"`
}

func (d jobDoc) job() repository.Job {
	return repository.Job{
		ID:           uuid.MustParse(d.ID),
		JobType:      d.JobType,
		Payload:      d.Payload,
		Status:       repository.JobStatus(d.Status),
		Priority:     d.Priority,
		Attempts:     d.Attempts,
		MaxAttempts:  d.MaxAttempts,
		ScheduledAt:  d.ScheduledAt,
		StartedAt:    d.StartedAt,
		CompletedAt:  d.CompletedAt,
		ErrorMessage: d.ErrorMessage,
		CreatedAt:    d.CreatedAt,
	}
}

type projectDoc struct {
	ID             string    `bson:"_id"`
	UserID         string    `bson:"user_id"`
	SubscriptionID string    `bson:"subscription_id"`
	Kind           string    `bson:"kind"`
	Title          string    `bson:"title"`
	Description    string    `bson:"description"`
	ImageKeys      []string  `bson:"image_keys"`
	ImageURLs      []string  `bson:"image_urls"`
	Response       string    `bson:"response"`
	Model          string    `bson:"model"`
	CreatedAt      time.Time `bson:"created_at"`
}

func toProjectDoc(p domain.Project) projectDoc {
	return projectDoc{
		ID:             p.ID.String(),
		UserID:         p.UserID,
		SubscriptionID: p.SubscriptionID.String(),
		Kind:           string(p.Kind),
		Title:          p.Title,
		Description:    p.Description,
		ImageKeys:      p.ImageKeys,
		ImageURLs:      p.ImageURLs,
		Response:       p.Response,
		Model:          p.Model,
		CreatedAt:      p.CreatedAt,
	}
}

func (d projectDoc) domain() domain.Project {
	return domain.Project{
		ID:             uuid.MustParse(d.ID),
		UserID:         d.UserID,
		SubscriptionID: uuid.MustParse(d.SubscriptionID),
		Kind:           domain.AnalysisKind(d.Kind),
		Title:          d.Title,
		Description:    d.Description,
		ImageKeys:      d.ImageKeys,
		ImageURLs:      d.ImageURLs,
		Response:       d.Response,
		Model:          d.Model,
		CreatedAt:      d.CreatedAt,
	}
}
