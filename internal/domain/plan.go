// Package domain contains core business types and interfaces.
//
// This file defines the Plan catalog entry that subscriptions are sold from.
package domain

import "time"

// Plan identifiers for the default catalog.
const (
	PlanFree      = "free"
	PlanStandard  = "standard"
	PlanUnlimited = "unlimited"
)

// Plan is an immutable catalog entry. Price is in the smallest currency
// unit; a price of zero marks the free tier.
type Plan struct {
	ID               string   `json:"id" yaml:"id" validate:"required,max=64"`
	Name             string   `json:"name" yaml:"name" validate:"required,max=120"`
	Price            int64    `json:"price" yaml:"price" validate:"gte=0"`
	Currency         string   `json:"currency" yaml:"currency" validate:"required,len=3"`
	DurationDays     int      `json:"durationDays" yaml:"duration_days" validate:"gt=0"`
	ProcessorPriceID string   `json:"-" yaml:"processor_price_id"`
	Rank             int      `json:"rank" yaml:"rank" validate:"gte=0"`
	Features         []string `json:"features" yaml:"features"`
	Allotment        int      `json:"allotment" yaml:"allotment" validate:"gte=0"`
	Unlimited        bool     `json:"unlimited" yaml:"unlimited"`
	Occurrence       int      `json:"occurrence" yaml:"occurrence" validate:"gte=0"`
	OccurrenceType   string   `json:"occurrenceType" yaml:"occurrence_type" validate:"omitempty,oneof=day week month year"`
}

// IsFree reports whether the plan is the non-repeatable free tier.
func (p Plan) IsFree() bool {
	return p.Price == 0
}

// Duration returns the validity window of a subscription to this plan.
func (p Plan) Duration() time.Duration {
	return time.Duration(p.DurationDays) * 24 * time.Hour
}

// DefaultPlans is the catalog seeded when no catalog file is configured.
func DefaultPlans() []Plan {
	return []Plan{
		{
			ID:             PlanFree,
			Name:           "Explorer Plan",
			Price:          0,
			Currency:       "usd",
			DurationDays:   30,
			Rank:           1,
			Features:       []string{"5 analyses", "Pre-processing guidance", "Post-processing guidance"},
			Allotment:      5,
			Occurrence:     1,
			OccurrenceType: "month",
		},
		{
			ID:             PlanStandard,
			Name:           "Standard Plan",
			Price:          1000,
			Currency:       "usd",
			DurationDays:   30,
			Rank:           2,
			Features:       []string{"50 analyses", "Error diagnosis", "Saved projects"},
			Allotment:      50,
			Occurrence:     1,
			OccurrenceType: "month",
		},
		{
			ID:             PlanUnlimited,
			Name:           "Unlimited Plan",
			Price:          4900,
			Currency:       "usd",
			DurationDays:   30,
			Rank:           3,
			Features:       []string{"Unlimited analyses", "Error diagnosis", "Saved projects"},
			Unlimited:      true,
			Occurrence:     1,
			OccurrenceType: "month",
		},
	}
}
