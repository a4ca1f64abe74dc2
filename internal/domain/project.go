// Package domain contains core business types and interfaces.
//
// This file defines the Project type: one saved, metered AI analysis.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// AnalysisKind identifies which metered analysis produced a project.
type AnalysisKind string

const (
	AnalysisKindPreProcess  AnalysisKind = "preprocess"
	AnalysisKindPostProcess AnalysisKind = "postprocess"
	AnalysisKindErrorCheck  AnalysisKind = "errorcheck"
)

// String returns the string representation of the kind.
func (k AnalysisKind) String() string {
	return string(k)
}

// IsValid returns true if the kind is a recognized value.
func (k AnalysisKind) IsValid() bool {
	switch k {
	case AnalysisKindPreProcess, AnalysisKindPostProcess, AnalysisKindErrorCheck:
		return true
	}
	return false
}

// Project is a completed analysis saved for the user.
type Project struct {
	ID             uuid.UUID    `json:"id"`
	UserID         string       `json:"userId"`
	SubscriptionID uuid.UUID    `json:"subscriptionId"`
	Kind           AnalysisKind `json:"kind"`
	Title          string       `json:"title"`
	Description    string       `json:"description"`
	ImageKeys      []string     `json:"-"`
	ImageURLs      []string     `json:"imageUrls"`
	Response       string       `json:"response"`
	Model          string       `json:"model"`
	CreatedAt      time.Time    `json:"createdAt"`
}

// AnalysisResult is a saved project and the entitlement left after paying
// for it.
type AnalysisResult struct {
	Project     Project
	Entitlement Entitlement
}

// AnalysisImage is an uploaded image awaiting normalization and storage.
type AnalysisImage struct {
	Filename    string
	ContentType string
	Data        []byte
}

// AnalysisRequest carries the validated input of a metered analysis.
type AnalysisRequest struct {
	UserID      string
	Kind        AnalysisKind
	Title       string            `validate:"required,max=200"`
	Description string            `validate:"required,max=8000"`
	// Parameters carries extra form fields, e.g. the printer or material.
	Parameters  map[string]string `validate:"max=20"`
	Images      []AnalysisImage
}
