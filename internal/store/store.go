package store

import (
	"context"
	"encoding/json"
	"time"

	"hqms/token-service/internal/models"
)

type AllocateTokenInput struct {
	RequestID      string
	PatientID      string
	PatientName    string
	Phone          string
	Symptoms       string
	Specialization string
	DoctorID       string
	DoctorName     string
	Priority       string
	GeneratedAt    time.Time
}

type TransitionInput struct {
	RequestID  string
	TokenID    string
	Action     string
	OccurredAt time.Time
}

// ListFilter narrows the operational view. Zero values mean "no filter".
// SortBy accepts "number" or "generated_at"; anything else keeps
// insertion order.
type ListFilter struct {
	Specialization string
	DoctorID       string
	Status         string
	Priority       string
	SortBy         string
}

// TokenStore is the single source of truth for tokens. Token numbers come
// from one atomic counter, transitions are conditional on the current
// stored status, and mutations are idempotent on RequestID so the kiosk,
// staff console, and display board can all retry safely.
type TokenStore interface {
	AllocateToken(ctx context.Context, input AllocateTokenInput) (models.Token, bool, error)
	GetToken(ctx context.Context, tokenID string) (models.Token, error)
	ListTokens(ctx context.Context, filter ListFilter) ([]models.Token, error)
	TransitionToken(ctx context.Context, input TransitionInput) (models.Token, bool, error)
	WaitingTokens(ctx context.Context) ([]models.Token, error)
	RecentlyCalled(ctx context.Context, limit int) ([]models.Token, error)
	CountActiveByDoctor(ctx context.Context, doctorID string) (int, error)
	ListOutboxEvents(ctx context.Context, after time.Time, limit int) ([]OutboxEvent, error)
}

type OutboxEvent struct {
	EventID   string          `json:"event_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

const (
	EventTokenCreated   = "token.created"
	EventTokenCalled    = "token.called"
	EventTokenCompleted = "token.completed"
	EventTokenCancelled = "token.cancelled"
)
