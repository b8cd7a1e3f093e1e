package queue

import (
	"context"
	"time"

	"github.com/google/uuid"

	"hqms/token-service/internal/models"
	"hqms/token-service/internal/store"
)

// Manager applies the staff-side lifecycle actions. All state rules are
// enforced by the store's conditional transitions; the manager only shapes
// the requests.
type Manager struct {
	store store.TokenStore
	now   func() time.Time
}

func NewManager(tokens store.TokenStore) *Manager {
	return &Manager{store: tokens, now: time.Now}
}

func (m *Manager) Call(ctx context.Context, requestID, tokenID string) (models.Token, bool, error) {
	return m.transition(ctx, requestID, tokenID, store.ActionCall)
}

func (m *Manager) Complete(ctx context.Context, requestID, tokenID string) (models.Token, bool, error) {
	return m.transition(ctx, requestID, tokenID, store.ActionComplete)
}

func (m *Manager) Cancel(ctx context.Context, requestID, tokenID string) (models.Token, bool, error) {
	return m.transition(ctx, requestID, tokenID, store.ActionCancel)
}

func (m *Manager) transition(ctx context.Context, requestID, tokenID, action string) (models.Token, bool, error) {
	if requestID == "" {
		requestID = uuid.NewString()
	}
	return m.store.TransitionToken(ctx, store.TransitionInput{
		RequestID:  requestID,
		TokenID:    tokenID,
		Action:     action,
		OccurredAt: m.now().UTC(),
	})
}
