package queue

import (
	"context"

	"hqms/token-service/internal/models"
	"hqms/token-service/internal/store"
)

const defaultCalledLimit = 3

// PublicView is what the waiting-room display renders. Emergency tokens
// lead the waiting list, then arrival order; RecentlyCalled is newest
// first. Completed and cancelled tokens never appear.
type PublicView struct {
	Waiting        []models.Token `json:"waiting"`
	RecentlyCalled []models.Token `json:"recently_called"`
}

// Projector builds read-only views over the token store.
type Projector struct {
	store       store.TokenStore
	calledLimit int
}

func NewProjector(tokens store.TokenStore, calledLimit int) *Projector {
	if calledLimit <= 0 {
		calledLimit = defaultCalledLimit
	}
	return &Projector{store: tokens, calledLimit: calledLimit}
}

// OperationalView is the staff console listing with filters.
func (p *Projector) OperationalView(ctx context.Context, filter store.ListFilter) ([]models.Token, error) {
	return p.store.ListTokens(ctx, filter)
}

func (p *Projector) PublicView(ctx context.Context) (PublicView, error) {
	waiting, err := p.store.WaitingTokens(ctx)
	if err != nil {
		return PublicView{}, err
	}
	called, err := p.store.RecentlyCalled(ctx, p.calledLimit)
	if err != nil {
		return PublicView{}, err
	}
	if waiting == nil {
		waiting = []models.Token{}
	}
	if called == nil {
		called = []models.Token{}
	}
	return PublicView{Waiting: waiting, RecentlyCalled: called}, nil
}
