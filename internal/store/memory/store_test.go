package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"hqms/token-service/internal/models"
	"hqms/token-service/internal/store"

	"github.com/google/uuid"
)

func allocate(t *testing.T, s *Store, priority string) models.Token {
	t.Helper()
	token, created, err := s.AllocateToken(context.Background(), store.AllocateTokenInput{
		RequestID:      uuid.NewString(),
		PatientID:      uuid.NewString(),
		PatientName:    "Patient",
		Specialization: "cardiology",
		DoctorID:       "doc-1",
		DoctorName:     "Dr. A",
		Priority:       priority,
	})
	if err != nil {
		t.Fatalf("allocate token: %v", err)
	}
	if !created {
		t.Fatalf("expected a fresh allocation")
	}
	return token
}

func TestAllocateConcurrentNumbersContiguous(t *testing.T) {
	s := NewStore(Options{})
	ctx := context.Background()

	const workers = 50
	var wg sync.WaitGroup
	numbers := make(chan int64, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token, _, err := s.AllocateToken(ctx, store.AllocateTokenInput{
				RequestID:      uuid.NewString(),
				PatientID:      uuid.NewString(),
				PatientName:    "Patient",
				Specialization: "general",
				DoctorID:       "doc-1",
				Priority:       models.PriorityNormal,
			})
			if err != nil {
				t.Errorf("allocate token: %v", err)
				return
			}
			numbers <- token.TokenNumber
		}()
	}
	wg.Wait()
	close(numbers)

	var got []int64
	for number := range numbers {
		got = append(got, number)
	}
	if len(got) != workers {
		t.Fatalf("expected %d tokens, got %d", workers, len(got))
	}
	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
	for i, number := range got {
		if number != int64(i+1) {
			t.Fatalf("expected contiguous numbers from 1, got %v", got)
		}
	}
}

func TestAllocateIdempotentOnRequestID(t *testing.T) {
	s := NewStore(Options{})
	ctx := context.Background()
	requestID := uuid.NewString()

	input := store.AllocateTokenInput{
		RequestID:      requestID,
		PatientID:      uuid.NewString(),
		PatientName:    "Patient",
		Specialization: "general",
		DoctorID:       "doc-1",
		Priority:       models.PriorityNormal,
	}

	first, created, err := s.AllocateToken(ctx, input)
	if err != nil || !created {
		t.Fatalf("first allocation: created=%v err=%v", created, err)
	}
	second, created, err := s.AllocateToken(ctx, input)
	if err != nil {
		t.Fatalf("replay allocation: %v", err)
	}
	if created {
		t.Fatalf("replay must not create a new token")
	}
	if first.TokenID != second.TokenID || first.TokenNumber != second.TokenNumber {
		t.Fatalf("replay returned a different token: %+v vs %+v", first, second)
	}

	events, err := s.ListOutboxEvents(ctx, time.Time{}, 10)
	if err != nil {
		t.Fatalf("list outbox: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected one token.created event, got %d", len(events))
	}
}

func TestTransitionGraph(t *testing.T) {
	s := NewStore(Options{})
	ctx := context.Background()
	token := allocate(t, s, models.PriorityNormal)

	// complete straight from waiting is not an edge
	_, _, err := s.TransitionToken(ctx, store.TransitionInput{
		RequestID: uuid.NewString(),
		TokenID:   token.TokenID,
		Action:    store.ActionComplete,
	})
	if !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	unchanged, err := s.GetToken(ctx, token.TokenID)
	if err != nil {
		t.Fatalf("get token: %v", err)
	}
	if unchanged.Status != models.StatusWaiting {
		t.Fatalf("failed transition must leave token unchanged, got %s", unchanged.Status)
	}

	called, applied, err := s.TransitionToken(ctx, store.TransitionInput{
		RequestID: uuid.NewString(),
		TokenID:   token.TokenID,
		Action:    store.ActionCall,
	})
	if err != nil || !applied {
		t.Fatalf("call transition: applied=%v err=%v", applied, err)
	}
	if called.Status != models.StatusCalled || called.CalledAt == nil {
		t.Fatalf("unexpected called token: %+v", called)
	}

	completed, _, err := s.TransitionToken(ctx, store.TransitionInput{
		RequestID: uuid.NewString(),
		TokenID:   token.TokenID,
		Action:    store.ActionComplete,
	})
	if err != nil {
		t.Fatalf("complete transition: %v", err)
	}
	if completed.Status != models.StatusCompleted || completed.CompletedAt == nil {
		t.Fatalf("unexpected completed token: %+v", completed)
	}
}

func TestCancelTwice(t *testing.T) {
	s := NewStore(Options{})
	ctx := context.Background()
	token := allocate(t, s, models.PriorityNormal)

	first, applied, err := s.TransitionToken(ctx, store.TransitionInput{
		RequestID: uuid.NewString(),
		TokenID:   token.TokenID,
		Action:    store.ActionCancel,
	})
	if err != nil || !applied {
		t.Fatalf("cancel: applied=%v err=%v", applied, err)
	}
	if first.Status != models.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", first.Status)
	}

	_, _, err = s.TransitionToken(ctx, store.TransitionInput{
		RequestID: uuid.NewString(),
		TokenID:   token.TokenID,
		Action:    store.ActionCancel,
	})
	if !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("second cancel must fail with ErrInvalidTransition, got %v", err)
	}

	final, err := s.GetToken(ctx, token.TokenID)
	if err != nil {
		t.Fatalf("get token: %v", err)
	}
	if final.Status != models.StatusCancelled {
		t.Fatalf("terminal state changed by failed cancel: %s", final.Status)
	}
}

func TestTransitionReplaySameRequestID(t *testing.T) {
	s := NewStore(Options{})
	ctx := context.Background()
	token := allocate(t, s, models.PriorityNormal)
	requestID := uuid.NewString()

	_, applied, err := s.TransitionToken(ctx, store.TransitionInput{
		RequestID: requestID,
		TokenID:   token.TokenID,
		Action:    store.ActionCall,
	})
	if err != nil || !applied {
		t.Fatalf("call: applied=%v err=%v", applied, err)
	}

	replay, applied, err := s.TransitionToken(ctx, store.TransitionInput{
		RequestID: requestID,
		TokenID:   token.TokenID,
		Action:    store.ActionCall,
	})
	if err != nil {
		t.Fatalf("replay call: %v", err)
	}
	if applied {
		t.Fatalf("replay must not re-apply the transition")
	}
	if replay.Status != models.StatusCalled {
		t.Fatalf("replay must return the transitioned token, got %s", replay.Status)
	}

	events, err := s.ListOutboxEvents(ctx, time.Time{}, 10)
	if err != nil {
		t.Fatalf("list outbox: %v", err)
	}
	calledEvents := 0
	for _, event := range events {
		if event.Type == store.EventTokenCalled {
			calledEvents++
		}
	}
	if calledEvents != 1 {
		t.Fatalf("expected exactly one token.called event, got %d", calledEvents)
	}
}

func TestConcurrentCallSingleWinner(t *testing.T) {
	s := NewStore(Options{})
	ctx := context.Background()
	token := allocate(t, s, models.PriorityNormal)

	const callers = 8
	var wg sync.WaitGroup
	results := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := s.TransitionToken(ctx, store.TransitionInput{
				RequestID: uuid.NewString(),
				TokenID:   token.TokenID,
				Action:    store.ActionCall,
			})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		if err == nil {
			wins++
			continue
		}
		if !errors.Is(err, store.ErrInvalidTransition) && !errors.Is(err, store.ErrContention) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one caller to win, got %d", wins)
	}
}

func TestWaitingTokensOrdering(t *testing.T) {
	s := NewStore(Options{})
	ctx := context.Background()

	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		_, _, err := s.AllocateToken(ctx, store.AllocateTokenInput{
			RequestID:   uuid.NewString(),
			PatientID:   uuid.NewString(),
			PatientName: "Patient",
			DoctorID:    "doc-1",
			Priority:    models.PriorityNormal,
			GeneratedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("allocate: %v", err)
		}
	}
	emergency, _, err := s.AllocateToken(ctx, store.AllocateTokenInput{
		RequestID:   uuid.NewString(),
		PatientID:   uuid.NewString(),
		PatientName: "Patient",
		DoctorID:    "doc-1",
		Priority:    models.PriorityEmergency,
		GeneratedAt: base.Add(10 * time.Minute),
	})
	if err != nil {
		t.Fatalf("allocate emergency: %v", err)
	}

	waiting, err := s.WaitingTokens(ctx)
	if err != nil {
		t.Fatalf("waiting tokens: %v", err)
	}
	if len(waiting) != 4 {
		t.Fatalf("expected 4 waiting tokens, got %d", len(waiting))
	}
	if waiting[0].TokenID != emergency.TokenID {
		t.Fatalf("emergency token must surface first, got number %d", waiting[0].TokenNumber)
	}
	for i := 1; i < 3; i++ {
		if waiting[i].GeneratedAt.After(waiting[i+1].GeneratedAt) {
			t.Fatalf("normal tokens out of arrival order: %v", waiting)
		}
	}
}

func TestRecentlyCalledLimitAndOrder(t *testing.T) {
	s := NewStore(Options{})
	ctx := context.Background()

	var tokens []models.Token
	for i := 0; i < 5; i++ {
		tokens = append(tokens, allocate(t, s, models.PriorityNormal))
	}
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	for i, token := range tokens {
		_, _, err := s.TransitionToken(ctx, store.TransitionInput{
			RequestID:  uuid.NewString(),
			TokenID:    token.TokenID,
			Action:     store.ActionCall,
			OccurredAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("call token %d: %v", i, err)
		}
	}

	called, err := s.RecentlyCalled(ctx, 3)
	if err != nil {
		t.Fatalf("recently called: %v", err)
	}
	if len(called) != 3 {
		t.Fatalf("expected 3 tokens, got %d", len(called))
	}
	if called[0].TokenID != tokens[4].TokenID || called[2].TokenID != tokens[2].TokenID {
		t.Fatalf("expected most-recently-called first, got %v", called)
	}
}

func TestCountActiveByDoctor(t *testing.T) {
	s := NewStore(Options{})
	ctx := context.Background()

	first := allocate(t, s, models.PriorityNormal)
	allocate(t, s, models.PriorityNormal)

	count, err := s.CountActiveByDoctor(ctx, "doc-1")
	if err != nil {
		t.Fatalf("count active: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 active tokens, got %d", count)
	}

	if _, _, err := s.TransitionToken(ctx, store.TransitionInput{
		RequestID: uuid.NewString(),
		TokenID:   first.TokenID,
		Action:    store.ActionCancel,
	}); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	count, err = s.CountActiveByDoctor(ctx, "doc-1")
	if err != nil {
		t.Fatalf("count active: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 active token after cancel, got %d", count)
	}
}
