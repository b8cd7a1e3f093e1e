package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"hqms/token-service/internal/models"
	"hqms/token-service/internal/store"

	"github.com/google/uuid"
)

// Store is the single-node TokenStore. Token numbers come from an atomic
// counter, so they are unique and contiguous in allocation order no matter
// how many surfaces issue concurrently. Transitions go through a versioned
// compare-and-swap per token record; unrelated tokens never contend.
type Store struct {
	mu        sync.RWMutex
	tokens    map[string]*record
	order     []string
	byRequest map[string]string

	actionMu sync.Mutex
	actions  map[string]string

	counter atomic.Int64

	outboxMu sync.Mutex
	outbox   []store.OutboxEvent

	dirMu         sync.RWMutex
	patientsByNID map[string]models.PatientRecord
	patientsByTel map[string]models.PatientRecord
	doctors       map[string]models.Doctor

	maxRetries int
}

type record struct {
	mu      sync.Mutex
	version int64
	token   models.Token
}

type Options struct {
	MaxRetries int
}

func NewStore(options Options) *Store {
	retries := options.MaxRetries
	if retries <= 0 {
		retries = 5
	}
	return &Store{
		tokens:        make(map[string]*record),
		byRequest:     make(map[string]string),
		actions:       make(map[string]string),
		patientsByNID: make(map[string]models.PatientRecord),
		patientsByTel: make(map[string]models.PatientRecord),
		doctors:       make(map[string]models.Doctor),
		maxRetries:    retries,
	}
}

func (s *Store) AllocateToken(ctx context.Context, input store.AllocateTokenInput) (models.Token, bool, error) {
	s.mu.Lock()

	if input.RequestID != "" {
		if tokenID, ok := s.byRequest[input.RequestID]; ok {
			existing := s.tokens[tokenID]
			s.mu.Unlock()
			return snapshot(existing), false, nil
		}
	}

	generatedAt := input.GeneratedAt
	if generatedAt.IsZero() {
		generatedAt = time.Now().UTC()
	}

	token := models.Token{
		TokenID:        uuid.NewString(),
		TokenNumber:    s.counter.Add(1),
		PatientID:      input.PatientID,
		PatientName:    input.PatientName,
		Phone:          input.Phone,
		Symptoms:       input.Symptoms,
		Specialization: input.Specialization,
		DoctorID:       input.DoctorID,
		DoctorName:     input.DoctorName,
		Priority:       input.Priority,
		Status:         models.StatusWaiting,
		GeneratedAt:    generatedAt,
		RequestID:      input.RequestID,
	}

	s.tokens[token.TokenID] = &record{token: token}
	s.order = append(s.order, token.TokenID)
	if input.RequestID != "" {
		s.byRequest[input.RequestID] = token.TokenID
	}
	s.mu.Unlock()

	s.appendOutbox(store.EventTokenCreated, token)
	return token, true, nil
}

func (s *Store) GetToken(ctx context.Context, tokenID string) (models.Token, error) {
	s.mu.RLock()
	rec, ok := s.tokens[tokenID]
	s.mu.RUnlock()
	if !ok {
		return models.Token{}, store.ErrTokenNotFound
	}
	return snapshot(rec), nil
}

func (s *Store) TransitionToken(ctx context.Context, input store.TransitionInput) (models.Token, bool, error) {
	target, ok := store.TargetStatus(input.Action)
	if !ok {
		return models.Token{}, false, store.ErrInvalidTransition
	}

	s.mu.RLock()
	rec, found := s.tokens[input.TokenID]
	s.mu.RUnlock()
	if !found {
		return models.Token{}, false, store.ErrTokenNotFound
	}

	if input.RequestID != "" {
		s.actionMu.Lock()
		_, replay := s.actions[input.Action+"|"+input.RequestID]
		s.actionMu.Unlock()
		if replay {
			return snapshot(rec), false, nil
		}
	}

	occurredAt := input.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	for attempt := 0; attempt < s.maxRetries; attempt++ {
		rec.mu.Lock()
		version := rec.version
		current := rec.token
		rec.mu.Unlock()

		if !store.ValidTransition(input.Action, current.Status) {
			return models.Token{}, false, store.ErrInvalidTransition
		}

		updated := current
		updated.Status = target
		updated.RequestID = input.RequestID
		switch input.Action {
		case store.ActionCall:
			at := occurredAt
			updated.CalledAt = &at
		case store.ActionComplete:
			at := occurredAt
			updated.CompletedAt = &at
		}

		rec.mu.Lock()
		if rec.version != version {
			rec.mu.Unlock()
			continue
		}
		rec.token = updated
		rec.version++
		rec.mu.Unlock()

		if input.RequestID != "" {
			s.actionMu.Lock()
			s.actions[input.Action+"|"+input.RequestID] = updated.TokenID
			s.actionMu.Unlock()
		}
		s.appendOutbox(store.EventType(input.Action), updated)
		return updated, true, nil
	}

	return models.Token{}, false, store.ErrContention
}

func (s *Store) ListTokens(ctx context.Context, filter store.ListFilter) ([]models.Token, error) {
	tokens := s.snapshotAll()

	var filtered []models.Token
	for _, token := range tokens {
		if filter.Specialization != "" && token.Specialization != filter.Specialization {
			continue
		}
		if filter.DoctorID != "" && token.DoctorID != filter.DoctorID {
			continue
		}
		if filter.Status != "" && token.Status != filter.Status {
			continue
		}
		if filter.Priority != "" && token.Priority != filter.Priority {
			continue
		}
		filtered = append(filtered, token)
	}

	switch filter.SortBy {
	case "number":
		sort.SliceStable(filtered, func(i, j int) bool {
			return filtered[i].TokenNumber < filtered[j].TokenNumber
		})
	case "generated_at":
		sort.SliceStable(filtered, func(i, j int) bool {
			return filtered[i].GeneratedAt.Before(filtered[j].GeneratedAt)
		})
	}
	return filtered, nil
}

func (s *Store) WaitingTokens(ctx context.Context) ([]models.Token, error) {
	tokens := s.snapshotAll()

	var waiting []models.Token
	for _, token := range tokens {
		if token.Status == models.StatusWaiting {
			waiting = append(waiting, token)
		}
	}
	sort.SliceStable(waiting, func(i, j int) bool {
		a, b := waiting[i], waiting[j]
		if a.Priority != b.Priority {
			return a.Priority == models.PriorityEmergency
		}
		if !a.GeneratedAt.Equal(b.GeneratedAt) {
			return a.GeneratedAt.Before(b.GeneratedAt)
		}
		return a.TokenNumber < b.TokenNumber
	})
	return waiting, nil
}

func (s *Store) RecentlyCalled(ctx context.Context, limit int) ([]models.Token, error) {
	if limit <= 0 {
		limit = 3
	}
	tokens := s.snapshotAll()

	var called []models.Token
	for _, token := range tokens {
		if token.Status == models.StatusCalled && token.CalledAt != nil {
			called = append(called, token)
		}
	}
	sort.SliceStable(called, func(i, j int) bool {
		return called[i].CalledAt.After(*called[j].CalledAt)
	})
	if len(called) > limit {
		called = called[:limit]
	}
	return called, nil
}

func (s *Store) CountActiveByDoctor(ctx context.Context, doctorID string) (int, error) {
	tokens := s.snapshotAll()
	count := 0
	for _, token := range tokens {
		if token.DoctorID != doctorID {
			continue
		}
		if token.Status == models.StatusWaiting || token.Status == models.StatusCalled {
			count++
		}
	}
	return count, nil
}

func (s *Store) ListOutboxEvents(ctx context.Context, after time.Time, limit int) ([]store.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	s.outboxMu.Lock()
	defer s.outboxMu.Unlock()

	var events []store.OutboxEvent
	for _, event := range s.outbox {
		if !after.IsZero() && !event.CreatedAt.After(after) {
			continue
		}
		events = append(events, event)
		if len(events) >= limit {
			break
		}
	}
	return events, nil
}

// AddPatient registers a patient profile, keyed by the full national ID
// and the phone number. Used by the verification directory.
func (s *Store) AddPatient(nationalID string, patient models.PatientRecord) {
	s.dirMu.Lock()
	defer s.dirMu.Unlock()
	if nationalID != "" {
		s.patientsByNID[nationalID] = patient
	}
	if patient.Phone != "" {
		s.patientsByTel[patient.Phone] = patient
	}
}

func (s *Store) AddDoctor(doctor models.Doctor) {
	s.dirMu.Lock()
	defer s.dirMu.Unlock()
	s.doctors[doctor.DoctorID] = doctor
}

func (s *Store) PatientByNationalID(ctx context.Context, nationalID string) (models.PatientRecord, bool, error) {
	s.dirMu.RLock()
	defer s.dirMu.RUnlock()
	patient, ok := s.patientsByNID[nationalID]
	return patient, ok, nil
}

func (s *Store) PatientByPhone(ctx context.Context, phone string) (models.PatientRecord, bool, error) {
	s.dirMu.RLock()
	defer s.dirMu.RUnlock()
	patient, ok := s.patientsByTel[phone]
	return patient, ok, nil
}

func (s *Store) Doctor(ctx context.Context, doctorID string) (models.Doctor, bool, error) {
	s.dirMu.RLock()
	defer s.dirMu.RUnlock()
	doctor, ok := s.doctors[doctorID]
	return doctor, ok, nil
}

func (s *Store) snapshotAll() []models.Token {
	s.mu.RLock()
	records := make([]*record, 0, len(s.order))
	for _, tokenID := range s.order {
		records = append(records, s.tokens[tokenID])
	}
	s.mu.RUnlock()

	tokens := make([]models.Token, 0, len(records))
	for _, rec := range records {
		tokens = append(tokens, snapshot(rec))
	}
	return tokens
}

func (s *Store) appendOutbox(eventType string, token models.Token) {
	payload := map[string]interface{}{
		"token_id":     token.TokenID,
		"token_number": token.TokenNumber,
		"patient_name": token.PatientName,
		"doctor_name":  token.DoctorName,
		"status":       token.Status,
		"priority":     token.Priority,
		"called_at":    token.CalledAt,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}

	s.outboxMu.Lock()
	defer s.outboxMu.Unlock()
	s.outbox = append(s.outbox, store.OutboxEvent{
		EventID:   uuid.NewString(),
		Type:      eventType,
		Payload:   raw,
		CreatedAt: time.Now().UTC(),
	})
}

func snapshot(rec *record) models.Token {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.token
}
