package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"hqms/token-service/internal/models"
	"hqms/token-service/internal/store"
)

var (
	ErrInvalidPriority  = errors.New("priority must be normal or emergency")
	ErrDoctorMismatch   = errors.New("doctor does not serve the requested specialization")
	ErrCapacityExceeded = errors.New("doctor queue is at capacity")
	ErrMissingPatient   = errors.New("patient identity is required")
)

// DoctorDirectory resolves doctor assignments at issuance time.
type DoctorDirectory interface {
	Doctor(ctx context.Context, doctorID string) (models.Doctor, bool, error)
}

type IssueInput struct {
	RequestID      string
	PatientID      string
	PatientName    string
	Phone          string
	Symptoms       string
	Specialization string
	DoctorID       string
	Priority       string
}

// Issuer creates tokens after validating the assignment. Numbering and
// idempotency live in the store; the issuer owns the business checks.
type Issuer struct {
	store   store.TokenStore
	doctors DoctorDirectory
	now     func() time.Time
}

func NewIssuer(tokens store.TokenStore, doctors DoctorDirectory) *Issuer {
	return &Issuer{store: tokens, doctors: doctors, now: time.Now}
}

// Issue validates the request and allocates a token. Returns the token and
// whether a new one was created; a replayed RequestID returns the original
// token with created=false.
func (i *Issuer) Issue(ctx context.Context, input IssueInput) (models.Token, bool, error) {
	if input.RequestID == "" {
		input.RequestID = uuid.NewString()
	}
	if input.PatientID == "" || input.PatientName == "" {
		return models.Token{}, false, ErrMissingPatient
	}
	if input.Priority == "" {
		input.Priority = models.PriorityNormal
	}
	if !models.ValidPriority(input.Priority) {
		return models.Token{}, false, ErrInvalidPriority
	}

	doctor, found, err := i.doctors.Doctor(ctx, input.DoctorID)
	if err != nil {
		return models.Token{}, false, err
	}
	if !found {
		return models.Token{}, false, store.ErrDoctorNotFound
	}
	if input.Specialization == "" {
		input.Specialization = doctor.Specialization
	}
	if doctor.Specialization != input.Specialization {
		return models.Token{}, false, ErrDoctorMismatch
	}

	if doctor.Capacity > 0 {
		active, err := i.store.CountActiveByDoctor(ctx, doctor.DoctorID)
		if err != nil {
			return models.Token{}, false, err
		}
		if active >= doctor.Capacity {
			return models.Token{}, false, ErrCapacityExceeded
		}
	}

	return i.store.AllocateToken(ctx, store.AllocateTokenInput{
		RequestID:      input.RequestID,
		PatientID:      input.PatientID,
		PatientName:    input.PatientName,
		Phone:          input.Phone,
		Symptoms:       input.Symptoms,
		Specialization: input.Specialization,
		DoctorID:       doctor.DoctorID,
		DoctorName:     doctor.Name,
		Priority:       input.Priority,
		GeneratedAt:    i.now().UTC(),
	})
}
