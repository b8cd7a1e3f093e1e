package verify

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"hqms/token-service/internal/models"
)

var (
	ErrInvalidFormat      = errors.New("credential fails format validation")
	ErrNotFound           = errors.New("no patient for credential")
	ErrInvalidCode        = errors.New("code does not match")
	ErrExpiredCode        = errors.New("code expired or never issued")
	ErrBiometricRejected  = errors.New("biometric confirmation rejected")
	ErrConfirmUnavailable = errors.New("biometric confirmer unavailable")
)

const (
	nationalIDLength = 12
	phoneLength      = 10
	codeLength       = 6
)

// PatientDirectory resolves credentials to patient profiles. It is an
// external collaborator; this service never writes to it.
type PatientDirectory interface {
	PatientByNationalID(ctx context.Context, nationalID string) (models.PatientRecord, bool, error)
	PatientByPhone(ctx context.Context, phone string) (models.PatientRecord, bool, error)
}

// BiometricConfirmer models the fingerprint/face confirmation step as a
// single call and response; there are no intermediate states.
type BiometricConfirmer interface {
	Confirm(ctx context.Context, nationalID string) (bool, error)
}

// CodeStore holds issued one-time codes until they expire.
type CodeStore interface {
	Put(ctx context.Context, phone, code string, ttl time.Duration) error
	Get(ctx context.Context, phone string) (string, bool, error)
	Delete(ctx context.Context, phone string) error
}

type Service struct {
	patients  PatientDirectory
	biometric BiometricConfirmer
	codes     CodeStore
	codeTTL   time.Duration
}

type Options struct {
	CodeTTL time.Duration
}

func NewService(patients PatientDirectory, biometric BiometricConfirmer, codes CodeStore, options Options) *Service {
	ttl := options.CodeTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Service{
		patients:  patients,
		biometric: biometric,
		codes:     codes,
		codeTTL:   ttl,
	}
}

// VerifyDocument runs the document channel: format check, biometric
// confirmation, then directory lookup. It never touches tokens.
func (s *Service) VerifyDocument(ctx context.Context, nationalID string) (models.PatientRecord, error) {
	if !digitsOfLength(nationalID, nationalIDLength) {
		return models.PatientRecord{}, ErrInvalidFormat
	}

	confirmed, err := s.biometric.Confirm(ctx, nationalID)
	if err != nil {
		return models.PatientRecord{}, fmt.Errorf("%w: %v", ErrConfirmUnavailable, err)
	}
	if !confirmed {
		return models.PatientRecord{}, ErrBiometricRejected
	}

	patient, found, err := s.patients.PatientByNationalID(ctx, nationalID)
	if err != nil {
		return models.PatientRecord{}, err
	}
	if !found {
		return models.PatientRecord{}, ErrNotFound
	}
	return patient, nil
}

// StartPhoneVerification issues a one-time code for the phone channel and
// returns it for out-of-band delivery by the SMS collaborator.
func (s *Service) StartPhoneVerification(ctx context.Context, phone string) (string, error) {
	if !digitsOfLength(phone, phoneLength) {
		return "", ErrInvalidFormat
	}

	code, err := generateCode()
	if err != nil {
		return "", err
	}
	if err := s.codes.Put(ctx, phone, code, s.codeTTL); err != nil {
		return "", err
	}
	return code, nil
}

// ConfirmCode checks a submitted code against the issued one and resolves
// the phone to a patient. The code is consumed on success.
func (s *Service) ConfirmCode(ctx context.Context, phone, code string) (models.PatientRecord, error) {
	if !digitsOfLength(phone, phoneLength) || !digitsOfLength(code, codeLength) {
		return models.PatientRecord{}, ErrInvalidFormat
	}

	issued, found, err := s.codes.Get(ctx, phone)
	if err != nil {
		return models.PatientRecord{}, err
	}
	if !found {
		return models.PatientRecord{}, ErrExpiredCode
	}
	if issued != code {
		return models.PatientRecord{}, ErrInvalidCode
	}

	patient, found, err := s.patients.PatientByPhone(ctx, phone)
	if err != nil {
		return models.PatientRecord{}, err
	}
	if !found {
		return models.PatientRecord{}, ErrNotFound
	}

	_ = s.codes.Delete(ctx, phone)
	return patient, nil
}

func digitsOfLength(value string, length int) bool {
	if len(value) != length {
		return false
	}
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func generateCode() (string, error) {
	max := big.NewInt(1)
	for i := 0; i < codeLength; i++ {
		max.Mul(max, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", codeLength, n), nil
}
