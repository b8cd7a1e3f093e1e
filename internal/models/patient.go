package models

import (
	"strings"
	"time"
)

// PatientRecord is the identity-verified patient resolved by the
// verification flow. Read-only to the rest of the core.
type PatientRecord struct {
	PatientID        string    `json:"patient_id"`
	FullName         string    `json:"full_name"`
	Gender           string    `json:"gender,omitempty"`
	DateOfBirth      time.Time `json:"date_of_birth,omitempty"`
	Phone            string    `json:"phone,omitempty"`
	MaskedNationalID string    `json:"masked_national_id,omitempty"`
	Address          string    `json:"address,omitempty"`
}

// MaskNationalID hides all but the last four digits. The full credential
// never leaves the directory.
func MaskNationalID(nationalID string) string {
	trimmed := strings.TrimSpace(nationalID)
	if len(trimmed) <= 4 {
		return trimmed
	}
	return strings.Repeat("*", len(trimmed)-4) + trimmed[len(trimmed)-4:]
}
