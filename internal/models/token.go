package models

import (
	"fmt"
	"time"
)

// Token is a queue ticket for one patient visit. PatientName and Phone are
// snapshots taken at issuance; later profile edits never rewrite history.
type Token struct {
	TokenID        string     `json:"token_id"`
	TokenNumber    int64      `json:"token_number"`
	PatientID      string     `json:"patient_id"`
	PatientName    string     `json:"patient_name"`
	Phone          string     `json:"phone,omitempty"`
	Symptoms       string     `json:"symptoms,omitempty"`
	Specialization string     `json:"specialization"`
	DoctorID       string     `json:"doctor_id"`
	DoctorName     string     `json:"doctor_name"`
	Priority       string     `json:"priority"`
	Status         string     `json:"status"`
	GeneratedAt    time.Time  `json:"generated_at"`
	CalledAt       *time.Time `json:"called_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	RequestID      string     `json:"request_id,omitempty"`
}

const (
	StatusWaiting   = "waiting"
	StatusCalled    = "called"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
)

const (
	PriorityNormal    = "normal"
	PriorityEmergency = "emergency"
)

func ValidPriority(value string) bool {
	return value == PriorityNormal || value == PriorityEmergency
}

// FormatTokenNumber renders the human-facing label. The stored ordinal is
// canonical; this is presentation only.
func FormatTokenNumber(number int64) string {
	return fmt.Sprintf("T%03d", number)
}
