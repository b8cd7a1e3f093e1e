package store

import "errors"

var (
	ErrTokenNotFound     = errors.New("token not found")
	ErrInvalidTransition = errors.New("invalid token transition")
	ErrContention        = errors.New("update contention retry budget exhausted")
	ErrDoctorNotFound    = errors.New("doctor not found")
	ErrPatientNotFound   = errors.New("patient not found")
)
