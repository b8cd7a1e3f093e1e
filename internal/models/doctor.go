package models

// Doctor comes from the external staff directory. Capacity <= 0 means the
// doctor accepts an unbounded queue.
type Doctor struct {
	DoctorID       string `json:"doctor_id"`
	Name           string `json:"name"`
	Specialization string `json:"specialization"`
	Capacity       int    `json:"capacity,omitempty"`
}

// Specialization is produced by the symptom resolver; it is ephemeral and
// never persisted.
type Specialization struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}
