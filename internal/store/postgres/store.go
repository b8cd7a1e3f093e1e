package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"hqms/token-service/internal/models"
	"hqms/token-service/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const tokenColumns = `token_id, token_number, patient_id, patient_name, phone, symptoms, specialization, doctor_id, doctor_name, priority, status, generated_at, called_at, completed_at`

type Store struct {
	pool       *pgxpool.Pool
	maxRetries int
}

type Options struct {
	MaxRetries int
}

func NewStore(pool *pgxpool.Pool, options Options) *Store {
	retries := options.MaxRetries
	if retries <= 0 {
		retries = 5
	}
	return &Store{pool: pool, maxRetries: retries}
}

func (s *Store) AllocateToken(ctx context.Context, input store.AllocateTokenInput) (models.Token, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Token{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	existing, found, err := findTokenByRequestID(ctx, tx, input.RequestID)
	if err != nil {
		return models.Token{}, false, err
	}
	if found {
		if err = tx.Commit(ctx); err != nil {
			return models.Token{}, false, err
		}
		return existing, false, nil
	}

	number, err := nextTokenNumber(ctx, tx)
	if err != nil {
		return models.Token{}, false, err
	}

	generatedAt := input.GeneratedAt
	if generatedAt.IsZero() {
		generatedAt = time.Now().UTC()
	}
	tokenID := uuid.NewString()

	var token models.Token
	row := tx.QueryRow(ctx, `
		INSERT INTO tokens (
			token_id, request_id, token_number, patient_id, patient_name, phone, symptoms,
			specialization, doctor_id, doctor_name, priority, status, generated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		RETURNING `+tokenColumns+`
	`, tokenID, input.RequestID, number, input.PatientID, input.PatientName, input.Phone, input.Symptoms,
		input.Specialization, input.DoctorID, input.DoctorName, input.Priority, models.StatusWaiting, generatedAt)
	if token, err = scanToken(row); err != nil {
		return models.Token{}, false, err
	}
	token.RequestID = input.RequestID

	if err = insertOutboxEvent(ctx, tx, store.EventTokenCreated, token); err != nil {
		return models.Token{}, false, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Token{}, false, err
	}
	return token, true, nil
}

func (s *Store) GetToken(ctx context.Context, tokenID string) (models.Token, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+tokenColumns+`
		FROM tokens
		WHERE token_id = $1
	`, tokenID)
	token, err := scanToken(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Token{}, store.ErrTokenNotFound
		}
		return models.Token{}, err
	}
	return token, nil
}

func (s *Store) ListTokens(ctx context.Context, filter store.ListFilter) ([]models.Token, error) {
	query := `
		SELECT ` + tokenColumns + `
		FROM tokens
		WHERE TRUE
	`
	var args []interface{}
	argPos := 1
	if filter.Specialization != "" {
		query += fmt.Sprintf(" AND specialization = $%d", argPos)
		args = append(args, filter.Specialization)
		argPos++
	}
	if filter.DoctorID != "" {
		query += fmt.Sprintf(" AND doctor_id = $%d", argPos)
		args = append(args, filter.DoctorID)
		argPos++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argPos)
		args = append(args, filter.Status)
		argPos++
	}
	if filter.Priority != "" {
		query += fmt.Sprintf(" AND priority = $%d", argPos)
		args = append(args, filter.Priority)
		argPos++
	}

	switch filter.SortBy {
	case "generated_at":
		query += " ORDER BY generated_at ASC, token_number ASC"
	default:
		// token_number is allocation order, which is also insertion order
		query += " ORDER BY token_number ASC"
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTokens(rows)
}

func (s *Store) TransitionToken(ctx context.Context, input store.TransitionInput) (models.Token, bool, error) {
	var token models.Token
	var applied bool
	var err error
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		token, applied, err = s.transitionOnce(ctx, input)
		if err == nil || !isSerializationFailure(err) {
			return token, applied, err
		}
	}
	return models.Token{}, false, store.ErrContention
}

func (s *Store) transitionOnce(ctx context.Context, input store.TransitionInput) (models.Token, bool, error) {
	target, ok := store.TargetStatus(input.Action)
	if !ok {
		return models.Token{}, false, store.ErrInvalidTransition
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Token{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	existing, found, err := findActionRequest(ctx, tx, input.Action, input.RequestID)
	if err != nil {
		return models.Token{}, false, err
	}
	if found {
		if err = tx.Commit(ctx); err != nil {
			return models.Token{}, false, err
		}
		return existing, false, nil
	}

	occurredAt := input.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	updateQuery := `
		UPDATE tokens
		SET status = $1
	`
	args := []interface{}{target}
	argPos := 2

	switch input.Action {
	case store.ActionCall:
		updateQuery += fmt.Sprintf(", called_at = $%d", argPos)
		args = append(args, occurredAt)
		argPos++
	case store.ActionComplete:
		updateQuery += fmt.Sprintf(", completed_at = $%d", argPos)
		args = append(args, occurredAt)
		argPos++
	}

	updateQuery += fmt.Sprintf(" WHERE token_id = $%d AND status = ANY($%d)", argPos, argPos+1)
	args = append(args, input.TokenID, store.AllowedFrom(input.Action))
	updateQuery += " RETURNING " + tokenColumns

	var token models.Token
	row := tx.QueryRow(ctx, updateQuery, args...)
	if token, err = scanToken(row); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			var exists bool
			if err = tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM tokens WHERE token_id = $1)`, input.TokenID).Scan(&exists); err != nil {
				return models.Token{}, false, err
			}
			if !exists {
				return models.Token{}, false, store.ErrTokenNotFound
			}
			return models.Token{}, false, store.ErrInvalidTransition
		}
		return models.Token{}, false, err
	}
	token.RequestID = input.RequestID

	if err = insertActionRequest(ctx, tx, input.Action, input.RequestID, token.TokenID); err != nil {
		return models.Token{}, false, err
	}
	if err = insertOutboxEvent(ctx, tx, store.EventType(input.Action), token); err != nil {
		return models.Token{}, false, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Token{}, false, err
	}
	return token, true, nil
}

func (s *Store) WaitingTokens(ctx context.Context) ([]models.Token, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+tokenColumns+`
		FROM tokens
		WHERE status = $1
		ORDER BY (priority = $2) DESC, generated_at ASC, token_number ASC
	`, models.StatusWaiting, models.PriorityEmergency)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTokens(rows)
}

func (s *Store) RecentlyCalled(ctx context.Context, limit int) ([]models.Token, error) {
	if limit <= 0 {
		limit = 3
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+tokenColumns+`
		FROM tokens
		WHERE status = $1 AND called_at IS NOT NULL
		ORDER BY called_at DESC
		LIMIT $2
	`, models.StatusCalled, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTokens(rows)
}

func (s *Store) CountActiveByDoctor(ctx context.Context, doctorID string) (int, error) {
	var count int
	row := s.pool.QueryRow(ctx, `
		SELECT COUNT(1)
		FROM tokens
		WHERE doctor_id = $1 AND status IN ($2, $3)
	`, doctorID, models.StatusWaiting, models.StatusCalled)
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (s *Store) ListOutboxEvents(ctx context.Context, after time.Time, limit int) ([]store.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT event_id, type, payload_json, created_at
		FROM outbox_events
		WHERE TRUE
	`
	var args []interface{}
	if !after.IsZero() {
		query += " AND created_at > $1 ORDER BY created_at ASC LIMIT $2"
		args = append(args, after, limit)
	} else {
		query += " ORDER BY created_at ASC LIMIT $1"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.OutboxEvent
	for rows.Next() {
		var event store.OutboxEvent
		if err := rows.Scan(&event.EventID, &event.Type, &event.Payload, &event.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func (s *Store) PatientByNationalID(ctx context.Context, nationalID string) (models.PatientRecord, bool, error) {
	return s.patientBy(ctx, "national_id", nationalID)
}

func (s *Store) PatientByPhone(ctx context.Context, phone string) (models.PatientRecord, bool, error) {
	return s.patientBy(ctx, "phone", phone)
}

func (s *Store) patientBy(ctx context.Context, column, value string) (models.PatientRecord, bool, error) {
	var patient models.PatientRecord
	var nationalID string
	var dobNull sql.NullTime
	row := s.pool.QueryRow(ctx, `
		SELECT patient_id, national_id, full_name, gender, date_of_birth, phone, address
		FROM patients
		WHERE `+column+` = $1
	`, value)
	if err := row.Scan(&patient.PatientID, &nationalID, &patient.FullName, &patient.Gender, &dobNull, &patient.Phone, &patient.Address); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.PatientRecord{}, false, nil
		}
		return models.PatientRecord{}, false, err
	}
	if dobNull.Valid {
		patient.DateOfBirth = dobNull.Time
	}
	patient.MaskedNationalID = models.MaskNationalID(nationalID)
	return patient, true, nil
}

func (s *Store) Doctor(ctx context.Context, doctorID string) (models.Doctor, bool, error) {
	var doctor models.Doctor
	row := s.pool.QueryRow(ctx, `
		SELECT doctor_id, name, specialization, capacity
		FROM doctors
		WHERE doctor_id = $1
	`, doctorID)
	if err := row.Scan(&doctor.DoctorID, &doctor.Name, &doctor.Specialization, &doctor.Capacity); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Doctor{}, false, nil
		}
		return models.Doctor{}, false, err
	}
	return doctor, true, nil
}

func nextTokenNumber(ctx context.Context, tx pgx.Tx) (int64, error) {
	var next int64
	row := tx.QueryRow(ctx, `
		INSERT INTO token_sequences (sequence_id, next_number)
		VALUES (1, 1)
		ON CONFLICT (sequence_id)
		DO UPDATE SET next_number = token_sequences.next_number + 1
		RETURNING next_number
	`)
	if err := row.Scan(&next); err != nil {
		return 0, err
	}
	return next, nil
}

func findTokenByRequestID(ctx context.Context, tx pgx.Tx, requestID string) (models.Token, bool, error) {
	row := tx.QueryRow(ctx, `
		SELECT `+tokenColumns+`
		FROM tokens
		WHERE request_id = $1
	`, requestID)
	token, err := scanToken(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Token{}, false, nil
		}
		return models.Token{}, false, err
	}
	token.RequestID = requestID
	return token, true, nil
}

func findActionRequest(ctx context.Context, tx pgx.Tx, action, requestID string) (models.Token, bool, error) {
	var tokenID string
	row := tx.QueryRow(ctx, `
		SELECT token_id
		FROM token_requests
		WHERE request_id = $1 AND action = $2
	`, requestID, action)
	if err := row.Scan(&tokenID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Token{}, false, nil
		}
		return models.Token{}, false, err
	}

	row = tx.QueryRow(ctx, `
		SELECT `+tokenColumns+`
		FROM tokens
		WHERE token_id = $1
	`, tokenID)
	token, err := scanToken(row)
	if err != nil {
		return models.Token{}, false, err
	}
	token.RequestID = requestID
	return token, true, nil
}

func insertActionRequest(ctx context.Context, tx pgx.Tx, action, requestID, tokenID string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO token_requests (request_id, action, token_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (request_id, action) DO NOTHING
	`, requestID, action, tokenID)
	return err
}

func insertOutboxEvent(ctx context.Context, tx pgx.Tx, eventType string, token models.Token) error {
	payload := map[string]interface{}{
		"token_id":     token.TokenID,
		"token_number": token.TokenNumber,
		"patient_name": token.PatientName,
		"doctor_name":  token.DoctorName,
		"status":       token.Status,
		"priority":     token.Priority,
		"called_at":    token.CalledAt,
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO outbox_events (event_id, type, payload_json, created_at)
		VALUES ($1, $2, $3, $4)
	`, uuid.NewString(), eventType, payloadJSON, time.Now().UTC())
	return err
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanToken(row rowScanner) (models.Token, error) {
	var token models.Token
	var calledAtNull sql.NullTime
	var completedAtNull sql.NullTime
	err := row.Scan(
		&token.TokenID, &token.TokenNumber, &token.PatientID, &token.PatientName, &token.Phone,
		&token.Symptoms, &token.Specialization, &token.DoctorID, &token.DoctorName,
		&token.Priority, &token.Status, &token.GeneratedAt, &calledAtNull, &completedAtNull,
	)
	if err != nil {
		return models.Token{}, err
	}
	token.CalledAt = nullTimePtr(calledAtNull)
	token.CompletedAt = nullTimePtr(completedAtNull)
	return token, nil
}

func scanTokens(rows pgx.Rows) ([]models.Token, error) {
	var tokens []models.Token
	for rows.Next() {
		token, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, token)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tokens, nil
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	return &value.Time
}
