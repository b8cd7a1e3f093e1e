package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"hqms/token-service/internal/models"
	"hqms/token-service/internal/queue"
	"hqms/token-service/internal/store"
	"hqms/token-service/internal/triage"
	"hqms/token-service/internal/verify"

	"github.com/google/uuid"
)

type Verifier interface {
	VerifyDocument(ctx context.Context, nationalID string) (models.PatientRecord, error)
	StartPhoneVerification(ctx context.Context, phone string) (string, error)
	ConfirmCode(ctx context.Context, phone, code string) (models.PatientRecord, error)
}

type SymptomResolver interface {
	Resolve(ctx context.Context, symptoms string) ([]models.Specialization, error)
}

type TokenIssuer interface {
	Issue(ctx context.Context, input queue.IssueInput) (models.Token, bool, error)
}

type TokenManager interface {
	Call(ctx context.Context, requestID, tokenID string) (models.Token, bool, error)
	Complete(ctx context.Context, requestID, tokenID string) (models.Token, bool, error)
	Cancel(ctx context.Context, requestID, tokenID string) (models.Token, bool, error)
}

type QueueProjector interface {
	OperationalView(ctx context.Context, filter store.ListFilter) ([]models.Token, error)
	PublicView(ctx context.Context) (queue.PublicView, error)
}

type TokenReader interface {
	GetToken(ctx context.Context, tokenID string) (models.Token, error)
}

type Handler struct {
	verifier  Verifier
	resolver  SymptomResolver
	issuer    TokenIssuer
	manager   TokenManager
	projector QueueProjector
	tokens    TokenReader
}

type Dependencies struct {
	Verifier  Verifier
	Resolver  SymptomResolver
	Issuer    TokenIssuer
	Manager   TokenManager
	Projector QueueProjector
	Tokens    TokenReader
}

func NewHandler(deps Dependencies) *Handler {
	return &Handler{
		verifier:  deps.Verifier,
		resolver:  deps.Resolver,
		issuer:    deps.Issuer,
		manager:   deps.Manager,
		projector: deps.Projector,
		tokens:    deps.Tokens,
	}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/api/verify/document", h.handleVerifyDocument)
	mux.HandleFunc("/api/verify/phone", h.handleVerifyPhone)
	mux.HandleFunc("/api/verify/phone/confirm", h.handleConfirmCode)
	mux.HandleFunc("/api/triage/resolve", h.handleTriageResolve)
	mux.HandleFunc("/api/tokens", h.handleTokens)
	mux.HandleFunc("/api/tokens/", h.handleTokenByID)
	mux.HandleFunc("/api/queue/operational", h.handleOperationalView)
	mux.HandleFunc("/api/queue/public", h.handlePublicView)
	return mux
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// tokenResponse adds the display label the kiosk prints on the paper slip.
type tokenResponse struct {
	models.Token
	DisplayNumber string `json:"display_number"`
}

func toTokenResponse(token models.Token) tokenResponse {
	return tokenResponse{Token: token, DisplayNumber: models.FormatTokenNumber(token.TokenNumber)}
}

func toTokenResponses(tokens []models.Token) []tokenResponse {
	responses := make([]tokenResponse, 0, len(tokens))
	for _, token := range tokens {
		responses = append(responses, toTokenResponse(token))
	}
	return responses
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type verifyDocumentRequest struct {
	NationalID string `json:"national_id"`
}

func (h *Handler) handleVerifyDocument(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req verifyDocumentRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, "", http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	req.NationalID = strings.TrimSpace(req.NationalID)

	patient, err := h.verifier.VerifyDocument(r.Context(), req.NationalID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, patient)
}

type startPhoneRequest struct {
	Phone string `json:"phone"`
}

type startPhoneResponse struct {
	Phone string `json:"phone"`
	Code  string `json:"code"`
}

func (h *Handler) handleVerifyPhone(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req startPhoneRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, "", http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	req.Phone = strings.TrimSpace(req.Phone)

	code, err := h.verifier.StartPhoneVerification(r.Context(), req.Phone)
	if err != nil {
		status, errCode, msg := mapError(err)
		writeError(w, "", status, errCode, msg)
		return
	}

	// The code goes back to the SMS gateway caller, never to the kiosk UI.
	writeJSON(w, http.StatusOK, startPhoneResponse{Phone: req.Phone, Code: code})
}

type confirmCodeRequest struct {
	Phone string `json:"phone"`
	Code  string `json:"code"`
}

func (h *Handler) handleConfirmCode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req confirmCodeRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, "", http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	req.Phone = strings.TrimSpace(req.Phone)
	req.Code = strings.TrimSpace(req.Code)

	patient, err := h.verifier.ConfirmCode(r.Context(), req.Phone, req.Code)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, patient)
}

type triageRequest struct {
	Symptoms string `json:"symptoms"`
}

type triageResponse struct {
	Candidates      []models.Specialization `json:"candidates"`
	SourceAvailable bool                    `json:"source_available"`
}

func (h *Handler) handleTriageResolve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req triageRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, "", http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	candidates, err := h.resolver.Resolve(r.Context(), req.Symptoms)
	if err != nil && !errors.Is(err, triage.ErrSourceUnavailable) {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	if candidates == nil {
		candidates = []models.Specialization{}
	}

	// An unreachable knowledge source degrades to manual selection rather
	// than blocking token issuance.
	writeJSON(w, http.StatusOK, triageResponse{
		Candidates:      candidates,
		SourceAvailable: err == nil,
	})
}

type createTokenRequest struct {
	RequestID      string `json:"request_id"`
	PatientID      string `json:"patient_id"`
	PatientName    string `json:"patient_name"`
	Phone          string `json:"phone"`
	Symptoms       string `json:"symptoms"`
	Specialization string `json:"specialization"`
	DoctorID       string `json:"doctor_id"`
	Priority       string `json:"priority"`
}

func (h *Handler) handleTokens(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req createTokenRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	req.RequestID = strings.TrimSpace(req.RequestID)
	req.PatientID = strings.TrimSpace(req.PatientID)
	req.PatientName = strings.TrimSpace(req.PatientName)
	req.Specialization = strings.TrimSpace(req.Specialization)
	req.DoctorID = strings.TrimSpace(req.DoctorID)
	req.Priority = strings.TrimSpace(req.Priority)

	if req.RequestID != "" && !isValidUUID(req.RequestID) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id must be a UUID when provided")
		return
	}
	if req.PatientID == "" || req.PatientName == "" {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "patient_id and patient_name are required")
		return
	}
	if req.DoctorID == "" {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "doctor_id is required")
		return
	}

	token, _, err := h.issuer.Issue(r.Context(), queue.IssueInput{
		RequestID:      req.RequestID,
		PatientID:      req.PatientID,
		PatientName:    req.PatientName,
		Phone:          req.Phone,
		Symptoms:       req.Symptoms,
		Specialization: req.Specialization,
		DoctorID:       req.DoctorID,
		Priority:       req.Priority,
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, req.RequestID, status, code, msg)
		return
	}

	writeJSON(w, http.StatusOK, toTokenResponse(token))
}

func (h *Handler) handleTokenByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/tokens/")
	parts := strings.Split(strings.Trim(path, "/"), "/")

	switch {
	case len(parts) == 1:
		h.handleGetToken(w, r, parts[0])
	case len(parts) == 3 && parts[1] == "actions":
		h.handleTokenAction(w, r, parts[0], parts[2])
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleGetToken(w http.ResponseWriter, r *http.Request, tokenID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !isValidUUID(tokenID) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "token_id must be a UUID")
		return
	}

	token, err := h.tokens.GetToken(r.Context(), tokenID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, toTokenResponse(token))
}

type tokenActionRequest struct {
	RequestID string `json:"request_id"`
}

func (h *Handler) handleTokenAction(w http.ResponseWriter, r *http.Request, tokenID, action string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !isValidUUID(tokenID) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "token_id must be a UUID")
		return
	}

	var req tokenActionRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, "", http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	req.RequestID = strings.TrimSpace(req.RequestID)
	if req.RequestID != "" && !isValidUUID(req.RequestID) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id must be a UUID when provided")
		return
	}

	var (
		token models.Token
		err   error
	)
	switch action {
	case "call":
		token, _, err = h.manager.Call(r.Context(), req.RequestID, tokenID)
	case "complete":
		token, _, err = h.manager.Complete(r.Context(), req.RequestID, tokenID)
	case "cancel":
		token, _, err = h.manager.Cancel(r.Context(), req.RequestID, tokenID)
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, req.RequestID, status, code, msg)
		return
	}

	writeJSON(w, http.StatusOK, toTokenResponse(token))
}

func (h *Handler) handleOperationalView(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	query := r.URL.Query()
	filter := store.ListFilter{
		Specialization: strings.TrimSpace(query.Get("specialization")),
		DoctorID:       strings.TrimSpace(query.Get("doctor_id")),
		Status:         strings.TrimSpace(query.Get("status")),
		Priority:       strings.TrimSpace(query.Get("priority")),
		SortBy:         strings.TrimSpace(query.Get("sort_by")),
	}

	if filter.Status != "" && !isValidStatus(filter.Status) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "status must be waiting, called, completed, or cancelled")
		return
	}
	if filter.Priority != "" && !models.ValidPriority(filter.Priority) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "priority must be normal or emergency")
		return
	}

	tokens, err := h.projector.OperationalView(r.Context(), filter)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, toTokenResponses(tokens))
}

type publicViewResponse struct {
	Waiting        []tokenResponse `json:"waiting"`
	RecentlyCalled []tokenResponse `json:"recently_called"`
}

func (h *Handler) handlePublicView(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	view, err := h.projector.PublicView(r.Context())
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}

	writeJSON(w, http.StatusOK, publicViewResponse{
		Waiting:        toPublicTokens(view.Waiting),
		RecentlyCalled: toPublicTokens(view.RecentlyCalled),
	})
}

// toPublicTokens strips fields the waiting-room display has no business
// showing.
func toPublicTokens(tokens []models.Token) []tokenResponse {
	responses := make([]tokenResponse, 0, len(tokens))
	for _, token := range tokens {
		token.Phone = ""
		token.Symptoms = ""
		token.PatientID = ""
		token.RequestID = ""
		responses = append(responses, toTokenResponse(token))
	}
	return responses
}

func isValidUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}

func isValidStatus(value string) bool {
	switch value {
	case models.StatusWaiting, models.StatusCalled, models.StatusCompleted, models.StatusCancelled:
		return true
	}
	return false
}

func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, verify.ErrInvalidFormat):
		return http.StatusBadRequest, "invalid_format", "credential fails format validation"
	case errors.Is(err, verify.ErrInvalidCode):
		return http.StatusBadRequest, "invalid_code", "verification code does not match"
	case errors.Is(err, verify.ErrExpiredCode):
		return http.StatusBadRequest, "expired_code", "verification code expired or was never issued"
	case errors.Is(err, verify.ErrBiometricRejected):
		return http.StatusForbidden, "biometric_rejected", "biometric confirmation rejected"
	case errors.Is(err, verify.ErrConfirmUnavailable):
		return http.StatusServiceUnavailable, "biometric_unavailable", "biometric confirmation unavailable"
	case errors.Is(err, verify.ErrNotFound):
		return http.StatusNotFound, "patient_not_found", "no patient found for credential"
	case errors.Is(err, store.ErrTokenNotFound):
		return http.StatusNotFound, "token_not_found", "token not found"
	case errors.Is(err, store.ErrDoctorNotFound):
		return http.StatusNotFound, "doctor_not_found", "doctor not found"
	case errors.Is(err, store.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition", "token status does not allow this action"
	case errors.Is(err, store.ErrContention):
		return http.StatusConflict, "contention", "token was modified concurrently, retry"
	case errors.Is(err, queue.ErrInvalidPriority):
		return http.StatusBadRequest, "invalid_priority", "priority must be normal or emergency"
	case errors.Is(err, queue.ErrDoctorMismatch):
		return http.StatusConflict, "doctor_mismatch", "doctor does not serve the requested specialization"
	case errors.Is(err, queue.ErrCapacityExceeded):
		return http.StatusConflict, "capacity_exceeded", "doctor queue is at capacity"
	case errors.Is(err, queue.ErrMissingPatient):
		return http.StatusBadRequest, "invalid_request", "patient_id and patient_name are required"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
