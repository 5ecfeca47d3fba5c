package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/pesio-ai/be-plan-quarantines/internal/apperrors"
	"github.com/pesio-ai/be-plan-quarantines/internal/logger"
	"github.com/pesio-ai/be-plan-quarantines/internal/repository"
	"github.com/pesio-ai/be-plan-quarantines/internal/service"
)

// HTTPHandler handles HTTP requests for the quarantine ledger.
type HTTPHandler struct {
	quarantines *service.QuarantineService
	derivation  *service.DerivationService
	log         *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler.
func NewHTTPHandler(
	quarantines *service.QuarantineService,
	derivation *service.DerivationService,
	log *logger.Logger,
) *HTTPHandler {
	return &HTTPHandler{
		quarantines: quarantines,
		derivation:  derivation,
		log:         log,
	}
}

// ── Request payloads ──────────────────────────────────────────────────────────

type createQuarantineRequest struct {
	BudgetLineID       string  `json:"budget_line_id"`
	ProviderID         string  `json:"provider_id"`
	QuarantinedCents   int64   `json:"quarantined_cents"`
	ServiceAgreementID *string `json:"service_agreement_id,omitempty"`
	FundingPeriodID    *string `json:"funding_period_id,omitempty"`
	SupportItemCode    *string `json:"support_item_code,omitempty"`
	Notes              *string `json:"notes,omitempty"`
}

type updateQuarantineRequest struct {
	ID               string  `json:"id"`
	QuarantinedCents *int64  `json:"quarantined_cents,omitempty"`
	SupportItemCode  *string `json:"support_item_code,omitempty"`
	Notes            *string `json:"notes,omitempty"`
}

type releaseQuarantineRequest struct {
	ID string `json:"id"`
}

type drawDownRequest struct {
	ID          string `json:"id"`
	AmountCents int64  `json:"amount_cents"`
}

type deriveRequest struct {
	ServiceAgreementID string `json:"service_agreement_id"`
	PlanID             string `json:"plan_id"`
}

// ── Handlers ──────────────────────────────────────────────────────────────────

// CreateQuarantine handles create quarantine HTTP requests.
func (h *HTTPHandler) CreateQuarantine(w http.ResponseWriter, r *http.Request) {
	actorID, ok := h.requireActor(w, r)
	if !ok {
		return
	}

	var req createQuarantineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	q, err := h.quarantines.Create(r.Context(), &service.CreateQuarantineRequest{
		BudgetLineID:       req.BudgetLineID,
		ProviderID:         req.ProviderID,
		QuarantinedCents:   req.QuarantinedCents,
		ServiceAgreementID: req.ServiceAgreementID,
		FundingPeriodID:    req.FundingPeriodID,
		SupportItemCode:    req.SupportItemCode,
		Notes:              req.Notes,
		CreatedBy:          actorID,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, q)
}

// GetQuarantine handles get quarantine HTTP requests.
func (h *HTTPHandler) GetQuarantine(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "Quarantine ID is required", http.StatusBadRequest)
		return
	}

	q, err := h.quarantines.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, q)
}

// ListQuarantines handles list quarantine HTTP requests.
func (h *HTTPHandler) ListQuarantines(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	filter := repository.QuarantineFilter{
		BudgetLineID: optionalQuery(r, "budget_line_id"),
		PlanID:       optionalQuery(r, "plan_id"),
		ProviderID:   optionalQuery(r, "provider_id"),
		Status:       optionalQuery(r, "status"),
	}

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}

	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	if pageSize < 1 || pageSize > 100 {
		pageSize = 50
	}

	quarantines, total, err := h.quarantines.List(r.Context(), filter, page, pageSize)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"quarantines": quarantines,
		"total":       total,
		"page":        page,
		"page_size":   pageSize,
	})
}

// UpdateQuarantine handles partial update HTTP requests.
func (h *HTTPHandler) UpdateQuarantine(w http.ResponseWriter, r *http.Request) {
	actorID, ok := h.requireActor(w, r)
	if !ok {
		return
	}

	var req updateQuarantineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	q, err := h.quarantines.Update(r.Context(), &service.UpdateQuarantineRequest{
		ID:               req.ID,
		QuarantinedCents: req.QuarantinedCents,
		SupportItemCode:  req.SupportItemCode,
		Notes:            req.Notes,
		ActorID:          actorID,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, q)
}

// ReleaseQuarantine handles release HTTP requests.
func (h *HTTPHandler) ReleaseQuarantine(w http.ResponseWriter, r *http.Request) {
	actorID, ok := h.requireActor(w, r)
	if !ok {
		return
	}

	var req releaseQuarantineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	q, err := h.quarantines.Release(r.Context(), req.ID, actorID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, q)
}

// DrawDown handles draw-down HTTP requests.
func (h *HTTPHandler) DrawDown(w http.ResponseWriter, r *http.Request) {
	actorID, ok := h.requireActor(w, r)
	if !ok {
		return
	}

	var req drawDownRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	q, err := h.quarantines.DrawDown(r.Context(), &service.DrawDownRequest{
		ID:          req.ID,
		AmountCents: req.AmountCents,
		ActorID:     actorID,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, q)
}

// DeriveFromAgreement handles agreement-driven batch derivation requests.
func (h *HTTPHandler) DeriveFromAgreement(w http.ResponseWriter, r *http.Request) {
	actorID, ok := h.requireActor(w, r)
	if !ok {
		return
	}

	var req deriveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	result, err := h.derivation.DeriveFromAgreement(r.Context(), req.ServiceAgreementID, req.PlanID, actorID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, result)
}

// GetAuditTrail handles audit trail HTTP requests for one quarantine.
func (h *HTTPHandler) GetAuditTrail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "Quarantine ID is required", http.StatusBadRequest)
		return
	}

	entries, err := h.quarantines.AuditTrail(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

// GetCapacity handles budget-line capacity HTTP requests.
func (h *HTTPHandler) GetCapacity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	budgetLineID := r.URL.Query().Get("budget_line_id")
	if budgetLineID == "" {
		http.Error(w, "Budget line ID is required", http.StatusBadRequest)
		return
	}

	snap, err := h.quarantines.GetCapacity(r.Context(), budgetLineID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"budget_line_id":    snap.BudgetLineID,
		"allocated_cents":   snap.AllocatedCents,
		"spent_cents":       snap.SpentCents,
		"quarantined_cents": snap.ActiveReservedCents,
		"available_cents":   snap.AvailableCents(),
	})
}

// ── Response helpers ──────────────────────────────────────────────────────────

// requireActor extracts the acting user for audit attribution. The caller
// is authenticated upstream; this boundary only needs the identity.
func (h *HTTPHandler) requireActor(w http.ResponseWriter, r *http.Request) (string, bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return "", false
	}

	actorID := r.Header.Get("X-Actor-ID")
	if actorID == "" {
		http.Error(w, "X-Actor-ID header is required", http.StatusBadRequest)
		return "", false
	}
	return actorID, true
}

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.Warn().Err(err).Msg("Failed to encode response body")
	}
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, err error) {
	code := apperrors.Code(err)

	status := http.StatusInternalServerError
	switch code {
	case apperrors.ErrCodeNotFound:
		status = http.StatusNotFound
	case apperrors.ErrCodeValidation:
		status = http.StatusBadRequest
	case apperrors.ErrCodeNotActive, apperrors.ErrCodeConflict:
		status = http.StatusConflict
	case apperrors.ErrCodeInsufficientCapacity, apperrors.ErrCodeDrawDownExceeds:
		status = http.StatusUnprocessableEntity
	case apperrors.ErrCodeUnauthorized:
		status = http.StatusForbidden
	}

	message := err.Error()
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		message = appErr.Message
	}
	if status == http.StatusInternalServerError {
		h.log.Error().Err(err).Msg("Request failed")
		message = "internal error"
	}

	h.writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{"code": code, "message": message},
	})
}

func optionalQuery(r *http.Request, key string) *string {
	if v := r.URL.Query().Get(key); v != "" {
		return &v
	}
	return nil
}
