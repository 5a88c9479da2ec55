package payment

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi"

	errors "github.com/frahmantamala/mpesa-payments/internal"
	"github.com/frahmantamala/mpesa-payments/internal/auth"
	"github.com/frahmantamala/mpesa-payments/internal/transport"
)

type Handler struct {
	*transport.BaseHandler
	Service ServiceAPI
}

func NewHandler(base *transport.BaseHandler, service ServiceAPI) *Handler {
	return &Handler{
		BaseHandler: base,
		Service:     service,
	}
}

func (h *Handler) identity(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		h.HandleError(w, errors.NewUnauthorizedError("authentication required", errors.ErrCodeInvalidToken))
	}
	return id, ok
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.HandleError(w, errors.NewValidationError("invalid request body", errors.ErrCodeValidationFailed))
		return false
	}
	return true
}

// InitiatePayment handles POST /api/v1/payments
func (h *Handler) InitiatePayment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}

	var req InitiatePaymentRequest
	if !h.decode(w, r, &req) {
		return
	}

	resp, err := h.Service.Initiate(r.Context(), id, req)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusAccepted, resp)
}

// GetPayment handles GET /api/v1/payments/{reference}
func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}

	attempt, err := h.Service.Get(r.Context(), id, chi.URLParam(r, "reference"))
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusOK, attempt)
}

// ListPayments handles GET /api/v1/payments
func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}

	query := ListPaymentsQuery{
		OwnerID: r.URL.Query().Get("owner_id"),
		Status:  r.URL.Query().Get("status"),
	}
	var convErr error
	if v := r.URL.Query().Get("limit"); v != "" {
		query.Limit, convErr = strconv.Atoi(v)
	}
	if v := r.URL.Query().Get("offset"); v != "" && convErr == nil {
		query.Offset, convErr = strconv.Atoi(v)
	}
	if convErr != nil {
		h.HandleError(w, errors.NewValidationError("limit and offset must be integers", errors.ErrCodeValidationFailed))
		return
	}

	resp, err := h.Service.List(r.Context(), id, query)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusOK, resp)
}

// ListTransactions handles GET /api/v1/payments/{reference}/transactions
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}

	resp, err := h.Service.ListTransactions(r.Context(), id, chi.URLParam(r, "reference"))
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusOK, resp)
}

// RefundPayment handles POST /api/v1/payments/{id}/refund
func (h *Handler) RefundPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}

	var req RefundRequest
	if !h.decode(w, r, &req) {
		return
	}

	attempt, err := h.Service.Refund(r.Context(), id, chi.URLParam(r, "id"), req)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusOK, attempt)
}

// CancelPayment handles POST /api/v1/payments/{id}/cancel
func (h *Handler) CancelPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}

	var req CancelRequest
	if !h.decode(w, r, &req) {
		return
	}

	attempt, err := h.Service.Cancel(r.Context(), id, chi.URLParam(r, "id"), req)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusOK, attempt)
}

// ResolvePayment handles POST /api/v1/payments/{reference}/resolve
func (h *Handler) ResolvePayment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}

	var req ResolveRequest
	if !h.decode(w, r, &req) {
		return
	}

	resp, err := h.Service.Resolve(r.Context(), id, chi.URLParam(r, "reference"), req)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusOK, resp)
}
