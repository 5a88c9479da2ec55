package notification

import (
	"context"
	"net/http"

	"github.com/go-chi/chi"

	datamodel "github.com/frahmantamala/mpesa-payments/internal/core/datamodel/notification"
	"github.com/frahmantamala/mpesa-payments/internal/transport"
)

type DeliveryLister interface {
	ListByReference(ctx context.Context, externalReference string) ([]datamodel.Delivery, error)
}

type DeliveryListResponse struct {
	ExternalReference string               `json:"external_reference"`
	Deliveries        []datamodel.Delivery `json:"deliveries"`
}

// Handler exposes delivery history to operators. Routes are expected to sit
// behind the view-all permission.
type Handler struct {
	*transport.BaseHandler
	deliveries DeliveryLister
}

func NewHandler(base *transport.BaseHandler, deliveries DeliveryLister) *Handler {
	return &Handler{BaseHandler: base, deliveries: deliveries}
}

// ListDeliveries handles GET /api/v1/payments/{reference}/deliveries
func (h *Handler) ListDeliveries(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "reference")

	deliveries, err := h.deliveries.ListByReference(r.Context(), ref)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}
	if deliveries == nil {
		deliveries = []datamodel.Delivery{}
	}

	h.WriteJSON(w, http.StatusOK, DeliveryListResponse{ExternalReference: ref, Deliveries: deliveries})
}
