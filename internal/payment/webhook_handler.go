package payment

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/frahmantamala/mpesa-payments/internal"
	gatewaytypes "github.com/frahmantamala/mpesa-payments/internal/core/datamodel/paymentgateway"
	"github.com/frahmantamala/mpesa-payments/internal/transport"
)

// Daraja retries a callback until it gets a 200, so bodies are capped but
// generous.
const maxCallbackBytes = 64 << 10

type CallbackProcessor interface {
	HandleCallback(ctx context.Context, body []byte) (*ApplyResult, error)
}

// WebhookHandler receives STK result callbacks. It is mounted without
// authentication; the gateway cannot present a token.
type WebhookHandler struct {
	*transport.BaseHandler
	processor CallbackProcessor
}

func NewWebhookHandler(base *transport.BaseHandler, processor CallbackProcessor) *WebhookHandler {
	return &WebhookHandler{
		BaseHandler: base,
		processor:   processor,
	}
}

var callbackAccepted = gatewaytypes.CallbackAck{ResultCode: 0, ResultDesc: "Accepted"}

// HandlePaymentCallback handles POST /api/v1/payments/callback
func (h *WebhookHandler) HandlePaymentCallback(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBytes))
	if err != nil {
		h.HandleError(w, internal.NewMalformedCallbackError("could not read callback body"))
		return
	}

	result, err := h.processor.HandleCallback(r.Context(), body)
	if err != nil {
		if errors.Is(err, internal.ErrMalformedCallback) {
			h.Logger.Warn("malformed payment callback", "error", err, "size", len(body))
		}
		h.HandleServiceError(w, err)
		return
	}

	// Refused outcomes are acknowledged too; a retry would be refused again.
	if result.Rejection != nil {
		h.Logger.Info("payment callback acknowledged without transition", "reason", result.Rejection.Error())
	}

	h.WriteJSON(w, http.StatusOK, callbackAccepted)
}
