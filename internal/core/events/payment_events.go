package events

import (
	"time"

	"github.com/google/uuid"

	datamodel "github.com/frahmantamala/mpesa-payments/internal/core/datamodel/payment"
)

const (
	EventTypePaymentCompleted = "payment.completed"
	EventTypePaymentFailed    = "payment.failed"
	EventTypePaymentRefunded  = "payment.refunded"
	EventTypePaymentCancelled = "payment.cancelled"
)

// OutcomeEventTypes lists every event emitted on a terminal transition.
var OutcomeEventTypes = []string{
	EventTypePaymentCompleted,
	EventTypePaymentFailed,
	EventTypePaymentRefunded,
	EventTypePaymentCancelled,
}

// EventTypeForStatus returns the outcome event for a terminal status, or "".
func EventTypeForStatus(status datamodel.Status) string {
	switch status {
	case datamodel.StatusCompleted:
		return EventTypePaymentCompleted
	case datamodel.StatusFailed:
		return EventTypePaymentFailed
	case datamodel.StatusRefunded:
		return EventTypePaymentRefunded
	case datamodel.StatusCancelled:
		return EventTypePaymentCancelled
	}
	return ""
}

// PaymentOutcomeEvent carries a snapshot of the attempt right after the transition.
type PaymentOutcomeEvent struct {
	BaseEvent
	Attempt datamodel.Attempt `json:"attempt"`
}

func NewPaymentOutcomeEvent(attempt datamodel.Attempt) *PaymentOutcomeEvent {
	data := map[string]interface{}{
		"attempt_id":         attempt.ID,
		"external_reference": attempt.ExternalReference,
		"owner_id":           attempt.OwnerID,
		"amount":             attempt.Amount,
		"currency":           attempt.Currency,
		"status":             string(attempt.Status),
	}
	if attempt.ReceiptNumber != "" {
		data["receipt_number"] = attempt.ReceiptNumber
	}
	if attempt.FailureReason != nil {
		data["failure_reason"] = *attempt.FailureReason
	}
	if attempt.RefundReason != nil {
		data["refund_reason"] = *attempt.RefundReason
	}

	return &PaymentOutcomeEvent{
		BaseEvent: BaseEvent{
			ID:        uuid.New().String(),
			Type:      EventTypeForStatus(attempt.Status),
			Timestamp: time.Now(),
			Data:      data,
		},
		Attempt: attempt,
	}
}
