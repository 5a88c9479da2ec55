package payment

import (
	"time"

	errors "github.com/frahmantamala/mpesa-payments/internal"
	datamodel "github.com/frahmantamala/mpesa-payments/internal/core/datamodel/payment"
	"github.com/frahmantamala/mpesa-payments/internal/core/common/validation"
)

// Field limits imposed by the STK push API.
const (
	maxAccountReferenceLength = 12
	maxDescriptionLength      = 13
	maxReasonLength           = 255
)

type InitiatePaymentRequest struct {
	Amount      int64   `json:"amount"`
	Phone       string  `json:"phone"`
	Reference   string  `json:"reference"`
	Description string  `json:"description"`
	Currency    string  `json:"currency,omitempty"`
	WebhookURL  *string `json:"webhook_url,omitempty"`
}

func (r *InitiatePaymentRequest) Validate() error {
	validator := validation.NewValidator()

	validator.Field("amount", r.Amount).
		Required().
		MinInt(validation.MinPaymentAmount, errors.ErrCodeInvalidAmount).
		MaxInt(validation.MaxPaymentAmount, errors.ErrCodeInvalidAmount)
	validator.Field("phone", r.Phone).Required()
	validator.Field("reference", r.Reference).Required().MaxLength(maxAccountReferenceLength)
	validator.Field("description", r.Description).MaxLength(maxDescriptionLength)
	validator.Field("currency", r.Currency).OneOf(errors.ErrCodeValidationFailed, "KES")
	validator.Field("webhook_url", r.WebhookURL).HTTPURL()

	if appErr := validator.Validate(); appErr != nil {
		return appErr
	}
	return nil
}

type InitiatePaymentResponse struct {
	ID                string           `json:"id"`
	ExternalReference string           `json:"external_reference"`
	MerchantRequestID string           `json:"merchant_request_id"`
	Status            datamodel.Status `json:"status"`
	CustomerMessage   string           `json:"customer_message,omitempty"`
}

type RefundRequest struct {
	Reason string `json:"reason"`
}

func (r *RefundRequest) Validate() error {
	return validateReason(r.Reason)
}

type CancelRequest struct {
	Reason string `json:"reason"`
}

func (r *CancelRequest) Validate() error {
	return validateReason(r.Reason)
}

func validateReason(reason string) error {
	validator := validation.NewValidator()
	validator.Field("reason", reason).Required().MaxLength(maxReasonLength)
	if appErr := validator.Validate(); appErr != nil {
		return appErr
	}
	return nil
}

// ResolveRequest settles a stuck payment from evidence gathered outside the
// system, such as the M-Pesa org portal.
type ResolveRequest struct {
	Outcome string `json:"outcome"`
	Receipt string `json:"receipt"`
	Amount  *int64 `json:"amount,omitempty"`
	Reason  string `json:"reason"`
}

func (r *ResolveRequest) Validate() error {
	validator := validation.NewValidator()

	validator.Field("outcome", r.Outcome).
		Required().
		OneOf(errors.ErrCodeInvalidOutcome, string(OutcomeSuccess), string(OutcomeFailed))
	validator.Field("reason", r.Reason).Required().MaxLength(maxReasonLength)
	if r.Outcome == string(OutcomeSuccess) {
		validator.Field("receipt", r.Receipt).Required()
	}

	if appErr := validator.Validate(); appErr != nil {
		return appErr
	}
	return nil
}

type ListPaymentsQuery struct {
	OwnerID string
	Status  string
	Limit   int
	Offset  int
}

func (q *ListPaymentsQuery) Validate() error {
	validator := validation.NewValidator()
	validator.Field("status", q.Status).OneOf(errors.ErrCodeValidationFailed,
		string(datamodel.StatusPending),
		string(datamodel.StatusCompleted),
		string(datamodel.StatusFailed),
		string(datamodel.StatusCancelled),
		string(datamodel.StatusRefunded))
	validator.Field("limit", int64(q.Limit)).MinInt(0, errors.ErrCodeValidationFailed).MaxInt(100, errors.ErrCodeValidationFailed)
	validator.Field("offset", int64(q.Offset)).MinInt(0, errors.ErrCodeValidationFailed)

	if appErr := validator.Validate(); appErr != nil {
		return appErr
	}
	return nil
}

type PaymentListResponse struct {
	Items  []datamodel.Attempt `json:"items"`
	Total  int64               `json:"total"`
	Limit  int                 `json:"limit"`
	Offset int                 `json:"offset"`
}

type ProviderTransactionResponse struct {
	ExternalReference string                          `json:"external_reference"`
	Transactions      []datamodel.ProviderTransaction `json:"transactions"`
}

type ResolveResponse struct {
	Payment      *datamodel.Attempt `json:"payment"`
	Transitioned bool               `json:"transitioned"`
	ResolvedAt   time.Time          `json:"resolved_at"`
}
