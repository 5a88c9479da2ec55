package payment

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/frahmantamala/mpesa-payments/internal/auth"
	datamodel "github.com/frahmantamala/mpesa-payments/internal/core/datamodel/payment"
	"github.com/frahmantamala/mpesa-payments/internal/core/events"
	"github.com/frahmantamala/mpesa-payments/internal/paymentgateway"
)

// transitions is the whole lifecycle. Anything not listed is rejected.
var transitions = map[datamodel.Status][]datamodel.Status{
	datamodel.StatusPending:   {datamodel.StatusCompleted, datamodel.StatusFailed, datamodel.StatusCancelled},
	datamodel.StatusCompleted: {datamodel.StatusRefunded},
}

func CanTransition(from, to datamodel.Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Outcome is a final answer from the provider, as applied to the ledger.
type Outcome string

const (
	OutcomeSuccess Outcome = "SUCCESS"
	OutcomeFailed  Outcome = "FAILED"
)

func (o Outcome) TargetStatus() (datamodel.Status, bool) {
	switch o {
	case OutcomeSuccess:
		return datamodel.StatusCompleted, true
	case OutcomeFailed:
		return datamodel.StatusFailed, true
	}
	return "", false
}

// OutcomeFromDerived maps a provider observation onto an outcome. PENDING has none.
func OutcomeFromDerived(d datamodel.DerivedStatus) (Outcome, bool) {
	switch d {
	case datamodel.DerivedSuccess:
		return OutcomeSuccess, true
	case datamodel.DerivedFailed:
		return OutcomeFailed, true
	}
	return "", false
}

type OutcomeDetails struct {
	// Amount is what the provider reported, if anything. A success whose
	// amount differs from the ledger amount is never applied.
	Amount     *decimal.Decimal
	Receipt    string
	ResultCode string
	Reason     string
}

type NewAttempt struct {
	ExternalReference string
	MerchantRequestID string
	AccountReference  string
	Description       string
	OwnerID           string
	Phone             string
	Amount            int64
	Currency          string
	WebhookURL        *string
}

type ListFilter struct {
	OwnerID string
	Status  datamodel.Status
	Limit   int
	Offset  int
}

// Observation is one report about a payment, from a callback, a status
// query or an operator.
type Observation struct {
	ExternalReference string
	Source            datamodel.Source
	Derived           datamodel.DerivedStatus
	ResultCode        string
	Description       string
	Amount            *decimal.Decimal
	Receipt           string
	Phone             string
	Raw               json.RawMessage
}

// ApplyResult describes what an observation did to the ledger. Rejection is
// set when the ledger refused the outcome; the observation is still recorded.
type ApplyResult struct {
	Attempt      *datamodel.Attempt
	Transitioned bool
	Rejection    error
}

type RepositoryAPI interface {
	Create(ctx context.Context, attempt NewAttempt) (*datamodel.Attempt, error)
	ApplyOutcome(ctx context.Context, externalReference string, outcome Outcome, details OutcomeDetails) (*datamodel.Attempt, bool, error)
	Refund(ctx context.Context, id, reason, actor string) (*datamodel.Attempt, error)
	Cancel(ctx context.Context, id, reason, actor string) (*datamodel.Attempt, error)
	GetByID(ctx context.Context, id string) (*datamodel.Attempt, error)
	GetByReference(ctx context.Context, externalReference string) (*datamodel.Attempt, error)
	List(ctx context.Context, filter ListFilter) ([]datamodel.Attempt, int64, error)
	FindStalePending(ctx context.Context, cutoff time.Time) ([]datamodel.Attempt, error)
	FindActivePending(ctx context.Context, createdAfter, createdBefore time.Time) ([]datamodel.Attempt, error)
	AppendProviderTransaction(ctx context.Context, tx *datamodel.ProviderTransaction) error
	ListProviderTransactions(ctx context.Context, externalReference string) ([]datamodel.ProviderTransaction, error)
}

type GatewayAPI interface {
	InitiatePayment(ctx context.Context, req paymentgateway.InitiateRequest) (*paymentgateway.InitiateResult, error)
}

type Authorizer interface {
	Authorize(ctx context.Context, identity auth.Identity, action auth.Action) error
}

type Publisher interface {
	Publish(ctx context.Context, event events.Event) error
}
