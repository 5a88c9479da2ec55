package payment

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/cast"
	"gorm.io/datatypes"

	"github.com/frahmantamala/mpesa-payments/internal"
	datamodel "github.com/frahmantamala/mpesa-payments/internal/core/datamodel/payment"
	gatewaytypes "github.com/frahmantamala/mpesa-payments/internal/core/datamodel/paymentgateway"
	"github.com/frahmantamala/mpesa-payments/pkg/logger"
)

// Processor turns provider observations into ledger transitions. Callbacks,
// status polls and operator resolutions all go through Apply.
type Processor struct {
	repo      RepositoryAPI
	publisher Publisher
	logger    *slog.Logger
}

func NewProcessor(repo RepositoryAPI, publisher Publisher, logger *slog.Logger) *Processor {
	return &Processor{
		repo:      repo,
		publisher: publisher,
		logger:    logger,
	}
}

// HandleCallback parses an STK result callback and applies it. The returned
// error is non-nil only for malformed payloads and storage failures; a
// callback the ledger refuses is recorded, logged and reported via
// ApplyResult.Rejection.
func (p *Processor) HandleCallback(ctx context.Context, body []byte) (*ApplyResult, error) {
	var env gatewaytypes.CallbackEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, internal.NewMalformedCallbackError("callback body is not valid JSON")
	}

	cb := env.Body.STKCallback
	ref := strings.TrimSpace(cb.CheckoutRequestID)
	if ref == "" {
		return nil, internal.NewMalformedCallbackError("callback is missing CheckoutRequestID")
	}

	obs := Observation{
		ExternalReference: ref,
		Source:            datamodel.SourceCallback,
		Derived:           datamodel.DerivedPending,
		Description:       cb.ResultDesc,
		Raw:               body,
	}

	code, ok := parseResultCode(cb.ResultCode)
	if !ok {
		// keep the evidence even though nothing can be decided from it
		if err := p.record(ctx, obs); err != nil {
			return nil, err
		}
		return nil, internal.NewMalformedCallbackError("callback is missing a usable ResultCode")
	}

	obs.ResultCode = strconv.Itoa(code)
	if code == 0 {
		obs.Derived = datamodel.DerivedSuccess
		if meta := cb.CallbackMetadata; meta != nil {
			obs.Amount = parseAmount(meta.Lookup("Amount"))
			obs.Receipt = cast.ToString(meta.Lookup("MpesaReceiptNumber"))
			obs.Phone = cast.ToString(meta.Lookup("PhoneNumber"))
		}
	} else {
		obs.Derived = datamodel.DerivedFailed
	}

	return p.Apply(ctx, obs)
}

// parseResultCode accepts an integral JSON number or a string of digits.
// Anything else carries no decision.
func parseResultCode(v any) (int, bool) {
	switch c := v.(type) {
	case float64:
		if c != math.Trunc(c) || math.IsInf(c, 0) || math.Abs(c) > math.MaxInt32 {
			return 0, false
		}
		return int(c), true
	case json.Number:
		n, err := strconv.Atoi(c.String())
		return n, err == nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(c))
		return n, err == nil
	}
	return 0, false
}

func parseAmount(v any) *decimal.Decimal {
	if v == nil {
		return nil
	}
	d, err := decimal.NewFromString(cast.ToString(v))
	if err != nil {
		return nil
	}
	return &d
}

// Apply records the observation and, when it carries a final answer, moves
// the attempt. Events are published only for the delivery that performed
// the transition.
func (p *Processor) Apply(ctx context.Context, obs Observation) (*ApplyResult, error) {
	log := logger.FromOr(ctx, p.logger).With(
		"external_reference", obs.ExternalReference,
		"source", obs.Source,
		"derived_status", obs.Derived)

	if err := p.record(ctx, obs); err != nil {
		log.Error("failed to record provider observation", "error", err)
		return nil, err
	}

	outcome, final := OutcomeFromDerived(obs.Derived)
	if !final {
		log.Debug("observation has no final answer yet")
		return &ApplyResult{}, nil
	}

	details := OutcomeDetails{
		Amount:     obs.Amount,
		Receipt:    obs.Receipt,
		ResultCode: obs.ResultCode,
	}
	if outcome == OutcomeFailed {
		details.Reason = obs.Description
	}

	return p.settle(ctx, log, obs.ExternalReference, outcome, details)
}

// Expire fails a payment nobody reported on in time. No provider row is
// written; the sweep is not an observation.
func (p *Processor) Expire(ctx context.Context, externalReference, reason string) (*ApplyResult, error) {
	log := logger.FromOr(ctx, p.logger).With(
		"external_reference", externalReference,
		"source", "sweep")
	return p.settle(ctx, log, externalReference, OutcomeFailed, OutcomeDetails{Reason: reason})
}

// Replay settles an attempt from observations recorded before the ledger
// row existed, such as a callback that beat the insert. The earliest final
// observation wins, as it would have when it arrived. Nothing new is recorded.
func (p *Processor) Replay(ctx context.Context, externalReference string) (*ApplyResult, error) {
	txs, err := p.repo.ListProviderTransactions(ctx, externalReference)
	if err != nil {
		return nil, err
	}

	for _, tx := range txs {
		outcome, final := OutcomeFromDerived(tx.DerivedStatus)
		if !final {
			continue
		}

		log := logger.FromOr(ctx, p.logger).With(
			"external_reference", externalReference,
			"source", "replay",
			"observation_id", tx.ID,
			"observed_via", tx.Source)

		details := OutcomeDetails{
			Receipt:    deref(tx.ReportedReceipt),
			ResultCode: deref(tx.RawStatusCode),
		}
		if tx.ReportedAmount != nil {
			amount := decimal.NewFromFloat(*tx.ReportedAmount)
			details.Amount = &amount
		}
		if outcome == OutcomeFailed {
			details.Reason = deref(tx.ReportedDesc)
		}

		log.Info("replaying recorded observation", "derived_status", tx.DerivedStatus)
		return p.settle(ctx, log, externalReference, outcome, details)
	}

	return &ApplyResult{}, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func (p *Processor) settle(ctx context.Context, log *slog.Logger, ref string, outcome Outcome, details OutcomeDetails) (*ApplyResult, error) {
	attempt, transitioned, err := p.repo.ApplyOutcome(ctx, ref, outcome, details)
	switch {
	case err == nil:
	case errors.Is(err, internal.ErrPaymentNotFound):
		log.Warn("observation for unknown payment", "error", err)
		return &ApplyResult{Rejection: err}, nil
	case errors.Is(err, internal.ErrInvalidTransition):
		current := ""
		if attempt != nil {
			current = string(attempt.Status)
		}
		log.Error("observation conflicts with ledger",
			"current_status", current,
			"attempted_status", targetStatus(outcome),
			"receipt_number", details.Receipt,
			"error", err)
		return &ApplyResult{Attempt: attempt, Rejection: err}, nil
	default:
		log.Error("failed to apply outcome", "error", err)
		return nil, err
	}

	if !transitioned {
		log.Info("duplicate observation ignored", "status", attempt.Status)
		return &ApplyResult{Attempt: attempt}, nil
	}

	log.Info("payment reached terminal status",
		"attempt_id", attempt.ID,
		"status", attempt.Status,
		"receipt_number", attempt.ReceiptNumber)
	publishOutcome(ctx, p.publisher, p.logger, attempt)

	return &ApplyResult{Attempt: attempt, Transitioned: true}, nil
}

func targetStatus(o Outcome) datamodel.Status {
	status, _ := o.TargetStatus()
	return status
}

func (p *Processor) record(ctx context.Context, obs Observation) error {
	tx := &datamodel.ProviderTransaction{
		ExternalReference: obs.ExternalReference,
		Source:            obs.Source,
		DerivedStatus:     obs.Derived,
		ReportedPhone:     optional(obs.Phone),
		ReportedReceipt:   optional(obs.Receipt),
		ReportedDesc:      optional(obs.Description),
		RawStatusCode:     optional(obs.ResultCode),
	}
	if obs.Amount != nil {
		f := obs.Amount.InexactFloat64()
		tx.ReportedAmount = &f
	}
	if len(obs.Raw) > 0 && json.Valid(obs.Raw) {
		tx.RawPayload = datatypes.JSON(obs.Raw)
	}

	if err := p.repo.AppendProviderTransaction(ctx, tx); err != nil {
		return internal.NewInternalError("failed to record provider observation", err)
	}
	return nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
