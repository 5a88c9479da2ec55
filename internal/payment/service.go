package payment

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/frahmantamala/mpesa-payments/internal"
	"github.com/frahmantamala/mpesa-payments/internal/auth"
	datamodel "github.com/frahmantamala/mpesa-payments/internal/core/datamodel/payment"
	"github.com/frahmantamala/mpesa-payments/internal/core/events"
	"github.com/frahmantamala/mpesa-payments/internal/paymentgateway"
)

type ServiceAPI interface {
	Initiate(ctx context.Context, identity auth.Identity, req InitiatePaymentRequest) (*InitiatePaymentResponse, error)
	Get(ctx context.Context, identity auth.Identity, externalReference string) (*datamodel.Attempt, error)
	List(ctx context.Context, identity auth.Identity, query ListPaymentsQuery) (*PaymentListResponse, error)
	ListTransactions(ctx context.Context, identity auth.Identity, externalReference string) (*ProviderTransactionResponse, error)
	Refund(ctx context.Context, identity auth.Identity, id string, req RefundRequest) (*datamodel.Attempt, error)
	Cancel(ctx context.Context, identity auth.Identity, id string, req CancelRequest) (*datamodel.Attempt, error)
	Resolve(ctx context.Context, identity auth.Identity, externalReference string, req ResolveRequest) (*ResolveResponse, error)
}

type Service struct {
	repo       RepositoryAPI
	gateway    GatewayAPI
	processor  *Processor
	authorizer Authorizer
	publisher  Publisher
	logger     *slog.Logger
	now        func() time.Time
}

func NewService(repo RepositoryAPI, gateway GatewayAPI, processor *Processor, authorizer Authorizer, publisher Publisher, logger *slog.Logger) *Service {
	return &Service{
		repo:       repo,
		gateway:    gateway,
		processor:  processor,
		authorizer: authorizer,
		publisher:  publisher,
		logger:     logger,
		now:        time.Now,
	}
}

var _ ServiceAPI = (*Service)(nil)

// Initiate asks the gateway for an STK push and records the attempt under the
// CheckoutRequestID it returns. Nothing is stored when the gateway does not
// confirm the push.
func (s *Service) Initiate(ctx context.Context, identity auth.Identity, req InitiatePaymentRequest) (*InitiatePaymentResponse, error) {
	if err := s.authorizer.Authorize(ctx, identity, auth.ActionInitiate); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	phone, err := paymentgateway.NormalizePhone(req.Phone)
	if err != nil {
		return nil, err
	}

	res, err := s.gateway.InitiatePayment(ctx, paymentgateway.InitiateRequest{
		Amount:      req.Amount,
		Phone:       phone,
		Reference:   req.Reference,
		Description: req.Description,
	})
	if err != nil {
		if errors.Is(err, internal.ErrGatewayUnavailable) {
			s.logger.Warn("gateway did not confirm STK push",
				"owner_id", identity.Subject,
				"reference", req.Reference,
				"phone", paymentgateway.MaskPhone(phone),
				"error", err)
			return nil, internal.NewGatewayUnavailableError(
				"could not confirm the payment request with the gateway, check status later", err)
		}
		s.logger.Error("STK push failed", "owner_id", identity.Subject, "reference", req.Reference, "error", err)
		return nil, err
	}

	attempt, err := s.repo.Create(ctx, NewAttempt{
		ExternalReference: res.ExternalReference,
		MerchantRequestID: res.MerchantRequestID,
		AccountReference:  req.Reference,
		Description:       req.Description,
		OwnerID:           identity.Subject,
		Phone:             phone,
		Amount:            req.Amount,
		Currency:          req.Currency,
		WebhookURL:        req.WebhookURL,
	})
	if err != nil {
		// The customer already has a prompt; the active poll will find it.
		s.logger.Error("STK push accepted but payment could not be recorded",
			"external_reference", res.ExternalReference,
			"owner_id", identity.Subject,
			"error", err)
		return nil, err
	}

	// The gateway may have called back before the insert committed.
	if s.processor != nil {
		replayed, err := s.processor.Replay(ctx, attempt.ExternalReference)
		switch {
		case err != nil:
			s.logger.Error("failed to replay early observations",
				"external_reference", attempt.ExternalReference,
				"error", err)
		case replayed.Transitioned:
			attempt = replayed.Attempt
		}
	}

	s.logger.Info("payment initiated",
		"attempt_id", attempt.ID,
		"external_reference", attempt.ExternalReference,
		"owner_id", attempt.OwnerID,
		"amount", attempt.Amount,
		"status", attempt.Status)

	return &InitiatePaymentResponse{
		ID:                attempt.ID,
		ExternalReference: attempt.ExternalReference,
		MerchantRequestID: attempt.MerchantRequestID,
		Status:            attempt.Status,
		CustomerMessage:   res.CustomerMessage,
	}, nil
}

func (s *Service) canViewAll(ctx context.Context, identity auth.Identity) bool {
	return s.authorizer.Authorize(ctx, identity, auth.ActionViewAll) == nil
}

// Get hides other owners' payments behind a not found error.
func (s *Service) Get(ctx context.Context, identity auth.Identity, ref string) (*datamodel.Attempt, error) {
	attempt, err := s.repo.GetByReference(ctx, ref)
	if err != nil {
		return nil, err
	}
	if attempt.OwnerID != identity.Subject && !s.canViewAll(ctx, identity) {
		return nil, internal.NewNotFoundError("payment with reference "+ref+" not found", internal.ErrCodePaymentNotFound)
	}
	return attempt, nil
}

func (s *Service) List(ctx context.Context, identity auth.Identity, q ListPaymentsQuery) (*PaymentListResponse, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	filter := ListFilter{
		OwnerID: q.OwnerID,
		Status:  datamodel.Status(q.Status),
		Limit:   q.Limit,
		Offset:  q.Offset,
	}
	if !s.canViewAll(ctx, identity) {
		filter.OwnerID = identity.Subject
	}

	items, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	return &PaymentListResponse{Items: items, Total: total, Limit: q.Limit, Offset: q.Offset}, nil
}

func (s *Service) ListTransactions(ctx context.Context, identity auth.Identity, ref string) (*ProviderTransactionResponse, error) {
	if _, err := s.Get(ctx, identity, ref); err != nil {
		return nil, err
	}
	txs, err := s.repo.ListProviderTransactions(ctx, ref)
	if err != nil {
		return nil, err
	}
	return &ProviderTransactionResponse{ExternalReference: ref, Transactions: txs}, nil
}

func (s *Service) Refund(ctx context.Context, identity auth.Identity, id string, req RefundRequest) (*datamodel.Attempt, error) {
	if err := s.authorizer.Authorize(ctx, identity, auth.ActionRefund); err != nil {
		s.logger.Warn("refund denied", "attempt_id", id, "actor", identity.Subject)
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	attempt, err := s.repo.Refund(ctx, id, req.Reason, identity.Subject)
	if err != nil {
		s.logTransitionFailure("refund rejected", id, datamodel.StatusRefunded, err)
		return nil, err
	}

	s.logger.Info("payment refunded",
		"attempt_id", attempt.ID,
		"external_reference", attempt.ExternalReference,
		"actor", identity.Subject)
	publishOutcome(ctx, s.publisher, s.logger, attempt)
	return attempt, nil
}

func (s *Service) Cancel(ctx context.Context, identity auth.Identity, id string, req CancelRequest) (*datamodel.Attempt, error) {
	if err := s.authorizer.Authorize(ctx, identity, auth.ActionCancel); err != nil {
		s.logger.Warn("cancel denied", "attempt_id", id, "actor", identity.Subject)
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	attempt, err := s.repo.Cancel(ctx, id, req.Reason, identity.Subject)
	if err != nil {
		s.logTransitionFailure("cancel rejected", id, datamodel.StatusCancelled, err)
		return nil, err
	}

	s.logger.Info("payment cancelled",
		"attempt_id", attempt.ID,
		"external_reference", attempt.ExternalReference,
		"actor", identity.Subject)
	publishOutcome(ctx, s.publisher, s.logger, attempt)
	return attempt, nil
}

// Resolve applies an operator-supplied outcome through the same path as a
// callback, so it is recorded as a manual provider transaction.
func (s *Service) Resolve(ctx context.Context, identity auth.Identity, ref string, req ResolveRequest) (*ResolveResponse, error) {
	if err := s.authorizer.Authorize(ctx, identity, auth.ActionResolve); err != nil {
		s.logger.Warn("resolve denied", "external_reference", ref, "actor", identity.Subject)
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	derived := datamodel.DerivedFailed
	if Outcome(req.Outcome) == OutcomeSuccess {
		derived = datamodel.DerivedSuccess
	}

	raw, err := json.Marshal(map[string]interface{}{
		"resolved_by": identity.Subject,
		"outcome":     req.Outcome,
		"receipt":     req.Receipt,
		"amount":      req.Amount,
		"reason":      req.Reason,
		"request_id":  uuid.NewString(),
	})
	if err != nil {
		return nil, internal.NewInternalError("failed to encode resolution", err)
	}

	obs := Observation{
		ExternalReference: ref,
		Source:            datamodel.SourceManual,
		Derived:           derived,
		Description:       req.Reason,
		Receipt:           req.Receipt,
		Raw:               raw,
	}
	if req.Amount != nil {
		amount := decimal.NewFromInt(*req.Amount)
		obs.Amount = &amount
	}

	result, err := s.processor.Apply(ctx, obs)
	if err != nil {
		return nil, err
	}
	if result.Rejection != nil {
		return nil, result.Rejection
	}

	s.logger.Info("payment resolved manually",
		"external_reference", ref,
		"outcome", req.Outcome,
		"transitioned", result.Transitioned,
		"actor", identity.Subject)

	return &ResolveResponse{
		Payment:      result.Attempt,
		Transitioned: result.Transitioned,
		ResolvedAt:   s.now().UTC(),
	}, nil
}

func (s *Service) logTransitionFailure(msg, id string, attempted datamodel.Status, err error) {
	attrs := []any{"attempt_id", id, "attempted_status", attempted, "error", err}
	if appErr, ok := internal.IsAppError(err); ok {
		if details, ok := appErr.Details.(internal.TransitionDetails); ok {
			attrs = append(attrs,
				"external_reference", details.ExternalReference,
				"current_status", details.CurrentStatus)
		}
	}
	s.logger.Warn(msg, attrs...)
}

// publishOutcome detaches from the caller so a client hanging up does not
// cancel downstream notification.
func publishOutcome(ctx context.Context, publisher Publisher, logger *slog.Logger, attempt *datamodel.Attempt) {
	if publisher == nil {
		return
	}
	event := events.NewPaymentOutcomeEvent(*attempt)
	if err := publisher.Publish(context.WithoutCancel(ctx), event); err != nil {
		logger.Error("failed to publish payment outcome",
			"external_reference", attempt.ExternalReference,
			"event_type", event.EventType(),
			"error", err)
	}
}
