package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"gorm.io/gorm"

	"github.com/frahmantamala/mpesa-payments/internal"
	datamodel "github.com/frahmantamala/mpesa-payments/internal/core/datamodel/payment"
	paymentpkg "github.com/frahmantamala/mpesa-payments/internal/payment"
)

const defaultBatchSize = 100

type Option func(*PaymentRepository)

// WithClock replaces time.Now for timestamps and age cutoffs.
func WithClock(now func() time.Time) Option {
	return func(r *PaymentRepository) {
		r.now = now
	}
}

// WithBatchSize caps how many rows the reconciliation finders return.
func WithBatchSize(n int) Option {
	return func(r *PaymentRepository) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

// PaymentRepository is the ledger. Writes go through gorm; the audit trail
// is read back through sqlx on the same connection pool.
type PaymentRepository struct {
	db        *gorm.DB
	audit     *sqlx.DB
	now       func() time.Time
	batchSize int
}

func NewPaymentRepository(db *gorm.DB, opts ...Option) (*PaymentRepository, error) {
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("payment repository: %w", err)
	}

	r := &PaymentRepository{
		db:        db,
		audit:     sqlx.NewDb(sqlDB, sqlxDriverName(db.Dialector.Name())),
		now:       time.Now,
		batchSize: defaultBatchSize,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

var _ paymentpkg.RepositoryAPI = (*PaymentRepository)(nil)

func sqlxDriverName(dialect string) string {
	if dialect == "sqlite" {
		return "sqlite3"
	}
	return dialect
}

func (r *PaymentRepository) timestamp() time.Time {
	return r.now().UTC()
}

func (r *PaymentRepository) Create(ctx context.Context, in paymentpkg.NewAttempt) (*datamodel.Attempt, error) {
	now := r.timestamp()
	currency := in.Currency
	if currency == "" {
		currency = "KES"
	}

	attempt := &datamodel.Attempt{
		ID:                uuid.New().String(),
		ExternalReference: in.ExternalReference,
		MerchantRequestID: in.MerchantRequestID,
		AccountReference:  in.AccountReference,
		Description:       in.Description,
		OwnerID:           in.OwnerID,
		Phone:             in.Phone,
		Amount:            in.Amount,
		Currency:          currency,
		Status:            datamodel.StatusPending,
		WebhookURL:        in.WebhookURL,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	err := r.db.WithContext(ctx).Create(attempt).Error
	if err == nil {
		return attempt, nil
	}

	if errors.Is(err, gorm.ErrDuplicatedKey) || r.referenceExists(ctx, in.ExternalReference) {
		return nil, internal.NewConflictError(
			fmt.Sprintf("a payment with reference %s already exists", in.ExternalReference),
			internal.ErrCodeDuplicateReference)
	}
	return nil, fmt.Errorf("create payment attempt: %w", err)
}

func (r *PaymentRepository) referenceExists(ctx context.Context, ref string) bool {
	var count int64
	err := r.db.WithContext(ctx).Model(&datamodel.Attempt{}).
		Where("external_reference = ?", ref).
		Count(&count).Error
	return err == nil && count > 0
}

// ApplyOutcome moves a PENDING attempt to its terminal status with a single
// conditional update, so concurrent deliveries of the same outcome cannot both
// win. Exactly one caller sees transitioned=true.
func (r *PaymentRepository) ApplyOutcome(ctx context.Context, ref string, outcome paymentpkg.Outcome, d paymentpkg.OutcomeDetails) (*datamodel.Attempt, bool, error) {
	target, ok := outcome.TargetStatus()
	if !ok {
		return nil, false, internal.NewValidationError(fmt.Sprintf("unknown outcome %q", outcome), internal.ErrCodeInvalidOutcome)
	}

	now := r.timestamp()
	updates := map[string]interface{}{
		"status":     string(target),
		"updated_at": now,
	}
	if d.ResultCode != "" {
		updates["result_code"] = d.ResultCode
	}
	switch target {
	case datamodel.StatusCompleted:
		updates["receipt_number"] = d.Receipt
		updates["completed_at"] = now
	case datamodel.StatusFailed:
		if d.Reason != "" {
			updates["failure_reason"] = d.Reason
		}
	}

	q := r.db.WithContext(ctx).Model(&datamodel.Attempt{}).
		Where("external_reference = ? AND status = ?", ref, string(datamodel.StatusPending))

	amountMismatch := false
	if target == datamodel.StatusCompleted && d.Amount != nil {
		if !d.Amount.Equal(d.Amount.Truncate(0)) {
			amountMismatch = true
		} else {
			q = q.Where("amount = ?", d.Amount.IntPart())
		}
	}

	var affected int64
	if !amountMismatch {
		res := q.Updates(updates)
		if res.Error != nil {
			return nil, false, fmt.Errorf("apply outcome to %s: %w", ref, res.Error)
		}
		affected = res.RowsAffected
	}

	current, err := r.GetByReference(ctx, ref)
	if err != nil {
		return nil, false, err
	}
	if affected > 0 {
		return current, true, nil
	}

	if current.Status == target && replayMatches(current, d) {
		return current, false, nil
	}

	details := internal.TransitionDetails{
		ExternalReference: ref,
		CurrentStatus:     string(current.Status),
		AttemptedStatus:   string(target),
	}
	if current.Status == datamodel.StatusPending && d.Amount != nil {
		details.Reason = fmt.Sprintf("reported amount %s does not match %d", d.Amount.String(), current.Amount)
	}
	return current, false, internal.NewInvalidTransitionError(details)
}

// replayMatches reports whether a repeated outcome agrees with what is stored.
func replayMatches(current *datamodel.Attempt, d paymentpkg.OutcomeDetails) bool {
	if current.Status != datamodel.StatusCompleted {
		return true
	}
	if d.Receipt != "" && current.ReceiptNumber != "" && d.Receipt != current.ReceiptNumber {
		return false
	}
	if d.Amount != nil && d.Amount.IntPart() != current.Amount {
		return false
	}
	return true
}

func (r *PaymentRepository) Refund(ctx context.Context, id, reason, actor string) (*datamodel.Attempt, error) {
	now := r.timestamp()
	updates := map[string]interface{}{
		"status":        string(datamodel.StatusRefunded),
		"refund_reason": reason,
		"refunded_at":   now,
		"refunded_by":   actor,
		"updated_at":    now,
	}
	return r.adminTransition(ctx, id, datamodel.StatusCompleted, datamodel.StatusRefunded, updates)
}

func (r *PaymentRepository) Cancel(ctx context.Context, id, reason, actor string) (*datamodel.Attempt, error) {
	now := r.timestamp()
	updates := map[string]interface{}{
		"status":         string(datamodel.StatusCancelled),
		"failure_reason": fmt.Sprintf("cancelled by %s: %s", actor, reason),
		"updated_at":     now,
	}
	return r.adminTransition(ctx, id, datamodel.StatusPending, datamodel.StatusCancelled, updates)
}

func (r *PaymentRepository) adminTransition(ctx context.Context, id string, from, to datamodel.Status, updates map[string]interface{}) (*datamodel.Attempt, error) {
	res := r.db.WithContext(ctx).Model(&datamodel.Attempt{}).
		Where("id = ? AND status = ?", id, string(from)).
		Updates(updates)
	if res.Error != nil {
		return nil, fmt.Errorf("move payment %s to %s: %w", id, to, res.Error)
	}

	current, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if res.RowsAffected == 0 {
		return current, internal.NewInvalidStateError(internal.TransitionDetails{
			ExternalReference: current.ExternalReference,
			CurrentStatus:     string(current.Status),
			AttemptedStatus:   string(to),
		})
	}
	return current, nil
}

func (r *PaymentRepository) GetByID(ctx context.Context, id string) (*datamodel.Attempt, error) {
	var a datamodel.Attempt
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&a).Error
	if err != nil {
		return nil, notFound(err, "payment "+id)
	}
	return &a, nil
}

func (r *PaymentRepository) GetByReference(ctx context.Context, ref string) (*datamodel.Attempt, error) {
	var a datamodel.Attempt
	err := r.db.WithContext(ctx).Where("external_reference = ?", ref).First(&a).Error
	if err != nil {
		return nil, notFound(err, "payment with reference "+ref)
	}
	return &a, nil
}

func notFound(err error, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return internal.NewNotFoundError(what+" not found", internal.ErrCodePaymentNotFound)
	}
	return fmt.Errorf("load %s: %w", what, err)
}

func (r *PaymentRepository) List(ctx context.Context, f paymentpkg.ListFilter) ([]datamodel.Attempt, int64, error) {
	q := r.db.WithContext(ctx).Model(&datamodel.Attempt{})
	if f.OwnerID != "" {
		q = q.Where("owner_id = ?", f.OwnerID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", string(f.Status))
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count payment attempts: %w", err)
	}

	limit := f.Limit
	if limit <= 0 || limit > r.batchSize {
		limit = r.batchSize
	}

	var attempts []datamodel.Attempt
	err := q.Order("created_at DESC").Limit(limit).Offset(f.Offset).Find(&attempts).Error
	if err != nil {
		return nil, 0, fmt.Errorf("list payment attempts: %w", err)
	}
	return attempts, total, nil
}

// FindStalePending returns PENDING attempts last touched before cutoff, oldest first.
func (r *PaymentRepository) FindStalePending(ctx context.Context, cutoff time.Time) ([]datamodel.Attempt, error) {
	var attempts []datamodel.Attempt
	err := r.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", string(datamodel.StatusPending), cutoff.UTC()).
		Order("updated_at ASC").
		Limit(r.batchSize).
		Find(&attempts).Error
	if err != nil {
		return nil, fmt.Errorf("find stale pending attempts: %w", err)
	}
	return attempts, nil
}

// FindActivePending returns PENDING attempts created in (createdAfter, createdBefore].
func (r *PaymentRepository) FindActivePending(ctx context.Context, createdAfter, createdBefore time.Time) ([]datamodel.Attempt, error) {
	var attempts []datamodel.Attempt
	err := r.db.WithContext(ctx).
		Where("status = ? AND created_at <= ? AND created_at > ?",
			string(datamodel.StatusPending), createdBefore.UTC(), createdAfter.UTC()).
		Order("created_at ASC").
		Limit(r.batchSize).
		Find(&attempts).Error
	if err != nil {
		return nil, fmt.Errorf("find active pending attempts: %w", err)
	}
	return attempts, nil
}

func (r *PaymentRepository) AppendProviderTransaction(ctx context.Context, tx *datamodel.ProviderTransaction) error {
	if tx.ReceivedAt.IsZero() {
		tx.ReceivedAt = r.timestamp()
	}
	if err := r.db.WithContext(ctx).Create(tx).Error; err != nil {
		return fmt.Errorf("append provider transaction for %s: %w", tx.ExternalReference, err)
	}
	return nil
}

const listProviderTransactionsQuery = `
SELECT id, external_reference, source, reported_amount, reported_phone, reported_receipt,
       reported_desc, raw_status_code, derived_status, raw_payload, received_at
FROM provider_transactions
WHERE external_reference = ?
ORDER BY received_at ASC, id ASC`

func (r *PaymentRepository) ListProviderTransactions(ctx context.Context, ref string) ([]datamodel.ProviderTransaction, error) {
	txs := []datamodel.ProviderTransaction{}
	if err := r.audit.SelectContext(ctx, &txs, r.audit.Rebind(listProviderTransactionsQuery), ref); err != nil {
		return nil, fmt.Errorf("list provider transactions for %s: %w", ref, err)
	}
	return txs, nil
}
