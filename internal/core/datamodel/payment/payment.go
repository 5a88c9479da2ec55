package payment

import (
	"time"

	"gorm.io/datatypes"
)

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
	StatusRefunded  Status = "REFUNDED"
)

func (s Status) IsTerminal() bool {
	return s != StatusPending
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusCompleted, StatusFailed, StatusCancelled, StatusRefunded:
		return true
	}
	return false
}

// Attempt is the canonical ledger row for one STK push session.
type Attempt struct {
	ID                string     `gorm:"column:id;primaryKey;type:varchar(36)" json:"id"`
	ExternalReference string     `gorm:"column:external_reference;not null;uniqueIndex" json:"external_reference"`
	MerchantRequestID string     `gorm:"column:merchant_request_id" json:"merchant_request_id,omitempty"`
	AccountReference  string     `gorm:"column:account_reference" json:"account_reference"`
	Description       string     `gorm:"column:description" json:"description,omitempty"`
	OwnerID           string     `gorm:"column:owner_id;not null;index" json:"owner_id"`
	Phone             string     `gorm:"column:phone;not null" json:"phone"`
	Amount            int64      `gorm:"column:amount;not null" json:"amount"`
	Currency          string     `gorm:"column:currency;not null;default:KES" json:"currency"`
	Status            Status     `gorm:"column:status;not null;index:idx_attempt_status_updated,priority:1" json:"status"`
	ReceiptNumber     string     `gorm:"column:receipt_number" json:"receipt_number,omitempty"`
	ResultCode        *string    `gorm:"column:result_code" json:"result_code,omitempty"`
	FailureReason     *string    `gorm:"column:failure_reason" json:"failure_reason,omitempty"`
	WebhookURL        *string    `gorm:"column:webhook_url" json:"webhook_url,omitempty"`
	CompletedAt       *time.Time `gorm:"column:completed_at" json:"completed_at,omitempty"`
	RefundReason      *string    `gorm:"column:refund_reason" json:"refund_reason,omitempty"`
	RefundedAt        *time.Time `gorm:"column:refunded_at" json:"refunded_at,omitempty"`
	RefundedBy        *string    `gorm:"column:refunded_by" json:"refunded_by,omitempty"`
	CreatedAt         time.Time  `gorm:"column:created_at;not null" json:"created_at"`
	UpdatedAt         time.Time  `gorm:"column:updated_at;not null;index:idx_attempt_status_updated,priority:2" json:"updated_at"`
}

func (Attempt) TableName() string {
	return "payment_attempts"
}

type DerivedStatus string

const (
	DerivedSuccess DerivedStatus = "SUCCESS"
	DerivedFailed  DerivedStatus = "FAILED"
	DerivedPending DerivedStatus = "PENDING"
)

type Source string

const (
	SourceCallback Source = "callback"
	SourcePoll     Source = "poll"
	SourceManual   Source = "manual"
)

// ProviderTransaction is an append-only record of what the gateway reported.
type ProviderTransaction struct {
	ID                int64          `gorm:"column:id;primaryKey;autoIncrement" json:"id" db:"id"`
	ExternalReference string         `gorm:"column:external_reference;not null;index" json:"external_reference" db:"external_reference"`
	Source            Source         `gorm:"column:source;not null" json:"source" db:"source"`
	ReportedAmount    *float64       `gorm:"column:reported_amount" json:"reported_amount,omitempty" db:"reported_amount"`
	ReportedPhone     *string        `gorm:"column:reported_phone" json:"reported_phone,omitempty" db:"reported_phone"`
	ReportedReceipt   *string        `gorm:"column:reported_receipt" json:"reported_receipt,omitempty" db:"reported_receipt"`
	ReportedDesc      *string        `gorm:"column:reported_desc" json:"reported_desc,omitempty" db:"reported_desc"`
	RawStatusCode     *string        `gorm:"column:raw_status_code" json:"raw_status_code,omitempty" db:"raw_status_code"`
	DerivedStatus     DerivedStatus  `gorm:"column:derived_status;not null" json:"derived_status" db:"derived_status"`
	RawPayload        datatypes.JSON `gorm:"column:raw_payload" json:"raw_payload,omitempty" db:"raw_payload"`
	ReceivedAt        time.Time      `gorm:"column:received_at;not null" json:"received_at" db:"received_at"`
}

func (ProviderTransaction) TableName() string {
	return "provider_transactions"
}
