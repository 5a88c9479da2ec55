// Package notification fans terminal payment transitions out to merchant
// webhooks, an SQS queue and receipt storage, and keeps a delivery ledger so
// failed sends can be retried.
package notification

import (
	"context"
	"encoding/json"
	"time"

	datamodel "github.com/frahmantamala/mpesa-payments/internal/core/datamodel/notification"
	paymentmodel "github.com/frahmantamala/mpesa-payments/internal/core/datamodel/payment"
)

// Notice is what every channel receives for one outcome.
type Notice struct {
	DeliveryID int64
	EventID    string
	EventType  string
	OccurredAt time.Time
	Attempt    paymentmodel.Attempt
}

type noticeBody struct {
	DeliveryID int64                `json:"delivery_id"`
	EventID    string               `json:"event_id,omitempty"`
	EventType  string               `json:"event_type"`
	OccurredAt time.Time            `json:"occurred_at"`
	Payment    paymentmodel.Attempt `json:"payment"`
}

// Body is the JSON document sent to webhooks and queues.
func (n Notice) Body() ([]byte, error) {
	return json.Marshal(noticeBody{
		DeliveryID: n.DeliveryID,
		EventID:    n.EventID,
		EventType:  n.EventType,
		OccurredAt: n.OccurredAt.UTC(),
		Payment:    n.Attempt,
	})
}

type Notifier interface {
	Name() datamodel.Channel
	Notify(ctx context.Context, notice Notice) error
}

// Selective notifiers only take part in some outcomes.
type Selective interface {
	Wants(notice Notice) bool
}

// RetryPolicy spaces out redeliveries as base * 2^(attempts-1), capped.
type RetryPolicy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func (p RetryPolicy) Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := p.BaseBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if p.MaxBackoff > 0 && d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

func (p RetryPolicy) Exhausted(attempts int) bool {
	return attempts >= p.MaxAttempts
}
