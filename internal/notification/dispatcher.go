package notification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	datamodel "github.com/frahmantamala/mpesa-payments/internal/core/datamodel/notification"
	paymentmodel "github.com/frahmantamala/mpesa-payments/internal/core/datamodel/payment"
	"github.com/frahmantamala/mpesa-payments/internal/core/events"
)

type DeliveryRepository interface {
	// Open records a pending delivery. It returns false when one already
	// exists for the same attempt, channel and event type.
	Open(ctx context.Context, delivery *datamodel.Delivery) (bool, error)
	MarkDelivered(ctx context.Context, id int64, attempts int) (bool, error)
	MarkFailed(ctx context.Context, id int64, attempts int, lastErr string, next *time.Time) (bool, error)
	FindDue(ctx context.Context, now time.Time, limit int) ([]datamodel.Delivery, error)
}

type AttemptReader interface {
	GetByID(ctx context.Context, id string) (*paymentmodel.Attempt, error)
}

type Subscriber interface {
	SubscribeAll(eventTypes []string, handler events.Handler)
}

type Dispatcher struct {
	notifiers  []Notifier
	byChannel  map[datamodel.Channel]Notifier
	deliveries DeliveryRepository
	attempts   AttemptReader
	policy     RetryPolicy
	logger     *slog.Logger
	now        func() time.Time
}

type DispatcherOption func(*Dispatcher)

func WithClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) { d.now = now }
}

func NewDispatcher(deliveries DeliveryRepository, attempts AttemptReader, policy RetryPolicy, logger *slog.Logger, notifiers []Notifier, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		notifiers:  notifiers,
		byChannel:  make(map[datamodel.Channel]Notifier, len(notifiers)),
		deliveries: deliveries,
		attempts:   attempts,
		policy:     policy,
		logger:     logger,
		now:        time.Now,
	}
	for _, n := range notifiers {
		d.byChannel[n.Name()] = n
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register subscribes the dispatcher to every payment outcome.
func (d *Dispatcher) Register(bus Subscriber) {
	bus.SubscribeAll(events.OutcomeEventTypes, d.Handle)
}

func (d *Dispatcher) Handle(ctx context.Context, event events.Event) error {
	outcome, ok := event.(*events.PaymentOutcomeEvent)
	if !ok {
		return fmt.Errorf("unexpected event %T for %s", event, event.EventType())
	}

	base := Notice{
		EventID:    outcome.EventID(),
		EventType:  outcome.EventType(),
		OccurredAt: outcome.OccurredAt(),
		Attempt:    outcome.Attempt,
	}
	now := d.now().UTC()
	// The inline send holds the row until the first backoff; RetryDue only
	// sees it if no result was ever recorded.
	lease := now.Add(d.policy.Backoff(1))

	var errs []error
	for _, n := range d.notifiers {
		if s, ok := n.(Selective); ok && !s.Wants(base) {
			continue
		}

		delivery := &datamodel.Delivery{
			AttemptID:         outcome.Attempt.ID,
			ExternalReference: outcome.Attempt.ExternalReference,
			Channel:           n.Name(),
			EventType:         outcome.EventType(),
			Status:            datamodel.DeliveryPending,
			NextAttemptAt:     &lease,
		}
		created, err := d.deliveries.Open(ctx, delivery)
		if err != nil {
			errs = append(errs, fmt.Errorf("open %s delivery: %w", n.Name(), err))
			continue
		}
		if !created {
			d.logger.Debug("delivery already recorded",
				"external_reference", delivery.ExternalReference,
				"channel", delivery.Channel,
				"event_type", delivery.EventType)
			continue
		}

		notice := base
		notice.DeliveryID = delivery.ID
		if _, err := d.deliver(ctx, n, *delivery, notice, now); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

type deliveryResult int

const (
	resultDelivered deliveryResult = iota
	resultRescheduled
	resultExhausted
	resultStale
)

// deliver sends once and records the result against the attempts count the
// delivery was read with.
func (d *Dispatcher) deliver(ctx context.Context, n Notifier, delivery datamodel.Delivery, notice Notice, now time.Time) (deliveryResult, error) {
	sendErr := n.Notify(ctx, notice)
	attempts := delivery.Attempts + 1

	log := d.logger.With(
		"delivery_id", delivery.ID,
		"external_reference", delivery.ExternalReference,
		"channel", delivery.Channel,
		"event_type", delivery.EventType,
		"attempts", attempts)

	if sendErr == nil {
		ok, err := d.deliveries.MarkDelivered(ctx, delivery.ID, delivery.Attempts)
		if err != nil {
			return resultDelivered, fmt.Errorf("mark delivery %d delivered: %w", delivery.ID, err)
		}
		if !ok {
			log.Warn("delivery changed while sending")
			return resultStale, nil
		}
		log.Info("notification delivered")
		return resultDelivered, nil
	}

	var next *time.Time
	result := resultExhausted
	if !d.policy.Exhausted(attempts) {
		at := now.Add(d.policy.Backoff(attempts))
		next = &at
		result = resultRescheduled
	}

	ok, err := d.deliveries.MarkFailed(ctx, delivery.ID, delivery.Attempts, sendErr.Error(), next)
	if err != nil {
		return result, fmt.Errorf("mark delivery %d failed: %w", delivery.ID, err)
	}
	if !ok {
		log.Warn("delivery changed while sending")
		return resultStale, nil
	}

	if result == resultExhausted {
		log.Error("notification delivery exhausted, giving up", "error", sendErr)
	} else {
		log.Warn("notification delivery failed, will retry", "error", sendErr, "next_attempt_at", next)
	}
	return result, nil
}

type RetryReport struct {
	Due         int
	Delivered   int
	Rescheduled int
	Exhausted   int
	Err         error
}

// RetryDue resends every pending delivery whose next attempt is due.
func (d *Dispatcher) RetryDue(ctx context.Context, now time.Time, limit int) RetryReport {
	var report RetryReport
	now = now.UTC()

	due, err := d.deliveries.FindDue(ctx, now, limit)
	if err != nil {
		report.Err = fmt.Errorf("find due deliveries: %w", err)
		return report
	}
	report.Due = len(due)

	var errs []error
	for _, delivery := range due {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}

		n, ok := d.byChannel[delivery.Channel]
		if !ok {
			errs = append(errs, fmt.Errorf("delivery %d: no notifier for channel %s", delivery.ID, delivery.Channel))
			continue
		}

		attempt, err := d.attempts.GetByID(ctx, delivery.AttemptID)
		if err != nil {
			errs = append(errs, fmt.Errorf("delivery %d: load payment: %w", delivery.ID, err))
			continue
		}

		notice := Notice{
			DeliveryID: delivery.ID,
			EventType:  delivery.EventType,
			OccurredAt: delivery.CreatedAt,
			Attempt:    *attempt,
		}
		result, err := d.deliver(ctx, n, delivery, notice, now)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		switch result {
		case resultDelivered:
			report.Delivered++
		case resultRescheduled:
			report.Rescheduled++
		case resultExhausted:
			report.Exhausted++
		}
	}

	report.Err = errors.Join(errs...)
	return report
}
