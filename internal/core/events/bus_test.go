package events_test

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	datamodel "github.com/frahmantamala/mpesa-payments/internal/core/datamodel/payment"
	"github.com/frahmantamala/mpesa-payments/internal/core/events"
)

var _ = Describe("EventBus", func() {
	var (
		bus   *events.EventBus
		ctx   context.Context
		event events.Event
	)

	BeforeEach(func() {
		bus = events.NewEventBus(quietLogger())
		ctx = context.Background()
		event = events.BaseEvent{ID: "evt-1", Type: events.EventTypePaymentCompleted, Timestamp: time.Now()}
	})

	It("fans out to every subscriber and Wait blocks until they finish", func() {
		var calls atomic.Int32
		release := make(chan struct{})
		slow := func(context.Context, events.Event) error {
			<-release
			calls.Add(1)
			return nil
		}
		bus.Subscribe(events.EventTypePaymentCompleted, slow)
		bus.Subscribe(events.EventTypePaymentCompleted, slow)
		bus.Subscribe(events.EventTypePaymentFailed, slow)

		Expect(bus.Publish(ctx, event)).To(Succeed())
		Expect(calls.Load()).To(BeZero())

		close(release)
		bus.Wait()
		Expect(calls.Load()).To(Equal(int32(2)))
	})

	It("returns handler errors from PublishSync", func() {
		boom := errors.New("boom")
		bus.Subscribe(events.EventTypePaymentCompleted, func(context.Context, events.Event) error { return boom })

		err := bus.PublishSync(ctx, event)
		Expect(err).To(MatchError(boom))
		Expect(err.Error()).To(ContainSubstring(events.EventTypePaymentCompleted))
	})

	It("turns a panicking handler into an error", func() {
		var after atomic.Bool
		bus.SubscribeAll([]string{events.EventTypePaymentCompleted}, func(context.Context, events.Event) error {
			panic("handler exploded")
		})
		bus.Subscribe(events.EventTypePaymentFailed, func(context.Context, events.Event) error {
			after.Store(true)
			return nil
		})

		Expect(bus.PublishSync(ctx, event)).To(MatchError(ContainSubstring("handler exploded")))

		Expect(bus.Publish(ctx, event)).To(Succeed())
		bus.Wait()

		failed := events.BaseEvent{ID: "evt-2", Type: events.EventTypePaymentFailed}
		Expect(bus.Publish(ctx, failed)).To(Succeed())
		bus.Wait()
		Expect(after.Load()).To(BeTrue())
	})

	It("ignores events nobody listens to", func() {
		Expect(bus.PublishSync(ctx, event)).To(Succeed())
		Expect(bus.Publish(ctx, event)).To(Succeed())
		bus.Wait()
	})
})

var _ = Describe("Payment outcome events", func() {
	It("maps terminal statuses to event types", func() {
		Expect(events.EventTypeForStatus(datamodel.StatusCompleted)).To(Equal(events.EventTypePaymentCompleted))
		Expect(events.EventTypeForStatus(datamodel.StatusFailed)).To(Equal(events.EventTypePaymentFailed))
		Expect(events.EventTypeForStatus(datamodel.StatusRefunded)).To(Equal(events.EventTypePaymentRefunded))
		Expect(events.EventTypeForStatus(datamodel.StatusCancelled)).To(Equal(events.EventTypePaymentCancelled))
		Expect(events.EventTypeForStatus(datamodel.StatusPending)).To(BeEmpty())
	})

	It("snapshots the attempt", func() {
		reason := "timeout"
		evt := events.NewPaymentOutcomeEvent(datamodel.Attempt{
			ID:                "att-1",
			ExternalReference: "ws_CO_1",
			Status:            datamodel.StatusFailed,
			FailureReason:     &reason,
		})

		Expect(evt.EventType()).To(Equal(events.EventTypePaymentFailed))
		Expect(evt.EventID()).ToNot(BeEmpty())
		Expect(evt.Attempt.ExternalReference).To(Equal("ws_CO_1"))

		data, ok := evt.Payload().(map[string]interface{})
		Expect(ok).To(BeTrue())
		Expect(data).To(HaveKeyWithValue("failure_reason", "timeout"))
		Expect(data).To(HaveKeyWithValue("status", "FAILED"))
		Expect(data).ToNot(HaveKey("receipt_number"))
	})
})
