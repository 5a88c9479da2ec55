package payment_test

import (
	"context"
	"errors"
	"fmt"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/frahmantamala/mpesa-payments/internal"
	datamodel "github.com/frahmantamala/mpesa-payments/internal/core/datamodel/payment"
	"github.com/frahmantamala/mpesa-payments/internal/core/events"
	paymentPkg "github.com/frahmantamala/mpesa-payments/internal/payment"
)

func successCallback(ref string, amount int64, receipt string) []byte {
	return []byte(fmt.Sprintf(`{
	  "Body": {
	    "stkCallback": {
	      "MerchantRequestID": "29115-34620561-1",
	      "CheckoutRequestID": %q,
	      "ResultCode": 0,
	      "ResultDesc": "The service request is processed successfully.",
	      "CallbackMetadata": {
	        "Item": [
	          {"Name": "Amount", "Value": %d.00},
	          {"Name": "MpesaReceiptNumber", "Value": %q},
	          {"Name": "TransactionDate", "Value": 20250301093015},
	          {"Name": "PhoneNumber", "Value": 254712345678}
	        ]
	      }
	    }
	  }
	}`, ref, amount, receipt))
}

func failedCallback(ref string, code int, desc string) []byte {
	return []byte(fmt.Sprintf(`{"Body":{"stkCallback":{"MerchantRequestID":"m","CheckoutRequestID":%q,"ResultCode":%d,"ResultDesc":%q}}}`, ref, code, desc))
}

var _ = Describe("Processor", func() {
	var (
		l         *ledger
		publisher *recordingPublisher
		processor *paymentPkg.Processor
		ctx       context.Context
		attempt   *datamodel.Attempt
	)

	const ref = "ws_CO_01032025093000123456"

	BeforeEach(func() {
		l = newLedger()
		publisher = &recordingPublisher{}
		processor = paymentPkg.NewProcessor(l.repo, publisher, quietLogger())
		ctx = context.Background()

		var err error
		attempt, err = l.repo.Create(ctx, paymentPkg.NewAttempt{
			ExternalReference: ref,
			OwnerID:           "user-1",
			Phone:             "254712345678",
			Amount:            100,
		})
		Expect(err).ToNot(HaveOccurred())
	})

	Describe("HandleCallback", func() {
		It("completes the payment and publishes one event", func() {
			result, err := processor.HandleCallback(ctx, successCallback(ref, 100, "NLJ7RT61SV"))

			Expect(err).ToNot(HaveOccurred())
			Expect(result.Transitioned).To(BeTrue())
			Expect(result.Attempt.Status).To(Equal(datamodel.StatusCompleted))
			Expect(result.Attempt.ReceiptNumber).To(Equal("NLJ7RT61SV"))
			Expect(publisher.Types()).To(Equal([]string{events.EventTypePaymentCompleted}))

			txs, err := l.repo.ListProviderTransactions(ctx, ref)
			Expect(err).ToNot(HaveOccurred())
			Expect(txs).To(HaveLen(1))
			Expect(txs[0].Source).To(Equal(datamodel.SourceCallback))
			Expect(*txs[0].ReportedAmount).To(Equal(100.0))
			Expect(*txs[0].ReportedPhone).To(Equal("254712345678"))
			Expect(*txs[0].RawStatusCode).To(Equal("0"))
		})

		It("is idempotent for a redelivered callback", func() {
			body := successCallback(ref, 100, "NLJ7RT61SV")

			first, err := processor.HandleCallback(ctx, body)
			Expect(err).ToNot(HaveOccurred())
			second, err := processor.HandleCallback(ctx, body)
			Expect(err).ToNot(HaveOccurred())

			Expect(first.Transitioned).To(BeTrue())
			Expect(second.Transitioned).To(BeFalse())
			Expect(second.Rejection).To(BeNil())
			Expect(second.Attempt.UpdatedAt).To(BeTemporally("==", first.Attempt.UpdatedAt))
			Expect(publisher.Types()).To(HaveLen(1))
			Expect(l.providerRows(ref)).To(Equal(int64(2)))
		})

		It("records but refuses a conflicting callback", func() {
			_, err := processor.HandleCallback(ctx, successCallback(ref, 100, "NLJ7RT61SV"))
			Expect(err).ToNot(HaveOccurred())

			result, err := processor.HandleCallback(ctx, failedCallback(ref, 1032, "Request cancelled by user"))
			Expect(err).ToNot(HaveOccurred())
			Expect(errors.Is(result.Rejection, internal.ErrInvalidTransition)).To(BeTrue())
			Expect(result.Attempt.Status).To(Equal(datamodel.StatusCompleted))
			Expect(publisher.Types()).To(HaveLen(1))
			Expect(l.providerRows(ref)).To(Equal(int64(2)))
		})

		It("never resurrects a failed payment", func() {
			_, _, err := l.repo.ApplyOutcome(ctx, ref, paymentPkg.OutcomeFailed, paymentPkg.OutcomeDetails{Reason: "timeout"})
			Expect(err).ToNot(HaveOccurred())

			result, err := processor.HandleCallback(ctx, successCallback(ref, 100, "LATE000001"))
			Expect(err).ToNot(HaveOccurred())
			Expect(errors.Is(result.Rejection, internal.ErrInvalidTransition)).To(BeTrue())

			current, err := l.repo.GetByReference(ctx, ref)
			Expect(err).ToNot(HaveOccurred())
			Expect(current.Status).To(Equal(datamodel.StatusFailed))
			Expect(current.ReceiptNumber).To(BeEmpty())
			Expect(publisher.Types()).To(BeEmpty())
		})

		DescribeTable("never reopens a refunded or cancelled payment",
			func(settle func() error, body func() []byte, status datamodel.Status) {
				Expect(settle()).To(Succeed())

				result, err := processor.HandleCallback(ctx, body())
				Expect(err).ToNot(HaveOccurred())
				Expect(errors.Is(result.Rejection, internal.ErrInvalidTransition)).To(BeTrue())

				current, err := l.repo.GetByReference(ctx, ref)
				Expect(err).ToNot(HaveOccurred())
				Expect(current.Status).To(Equal(status))
				Expect(publisher.Types()).To(BeEmpty())
			},
			Entry("refunded, late success",
				func() error { return refund(ctx, l, ref, attempt.ID) },
				func() []byte { return successCallback(ref, 100, "LATE000002") },
				datamodel.StatusRefunded),
			Entry("refunded, late failure",
				func() error { return refund(ctx, l, ref, attempt.ID) },
				func() []byte { return failedCallback(ref, 1032, "Request cancelled by user") },
				datamodel.StatusRefunded),
			Entry("cancelled, late success",
				func() error { _, err := l.repo.Cancel(ctx, attempt.ID, "customer changed mind", "ops-1"); return err },
				func() []byte { return successCallback(ref, 100, "LATE000003") },
				datamodel.StatusCancelled),
			Entry("cancelled, late failure",
				func() error { _, err := l.repo.Cancel(ctx, attempt.ID, "customer changed mind", "ops-1"); return err },
				func() []byte { return failedCallback(ref, 1, "insufficient funds") },
				datamodel.StatusCancelled),
		)

		DescribeTable("treats an unusable result code as malformed and keeps the payment pending",
			func(code string) {
				body := fmt.Sprintf(`{"Body":{"stkCallback":{"CheckoutRequestID":%q,"ResultCode":%s,"ResultDesc":"?"}}}`, ref, code)

				_, err := processor.HandleCallback(ctx, []byte(body))
				Expect(errors.Is(err, internal.ErrMalformedCallback)).To(BeTrue())
				Expect(l.providerRows(ref)).To(Equal(int64(1)))

				current, err := l.repo.GetByReference(ctx, ref)
				Expect(err).ToNot(HaveOccurred())
				Expect(current.Status).To(Equal(datamodel.StatusPending))
				Expect(publisher.Types()).To(BeEmpty())
			},
			Entry("empty string", `""`),
			Entry("blank string", `"  "`),
			Entry("boolean", `false`),
			Entry("fraction", `0.7`),
			Entry("letters", `"abc"`),
			Entry("null", `null`),
			Entry("object", `{"code":0}`),
		)

		It("accepts a result code sent as a string", func() {
			body := fmt.Sprintf(`{"Body":{"stkCallback":{"CheckoutRequestID":%q,"ResultCode":" 1032 ","ResultDesc":"Request cancelled by user"}}}`, ref)

			result, err := processor.HandleCallback(ctx, []byte(body))
			Expect(err).ToNot(HaveOccurred())
			Expect(result.Attempt.Status).To(Equal(datamodel.StatusFailed))
			Expect(*result.Attempt.ResultCode).To(Equal("1032"))
		})

		It("fails the payment for a non-zero result code", func() {
			result, err := processor.HandleCallback(ctx, failedCallback(ref, 1032, "Request cancelled by user"))

			Expect(err).ToNot(HaveOccurred())
			Expect(result.Transitioned).To(BeTrue())
			Expect(result.Attempt.Status).To(Equal(datamodel.StatusFailed))
			Expect(*result.Attempt.FailureReason).To(Equal("Request cancelled by user"))
			Expect(*result.Attempt.ResultCode).To(Equal("1032"))
			Expect(publisher.Types()).To(Equal([]string{events.EventTypePaymentFailed}))
		})

		It("keeps the payment pending when the amount does not match", func() {
			result, err := processor.HandleCallback(ctx, successCallback(ref, 1, "NLJ7RT61SV"))

			Expect(err).ToNot(HaveOccurred())
			Expect(errors.Is(result.Rejection, internal.ErrInvalidTransition)).To(BeTrue())
			Expect(result.Attempt.Status).To(Equal(datamodel.StatusPending))
			Expect(publisher.Types()).To(BeEmpty())
		})

		It("acknowledges a callback for an unknown payment", func() {
			result, err := processor.HandleCallback(ctx, failedCallback("ws_CO_unknown", 1, "insufficient"))

			Expect(err).ToNot(HaveOccurred())
			Expect(errors.Is(result.Rejection, internal.ErrPaymentNotFound)).To(BeTrue())
			Expect(l.providerRows("ws_CO_unknown")).To(Equal(int64(1)))
		})

		It("rejects invalid JSON without storing anything", func() {
			_, err := processor.HandleCallback(ctx, []byte(`{"Body": `))

			Expect(errors.Is(err, internal.ErrMalformedCallback)).To(BeTrue())
			Expect(l.allProviderRows()).To(BeZero())
		})

		It("rejects a callback without a reference without storing anything", func() {
			_, err := processor.HandleCallback(ctx, []byte(`{"Body":{"stkCallback":{"ResultCode":0}}}`))

			Expect(errors.Is(err, internal.ErrMalformedCallback)).To(BeTrue())
			Expect(l.allProviderRows()).To(BeZero())
		})

		It("stores the raw payload of a callback without a result code", func() {
			_, err := processor.HandleCallback(ctx, []byte(fmt.Sprintf(`{"Body":{"stkCallback":{"CheckoutRequestID":%q}}}`, ref)))

			Expect(errors.Is(err, internal.ErrMalformedCallback)).To(BeTrue())
			Expect(l.providerRows(ref)).To(Equal(int64(1)))

			current, err := l.repo.GetByReference(ctx, ref)
			Expect(err).ToNot(HaveOccurred())
			Expect(current.Status).To(Equal(datamodel.StatusPending))
		})
	})

	Describe("Replay", func() {
		const early = "ws_CO_01032025093000999999"

		create := func() *datamodel.Attempt {
			a, err := l.repo.Create(ctx, paymentPkg.NewAttempt{
				ExternalReference: early,
				OwnerID:           "user-1",
				Phone:             "254712345678",
				Amount:            100,
			})
			Expect(err).ToNot(HaveOccurred())
			return a
		}

		It("settles a payment from a callback that arrived before it was recorded", func() {
			result, err := processor.HandleCallback(ctx, successCallback(early, 100, "EARLY00001"))
			Expect(err).ToNot(HaveOccurred())
			Expect(errors.Is(result.Rejection, internal.ErrPaymentNotFound)).To(BeTrue())
			create()

			replayed, err := processor.Replay(ctx, early)
			Expect(err).ToNot(HaveOccurred())
			Expect(replayed.Transitioned).To(BeTrue())
			Expect(replayed.Attempt.Status).To(Equal(datamodel.StatusCompleted))
			Expect(replayed.Attempt.ReceiptNumber).To(Equal("EARLY00001"))
			Expect(publisher.Types()).To(Equal([]string{events.EventTypePaymentCompleted}))
			Expect(l.providerRows(early)).To(Equal(int64(1)))

			again, err := processor.Replay(ctx, early)
			Expect(err).ToNot(HaveOccurred())
			Expect(again.Transitioned).To(BeFalse())
			Expect(publisher.Types()).To(HaveLen(1))
		})

		It("applies the earliest final observation", func() {
			_, err := processor.HandleCallback(ctx, failedCallback(early, 1032, "Request cancelled by user"))
			Expect(err).ToNot(HaveOccurred())
			_, err = processor.HandleCallback(ctx, successCallback(early, 100, "EARLY00002"))
			Expect(err).ToNot(HaveOccurred())
			create()

			replayed, err := processor.Replay(ctx, early)
			Expect(err).ToNot(HaveOccurred())
			Expect(replayed.Attempt.Status).To(Equal(datamodel.StatusFailed))
			Expect(*replayed.Attempt.FailureReason).To(Equal("Request cancelled by user"))
		})

		It("does nothing without a final observation", func() {
			a := create()

			replayed, err := processor.Replay(ctx, early)
			Expect(err).ToNot(HaveOccurred())
			Expect(replayed.Transitioned).To(BeFalse())
			Expect(replayed.Attempt).To(BeNil())

			current, err := l.repo.GetByID(ctx, a.ID)
			Expect(err).ToNot(HaveOccurred())
			Expect(current.Status).To(Equal(datamodel.StatusPending))
		})
	})

	Describe("Apply", func() {
		It("records a pending poll result without touching the payment", func() {
			result, err := processor.Apply(ctx, paymentPkg.Observation{
				ExternalReference: ref,
				Source:            datamodel.SourcePoll,
				Derived:           datamodel.DerivedPending,
			})

			Expect(err).ToNot(HaveOccurred())
			Expect(result.Transitioned).To(BeFalse())
			Expect(l.providerRows(ref)).To(Equal(int64(1)))
			Expect(publisher.Types()).To(BeEmpty())
		})
	})
})

func refund(ctx context.Context, l *ledger, ref, id string) error {
	if _, _, err := l.repo.ApplyOutcome(ctx, ref, paymentPkg.OutcomeSuccess, paymentPkg.OutcomeDetails{Receipt: "RCPT00001"}); err != nil {
		return err
	}
	_, err := l.repo.Refund(ctx, id, "customer request", "ops-1")
	return err
}
