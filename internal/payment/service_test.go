package payment_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/frahmantamala/mpesa-payments/internal"
	"github.com/frahmantamala/mpesa-payments/internal/auth"
	datamodel "github.com/frahmantamala/mpesa-payments/internal/core/datamodel/payment"
	"github.com/frahmantamala/mpesa-payments/internal/core/events"
	paymentPkg "github.com/frahmantamala/mpesa-payments/internal/payment"
	"github.com/frahmantamala/mpesa-payments/internal/paymentgateway"
	"github.com/frahmantamala/mpesa-payments/internal/paymentgateway/sandbox"
)

type stubGateway struct {
	result *paymentgateway.InitiateResult
	err    error
	calls  int
}

func (g *stubGateway) InitiatePayment(_ context.Context, _ paymentgateway.InitiateRequest) (*paymentgateway.InitiateResult, error) {
	g.calls++
	if g.err != nil {
		return nil, g.err
	}
	return g.result, nil
}

// callbackFirstGateway delivers the provider callback before InitiatePayment returns.
type callbackFirstGateway struct {
	ref      string
	callback func(ref string)
}

func (g *callbackFirstGateway) InitiatePayment(_ context.Context, _ paymentgateway.InitiateRequest) (*paymentgateway.InitiateResult, error) {
	g.callback(g.ref)
	return &paymentgateway.InitiateResult{ExternalReference: g.ref, MerchantRequestID: "29115-1"}, nil
}

var (
	customer = auth.Identity{Subject: "user-1"}
	stranger = auth.Identity{Subject: "user-2"}
	admin    = auth.Identity{Subject: "ops-1", Permissions: []string{auth.PermissionAdmin}}
)

func initiateRequest() paymentPkg.InitiatePaymentRequest {
	return paymentPkg.InitiatePaymentRequest{
		Amount:      100,
		Phone:       "0712345678",
		Reference:   "INV-1001",
		Description: "Order 1001",
	}
}

var _ = Describe("Service", func() {
	var (
		l         *ledger
		publisher *recordingPublisher
		processor *paymentPkg.Processor
		ctx       context.Context
	)

	newService := func(gateway paymentPkg.GatewayAPI) *paymentPkg.Service {
		return paymentPkg.NewService(l.repo, gateway, processor, auth.NewPermissionChecker(), publisher, quietLogger())
	}

	BeforeEach(func() {
		l = newLedger()
		publisher = &recordingPublisher{}
		processor = paymentPkg.NewProcessor(l.repo, publisher, quietLogger())
		ctx = context.Background()
	})

	It("settles a payment whose callback arrived before it was recorded", func() {
		const ref = "ws_CO_01032025093000555555"
		gateway := &callbackFirstGateway{ref: ref, callback: func(ref string) {
			result, err := processor.HandleCallback(ctx, successCallback(ref, 100, "FAST000001"))
			Expect(err).ToNot(HaveOccurred())
			Expect(errors.Is(result.Rejection, internal.ErrPaymentNotFound)).To(BeTrue())
		}}

		resp, err := newService(gateway).Initiate(ctx, customer, initiateRequest())
		Expect(err).ToNot(HaveOccurred())
		Expect(resp.Status).To(Equal(datamodel.StatusCompleted))

		current, err := l.repo.GetByReference(ctx, ref)
		Expect(err).ToNot(HaveOccurred())
		Expect(current.Status).To(Equal(datamodel.StatusCompleted))
		Expect(current.ReceiptNumber).To(Equal("FAST000001"))
		Expect(publisher.Types()).To(Equal([]string{events.EventTypePaymentCompleted}))
	})

	Context("against the sandbox gateway", func() {
		var (
			fake    *sandbox.Server
			server  *httptest.Server
			service *paymentPkg.Service
		)

		BeforeEach(func() {
			fake = sandbox.New(sandbox.Config{
				ConsumerKey:      "key",
				ConsumerSecret:   "secret",
				ShortCode:        "174379",
				PassKey:          "passkey",
				DisableCallbacks: true,
			}, quietLogger())
			server = httptest.NewServer(fake.Handler())

			client := paymentgateway.NewClient(paymentgateway.Config{
				BaseURL:        server.URL,
				ConsumerKey:    "key",
				ConsumerSecret: "secret",
				ShortCode:      "174379",
				PassKey:        "passkey",
				CallbackURL:    "http://localhost/api/v1/payments/callback",
				Timeout:        2 * time.Second,
			}, quietLogger())
			service = newService(client)
		})

		AfterEach(func() {
			server.Close()
			fake.Shutdown()
		})

		It("takes a payment from initiation through completion to a single refund", func() {
			resp, err := service.Initiate(ctx, customer, initiateRequest())
			Expect(err).ToNot(HaveOccurred())
			Expect(resp.Status).To(Equal(datamodel.StatusPending))
			Expect(resp.ExternalReference).To(HavePrefix("ws_CO_"))

			Expect(fake.Resolve(resp.ExternalReference, sandbox.ResultSuccess)).To(Succeed())
			envelope, _, err := fake.Envelope(resp.ExternalReference)
			Expect(err).ToNot(HaveOccurred())
			body, err := json.Marshal(envelope)
			Expect(err).ToNot(HaveOccurred())

			result, err := processor.HandleCallback(ctx, body)
			Expect(err).ToNot(HaveOccurred())
			Expect(result.Transitioned).To(BeTrue())
			Expect(result.Attempt.Status).To(Equal(datamodel.StatusCompleted))
			Expect(result.Attempt.Phone).To(Equal("254712345678"))

			_, err = service.Refund(ctx, customer, resp.ID, paymentPkg.RefundRequest{Reason: "changed mind"})
			Expect(errors.Is(err, internal.ErrUnauthorizedAccess)).To(BeTrue())

			refunded, err := service.Refund(ctx, admin, resp.ID, paymentPkg.RefundRequest{Reason: "customer request"})
			Expect(err).ToNot(HaveOccurred())
			Expect(refunded.Status).To(Equal(datamodel.StatusRefunded))
			Expect(*refunded.RefundedBy).To(Equal("ops-1"))

			_, err = service.Refund(ctx, admin, resp.ID, paymentPkg.RefundRequest{Reason: "again"})
			appErr, ok := internal.IsAppError(err)
			Expect(ok).To(BeTrue())
			Expect(appErr.StatusCode).To(Equal(409))

			Expect(publisher.Types()).To(Equal([]string{
				events.EventTypePaymentCompleted,
				events.EventTypePaymentRefunded,
			}))
		})

		It("records a declined payment as failed", func() {
			resp, err := service.Initiate(ctx, customer, initiateRequest())
			Expect(err).ToNot(HaveOccurred())

			Expect(fake.Resolve(resp.ExternalReference, sandbox.ResultCancelledByUser)).To(Succeed())
			envelope, _, err := fake.Envelope(resp.ExternalReference)
			Expect(err).ToNot(HaveOccurred())
			body, err := json.Marshal(envelope)
			Expect(err).ToNot(HaveOccurred())

			result, err := processor.HandleCallback(ctx, body)
			Expect(err).ToNot(HaveOccurred())
			Expect(result.Attempt.Status).To(Equal(datamodel.StatusFailed))
		})
	})

	Describe("Initiate", func() {
		It("rejects a second attempt under the same gateway reference", func() {
			gateway := &stubGateway{result: &paymentgateway.InitiateResult{
				ExternalReference: "ws_CO_fixed",
				MerchantRequestID: "29115-1",
			}}
			service := newService(gateway)

			_, err := service.Initiate(ctx, customer, initiateRequest())
			Expect(err).ToNot(HaveOccurred())

			_, err = service.Initiate(ctx, customer, initiateRequest())
			Expect(errors.Is(err, internal.ErrDuplicateReference)).To(BeTrue())
			Expect(l.attempts()).To(Equal(int64(1)))
		})

		It("stores nothing when the gateway cannot confirm the push", func() {
			gateway := &stubGateway{err: internal.NewGatewayUnavailableError("timeout", context.DeadlineExceeded)}
			service := newService(gateway)

			_, err := service.Initiate(ctx, customer, initiateRequest())
			appErr, ok := internal.IsAppError(err)
			Expect(ok).To(BeTrue())
			Expect(appErr.StatusCode).To(Equal(503))
			Expect(l.attempts()).To(BeZero())
		})

		It("validates the request before calling the gateway", func() {
			gateway := &stubGateway{}
			service := newService(gateway)

			req := initiateRequest()
			req.Amount = 0
			_, err := service.Initiate(ctx, customer, req)

			Expect(errors.Is(err, internal.ErrValidationFailed)).To(BeTrue())
			Expect(gateway.calls).To(BeZero())
		})

		It("rejects a phone number outside Kenya", func() {
			gateway := &stubGateway{}
			service := newService(gateway)

			req := initiateRequest()
			req.Phone = "+14155550100"
			_, err := service.Initiate(ctx, customer, req)

			Expect(err).To(HaveOccurred())
			Expect(gateway.calls).To(BeZero())
		})
	})

	Describe("reading payments", func() {
		var service *paymentPkg.Service

		BeforeEach(func() {
			service = newService(&stubGateway{})
			for _, a := range []paymentPkg.NewAttempt{
				{ExternalReference: "ws_CO_a", OwnerID: customer.Subject, Phone: "254712345678", Amount: 100},
				{ExternalReference: "ws_CO_b", OwnerID: customer.Subject, Phone: "254712345678", Amount: 200},
				{ExternalReference: "ws_CO_c", OwnerID: stranger.Subject, Phone: "254712345679", Amount: 300},
			} {
				_, err := l.repo.Create(ctx, a)
				Expect(err).ToNot(HaveOccurred())
			}
		})

		It("hides another owner's payment", func() {
			_, err := service.Get(ctx, stranger, "ws_CO_a")
			Expect(errors.Is(err, internal.ErrPaymentNotFound)).To(BeTrue())

			attempt, err := service.Get(ctx, admin, "ws_CO_a")
			Expect(err).ToNot(HaveOccurred())
			Expect(attempt.OwnerID).To(Equal(customer.Subject))
		})

		It("scopes listings to the caller unless they may view all", func() {
			own, err := service.List(ctx, customer, paymentPkg.ListPaymentsQuery{OwnerID: stranger.Subject})
			Expect(err).ToNot(HaveOccurred())
			Expect(own.Total).To(Equal(int64(2)))

			all, err := service.List(ctx, admin, paymentPkg.ListPaymentsQuery{})
			Expect(err).ToNot(HaveOccurred())
			Expect(all.Total).To(Equal(int64(3)))
		})

		It("lists provider transactions only for visible payments", func() {
			_, err := processor.HandleCallback(ctx, failedCallback("ws_CO_a", 1, "insufficient"))
			Expect(err).ToNot(HaveOccurred())

			resp, err := service.ListTransactions(ctx, customer, "ws_CO_a")
			Expect(err).ToNot(HaveOccurred())
			Expect(resp.Transactions).To(HaveLen(1))

			_, err = service.ListTransactions(ctx, stranger, "ws_CO_a")
			Expect(errors.Is(err, internal.ErrPaymentNotFound)).To(BeTrue())
		})
	})

	Describe("Cancel", func() {
		It("cancels a pending payment and refuses a completed one", func() {
			service := newService(&stubGateway{})
			pending, err := l.repo.Create(ctx, paymentPkg.NewAttempt{ExternalReference: "ws_CO_p", OwnerID: customer.Subject, Phone: "254712345678", Amount: 50})
			Expect(err).ToNot(HaveOccurred())
			done, err := l.repo.Create(ctx, paymentPkg.NewAttempt{ExternalReference: "ws_CO_d", OwnerID: customer.Subject, Phone: "254712345678", Amount: 50})
			Expect(err).ToNot(HaveOccurred())
			_, err = processor.HandleCallback(ctx, successCallback("ws_CO_d", 50, "RCPT000001"))
			Expect(err).ToNot(HaveOccurred())

			cancelled, err := service.Cancel(ctx, admin, pending.ID, paymentPkg.CancelRequest{Reason: "customer abandoned checkout"})
			Expect(err).ToNot(HaveOccurred())
			Expect(cancelled.Status).To(Equal(datamodel.StatusCancelled))

			_, err = service.Cancel(ctx, admin, done.ID, paymentPkg.CancelRequest{Reason: "too late"})
			Expect(errors.Is(err, internal.ErrInvalidPaymentState)).To(BeTrue())

			Expect(publisher.Types()).To(ContainElement(events.EventTypePaymentCancelled))
		})
	})

	Describe("Resolve", func() {
		var (
			service *paymentPkg.Service
			amount  int64 = 100
		)

		BeforeEach(func() {
			service = newService(&stubGateway{})
			_, err := l.repo.Create(ctx, paymentPkg.NewAttempt{ExternalReference: "ws_CO_r", OwnerID: customer.Subject, Phone: "254712345678", Amount: 100})
			Expect(err).ToNot(HaveOccurred())
		})

		It("applies an operator outcome as a manual provider transaction", func() {
			resp, err := service.Resolve(ctx, admin, "ws_CO_r", paymentPkg.ResolveRequest{
				Outcome: "SUCCESS",
				Receipt: "MANUAL0001",
				Amount:  &amount,
				Reason:  "confirmed on the merchant portal",
			})
			Expect(err).ToNot(HaveOccurred())
			Expect(resp.Transitioned).To(BeTrue())
			Expect(resp.Payment.Status).To(Equal(datamodel.StatusCompleted))

			txs, err := l.repo.ListProviderTransactions(ctx, "ws_CO_r")
			Expect(err).ToNot(HaveOccurred())
			Expect(txs).To(HaveLen(1))
			Expect(txs[0].Source).To(Equal(datamodel.SourceManual))
		})

		It("refuses callers without the resolve permission", func() {
			_, err := service.Resolve(ctx, customer, "ws_CO_r", paymentPkg.ResolveRequest{Outcome: "FAILED", Reason: "no"})
			Expect(errors.Is(err, internal.ErrUnauthorizedAccess)).To(BeTrue())
			Expect(l.providerRows("ws_CO_r")).To(BeZero())
		})

		It("returns the conflict when the payment already settled differently", func() {
			_, err := processor.HandleCallback(ctx, failedCallback("ws_CO_r", 1037, "DS timeout user cannot be reached"))
			Expect(err).ToNot(HaveOccurred())

			_, err = service.Resolve(ctx, admin, "ws_CO_r", paymentPkg.ResolveRequest{
				Outcome: "SUCCESS",
				Receipt: "MANUAL0002",
				Reason:  "late confirmation",
			})
			Expect(errors.Is(err, internal.ErrInvalidTransition)).To(BeTrue())
		})
	})
})
