package payment_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"

	"github.com/go-chi/chi"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/frahmantamala/mpesa-payments/internal/auth"
	gatewaytypes "github.com/frahmantamala/mpesa-payments/internal/core/datamodel/paymentgateway"
	paymentPkg "github.com/frahmantamala/mpesa-payments/internal/payment"
	"github.com/frahmantamala/mpesa-payments/internal/paymentgateway"
	"github.com/frahmantamala/mpesa-payments/internal/transport"
)

var _ = Describe("Handler", func() {
	var (
		l        *ledger
		router   chi.Router
		caller   *auth.Identity
		gateway  *stubGateway
		recorder *httptest.ResponseRecorder
	)

	BeforeEach(func() {
		l = newLedger()
		publisher := &recordingPublisher{}
		processor := paymentPkg.NewProcessor(l.repo, publisher, quietLogger())
		gateway = &stubGateway{result: &paymentgateway.InitiateResult{
			ExternalReference: "ws_CO_handler",
			MerchantRequestID: "29115-2",
			CustomerMessage:   "Success. Request accepted for processing",
		}}
		service := paymentPkg.NewService(l.repo, gateway, processor, auth.NewPermissionChecker(), publisher, quietLogger())

		base := transport.NewBaseHandler(quietLogger())
		handler := paymentPkg.NewHandler(base, service)
		webhook := paymentPkg.NewWebhookHandler(base, processor)

		id := customer
		caller = &id
		recorder = httptest.NewRecorder()

		router = chi.NewRouter()
		router.Post("/payments/callback", webhook.HandlePaymentCallback)
		router.Group(func(r chi.Router) {
			// stands in for the JWT middleware
			r.Use(func(next http.Handler) http.Handler {
				return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
					if caller != nil {
						req = req.WithContext(auth.WithIdentity(req.Context(), *caller))
					}
					next.ServeHTTP(w, req)
				})
			})
			r.Post("/payments", handler.InitiatePayment)
			r.Get("/payments", handler.ListPayments)
			r.Get("/payments/{reference}", handler.GetPayment)
			r.Post("/payments/{id}/refund", handler.RefundPayment)
		})
	})

	do := func(method, path string, body []byte) {
		req := httptest.NewRequest(method, path, bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		router.ServeHTTP(recorder, req)
	}

	Describe("POST /payments", func() {
		It("accepts a valid request", func() {
			body, _ := json.Marshal(initiateRequest())
			do(http.MethodPost, "/payments", body)

			Expect(recorder.Code).To(Equal(http.StatusAccepted))
			var resp paymentPkg.InitiatePaymentResponse
			Expect(json.Unmarshal(recorder.Body.Bytes(), &resp)).To(Succeed())
			Expect(resp.ExternalReference).To(Equal("ws_CO_handler"))
			Expect(string(resp.Status)).To(Equal("PENDING"))
		})

		It("returns 400 for an unreadable body", func() {
			do(http.MethodPost, "/payments", []byte(`{"amount":`))

			Expect(recorder.Code).To(Equal(http.StatusBadRequest))
			Expect(gateway.calls).To(BeZero())
		})

		It("returns 400 for an amount above the limit", func() {
			req := initiateRequest()
			req.Amount = 250001
			body, _ := json.Marshal(req)
			do(http.MethodPost, "/payments", body)

			Expect(recorder.Code).To(Equal(http.StatusBadRequest))
			Expect(recorder.Body.String()).To(ContainSubstring("amount"))
		})

		It("returns 401 without an identity", func() {
			caller = nil
			body, _ := json.Marshal(initiateRequest())
			do(http.MethodPost, "/payments", body)

			Expect(recorder.Code).To(Equal(http.StatusUnauthorized))
		})
	})

	Describe("GET /payments/{reference}", func() {
		It("returns 404 for an unknown reference", func() {
			do(http.MethodGet, "/payments/ws_CO_missing", nil)

			Expect(recorder.Code).To(Equal(http.StatusNotFound))
		})
	})

	Describe("GET /payments", func() {
		It("rejects a non-numeric limit", func() {
			do(http.MethodGet, "/payments?limit=ten", nil)

			Expect(recorder.Code).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("POST /payments/{id}/refund", func() {
		It("returns 403 for a caller without the refund permission", func() {
			do(http.MethodPost, "/payments/some-id/refund", []byte(`{"reason":"duplicate charge"}`))

			Expect(recorder.Code).To(Equal(http.StatusForbidden))
		})
	})

	Describe("POST /payments/callback", func() {
		It("acknowledges a processed callback", func() {
			_, err := l.repo.Create(context.Background(), paymentPkg.NewAttempt{
				ExternalReference: "ws_CO_cb",
				OwnerID:           customer.Subject,
				Phone:             "254712345678",
				Amount:            100,
			})
			Expect(err).ToNot(HaveOccurred())

			do(http.MethodPost, "/payments/callback", successCallback("ws_CO_cb", 100, "NLJ7RT61SV"))

			Expect(recorder.Code).To(Equal(http.StatusOK))
			var ack gatewaytypes.CallbackAck
			Expect(json.Unmarshal(recorder.Body.Bytes(), &ack)).To(Succeed())
			Expect(ack.ResultDesc).To(Equal("Accepted"))
		})

		It("acknowledges a callback for an unknown payment", func() {
			do(http.MethodPost, "/payments/callback", failedCallback("ws_CO_nobody", 1, "insufficient"))

			Expect(recorder.Code).To(Equal(http.StatusOK))
		})

		It("returns 400 for a malformed callback and stores nothing", func() {
			do(http.MethodPost, "/payments/callback", []byte(`not json`))

			Expect(recorder.Code).To(Equal(http.StatusBadRequest))
			Expect(l.allProviderRows()).To(BeZero())
		})
	})
})
