package notification_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/xuri/excelize/v2"

	paymentmodel "github.com/frahmantamala/mpesa-payments/internal/core/datamodel/payment"
	"github.com/frahmantamala/mpesa-payments/internal/core/events"
	"github.com/frahmantamala/mpesa-payments/internal/notification"
)

type fakeSQS struct {
	inputs []*sqs.SendMessageInput
	err    error
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.inputs = append(f.inputs, in)
	if f.err != nil {
		return nil, f.err
	}
	return &sqs.SendMessageOutput{}, nil
}

func noticeFor(attempt paymentmodel.Attempt) notification.Notice {
	return notification.Notice{
		DeliveryID: 7,
		EventID:    "evt-1",
		EventType:  events.EventTypeForStatus(attempt.Status),
		OccurredAt: time.Date(2025, 3, 1, 9, 31, 0, 0, time.UTC),
		Attempt:    attempt,
	}
}

var _ = Describe("WebhookNotifier", func() {
	var (
		received []*http.Request
		bodies   [][]byte
		status   int
		server   *httptest.Server
		notifier *notification.WebhookNotifier
	)

	BeforeEach(func() {
		received, bodies, status = nil, nil, http.StatusOK
		server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, _ := io.ReadAll(r.Body)
			received = append(received, r)
			bodies = append(bodies, body)
			w.WriteHeader(status)
		}))
		notifier = notification.NewWebhookNotifier(time.Second, quietLogger())
	})

	AfterEach(func() {
		server.Close()
	})

	It("posts the outcome to the payment's webhook", func() {
		attempt := completedAttempt()
		url := server.URL + "/hooks"
		attempt.WebhookURL = &url

		Expect(notifier.Notify(context.Background(), noticeFor(attempt))).To(Succeed())

		Expect(received).To(HaveLen(1))
		Expect(received[0].Header.Get("X-Event-Type")).To(Equal(events.EventTypePaymentCompleted))
		Expect(received[0].Header.Get("X-Delivery-ID")).To(Equal("7"))

		var payload map[string]interface{}
		Expect(json.Unmarshal(bodies[0], &payload)).To(Succeed())
		Expect(payload["event_type"]).To(Equal(events.EventTypePaymentCompleted))
		Expect(payload["payment"]).To(HaveKeyWithValue("receipt_number", "NLJ7RT61SV"))
	})

	It("fails on a non-2xx answer", func() {
		status = http.StatusBadGateway
		attempt := completedAttempt()
		url := server.URL
		attempt.WebhookURL = &url

		Expect(notifier.Notify(context.Background(), noticeFor(attempt))).To(MatchError(ContainSubstring("502")))
	})

	It("only wants payments with a webhook URL", func() {
		attempt := completedAttempt()
		attempt.WebhookURL = nil
		Expect(notifier.Wants(noticeFor(attempt))).To(BeFalse())
	})
})

var _ = Describe("SQSNotifier", func() {
	It("sends the outcome with its event type attribute", func() {
		client := &fakeSQS{}
		notifier := notification.NewSQSNotifier(client, "https://sqs.eu-west-1.amazonaws.com/123/payments")

		Expect(notifier.Notify(context.Background(), noticeFor(completedAttempt()))).To(Succeed())

		Expect(client.inputs).To(HaveLen(1))
		in := client.inputs[0]
		Expect(*in.QueueUrl).To(HaveSuffix("/payments"))
		Expect(*in.MessageAttributes["event_type"].StringValue).To(Equal(events.EventTypePaymentCompleted))
		Expect(*in.MessageBody).To(ContainSubstring("ws_CO_01032025093000123456"))
		Expect(in.MessageGroupId).To(BeNil())
	})

	It("groups FIFO messages by payment", func() {
		client := &fakeSQS{}
		notifier := notification.NewSQSNotifier(client, "https://sqs.eu-west-1.amazonaws.com/123/payments.fifo")

		Expect(notifier.Notify(context.Background(), noticeFor(completedAttempt()))).To(Succeed())

		Expect(*client.inputs[0].MessageGroupId).To(Equal("ws_CO_01032025093000123456"))
		Expect(*client.inputs[0].MessageDeduplicationId).To(Equal("payment.completed-7"))
	})
})

var _ = Describe("Receipts", func() {
	var dir string

	BeforeEach(func() {
		var err error
		dir, err = os.MkdirTemp("", "receipts")
		Expect(err).ToNot(HaveOccurred())
		DeferCleanup(os.RemoveAll, dir)
	})

	It("renders a workbook with the receipt details", func() {
		generator := notification.NewXLSXReceiptGenerator(time.UTC)

		data, err := generator.GenerateReceipt(context.Background(), completedAttempt())
		Expect(err).ToNot(HaveOccurred())

		f, err := excelize.OpenReader(bytes.NewReader(data))
		Expect(err).ToNot(HaveOccurred())
		defer f.Close()

		receipt, err := f.GetCellValue("Receipt", "B2")
		Expect(err).ToNot(HaveOccurred())
		Expect(receipt).To(Equal("NLJ7RT61SV"))

		phone, err := f.GetCellValue("Receipt", "B8")
		Expect(err).ToNot(HaveOccurred())
		Expect(phone).To(Equal("2547****5678"))
	})

	It("refuses a payment that never completed", func() {
		attempt := completedAttempt()
		attempt.Status = paymentmodel.StatusFailed

		_, err := notification.NewXLSXReceiptGenerator(nil).GenerateReceipt(context.Background(), attempt)
		Expect(err).To(HaveOccurred())
	})

	It("stores a receipt for completed payments only", func() {
		notifier := notification.NewReceiptNotifier(
			notification.NewXLSXReceiptGenerator(time.UTC),
			notification.NewLocalReceiptStore(dir))

		attempt := completedAttempt()
		Expect(notifier.Wants(noticeFor(attempt))).To(BeTrue())
		Expect(notifier.Notify(context.Background(), noticeFor(attempt))).To(Succeed())
		Expect(filepath.Join(dir, attempt.ExternalReference+".xlsx")).To(BeAnExistingFile())

		attempt.Status = paymentmodel.StatusFailed
		Expect(notifier.Wants(noticeFor(attempt))).To(BeFalse())
	})
})
