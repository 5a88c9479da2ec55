package notification

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	datamodel "github.com/frahmantamala/mpesa-payments/internal/core/datamodel/notification"
)

// WebhookNotifier posts the outcome to the merchant URL stored on the attempt.
type WebhookNotifier struct {
	client *http.Client
	logger *slog.Logger
}

func NewWebhookNotifier(timeout time.Duration, logger *slog.Logger) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookNotifier{
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

func (n *WebhookNotifier) Name() datamodel.Channel {
	return datamodel.ChannelWebhook
}

func (n *WebhookNotifier) Wants(notice Notice) bool {
	return notice.Attempt.WebhookURL != nil && *notice.Attempt.WebhookURL != ""
}

func (n *WebhookNotifier) Notify(ctx context.Context, notice Notice) error {
	if !n.Wants(notice) {
		return nil
	}

	body, err := notice.Body()
	if err != nil {
		return fmt.Errorf("encode webhook body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, *notice.Attempt.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Type", notice.EventType)
	req.Header.Set("X-Delivery-ID", strconv.FormatInt(notice.DeliveryID, 10))

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook answered %d", resp.StatusCode)
	}

	n.logger.Debug("webhook delivered",
		"external_reference", notice.Attempt.ExternalReference,
		"event_type", notice.EventType,
		"status_code", resp.StatusCode)
	return nil
}
