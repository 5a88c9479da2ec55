package internal_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/frahmantamala/mpesa-payments/internal"
)

func validConfig() *internal.Config {
	cfg := &internal.Config{
		Database: internal.DatabaseConfig{Source: "postgres://localhost/payments", MaxOpenConns: 10, MaxIdleConns: 2},
		Security: internal.SecurityConfig{JWTSecret: "0123456789abcdef0123456789abcdef"},
		Gateway: internal.GatewayConfig{
			BaseURL:        "https://sandbox.safaricom.co.ke",
			ConsumerKey:    "key",
			ConsumerSecret: "secret",
			ShortCode:      "174379",
			PassKey:        "passkey",
			CallbackURL:    "https://example.com/api/v1/payments/callback",
			Timezone:       "UTC",
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

var _ = Describe("Config", func() {
	It("fills operational defaults", func() {
		cfg := validConfig()

		Expect(cfg.Server.Port).To(Equal(8080))
		Expect(cfg.Gateway.Timeout).To(Equal(15 * time.Second))
		Expect(cfg.Reconciliation.StaleAfter).To(Equal(30 * time.Minute))
		Expect(cfg.Reconciliation.StaleSweepSchedule).To(Equal("@every 10m"))
		Expect(cfg.Reconciliation.WebhookMaxAttempts).To(Equal(6))
		Expect(cfg.Validate()).To(Succeed())
	})

	It("keeps explicit values", func() {
		cfg := &internal.Config{Reconciliation: internal.ReconciliationConfig{StaleAfter: time.Hour, BatchSize: 5}}
		cfg.ApplyDefaults()

		Expect(cfg.Gateway.Timezone).To(Equal("Africa/Nairobi"))
		Expect(cfg.Reconciliation.WebhookMaxBackoff).To(Equal(2 * time.Hour))

		Expect(cfg.Reconciliation.StaleAfter).To(Equal(time.Hour))
		Expect(cfg.Reconciliation.BatchSize).To(Equal(5))
	})

	It("reports every broken section at once", func() {
		cfg := validConfig()
		cfg.Security.JWTSecret = "short"
		cfg.Gateway.CallbackURL = ""
		cfg.Reconciliation.PollMinAge = time.Hour

		err := cfg.Validate()
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("security config"))
		Expect(err.Error()).To(ContainSubstring("callback_url is required"))
		Expect(err.Error()).To(ContainSubstring("poll_min_age"))
	})

	It("requires a queue when SQS is enabled", func() {
		cfg := validConfig()
		cfg.Notification.SQS.Enabled = true
		Expect(cfg.Validate()).To(MatchError(ContainSubstring("sqs.queue_url")))
	})

	It("rejects an unknown timezone", func() {
		cfg := validConfig()
		cfg.Gateway.Timezone = "Mars/Olympus"
		Expect(cfg.Validate()).To(MatchError(ContainSubstring("invalid timezone")))
	})

	It("rejects gateway timeouts outside 10s to 30s", func() {
		cfg := validConfig()
		cfg.Gateway.Timeout = 5 * time.Second
		Expect(cfg.Validate()).To(MatchError(ContainSubstring("timeout must be between")))
	})
})
