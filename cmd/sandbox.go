package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/frahmantamala/mpesa-payments/internal/paymentgateway/sandbox"
	"github.com/frahmantamala/mpesa-payments/pkg/logger"
)

// Public Daraja sandbox test credentials.
const (
	sandboxShortCode = "174379"
	sandboxPassKey   = "bfb279f9aa9bdbcf158e97dd71a467cd2e0c893059b10f78e6b72ada1ed2c919"
)

var sandboxCmd = &cobra.Command{
	Use:   "sandbox",
	Short: "Run a local stand-in for the Daraja STK push API",
	Long: `Serve the token, STK push and status query endpoints locally and deliver
simulated callbacks to the callback URL of each push.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSandbox()
	},
}

var sandboxOpts struct {
	port             int
	consumerKey      string
	consumerSecret   string
	shortCode        string
	passKey          string
	successRate      float64
	callbackDelayMin time.Duration
	callbackDelayMax time.Duration
	disableCallbacks bool
	workers          int
}

func runSandbox() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := logger.LoggerWrapper().With("component", "sandbox")
	fake := sandbox.New(sandbox.Config{
		ConsumerKey:      sandboxOpts.consumerKey,
		ConsumerSecret:   sandboxOpts.consumerSecret,
		ShortCode:        sandboxOpts.shortCode,
		PassKey:          sandboxOpts.passKey,
		CallbackDelayMin: sandboxOpts.callbackDelayMin,
		CallbackDelayMax: sandboxOpts.callbackDelayMax,
		SuccessRate:      sandboxOpts.successRate,
		DisableCallbacks: sandboxOpts.disableCallbacks,
		MaxWorkers:       sandboxOpts.workers,
	}, log)
	defer fake.Shutdown()

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", sandboxOpts.port),
		Handler:           fake.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("sandbox listening", "address", server.Addr, "short_code", sandboxOpts.shortCode)
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func init() {
	f := sandboxCmd.Flags()
	f.IntVar(&sandboxOpts.port, "port", 9090, "listen port")
	f.StringVar(&sandboxOpts.consumerKey, "consumer-key", "sandbox-key", "accepted consumer key")
	f.StringVar(&sandboxOpts.consumerSecret, "consumer-secret", "sandbox-secret", "accepted consumer secret")
	f.StringVar(&sandboxOpts.shortCode, "short-code", sandboxShortCode, "business short code")
	f.StringVar(&sandboxOpts.passKey, "pass-key", sandboxPassKey, "STK pass key")
	f.Float64Var(&sandboxOpts.successRate, "success-rate", 0.8, "share of pushes the simulated customer accepts")
	f.DurationVar(&sandboxOpts.callbackDelayMin, "callback-delay-min", 2*time.Second, "minimum delay before a callback")
	f.DurationVar(&sandboxOpts.callbackDelayMax, "callback-delay-max", 10*time.Second, "maximum delay before a callback")
	f.BoolVar(&sandboxOpts.disableCallbacks, "no-callbacks", false, "never send callbacks; payments settle only by polling")
	f.IntVar(&sandboxOpts.workers, "workers", 4, "callback worker pool size")

	rootCmd.AddCommand(sandboxCmd)
}
