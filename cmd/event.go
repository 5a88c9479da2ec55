package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/frahmantamala/mpesa-payments/internal/core/events"
	notificationmodel "github.com/frahmantamala/mpesa-payments/internal/core/datamodel/notification"
)

var eventCmd = &cobra.Command{
	Use:   "event",
	Short: "Event management commands",
	Long:  `Inspect and re-emit payment outcome events`,
}

var replayEventCmd = &cobra.Command{
	Use:   "replay [external-reference]",
	Short: "Re-emit the outcome event of a settled payment",
	Long: `Publish the outcome event of a payment in a terminal status again. Channels that
already have a delivery record are skipped; pass --retry-due to also resend deliveries
that are waiting for their next attempt.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := replayEvent(cmd.Context(), args[0]); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	},
}

var retryDue bool

func replayEvent(ctx context.Context, ref string) error {
	deps, err := initializeDependencies(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize dependencies: %w", err)
	}
	defer deps.Close()
	log := deps.Logger.With("external_reference", ref)

	attempt, err := deps.Payments.GetByReference(ctx, ref)
	if err != nil {
		return err
	}
	if events.EventTypeForStatus(attempt.Status) == "" {
		return fmt.Errorf("payment %s is %s; only settled payments have outcome events", ref, attempt.Status)
	}

	event := events.NewPaymentOutcomeEvent(*attempt)
	log.Info("replaying outcome event", "event_type", event.EventType(), "event_id", event.EventID())
	if err := deps.Bus.PublishSync(ctx, event); err != nil {
		return err
	}

	if retryDue {
		report := deps.Dispatcher.RetryDue(ctx, time.Now(), deps.Config.Reconciliation.BatchSize)
		log.Info("due deliveries retried", "due", report.Due, "delivered", report.Delivered, "error", report.Err)
	}

	deliveries, err := deps.Deliveries.ListByReference(ctx, ref)
	if err != nil {
		return err
	}
	for _, d := range deliveries {
		printDelivery(d)
	}
	return nil
}

func printDelivery(d notificationmodel.Delivery) {
	lastErr := ""
	if d.LastError != nil {
		lastErr = *d.LastError
	}
	fmt.Printf("%-8s %-20s %-10s attempts=%d %s\n", d.Channel, d.EventType, d.Status, d.Attempts, lastErr)
}

func init() {
	replayEventCmd.Flags().BoolVar(&retryDue, "retry-due", false, "also resend deliveries that are due")

	eventCmd.AddCommand(replayEventCmd)
	rootCmd.AddCommand(eventCmd)
}
