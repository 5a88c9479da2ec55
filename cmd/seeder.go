package cmd

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/frahmantamala/mpesa-payments/internal/auth"
	"github.com/frahmantamala/mpesa-payments/internal/payment"
	paymentpg "github.com/frahmantamala/mpesa-payments/internal/payment/postgres"
	"github.com/frahmantamala/mpesa-payments/pkg/logger"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed the database with demo payments and print API tokens",
	Long: `Insert a handful of payments in every status for local development and print
bearer tokens for a customer and an operator.`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := seed(context.Background()); err != nil {
			log.Fatalf("seed: %v", err)
		}
	},
}

var (
	clearData bool
	tokenTTL  time.Duration
)

const (
	seedCustomer = "customer-demo"
	seedOperator = "ops-demo"
)

type seedPayment struct {
	amount  int64
	outcome payment.Outcome
	reason  string
	refund  bool
}

var seedPayments = []seedPayment{
	{amount: 100},
	{amount: 250, outcome: payment.OutcomeSuccess},
	{amount: 1200, outcome: payment.OutcomeSuccess, refund: true},
	{amount: 75, outcome: payment.OutcomeFailed, reason: "Request cancelled by user"},
}

func seed(ctx context.Context) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	sqlDB, db, err := initDB(cfg.Database, logger.LoggerWrapper())
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	if clearData {
		for _, table := range []string{"notification_deliveries", "provider_transactions", "payment_attempts"} {
			if err := db.Exec("DELETE FROM " + table).Error; err != nil {
				return fmt.Errorf("clear %s: %w", table, err)
			}
		}
		fmt.Println("Cleared existing payments")
	}

	repo, err := paymentpg.NewPaymentRepository(db)
	if err != nil {
		return err
	}

	for i, sp := range seedPayments {
		a, err := repo.Create(ctx, payment.NewAttempt{
			ExternalReference: "ws_CO_SEED_" + uuid.NewString()[:8],
			MerchantRequestID: fmt.Sprintf("seed-%d", i),
			AccountReference:  fmt.Sprintf("DEMO-%03d", i+1),
			Description:       "Demo order",
			OwnerID:           seedCustomer,
			Phone:             "254708374149",
			Amount:            sp.amount,
			Currency:          "KES",
		})
		if err != nil {
			return fmt.Errorf("create demo payment: %w", err)
		}

		if sp.outcome != "" {
			details := payment.OutcomeDetails{Reason: sp.reason}
			if sp.outcome == payment.OutcomeSuccess {
				details.Receipt = fmt.Sprintf("SEED%06d", i+1)
				details.ResultCode = "0"
			}
			if _, _, err := repo.ApplyOutcome(ctx, a.ExternalReference, sp.outcome, details); err != nil {
				return fmt.Errorf("settle %s: %w", a.ExternalReference, err)
			}
		}
		if sp.refund {
			if _, err := repo.Refund(ctx, a.ID, "demo refund", seedOperator); err != nil {
				return fmt.Errorf("refund %s: %w", a.ExternalReference, err)
			}
		}
		fmt.Println("Seeded payment:", a.ExternalReference)
	}

	tokens := auth.NewJWTTokenGenerator(cfg.Security.JWTSecret, cfg.Security.JWTIssuer)
	customer, err := tokens.GenerateAccessToken(seedCustomer, nil, tokenTTL)
	if err != nil {
		return err
	}
	operator, err := tokens.GenerateAccessToken(seedOperator, []string{auth.PermissionAdmin}, tokenTTL)
	if err != nil {
		return err
	}
	fmt.Printf("\ncustomer token (%s):\n%s\n\noperator token (%s):\n%s\n", seedCustomer, customer, seedOperator, operator)
	return nil
}

func init() {
	seedCmd.Flags().BoolVar(&clearData, "clear", false, "Clear existing data before seeding")
	seedCmd.Flags().DurationVar(&tokenTTL, "token-ttl", 24*time.Hour, "lifetime of the printed tokens")
}
