package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi"
	"github.com/spf13/cobra"

	"github.com/frahmantamala/mpesa-payments/api"
	"github.com/frahmantamala/mpesa-payments/internal/auth"
	"github.com/frahmantamala/mpesa-payments/internal/notification"
	"github.com/frahmantamala/mpesa-payments/internal/payment"
	"github.com/frahmantamala/mpesa-payments/internal/transport"
	"github.com/frahmantamala/mpesa-payments/internal/transport/rest"
	"github.com/frahmantamala/mpesa-payments/internal/transport/swagger"
)

var withScheduler bool

var httpServerCmd = &cobra.Command{
	Use:   "server",
	Short: "Start HTTP server",
	Long:  `Start the HTTP server for payment initiation, provider callbacks and administration`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := startHTTPServer(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	},
}

func init() {
	httpServerCmd.Flags().BoolVar(&withScheduler, "with-scheduler", false, "also run the reconciliation jobs in this process")
}

func startHTTPServer() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := initializeDependencies(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize dependencies: %w", err)
	}
	defer deps.Close()
	log := deps.Logger

	router, err := setupRoutes(ctx, deps)
	if err != nil {
		log.Error("failed to set up routes", "error", err)
		return err
	}

	if withScheduler {
		deps.Scheduler.Start(ctx)
	}

	addr := fmt.Sprintf(":%d", deps.Config.Server.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: deps.Config.Server.ReadHeaderTimeout,
		ReadTimeout:       deps.Config.Server.ReadTimeout,
		WriteTimeout:      deps.Config.Server.WriteTimeout,
		IdleTimeout:       deps.Config.Server.IdleTimeout,
	}

	serverErrChan := make(chan error, 1)
	go func() {
		log.Info("starting HTTP server", "address", addr, "scheduler", withScheduler)
		serverErrChan <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("received signal, shutting down")
	case err := <-serverErrChan:
		if err != nil && err != http.ErrServerClosed {
			log.Error("server failed to start", "error", err)
			stop()
			deps.Scheduler.Wait()
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown error", "error", err)
	}

	// in-flight reconciliation passes and notifications finish before the pool closes
	deps.Scheduler.Wait()
	deps.Bus.Wait()

	log.Info("server stopped")
	return nil
}

func setupRoutes(ctx context.Context, deps *Dependencies) (*chi.Mux, error) {
	spec, err := swagger.Load(ctx, api.OpenAPI)
	if err != nil {
		return nil, err
	}

	base := transport.NewBaseHandler(deps.Logger)
	tokens := auth.NewJWTTokenGenerator(deps.Config.Security.JWTSecret, deps.Config.Security.JWTIssuer)

	router := chi.NewRouter()
	rest.RegisterAllRoutes(router, rest.Routes{
		Health: rest.NewHealthHandler(base, map[string]rest.Check{
			"postgres": rest.DatabaseCheck(deps.SQL),
		}),
		Spec:           spec,
		Authenticator:  auth.NewMiddleware(base, tokens),
		RBAC:           auth.NewRBACAuthorization(deps.Authorizer, deps.Logger),
		Payments:       payment.NewHandler(base, deps.Service),
		Callbacks:      payment.NewWebhookHandler(base, deps.Processor),
		Deliveries:     notification.NewHandler(base, deps.Deliveries),
		AllowedOrigins: deps.Config.Server.AllowedOrigins,
	}, deps.Logger)

	return router, nil
}
