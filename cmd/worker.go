package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/frahmantamala/mpesa-payments/internal/reconcile"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start background workers",
	Long:  `Start background workers that run outside the HTTP server`,
}

var reconcileWorkerCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run the reconciliation jobs",
	Long: `Run the stale sweep, active status poll and webhook retry jobs on their schedules.
With --once, run a single pass of --job (or of every job) and exit.`,
	Run: func(cmd *cobra.Command, args []string) {
		if code := startReconcileWorker(); code != exitOK {
			os.Exit(code)
		}
	},
}

var (
	runOnce bool
	onlyJob string
)

const (
	exitOK = iota
	exitFailure
	exitUnknownJob
)

// startReconcileWorker returns the process exit code so deferred cleanup
// runs before the caller exits.
func startReconcileWorker() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := initializeDependencies(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize dependencies: %v\n", err)
		return exitFailure
	}
	defer deps.Close()
	log := deps.Logger

	if runOnce {
		code := runJobsOnce(ctx, deps.Scheduler, onlyJob, log)
		deps.Bus.Wait()
		return code
	}

	deps.Scheduler.Start(ctx)
	log.Info("reconciliation worker is running. Press Ctrl+C to stop.")

	<-ctx.Done()
	log.Info("received signal, waiting for running passes")
	deps.Scheduler.Wait()
	deps.Bus.Wait()
	log.Info("reconciliation worker stopped")
	return exitOK
}

type onceRunner interface {
	Jobs() []string
	RunOnce(ctx context.Context, name string) (reconcile.Report, error)
}

// runJobsOnce runs one pass of job, or of every job when job is empty.
func runJobsOnce(ctx context.Context, runner onceRunner, job string, log *slog.Logger) int {
	jobs := runner.Jobs()
	if job != "" {
		jobs = []string{job}
	}

	code := exitOK
	for _, name := range jobs {
		report, err := runner.RunOnce(ctx, name)
		if err != nil {
			log.Error("cannot run job", "error", err)
			return exitUnknownJob
		}
		if report.Err != nil {
			code = exitFailure
		}
	}
	return code
}

func init() {
	reconcileWorkerCmd.Flags().BoolVar(&runOnce, "once", false, "run a single pass and exit")
	reconcileWorkerCmd.Flags().StringVar(&onlyJob, "job", "", "limit --once to one job (stale-sweep, active-poll, webhook-retry)")

	workerCmd.AddCommand(reconcileWorkerCmd)
	rootCmd.AddCommand(workerCmd)
}
