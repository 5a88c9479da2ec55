package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/frahmantamala/mpesa-payments/internal/reconcile"
)

type scriptedRunner struct {
	reports map[string]reconcile.Report
	ran     []string
}

func (r *scriptedRunner) Jobs() []string {
	return []string{reconcile.JobActivePoll, reconcile.JobStaleSweep}
}

func (r *scriptedRunner) RunOnce(_ context.Context, name string) (reconcile.Report, error) {
	report, ok := r.reports[name]
	if !ok {
		return reconcile.Report{}, fmt.Errorf("unknown job %q", name)
	}
	r.ran = append(r.ran, name)
	return report, nil
}

var _ = Describe("runJobsOnce", func() {
	var (
		runner *scriptedRunner
		log    *slog.Logger
	)

	BeforeEach(func() {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
		runner = &scriptedRunner{reports: map[string]reconcile.Report{
			reconcile.JobActivePoll: {Job: reconcile.JobActivePoll},
			reconcile.JobStaleSweep: {Job: reconcile.JobStaleSweep},
		}}
	})

	It("runs every job and reports success", func() {
		Expect(runJobsOnce(context.Background(), runner, "", log)).To(Equal(exitOK))
		Expect(runner.ran).To(Equal([]string{reconcile.JobActivePoll, reconcile.JobStaleSweep}))
	})

	It("keeps going after a failed pass and reports the failure", func() {
		runner.reports[reconcile.JobActivePoll] = reconcile.Report{Err: errors.New("gateway down")}

		Expect(runJobsOnce(context.Background(), runner, "", log)).To(Equal(exitFailure))
		Expect(runner.ran).To(HaveLen(2))
	})

	It("returns instead of exiting for an unknown job", func() {
		Expect(runJobsOnce(context.Background(), runner, "nightly", log)).To(Equal(exitUnknownJob))
		Expect(runner.ran).To(BeEmpty())
	})
})
