package reconcile_test

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/frahmantamala/mpesa-payments/internal/reconcile"
)

// every fires on a short fixed interval.
type every time.Duration

func (e every) Next(t time.Time) time.Time { return t.Add(time.Duration(e)) }

type probeJob struct {
	name    string
	delay   time.Duration
	panics  bool
	runs    atomic.Int32
	active  atomic.Int32
	mu      sync.Mutex
	overlap bool
}

func (j *probeJob) Name() string { return j.name }

func (j *probeJob) Run(ctx context.Context, now time.Time) reconcile.Report {
	if j.active.Add(1) > 1 {
		j.mu.Lock()
		j.overlap = true
		j.mu.Unlock()
	}
	defer j.active.Add(-1)

	j.runs.Add(1)
	if j.panics {
		panic("boom")
	}
	time.Sleep(j.delay)
	return reconcile.Report{Scanned: 1}
}

func (j *probeJob) Overlapped() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.overlap
}

var _ = Describe("Scheduler", func() {
	var scheduler *reconcile.Scheduler

	BeforeEach(func() {
		scheduler = reconcile.NewScheduler(quietLogger())
	})

	It("rejects an invalid schedule", func() {
		err := scheduler.Add("every ten minutes", &probeJob{name: "bad"})
		Expect(err).To(MatchError(ContainSubstring("bad")))
	})

	It("accepts descriptors and cron expressions", func() {
		Expect(scheduler.Add("@every 10m", &probeJob{name: "a"})).To(Succeed())
		Expect(scheduler.Add("*/5 * * * *", &probeJob{name: "b"})).To(Succeed())
		Expect(scheduler.Jobs()).To(Equal([]string{"a", "b"}))
	})

	It("runs a single pass by name", func() {
		job := &probeJob{name: reconcile.JobStaleSweep}
		scheduler.AddSchedule("@every 10m", every(time.Hour), job)

		report, err := scheduler.RunOnce(context.Background(), reconcile.JobStaleSweep)
		Expect(err).ToNot(HaveOccurred())
		Expect(report.Job).To(Equal(reconcile.JobStaleSweep))
		Expect(report.Scanned).To(Equal(1))

		_, err = scheduler.RunOnce(context.Background(), "nope")
		Expect(err).To(MatchError(ContainSubstring("stale-sweep")))
	})

	It("keeps looping without overlapping itself and stops on cancel", func() {
		job := &probeJob{name: "slow", delay: 30 * time.Millisecond}
		scheduler.AddSchedule("fast", every(5*time.Millisecond), job)

		ctx, cancel := context.WithCancel(context.Background())
		scheduler.Start(ctx)

		Eventually(func() int32 { return job.runs.Load() }, time.Second, 5*time.Millisecond).Should(BeNumerically(">=", 3))
		cancel()
		scheduler.Wait()

		Expect(job.Overlapped()).To(BeFalse())
		stopped := job.runs.Load()
		Consistently(func() int32 { return job.runs.Load() }, 50*time.Millisecond).Should(Equal(stopped))
	})

	It("survives a panicking job", func() {
		job := &probeJob{name: "panicky", panics: true}
		scheduler.AddSchedule("fast", every(5*time.Millisecond), job)

		ctx, cancel := context.WithCancel(context.Background())
		scheduler.Start(ctx)
		defer func() {
			cancel()
			scheduler.Wait()
		}()

		Eventually(func() int32 { return job.runs.Load() }, time.Second, 5*time.Millisecond).Should(BeNumerically(">=", 2))

		report, err := scheduler.RunOnce(context.Background(), "panicky")
		Expect(err).ToNot(HaveOccurred())
		Expect(report.Err).To(MatchError(ContainSubstring("boom")))
	})
})
