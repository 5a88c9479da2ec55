// Package reconcile runs the background jobs that keep the ledger honest
// when callbacks are late, lost or never sent.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

type Job interface {
	Name() string
	Run(ctx context.Context, now time.Time) Report
}

// Report summarises one pass of a job. Per-record failures are joined into Err.
type Report struct {
	Job          string
	Scanned      int
	Transitioned int
	Skipped      int
	Failed       int
	Duration     time.Duration
	Err          error
}

type scheduledJob struct {
	job      Job
	spec     string
	schedule cron.Schedule
}

// Scheduler runs every job on its own loop. A job's next firing time is
// computed after its previous run returns, so a job never overlaps itself.
type Scheduler struct {
	jobs   []*scheduledJob
	logger *slog.Logger
	now    func() time.Time
	wg     sync.WaitGroup
}

func NewScheduler(logger *slog.Logger) *Scheduler {
	return &Scheduler{
		logger: logger,
		now:    time.Now,
	}
}

// Add registers job under a cron expression or descriptor such as "@every 10m".
func (s *Scheduler) Add(spec string, job Job) error {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return fmt.Errorf("job %s: invalid schedule %q: %w", job.Name(), spec, err)
	}
	s.AddSchedule(spec, schedule, job)
	return nil
}

func (s *Scheduler) AddSchedule(spec string, schedule cron.Schedule, job Job) {
	s.jobs = append(s.jobs, &scheduledJob{job: job, spec: spec, schedule: schedule})
}

func (s *Scheduler) Jobs() []string {
	names := make([]string, 0, len(s.jobs))
	for _, j := range s.jobs {
		names = append(names, j.job.Name())
	}
	sort.Strings(names)
	return names
}

// Start launches the loops. They stop when ctx is cancelled; Wait blocks
// until the running passes have returned.
func (s *Scheduler) Start(ctx context.Context) {
	for _, j := range s.jobs {
		s.wg.Add(1)
		go s.loop(ctx, j)
	}
	s.logger.Info("reconciliation scheduler started", "jobs", s.Jobs())
}

func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, j *scheduledJob) {
	defer s.wg.Done()

	for {
		now := s.now()
		next := j.schedule.Next(now)
		timer := time.NewTimer(next.Sub(now))

		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("reconciliation job stopped", "job", j.job.Name())
			return
		case <-timer.C:
		}

		s.execute(ctx, j.job)
	}
}

// RunOnce runs a single pass of the named job.
func (s *Scheduler) RunOnce(ctx context.Context, name string) (Report, error) {
	for _, j := range s.jobs {
		if j.job.Name() == name {
			return s.execute(ctx, j.job), nil
		}
	}
	return Report{}, fmt.Errorf("unknown job %q, expected one of %s", name, strings.Join(s.Jobs(), ", "))
}

func (s *Scheduler) execute(ctx context.Context, job Job) (report Report) {
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("reconciliation job panicked",
				"job", job.Name(),
				"panic", r,
				"stack", string(debug.Stack()))
			report = Report{Job: job.Name(), Duration: time.Since(start), Err: fmt.Errorf("job %s panicked: %v", job.Name(), r)}
		}
	}()

	report = job.Run(ctx, s.now())
	report.Job = job.Name()
	report.Duration = time.Since(start)
	s.log(report)
	return report
}

func (s *Scheduler) log(r Report) {
	attrs := []any{
		"job", r.Job,
		"scanned", r.Scanned,
		"transitioned", r.Transitioned,
		"skipped", r.Skipped,
		"failed", r.Failed,
		"duration_ms", r.Duration.Milliseconds(),
	}
	if r.Err != nil {
		s.logger.Warn("reconciliation pass finished with errors", append(attrs, "error", r.Err)...)
		return
	}
	s.logger.Info("reconciliation pass finished", attrs...)
}
