package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/spf13/cast"
	"golang.org/x/sync/errgroup"

	datamodel "github.com/frahmantamala/mpesa-payments/internal/core/datamodel/payment"
	gatewaytypes "github.com/frahmantamala/mpesa-payments/internal/core/datamodel/paymentgateway"
	"github.com/frahmantamala/mpesa-payments/internal/notification"
	"github.com/frahmantamala/mpesa-payments/internal/payment"
)

const (
	JobStaleSweep   = "stale-sweep"
	JobActivePoll   = "active-poll"
	JobWebhookRetry = "webhook-retry"

	TimeoutReason = "timeout"
)

type StaleFinder interface {
	FindStalePending(ctx context.Context, cutoff time.Time) ([]datamodel.Attempt, error)
}

type ActiveFinder interface {
	FindActivePending(ctx context.Context, createdAfter, createdBefore time.Time) ([]datamodel.Attempt, error)
}

// Expirer settles stale attempts, first from recorded observations and only
// then by timing them out.
type Expirer interface {
	Replay(ctx context.Context, externalReference string) (*payment.ApplyResult, error)
	Expire(ctx context.Context, externalReference, reason string) (*payment.ApplyResult, error)
}

type ObservationApplier interface {
	Apply(ctx context.Context, obs payment.Observation) (*payment.ApplyResult, error)
}

type StatusQuerier interface {
	QueryStatus(ctx context.Context, externalReference string) (datamodel.DerivedStatus, json.RawMessage, error)
}

type DeliveryRetrier interface {
	RetryDue(ctx context.Context, now time.Time, limit int) notification.RetryReport
}

// tally counts a settle result into the report.
func tally(r *Report, res *payment.ApplyResult) {
	if res.Transitioned {
		r.Transitioned++
		return
	}
	r.Skipped++
}

// StaleSweep fails PENDING attempts nobody reported on before the deadline.
type StaleSweep struct {
	finder     StaleFinder
	expirer    Expirer
	staleAfter time.Duration
	logger     *slog.Logger
}

func NewStaleSweep(finder StaleFinder, expirer Expirer, staleAfter time.Duration, logger *slog.Logger) *StaleSweep {
	return &StaleSweep{finder: finder, expirer: expirer, staleAfter: staleAfter, logger: logger}
}

func (j *StaleSweep) Name() string { return JobStaleSweep }

func (j *StaleSweep) Run(ctx context.Context, now time.Time) Report {
	var report Report

	stale, err := j.finder.FindStalePending(ctx, now.Add(-j.staleAfter))
	if err != nil {
		report.Err = err
		return report
	}
	report.Scanned = len(stale)

	var errs []error
	for _, a := range stale {
		replayed, err := j.expirer.Replay(ctx, a.ExternalReference)
		if err != nil {
			report.Failed++
			errs = append(errs, fmt.Errorf("replay %s: %w", a.ExternalReference, err))
			continue
		}
		if replayed.Transitioned {
			j.logger.Warn("stale payment settled from recorded observation",
				"external_reference", a.ExternalReference,
				"status", replayed.Attempt.Status)
			report.Transitioned++
			continue
		}
		if replayed.Attempt != nil && replayed.Attempt.Status != datamodel.StatusPending {
			report.Skipped++
			continue
		}

		res, err := j.expirer.Expire(ctx, a.ExternalReference, TimeoutReason)
		if err != nil {
			report.Failed++
			errs = append(errs, fmt.Errorf("expire %s: %w", a.ExternalReference, err))
			continue
		}
		if res.Rejection != nil {
			j.logger.Info("stale payment moved before the sweep reached it",
				"external_reference", a.ExternalReference,
				"reason", res.Rejection.Error())
		}
		tally(&report, res)
	}

	report.Err = errors.Join(errs...)
	return report
}

// ActivePoll asks the gateway about attempts that are old enough to have an
// answer but not yet stale.
type ActivePoll struct {
	finder      ActiveFinder
	gateway     StatusQuerier
	applier     ObservationApplier
	minAge      time.Duration
	maxAge      time.Duration
	concurrency int
	logger      *slog.Logger
}

func NewActivePoll(finder ActiveFinder, gateway StatusQuerier, applier ObservationApplier, minAge, maxAge time.Duration, concurrency int, logger *slog.Logger) *ActivePoll {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &ActivePoll{
		finder:      finder,
		gateway:     gateway,
		applier:     applier,
		minAge:      minAge,
		maxAge:      maxAge,
		concurrency: concurrency,
		logger:      logger,
	}
}

func (j *ActivePoll) Name() string { return JobActivePoll }

func (j *ActivePoll) Run(ctx context.Context, now time.Time) Report {
	var report Report

	active, err := j.finder.FindActivePending(ctx, now.Add(-j.maxAge), now.Add(-j.minAge))
	if err != nil {
		report.Err = err
		return report
	}
	report.Scanned = len(active)

	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	g.SetLimit(j.concurrency)

	for _, a := range active {
		ref := a.ExternalReference
		g.Go(func() error {
			res, err := j.safePoll(ctx, ref)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed++
				errs = append(errs, fmt.Errorf("poll %s: %w", ref, err))
				return nil
			}
			tally(&report, res)
			return nil
		})
	}
	_ = g.Wait()

	report.Err = errors.Join(errs...)
	return report
}

func (j *ActivePoll) safePoll(ctx context.Context, ref string) (res *payment.ApplyResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			j.logger.Error("status poll panicked",
				"external_reference", ref,
				"panic", r,
				"stack", string(debug.Stack()))
			res, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()
	return j.poll(ctx, ref)
}

func (j *ActivePoll) poll(ctx context.Context, ref string) (*payment.ApplyResult, error) {
	derived, raw, err := j.gateway.QueryStatus(ctx, ref)
	if err != nil {
		j.logger.Warn("status query failed", "external_reference", ref, "error", err)
		return nil, err
	}

	obs := payment.Observation{
		ExternalReference: ref,
		Source:            datamodel.SourcePoll,
		Derived:           derived,
		Raw:               raw,
	}
	var resp gatewaytypes.STKQueryResponse
	if json.Unmarshal(raw, &resp) == nil {
		obs.ResultCode = cast.ToString(resp.ResultCode)
		obs.Description = resp.ResultDesc
	}

	return j.applier.Apply(ctx, obs)
}

// WebhookRetry resends notifications whose previous attempt failed.
type WebhookRetry struct {
	retrier   DeliveryRetrier
	batchSize int
}

func NewWebhookRetry(retrier DeliveryRetrier, batchSize int) *WebhookRetry {
	return &WebhookRetry{retrier: retrier, batchSize: batchSize}
}

func (j *WebhookRetry) Name() string { return JobWebhookRetry }

func (j *WebhookRetry) Run(ctx context.Context, now time.Time) Report {
	r := j.retrier.RetryDue(ctx, now, j.batchSize)
	return Report{
		Scanned:      r.Due,
		Transitioned: r.Delivered,
		Skipped:      r.Rescheduled,
		Failed:       r.Exhausted,
		Err:          r.Err,
	}
}
