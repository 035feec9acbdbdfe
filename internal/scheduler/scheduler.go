package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/hotelier/internal/audit/domain"
	auditcontext "github.com/smallbiznis/hotelier/internal/auditcontext"
	"github.com/smallbiznis/hotelier/internal/clock"
	obsmetrics "github.com/smallbiznis/hotelier/internal/observability/metrics"
	"github.com/smallbiznis/hotelier/internal/ratelimit"
	submissiondomain "github.com/smallbiznis/hotelier/internal/submission/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

const sweepLockName = "sweep"

type Params struct {
	fx.In

	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Submission submissiondomain.Service
	Config     Config                       `optional:"true"`
	Locker     ratelimit.InFlightLocker     `optional:"true"`
	AuditSvc   auditdomain.Service          `optional:"true"`
	Metrics    *obsmetrics.SchedulerMetrics `optional:"true"`
}

type Scheduler struct {
	log        *zap.Logger
	cfg        Config
	genID      *snowflake.Node
	clock      clock.Clock
	submission submissiondomain.Service
	locker     ratelimit.InFlightLocker
	auditSvc   auditdomain.Service
	metrics    *obsmetrics.SchedulerMetrics
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.GenID == nil || p.Clock == nil || p.Submission == nil {
		return nil, ErrInvalidConfig
	}
	metrics := p.Metrics
	if metrics == nil {
		metrics = obsmetrics.Scheduler()
	}
	return &Scheduler{
		log:        p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:        p.Config.withDefaults(),
		genID:      p.GenID,
		clock:      p.Clock,
		submission: p.Submission,
		locker:     p.Locker,
		auditSvc:   p.AuditSvc,
		metrics:    metrics,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx = auditcontext.WithActor(ctx, string(auditdomain.ActorTypeScheduler), "scheduler")
	ctx, run, owner := s.ensureJobRun(ctx, name, batchSize)
	if owner {
		s.logJobStart(ctx, run)
	}
	log := s.logger(ctx).With(
		zap.String("job", name),
		zap.String("run_id", run.runID),
	)
	s.metrics.IncJobRun(name)

	err := fn(ctx)
	s.metrics.ObserveJobDuration(name, s.clock.Now().Sub(start))
	if owner {
		if err != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	// a deadline is a soft timeout; the next tick picks up the rest
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		s.metrics.IncJobTimeout(name)
	}
	s.metrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

// RunOnce executes one sweep. When another replica holds the sweep lock the
// tick is skipped.
func (s *Scheduler) RunOnce(parent context.Context) error {
	release, ok := s.acquireSweep(parent)
	if !ok {
		return nil
	}
	defer release()

	var err error
	jobs := []struct {
		Name string
		Run  func(context.Context) error
	}{
		{JobRetrySubmissions, s.RetrySubmissionsJob},
		{JobPendingBacklog, s.PendingBacklogJob},
	}
	for _, job := range jobs {
		if !s.isJobEnabled(job.Name) {
			continue
		}
		err = errors.Join(err, s.runJob(parent, job.Name, s.cfg.BatchSize, s.cfg.JobTimeout, job.Run))
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)

	for {
		runLag := s.clock.Now().Sub(nextRun)
		if runLag > 0 {
			s.metrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

// RetrySubmissionsJob resubmits pending documents whose backoff has elapsed.
func (s *Scheduler) RetrySubmissionsJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobRetrySubmissions, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	summary, err := s.submission.RetryDue(ctx, s.cfg.BatchSize)
	run.AddProcessed(summary.Scanned)
	s.metrics.AddBatchProcessed(JobRetrySubmissions, "accepted", summary.Accepted)
	s.metrics.AddBatchProcessed(JobRetrySubmissions, "retrying", summary.Retrying)
	s.metrics.AddBatchProcessed(JobRetrySubmissions, "failed", summary.Failed)
	s.metrics.AddBatchProcessed(JobRetrySubmissions, "skipped", summary.Skipped)
	for i := 0; i < summary.Errored; i++ {
		run.IncError()
	}
	if err != nil {
		s.logSchedulerError(ctx, run, "retry sweep failed", err)
		return err
	}
	if summary.Throttled {
		s.logger(ctx).Info("retry sweep throttled by provider rate limit",
			zap.Int("scanned", summary.Scanned),
		)
	}
	if summary.Scanned > 0 {
		s.emitSweepAudit(ctx, run, summary)
	}
	return nil
}

// PendingBacklogJob refreshes the pending backlog gauge.
func (s *Scheduler) PendingBacklogJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobPendingBacklog, 0)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	pending, err := s.submission.PendingBacklog(ctx)
	if err != nil {
		s.logSchedulerError(ctx, run, "pending backlog refresh failed", err)
		return err
	}
	s.logger(ctx).Debug("pending backlog", zap.Int64("pending", pending))
	return nil
}

func (s *Scheduler) acquireSweep(ctx context.Context) (func(), bool) {
	if s.locker == nil {
		return func() {}, true
	}
	key := ratelimit.SchedulerLockKey(sweepLockName)
	token, ok, err := s.locker.TryLock(ctx, key, s.cfg.LockTTL)
	if err != nil {
		// fail open
		s.log.Warn("scheduler lock unavailable, sweeping without it", zap.Error(err))
		return func() {}, true
	}
	if !ok {
		s.log.Debug("scheduler sweep held by another replica")
		return nil, false
	}
	return func() {
		if err := s.locker.Release(context.Background(), key, token); err != nil {
			s.log.Warn("failed to release scheduler lock", zap.Error(err))
		}
	}, true
}

func (s *Scheduler) emitSweepAudit(ctx context.Context, run *jobRun, summary submissiondomain.RetrySummary) {
	if s.auditSvc == nil {
		return
	}
	runID := run.runID
	actorID := "scheduler"
	_ = s.auditSvc.AuditLog(ctx, string(auditdomain.ActorTypeScheduler), &actorID, "submission.retry_sweep", "scheduler_run", &runID, map[string]any{
		"scanned":   summary.Scanned,
		"accepted":  summary.Accepted,
		"retrying":  summary.Retrying,
		"failed":    summary.Failed,
		"skipped":   summary.Skipped,
		"errored":   summary.Errored,
		"throttled": summary.Throttled,
	})
}
