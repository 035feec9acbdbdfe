package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/smallbiznis/hotelier/internal/clock"
	invoicedomain "github.com/smallbiznis/hotelier/internal/invoice/domain"
	obsmetrics "github.com/smallbiznis/hotelier/internal/observability/metrics"
	"github.com/smallbiznis/hotelier/internal/ratelimit"
	submissiondomain "github.com/smallbiznis/hotelier/internal/submission/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSubmission struct {
	mu          sync.Mutex
	summary     submissiondomain.RetrySummary
	retryErr    error
	backlog     int64
	backlogErr  error
	retryCalls  int
	lastLimit   int
	backlogRuns int
}

func (f *fakeSubmission) Submit(context.Context, snowflake.ID) (*invoicedomain.Invoice, error) {
	return nil, nil
}

func (f *fakeSubmission) CreateAndSubmit(context.Context, invoicedomain.CreateInvoiceRequest) (*invoicedomain.Invoice, error) {
	return nil, nil
}

func (f *fakeSubmission) Cancel(context.Context, snowflake.ID, string) (*invoicedomain.Invoice, error) {
	return nil, nil
}

func (f *fakeSubmission) RetryDue(_ context.Context, limit int) (submissiondomain.RetrySummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retryCalls++
	f.lastLimit = limit
	return f.summary, f.retryErr
}

func (f *fakeSubmission) PendingBacklog(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.backlogRuns++
	return f.backlog, f.backlogErr
}

func newTestScheduler(t *testing.T, sub *fakeSubmission, cfg Config, locker ratelimit.InFlightLocker) (*Scheduler, *prometheus.Registry) {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	registry := prometheus.NewRegistry()

	s, err := New(Params{
		Log:        zap.NewNop(),
		GenID:      node,
		Clock:      clock.NewFakeClock(time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)),
		Submission: sub,
		Config:     cfg,
		Locker:     locker,
		Metrics:    obsmetrics.NewSchedulerMetricsForTest(registry),
	})
	require.NoError(t, err)
	return s, registry
}

func TestNewRejectsMissingDependencies(t *testing.T) {
	_, err := New(Params{Log: zap.NewNop()})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestRunJobTimeoutDoesNotReturnErrorAndIncrementsTimeout(t *testing.T) {
	s, registry := newTestScheduler(t, &fakeSubmission{}, Config{}, nil)

	err := s.runJob(context.Background(), "timeout_job", 0, 5*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)

	labels := map[string]string{
		"service": "hotelier",
		"env":     "test",
		"job":     "timeout_job",
	}
	assert.Equal(t, float64(1), getCounterValue(t, registry, "hotelier_scheduler_job_timeouts_total", labels))

	errorLabels := map[string]string{
		"service": "hotelier",
		"env":     "test",
		"job":     "timeout_job",
		"reason":  obsmetrics.SchedulerJobReasonDeadlineExceeded,
	}
	assert.Equal(t, float64(1), getCounterValue(t, registry, "hotelier_scheduler_job_errors_total", errorLabels))
}

func TestRunJobWrapsHardErrors(t *testing.T) {
	s, _ := newTestScheduler(t, &fakeSubmission{}, Config{}, nil)
	boom := errors.New("boom")

	err := s.runJob(context.Background(), "failing_job", 0, time.Second, func(context.Context) error {
		return boom
	})

	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "failing_job")
}

func TestRunOnceSweepsAndCountsOutcomes(t *testing.T) {
	sub := &fakeSubmission{
		summary: submissiondomain.RetrySummary{Scanned: 4, Accepted: 2, Retrying: 1, Failed: 1},
		backlog: 7,
	}
	s, registry := newTestScheduler(t, sub, Config{BatchSize: 10}, nil)

	require.NoError(t, s.RunOnce(context.Background()))

	assert.Equal(t, 1, sub.retryCalls)
	assert.Equal(t, 10, sub.lastLimit)
	assert.Equal(t, 1, sub.backlogRuns)

	accepted := map[string]string{
		"service":  "hotelier",
		"env":      "test",
		"job":      JobRetrySubmissions,
		"resource": "accepted",
	}
	assert.Equal(t, float64(2), getCounterValue(t, registry, "hotelier_scheduler_batch_processed_total", accepted))

	runs := map[string]string{"service": "hotelier", "env": "test", "job": JobPendingBacklog}
	assert.Equal(t, float64(1), getCounterValue(t, registry, "hotelier_scheduler_job_runs_total", runs))
}

func TestRunOnceJoinsJobErrors(t *testing.T) {
	sub := &fakeSubmission{
		retryErr:   errors.New("db down"),
		backlogErr: errors.New("db down"),
	}
	s, _ := newTestScheduler(t, sub, Config{}, nil)

	err := s.RunOnce(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), JobRetrySubmissions)
	assert.Contains(t, err.Error(), JobPendingBacklog)
}

func TestRunOnceHonoursEnabledJobs(t *testing.T) {
	sub := &fakeSubmission{}
	s, _ := newTestScheduler(t, sub, Config{EnabledJobs: []string{"PENDING_BACKLOG"}}, nil)

	require.NoError(t, s.RunOnce(context.Background()))

	assert.Zero(t, sub.retryCalls)
	assert.Equal(t, 1, sub.backlogRuns)
}

func TestRunOnceSkipsWhenSweepLockHeld(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC))
	locker := ratelimit.NewLocalLocker(clk)
	_, ok, err := locker.TryLock(context.Background(), ratelimit.SchedulerLockKey(sweepLockName), time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	sub := &fakeSubmission{}
	s, _ := newTestScheduler(t, sub, Config{}, locker)

	require.NoError(t, s.RunOnce(context.Background()))
	assert.Zero(t, sub.retryCalls)
	assert.Zero(t, sub.backlogRuns)
}

func TestRunOnceReleasesSweepLock(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC))
	locker := ratelimit.NewLocalLocker(clk)
	sub := &fakeSubmission{}
	s, _ := newTestScheduler(t, sub, Config{}, locker)

	require.NoError(t, s.RunOnce(context.Background()))
	require.NoError(t, s.RunOnce(context.Background()))

	assert.Equal(t, 2, sub.retryCalls)
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{JobTimeout: 20 * time.Minute}.withDefaults()

	assert.Equal(t, time.Minute, cfg.RunInterval)
	assert.Equal(t, 50, cfg.BatchSize)
	assert.Greater(t, cfg.LockTTL, cfg.JobTimeout)
}

func getCounterValue(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	metricFamilies, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metricFamilies {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.Metric {
			if !labelsMatch(metric, labels) {
				continue
			}
			if metric.Counter == nil {
				t.Fatalf("metric %s is not a counter", name)
			}
			return metric.GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return 0
}

func labelsMatch(metric *dto.Metric, labels map[string]string) bool {
	if len(metric.Label) != len(labels) {
		return false
	}
	for _, label := range metric.Label {
		if labels[label.GetName()] != label.GetValue() {
			return false
		}
	}
	return true
}
