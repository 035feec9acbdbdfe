package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/smallbiznis/hotelier/internal/clock"
	"github.com/smallbiznis/hotelier/internal/observability/metrics"
	sequencedomain "github.com/smallbiznis/hotelier/internal/sequence/domain"
	"github.com/smallbiznis/hotelier/internal/sequence/repository"
	"github.com/smallbiznis/hotelier/internal/testutil"
	"github.com/smallbiznis/hotelier/pkg/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var issueDay = time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)

type fixture struct {
	db        *gorm.DB
	clock     *clock.FakeClock
	allocator sequencedomain.Allocator
	registry  *prometheus.Registry
	accel     *testutil.TimeAccelerator
}

func newFixture(t *testing.T, w testutil.Window) *fixture {
	t.Helper()

	conn := testutil.OpenDB(t)
	node := testutil.Node(t)
	if w.Prefix == "" {
		w.Prefix = "FEH"
	}
	if w.ValidFrom.IsZero() {
		w.ValidFrom = issueDay.AddDate(0, -1, 0)
	}
	if w.ValidTo.IsZero() {
		w.ValidTo = issueDay.AddDate(1, 0, 0)
	}
	testutil.SeedWindow(t, conn, node, w)

	fake := clock.NewFakeClock(issueDay)
	registry := prometheus.NewRegistry()
	m := metrics.NewFiscalMetricsForTest(registry)
	return &fixture{
		db:    conn,
		clock: fake,
		allocator: NewAllocator(Params{
			Log:     zap.NewNop(),
			Repo:    repository.Provide(),
			Clock:   fake,
			Metrics: m,
		}),
		registry: registry,
		accel:    testutil.NewTimeAccelerator(conn),
	}
}

func (f *fixture) allocate(ctx context.Context, req sequencedomain.AllocateRequest) (sequencedomain.Allocation, error) {
	var out sequencedomain.Allocation
	err := db.RetryTx(ctx, f.db, db.DefaultTxAttempts, func(tx *gorm.DB) error {
		var err error
		out, err = f.allocator.Allocate(ctx, tx, req)
		return err
	})
	return out, err
}

func TestAllocateStartsAtRangeFromAndIsContiguous(t *testing.T) {
	f := newFixture(t, testutil.Window{From: 1000, To: 1999})
	ctx := context.Background()

	for want := int64(1000); want < 1005; want++ {
		allocation, err := f.allocate(ctx, sequencedomain.AllocateRequest{Prefix: "feh"})
		require.NoError(t, err)
		assert.Equal(t, want, allocation.Number)
		assert.Equal(t, "FEH", allocation.Prefix)
		assert.Equal(t, int64(1000), allocation.RangeFrom)
		assert.Equal(t, int64(1999), allocation.RangeTo)
	}

	count, err := promtestutil.GatherAndCount(f.registry, "hotelier_sequence_allocations_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestAllocateConcurrentCallersGetUniqueContiguousNumbers(t *testing.T) {
	f := newFixture(t, testutil.Window{From: 1, To: 500})
	ctx := context.Background()

	const workers = 40
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		numbers []int64
		errs    []error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			allocation, err := f.allocate(ctx, sequencedomain.AllocateRequest{Prefix: "FEH"})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			numbers = append(numbers, allocation.Number)
		}()
	}
	wg.Wait()

	require.Empty(t, errs)
	require.Len(t, numbers, workers)
	sort.Slice(numbers, func(i, j int) bool { return numbers[i] < numbers[j] })
	for i, n := range numbers {
		assert.Equal(t, int64(i+1), n)
	}

	seq, err := f.accel.SequenceState(ctx, "FEH")
	require.NoError(t, err)
	assert.Equal(t, int64(workers), seq.LastNumber)
}

func TestAllocateExhaustedLeavesCounterAtRangeTo(t *testing.T) {
	f := newFixture(t, testutil.Window{From: 1, To: 2})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := f.allocate(ctx, sequencedomain.AllocateRequest{Prefix: "FEH"})
		require.NoError(t, err)
	}

	_, err := f.allocate(ctx, sequencedomain.AllocateRequest{Prefix: "FEH"})
	assert.ErrorIs(t, err, sequencedomain.ErrResolutionExhausted)
	assert.True(t, IsFatal(err))

	seq, err := f.accel.SequenceState(ctx, "FEH")
	require.NoError(t, err)
	assert.Equal(t, int64(2), seq.LastNumber)
	assert.Equal(t, int64(0), seq.Remaining())
}

func TestAllocateRejectsOutsideValidity(t *testing.T) {
	f := newFixture(t, testutil.Window{From: 1, To: 10})
	ctx := context.Background()

	f.clock.Set(issueDay.AddDate(2, 0, 0))
	_, err := f.allocate(ctx, sequencedomain.AllocateRequest{Prefix: "FEH"})
	assert.ErrorIs(t, err, sequencedomain.ErrResolutionExpired)

	f.clock.Set(issueDay.AddDate(-1, 0, 0))
	_, err = f.allocate(ctx, sequencedomain.AllocateRequest{Prefix: "FEH"})
	assert.ErrorIs(t, err, sequencedomain.ErrResolutionNotYetValid)

	seq, err := f.accel.SequenceState(ctx, "FEH")
	require.NoError(t, err)
	assert.Equal(t, int64(0), seq.LastNumber)
}

func TestAllocateExpiredWindowAfterAccelerating(t *testing.T) {
	f := newFixture(t, testutil.Window{From: 1, To: 10})
	ctx := context.Background()

	require.NoError(t, f.accel.ExpireWindow(ctx, "FEH", issueDay))
	_, err := f.allocate(ctx, sequencedomain.AllocateRequest{Prefix: "FEH"})
	assert.ErrorIs(t, err, sequencedomain.ErrResolutionExpired)
}

func TestAllocatePinnedResolutionMismatch(t *testing.T) {
	f := newFixture(t, testutil.Window{From: 1, To: 10})
	ctx := context.Background()

	_, err := f.allocate(ctx, sequencedomain.AllocateRequest{Prefix: "FEH", ResolutionID: 42})
	assert.ErrorIs(t, err, sequencedomain.ErrResolutionMismatch)
}

func TestAllocateUnknownPrefix(t *testing.T) {
	f := newFixture(t, testutil.Window{From: 1, To: 10})
	ctx := context.Background()

	_, err := f.allocate(ctx, sequencedomain.AllocateRequest{Prefix: "NCH"})
	assert.ErrorIs(t, err, sequencedomain.ErrNoActiveResolution)

	_, err = f.allocate(ctx, sequencedomain.AllocateRequest{Prefix: "  "})
	assert.ErrorIs(t, err, sequencedomain.ErrInvalidPrefix)
}

func TestAllocateRolledBackTransactionDoesNotConsumeNumber(t *testing.T) {
	f := newFixture(t, testutil.Window{From: 7, To: 10})
	ctx := context.Background()
	errAbort := errors.New("abort")

	err := f.db.Transaction(func(tx *gorm.DB) error {
		allocation, err := f.allocator.Allocate(ctx, tx, sequencedomain.AllocateRequest{Prefix: "FEH"})
		require.NoError(t, err)
		assert.Equal(t, int64(7), allocation.Number)
		return errAbort
	})
	require.ErrorIs(t, err, errAbort)

	allocation, err := f.allocate(ctx, sequencedomain.AllocateRequest{Prefix: "FEH"})
	require.NoError(t, err)
	assert.Equal(t, int64(7), allocation.Number)
}

// shiftingRepo changes the sequence row inside the allocating transaction
// right before the conditional update, the way a concurrent resolution change
// or a competing allocator would.
type shiftingRepo struct {
	sequencedomain.Repository
	shift func(tx *gorm.DB) error
}

func (r *shiftingRepo) Increment(ctx context.Context, tx *gorm.DB, prefix string, resolutionID snowflake.ID, at time.Time) (bool, error) {
	if r.shift != nil {
		if err := r.shift(tx); err != nil {
			return false, err
		}
		r.shift = nil
	}
	return r.Repository.Increment(ctx, tx, prefix, resolutionID, at)
}

func TestAllocateWindowChangedBeforeIncrement(t *testing.T) {
	tests := []struct {
		name  string
		shift string
		args  []any
		want  error
	}{
		{"resolution replaced", "UPDATE invoice_sequences SET resolution_id = ? WHERE prefix = 'FEH'", []any{int64(777)}, sequencedomain.ErrResolutionMismatch},
		{"range filled", "UPDATE invoice_sequences SET last_number = range_to WHERE prefix = 'FEH'", nil, sequencedomain.ErrResolutionExhausted},
		{"validity shortened", "UPDATE invoice_sequences SET valid_to = ? WHERE prefix = 'FEH'", []any{issueDay.Add(-time.Hour)}, sequencedomain.ErrResolutionExpired},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, testutil.Window{From: 1, To: 10})
			ctx := context.Background()
			allocator := NewAllocator(Params{
				Log: zap.NewNop(),
				Repo: &shiftingRepo{
					Repository: repository.Provide(),
					shift: func(tx *gorm.DB) error {
						return tx.Exec(tc.shift, tc.args...).Error
					},
				},
				Clock: f.clock,
			})

			err := f.db.Transaction(func(tx *gorm.DB) error {
				_, err := allocator.Allocate(ctx, tx, sequencedomain.AllocateRequest{Prefix: "FEH"})
				return err
			})
			assert.ErrorIs(t, err, tc.want)

			seq, err := repository.Provide().Get(ctx, f.db, "FEH")
			require.NoError(t, err)
			require.NotNil(t, seq)
			assert.Equal(t, int64(0), seq.LastNumber)
		})
	}
}

func TestAllocateIncrementSkipsRowOutsideValidity(t *testing.T) {
	f := newFixture(t, testutil.Window{From: 1, To: 10})
	ctx := context.Background()
	repo := repository.Provide()
	resolutionID := f.resolutionID(t)

	err := f.db.Transaction(func(tx *gorm.DB) error {
		ok, err := repo.Increment(ctx, tx, "FEH", resolutionID, issueDay.AddDate(2, 0, 0))
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = repo.Increment(ctx, tx, "FEH", resolutionID, issueDay)
		require.NoError(t, err)
		assert.True(t, ok)
		return nil
	})
	require.NoError(t, err)
}

func (f *fixture) resolutionID(t *testing.T) snowflake.ID {
	t.Helper()
	seq, err := repository.Provide().Get(context.Background(), f.db, "FEH")
	require.NoError(t, err)
	require.NotNil(t, seq)
	return seq.ResolutionID
}
