package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/consulta-engine/internal/clock"
	"github.com/ChuLiYu/consulta-engine/internal/jobmanager"
	"github.com/ChuLiYu/consulta-engine/internal/storage/wal"
	"github.com/ChuLiYu/consulta-engine/internal/worker"
	"github.com/ChuLiYu/consulta-engine/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

var t0 = time.Date(2025, 11, 20, 13, 0, 0, 0, time.UTC)

const (
	waitFor = 3 * time.Second
	tick    = 5 * time.Millisecond
)

type harness struct {
	dir   string
	clock *clock.Fixed
	reg   *worker.Registry
}

func newHarness(t *testing.T) *harness {
	return &harness{
		dir:   t.TempDir(),
		clock: clock.NewFixed(t0, time.UTC),
		reg:   worker.NewRegistry(),
	}
}

func (h *harness) config() Config {
	return Config{
		Clock:               h.clock,
		Registry:            h.reg,
		WorkerCount:         2,
		TaskTimeout:         time.Hour,
		Retry:               types.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 10 * time.Second},
		SnapshotInterval:    time.Hour,
		DispatchInterval:    tick,
		TimeoutInterval:     tick,
		MaintenanceInterval: time.Hour,
		WALPath:             filepath.Join(h.dir, "jobs.wal"),
		SnapshotPath:        filepath.Join(h.dir, "jobs.snapshot.json"),
	}
}

func (h *harness) start(t *testing.T) *Scheduler {
	t.Helper()
	s, err := New(h.config())
	require.NoError(t, err)
	require.NoError(t, s.EnsureStarted(context.Background()))
	t.Cleanup(s.Stop)
	return s
}

// counting registers a handler that counts its runs and returns err
func (h *harness) counting(jobType string, err error) *atomic.Int32 {
	var n atomic.Int32
	h.reg.Register(jobType, worker.HandlerFunc(func(ctx context.Context, job *types.Job) (worker.Outcome, error) {
		n.Add(1)
		return worker.Outcome{}, err
	}))
	return &n
}

func jobStatus(s *Scheduler, key string) (types.JobStatus, int) {
	job, err := s.Get(context.Background(), key)
	if err != nil {
		return "", -1
	}
	return job.Status, job.Attempt
}

func eventuallyStatus(t *testing.T, s *Scheduler, key string, want types.JobStatus, attempt int) {
	t.Helper()
	require.Eventually(t, func() bool {
		st, a := jobStatus(s, key)
		return st == want && a == attempt
	}, waitFor, tick, "key %s never reached %s/attempt %d", key, want, attempt)
}

// ============================================================================
// Scheduling
// ============================================================================

func TestScheduleOnceRunsAtFireTime(t *testing.T) {
	h := newHarness(t)
	runs := h.counting("finalize", nil)
	s := h.start(t)

	job, err := s.ScheduleOnce(context.Background(), "finalize", "c-1", t0.Add(time.Minute), "finalize:c-1", types.RetryPolicy{})
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, job.Status)
	assert.Equal(t, "c-1", job.TargetID)

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, runs.Load(), "must not fire early")

	h.clock.Advance(time.Minute)
	eventuallyStatus(t, s, "finalize:c-1", types.StatusCompleted, 0)
	assert.Equal(t, int32(1), runs.Load())
}

func TestPastFireTimeRunsImmediately(t *testing.T) {
	h := newHarness(t)
	runs := h.counting("expire", nil)
	s := h.start(t)

	_, err := s.ScheduleOnce(context.Background(), "expire", "p-1", t0.Add(-time.Hour), "expire:p-1", types.RetryPolicy{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return runs.Load() == 1 }, waitFor, tick)
}

func TestScheduleOnceReplacesByKey(t *testing.T) {
	h := newHarness(t)
	runs := h.counting("no-show", nil)
	s := h.start(t)
	ctx := context.Background()

	first, err := s.ScheduleOnce(ctx, "no-show", "c-1", t0.Add(10*time.Minute), "no-show:c-1", types.RetryPolicy{})
	require.NoError(t, err)
	second, err := s.ScheduleOnce(ctx, "no-show", "c-1", t0.Add(70*time.Minute), "no-show:c-1", types.RetryPolicy{})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, s.Stats()["pending"])

	h.clock.Advance(30 * time.Minute)
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, runs.Load(), "replaced fire time must not trigger")

	h.clock.Advance(40 * time.Minute)
	require.Eventually(t, func() bool { return runs.Load() == 1 }, waitFor, tick)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(1), runs.Load())
}

func TestCancel(t *testing.T) {
	h := newHarness(t)
	runs := h.counting("no-show", nil)
	s := h.start(t)
	ctx := context.Background()

	_, err := s.ScheduleOnce(ctx, "no-show", "c-1", t0.Add(time.Minute), "no-show:c-1", types.RetryPolicy{})
	require.NoError(t, err)

	ok, err := s.Cancel(ctx, "no-show:c-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Cancel(ctx, "no-show:c-1")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = s.Cancel(ctx, "never-scheduled")
	require.NoError(t, err)
	assert.False(t, ok)

	h.clock.Advance(time.Hour)
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, runs.Load())

	st, _ := jobStatus(s, "no-show:c-1")
	assert.Equal(t, types.StatusCancelled, st)
}

func TestRescheduledKeyDropsInFlightRunOnFailure(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	var runs atomic.Int32
	h.reg.Register("no-show", worker.HandlerFunc(func(ctx context.Context, job *types.Job) (worker.Outcome, error) {
		if runs.Add(1) == 1 {
			<-release
		}
		return worker.Outcome{}, errors.New("store unavailable")
	}))
	s := h.start(t)
	ctx := context.Background()

	first, err := s.ScheduleOnce(ctx, "no-show", "c-1", t0, "no-show:c-1", types.RetryPolicy{})
	require.NoError(t, err)
	eventuallyStatus(t, s, "no-show:c-1", types.StatusInFlight, 0)

	// re-registered while the first fire is running, then cancelled
	second, err := s.ScheduleOnce(ctx, "no-show", "c-1", t0.Add(time.Hour), "no-show:c-1", types.RetryPolicy{})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	ok, err := s.Cancel(ctx, "no-show:c-1")
	require.NoError(t, err)
	assert.True(t, ok)

	close(release)
	require.Eventually(t, func() bool { return s.Stats()["in_flight"] == 0 }, waitFor, tick)

	h.clock.Advance(2 * time.Hour)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), runs.Load(), "the failed first fire must not be retried")

	stats := s.Stats()
	assert.Equal(t, 0, stats["pending"])
	assert.Equal(t, 2, stats["cancelled"])
	st, _ := jobStatus(s, "no-show:c-1")
	assert.Equal(t, types.StatusCancelled, st)
}

func TestRescheduledKeyKeepsNewerJobOnSuccess(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	var runs atomic.Int32
	h.reg.Register("finalize", worker.HandlerFunc(func(ctx context.Context, job *types.Job) (worker.Outcome, error) {
		if runs.Add(1) == 1 {
			<-release
			// the stale run asks to run again soon
			next := t0.Add(time.Minute)
			return worker.Outcome{Rearm: &next}, nil
		}
		return worker.Outcome{}, nil
	}))
	s := h.start(t)
	ctx := context.Background()

	_, err := s.ScheduleOnce(ctx, "finalize", "c-1", t0, "finalize:c-1", types.RetryPolicy{})
	require.NoError(t, err)
	eventuallyStatus(t, s, "finalize:c-1", types.StatusInFlight, 0)

	second, err := s.ScheduleOnce(ctx, "finalize", "c-1", t0.Add(time.Hour), "finalize:c-1", types.RetryPolicy{})
	require.NoError(t, err)

	close(release)
	require.Eventually(t, func() bool { return s.Stats()["completed"] == 1 }, waitFor, tick)

	job, err := s.Get(ctx, "finalize:c-1")
	require.NoError(t, err)
	assert.Equal(t, second.ID, job.ID)
	assert.Equal(t, t0.Add(time.Hour).UnixMilli(), job.FireAt, "rearm of the stale run must not move the newer job")
	assert.Equal(t, 1, s.Stats()["pending"])
}

func TestInvalidSchedule(t *testing.T) {
	h := newHarness(t)
	h.counting("x", nil)
	s := h.start(t)
	ctx := context.Background()

	_, err := s.ScheduleOnce(ctx, "x", "t", t0, "", types.RetryPolicy{})
	assert.ErrorIs(t, err, ErrInvalidSchedule)
	_, err = s.ScheduleOnce(ctx, "x", "t", time.Time{}, "k", types.RetryPolicy{})
	assert.ErrorIs(t, err, ErrInvalidSchedule)
	_, err = s.ScheduleRecurring(ctx, "x", 0, "k")
	assert.ErrorIs(t, err, ErrInvalidSchedule)
	_, err = s.ScheduleOnce(ctx, "unregistered", "t", t0, "k", types.RetryPolicy{})
	assert.ErrorIs(t, err, ErrUnknownJobType)
}

func TestGetUnknownKey(t *testing.T) {
	h := newHarness(t)
	s := h.start(t)
	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, jobmanager.ErrJobNotFound)
}

// ============================================================================
// Retry / park
// ============================================================================

func TestRetryWithBackoffThenPark(t *testing.T) {
	h := newHarness(t)
	runs := h.counting("flaky", errors.New("store unavailable"))
	s := h.start(t)

	_, err := s.ScheduleOnce(context.Background(), "flaky", "c-1", t0, "flaky:c-1", types.RetryPolicy{})
	require.NoError(t, err)

	// attempt 1 fails → retry after BaseDelay
	eventuallyStatus(t, s, "flaky:c-1", types.StatusPending, 1)
	job, err := s.Get(context.Background(), "flaky:c-1")
	require.NoError(t, err)
	assert.Equal(t, t0.Add(time.Second).UnixMilli(), job.FireAt)
	assert.Equal(t, "store unavailable", job.LastError)

	h.clock.Advance(time.Second)
	eventuallyStatus(t, s, "flaky:c-1", types.StatusPending, 2)
	job, err = s.Get(context.Background(), "flaky:c-1")
	require.NoError(t, err)
	assert.Equal(t, t0.Add(3*time.Second).UnixMilli(), job.FireAt, "backoff doubles")

	h.clock.Advance(2 * time.Second)
	eventuallyStatus(t, s, "flaky:c-1", types.StatusDead, 2)
	assert.Equal(t, int32(3), runs.Load())
	assert.Equal(t, 1, s.Stats()["dead"])
}

func TestPermanentErrorParksImmediately(t *testing.T) {
	h := newHarness(t)
	runs := h.counting("settle", worker.Permanent(errors.New("consultation has no value")))
	s := h.start(t)

	_, err := s.ScheduleOnce(context.Background(), "settle", "c-1", t0, "settle:c-1", types.RetryPolicy{})
	require.NoError(t, err)

	eventuallyStatus(t, s, "settle:c-1", types.StatusDead, 0)
	assert.Equal(t, int32(1), runs.Load())
}

func TestTimeoutRetriesAndIgnoresLateResult(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	var runs atomic.Int32
	h.reg.Register("stuck", worker.HandlerFunc(func(ctx context.Context, job *types.Job) (worker.Outcome, error) {
		if runs.Add(1) == 1 {
			<-release
		}
		return worker.Outcome{}, nil
	}))
	s := h.start(t)

	_, err := s.ScheduleOnce(context.Background(), "stuck", "c-1", t0, "stuck:c-1", types.RetryPolicy{})
	require.NoError(t, err)
	eventuallyStatus(t, s, "stuck:c-1", types.StatusInFlight, 0)

	// past the in-flight deadline (TaskTimeout = 1h)
	h.clock.Advance(2 * time.Hour)
	eventuallyStatus(t, s, "stuck:c-1", types.StatusPending, 1)

	// the first run finishing late must not complete the retried job
	close(release)
	time.Sleep(50 * time.Millisecond)
	st, attempt := jobStatus(s, "stuck:c-1")
	if st == types.StatusPending {
		assert.Equal(t, 1, attempt)
	}

	h.clock.Advance(time.Minute)
	eventuallyStatus(t, s, "stuck:c-1", types.StatusCompleted, 1)
	assert.Equal(t, int32(2), runs.Load())
}

func TestQueuedJobTimeoutStartsWhenWorkerPicksItUp(t *testing.T) {
	h := newHarness(t)
	release := map[string]chan struct{}{"a": make(chan struct{}), "b": make(chan struct{})}
	var runsB atomic.Int32
	h.reg.Register("slow", worker.HandlerFunc(func(ctx context.Context, job *types.Job) (worker.Outcome, error) {
		if job.TargetID == "b" {
			runsB.Add(1)
		}
		<-release[job.TargetID]
		return worker.Outcome{}, nil
	}))

	cfg := h.config()
	cfg.WorkerCount = 1
	s, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, s.EnsureStarted(context.Background()))
	t.Cleanup(func() {
		for _, ch := range release {
			select {
			case <-ch:
			default:
				close(ch)
			}
		}
		s.Stop()
	})

	ctx := context.Background()
	_, err = s.ScheduleOnce(ctx, "slow", "a", t0.Add(-time.Second), "slow:a", types.RetryPolicy{})
	require.NoError(t, err)
	_, err = s.ScheduleOnce(ctx, "slow", "b", t0, "slow:b", types.RetryPolicy{})
	require.NoError(t, err)

	eventuallyStatus(t, s, "slow:a", types.StatusInFlight, 0)
	time.Sleep(50 * time.Millisecond)
	st, _ := jobStatus(s, "slow:b")
	assert.Equal(t, types.StatusPending, st, "no idle worker, b stays queued")

	// a runs 50m, then b runs 20m: neither exceeds the 1h timeout
	h.clock.Advance(50 * time.Minute)
	close(release["a"])
	eventuallyStatus(t, s, "slow:a", types.StatusCompleted, 0)
	eventuallyStatus(t, s, "slow:b", types.StatusInFlight, 0)

	h.clock.Advance(20 * time.Minute)
	time.Sleep(50 * time.Millisecond)
	st, attempt := jobStatus(s, "slow:b")
	assert.Equal(t, types.StatusInFlight, st)
	assert.Equal(t, 0, attempt)

	close(release["b"])
	eventuallyStatus(t, s, "slow:b", types.StatusCompleted, 0)
	assert.Equal(t, int32(1), runsB.Load())
}

// ============================================================================
// Recurrence
// ============================================================================

func TestRecurringRearmsAfterFinish(t *testing.T) {
	h := newHarness(t)
	runs := h.counting("sweep", nil)
	s := h.start(t)

	first, err := s.ScheduleRecurring(context.Background(), "sweep", time.Minute, "sweep:inactivity")
	require.NoError(t, err)
	assert.Equal(t, t0.Add(time.Minute).UnixMilli(), first.FireAt)

	h.clock.Advance(time.Minute)
	require.Eventually(t, func() bool {
		job, err := s.Get(context.Background(), "sweep:inactivity")
		return err == nil && job.ID != first.ID && job.Status == types.StatusPending
	}, waitFor, tick)

	next, err := s.Get(context.Background(), "sweep:inactivity")
	require.NoError(t, err)
	assert.Equal(t, t0.Add(2*time.Minute).UnixMilli(), next.FireAt)
	assert.Equal(t, time.Minute, next.Interval)

	h.clock.Advance(time.Minute)
	require.Eventually(t, func() bool { return runs.Load() == 2 }, waitFor, tick)
}

func TestRecurringFailureStillRearms(t *testing.T) {
	h := newHarness(t)
	runs := h.counting("sweep", errors.New("store unavailable"))
	s := h.start(t)

	_, err := s.ScheduleRecurring(context.Background(), "sweep", time.Minute, "sweep:k")
	require.NoError(t, err)

	h.clock.Advance(time.Minute)
	eventuallyStatus(t, s, "sweep:k", types.StatusPending, 1)
	job, err := s.Get(context.Background(), "sweep:k")
	require.NoError(t, err)
	assert.Equal(t, t0.Add(2*time.Minute).UnixMilli(), job.FireAt)

	h.clock.Advance(time.Minute)
	require.Eventually(t, func() bool { return runs.Load() == 2 }, waitFor, tick)
}

func TestSelfRearmingOneShot(t *testing.T) {
	h := newHarness(t)
	next := t0.Add(24 * time.Hour)
	h.reg.Register("daily", worker.HandlerFunc(func(ctx context.Context, job *types.Job) (worker.Outcome, error) {
		return worker.Outcome{Rearm: &next}, nil
	}))
	s := h.start(t)

	first, err := s.ScheduleOnce(context.Background(), "daily", "", t0, "daily:release", types.RetryPolicy{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		job, err := s.Get(context.Background(), "daily:release")
		return err == nil && job.ID != first.ID
	}, waitFor, tick)

	job, err := s.Get(context.Background(), "daily:release")
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, job.Status)
	assert.Equal(t, next.UnixMilli(), job.FireAt)
	assert.False(t, job.IsRecurring())
}

// ============================================================================
// Maintenance / lifecycle / recovery
// ============================================================================

func TestPurgeAfterRetention(t *testing.T) {
	h := newHarness(t)
	h.counting("finalize", nil)
	s := h.start(t)

	_, err := s.ScheduleOnce(context.Background(), "finalize", "c-1", t0, "finalize:c-1", types.RetryPolicy{})
	require.NoError(t, err)
	eventuallyStatus(t, s, "finalize:c-1", types.StatusCompleted, 0)

	assert.Zero(t, s.purge(), "retention not yet passed")
	h.clock.Advance(25 * time.Hour)
	assert.Equal(t, 1, s.purge())

	_, err = s.Get(context.Background(), "finalize:c-1")
	assert.ErrorIs(t, err, jobmanager.ErrJobNotFound)
}

func TestEnsureStartedIdempotent(t *testing.T) {
	h := newHarness(t)
	s, err := New(h.config())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.EnsureStarted(ctx))
	require.NoError(t, s.EnsureStarted(ctx))
	assert.Equal(t, 2, s.Stats()["workers"])

	s.Stop()
	s.Stop()
	assert.ErrorIs(t, s.EnsureStarted(ctx), ErrNotStarted)
	_, err = s.ScheduleOnce(ctx, "x", "t", t0, "k", types.RetryPolicy{})
	assert.Error(t, err)
}

func TestScheduleStartsLazily(t *testing.T) {
	h := newHarness(t)
	runs := h.counting("finalize", nil)
	s, err := New(h.config())
	require.NoError(t, err)
	t.Cleanup(s.Stop)

	_, err = s.ScheduleOnce(context.Background(), "finalize", "c-1", t0, "finalize:c-1", types.RetryPolicy{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return runs.Load() == 1 }, waitFor, tick)
}

func TestRecoveryFromSnapshot(t *testing.T) {
	h := newHarness(t)
	h.counting("no-show", nil)
	ctx := context.Background()

	s1, err := New(h.config())
	require.NoError(t, err)
	require.NoError(t, s1.EnsureStarted(ctx))
	for _, key := range []string{"no-show:c-1", "no-show:c-2", "no-show:c-3"} {
		_, err := s1.ScheduleOnce(ctx, "no-show", "c", t0.Add(time.Hour), key, types.RetryPolicy{})
		require.NoError(t, err)
	}
	_, err = s1.Cancel(ctx, "no-show:c-3")
	require.NoError(t, err)
	s1.Stop()

	s2 := h.start(t)
	stats := s2.Stats()
	assert.Equal(t, 2, stats["pending"])
	assert.Equal(t, 1, stats["cancelled"])

	job, err := s2.Get(ctx, "no-show:c-2")
	require.NoError(t, err)
	assert.Equal(t, t0.Add(time.Hour).UnixMilli(), job.FireAt)
}

func TestRecoveryReplaysWALAfterCrash(t *testing.T) {
	h := newHarness(t)
	h.counting("no-show", nil)
	ctx := context.Background()

	crashed := h.start(t)
	_, err := crashed.ScheduleOnce(ctx, "no-show", "c-1", t0.Add(time.Hour), "no-show:c-1", types.RetryPolicy{})
	require.NoError(t, err)
	_, err = crashed.ScheduleOnce(ctx, "no-show", "c-2", t0.Add(2*time.Hour), "no-show:c-2", types.RetryPolicy{})
	require.NoError(t, err)

	// no Stop: nothing but the WAL survives
	n, err := wal.CountEvents(h.config().WALPath)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	recovered, err := New(h.config())
	require.NoError(t, err)
	require.NoError(t, recovered.EnsureStarted(ctx))
	t.Cleanup(recovered.Stop)
	assert.Equal(t, 2, recovered.Stats()["pending"])
}

func TestSnapshotCompactsWAL(t *testing.T) {
	h := newHarness(t)
	h.counting("no-show", nil)
	s := h.start(t)
	ctx := context.Background()

	_, err := s.ScheduleOnce(ctx, "no-show", "c-1", t0.Add(time.Hour), "no-show:c-1", types.RetryPolicy{})
	require.NoError(t, err)
	require.NoError(t, s.takeSnapshot())

	n, err := wal.CountEvents(h.config().WALPath)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = s.ScheduleOnce(ctx, "no-show", "c-2", t0.Add(time.Hour), "no-show:c-2", types.RetryPolicy{})
	require.NoError(t, err)
	n, err = wal.CountEvents(h.config().WALPath)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestUnknownTypeAfterRestartIsParked(t *testing.T) {
	h := newHarness(t)
	h.counting("retired", nil)
	ctx := context.Background()

	s1, err := New(h.config())
	require.NoError(t, err)
	_, err = s1.ScheduleOnce(ctx, "retired", "c-1", t0.Add(time.Hour), "retired:c-1", types.RetryPolicy{})
	require.NoError(t, err)
	s1.Stop()

	h.reg = worker.NewRegistry()
	s2 := h.start(t)
	eventuallyStatus(t, s2, "retired:c-1", types.StatusPending, 0)

	h.clock.Advance(time.Hour)
	eventuallyStatus(t, s2, "retired:c-1", types.StatusDead, 0)
	job, err := s2.Get(ctx, "retired:c-1")
	require.NoError(t, err)
	assert.Contains(t, job.LastError, "unknown job type")
}
