package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/consulta-engine/internal/consultation"
	"github.com/ChuLiYu/consulta-engine/internal/events"
	"github.com/ChuLiYu/consulta-engine/internal/store"
	"github.com/ChuLiYu/consulta-engine/internal/worker"
	"github.com/ChuLiYu/consulta-engine/pkg/types"
)

func jobFor(jobType, target string) *types.Job {
	return &types.Job{ID: types.JobID(jobType + ":" + target), Type: jobType, TargetID: target, Key: jobType + ":" + target}
}

func TestRegisterCoversCatalogue(t *testing.T) {
	f := newFixture(t, time.Date(2025, 11, 20, 12, 0, 0, 0, time.UTC))
	reg := worker.NewRegistry()
	f.handlers.Register(reg)

	assert.ElementsMatch(t, []string{
		types.JobExpirePurchase,
		types.JobCancelConsultationNoShow,
		types.JobFinalizeConsultation,
		types.JobExpireConsultationAfterPlanStop,
		types.JobExpirePlanSubscription,
		types.JobRefreshReservedStatus,
		types.JobInactivityFailsafe,
		types.JobInactivityByScheduledAt,
		types.JobNotifyTimeRemaining,
		types.JobReleaseHeldCommissions,
	}, reg.Types())
}

// ============================================================================
// No-show timer
// ============================================================================

func TestNoShowClassifiesMissingParty(t *testing.T) {
	tests := []struct {
		name   string
		joined []consultation.Role
		want   consultation.Status
	}{
		{"nobody joined", nil, consultation.StatusNoShowBoth},
		{"provider only", []consultation.Role{consultation.RoleProvider}, consultation.StatusNoShowCustomer},
		{"customer only", []consultation.Role{consultation.RoleCustomer}, consultation.StatusNoShowProvider},
		{"both joined", []consultation.Role{consultation.RoleCustomer, consultation.RoleProvider}, consultation.StatusScheduled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start := time.Date(2025, 11, 20, 10, 0, 0, 0, time.UTC)
			f := newFixture(t, start.Add(10*time.Minute))
			f.consultation(t, "c-1", start, consultation.StatusScheduled)
			ctx := context.Background()
			for _, role := range tt.joined {
				require.NoError(t, f.store.MarkJoined(ctx, "c-1", start, role, "tok", start.Add(time.Minute)))
			}

			out, err := f.handlers.NoShow(ctx, jobFor(types.JobCancelConsultationNoShow, "c-1"))
			require.NoError(t, err)
			assert.Nil(t, out.Rearm)
			assert.Equal(t, tt.want, f.status(t, "c-1"))
		})
	}
}

func TestNoShowRearmsAfterReschedule(t *testing.T) {
	now := time.Date(2025, 11, 20, 10, 10, 0, 0, time.UTC)
	f := newFixture(t, now)
	f.consultation(t, "c-1", now.Add(time.Hour), consultation.StatusScheduled)

	out, err := f.handlers.NoShow(context.Background(), jobFor(types.JobCancelConsultationNoShow, "c-1"))
	require.NoError(t, err)
	require.NotNil(t, out.Rearm)
	assert.Equal(t, now.Add(70*time.Minute).UnixMilli(), out.Rearm.UnixMilli())
	assert.Equal(t, consultation.StatusScheduled, f.status(t, "c-1"))
}

func TestNoShowOnMissingOrTerminalCompletes(t *testing.T) {
	now := time.Date(2025, 11, 20, 10, 30, 0, 0, time.UTC)
	f := newFixture(t, now)
	f.consultation(t, "c-done", now.Add(-time.Hour), consultation.StatusCompleted)
	ctx := context.Background()

	_, err := f.handlers.NoShow(ctx, jobFor(types.JobCancelConsultationNoShow, "ghost"))
	assert.NoError(t, err)
	_, err = f.handlers.NoShow(ctx, jobFor(types.JobCancelConsultationNoShow, "c-done"))
	assert.NoError(t, err)
	assert.Equal(t, consultation.StatusCompleted, f.status(t, "c-done"))
}

func TestIllegalTransitionIsPermanent(t *testing.T) {
	f := newFixture(t, time.Date(2025, 11, 20, 15, 0, 0, 0, time.UTC))
	f.consultation(t, "c-1", f.clock.Now().Add(-10*time.Minute), consultation.StatusInProgress)

	_, err := f.handlers.apply(context.Background(), "c-1", Signal{Raw: "???"})
	require.Error(t, err)
	assert.True(t, worker.IsPermanent(err))
}

// ============================================================================
// Dual path: one-shot timer and failsafe sweep on the same consultation
// ============================================================================

func TestDualPathRace(t *testing.T) {
	tests := []struct {
		name         string
		joined       []consultation.Role
		want         consultation.Status
		wantGrants   int
		wantCommison bool
	}{
		{"nobody joined", nil, consultation.StatusNoShowBoth, 1, false},
		{"customer missing", []consultation.Role{consultation.RoleProvider}, consultation.StatusNoShowCustomer, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start := time.Date(2025, 11, 20, 10, 0, 0, 0, time.UTC)
			f := newFixture(t, start.Add(15*time.Minute))
			f.consultation(t, "c-1", start, consultation.StatusScheduled)
			ctx := context.Background()
			for _, role := range tt.joined {
				require.NoError(t, f.store.MarkJoined(ctx, "c-1", start, role, "tok", start.Add(time.Minute)))
			}

			var wg sync.WaitGroup
			for i := 0; i < 4; i++ {
				wg.Add(2)
				go func() {
					defer wg.Done()
					_, err := f.handlers.NoShow(ctx, jobFor(types.JobCancelConsultationNoShow, "c-1"))
					assert.NoError(t, err)
				}()
				go func() {
					defer wg.Done()
					_, err := f.handlers.InactivityFailsafe(ctx, jobFor(types.JobInactivityFailsafe, "sweep"))
					assert.NoError(t, err)
				}()
			}
			wg.Wait()

			assert.Equal(t, tt.want, f.status(t, "c-1"))
			assert.Equal(t, 1, f.statusChanges("c-1"), "exactly one transition")

			grants, err := f.store.ListGrants(ctx, "cust-1")
			require.NoError(t, err)
			assert.Len(t, grants, tt.wantGrants)
			for _, g := range grants {
				assert.Equal(t, 1, g.Remaining)
			}

			_, err = f.store.GetCommission(ctx, "c-1")
			if tt.wantCommison {
				assert.NoError(t, err)
				assert.Len(t, f.pub.on(events.TopicCommission), 1)
			} else {
				assert.ErrorIs(t, err, store.ErrNotFound)
			}
		})
	}
}

// ============================================================================
// Finalize / refresh
// ============================================================================

func TestFinalizeCompletesAndPays(t *testing.T) {
	start := time.Date(2025, 11, 20, 10, 0, 0, 0, time.UTC)
	f := newFixture(t, start.Add(50*time.Minute))
	f.consultation(t, "c-1", start, consultation.StatusInProgress)

	_, err := f.handlers.Finalize(context.Background(), jobFor(types.JobFinalizeConsultation, "c-1"))
	require.NoError(t, err)
	assert.Equal(t, consultation.StatusCompleted, f.status(t, "c-1"))

	rec, err := f.store.GetCommission(context.Background(), "c-1")
	require.NoError(t, err)
	assert.Equal(t, int64(12000), rec.ValueCents)
	assert.Equal(t, store.CommissionAvailable, rec.Status)
}

func TestFinalizeBeforeEndRearms(t *testing.T) {
	start := time.Date(2025, 11, 20, 10, 0, 0, 0, time.UTC)
	f := newFixture(t, start.Add(20*time.Minute))
	f.consultation(t, "c-1", start, consultation.StatusInProgress)

	out, err := f.handlers.Finalize(context.Background(), jobFor(types.JobFinalizeConsultation, "c-1"))
	require.NoError(t, err)
	require.NotNil(t, out.Rearm)
	assert.Equal(t, start.Add(50*time.Minute).UnixMilli(), out.Rearm.UnixMilli())
	assert.Equal(t, consultation.StatusInProgress, f.status(t, "c-1"))
}

func TestRefreshReserved(t *testing.T) {
	start := time.Date(2025, 11, 20, 10, 0, 0, 0, time.UTC)
	f := newFixture(t, start.Add(5*time.Minute))
	ctx := context.Background()

	f.consultation(t, "both", start, consultation.StatusScheduled)
	require.NoError(t, f.store.MarkJoined(ctx, "both", start, consultation.RoleCustomer, "a", start))
	require.NoError(t, f.store.MarkJoined(ctx, "both", start, consultation.RoleProvider, "b", start))
	f.consultation(t, "one", start, consultation.StatusScheduled)
	require.NoError(t, f.store.MarkJoined(ctx, "one", start, consultation.RoleCustomer, "a", start))
	f.consultation(t, "ended", start.Add(-2*time.Hour), consultation.StatusInProgress)

	_, err := f.handlers.RefreshReserved(ctx, jobFor(types.JobRefreshReservedStatus, "sweep"))
	require.NoError(t, err)

	assert.Equal(t, consultation.StatusInProgress, f.status(t, "both"))
	assert.Equal(t, consultation.StatusScheduled, f.status(t, "one"))
	assert.Equal(t, consultation.StatusCompleted, f.status(t, "ended"))
}

// ============================================================================
// Timer audit
// ============================================================================

func TestInactivityByScheduledAtHealsMissingTimers(t *testing.T) {
	now := time.Date(2025, 11, 20, 10, 0, 0, 0, time.UTC)
	f := newFixture(t, now)
	ctx := context.Background()
	c := f.consultation(t, "c-1", now.Add(2*time.Hour), consultation.StatusScheduled)

	_, err := f.handlers.InactivityByScheduledAt(ctx, jobFor(types.JobInactivityByScheduledAt, "sweep"))
	require.NoError(t, err)

	job, ok := f.sched.job(NoShowKey("c-1"))
	require.True(t, ok)
	assert.Equal(t, c.ScheduledAt.Add(10*time.Minute).UnixMilli(), job.FireAt)
	assert.True(t, f.handlers.timerArmed(ctx, c))

	// a stale timer from an older slot is replaced
	_, err = f.sched.ScheduleOnce(ctx, types.JobCancelConsultationNoShow, "c-1", now, NoShowKey("c-1"), types.RetryPolicy{})
	require.NoError(t, err)
	assert.False(t, f.handlers.timerArmed(ctx, c))
	_, err = f.handlers.InactivityByScheduledAt(ctx, jobFor(types.JobInactivityByScheduledAt, "sweep"))
	require.NoError(t, err)
	assert.True(t, f.handlers.timerArmed(ctx, c))
}

// ============================================================================
// Time remaining
// ============================================================================

func TestNotifyTimeRemainingOncePerThreshold(t *testing.T) {
	start := time.Date(2025, 11, 20, 10, 0, 0, 0, time.UTC)
	f := newFixture(t, start.Add(38*time.Minute)) // ends in 12 minutes
	f.consultation(t, "c-1", start, consultation.StatusInProgress)
	ctx := context.Background()
	job := jobFor(types.JobNotifyTimeRemaining, "sweep")

	notices := func() []TimeRemaining {
		var out []TimeRemaining
		for _, p := range f.pub.on(events.TopicTimeRemaining) {
			out = append(out, p.(TimeRemaining))
		}
		return out
	}

	_, err := f.handlers.NotifyTimeRemaining(ctx, job)
	require.NoError(t, err)
	require.Len(t, notices(), 1)
	assert.Equal(t, 15, notices()[0].Minutes)

	// overlapping run, same threshold
	_, err = f.handlers.NotifyTimeRemaining(ctx, job)
	require.NoError(t, err)
	assert.Len(t, notices(), 1)

	f.clock.Advance(3 * time.Minute) // 9 minutes left
	_, err = f.handlers.NotifyTimeRemaining(ctx, job)
	require.NoError(t, err)
	require.Len(t, notices(), 2)
	assert.Equal(t, 10, notices()[1].Minutes)

	f.clock.Advance(5 * time.Minute) // 4 minutes left
	_, err = f.handlers.NotifyTimeRemaining(ctx, job)
	require.NoError(t, err)
	require.Len(t, notices(), 3)
	assert.Equal(t, 5, notices()[2].Minutes)
}

func TestThresholdFor(t *testing.T) {
	thresholds := []time.Duration{15 * time.Minute, 10 * time.Minute, 5 * time.Minute}
	tests := []struct {
		remaining time.Duration
		want      time.Duration
		ok        bool
	}{
		{20 * time.Minute, 0, false},
		{15 * time.Minute, 15 * time.Minute, true},
		{11 * time.Minute, 15 * time.Minute, true},
		{10 * time.Minute, 10 * time.Minute, true},
		{30 * time.Second, 5 * time.Minute, true},
	}
	for _, tt := range tests {
		got, ok := thresholdFor(tt.remaining, thresholds)
		assert.Equal(t, tt.ok, ok, tt.remaining)
		assert.Equal(t, tt.want, got, tt.remaining)
	}
}

// ============================================================================
// Commerce and daily jobs
// ============================================================================

func TestExpirePurchase(t *testing.T) {
	now := time.Date(2025, 11, 20, 10, 0, 0, 0, time.UTC)
	f := newFixture(t, now)
	ctx := context.Background()
	require.NoError(t, f.store.PutPurchase(ctx, &store.Purchase{ID: "p-1", CustomerID: "cust-1", Status: store.PurchasePending, ExpiresAt: now.Add(-time.Minute), CreatedAt: now.Add(-time.Hour)}))
	require.NoError(t, f.store.PutPurchase(ctx, &store.Purchase{ID: "p-2", CustomerID: "cust-1", Status: store.PurchasePaid, ExpiresAt: now.Add(-time.Minute), CreatedAt: now.Add(-time.Hour)}))

	for _, id := range []string{"p-1", "p-1", "p-2", "missing"} {
		_, err := f.handlers.ExpirePurchase(ctx, jobFor(types.JobExpirePurchase, id))
		require.NoError(t, err)
	}

	p, err := f.store.GetPurchase(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, store.PurchaseExpired, p.Status)
	p, err = f.store.GetPurchase(ctx, "p-2")
	require.NoError(t, err)
	assert.Equal(t, store.PurchasePaid, p.Status)
	assert.Len(t, f.pub.on(events.TopicPurchaseExpired), 1)
}

func TestExpireSubscriptionExpiresLaterBookings(t *testing.T) {
	now := time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC)
	f := newFixture(t, now)
	ctx := context.Background()
	require.NoError(t, f.store.PutSubscription(ctx, &store.Subscription{ID: "sub-1", CustomerID: "cust-1", Status: store.SubscriptionActive, PeriodEnd: now}))
	f.consultation(t, "later", now.Add(48*time.Hour), consultation.StatusScheduled, func(c *store.Consultation) { c.SubscriptionID = "sub-1" })

	_, err := f.handlers.ExpireSubscription(ctx, jobFor(types.JobExpirePlanSubscription, "sub-1"))
	require.NoError(t, err)

	sub, err := f.store.GetSubscription(ctx, "sub-1")
	require.NoError(t, err)
	assert.Equal(t, store.SubscriptionExpired, sub.Status)
	assert.Equal(t, consultation.StatusExpired, f.status(t, "later"))

	// second run finds nothing to expire
	_, err = f.handlers.ExpireSubscription(ctx, jobFor(types.JobExpirePlanSubscription, "sub-1"))
	require.NoError(t, err)
	assert.Len(t, f.pub.on(events.TopicSubscriptionEnds), 1)
}

func TestReleaseHeldRearmsDaily(t *testing.T) {
	f := newFixture(t, time.Date(2025, 12, 21, 14, 0, 0, 0, time.UTC))
	ctx := context.Background()

	// dated after the December cutoff: held until the January cutoff passes
	f.consultation(t, "c-1", f.local(2025, 12, 21, 10, 0), consultation.StatusCompleted)
	_, err := f.tr.Settle(ctx, "c-1", consultation.DeferralPending)
	require.NoError(t, err)
	rec, err := f.store.GetCommission(ctx, "c-1")
	require.NoError(t, err)
	require.Equal(t, store.CommissionHeld, rec.Status)

	f.clock.Set(f.local(2026, 1, 21, 0, 5))
	out, err := f.handlers.ReleaseHeld(ctx, jobFor(types.JobReleaseHeldCommissions, ""))
	require.NoError(t, err)
	require.NotNil(t, out.Rearm)
	assert.True(t, out.Rearm.Equal(f.local(2026, 1, 22, 0, 5)))

	rec, err = f.store.GetCommission(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, store.CommissionAvailable, rec.Status)
}
