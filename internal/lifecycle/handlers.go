package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/consulta-engine/internal/clock"
	"github.com/ChuLiYu/consulta-engine/internal/consultation"
	"github.com/ChuLiYu/consulta-engine/internal/events"
	"github.com/ChuLiYu/consulta-engine/internal/markers"
	"github.com/ChuLiYu/consulta-engine/internal/store"
	"github.com/ChuLiYu/consulta-engine/internal/worker"
	"github.com/ChuLiYu/consulta-engine/pkg/types"
)

// Raw signals the workers emit.
const (
	signalNoShow     = "no show"
	signalInProgress = "in progress"
	signalCompleted  = "completed"
	signalExpired    = "expired"
)

// TimeRemaining is the payload of events.TopicTimeRemaining.
type TimeRemaining struct {
	ConsultationID string    `json:"consultation_id"`
	Minutes        int       `json:"minutes"`
	EndsAt         time.Time `json:"ends_at"`
}

// Handlers executes the lifecycle job catalogue.
//
// Every handler re-reads the entity named by job.TargetID; nothing in the
// job decides anything. Error mapping:
//   - entity missing / already terminal → nil (job completes)
//   - store failure                     → error (retry with backoff)
//   - illegal transition                → worker.Permanent (parked)
type Handlers struct {
	store     store.Store
	tr        *Transitioner
	timers    *Timers
	settler   Settler
	publisher Publisher
	markers   markers.Store
	clock     clock.Clock
	rules     Rules
	metrics   Recorder
}

// HandlersConfig wires Handlers.
type HandlersConfig struct {
	Store        store.Store
	Transitioner *Transitioner
	Timers       *Timers
	Settler      Settler
	Publisher    Publisher
	Markers      markers.Store
	Clock        clock.Clock
	Rules        Rules
	Metrics      Recorder
}

// NewHandlers creates Handlers.
func NewHandlers(cfg HandlersConfig) *Handlers {
	h := &Handlers{
		store:     cfg.Store,
		tr:        cfg.Transitioner,
		timers:    cfg.Timers,
		settler:   cfg.Settler,
		publisher: cfg.Publisher,
		markers:   cfg.Markers,
		clock:     cfg.Clock,
		rules:     cfg.Rules.orDefault(),
		metrics:   cfg.Metrics,
	}
	if h.publisher == nil {
		h.publisher = noopPublisher{}
	}
	if h.metrics == nil {
		h.metrics = noopRecorder{}
	}
	if h.markers == nil {
		h.markers = markers.NewMemoryStore(cfg.Clock, 0)
	}
	return h
}

// Register binds every lifecycle job type.
func (h *Handlers) Register(reg *worker.Registry) {
	reg.Register(types.JobExpirePurchase, worker.HandlerFunc(h.ExpirePurchase))
	reg.Register(types.JobCancelConsultationNoShow, worker.HandlerFunc(h.NoShow))
	reg.Register(types.JobFinalizeConsultation, worker.HandlerFunc(h.Finalize))
	reg.Register(types.JobExpireConsultationAfterPlanStop, worker.HandlerFunc(h.ExpireAfterPlanCancellation))
	reg.Register(types.JobExpirePlanSubscription, worker.HandlerFunc(h.ExpireSubscription))
	reg.Register(types.JobRefreshReservedStatus, worker.HandlerFunc(h.RefreshReserved))
	reg.Register(types.JobInactivityFailsafe, worker.HandlerFunc(h.InactivityFailsafe))
	reg.Register(types.JobInactivityByScheduledAt, worker.HandlerFunc(h.InactivityByScheduledAt))
	reg.Register(types.JobNotifyTimeRemaining, worker.HandlerFunc(h.NotifyTimeRemaining))
	reg.Register(types.JobReleaseHeldCommissions, worker.HandlerFunc(h.ReleaseHeld))
}

// load returns nil, nil when the consultation is gone or terminal.
func (h *Handlers) load(ctx context.Context, id string) (*store.Consultation, error) {
	c, err := h.store.GetConsultation(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		log.Info("Consultation not found, nothing to do", "consultationID", id)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if consultation.IsTerminal(c.Status) {
		log.Debug("Consultation already terminal", "consultationID", id, "status", c.Status)
		return nil, nil
	}
	return c, nil
}

// apply maps Transitioner errors onto the job error contract.
func (h *Handlers) apply(ctx context.Context, id string, sig Signal) (Result, error) {
	res, err := h.tr.Apply(ctx, id, sig)
	if errors.Is(err, consultation.ErrIllegalTransition) || errors.Is(err, consultation.ErrTerminal) {
		return res, worker.Permanent(err)
	}
	return res, err
}

// ============================================================================
// One-shot timers
// ============================================================================

// NoShow fires at scheduled start + grace.
func (h *Handlers) NoShow(ctx context.Context, job *types.Job) (worker.Outcome, error) {
	c, err := h.load(ctx, job.TargetID)
	if err != nil || c == nil {
		return worker.Outcome{}, err
	}

	// 預約被延後：改在新的截止時間再檢查
	deadline := h.timers.NoShowAt(c)
	if h.clock.Now().Before(deadline) {
		log.Debug("No-show timer fired early, rearming", "consultationID", c.ID, "deadline", deadline)
		return worker.Outcome{Rearm: &deadline}, nil
	}

	_, err = h.resolveAttendance(ctx, c)
	return worker.Outcome{}, err
}

// resolveAttendance drives c to a no-show status when a party is missing
// from its current slot.
func (h *Handlers) resolveAttendance(ctx context.Context, c *store.Consultation) (Result, error) {
	join, err := h.store.GetJoinRecord(ctx, c.ID, c.ScheduledAt)
	if err != nil {
		return Result{}, err
	}
	missing := join.Missing()
	if missing == consultation.RoleNone {
		return Result{ConsultationID: c.ID, From: c.Status, Skipped: "both joined"}, nil
	}
	return h.apply(ctx, c.ID, Signal{Raw: signalNoShow, Actor: consultation.ActorSystem, Missing: missing})
}

// Finalize fires at the scheduled end.
func (h *Handlers) Finalize(ctx context.Context, job *types.Job) (worker.Outcome, error) {
	c, err := h.load(ctx, job.TargetID)
	if err != nil || c == nil {
		return worker.Outcome{}, err
	}

	end := c.EndsAt(h.rules.SessionDuration)
	if h.clock.Now().Before(end) {
		return worker.Outcome{Rearm: &end}, nil
	}

	switch c.Status {
	case consultation.StatusInProgress:
		_, err = h.apply(ctx, c.ID, Signal{Raw: signalCompleted, Actor: consultation.ActorSystem})
	case consultation.StatusScheduled:
		// never started: one of the parties did not show up
		_, err = h.resolveAttendance(ctx, c)
	}
	return worker.Outcome{}, err
}

// ExpireAfterPlanCancellation expires a consultation booked beyond the paid
// period of a cancelled plan.
func (h *Handlers) ExpireAfterPlanCancellation(ctx context.Context, job *types.Job) (worker.Outcome, error) {
	c, err := h.load(ctx, job.TargetID)
	if err != nil || c == nil {
		return worker.Outcome{}, err
	}
	if c.Status != consultation.StatusScheduled {
		return worker.Outcome{}, nil
	}
	if c.SubscriptionID != "" {
		sub, err := h.store.GetSubscription(ctx, c.SubscriptionID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return worker.Outcome{}, err
		}
		if sub != nil && sub.Status == store.SubscriptionActive {
			log.Info("Plan reactivated, keeping consultation", "consultationID", c.ID, "subscriptionID", sub.ID)
			return worker.Outcome{}, nil
		}
	}

	res, err := h.apply(ctx, c.ID, Signal{Raw: signalExpired, Actor: consultation.ActorSystem})
	if err == nil && res.Applied {
		h.cancelTimers(ctx, c.ID)
	}
	return worker.Outcome{}, err
}

// ExpirePurchase expires an unpaid purchase.
func (h *Handlers) ExpirePurchase(ctx context.Context, job *types.Job) (worker.Outcome, error) {
	p, err := h.store.GetPurchase(ctx, job.TargetID)
	if errors.Is(err, store.ErrNotFound) {
		log.Info("Purchase not found, nothing to do", "purchaseID", job.TargetID)
		return worker.Outcome{}, nil
	}
	if err != nil {
		return worker.Outcome{}, err
	}
	if p.Status != store.PurchasePending {
		return worker.Outcome{}, nil
	}

	ok, err := h.store.ExpirePurchase(ctx, p.ID, h.clock.Now())
	if err != nil {
		return worker.Outcome{}, err
	}
	if ok {
		log.Info("Purchase expired", "purchaseID", p.ID)
		h.publisher.Publish(ctx, events.TopicPurchaseExpired, map[string]string{"purchase_id": p.ID, "customer_id": p.CustomerID})
	}
	return worker.Outcome{}, nil
}

// ExpireSubscription ends a subscription at period end and expires the
// consultations booked beyond it.
func (h *Handlers) ExpireSubscription(ctx context.Context, job *types.Job) (worker.Outcome, error) {
	now := h.clock.Now()
	ok, err := h.store.ExpireSubscription(ctx, job.TargetID, now)
	if err != nil {
		return worker.Outcome{}, err
	}
	if !ok {
		log.Info("Subscription not expirable", "subscriptionID", job.TargetID)
		return worker.Outcome{}, nil
	}
	h.publisher.Publish(ctx, events.TopicSubscriptionEnds, map[string]string{"subscription_id": job.TargetID})

	booked, err := h.store.ListScheduledForSubscriptionAfter(ctx, job.TargetID, now)
	if err != nil {
		return worker.Outcome{}, err
	}
	var errs []error
	for _, c := range booked {
		res, err := h.apply(ctx, c.ID, Signal{Raw: signalExpired, Actor: consultation.ActorSystem})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if res.Applied {
			h.cancelTimers(ctx, c.ID)
		}
	}
	return worker.Outcome{}, errors.Join(errs...)
}

// ReleaseHeld upgrades held commissions and rearms for the next day.
func (h *Handlers) ReleaseHeld(ctx context.Context, job *types.Job) (worker.Outcome, error) {
	next := clock.NextDailyAt(h.clock.Now(), h.rules.ReleaseHour, h.rules.ReleaseMinute, h.clock.Location())
	n, err := h.settler.ReleaseHeld(ctx)
	if err != nil {
		return worker.Outcome{Rearm: &next}, fmt.Errorf("release held commissions: %w", err)
	}
	log.Info("Daily commission release done", "released", n, "next", next)
	return worker.Outcome{Rearm: &next}, nil
}

func (h *Handlers) cancelTimers(ctx context.Context, id string) {
	if h.timers == nil {
		return
	}
	if err := h.timers.CancelTimers(ctx, id); err != nil {
		log.Warn("Failed to cancel timers", "consultationID", id, "error", err)
	}
}
