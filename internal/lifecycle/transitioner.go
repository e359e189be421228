// ============================================================================
// Consulta Engine - Lifecycle Transitions
// ============================================================================
//
// Package: internal/lifecycle
// File: transitioner.go
// Purpose: The single path every status change goes through.
//
// Apply flow:
//   load → terminal? (no-op) → resolve → guarded CAS → settle → publish
//
// Concurrency:
//   The CAS is guarded by the status read in step 1. When two producers race
//   (one-shot timer vs sweep, request tier vs worker) exactly one update
//   applies; the loser sees applied=false and returns a benign no-op.
//
// Error policy:
//   - missing consultation / terminal status → no-op, nil error
//   - store failure on the status mutation   → error (the job retries)
//   - illegal transition                     → error wrapping ErrIllegalTransition
//   - settlement failure                     → logged, kept on Result
//   - publish failure                        → swallowed by the bridge
//
// ============================================================================

package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/consulta-engine/internal/clock"
	"github.com/ChuLiYu/consulta-engine/internal/consultation"
	"github.com/ChuLiYu/consulta-engine/internal/events"
	"github.com/ChuLiYu/consulta-engine/internal/settlement"
	"github.com/ChuLiYu/consulta-engine/internal/store"
	"github.com/ChuLiYu/consulta-engine/pkg/types"
)

var log = slog.Default()

// ============================================================================
// Dependencies
// ============================================================================

// JobScheduler is the durable queue. *scheduler.Scheduler satisfies it.
type JobScheduler interface {
	ScheduleOnce(ctx context.Context, jobType, targetID string, fireAt time.Time, key string, retry types.RetryPolicy) (types.Job, error)
	ScheduleRecurring(ctx context.Context, jobType string, interval time.Duration, key string) (types.Job, error)
	Cancel(ctx context.Context, key string) (bool, error)
	Get(ctx context.Context, key string) (*types.Job, error)
}

// Publisher is the event bridge. *events.Bridge satisfies it.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) bool
}

// Settler applies financial consequences. *settlement.Engine satisfies it.
type Settler interface {
	Settle(ctx context.Context, consultationID string, d consultation.Deferral) (settlement.Outcome, error)
	ReleaseHeld(ctx context.Context) (int, error)
}

// Recorder receives lifecycle metrics. *metrics.Collector satisfies it.
type Recorder interface {
	RecordTransition(status string)
	RecordSweep(sweep string)
}

type noopRecorder struct{}

func (noopRecorder) RecordTransition(string) {}
func (noopRecorder) RecordSweep(string)      {}

type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, string, any) bool { return false }

// ============================================================================
// Signal / Result
// ============================================================================

// Signal is one raw lifecycle input.
type Signal struct {
	Raw      string // raw status text or canonical status name
	Actor    consultation.Actor
	Reason   consultation.Reason
	Deferral consultation.Deferral // empty: read from the latest cancellation
	Missing  consultation.Role     // set by no-show producers
}

// Result describes what Apply did.
type Result struct {
	ConsultationID string
	From           consultation.Status
	To             consultation.Status
	Applied        bool
	Skipped        string // why nothing changed, when Applied is false

	Settlement    *settlement.Outcome
	SettlementErr error
}

// StatusChanged is the payload of events.TopicStatusChanged.
type StatusChanged struct {
	ConsultationID string              `json:"consultation_id"`
	From           consultation.Status `json:"from"`
	To             consultation.Status `json:"to"`
	Actor          consultation.Actor  `json:"actor"`
	At             time.Time           `json:"at"`
}

// ============================================================================
// Transitioner
// ============================================================================

// Transitioner applies signals to consultations.
type Transitioner struct {
	store     store.Store
	resolver  consultation.Resolver
	settler   Settler
	publisher Publisher
	clock     clock.Clock
	metrics   Recorder
}

// NewTransitioner wires a Transitioner. publisher and metrics may be nil.
func NewTransitioner(st store.Store, resolver consultation.Resolver, settler Settler, publisher Publisher, clk clock.Clock, metrics Recorder) *Transitioner {
	if publisher == nil {
		publisher = noopPublisher{}
	}
	if metrics == nil {
		metrics = noopRecorder{}
	}
	return &Transitioner{
		store:     st,
		resolver:  resolver,
		settler:   settler,
		publisher: publisher,
		clock:     clk,
		metrics:   metrics,
	}
}

// Apply resolves sig against the consultation's current state and moves it
// to the resulting status.
func (t *Transitioner) Apply(ctx context.Context, consultationID string, sig Signal) (Result, error) {
	res := Result{ConsultationID: consultationID}

	c, err := t.store.GetConsultation(ctx, consultationID)
	if errors.Is(err, store.ErrNotFound) {
		res.Skipped = "consultation not found"
		log.Info("Skipping signal for missing consultation", "consultationID", consultationID, "signal", sig.Raw)
		return res, nil
	}
	if err != nil {
		return res, err
	}
	res.From = c.Status

	if consultation.IsTerminal(c.Status) {
		res.Skipped = "terminal"
		log.Info("Skipping signal for terminal consultation",
			"consultationID", c.ID, "status", c.Status, "signal", sig.Raw)
		return res, nil
	}

	now := t.clock.Now()
	to := t.resolver.Resolve(sig.Raw, consultation.Context{
		Actor:       sig.Actor,
		ScheduledAt: c.ScheduledAt,
		Now:         now,
		Reason:      sig.Reason,
		Deferral:    sig.Deferral,
		Missing:     sig.Missing,
	})
	res.To = to

	// 未指定操作者時與 resolver 一致，視為客戶
	actor := sig.Actor
	if actor == "" {
		actor = consultation.ActorCustomer
	}

	if to == c.Status {
		res.Skipped = "unchanged"
		return res, nil
	}
	if err := consultation.CanTransition(c.Status, to); err != nil {
		return res, fmt.Errorf("consultation %s: %w", c.ID, err)
	}

	applied, err := t.store.TransitionStatus(ctx, c.ID, to, actor, []consultation.Status{c.Status}, now)
	if err != nil {
		return res, err
	}
	if !applied {
		res.Skipped = "status changed concurrently"
		log.Info("Transition lost race", "consultationID", c.ID, "from", c.Status, "to", to)
		return res, nil
	}
	res.Applied = true
	t.metrics.RecordTransition(string(to))
	log.Info("Consultation transitioned", "consultationID", c.ID, "from", c.Status, "to", to, "actor", actor)

	t.publisher.Publish(ctx, events.TopicStatusChanged, StatusChanged{
		ConsultationID: c.ID,
		From:           c.Status,
		To:             to,
		Actor:          actor,
		At:             now,
	})

	if consultation.IsTerminal(to) || consultation.IsRescheduled(to) {
		out, err := t.settle(ctx, c.ID, sig.Deferral)
		res.Settlement = &out
		res.SettlementErr = err
	}
	return res, nil
}

// settle runs the settlement engine; failures are logged and never undo the
// status change.
func (t *Transitioner) settle(ctx context.Context, id string, d consultation.Deferral) (settlement.Outcome, error) {
	if d == "" {
		d = t.currentDeferral(ctx, id)
	}
	out, err := t.settler.Settle(ctx, id, d)
	switch {
	case err == nil:
	case settlement.IsBusinessRule(err):
		log.Warn("Settlement skipped", "consultationID", id, "error", err)
	default:
		log.Error("Settlement failed", "consultationID", id, "error", err)
	}

	if out.Commission != nil {
		t.publisher.Publish(ctx, events.TopicCommission, out.Commission)
	}
	if out.CreditGrantID != "" {
		t.publisher.Publish(ctx, events.TopicCreditReturned, map[string]string{
			"consultation_id": id,
			"grant_id":        out.CreditGrantID,
			"bucket":          string(out.CreditAction),
		})
	}
	return out, err
}

// Settle re-applies settlement for the current status, e.g. after a
// cancellation review.
func (t *Transitioner) Settle(ctx context.Context, id string, d consultation.Deferral) (settlement.Outcome, error) {
	return t.settle(ctx, id, d)
}

func (t *Transitioner) currentDeferral(ctx context.Context, id string) consultation.Deferral {
	rec, err := t.store.LatestCancellation(ctx, id)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Warn("Failed to read cancellation", "consultationID", id, "error", err)
		}
		return consultation.DeferralPending
	}
	return rec.Deferral
}
