package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/consulta-engine/internal/clock"
	"github.com/ChuLiYu/consulta-engine/internal/consultation"
	"github.com/ChuLiYu/consulta-engine/internal/events"
	"github.com/ChuLiYu/consulta-engine/internal/settlement"
	"github.com/ChuLiYu/consulta-engine/internal/store"
)

// ErrNoCancellation is returned when a review targets a consultation with
// no cancellation request.
var ErrNoCancellation = errors.New("no cancellation request")

// Joined is the payload of events.TopicJoined.
type Joined struct {
	ConsultationID string            `json:"consultation_id"`
	Role           consultation.Role `json:"role"`
	At             time.Time         `json:"at"`
}

// Service holds the boundary operations the request tier calls. Every
// operation is safe to retry.
type Service struct {
	store     store.Store
	tr        *Transitioner
	timers    *Timers
	publisher Publisher
	clock     clock.Clock
}

// NewService creates a Service.
func NewService(st store.Store, tr *Transitioner, timers *Timers, publisher Publisher, clk clock.Clock) *Service {
	if publisher == nil {
		publisher = noopPublisher{}
	}
	return &Service{store: st, tr: tr, timers: timers, publisher: publisher, clock: clk}
}

// ConfirmBooking stores a new consultation and arms its timers. Confirming
// an existing booking again only re-arms the timers.
func (s *Service) ConfirmBooking(ctx context.Context, c *store.Consultation) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	existing, err := s.store.GetConsultation(ctx, c.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.Status = consultation.StatusScheduled
		if c.Origin == "" {
			c.Origin = consultation.ActorCustomer
		}
		if c.CreatedAt.IsZero() {
			c.CreatedAt = s.clock.Now()
		}
		if err := s.store.CreateConsultation(ctx, c); err != nil {
			return err
		}
	case err != nil:
		return err
	default:
		if existing.Status != consultation.StatusScheduled {
			return nil
		}
		c = existing
	}
	return s.timers.RegisterBooking(ctx, c)
}

// RecordJoin stores a party's join and starts the session once both joined.
func (s *Service) RecordJoin(ctx context.Context, id string, role consultation.Role, token string) (Result, error) {
	c, err := s.store.GetConsultation(ctx, id)
	if err != nil {
		return Result{}, err
	}
	if consultation.IsTerminal(c.Status) {
		return Result{ConsultationID: id, From: c.Status, Skipped: "terminal"}, nil
	}

	now := s.clock.Now()
	if err := s.store.MarkJoined(ctx, id, c.ScheduledAt, role, token, now); err != nil {
		return Result{}, err
	}
	s.publisher.Publish(ctx, events.TopicJoined, Joined{ConsultationID: id, Role: role, At: now})

	join, err := s.store.GetJoinRecord(ctx, id, c.ScheduledAt)
	if err != nil {
		return Result{}, err
	}
	if join.Missing() != consultation.RoleNone || c.Status != consultation.StatusScheduled {
		return Result{ConsultationID: id, From: c.Status, Skipped: "waiting for other party"}, nil
	}
	return s.tr.Apply(ctx, id, Signal{Raw: signalInProgress, Actor: actorFor(role)})
}

func actorFor(r consultation.Role) consultation.Actor {
	if r == consultation.RoleProvider {
		return consultation.ActorProvider
	}
	return consultation.ActorCustomer
}

// RequestCancellation records a cancellation request and resolves the
// consultation to its cancellation status.
func (s *Service) RequestCancellation(ctx context.Context, id string, actor consultation.Actor, reason consultation.Reason) (Result, error) {
	c, err := s.store.GetConsultation(ctx, id)
	if err != nil {
		return Result{}, err
	}
	if consultation.IsTerminal(c.Status) {
		return Result{ConsultationID: id, From: c.Status, Skipped: "terminal"}, nil
	}

	rec := &store.CancellationRecord{
		ID:             uuid.NewString(),
		ConsultationID: id,
		RequestedBy:    actor,
		Reason:         reason,
		Deferral:       consultation.DeferralPending,
		RequestedAt:    s.clock.Now(),
	}
	if err := s.store.CreateCancellation(ctx, rec); err != nil {
		return Result{}, err
	}

	res, err := s.tr.Apply(ctx, id, Signal{Raw: "cancelada", Actor: actor, Reason: reason, Deferral: consultation.DeferralPending})
	if err != nil {
		return res, err
	}
	if res.Applied {
		if err := s.timers.CancelTimers(ctx, id); err != nil {
			log.Warn("Failed to cancel timers", "consultationID", id, "error", err)
		}
	}
	return res, nil
}

// DecideCancellation records the review of the latest cancellation request
// and re-settles with the decided deferral. An already decided request is
// only changed when override is set.
func (s *Service) DecideCancellation(ctx context.Context, id string, d consultation.Deferral, override bool) (settlement.Outcome, error) {
	rec, err := s.store.LatestCancellation(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return settlement.Outcome{}, fmt.Errorf("consultation %s: %w", id, ErrNoCancellation)
	}
	if err != nil {
		return settlement.Outcome{}, err
	}

	ok, err := s.store.DecideCancellation(ctx, rec.ID, d, override, s.clock.Now())
	if err != nil {
		return settlement.Outcome{}, err
	}
	if !ok {
		log.Info("Cancellation already decided", "consultationID", id, "deferral", rec.Deferral)
		d = rec.Deferral
	}
	return s.tr.Settle(ctx, id, d)
}

// Reschedule moves a consultation to newAt: it records the rescheduled
// status, returns the booking to scheduled on the new slot and moves the
// timers.
func (s *Service) Reschedule(ctx context.Context, id string, actor consultation.Actor, newAt time.Time) (Result, error) {
	res, err := s.tr.Apply(ctx, id, Signal{Raw: "reagendada", Actor: actor})
	if err != nil || !res.Applied {
		return res, err
	}

	ok, err := s.store.Reschedule(ctx, id, newAt, []consultation.Status{res.To}, s.clock.Now())
	if err != nil {
		return res, err
	}
	if !ok {
		res.Skipped = "status changed concurrently"
		return res, nil
	}

	c, err := s.store.GetConsultation(ctx, id)
	if err != nil {
		return res, err
	}
	if err := s.timers.Reschedule(ctx, c); err != nil {
		return res, err
	}
	s.publisher.Publish(ctx, events.TopicStatusChanged, StatusChanged{
		ConsultationID: id,
		From:           res.To,
		To:             consultation.StatusScheduled,
		Actor:          actor,
		At:             s.clock.Now(),
	})
	return res, nil
}

// CancelPlan cancels a subscription and arms expiry for the consultations
// booked beyond its paid period. It returns how many were armed.
func (s *Service) CancelPlan(ctx context.Context, subscriptionID string) (int, error) {
	if _, err := s.store.CancelSubscription(ctx, subscriptionID, s.clock.Now()); err != nil {
		return 0, err
	}
	sub, err := s.store.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return 0, err
	}
	if sub.Status == store.SubscriptionActive {
		return 0, nil
	}

	booked, err := s.store.ListScheduledForSubscriptionAfter(ctx, sub.ID, sub.PeriodEnd)
	if err != nil {
		return 0, err
	}
	if err := s.timers.RegisterPlanCancellation(ctx, sub, booked); err != nil {
		return 0, err
	}
	if err := s.timers.RegisterSubscriptionEnd(ctx, sub); err != nil {
		return len(booked), err
	}
	log.Info("Plan cancelled", "subscriptionID", sub.ID, "bookedBeyondPeriod", len(booked), "periodEnd", sub.PeriodEnd)
	return len(booked), nil
}
