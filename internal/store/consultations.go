package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/consulta-engine/internal/consultation"
)

const consultationColumns = `c.id, c.customer_id, c.provider_id, c.scheduled_at, c.duration_minutes,
	c.status, c.origin, c.value_cents, c.payable, c.credit_action, c.billing_ref,
	c.subscription_id, c.created_at, c.updated_at`

func scanConsultation(row scanner) (*Consultation, error) {
	var (
		c                               Consultation
		scheduledAt, createdAt, updated int64
		payable                         int
		status, origin, action          string
	)
	err := row.Scan(&c.ID, &c.CustomerID, &c.ProviderID, &scheduledAt, &c.DurationMinutes,
		&status, &origin, &c.ValueCents, &payable, &action, &c.BillingRef,
		&c.SubscriptionID, &createdAt, &updated)
	if err != nil {
		return nil, err
	}
	c.ScheduledAt = fromMS(scheduledAt)
	c.CreatedAt = fromMS(createdAt)
	c.UpdatedAt = fromMS(updated)
	c.Status = consultation.Status(status)
	c.Origin = consultation.Actor(origin)
	c.CreditAction = consultation.CreditAction(action)
	c.Payable = payable != 0
	return &c, nil
}

func (s *SQLStore) listConsultations(ctx context.Context, query string, args ...any) ([]*Consultation, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Consultation
	for rows.Next() {
		c, err := scanConsultation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func statusArgs(statuses []consultation.Status) []any {
	out := make([]any, len(statuses))
	for i, st := range statuses {
		out[i] = string(st)
	}
	return out
}

// CreateConsultation inserts c. Zero timestamps default to now.
func (s *SQLStore) CreateConsultation(ctx context.Context, c *Consultation) error {
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	if c.Status == "" {
		c.Status = consultation.StatusScheduled
	}
	if c.CreditAction == "" {
		c.CreditAction = consultation.CreditActionNone
	}
	_, err := s.exec(ctx, `INSERT INTO consultations (
		id, customer_id, provider_id, scheduled_at, duration_minutes, status, origin,
		value_cents, payable, credit_action, billing_ref, subscription_id, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.CustomerID, c.ProviderID, ms(c.ScheduledAt), c.DurationMinutes, string(c.Status), string(c.Origin),
		c.ValueCents, b2i(c.Payable), string(c.CreditAction), c.BillingRef, c.SubscriptionID, ms(c.CreatedAt), ms(c.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert consultation: %w", err)
	}
	return nil
}

// GetConsultation returns ErrNotFound when id is unknown.
func (s *SQLStore) GetConsultation(ctx context.Context, id string) (*Consultation, error) {
	row := s.queryRow(ctx, `SELECT `+consultationColumns+` FROM consultations c WHERE c.id = ?`, id)
	c, err := scanConsultation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get consultation: %w", err)
	}
	return c, nil
}

// TransitionStatus is the compare-and-swap primitive: the row changes only
// if its current status is in from. The bool reports whether it applied.
func (s *SQLStore) TransitionStatus(ctx context.Context, id string, to consultation.Status, origin consultation.Actor, from []consultation.Status, at time.Time) (bool, error) {
	if len(from) == 0 {
		return false, nil
	}
	args := append([]any{string(to), string(origin), ms(at), id}, statusArgs(from)...)
	ok, err := s.execAffected(ctx,
		`UPDATE consultations SET status = ?, origin = ?, updated_at = ? WHERE id = ? AND status IN (`+inList(len(from))+`)`,
		args...)
	if err != nil {
		return false, fmt.Errorf("failed to transition consultation: %w", err)
	}
	return ok, nil
}

// Reschedule moves the consultation to a new slot and back to scheduled.
// Join records of the previous slot are kept.
func (s *SQLStore) Reschedule(ctx context.Context, id string, newAt time.Time, from []consultation.Status, at time.Time) (bool, error) {
	if len(from) == 0 {
		return false, nil
	}
	args := append([]any{ms(newAt), string(consultation.StatusScheduled), ms(at), id}, statusArgs(from)...)
	ok, err := s.execAffected(ctx,
		`UPDATE consultations SET scheduled_at = ?, status = ?, updated_at = ? WHERE id = ? AND status IN (`+inList(len(from))+`)`,
		args...)
	if err != nil {
		return false, fmt.Errorf("failed to reschedule consultation: %w", err)
	}
	return ok, nil
}

// UpdateSettlementFlags records the settlement outcome on the consultation.
func (s *SQLStore) UpdateSettlementFlags(ctx context.Context, id string, payable bool, action consultation.CreditAction, at time.Time) error {
	ok, err := s.execAffected(ctx,
		`UPDATE consultations SET payable = ?, credit_action = ?, updated_at = ? WHERE id = ?`,
		b2i(payable), string(action), ms(at), id)
	if err != nil {
		return fmt.Errorf("failed to update settlement flags: %w", err)
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

// ============================================================================
// Attendance
// ============================================================================

// MarkJoined records the first join of role for the slot. A timestamp that
// is already set is never overwritten or cleared.
func (s *SQLStore) MarkJoined(ctx context.Context, id string, slotAt time.Time, role consultation.Role, token string, at time.Time) error {
	var customerAt, providerAt any
	var customerTok, providerTok string
	switch role {
	case consultation.RoleCustomer:
		customerAt, customerTok = ms(at), token
	case consultation.RoleProvider:
		providerAt, providerTok = ms(at), token
	default:
		return fmt.Errorf("cannot mark join for role %q", role)
	}

	_, err := s.exec(ctx, `INSERT INTO consultation_joins (
		consultation_id, slot_at, customer_joined_at, provider_joined_at, customer_token, provider_token
	) VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT (consultation_id, slot_at) DO UPDATE SET
		customer_joined_at = COALESCE(consultation_joins.customer_joined_at, excluded.customer_joined_at),
		provider_joined_at = COALESCE(consultation_joins.provider_joined_at, excluded.provider_joined_at),
		customer_token = CASE WHEN consultation_joins.customer_token = '' THEN excluded.customer_token ELSE consultation_joins.customer_token END,
		provider_token = CASE WHEN consultation_joins.provider_token = '' THEN excluded.provider_token ELSE consultation_joins.provider_token END`,
		id, ms(slotAt), customerAt, providerAt, customerTok, providerTok)
	if err != nil {
		return fmt.Errorf("failed to mark join: %w", err)
	}
	return nil
}

// GetJoinRecord returns an empty record when nobody joined the slot yet.
func (s *SQLStore) GetJoinRecord(ctx context.Context, id string, slotAt time.Time) (*JoinRecord, error) {
	rec := &JoinRecord{ConsultationID: id, SlotAt: slotAt}
	var customerAt, providerAt sql.NullInt64
	err := s.queryRow(ctx, `SELECT customer_joined_at, provider_joined_at, customer_token, provider_token
		FROM consultation_joins WHERE consultation_id = ? AND slot_at = ?`, id, ms(slotAt)).
		Scan(&customerAt, &providerAt, &rec.CustomerToken, &rec.ProviderToken)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get join record: %w", err)
	}
	rec.CustomerJoinedAt = fromNull(customerAt)
	rec.ProviderJoinedAt = fromNull(providerAt)
	return rec, nil
}

// ============================================================================
// Cancellations
// ============================================================================

// CreateCancellation inserts r; an empty Deferral is stored as pending.
func (s *SQLStore) CreateCancellation(ctx context.Context, r *CancellationRecord) error {
	if r.Deferral == "" {
		r.Deferral = consultation.DeferralPending
	}
	_, err := s.exec(ctx, `INSERT INTO cancellations (
		id, consultation_id, requested_by, reason_kind, reason_detail, deferral, requested_at, decided_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ConsultationID, string(r.RequestedBy), string(r.Reason.Kind), r.Reason.Detail,
		string(r.Deferral), ms(r.RequestedAt), msPtr(r.DecidedAt))
	if err != nil {
		return fmt.Errorf("failed to insert cancellation: %w", err)
	}
	return nil
}

// LatestCancellation returns the most recent request for a consultation.
func (s *SQLStore) LatestCancellation(ctx context.Context, consultationID string) (*CancellationRecord, error) {
	var (
		r                  CancellationRecord
		by, kind, deferral string
		requestedAt        int64
		decidedAt          sql.NullInt64
	)
	err := s.queryRow(ctx, `SELECT id, consultation_id, requested_by, reason_kind, reason_detail, deferral, requested_at, decided_at
		FROM cancellations WHERE consultation_id = ? ORDER BY requested_at DESC LIMIT 1`, consultationID).
		Scan(&r.ID, &r.ConsultationID, &by, &kind, &r.Reason.Detail, &deferral, &requestedAt, &decidedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cancellation: %w", err)
	}
	r.RequestedBy = consultation.Actor(by)
	r.Reason.Kind = consultation.ReasonKind(kind)
	r.Deferral = consultation.Deferral(deferral)
	r.RequestedAt = fromMS(requestedAt)
	r.DecidedAt = fromNull(decidedAt)
	return &r, nil
}

// DecideCancellation approves or denies a pending request. A decided
// request only changes again when override is set.
func (s *SQLStore) DecideCancellation(ctx context.Context, id string, d consultation.Deferral, override bool, at time.Time) (bool, error) {
	query := `UPDATE cancellations SET deferral = ?, decided_at = ? WHERE id = ?`
	args := []any{string(d), ms(at), id}
	if !override {
		query += ` AND deferral = ?`
		args = append(args, string(consultation.DeferralPending))
	}
	ok, err := s.execAffected(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to decide cancellation: %w", err)
	}
	return ok, nil
}

// ============================================================================
// Sweep queries
// ============================================================================

// ListOverdueUnjoined returns active consultations scheduled at or before
// deadline for which at least one party has not joined the current slot.
func (s *SQLStore) ListOverdueUnjoined(ctx context.Context, deadline time.Time, limit int) ([]*Consultation, error) {
	return s.listConsultations(ctx, `SELECT `+consultationColumns+`
		FROM consultations c
		LEFT JOIN consultation_joins j ON j.consultation_id = c.id AND j.slot_at = c.scheduled_at
		WHERE c.status IN (?, ?) AND c.scheduled_at <= ?
		  AND (j.customer_joined_at IS NULL OR j.provider_joined_at IS NULL)
		ORDER BY c.scheduled_at LIMIT ?`,
		string(consultation.StatusScheduled), string(consultation.StatusInProgress), ms(deadline), limit)
}

// ListStartedWithBothJoined returns scheduled consultations whose start has
// passed and whose parties have both joined.
func (s *SQLStore) ListStartedWithBothJoined(ctx context.Context, now time.Time, limit int) ([]*Consultation, error) {
	return s.listConsultations(ctx, `SELECT `+consultationColumns+`
		FROM consultations c
		JOIN consultation_joins j ON j.consultation_id = c.id AND j.slot_at = c.scheduled_at
		WHERE c.status = ? AND c.scheduled_at <= ?
		  AND j.customer_joined_at IS NOT NULL AND j.provider_joined_at IS NOT NULL
		ORDER BY c.scheduled_at LIMIT ?`,
		string(consultation.StatusScheduled), ms(now), limit)
}

// ListInProgressPastEnd returns in-progress consultations whose end passed.
func (s *SQLStore) ListInProgressPastEnd(ctx context.Context, now time.Time, def time.Duration, limit int) ([]*Consultation, error) {
	return s.listConsultations(ctx, `SELECT `+consultationColumns+`
		FROM consultations c
		WHERE c.status = ?
		  AND c.scheduled_at + (CASE WHEN c.duration_minutes > 0 THEN c.duration_minutes ELSE ? END) * 60000 <= ?
		ORDER BY c.scheduled_at LIMIT ?`,
		string(consultation.StatusInProgress), int(def/time.Minute), ms(now), limit)
}

// ListInProgressEnding returns in-progress consultations ending within
// (now, now+horizon].
func (s *SQLStore) ListInProgressEnding(ctx context.Context, now time.Time, horizon, def time.Duration, limit int) ([]*Consultation, error) {
	defMin := int(def / time.Minute)
	return s.listConsultations(ctx, `SELECT `+consultationColumns+`
		FROM consultations c
		WHERE c.status = ?
		  AND c.scheduled_at + (CASE WHEN c.duration_minutes > 0 THEN c.duration_minutes ELSE ? END) * 60000 > ?
		  AND c.scheduled_at + (CASE WHEN c.duration_minutes > 0 THEN c.duration_minutes ELSE ? END) * 60000 <= ?
		ORDER BY c.scheduled_at LIMIT ?`,
		string(consultation.StatusInProgress), defMin, ms(now), defMin, ms(now.Add(horizon)), limit)
}

// ListUpcomingScheduled returns scheduled consultations starting in [from, to).
func (s *SQLStore) ListUpcomingScheduled(ctx context.Context, from, to time.Time, limit int) ([]*Consultation, error) {
	return s.listConsultations(ctx, `SELECT `+consultationColumns+`
		FROM consultations c
		WHERE c.status = ? AND c.scheduled_at >= ? AND c.scheduled_at < ?
		ORDER BY c.scheduled_at LIMIT ?`,
		string(consultation.StatusScheduled), ms(from), ms(to), limit)
}

// ListScheduledForSubscriptionAfter returns the subscription's scheduled
// consultations starting strictly after the given instant.
func (s *SQLStore) ListScheduledForSubscriptionAfter(ctx context.Context, subscriptionID string, after time.Time) ([]*Consultation, error) {
	return s.listConsultations(ctx, `SELECT `+consultationColumns+`
		FROM consultations c
		WHERE c.subscription_id = ? AND c.status = ? AND c.scheduled_at > ?
		ORDER BY c.scheduled_at`,
		subscriptionID, string(consultation.StatusScheduled), ms(after))
}
