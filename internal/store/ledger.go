package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ============================================================================
// Commissions
// ============================================================================

const commissionColumns = `id, consultation_id, provider_id, base_cents, rate_bps, value_cents,
	period, consult_at, status, created_at, updated_at`

func scanCommission(row scanner) (*CommissionRecord, error) {
	var (
		r                             CommissionRecord
		consultAt, createdAt, updated int64
		status                        string
	)
	err := row.Scan(&r.ID, &r.ConsultationID, &r.ProviderID, &r.BaseCents, &r.RateBps, &r.ValueCents,
		&r.Period, &consultAt, &status, &createdAt, &updated)
	if err != nil {
		return nil, err
	}
	r.ConsultAt = fromMS(consultAt)
	r.CreatedAt = fromMS(createdAt)
	r.UpdatedAt = fromMS(updated)
	r.Status = CommissionStatus(status)
	return &r, nil
}

// UpsertCommission inserts or recomputes the commission of a consultation in
// place. A paid commission is left untouched.
func (s *SQLStore) UpsertCommission(ctx context.Context, r *CommissionRecord) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = r.CreatedAt
	}
	query := `
		INSERT INTO commissions (id, consultation_id, provider_id, base_cents, rate_bps, value_cents,
			period, consult_at, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (consultation_id) DO UPDATE SET
			provider_id = excluded.provider_id,
			base_cents = excluded.base_cents,
			rate_bps = excluded.rate_bps,
			value_cents = excluded.value_cents,
			period = excluded.period,
			consult_at = excluded.consult_at,
			status = excluded.status,
			updated_at = excluded.updated_at
		WHERE commissions.status <> 'paid'
	`
	_, err := s.exec(ctx, query,
		r.ID, r.ConsultationID, r.ProviderID, r.BaseCents, r.RateBps, r.ValueCents,
		r.Period, ms(r.ConsultAt), string(r.Status), ms(r.CreatedAt), ms(r.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to persist commission: %w", err)
	}
	return nil
}

// GetCommission returns ErrNotFound when the consultation has none.
func (s *SQLStore) GetCommission(ctx context.Context, consultationID string) (*CommissionRecord, error) {
	row := s.queryRow(ctx, `SELECT `+commissionColumns+` FROM commissions WHERE consultation_id = ?`, consultationID)
	r, err := scanCommission(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get commission: %w", err)
	}
	return r, nil
}

func (s *SQLStore) moveCommission(ctx context.Context, consultationID string, to CommissionStatus, from []CommissionStatus, at time.Time) (bool, error) {
	args := []any{string(to), ms(at), consultationID}
	for _, f := range from {
		args = append(args, string(f))
	}
	ok, err := s.execAffected(ctx,
		`UPDATE commissions SET status = ?, updated_at = ? WHERE consultation_id = ? AND status IN (`+inList(len(from))+`)`,
		args...)
	if err != nil {
		return false, fmt.Errorf("failed to update commission status: %w", err)
	}
	return ok, nil
}

// SupersedeCommission voids a held or available commission.
func (s *SQLStore) SupersedeCommission(ctx context.Context, consultationID string, at time.Time) (bool, error) {
	return s.moveCommission(ctx, consultationID, CommissionSuperseded, []CommissionStatus{CommissionHeld, CommissionAvailable}, at)
}

// ReleaseCommission upgrades a held commission to available.
func (s *SQLStore) ReleaseCommission(ctx context.Context, consultationID string, at time.Time) (bool, error) {
	return s.moveCommission(ctx, consultationID, CommissionAvailable, []CommissionStatus{CommissionHeld}, at)
}

// MarkCommissionPaid is called by the payout run once money has moved.
func (s *SQLStore) MarkCommissionPaid(ctx context.Context, consultationID string, at time.Time) (bool, error) {
	return s.moveCommission(ctx, consultationID, CommissionPaid, []CommissionStatus{CommissionAvailable}, at)
}

// ListHeldCommissions returns held commissions dated at or before the given
// instant, oldest first.
func (s *SQLStore) ListHeldCommissions(ctx context.Context, consultAtUpTo time.Time, limit int) ([]*CommissionRecord, error) {
	rows, err := s.query(ctx, `SELECT `+commissionColumns+` FROM commissions
		WHERE status = ? AND consult_at <= ? ORDER BY consult_at LIMIT ?`,
		string(CommissionHeld), ms(consultAtUpTo), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list held commissions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*CommissionRecord
	for rows.Next() {
		r, err := scanCommission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ============================================================================
// Providers
// ============================================================================

func (s *SQLStore) GetProvider(ctx context.Context, id string) (*Provider, error) {
	var (
		p      Provider
		entity string
		active int
	)
	err := s.queryRow(ctx, `SELECT id, legal_entity, active FROM providers WHERE id = ?`, id).
		Scan(&p.ID, &entity, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get provider: %w", err)
	}
	p.LegalEntity = LegalEntity(entity)
	p.Active = active != 0
	return &p, nil
}

func (s *SQLStore) PutProvider(ctx context.Context, p *Provider) error {
	_, err := s.exec(ctx, `
		INSERT INTO providers (id, legal_entity, active) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			legal_entity = excluded.legal_entity,
			active = excluded.active
	`, p.ID, string(p.LegalEntity), b2i(p.Active))
	if err != nil {
		return fmt.Errorf("failed to persist provider: %w", err)
	}
	return nil
}

// ============================================================================
// Credit grants
// ============================================================================

const grantColumns = `id, customer_id, kind, remaining, used, active, valid_until, created_at`

func scanGrant(row scanner) (*CreditGrant, error) {
	var (
		g                     CreditGrant
		kind                  string
		active                int
		validUntil, createdAt int64
	)
	if err := row.Scan(&g.ID, &g.CustomerID, &kind, &g.Remaining, &g.Used, &active, &validUntil, &createdAt); err != nil {
		return nil, err
	}
	g.Kind = GrantKind(kind)
	g.Active = active != 0
	g.ValidUntil = fromMS(validUntil)
	g.CreatedAt = fromMS(createdAt)
	return &g, nil
}

// FindGrant returns the active grant of kind still valid at now that
// expires first, or ErrNotFound.
func (s *SQLStore) FindGrant(ctx context.Context, customerID string, kind GrantKind, now time.Time) (*CreditGrant, error) {
	row := s.queryRow(ctx, `SELECT `+grantColumns+` FROM credit_grants
		WHERE customer_id = ? AND kind = ? AND active = 1 AND valid_until > ?
		ORDER BY valid_until, created_at LIMIT 1`, customerID, string(kind), ms(now))
	g, err := scanGrant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find credit grant: %w", err)
	}
	return g, nil
}

func (s *SQLStore) CreateGrant(ctx context.Context, g *CreditGrant) error {
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now()
	}
	_, err := s.exec(ctx, `INSERT INTO credit_grants (`+grantColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		g.ID, g.CustomerID, string(g.Kind), g.Remaining, g.Used, b2i(g.Active), ms(g.ValidUntil), ms(g.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert credit grant: %w", err)
	}
	return nil
}

// AdjustGrant shifts the counters of a grant; used never drops below zero.
// A non-nil validUntil replaces the expiry.
func (s *SQLStore) AdjustGrant(ctx context.Context, id string, deltaRemaining, deltaUsed int, validUntil *time.Time) error {
	ok, err := s.execAffected(ctx, `UPDATE credit_grants SET
			remaining = remaining + ?,
			used = CASE WHEN used + ? < 0 THEN 0 ELSE used + ? END,
			valid_until = COALESCE(?, valid_until)
		WHERE id = ?`,
		deltaRemaining, deltaUsed, deltaUsed, msPtr(validUntil), id)
	if err != nil {
		return fmt.Errorf("failed to adjust credit grant: %w", err)
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) ListGrants(ctx context.Context, customerID string) ([]*CreditGrant, error) {
	rows, err := s.query(ctx, `SELECT `+grantColumns+` FROM credit_grants WHERE customer_id = ? ORDER BY created_at, id`, customerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list credit grants: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*CreditGrant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// DeactivateGrants switches off every active grant of kind for a customer.
func (s *SQLStore) DeactivateGrants(ctx context.Context, customerID string, kind GrantKind) (int64, error) {
	res, err := s.exec(ctx, `UPDATE credit_grants SET active = 0 WHERE customer_id = ? AND kind = ? AND active = 1`,
		customerID, string(kind))
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate credit grants: %w", err)
	}
	return res.RowsAffected()
}

// ClaimCreditReturn records that the session paid by billingRef was handed
// back. It reports false when the claim already exists.
func (s *SQLStore) ClaimCreditReturn(ctx context.Context, consultationID, billingRef string, at time.Time) (bool, error) {
	ok, err := s.execAffected(ctx,
		`INSERT INTO credit_returns (consultation_id, billing_ref, created_at) VALUES (?, ?, ?) ON CONFLICT DO NOTHING`,
		consultationID, billingRef, ms(at))
	if err != nil {
		return false, fmt.Errorf("failed to claim credit return: %w", err)
	}
	return ok, nil
}
