package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ============================================================================
// Purchases
// ============================================================================

func (s *SQLStore) PutPurchase(ctx context.Context, p *Purchase) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	if p.Status == "" {
		p.Status = PurchasePending
	}
	_, err := s.exec(ctx, `
		INSERT INTO purchases (id, customer_id, status, expires_at, created_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			expires_at = excluded.expires_at
	`, p.ID, p.CustomerID, string(p.Status), ms(p.ExpiresAt), ms(p.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to persist purchase: %w", err)
	}
	return nil
}

func (s *SQLStore) GetPurchase(ctx context.Context, id string) (*Purchase, error) {
	var (
		p                    Purchase
		status               string
		expiresAt, createdAt int64
	)
	err := s.queryRow(ctx, `SELECT id, customer_id, status, expires_at, created_at FROM purchases WHERE id = ?`, id).
		Scan(&p.ID, &p.CustomerID, &status, &expiresAt, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get purchase: %w", err)
	}
	p.Status = PurchaseStatus(status)
	p.ExpiresAt = fromMS(expiresAt)
	p.CreatedAt = fromMS(createdAt)
	return &p, nil
}

// ExpirePurchase flips a still-pending purchase to expired.
func (s *SQLStore) ExpirePurchase(ctx context.Context, id string, at time.Time) (bool, error) {
	ok, err := s.execAffected(ctx, `UPDATE purchases SET status = ? WHERE id = ? AND status = ? AND expires_at <= ?`,
		string(PurchaseExpired), id, string(PurchasePending), ms(at))
	if err != nil {
		return false, fmt.Errorf("failed to expire purchase: %w", err)
	}
	return ok, nil
}

// ============================================================================
// Subscriptions
// ============================================================================

func (s *SQLStore) PutSubscription(ctx context.Context, sub *Subscription) error {
	if sub.Status == "" {
		sub.Status = SubscriptionActive
	}
	_, err := s.exec(ctx, `
		INSERT INTO subscriptions (id, customer_id, status, period_end, cancelled_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			period_end = excluded.period_end,
			cancelled_at = excluded.cancelled_at
	`, sub.ID, sub.CustomerID, string(sub.Status), ms(sub.PeriodEnd), msPtr(sub.CancelledAt))
	if err != nil {
		return fmt.Errorf("failed to persist subscription: %w", err)
	}
	return nil
}

func (s *SQLStore) GetSubscription(ctx context.Context, id string) (*Subscription, error) {
	var (
		sub         Subscription
		status      string
		periodEnd   int64
		cancelledAt sql.NullInt64
	)
	err := s.queryRow(ctx, `SELECT id, customer_id, status, period_end, cancelled_at FROM subscriptions WHERE id = ?`, id).
		Scan(&sub.ID, &sub.CustomerID, &status, &periodEnd, &cancelledAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	sub.Status = SubscriptionStatus(status)
	sub.PeriodEnd = fromMS(periodEnd)
	sub.CancelledAt = fromNull(cancelledAt)
	return &sub, nil
}

// CancelSubscription stops renewal of an active subscription. It stays
// usable until PeriodEnd.
func (s *SQLStore) CancelSubscription(ctx context.Context, id string, at time.Time) (bool, error) {
	ok, err := s.execAffected(ctx, `UPDATE subscriptions SET status = ?, cancelled_at = ? WHERE id = ? AND status = ?`,
		string(SubscriptionCancelled), ms(at), id, string(SubscriptionActive))
	if err != nil {
		return false, fmt.Errorf("failed to cancel subscription: %w", err)
	}
	return ok, nil
}

// ExpireSubscription ends an active or cancelled subscription whose period
// is over.
func (s *SQLStore) ExpireSubscription(ctx context.Context, id string, at time.Time) (bool, error) {
	ok, err := s.execAffected(ctx, `UPDATE subscriptions SET status = ? WHERE id = ? AND status IN (?, ?) AND period_end <= ?`,
		string(SubscriptionExpired), id, string(SubscriptionActive), string(SubscriptionCancelled), ms(at))
	if err != nil {
		return false, fmt.Errorf("failed to expire subscription: %w", err)
	}
	return ok, nil
}
