// ============================================================================
// Consulta Engine - Settlement
// ============================================================================
//
// Package: internal/settlement
// File: engine.go
// Purpose: Decide and apply the financial consequence of a status.
//
// Steps for Settle(consultationID, deferral):
//   1. payable / credit flags from the status policy table
//   2. payable     → upsert the commission (value, period, cutoff status)
//      not payable → supersede any held/available commission
//   3. credit due  → return one session inside a single transaction:
//        claim (consultation, billing ref) ─ already claimed → no-op
//        cycle allowance → ad-hoc credit → punctual credit → new credit
//   4. record payable flag and credit action on the consultation
//
// Every step is idempotent. Step failures are collected and returned
// together; the caller decides whether they are fatal. The status change
// itself is never rolled back from here.
//
// ============================================================================

package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/consulta-engine/internal/clock"
	"github.com/ChuLiYu/consulta-engine/internal/consultation"
	"github.com/ChuLiYu/consulta-engine/internal/store"
)

var log = slog.Default()

var (
	// ErrMissingValue 諮詢沒有金額，無法計算佣金
	ErrMissingValue = errors.New("consultation has no value")
	// ErrMissingBillingRef 沒有帳單參考，無法冪等退回額度
	ErrMissingBillingRef = errors.New("consultation has no billing reference")
	// ErrUnknownProvider 找不到服務提供者
	ErrUnknownProvider = errors.New("unknown provider")
)

// IsBusinessRule reports whether err is a business-rule failure that no
// retry can fix.
func IsBusinessRule(err error) bool {
	return errors.Is(err, ErrMissingValue) || errors.Is(err, ErrMissingBillingRef) || errors.Is(err, ErrUnknownProvider)
}

// Recorder receives settlement metrics.
type Recorder interface {
	RecordCommission(status string)
	RecordCreditReturn(bucket string)
}

// Config wires an Engine.
type Config struct {
	Store   store.Store
	Clock   clock.Clock
	Rules   Rules
	Metrics Recorder
}

// Engine applies settlement.
type Engine struct {
	store   store.Store
	clock   clock.Clock
	rules   Rules
	metrics Recorder
}

// NewEngine creates an Engine. Store and Clock are required.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errors.New("settlement: store is required")
	}
	if cfg.Clock == nil {
		return nil, errors.New("settlement: clock is required")
	}
	if err := cfg.Rules.validate(); err != nil {
		return nil, err
	}
	return &Engine{
		store:   cfg.Store,
		clock:   cfg.Clock,
		rules:   cfg.Rules.orDefault(),
		metrics: cfg.Metrics,
	}, nil
}

// Outcome describes what Settle did.
type Outcome struct {
	ConsultationID        string
	Status                consultation.Status
	Payable               bool
	CreditDue             bool
	Commission            *store.CommissionRecord
	CommissionSuperseded  bool
	CreditAction          consultation.CreditAction
	CreditGrantID         string
	CreditAlreadyReturned bool
}

// Settle applies the financial consequence of the consultation's current
// status. Running it twice for the same input changes nothing the second
// time.
func (e *Engine) Settle(ctx context.Context, consultationID string, d consultation.Deferral) (Outcome, error) {
	now := e.clock.Now()
	c, err := e.store.GetConsultation(ctx, consultationID)
	if err != nil {
		return Outcome{}, fmt.Errorf("load consultation %s: %w", consultationID, err)
	}

	out := Outcome{
		ConsultationID: c.ID,
		Status:         c.Status,
		Payable:        consultation.IsPayable(c.Status, d),
		CreditDue:      consultation.ShouldReturnCredit(c.Status, d),
		CreditAction:   c.CreditAction,
	}
	if out.CreditAction == "" {
		out.CreditAction = consultation.CreditActionNone
	}

	var errs []error

	if out.Payable {
		rec, err := e.upsertCommission(ctx, c, now)
		if err != nil {
			errs = append(errs, err)
		} else {
			out.Commission = rec
		}
	} else {
		ok, err := e.store.SupersedeCommission(ctx, c.ID, now)
		if err != nil {
			errs = append(errs, err)
		} else if ok {
			out.CommissionSuperseded = true
			e.recordCommission(store.CommissionSuperseded)
		}
	}

	if out.CreditDue {
		action, grantID, applied, err := e.returnCredit(ctx, c, now)
		switch {
		case err != nil:
			errs = append(errs, err)
		case applied:
			out.CreditAction = action
			out.CreditGrantID = grantID
			if e.metrics != nil {
				e.metrics.RecordCreditReturn(string(action))
			}
		default:
			out.CreditAlreadyReturned = true
		}
	}

	if err := e.store.UpdateSettlementFlags(ctx, c.ID, out.Payable, out.CreditAction, now); err != nil {
		errs = append(errs, err)
	}

	return out, errors.Join(errs...)
}

// CommissionStatusFor applies the cutoff rule with the engine's rules and zone.
func (e *Engine) CommissionStatusFor(consultAt, now time.Time, providerActive bool) store.CommissionStatus {
	return CommissionStatusFor(consultAt, now, providerActive, e.rules.CutoffDay, e.clock.Location())
}

func (e *Engine) upsertCommission(ctx context.Context, c *store.Consultation, now time.Time) (*store.CommissionRecord, error) {
	if c.ValueCents <= 0 {
		return nil, fmt.Errorf("%w: consultation %s", ErrMissingValue, c.ID)
	}
	p, err := e.store.GetProvider(ctx, c.ProviderID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, c.ProviderID)
	}
	if err != nil {
		return nil, err
	}

	bps := e.rules.RateFor(p.LegalEntity)
	rec := &store.CommissionRecord{
		ID:             uuid.NewString(),
		ConsultationID: c.ID,
		ProviderID:     c.ProviderID,
		BaseCents:      c.ValueCents,
		RateBps:        bps,
		ValueCents:     CommissionValue(c.ValueCents, bps),
		Period:         clock.YearMonth(c.ScheduledAt, e.clock.Location()),
		ConsultAt:      c.ScheduledAt,
		Status:         e.CommissionStatusFor(c.ScheduledAt, now, p.Active),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.store.UpsertCommission(ctx, rec); err != nil {
		return nil, err
	}
	saved, err := e.store.GetCommission(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	e.recordCommission(saved.Status)
	return saved, nil
}

// returnCredit hands one session back following the bucket priority. The
// bool is false when this billing reference was already credited.
func (e *Engine) returnCredit(ctx context.Context, c *store.Consultation, now time.Time) (consultation.CreditAction, string, bool, error) {
	if c.BillingRef == "" {
		return consultation.CreditActionNone, "", false, fmt.Errorf("%w: consultation %s", ErrMissingBillingRef, c.ID)
	}

	var (
		action  = consultation.CreditActionNone
		grantID string
		applied bool
	)
	err := e.store.InTx(ctx, func(tx store.Store) error {
		claimed, err := tx.ClaimCreditReturn(ctx, c.ID, c.BillingRef, now)
		if err != nil {
			return err
		}
		if !claimed {
			return nil
		}
		applied = true

		// 1. 週期額度
		g, err := findGrant(ctx, tx, c.CustomerID, store.GrantCycle, now)
		if err != nil {
			return err
		}
		if g != nil && now.Before(g.CreatedAt.Add(e.rules.CreditValidity)) {
			action, grantID = consultation.CreditActionCycle, g.ID
			return tx.AdjustGrant(ctx, g.ID, 1, -1, nil)
		}

		// 2. 臨時多次額度
		g, err = findGrant(ctx, tx, c.CustomerID, store.GrantAdhoc, now)
		if err != nil {
			return err
		}
		if g != nil {
			action, grantID = consultation.CreditActionAdhoc, g.ID
			return tx.AdjustGrant(ctx, g.ID, 1, 0, nil)
		}

		// 3. 單次額度：加一並延長效期
		g, err = findGrant(ctx, tx, c.CustomerID, store.GrantPunctual, now)
		if err != nil {
			return err
		}
		if g != nil {
			action, grantID = consultation.CreditActionPunctual, g.ID
			until := now.Add(e.rules.CreditValidity)
			if g.ValidUntil.After(until) {
				until = g.ValidUntil
			}
			return tx.AdjustGrant(ctx, g.ID, 1, 0, &until)
		}

		// 4. 新額度
		ng := &store.CreditGrant{
			ID:         uuid.NewString(),
			CustomerID: c.CustomerID,
			Kind:       store.GrantPunctual,
			Remaining:  1,
			Active:     true,
			ValidUntil: now.Add(e.rules.CreditValidity),
			CreatedAt:  now,
		}
		action, grantID = consultation.CreditActionNew, ng.ID
		return tx.CreateGrant(ctx, ng)
	})
	if err != nil {
		return consultation.CreditActionNone, "", false, fmt.Errorf("return credit for %s: %w", c.ID, err)
	}
	return action, grantID, applied, nil
}

func findGrant(ctx context.Context, tx store.Store, customerID string, kind store.GrantKind, now time.Time) (*store.CreditGrant, error) {
	g, err := tx.FindGrant(ctx, customerID, kind, now)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return g, err
}

// ReleaseHeld upgrades held commissions that now fall inside the closed
// billing window. Commissions of inactive providers stay held.
func (e *Engine) ReleaseHeld(ctx context.Context) (int, error) {
	now := e.clock.Now()
	cutoff := clock.CutoffFor(now, e.rules.CutoffDay, e.clock.Location())

	held, err := e.store.ListHeldCommissions(ctx, cutoff, 1000)
	if err != nil {
		return 0, err
	}

	released := 0
	active := make(map[string]bool)
	for _, rec := range held {
		isActive, seen := active[rec.ProviderID]
		if !seen {
			p, err := e.store.GetProvider(ctx, rec.ProviderID)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return released, err
			}
			isActive = p != nil && p.Active
			active[rec.ProviderID] = isActive
		}
		if !isActive {
			continue
		}
		ok, err := e.store.ReleaseCommission(ctx, rec.ConsultationID, now)
		if err != nil {
			return released, err
		}
		if ok {
			released++
			e.recordCommission(store.CommissionAvailable)
		}
	}
	if released > 0 {
		log.Info("released held commissions", "count", released, "cutoff", cutoff)
	}
	return released, nil
}

func (e *Engine) recordCommission(s store.CommissionStatus) {
	if e.metrics != nil {
		e.metrics.RecordCommission(string(s))
	}
}
