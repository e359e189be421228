// ============================================================================
// Consulta Engine - Persistence Interface
// ============================================================================
//
// Package: internal/store
// File: store.go
// Purpose: Entities and the persistence contract consumed by the settlement
//          engine, the lifecycle workers and the request tier.
//
// Concurrency:
//   The store is shared by every worker, every sweep and the request tier.
//   Status changes are compare-and-swap updates guarded by the prior status
//   set (TransitionStatus / Reschedule). Callers never take application locks.
//
// Transactions:
//   InTx(ctx, fn) runs fn against a Store bound to one transaction. Inside fn
//   only the Store passed in may be used.
//
// ============================================================================

package store

import (
	"context"
	"errors"
	"time"

	"github.com/ChuLiYu/consulta-engine/internal/consultation"
)

var (
	// ErrNotFound is returned when a referenced entity does not exist.
	ErrNotFound = errors.New("entity not found")
	// ErrStatusConflict is returned when a guarded update finds the row in an
	// unexpected status and the caller asked for a hard failure.
	ErrStatusConflict = errors.New("status conflict")
)

// ============================================================================
// Entities
// ============================================================================

// Consultation 一次預約的諮詢
type Consultation struct {
	ID              string
	CustomerID      string
	ProviderID      string
	ScheduledAt     time.Time
	DurationMinutes int
	Status          consultation.Status
	Origin          consultation.Actor
	ValueCents      int64
	Payable         bool
	CreditAction    consultation.CreditAction
	BillingRef      string // invoice / order code the session was paid with
	SubscriptionID  string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// EndsAt returns the scheduled end; def is used when no duration is stored.
func (c *Consultation) EndsAt(def time.Duration) time.Time {
	d := time.Duration(c.DurationMinutes) * time.Minute
	if d <= 0 {
		d = def
	}
	return c.ScheduledAt.Add(d)
}

// JoinRecord 記錄雙方加入時間；一個 slot 對應一次排定時間
type JoinRecord struct {
	ConsultationID   string
	SlotAt           time.Time
	CustomerJoinedAt *time.Time
	ProviderJoinedAt *time.Time
	CustomerToken    string
	ProviderToken    string
}

// Missing reports which party has not joined yet.
func (j *JoinRecord) Missing() consultation.Role {
	if j == nil {
		return consultation.RoleBoth
	}
	return consultation.ClassifyMissing(j.CustomerJoinedAt != nil, j.ProviderJoinedAt != nil)
}

// CancellationRecord 取消請求與審核結果
type CancellationRecord struct {
	ID             string
	ConsultationID string
	RequestedBy    consultation.Actor
	Reason         consultation.Reason
	Deferral       consultation.Deferral
	RequestedAt    time.Time
	DecidedAt      *time.Time
}

// CommissionStatus is the payout state of a commission.
type CommissionStatus string

const (
	CommissionHeld       CommissionStatus = "held"
	CommissionAvailable  CommissionStatus = "available"
	CommissionPaid       CommissionStatus = "paid"
	CommissionSuperseded CommissionStatus = "superseded"
)

// CommissionRecord 服務提供者應得的佣金，每個諮詢最多一筆
type CommissionRecord struct {
	ID             string
	ConsultationID string
	ProviderID     string
	BaseCents      int64
	RateBps        int
	ValueCents     int64
	Period         string // civil YYYY-MM of the consultation
	ConsultAt      time.Time
	Status         CommissionStatus
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// LegalEntity classifies providers for the payout rate.
type LegalEntity string

const (
	LegalEntityIncorporated LegalEntity = "incorporated"
	LegalEntityIndependent  LegalEntity = "independent"
)

// Provider is the compensated party.
type Provider struct {
	ID          string
	LegalEntity LegalEntity
	Active      bool
}

// GrantKind is the credit bucket.
type GrantKind string

const (
	GrantCycle    GrantKind = "cycle"
	GrantAdhoc    GrantKind = "adhoc"
	GrantPunctual GrantKind = "punctual"
)

// CreditGrant 客戶可退回的諮詢額度
type CreditGrant struct {
	ID         string
	CustomerID string
	Kind       GrantKind
	Remaining  int
	Used       int
	Active     bool
	ValidUntil time.Time
	CreatedAt  time.Time
}

// PurchaseStatus is the payment state of a one-off purchase.
type PurchaseStatus string

const (
	PurchasePending PurchaseStatus = "pending"
	PurchasePaid    PurchaseStatus = "paid"
	PurchaseExpired PurchaseStatus = "expired"
)

// Purchase is a pending checkout that expires if never paid.
type Purchase struct {
	ID         string
	CustomerID string
	Status     PurchaseStatus
	ExpiresAt  time.Time
	CreatedAt  time.Time
}

// SubscriptionStatus is the state of a plan subscription.
type SubscriptionStatus string

const (
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
	SubscriptionExpired   SubscriptionStatus = "expired"
)

// Subscription is a recurring plan that carries a cycle allowance.
type Subscription struct {
	ID          string
	CustomerID  string
	Status      SubscriptionStatus
	PeriodEnd   time.Time
	CancelledAt *time.Time
}

// ============================================================================
// Store interface
// ============================================================================

// Store is the persistence contract. Every method is ctx-first and safe for
// concurrent use.
type Store interface {
	Migrate(ctx context.Context) error
	InTx(ctx context.Context, fn func(Store) error) error

	// consultations
	CreateConsultation(ctx context.Context, c *Consultation) error
	GetConsultation(ctx context.Context, id string) (*Consultation, error)
	TransitionStatus(ctx context.Context, id string, to consultation.Status, origin consultation.Actor, from []consultation.Status, at time.Time) (bool, error)
	Reschedule(ctx context.Context, id string, newAt time.Time, from []consultation.Status, at time.Time) (bool, error)
	UpdateSettlementFlags(ctx context.Context, id string, payable bool, action consultation.CreditAction, at time.Time) error

	// attendance
	MarkJoined(ctx context.Context, id string, slotAt time.Time, role consultation.Role, token string, at time.Time) error
	GetJoinRecord(ctx context.Context, id string, slotAt time.Time) (*JoinRecord, error)

	// cancellations
	CreateCancellation(ctx context.Context, r *CancellationRecord) error
	LatestCancellation(ctx context.Context, consultationID string) (*CancellationRecord, error)
	DecideCancellation(ctx context.Context, id string, d consultation.Deferral, override bool, at time.Time) (bool, error)

	// commissions
	UpsertCommission(ctx context.Context, r *CommissionRecord) error
	GetCommission(ctx context.Context, consultationID string) (*CommissionRecord, error)
	SupersedeCommission(ctx context.Context, consultationID string, at time.Time) (bool, error)
	ReleaseCommission(ctx context.Context, consultationID string, at time.Time) (bool, error)
	MarkCommissionPaid(ctx context.Context, consultationID string, at time.Time) (bool, error)
	ListHeldCommissions(ctx context.Context, consultAtUpTo time.Time, limit int) ([]*CommissionRecord, error)

	// providers
	GetProvider(ctx context.Context, id string) (*Provider, error)
	PutProvider(ctx context.Context, p *Provider) error

	// credits
	FindGrant(ctx context.Context, customerID string, kind GrantKind, now time.Time) (*CreditGrant, error)
	CreateGrant(ctx context.Context, g *CreditGrant) error
	AdjustGrant(ctx context.Context, id string, deltaRemaining, deltaUsed int, validUntil *time.Time) error
	ListGrants(ctx context.Context, customerID string) ([]*CreditGrant, error)
	DeactivateGrants(ctx context.Context, customerID string, kind GrantKind) (int64, error)
	ClaimCreditReturn(ctx context.Context, consultationID, billingRef string, at time.Time) (bool, error)

	// sweep queries
	ListOverdueUnjoined(ctx context.Context, deadline time.Time, limit int) ([]*Consultation, error)
	ListStartedWithBothJoined(ctx context.Context, now time.Time, limit int) ([]*Consultation, error)
	ListInProgressPastEnd(ctx context.Context, now time.Time, def time.Duration, limit int) ([]*Consultation, error)
	ListInProgressEnding(ctx context.Context, now time.Time, horizon, def time.Duration, limit int) ([]*Consultation, error)
	ListUpcomingScheduled(ctx context.Context, from, to time.Time, limit int) ([]*Consultation, error)
	ListScheduledForSubscriptionAfter(ctx context.Context, subscriptionID string, after time.Time) ([]*Consultation, error)

	// purchases and subscriptions
	PutPurchase(ctx context.Context, p *Purchase) error
	GetPurchase(ctx context.Context, id string) (*Purchase, error)
	ExpirePurchase(ctx context.Context, id string, at time.Time) (bool, error)
	PutSubscription(ctx context.Context, s *Subscription) error
	GetSubscription(ctx context.Context, id string) (*Subscription, error)
	CancelSubscription(ctx context.Context, id string, at time.Time) (bool, error)
	ExpireSubscription(ctx context.Context, id string, at time.Time) (bool, error)
}
