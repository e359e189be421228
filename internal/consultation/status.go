// ============================================================================
// Consulta Engine - Canonical Status Model
// ============================================================================
//
// Package: internal/consultation
// File: status.go
// Purpose: Canonical lifecycle statuses and the static policy table that
//          decides, per status, who caused it, whether the customer's
//          session credit comes back and whether the provider is paid.
//
// State machine:
//
//   scheduled ──► in_progress ──► completed
//       │              │
//       └──────┬───────┘
//              ▼
//   no_show_* | cancelled_* | force_majeure | breach_* | admin/system
//   cancellations | deprovisioned_provider | off_platform | expired
//                                    (terminal, never left)
//
//   scheduled | in_progress ──► rescheduled_* ──► scheduled (new slot)
//
// ============================================================================

package consultation

import (
	"errors"
	"fmt"
)

var (
	// ErrTerminal is returned when a transition out of a terminal status is attempted.
	ErrTerminal = errors.New("consultation is in a terminal status")
	// ErrIllegalTransition is returned for any other transition the state machine rejects.
	ErrIllegalTransition = errors.New("illegal status transition")
)

// Status is the single canonical lifecycle state of a consultation.
type Status string

const (
	StatusScheduled  Status = "scheduled"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"

	StatusNoShowCustomer Status = "no_show_customer"
	StatusNoShowProvider Status = "no_show_provider"
	StatusNoShowBoth     Status = "no_show_both"

	StatusCancelledByCustomerInWindow    Status = "cancelled_by_customer_in_window"
	StatusCancelledByCustomerOutOfWindow Status = "cancelled_by_customer_out_of_window"
	StatusCancelledByProviderInWindow    Status = "cancelled_by_provider_in_window"
	StatusCancelledByProviderOutOfWindow Status = "cancelled_by_provider_out_of_window"

	StatusForceMajeure     Status = "force_majeure"
	StatusBreachByCustomer Status = "breach_by_customer"
	StatusBreachByProvider Status = "breach_by_provider"

	StatusRescheduledByCustomerInWindow    Status = "rescheduled_by_customer_in_window"
	StatusRescheduledByCustomerOutOfWindow Status = "rescheduled_by_customer_out_of_window"
	StatusRescheduledByProviderInWindow    Status = "rescheduled_by_provider_in_window"
	StatusRescheduledByProviderOutOfWindow Status = "rescheduled_by_provider_out_of_window"
	StatusRescheduledBySystem              Status = "rescheduled_by_system"

	StatusAdminCancelled        Status = "admin_cancelled"
	StatusSystemCancelled       Status = "system_cancelled"
	StatusDeprovisionedProvider Status = "deprovisioned_provider"
	StatusOffPlatform           Status = "off_platform"
	StatusExpired               Status = "expired"
)

// Actor is who (or what) caused a status.
type Actor string

const (
	ActorCustomer Actor = "customer"
	ActorProvider Actor = "provider"
	ActorAdmin    Actor = "admin"
	ActorSystem   Actor = "system"
)

// CreditPolicy says whether the customer's session comes back.
type CreditPolicy string

const (
	CreditNever           CreditPolicy = "never"
	CreditAlways          CreditPolicy = "always"
	CreditIfDeferred      CreditPolicy = "if_deferred"
	CreditNeverIfDeferred CreditPolicy = "never_if_deferred"
)

// PayablePolicy says whether the provider is compensated.
type PayablePolicy string

const (
	PayableAlways      PayablePolicy = "always"
	PayableNever       PayablePolicy = "never"
	PayableConditional PayablePolicy = "conditional"
)

// Deferral is the tri-state approval of a cancellation request.
type Deferral string

const (
	DeferralPending  Deferral = "pending"
	DeferralApproved Deferral = "approved"
	DeferralDenied   Deferral = "denied"
)

// CreditAction records which credit bucket a refund went to.
type CreditAction string

const (
	CreditActionNone     CreditAction = "none"
	CreditActionCycle    CreditAction = "cycle"
	CreditActionAdhoc    CreditAction = "adhoc"
	CreditActionPunctual CreditAction = "punctual"
	CreditActionNew      CreditAction = "new_credit"
)

// Policy is one row of the static status table.
type Policy struct {
	Origin  Actor
	Credit  CreditPolicy
	Payable PayablePolicy
}

var policies = map[Status]Policy{
	StatusScheduled:  {ActorSystem, CreditNever, PayableNever},
	StatusInProgress: {ActorSystem, CreditNever, PayableAlways},
	StatusCompleted:  {ActorSystem, CreditNever, PayableAlways},

	StatusNoShowCustomer: {ActorCustomer, CreditNever, PayableAlways},
	StatusNoShowProvider: {ActorProvider, CreditAlways, PayableNever},
	StatusNoShowBoth:     {ActorSystem, CreditAlways, PayableNever},

	StatusCancelledByCustomerInWindow:    {ActorCustomer, CreditAlways, PayableNever},
	StatusCancelledByCustomerOutOfWindow: {ActorCustomer, CreditIfDeferred, PayableConditional},
	StatusCancelledByProviderInWindow:    {ActorProvider, CreditAlways, PayableNever},
	StatusCancelledByProviderOutOfWindow: {ActorProvider, CreditAlways, PayableNever},

	StatusForceMajeure:     {ActorSystem, CreditAlways, PayableNever},
	StatusBreachByCustomer: {ActorCustomer, CreditNeverIfDeferred, PayableConditional},
	StatusBreachByProvider: {ActorProvider, CreditAlways, PayableNever},

	StatusRescheduledByCustomerInWindow:    {ActorCustomer, CreditNever, PayableNever},
	StatusRescheduledByCustomerOutOfWindow: {ActorCustomer, CreditNever, PayableNever},
	StatusRescheduledByProviderInWindow:    {ActorProvider, CreditNever, PayableNever},
	StatusRescheduledByProviderOutOfWindow: {ActorProvider, CreditNever, PayableNever},
	StatusRescheduledBySystem:              {ActorSystem, CreditNever, PayableNever},

	StatusAdminCancelled:        {ActorAdmin, CreditAlways, PayableNever},
	StatusSystemCancelled:       {ActorSystem, CreditAlways, PayableNever},
	StatusDeprovisionedProvider: {ActorSystem, CreditAlways, PayableNever},
	StatusOffPlatform:           {ActorSystem, CreditNever, PayableNever},
	StatusExpired:               {ActorSystem, CreditNever, PayableNever},
}

// PolicyFor returns the static table row for s.
func PolicyFor(s Status) (Policy, bool) {
	p, ok := policies[s]
	return p, ok
}

// Statuses lists every canonical status.
func Statuses() []Status {
	out := make([]Status, 0, len(policies))
	for s := range policies {
		out = append(out, s)
	}
	return out
}

// Valid reports whether s is a canonical status.
func (s Status) Valid() bool {
	_, ok := policies[s]
	return ok
}

// IsRescheduled reports whether s is one of the rescheduled statuses.
func IsRescheduled(s Status) bool {
	switch s {
	case StatusRescheduledByCustomerInWindow, StatusRescheduledByCustomerOutOfWindow,
		StatusRescheduledByProviderInWindow, StatusRescheduledByProviderOutOfWindow,
		StatusRescheduledBySystem:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition may leave s.
func IsTerminal(s Status) bool {
	switch s {
	case StatusScheduled, StatusInProgress:
		return false
	}
	return !IsRescheduled(s)
}

// Active lists the statuses from which a consultation can still move to a
// terminal outcome. It is the guard set for conditional updates.
func Active() []Status {
	return []Status{StatusScheduled, StatusInProgress}
}

// CanTransition validates a transition against the state machine.
func CanTransition(from, to Status) error {
	if !from.Valid() || !to.Valid() {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	if IsTerminal(from) {
		return fmt.Errorf("%w: %s", ErrTerminal, from)
	}
	if IsRescheduled(from) {
		if to != StatusScheduled {
			return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
		}
		return nil
	}
	if from == to || to == StatusScheduled {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}

// ============================================================================
// Policy evaluation
// ============================================================================

// IsPayable decides whether the provider is compensated for s.
//
// conditional pays only when a cancellation review explicitly denied the
// deferral; pending or absent reviews pay nothing.
func IsPayable(s Status, d Deferral) bool {
	p, ok := policies[s]
	if !ok {
		return false
	}
	switch p.Payable {
	case PayableAlways:
		return true
	case PayableConditional:
		return d == DeferralDenied
	}
	return false
}

// ShouldReturnCredit decides whether the customer's session comes back for s.
func ShouldReturnCredit(s Status, d Deferral) bool {
	p, ok := policies[s]
	if !ok {
		return false
	}
	switch p.Credit {
	case CreditAlways:
		return true
	case CreditIfDeferred:
		return d == DeferralApproved
	}
	return false
}

// ============================================================================
// No-show classification
// ============================================================================

// Role names which party failed to join.
type Role string

const (
	RoleNone     Role = ""
	RoleCustomer Role = "customer"
	RoleProvider Role = "provider"
	RoleBoth     Role = "both"
)

// ClassifyMissing computes the missing role from join flags.
func ClassifyMissing(customerJoined, providerJoined bool) Role {
	switch {
	case customerJoined && providerJoined:
		return RoleNone
	case !customerJoined && !providerJoined:
		return RoleBoth
	case !customerJoined:
		return RoleCustomer
	default:
		return RoleProvider
	}
}

// NoShowStatus maps a missing role to its no-show status.
func NoShowStatus(r Role) (Status, bool) {
	switch r {
	case RoleCustomer:
		return StatusNoShowCustomer, true
	case RoleProvider:
		return StatusNoShowProvider, true
	case RoleBoth:
		return StatusNoShowBoth, true
	}
	return "", false
}
