// ============================================================================
// Consulta Engine - Status Resolver
// ============================================================================
//
// Package: internal/consultation
// File: resolver.go
// Purpose: Map a raw lifecycle signal plus context to one canonical status.
//
// Priority order:
//   1. direct mappings (canonical names, in-progress, completed, off-platform,
//      system/admin cancellation, deprovisioning, expiry) short-circuit
//   2. an explicit missing-party flag from the caller wins over everything else
//   3. cancellation-like signals: force majeure → breach → actor × window
//   4. reschedule-like signals: actor × window
//   5. scheduled
//
// The resolver is pure. "Now" is part of Context, so identical inputs always
// give identical outputs.
//
// ============================================================================

package consultation

import (
	"strings"
	"time"
)

// DefaultCancellationWindow is the notice period separating in-window from
// out-of-window cancellations.
const DefaultCancellationWindow = 24 * time.Hour

// Context is everything the resolver may look at besides the raw signal.
type Context struct {
	Actor       Actor
	ScheduledAt time.Time
	Now         time.Time
	Reason      Reason
	Deferral    Deferral
	Missing     Role
}

// Resolver turns raw signals into canonical statuses.
type Resolver struct {
	Window time.Duration
}

// NewResolver creates a Resolver; a non-positive window falls back to 24h.
func NewResolver(window time.Duration) Resolver {
	if window <= 0 {
		window = DefaultCancellationWindow
	}
	return Resolver{Window: window}
}

var directSignals = map[string]Status{
	"em andamento":            StatusInProgress,
	"andamento":               StatusInProgress,
	"iniciada":                StatusInProgress,
	"in progress":             StatusInProgress,
	"realizada":               StatusCompleted,
	"concluida":               StatusCompleted,
	"finalizada":              StatusCompleted,
	"completed":               StatusCompleted,
	"fora da plataforma":      StatusOffPlatform,
	"off platform":            StatusOffPlatform,
	"cancelada sistema":       StatusSystemCancelled,
	"cancelado sistema":       StatusSystemCancelled,
	"cancelada pelo sistema":  StatusSystemCancelled,
	"system cancelled":        StatusSystemCancelled,
	"cancelada admin":         StatusAdminCancelled,
	"cancelado admin":         StatusAdminCancelled,
	"admin cancelled":         StatusAdminCancelled,
	"profissional desativado": StatusDeprovisionedProvider,
	"prestador desativado":    StatusDeprovisionedProvider,
	"deprovisioned":           StatusDeprovisionedProvider,
	"expirada":                StatusExpired,
	"expirado":                StatusExpired,
	"expired":                 StatusExpired,
}

var noShowSignals = map[string]bool{
	"nao compareceu": true,
	"no show":        true,
	"ausente":        true,
	"inatividade":    true,
}

// Resolve maps raw to a canonical status.
func (r Resolver) Resolve(raw string, rc Context) Status {
	actor := rc.Actor
	if actor == "" {
		actor = ActorCustomer
	}

	// 1. direct mappings
	if s := Status(strings.TrimSpace(raw)); s.Valid() && s != StatusScheduled {
		return s
	}
	signal := Normalize(raw)
	if s, ok := directSignals[signal]; ok {
		return s
	}

	// 2. explicit missing-party flag
	if s, ok := NoShowStatus(rc.Missing); ok {
		return s
	}
	if noShowSignals[signal] {
		// no-show signal without a missing party: nobody proved attendance
		return StatusNoShowBoth
	}

	// 3. cancellations
	if isCancellation(signal) {
		switch rc.Reason.Kind {
		case ReasonKindForceMajeure:
			return StatusForceMajeure
		case ReasonKindBreach:
			if actor == ActorProvider {
				return StatusBreachByProvider
			}
			return StatusBreachByCustomer
		}
		inWindow := r.inWindow(rc)
		switch actor {
		case ActorAdmin:
			return StatusAdminCancelled
		case ActorSystem:
			return StatusSystemCancelled
		case ActorProvider:
			if inWindow {
				return StatusCancelledByProviderInWindow
			}
			return StatusCancelledByProviderOutOfWindow
		default:
			if inWindow {
				return StatusCancelledByCustomerInWindow
			}
			return StatusCancelledByCustomerOutOfWindow
		}
	}

	// 4. reschedules
	if isReschedule(signal) {
		inWindow := r.inWindow(rc)
		switch actor {
		case ActorAdmin, ActorSystem:
			return StatusRescheduledBySystem
		case ActorProvider:
			if inWindow {
				return StatusRescheduledByProviderInWindow
			}
			return StatusRescheduledByProviderOutOfWindow
		default:
			if inWindow {
				return StatusRescheduledByCustomerInWindow
			}
			return StatusRescheduledByCustomerOutOfWindow
		}
	}

	// 5. default
	return StatusScheduled
}

// inWindow reports whether the action happened with at least Window of
// notice before the scheduled start.
func (r Resolver) inWindow(rc Context) bool {
	if rc.ScheduledAt.IsZero() {
		return false
	}
	window := r.Window
	if window <= 0 {
		window = DefaultCancellationWindow
	}
	return rc.ScheduledAt.Sub(rc.Now) >= window
}

func isCancellation(signal string) bool {
	return strings.HasPrefix(signal, "cancel")
}

func isReschedule(signal string) bool {
	return strings.Contains(signal, "reagend") || strings.Contains(signal, "reschedul") || strings.Contains(signal, "remarc")
}
