// ============================================================================
// Consulta Engine - Civil Clock
// ============================================================================
//
// Package: internal/clock
// File: clock.go
// Purpose: Every instant the engine reasons about (grace deadlines, billing
//          cutoffs, credit validity) is converted to one civil timezone.
//
// All business rules compare civil dates, never server-local dates. The
// location is loaded once at startup and injected everywhere through Clock.
//
// ============================================================================

package clock

import (
	"fmt"
	"sync"
	"time"
	_ "time/tzdata" // embed zone database so containers without /usr/share/zoneinfo work
)

// DefaultZone is the civil timezone used when configuration does not name one.
const DefaultZone = "America/Sao_Paulo"

// Clock returns the current instant in the civil timezone.
type Clock interface {
	Now() time.Time
	Location() *time.Location
}

// Load resolves a timezone name.
func Load(name string) (*time.Location, error) {
	if name == "" {
		name = DefaultZone
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", name, err)
	}
	return loc, nil
}

// System is the production clock.
type System struct {
	Loc *time.Location
}

// NewSystem creates a System clock for loc.
func NewSystem(loc *time.Location) System {
	return System{Loc: loc}
}

func (s System) Now() time.Time { return time.Now().In(s.Loc) }

func (s System) Location() *time.Location { return s.Loc }

// Fixed is a manually driven clock for tests and replays.
type Fixed struct {
	mu  sync.Mutex
	now time.Time
	loc *time.Location
}

// NewFixed creates a Fixed clock frozen at now.
func NewFixed(now time.Time, loc *time.Location) *Fixed {
	return &Fixed{now: now.In(loc), loc: loc}
}

func (f *Fixed) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fixed) Location() *time.Location { return f.loc }

// Set moves the clock to t.
func (f *Fixed) Set(t time.Time) {
	f.mu.Lock()
	f.now = t.In(f.loc)
	f.mu.Unlock()
}

// Advance moves the clock forward by d.
func (f *Fixed) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

// ============================================================================
// Civil date helpers
// ============================================================================

// Civil converts t into loc.
func Civil(t time.Time, loc *time.Location) time.Time {
	return t.In(loc)
}

// YearMonth returns the billing period label ("2025-12") of t in loc.
func YearMonth(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("2006-01")
}

// CutoffFor returns the last instant of the cutoff day in now's civil month.
//
// Example (day=20): now=2026-01-05 → 2026-01-20 23:59:59.999999999.
func CutoffFor(now time.Time, day int, loc *time.Location) time.Time {
	c := now.In(loc)
	return time.Date(c.Year(), c.Month(), day, 23, 59, 59, int(time.Second-time.Nanosecond), loc)
}

// NextDailyAt returns the next instant strictly after now that falls on
// hour:min civil time.
func NextDailyAt(now time.Time, hour, min int, loc *time.Location) time.Time {
	c := now.In(loc)
	next := time.Date(c.Year(), c.Month(), c.Day(), hour, min, 0, 0, loc)
	if !next.After(c) {
		next = time.Date(c.Year(), c.Month(), c.Day()+1, hour, min, 0, 0, loc)
	}
	return next
}
