package settlement

import (
	"fmt"
	"time"

	"github.com/ChuLiYu/consulta-engine/internal/clock"
	"github.com/ChuLiYu/consulta-engine/internal/store"
)

// Rules are the money-moving business parameters.
type Rules struct {
	CutoffDay       int           // billing cutoff, day of month (default 20)
	IncorporatedBps int           // payout rate for incorporated providers, basis points
	IndependentBps  int           // payout rate for independent providers, basis points
	CreditValidity  time.Duration // validity of returned / created credits
}

// DefaultRules returns the production defaults.
func DefaultRules() Rules {
	return Rules{
		CutoffDay:       20,
		IncorporatedBps: 7000,
		IndependentBps:  6000,
		CreditValidity:  30 * 24 * time.Hour,
	}
}

// orDefault fills only the fields whose zero value is unusable. Payout
// rates are taken as given: 0 bps is a valid rate.
func (r Rules) orDefault() Rules {
	d := DefaultRules()
	if r.CutoffDay <= 0 {
		r.CutoffDay = d.CutoffDay
	}
	if r.CreditValidity <= 0 {
		r.CreditValidity = d.CreditValidity
	}
	return r
}

func (r Rules) validate() error {
	for _, bps := range []int{r.IncorporatedBps, r.IndependentBps} {
		if bps < 0 || bps > 10000 {
			return fmt.Errorf("settlement: payout rate must be in 0..10000 bps, got %d", bps)
		}
	}
	return nil
}

// RateFor returns the payout rate of a legal entity. Unclassified providers
// get the independent rate.
func (r Rules) RateFor(e store.LegalEntity) int {
	if e == store.LegalEntityIncorporated {
		return r.IncorporatedBps
	}
	return r.IndependentBps
}

// CommissionValue is base × bps / 10000 rounded half-up to the cent.
func CommissionValue(baseCents int64, bps int) int64 {
	if baseCents <= 0 || bps <= 0 {
		return 0
	}
	return (baseCents*int64(bps) + 5000) / 10000
}

// CommissionStatusFor applies the billing cutoff rule: a consultation dated
// up to the cutoff of now's civil month is available; later ones are held
// until the next window. An inactive provider is always held.
func CommissionStatusFor(consultAt, now time.Time, providerActive bool, cutoffDay int, loc *time.Location) store.CommissionStatus {
	if !providerActive {
		return store.CommissionHeld
	}
	if consultAt.After(clock.CutoffFor(now, cutoffDay, loc)) {
		return store.CommissionHeld
	}
	return store.CommissionAvailable
}
