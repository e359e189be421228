package consultation

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicyTableCoversEveryStatus(t *testing.T) {
	assert.Len(t, Statuses(), 23)
	for _, s := range Statuses() {
		p, ok := PolicyFor(s)
		require.True(t, ok, s)
		assert.NotEmpty(t, p.Origin, s)
		assert.NotEmpty(t, p.Credit, s)
		assert.NotEmpty(t, p.Payable, s)
	}
	_, ok := PolicyFor("bogus")
	assert.False(t, ok)
}

func TestIsPayable(t *testing.T) {
	tests := []struct {
		status   Status
		deferral Deferral
		want     bool
	}{
		{StatusCompleted, "", true},
		{StatusInProgress, "", true},
		{StatusNoShowCustomer, "", true},
		{StatusNoShowProvider, "", false},
		{StatusNoShowBoth, "", false},
		{StatusCancelledByCustomerInWindow, "", false},
		{StatusCancelledByCustomerOutOfWindow, "", false},
		{StatusCancelledByCustomerOutOfWindow, DeferralPending, false},
		{StatusCancelledByCustomerOutOfWindow, DeferralApproved, false},
		{StatusCancelledByCustomerOutOfWindow, DeferralDenied, true},
		{StatusBreachByCustomer, DeferralDenied, true},
		{StatusBreachByCustomer, DeferralApproved, false},
		{StatusForceMajeure, "", false},
		{StatusScheduled, "", false},
		{Status("bogus"), DeferralDenied, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsPayable(tt.status, tt.deferral), "%s/%s", tt.status, tt.deferral)
	}
}

func TestShouldReturnCredit(t *testing.T) {
	tests := []struct {
		status   Status
		deferral Deferral
		want     bool
	}{
		{StatusCompleted, "", false},
		{StatusNoShowProvider, "", true},
		{StatusNoShowBoth, "", true},
		{StatusNoShowCustomer, "", false},
		{StatusCancelledByCustomerInWindow, "", true},
		{StatusCancelledByCustomerOutOfWindow, "", false},
		{StatusCancelledByCustomerOutOfWindow, DeferralPending, false},
		{StatusCancelledByCustomerOutOfWindow, DeferralApproved, true},
		{StatusCancelledByCustomerOutOfWindow, DeferralDenied, false},
		{StatusBreachByCustomer, "", false},
		{StatusBreachByCustomer, DeferralPending, false},
		{StatusBreachByCustomer, DeferralApproved, false},
		{StatusBreachByCustomer, DeferralDenied, false},
		{StatusBreachByProvider, "", true},
		{StatusAdminCancelled, "", true},
		{StatusSystemCancelled, "", true},
		{StatusDeprovisionedProvider, "", true},
		{StatusOffPlatform, "", false},
		{StatusExpired, "", false},
		{StatusRescheduledBySystem, "", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ShouldReturnCredit(tt.status, tt.deferral), "%s/%s", tt.status, tt.deferral)
	}
}

// a consultation never both pays the provider and returns the session
func TestPayableAndCreditAreExclusive(t *testing.T) {
	for status := range policies {
		for _, d := range []Deferral{"", DeferralPending, DeferralApproved, DeferralDenied} {
			assert.False(t, IsPayable(status, d) && ShouldReturnCredit(status, d), "%s/%s", status, d)
		}
	}
}

func TestCanTransition(t *testing.T) {
	assert.NoError(t, CanTransition(StatusScheduled, StatusInProgress))
	assert.NoError(t, CanTransition(StatusScheduled, StatusNoShowBoth))
	assert.NoError(t, CanTransition(StatusInProgress, StatusCompleted))
	assert.NoError(t, CanTransition(StatusScheduled, StatusRescheduledBySystem))
	assert.NoError(t, CanTransition(StatusRescheduledByCustomerInWindow, StatusScheduled))

	err := CanTransition(StatusCompleted, StatusNoShowCustomer)
	assert.True(t, errors.Is(err, ErrTerminal))

	err = CanTransition(StatusScheduled, StatusScheduled)
	assert.True(t, errors.Is(err, ErrIllegalTransition))

	err = CanTransition(StatusRescheduledBySystem, StatusCompleted)
	assert.True(t, errors.Is(err, ErrIllegalTransition))

	err = CanTransition(StatusScheduled, "bogus")
	assert.True(t, errors.Is(err, ErrIllegalTransition))
}

func TestIsTerminal(t *testing.T) {
	assert.False(t, IsTerminal(StatusScheduled))
	assert.False(t, IsTerminal(StatusInProgress))
	assert.False(t, IsTerminal(StatusRescheduledByProviderOutOfWindow))
	assert.True(t, IsTerminal(StatusCompleted))
	assert.True(t, IsTerminal(StatusExpired))
	assert.True(t, IsTerminal(StatusNoShowBoth))
}

func TestClassifyMissing(t *testing.T) {
	assert.Equal(t, RoleNone, ClassifyMissing(true, true))
	assert.Equal(t, RoleBoth, ClassifyMissing(false, false))
	assert.Equal(t, RoleCustomer, ClassifyMissing(false, true))
	assert.Equal(t, RoleProvider, ClassifyMissing(true, false))

	s, ok := NoShowStatus(RoleBoth)
	assert.True(t, ok)
	assert.Equal(t, StatusNoShowBoth, s)
	_, ok = NoShowStatus(RoleNone)
	assert.False(t, ok)
}
