package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryPolicyDelay(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: 10 * time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{12, 10 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Delay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestRetryPolicyOrDefault(t *testing.T) {
	p := RetryPolicy{}.OrDefault()
	assert.Equal(t, DefaultRetryPolicy, p)

	custom := RetryPolicy{MaxAttempts: 2}.OrDefault()
	assert.Equal(t, 2, custom.MaxAttempts)
	assert.Equal(t, DefaultRetryPolicy.BaseDelay, custom.BaseDelay)
}

func TestJobStatusIsFinal(t *testing.T) {
	assert.False(t, StatusPending.IsFinal())
	assert.False(t, StatusInFlight.IsFinal())
	assert.True(t, StatusCompleted.IsFinal())
	assert.True(t, StatusDead.IsFinal())
	assert.True(t, StatusCancelled.IsFinal())
}
