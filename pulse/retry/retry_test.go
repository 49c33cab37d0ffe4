package retry

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/relay/errors"
)

func TestDelay(t *testing.T) {
	base := 100 * time.Millisecond
	tests := []struct {
		strategy Strategy
		attempt  int
		want     time.Duration
	}{
		{Exponential, 1, 100 * time.Millisecond},
		{Exponential, 2, 200 * time.Millisecond},
		{Exponential, 3, 400 * time.Millisecond},
		{Exponential, 5, 1600 * time.Millisecond},
		{Linear, 1, 100 * time.Millisecond},
		{Linear, 3, 300 * time.Millisecond},
		{Fixed, 1, 100 * time.Millisecond},
		{Fixed, 7, 100 * time.Millisecond},
		{Exponential, 0, 100 * time.Millisecond},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Delay(tt.strategy, base, tt.attempt), "%s attempt %d", tt.strategy, tt.attempt)
	}
}

func TestDelaySaturates(t *testing.T) {
	assert.Equal(t, time.Duration(math.MaxInt64), Delay(Exponential, time.Hour, 200))
	assert.Equal(t, time.Duration(math.MaxInt64), Delay(Linear, time.Duration(math.MaxInt64/2), 3))
	assert.Equal(t, time.Duration(0), Delay(Exponential, 0, 3))
}

func TestPolicyMaxDelayCaps(t *testing.T) {
	p := Policy{MaxAttempts: 10, Strategy: Exponential, Base: time.Second, MaxDelay: 5 * time.Second}
	assert.Equal(t, 4*time.Second, p.Delay(3))
	assert.Equal(t, 5*time.Second, p.Delay(4))
	assert.Equal(t, 5*time.Second, p.Delay(60))
}

func TestShouldRetry(t *testing.T) {
	p := Policy{MaxAttempts: 2}
	assert.True(t, p.ShouldRetry(1))
	assert.True(t, p.ShouldRetry(2))
	assert.False(t, p.ShouldRetry(3), "third failure exhausts maxAttempts=2")

	assert.False(t, Policy{}.ShouldRetry(1), "maxAttempts=0 never retries")
}

func TestParseStrategy(t *testing.T) {
	s, err := ParseStrategy("")
	require.NoError(t, err)
	assert.Equal(t, Exponential, s)

	s, err = ParseStrategy(" Linear ")
	require.NoError(t, err)
	assert.Equal(t, Linear, s)

	_, err = ParseStrategy("fibonacci")
	require.Error(t, err)
	assert.True(t, errors.IsInvalidRequestError(err))
	assert.False(t, Strategy("fibonacci").Valid())
}
