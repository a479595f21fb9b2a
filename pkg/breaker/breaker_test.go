package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var errBoom = errors.New("service unavailable")

func failing(calls *int) func(context.Context) error {
	return func(context.Context) error {
		*calls++
		return errBoom
	}
}

func succeeding(calls *int) func(context.Context) error {
	return func(context.Context) error {
		*calls++
		return nil
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	calls := 0
	b := New("users", Config{Enabled: true, FailureThreshold: 3, ResetTimeout: time.Minute},
		WithLogger(zaptest.NewLogger(t)))

	for i := 0; i < 3; i++ {
		err := b.Execute(context.Background(), failing(&calls))
		require.ErrorIs(t, err, errBoom)
	}
	assert.Equal(t, StateOpen, b.State())
	assert.Equal(t, 3, b.Failures())

	// Open breaker fails fast without invoking the operation.
	err := b.Execute(context.Background(), failing(&calls))
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 3, calls)
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	calls := 0
	b := New("users", Config{Enabled: true, FailureThreshold: 3, ResetTimeout: time.Minute})

	require.Error(t, b.Execute(context.Background(), failing(&calls)))
	require.Error(t, b.Execute(context.Background(), failing(&calls)))
	require.NoError(t, b.Execute(context.Background(), succeeding(&calls)))

	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 0, b.Failures())
}

func TestBreakerHalfOpenProbeSuccessCloses(t *testing.T) {
	calls := 0
	b := New("users", Config{Enabled: true, FailureThreshold: 2, ResetTimeout: 50 * time.Millisecond})

	for i := 0; i < 2; i++ {
		_ = b.Execute(context.Background(), failing(&calls))
	}
	require.Equal(t, StateOpen, b.State())

	time.Sleep(60 * time.Millisecond)

	err := b.Execute(context.Background(), succeeding(&calls))
	require.NoError(t, err)
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 0, b.Failures())
}

func TestBreakerHalfOpenProbeFailureReopens(t *testing.T) {
	calls := 0
	b := New("users", Config{Enabled: true, FailureThreshold: 2, ResetTimeout: 50 * time.Millisecond})

	for i := 0; i < 2; i++ {
		_ = b.Execute(context.Background(), failing(&calls))
	}
	time.Sleep(60 * time.Millisecond)

	err := b.Execute(context.Background(), failing(&calls))
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, StateOpen, b.State())

	// Reopened: next call fails fast again until the reset timeout elapses.
	before := calls
	err = b.Execute(context.Background(), failing(&calls))
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, before, calls)
}

func TestBreakerSingleProbeWhileHalfOpen(t *testing.T) {
	b := New("users", Config{Enabled: true, FailureThreshold: 1, ResetTimeout: 20 * time.Millisecond})
	_ = b.Execute(context.Background(), func(context.Context) error { return errBoom })
	time.Sleep(30 * time.Millisecond)

	release := make(chan struct{})
	probeStarted := make(chan struct{})
	go func() {
		_ = b.Execute(context.Background(), func(context.Context) error {
			close(probeStarted)
			<-release
			return nil
		})
	}()
	<-probeStarted

	// A second call while the probe is in flight is rejected.
	err := b.Execute(context.Background(), func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	close(release)
}

func TestDisabledBreakerNeverTrips(t *testing.T) {
	calls := 0
	b := New("users", Config{Enabled: false, FailureThreshold: 1})

	for i := 0; i < 5; i++ {
		err := b.Execute(context.Background(), failing(&calls))
		require.ErrorIs(t, err, errBoom)
	}
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 5, calls)
}
