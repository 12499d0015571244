package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelbridge/modelbridge/internal/apierror"
)

// fakeClock drives breaker time in tests.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(threshold int, recovery time.Duration) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := NewBreaker("test", BreakerOptions{
		FailureThreshold: threshold,
		RecoveryTimeout:  recovery,
		now:              clock.now,
	})
	return b, clock
}

func TestBreakerStartsClosed(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)
	assert.Equal(t, StateClosed, b.State())
	assert.NoError(t, b.Allow())
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)
	f := apierror.New(apierror.KindUpstream5xx, "down")

	b.RecordFailure(f)
	b.RecordFailure(f)
	assert.Equal(t, StateClosed, b.State())
	assert.NoError(t, b.Allow())

	b.RecordFailure(f)
	assert.Equal(t, StateOpen, b.State())

	err := b.Allow()
	require.Error(t, err)
	assert.Equal(t, apierror.KindCircuitOpen, apierror.AsFailure(err).Kind)
}

func TestBreakerIgnoresUnexpectedKinds(t *testing.T) {
	b, _ := newTestBreaker(1, time.Minute)

	for _, kind := range []apierror.Kind{
		apierror.KindValidation,
		apierror.KindAuthentication,
		apierror.KindRateLimit,
		apierror.KindCanceled,
	} {
		b.RecordFailure(apierror.New(kind, "x"))
	}
	assert.Equal(t, StateClosed, b.State())

	b.RecordFailure(nil)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	b, clock := newTestBreaker(1, time.Minute)
	b.RecordFailure(apierror.New(apierror.KindNetwork, "down"))
	assert.Equal(t, StateOpen, b.State())

	// Before the recovery timeout every call short-circuits.
	require.Error(t, b.Allow())

	clock.advance(time.Minute)
	assert.Equal(t, StateHalfOpen, b.State())

	// Exactly one probe gets through.
	assert.NoError(t, b.Allow())
	require.Error(t, b.Allow())
}

func TestBreakerReopensOnFailedProbe(t *testing.T) {
	b, clock := newTestBreaker(1, time.Minute)
	f := apierror.New(apierror.KindTimeout, "slow")

	b.RecordFailure(f)
	clock.advance(time.Minute)
	require.NoError(t, b.Allow())

	b.RecordFailure(f)
	assert.Equal(t, StateOpen, b.State())
	require.Error(t, b.Allow())

	// The reopened circuit waits a full recovery timeout again.
	clock.advance(30 * time.Second)
	require.Error(t, b.Allow())
	clock.advance(30 * time.Second)
	assert.NoError(t, b.Allow())
}

func TestBreakerReleasesProbeOnUnexpectedKind(t *testing.T) {
	b, clock := newTestBreaker(1, time.Minute)
	b.RecordFailure(apierror.New(apierror.KindNetwork, "down"))
	assert.Equal(t, StateOpen, b.State())

	clock.advance(time.Minute)
	require.NoError(t, b.Allow())

	// The probe's caller disconnected. That verdict says nothing about the
	// backend, so the slot must free up for the next caller.
	b.RecordFailure(apierror.New(apierror.KindCanceled, "client gone"))
	assert.Equal(t, StateHalfOpen, b.State())
	require.NoError(t, b.Allow())

	// Same for a nil failure recorded against an admitted probe.
	b.RecordFailure(nil)
	require.NoError(t, b.Allow())

	// A real backend verdict still decides the circuit.
	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerClosesOnSuccessfulProbe(t *testing.T) {
	b, clock := newTestBreaker(1, time.Minute)
	b.RecordFailure(apierror.New(apierror.KindUpstream5xx, "down"))

	clock.advance(time.Minute)
	require.NoError(t, b.Allow())
	b.RecordSuccess()

	assert.Equal(t, StateClosed, b.State())
	assert.NoError(t, b.Allow())
	assert.NoError(t, b.Allow())
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)
	f := apierror.New(apierror.KindUpstream5xx, "down")

	b.RecordFailure(f)
	b.RecordFailure(f)
	b.RecordSuccess()

	b.RecordFailure(f)
	b.RecordFailure(f)
	assert.Equal(t, StateClosed, b.State())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half_open", StateHalfOpen.String())
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(BreakerOptions{FailureThreshold: 2, RecoveryTimeout: time.Minute})

	azure := r.Get("azure")
	assert.Same(t, azure, r.Get("azure"))
	assert.NotSame(t, azure, r.Get("bedrock"))

	f := apierror.New(apierror.KindUpstream5xx, "down")
	azure.RecordFailure(f)
	azure.RecordFailure(f)

	states := r.States()
	assert.Equal(t, "open", states["azure"])
	assert.Equal(t, "closed", states["bedrock"])
}
