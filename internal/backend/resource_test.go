package backend

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTrackerAcquireAndDispose(t *testing.T) {
	tr := NewTracker("test")
	assert.Equal(t, 0, tr.ActiveCount())

	r1 := tr.Acquire()
	r2 := tr.Acquire()
	assert.Equal(t, 2, tr.ActiveCount())
	assert.NotEqual(t, r1.ID(), r2.ID())
	assert.False(t, r1.Disposed())

	r1.Dispose()
	assert.True(t, r1.Disposed())
	assert.Equal(t, 1, tr.ActiveCount())

	// Dispose is idempotent.
	r1.Dispose()
	assert.Equal(t, 1, tr.ActiveCount())

	r2.Dispose()
	assert.Equal(t, 0, tr.ActiveCount())
}

func TestTrackerShutdownWithNoActiveResources(t *testing.T) {
	tr := NewTracker("test")
	r := tr.Acquire()
	r.Dispose()
	// Returns immediately once the active set is empty.
	tr.Shutdown()
	assert.Equal(t, 0, tr.ActiveCount())
}

func TestNewTransportDefaults(t *testing.T) {
	tr := NewTransport("")
	assert.Nil(t, tr.Proxy)
	assert.True(t, tr.ForceAttemptHTTP2)

	proxied := NewTransport("http://proxy.local:8080")
	assert.NotNil(t, proxied.Proxy)

	// A malformed proxy url falls back to a direct transport.
	direct := NewTransport("::bad::")
	assert.NotNil(t, direct)
}
