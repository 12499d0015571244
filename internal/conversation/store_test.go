package conversation

import (
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestStore(opts Options) *Store {
	if opts.CleanupInterval == 0 {
		// Keep the background ticker quiet during tests.
		opts.CleanupInterval = time.Hour
	}
	return NewStore(opts)
}

func TestTrackAccumulatesMetrics(t *testing.T) {
	s := newTestStore(Options{})
	defer s.Shutdown()

	s.Track("conv-1", "resp-1", Delta{TotalTokens: 100, ReasoningTokens: 20, ResponseTimeMs: 400})
	s.Track("conv-1", "resp-2", Delta{TotalTokens: 300, ReasoningTokens: 60, ResponseTimeMs: 600})

	m, ok := s.GetMetrics("conv-1")
	require.True(t, ok)
	assert.Equal(t, 2, m.MessageCount)
	assert.Equal(t, int64(400), m.TotalTokens)
	assert.Equal(t, int64(80), m.ReasoningTokens)
	assert.InDelta(t, 500, m.AvgResponseTimeMs, 0.001)
	assert.Equal(t, 0, m.ErrorCount)
}

func TestTrackUpdatesPreviousResponseID(t *testing.T) {
	s := newTestStore(Options{})
	defer s.Shutdown()

	assert.Empty(t, s.GetPreviousResponseID("conv-1"))

	s.Track("conv-1", "resp-1", Delta{})
	assert.Equal(t, "resp-1", s.GetPreviousResponseID("conv-1"))

	s.Track("conv-1", "resp-2", Delta{})
	assert.Equal(t, "resp-2", s.GetPreviousResponseID("conv-1"))

	// An empty response id keeps the last known one.
	s.Track("conv-1", "", Delta{Errored: true})
	assert.Equal(t, "resp-2", s.GetPreviousResponseID("conv-1"))
}

func TestUpdateMetrics(t *testing.T) {
	s := newTestStore(Options{})
	defer s.Shutdown()

	// Unknown conversations are a no-op.
	s.UpdateMetrics("missing", Delta{TotalTokens: 10})
	_, ok := s.GetMetrics("missing")
	assert.False(t, ok)

	s.Track("conv-1", "resp-1", Delta{TotalTokens: 100})
	s.UpdateMetrics("conv-1", Delta{TotalTokens: 50, Errored: true})

	m, ok := s.GetMetrics("conv-1")
	require.True(t, ok)
	assert.Equal(t, 1, m.MessageCount)
	assert.Equal(t, int64(150), m.TotalTokens)
	assert.Equal(t, 1, m.ErrorCount)
}

func TestGetContextDerivesComplexity(t *testing.T) {
	s := newTestStore(Options{})
	defer s.Shutdown()

	s.Track("conv-1", "resp-1", Delta{TotalTokens: 3000, ReasoningTokens: 1200})

	ctx, ok := s.GetContext("conv-1")
	require.True(t, ok)
	// Heavy turns (0.4) plus a high reasoning ratio (0.4).
	assert.InDelta(t, 0.8, ctx.TaskComplexity, 0.001)

	_, ok = s.GetContext("missing")
	assert.False(t, ok)
}

func TestEvictionCapsStoreSize(t *testing.T) {
	s := newTestStore(Options{MaxStored: 5})
	defer s.Shutdown()

	for i := 0; i < 10; i++ {
		s.Track(fmt.Sprintf("conv-%d", i), "resp", Delta{})
	}
	assert.Equal(t, 5, s.Len())

	// The most recently updated conversations survive.
	_, ok := s.GetMetrics("conv-9")
	assert.True(t, ok)
	_, ok = s.GetMetrics("conv-0")
	assert.False(t, ok)
}

func TestCleanupRemovesExpiredEntries(t *testing.T) {
	s := newTestStore(Options{MaxAge: 50 * time.Millisecond})
	defer s.Shutdown()

	s.Track("old", "resp", Delta{})
	time.Sleep(80 * time.Millisecond)
	s.Track("fresh", "resp", Delta{})

	removed := s.Cleanup()
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, s.Len())

	_, ok := s.GetMetrics("fresh")
	assert.True(t, ok)
	_, ok = s.GetMetrics("old")
	assert.False(t, ok)
}

func TestShutdownIsIdempotent(t *testing.T) {
	s := newTestStore(Options{})
	s.Shutdown()
	s.Shutdown()
}

func TestExtractConversationID(t *testing.T) {
	h := http.Header{}
	assert.Equal(t, "conv-corr-1", ExtractConversationID(h, "corr-1"))

	h.Set("Thread-Id", "t1")
	assert.Equal(t, "t1", ExtractConversationID(h, "corr-1"))

	h.Set("X-Session-Id", "s1")
	assert.Equal(t, "s1", ExtractConversationID(h, "corr-1"))

	// The explicit conversation header outranks session and thread ids.
	h.Set("X-Conversation-Id", "c1")
	assert.Equal(t, "c1", ExtractConversationID(h, "corr-1"))
}
