package metrics

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCounterConcurrentAdds(t *testing.T) {
	var c Counter
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(5000), c.Value())
}

func TestGaugeUpDown(t *testing.T) {
	var g Gauge
	g.Inc()
	g.Inc()
	g.Dec()
	assert.Equal(t, int64(1), g.Value())
}

func TestSnapshotKeys(t *testing.T) {
	snap := Snapshot()
	for _, key := range []string{
		"requests_claude", "requests_openai", "retries",
		"circuit_short_circuits", "degradations", "backend_errors",
		"active_streams",
	} {
		_, ok := snap[key]
		assert.True(t, ok, key)
	}
}
