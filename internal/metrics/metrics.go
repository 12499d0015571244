// Package metrics holds the atomic counters the core feeds. An outer layer
// exposes them; the core only increments.
package metrics

import "sync/atomic"

// Counter is a monotonically increasing atomic counter.
type Counter struct {
	v atomic.Int64
}

// Add increments the counter by n.
func (c *Counter) Add(n int64) { c.v.Add(n) }

// Value returns the current count.
func (c *Counter) Value() int64 { return c.v.Load() }

// Gauge is an atomic up/down counter.
type Gauge struct {
	v atomic.Int64
}

// Inc increments the gauge.
func (g *Gauge) Inc() { g.v.Add(1) }

// Dec decrements the gauge.
func (g *Gauge) Dec() { g.v.Add(-1) }

// Value returns the current value.
func (g *Gauge) Value() int64 { return g.v.Load() }

// Process-wide counters.
var (
	RequestsClaude       Counter
	RequestsOpenAI       Counter
	Retries              Counter
	CircuitShortCircuits Counter
	Degradations         Counter
	BackendErrors        Counter
	ActiveStreams        Gauge
)

// Snapshot returns the current counter values keyed by name.
func Snapshot() map[string]int64 {
	return map[string]int64{
		"requests_claude":        RequestsClaude.Value(),
		"requests_openai":        RequestsOpenAI.Value(),
		"retries":                Retries.Value(),
		"circuit_short_circuits": CircuitShortCircuits.Value(),
		"degradations":           Degradations.Value(),
		"backend_errors":         BackendErrors.Value(),
		"active_streams":         ActiveStreams.Value(),
	}
}
