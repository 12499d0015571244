// Package resilience wraps backend calls with a per-provider circuit breaker
// and a bounded retry strategy. Composition is breaker outside, retry inside:
// an open circuit short-circuits before any attempt is made.
package resilience

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/modelbridge/modelbridge/internal/apierror"
)

// State is the circuit state machine position.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// BreakerOptions tune one breaker. Zero values fall back to the defaults.
type BreakerOptions struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	// ExpectedErrors are the kinds that count toward the threshold. Client
	// errors (4xx except 429) never trip the breaker.
	ExpectedErrors []apierror.Kind
	// now is injectable for tests.
	now func() time.Time
}

const (
	defaultFailureThreshold = 5
	defaultRecoveryTimeout  = 60 * time.Second
)

func defaultExpectedErrors() []apierror.Kind {
	return []apierror.Kind{apierror.KindNetwork, apierror.KindTimeout, apierror.KindUpstream5xx}
}

// NewBreaker creates a breaker with the given options.
func NewBreaker(key string, opts BreakerOptions) *CircuitBreaker {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = defaultFailureThreshold
	}
	if opts.RecoveryTimeout <= 0 {
		opts.RecoveryTimeout = defaultRecoveryTimeout
	}
	if len(opts.ExpectedErrors) == 0 {
		opts.ExpectedErrors = defaultExpectedErrors()
	}
	if opts.now == nil {
		opts.now = time.Now
	}
	return &CircuitBreaker{key: key, opts: opts, state: StateClosed}
}

// CircuitBreaker guards one (provider, operation) key. It lives for the
// process lifetime inside the registry.
type CircuitBreaker struct {
	mu   sync.Mutex
	key  string
	opts BreakerOptions

	state         State
	failureCount  int
	openedAt      time.Time
	nextAttemptAt time.Time
	probing       bool
}

// Allow reports whether a call may proceed. While open, calls short-circuit
// with a CircuitOpen failure until the recovery timeout elapses; then exactly
// one probe is let through in half-open state.
func (b *CircuitBreaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.opts.now().Before(b.nextAttemptAt) {
			return apierror.New(apierror.KindCircuitOpen, "service temporarily unavailable")
		}
		b.state = StateHalfOpen
		b.probing = true
		log.Debugf("circuit %s: open -> half-open, probing", b.key)
		return nil
	default: // half-open
		if b.probing {
			return apierror.New(apierror.KindCircuitOpen, "service temporarily unavailable")
		}
		b.probing = true
		return nil
	}
}

// RecordSuccess closes the circuit after a successful probe and resets the
// failure count.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateClosed {
		log.Infof("circuit %s: %s -> closed", b.key, b.state)
	}
	b.state = StateClosed
	b.failureCount = 0
	b.probing = false
}

// RecordFailure counts an expected failure toward the threshold; unexpected
// kinds reset nothing and trip nothing. A failed half-open probe reopens the
// circuit immediately.
func (b *CircuitBreaker) RecordFailure(f *apierror.Failure) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if f == nil || !b.expects(f.Kind) {
		// A probe that ends with a non-counting kind (the caller canceled,
		// the request was invalid) neither closes nor reopens the circuit.
		// Release the probe slot so the next caller can try.
		if b.state == StateHalfOpen {
			b.probing = false
		}
		return
	}

	now := b.opts.now()
	switch b.state {
	case StateHalfOpen:
		b.open(now)
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.opts.FailureThreshold {
			b.open(now)
		}
	}
}

// State returns the current state, accounting for recovery-timeout expiry.
func (b *CircuitBreaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && !b.opts.now().Before(b.nextAttemptAt) {
		return StateHalfOpen
	}
	return b.state
}

func (b *CircuitBreaker) open(now time.Time) {
	b.state = StateOpen
	b.openedAt = now
	b.nextAttemptAt = now.Add(b.opts.RecoveryTimeout)
	b.probing = false
	log.Warnf("circuit %s: opened after %d failures, next attempt at %s", b.key, b.failureCount, b.nextAttemptAt.Format(time.RFC3339))
}

func (b *CircuitBreaker) expects(kind apierror.Kind) bool {
	for _, k := range b.opts.ExpectedErrors {
		if k == kind {
			return true
		}
	}
	return false
}

// Registry holds one breaker per (provider, operation) key. Read-mostly;
// entry creation is double-checked.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	opts     BreakerOptions
}

// NewRegistry creates a breaker registry sharing one option set.
func NewRegistry(opts BreakerOptions) *Registry {
	return &Registry{breakers: make(map[string]*CircuitBreaker), opts: opts}
}

// Get returns the breaker for key, creating it on first use.
func (r *Registry) Get(key string) *CircuitBreaker {
	r.mu.RLock()
	b := r.breakers[key]
	r.mu.RUnlock()
	if b != nil {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b = r.breakers[key]; b == nil {
		b = NewBreaker(key, r.opts)
		r.breakers[key] = b
	}
	return b
}

// States snapshots every breaker's state for health reporting.
func (r *Registry) States() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.breakers))
	for k, b := range r.breakers {
		out[k] = b.State().String()
	}
	return out
}
