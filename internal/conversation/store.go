// Package conversation implements the in-memory conversation store that gives
// the dispatch pipeline continuity semantics. Entries track the previous
// backend response id, running metrics, and a derived task-complexity score,
// and are evicted by age and by an LRU size cap on update time.
package conversation

import (
	"net/http"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Metrics are the running counters kept per conversation.
type Metrics struct {
	MessageCount      int
	TotalTokens       int64
	ReasoningTokens   int64
	AvgResponseTimeMs float64
	ErrorCount        int
}

// Context is the derived per-conversation state the analyzer consumes.
type Context struct {
	TaskComplexity float64
}

// Delta carries one turn's contribution to the running metrics.
type Delta struct {
	TotalTokens     int64
	ReasoningTokens int64
	ResponseTimeMs  float64
	Errored         bool
}

type entry struct {
	id                 string
	createdAt          time.Time
	lastUpdatedAt      time.Time
	previousResponseID string
	metrics            Metrics
	context            Context
}

// Options tune the store. Zero values fall back to the defaults.
type Options struct {
	MaxAge          time.Duration
	CleanupInterval time.Duration
	MaxStored       int
}

const (
	defaultMaxAge          = time.Hour
	defaultCleanupInterval = 5 * time.Minute
	defaultMaxStored       = 1000
)

// Store is a bounded in-memory conversation table. All mutations are atomic
// under one mutex; reads return immutable snapshots.
type Store struct {
	mu      sync.Mutex
	entries map[string]*entry

	maxAge          time.Duration
	cleanupInterval time.Duration
	maxStored       int

	done chan struct{}
	once sync.Once
}

// NewStore creates a store and starts its background cleanup ticker.
// Call Shutdown to drain the ticker.
func NewStore(opts Options) *Store {
	if opts.MaxAge <= 0 {
		opts.MaxAge = defaultMaxAge
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = defaultCleanupInterval
	}
	if opts.MaxStored <= 0 {
		opts.MaxStored = defaultMaxStored
	}
	s := &Store{
		entries:         make(map[string]*entry),
		maxAge:          opts.MaxAge,
		cleanupInterval: opts.CleanupInterval,
		maxStored:       opts.MaxStored,
		done:            make(chan struct{}),
	}
	go s.cleanupLoop()
	return s
}

// Track records a completed turn: increments the message count, accumulates
// token counts, folds the response time into the running mean, and sets the
// previous response id for the next turn.
func (s *Store) Track(conversationID, responseID string, d Delta) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entries[conversationID]
	if e == nil {
		e = &entry{id: conversationID, createdAt: now, lastUpdatedAt: now}
		s.entries[conversationID] = e
		s.evictOverCapLocked()
	}
	e.metrics.MessageCount++
	e.metrics.TotalTokens += d.TotalTokens
	e.metrics.ReasoningTokens += d.ReasoningTokens
	if d.ResponseTimeMs > 0 {
		n := float64(e.metrics.MessageCount)
		e.metrics.AvgResponseTimeMs += (d.ResponseTimeMs - e.metrics.AvgResponseTimeMs) / n
	}
	if d.Errored {
		e.metrics.ErrorCount++
	}
	if responseID != "" {
		e.previousResponseID = responseID
	}
	e.lastUpdatedAt = now
	e.context.TaskComplexity = deriveComplexity(e.metrics)
}

// UpdateMetrics folds a delta into an existing conversation without starting
// a new turn. Used to record error outcomes.
func (s *Store) UpdateMetrics(conversationID string, d Delta) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entries[conversationID]
	if e == nil {
		return
	}
	e.metrics.TotalTokens += d.TotalTokens
	e.metrics.ReasoningTokens += d.ReasoningTokens
	if d.Errored && e.metrics.ErrorCount < e.metrics.MessageCount {
		e.metrics.ErrorCount++
	}
	e.lastUpdatedAt = time.Now()
	e.context.TaskComplexity = deriveComplexity(e.metrics)
}

// GetPreviousResponseID returns the backend response id of the prior turn,
// or "" when the conversation is unknown or has no completed turn.
func (s *Store) GetPreviousResponseID(conversationID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.entries[conversationID]; e != nil {
		return e.previousResponseID
	}
	return ""
}

// GetMetrics returns a snapshot of the conversation's metrics.
func (s *Store) GetMetrics(conversationID string) (Metrics, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.entries[conversationID]; e != nil {
		return e.metrics, true
	}
	return Metrics{}, false
}

// GetContext returns a snapshot of the derived conversation context.
func (s *Store) GetContext(conversationID string) (Context, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.entries[conversationID]; e != nil {
		return e.context, true
	}
	return Context{}, false
}

// Len returns the number of stored conversations.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Cleanup removes entries whose last update is older than the max age.
func (s *Store) Cleanup() int {
	cutoff := time.Now().Add(-s.maxAge)
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, e := range s.entries {
		if e.lastUpdatedAt.Before(cutoff) {
			delete(s.entries, id)
			removed++
		}
	}
	if removed > 0 {
		log.Debugf("conversation store: cleaned up %d expired entries, %d remain", removed, len(s.entries))
	}
	return removed
}

// Shutdown stops the background cleanup ticker. Safe to call more than once.
func (s *Store) Shutdown() {
	s.once.Do(func() { close(s.done) })
}

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Cleanup()
		case <-s.done:
			return
		}
	}
}

// evictOverCapLocked enforces the size cap: oldest-by-lastUpdatedAt entries
// go first until the cap is met. Caller holds s.mu.
func (s *Store) evictOverCapLocked() {
	if len(s.entries) <= s.maxStored {
		return
	}
	all := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		all = append(all, e)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].lastUpdatedAt.Before(all[j].lastUpdatedAt)
	})
	for _, e := range all[:len(s.entries)-s.maxStored] {
		delete(s.entries, e.id)
	}
}

// deriveComplexity folds the running metrics into a [0,1] task-complexity
// score used by the reasoning analyzer.
func deriveComplexity(m Metrics) float64 {
	score := 0.0
	if m.MessageCount > 0 {
		avg := float64(m.TotalTokens) / float64(m.MessageCount)
		switch {
		case avg > 2000:
			score += 0.4
		case avg > 1000:
			score += 0.2
		}
		errRate := float64(m.ErrorCount) / float64(m.MessageCount)
		if errRate > 0.1 {
			score += 0.2
		}
	}
	if m.TotalTokens > 0 {
		ratio := float64(m.ReasoningTokens) / float64(m.TotalTokens)
		switch {
		case ratio > 0.3:
			score += 0.4
		case ratio > 0.1:
			score += 0.2
		}
	}
	if score > 1 {
		score = 1
	}
	return score
}

// conversationHeaders is the precedence order for continuity headers.
var conversationHeaders = []string{
	"X-Conversation-Id",
	"Conversation-Id",
	"X-Session-Id",
	"Session-Id",
	"X-Thread-Id",
	"Thread-Id",
}

// ExtractConversationID picks the conversation id from the request headers;
// the first non-empty continuity header wins. Without one, the correlation id
// seeds a fresh conversation.
func ExtractConversationID(h http.Header, correlationID string) string {
	for _, name := range conversationHeaders {
		if v := h.Get(name); v != "" {
			return v
		}
	}
	return "conv-" + correlationID
}
