// Package reasoning picks a reasoning-effort level for a request from request
// size, tool presence, code-block heuristics, and conversation history. The
// analyzer is pure: the same inputs always produce the same effort.
package reasoning

import "strings"

// Effort is the reasoning-effort hint passed through to the backend.
type Effort string

const (
	EffortMinimal Effort = "minimal"
	EffortLow     Effort = "low"
	EffortMedium  Effort = "medium"
	EffortHigh    Effort = "high"
)

var effortRank = map[Effort]int{
	EffortMinimal: 0,
	EffortLow:     1,
	EffortMedium:  2,
	EffortHigh:    3,
}

// Valid reports whether s names a known effort level.
func Valid(s string) bool {
	_, ok := effortRank[Effort(s)]
	return ok
}

// Max returns the higher of two efforts in the minimal < low < medium < high
// ordering. A caller-provided hint is never lowered by the analyzer.
func Max(a, b Effort) Effort {
	if effortRank[a] >= effortRank[b] {
		return a
	}
	return b
}

// Signals are the inputs to Analyze. History fields come from the
// conversation store; request fields from the normalized request.
type Signals struct {
	// MessageCount is the number of prior turns in the conversation.
	MessageCount int
	// AvgTokensPerMessage is totalTokens / messageCount from the store.
	AvgTokensPerMessage float64
	// ErrorRate is errorCount / messageCount from the store, in [0,1].
	ErrorRate float64
	// AvgResponseTimeMs is the running mean backend latency.
	AvgResponseTimeMs float64
	// ReasoningTokenRatio is reasoningTokens / totalTokens in prior turns.
	ReasoningTokenRatio float64
	// Content is the concatenated user-visible text of the current request.
	Content string
	// HasTools reports whether the request declares tools.
	HasTools bool
}

var complexityKeywords = []string{
	"algorithm", "architecture", "refactor", "optimize", "concurrency",
	"deadlock", "proof", "derive", "analyze", "debug", "trace",
}

// Analyze computes the effort level from the weighted signal score.
// Score mapping: >=8 high, >=4 medium, >=2 low, else minimal. Tool presence
// floors the result at medium.
func Analyze(s Signals) Effort {
	score := 0

	switch {
	case s.MessageCount > 10:
		score += 3
	case s.MessageCount > 5:
		score += 2
	case s.MessageCount > 2:
		score++
	}

	switch {
	case s.AvgTokensPerMessage > 2000:
		score += 2
	case s.AvgTokensPerMessage > 1000:
		score++
	}

	switch {
	case s.ErrorRate > 0.20:
		score += 2
	case s.ErrorRate > 0.10:
		score++
	}

	if s.AvgResponseTimeMs > 10000 {
		score++
	}

	switch {
	case s.ReasoningTokenRatio > 0.30:
		score += 2
	case s.ReasoningTokenRatio > 0.10:
		score++
	}

	switch contentComplexity(s.Content) {
	case complexityComplex:
		score += 2
	case complexityMedium:
		score++
	}

	effort := EffortMinimal
	switch {
	case score >= 8:
		effort = EffortHigh
	case score >= 4:
		effort = EffortMedium
	case score >= 2:
		effort = EffortLow
	}

	if s.HasTools {
		effort = Max(effort, EffortMedium)
	}
	return effort
}

type complexity int

const (
	complexitySimple complexity = iota
	complexityMedium
	complexityComplex
)

func contentComplexity(content string) complexity {
	if len(content) > 10000 {
		return complexityComplex
	}
	lower := strings.ToLower(content)
	if strings.Contains(lower, "```") {
		for _, kw := range complexityKeywords {
			if strings.Contains(lower, kw) {
				return complexityComplex
			}
		}
	}
	if strings.Count(content, "?") > 2 {
		return complexityComplex
	}
	if len(content) > 500 {
		return complexityMedium
	}
	return complexitySimple
}
