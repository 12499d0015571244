package reasoning

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValid(t *testing.T) {
	for _, s := range []string{"minimal", "low", "medium", "high"} {
		assert.True(t, Valid(s), s)
	}
	assert.False(t, Valid(""))
	assert.False(t, Valid("extreme"))
}

func TestMaxNeverLowers(t *testing.T) {
	assert.Equal(t, EffortHigh, Max(EffortHigh, EffortLow))
	assert.Equal(t, EffortHigh, Max(EffortLow, EffortHigh))
	assert.Equal(t, EffortMedium, Max(EffortMedium, EffortMedium))
	assert.Equal(t, EffortMinimal, Max(EffortMinimal, EffortMinimal))
}

func TestAnalyzeSimpleRequest(t *testing.T) {
	effort := Analyze(Signals{Content: "hello"})
	assert.Equal(t, EffortMinimal, effort)
}

func TestAnalyzeIsDeterministic(t *testing.T) {
	s := Signals{MessageCount: 6, AvgTokensPerMessage: 1500, Content: "explain this"}
	first := Analyze(s)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Analyze(s))
	}
}

func TestAnalyzeScoreThresholds(t *testing.T) {
	tests := []struct {
		name string
		s    Signals
		want Effort
	}{
		{
			name: "no signals",
			s:    Signals{},
			want: EffortMinimal,
		},
		{
			name: "short history only",
			s:    Signals{MessageCount: 3, AvgTokensPerMessage: 1200}, // 1+1 = 2
			want: EffortLow,
		},
		{
			name: "long history with heavy turns",
			s:    Signals{MessageCount: 11, AvgTokensPerMessage: 2500}, // 3+2 = 5
			want: EffortMedium,
		},
		{
			name: "everything elevated",
			s: Signals{
				MessageCount:        11,   // 3
				AvgTokensPerMessage: 2500, // 2
				ErrorRate:           0.25, // 2
				ReasoningTokenRatio: 0.35, // 2
			},
			want: EffortHigh,
		},
		{
			name: "slow backend bumps score",
			s:    Signals{MessageCount: 3, AvgResponseTimeMs: 12000}, // 1+1 = 2
			want: EffortLow,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Analyze(tt.s))
		})
	}
}

func TestAnalyzeContentComplexity(t *testing.T) {
	// Code block plus a complexity keyword scores as complex content.
	code := "please debug this:\n```go\nfunc main() {}\n```"
	assert.Equal(t, EffortLow, Analyze(Signals{Content: code}))

	// Very long content alone is complex.
	long := strings.Repeat("a", 10001)
	assert.Equal(t, EffortLow, Analyze(Signals{Content: long}))

	// Many questions read as complex.
	assert.Equal(t, EffortLow, Analyze(Signals{Content: "why? how? when? where?"}))

	// Medium-length prose scores one point, below the low threshold.
	medium := strings.Repeat("word ", 150)
	assert.Equal(t, EffortMinimal, Analyze(Signals{Content: medium}))
}

func TestAnalyzeToolsFloorMedium(t *testing.T) {
	assert.Equal(t, EffortMedium, Analyze(Signals{HasTools: true}))

	// The floor never lowers an already-high result.
	high := Signals{
		MessageCount:        11,
		AvgTokensPerMessage: 2500,
		ErrorRate:           0.25,
		ReasoningTokenRatio: 0.35,
		HasTools:            true,
	}
	assert.Equal(t, EffortHigh, Analyze(high))
}
