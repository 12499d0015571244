package claude

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

const neutralTextResponse = `{
	"id":"resp_1","created":1700000000,"model":"gpt-5",
	"output":[{"type":"text","text":"hello world"}],
	"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15},
	"finish":"stop"
}`

func TestConvertResponseText(t *testing.T) {
	out := ConvertResponsesToClaude([]byte(neutralTextResponse), "claude-sonnet-4")
	root := gjson.ParseBytes(out)

	assert.Equal(t, "resp_1", root.Get("id").String())
	assert.Equal(t, "message", root.Get("type").String())
	assert.Equal(t, "assistant", root.Get("role").String())
	// The requested model is echoed back, not the backend model.
	assert.Equal(t, "claude-sonnet-4", root.Get("model").String())

	content := root.Get("content").Array()
	require.Len(t, content, 1)
	assert.Equal(t, "text", content[0].Get("type").String())
	assert.Equal(t, "hello world", content[0].Get("text").String())

	assert.Equal(t, "end_turn", root.Get("stop_reason").String())
	assert.Equal(t, int64(10), root.Get("usage.input_tokens").Int())
	assert.Equal(t, int64(5), root.Get("usage.output_tokens").Int())
}

func TestConvertResponseDropsReasoning(t *testing.T) {
	neutral := `{"id":"r","output":[
		{"type":"reasoning","text":"secret chain of thought"},
		{"type":"text","text":"answer"}
	],"usage":{"prompt_tokens":1,"completion_tokens":1}}`
	out := ConvertResponsesToClaude([]byte(neutral), "m")

	assert.NotContains(t, string(out), "secret chain of thought")
	content := gjson.GetBytes(out, "content").Array()
	require.Len(t, content, 1)
	assert.Equal(t, "answer", content[0].Get("text").String())
}

func TestConvertResponseToolCall(t *testing.T) {
	neutral := `{"id":"r","output":[
		{"type":"tool_call","id":"call_1","name":"get_weather","arguments":"{\"city\":\"Paris\"}"}
	],"usage":{"prompt_tokens":1,"completion_tokens":1}}`
	out := ConvertResponsesToClaude([]byte(neutral), "m")
	root := gjson.ParseBytes(out)

	content := root.Get("content").Array()
	require.Len(t, content, 1)
	assert.Equal(t, "tool_use", content[0].Get("type").String())
	assert.Equal(t, "call_1", content[0].Get("id").String())
	assert.Equal(t, "get_weather", content[0].Get("name").String())
	assert.Equal(t, "Paris", content[0].Get("input.city").String())
	assert.Equal(t, "tool_use", root.Get("stop_reason").String())
}

func TestConvertResponseLengthFinish(t *testing.T) {
	neutral := `{"id":"r","output":[{"type":"text","text":"cut"}],"usage":{},"finish":"length"}`
	out := ConvertResponsesToClaude([]byte(neutral), "m")
	assert.Equal(t, "max_tokens", gjson.GetBytes(out, "stop_reason").String())
}

// collectEvents splits rendered SSE frames into (event, data) pairs.
func collectEvents(t *testing.T, frames []string) []string {
	t.Helper()
	var names []string
	for _, frame := range frames {
		require.True(t, strings.HasPrefix(frame, "event: "), frame)
		require.True(t, strings.HasSuffix(frame, "\n\n"), frame)
		names = append(names, strings.SplitN(strings.TrimPrefix(frame, "event: "), "\n", 2)[0])
	}
	return names
}

func frameData(frame string) gjson.Result {
	lines := strings.Split(strings.TrimSpace(frame), "\n")
	return gjson.Parse(strings.TrimPrefix(lines[len(lines)-1], "data: "))
}

func TestStreamTextSequence(t *testing.T) {
	st := NewStreamState("claude-sonnet-4")
	var frames []string

	frames = append(frames, st.Next([]byte(`{"id":"resp_1","created":1,"model":"gpt-5","output":[]}`))...)
	frames = append(frames, st.Next([]byte(`{"output":[{"type":"text","delta":"hel"}]}`))...)
	frames = append(frames, st.Next([]byte(`{"output":[{"type":"text","delta":"lo"}]}`))...)
	frames = append(frames, st.Next([]byte(`{"output":[],"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5},"finish":"stop"}`))...)
	frames = append(frames, st.Done()...)

	assert.Equal(t, []string{
		"message_start",
		"content_block_start",
		"content_block_delta",
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}, collectEvents(t, frames))

	start := frameData(frames[0])
	assert.Equal(t, "resp_1", start.Get("message.id").String())
	assert.Equal(t, "claude-sonnet-4", start.Get("message.model").String())

	delta := frameData(frames[2])
	assert.Equal(t, "text_delta", delta.Get("delta.type").String())
	assert.Equal(t, "hel", delta.Get("delta.text").String())

	md := frameData(frames[5])
	assert.Equal(t, "end_turn", md.Get("delta.stop_reason").String())
	assert.Equal(t, int64(3), md.Get("usage.input_tokens").Int())
	assert.Equal(t, int64(2), md.Get("usage.output_tokens").Int())
}

func TestStreamReasoningNeverSurfaces(t *testing.T) {
	st := NewStreamState("m")
	frames := st.Next([]byte(`{"id":"r","output":[{"type":"reasoning","delta":"thinking hard"}]}`))

	// Only the message_start frame appears; the reasoning delta is dropped.
	require.Len(t, frames, 1)
	assert.Contains(t, frames[0], "message_start")
	for _, f := range frames {
		assert.NotContains(t, f, "thinking hard")
	}
}

func TestStreamToolCallFrames(t *testing.T) {
	st := NewStreamState("m")
	var frames []string
	frames = append(frames, st.Next([]byte(`{"id":"r","output":[{"type":"text","delta":"let me check"}]}`))...)
	frames = append(frames, st.Next([]byte(`{"output":[{"type":"tool_call","id":"call_1","name":"get_weather","arguments":"{\"city\":\"Paris\"}"}]}`))...)
	frames = append(frames, st.Next([]byte(`{"output":[],"usage":{"prompt_tokens":1,"completion_tokens":1}}`))...)
	frames = append(frames, st.Done()...)

	assert.Equal(t, []string{
		"message_start",
		"content_block_start", // text block
		"content_block_delta",
		"content_block_stop", // text closes before the tool block opens
		"content_block_start",
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}, collectEvents(t, frames))

	toolStart := frameData(frames[4])
	assert.Equal(t, "tool_use", toolStart.Get("content_block.type").String())
	assert.Equal(t, int64(1), toolStart.Get("index").Int())
	assert.Equal(t, "call_1", toolStart.Get("content_block.id").String())

	toolDelta := frameData(frames[5])
	assert.Equal(t, "input_json_delta", toolDelta.Get("delta.type").String())
	assert.Equal(t, `{"city":"Paris"}`, toolDelta.Get("delta.partial_json").String())

	md := frameData(frames[7])
	assert.Equal(t, "tool_use", md.Get("delta.stop_reason").String())
}

func TestStreamToolCallDeduplicated(t *testing.T) {
	st := NewStreamState("m")
	chunk := []byte(`{"id":"r","output":[{"type":"tool_call","id":"call_1","name":"f","arguments":"{}"}]}`)

	first := st.Next(chunk)
	second := st.Next(chunk)

	assert.NotEmpty(t, first)
	assert.Empty(t, second)
}

func TestStreamAbruptEndStillCloses(t *testing.T) {
	st := NewStreamState("m")
	var frames []string
	frames = append(frames, st.Next([]byte(`{"id":"r","output":[{"type":"text","delta":"partial"}]}`))...)
	frames = append(frames, st.Done()...)

	events := collectEvents(t, frames)
	assert.Equal(t, "message_stop", events[len(events)-1])
	assert.Contains(t, events, "content_block_stop")
}

func TestStreamDoneWithoutStartEmitsNothing(t *testing.T) {
	st := NewStreamState("m")
	assert.Empty(t, st.Done())
}

func TestStreamDoneAfterFinalIsIdempotent(t *testing.T) {
	st := NewStreamState("m")
	st.Next([]byte(`{"id":"r","output":[{"type":"text","delta":"x"}]}`))
	st.Next([]byte(`{"output":[],"usage":{"prompt_tokens":1,"completion_tokens":1}}`))
	assert.Empty(t, st.Done())
}
