package openai

import (
	"encoding/json"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/modelbridge/modelbridge/internal/translator/translator"
)

// ConvertResponsesToOpenAI transforms a neutral unary response into an OpenAI
// Chat Completions body. Reasoning outputs are dropped; tool_call outputs
// become message.tool_calls and force finish_reason "tool_calls".
func ConvertResponsesToOpenAI(neutral []byte, requestedModel string) []byte {
	root := gjson.ParseBytes(neutral)

	out := `{"id":"","object":"chat.completion","created":0,"model":"","choices":[{"index":0,"message":{"role":"assistant","content":""},"finish_reason":"stop"}],"usage":{"prompt_tokens":0,"completion_tokens":0,"total_tokens":0}}`
	out, _ = sjson.Set(out, "id", root.Get("id").String())
	out, _ = sjson.Set(out, "model", requestedModel)
	created := root.Get("created").Int()
	if created == 0 {
		created = time.Now().Unix()
	}
	out, _ = sjson.Set(out, "created", created)

	content := ""
	var toolCalls []map[string]any
	root.Get("output").ForEach(func(_, item gjson.Result) bool {
		switch item.Get("type").String() {
		case "text":
			content += item.Get("text").String()
		case "tool_call":
			args := item.Get("arguments").String()
			if args == "" {
				args = "{}"
			}
			toolCalls = append(toolCalls, map[string]any{
				"id":   item.Get("id").String(),
				"type": "function",
				"function": map[string]any{
					"name":      item.Get("name").String(),
					"arguments": args,
				},
			})
		}
		return true
	})
	out, _ = sjson.Set(out, "choices.0.message.content", content)

	finish := "stop"
	if root.Get("finish").String() == "length" {
		finish = "length"
	}
	if len(toolCalls) > 0 {
		raw, _ := json.Marshal(toolCalls)
		out, _ = sjson.SetRaw(out, "choices.0.message.tool_calls", string(raw))
		finish = "tool_calls"
	}
	out, _ = sjson.Set(out, "choices.0.finish_reason", finish)

	prompt := root.Get("usage.prompt_tokens").Int()
	completion := root.Get("usage.completion_tokens").Int()
	total := root.Get("usage.total_tokens").Int()
	if total < prompt+completion {
		total = prompt + completion
	}
	out, _ = sjson.Set(out, "usage.prompt_tokens", prompt)
	out, _ = sjson.Set(out, "usage.completion_tokens", completion)
	out, _ = sjson.Set(out, "usage.total_tokens", total)
	if rt := root.Get("usage.reasoning_tokens"); rt.Exists() {
		out, _ = sjson.Set(out, "usage.completion_tokens_details.reasoning_tokens", rt.Int())
	}
	return []byte(out)
}

// streamState renders neutral stream chunks as OpenAI chat.completion.chunk
// data lines. The terminating "data: [DONE]" is emitted exactly once.
type streamState struct {
	requestedModel string
	id             string
	created        int64
	started        bool
	hasToolCall    bool
	emittedCalls   map[string]bool
	finished       bool
}

// NewStreamState creates the OpenAI SSE renderer for one stream.
func NewStreamState(requestedModel string) translator.StreamState {
	return &streamState{requestedModel: requestedModel, emittedCalls: map[string]bool{}}
}

func dataLine(payload string) string {
	return "data: " + payload + "\n\n"
}

func (s *streamState) chunkTemplate() string {
	out := `{"id":"","object":"chat.completion.chunk","created":0,"model":"","choices":[{"index":0,"delta":{},"finish_reason":null}]}`
	out, _ = sjson.Set(out, "id", s.id)
	out, _ = sjson.Set(out, "created", s.created)
	out, _ = sjson.Set(out, "model", s.requestedModel)
	return out
}

func (s *streamState) Next(chunk []byte) []string {
	root := gjson.ParseBytes(chunk)
	var frames []string

	if !s.started {
		s.started = true
		s.id = root.Get("id").String()
		s.created = root.Get("created").Int()
		if s.created == 0 {
			s.created = time.Now().Unix()
		}
		role := s.chunkTemplate()
		role, _ = sjson.Set(role, "choices.0.delta.role", "assistant")
		frames = append(frames, dataLine(role))
	}

	root.Get("output").ForEach(func(_, item gjson.Result) bool {
		switch item.Get("type").String() {
		case "text":
			if delta := item.Get("delta").String(); delta != "" {
				c := s.chunkTemplate()
				c, _ = sjson.Set(c, "choices.0.delta.content", delta)
				frames = append(frames, dataLine(c))
			}
		case "reasoning":
			// No standard field in the chat.completion.chunk shape; dropped.
		case "tool_call":
			frames = append(frames, s.toolFrames(item)...)
		}
		return true
	})

	if root.Get("usage").Exists() {
		frames = append(frames, s.finalFrames(root)...)
	}
	return frames
}

func (s *streamState) Done() []string {
	if s.finished || !s.started {
		return nil
	}
	s.finished = true
	return []string{dataLine("[DONE]")}
}

func (s *streamState) toolFrames(item gjson.Result) []string {
	id := item.Get("id").String()
	if s.emittedCalls[id] {
		return nil
	}
	s.emittedCalls[id] = true

	args := item.Get("arguments").String()
	if args == "" {
		args = "{}"
	}
	call := map[string]any{
		"index": len(s.emittedCalls) - 1,
		"id":    id,
		"type":  "function",
		"function": map[string]any{
			"name":      item.Get("name").String(),
			"arguments": args,
		},
	}
	c := s.chunkTemplate()
	c, _ = sjson.Set(c, "choices.0.delta.tool_calls", []any{call})
	s.hasToolCall = true
	return []string{dataLine(c)}
}

func (s *streamState) finalFrames(root gjson.Result) []string {
	s.finished = true

	finish := "stop"
	if root.Get("finish").String() == "length" {
		finish = "length"
	}
	if s.hasToolCall {
		finish = "tool_calls"
	}

	c := s.chunkTemplate()
	c, _ = sjson.Set(c, "choices.0.finish_reason", finish)
	prompt := root.Get("usage.prompt_tokens").Int()
	completion := root.Get("usage.completion_tokens").Int()
	total := root.Get("usage.total_tokens").Int()
	if total < prompt+completion {
		total = prompt + completion
	}
	c, _ = sjson.Set(c, "usage.prompt_tokens", prompt)
	c, _ = sjson.Set(c, "usage.completion_tokens", completion)
	c, _ = sjson.Set(c, "usage.total_tokens", total)

	return []string{dataLine(c), dataLine("[DONE]")}
}
