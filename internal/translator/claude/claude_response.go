package claude

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/modelbridge/modelbridge/internal/translator/translator"
)

// ConvertResponsesToClaude transforms a neutral unary response into a Claude
// Messages body. Reasoning outputs never reach the caller-visible content;
// tool_call outputs become tool_use blocks.
func ConvertResponsesToClaude(neutral []byte, requestedModel string) []byte {
	root := gjson.ParseBytes(neutral)

	out := `{"id":"","type":"message","role":"assistant","model":"","content":[],"stop_reason":"end_turn","stop_sequence":null,"usage":{"input_tokens":0,"output_tokens":0}}`
	out, _ = sjson.Set(out, "id", root.Get("id").String())
	out, _ = sjson.Set(out, "model", requestedModel)

	var blocks []map[string]any
	hasToolCall := false
	root.Get("output").ForEach(func(_, item gjson.Result) bool {
		switch item.Get("type").String() {
		case "text":
			blocks = append(blocks, map[string]any{"type": "text", "text": item.Get("text").String()})
		case "tool_call":
			hasToolCall = true
			input := map[string]any{}
			if args := item.Get("arguments").String(); args != "" {
				_ = json.Unmarshal([]byte(args), &input)
			}
			blocks = append(blocks, map[string]any{
				"type":  "tool_use",
				"id":    item.Get("id").String(),
				"name":  item.Get("name").String(),
				"input": input,
			})
		}
		return true
	})
	if len(blocks) > 0 {
		raw, _ := json.Marshal(blocks)
		out, _ = sjson.SetRaw(out, "content", string(raw))
	}

	stopReason := "end_turn"
	if root.Get("finish").String() == "length" {
		stopReason = "max_tokens"
	}
	if hasToolCall {
		stopReason = "tool_use"
	}
	out, _ = sjson.Set(out, "stop_reason", stopReason)

	out, _ = sjson.Set(out, "usage.input_tokens", root.Get("usage.prompt_tokens").Int())
	out, _ = sjson.Set(out, "usage.output_tokens", root.Get("usage.completion_tokens").Int())
	return []byte(out)
}

// streamState renders neutral stream chunks as Claude named SSE events.
// Exactly one message_start and one message_stop bracket every stream.
type streamState struct {
	requestedModel string
	started        bool
	textBlockOpen  bool
	blockIndex     int
	hasToolCall    bool
	emittedCalls   map[string]bool
	finished       bool
}

// NewStreamState creates the Claude SSE renderer for one stream.
func NewStreamState(requestedModel string) translator.StreamState {
	return &streamState{requestedModel: requestedModel, emittedCalls: map[string]bool{}}
}

func event(name, data string) string {
	return fmt.Sprintf("event: %s\ndata: %s\n\n", name, data)
}

func (s *streamState) Next(chunk []byte) []string {
	root := gjson.ParseBytes(chunk)
	var frames []string

	if !s.started {
		s.started = true
		msg := `{"type":"message_start","message":{"id":"","type":"message","role":"assistant","model":"","content":[],"stop_reason":null,"stop_sequence":null,"usage":{"input_tokens":0,"output_tokens":0}}}`
		msg, _ = sjson.Set(msg, "message.id", root.Get("id").String())
		msg, _ = sjson.Set(msg, "message.model", s.requestedModel)
		frames = append(frames, event("message_start", msg))
	}

	root.Get("output").ForEach(func(_, item gjson.Result) bool {
		switch item.Get("type").String() {
		case "text":
			frames = append(frames, s.textFrames(item.Get("delta").String())...)
		case "reasoning":
			// Reasoning is never surfaced to the caller.
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
	// Stream ended without a final chunk; close cleanly.
	s.finished = true
	var frames []string
	frames = append(frames, s.closeTextBlock()...)
	frames = append(frames, event("message_stop", `{"type":"message_stop"}`))
	return frames
}

func (s *streamState) textFrames(delta string) []string {
	if delta == "" {
		return nil
	}
	var frames []string
	if !s.textBlockOpen {
		s.textBlockOpen = true
		start := `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`
		start, _ = sjson.Set(start, "index", s.blockIndex)
		frames = append(frames, event("content_block_start", start))
	}
	d := `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":""}}`
	d, _ = sjson.Set(d, "index", s.blockIndex)
	d, _ = sjson.Set(d, "delta.text", delta)
	frames = append(frames, event("content_block_delta", d))
	return frames
}

func (s *streamState) closeTextBlock() []string {
	if !s.textBlockOpen {
		return nil
	}
	s.textBlockOpen = false
	stop := `{"type":"content_block_stop","index":0}`
	stop, _ = sjson.Set(stop, "index", s.blockIndex)
	s.blockIndex++
	return []string{event("content_block_stop", stop)}
}

func (s *streamState) toolFrames(item gjson.Result) []string {
	id := item.Get("id").String()
	if s.emittedCalls[id] {
		return nil
	}
	s.emittedCalls[id] = true
	s.hasToolCall = true

	var frames []string
	frames = append(frames, s.closeTextBlock()...)

	start := `{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"","name":"","input":{}}}`
	start, _ = sjson.Set(start, "index", s.blockIndex)
	start, _ = sjson.Set(start, "content_block.id", id)
	start, _ = sjson.Set(start, "content_block.name", item.Get("name").String())
	frames = append(frames, event("content_block_start", start))

	args := item.Get("arguments").String()
	if args == "" {
		args = "{}"
	}
	delta := `{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":""}}`
	delta, _ = sjson.Set(delta, "index", s.blockIndex)
	delta, _ = sjson.Set(delta, "delta.partial_json", args)
	frames = append(frames, event("content_block_delta", delta))

	stop := `{"type":"content_block_stop","index":0}`
	stop, _ = sjson.Set(stop, "index", s.blockIndex)
	frames = append(frames, event("content_block_stop", stop))
	s.blockIndex++
	return frames
}

func (s *streamState) finalFrames(root gjson.Result) []string {
	s.finished = true
	var frames []string
	frames = append(frames, s.closeTextBlock()...)

	stopReason := "end_turn"
	if root.Get("finish").String() == "length" {
		stopReason = "max_tokens"
	}
	if s.hasToolCall {
		stopReason = "tool_use"
	}

	md := `{"type":"message_delta","delta":{"stop_reason":"end_turn","stop_sequence":null},"usage":{"input_tokens":0,"output_tokens":0}}`
	md, _ = sjson.Set(md, "delta.stop_reason", stopReason)
	md, _ = sjson.Set(md, "usage.input_tokens", root.Get("usage.prompt_tokens").Int())
	md, _ = sjson.Set(md, "usage.output_tokens", root.Get("usage.completion_tokens").Int())
	frames = append(frames, event("message_delta", md))
	frames = append(frames, event("message_stop", `{"type":"message_stop"}`))
	return frames
}
