// Package openai translates between the OpenAI Chat Completions dialect and
// the neutral Responses shapes.
package openai

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/modelbridge/modelbridge/internal/apierror"
	"github.com/modelbridge/modelbridge/internal/sanitize"
	"github.com/modelbridge/modelbridge/internal/translator/translator"
)

// ConvertOpenAIRequestToResponses transforms an OpenAI Chat Completions
// request into a neutral Responses request. The first system message becomes
// the transcript's system turn; assistant tool_calls and tool-result messages
// are flattened into textual markers in transcript order.
func ConvertOpenAIRequestToResponses(rawJSON []byte, opts translator.RequestOptions) ([]byte, error) {
	root := gjson.ParseBytes(rawJSON)

	messages := root.Get("messages")
	if !messages.Exists() || !messages.IsArray() || len(messages.Array()) == 0 {
		// Legacy completions callers send a bare prompt instead of messages.
		if prompt := root.Get("prompt"); prompt.Exists() && prompt.String() != "" {
			return convertLegacyPrompt(root, prompt.String(), opts)
		}
		return nil, apierror.Validation("messages", "messages must be a non-empty array")
	}

	out := `{"model":"","input":""}`
	out, _ = sjson.Set(out, "model", opts.BackendModel)

	type turn struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	var turns []turn
	system := ""
	var validationErr error

	messages.ForEach(func(idx, msg gjson.Result) bool {
		role := msg.Get("role").String()
		switch role {
		case "system":
			if system == "" {
				system = contentText(msg.Get("content"))
			} else {
				turns = append(turns, turn{Role: "user", Content: applySanitize(contentText(msg.Get("content")), opts.Sanitize)})
			}
		case "user", "assistant":
			text := contentText(msg.Get("content"))
			if calls := msg.Get("tool_calls"); calls.Exists() && calls.IsArray() {
				calls.ForEach(func(_, call gjson.Result) bool {
					fn := call.Get("function")
					text += fmt.Sprintf("[Tool Call: %s(%s)]", fn.Get("name").String(), fn.Get("arguments").String())
					return true
				})
			}
			turns = append(turns, turn{Role: role, Content: applySanitize(text, opts.Sanitize)})
		case "tool":
			text := fmt.Sprintf("[Tool Result for %s]: %s",
				msg.Get("tool_call_id").String(), contentText(msg.Get("content")))
			turns = append(turns, turn{Role: "user", Content: applySanitize(text, opts.Sanitize)})
		default:
			validationErr = apierror.Validation(
				fmt.Sprintf("messages.%d.role", idx.Int()),
				fmt.Sprintf("unsupported role %q", role))
			return false
		}
		return true
	})
	if validationErr != nil {
		return nil, validationErr
	}
	if len(turns) == 0 {
		return nil, apierror.Validation("messages", "messages must contain at least one user or assistant turn")
	}

	if system == "" && len(turns) == 1 && turns[0].Role == "user" {
		out, _ = sjson.Set(out, "input", turns[0].Content)
	} else {
		all := turns
		if system != "" {
			all = append([]turn{{Role: "system", Content: applySanitize(system, opts.Sanitize)}}, turns...)
		}
		raw, _ := json.Marshal(all)
		out, _ = sjson.SetRaw(out, "input", string(raw))
	}

	if v := root.Get("max_tokens"); v.Exists() {
		out, _ = sjson.Set(out, "max_output_tokens", v.Int())
	}
	if v := root.Get("max_completion_tokens"); v.Exists() {
		out, _ = sjson.Set(out, "max_output_tokens", v.Int())
	}
	if v := root.Get("temperature"); v.Exists() {
		out, _ = sjson.Set(out, "temperature", v.Float())
	}
	if v := root.Get("top_p"); v.Exists() {
		out, _ = sjson.Set(out, "top_p", v.Float())
	}
	if stop := root.Get("stop"); stop.Exists() {
		if stop.IsArray() {
			var seqs []string
			stop.ForEach(func(_, v gjson.Result) bool {
				seqs = append(seqs, v.String())
				return true
			})
			if len(seqs) > 0 {
				out, _ = sjson.Set(out, "stop", seqs)
			}
		} else {
			out, _ = sjson.Set(out, "stop", []string{stop.String()})
		}
	}
	if rf := root.Get("response_format"); rf.Exists() {
		out, _ = sjson.SetRaw(out, "response_format", rf.Raw)
	}

	out, _ = sjson.Set(out, "stream", opts.Stream)
	out, _ = sjson.Set(out, "reasoning.effort", opts.Effort)
	if opts.PreviousResponseID != "" {
		out, _ = sjson.Set(out, "previous_response_id", opts.PreviousResponseID)
	}

	// OpenAI function tools pass through in neutral form.
	if tools := root.Get("tools"); tools.Exists() && tools.IsArray() {
		var neutralTools []map[string]any
		tools.ForEach(func(_, tool gjson.Result) bool {
			if tool.Get("type").String() != "function" {
				return true
			}
			fn := tool.Get("function")
			neutral := map[string]any{
				"name":        fn.Get("name").String(),
				"description": fn.Get("description").String(),
			}
			if params := fn.Get("parameters"); params.Exists() {
				neutral["parameters"] = params.Value()
			}
			neutralTools = append(neutralTools, map[string]any{"type": "function", "function": neutral})
			return true
		})
		if len(neutralTools) > 0 {
			raw, _ := json.Marshal(neutralTools)
			out, _ = sjson.SetRaw(out, "tools", string(raw))
		}
	}

	if tc := root.Get("tool_choice"); tc.Exists() {
		// OpenAI tool_choice passes through unchanged.
		if tc.Type == gjson.String {
			out, _ = sjson.Set(out, "tool_choice", tc.String())
		} else {
			out, _ = sjson.SetRaw(out, "tool_choice", tc.Raw)
		}
	}

	return []byte(out), nil
}

// convertLegacyPrompt maps a /v1/completions-style prompt body to the
// neutral shape: the prompt becomes the string input.
func convertLegacyPrompt(root gjson.Result, prompt string, opts translator.RequestOptions) ([]byte, error) {
	out := `{"model":"","input":""}`
	out, _ = sjson.Set(out, "model", opts.BackendModel)
	out, _ = sjson.Set(out, "input", applySanitize(prompt, opts.Sanitize))

	if v := root.Get("max_tokens"); v.Exists() {
		out, _ = sjson.Set(out, "max_output_tokens", v.Int())
	}
	if v := root.Get("temperature"); v.Exists() {
		out, _ = sjson.Set(out, "temperature", v.Float())
	}
	if v := root.Get("top_p"); v.Exists() {
		out, _ = sjson.Set(out, "top_p", v.Float())
	}
	out, _ = sjson.Set(out, "stream", opts.Stream)
	out, _ = sjson.Set(out, "reasoning.effort", opts.Effort)
	if opts.PreviousResponseID != "" {
		out, _ = sjson.Set(out, "previous_response_id", opts.PreviousResponseID)
	}
	return []byte(out), nil
}

func applySanitize(text string, enabled bool) string {
	if enabled {
		text = sanitize.Content(text)
	}
	if text == "" {
		text = sanitize.Placeholder
	}
	return text
}

// contentText folds an OpenAI content value (string or part list) into text.
func contentText(content gjson.Result) string {
	if content.Type == gjson.String {
		return content.String()
	}
	if content.IsArray() {
		out := ""
		content.ForEach(func(_, part gjson.Result) bool {
			if part.Get("type").String() == "text" {
				out += part.Get("text").String()
			}
			return true
		})
		return out
	}
	return ""
}
