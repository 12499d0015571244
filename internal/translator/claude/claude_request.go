// Package claude translates between the Claude Messages dialect and the
// neutral Responses shapes. Request translation validates the caller body,
// applies the content-security pass, flattens tool traffic into text markers,
// and attaches the pipeline-computed reasoning effort and continuity id.
package claude

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/modelbridge/modelbridge/internal/apierror"
	"github.com/modelbridge/modelbridge/internal/sanitize"
	"github.com/modelbridge/modelbridge/internal/translator/translator"
)

// ConvertClaudeRequestToResponses transforms a Claude Messages request into a
// neutral Responses request. A single user turn with no system prompt
// collapses to a string input; anything else becomes a message list with the
// system prompt prepended.
func ConvertClaudeRequestToResponses(rawJSON []byte, opts translator.RequestOptions) ([]byte, error) {
	root := gjson.ParseBytes(rawJSON)

	messages := root.Get("messages")
	if !messages.Exists() || !messages.IsArray() || len(messages.Array()) == 0 {
		return nil, apierror.Validation("messages", "messages must be a non-empty array")
	}

	out := `{"model":"","input":""}`
	out, _ = sjson.Set(out, "model", opts.BackendModel)

	system := ""
	if sys := root.Get("system"); sys.Exists() {
		if sys.Type == gjson.String {
			system = sys.String()
		} else if sys.IsArray() {
			// System can be a list of text blocks.
			sys.ForEach(func(_, block gjson.Result) bool {
				system += block.Get("text").String()
				return true
			})
		}
	}

	type turn struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	var turns []turn
	var validationErr error

	messages.ForEach(func(idx, msg gjson.Result) bool {
		role := msg.Get("role").String()
		if role != "user" && role != "assistant" {
			validationErr = apierror.Validation(
				fmt.Sprintf("messages.%d.role", idx.Int()),
				fmt.Sprintf("unsupported role %q", role))
			return false
		}
		text, err := flattenClaudeContent(msg.Get("content"), opts.Sanitize)
		if err != nil {
			validationErr = err
			return false
		}
		turns = append(turns, turn{Role: role, Content: text})
		return true
	})
	if validationErr != nil {
		return nil, validationErr
	}

	if system == "" && len(turns) == 1 && turns[0].Role == "user" {
		out, _ = sjson.Set(out, "input", turns[0].Content)
	} else {
		all := turns
		if system != "" {
			if opts.Sanitize {
				system = sanitize.Content(system)
			}
			all = append([]turn{{Role: "system", Content: system}}, turns...)
		}
		raw, _ := json.Marshal(all)
		out, _ = sjson.SetRaw(out, "input", string(raw))
	}

	if v := root.Get("max_tokens"); v.Exists() {
		out, _ = sjson.Set(out, "max_output_tokens", v.Int())
	}
	if v := root.Get("temperature"); v.Exists() {
		out, _ = sjson.Set(out, "temperature", v.Float())
	}
	if v := root.Get("top_p"); v.Exists() {
		out, _ = sjson.Set(out, "top_p", v.Float())
	}
	if stops := root.Get("stop_sequences"); stops.Exists() && stops.IsArray() {
		var seqs []string
		stops.ForEach(func(_, v gjson.Result) bool {
			seqs = append(seqs, v.String())
			return true
		})
		if len(seqs) > 0 {
			out, _ = sjson.Set(out, "stop", seqs)
		}
	}

	out, _ = sjson.Set(out, "stream", opts.Stream)
	out, _ = sjson.Set(out, "reasoning.effort", opts.Effort)
	if opts.PreviousResponseID != "" {
		out, _ = sjson.Set(out, "previous_response_id", opts.PreviousResponseID)
	}

	// Claude {name, description, input_schema} -> neutral function tools.
	if tools := root.Get("tools"); tools.Exists() && tools.IsArray() {
		var neutralTools []map[string]any
		tools.ForEach(func(_, tool gjson.Result) bool {
			fn := map[string]any{
				"name":        tool.Get("name").String(),
				"description": tool.Get("description").String(),
			}
			if schema := tool.Get("input_schema"); schema.Exists() {
				fn["parameters"] = schema.Value()
			}
			neutralTools = append(neutralTools, map[string]any{"type": "function", "function": fn})
			return true
		})
		if len(neutralTools) > 0 {
			raw, _ := json.Marshal(neutralTools)
			out, _ = sjson.SetRaw(out, "tools", string(raw))
		}
	}

	if tc := root.Get("tool_choice"); tc.Exists() {
		switch tc.Get("type").String() {
		case "auto", "any":
			out, _ = sjson.Set(out, "tool_choice", "auto")
		case "tool":
			out, _ = sjson.Set(out, "tool_choice", map[string]any{
				"type":     "function",
				"function": map[string]any{"name": tc.Get("name").String()},
			})
		}
	}

	return []byte(out), nil
}

// flattenClaudeContent folds a Claude content value (string or block list)
// into a single text string. Tool blocks become textual markers so the
// neutral input stays a plain transcript; order is preserved.
func flattenClaudeContent(content gjson.Result, sanitizeText bool) (string, error) {
	text := ""
	switch {
	case content.Type == gjson.String:
		text = content.String()
	case content.IsArray():
		content.ForEach(func(_, block gjson.Result) bool {
			switch block.Get("type").String() {
			case "text":
				text += block.Get("text").String()
			case "tool_use":
				args, _ := json.Marshal(block.Get("input").Value())
				text += fmt.Sprintf("[Tool Call: %s(%s)]", block.Get("name").String(), args)
			case "tool_result":
				text += fmt.Sprintf("[Tool Result for %s]: %s",
					block.Get("tool_use_id").String(), flattenToolResult(block.Get("content")))
			}
			return true
		})
	case content.Exists():
		return "", apierror.Validation("messages.content", "content must be a string or array of blocks")
	}

	if sanitizeText {
		text = sanitize.Content(text)
	}
	if text == "" {
		text = sanitize.Placeholder
	}
	return text, nil
}

func flattenToolResult(content gjson.Result) string {
	if content.Type == gjson.String {
		return content.String()
	}
	if content.IsArray() {
		out := ""
		content.ForEach(func(_, block gjson.Result) bool {
			out += block.Get("text").String()
			return true
		})
		return out
	}
	return content.Raw
}
