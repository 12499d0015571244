// Package detect classifies incoming requests as Claude-dialect or
// OpenAI-dialect from the request path, body shape, and model name prefix.
package detect

import (
	"strings"

	"github.com/tidwall/gjson"
)

// Format identifies the caller dialect of a request.
type Format string

const (
	FormatClaude Format = "claude"
	FormatOpenAI Format = "openai"
)

// Detect picks the caller dialect. Precedence: path, then body shape, then
// model prefix. A body-shape claude classification is downgraded to openai
// when the model id lacks the "claude-" prefix and the path is not
// /v1/messages. Ambiguity at top level fails safe to claude.
func Detect(path string, body []byte) Format {
	switch {
	case strings.HasPrefix(path, "/v1/messages"):
		return FormatClaude
	case strings.HasPrefix(path, "/v1/chat/completions"), strings.HasPrefix(path, "/v1/completions"):
		return FormatOpenAI
	}

	root := gjson.ParseBytes(body)
	model := root.Get("model").String()
	claudeModel := strings.HasPrefix(model, "claude-")

	if shape := bodyShape(root); shape != "" {
		if shape == FormatClaude && !claudeModel {
			return FormatOpenAI
		}
		return Format(shape)
	}

	if model != "" && !claudeModel {
		return FormatOpenAI
	}
	return FormatClaude
}

// bodyShape inspects dialect-exclusive fields. Returns "" when no exclusive
// field is present.
func bodyShape(root gjson.Result) Format {
	if root.Get("system").Exists() && root.Get("system").Type == gjson.String {
		return FormatClaude
	}
	if root.Get("tools.0.input_schema").Exists() {
		return FormatClaude
	}
	if root.Get("response_format").Exists() {
		return FormatOpenAI
	}
	openaiToolCalls := false
	root.Get("messages").ForEach(func(_, msg gjson.Result) bool {
		if msg.Get("tool_calls").Exists() || msg.Get("role").String() == "tool" {
			openaiToolCalls = true
			return false
		}
		return true
	})
	if openaiToolCalls {
		return FormatOpenAI
	}
	return ""
}
