// Package translator converts between the caller dialects (claude, openai)
// and the neutral Responses shapes the backends speak. Payloads travel as raw
// JSON documents; transforms read with gjson and build with sjson.
//
// Neutral request:
//
//	{"model","input","reasoning":{"effort"},"max_output_tokens","temperature",
//	 "top_p","stream","previous_response_id","tools","tool_choice","stop",
//	 "response_format"}
//
// Neutral response:
//
//	{"id","created","model","output":[text|reasoning|tool_call],"usage"}
//
// Stream chunks share the response shape with delta outputs; only the final
// chunk carries usage.
package translator

import (
	"github.com/modelbridge/modelbridge/internal/detect"
)

// RequestOptions carry the pipeline-computed fields the normalizer attaches.
type RequestOptions struct {
	// BackendModel is the routed model identifier sent to the backend.
	BackendModel string
	// Stream mirrors the caller's stream flag.
	Stream bool
	// Sanitize enables the content-security pass over message text.
	Sanitize bool
	// Effort is the final reasoning effort (max of caller hint and analyzer).
	Effort string
	// PreviousResponseID links the request to the prior turn server-side.
	PreviousResponseID string
}

// RequestTransform converts a caller-dialect request body into a neutral
// Responses request.
type RequestTransform func(rawJSON []byte, opts RequestOptions) ([]byte, error)

// ResponseTransform converts a neutral unary response into a caller-dialect
// body. requestedModel is echoed back in place of the backend model id.
type ResponseTransform func(neutral []byte, requestedModel string) []byte

// StreamState converts neutral stream chunks into caller-dialect SSE frames.
// Implementations are single-stream and not safe for concurrent use.
type StreamState interface {
	// Next renders the SSE frames for one neutral chunk, in order.
	Next(chunk []byte) []string
	// Done renders any terminal frames after the chunk channel closes.
	Done() []string
}

// Pipeline groups the transforms for one dialect.
type Pipeline struct {
	Request   RequestTransform
	Response  ResponseTransform
	NewStream func(requestedModel string) StreamState
}

var pipelines = map[detect.Format]Pipeline{}

// Register installs the pipeline for a dialect. Called from dialect package
// init functions.
func Register(format detect.Format, p Pipeline) {
	pipelines[format] = p
}

// For returns the pipeline registered for the dialect.
func For(format detect.Format) Pipeline {
	return pipelines[format]
}
