package backend

import "context"

// Client is the contract every provider client implements. Requests and
// responses are neutral Responses-shaped JSON documents.
type Client interface {
	// Provider returns the provider identifier ("azure", "bedrock").
	Provider() string

	// CreateResponse executes a unary backend call.
	CreateResponse(ctx context.Context, request []byte) ([]byte, error)

	// CreateResponseStream executes a streaming backend call. Chunks arrive
	// in order on the first channel; at most one error arrives on the
	// second. Both channels close when the stream ends.
	CreateResponseStream(ctx context.Context, request []byte) (<-chan []byte, <-chan error)

	// SupportsStreaming reports whether CreateResponseStream reaches a real
	// backend stream. When false the streaming engine simulates.
	SupportsStreaming() bool

	// ActiveResources returns the number of undisposed connection resources.
	ActiveResources() int

	// Shutdown drains active resources with a bounded grace period.
	Shutdown()
}
