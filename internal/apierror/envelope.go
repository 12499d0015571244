package apierror

import (
	"time"

	"github.com/tidwall/sjson"

	"github.com/modelbridge/modelbridge/internal/sanitize"
)

// Dialect names the caller-facing envelope family.
const (
	DialectClaude = "claude"
	DialectOpenAI = "openai"
)

// dialectErrorType maps a kind to the error type string of the caller dialect.
// Both dialects collapse transport-level failures to "api_error".
func dialectErrorType(dialect string, kind Kind) string {
	switch kind {
	case KindValidation:
		return "invalid_request_error"
	case KindAuthentication:
		return "authentication_error"
	case KindAuthorization:
		return "permission_error"
	case KindNotFound:
		return "not_found_error"
	case KindRateLimit:
		return "rate_limit_error"
	default:
		if dialect == DialectClaude && kind == KindUpstream5xx {
			return "overloaded_error"
		}
		return "api_error"
	}
}

// Envelope renders the failure as a caller-dialect error body. The message is
// redacted before it leaves the gateway; the correlation id and a timestamp
// ride along in every envelope.
func Envelope(dialect string, f *Failure, correlationID string) []byte {
	message := sanitize.Redact(f.Message)
	errType := dialectErrorType(dialect, f.Kind)
	ts := time.Now().UTC().Format(time.RFC3339)

	var out string
	if dialect == DialectClaude {
		out = `{"type":"error","error":{"type":"","message":""}}`
		out, _ = sjson.Set(out, "error.type", errType)
		out, _ = sjson.Set(out, "error.message", message)
	} else {
		out = `{"error":{"message":"","type":""}}`
		out, _ = sjson.Set(out, "error.message", message)
		out, _ = sjson.Set(out, "error.type", errType)
		if f.Field != "" {
			out, _ = sjson.Set(out, "error.param", f.Field)
		}
	}
	out, _ = sjson.Set(out, "correlation_id", correlationID)
	out, _ = sjson.Set(out, "timestamp", ts)
	return []byte(out)
}
