// Package degrade implements optional graceful degradation: when the backend
// is genuinely down, an apology completion in the caller's dialect replaces
// the error response. Off by default; degraded responses are always logged
// and counted so the substitution is never silent.
package degrade

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/sjson"

	"github.com/modelbridge/modelbridge/internal/apierror"
	"github.com/modelbridge/modelbridge/internal/metrics"
)

const apologyText = "The service is temporarily unable to process your request. Please try again in a moment."

// Eligible reports whether a failure qualifies for degradation. Backend
// unavailability does, including unclassified backend failures; caller
// mistakes and auth problems must still surface as errors.
func Eligible(f *apierror.Failure) bool {
	switch f.Kind {
	case apierror.KindUpstream5xx, apierror.KindNetwork, apierror.KindTimeout,
		apierror.KindCircuitOpen, apierror.KindUnknown:
		return true
	default:
		return false
	}
}

// Response builds the apology completion as a neutral response body, ready
// for the caller dialect's response transform.
func Response(requestedModel, correlationID string, f *apierror.Failure) []byte {
	log.WithFields(log.Fields{
		"correlation_id": correlationID,
		"failure_kind":   f.Kind.String(),
	}).Warn("degraded response substituted for backend failure")
	metrics.Degradations.Add(1)

	out := `{"id":"","created":0,"model":"","output":[],"usage":{"prompt_tokens":0,"completion_tokens":0,"total_tokens":0},"degraded":true}`
	out, _ = sjson.Set(out, "id", fmt.Sprintf("degraded-%s", uuid.NewString()))
	out, _ = sjson.Set(out, "created", time.Now().Unix())
	out, _ = sjson.Set(out, "model", requestedModel)
	out, _ = sjson.Set(out, "output.0", map[string]any{"type": "text", "text": apologyText})
	return []byte(out)
}
