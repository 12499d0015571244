// Package streaming delivers SSE responses. It has two modes: passthrough,
// which renders a live backend chunk stream, and simulated, which fragments a
// unary result into a short synthetic stream for providers without native
// streaming. Both modes drive the same per-dialect renderer, so callers see
// identical framing either way.
package streaming

import (
	"context"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/modelbridge/modelbridge/internal/apierror"
	"github.com/modelbridge/modelbridge/internal/metrics"
	"github.com/modelbridge/modelbridge/internal/translator/translator"
)

const (
	defaultSimulatedChunks = 5
	defaultSimulatedDelay  = 50 * time.Millisecond
)

// Engine renders neutral chunk streams as SSE. The zero value uses the
// default simulated fragmentation settings.
type Engine struct {
	SimulatedChunks int
	SimulatedDelay  time.Duration
}

func (e *Engine) simulatedChunks() int {
	if e.SimulatedChunks > 0 {
		return e.SimulatedChunks
	}
	return defaultSimulatedChunks
}

func (e *Engine) simulatedDelay() time.Duration {
	if e.SimulatedDelay > 0 {
		return e.SimulatedDelay
	}
	return defaultSimulatedDelay
}

// writer couples the response writer with its flusher and remembers whether
// any bytes have been sent, which decides how a mid-stream error surfaces.
type writer struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

func newWriter(w http.ResponseWriter) *writer {
	flusher, _ := w.(http.Flusher)
	return &writer{w: w, flusher: flusher}
}

func (sw *writer) writeFrames(frames []string) error {
	for _, frame := range frames {
		if !sw.started {
			sw.started = true
			h := sw.w.Header()
			h.Set("Content-Type", "text/event-stream")
			h.Set("Cache-Control", "no-cache")
			h.Set("Connection", "keep-alive")
			h.Set("X-Accel-Buffering", "no")
			sw.w.WriteHeader(http.StatusOK)
		}
		if _, err := sw.w.Write([]byte(frame)); err != nil {
			return err
		}
		if sw.flusher != nil {
			sw.flusher.Flush()
		}
	}
	return nil
}

// Passthrough consumes a live backend stream and renders it through st.
// It returns the final neutral chunk (the one carrying usage, when the
// stream completed), whether any bytes reached the wire, and the failure if
// the stream broke. When bytes were already sent, the failure is also
// rendered in-band as a dialect error frame before returning.
func (e *Engine) Passthrough(ctx context.Context, w http.ResponseWriter, dialect, correlationID string, st translator.StreamState, chunks <-chan []byte, errs <-chan error) ([]byte, bool, error) {
	metrics.ActiveStreams.Inc()
	defer metrics.ActiveStreams.Dec()

	sw := newWriter(w)
	var final []byte

	for {
		select {
		case <-ctx.Done():
			return final, sw.started, apierror.AsFailure(ctx.Err())
		case chunk, ok := <-chunks:
			if !ok {
				if err := drainErr(errs); err != nil {
					failure := apierror.AsFailure(err)
					e.writeErrorFrame(sw, dialect, correlationID, failure)
					return final, sw.started, failure
				}
				if err := sw.writeFrames(st.Done()); err != nil {
					return final, sw.started, apierror.Wrap(apierror.KindNetwork, "client write failed", err)
				}
				return final, sw.started, nil
			}
			if gjson.GetBytes(chunk, "usage").Exists() {
				final = chunk
			}
			if err := sw.writeFrames(st.Next(chunk)); err != nil {
				return final, sw.started, apierror.Wrap(apierror.KindNetwork, "client write failed", err)
			}
		}
	}
}

// Simulated fragments a unary neutral response into a synthetic stream and
// renders it through st. Frame shapes are identical to passthrough; only
// chunk boundaries and pacing differ.
func (e *Engine) Simulated(ctx context.Context, w http.ResponseWriter, dialect, correlationID string, st translator.StreamState, neutral []byte) ([]byte, bool, error) {
	metrics.ActiveStreams.Inc()
	defer metrics.ActiveStreams.Dec()

	sw := newWriter(w)
	root := gjson.ParseBytes(neutral)

	head := `{"id":"","created":0,"model":"","output":[]}`
	head, _ = sjson.Set(head, "id", root.Get("id").String())
	head, _ = sjson.Set(head, "created", root.Get("created").Int())
	head, _ = sjson.Set(head, "model", root.Get("model").String())
	if err := sw.writeFrames(st.Next([]byte(head))); err != nil {
		return nil, sw.started, apierror.Wrap(apierror.KindNetwork, "client write failed", err)
	}

	text := ""
	root.Get("output").ForEach(func(_, item gjson.Result) bool {
		if item.Get("type").String() == "text" {
			text += item.Get("text").String()
		}
		return true
	})

	for _, fragment := range fragmentText(text, e.simulatedChunks()) {
		select {
		case <-ctx.Done():
			return nil, sw.started, apierror.AsFailure(ctx.Err())
		case <-time.After(e.simulatedDelay()):
		}
		chunk, _ := sjson.Set(head, "output.0", map[string]any{"type": "text", "delta": fragment})
		if err := sw.writeFrames(st.Next([]byte(chunk))); err != nil {
			return nil, sw.started, apierror.Wrap(apierror.KindNetwork, "client write failed", err)
		}
	}

	// The full response doubles as the final chunk: usage triggers the
	// closing frames, tool calls are emitted, and completed text items are
	// not re-streamed.
	if err := sw.writeFrames(st.Next(neutral)); err != nil {
		return neutral, sw.started, apierror.Wrap(apierror.KindNetwork, "client write failed", err)
	}
	if err := sw.writeFrames(st.Done()); err != nil {
		return neutral, sw.started, apierror.Wrap(apierror.KindNetwork, "client write failed", err)
	}
	return neutral, sw.started, nil
}

// writeErrorFrame surfaces a failure in-band once the stream has started.
// Before the first byte the caller still owns the response and sends a plain
// JSON envelope instead.
func (e *Engine) writeErrorFrame(sw *writer, dialect, correlationID string, failure *apierror.Failure) {
	if !sw.started {
		return
	}
	envelope := apierror.Envelope(dialect, failure, correlationID)
	var frame string
	switch dialect {
	case apierror.DialectClaude:
		frame = "event: error\ndata: " + string(envelope) + "\n\n"
	default:
		frame = "data: " + string(envelope) + "\n\n"
	}
	_ = sw.writeFrames([]string{frame})
}

func drainErr(errs <-chan error) error {
	select {
	case err, ok := <-errs:
		if ok {
			return err
		}
	default:
	}
	return nil
}

// fragmentText splits text into n equal pieces on rune boundaries, with the
// remainder folded into the last piece. Texts shorter than n runes produce
// one piece per rune; empty text produces none.
func fragmentText(text string, n int) []string {
	if text == "" || n <= 0 {
		return nil
	}
	runes := []rune(text)
	if len(runes) < n {
		n = len(runes)
	}
	size := len(runes) / n
	parts := make([]string, 0, n)
	for i := 0; i < n; i++ {
		start := i * size
		end := start + size
		if i == n-1 {
			end = len(runes)
		}
		parts = append(parts, string(runes[start:end]))
	}
	return parts
}
