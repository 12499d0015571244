// Package azure implements the backend client for the Azure-compatible
// Responses API. It speaks the provider's native event stream and normalizes
// both unary responses and stream events into the neutral Responses shapes
// the rest of the pipeline consumes.
package azure

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/modelbridge/modelbridge/internal/apierror"
	"github.com/modelbridge/modelbridge/internal/backend"
)

var dataTag = []byte("data:")

// Options configure the client. BaseURL must be HTTPS, the api key and
// deployment non-empty, and the timeout positive.
type Options struct {
	BaseURL    string
	APIKey     string
	Deployment string
	Timeout    time.Duration
	MaxRetries int
	UserAgent  string
	ProxyURL   string
}

// Client talks to one Azure-compatible Responses endpoint. It owns its
// connection pool and the active set of per-request connection resources.
type Client struct {
	opts       Options
	httpClient *http.Client
	tracker    *backend.Tracker
}

// New validates the options and builds the client.
func New(opts Options) (*Client, error) {
	if !strings.HasPrefix(opts.BaseURL, "https://") {
		return nil, apierror.Validation("base_url", "backend base URL must use https")
	}
	if opts.APIKey == "" {
		return nil, apierror.Validation("api_key", "backend api key must not be empty")
	}
	if opts.Deployment == "" {
		return nil, apierror.Validation("deployment", "backend deployment must not be empty")
	}
	if opts.Timeout <= 0 {
		return nil, apierror.Validation("timeout", "backend timeout must be positive")
	}
	if opts.MaxRetries < 0 {
		return nil, apierror.Validation("max_retries", "backend max retries must be non-negative")
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "modelbridge/1.0"
	}
	return &Client{
		opts:       opts,
		httpClient: &http.Client{Transport: backend.NewTransport(opts.ProxyURL)},
		tracker:    backend.NewTracker("azure"),
	}, nil
}

// Provider implements backend.Client.
func (c *Client) Provider() string { return "bridge-azure" }

// SupportsStreaming reports that the provider can stream natively.
func (c *Client) SupportsStreaming() bool { return true }

// ActiveResources implements backend.Client.
func (c *Client) ActiveResources() int { return c.tracker.ActiveCount() }

// Shutdown implements backend.Client.
func (c *Client) Shutdown() { c.tracker.Shutdown() }

// Timeout returns the per-attempt timeout, for the resilience layer.
func (c *Client) Timeout() time.Duration { return c.opts.Timeout }

// MaxRetries returns the configured retry budget.
func (c *Client) MaxRetries() int { return c.opts.MaxRetries }

// CreateResponse executes a unary call and returns the neutral response.
func (c *Client) CreateResponse(ctx context.Context, request []byte) ([]byte, error) {
	res := c.tracker.Acquire()
	defer res.Dispose()

	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	body, _ := sjson.SetBytes(request, "stream", false)
	resp, err := c.do(ctx, body, false)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyTransport(ctx, err)
	}
	return normalizeResponse(gjson.ParseBytes(data)), nil
}

// CreateResponseStream executes a streaming call, converting backend events
// into neutral stream chunks. The chunk channel closes on stream end; at
// most one classified error is sent before close.
func (c *Client) CreateResponseStream(ctx context.Context, request []byte) (<-chan []byte, <-chan error) {
	chunks := make(chan []byte)
	errs := make(chan error, 1)

	res := c.tracker.Acquire()
	body, _ := sjson.SetBytes(request, "stream", true)
	resp, err := c.do(ctx, body, true)
	if err != nil {
		res.Dispose()
		errs <- err
		close(chunks)
		close(errs)
		return chunks, errs
	}

	go func() {
		defer close(chunks)
		defer close(errs)
		defer res.Dispose()
		defer func() { _ = resp.Body.Close() }()

		st := &streamTranslator{}
		scanner := bufio.NewScanner(resp.Body)
		buf := make([]byte, 1024*1024)
		scanner.Buffer(buf, 1024*1024)
		chunkCount := 0

		for scanner.Scan() {
			line := scanner.Bytes()
			if !bytes.HasPrefix(line, dataTag) {
				continue
			}
			data := bytes.TrimSpace(line[len(dataTag):])

			out, failure := st.next(data)
			if failure != nil {
				errs <- failure
				return
			}
			for _, chunk := range out {
				chunkCount++
				select {
				case chunks <- chunk:
				case <-ctx.Done():
					return
				}
			}
		}
		if err := scanner.Err(); err != nil {
			errs <- classifyTransport(ctx, err)
			return
		}
		// Chunk count feeds memory-pressure heuristics only.
		log.Debugf("azure: stream complete, %d chunks", chunkCount)
	}()
	return chunks, errs
}

func (c *Client) do(ctx context.Context, body []byte, stream bool) (*http.Response, error) {
	url := strings.TrimSuffix(c.opts.BaseURL, "/") + "/responses"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, apierror.Wrap(apierror.KindUnknown, "build backend request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Api-Key", c.opts.APIKey)
	req.Header.Set("User-Agent", c.opts.UserAgent)
	req.Header.Set("Connection", "keep-alive")
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransport(ctx, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer func() { _ = resp.Body.Close() }()
		b, _ := io.ReadAll(resp.Body)
		log.Debugf("azure: request error, status %d", resp.StatusCode)
		failure := apierror.FromStatusCode(resp.StatusCode, string(b))
		if failure.Kind == apierror.KindRateLimit {
			failure.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
		}
		return nil, failure
	}
	return resp, nil
}

// classifyTransport maps transport-level errors to the failure taxonomy.
func classifyTransport(ctx context.Context, err error) *apierror.Failure {
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return apierror.Wrap(apierror.KindCanceled, "backend call canceled", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return apierror.Wrap(apierror.KindTimeout, "backend call timed out", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apierror.Wrap(apierror.KindTimeout, "backend call timed out", err)
	}
	if errors.Is(err, context.Canceled) {
		return apierror.Wrap(apierror.KindCanceled, "backend call canceled", err)
	}
	return apierror.Wrap(apierror.KindNetwork, "backend connection failed", err)
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// ignoredEventTypes is the documented allow-list of backend stream events
// that carry no information the neutral shape needs.
var ignoredEventTypes = map[string]bool{
	"response.in_progress":                   true,
	"response.queued":                        true,
	"response.content_part.added":            true,
	"response.content_part.done":             true,
	"response.output_text.done":              true,
	"response.output_item.done":              true,
	"response.function_call_arguments.delta": true,
	"response.function_call_arguments.done":  true,
	"response.reasoning_summary_part.added":  true,
	"response.reasoning_summary_part.done":   true,
	"response.reasoning_summary_text.delta":  true,
	"response.reasoning_summary_text.done":   true,
	"ping":                                   true,
}

// streamTranslator converts backend stream events into neutral chunks.
type streamTranslator struct {
	id      string
	created int64
	model   string
}

func (st *streamTranslator) chunk() string {
	out := `{"id":"","created":0,"model":"","output":[]}`
	out, _ = sjson.Set(out, "id", st.id)
	out, _ = sjson.Set(out, "created", st.created)
	out, _ = sjson.Set(out, "model", st.model)
	return out
}

func (st *streamTranslator) next(data []byte) ([][]byte, *apierror.Failure) {
	root := gjson.ParseBytes(data)
	eventType := root.Get("type").String()

	switch eventType {
	case "response.created":
		st.id = root.Get("response.id").String()
		st.created = root.Get("response.created_at").Int()
		st.model = root.Get("response.model").String()
		return [][]byte{[]byte(st.chunk())}, nil

	case "response.output_text.delta":
		out := st.chunk()
		out, _ = sjson.Set(out, "output.0", map[string]any{"type": "text", "delta": root.Get("delta").String()})
		return [][]byte{[]byte(out)}, nil

	case "response.reasoning_text.delta":
		out := st.chunk()
		out, _ = sjson.Set(out, "output.0", map[string]any{
			"type": "reasoning", "delta": root.Get("delta").String(), "status": "in_progress",
		})
		return [][]byte{[]byte(out)}, nil

	case "response.reasoning_text.done":
		out := st.chunk()
		out, _ = sjson.Set(out, "output.0", map[string]any{
			"type": "reasoning", "delta": "", "status": "completed",
		})
		return [][]byte{[]byte(out)}, nil

	case "response.output_item.added":
		item := root.Get("item")
		if neutral := normalizeOutputItem(item); neutral != nil {
			out := st.chunk()
			out, _ = sjson.Set(out, "output.0", neutral)
			return [][]byte{[]byte(out)}, nil
		}
		return nil, nil

	case "response.completed":
		final := normalizeResponse(root.Get("response"))
		return [][]byte{final}, nil

	case "response.failed":
		msg := root.Get("response.error.message").String()
		if msg == "" {
			msg = "backend reported failure"
		}
		return nil, apierror.New(apierror.KindUpstream5xx, msg)

	case "error":
		msg := root.Get("message").String()
		if msg == "" {
			msg = root.Get("error.message").String()
		}
		if msg == "" {
			msg = "backend stream error"
		}
		return nil, apierror.New(apierror.KindUnknown, msg)

	default:
		if !ignoredEventTypes[eventType] && eventType != "" {
			log.Debugf("azure: ignoring unrecognized stream event %q", eventType)
		}
		return nil, nil
	}
}

// normalizeOutputItem maps one backend output item to its neutral form.
// Function-call items arrive complete on output_item.added for this
// provider; message items stream separately via output_text deltas.
func normalizeOutputItem(item gjson.Result) map[string]any {
	switch item.Get("type").String() {
	case "function_call":
		id := item.Get("call_id").String()
		if id == "" {
			id = item.Get("id").String()
		}
		return map[string]any{
			"type":      "tool_call",
			"id":        id,
			"name":      item.Get("name").String(),
			"arguments": item.Get("arguments").String(),
		}
	default:
		return nil
	}
}

// normalizeResponse maps a full backend response object to the neutral
// unary response. The final stream chunk shares this shape.
func normalizeResponse(resp gjson.Result) []byte {
	out := `{"id":"","created":0,"model":"","output":[],"usage":{"prompt_tokens":0,"completion_tokens":0,"total_tokens":0}}`
	out, _ = sjson.Set(out, "id", resp.Get("id").String())
	out, _ = sjson.Set(out, "created", resp.Get("created_at").Int())
	out, _ = sjson.Set(out, "model", resp.Get("model").String())

	idx := 0
	resp.Get("output").ForEach(func(_, item gjson.Result) bool {
		switch item.Get("type").String() {
		case "message":
			text := ""
			item.Get("content").ForEach(func(_, part gjson.Result) bool {
				if part.Get("type").String() == "output_text" {
					text += part.Get("text").String()
				}
				return true
			})
			out, _ = sjson.Set(out, fmt.Sprintf("output.%d", idx), map[string]any{"type": "text", "text": text})
			idx++
		case "reasoning":
			content := ""
			item.Get("summary").ForEach(func(_, part gjson.Result) bool {
				content += part.Get("text").String()
				return true
			})
			if content == "" {
				item.Get("content").ForEach(func(_, part gjson.Result) bool {
					content += part.Get("text").String()
					return true
				})
			}
			out, _ = sjson.Set(out, fmt.Sprintf("output.%d", idx), map[string]any{
				"type": "reasoning", "content": content, "status": "completed",
			})
			idx++
		case "function_call":
			if neutral := normalizeOutputItem(item); neutral != nil {
				out, _ = sjson.Set(out, fmt.Sprintf("output.%d", idx), neutral)
				idx++
			}
		}
		return true
	})

	prompt := resp.Get("usage.input_tokens").Int()
	completion := resp.Get("usage.output_tokens").Int()
	total := resp.Get("usage.total_tokens").Int()
	if total < prompt+completion {
		total = prompt + completion
	}
	out, _ = sjson.Set(out, "usage.prompt_tokens", prompt)
	out, _ = sjson.Set(out, "usage.completion_tokens", completion)
	out, _ = sjson.Set(out, "usage.total_tokens", total)
	if rt := resp.Get("usage.output_tokens_details.reasoning_tokens"); rt.Exists() {
		out, _ = sjson.Set(out, "usage.reasoning_tokens", rt.Int())
	}

	if resp.Get("status").String() == "incomplete" &&
		resp.Get("incomplete_details.reason").String() == "max_output_tokens" {
		out, _ = sjson.Set(out, "finish", "length")
	}
	return []byte(out)
}
