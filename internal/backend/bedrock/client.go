// Package bedrock implements the AWS Bedrock backend client. The provider is
// reached over plain HTTPS with bearer authentication and speaks unary JSON
// only; streaming requests are simulated upstream by the streaming engine.
package bedrock

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/modelbridge/modelbridge/internal/apierror"
	"github.com/modelbridge/modelbridge/internal/backend"
)

// Options configure the client.
type Options struct {
	Region     string
	APIKey     string
	Timeout    time.Duration
	MaxRetries int
	UserAgent  string
	ProxyURL   string
}

// Client talks to one Bedrock region. Conversation JSON crosses the wire in
// the provider's converse shape; results come back in the neutral shape.
type Client struct {
	opts       Options
	baseURL    string
	httpClient *http.Client
	tracker    *backend.Tracker
}

// New validates the options and builds the client.
func New(opts Options) (*Client, error) {
	if opts.Region == "" {
		return nil, apierror.Validation("region", "bedrock region must not be empty")
	}
	if opts.APIKey == "" {
		return nil, apierror.Validation("api_key", "bedrock api key must not be empty")
	}
	if opts.Timeout <= 0 {
		return nil, apierror.Validation("timeout", "bedrock timeout must be positive")
	}
	if opts.MaxRetries < 0 {
		return nil, apierror.Validation("max_retries", "bedrock max retries must be non-negative")
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "modelbridge/1.0"
	}
	return &Client{
		opts:       opts,
		baseURL:    fmt.Sprintf("https://bedrock-runtime.%s.amazonaws.com", opts.Region),
		httpClient: &http.Client{Transport: backend.NewTransport(opts.ProxyURL)},
		tracker:    backend.NewTracker("bedrock"),
	}, nil
}

// Provider implements backend.Client.
func (c *Client) Provider() string { return "bedrock" }

// SupportsStreaming reports that the provider has no native stream here;
// the streaming engine fragments unary results instead.
func (c *Client) SupportsStreaming() bool { return false }

// ActiveResources implements backend.Client.
func (c *Client) ActiveResources() int { return c.tracker.ActiveCount() }

// Shutdown implements backend.Client.
func (c *Client) Shutdown() { c.tracker.Shutdown() }

// Timeout returns the per-attempt timeout, for the resilience layer.
func (c *Client) Timeout() time.Duration { return c.opts.Timeout }

// MaxRetries returns the configured retry budget.
func (c *Client) MaxRetries() int { return c.opts.MaxRetries }

// CreateResponse executes a unary converse call and returns the neutral
// response.
func (c *Client) CreateResponse(ctx context.Context, request []byte) ([]byte, error) {
	res := c.tracker.Acquire()
	defer res.Dispose()

	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	model := gjson.GetBytes(request, "model").String()
	body := buildConverseBody(request)
	endpoint := fmt.Sprintf("%s/model/%s/converse", c.baseURL, url.PathEscape(model))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, apierror.Wrap(apierror.KindUnknown, "build bedrock request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.opts.APIKey)
	req.Header.Set("User-Agent", c.opts.UserAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransport(err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyTransport(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Debugf("bedrock: request error, status %d", resp.StatusCode)
		return nil, apierror.FromStatusCode(resp.StatusCode, string(data))
	}
	return normalizeConverseResponse(model, data), nil
}

// CreateResponseStream is never reached for this provider; the streaming
// engine checks SupportsStreaming first. It fails cleanly if called anyway.
func (c *Client) CreateResponseStream(ctx context.Context, request []byte) (<-chan []byte, <-chan error) {
	chunks := make(chan []byte)
	errs := make(chan error, 1)
	errs <- apierror.New(apierror.KindValidation, "bedrock does not support native streaming")
	close(chunks)
	close(errs)
	return chunks, errs
}

// HealthCheck verifies connectivity and credentials by listing foundation
// models on the control-plane endpoint.
func (c *Client) HealthCheck(ctx context.Context) error {
	endpoint := fmt.Sprintf("https://bedrock.%s.amazonaws.com/foundation-models?maxResults=1", c.opts.Region)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return apierror.Wrap(apierror.KindUnknown, "build bedrock health request", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.opts.APIKey)
	req.Header.Set("User-Agent", c.opts.UserAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classifyTransport(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return apierror.FromStatusCode(resp.StatusCode, string(b))
	}
	return nil
}

func classifyTransport(err error) *apierror.Failure {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return apierror.Wrap(apierror.KindTimeout, "bedrock call timed out", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apierror.Wrap(apierror.KindTimeout, "bedrock call timed out", err)
	}
	if errors.Is(err, context.Canceled) {
		return apierror.Wrap(apierror.KindCanceled, "bedrock call canceled", err)
	}
	return apierror.Wrap(apierror.KindNetwork, "bedrock connection failed", err)
}

// buildConverseBody maps a neutral request to the provider's converse shape.
// Reasoning effort and response_format have no converse equivalent and are
// dropped; tools map to the provider toolConfig.
func buildConverseBody(request []byte) []byte {
	out := `{"messages":[]}`

	input := gjson.GetBytes(request, "input")
	idx := 0
	if input.Type == gjson.String {
		out, _ = sjson.Set(out, "messages.0", map[string]any{
			"role": "user", "content": []map[string]any{{"text": input.String()}},
		})
		idx = 1
	} else {
		input.ForEach(func(_, msg gjson.Result) bool {
			role := msg.Get("role").String()
			if role == "system" {
				out, _ = sjson.Set(out, "system.-1", map[string]any{"text": msg.Get("content").String()})
				return true
			}
			out, _ = sjson.Set(out, fmt.Sprintf("messages.%d", idx), map[string]any{
				"role": role, "content": []map[string]any{{"text": msg.Get("content").String()}},
			})
			idx++
			return true
		})
	}

	cfg := "{}"
	if v := gjson.GetBytes(request, "max_output_tokens"); v.Exists() {
		cfg, _ = sjson.Set(cfg, "maxTokens", v.Int())
	}
	if v := gjson.GetBytes(request, "temperature"); v.Exists() {
		cfg, _ = sjson.Set(cfg, "temperature", v.Float())
	}
	if v := gjson.GetBytes(request, "top_p"); v.Exists() {
		cfg, _ = sjson.Set(cfg, "topP", v.Float())
	}
	if v := gjson.GetBytes(request, "stop"); v.Exists() {
		if v.IsArray() {
			cfg, _ = sjson.SetRaw(cfg, "stopSequences", v.Raw)
		} else {
			cfg, _ = sjson.Set(cfg, "stopSequences.0", v.String())
		}
	}
	if cfg != "{}" {
		out, _ = sjson.SetRaw(out, "inferenceConfig", cfg)
	}

	tools := gjson.GetBytes(request, "tools")
	ti := 0
	tools.ForEach(func(_, tool gjson.Result) bool {
		fn := tool.Get("function")
		spec := map[string]any{"name": fn.Get("name").String()}
		if d := fn.Get("description"); d.Exists() {
			spec["description"] = d.String()
		}
		out, _ = sjson.Set(out, fmt.Sprintf("toolConfig.tools.%d.toolSpec", ti), spec)
		if p := fn.Get("parameters"); p.Exists() {
			out, _ = sjson.SetRaw(out, fmt.Sprintf("toolConfig.tools.%d.toolSpec.inputSchema.json", ti), p.Raw)
		}
		ti++
		return true
	})

	return []byte(out)
}

// normalizeConverseResponse maps a converse result to the neutral response.
func normalizeConverseResponse(model string, data []byte) []byte {
	resp := gjson.ParseBytes(data)

	out := `{"id":"","created":0,"model":"","output":[],"usage":{"prompt_tokens":0,"completion_tokens":0,"total_tokens":0}}`
	out, _ = sjson.Set(out, "id", "bedrock-"+model+"-"+fmt.Sprint(time.Now().UnixNano()))
	out, _ = sjson.Set(out, "created", time.Now().Unix())
	out, _ = sjson.Set(out, "model", model)

	idx := 0
	resp.Get("output.message.content").ForEach(func(_, part gjson.Result) bool {
		switch {
		case part.Get("text").Exists():
			out, _ = sjson.Set(out, fmt.Sprintf("output.%d", idx), map[string]any{
				"type": "text", "text": part.Get("text").String(),
			})
			idx++
		case part.Get("toolUse").Exists():
			tu := part.Get("toolUse")
			args := tu.Get("input").Raw
			if args == "" {
				args = "{}"
			}
			out, _ = sjson.Set(out, fmt.Sprintf("output.%d", idx), map[string]any{
				"type": "tool_call", "id": tu.Get("toolUseId").String(),
				"name": tu.Get("name").String(), "arguments": args,
			})
			idx++
		case part.Get("reasoningContent").Exists():
			out, _ = sjson.Set(out, fmt.Sprintf("output.%d", idx), map[string]any{
				"type":    "reasoning",
				"content": part.Get("reasoningContent.reasoningText.text").String(),
				"status":  "completed",
			})
			idx++
		}
		return true
	})

	prompt := resp.Get("usage.inputTokens").Int()
	completion := resp.Get("usage.outputTokens").Int()
	total := resp.Get("usage.totalTokens").Int()
	if total < prompt+completion {
		total = prompt + completion
	}
	out, _ = sjson.Set(out, "usage.prompt_tokens", prompt)
	out, _ = sjson.Set(out, "usage.completion_tokens", completion)
	out, _ = sjson.Set(out, "usage.total_tokens", total)

	switch resp.Get("stopReason").String() {
	case "max_tokens":
		out, _ = sjson.Set(out, "finish", "length")
	case "tool_use":
		out, _ = sjson.Set(out, "finish", "tool_calls")
	}
	return []byte(out)
}
