package azure

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/modelbridge/modelbridge/internal/apierror"
	"github.com/modelbridge/modelbridge/internal/backend"
)

func newTestClient(srv *httptest.Server) *Client {
	return &Client{
		opts: Options{
			BaseURL:    srv.URL,
			APIKey:     "test-key",
			Deployment: "gpt-5",
			Timeout:    5 * time.Second,
			UserAgent:  "modelbridge/1.0",
		},
		httpClient: srv.Client(),
		tracker:    backend.NewTracker("azure"),
	}
}

func TestNewValidatesOptions(t *testing.T) {
	valid := Options{BaseURL: "https://x.example/openai/v1", APIKey: "k", Deployment: "d", Timeout: time.Second}

	_, err := New(valid)
	assert.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Options)
		field  string
	}{
		{"plain http", func(o *Options) { o.BaseURL = "http://x.example" }, "base_url"},
		{"empty key", func(o *Options) { o.APIKey = "" }, "api_key"},
		{"empty deployment", func(o *Options) { o.Deployment = "" }, "deployment"},
		{"zero timeout", func(o *Options) { o.Timeout = 0 }, "timeout"},
		{"negative retries", func(o *Options) { o.MaxRetries = -1 }, "max_retries"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := valid
			tt.mutate(&opts)
			_, err := New(opts)
			require.Error(t, err)
			f := apierror.AsFailure(err)
			assert.Equal(t, apierror.KindValidation, f.Kind)
			assert.Equal(t, tt.field, f.Field)
		})
	}
}

func TestCreateResponseNormalizesUnary(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/responses", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("Api-Key"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		body, _ := io.ReadAll(r.Body)
		// Stream is forced off for the unary path.
		assert.False(t, gjson.GetBytes(body, "stream").Bool())

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id":"resp_1","created_at":1700000000,"model":"gpt-5","status":"completed",
			"output":[
				{"type":"reasoning","summary":[{"type":"summary_text","text":"thought about it"}]},
				{"type":"message","content":[{"type":"output_text","text":"hello "},{"type":"output_text","text":"world"}]}
			],
			"usage":{"input_tokens":10,"output_tokens":5,"total_tokens":15,"output_tokens_details":{"reasoning_tokens":2}}
		}`))
	}))
	defer srv.Close()

	c := newTestClient(srv)
	out, err := c.CreateResponse(context.Background(), []byte(`{"model":"gpt-5","input":"hi","stream":true}`))
	require.NoError(t, err)

	root := gjson.ParseBytes(out)
	assert.Equal(t, "resp_1", root.Get("id").String())
	assert.Equal(t, int64(1700000000), root.Get("created").Int())

	output := root.Get("output").Array()
	require.Len(t, output, 2)
	assert.Equal(t, "reasoning", output[0].Get("type").String())
	assert.Equal(t, "thought about it", output[0].Get("content").String())
	assert.Equal(t, "text", output[1].Get("type").String())
	assert.Equal(t, "hello world", output[1].Get("text").String())

	assert.Equal(t, int64(10), root.Get("usage.prompt_tokens").Int())
	assert.Equal(t, int64(5), root.Get("usage.completion_tokens").Int())
	assert.Equal(t, int64(15), root.Get("usage.total_tokens").Int())
	assert.Equal(t, int64(2), root.Get("usage.reasoning_tokens").Int())
	assert.False(t, root.Get("finish").Exists())
}

func TestCreateResponseTruncationFinish(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{
			"id":"resp_1","model":"gpt-5","status":"incomplete",
			"incomplete_details":{"reason":"max_output_tokens"},
			"output":[{"type":"message","content":[{"type":"output_text","text":"cut"}]}],
			"usage":{"input_tokens":1,"output_tokens":1}
		}`))
	}))
	defer srv.Close()

	out, err := newTestClient(srv).CreateResponse(context.Background(), []byte(`{"input":"hi"}`))
	require.NoError(t, err)
	assert.Equal(t, "length", gjson.GetBytes(out, "finish").String())
}

func TestCreateResponseStatusClassification(t *testing.T) {
	tests := []struct {
		status int
		want   apierror.Kind
	}{
		{http.StatusUnauthorized, apierror.KindAuthentication},
		{http.StatusNotFound, apierror.KindNotFound},
		{http.StatusInternalServerError, apierror.KindUpstream5xx},
		{http.StatusBadRequest, apierror.KindValidation},
	}
	for _, tt := range tests {
		srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		}))
		_, err := newTestClient(srv).CreateResponse(context.Background(), []byte(`{}`))
		srv.Close()
		require.Error(t, err, "status %d", tt.status)
		assert.Equal(t, tt.want, apierror.AsFailure(err).Kind, "status %d", tt.status)
	}
}

func TestCreateResponseRateLimitRetryAfter(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := newTestClient(srv).CreateResponse(context.Background(), []byte(`{}`))
	require.Error(t, err)
	f := apierror.AsFailure(err)
	assert.Equal(t, apierror.KindRateLimit, f.Kind)
	assert.Equal(t, 7*time.Second, f.RetryAfter)
}

func sseBody(events ...string) string {
	out := ""
	for _, e := range events {
		out += "data: " + e + "\n\n"
	}
	return out
}

func collectStream(t *testing.T, chunks <-chan []byte, errs <-chan error) ([][]byte, error) {
	t.Helper()
	var got [][]byte
	for chunk := range chunks {
		got = append(got, chunk)
	}
	select {
	case err := <-errs:
		return got, err
	case <-time.After(time.Second):
		t.Fatal("error channel did not close")
		return nil, nil
	}
}

func TestCreateResponseStreamConvertsEvents(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		body, _ := io.ReadAll(r.Body)
		assert.True(t, gjson.GetBytes(body, "stream").Bool())

		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(sseBody(
			`{"type":"response.created","response":{"id":"resp_1","created_at":1700000000,"model":"gpt-5"}}`,
			`{"type":"response.in_progress"}`,
			`{"type":"response.output_text.delta","delta":"hel"}`,
			`{"type":"response.reasoning_text.delta","delta":"mulling"}`,
			`{"type":"response.output_text.delta","delta":"lo"}`,
			`{"type":"response.output_item.added","item":{"type":"function_call","call_id":"call_1","name":"get_weather","arguments":"{}"}}`,
			`{"type":"response.output_text.done"}`,
			`{"type":"response.completed","response":{"id":"resp_1","created_at":1700000000,"model":"gpt-5","output":[{"type":"message","content":[{"type":"output_text","text":"hello"}]}],"usage":{"input_tokens":3,"output_tokens":2,"total_tokens":5}}}`,
		)))
	}))
	defer srv.Close()

	chunks, errs := newTestClient(srv).CreateResponseStream(context.Background(), []byte(`{"input":"hi"}`))
	got, err := collectStream(t, chunks, errs)
	require.NoError(t, err)
	require.Len(t, got, 6)

	head := gjson.ParseBytes(got[0])
	assert.Equal(t, "resp_1", head.Get("id").String())
	assert.Empty(t, head.Get("output").Array())

	assert.Equal(t, "hel", gjson.GetBytes(got[1], "output.0.delta").String())
	assert.Equal(t, "reasoning", gjson.GetBytes(got[2], "output.0.type").String())
	assert.Equal(t, "lo", gjson.GetBytes(got[3], "output.0.delta").String())

	tool := gjson.GetBytes(got[4], "output.0")
	assert.Equal(t, "tool_call", tool.Get("type").String())
	assert.Equal(t, "call_1", tool.Get("id").String())

	final := gjson.ParseBytes(got[5])
	assert.True(t, final.Get("usage").Exists())
	assert.Equal(t, int64(5), final.Get("usage.total_tokens").Int())
}

func TestCreateResponseStreamFailureEvent(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(sseBody(
			`{"type":"response.created","response":{"id":"resp_1"}}`,
			`{"type":"response.failed","response":{"error":{"message":"capacity exhausted"}}}`,
		)))
	}))
	defer srv.Close()

	chunks, errs := newTestClient(srv).CreateResponseStream(context.Background(), []byte(`{}`))
	got, err := collectStream(t, chunks, errs)
	require.Error(t, err)
	assert.Len(t, got, 1)
	f := apierror.AsFailure(err)
	assert.Equal(t, apierror.KindUpstream5xx, f.Kind)
	assert.Contains(t, f.Message, "capacity exhausted")
}

func TestCreateResponseStreamImmediateHTTPError(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	chunks, errs := newTestClient(srv).CreateResponseStream(context.Background(), []byte(`{}`))
	got, err := collectStream(t, chunks, errs)
	require.Error(t, err)
	assert.Empty(t, got)
	assert.Equal(t, apierror.KindUpstream5xx, apierror.AsFailure(err).Kind)
}

func TestResourceTrackingReleases(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"r","output":[],"usage":{}}`))
	}))
	defer srv.Close()

	c := newTestClient(srv)
	_, err := c.CreateResponse(context.Background(), []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, 0, c.ActiveResources())
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, time.Duration(0), parseRetryAfter(""))
	assert.Equal(t, 30*time.Second, parseRetryAfter("30"))
	assert.Equal(t, time.Duration(0), parseRetryAfter("garbage"))

	future := time.Now().Add(time.Minute).UTC().Format(http.TimeFormat)
	d := parseRetryAfter(future)
	assert.Greater(t, d, 50*time.Second)

	past := time.Now().Add(-time.Minute).UTC().Format(http.TimeFormat)
	assert.Equal(t, time.Duration(0), parseRetryAfter(past))
}
