package openai

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/modelbridge/modelbridge/internal/apierror"
	"github.com/modelbridge/modelbridge/internal/sanitize"
	"github.com/modelbridge/modelbridge/internal/translator/translator"
)

func openaiOpts() translator.RequestOptions {
	return translator.RequestOptions{BackendModel: "gpt-5", Effort: "low"}
}

func TestConvertRequestSingleUserCollapsesToString(t *testing.T) {
	body := []byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"hello"}]}`)
	out, err := ConvertOpenAIRequestToResponses(body, openaiOpts())
	require.NoError(t, err)

	root := gjson.ParseBytes(out)
	assert.Equal(t, "gpt-5", root.Get("model").String())
	assert.Equal(t, gjson.String, root.Get("input").Type)
	assert.Equal(t, "hello", root.Get("input").String())
	assert.Equal(t, "low", root.Get("reasoning.effort").String())
}

func TestConvertRequestSystemMessageLeads(t *testing.T) {
	body := []byte(`{"model":"m","messages":[
		{"role":"system","content":"be brief"},
		{"role":"user","content":"hi"}
	]}`)
	out, err := ConvertOpenAIRequestToResponses(body, openaiOpts())
	require.NoError(t, err)

	turns := gjson.GetBytes(out, "input").Array()
	require.Len(t, turns, 2)
	assert.Equal(t, "system", turns[0].Get("role").String())
	assert.Equal(t, "be brief", turns[0].Get("content").String())
}

func TestConvertRequestSecondSystemBecomesUser(t *testing.T) {
	body := []byte(`{"model":"m","messages":[
		{"role":"system","content":"first"},
		{"role":"user","content":"hi"},
		{"role":"system","content":"second"}
	]}`)
	out, err := ConvertOpenAIRequestToResponses(body, openaiOpts())
	require.NoError(t, err)

	turns := gjson.GetBytes(out, "input").Array()
	require.Len(t, turns, 3)
	assert.Equal(t, "system", turns[0].Get("role").String())
	assert.Equal(t, "user", turns[2].Get("role").String())
	assert.Equal(t, "second", turns[2].Get("content").String())
}

func TestConvertRequestContentPartList(t *testing.T) {
	body := []byte(`{"model":"m","messages":[
		{"role":"user","content":[{"type":"text","text":"part one "},{"type":"text","text":"part two"}]}
	]}`)
	out, err := ConvertOpenAIRequestToResponses(body, openaiOpts())
	require.NoError(t, err)
	assert.Equal(t, "part one part two", gjson.GetBytes(out, "input").String())
}

func TestConvertRequestToolTrafficFlattens(t *testing.T) {
	body := []byte(`{"model":"m","messages":[
		{"role":"user","content":"weather?"},
		{"role":"assistant","content":"","tool_calls":[{"id":"call_1","type":"function","function":{"name":"get_weather","arguments":"{\"city\":\"Paris\"}"}}]},
		{"role":"tool","tool_call_id":"call_1","content":"sunny"}
	]}`)
	out, err := ConvertOpenAIRequestToResponses(body, openaiOpts())
	require.NoError(t, err)

	turns := gjson.GetBytes(out, "input").Array()
	require.Len(t, turns, 3)
	assert.Equal(t, `[Tool Call: get_weather({"city":"Paris"})]`, turns[1].Get("content").String())
	assert.Equal(t, "user", turns[2].Get("role").String())
	assert.Equal(t, "[Tool Result for call_1]: sunny", turns[2].Get("content").String())
}

func TestConvertRequestValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing messages", `{"model":"m"}`},
		{"empty messages", `{"model":"m","messages":[]}`},
		{"unknown role", `{"model":"m","messages":[{"role":"robot","content":"x"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ConvertOpenAIRequestToResponses([]byte(tt.body), openaiOpts())
			require.Error(t, err)
			assert.Equal(t, apierror.KindValidation, apierror.AsFailure(err).Kind)
		})
	}
}

func TestConvertRequestTokenLimits(t *testing.T) {
	body := []byte(`{"model":"m","max_tokens":100,"messages":[{"role":"user","content":"hi"}]}`)
	out, err := ConvertOpenAIRequestToResponses(body, openaiOpts())
	require.NoError(t, err)
	assert.Equal(t, int64(100), gjson.GetBytes(out, "max_output_tokens").Int())

	// max_completion_tokens wins over the deprecated max_tokens.
	body = []byte(`{"model":"m","max_tokens":100,"max_completion_tokens":200,"messages":[{"role":"user","content":"hi"}]}`)
	out, err = ConvertOpenAIRequestToResponses(body, openaiOpts())
	require.NoError(t, err)
	assert.Equal(t, int64(200), gjson.GetBytes(out, "max_output_tokens").Int())
}

func TestConvertRequestStopVariants(t *testing.T) {
	body := []byte(`{"model":"m","stop":"END","messages":[{"role":"user","content":"hi"}]}`)
	out, err := ConvertOpenAIRequestToResponses(body, openaiOpts())
	require.NoError(t, err)
	stops := gjson.GetBytes(out, "stop").Array()
	require.Len(t, stops, 1)
	assert.Equal(t, "END", stops[0].String())

	body = []byte(`{"model":"m","stop":["A","B"],"messages":[{"role":"user","content":"hi"}]}`)
	out, err = ConvertOpenAIRequestToResponses(body, openaiOpts())
	require.NoError(t, err)
	assert.Len(t, gjson.GetBytes(out, "stop").Array(), 2)
}

func TestConvertRequestResponseFormatPassthrough(t *testing.T) {
	body := []byte(`{"model":"m","response_format":{"type":"json_object"},"messages":[{"role":"user","content":"hi"}]}`)
	out, err := ConvertOpenAIRequestToResponses(body, openaiOpts())
	require.NoError(t, err)
	assert.Equal(t, "json_object", gjson.GetBytes(out, "response_format.type").String())
}

func TestConvertRequestToolsPassthrough(t *testing.T) {
	body := []byte(`{"model":"m","messages":[{"role":"user","content":"hi"}],
		"tools":[
			{"type":"function","function":{"name":"get_weather","description":"d","parameters":{"type":"object"}}},
			{"type":"web_search"}
		],
		"tool_choice":"auto"}`)
	out, err := ConvertOpenAIRequestToResponses(body, openaiOpts())
	require.NoError(t, err)

	root := gjson.ParseBytes(out)
	tools := root.Get("tools").Array()
	// Non-function tool types are dropped.
	require.Len(t, tools, 1)
	assert.Equal(t, "get_weather", tools[0].Get("function.name").String())
	assert.Equal(t, "auto", root.Get("tool_choice").String())
}

func TestConvertRequestSanitize(t *testing.T) {
	opts := openaiOpts()
	opts.Sanitize = true

	body := []byte(`{"model":"m","messages":[{"role":"user","content":"<iframe src=x></iframe>"}]}`)
	out, err := ConvertOpenAIRequestToResponses(body, opts)
	require.NoError(t, err)
	assert.Equal(t, sanitize.Placeholder, gjson.GetBytes(out, "input").String())
}

func TestConvertLegacyPromptBody(t *testing.T) {
	opts := openaiOpts()
	opts.Stream = true

	body := []byte(`{"model":"m","prompt":"complete this","max_tokens":50,"temperature":0.5}`)
	out, err := ConvertOpenAIRequestToResponses(body, opts)
	require.NoError(t, err)

	root := gjson.ParseBytes(out)
	assert.Equal(t, "complete this", root.Get("input").String())
	assert.Equal(t, int64(50), root.Get("max_output_tokens").Int())
	assert.InDelta(t, 0.5, root.Get("temperature").Float(), 0.001)
	assert.True(t, root.Get("stream").Bool())
}
