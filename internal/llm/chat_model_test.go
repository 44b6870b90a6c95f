package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"resume-ingest/internal/config"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestModel(t *testing.T, url string) *ChatModel {
	t.Helper()
	m, err := NewChatModel(config.LLMConfig{
		APIKey:      "test-key",
		APIURL:      url,
		Model:       "qwen-test",
		Temperature: 0.2,
		MaxTokens:   256,
		Timeout:     "5s",
	}, zerolog.Nop())
	require.NoError(t, err)
	return m
}

func TestGenerate(t *testing.T) {
	var got chatCompletionRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","model":"qwen-test","choices":[{"index":0,"message":{"role":"assistant","content":"{\"overallScore\":70}"},"finish_reason":"stop"}],"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`))
	}))
	defer srv.Close()

	m := newTestModel(t, srv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msg, err := m.Generate(ctx, []*schema.Message{
		schema.SystemMessage("system"),
		schema.UserMessage("rate this"),
	})
	require.NoError(t, err)

	assert.Equal(t, "Bearer test-key", auth)
	assert.Equal(t, "qwen-test", got.Model)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "rate this", got.Messages[1].Content)
	require.NotNil(t, got.MaxTokens)
	assert.Equal(t, 256, *got.MaxTokens)
	require.NotNil(t, got.Temperature)
	assert.InDelta(t, 0.2, *got.Temperature, 0.0001)

	assert.Equal(t, schema.Assistant, msg.Role)
	assert.Equal(t, `{"overallScore":70}`, msg.Content)
	require.NotNil(t, msg.ResponseMeta)
	assert.Equal(t, 15, msg.ResponseMeta.Usage.TotalTokens)
}

func TestGenerateOptionsOverride(t *testing.T) {
	var got chatCompletionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	}))
	defer srv.Close()

	m := newTestModel(t, srv.URL)
	msg, err := m.Generate(context.Background(),
		[]*schema.Message{schema.UserMessage("hi")},
		model.WithModel("qwen-max"), model.WithMaxTokens(32))
	require.NoError(t, err)

	assert.Equal(t, "qwen-max", got.Model)
	assert.Equal(t, 32, *got.MaxTokens)
	assert.Equal(t, schema.Assistant, msg.Role, "缺省角色按 assistant 处理")
	assert.Equal(t, "ok", msg.Content)
}

func TestGenerateErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{name: "非200状态", status: http.StatusTooManyRequests, body: `{"error":"rate limited"}`},
		{name: "空选项", status: http.StatusOK, body: `{"choices":[]}`},
		{name: "非法JSON", status: http.StatusOK, body: `not json`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			m := newTestModel(t, srv.URL)
			_, err := m.Generate(context.Background(), []*schema.Message{schema.UserMessage("hi")})
			assert.Error(t, err)
		})
	}
}

func TestGenerateReturnsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`busy`))
	}))
	defer srv.Close()

	m := newTestModel(t, srv.URL)
	_, err := m.Generate(context.Background(), []*schema.Message{schema.UserMessage("hi")})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)
	assert.Equal(t, "busy", apiErr.Body)
	assert.True(t, apiErr.Temporary())
	assert.False(t, (&APIError{StatusCode: http.StatusBadRequest}).Temporary())
}

func TestNewChatModelDefaults(t *testing.T) {
	_, err := NewChatModel(config.LLMConfig{}, zerolog.Nop())
	assert.Error(t, err, "缺少 API Key 时应报错")

	m, err := NewChatModel(config.LLMConfig{APIKey: "k"}, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, DefaultModelName, m.ModelName())
	assert.Equal(t, DefaultAPIURL, m.apiURL)
	assert.Equal(t, defaultTimeout, m.timeout)

	_, err = m.Stream(context.Background(), nil)
	assert.ErrorIs(t, err, ErrStreamNotSupported)
}
