// Package llm 提供 OpenAI 兼容接口的聊天模型实现，供简历评分使用
package llm

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"resume-ingest/internal/config"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/cloudwego/hertz/pkg/app/client"
	"github.com/cloudwego/hertz/pkg/network/standard"
	"github.com/cloudwego/hertz/pkg/protocol"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/rs/zerolog"
)

const (
	// DefaultAPIURL DashScope 的 OpenAI 兼容地址
	DefaultAPIURL    = "https://dashscope.aliyuncs.com/compatible-mode/v1/chat/completions"
	DefaultModelName = "qwen-plus"
	defaultTimeout   = 60 * time.Second
)

// ErrStreamNotSupported 评分只需要一次性结果
var ErrStreamNotSupported = errors.New("streaming is not supported by ChatModel")

// APIError 接口返回了非 200 状态
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API 请求失败，状态 %d: %.500s", e.StatusCode, e.Body)
}

// Temporary 限流和服务端错误可以重试
func (e *APIError) Temporary() bool {
	return e.StatusCode == consts.StatusTooManyRequests || e.StatusCode >= consts.StatusInternalServerError
}

// ChatModel 实现 eino model.BaseChatModel，通过 hertz client 调用 OpenAI 兼容的 chat/completions 接口
type ChatModel struct {
	apiKey      string
	modelName   string
	apiURL      string
	temperature float32
	maxTokens   int
	timeout     time.Duration
	client      *client.Client
	logger      zerolog.Logger
}

// NewChatModel 根据配置创建聊天模型
func NewChatModel(cfg config.LLMConfig, logger zerolog.Logger) (*ChatModel, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("API 密钥不能为空")
	}

	mn := cfg.Model
	if strings.TrimSpace(mn) == "" {
		mn = DefaultModelName
	}
	url := cfg.APIURL
	if strings.TrimSpace(url) == "" {
		url = DefaultAPIURL
	}

	c, err := client.NewClient(
		client.WithDialer(standard.NewDialer()),
		client.WithTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12}),
		client.WithDialTimeout(10*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("创建 HTTP 客户端失败: %w", err)
	}

	logger.Info().Str("api_url", url).Str("model", mn).Msg("初始化 LLM 客户端")

	return &ChatModel{
		apiKey:      cfg.APIKey,
		modelName:   mn,
		apiURL:      url,
		temperature: float32(cfg.Temperature),
		maxTokens:   cfg.MaxTokens,
		timeout:     config.GetDuration(cfg.Timeout, defaultTimeout),
		client:      c,
		logger:      logger,
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float32      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
}

type chatCompletionChoice struct {
	Index   int `json:"index"`
	Message struct {
		Role    string  `json:"role"`
		Content *string `json:"content"`
	} `json:"message"`
	FinishReason string `json:"finish_reason"`
}

type chatCompletionResponse struct {
	ID      string                 `json:"id"`
	Model   string                 `json:"model"`
	Choices []chatCompletionChoice `json:"choices"`
	Usage   *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage,omitempty"`
}

// Generate 实现 model.BaseChatModel 接口
func (m *ChatModel) Generate(ctx context.Context, messages []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	temperature := m.temperature
	options := model.GetCommonOptions(&model.Options{
		Temperature: &temperature,
		Model:       &m.modelName,
	}, opts...)

	payload := chatCompletionRequest{
		Model:       m.modelName,
		Temperature: options.Temperature,
		Stop:        options.Stop,
	}
	if options.Model != nil && *options.Model != "" {
		payload.Model = *options.Model
	}
	if options.MaxTokens != nil {
		payload.MaxTokens = options.MaxTokens
	} else if m.maxTokens > 0 {
		maxTokens := m.maxTokens
		payload.MaxTokens = &maxTokens
	}
	for _, msg := range messages {
		if msg == nil {
			continue
		}
		payload.Messages = append(payload.Messages, chatMessage{Role: string(msg.Role), Content: msg.Content})
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("序列化请求体失败: %w", err)
	}

	req := protocol.AcquireRequest()
	resp := protocol.AcquireResponse()
	defer protocol.ReleaseRequest(req)
	defer protocol.ReleaseResponse(resp)

	req.SetRequestURI(m.apiURL)
	req.SetMethod(consts.MethodPost)
	req.Header.SetContentTypeBytes([]byte(consts.MIMEApplicationJSON))
	req.SetHeader("Authorization", "Bearer "+m.apiKey)
	req.SetBody(body)

	start := time.Now()
	if err := m.client.DoTimeout(ctx, req, resp, m.timeout); err != nil {
		return nil, fmt.Errorf("发送 HTTP 请求失败: %w", err)
	}

	respBody := resp.Body()
	m.logger.Debug().
		Int("status", resp.StatusCode()).
		Dur("elapsed", time.Since(start)).
		Int("bytes", len(respBody)).
		Msg("收到模型响应")

	if resp.StatusCode() != consts.StatusOK {
		return nil, &APIError{StatusCode: resp.StatusCode(), Body: string(respBody)}
	}

	var out chatCompletionResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("反序列化 API 响应失败: %w", err)
	}
	if len(out.Choices) == 0 {
		return nil, fmt.Errorf("从 API 收到空选项: %.500s", string(respBody))
	}

	choice := out.Choices[0].Message
	result := &schema.Message{
		Role: schema.RoleType(choice.Role),
	}
	if choice.Content != nil {
		result.Content = *choice.Content
	}
	if result.Role == "" {
		result.Role = schema.Assistant
	}
	if out.Usage != nil {
		result.ResponseMeta = &schema.ResponseMeta{
			FinishReason: out.Choices[0].FinishReason,
			Usage: &schema.TokenUsage{
				PromptTokens:     out.Usage.PromptTokens,
				CompletionTokens: out.Usage.CompletionTokens,
				TotalTokens:      out.Usage.TotalTokens,
			},
		}
	}
	return result, nil
}

// Stream 实现 model.BaseChatModel 接口
func (m *ChatModel) Stream(ctx context.Context, messages []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, ErrStreamNotSupported
}

// ModelName 当前使用的模型名
func (m *ChatModel) ModelName() string {
	return m.modelName
}

var _ model.BaseChatModel = (*ChatModel)(nil)
