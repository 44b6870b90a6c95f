package parser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"resume-ingest/internal/tracing"
	"resume-ingest/internal/types"

	"github.com/cloudwego/eino/components/model"
	einoschema "github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var evaluatorTracer = otel.Tracer("resume-ingest/parser")

// DefaultMaxResumeChars 写入提示词的简历文本上限
const DefaultMaxResumeChars = 12000

// promptVerbs 模板依次填充公司、职位、岗位描述和简历文本
const promptVerbs = 4

var (
	ErrEmptyModelResponse = errors.New("LLM returned empty response")
	ErrNoJSONInResponse   = errors.New("no JSON object found in LLM response")
	ErrInvalidPrompt      = errors.New("prompt template must contain exactly 4 %s verbs")
)

// DocumentReader 按存储路径读取原始文件
type DocumentReader interface {
	Read(ctx context.Context, path string) ([]byte, error)
}

// TextExtractor 从 PDF 字节中提取纯文本
type TextExtractor interface {
	ExtractTextFromBytes(ctx context.Context, data []byte, uri string) (string, map[string]interface{}, error)
}

// FeedbackEvaluator 读取已上传的简历，调用聊天模型给出 ATS 评分与建议
type FeedbackEvaluator struct {
	llmModel       model.BaseChatModel
	reader         DocumentReader
	extractor      TextExtractor
	promptTemplate string
	systemPrompt   string
	maxResumeChars int
	timeout        time.Duration
	logger         zerolog.Logger
}

// FeedbackEvaluatorOption 评估器配置选项
type FeedbackEvaluatorOption func(*FeedbackEvaluator)

// WithPromptTemplate 设置自定义提示词模板，依次填充公司、职位、岗位描述和简历文本
func WithPromptTemplate(template string) FeedbackEvaluatorOption {
	return func(e *FeedbackEvaluator) {
		if strings.TrimSpace(template) != "" {
			e.promptTemplate = template
		}
	}
}

// WithMaxResumeChars 设置简历文本截断长度
func WithMaxResumeChars(n int) FeedbackEvaluatorOption {
	return func(e *FeedbackEvaluator) {
		if n > 0 {
			e.maxResumeChars = n
		}
	}
}

// WithEvalTimeout 设置单次评估超时
func WithEvalTimeout(d time.Duration) FeedbackEvaluatorOption {
	return func(e *FeedbackEvaluator) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithEvaluatorLogger 设置日志记录器
func WithEvaluatorLogger(logger zerolog.Logger) FeedbackEvaluatorOption {
	return func(e *FeedbackEvaluator) {
		e.logger = logger
	}
}

// NewFeedbackEvaluator 创建评估器
func NewFeedbackEvaluator(llmModel model.BaseChatModel, reader DocumentReader, extractor TextExtractor, options ...FeedbackEvaluatorOption) (*FeedbackEvaluator, error) {
	if llmModel == nil {
		return nil, fmt.Errorf("FeedbackEvaluator: llmModel is required")
	}
	if reader == nil || extractor == nil {
		return nil, fmt.Errorf("FeedbackEvaluator: document reader and text extractor are required")
	}

	e := &FeedbackEvaluator{
		llmModel:       llmModel,
		reader:         reader,
		extractor:      extractor,
		promptTemplate: defaultFeedbackPrompt,
		systemPrompt:   defaultSystemPrompt,
		maxResumeChars: DefaultMaxResumeChars,
		timeout:        90 * time.Second,
		logger:         zerolog.Nop(),
	}
	for _, opt := range options {
		opt(e)
	}
	if err := checkPromptTemplate(e.promptTemplate); err != nil {
		return nil, err
	}
	return e, nil
}

// checkPromptTemplate 模板只能包含 %s 动词（%% 除外），且数量与填充字段一致
func checkPromptTemplate(tmpl string) error {
	verbs := 0
	for i := 0; i < len(tmpl); i++ {
		if tmpl[i] != '%' {
			continue
		}
		if i+1 < len(tmpl) && tmpl[i+1] == '%' {
			i++
			continue
		}
		if i+1 >= len(tmpl) || tmpl[i+1] != 's' {
			return fmt.Errorf("%w: unsupported verb at offset %d", ErrInvalidPrompt, i)
		}
		verbs++
		i++
	}
	if verbs != promptVerbs {
		return fmt.Errorf("%w: got %d", ErrInvalidPrompt, verbs)
	}
	return nil
}

const defaultSystemPrompt = "You are an expert in ATS (Applicant Tracking System) and resume analysis. You reply with a single JSON object and nothing else."

const defaultFeedbackPrompt = `Please analyze and rate this resume and suggest how to improve it.
The rating can be low if the resume is bad. Be thorough and detailed.
If provided, take the job description into consideration.

Company name: %s
Job title: %s
Job description:
"""
%s
"""

Resume text:
"""
%s
"""

Return the analysis as a JSON object with exactly this shape:
{
  "overallScore": <integer 0-100>,
  "suggestions": [
    {"kind": "positive", "tip": "<what the resume does well>"},
    {"kind": "improvement", "tip": "<what should be improved>"}
  ]
}
Use double quotes for every key and string. Escape inner double quotes as \".
Do not wrap the JSON in markdown and do not add any other text.`

// Score 实现评分接口：读取原件 -> 提取文本 -> 调用模型 -> 解析并校验
func (e *FeedbackEvaluator) Score(ctx context.Context, req types.ScoreRequest) (*types.Feedback, error) {
	ctx, span := evaluatorTracer.Start(ctx, "FeedbackEvaluator.Score")
	defer span.End()
	span.SetAttributes(
		attribute.String("resume.path", req.ResumePath),
		attribute.String("job.title", tracing.SafeJobDescription(req.JobTitle)),
	)

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	data, err := e.reader.Read(ctx, req.ResumePath)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeObjectStorage)
		return nil, fmt.Errorf("读取简历原件失败 %s: %w", req.ResumePath, err)
	}

	resumeText, _, err := e.extractor.ExtractTextFromBytes(ctx, data, req.ResumePath)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeExternal)
		return nil, fmt.Errorf("提取简历文本失败: %w", err)
	}
	resumeText = truncateRunes(strings.TrimSpace(resumeText), e.maxResumeChars)

	feedback, err := e.Evaluate(ctx, req, resumeText)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeExternal)
		return nil, err
	}
	span.SetAttributes(attribute.Int("feedback.overall_score", feedback.OverallScore))
	span.SetStatus(codes.Ok, "")
	return feedback, nil
}

// Evaluate 基于已提取的简历文本调用模型
func (e *FeedbackEvaluator) Evaluate(ctx context.Context, req types.ScoreRequest, resumeText string) (*types.Feedback, error) {
	userContent := fmt.Sprintf(e.promptTemplate, req.CompanyName, req.JobTitle, req.JobDescription, resumeText)
	messages := []*einoschema.Message{
		einoschema.SystemMessage(e.systemPrompt),
		einoschema.UserMessage(userContent),
	}

	e.logger.Debug().
		Str("job_title", req.JobTitle).
		Int("resume_chars", utf8.RuneCountInString(resumeText)).
		Msg("请求模型评分")

	response, err := e.llmModel.Generate(ctx, messages)
	if err != nil {
		return nil, fmt.Errorf("FeedbackEvaluator: LLM call failed: %w", err)
	}
	if response == nil || strings.TrimSpace(response.Content) == "" {
		return nil, ErrEmptyModelResponse
	}

	return parseFeedback(response.Content)
}

// parseFeedback 从模型输出中解析 Feedback，解析失败时修复一次未转义的引号再试
func parseFeedback(content string) (*types.Feedback, error) {
	processed := strings.TrimPrefix(content, "\uFEFF")
	jsonStr := extractJSONObject(processed)
	if jsonStr == "" {
		return nil, fmt.Errorf("%w: %.200s", ErrNoJSONInResponse, processed)
	}
	if !utf8.ValidString(jsonStr) {
		jsonStr = strings.ToValidUTF8(jsonStr, "")
	}

	var feedback types.Feedback
	if err := json.Unmarshal([]byte(jsonStr), &feedback); err != nil {
		fixed := sanitizeJSON(jsonStr)
		feedback = types.Feedback{}
		if jsonErr := json.Unmarshal([]byte(fixed), &feedback); jsonErr != nil {
			return nil, fmt.Errorf("FeedbackEvaluator: failed to unmarshal LLM JSON response: %w (after sanitization: %v)", err, jsonErr)
		}
	}

	if err := feedback.Validate(); err != nil {
		return nil, fmt.Errorf("FeedbackEvaluator: invalid feedback: %w", err)
	}
	if feedback.Suggestions == nil {
		feedback.Suggestions = []types.Suggestion{}
	}
	return &feedback, nil
}

func truncateRunes(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	return string([]rune(s)[:max])
}

// extractJSONObject 返回文本中第一个括号配平的 JSON 对象。
// 先跳过字符串字面量内的括号；引号本身不配对（模型漏转义）时退回只数括号。
func extractJSONObject(text string) string {
	start := strings.Index(text, "{")
	if start == -1 {
		return ""
	}
	if end := matchBrace(text, start, true); end != -1 {
		return text[start : end+1]
	}
	if end := matchBrace(text, start, false); end != -1 {
		return text[start : end+1]
	}
	return ""
}

// matchBrace 返回与 text[start] 配对的 '}' 下标，找不到返回 -1
func matchBrace(text string, start int, trackStrings bool) int {
	level := 0
	inStr := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inStr {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inStr = false
			}
			continue
		}
		switch c {
		case '"':
			inStr = trackStrings
		case '{':
			level++
		case '}':
			level--
			if level == 0 {
				return i
			}
		}
	}
	return -1
}

// sanitizeJSON 把字符串字面量内部未转义的双引号改写为 \"。
// 下一个非空白字符是 : , ] } 时才认为该引号结束了字符串。
func sanitizeJSON(src string) string {
	var b strings.Builder
	inStr := false
	escaped := false

	for i := 0; i < len(src); i++ {
		c := src[i]

		switch {
		case c == '"' && !escaped:
			if !inStr {
				inStr = true
				b.WriteByte(c)
				break
			}
			j := i + 1
			for j < len(src) && (src[j] == ' ' || src[j] == '\t' || src[j] == '\n' || src[j] == '\r') {
				j++
			}
			if j < len(src) && (src[j] == ':' || src[j] == ',' || src[j] == ']' || src[j] == '}') {
				inStr = false
				b.WriteByte(c)
			} else {
				b.WriteString("\\\"")
			}
			escaped = false
		case c == '\\' && !escaped:
			escaped = true
			b.WriteByte(c)
		default:
			b.WriteByte(c)
			escaped = false
		}
	}
	return b.String()
}
