package parser

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/document/parser/pdf"
	einoParser "github.com/cloudwego/eino/components/document/parser"
	"github.com/rs/zerolog"
)

// DefaultExtractTimeout 单次文本提取的默认超时
const DefaultExtractTimeout = 30 * time.Second

// PDFTextExtractor 使用 Eino PDF Parser 提取文本，供评分器构造提示词
type PDFTextExtractor struct {
	parser  *pdf.PDFParser
	logger  zerolog.Logger
	timeout time.Duration
}

// PDFTextOption PDF提取器的配置选项
type PDFTextOption func(*PDFTextExtractor)

// WithExtractorLogger 配置日志记录器
func WithExtractorLogger(logger zerolog.Logger) PDFTextOption {
	return func(e *PDFTextExtractor) {
		e.logger = logger
	}
}

// WithExtractTimeout 配置单次提取超时，<=0 时保留默认值
func WithExtractTimeout(d time.Duration) PDFTextOption {
	return func(e *PDFTextExtractor) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// NewPDFTextExtractor 初始化提取器。不按页面分割，获取整个文档的连续文本
func NewPDFTextExtractor(ctx context.Context, options ...PDFTextOption) (*PDFTextExtractor, error) {
	p, err := pdf.NewPDFParser(ctx, &pdf.Config{
		ToPages: false,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Eino PDF parser: %w", err)
	}

	extractor := &PDFTextExtractor{
		parser:  p,
		logger:  zerolog.Nop(),
		timeout: DefaultExtractTimeout,
	}
	for _, option := range options {
		option(extractor)
	}
	return extractor, nil
}

// ExtractTextFromReader 从 io.Reader 中提取文本
// 返回: 提取的文本内容, 解析器元数据, 错误
func (e *PDFTextExtractor) ExtractTextFromReader(ctx context.Context, reader io.Reader, uri string) (string, map[string]interface{}, error) {
	extraMeta := map[string]interface{}{
		"source_uri":      uri,
		"extraction_time": time.Now().Format(time.RFC3339),
	}

	startTime := time.Now()
	e.logger.Debug().Str("uri", uri).Msg("开始提取PDF文本")

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	docs, err := e.parser.Parse(ctx, reader,
		einoParser.WithURI(uri),
		einoParser.WithExtraMeta(extraMeta),
	)

	duration := time.Since(startTime)
	if err != nil {
		e.logger.Warn().Err(err).Str("uri", uri).Dur("elapsed", duration).Msg("提取PDF文本失败")
		return "", extraMeta, fmt.Errorf("eino PDF parser failed for URI %s: %w", uri, err)
	}
	if len(docs) == 0 {
		return "", extraMeta, fmt.Errorf("eino PDF parser returned no documents for URI %s", uri)
	}

	var sb strings.Builder
	for i, doc := range docs {
		sb.WriteString(doc.Content)
		if i < len(docs)-1 {
			sb.WriteString("\n\n")
		}
	}
	fullContent := sb.String()

	finalMetadata := make(map[string]interface{})
	for k, v := range docs[0].MetaData {
		finalMetadata[k] = v
	}
	for k, v := range extraMeta {
		finalMetadata[k] = v
	}
	finalMetadata["processing_duration_ms"] = duration.Milliseconds()
	finalMetadata["document_count"] = len(docs)
	finalMetadata["text_length"] = len(fullContent)

	e.logger.Debug().
		Str("uri", uri).
		Int("chars", len(fullContent)).
		Dur("elapsed", duration).
		Msg("PDF文本提取完成")
	return fullContent, finalMetadata, nil
}

// ExtractTextFromBytes 从字节数组提取文本内容
func (e *PDFTextExtractor) ExtractTextFromBytes(ctx context.Context, data []byte, uri string) (string, map[string]interface{}, error) {
	if len(data) == 0 {
		return "", nil, fmt.Errorf("empty PDF content for URI %s", uri)
	}
	return e.ExtractTextFromReader(ctx, bytes.NewReader(data), uri)
}
