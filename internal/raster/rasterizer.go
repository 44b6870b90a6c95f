package raster

import (
	"bytes"
	"context"
	"fmt"
	"image/png"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"resume-ingest/internal/tracing"
	"resume-ingest/internal/types"
)

// FailureKind 转换失败的分类
type FailureKind string

const (
	FailureEngine FailureKind = "engine" // 引擎不可用
	FailureDecode FailureKind = "decode" // 文件无法解码
	FailurePage   FailureKind = "page"   // 没有第一页
	FailureRender FailureKind = "render" // 渲染失败
	FailureEncode FailureKind = "encode" // PNG 编码结果为空
)

// Failure 转换失败的描述
type Failure struct {
	Kind    FailureKind
	Message string
	Err     error
}

func (f *Failure) Error() string {
	return f.Message
}

func (f *Failure) Unwrap() error {
	return f.Err
}

func newFailure(kind FailureKind, cause error) *Failure {
	return &Failure{
		Kind:    kind,
		Message: fmt.Sprintf("Failed to convert PDF: %v", cause),
		Err:     cause,
	}
}

// Result 转换结果，Image 与 Failure 恰有一个非空
type Result struct {
	Image   *types.RasterImage
	Failure *Failure
}

// OK 是否转换成功
func (r Result) OK() bool {
	return r.Image != nil && r.Failure == nil
}

// Rasterizer 把上传文档的第一页渲染为 PNG
type Rasterizer struct {
	registry *Registry
	logger   zerolog.Logger
	tracer   trace.Tracer
}

// NewRasterizer 创建转换器
func NewRasterizer(registry *Registry, logger zerolog.Logger) *Rasterizer {
	return &Rasterizer{
		registry: registry,
		logger:   logger.With().Str("component", "rasterizer").Logger(),
		tracer:   otel.Tracer("resume-ingest/raster"),
	}
}

// Rasterize 渲染第一页，失败以 Result.Failure 返回，不会 panic
func (r *Rasterizer) Rasterize(ctx context.Context, doc *types.UploadedDocument) (result Result) {
	ctx, span := r.tracer.Start(ctx, "Rasterizer.Rasterize")
	defer span.End()

	defer func() {
		if p := recover(); p != nil {
			result = Result{Failure: newFailure(FailureRender, fmt.Errorf("panic: %v", p))}
		}
		if result.Failure != nil {
			tracing.RecordErrorWithInfo(span, result.Failure, tracing.ErrorTypeRender,
				attribute.String("raster.failure_kind", string(result.Failure.Kind)))
			r.logger.Warn().Err(result.Failure.Err).Str("kind", string(result.Failure.Kind)).Msg("PDF 转换失败")
		}
	}()

	if doc == nil || len(doc.Data) == 0 {
		return Result{Failure: newFailure(FailureDecode, fmt.Errorf("empty document"))}
	}
	span.SetAttributes(
		attribute.String("document.file_name", tracing.SafeAttributeValue("file_name", doc.Name, tracing.DefaultMaxLength)),
		attribute.Int64("document.size", doc.Size),
	)

	engine, err := r.registry.Acquire(ctx)
	if err != nil {
		return Result{Failure: newFailure(FailureEngine, err)}
	}

	release, err := engine.acquireSlot(ctx)
	if err != nil {
		return Result{Failure: newFailure(FailureEngine, err)}
	}
	defer release()

	pdf, err := engine.decode(doc.Data)
	if err != nil {
		return Result{Failure: newFailure(FailureDecode, err)}
	}
	defer func() {
		if cerr := pdf.Close(); cerr != nil {
			r.logger.Debug().Err(cerr).Msg("关闭文档失败")
		}
	}()

	if pdf.NumPage() < 1 {
		return Result{Failure: newFailure(FailurePage, fmt.Errorf("document has no pages"))}
	}

	img, err := pdf.ImageDPI(0, engine.DPI())
	if err != nil {
		return Result{Failure: newFailure(FailureRender, err)}
	}
	if img == nil {
		return Result{Failure: newFailure(FailureRender, fmt.Errorf("page 1 rendered no image"))}
	}

	bounds := img.Bounds()
	var buf bytes.Buffer
	if bounds.Dx() > 0 && bounds.Dy() > 0 {
		encoder := png.Encoder{CompressionLevel: png.BestCompression}
		if err := encoder.Encode(&buf, img); err != nil {
			return Result{Failure: &Failure{Kind: FailureEncode, Message: "Failed to create image blob", Err: err}}
		}
	}
	if buf.Len() == 0 {
		return Result{Failure: &Failure{Kind: FailureEncode, Message: "Failed to create image blob", Err: fmt.Errorf("empty png output")}}
	}

	span.SetAttributes(
		attribute.Int("image.width", bounds.Dx()),
		attribute.Int("image.height", bounds.Dy()),
		attribute.Float64("image.dpi", engine.DPI()),
	)

	return Result{Image: &types.RasterImage{
		Name:      types.ImageNameFor(doc.Name),
		MediaType: "image/png",
		Width:     bounds.Dx(),
		Height:    bounds.Dy(),
		Data:      buf.Bytes(),
	}}
}
