package processor // 上传 -> 转换 -> 上传图片 -> 保存记录 -> 请求评分 的顺序流水线

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"resume-ingest/internal/constants"
	"resume-ingest/internal/preview"
	"resume-ingest/internal/storage"
	"resume-ingest/internal/tracing"
	"resume-ingest/internal/types"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("resume-ingest/processor")

const compensationTimeout = 10 * time.Second

// Submission 一次提交的输入
type Submission struct {
	Document       *types.UploadedDocument
	CompanyName    string
	JobTitle       string
	JobDescription string
}

// Outcome 一次运行的最终结果
type Outcome struct {
	RunID  string
	Status Status
	Record *types.SubmissionRecord // 保存成功后非空
	Err    error
}

// Pipeline 顺序执行各阶段，任何阶段失败即停止并报告
type Pipeline struct {
	objects    ObjectStore
	records    RecordStore
	rasterizer Rasterizer
	scorer     Scorer
	publisher  EventPublisher
	ledger     RunLedger
	previews   *preview.Registry
	tracker    *Tracker

	settings Settings
	logger   zerolog.Logger

	wg sync.WaitGroup
}

// runState 单次运行的可变状态，只在运行所在的 goroutine 内访问
type runState struct {
	id        string
	sub       Submission
	observe   Observer
	createdAt time.Time

	status       Status
	history      []Status
	resumePath   string
	imagePath    string
	image        *types.RasterImage
	handle       preview.Handle
	submissionID string
	record       *types.SubmissionRecord
	persisted    bool
}

// NewPipeline 使用明确分离的组件和设置创建流水线
func NewPipeline(comp *Components, set *Settings, opts ...SettingOpt) (*Pipeline, error) {
	if comp == nil {
		return nil, fmt.Errorf("%w: components", ErrComponentNotInit)
	}
	if set == nil {
		set = DefaultSettings()
	}
	for _, opt := range opts {
		opt(set)
	}

	defaults := DefaultSettings()
	if set.SubmissionIDs == nil {
		set.SubmissionIDs = defaults.SubmissionIDs
	}
	if set.RunIDs == nil {
		set.RunIDs = defaults.RunIDs
	}
	if set.Now == nil {
		set.Now = defaults.Now
	}
	if set.EventTimeout <= 0 {
		set.EventTimeout = defaults.EventTimeout
	}
	if set.LedgerTimeout <= 0 {
		set.LedgerTimeout = defaults.LedgerTimeout
	}

	switch {
	case comp.ObjectStore == nil:
		return nil, fmt.Errorf("%w: object store", ErrComponentNotInit)
	case comp.RecordStore == nil:
		return nil, fmt.Errorf("%w: record store", ErrComponentNotInit)
	case comp.Rasterizer == nil:
		return nil, fmt.Errorf("%w: rasterizer", ErrComponentNotInit)
	case comp.Scorer == nil:
		return nil, fmt.Errorf("%w: scorer", ErrComponentNotInit)
	}

	tracker := comp.Tracker
	if tracker == nil {
		tracker = NewTracker()
	}

	return &Pipeline{
		objects:    comp.ObjectStore,
		records:    comp.RecordStore,
		rasterizer: comp.Rasterizer,
		scorer:     comp.Scorer,
		publisher:  comp.Publisher,
		ledger:     comp.Ledger,
		previews:   comp.Previews,
		tracker:    tracker,
		settings:   *set,
		logger:     set.Logger.With().Str("component", "pipeline").Logger(),
	}, nil
}

// CreatePipeline 便捷工厂函数，用选项创建组件和设置并构造流水线
func CreatePipeline(compOpts []ComponentOpt, setOpts []SettingOpt) (*Pipeline, error) {
	components := &Components{}
	for _, opt := range compOpts {
		opt(components)
	}
	return NewPipeline(components, DefaultSettings(), setOpts...)
}

// Tracker 返回运行状态跟踪器
func (p *Pipeline) Tracker() *Tracker {
	return p.tracker
}

// Run 同步执行一次完整运行
func (p *Pipeline) Run(ctx context.Context, sub Submission, observe Observer) *Outcome {
	runID, err := p.settings.RunIDs()
	if err != nil {
		return &Outcome{Err: NewUnexpectedError("", err.Error())}
	}
	p.tracker.Begin(runID, sub, p.settings.Now())
	return p.execute(ctx, runID, sub, observe)
}

// Start 在后台启动一次运行并立即返回运行 ID。
// 运行不随 ctx 取消，但保留 ctx 中的 trace 信息。
func (p *Pipeline) Start(ctx context.Context, sub Submission, observe Observer) (string, error) {
	runID, err := p.settings.RunIDs()
	if err != nil {
		return "", NewUnexpectedError("", err.Error())
	}
	p.tracker.Begin(runID, sub, p.settings.Now())

	bg := context.WithoutCancel(ctx)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.execute(bg, runID, sub, observe)
	}()
	return runID, nil
}

// Wait 等待所有后台运行结束，ctx 结束时提前返回
func (p *Pipeline) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type stageFunc func(ctx context.Context, r *runState) error

func (p *Pipeline) execute(ctx context.Context, runID string, sub Submission, observe Observer) (out *Outcome) {
	ctx, span := tracer.Start(ctx, "Pipeline.Run", trace.WithAttributes(
		attribute.String("run.id", runID),
	))
	defer span.End()

	r := &runState{
		id:        runID,
		sub:       sub,
		observe:   observe,
		createdAt: p.settings.Now(),
	}
	log := p.logger.With().Str("run_id", runID).Logger()

	defer func() {
		if rec := recover(); rec != nil {
			log.Error().
				Interface("panic", rec).
				Str("stage", string(r.status.Stage)).
				Bytes("stack", debug.Stack()).
				Msg("流水线发生panic，已恢复")
			err := NewUnexpectedError(runID, fmt.Sprint(rec))
			tracing.RecordError(span, err, tracing.ErrorTypeInternal)
			out = p.fail(ctx, r, r.status.Stage, UnexpectedFailureText, err)
		}
	}()

	steps := []struct {
		stage Stage
		fn    stageFunc
	}{
		{StageUploadingOriginal, p.uploadOriginal},
		{StageConvertingToImage, p.convert},
		{StageUploadingImage, p.uploadImage},
		{StagePersistingMetadata, p.persist},
		{StageRequestingFeedback, p.requestFeedback},
	}

	for _, step := range steps {
		if err := p.runStage(ctx, r, step.stage, step.fn); err != nil {
			log.Warn().Err(err).Str("stage", string(step.stage)).Msg("阶段失败，停止处理")
			tracing.RecordError(span, err, tracing.ErrorTypeInternal)
			return p.fail(ctx, r, step.stage, FailureText(step.stage), err)
		}
	}

	p.releasePreview(r)
	p.emit(ctx, r, StageDone, StatusText(StageDone), "", "")
	span.SetStatus(codes.Ok, "")
	log.Info().Str("submission_id", r.submissionID).Msg("处理完成")
	return p.outcome(r, nil)
}

func (p *Pipeline) runStage(ctx context.Context, r *runState, stage Stage, fn stageFunc) error {
	p.emit(ctx, r, stage, StatusText(stage), "", "")

	stageCtx, span := tracer.Start(ctx, "Pipeline."+string(stage))
	defer span.End()

	if err := fn(stageCtx, r); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

// 阶段 1：上传原始文件
func (p *Pipeline) uploadOriginal(ctx context.Context, r *runState) error {
	doc := r.sub.Document
	if doc == nil || len(doc.Data) == 0 {
		return NewUploadError(r.id, ErrNoDocument)
	}

	key := fmt.Sprintf(constants.ObjectKeyOriginal, r.id, safeObjectName(doc.Name, "resume.pdf"))
	path, err := p.objects.Upload(ctx, key, doc.MediaType, doc.Data)
	if err != nil {
		return NewUploadError(r.id, err)
	}
	if path == "" {
		return NewUploadError(r.id, errors.New("对象存储未返回路径"))
	}
	r.resumePath = path
	return nil
}

// 阶段 2：渲染首页
func (p *Pipeline) convert(ctx context.Context, r *runState) error {
	result := p.rasterizer.Rasterize(ctx, r.sub.Document)
	if !result.OK() {
		if result.Failure != nil {
			return NewConvertError(r.id, result.Failure)
		}
		return NewConvertError(r.id, errors.New("渲染器未返回图片"))
	}
	r.image = result.Image
	return nil
}

// 阶段 3：上传图片并打开展示句柄
func (p *Pipeline) uploadImage(ctx context.Context, r *runState) error {
	img := r.image
	key := fmt.Sprintf(constants.ObjectKeyImage, r.id, safeObjectName(img.Name, "resume.png"))
	path, err := p.objects.Upload(ctx, key, img.MediaType, img.Data)
	if err != nil {
		return NewImageUploadError(r.id, err)
	}
	if path == "" {
		return NewImageUploadError(r.id, errors.New("对象存储未返回路径"))
	}
	r.imagePath = path

	if p.previews != nil {
		r.handle = p.previews.Open(img.Name, img.MediaType, img.Data)
	}
	return nil
}

// 阶段 4：生成 ID 并写入 feedback 为空的记录
func (p *Pipeline) persist(ctx context.Context, r *runState) error {
	id, err := p.settings.SubmissionIDs()
	if err != nil {
		return NewPersistError(r.id, err)
	}

	record := &types.SubmissionRecord{
		ID:             id,
		ResumePath:     r.resumePath,
		ImagePath:      r.imagePath,
		CompanyName:    r.sub.CompanyName,
		JobTitle:       r.sub.JobTitle,
		JobDescription: r.sub.JobDescription,
	}
	if err := p.writeRecord(ctx, record); err != nil {
		return NewPersistError(r.id, err)
	}

	r.submissionID = id
	r.record = record
	r.persisted = true
	p.publish(ctx, r, constants.EventResumeSubmitted, "")
	return nil
}

// 阶段 5：请求评分并覆盖同一条记录
func (p *Pipeline) requestFeedback(ctx context.Context, r *runState) error {
	feedback, err := p.scorer.Score(ctx, types.ScoreRequest{
		SubmissionID:   r.submissionID,
		CompanyName:    r.sub.CompanyName,
		JobTitle:       r.sub.JobTitle,
		JobDescription: r.sub.JobDescription,
		ResumePath:     r.resumePath,
		ImagePath:      r.imagePath,
	})
	if err != nil {
		return NewFeedbackError(r.id, err)
	}
	if err := feedback.Validate(); err != nil {
		return NewFeedbackError(r.id, err)
	}

	updated := *r.record
	updated.Feedback = feedback
	if err := p.writeRecord(ctx, &updated); err != nil {
		return NewFeedbackError(r.id, err)
	}
	r.record = &updated
	p.publish(ctx, r, constants.EventResumeFeedbackCompleted, "")
	return nil
}

func (p *Pipeline) writeRecord(ctx context.Context, record *types.SubmissionRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("序列化提交记录失败: %w", err)
	}
	return p.records.Set(ctx, constants.ResumeKey(record.ID), string(data))
}

// fail 进入错误状态：未保存记录时删除已上传的文件，释放展示句柄
func (p *Pipeline) fail(ctx context.Context, r *runState, failedAt Stage, text string, err error) *Outcome {
	if !r.persisted {
		p.compensate(ctx, r)
	}
	if failedAt == StageRequestingFeedback {
		p.publish(ctx, r, constants.EventResumeFeedbackFailed, errString(err))
	}
	p.releasePreview(r)
	p.emit(ctx, r, StageError, text, failedAt, errString(err))
	return p.outcome(r, err)
}

func (p *Pipeline) compensate(ctx context.Context, r *runState) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()

	paths := []string{r.imagePath, r.resumePath}
	r.imagePath = ""
	r.resumePath = ""
	for _, path := range paths {
		if path == "" {
			continue
		}
		if err := p.objects.Delete(ctx, path); err != nil {
			p.logger.Warn().Err(err).Str("run_id", r.id).Str("path", path).Msg("补偿删除失败")
			continue
		}
		p.logger.Debug().Str("run_id", r.id).Str("path", path).Msg("已删除未关联记录的文件")
	}
}

func (p *Pipeline) releasePreview(r *runState) {
	if p.previews == nil || r.handle == "" {
		return
	}
	p.previews.Release(r.handle)
	r.handle = ""
}

func (p *Pipeline) publish(ctx context.Context, r *runState, eventType, errMsg string) {
	if p.publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.settings.EventTimeout)
	defer cancel()

	event := storage.SubmissionEvent{
		EventType:    eventType,
		SubmissionID: r.submissionID,
		RunID:        r.id,
		ResumePath:   r.resumePath,
		ImagePath:    r.imagePath,
		CompanyName:  r.sub.CompanyName,
		JobTitle:     r.sub.JobTitle,
		Error:        errMsg,
		OccurredAt:   p.settings.Now(),
	}
	if r.record != nil && r.record.Feedback != nil {
		score := r.record.Feedback.OverallScore
		event.OverallScore = &score
	}
	if err := p.publisher.Publish(ctx, event); err != nil {
		p.logger.Warn().Err(err).Str("run_id", r.id).Str("event", eventType).Msg("发布事件失败")
	}
}

// emit 记录并分发一次状态变化
func (p *Pipeline) emit(ctx context.Context, r *runState, stage Stage, text string, failedAt Stage, errMsg string) {
	st := Status{
		RunID:        r.id,
		Stage:        stage,
		Text:         text,
		FailedAt:     failedAt,
		Error:        errMsg,
		SubmissionID: r.submissionID,
		ResumePath:   r.resumePath,
		ImagePath:    r.imagePath,
		Preview:      r.handle,
		At:           p.settings.Now(),
	}
	r.status = st
	r.history = append(r.history, st)

	p.tracker.Update(st)
	p.recordLedger(ctx, r)
	p.notify(r, st)
}

func (p *Pipeline) notify(r *runState, st Status) {
	if r.observe == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			p.logger.Error().Interface("panic", rec).Str("run_id", r.id).Msg("状态回调发生panic")
		}
	}()
	r.observe(st)
}

func (p *Pipeline) outcome(r *runState, err error) *Outcome {
	out := &Outcome{RunID: r.id, Status: r.status, Err: err}
	if r.record != nil {
		rec := *r.record
		out.Record = &rec
	}
	return out
}

// safeObjectName 只保留文件名部分，避免对象键中出现目录
func safeObjectName(name, fallback string) string {
	base := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if base == "." || base == "/" || base == "" {
		return fallback
	}
	return base
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
