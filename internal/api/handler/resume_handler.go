package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"strings"
	"time"

	"resume-ingest/internal/acquisition"
	"resume-ingest/internal/config"
	"resume-ingest/internal/preview"
	"resume-ingest/internal/processor"
	"resume-ingest/internal/rating"
	"resume-ingest/internal/storage"
	"resume-ingest/internal/types"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/utils"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/rs/zerolog"
)

// 表单字段名，与上传页面一致
const (
	FormFile           = "file"
	FormCompanyName    = "company-name"
	FormJobTitle       = "job-title"
	FormJobDescription = "job-description"
)

// Pipeline 处理流水线
type Pipeline interface {
	Start(ctx context.Context, sub processor.Submission, observe processor.Observer) (string, error)
	Run(ctx context.Context, sub processor.Submission, observe processor.Observer) *processor.Outcome
	Tracker() *processor.Tracker
}

// ObjectReader 读取已上传的对象
type ObjectReader interface {
	Read(ctx context.Context, path string) ([]byte, error)
}

// Presigner 可选，对象存储支持时返回预签名地址
type Presigner interface {
	PresignedURL(ctx context.Context, path string, expiry time.Duration) (string, error)
}

// HealthChecker 返回各依赖的状态
type HealthChecker interface {
	Health(ctx context.Context) map[string]string
}

// Deps 处理器依赖
type Deps struct {
	Pipeline Pipeline
	Records  processor.RecordStore
	Objects  ObjectReader
	Previews *preview.Registry
	Health   HealthChecker
	Runs     processor.RunReader // 可选，跟踪器中找不到运行时查询台账
}

// ResumeHandler 简历上传与查询接口
type ResumeHandler struct {
	pipeline      Pipeline
	records       processor.RecordStore
	objects       ObjectReader
	previews      *preview.Registry
	health        HealthChecker
	runs          processor.RunReader
	policy        acquisition.Policy
	presignExpiry time.Duration
	logger        zerolog.Logger
}

// NewResumeHandler 创建处理器
func NewResumeHandler(cfg *config.Config, deps Deps, logger zerolog.Logger) (*ResumeHandler, error) {
	if cfg == nil {
		return nil, errors.New("配置不能为空")
	}
	switch {
	case deps.Pipeline == nil:
		return nil, fmt.Errorf("%w: pipeline", processor.ErrComponentNotInit)
	case deps.Records == nil:
		return nil, fmt.Errorf("%w: record store", processor.ErrComponentNotInit)
	case deps.Objects == nil:
		return nil, fmt.Errorf("%w: object store", processor.ErrComponentNotInit)
	case deps.Previews == nil:
		return nil, fmt.Errorf("%w: preview registry", processor.ErrComponentNotInit)
	}

	return &ResumeHandler{
		pipeline: deps.Pipeline,
		records:  deps.Records,
		objects:  deps.Objects,
		previews: deps.Previews,
		health:   deps.Health,
		runs:     deps.Runs,
		policy: acquisition.Policy{
			MaxSize:      cfg.Upload.MaxSizeBytes,
			AllowedTypes: cfg.Upload.AllowedTypes,
		},
		presignExpiry: config.GetDuration(cfg.Preview.TTL, 10*time.Minute),
		logger:        logger.With().Str("component", "resume_handler").Logger(),
	}, nil
}

// RecordView 提交记录及其评分分级
type RecordView struct {
	Record *types.SubmissionRecord `json:"record"`
	Rating *rating.Rating          `json:"rating,omitempty"`
}

func newRecordView(rec *types.SubmissionRecord) RecordView {
	view := RecordView{Record: rec}
	if rec.HasFeedback() {
		r := rating.Classify(rec.Feedback.OverallScore)
		view.Rating = &r
	}
	return view
}

// UploadResponse 上传响应
type UploadResponse struct {
	RunID  string           `json:"run_id"`
	Status processor.Status `json:"status"`
	Result *RecordView      `json:"result,omitempty"`
}

// ImageResponse 图片展示句柄
type ImageResponse struct {
	Handle       preview.Handle `json:"handle"`
	URL          string         `json:"url"`
	PresignedURL string         `json:"presigned_url,omitempty"`
}

// HandleUpload 接收 multipart 表单并启动处理。
// 默认异步返回 202；wait=true 时同步等待处理结束。
func (h *ResumeHandler) HandleUpload(c context.Context, ctx *app.RequestContext) {
	companyName := strings.TrimSpace(ctx.PostForm(FormCompanyName))
	jobTitle := strings.TrimSpace(ctx.PostForm(FormJobTitle))
	jobDescription := strings.TrimSpace(ctx.PostForm(FormJobDescription))
	if companyName == "" || jobTitle == "" || jobDescription == "" {
		ctx.JSON(consts.StatusBadRequest, utils.H{
			"error": fmt.Sprintf("%s, %s and %s are required", FormCompanyName, FormJobTitle, FormJobDescription),
		})
		return
	}

	var candidates []acquisition.Candidate
	if fh, err := ctx.FormFile(FormFile); err == nil {
		candidates = append(candidates, h.candidateFrom(fh))
	}

	acq := acquisition.NewAcquirer(h.policy, nil, h.logger)
	doc := acq.Pick(candidates)
	if doc == nil {
		rej := acq.LastRejection()
		ctx.JSON(consts.StatusBadRequest, utils.H{
			"error":  rej.Message,
			"reason": rej.Reason.Error(),
		})
		return
	}

	sub := processor.Submission{
		Document:       doc,
		CompanyName:    companyName,
		JobTitle:       jobTitle,
		JobDescription: jobDescription,
	}

	if ctx.Query("wait") == "true" {
		out := h.pipeline.Run(c, sub, nil)
		resp := UploadResponse{RunID: out.RunID, Status: out.Status}
		if out.Record != nil {
			view := newRecordView(out.Record)
			resp.Result = &view
		}
		if out.Err != nil {
			h.logger.Warn().Err(out.Err).Str("run_id", out.RunID).Msg("同步处理失败")
			ctx.JSON(consts.StatusInternalServerError, resp)
			return
		}
		ctx.JSON(consts.StatusOK, resp)
		return
	}

	runID, err := h.pipeline.Start(c, sub, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("启动处理失败")
		ctx.JSON(consts.StatusInternalServerError, utils.H{"error": processor.UnexpectedFailureText})
		return
	}
	st, _ := h.pipeline.Tracker().Get(runID)
	ctx.JSON(consts.StatusAccepted, UploadResponse{RunID: runID, Status: st})
}

func (h *ResumeHandler) candidateFrom(fh *multipart.FileHeader) acquisition.Candidate {
	limit := h.policy.MaxSize
	return acquisition.Candidate{
		Name:      fh.Filename,
		MediaType: fh.Header.Get("Content-Type"),
		Size:      fh.Size,
		Open: func() ([]byte, error) {
			f, err := fh.Open()
			if err != nil {
				return nil, err
			}
			defer f.Close()
			// 多读一个字节，超限由 acquisition 判断
			return io.ReadAll(io.LimitReader(f, limit+1))
		},
	}
}

// HandleGetRun 返回一次运行的最新状态和历史。
// 跟踪器只保留最近的运行，更早的运行从台账还原。
func (h *ResumeHandler) HandleGetRun(c context.Context, ctx *app.RequestContext) {
	runID := ctx.Param("id")
	if info, ok := h.pipeline.Tracker().Info(runID); ok {
		ctx.JSON(consts.StatusOK, info)
		return
	}
	if h.runs == nil {
		ctx.JSON(consts.StatusNotFound, utils.H{"error": "run not found"})
		return
	}

	run, err := h.runs.GetRun(c, runID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			ctx.JSON(consts.StatusNotFound, utils.H{"error": "run not found"})
			return
		}
		h.logger.Error().Err(err).Str("run_id", runID).Msg("查询台账失败")
		ctx.JSON(consts.StatusInternalServerError, utils.H{"error": "failed to load run"})
		return
	}
	info, err := processor.RunInfoFromLedger(run)
	if err != nil {
		h.logger.Error().Err(err).Str("run_id", runID).Msg("还原运行信息失败")
		ctx.JSON(consts.StatusInternalServerError, utils.H{"error": "failed to load run"})
		return
	}
	ctx.JSON(consts.StatusOK, info)
}

// HandleListRuns 返回进程内所有运行的最新状态
func (h *ResumeHandler) HandleListRuns(c context.Context, ctx *app.RequestContext) {
	tracker := h.pipeline.Tracker()
	ctx.JSON(consts.StatusOK, utils.H{
		"runs":   tracker.List(),
		"active": tracker.Active(),
	})
}

// HandleListResumes 列出所有提交记录
func (h *ResumeHandler) HandleListResumes(c context.Context, ctx *app.RequestContext) {
	records, err := processor.ListRecords(c, h.records, h.logger)
	if err != nil {
		h.logger.Error().Err(err).Msg("列出提交记录失败")
		ctx.JSON(consts.StatusInternalServerError, utils.H{"error": "failed to list resumes"})
		return
	}
	views := make([]RecordView, 0, len(records))
	for i := range records {
		views = append(views, newRecordView(&records[i]))
	}
	ctx.JSON(consts.StatusOK, utils.H{"resumes": views, "total": len(views)})
}

// HandleGetResume 返回单条提交记录
func (h *ResumeHandler) HandleGetResume(c context.Context, ctx *app.RequestContext) {
	rec, ok := h.loadRecord(c, ctx)
	if !ok {
		return
	}
	ctx.JSON(consts.StatusOK, newRecordView(rec))
}

// HandleResumeImage 读取记录对应的图片并打开展示句柄
func (h *ResumeHandler) HandleResumeImage(c context.Context, ctx *app.RequestContext) {
	rec, ok := h.loadRecord(c, ctx)
	if !ok {
		return
	}
	if rec.ImagePath == "" {
		ctx.JSON(consts.StatusNotFound, utils.H{"error": "resume has no image"})
		return
	}

	data, err := h.objects.Read(c, rec.ImagePath)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			ctx.JSON(consts.StatusNotFound, utils.H{"error": "image not found"})
			return
		}
		h.logger.Error().Err(err).Str("path", rec.ImagePath).Msg("读取图片失败")
		ctx.JSON(consts.StatusBadGateway, utils.H{"error": "failed to read image"})
		return
	}

	name := rec.ImagePath[strings.LastIndex(rec.ImagePath, "/")+1:]
	handle := h.previews.Open(name, "image/png", data)
	resp := ImageResponse{Handle: handle, URL: "/api/v1/previews/" + string(handle)}
	if p, ok := h.objects.(Presigner); ok {
		if u, err := p.PresignedURL(c, rec.ImagePath, h.presignExpiry); err == nil {
			resp.PresignedURL = u
		} else {
			h.logger.Warn().Err(err).Str("path", rec.ImagePath).Msg("生成预签名地址失败")
		}
	}
	ctx.JSON(consts.StatusOK, resp)
}

func (h *ResumeHandler) loadRecord(c context.Context, ctx *app.RequestContext) (*types.SubmissionRecord, bool) {
	id := ctx.Param("id")
	rec, err := processor.LoadRecord(c, h.records, id)
	switch {
	case err == nil:
		return rec, true
	case errors.Is(err, processor.ErrInvalidSubmissionID):
		ctx.JSON(consts.StatusBadRequest, utils.H{"error": "invalid resume id"})
	case errors.Is(err, processor.ErrRecordNotFound):
		ctx.JSON(consts.StatusNotFound, utils.H{"error": "resume not found"})
	default:
		h.logger.Error().Err(err).Str("id", id).Msg("读取提交记录失败")
		ctx.JSON(consts.StatusInternalServerError, utils.H{"error": "failed to load resume"})
	}
	return nil, false
}

// HandleGetPreview 输出句柄指向的内容
func (h *ResumeHandler) HandleGetPreview(c context.Context, ctx *app.RequestContext) {
	item, err := h.previews.Resolve(preview.Handle(ctx.Param("handle")))
	if err != nil {
		ctx.JSON(consts.StatusNotFound, utils.H{"error": "preview not found"})
		return
	}
	ctx.Header("Cache-Control", "no-store")
	ctx.Data(consts.StatusOK, item.MediaType, item.Data)
}

// HandleReleasePreview 释放句柄
func (h *ResumeHandler) HandleReleasePreview(c context.Context, ctx *app.RequestContext) {
	if !h.previews.Release(preview.Handle(ctx.Param("handle"))) {
		ctx.JSON(consts.StatusNotFound, utils.H{"error": "preview not found"})
		return
	}
	ctx.Status(consts.StatusNoContent)
}

// HandleHealth 检查依赖状态
func (h *ResumeHandler) HandleHealth(c context.Context, ctx *app.RequestContext) {
	resp := utils.H{"status": "ok"}
	if h.health == nil {
		ctx.JSON(consts.StatusOK, resp)
		return
	}
	components := h.health.Health(c)
	resp["components"] = components
	for _, state := range components {
		if state != "up" {
			resp["status"] = "degraded"
			ctx.JSON(consts.StatusServiceUnavailable, resp)
			return
		}
	}
	ctx.JSON(consts.StatusOK, resp)
}
