package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"sync"
	"testing"
	"time"

	"resume-ingest/internal/api/handler"
	"resume-ingest/internal/api/router"
	"resume-ingest/internal/config"
	"resume-ingest/internal/constants"
	"resume-ingest/internal/preview"
	"resume-ingest/internal/processor"
	"resume-ingest/internal/raster"
	"resume-ingest/internal/rating"
	"resume-ingest/internal/storage"
	"resume-ingest/internal/storage/models"
	"resume-ingest/internal/types"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/ut"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (m *memObjects) Upload(ctx context.Context, objectKey, contentType string, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bucket := "resumes"
	if strings.HasPrefix(contentType, "image/") {
		bucket = "resume-images"
	}
	path := bucket + "/" + objectKey
	m.objects[path] = data
	return path, nil
}

func (m *memObjects) Read(ctx context.Context, path string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[path]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return data, nil
}

func (m *memObjects) Delete(ctx context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, path)
	return nil
}

func (m *memObjects) PresignedURL(ctx context.Context, path string, expiry time.Duration) (string, error) {
	return "http://minio.local/" + path + "?X-Amz-Expires=" + fmt.Sprint(int(expiry.Seconds())), nil
}

type memRecords struct {
	mu   sync.Mutex
	data map[string]string
}

func (m *memRecords) Set(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *memRecords) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return "", storage.ErrNotFound
	}
	return v, nil
}

func (m *memRecords) List(ctx context.Context, pattern string) ([]types.KeyValue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := strings.TrimSuffix(pattern, "*")
	var out []types.KeyValue
	for k, v := range m.data {
		if strings.HasPrefix(k, prefix) {
			out = append(out, types.KeyValue{Key: k, Value: v})
		}
	}
	return out, nil
}

type pngRasterizer struct{}

func (pngRasterizer) Rasterize(ctx context.Context, doc *types.UploadedDocument) raster.Result {
	return raster.Result{Image: &types.RasterImage{
		Name:      types.ImageNameFor(doc.Name),
		MediaType: "image/png",
		Width:     10,
		Height:    10,
		Data:      []byte("\x89PNG fake"),
	}}
}

type fixedScorer struct{ score int }

func (f fixedScorer) Score(ctx context.Context, req types.ScoreRequest) (*types.Feedback, error) {
	return &types.Feedback{
		OverallScore: f.score,
		Suggestions:  []types.Suggestion{{Kind: types.SuggestionImprovement, Tip: "Quantify impact"}},
	}, nil
}

type staticHealth map[string]string

func (s staticHealth) Health(context.Context) map[string]string { return s }

// memLedger 内存台账，同时满足写入和查询
type memLedger struct {
	mu      sync.Mutex
	runs    map[string]models.IngestRun
	readErr error
}

func newMemLedger() *memLedger {
	return &memLedger{runs: map[string]models.IngestRun{}}
}

func (l *memLedger) SaveRun(ctx context.Context, run *models.IngestRun) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.runs[run.RunID] = *run
	return nil
}

func (l *memLedger) GetRun(ctx context.Context, runID string) (*models.IngestRun, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.readErr != nil {
		return nil, l.readErr
	}
	run, ok := l.runs[runID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &run, nil
}

type testEnv struct {
	engine   *server.Hertz
	objects  *memObjects
	records  *memRecords
	ledger   *memLedger
	previews *preview.Registry
	pipeline *processor.Pipeline
}

func withHealth(health handler.HealthChecker) func(*testEnv, *handler.Deps) {
	return func(_ *testEnv, d *handler.Deps) { d.Health = health }
}

func withLedgerReads() func(*testEnv, *handler.Deps) {
	return func(env *testEnv, d *handler.Deps) { d.Runs = env.ledger }
}

func newTestEnv(t *testing.T, mutate func(cfg *config.Config), wire func(*testEnv, *handler.Deps)) *testEnv {
	t.Helper()
	cfg, err := config.LoadConfig(writeSampleConfig(t))
	require.NoError(t, err)
	if mutate != nil {
		mutate(cfg)
	}

	env := &testEnv{
		objects:  &memObjects{objects: map[string][]byte{}},
		records:  &memRecords{data: map[string]string{}},
		ledger:   newMemLedger(),
		previews: preview.NewRegistry(time.Minute, zerolog.Nop()),
	}
	env.pipeline, err = processor.CreatePipeline(
		[]processor.ComponentOpt{
			processor.WithObjectStore(env.objects),
			processor.WithRecordStore(env.records),
			processor.WithRasterizer(pngRasterizer{}),
			processor.WithScorer(fixedScorer{score: 74}),
			processor.WithPreviews(env.previews),
			processor.WithLedger(env.ledger),
		},
		nil,
	)
	require.NoError(t, err)

	deps := handler.Deps{
		Pipeline: env.pipeline,
		Records:  env.records,
		Objects:  env.objects,
		Previews: env.previews,
	}
	if wire != nil {
		wire(env, &deps)
	}
	h, err := handler.NewResumeHandler(cfg, deps, zerolog.Nop())
	require.NoError(t, err)

	env.engine = server.New(server.WithHostPorts("127.0.0.1:0"))
	router.RegisterRoutes(env.engine, h, nil)
	return env
}

func writeSampleConfig(t *testing.T) string {
	t.Helper()
	path := t.TempDir() + "/config.yaml"
	require.NoError(t, config.CreateSampleConfig(path))
	return path
}

type filePart struct {
	name        string
	contentType string
	data        []byte
}

func uploadForm(t *testing.T, fields map[string]string, file *filePart) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	if file != nil {
		hdr := make(textproto.MIMEHeader)
		hdr.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`, handler.FormFile, file.name))
		hdr.Set("Content-Type", file.contentType)
		part, err := w.CreatePart(hdr)
		require.NoError(t, err)
		_, err = part.Write(file.data)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return body, w.FormDataContentType()
}

func jobFields() map[string]string {
	return map[string]string{
		handler.FormCompanyName:    "Acme",
		handler.FormJobTitle:       "Platform Engineer",
		handler.FormJobDescription: "Kubernetes and Go",
	}
}

func pdfFile() *filePart {
	return &filePart{name: "resume.pdf", contentType: "application/pdf", data: []byte("%PDF-1.4 fake body")}
}

func (e *testEnv) post(t *testing.T, path string, fields map[string]string, file *filePart) *ut.ResponseRecorder {
	body, contentType := uploadForm(t, fields, file)
	return ut.PerformRequest(e.engine.Engine, "POST", path,
		&ut.Body{Body: body, Len: body.Len()},
		ut.Header{Key: "Content-Type", Value: contentType},
	)
}

func (e *testEnv) get(path string) *ut.ResponseRecorder {
	return ut.PerformRequest(e.engine.Engine, "GET", path, nil)
}

func decode(t *testing.T, resp *ut.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), v), resp.Body.String())
}

func TestUploadRejections(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) { cfg.Upload.MaxSizeBytes = 16 }, nil)

	tests := []struct {
		name    string
		fields  map[string]string
		file    *filePart
		message string
		reason  string
	}{
		{
			name:    "缺少岗位信息",
			fields:  map[string]string{handler.FormCompanyName: "Acme"},
			file:    pdfFile(),
			message: "company-name, job-title and job-description are required",
		},
		{
			name:    "没有文件",
			fields:  jobFields(),
			message: "Please select a PDF file to upload.",
			reason:  "no file provided",
		},
		{
			name:    "类型不支持",
			fields:  jobFields(),
			file:    &filePart{name: "notes.txt", contentType: "text/plain", data: []byte("hi")},
			message: "notes.txt is not a supported file type. Accepted: application/pdf",
			reason:  "unsupported media type",
		},
		{
			name:    "文件过大",
			fields:  jobFields(),
			file:    &filePart{name: "big.pdf", contentType: "application/pdf", data: bytes.Repeat([]byte("a"), 32)},
			message: "big.pdf is 32 Bytes, the maximum size is 16 Bytes",
			reason:  "file too large",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.post(t, "/api/v1/resumes", tt.fields, tt.file)
			require.Equal(t, http.StatusBadRequest, resp.Code, resp.Body.String())

			var body map[string]string
			decode(t, resp, &body)
			assert.Equal(t, tt.message, body["error"])
			if tt.reason != "" {
				assert.Equal(t, tt.reason, body["reason"])
			}
		})
	}
	assert.Empty(t, env.objects.objects, "被拒绝的文件不应上传")
}

func TestUploadWaitReturnsRecordWithRating(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	resp := env.post(t, "/api/v1/resumes?wait=true", jobFields(), pdfFile())
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())

	var out handler.UploadResponse
	decode(t, resp, &out)
	assert.NotEmpty(t, out.RunID)
	assert.Equal(t, processor.StageDone, out.Status.Stage)
	assert.Equal(t, "Analysis complete, redirecting...", out.Status.Text)
	require.NotNil(t, out.Result)
	require.NotNil(t, out.Result.Record)
	assert.Equal(t, "Acme", out.Result.Record.CompanyName)
	assert.Equal(t, 74, out.Result.Record.Feedback.OverallScore)
	require.NotNil(t, out.Result.Rating)
	assert.Equal(t, rating.CategoryStrong, out.Result.Rating.Category)

	assert.Contains(t, env.objects.objects, "resumes/resume/"+out.RunID+"/resume.pdf")
	assert.Contains(t, env.objects.objects, "resume-images/image/"+out.RunID+"/resume.png")
}

func TestUploadAsyncThenPollRun(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	resp := env.post(t, "/api/v1/resumes", jobFields(), pdfFile())
	require.Equal(t, http.StatusAccepted, resp.Code, resp.Body.String())

	var out handler.UploadResponse
	decode(t, resp, &out)
	require.NotEmpty(t, out.RunID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, env.pipeline.Wait(ctx))

	runResp := env.get("/api/v1/runs/" + out.RunID)
	require.Equal(t, http.StatusOK, runResp.Code)
	var info processor.RunInfo
	decode(t, runResp, &info)
	assert.Equal(t, processor.StageDone, info.Latest.Stage)
	assert.Equal(t, "resume.pdf", info.FileName)
	assert.NotEmpty(t, info.Latest.SubmissionID)

	assert.Equal(t, http.StatusNotFound, env.get("/api/v1/runs/unknown").Code)

	listResp := env.get("/api/v1/runs")
	require.Equal(t, http.StatusOK, listResp.Code)
	var runs struct {
		Runs   []processor.Status `json:"runs"`
		Active int                `json:"active"`
	}
	decode(t, listResp, &runs)
	assert.Len(t, runs.Runs, 1)
	assert.Equal(t, 0, runs.Active)
}

func TestGetRunFallsBackToLedger(t *testing.T) {
	env := newTestEnv(t, nil, withLedgerReads())

	resp := env.post(t, "/api/v1/resumes?wait=true", jobFields(), pdfFile())
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	var out handler.UploadResponse
	decode(t, resp, &out)

	// 清理跟踪器中所有已结束的运行，模拟保留期过后或服务重启
	require.Equal(t, 1, env.pipeline.Tracker().Prune(-time.Minute))
	_, tracked := env.pipeline.Tracker().Info(out.RunID)
	require.False(t, tracked)

	runResp := env.get("/api/v1/runs/" + out.RunID)
	require.Equal(t, http.StatusOK, runResp.Code, runResp.Body.String())
	var info processor.RunInfo
	decode(t, runResp, &info)
	assert.Equal(t, out.RunID, info.RunID)
	assert.Equal(t, "resume.pdf", info.FileName)
	assert.Equal(t, processor.StageDone, info.Latest.Stage)
	assert.Equal(t, processor.StatusText(processor.StageDone), info.Latest.Text)
	assert.Equal(t, out.Status.SubmissionID, info.Latest.SubmissionID)
	require.NotEmpty(t, info.History)
	assert.Equal(t, processor.StageDone, info.History[len(info.History)-1].Stage)

	assert.Equal(t, http.StatusNotFound, env.get("/api/v1/runs/unknown").Code)

	env.ledger.readErr = errors.New("connection refused")
	assert.Equal(t, http.StatusInternalServerError, env.get("/api/v1/runs/"+out.RunID).Code)
}

func TestGetRunWithoutLedgerIsTrackerOnly(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	resp := env.post(t, "/api/v1/resumes?wait=true", jobFields(), pdfFile())
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	var out handler.UploadResponse
	decode(t, resp, &out)

	env.pipeline.Tracker().Prune(-time.Minute)
	assert.Equal(t, http.StatusNotFound, env.get("/api/v1/runs/"+out.RunID).Code)
}

func TestListAndGetResumes(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	scored := types.SubmissionRecord{
		ID:          "0190f5a4-0000-7000-8000-000000000002",
		CompanyName: "Scored",
		ImagePath:   "resume-images/image/r/resume.png",
		Feedback:    &types.Feedback{OverallScore: 55, Suggestions: []types.Suggestion{}},
	}
	pending := types.SubmissionRecord{ID: "0190f5a4-0000-7000-8000-000000000001", CompanyName: "Pending"}
	for _, rec := range []types.SubmissionRecord{scored, pending} {
		data, err := json.Marshal(rec)
		require.NoError(t, err)
		env.records.data[constants.ResumeKey(rec.ID)] = string(data)
	}

	resp := env.get("/api/v1/resumes")
	require.Equal(t, http.StatusOK, resp.Code)
	var list struct {
		Resumes []handler.RecordView `json:"resumes"`
		Total   int                  `json:"total"`
	}
	decode(t, resp, &list)
	require.Equal(t, 2, list.Total)
	assert.Equal(t, "Scored", list.Resumes[0].Record.CompanyName)
	require.NotNil(t, list.Resumes[0].Rating)
	assert.Equal(t, rating.CategoryModerate, list.Resumes[0].Rating.Category)
	assert.Nil(t, list.Resumes[1].Rating, "未评分的记录没有分级")

	one := env.get("/api/v1/resumes/" + pending.ID)
	require.Equal(t, http.StatusOK, one.Code)
	var view handler.RecordView
	decode(t, one, &view)
	assert.Equal(t, "Pending", view.Record.CompanyName)
	assert.False(t, view.Record.HasFeedback())

	assert.Equal(t, http.StatusBadRequest, env.get("/api/v1/resumes/not-a-uuid").Code)
	assert.Equal(t, http.StatusNotFound, env.get("/api/v1/resumes/0190f5a4-0000-7000-8000-0000000000ff").Code)
}

func TestResumeImagePreviewLifecycle(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	rec := types.SubmissionRecord{ID: "0190f5a4-0000-7000-8000-000000000003", ImagePath: "resume-images/image/r/resume.png"}
	data, err := json.Marshal(rec)
	require.NoError(t, err)
	env.records.data[constants.ResumeKey(rec.ID)] = string(data)

	missing := env.get("/api/v1/resumes/" + rec.ID + "/image")
	assert.Equal(t, http.StatusNotFound, missing.Code, "对象不存在")

	env.objects.objects[rec.ImagePath] = []byte("png-data")
	resp := env.get("/api/v1/resumes/" + rec.ID + "/image")
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())

	var img handler.ImageResponse
	decode(t, resp, &img)
	require.NotEmpty(t, img.Handle)
	assert.Equal(t, "/api/v1/previews/"+string(img.Handle), img.URL)
	assert.Contains(t, img.PresignedURL, rec.ImagePath)
	assert.Equal(t, 1, env.previews.Len())

	content := env.get(img.URL)
	require.Equal(t, http.StatusOK, content.Code)
	assert.Equal(t, "png-data", content.Body.String())
	assert.Equal(t, "image/png", string(content.Result().Header.ContentType()))

	del := ut.PerformRequest(env.engine.Engine, "DELETE", img.URL, nil)
	assert.Equal(t, http.StatusNoContent, del.Code)
	assert.Equal(t, 0, env.previews.Len())

	assert.Equal(t, http.StatusNotFound, env.get(img.URL).Code)
	again := ut.PerformRequest(env.engine.Engine, "DELETE", img.URL, nil)
	assert.Equal(t, http.StatusNotFound, again.Code)
}

func TestHealth(t *testing.T) {
	up := newTestEnv(t, nil, withHealth(staticHealth{"minio": "up", "redis": "up"}))
	assert.Equal(t, http.StatusOK, up.get("/api/v1/health").Code)

	down := newTestEnv(t, nil, withHealth(staticHealth{"minio": "up", "redis": "down: connection refused"}))
	resp := down.get("/api/v1/health")
	assert.Equal(t, http.StatusServiceUnavailable, resp.Code)
	var body map[string]interface{}
	decode(t, resp, &body)
	assert.Equal(t, "degraded", body["status"])
}

func TestNewResumeHandlerRequiresDeps(t *testing.T) {
	_, err := handler.NewResumeHandler(nil, handler.Deps{}, zerolog.Nop())
	assert.Error(t, err)

	_, err = handler.NewResumeHandler(&config.Config{}, handler.Deps{}, zerolog.Nop())
	assert.ErrorIs(t, err, processor.ErrComponentNotInit)
}
