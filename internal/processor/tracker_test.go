package processor

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"resume-ingest/internal/constants"
	"resume-ingest/internal/storage/models"
	"resume-ingest/internal/types"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackerLifecycle(t *testing.T) {
	tr := NewTracker()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	tr.Begin("run-a", sampleSubmission(), base)
	tr.Begin("run-b", sampleSubmission(), base.Add(time.Second))

	st, ok := tr.Get("run-a")
	require.True(t, ok)
	assert.Equal(t, StageIdle, st.Stage)
	assert.Equal(t, 2, tr.Active())

	tr.Update(Status{RunID: "run-a", Stage: StageUploadingOriginal, At: base})
	tr.Update(Status{RunID: "run-a", Stage: StageDone, At: base.Add(2 * time.Second)})
	assert.Equal(t, 1, tr.Active())

	info, ok := tr.Info("run-a")
	require.True(t, ok)
	assert.Len(t, info.History, 2)
	assert.Equal(t, "resume.pdf", info.FileName)
	assert.Equal(t, int64(8), info.FileSize)

	// 返回的是副本
	info.History[0].Stage = StageError
	again, _ := tr.Info("run-a")
	assert.Equal(t, StageUploadingOriginal, again.History[0].Stage)

	list := tr.List()
	require.Len(t, list, 2)
	assert.Equal(t, "run-b", list[0].RunID)

	_, ok = tr.Get("missing")
	assert.False(t, ok)
}

func TestTrackerPrune(t *testing.T) {
	tr := NewTracker()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return now }

	tr.Update(Status{RunID: "old-done", Stage: StageDone, At: now.Add(-2 * time.Hour)})
	tr.Update(Status{RunID: "old-error", Stage: StageError, At: now.Add(-2 * time.Hour)})
	tr.Update(Status{RunID: "old-running", Stage: StageRequestingFeedback, At: now.Add(-2 * time.Hour)})
	tr.Update(Status{RunID: "fresh-done", Stage: StageDone, At: now.Add(-time.Minute)})

	removed := tr.Prune(time.Hour)
	assert.Equal(t, 2, removed)

	_, ok := tr.Get("old-running")
	assert.True(t, ok, "未结束的运行不清理")
	_, ok = tr.Get("fresh-done")
	assert.True(t, ok)
	_, ok = tr.Get("old-done")
	assert.False(t, ok)
}

func TestTrackerStartPrunerStopsWithContext(t *testing.T) {
	tr := NewTracker()
	tr.Update(Status{RunID: "r", Stage: StageDone, At: time.Now().Add(-time.Hour)})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr.StartPruner(ctx, 10*time.Millisecond, time.Minute)

	assert.Eventually(t, func() bool {
		_, ok := tr.Get("r")
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestLoadRecord(t *testing.T) {
	store := newMemRecordStore()
	id := "0190f5a4-7c2e-7d55-9d1e-3d3c1a2b4c5d"

	_, err := LoadRecord(context.Background(), store, "not-a-uuid")
	assert.ErrorIs(t, err, ErrInvalidSubmissionID)

	_, err = LoadRecord(context.Background(), store, id)
	assert.ErrorIs(t, err, ErrRecordNotFound)

	// 旧数据中 feedback 为空字符串
	store.data[constants.ResumeKey(id)] = `{"id":"` + id + `","resumePath":"resumes/a.pdf","imagePath":"resume-images/a.png","companyName":"Acme","jobTitle":"SRE","jobDescription":"","feedback":""}`
	rec, err := LoadRecord(context.Background(), store, id)
	require.NoError(t, err)
	assert.Equal(t, "Acme", rec.CompanyName)
	assert.False(t, rec.HasFeedback())

	store.data[constants.ResumeKey(id)] = "{broken"
	_, err = LoadRecord(context.Background(), store, id)
	assert.Error(t, err)
}

func TestListRecordsNewestFirstAndSkipsBroken(t *testing.T) {
	store := newMemRecordStore()
	older := types.SubmissionRecord{ID: "0190f5a4-0000-7000-8000-000000000001", CompanyName: "Old"}
	newer := types.SubmissionRecord{
		ID:          "0190f5a4-0000-7000-8000-000000000002",
		CompanyName: "New",
		Feedback:    &types.Feedback{OverallScore: 80, Suggestions: []types.Suggestion{}},
	}
	for _, rec := range []types.SubmissionRecord{older, newer} {
		data, err := json.Marshal(rec)
		require.NoError(t, err)
		store.data[constants.ResumeKey(rec.ID)] = string(data)
	}
	store.data[constants.ResumeKey("broken")] = "not json"
	store.data["session:1"] = "{}"

	records, err := ListRecords(context.Background(), store, zerolog.Nop())
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "New", records[0].CompanyName)
	assert.Equal(t, 80, records[0].Feedback.OverallScore)
	assert.Equal(t, "Old", records[1].CompanyName)
}

func TestBuildIngestRun(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	r := &runState{
		id:           "run-1",
		sub:          sampleSubmission(),
		createdAt:    at,
		resumePath:   "resumes/resume/run-1/resume.pdf",
		submissionID: "sub-1",
		record:       &types.SubmissionRecord{ID: "sub-1", Feedback: &types.Feedback{OverallScore: 42}},
		history: []Status{
			{Stage: StageUploadingOriginal, At: at},
			{Stage: StageError, FailedAt: StageUploadingOriginal, At: at.Add(time.Second)},
		},
		status: Status{Stage: StageError, Text: "File upload failed. Please try again.", Error: "boom", At: at.Add(time.Second)},
	}

	run, err := buildIngestRun(r)
	require.NoError(t, err)
	assert.Equal(t, "run-1", run.RunID)
	assert.Equal(t, "resume.pdf", run.FileName)
	assert.Equal(t, string(StageError), run.Stage)
	assert.Equal(t, "boom", run.ErrorMessage)
	require.NotNil(t, run.FinishedAt)
	require.NotNil(t, run.OverallScore)
	assert.Equal(t, 42, *run.OverallScore)

	entries, err := run.GetStageHistory()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "ok", entries[0].Status)
	assert.Equal(t, "failed", entries[1].Status)
}

func TestRunInfoFromLedgerRoundTrip(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	r := &runState{
		id:           "run-2",
		sub:          sampleSubmission(),
		createdAt:    at,
		resumePath:   "resumes/resume/run-2/resume.pdf",
		submissionID: "sub-2",
		history: []Status{
			{Stage: StageUploadingOriginal, At: at},
			{Stage: StageConvertingToImage, At: at.Add(time.Second)},
			{Stage: StageError, FailedAt: StageConvertingToImage, At: at.Add(2 * time.Second)},
		},
		status: Status{
			Stage:    StageError,
			Text:     FailureText(StageConvertingToImage),
			FailedAt: StageConvertingToImage,
			Error:    "decode failed",
			At:       at.Add(2 * time.Second),
		},
	}
	run, err := buildIngestRun(r)
	require.NoError(t, err)

	info, err := RunInfoFromLedger(run)
	require.NoError(t, err)
	assert.Equal(t, "run-2", info.RunID)
	assert.Equal(t, "resume.pdf", info.FileName)
	assert.Equal(t, at, info.StartedAt)
	assert.Equal(t, StageError, info.Latest.Stage)
	assert.Equal(t, StageConvertingToImage, info.Latest.FailedAt)
	assert.Equal(t, "PDF to Image conversion failed. Please try again.", info.Latest.Text)
	assert.Equal(t, "decode failed", info.Latest.Error)
	assert.Equal(t, "sub-2", info.Latest.SubmissionID)

	require.Len(t, info.History, 3)
	assert.Equal(t, StatusText(StageUploadingOriginal), info.History[0].Text)
	assert.Equal(t, StageConvertingToImage, info.History[2].FailedAt)
	assert.Equal(t, info.Latest.Text, info.History[2].Text)
}

func TestRunInfoFromLedgerUnexpectedFailureText(t *testing.T) {
	run := &models.IngestRun{RunID: "run-3", Stage: string(StageError), StatusText: UnexpectedFailureText}
	require.NoError(t, run.SetStageHistory([]models.StageEntry{
		{Stage: string(StageRequestingFeedback), Status: "ok"},
		{Stage: string(StageError), Status: "failed"},
	}))

	info, err := RunInfoFromLedger(run)
	require.NoError(t, err)
	assert.Equal(t, UnexpectedFailureText, info.History[1].Text)
	assert.Equal(t, StageRequestingFeedback, info.Latest.FailedAt)
}

func TestRunInfoFromLedgerBrokenHistory(t *testing.T) {
	run := &models.IngestRun{RunID: "run-4", StageHistory: []byte("{not json")}
	_, err := RunInfoFromLedger(run)
	assert.Error(t, err)
}
