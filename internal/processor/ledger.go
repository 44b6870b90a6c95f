package processor

import (
	"context"
	"fmt"

	"resume-ingest/internal/storage/models"
)

// recordLedger 把当前运行状态写入台账；台账只用于审计，写入失败不影响流水线
func (p *Pipeline) recordLedger(ctx context.Context, r *runState) {
	if p.ledger == nil {
		return
	}
	run, err := buildIngestRun(r)
	if err != nil {
		p.logger.Warn().Err(err).Str("run_id", r.id).Msg("构建台账记录失败")
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.settings.LedgerTimeout)
	defer cancel()
	if err := p.ledger.SaveRun(ctx, run); err != nil {
		p.logger.Warn().Err(err).Str("run_id", r.id).Str("stage", string(r.status.Stage)).Msg("写入台账失败")
	}
}

func buildIngestRun(r *runState) (*models.IngestRun, error) {
	run := &models.IngestRun{
		RunID:        r.id,
		SubmissionID: r.submissionID,
		CompanyName:  r.sub.CompanyName,
		JobTitle:     r.sub.JobTitle,
		Stage:        string(r.status.Stage),
		StatusText:   r.status.Text,
		ResumePath:   r.resumePath,
		ImagePath:    r.imagePath,
		ErrorMessage: r.status.Error,
		CreatedAt:    r.createdAt,
		UpdatedAt:    r.status.At,
	}
	if doc := r.sub.Document; doc != nil {
		run.FileName = doc.Name
		run.FileSize = doc.Size
	}
	if r.record != nil && r.record.Feedback != nil {
		score := r.record.Feedback.OverallScore
		run.OverallScore = &score
	}
	if r.status.Stage.Terminal() {
		finished := r.status.At
		run.FinishedAt = &finished
	}

	entries := make([]models.StageEntry, 0, len(r.history))
	for _, st := range r.history {
		status := "ok"
		if st.Failed() {
			status = "failed"
		}
		entries = append(entries, models.StageEntry{Stage: string(st.Stage), Status: status, At: st.At})
	}
	if err := run.SetStageHistory(entries); err != nil {
		return nil, err
	}
	return run, nil
}

// RunInfoFromLedger 由台账记录还原运行信息，用于跟踪器中已清理或重启前的运行。
// 台账不保存展示句柄，失败阶段取错误之前的最后一个阶段。
func RunInfoFromLedger(run *models.IngestRun) (RunInfo, error) {
	entries, err := run.GetStageHistory()
	if err != nil {
		return RunInfo{}, fmt.Errorf("解析阶段历史失败 %s: %w", run.RunID, err)
	}

	info := RunInfo{
		RunID:       run.RunID,
		FileName:    run.FileName,
		FileSize:    run.FileSize,
		CompanyName: run.CompanyName,
		JobTitle:    run.JobTitle,
		StartedAt:   run.CreatedAt,
		History:     make([]Status, 0, len(entries)),
	}

	var failedAt Stage
	for _, e := range entries {
		st := Status{RunID: run.RunID, Stage: Stage(e.Stage), Text: StatusText(Stage(e.Stage)), At: e.At}
		if st.Stage == StageError {
			st.FailedAt = failedAt
			st.Text = FailureText(failedAt)
			if run.Stage == string(StageError) && run.StatusText != "" {
				st.Text = run.StatusText
			}
		} else {
			failedAt = st.Stage
		}
		info.History = append(info.History, st)
	}

	latest := Status{
		RunID:        run.RunID,
		Stage:        Stage(run.Stage),
		Text:         run.StatusText,
		Error:        run.ErrorMessage,
		SubmissionID: run.SubmissionID,
		ResumePath:   run.ResumePath,
		ImagePath:    run.ImagePath,
		At:           run.UpdatedAt,
	}
	if latest.Stage == StageError {
		latest.FailedAt = failedAt
	}
	info.Latest = latest
	return info, nil
}
