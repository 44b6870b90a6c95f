package processor

import (
	"time"

	"resume-ingest/internal/preview"
)

// Stage 处理阶段
type Stage string

const (
	StageIdle               Stage = "idle"
	StageUploadingOriginal  Stage = "uploading_original"
	StageConvertingToImage  Stage = "converting_to_image"
	StageUploadingImage     Stage = "uploading_image"
	StagePersistingMetadata Stage = "persisting_metadata"
	StageRequestingFeedback Stage = "requesting_feedback"
	StageDone               Stage = "done"
	StageError              Stage = "error"
)

// 进度文案，和前端保持一致
var stageTexts = map[Stage]string{
	StageIdle:               "",
	StageUploadingOriginal:  "Uploading and analyzing your resume...",
	StageConvertingToImage:  "Converting to image ...",
	StageUploadingImage:     "Uploading the image ...",
	StagePersistingMetadata: "Preparing Data ...",
	StageRequestingFeedback: "Generating AI Feedback ...",
	StageDone:               "Analysis complete, redirecting...",
}

// 失败文案，按失败所在阶段区分
var failureTexts = map[Stage]string{
	StageUploadingOriginal:  "File upload failed. Please try again.",
	StageConvertingToImage:  "PDF to Image conversion failed. Please try again.",
	StageUploadingImage:     "Image upload failed. Please try again.",
	StagePersistingMetadata: "Failed to save resume data. Please try again.",
	StageRequestingFeedback: "Failed to analyze resume. Please try again.",
}

// UnexpectedFailureText 未归类错误的文案
const UnexpectedFailureText = "Something went wrong. Please try again."

// StatusText 返回阶段的进度文案
func StatusText(s Stage) string {
	return stageTexts[s]
}

// FailureText 返回在某阶段失败时的文案
func FailureText(failedAt Stage) string {
	if text, ok := failureTexts[failedAt]; ok {
		return text
	}
	return UnexpectedFailureText
}

// Terminal 是否为终止状态
func (s Stage) Terminal() bool {
	return s == StageDone || s == StageError
}

// Status 一次状态变化的快照
type Status struct {
	RunID        string         `json:"run_id"`
	Stage        Stage          `json:"stage"`
	Text         string         `json:"text"`
	FailedAt     Stage          `json:"failed_at,omitempty"`
	Error        string         `json:"error,omitempty"`
	SubmissionID string         `json:"submission_id,omitempty"`
	ResumePath   string         `json:"resume_path,omitempty"`
	ImagePath    string         `json:"image_path,omitempty"`
	Preview      preview.Handle `json:"preview,omitempty"`
	At           time.Time      `json:"at"`
}

// Failed 是否处于错误状态
func (s Status) Failed() bool {
	return s.Stage == StageError
}
