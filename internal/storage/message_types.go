package storage

import "time"

// SubmissionEvent 提交生命周期事件，作为 RabbitMQ 消息体
type SubmissionEvent struct {
	EventType    string    `json:"event_type"`
	SubmissionID string    `json:"submission_id"`
	RunID        string    `json:"run_id"`
	ResumePath   string    `json:"resume_path,omitempty"`
	ImagePath    string    `json:"image_path,omitempty"`
	CompanyName  string    `json:"company_name,omitempty"`
	JobTitle     string    `json:"job_title,omitempty"`
	OverallScore *int      `json:"overall_score,omitempty"`
	Error        string    `json:"error,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}
