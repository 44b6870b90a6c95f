package constants

import "time"

// 提交记录相关的 Key 约定
// 记录键与前端历史数据保持一致: resume:{submission_id}
const (
	// ResumeKeyPrefix 提交记录键前缀 (STRING, 值为 SubmissionRecord JSON)
	ResumeKeyPrefix = "resume:"
	// ResumeKeyPattern 列表查询使用的通配模式
	ResumeKeyPattern = ResumeKeyPrefix + "*"
)

// 对象存储路径格式
const (
	// ObjectKeyOriginal 原始简历对象键，格式: resume/{upload_id}/{file_name}
	ObjectKeyOriginal = "resume/%s/%s"
	// ObjectKeyImage 转换后图片对象键，格式: image/{upload_id}/{file_name}
	ObjectKeyImage = "image/%s/%s"
)

// 事件类型，写入 outbox 或直接投递到 RabbitMQ
const (
	EventResumeSubmitted         = "resume.submitted"
	EventResumeFeedbackCompleted = "resume.feedback.completed"
	EventResumeFeedbackFailed    = "resume.feedback.failed"
)

const (
	// DefaultPreviewTTL 预览句柄默认有效期
	DefaultPreviewTTL = 10 * time.Minute
)

// ResumeKey 返回提交记录的存储键
func ResumeKey(submissionID string) string {
	return ResumeKeyPrefix + submissionID
}
