package processor

import (
	"errors"
	"fmt"
)

// 定义基础错误类型，每个阶段一个
var (
	ErrNoDocument          = errors.New("没有可处理的文件")
	ErrUploadFailed        = errors.New("上传原始简历失败")
	ErrConvertFailed       = errors.New("PDF转图片失败")
	ErrImageUploadFailed   = errors.New("上传图片失败")
	ErrPersistFailed       = errors.New("保存提交记录失败")
	ErrFeedbackFailed      = errors.New("生成评分失败")
	ErrUnexpected          = errors.New("处理过程中发生意外错误")
	ErrComponentNotInit    = errors.New("component is not initialized")
	ErrRecordNotFound      = errors.New("submission record not found")
	ErrInvalidSubmissionID = errors.New("invalid submission id")
)

// IngestError 包含详细错误信息的自定义错误
type IngestError struct {
	RunID   string
	Op      string
	BaseErr error
	Detail  string
	Cause   error
}

func (e *IngestError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s (操作:%s, RunID:%s): %s", e.BaseErr, e.Op, e.RunID, e.Detail)
	}
	return fmt.Sprintf("%s (操作:%s, RunID:%s)", e.BaseErr, e.Op, e.RunID)
}

func (e *IngestError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.BaseErr}
	}
	return []error{e.BaseErr, e.Cause}
}

// Is 实现 errors.Is 接口以支持错误比较
func (e *IngestError) Is(target error) bool {
	return errors.Is(e.BaseErr, target)
}

// 错误构造函数

func NewUploadError(runID string, cause error) error {
	return newStageError(runID, "upload_original", ErrUploadFailed, cause)
}

func NewConvertError(runID string, cause error) error {
	return newStageError(runID, "convert", ErrConvertFailed, cause)
}

func NewImageUploadError(runID string, cause error) error {
	return newStageError(runID, "upload_image", ErrImageUploadFailed, cause)
}

func NewPersistError(runID string, cause error) error {
	return newStageError(runID, "persist", ErrPersistFailed, cause)
}

func NewFeedbackError(runID string, cause error) error {
	return newStageError(runID, "feedback", ErrFeedbackFailed, cause)
}

func NewUnexpectedError(runID string, detail string) error {
	return &IngestError{
		RunID:   runID,
		Op:      "unexpected",
		BaseErr: ErrUnexpected,
		Detail:  detail,
	}
}

func newStageError(runID, op string, base, cause error) error {
	e := &IngestError{
		RunID:   runID,
		Op:      op,
		BaseErr: base,
		Cause:   cause,
	}
	if cause != nil {
		e.Detail = cause.Error()
	}
	return e
}
