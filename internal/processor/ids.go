package processor

import (
	"fmt"

	"github.com/gofrs/uuid/v5"
)

// NewSubmissionID 生成按时间排序的 UUIDv7，作为提交记录 ID
func NewSubmissionID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("生成提交记录ID失败: %w", err)
	}
	return id.String(), nil
}

// NewRunID 生成运行 ID
func NewRunID() (string, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return "", fmt.Errorf("生成运行ID失败: %w", err)
	}
	return id.String(), nil
}

// ValidSubmissionID 校验外部传入的提交记录 ID
func ValidSubmissionID(s string) bool {
	_, err := uuid.FromString(s)
	return err == nil
}
