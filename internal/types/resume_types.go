package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
)

// UploadedDocument 用户提交的原始文件，被接受后不再修改
type UploadedDocument struct {
	Name      string // 显示名称，例如 resume.pdf
	MediaType string // 声明的媒体类型
	Size      int64  // 字节数
	Data      []byte
}

// RasterImage 首页渲染结果
type RasterImage struct {
	Name      string
	MediaType string
	Width     int
	Height    int
	Data      []byte
}

// ImageNameFor 由源文件名派生图片名: resume.pdf -> resume.png
func ImageNameFor(sourceName string) string {
	base := filepath.Base(sourceName)
	if base == "." || base == string(filepath.Separator) {
		base = "document"
	}
	if ext := filepath.Ext(base); ext != "" {
		base = strings.TrimSuffix(base, ext)
	}
	return base + ".png"
}

// SuggestionKind 建议类型
type SuggestionKind string

const (
	SuggestionPositive    SuggestionKind = "positive"
	SuggestionImprovement SuggestionKind = "improvement"
)

// ParseSuggestionKind 兼容旧数据中的 good/improve 写法
func ParseSuggestionKind(s string) (SuggestionKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "positive", "good":
		return SuggestionPositive, nil
	case "improvement", "improve":
		return SuggestionImprovement, nil
	default:
		return "", fmt.Errorf("未知的建议类型: %q", s)
	}
}

// Suggestion 单条建议
type Suggestion struct {
	Kind SuggestionKind `json:"kind"`
	Tip  string         `json:"tip"`
}

// UnmarshalJSON 接受 kind 或旧字段 type
func (s *Suggestion) UnmarshalJSON(data []byte) error {
	var raw struct {
		Kind string `json:"kind"`
		Type string `json:"type"`
		Tip  string `json:"tip"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	kindStr := raw.Kind
	if kindStr == "" {
		kindStr = raw.Type
	}
	kind, err := ParseSuggestionKind(kindStr)
	if err != nil {
		return err
	}
	s.Kind = kind
	s.Tip = raw.Tip
	return nil
}

// Feedback 评分结果
type Feedback struct {
	OverallScore int          `json:"overallScore"`
	Suggestions  []Suggestion `json:"suggestions"`
}

// Validate 检查分数区间
func (f *Feedback) Validate() error {
	if f == nil {
		return fmt.Errorf("feedback 不能为空")
	}
	if f.OverallScore < 0 || f.OverallScore > 100 {
		return fmt.Errorf("overallScore must be between 0 and 100, got %d", f.OverallScore)
	}
	return nil
}

// SubmissionRecord 持久化的提交记录。
// Feedback 为 nil 时序列化为 ""，与评分完成前的第一次写入保持一致。
type SubmissionRecord struct {
	ID             string    `json:"id"`
	ResumePath     string    `json:"resumePath"`
	ImagePath      string    `json:"imagePath"`
	CompanyName    string    `json:"companyName"`
	JobTitle       string    `json:"jobTitle"`
	JobDescription string    `json:"jobDescription"`
	Feedback       *Feedback `json:"feedback"`
}

type submissionRecordJSON struct {
	ID             string          `json:"id"`
	ResumePath     string          `json:"resumePath"`
	ImagePath      string          `json:"imagePath"`
	CompanyName    string          `json:"companyName"`
	JobTitle       string          `json:"jobTitle"`
	JobDescription string          `json:"jobDescription"`
	Feedback       json.RawMessage `json:"feedback"`
}

var emptyFeedbackJSON = []byte(`""`)

// MarshalJSON 实现 json.Marshaler
func (r SubmissionRecord) MarshalJSON() ([]byte, error) {
	out := submissionRecordJSON{
		ID:             r.ID,
		ResumePath:     r.ResumePath,
		ImagePath:      r.ImagePath,
		CompanyName:    r.CompanyName,
		JobTitle:       r.JobTitle,
		JobDescription: r.JobDescription,
		Feedback:       emptyFeedbackJSON,
	}
	if r.Feedback != nil {
		fb, err := json.Marshal(r.Feedback)
		if err != nil {
			return nil, err
		}
		out.Feedback = fb
	}
	return json.Marshal(out)
}

// UnmarshalJSON 实现 json.Unmarshaler，feedback 可以是 ""、null 或对象
func (r *SubmissionRecord) UnmarshalJSON(data []byte) error {
	var in submissionRecordJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	r.ID = in.ID
	r.ResumePath = in.ResumePath
	r.ImagePath = in.ImagePath
	r.CompanyName = in.CompanyName
	r.JobTitle = in.JobTitle
	r.JobDescription = in.JobDescription
	r.Feedback = nil

	raw := bytes.TrimSpace(in.Feedback)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) || bytes.Equal(raw, emptyFeedbackJSON) {
		return nil
	}
	var fb Feedback
	if err := json.Unmarshal(raw, &fb); err != nil {
		return fmt.Errorf("解析 feedback 失败: %w", err)
	}
	r.Feedback = &fb
	return nil
}

// HasFeedback 评分是否已写入
func (r *SubmissionRecord) HasFeedback() bool {
	return r != nil && r.Feedback != nil
}

// KeyValue 键值存储中的一条记录
type KeyValue struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// ScoreRequest 请求评分时携带的岗位信息与存储路径
type ScoreRequest struct {
	SubmissionID   string `json:"submissionId"`
	CompanyName    string `json:"companyName"`
	JobTitle       string `json:"jobTitle"`
	JobDescription string `json:"jobDescription"`
	ResumePath     string `json:"resumePath"`
	ImagePath      string `json:"imagePath"`
}
