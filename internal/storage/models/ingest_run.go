package models

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// IngestRun 一次上传处理的台账记录
type IngestRun struct {
	RunID        string         `gorm:"type:char(36);primaryKey"`
	SubmissionID string         `gorm:"type:varchar(36);index:idx_ingest_runs_submission_id"`
	FileName     string         `gorm:"type:varchar(255)"`
	FileSize     int64          `gorm:"type:bigint"`
	CompanyName  string         `gorm:"type:varchar(255)"`
	JobTitle     string         `gorm:"type:varchar(255)"`
	Stage        string         `gorm:"type:varchar(32);not null;index:idx_ingest_runs_stage"`
	StatusText   string         `gorm:"type:varchar(255)"`
	ResumePath   string         `gorm:"type:varchar(512)"`
	ImagePath    string         `gorm:"type:varchar(512)"`
	OverallScore *int           `gorm:"type:int"`
	ErrorMessage string         `gorm:"type:text"`
	StageHistory datatypes.JSON `gorm:"type:json"`
	CreatedAt    time.Time      `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6)"`
	UpdatedAt    time.Time      `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6);autoUpdateTime"`
	FinishedAt   *time.Time     `gorm:"type:datetime(6);null"`
}

// TableName 指定表名
func (IngestRun) TableName() string {
	return "ingest_runs"
}

// StageEntry 阶段切换记录，序列化后存入 StageHistory
type StageEntry struct {
	Stage  string    `json:"stage"`
	Status string    `json:"status"`
	At     time.Time `json:"at"`
}

// SetStageHistory 序列化阶段历史
func (r *IngestRun) SetStageHistory(entries []StageEntry) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	r.StageHistory = datatypes.JSON(data)
	return nil
}

// GetStageHistory 反序列化阶段历史
func (r *IngestRun) GetStageHistory() ([]StageEntry, error) {
	if len(r.StageHistory) == 0 {
		return nil, nil
	}
	var entries []StageEntry
	if err := json.Unmarshal(r.StageHistory, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}
