package processor

import (
	"context"

	"resume-ingest/internal/raster"
	"resume-ingest/internal/storage"
	"resume-ingest/internal/storage/models"
	"resume-ingest/internal/types"
)

//
// 存储相关接口
//

// ObjectStore 对象存储接口，路径格式为 {bucket}/{objectKey}
type ObjectStore interface {
	// Upload 上传内容，返回存储路径
	Upload(ctx context.Context, objectKey, contentType string, data []byte) (string, error)

	// Read 按存储路径读取内容
	Read(ctx context.Context, path string) ([]byte, error)

	// Delete 删除对象，用于失败后的补偿
	Delete(ctx context.Context, path string) error
}

// RecordStore 提交记录的键值存储接口
type RecordStore interface {
	Set(ctx context.Context, key, value string) error
	Get(ctx context.Context, key string) (string, error)
	List(ctx context.Context, pattern string) ([]types.KeyValue, error)
}

// RunLedger 处理台账，记录每次运行的阶段历史
type RunLedger interface {
	SaveRun(ctx context.Context, run *models.IngestRun) error
}

// RunReader 从台账读取运行记录，找不到时返回 storage.ErrNotFound
type RunReader interface {
	GetRun(ctx context.Context, runID string) (*models.IngestRun, error)
}

//
// 转换与评分
//

// Rasterizer 首页渲染接口
type Rasterizer interface {
	Rasterize(ctx context.Context, doc *types.UploadedDocument) raster.Result
}

// Scorer 简历评分接口
type Scorer interface {
	Score(ctx context.Context, req types.ScoreRequest) (*types.Feedback, error)
}

//
// 事件与标识
//

// EventPublisher 提交生命周期事件的发布接口
type EventPublisher interface {
	Publish(ctx context.Context, event storage.SubmissionEvent) error
}

// IDGenerator 生成唯一标识
type IDGenerator func() (string, error)

// Observer 接收每一次状态变化
type Observer func(Status)
