package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"resume-ingest/internal/constants"
	"resume-ingest/internal/storage"
	"resume-ingest/internal/types"

	"github.com/rs/zerolog"
)

// LoadRecord 读取一条提交记录
func LoadRecord(ctx context.Context, store RecordStore, id string) (*types.SubmissionRecord, error) {
	if !ValidSubmissionID(id) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSubmissionID, id)
	}
	raw, err := store.Get(ctx, constants.ResumeKey(id))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("读取提交记录失败: %w", err)
	}

	var rec types.SubmissionRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("解析提交记录失败: %w", err)
	}
	return &rec, nil
}

// ListRecords 列出所有 resume:* 记录，无法解析的条目跳过并记录日志
func ListRecords(ctx context.Context, store RecordStore, logger zerolog.Logger) ([]types.SubmissionRecord, error) {
	items, err := store.List(ctx, constants.ResumeKeyPattern)
	if err != nil {
		return nil, fmt.Errorf("列出提交记录失败: %w", err)
	}

	records := make([]types.SubmissionRecord, 0, len(items))
	for _, kv := range items {
		var rec types.SubmissionRecord
		if err := json.Unmarshal([]byte(kv.Value), &rec); err != nil {
			logger.Warn().Err(err).Str("key", kv.Key).Msg("跳过无法解析的提交记录")
			continue
		}
		records = append(records, rec)
	}

	// UUIDv7 按时间递增，倒序即最新在前
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].ID > records[j].ID
	})
	return records, nil
}
