package processor

import (
	"context"
	"sort"
	"sync"
	"time"
)

// RunInfo 一次运行的输入摘要与状态历史
type RunInfo struct {
	RunID       string    `json:"run_id"`
	FileName    string    `json:"file_name"`
	FileSize    int64     `json:"file_size"`
	CompanyName string    `json:"company_name"`
	JobTitle    string    `json:"job_title"`
	StartedAt   time.Time `json:"started_at"`
	Latest      Status    `json:"latest"`
	History     []Status  `json:"history"`
}

// Tracker 记录进程内各运行的最新状态，供查询接口使用
type Tracker struct {
	mu   sync.RWMutex
	runs map[string]*RunInfo
	now  func() time.Time
}

// NewTracker 创建跟踪器
func NewTracker() *Tracker {
	return &Tracker{
		runs: make(map[string]*RunInfo),
		now:  time.Now,
	}
}

// Begin 登记一次新运行，初始状态为 Idle
func (t *Tracker) Begin(runID string, sub Submission, at time.Time) {
	info := &RunInfo{
		RunID:       runID,
		CompanyName: sub.CompanyName,
		JobTitle:    sub.JobTitle,
		StartedAt:   at,
		Latest:      Status{RunID: runID, Stage: StageIdle, At: at},
	}
	if sub.Document != nil {
		info.FileName = sub.Document.Name
		info.FileSize = sub.Document.Size
	}

	t.mu.Lock()
	t.runs[runID] = info
	t.mu.Unlock()
}

// Update 记录一次状态变化，未登记的运行会被自动登记
func (t *Tracker) Update(st Status) {
	t.mu.Lock()
	defer t.mu.Unlock()

	info, ok := t.runs[st.RunID]
	if !ok {
		info = &RunInfo{RunID: st.RunID, StartedAt: st.At}
		t.runs[st.RunID] = info
	}
	info.Latest = st
	info.History = append(info.History, st)
}

// Get 返回运行的最新状态
func (t *Tracker) Get(runID string) (Status, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	info, ok := t.runs[runID]
	if !ok {
		return Status{}, false
	}
	return info.Latest, true
}

// Info 返回运行摘要的副本
func (t *Tracker) Info(runID string) (RunInfo, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	info, ok := t.runs[runID]
	if !ok {
		return RunInfo{}, false
	}
	cp := *info
	cp.History = append([]Status(nil), info.History...)
	return cp, true
}

// List 按开始时间倒序返回所有运行的最新状态
func (t *Tracker) List() []Status {
	t.mu.RLock()
	infos := make([]*RunInfo, 0, len(t.runs))
	for _, info := range t.runs {
		infos = append(infos, info)
	}
	t.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].StartedAt.After(infos[j].StartedAt)
	})
	out := make([]Status, 0, len(infos))
	for _, info := range infos {
		out = append(out, info.Latest)
	}
	return out
}

// Active 未结束的运行数量
func (t *Tracker) Active() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := 0
	for _, info := range t.runs {
		if !info.Latest.Stage.Terminal() {
			n++
		}
	}
	return n
}

// Prune 删除结束时间早于 maxAge 之前的运行，返回删除数量
func (t *Tracker) Prune(maxAge time.Duration) int {
	cutoff := t.now().Add(-maxAge)

	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for id, info := range t.runs {
		if info.Latest.Stage.Terminal() && info.Latest.At.Before(cutoff) {
			delete(t.runs, id)
			removed++
		}
	}
	return removed
}

// StartPruner 定期清理已结束的运行，ctx 结束时退出
func (t *Tracker) StartPruner(ctx context.Context, interval, maxAge time.Duration) {
	if interval <= 0 || maxAge <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.Prune(maxAge)
			}
		}
	}()
}
