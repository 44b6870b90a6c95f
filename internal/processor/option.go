package processor

import (
	"time"

	"resume-ingest/internal/preview"

	"github.com/rs/zerolog"
)

// Components 聚合流水线依赖，便于集中管理和测试替换
type Components struct {
	// 必需组件
	ObjectStore ObjectStore
	RecordStore RecordStore
	Rasterizer  Rasterizer
	Scorer      Scorer

	// 可选组件
	Publisher EventPublisher    // 为空时不发布事件
	Ledger    RunLedger         // 为空时不写台账
	Previews  *preview.Registry // 为空时不生成展示句柄
	Tracker   *Tracker          // 为空时使用新的 Tracker
}

// Settings 纯配置项，不包含任何业务逻辑组件
type Settings struct {
	Logger        zerolog.Logger
	SubmissionIDs IDGenerator // 提交记录 ID，默认 UUIDv7
	RunIDs        IDGenerator // 运行 ID，默认 UUIDv4
	Now           func() time.Time
	EventTimeout  time.Duration // 单次事件发布超时
	LedgerTimeout time.Duration // 单次台账写入超时
}

// ComponentOpt 组件选项类型，仅改变 Components 结构体内的字段
type ComponentOpt func(*Components)

// SettingOpt 设置选项类型，仅改变 Settings 结构体内的字段
type SettingOpt func(*Settings)

// ----- 组件选项 -----

// WithObjectStore 设置对象存储
func WithObjectStore(store ObjectStore) ComponentOpt {
	return func(c *Components) {
		c.ObjectStore = store
	}
}

// WithRecordStore 设置提交记录存储
func WithRecordStore(store RecordStore) ComponentOpt {
	return func(c *Components) {
		c.RecordStore = store
	}
}

// WithRasterizer 设置渲染器
func WithRasterizer(r Rasterizer) ComponentOpt {
	return func(c *Components) {
		c.Rasterizer = r
	}
}

// WithScorer 设置评分器
func WithScorer(s Scorer) ComponentOpt {
	return func(c *Components) {
		c.Scorer = s
	}
}

// WithPublisher 设置事件发布器
func WithPublisher(p EventPublisher) ComponentOpt {
	return func(c *Components) {
		c.Publisher = p
	}
}

// WithLedger 设置运行台账
func WithLedger(l RunLedger) ComponentOpt {
	return func(c *Components) {
		c.Ledger = l
	}
}

// WithPreviews 设置展示句柄表
func WithPreviews(r *preview.Registry) ComponentOpt {
	return func(c *Components) {
		c.Previews = r
	}
}

// WithTracker 设置运行状态跟踪器
func WithTracker(t *Tracker) ComponentOpt {
	return func(c *Components) {
		c.Tracker = t
	}
}

// ----- 设置选项 -----

// WithLogger 设置日志记录器
func WithLogger(logger zerolog.Logger) SettingOpt {
	return func(s *Settings) {
		s.Logger = logger
	}
}

// WithSubmissionIDGenerator 设置提交记录 ID 生成器
func WithSubmissionIDGenerator(gen IDGenerator) SettingOpt {
	return func(s *Settings) {
		if gen != nil {
			s.SubmissionIDs = gen
		}
	}
}

// WithRunIDGenerator 设置运行 ID 生成器
func WithRunIDGenerator(gen IDGenerator) SettingOpt {
	return func(s *Settings) {
		if gen != nil {
			s.RunIDs = gen
		}
	}
}

// WithClock 设置时间来源
func WithClock(now func() time.Time) SettingOpt {
	return func(s *Settings) {
		if now != nil {
			s.Now = now
		} else {
			s.Now = time.Now
		}
	}
}

// WithEventTimeout 设置事件发布超时
func WithEventTimeout(d time.Duration) SettingOpt {
	return func(s *Settings) {
		if d > 0 {
			s.EventTimeout = d
		}
	}
}

// DefaultSettings 返回默认设置
func DefaultSettings() *Settings {
	return &Settings{
		Logger:        zerolog.Nop(),
		SubmissionIDs: NewSubmissionID,
		RunIDs:        NewRunID,
		Now:           time.Now,
		EventTimeout:  5 * time.Second,
		LedgerTimeout: 3 * time.Second,
	}
}
