// Package preview 管理转换后图片的临时展示句柄。
// 句柄只在进程内有效，使用完毕必须 Release；忘记释放的句柄由后台清理协程按 TTL 回收。
package preview

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrHandleNotFound 句柄不存在或已释放
var ErrHandleNotFound = errors.New("preview handle not found")

// Handle 展示句柄
type Handle string

// Item 句柄指向的内容
type Item struct {
	Name      string
	MediaType string
	Data      []byte
	OpenedAt  time.Time
	ExpiresAt time.Time
}

// Registry 句柄表
type Registry struct {
	ttl    time.Duration
	now    func() time.Time
	logger zerolog.Logger

	mu    sync.Mutex
	items map[Handle]*Item
}

// NewRegistry 创建句柄表，ttl <= 0 表示不过期
func NewRegistry(ttl time.Duration, logger zerolog.Logger) *Registry {
	return &Registry{
		ttl:    ttl,
		now:    time.Now,
		logger: logger.With().Str("component", "preview").Logger(),
		items:  make(map[Handle]*Item),
	}
}

// Open 注册内容并返回新句柄
func (r *Registry) Open(name, mediaType string, data []byte) Handle {
	h := Handle(uuid.NewString())
	now := r.now()
	item := &Item{Name: name, MediaType: mediaType, Data: data, OpenedAt: now}
	if r.ttl > 0 {
		item.ExpiresAt = now.Add(r.ttl)
	}

	r.mu.Lock()
	r.items[h] = item
	r.mu.Unlock()

	r.logger.Debug().Str("handle", string(h)).Str("name", name).Msg("打开预览句柄")
	return h
}

// Resolve 查找句柄，过期视为不存在
func (r *Registry) Resolve(h Handle) (*Item, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	item, ok := r.items[h]
	if !ok {
		return nil, ErrHandleNotFound
	}
	if r.expired(item, r.now()) {
		delete(r.items, h)
		return nil, ErrHandleNotFound
	}
	return item, nil
}

// Release 释放句柄，重复释放返回 false
func (r *Registry) Release(h Handle) bool {
	r.mu.Lock()
	_, ok := r.items[h]
	delete(r.items, h)
	r.mu.Unlock()
	if ok {
		r.logger.Debug().Str("handle", string(h)).Msg("释放预览句柄")
	}
	return ok
}

// Len 当前持有的句柄数
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

// Sweep 回收过期句柄，返回回收数量
func (r *Registry) Sweep() int {
	now := r.now()
	r.mu.Lock()
	removed := 0
	for h, item := range r.items {
		if r.expired(item, now) {
			delete(r.items, h)
			removed++
		}
	}
	r.mu.Unlock()
	if removed > 0 {
		r.logger.Warn().Int("count", removed).Msg("回收未释放的预览句柄")
	}
	return removed
}

func (r *Registry) expired(item *Item, now time.Time) bool {
	return !item.ExpiresAt.IsZero() && !now.Before(item.ExpiresAt)
}

// StartJanitor 按 interval 周期清理，ctx 取消后退出
func (r *Registry) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
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
				r.Sweep()
			}
		}
	}()
}
