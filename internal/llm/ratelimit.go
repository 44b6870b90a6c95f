package llm

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"
)

// TokenBucket 令牌桶限流器，按每分钟请求数生成令牌
type TokenBucket struct {
	rate     float64 // 每秒生成的令牌数
	capacity float64
	tokens   float64
	last     time.Time
	now      func() time.Time
	mu       sync.Mutex
}

// NewTokenBucket 创建令牌桶，capacity <= 0 时取 qpm 的一半
func NewTokenBucket(qpm int, capacity int) *TokenBucket {
	if qpm <= 0 {
		qpm = 1
	}
	if capacity <= 0 {
		capacity = qpm / 2
		if capacity <= 0 {
			capacity = 1
		}
	}
	return &TokenBucket{
		rate:     float64(qpm) / 60.0,
		capacity: float64(capacity),
		tokens:   float64(capacity),
		last:     time.Now(),
		now:      time.Now,
	}
}

func (tb *TokenBucket) refill() {
	now := tb.now()
	elapsed := now.Sub(tb.last).Seconds()
	tb.last = now
	tb.tokens += elapsed * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
}

// Allow 有令牌时消耗一个并返回 true
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	if tb.tokens >= 1.0 {
		tb.tokens--
		return true
	}
	return false
}

// Wait 阻塞直到拿到令牌或 ctx 结束
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		tb.refill()
		if tb.tokens >= 1.0 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}
		wait := time.Duration((1.0 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// RateLimitedModel 对评分模型的调用限流，并对临时错误做指数退避重试
type RateLimitedModel struct {
	inner      model.BaseChatModel
	bucket     *TokenBucket
	maxRetries int
	retryWait  time.Duration
	logger     zerolog.Logger
}

// NewRateLimitedModel 包装模型；qpm <= 0 时使用 30
func NewRateLimitedModel(inner model.BaseChatModel, qpm, maxRetries int, retryWait time.Duration, logger zerolog.Logger) *RateLimitedModel {
	if qpm <= 0 {
		qpm = 30
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	if retryWait <= 0 {
		retryWait = time.Second
	}
	return &RateLimitedModel{
		inner:      inner,
		bucket:     NewTokenBucket(qpm, qpm/2),
		maxRetries: maxRetries,
		retryWait:  retryWait,
		logger:     logger,
	}
}

// Generate 实现 model.BaseChatModel 接口
func (rl *RateLimitedModel) Generate(ctx context.Context, messages []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	var out *schema.Message
	err := rl.retry(ctx, func() error {
		var err error
		out, err = rl.inner.Generate(ctx, messages, opts...)
		return err
	})
	return out, err
}

// Stream 实现 model.BaseChatModel 接口
func (rl *RateLimitedModel) Stream(ctx context.Context, messages []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	var out *schema.StreamReader[*schema.Message]
	err := rl.retry(ctx, func() error {
		var err error
		out, err = rl.inner.Stream(ctx, messages, opts...)
		return err
	})
	return out, err
}

func (rl *RateLimitedModel) retry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt <= rl.maxRetries; attempt++ {
		if err = rl.bucket.Wait(ctx); err != nil {
			return err
		}
		if err = fn(); err == nil {
			return nil
		}
		if attempt == rl.maxRetries || !isRetryable(ctx, err) {
			return err
		}

		backoff := rl.retryWait << uint(attempt)
		rl.logger.Warn().Err(err).Int("attempt", attempt+1).Dur("backoff", backoff).Msg("模型调用失败，稍后重试")
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}

// isRetryable 限流、服务端错误和网络错误可以重试；调用方取消不重试
func isRetryable(ctx context.Context, err error) bool {
	if err == nil || ctx.Err() != nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	if errors.Is(err, ErrStreamNotSupported) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, context.DeadlineExceeded)
}

var _ model.BaseChatModel = (*RateLimitedModel)(nil)
