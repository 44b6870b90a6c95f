package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"

	"resume-ingest/internal/config"
	"resume-ingest/internal/tracing"
	"resume-ingest/internal/types"
)

// ErrNotFound is returned when a key or object does not exist.
// It wraps the underlying redis.Nil error for abstraction.
var ErrNotFound = redis.Nil

// 为Redis操作定义专用tracer
var redisTracer = otel.Tracer("resume-ingest/storage/redis")

// Redis wraps the Redis client
type Redis struct {
	Client redis.UniversalClient
	config *config.RedisConfig
}

// NewRedisAdapter creates a new Redis client connection
func NewRedisAdapter(cfg *config.RedisConfig) (*Redis, error) {
	if cfg == nil {
		return nil, fmt.Errorf("redis config cannot be nil")
	}
	if cfg.Address == "" {
		return nil, fmt.Errorf("redis address is required")
	}

	opt := &redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,

		// 连接池设置
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,

		// 超时设置
		DialTimeout:  time.Duration(cfg.DialTimeoutSeconds) * time.Second,
		ReadTimeout:  time.Duration(cfg.ReadTimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(cfg.WriteTimeoutSeconds) * time.Second,

		// 重试设置
		MaxRetries:      cfg.MaxRetries,
		MinRetryBackoff: time.Duration(cfg.MinRetryBackoffMS) * time.Millisecond,
		MaxRetryBackoff: time.Duration(cfg.MaxRetryBackoffMS) * time.Millisecond,
	}

	client := redis.NewClient(opt)

	// 添加OpenTelemetry钩子, 记录所有Redis操作
	if err := redisotel.InstrumentTracing(client); err != nil {
		return nil, fmt.Errorf("failed to instrument Redis with OpenTelemetry: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Address, err)
	}

	return NewRedisWithClient(client, cfg), nil
}

// NewRedisWithClient 使用已有客户端构建适配器，测试中可以传入任意 UniversalClient
func NewRedisWithClient(client redis.UniversalClient, cfg *config.RedisConfig) *Redis {
	if cfg == nil {
		cfg = &config.RedisConfig{}
	}
	return &Redis{Client: client, config: cfg}
}

// Close closes the Redis client connection
func (r *Redis) Close() error {
	if r.Client != nil {
		return r.Client.Close()
	}
	return nil
}

// Ping checks the Redis connection
func (r *Redis) Ping(ctx context.Context) error {
	if r.Client == nil {
		return fmt.Errorf("redis client is not initialized")
	}
	return r.Client.Ping(ctx).Err()
}

func (r *Redis) startSpan(ctx context.Context, name, operation, key string) (context.Context, trace.Span) {
	return redisTracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			semconv.DBSystemRedis,
			attribute.String("db.redis.database", fmt.Sprintf("%d", r.config.DB)),
			attribute.String("db.operation", operation),
			attribute.String("db.redis.key", tracing.SafeRedisKey(key)),
		))
}

// Set 写入提交记录，不设置过期时间
func (r *Redis) Set(ctx context.Context, key, value string) error {
	ctx, span := r.startSpan(ctx, "Redis.Set", "SET", key)
	defer span.End()

	if r.Client == nil {
		err := fmt.Errorf("redis client is not initialized")
		tracing.RecordError(span, err, tracing.ErrorTypeRedis)
		return err
	}
	if err := r.Client.Set(ctx, key, value, 0).Err(); err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeRedis)
		return fmt.Errorf("写入键 %s 失败: %w", key, err)
	}
	return nil
}

// Get 读取键值，不存在时返回 ErrNotFound
func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	ctx, span := r.startSpan(ctx, "Redis.Get", "GET", key)
	defer span.End()

	if r.Client == nil {
		err := fmt.Errorf("redis client is not initialized")
		tracing.RecordError(span, err, tracing.ErrorTypeRedis)
		return "", err
	}
	val, err := r.Client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrNotFound
		}
		tracing.RecordError(span, err, tracing.ErrorTypeRedis)
		return "", fmt.Errorf("读取键 %s 失败: %w", key, err)
	}
	return val, nil
}

// List 按通配模式列出全部键值，使用 SCAN 分批遍历避免阻塞，再用 MGET 批量取值。
// 遍历期间被删除的键会被跳过；结果按键排序。
func (r *Redis) List(ctx context.Context, pattern string) ([]types.KeyValue, error) {
	ctx, span := r.startSpan(ctx, "Redis.List", "SCAN", pattern)
	defer span.End()

	if r.Client == nil {
		err := fmt.Errorf("redis client is not initialized")
		tracing.RecordError(span, err, tracing.ErrorTypeRedis)
		return nil, err
	}

	count := r.config.ScanCount
	if count <= 0 {
		count = 100
	}

	seen := make(map[string]struct{})
	var result []types.KeyValue
	var cursor uint64
	for {
		keys, next, err := r.Client.Scan(ctx, cursor, pattern, count).Result()
		if err != nil {
			tracing.RecordError(span, err, tracing.ErrorTypeRedis)
			return nil, fmt.Errorf("扫描 %s 失败: %w", pattern, err)
		}

		// SCAN 可能重复返回同一个键
		batch := keys[:0]
		for _, k := range keys {
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			batch = append(batch, k)
		}

		if len(batch) > 0 {
			vals, err := r.Client.MGet(ctx, batch...).Result()
			if err != nil {
				tracing.RecordError(span, err, tracing.ErrorTypeRedis)
				return nil, fmt.Errorf("批量读取失败: %w", err)
			}
			for i, v := range vals {
				s, ok := v.(string)
				if !ok {
					continue
				}
				result = append(result, types.KeyValue{Key: batch[i], Value: s})
			}
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	sort.Slice(result, func(i, j int) bool { return result[i].Key < result[j].Key })
	span.SetAttributes(attribute.Int("db.redis.result_count", len(result)))
	return result, nil
}
