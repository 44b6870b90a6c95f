package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"resume-ingest/internal/config"
)

// Storage 存储管理器，聚合所有存储相关依赖
type Storage struct {
	// 对象存储
	MinIO *MinIO

	// 消息队列
	RabbitMQ *RabbitMQ

	// 关系型数据库 (处理台账与 outbox)
	MySQL *MySQL

	// 键值存储 (提交记录)
	Redis *Redis

	logger zerolog.Logger
}

// NewStorage 创建存储管理器。
// MinIO 与 Redis 是处理流程必需的组件，任一失败即返回错误；
// RabbitMQ 与 MySQL 为可选组件，失败时只记录警告。
func NewStorage(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*Storage, error) {
	if cfg == nil {
		return nil, fmt.Errorf("配置不能为空")
	}

	log = log.With().Str("component", "storage").Logger()
	storage := &Storage{logger: log}
	var err error
	var optionalErrors []string

	storage.MinIO, err = NewMinIO(&cfg.MinIO, log)
	if err != nil {
		return nil, fmt.Errorf("初始化MinIO失败: %w", err)
	}

	log.Info().Str("address", cfg.Redis.Address).Msg("初始化Redis")
	storage.Redis, err = NewRedisAdapter(&cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("初始化Redis失败: %w", err)
	}

	if cfg.RabbitMQ.URL != "" {
		storage.RabbitMQ, err = NewRabbitMQ(&cfg.RabbitMQ, log)
		if err != nil {
			optionalErrors = append(optionalErrors, fmt.Sprintf("RabbitMQ: %v", err))
		}
	} else {
		log.Info().Msg("RabbitMQ未配置, 跳过初始化")
	}

	if cfg.MySQL.Host != "" {
		storage.MySQL, err = NewMySQL(&cfg.MySQL, log)
		if err != nil {
			optionalErrors = append(optionalErrors, fmt.Sprintf("MySQL: %v", err))
		}
	} else {
		log.Info().Msg("MySQL未配置, 跳过初始化")
	}

	if len(optionalErrors) > 0 {
		log.Warn().Str("errors", strings.Join(optionalErrors, "; ")).Msg("以下可选存储组件初始化失败")
	}

	return storage, nil
}

// Health 各组件的连通性，未启用的组件不出现在结果中
func (s *Storage) Health(ctx context.Context) map[string]string {
	result := make(map[string]string)
	check := func(name string, ping func(context.Context) error) {
		if err := ping(ctx); err != nil {
			result[name] = "down: " + err.Error()
			return
		}
		result[name] = "up"
	}
	if s.MinIO != nil {
		check("minio", s.MinIO.Ping)
	}
	if s.Redis != nil {
		check("redis", s.Redis.Ping)
	}
	if s.RabbitMQ != nil {
		check("rabbitmq", s.RabbitMQ.Ping)
	}
	if s.MySQL != nil {
		check("mysql", s.MySQL.Ping)
	}
	return result
}

// Close 关闭所有连接
func (s *Storage) Close() {
	if s.RabbitMQ != nil {
		if err := s.RabbitMQ.Close(); err != nil {
			s.logger.Error().Err(err).Msg("关闭RabbitMQ连接失败")
		}
	}
	if s.MySQL != nil {
		if err := s.MySQL.Close(); err != nil {
			s.logger.Error().Err(err).Msg("关闭MySQL连接失败")
		}
	}
	if s.Redis != nil {
		if err := s.Redis.Close(); err != nil {
			s.logger.Error().Err(err).Msg("关闭Redis连接失败")
		}
	}
}
