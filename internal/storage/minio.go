package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/lifecycle"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"resume-ingest/internal/config"
	"resume-ingest/internal/tracing"
)

// MinIO 提供对象存储功能。
// 原始简历写入 originals 桶，转换后的图片写入 images 桶；
// 返回的存储路径格式为 "{bucket}/{objectKey}"，Read/Delete 按同样格式解析。
type MinIO struct {
	client         *minio.Client
	cfg            *config.MinIOConfig
	originalBucket string
	imageBucket    string
	logger         zerolog.Logger
	tracer         trace.Tracer
}

// NewMinIO 创建MinIO客户端
func NewMinIO(cfg *config.MinIOConfig, logger zerolog.Logger) (*MinIO, error) {
	if cfg == nil {
		return nil, fmt.Errorf("MinIO配置不能为空")
	}
	logger = logger.With().Str("component", "minio").Logger()

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("创建MinIO客户端失败: %w", err)
	}

	originalBucket := cfg.OriginalsBucket
	if originalBucket == "" {
		originalBucket = "resumes"
	}
	imageBucket := cfg.ImagesBucket
	if imageBucket == "" {
		imageBucket = "resume-images"
	}

	m := &MinIO{
		client:         client,
		cfg:            cfg,
		originalBucket: originalBucket,
		imageBucket:    imageBucket,
		logger:         logger,
		tracer:         otel.Tracer("resume-ingest/storage/minio"),
	}

	ctx := context.Background()
	if err := m.ensureBucketExists(ctx, originalBucket, cfg.Location); err != nil {
		return nil, fmt.Errorf("确保原始简历存储桶 %s 存在失败: %w", originalBucket, err)
	}
	if err := m.ensureBucketExists(ctx, imageBucket, cfg.Location); err != nil {
		return nil, fmt.Errorf("确保图片存储桶 %s 存在失败: %w", imageBucket, err)
	}

	if cfg.OriginalFileExpireDays > 0 || cfg.ImageExpireDays > 0 {
		if err := m.setupLifecycleRules(ctx); err != nil {
			logger.Warn().Err(err).Msg("设置生命周期规则失败")
		}
	}

	logger.Info().Str("endpoint", cfg.Endpoint).Str("originals", originalBucket).Str("images", imageBucket).Msg("MinIO客户端初始化成功")
	return m, nil
}

// ensureBucketExists 确保存储桶存在
func (m *MinIO) ensureBucketExists(ctx context.Context, bucketName, location string) error {
	exists, err := m.client.BucketExists(ctx, bucketName)
	if err != nil {
		return fmt.Errorf("检查存储桶 %s 是否存在时出错: %w", bucketName, err)
	}
	if exists {
		return nil
	}
	if err := m.client.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{Region: location}); err != nil {
		return fmt.Errorf("创建存储桶 %s 失败: %w", bucketName, err)
	}
	m.logger.Info().Str("bucket", bucketName).Msg("存储桶已创建")
	return nil
}

// setupLifecycleRules 设置对象生命周期规则
func (m *MinIO) setupLifecycleRules(ctx context.Context) error {
	if m.cfg.OriginalFileExpireDays > 0 {
		if err := m.setupBucketLifecycle(ctx, m.originalBucket, "expire-originals", m.cfg.OriginalFileExpireDays); err != nil {
			return fmt.Errorf("为原始文件存储桶 %s 设置生命周期失败: %w", m.originalBucket, err)
		}
	}
	if m.cfg.ImageExpireDays > 0 {
		if err := m.setupBucketLifecycle(ctx, m.imageBucket, "expire-images", m.cfg.ImageExpireDays); err != nil {
			return fmt.Errorf("为图片存储桶 %s 设置生命周期失败: %w", m.imageBucket, err)
		}
	}
	return nil
}

// setupBucketLifecycle 为指定存储桶设置生命周期规则
func (m *MinIO) setupBucketLifecycle(ctx context.Context, bucketName, ruleID string, expiryDays int) error {
	cfg := lifecycle.NewConfiguration()
	cfg.Rules = []lifecycle.Rule{
		{
			ID:     ruleID,
			Status: "Enabled",
			Expiration: lifecycle.Expiration{
				Days: lifecycle.ExpirationDays(expiryDays),
			},
		},
	}
	return m.client.SetBucketLifecycle(ctx, bucketName, cfg)
}

// bucketFor 根据内容类型选择存储桶
func (m *MinIO) bucketFor(contentType string) string {
	if strings.HasPrefix(strings.ToLower(contentType), "image/") {
		return m.imageBucket
	}
	return m.originalBucket
}

// splitStoragePath 把 "{bucket}/{objectKey}" 拆开，只接受已配置的桶
func (m *MinIO) splitStoragePath(storagePath string) (string, string, error) {
	parts := strings.SplitN(strings.TrimPrefix(storagePath, "/"), "/", 2)
	if len(parts) != 2 || parts[1] == "" {
		return "", "", fmt.Errorf("无效的存储路径: %q", storagePath)
	}
	if parts[0] != m.originalBucket && parts[0] != m.imageBucket {
		return "", "", fmt.Errorf("存储路径 %q 不属于已配置的存储桶", storagePath)
	}
	return parts[0], parts[1], nil
}

// Upload 上传对象，objectKey 例如 "resume/{uploadID}/resume.pdf"，返回 "{bucket}/{objectKey}"
func (m *MinIO) Upload(ctx context.Context, objectKey, contentType string, data []byte) (string, error) {
	bucket := m.bucketFor(contentType)
	ctx, span := m.tracer.Start(ctx, "MinIO.Upload", trace.WithAttributes(
		attribute.String("minio.bucket", bucket),
		attribute.String("minio.object", tracing.TruncateString(objectKey, tracing.MaxRedisLength)),
		attribute.Int("minio.size", len(data)),
	))
	defer span.End()

	if contentType == "" {
		contentType = getContentType(path.Ext(objectKey))
	}

	_, err := m.client.PutObject(ctx, bucket, objectKey, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeObjectStorage)
		return "", fmt.Errorf("上传对象 %s/%s 失败: %w", bucket, objectKey, err)
	}

	m.logger.Debug().Str("bucket", bucket).Str("object", objectKey).Int("size", len(data)).Msg("对象已上传")
	return bucket + "/" + objectKey, nil
}

// Read 读取对象内容
func (m *MinIO) Read(ctx context.Context, storagePath string) ([]byte, error) {
	bucket, key, err := m.splitStoragePath(storagePath)
	if err != nil {
		return nil, err
	}
	ctx, span := m.tracer.Start(ctx, "MinIO.Read", trace.WithAttributes(
		attribute.String("minio.bucket", bucket),
		attribute.String("minio.object", tracing.TruncateString(key, tracing.MaxRedisLength)),
	))
	defer span.End()

	obj, err := m.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeObjectStorage)
		return nil, fmt.Errorf("获取对象 %s 失败: %w", storagePath, mapMinIOError(err))
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeObjectStorage)
		return nil, fmt.Errorf("读取对象 %s 数据失败: %w", storagePath, mapMinIOError(err))
	}
	return data, nil
}

// Delete 删除对象
func (m *MinIO) Delete(ctx context.Context, storagePath string) error {
	bucket, key, err := m.splitStoragePath(storagePath)
	if err != nil {
		return err
	}
	ctx, span := m.tracer.Start(ctx, "MinIO.Delete", trace.WithAttributes(
		attribute.String("minio.bucket", bucket),
		attribute.String("minio.object", tracing.TruncateString(key, tracing.MaxRedisLength)),
	))
	defer span.End()

	if err := m.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{}); err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeObjectStorage)
		return fmt.Errorf("删除对象 %s 失败: %w", storagePath, err)
	}
	m.logger.Debug().Str("path", storagePath).Msg("对象已删除")
	return nil
}

// PresignedURL 获取对象的预签名下载地址
func (m *MinIO) PresignedURL(ctx context.Context, storagePath string, expiry time.Duration) (string, error) {
	bucket, key, err := m.splitStoragePath(storagePath)
	if err != nil {
		return "", err
	}
	u, err := m.client.PresignedGetObject(ctx, bucket, key, expiry, nil)
	if err != nil {
		return "", fmt.Errorf("生成MinIO预签名URL失败: %w", err)
	}
	return u.String(), nil
}

// Ping 检查对象存储可用性
func (m *MinIO) Ping(ctx context.Context) error {
	_, err := m.client.BucketExists(ctx, m.originalBucket)
	return err
}

// mapMinIOError 把 NoSuchKey 映射为 ErrNotFound
func mapMinIOError(err error) error {
	var resp minio.ErrorResponse
	if errors.As(err, &resp) && (resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket") {
		return fmt.Errorf("%w: %s", ErrNotFound, resp.Message)
	}
	return err
}

// 获取内容类型
func getContentType(ext string) string {
	switch strings.ToLower(ext) {
	case ".pdf":
		return "application/pdf"
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	default:
		return "application/octet-stream"
	}
}
