package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"resume-ingest/internal/config"
	"resume-ingest/internal/constants"
	"resume-ingest/internal/storage"
	"resume-ingest/internal/storage/models"
)

// Routes 事件类型到 exchange/routing key 的映射
type Routes struct {
	Exchange    string
	RoutingKeys map[string]string
	Persistent  bool
}

// RoutesFromConfig 从 RabbitMQ 配置构建路由
func RoutesFromConfig(cfg config.RabbitMQConfig) Routes {
	return Routes{
		Exchange: cfg.SubmissionExchange,
		RoutingKeys: map[string]string{
			constants.EventResumeSubmitted:         cfg.SubmittedRoutingKey,
			constants.EventResumeFeedbackCompleted: cfg.FeedbackRoutingKey,
			constants.EventResumeFeedbackFailed:    cfg.FeedbackFailedKey,
		},
		Persistent: cfg.PersistentDeliveries,
	}
}

func (r Routes) resolve(eventType string) (string, error) {
	key, ok := r.RoutingKeys[eventType]
	if !ok || key == "" {
		return "", fmt.Errorf("事件 %s 没有配置路由键", eventType)
	}
	return key, nil
}

// Writer 把事件写入 outbox 表，由 MessageRelay 异步投递
type Writer struct {
	db     *gorm.DB
	routes Routes
}

// NewWriter 创建 outbox 写入器
func NewWriter(db *gorm.DB, routes Routes) *Writer {
	return &Writer{db: db, routes: routes}
}

// Publish 实现事件发布
func (w *Writer) Publish(ctx context.Context, event storage.SubmissionEvent) error {
	routingKey, err := w.routes.resolve(event.EventType)
	if err != nil {
		return err
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("序列化事件失败: %w", err)
	}

	msg := &models.OutboxMessage{
		AggregateID:      event.SubmissionID,
		EventType:        event.EventType,
		Payload:          string(payload),
		TargetExchange:   w.routes.Exchange,
		TargetRoutingKey: routingKey,
		Status:           models.OutboxStatusPending,
	}
	if err := w.db.WithContext(ctx).Create(msg).Error; err != nil {
		return fmt.Errorf("写入 outbox 失败: %w", err)
	}
	return nil
}

// JSONPublisher 序列化并发布消息，storage.RabbitMQ 满足该接口
type JSONPublisher interface {
	PublishJSON(ctx context.Context, exchangeName, routingKey string, data interface{}, persistent bool) error
}

var (
	_ Publisher     = (*storage.RabbitMQ)(nil)
	_ JSONPublisher = (*storage.RabbitMQ)(nil)
)

// DirectPublisher 未启用 outbox 时直接投递到 RabbitMQ
type DirectPublisher struct {
	publisher JSONPublisher
	routes    Routes
	timeout   time.Duration
}

// NewDirectPublisher 创建直接投递的发布器
func NewDirectPublisher(publisher JSONPublisher, routes Routes, timeout time.Duration) *DirectPublisher {
	return &DirectPublisher{publisher: publisher, routes: routes, timeout: timeout}
}

// Publish 实现事件发布
func (d *DirectPublisher) Publish(ctx context.Context, event storage.SubmissionEvent) error {
	routingKey, err := d.routes.resolve(event.EventType)
	if err != nil {
		return err
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	return d.publisher.PublishJSON(ctx, d.routes.Exchange, routingKey, event, d.routes.Persistent)
}

// LogPublisher 没有消息队列时只记录日志
type LogPublisher struct {
	logger zerolog.Logger
}

// NewLogPublisher 创建日志发布器
func NewLogPublisher(logger zerolog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger.With().Str("component", "events").Logger()}
}

// Publish 实现事件发布
func (l *LogPublisher) Publish(_ context.Context, event storage.SubmissionEvent) error {
	l.logger.Info().
		Str("event_type", event.EventType).
		Str("submission_id", event.SubmissionID).
		Str("run_id", event.RunID).
		Msg("事件未投递: 消息队列未启用")
	return nil
}
