package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"resume-ingest/internal/api/handler"
	"resume-ingest/internal/api/router"
	"resume-ingest/internal/config"
	"resume-ingest/internal/llm"
	"resume-ingest/internal/logger"
	"resume-ingest/internal/outbox"
	"resume-ingest/internal/parser"
	"resume-ingest/internal/preview"
	"resume-ingest/internal/processor"
	"resume-ingest/internal/raster"
	"resume-ingest/internal/storage"
	"resume-ingest/internal/tracing"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	hertzconfig "github.com/cloudwego/hertz/pkg/common/config"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	hertztracing "github.com/hertz-contrib/obs-opentelemetry/tracing"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

var (
	version     = "1.0.0"         //nolint:gochecknoglobals
	serviceName = "resume-ingest" //nolint:gochecknoglobals
)

const (
	runRetention     = time.Hour
	runPruneInterval = 5 * time.Minute
	consumerPrefetch = 10
)

func main() {
	var configPath, samplePath string
	pflag.StringVarP(&configPath, "config", "c", "", "Path to config file")
	pflag.StringVar(&samplePath, "sample-config", "", "Write a sample config file to the given path and exit")
	pflag.Parse()

	if samplePath != "" {
		if err := config.CreateSampleConfig(samplePath); err != nil {
			fmt.Fprintf(os.Stderr, "生成示例配置失败: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("示例配置已写入 %s\n", samplePath)
		return
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	logCloser, err := logger.Init(logger.Config{
		Level:        cfg.Logger.Level,
		Format:       cfg.Logger.Format,
		TimeFormat:   cfg.Logger.TimeFormat,
		ReportCaller: cfg.Logger.ReportCaller,
		File:         cfg.Logger.File,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer logCloser.Close()
	log := logger.With("main")
	log.Info().Str("service", serviceName).Str("version", version).Msg("配置加载成功")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := tracing.InitProvider(ctx, cfg.Tracing)
	if err != nil {
		log.Fatal().Err(err).Msg("初始化链路追踪失败")
	}

	storageManager, err := storage.NewStorage(ctx, cfg, logger.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("初始化存储失败")
	}
	defer storageManager.Close()
	log.Info().Msg("存储服务初始化成功")

	if storageManager.RabbitMQ != nil {
		if err := storageManager.RabbitMQ.EnsureExchange(cfg.RabbitMQ.SubmissionExchange, "topic", true); err != nil {
			log.Warn().Err(err).Msg("声明提交事件交换机失败")
		}
	}

	publisher, relay := buildPublisher(cfg, storageManager, log)
	if relay != nil {
		relay.Start(ctx)
		log.Info().Msg("消息中继服务已启动")
	}

	scorer, err := buildScorer(ctx, cfg, storageManager)
	if err != nil {
		log.Fatal().Err(err).Msg("初始化评分器失败")
	}
	log.Info().Str("model", cfg.LLM.Model).Msg("评分器初始化成功")

	previews := preview.NewRegistry(config.GetDuration(cfg.Preview.TTL, 10*time.Minute), logger.Logger)
	previews.StartJanitor(ctx, config.GetDuration(cfg.Preview.SweepInterval, time.Minute))

	// 引擎在第一次转换时才加载
	rasterizer := raster.NewRasterizer(raster.GetDefaultRegistry(raster.Options{
		OversampleFactor: cfg.Raster.OversampleFactor,
		Workers:          cfg.Raster.Workers,
	}), logger.Logger)

	compOpts := []processor.ComponentOpt{
		processor.WithObjectStore(storageManager.MinIO),
		processor.WithRecordStore(storageManager.Redis),
		processor.WithRasterizer(rasterizer),
		processor.WithScorer(scorer),
		processor.WithPublisher(publisher),
		processor.WithPreviews(previews),
	}
	if storageManager.MySQL != nil {
		compOpts = append(compOpts, processor.WithLedger(storageManager.MySQL))
	}
	pipeline, err := processor.CreatePipeline(compOpts, []processor.SettingOpt{
		processor.WithLogger(logger.Logger),
		processor.WithEventTimeout(config.GetDuration(cfg.RabbitMQ.PublishTimeout, 5*time.Second)),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("初始化处理流水线失败")
	}
	pipeline.Tracker().StartPruner(ctx, runPruneInterval, runRetention)
	log.Info().Msg("处理流水线初始化成功")

	var stopConsumer chan<- struct{}
	if storageManager.RabbitMQ != nil {
		stopConsumer, err = startNotificationConsumer(cfg, storageManager.RabbitMQ, log)
		if err != nil {
			log.Warn().Err(err).Msg("启动通知消费者失败")
		}
	}

	deps := handler.Deps{
		Pipeline: pipeline,
		Records:  storageManager.Redis,
		Objects:  storageManager.MinIO,
		Previews: previews,
		Health:   storageManager,
	}
	if storageManager.MySQL != nil {
		deps.Runs = storageManager.MySQL
	}
	resumeHandler, err := handler.NewResumeHandler(cfg, deps, logger.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("初始化ResumeHandler失败")
	}

	tracer, tracerCfg := hertztracing.NewServerTracer()
	opts := []hertzconfig.Option{
		server.WithHostPorts(cfg.Server.Address),
		server.WithHandleMethodNotAllowed(true),
		tracer,
	}
	if cfg.Server.MaxRequestBytes > 0 {
		opts = append(opts, server.WithMaxRequestBodySize(cfg.Server.MaxRequestBytes))
	}
	h := server.New(opts...)
	h.Use(hertztracing.ServerMiddleware(tracerCfg))
	h.Use(func(c context.Context, ctx *app.RequestContext) {
		start := time.Now()
		ctx.Next(c)
		hlog.CtxInfof(c, "%s %s -> %d (%s)", string(ctx.Method()), string(ctx.Path()), ctx.Response.StatusCode(), time.Since(start))
	})

	router.RegisterRoutes(h, resumeHandler, cfg.Auth.Keys)
	log.Info().Str("address", cfg.Server.Address).Bool("auth", len(cfg.Auth.Keys) > 0).Msg("HTTP 服务器启动中")

	go func() {
		if err := h.Run(); err != nil {
			log.Error().Err(err).Msg("HTTP服务器退出")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("接收到终止信号，正在优雅退出...")

	shutdownTimeout := config.GetDuration(cfg.Server.ShutdownTimeout, 5*time.Second)
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()

	if err := h.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP服务器关闭失败")
	}
	// 等待后台运行结束，避免留下未关联记录的文件
	if err := pipeline.Wait(shutdownCtx); err != nil {
		log.Warn().Err(err).Int("active", pipeline.Tracker().Active()).Msg("仍有未结束的处理")
	}
	if relay != nil {
		relay.Stop()
		log.Info().Msg("消息中继服务已停止")
	}
	if stopConsumer != nil {
		close(stopConsumer)
	}
	cancel()
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("关闭链路追踪失败")
	}
	log.Info().Msg("优雅退出完成")
}

// buildPublisher 按可用组件选择事件发布方式：
// MySQL 启用 outbox 时先写 outbox 表再由中继投递，否则直接发到 RabbitMQ，都不可用时只记日志
func buildPublisher(cfg *config.Config, s *storage.Storage, log zerolog.Logger) (processor.EventPublisher, *outbox.MessageRelay) {
	routes := outbox.RoutesFromConfig(cfg.RabbitMQ)
	switch {
	case s.MySQL != nil && s.RabbitMQ != nil && cfg.MySQL.EnableOutbox:
		log.Info().Msg("事件经 outbox 投递")
		return outbox.NewWriter(s.MySQL.DB(), routes), outbox.NewMessageRelay(s.MySQL.DB(), s.RabbitMQ, logger.Logger)
	case s.RabbitMQ != nil:
		log.Info().Msg("事件直接投递到 RabbitMQ")
		return outbox.NewDirectPublisher(s.RabbitMQ, routes, config.GetDuration(cfg.RabbitMQ.PublishTimeout, 5*time.Second)), nil
	default:
		log.Info().Msg("RabbitMQ 不可用，事件只写日志")
		return outbox.NewLogPublisher(logger.Logger), nil
	}
}

func buildScorer(ctx context.Context, cfg *config.Config, s *storage.Storage) (*parser.FeedbackEvaluator, error) {
	chatModel, err := llm.NewChatModel(cfg.LLM, logger.Logger)
	if err != nil {
		return nil, fmt.Errorf("初始化聊天模型失败: %w", err)
	}
	limited := llm.NewRateLimitedModel(chatModel, cfg.LLM.QPM, cfg.LLM.MaxRetries,
		config.GetDuration(cfg.LLM.RetryWait, 2*time.Second), logger.With("llm_ratelimit"))
	extractor, err := parser.NewPDFTextExtractor(ctx,
		parser.WithExtractorLogger(logger.With("pdf_text")),
		parser.WithExtractTimeout(config.GetDuration(cfg.Scoring.ExtractorTimeout, parser.DefaultExtractTimeout)),
	)
	if err != nil {
		return nil, fmt.Errorf("初始化PDF文本提取器失败: %w", err)
	}
	return parser.NewFeedbackEvaluator(limited, s.MinIO, extractor,
		parser.WithPromptTemplate(cfg.Scoring.PromptTemplate),
		parser.WithMaxResumeChars(cfg.Scoring.MaxResumeChars),
		parser.WithEvalTimeout(config.GetDuration(cfg.Scoring.EvalTimeout, 90*time.Second)),
		parser.WithEvaluatorLogger(logger.With("feedback_evaluator")),
	)
}

// startNotificationConsumer 订阅所有提交事件并写日志，作为下游通知的接入点
func startNotificationConsumer(cfg *config.Config, mq *storage.RabbitMQ, log zerolog.Logger) (chan<- struct{}, error) {
	queue := cfg.RabbitMQ.NotificationQueue
	if queue == "" {
		return nil, nil
	}
	if err := mq.EnsureQueue(queue, true); err != nil {
		return nil, fmt.Errorf("确保队列存在失败: %w", err)
	}
	if err := mq.BindQueue(queue, cfg.RabbitMQ.SubmissionExchange, "resume.#"); err != nil {
		return nil, fmt.Errorf("绑定队列失败: %w", err)
	}

	consumerLog := log.With().Str("queue", queue).Logger()
	stop, err := mq.StartConsumer(queue, consumerPrefetch, func(data []byte) bool {
		var event storage.SubmissionEvent
		if err := json.Unmarshal(data, &event); err != nil {
			// 无法解析的消息重新入队也不会成功，直接确认丢弃
			consumerLog.Error().Err(err).Msg("解析提交事件失败，丢弃")
			return true
		}
		e := consumerLog.Info().
			Str("event", event.EventType).
			Str("run_id", event.RunID).
			Str("submission_id", event.SubmissionID)
		if event.OverallScore != nil {
			e = e.Int("overall_score", *event.OverallScore)
		}
		if event.Error != "" {
			e = e.Str("error", event.Error)
		}
		e.Msg("收到提交事件")
		return true
	})
	if err != nil {
		return nil, err
	}
	consumerLog.Info().Msg("通知消费者已启动")
	return stop, nil
}
