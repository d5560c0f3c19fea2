package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"LX-Agent/internal/agent"
	"LX-Agent/internal/api"
	"LX-Agent/internal/config"
	xerrors "LX-Agent/internal/errors"
	"LX-Agent/internal/llm"
	"LX-Agent/internal/llm/openai"
	"LX-Agent/internal/mcp"
	"LX-Agent/internal/observability/alerting"
	"LX-Agent/internal/observability/metrics"
	"LX-Agent/internal/session"
	"LX-Agent/internal/task"
	"LX-Agent/pkg/logger"
)

func main() {
	configPath := flag.String("config", "configs/lxagent.yaml", "配置文件路径")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "lxagentd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled: cfg.Logging.AuditPath != "",
			Path:    cfg.Logging.AuditPath,
		},
	}); err != nil {
		return err
	}
	defer logger.Sync()
	log := logger.Named("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 适配器注册表与路由器。
	strategy, err := mcp.ParseStrategy(cfg.MCP.RoutingStrategy)
	if err != nil {
		return err
	}
	registry := mcp.NewRegistry()
	registry.Load(ctx, cfg.MCP.Services, nil)
	defer registry.Shutdown()
	if registry.ConnectedCount() == 0 {
		log.Warn("没有任何适配器连接成功，命令将无法执行")
	}
	router := mcp.NewRouter(registry, strategy)

	// 会话存储。
	sessions, err := buildSessionStore(ctx, cfg.Session)
	if err != nil {
		return err
	}
	defer sessions.Close()

	// 大模型规划器。
	planner, err := buildPlanner(cfg.LLM)
	if err != nil {
		return err
	}

	ag := agent.New(router, registry, planner, sessions, cfg.Security, cfg.Agent.MaxSteps)

	// 告警渠道。
	alerts := alerting.NewDispatcher(alerting.LogNotifier{})
	if cfg.Alerting.WebhookURL != "" {
		alerts.Register(alerting.NewWebhookNotifier(cfg.Alerting.WebhookURL))
	}

	// 异步任务子系统。
	taskStore, err := buildTaskStore(ctx, cfg.TaskQueue.Store)
	if err != nil {
		return err
	}
	defer taskStore.Close()
	taskQueue, err := buildTaskQueue(ctx, cfg.TaskQueue)
	if err != nil {
		return err
	}
	defer taskQueue.Close()

	tasks := task.NewService(taskStore, taskQueue, cfg.TaskQueue.Retries)
	processor := task.NewProcessor(tasks, ag, alerts, cfg.TaskQueue.Worker)
	processor.Start(ctx)

	collector := metrics.NewCollector()
	server := api.NewServer(cfg.Server.Address, ag, tasks, collector)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		log.Info("收到退出信号，开始优雅关闭")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("关闭 API 服务失败", slog.Any("error", err))
	}
	taskQueue.Close()
	processor.Wait()
	log.Info("lxagentd 已退出")
	return nil
}

func buildSessionStore(ctx context.Context, cfg config.SessionConfig) (session.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return session.NewMemoryStore(cfg.MaxRounds), nil
	case "mysql":
		return session.NewMySQLStore(ctx, cfg.DSN, cfg.MaxRounds)
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未知的会话存储驱动: "+cfg.Driver)
	}
}

func buildPlanner(cfg config.LLMConfig) (llm.Planner, error) {
	switch cfg.Provider {
	case "", "openai":
		return openai.New(cfg.OpenAI)
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未知的大模型提供方: "+cfg.Provider)
	}
}

func buildTaskStore(ctx context.Context, cfg config.TaskStoreConf) (task.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return task.NewMemoryStore(), nil
	case "mysql":
		return task.NewMySQLStore(ctx, cfg.DSN)
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未知的任务存储驱动: "+cfg.Driver)
	}
}

func buildTaskQueue(ctx context.Context, cfg config.TaskQueueConfig) (task.Queue, error) {
	switch cfg.Driver {
	case "", "memory":
		return task.NewMemoryQueue(0), nil
	case "redis":
		return task.NewRedisQueue(ctx, cfg.Redis)
	case "rabbitmq":
		return task.NewRabbitMQQueue(cfg.RabbitMQ)
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未知的任务队列驱动: "+cfg.Driver)
	}
}
