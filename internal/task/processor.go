package task

import (
	"context"
	"log/slog"
	"sync"

	"LX-Agent/internal/agent"
	xerrors "LX-Agent/internal/errors"
	"LX-Agent/internal/observability/alerting"
	"LX-Agent/pkg/logger"
)

// Executor 抽象了任务的实际执行方。
type Executor interface {
	Run(ctx context.Context, req agent.RunRequest) (*agent.RunSummary, error)
}

// Processor 从队列消费任务并驱动执行，失败时按可重试性决定
// 重新入队还是落入终态。
type Processor struct {
	service  *Service
	executor Executor
	alerts   *alerting.Dispatcher
	workers  int
	log      *slog.Logger
	wg       sync.WaitGroup
}

// NewProcessor 构造任务处理器。
func NewProcessor(service *Service, executor Executor, alerts *alerting.Dispatcher, workers int) *Processor {
	if workers <= 0 {
		workers = 4
	}
	return &Processor{
		service:  service,
		executor: executor,
		alerts:   alerts,
		workers:  workers,
		log:      logger.Named("task.processor"),
	}
}

// Start 启动工作协程。上下文取消后所有协程退出。
func (p *Processor) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// Wait 阻塞直到所有工作协程退出。
func (p *Processor) Wait() {
	p.wg.Wait()
}

func (p *Processor) worker(ctx context.Context, index int) {
	defer p.wg.Done()
	log := p.log.With(slog.Int("worker", index))
	for {
		id, err := p.service.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || xerrors.CodeOf(err) == CodeTaskQueueClosed {
				log.Info("工作协程退出")
				return
			}
			log.Error("出队失败", slog.Any("error", err))
			continue
		}
		p.process(ctx, id)
	}
}

// process 执行单个任务并推进其状态机。
func (p *Processor) process(ctx context.Context, id string) {
	task, err := p.service.store.Get(ctx, id)
	if err != nil {
		p.log.Error("加载任务失败", slog.String("task_id", id), slog.Any("error", err))
		return
	}
	if task.Status.Terminal() {
		// 队列消息可能被重复投递，终态任务直接跳过。
		return
	}

	task.Status = StatusRunning
	task.Attempts++
	if err := p.service.store.Save(ctx, task); err != nil {
		p.log.Error("更新任务状态失败", slog.String("task_id", id), slog.Any("error", err))
		return
	}

	result, runErr := p.executor.Run(ctx, agent.RunRequest{
		SessionID:    task.SessionID,
		Command:      task.Command,
		Capability:   task.Capability,
		AutoContinue: &task.AutoContinue,
		MaxSteps:     task.MaxSteps,
	})
	if runErr == nil {
		task.Status = StatusSucceeded
		task.Result = result
		task.SessionID = result.SessionID
		task.LastError = ""
		task.ErrorCode = ""
		if err := p.service.store.Save(ctx, task); err != nil {
			p.log.Error("保存任务结果失败", slog.String("task_id", id), slog.Any("error", err))
		}
		p.log.Info("任务执行成功",
			slog.String("task_id", id),
			slog.String("status", string(result.Status)),
		)
		return
	}

	task.LastError = runErr.Error()
	task.ErrorCode = string(xerrors.CodeOf(runErr))
	if result != nil {
		// 规划失败的摘要仍带有已执行的步骤，保留下来；会话号也回填，
		// 重试会落在同一会话上，历史得以延续。
		task.Result = result
		if result.SessionID != "" {
			task.SessionID = result.SessionID
		}
	}

	if xerrors.RetryableError(runErr) && task.Attempts <= task.MaxRetries {
		task.Status = StatusPending
		if err := p.service.store.Save(ctx, task); err != nil {
			p.log.Error("保存重试状态失败", slog.String("task_id", id), slog.Any("error", err))
			return
		}
		if err := p.service.queue.Enqueue(ctx, id); err != nil {
			p.log.Error("重新入队失败", slog.String("task_id", id), slog.Any("error", err))
			return
		}
		p.log.Warn("任务将重试",
			slog.String("task_id", id),
			slog.Int("attempt", task.Attempts),
			slog.Any("error", runErr),
		)
		return
	}

	task.Status = StatusFailed
	if err := p.service.store.Save(ctx, task); err != nil {
		p.log.Error("保存失败状态失败", slog.String("task_id", id), slog.Any("error", err))
	}
	p.log.Error("任务最终失败",
		slog.String("task_id", id),
		slog.Int("attempts", task.Attempts),
		slog.Any("error", runErr),
	)
	if p.alerts != nil {
		if task.Attempts > task.MaxRetries && xerrors.RetryableError(runErr) {
			p.alerts.AlertError(ctx, "task.processor",
				xerrors.Wrap(CodeTaskRetryExceeded, runErr, "任务重试耗尽: "+id))
		} else {
			p.alerts.AlertError(ctx, "task.processor", runErr)
		}
	}
}
