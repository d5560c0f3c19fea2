package task

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "LX-Agent/internal/errors"
	"LX-Agent/pkg/logger"
)

// SubmitRequest 描述一条待异步执行的命令。
type SubmitRequest struct {
	SessionID    string `json:"session_id,omitempty"`
	Command      string `json:"command"`
	Capability   string `json:"capability,omitempty"`
	AutoContinue bool   `json:"auto_continue"`
	MaxSteps     int    `json:"max_steps,omitempty"`
}

// Service 负责任务的提交与查询，执行由 Processor 完成。
type Service struct {
	store      Store
	queue      Queue
	maxRetries int
	log        *slog.Logger
}

// NewService 构造任务服务。
func NewService(store Store, queue Queue, maxRetries int) *Service {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Service{
		store:      store,
		queue:      queue,
		maxRetries: maxRetries,
		log:        logger.Named("task.service"),
	}
}

// Submit 创建任务并入队。先落库再入队：
// 入队失败时任务留在 pending 状态，可以由补偿逻辑重新投递。
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Task, error) {
	if strings.TrimSpace(req.Command) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "command 不能为空")
	}

	now := time.Now()
	task := &Task{
		ID:           uuid.NewString(),
		SessionID:    req.SessionID,
		Command:      req.Command,
		Capability:   req.Capability,
		AutoContinue: req.AutoContinue,
		MaxSteps:     req.MaxSteps,
		Status:       StatusPending,
		MaxRetries:   s.maxRetries,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.Save(ctx, task); err != nil {
		return nil, err
	}
	if err := s.queue.Enqueue(ctx, task.ID); err != nil {
		return nil, err
	}
	s.log.Info("任务已提交",
		slog.String("task_id", task.ID),
		slog.String("session_id", task.SessionID),
	)
	return task.Clone(), nil
}

// Get 按 ID 返回任务。
func (s *Service) Get(ctx context.Context, id string) (*Task, error) {
	return s.store.Get(ctx, id)
}

// List 按条件返回任务。
func (s *Service) List(ctx context.Context, opts ListOptions) ([]*Task, error) {
	return s.store.List(ctx, opts)
}

// Stats 返回各状态的任务计数。
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	return s.store.Stats(ctx)
}

// WaitUntilCompleted 轮询任务直到进入终态或上下文取消。
// 仅供测试与命令行工具使用，服务端请走查询接口。
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, poll time.Duration) (*Task, error) {
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		task, err := s.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if task.Status.Terminal() {
			return task, nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "等待任务完成超时")
		}
	}
}
