package task

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "LX-Agent/internal/errors"
)

// MemoryStore 是基于内存的任务存储，适用于单机部署与测试。
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*Task
}

// NewMemoryStore 创建内存任务存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*Task)}
}

// Save 插入或整体覆盖一条任务。
func (s *MemoryStore) Save(_ context.Context, task *Task) error {
	if task == nil || task.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务缺少 ID")
	}
	clone := task.Clone()
	clone.UpdatedAt = time.Now()
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = clone.UpdatedAt
	}
	s.mu.Lock()
	s.tasks[clone.ID] = clone
	s.mu.Unlock()
	return nil
}

// Get 按 ID 返回任务快照。
func (s *MemoryStore) Get(_ context.Context, id string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, xerrors.New(CodeTaskNotFound, "任务不存在: "+id)
	}
	return task.Clone(), nil
}

// List 按条件返回任务，按创建时间倒序。
func (s *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Task, error) {
	s.mu.RLock()
	matched := make([]*Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		if opts.Status != "" && task.Status != opts.Status {
			continue
		}
		if opts.SessionID != "" && task.SessionID != opts.SessionID {
			continue
		}
		matched = append(matched, task.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(matched) {
		matched = matched[:opts.Limit]
	}
	return matched, nil
}

// Stats 返回各状态的任务计数。
func (s *MemoryStore) Stats(_ context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var stats Stats
	for _, task := range s.tasks {
		switch task.Status {
		case StatusPending:
			stats.Pending++
		case StatusRunning:
			stats.Running++
		case StatusSucceeded:
			stats.Succeeded++
		case StatusFailed:
			stats.Failed++
		}
	}
	return stats, nil
}

// Close 实现 Store 接口。
func (s *MemoryStore) Close() error {
	return nil
}
