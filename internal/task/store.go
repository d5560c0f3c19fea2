package task

import "context"

// ListOptions 控制任务列表查询。
type ListOptions struct {
	Status    Status
	SessionID string
	Limit     int
	Offset    int
}

// Stats 汇总各状态的任务数量。
type Stats struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Total 返回任务总数。
func (s Stats) Total() int {
	return s.Pending + s.Running + s.Succeeded + s.Failed
}

// Store 定义任务状态的持久化接口。实现必须保证并发安全。
type Store interface {
	// Save 插入或整体覆盖一条任务。
	Save(ctx context.Context, task *Task) error
	// Get 按 ID 返回任务快照。找不到时返回 TASK_NOT_FOUND。
	Get(ctx context.Context, id string) (*Task, error)
	// List 按条件返回任务，按创建时间倒序。
	List(ctx context.Context, opts ListOptions) ([]*Task, error)
	// Stats 返回各状态的任务计数。
	Stats(ctx context.Context) (Stats, error)
	// Close 释放底层资源。
	Close() error
}

// Queue 定义任务 ID 的投递接口。Dequeue 在队列为空时阻塞，
// 直到有新任务、上下文取消或队列关闭。
type Queue interface {
	// Enqueue 投递一个任务 ID。
	Enqueue(ctx context.Context, id string) error
	// Dequeue 取出一个任务 ID。队列关闭后返回 TASK_QUEUE_CLOSED。
	Dequeue(ctx context.Context) (string, error)
	// Close 关闭队列并唤醒所有阻塞的消费者。
	Close() error
}
