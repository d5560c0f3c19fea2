package task

import (
	"context"
	"sync"

	xerrors "LX-Agent/internal/errors"
)

// MemoryQueue 是基于 channel 的进程内任务队列。
type MemoryQueue struct {
	ch        chan string
	closeOnce sync.Once
	closed    chan struct{}
}

// NewMemoryQueue 创建内存队列。capacity 为缓冲大小，非正数时取 256。
func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity <= 0 {
		capacity = 256
	}
	return &MemoryQueue{
		ch:     make(chan string, capacity),
		closed: make(chan struct{}),
	}
}

// Enqueue 投递任务 ID。队列已满时阻塞直到有空位或上下文取消。
func (q *MemoryQueue) Enqueue(ctx context.Context, id string) error {
	select {
	case <-q.closed:
		return xerrors.New(CodeTaskQueueClosed, "队列已关闭")
	default:
	}
	select {
	case q.ch <- id:
		return nil
	case <-q.closed:
		return xerrors.New(CodeTaskQueueClosed, "队列已关闭")
	case <-ctx.Done():
		return xerrors.Wrap(xerrors.CodeQueueFailure, ctx.Err(), "入队被取消")
	}
}

// Dequeue 取出任务 ID，队列为空时阻塞。
func (q *MemoryQueue) Dequeue(ctx context.Context) (string, error) {
	select {
	case id := <-q.ch:
		return id, nil
	case <-q.closed:
		// 关闭后先清空残留的任务再报告关闭。
		select {
		case id := <-q.ch:
			return id, nil
		default:
			return "", xerrors.New(CodeTaskQueueClosed, "队列已关闭")
		}
	case <-ctx.Done():
		return "", xerrors.Wrap(xerrors.CodeQueueFailure, ctx.Err(), "出队被取消")
	}
}

// Close 关闭队列并唤醒所有阻塞的消费者。
func (q *MemoryQueue) Close() error {
	q.closeOnce.Do(func() {
		close(q.closed)
	})
	return nil
}
