package session

import "context"

// Store 定义会话的持久化接口。实现必须保证并发安全，
// 并在历史条数超过上限时淘汰最旧的记录。
type Store interface {
	// Create 创建一个新的会话并返回。
	Create(ctx context.Context) (*Session, error)
	// Get 按 ID 返回会话快照。找不到时返回 SESSION_NOT_FOUND。
	Get(ctx context.Context, id string) (*Session, error)
	// AppendTurn 向会话历史追加一条记录。
	AppendTurn(ctx context.Context, id string, turn Turn) error
	// SetStatus 更新会话状态。
	SetStatus(ctx context.Context, id string, status Status) error
	// Delete 删除会话及其历史。
	Delete(ctx context.Context, id string) error
	// Close 释放底层资源。
	Close() error
}
