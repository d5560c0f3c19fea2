package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "LX-Agent/internal/errors"
)

// MemoryStore 是基于内存的会话存储，适用于单机部署与测试。
type MemoryStore struct {
	mu        sync.RWMutex
	sessions  map[string]*Session
	maxRounds int
}

// NewMemoryStore 创建内存会话存储。maxRounds 是单个会话保留的
// 历史条数上限，超出后最旧的记录被淘汰。
func NewMemoryStore(maxRounds int) *MemoryStore {
	if maxRounds <= 0 {
		maxRounds = 20
	}
	return &MemoryStore{
		sessions:  make(map[string]*Session),
		maxRounds: maxRounds,
	}
}

// Create 创建一个新的会话。
func (s *MemoryStore) Create(_ context.Context) (*Session, error) {
	now := time.Now()
	sess := &Session{
		ID:        uuid.NewString(),
		Status:    StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()
	return sess.Clone(), nil
}

// Get 返回会话的快照。
func (s *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, xerrors.New(CodeSessionNotFound, "会话不存在: "+id)
	}
	return sess.Clone(), nil
}

// AppendTurn 追加一条历史记录，超出上限时淘汰最旧的记录。
func (s *MemoryStore) AppendTurn(_ context.Context, id string, turn Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return xerrors.New(CodeSessionNotFound, "会话不存在: "+id)
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now()
	}
	sess.History = append(sess.History, turn)
	if overflow := len(sess.History) - s.maxRounds; overflow > 0 {
		sess.History = append([]Turn(nil), sess.History[overflow:]...)
	}
	sess.UpdatedAt = time.Now()
	return nil
}

// SetStatus 更新会话状态。
func (s *MemoryStore) SetStatus(_ context.Context, id string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return xerrors.New(CodeSessionNotFound, "会话不存在: "+id)
	}
	sess.Status = status
	sess.UpdatedAt = time.Now()
	return nil
}

// Delete 删除会话。
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return xerrors.New(CodeSessionNotFound, "会话不存在: "+id)
	}
	delete(s.sessions, id)
	return nil
}

// Close 实现 Store 接口，内存存储无需清理。
func (s *MemoryStore) Close() error {
	return nil
}
