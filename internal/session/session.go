package session

import (
	"time"

	xerrors "LX-Agent/internal/errors"
)

// Status 表示会话生命周期状态。
type Status string

const (
	// StatusActive 会话正常，可以继续接收命令。
	StatusActive Status = "active"
	// StatusAwaitingConfirmation 会话中有危险调用等待用户确认。
	StatusAwaitingConfirmation Status = "awaiting_confirmation"
	// StatusEnded 会话已被用户显式结束。
	StatusEnded Status = "ended"
)

const (
	CodeSessionNotFound xerrors.Code = "SESSION_NOT_FOUND"
	CodeSessionEnded    xerrors.Code = "SESSION_ENDED"
)

func init() {
	xerrors.Register(CodeSessionNotFound, xerrors.Attributes{
		Message:   "session not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeSessionEnded, xerrors.Attributes{
		Message:   "session has ended",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// Action 记录一轮对话中实际发生的一次适配器调用。
type Action struct {
	Operation string         `json:"operation"`
	Adapter   string         `json:"adapter,omitempty"`
	Attempted []string       `json:"attempted,omitempty"`
	Result    map[string]any `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// Turn 是会话历史中的一条记录。
type Turn struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Actions   []Action  `json:"actions,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Session 表示一个多轮对话会话。History 按时间升序排列，
// 条数达到上限后最旧的记录被淘汰。
type Session struct {
	ID        string    `json:"id"`
	Status    Status    `json:"status"`
	History   []Turn    `json:"history"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone 返回会话的深拷贝，调用方可以安全地修改返回值。
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	clone := *s
	clone.History = make([]Turn, len(s.History))
	copy(clone.History, s.History)
	return &clone
}
