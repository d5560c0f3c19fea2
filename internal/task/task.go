package task

import (
	"time"

	"LX-Agent/internal/agent"
	xerrors "LX-Agent/internal/errors"
)

// Status 表示异步任务的生命周期状态。
type Status string

const (
	// StatusPending 任务已入队，等待工作协程领取。
	StatusPending Status = "pending"
	// StatusRunning 任务正在执行。
	StatusRunning Status = "running"
	// StatusSucceeded 任务执行成功。
	StatusSucceeded Status = "succeeded"
	// StatusFailed 任务重试耗尽后最终失败。
	StatusFailed Status = "failed"
)

// Terminal 判断状态是否为终态。
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

const (
	CodeTaskNotFound      xerrors.Code = "TASK_NOT_FOUND"
	CodeTaskQueueClosed   xerrors.Code = "TASK_QUEUE_CLOSED"
	CodeTaskRetryExceeded xerrors.Code = "TASK_RETRY_EXCEEDED"
)

func init() {
	xerrors.Register(CodeTaskNotFound, xerrors.Attributes{
		Message:   "task not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskQueueClosed, xerrors.Attributes{
		Message:   "task queue closed",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskRetryExceeded, xerrors.Attributes{
		Message:   "task retries exhausted",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
}

// Task 是一条异步执行的自动化命令。
type Task struct {
	ID           string             `json:"id"`
	SessionID    string             `json:"session_id,omitempty"`
	Command      string             `json:"command"`
	Capability   string             `json:"capability,omitempty"`
	AutoContinue bool               `json:"auto_continue"`
	MaxSteps     int                `json:"max_steps,omitempty"`
	Status       Status             `json:"status"`
	Attempts     int                `json:"attempts"`
	MaxRetries   int                `json:"max_retries"`
	LastError    string             `json:"last_error,omitempty"`
	ErrorCode    string             `json:"error_code,omitempty"`
	Result       *agent.RunSummary  `json:"result,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

// Clone 返回任务的深拷贝。
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	clone := *t
	if t.Result != nil {
		result := *t.Result
		clone.Result = &result
	}
	return &clone
}
