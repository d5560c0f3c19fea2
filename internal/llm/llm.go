package llm

import (
	"context"

	xerrors "LX-Agent/internal/errors"
)

// CodeModelPlanningFailed 表示大模型未能给出可执行的规划。
const CodeModelPlanningFailed xerrors.Code = "MODEL_PLANNING_FAILED"

func init() {
	xerrors.Register(CodeModelPlanningFailed, xerrors.Attributes{
		Message:   "model failed to produce an executable plan",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
	})
}

// ToolCall 是规划阶段产出的单个待执行调用。
type ToolCall struct {
	Capability string         `json:"capability,omitempty"`
	Operation  string         `json:"operation"`
	Arguments  map[string]any `json:"arguments,omitempty"`
	Reason     string         `json:"reason,omitempty"`
}

// HistoryTurn 是传给模型的一轮对话摘要。
type HistoryTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// PlanRequest 携带一次规划所需的全部上下文。
type PlanRequest struct {
	Command   string
	History   []HistoryTurn
	Catalogue map[string][]string
}

// Plan 是模型对当前命令的一步规划。Done 为 true 时 Calls 为空，
// 表示命令已经完成，Summary 给出结论。
type Plan struct {
	Done    bool       `json:"done"`
	Calls   []ToolCall `json:"calls,omitempty"`
	Summary string     `json:"summary,omitempty"`
}

// CallResult 是单个调用的执行结果，用于喂回给模型做总结。
type CallResult struct {
	Operation string         `json:"operation"`
	Adapter   string         `json:"adapter,omitempty"`
	Result    map[string]any `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// Planner 抽象了执行循环对大模型的两类调用。
type Planner interface {
	// ProposeCalls 根据命令、历史与能力清单给出下一步规划。
	ProposeCalls(ctx context.Context, req PlanRequest) (*Plan, error)
	// Summarize 在命令执行结束后生成面向用户的总结。
	Summarize(ctx context.Context, command string, results []CallResult) (string, error)
}
