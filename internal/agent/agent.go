package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"LX-Agent/internal/config"
	xerrors "LX-Agent/internal/errors"
	"LX-Agent/internal/llm"
	"LX-Agent/internal/mcp"
	"LX-Agent/internal/session"
	"LX-Agent/pkg/logger"
)

const (
	CodeConfirmationRequired xerrors.Code = "CONFIRMATION_REQUIRED"
	CodeStepBudgetExceeded   xerrors.Code = "STEP_BUDGET_EXCEEDED"
	CodeNoPendingPlan        xerrors.Code = "NO_PENDING_PLAN"
)

func init() {
	xerrors.Register(CodeConfirmationRequired, xerrors.Attributes{
		Message:   "dangerous call requires confirmation",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeStepBudgetExceeded, xerrors.Attributes{
		Message:   "step budget exceeded",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeNoPendingPlan, xerrors.Attributes{
		Message:   "session has no pending plan to confirm",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// RunStatus 是一次命令执行的终态。
type RunStatus string

const (
	// StatusCompleted 命令正常完成。
	StatusCompleted RunStatus = "completed"
	// StatusAwaitingConfirmation 遇到危险调用，等待用户确认后继续。
	StatusAwaitingConfirmation RunStatus = "awaiting_confirmation"
	// StatusBudgetExceeded 步数预算耗尽，命令未必完成。
	StatusBudgetExceeded RunStatus = "step_budget_exceeded"
	// StatusPlanningFailed 模型无法为当前步给出有效规划，
	// 已执行的步骤保留在结果中，会话可继续接收命令。
	StatusPlanningFailed RunStatus = "planning_failed"
)

// RunRequest 描述一次命令执行请求。
type RunRequest struct {
	SessionID    string `json:"session_id,omitempty"`
	Command      string `json:"command"`
	Capability   string `json:"capability,omitempty"`
	AutoContinue *bool  `json:"auto_continue,omitempty"`
	MaxSteps     int    `json:"max_steps,omitempty"`
	// Confirm 为 true 时表示用户批准了上一次暂停的危险调用，
	// SessionID 必须指向处于等待确认状态的会话。
	Confirm bool `json:"confirm,omitempty"`
}

// StepResult 记录循环中单个调用的执行情况。
type StepResult struct {
	Step      int            `json:"step"`
	Operation string         `json:"operation"`
	Adapter   string         `json:"adapter,omitempty"`
	Attempted []string       `json:"attempted,omitempty"`
	Result    map[string]any `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// RunSummary 是一次命令执行的完整结果。
type RunSummary struct {
	SessionID    string         `json:"session_id"`
	Status       RunStatus      `json:"status"`
	Summary      string         `json:"summary,omitempty"`
	Steps        []StepResult   `json:"steps,omitempty"`
	PendingCalls []llm.ToolCall `json:"pending_calls,omitempty"`
	// Error 在规划失败时记录结构化错误信息，Steps 仍包含已执行的步骤。
	Error string `json:"error,omitempty"`
}

// pendingPlan 保存等待用户确认的调用与原始命令。
type pendingPlan struct {
	command  string
	calls    []llm.ToolCall
	capHint  string
	maxSteps int
	stepUsed int
	results  []llm.CallResult
}

// Agent 驱动「规划-执行-总结」循环，把自然语言命令翻译成适配器调用。
type Agent struct {
	router   *mcp.Router
	registry *mcp.Registry
	planner  llm.Planner
	sessions session.Store
	security config.SecurityConfig
	maxSteps int
	log      *slog.Logger

	mu       sync.Mutex
	pending  map[string]*pendingPlan
	sessLock map[string]*sync.Mutex
}

// New 构造执行代理。
func New(router *mcp.Router, registry *mcp.Registry, planner llm.Planner,
	sessions session.Store, security config.SecurityConfig, maxSteps int) *Agent {
	if maxSteps <= 0 {
		maxSteps = 10
	}
	return &Agent{
		router:   router,
		registry: registry,
		planner:  planner,
		sessions: sessions,
		security: security,
		maxSteps: maxSteps,
		log:      logger.Named("agent"),
		pending:  make(map[string]*pendingPlan),
		sessLock: make(map[string]*sync.Mutex),
	}
}

// lockSession 串行化同一会话上的并发执行。
func (a *Agent) lockSession(id string) func() {
	a.mu.Lock()
	lock, ok := a.sessLock[id]
	if !ok {
		lock = &sync.Mutex{}
		a.sessLock[id] = lock
	}
	a.mu.Unlock()
	lock.Lock()
	return lock.Unlock
}

// Run 执行一条命令直到完成、暂停等待确认或步数耗尽。
// 单个调用失败不会中断本步中的其余调用，失败信息会进入历史
// 并喂回给模型，由模型决定下一步如何处理。
// 规划失败时错误与摘要同时返回：摘要携带此前已执行的步骤。
func (a *Agent) Run(ctx context.Context, req RunRequest) (*RunSummary, error) {
	if req.Confirm {
		return a.resume(ctx, req)
	}
	if strings.TrimSpace(req.Command) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "command 不能为空")
	}

	sess, err := a.resolveSession(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	unlock := a.lockSession(sess.ID)
	defer unlock()

	if sess.Status == session.StatusEnded {
		return nil, xerrors.New(session.CodeSessionEnded, "会话已结束: "+sess.ID)
	}
	if _, ok := a.pendingFor(sess.ID); ok {
		return nil, xerrors.New(CodeConfirmationRequired,
			"会话有待确认的调用，请先确认或结束会话: "+sess.ID)
	}
	if sess.Status == session.StatusAwaitingConfirmation {
		// 进程重启会丢失待确认计划，会话回到活跃状态重新接收命令。
		if err := a.sessions.SetStatus(ctx, sess.ID, session.StatusActive); err != nil {
			return nil, err
		}
	}

	logger.Audit().Info("命令已提交",
		slog.String("session_id", sess.ID),
		slog.String("command", req.Command),
	)
	if err := a.sessions.AppendTurn(ctx, sess.ID, session.Turn{
		Role:    "user",
		Content: req.Command,
	}); err != nil {
		return nil, err
	}

	plan := &pendingPlan{
		command:  req.Command,
		capHint:  req.Capability,
		maxSteps: a.effectiveMaxSteps(req.MaxSteps),
	}
	return a.loop(ctx, sess.ID, plan, a.autoContinue(req.AutoContinue))
}

// resume 在用户确认后继续执行被暂停的危险调用。
func (a *Agent) resume(ctx context.Context, req RunRequest) (*RunSummary, error) {
	if req.SessionID == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "确认时必须携带 session_id")
	}
	unlock := a.lockSession(req.SessionID)
	defer unlock()

	plan, ok := a.takePending(req.SessionID)
	if !ok {
		return nil, xerrors.New(CodeNoPendingPlan, "会话没有待确认的调用: "+req.SessionID)
	}
	if err := a.sessions.SetStatus(ctx, req.SessionID, session.StatusActive); err != nil {
		return nil, err
	}

	logger.Audit().Info("危险调用已获用户确认",
		slog.String("session_id", req.SessionID),
		slog.Int("calls", len(plan.calls)),
	)
	// 确认过的调用跳过安全闸门执行一次，其后回到正常循环。
	return a.loop(ctx, req.SessionID, plan, a.autoContinue(req.AutoContinue))
}

// loop 是核心执行循环：规划、安全检查、执行、进入下一步。
func (a *Agent) loop(ctx context.Context, sessionID string, plan *pendingPlan, autoContinue bool) (*RunSummary, error) {
	summary := &RunSummary{SessionID: sessionID}
	confirmed := len(plan.calls) > 0

	for plan.stepUsed < plan.maxSteps {
		calls := plan.calls
		plan.calls = nil

		if len(calls) == 0 {
			sess, err := a.sessions.Get(ctx, sessionID)
			if err != nil {
				return nil, err
			}
			proposed, err := a.planner.ProposeCalls(ctx, llm.PlanRequest{
				Command:   plan.command,
				History:   historyForModel(sess.History),
				Catalogue: a.registry.CapabilityCatalogue(),
			})
			if err != nil {
				// 规划失败只中止当前步：之前执行过的步骤连同结构化错误
				// 一并返回，历史已落库，会话可直接重试该命令。
				planErr := xerrors.Wrap(llm.CodeModelPlanningFailed, err, "命令规划失败")
				a.log.Warn("规划失败",
					slog.String("session_id", sessionID),
					slog.Any("error", planErr),
				)
				summary.Status = StatusPlanningFailed
				summary.Error = planErr.Error()
				summary.Summary = "本步规划失败，已执行的步骤见 steps"
				return summary, planErr
			}
			if proposed.Done {
				return a.finish(ctx, sessionID, summary, plan, proposed.Summary)
			}
			calls = proposed.Calls
			confirmed = false
		}

		if !confirmed && !autoContinue {
			if dangerous := a.firstDangerous(calls); dangerous != "" {
				plan.calls = calls
				a.storePending(sessionID, plan)
				if err := a.sessions.SetStatus(ctx, sessionID, session.StatusAwaitingConfirmation); err != nil {
					return nil, err
				}
				logger.Audit().Warn("危险调用等待确认",
					slog.String("session_id", sessionID),
					slog.String("operation", dangerous),
				)
				summary.Status = StatusAwaitingConfirmation
				summary.PendingCalls = calls
				summary.Summary = "操作 " + dangerous + " 属于危险操作，已暂停等待确认"
				return summary, nil
			}
		}

		plan.stepUsed++
		resultsBefore := len(plan.results)
		var stepResults []session.Action
		if !confirmed && autoContinue && !a.security.AutoContinueDangerous {
			calls, stepResults = a.refuseDangerous(plan, calls, summary)
		}
		stepResults = append(stepResults, a.executeCalls(ctx, plan, calls, summary)...)
		if err := a.sessions.AppendTurn(ctx, sessionID, session.Turn{
			Role:    "assistant",
			Content: a.summarizeStep(ctx, plan, plan.results[resultsBefore:], stepResults),
			Actions: stepResults,
		}); err != nil {
			return nil, err
		}
		confirmed = false
	}

	// 预算耗尽不是错误：命令可能已部分完成，交由总结说明现状。
	summary.Status = StatusBudgetExceeded
	text, err := a.planner.Summarize(ctx, plan.command, plan.results)
	if err != nil {
		a.log.Warn("总结失败", slog.Any("error", err))
		text = fmt.Sprintf("已达到 %d 步的执行上限，命令可能未完成", plan.maxSteps)
	}
	summary.Summary = text
	return summary, nil
}

// finish 在模型宣告完成后生成总结并落历史。
func (a *Agent) finish(ctx context.Context, sessionID string, summary *RunSummary, plan *pendingPlan, modelSummary string) (*RunSummary, error) {
	text := strings.TrimSpace(modelSummary)
	if text == "" {
		generated, err := a.planner.Summarize(ctx, plan.command, plan.results)
		if err != nil {
			a.log.Warn("总结失败", slog.Any("error", err))
			generated = "命令已执行完成"
		}
		text = generated
	}
	if err := a.sessions.AppendTurn(ctx, sessionID, session.Turn{
		Role:    "assistant",
		Content: text,
	}); err != nil {
		return nil, err
	}
	summary.Status = StatusCompleted
	summary.Summary = text
	return summary, nil
}

// executeCalls 顺序执行一步中的所有调用。部分失败不中断整步。
func (a *Agent) executeCalls(ctx context.Context, plan *pendingPlan, calls []llm.ToolCall, summary *RunSummary) []session.Action {
	actions := make([]session.Action, 0, len(calls))
	for _, call := range calls {
		capability := call.Capability
		if capability == "" {
			capability = plan.capHint
		}
		step := StepResult{
			Step:      plan.stepUsed,
			Operation: call.Operation,
		}
		action := session.Action{Operation: call.Operation}
		result := llm.CallResult{Operation: call.Operation}

		outcome, err := a.router.Route(ctx, mcp.Request{
			Capability: capability,
			Operation:  call.Operation,
			Arguments:  call.Arguments,
		})
		if err != nil {
			step.Error = err.Error()
			action.Error = err.Error()
			result.Error = err.Error()
			a.log.Warn("调用执行失败",
				slog.String("operation", call.Operation),
				slog.Any("error", err),
			)
		} else {
			step.Adapter = outcome.AdapterUsed
			step.Attempted = outcome.Attempted
			step.Result = outcome.Result
			action.Adapter = outcome.AdapterUsed
			action.Attempted = outcome.Attempted
			action.Result = outcome.Result
			result.Adapter = outcome.AdapterUsed
			result.Result = outcome.Result
		}

		summary.Steps = append(summary.Steps, step)
		plan.results = append(plan.results, result)
		actions = append(actions, action)
	}
	return actions
}

// firstDangerous 返回第一条命中危险清单的操作，没有则返回空串。
func (a *Agent) firstDangerous(calls []llm.ToolCall) string {
	for _, call := range calls {
		if a.isDangerous(call.Operation) {
			return call.Operation
		}
	}
	return ""
}

func (a *Agent) isDangerous(operation string) bool {
	for _, dangerous := range a.security.DangerousOperations {
		if operation == dangerous {
			return true
		}
	}
	return false
}

// refuseDangerous 在全局未放行危险操作时拒绝命中的调用，其余照常执行。
// 被拒绝的调用以失败结果记录，模型在下一步的历史中能看到拒绝原因。
func (a *Agent) refuseDangerous(plan *pendingPlan, calls []llm.ToolCall, summary *RunSummary) ([]llm.ToolCall, []session.Action) {
	const reason = "危险操作未获全局放行，已拒绝执行"
	allowed := make([]llm.ToolCall, 0, len(calls))
	var refused []session.Action
	for _, call := range calls {
		if !a.isDangerous(call.Operation) {
			allowed = append(allowed, call)
			continue
		}
		logger.Audit().Warn("危险调用被拒绝",
			slog.String("operation", call.Operation),
		)
		summary.Steps = append(summary.Steps, StepResult{
			Step:      plan.stepUsed,
			Operation: call.Operation,
			Error:     reason,
		})
		plan.results = append(plan.results, llm.CallResult{Operation: call.Operation, Error: reason})
		refused = append(refused, session.Action{Operation: call.Operation, Error: reason})
	}
	return allowed, refused
}

func (a *Agent) resolveSession(ctx context.Context, id string) (*session.Session, error) {
	if id == "" {
		return a.sessions.Create(ctx)
	}
	return a.sessions.Get(ctx, id)
}

// autoContinue 决定本次命令是否跳过确认暂停。调用方未显式指定时
// 跟随全局交互开关；危险调用能否真正执行另由 AutoContinueDangerous 把关。
func (a *Agent) autoContinue(override *bool) bool {
	if override != nil {
		return *override
	}
	return a.security.AutoContinueInteractive
}

func (a *Agent) effectiveMaxSteps(requested int) int {
	if requested > 0 && requested < a.maxSteps {
		return requested
	}
	return a.maxSteps
}

func (a *Agent) storePending(sessionID string, plan *pendingPlan) {
	a.mu.Lock()
	a.pending[sessionID] = plan
	a.mu.Unlock()
}

func (a *Agent) pendingFor(sessionID string) (*pendingPlan, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	plan, ok := a.pending[sessionID]
	return plan, ok
}

func (a *Agent) takePending(sessionID string) (*pendingPlan, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	plan, ok := a.pending[sessionID]
	if ok {
		delete(a.pending, sessionID)
	}
	return plan, ok
}

// GetSession 返回会话快照。
func (a *Agent) GetSession(ctx context.Context, id string) (*session.Session, error) {
	return a.sessions.Get(ctx, id)
}

// EndSession 结束会话并丢弃待确认的调用。
func (a *Agent) EndSession(ctx context.Context, id string) error {
	unlock := a.lockSession(id)
	defer unlock()
	a.takePending(id)
	if err := a.sessions.SetStatus(ctx, id, session.StatusEnded); err != nil {
		return err
	}
	logger.Audit().Info("会话已结束", slog.String("session_id", id))
	return nil
}

// DeleteSession 删除会话及其历史。
func (a *Agent) DeleteSession(ctx context.Context, id string) error {
	unlock := a.lockSession(id)
	defer unlock()
	a.takePending(id)
	if err := a.sessions.Delete(ctx, id); err != nil {
		return err
	}
	a.mu.Lock()
	delete(a.sessLock, id)
	a.mu.Unlock()
	return nil
}

// ListCapabilities 返回当前可用的能力清单。
func (a *Agent) ListCapabilities() map[string][]string {
	return a.registry.CapabilityCatalogue()
}

// historyForModel 把会话历史转成模型可消费的形式。
func historyForModel(turns []session.Turn) []llm.HistoryTurn {
	history := make([]llm.HistoryTurn, 0, len(turns))
	for _, turn := range turns {
		history = append(history, llm.HistoryTurn{Role: turn.Role, Content: turn.Content})
	}
	return history
}

// summarizeStep 让模型总结本步的执行结果作为助手回合内容；
// 总结失败不中断循环，退回机械描述，历史照常落库。
func (a *Agent) summarizeStep(ctx context.Context, plan *pendingPlan, outcomes []llm.CallResult, actions []session.Action) string {
	text, err := a.planner.Summarize(ctx, plan.command, outcomes)
	if err != nil {
		a.log.Warn("总结失败", slog.Any("error", err))
		return describeStep(plan.stepUsed, actions)
	}
	if text = strings.TrimSpace(text); text == "" {
		return describeStep(plan.stepUsed, actions)
	}
	return text
}

// describeStep 为历史生成一步执行的文字描述。
func describeStep(step int, actions []session.Action) string {
	parts := make([]string, 0, len(actions))
	for _, action := range actions {
		if action.Error != "" {
			parts = append(parts, fmt.Sprintf("%s 失败: %s", action.Operation, action.Error))
		} else {
			parts = append(parts, fmt.Sprintf("%s 完成于 %s", action.Operation, action.Adapter))
		}
	}
	return fmt.Sprintf("第 %d 步: %s", step, strings.Join(parts, "; "))
}
