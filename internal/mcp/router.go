package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"

	xerrors "LX-Agent/internal/errors"
	"LX-Agent/pkg/logger"
)

// Strategy 表示全局生效的路由策略。
type Strategy string

const (
	// StrategyDefault 按注册顺序选择第一个满足能力要求的可用适配器。
	StrategyDefault Strategy = ""
	// StrategyCapabilityMatch 在声明了所需能力的适配器中选择优先级最小者。
	StrategyCapabilityMatch Strategy = "capability_match"
	// StrategyPriorityFirst 忽略能力要求，在所有可用适配器中选择优先级最小者。
	StrategyPriorityFirst Strategy = "priority_first"
	// StrategyLoadBalance 在所有可用适配器中均匀随机选择。
	StrategyLoadBalance Strategy = "load_balance"
)

// ParseStrategy 将配置中的字符串解析为路由策略。
func ParseStrategy(raw string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(raw))) {
	case StrategyDefault, StrategyCapabilityMatch, StrategyPriorityFirst, StrategyLoadBalance:
		return Strategy(strings.ToLower(strings.TrimSpace(raw))), nil
	default:
		return StrategyDefault, xerrors.New(xerrors.CodeInvalidArgument, "未知的路由策略: "+raw)
	}
}

// Request 描述一次需要路由的操作。
type Request struct {
	Capability string         `json:"capability,omitempty"`
	Operation  string         `json:"operation"`
	Arguments  map[string]any `json:"arguments,omitempty"`
}

// Outcome 记录一次路由执行的结果，包括完整的尝试链路。
type Outcome struct {
	AdapterUsed string         `json:"adapter_used"`
	Result      map[string]any `json:"result,omitempty"`
	Attempted   []string       `json:"attempted"`
}

// AttemptError 记录单个适配器的执行失败。
type AttemptError struct {
	Adapter string
	Err     error
}

// FailoverError 在所有候选适配器都执行失败时返回，
// 按尝试顺序携带每个适配器的错误。
type FailoverError struct {
	Attempts []AttemptError
}

// Error 实现 error 接口。
func (e *FailoverError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, attempt := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s: %v", attempt.Adapter, attempt.Err))
	}
	return fmt.Sprintf("所有适配器执行失败 (%d 次尝试): %s", len(e.Attempts), strings.Join(parts, "; "))
}

// Attempted 返回按顺序尝试过的适配器名称。
func (e *FailoverError) Attempted() []string {
	names := make([]string, 0, len(e.Attempts))
	for _, attempt := range e.Attempts {
		names = append(names, attempt.Adapter)
	}
	return names
}

// Router 根据路由策略选择适配器执行操作，并在失败时沿候选链路转移。
type Router struct {
	registry *Registry
	strategy Strategy
	log      *slog.Logger

	rngMu sync.Mutex
	rng   *rand.Rand
}

// RouterOption 定义可选配置。
type RouterOption func(*Router)

// WithRandSource 注入随机源，使 load_balance 策略在测试下可复现。
func WithRandSource(src rand.Source) RouterOption {
	return func(r *Router) {
		r.rng = rand.New(src)
	}
}

// NewRouter 构造路由器。
func NewRouter(registry *Registry, strategy Strategy, opts ...RouterOption) *Router {
	r := &Router{
		registry: registry,
		strategy: strategy,
		log:      logger.Named("mcp.router"),
		rng:      rand.New(rand.NewSource(rand.Int63())),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Route 执行一次路由：选择主适配器执行，失败时在剩余候选者上
// 逐个重试，每个候选者只尝试一次。总尝试次数不会超过当前可用
// 适配器的数量，因此必然终止。
//
// 失败的尝试可能已经产生部分副作用，路由层不做去重与回滚；
// 只有幂等操作才能安全地依赖转移重试。
func (r *Router) Route(ctx context.Context, req Request) (*Outcome, error) {
	if strings.TrimSpace(req.Operation) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "operation 不能为空")
	}

	primary, candidates, err := r.selectCandidates(req.Capability)
	if err != nil {
		return nil, err
	}

	attempted := []string{primary.Name}
	result, execErr := primary.adapter.Execute(ctx, req.Operation, req.Arguments)
	if execErr == nil {
		return &Outcome{AdapterUsed: primary.Name, Result: result, Attempted: attempted}, nil
	}

	r.log.Warn("主适配器执行失败",
		slog.String("adapter", primary.Name),
		slog.String("operation", req.Operation),
		slog.Any("error", execErr),
	)

	// 候选集 = 可用适配器 - 主适配器，若指定了能力则同时要求声明该能力。
	if len(candidates) == 0 {
		return nil, xerrors.Wrap(CodeAdapterExecution, execErr,
			"适配器 "+primary.Name+" 执行失败且无备选",
			xerrors.WithMetadata("adapter", primary.Name))
	}

	attempts := []AttemptError{{Adapter: primary.Name, Err: execErr}}
	for _, candidate := range candidates {
		attempted = append(attempted, candidate.Name)
		result, retryErr := candidate.adapter.Execute(ctx, req.Operation, req.Arguments)
		if retryErr == nil {
			logger.Audit().Info("操作经备选适配器完成",
				slog.String("operation", req.Operation),
				slog.String("primary", primary.Name),
				slog.String("fallback", candidate.Name),
				slog.Int("attempts", len(attempted)),
			)
			return &Outcome{AdapterUsed: candidate.Name, Result: result, Attempted: attempted}, nil
		}
		r.log.Warn("备选适配器执行失败",
			slog.String("adapter", candidate.Name),
			slog.String("operation", req.Operation),
			slog.Any("error", retryErr),
		)
		attempts = append(attempts, AttemptError{Adapter: candidate.Name, Err: retryErr})
	}

	return nil, xerrors.Wrap(CodeAllAdaptersFailed, &FailoverError{Attempts: attempts},
		"操作 "+req.Operation+" 在所有适配器上均失败")
}

// selectCandidates 按当前策略选出主适配器以及失败转移候选列表。
func (r *Router) selectCandidates(capability string) (*Descriptor, []*Descriptor, error) {
	all := r.registry.AvailableFor("")
	if len(all) == 0 {
		return nil, nil, ErrNoAvailableAdapter
	}

	// 转移候选始终尊重能力要求：能力未指定时在全部可用适配器中转移。
	pool := all
	if capability != "" {
		pool = r.registry.AvailableFor(capability)
	}

	var primary *Descriptor
	switch r.strategy {
	case StrategyCapabilityMatch:
		if capability != "" && len(pool) == 0 {
			return nil, nil, ErrNoCapableAdapter
		}
		primary = pool[0]
	case StrategyPriorityFirst:
		primary = all[0]
	case StrategyLoadBalance:
		r.rngMu.Lock()
		primary = all[r.rng.Intn(len(all))]
		r.rngMu.Unlock()
	default:
		ordered := r.registry.ConnectedInOrder(capability)
		if len(ordered) == 0 {
			if capability != "" {
				return nil, nil, ErrNoCapableAdapter
			}
			return nil, nil, ErrNoAvailableAdapter
		}
		primary = ordered[0]
	}

	if capability != "" && len(pool) == 0 {
		// 策略忽略能力要求时仍可能选出主适配器，但无能力匹配的转移候选。
		return primary, nil, nil
	}

	candidates := make([]*Descriptor, 0, len(pool))
	for _, desc := range pool {
		if desc.Name != primary.Name {
			candidates = append(candidates, desc)
		}
	}
	return primary, candidates, nil
}

// Strategy 返回当前生效的路由策略。
func (r *Router) Strategy() Strategy {
	return r.strategy
}
