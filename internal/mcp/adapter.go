package mcp

import (
	"context"
	"fmt"
	"strings"

	"LX-Agent/internal/config"
	xerrors "LX-Agent/internal/errors"
)

// ConnState 表示适配器连接的生命周期状态。
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateFailed       ConnState = "failed"
)

// Adapter 定义了所有后端执行服务必须实现的统一契约。
// 适配器实例会被多个会话并发调用，实现必须自行保证并发安全。
type Adapter interface {
	// Connect 建立与后端服务的连接。
	Connect(ctx context.Context) error
	// Disconnect 断开连接并释放资源。
	Disconnect() error
	// Execute 执行一次具名操作。失败时的副作用不会被回滚，
	// 路由层可能在其它适配器上重试同一操作。
	Execute(ctx context.Context, operation string, args map[string]any) (map[string]any, error)
	// Capabilities 返回该适配器声明的能力标签。
	Capabilities() []string
	// IsAvailable 报告适配器当前是否可以接受请求。
	IsAvailable() bool
}

const (
	CodeNoAvailableAdapter  xerrors.Code = "NO_AVAILABLE_ADAPTER"
	CodeNoCapableAdapter    xerrors.Code = "NO_CAPABLE_ADAPTER"
	CodeAllAdaptersFailed   xerrors.Code = "ALL_ADAPTERS_FAILED"
	CodeAdapterExecution    xerrors.Code = "ADAPTER_EXECUTION_FAILED"
	CodeAdapterConnection   xerrors.Code = "ADAPTER_CONNECTION_FAILED"
	CodeUnknownAdapterType  xerrors.Code = "UNKNOWN_ADAPTER_TYPE"
	CodeUnknownOperation    xerrors.Code = "UNKNOWN_OPERATION"
	CodeInvalidRoutingState xerrors.Code = "INVALID_ROUTING_STATE"
)

var (
	// ErrNoAvailableAdapter 表示当前没有任何已连接的适配器。
	ErrNoAvailableAdapter = xerrors.New(CodeNoAvailableAdapter, "no available adapter")
	// ErrNoCapableAdapter 表示没有适配器声明了所请求的能力。
	ErrNoCapableAdapter = xerrors.New(CodeNoCapableAdapter, "no adapter declares the requested capability")
)

func init() {
	xerrors.Register(CodeNoAvailableAdapter, xerrors.Attributes{
		Message:   "no available adapter",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeNoCapableAdapter, xerrors.Attributes{
		Message:   "no adapter declares the requested capability",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeAllAdaptersFailed, xerrors.Attributes{
		Message:   "all adapters failed to execute the operation",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeAdapterExecution, xerrors.Attributes{
		Message:   "adapter execution failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
	})
	xerrors.Register(CodeAdapterConnection, xerrors.Attributes{
		Message:   "adapter connection failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeUnknownAdapterType, xerrors.Attributes{
		Message:   "unknown adapter type",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeUnknownOperation, xerrors.Attributes{
		Message:   "unknown operation",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeInvalidRoutingState, xerrors.Attributes{
		Message:   "invalid routing state",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
}

// Factory 根据配置构造适配器实例。注册表是适配器生命周期的唯一属主，
// 其它组件不得自行构造或销毁适配器。
type Factory func(cfg config.ServiceConfig) (Adapter, error)

// DefaultFactory 支持内置的 local 与 http 两种适配器类型。
func DefaultFactory(cfg config.ServiceConfig) (Adapter, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case "local":
		return NewLocalAdapter(cfg), nil
	case "http", "cloud":
		return NewHTTPAdapter(cfg)
	default:
		return nil, xerrors.New(CodeUnknownAdapterType, fmt.Sprintf("未知的适配器类型: %s", cfg.Type))
	}
}
