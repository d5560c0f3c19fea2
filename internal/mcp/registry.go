package mcp

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"LX-Agent/internal/config"
	xerrors "LX-Agent/internal/errors"
	"LX-Agent/pkg/logger"
)

// Descriptor 描述一个已注册的后端适配器实例。
type Descriptor struct {
	Name         string
	Capabilities []string
	Priority     int
	order        int
	state        ConnState
	adapter      Adapter
}

// State 返回适配器当前的连接状态。
func (d *Descriptor) State() ConnState {
	return d.state
}

// HasCapability 判断适配器是否声明了指定能力。
func (d *Descriptor) HasCapability(capability string) bool {
	for _, c := range d.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// Registry 维护适配器名称到描述符的映射。注册顺序被保留，
// 以便在优先级相同时提供确定性的决胜顺序。
type Registry struct {
	mu      sync.RWMutex
	ordered []*Descriptor
	byName  map[string]*Descriptor
	log     *slog.Logger
}

// NewRegistry 创建一个空的注册表。
func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]*Descriptor),
		log:    logger.Named("mcp.registry"),
	}
}

// Load 根据配置构造并连接所有启用的适配器。
// 单个适配器的连接失败只会被记录并将其标记为 failed，
// 不会中断整个注册表的构建：部分可用是预期内的正常状态。
func (r *Registry) Load(ctx context.Context, services []config.ServiceConfig, factory Factory) {
	if factory == nil {
		factory = DefaultFactory
	}
	for _, svc := range services {
		if !svc.Enabled {
			r.log.Info("适配器已禁用，跳过", slog.String("adapter", svc.Name))
			continue
		}
		adapter, err := factory(svc)
		if err != nil {
			r.log.Error("创建适配器失败", slog.String("adapter", svc.Name), slog.Any("error", err))
			continue
		}

		desc := &Descriptor{
			Name:         svc.Name,
			Capabilities: append([]string(nil), svc.Capabilities...),
			Priority:     svc.Priority,
			adapter:      adapter,
			state:        StateConnecting,
		}
		if len(desc.Capabilities) == 0 {
			desc.Capabilities = append([]string(nil), adapter.Capabilities()...)
		}

		if err := adapter.Connect(ctx); err != nil {
			desc.state = StateFailed
			r.log.Error("连接适配器失败", slog.String("adapter", svc.Name), slog.Any("error", err))
		} else {
			desc.state = StateConnected
			r.log.Info("适配器连接成功",
				slog.String("adapter", svc.Name),
				slog.Int("priority", svc.Priority),
				slog.Any("capabilities", desc.Capabilities),
			)
		}

		r.mu.Lock()
		desc.order = len(r.ordered)
		r.ordered = append(r.ordered, desc)
		r.byName[desc.Name] = desc
		r.mu.Unlock()
	}
}

// AvailableFor 返回所有已连接且声明了指定能力的适配器，
// 按优先级升序排列，优先级相同时按注册顺序。
// capability 为空时返回所有已连接的适配器。
func (r *Registry) AvailableFor(capability string) []*Descriptor {
	matched := r.connectedInOrder(capability)
	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].Priority == matched[j].Priority {
			return matched[i].order < matched[j].order
		}
		return matched[i].Priority < matched[j].Priority
	})
	return matched
}

// ConnectedInOrder 按注册顺序返回已连接的适配器，供默认路由策略使用。
func (r *Registry) ConnectedInOrder(capability string) []*Descriptor {
	return r.connectedInOrder(capability)
}

func (r *Registry) connectedInOrder(capability string) []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	matched := make([]*Descriptor, 0, len(r.ordered))
	for _, desc := range r.ordered {
		if desc.state != StateConnected || !desc.adapter.IsAvailable() {
			continue
		}
		if capability != "" && !desc.HasCapability(capability) {
			continue
		}
		matched = append(matched, desc)
	}
	return matched
}

// MarkFailed 将适配器标记为失败，但保留在注册表中，
// 外部健康检查可以在之后通过 Reconnect 恢复它。
func (r *Registry) MarkFailed(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if desc, ok := r.byName[name]; ok {
		desc.state = StateFailed
		r.log.Warn("适配器被标记为失败", slog.String("adapter", name))
	}
}

// Reconnect 尝试重新连接处于失败状态的适配器。
func (r *Registry) Reconnect(ctx context.Context, name string) error {
	r.mu.Lock()
	desc, ok := r.byName[name]
	if !ok {
		r.mu.Unlock()
		return xerrors.New(xerrors.CodeNotFound, "适配器不存在: "+name)
	}
	if desc.state == StateConnected {
		r.mu.Unlock()
		return nil
	}
	desc.state = StateConnecting
	adapter := desc.adapter
	r.mu.Unlock()

	if err := adapter.Connect(ctx); err != nil {
		r.MarkFailed(name)
		return xerrors.Wrap(CodeAdapterConnection, err, "重连适配器失败: "+name)
	}

	r.mu.Lock()
	desc.state = StateConnected
	r.mu.Unlock()
	r.log.Info("适配器重连成功", slog.String("adapter", name))
	return nil
}

// Get 按名称返回描述符。
func (r *Registry) Get(name string) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	desc, ok := r.byName[name]
	return desc, ok
}

// ConnectedCount 返回当前已连接的适配器数量。
func (r *Registry) ConnectedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for _, desc := range r.ordered {
		if desc.state == StateConnected {
			count++
		}
	}
	return count
}

// CapabilityCatalogue 返回所有已连接适配器的能力清单，
// 供大模型规划与 API 查询使用。对同一注册表状态重复调用结果一致。
func (r *Registry) CapabilityCatalogue() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	catalogue := make(map[string][]string)
	for _, desc := range r.ordered {
		if desc.state != StateConnected {
			continue
		}
		catalogue[desc.Name] = append([]string(nil), desc.Capabilities...)
	}
	return catalogue
}

// Shutdown 断开所有适配器。任何单个适配器的断开失败都不会
// 阻止其余适配器的清理；所有错误被汇总后返回并记录。
func (r *Registry) Shutdown() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for _, desc := range r.ordered {
		if err := desc.adapter.Disconnect(); err != nil {
			r.log.Error("断开适配器失败", slog.String("adapter", desc.Name), slog.Any("error", err))
			errs = append(errs, err)
		}
		desc.state = StateDisconnected
	}
	return errors.Join(errs...)
}
