package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"

	"LX-Agent/internal/config"
	xerrors "LX-Agent/internal/errors"
)

// HTTPAdapter 通过 HTTP 接入远端执行服务。协议约定：
//
//	GET  {endpoint}/health   -> 200 表示健康
//	POST {endpoint}/execute  -> {"operation": ..., "arguments": ...}
//	                         <- {"status": "ok"|"error", "result": {...}, "error": "..."}
type HTTPAdapter struct {
	name         string
	endpoint     string
	apiKey       string
	capabilities []string
	client       *http.Client
	connected    atomic.Bool
}

type executeRequest struct {
	Operation string         `json:"operation"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

type executeResponse struct {
	Status string         `json:"status"`
	Result map[string]any `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// NewHTTPAdapter 构造远端适配器，endpoint 不能为空。
func NewHTTPAdapter(cfg config.ServiceConfig) (*HTTPAdapter, error) {
	endpoint := strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	if endpoint == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "http 适配器缺少 endpoint: "+cfg.Name)
	}
	return &HTTPAdapter{
		name:         cfg.Name,
		endpoint:     endpoint,
		apiKey:       cfg.ResolveAPIKey(),
		capabilities: append([]string(nil), cfg.Capabilities...),
		client:       &http.Client{Timeout: cfg.Timeout()},
	}, nil
}

// Connect 通过健康检查确认远端可达。
func (a *HTTPAdapter) Connect(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.endpoint+"/health", nil)
	if err != nil {
		return xerrors.Wrap(CodeAdapterConnection, err, "构造健康检查请求失败")
	}
	a.authorize(req)

	resp, err := a.client.Do(req)
	if err != nil {
		return xerrors.Wrap(CodeAdapterConnection, err, "健康检查失败: "+a.name)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return xerrors.New(CodeAdapterConnection,
			fmt.Sprintf("健康检查返回 %d: %s", resp.StatusCode, a.name))
	}
	a.connected.Store(true)
	return nil
}

// Disconnect 关闭空闲连接并将适配器置为不可服务状态。
func (a *HTTPAdapter) Disconnect() error {
	a.connected.Store(false)
	a.client.CloseIdleConnections()
	return nil
}

// Capabilities 返回配置中声明的能力标签。
func (a *HTTPAdapter) Capabilities() []string {
	return append([]string(nil), a.capabilities...)
}

// IsAvailable 报告适配器是否可以接受请求。
func (a *HTTPAdapter) IsAvailable() bool {
	return a.connected.Load()
}

// Execute 将操作转发给远端服务。
func (a *HTTPAdapter) Execute(ctx context.Context, operation string, args map[string]any) (map[string]any, error) {
	if !a.connected.Load() {
		return nil, xerrors.New(CodeAdapterConnection, "适配器未连接: "+a.name)
	}

	payload, err := json.Marshal(executeRequest{Operation: operation, Arguments: args})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化请求失败")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint+"/execute", bytes.NewReader(payload))
	if err != nil {
		return nil, xerrors.Wrap(CodeAdapterExecution, err, "构造执行请求失败")
	}
	req.Header.Set("Content-Type", "application/json")
	a.authorize(req)

	resp, err := a.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "远端执行超时: "+a.name)
		}
		return nil, xerrors.Wrap(CodeAdapterExecution, err, "远端执行请求失败: "+a.name)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, xerrors.Wrap(CodeAdapterExecution, err, "读取远端响应失败: "+a.name)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, xerrors.New(CodeAdapterExecution,
			fmt.Sprintf("远端返回 %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var parsed executeResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, xerrors.Wrap(CodeAdapterExecution, err, "解析远端响应失败: "+a.name)
	}
	if parsed.Status == "error" || parsed.Error != "" {
		return nil, xerrors.New(CodeAdapterExecution, "远端执行失败: "+parsed.Error)
	}
	return parsed.Result, nil
}

func (a *HTTPAdapter) authorize(req *http.Request) {
	if a.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.apiKey)
	}
}
