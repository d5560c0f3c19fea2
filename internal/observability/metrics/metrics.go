package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Collector 维护进程内的运行指标，并按 Prometheus 文本格式输出。
type Collector struct {
	startedAt time.Time

	commandsTotal   atomic.Int64
	commandsFailed  atomic.Int64
	failoversTotal  atomic.Int64
	confirmsPending atomic.Int64

	mu           sync.RWMutex
	httpRequests map[string]int64
	httpLatency  map[string]time.Duration
	adapterCalls map[string]int64
}

// NewCollector 创建指标收集器。
func NewCollector() *Collector {
	return &Collector{
		startedAt:    time.Now(),
		httpRequests: make(map[string]int64),
		httpLatency:  make(map[string]time.Duration),
		adapterCalls: make(map[string]int64),
	}
}

// CommandStarted 记录一次命令提交。
func (c *Collector) CommandStarted() {
	c.commandsTotal.Add(1)
}

// CommandFailed 记录一次命令失败。
func (c *Collector) CommandFailed() {
	c.commandsFailed.Add(1)
}

// FailoverHappened 记录一次适配器转移。
func (c *Collector) FailoverHappened() {
	c.failoversTotal.Add(1)
}

// ConfirmationPending 调整待确认计数。
func (c *Collector) ConfirmationPending(delta int64) {
	c.confirmsPending.Add(delta)
}

// AdapterCall 记录一次适配器调用。
func (c *Collector) AdapterCall(adapter string) {
	c.mu.Lock()
	c.adapterCalls[adapter]++
	c.mu.Unlock()
}

// ObserveHTTP 记录一次 HTTP 请求。
func (c *Collector) ObserveHTTP(route string, status int, elapsed time.Duration) {
	key := fmt.Sprintf("%s|%d", route, status)
	c.mu.Lock()
	c.httpRequests[key]++
	c.httpLatency[key] += elapsed
	c.mu.Unlock()
}

// Render 以 Prometheus 文本格式输出全部指标。
func (c *Collector) Render() string {
	var sb strings.Builder

	sb.WriteString("# TYPE lxagent_uptime_seconds gauge\n")
	fmt.Fprintf(&sb, "lxagent_uptime_seconds %.0f\n", time.Since(c.startedAt).Seconds())

	sb.WriteString("# TYPE lxagent_commands_total counter\n")
	fmt.Fprintf(&sb, "lxagent_commands_total %d\n", c.commandsTotal.Load())
	sb.WriteString("# TYPE lxagent_commands_failed_total counter\n")
	fmt.Fprintf(&sb, "lxagent_commands_failed_total %d\n", c.commandsFailed.Load())
	sb.WriteString("# TYPE lxagent_failovers_total counter\n")
	fmt.Fprintf(&sb, "lxagent_failovers_total %d\n", c.failoversTotal.Load())
	sb.WriteString("# TYPE lxagent_confirmations_pending gauge\n")
	fmt.Fprintf(&sb, "lxagent_confirmations_pending %d\n", c.confirmsPending.Load())

	c.mu.RLock()
	defer c.mu.RUnlock()

	sb.WriteString("# TYPE lxagent_adapter_calls_total counter\n")
	for _, adapter := range sortedKeys(c.adapterCalls) {
		fmt.Fprintf(&sb, "lxagent_adapter_calls_total{adapter=%q} %d\n", adapter, c.adapterCalls[adapter])
	}

	sb.WriteString("# TYPE lxagent_http_requests_total counter\n")
	for _, key := range sortedKeys(c.httpRequests) {
		route, status, _ := strings.Cut(key, "|")
		fmt.Fprintf(&sb, "lxagent_http_requests_total{route=%q,status=%q} %d\n",
			route, status, c.httpRequests[key])
	}
	sb.WriteString("# TYPE lxagent_http_request_seconds_sum counter\n")
	for _, key := range sortedKeys(c.httpLatency) {
		route, status, _ := strings.Cut(key, "|")
		fmt.Fprintf(&sb, "lxagent_http_request_seconds_sum{route=%q,status=%q} %f\n",
			route, status, c.httpLatency[key].Seconds())
	}
	return sb.String()
}

// Handler 返回 /metrics 的 HTTP 处理器。
func (c *Collector) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		fmt.Fprint(w, c.Render())
	})
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
