package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"LX-Agent/internal/agent"
	"LX-Agent/internal/config"
	xerrors "LX-Agent/internal/errors"
	"LX-Agent/internal/llm"
	"LX-Agent/internal/mcp"
	"LX-Agent/internal/observability/metrics"
	"LX-Agent/internal/session"
	"LX-Agent/internal/task"
)

type echoAdapter struct {
	available atomic.Bool
}

func (a *echoAdapter) Connect(context.Context) error {
	a.available.Store(true)
	return nil
}
func (a *echoAdapter) Disconnect() error {
	a.available.Store(false)
	return nil
}
func (a *echoAdapter) Execute(_ context.Context, operation string, _ map[string]any) (map[string]any, error) {
	return map[string]any{"operation": operation}, nil
}
func (a *echoAdapter) Capabilities() []string { return []string{"file"} }
func (a *echoAdapter) IsAvailable() bool      { return a.available.Load() }

type onePlanThenDone struct {
	calls []llm.ToolCall
	used  atomic.Bool
}

func (p *onePlanThenDone) ProposeCalls(context.Context, llm.PlanRequest) (*llm.Plan, error) {
	if p.used.CompareAndSwap(false, true) {
		return &llm.Plan{Calls: p.calls}, nil
	}
	return &llm.Plan{Done: true, Summary: "全部完成"}, nil
}
func (p *onePlanThenDone) Summarize(context.Context, string, []llm.CallResult) (string, error) {
	return "总结", nil
}

// planThenFail 首次给出规划，之后的规划一律失败。
type planThenFail struct {
	calls []llm.ToolCall
	used  atomic.Bool
}

func (p *planThenFail) ProposeCalls(context.Context, llm.PlanRequest) (*llm.Plan, error) {
	if p.used.CompareAndSwap(false, true) {
		return &llm.Plan{Calls: p.calls}, nil
	}
	return nil, xerrors.New(llm.CodeModelPlanningFailed, "模型输出无法解析")
}
func (p *planThenFail) Summarize(context.Context, string, []llm.CallResult) (string, error) {
	return "总结", nil
}

func newTestServer(t *testing.T, planner llm.Planner) (*httptest.Server, *task.Service) {
	t.Helper()
	registry := mcp.NewRegistry()
	registry.Load(context.Background(), []config.ServiceConfig{
		{Name: "local", Enabled: true, Priority: 1, Capabilities: []string{"file"}},
	}, func(config.ServiceConfig) (mcp.Adapter, error) {
		return &echoAdapter{}, nil
	})
	router := mcp.NewRouter(registry, mcp.StrategyCapabilityMatch)
	store := session.NewMemoryStore(20)
	ag := agent.New(router, registry, planner, store, config.SecurityConfig{}, 10)

	queue := task.NewMemoryQueue(16)
	tasks := task.NewService(task.NewMemoryStore(), queue, 1)
	processor := task.NewProcessor(tasks, ag, nil, 1)
	ctx, cancel := context.WithCancel(context.Background())
	processor.Start(ctx)

	server := NewServer(":0", ag, tasks, metrics.NewCollector())
	ts := httptest.NewServer(server.httpSrv.Handler)
	t.Cleanup(func() {
		ts.Close()
		cancel()
		queue.Close()
		processor.Wait()
	})
	return ts, tasks
}

func postJSON(t *testing.T, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp, decoded
}

func getJSON(t *testing.T, url string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp, decoded
}

func TestRunCommandEndpoint(t *testing.T) {
	planner := &onePlanThenDone{calls: []llm.ToolCall{{Capability: "file", Operation: "file.read"}}}
	ts, _ := newTestServer(t, planner)

	resp, body := postJSON(t, ts.URL+"/api/v1/commands", `{"command": "读取文件"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %v", resp.StatusCode, body)
	}
	if body["status"] != string(agent.StatusCompleted) {
		t.Fatalf("status = %v", body["status"])
	}
	if body["session_id"] == "" {
		t.Fatal("response must carry a session id")
	}
}

func TestRunCommandReturnsExecutedStepsOnPlanningFailure(t *testing.T) {
	planner := &planThenFail{calls: []llm.ToolCall{{Capability: "file", Operation: "file.read"}}}
	ts, _ := newTestServer(t, planner)

	resp, body := postJSON(t, ts.URL+"/api/v1/commands", `{"command": "读取文件"}`)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, body = %v", resp.StatusCode, body)
	}
	if body["status"] != string(agent.StatusPlanningFailed) {
		t.Fatalf("status = %v", body["status"])
	}
	// 规划失败前执行过的步骤必须出现在响应里。
	steps, ok := body["steps"].([]any)
	if !ok || len(steps) != 1 {
		t.Fatalf("steps = %v", body["steps"])
	}
	if msg, _ := body["error"].(string); msg == "" {
		t.Fatal("structured error text expected")
	}
}

func TestRunCommandRejectsBadJSON(t *testing.T) {
	ts, _ := newTestServer(t, &onePlanThenDone{})

	resp, body := postJSON(t, ts.URL+"/api/v1/commands", `{not json`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, body = %v", resp.StatusCode, body)
	}
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	planner := &onePlanThenDone{calls: []llm.ToolCall{{Capability: "file", Operation: "file.read"}}}
	ts, tasks := newTestServer(t, planner)

	resp, body := postJSON(t, ts.URL+"/api/v1/tasks", `{"command": "异步读取"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, body = %v", resp.StatusCode, body)
	}
	taskID, _ := body["id"].(string)
	if taskID == "" {
		t.Fatalf("no task id in %v", body)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := tasks.WaitUntilCompleted(ctx, taskID, 10*time.Millisecond); err != nil {
		t.Fatalf("WaitUntilCompleted: %v", err)
	}

	resp, body = getJSON(t, ts.URL+"/api/v1/tasks/"+taskID)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["status"] != string(task.StatusSucceeded) {
		t.Fatalf("task status = %v", body["status"])
	}

	resp, body = getJSON(t, ts.URL+"/api/v1/tasks?status=succeeded")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
	if body["count"].(float64) != 1 {
		t.Fatalf("count = %v", body["count"])
	}

	resp, _ = getJSON(t, ts.URL+"/api/v1/tasks/stats")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stats status = %d", resp.StatusCode)
	}
}

func TestGetUnknownTaskReturns404(t *testing.T) {
	ts, _ := newTestServer(t, &onePlanThenDone{})
	resp, _ := getJSON(t, ts.URL+"/api/v1/tasks/no-such-task")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestSessionEndpoints(t *testing.T) {
	planner := &onePlanThenDone{calls: []llm.ToolCall{{Capability: "file", Operation: "file.read"}}}
	ts, _ := newTestServer(t, planner)

	_, body := postJSON(t, ts.URL+"/api/v1/commands", `{"command": "读取"}`)
	sessionID := body["session_id"].(string)

	resp, sessBody := getJSON(t, ts.URL+"/api/v1/sessions/"+sessionID)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get session status = %d", resp.StatusCode)
	}
	if sessBody["id"] != sessionID {
		t.Fatalf("session id = %v", sessBody["id"])
	}

	resp, _ = postJSON(t, ts.URL+"/api/v1/sessions/"+sessionID+"/end", `{}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("end session status = %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/v1/sessions/"+sessionID, nil)
	delResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE session: %v", err)
	}
	delResp.Body.Close()
	if delResp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", delResp.StatusCode)
	}

	resp, _ = getJSON(t, ts.URL+"/api/v1/sessions/"+sessionID)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status after delete = %d, want 404", resp.StatusCode)
	}
}

func TestCapabilitiesAndHealthEndpoints(t *testing.T) {
	ts, _ := newTestServer(t, &onePlanThenDone{})

	resp, body := getJSON(t, ts.URL+"/api/v1/capabilities")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("capabilities status = %d", resp.StatusCode)
	}
	caps := body["capabilities"].(map[string]any)
	if _, ok := caps["local"]; !ok {
		t.Fatalf("capabilities = %v", caps)
	}

	resp, body = getJSON(t, ts.URL+"/healthz")
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("healthz = %d %v", resp.StatusCode, body)
	}
}

func TestMetricsEndpointRendersCounters(t *testing.T) {
	planner := &onePlanThenDone{calls: []llm.ToolCall{{Capability: "file", Operation: "file.read"}}}
	ts, _ := newTestServer(t, planner)

	postJSON(t, ts.URL+"/api/v1/commands", `{"command": "读取"}`)

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	text := string(raw)
	for _, metric := range []string{"lxagent_commands_total", "lxagent_http_requests_total", "lxagent_adapter_calls_total"} {
		if !strings.Contains(text, metric) {
			t.Fatalf("metrics output missing %s:\n%s", metric, text)
		}
	}
}
