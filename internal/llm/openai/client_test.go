package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"LX-Agent/internal/config"
	xerrors "LX-Agent/internal/errors"
	"LX-Agent/internal/llm"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := New(config.OpenAIConfig{
		APIKey:  "test-key",
		BaseURL: server.URL,
		Model:   "test-model",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return client
}

func completionWith(content string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": content}},
			},
		})
	}
}

func TestNewRequiresAPIKey(t *testing.T) {
	if _, err := New(config.OpenAIConfig{}); err == nil {
		t.Fatal("New should fail without an API key")
	}
	t.Setenv("TEST_OPENAI_KEY", "from-env")
	client, err := New(config.OpenAIConfig{APIKeyEnv: "TEST_OPENAI_KEY"})
	if err != nil {
		t.Fatalf("New with env key: %v", err)
	}
	if client.apiKey != "from-env" {
		t.Fatalf("apiKey = %s, want from-env", client.apiKey)
	}
}

func TestProposeCallsParsesPlan(t *testing.T) {
	client := newTestClient(t, completionWith(
		`{"done": false, "calls": [{"capability": "file", "operation": "file.read", "arguments": {"path": "a.txt"}}]}`))

	plan, err := client.ProposeCalls(context.Background(), llm.PlanRequest{
		Command:   "读取 a.txt",
		Catalogue: map[string][]string{"local": {"file"}},
	})
	if err != nil {
		t.Fatalf("ProposeCalls: %v", err)
	}
	if plan.Done {
		t.Fatal("plan should not be done")
	}
	if len(plan.Calls) != 1 || plan.Calls[0].Operation != "file.read" {
		t.Fatalf("calls = %+v", plan.Calls)
	}
}

func TestProposeCallsToleratesCodeFences(t *testing.T) {
	client := newTestClient(t, completionWith(
		"这是规划：\n```json\n{\"done\": true, \"summary\": \"全部完成\"}\n```"))

	plan, err := client.ProposeCalls(context.Background(), llm.PlanRequest{Command: "x"})
	if err != nil {
		t.Fatalf("ProposeCalls: %v", err)
	}
	if !plan.Done || plan.Summary != "全部完成" {
		t.Fatalf("plan = %+v", plan)
	}
}

func TestProposeCallsRejectsGarbage(t *testing.T) {
	client := newTestClient(t, completionWith("我无法帮你做这件事。"))

	_, err := client.ProposeCalls(context.Background(), llm.PlanRequest{Command: "x"})
	if err == nil {
		t.Fatal("garbage output must fail")
	}
	if got := xerrors.CodeOf(err); got != llm.CodeModelPlanningFailed {
		t.Fatalf("code = %s, want %s", got, llm.CodeModelPlanningFailed)
	}
}

func TestProposeCallsRejectsPlanWithoutCalls(t *testing.T) {
	client := newTestClient(t, completionWith(`{"done": false, "calls": []}`))

	if _, err := client.ProposeCalls(context.Background(), llm.PlanRequest{Command: "x"}); err == nil {
		t.Fatal("a plan that is neither done nor actionable must fail")
	}
}

func TestCompleteSurfacesAPIError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error": {"message": "rate limited"}}`))
	})

	_, err := client.ProposeCalls(context.Background(), llm.PlanRequest{Command: "x"})
	if err == nil {
		t.Fatal("HTTP errors must be surfaced")
	}
}

func TestSummarize(t *testing.T) {
	var gotAuth string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		completionWith("已读取文件并统计了 3 行。")(w, r)
	})

	summary, err := client.Summarize(context.Background(), "统计行数", []llm.CallResult{
		{Operation: "file.read", Adapter: "local", Result: map[string]any{"lines": 3}},
	})
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if summary != "已读取文件并统计了 3 行。" {
		t.Fatalf("summary = %q", summary)
	}
	if gotAuth != "Bearer test-key" {
		t.Fatalf("Authorization = %q", gotAuth)
	}
}

func TestExtractJSON(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{in: `{"a":1}`, want: `{"a":1}`},
		{in: "```json\n{\"a\":1}\n```", want: `{"a":1}`},
		{in: "prefix {\"a\":1} suffix", want: `{"a":1}`},
		{in: "no json here", want: ""},
	}
	for _, tc := range cases {
		if got := extractJSON(tc.in); got != tc.want {
			t.Fatalf("extractJSON(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
