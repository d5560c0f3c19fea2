package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"

	"LX-Agent/internal/config"
	xerrors "LX-Agent/internal/errors"
	"LX-Agent/internal/llm"
	"LX-Agent/pkg/logger"
)

const defaultBaseURL = "https://api.openai.com/v1"

const plannerSystemPrompt = `你是一个自动化代理的规划器。用户给出一条自然语言命令，
你根据可用能力清单决定下一步要执行的工具调用。
只输出 JSON，格式为：
{"done": false, "calls": [{"capability": "...", "operation": "...", "arguments": {...}, "reason": "..."}]}
当命令已经完成时输出：
{"done": true, "summary": "..."}
只使用能力清单中出现的能力，不要编造操作。`

const summarizerSystemPrompt = `你是一个自动化代理的总结器。根据命令与各步执行结果，
用简洁的中文向用户说明做了什么、结果如何。直接输出总结文本。`

// Client 调用 OpenAI 兼容的 chat completions 接口完成规划与总结。
type Client struct {
	apiKey  string
	baseURL string
	model   string
	httpc   *http.Client
}

// New 构造客户端。密钥优先取配置，其次取 api_key_env 指定的环境变量。
func New(cfg config.OpenAIConfig) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.APIKeyEnv != "" {
		apiKey = strings.TrimSpace(os.Getenv(cfg.APIKeyEnv))
	}
	if apiKey == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "缺少 OpenAI API 密钥")
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &Client{
		apiKey:  apiKey,
		baseURL: baseURL,
		model:   model,
		httpc:   &http.Client{Timeout: cfg.Timeout()},
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// ProposeCalls 请求模型给出下一步规划，并容错解析其 JSON 输出。
func (c *Client) ProposeCalls(ctx context.Context, req llm.PlanRequest) (*llm.Plan, error) {
	messages := []chatMessage{{Role: "system", Content: plannerSystemPrompt}}
	messages = append(messages, chatMessage{
		Role:    "system",
		Content: "可用能力清单:\n" + renderCatalogue(req.Catalogue),
	})
	for _, turn := range req.History {
		messages = append(messages, chatMessage{Role: turn.Role, Content: turn.Content})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Command})

	content, err := c.complete(ctx, messages)
	if err != nil {
		return nil, err
	}

	plan, err := parsePlan(content)
	if err != nil {
		logger.Named("llm.openai").Warn("规划输出解析失败", "raw", content, "error", err)
		return nil, xerrors.Wrap(llm.CodeModelPlanningFailed, err, "模型输出无法解析为规划")
	}
	return plan, nil
}

// Summarize 请求模型对执行结果生成总结。
func (c *Client) Summarize(ctx context.Context, command string, results []llm.CallResult) (string, error) {
	encoded, err := json.Marshal(results)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化执行结果失败")
	}
	messages := []chatMessage{
		{Role: "system", Content: summarizerSystemPrompt},
		{Role: "user", Content: fmt.Sprintf("命令: %s\n执行结果: %s", command, encoded)},
	}
	content, err := c.complete(ctx, messages)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(content), nil
}

func (c *Client) complete(ctx context.Context, messages []chatMessage) (string, error) {
	payload, err := json.Marshal(chatRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: 0,
	})
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化模型请求失败")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", xerrors.Wrap(llm.CodeModelPlanningFailed, err, "构造模型请求失败")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpc.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return "", xerrors.Wrap(xerrors.CodeTimeout, err, "模型调用超时")
		}
		return "", xerrors.Wrap(llm.CodeModelPlanningFailed, err, "模型调用失败")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return "", xerrors.Wrap(llm.CodeModelPlanningFailed, err, "读取模型响应失败")
	}
	if resp.StatusCode != http.StatusOK {
		return "", xerrors.New(llm.CodeModelPlanningFailed,
			fmt.Sprintf("模型接口返回 %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", xerrors.Wrap(llm.CodeModelPlanningFailed, err, "解析模型响应失败")
	}
	if parsed.Error != nil {
		return "", xerrors.New(llm.CodeModelPlanningFailed, "模型接口错误: "+parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", xerrors.New(llm.CodeModelPlanningFailed, "模型响应为空")
	}
	return parsed.Choices[0].Message.Content, nil
}

// parsePlan 容错解析模型输出：允许输出被 Markdown 代码块包裹，
// 或前后夹杂少量说明文字。
func parsePlan(raw string) (*llm.Plan, error) {
	text := extractJSON(raw)
	if text == "" {
		return nil, fmt.Errorf("输出中找不到 JSON 对象")
	}
	var plan llm.Plan
	if err := json.Unmarshal([]byte(text), &plan); err != nil {
		return nil, err
	}
	if !plan.Done && len(plan.Calls) == 0 {
		return nil, fmt.Errorf("规划既未给出调用也未标记完成")
	}
	for i, call := range plan.Calls {
		if strings.TrimSpace(call.Operation) == "" {
			return nil, fmt.Errorf("第 %d 个调用缺少 operation", i+1)
		}
	}
	return &plan, nil
}

// extractJSON 从可能带有代码块标记的文本中截取最外层 JSON 对象。
func extractJSON(raw string) string {
	text := strings.TrimSpace(raw)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return ""
	}
	return text[start : end+1]
}

func renderCatalogue(catalogue map[string][]string) string {
	if len(catalogue) == 0 {
		return "(当前没有可用的后端服务)"
	}
	names := make([]string, 0, len(catalogue))
	for name := range catalogue {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	for _, name := range names {
		fmt.Fprintf(&sb, "- %s: %s\n", name, strings.Join(catalogue[name], ", "))
	}
	return sb.String()
}
