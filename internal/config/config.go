package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 描述了 LX-Agent 在启动阶段需要加载的核心配置。
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	MCP       MCPConfig       `yaml:"mcp"`
	LLM       LLMConfig       `yaml:"llm"`
	Security  SecurityConfig  `yaml:"security"`
	Session   SessionConfig   `yaml:"session"`
	TaskQueue TaskQueueConfig `yaml:"task_queue"`
	Agent     AgentConfig     `yaml:"agent"`
	Alerting  AlertingConfig  `yaml:"alerting"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `yaml:"address"`
}

// LoggingConfig 控制日志的级别与输出位置。
type LoggingConfig struct {
	Level       string   `yaml:"level"`
	Format      string   `yaml:"format"`
	OutputPaths []string `yaml:"output_paths"`
	AuditPath   string   `yaml:"audit_path"`
}

// MCPConfig 描述后端执行服务的注册表与路由策略。
// Services 是有序列表：注册顺序即优先级相同时的决胜顺序。
type MCPConfig struct {
	RoutingStrategy string          `yaml:"routing_strategy"`
	Services        []ServiceConfig `yaml:"services"`
}

// ServiceConfig 描述单个后端适配器的接入信息。
type ServiceConfig struct {
	Name         string            `yaml:"name"`
	Type         string            `yaml:"type"`
	Enabled      bool              `yaml:"enabled"`
	Priority     int               `yaml:"priority"`
	Capabilities []string          `yaml:"capabilities"`
	Endpoint     string            `yaml:"endpoint"`
	APIKey       string            `yaml:"api_key"`
	APIKeyEnv    string            `yaml:"api_key_env"`
	TimeoutSec   int               `yaml:"timeout_seconds"`
	Workdir      string            `yaml:"workdir"`
	Extra        map[string]string `yaml:"extra"`
}

// Timeout 返回适配器单次调用的超时时间。
func (c ServiceConfig) Timeout() time.Duration {
	if c.TimeoutSec <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.TimeoutSec) * time.Second
}

// ResolveAPIKey 返回配置中直接给出的密钥，或从环境变量读取。
func (c ServiceConfig) ResolveAPIKey() string {
	if key := strings.TrimSpace(c.APIKey); key != "" {
		return key
	}
	if c.APIKeyEnv != "" {
		return strings.TrimSpace(os.Getenv(c.APIKeyEnv))
	}
	return ""
}

// LLMConfig 用于配置大模型推理的调用方式。
type LLMConfig struct {
	Provider string       `yaml:"provider"`
	OpenAI   OpenAIConfig `yaml:"openai"`
}

// OpenAIConfig 描述 OpenAI 兼容接口的调用参数。
type OpenAIConfig struct {
	APIKey     string `yaml:"api_key"`
	APIKeyEnv  string `yaml:"api_key_env"`
	BaseURL    string `yaml:"base_url"`
	Model      string `yaml:"model"`
	TimeoutSec int    `yaml:"timeout_seconds"`
}

// Timeout 返回大模型调用的超时时间。
func (c OpenAIConfig) Timeout() time.Duration {
	if c.TimeoutSec <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.TimeoutSec) * time.Second
}

// SecurityConfig 控制危险操作的确认策略。
type SecurityConfig struct {
	DangerousOperations     []string `yaml:"dangerous_operations"`
	AutoContinueDangerous   bool     `yaml:"auto_continue_dangerous"`
	AutoContinueInteractive bool     `yaml:"auto_continue_interactive"`
}

// SessionConfig 控制会话存储的后端与历史深度。
type SessionConfig struct {
	Driver    string `yaml:"driver"`
	DSN       string `yaml:"dsn"`
	MaxRounds int    `yaml:"max_rounds"`
}

// TaskQueueConfig 描述异步命令队列的驱动。
type TaskQueueConfig struct {
	Driver   string         `yaml:"driver"`
	Worker   int            `yaml:"worker"`
	Retries  int            `yaml:"retries"`
	Store    TaskStoreConf  `yaml:"store"`
	Redis    RedisConfig    `yaml:"redis"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
}

// TaskStoreConf 描述异步任务状态的持久化后端。
type TaskStoreConf struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// RedisConfig 描述 Redis 队列的连接参数。
type RedisConfig struct {
	Address      string `yaml:"address"`
	Password     string `yaml:"password"`
	DB           int    `yaml:"db"`
	Queue        string `yaml:"queue"`
	BlockWaitSec int    `yaml:"block_wait_seconds"`
}

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL        string `yaml:"url"`
	Queue      string `yaml:"queue"`
	Prefetch   int    `yaml:"prefetch"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// AgentConfig 用于放置执行循环的通用参数。
type AgentConfig struct {
	MaxSteps int `yaml:"max_steps"`
}

// AlertingConfig 描述告警通知渠道。
type AlertingConfig struct {
	WebhookURL string `yaml:"webhook_url"`
}

// Load 负责解析指定路径的 YAML 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	return &cfg, nil
}

// validate 检查配置中互相矛盾或无法工作的部分。
func (c *Config) validate() error {
	seen := make(map[string]struct{}, len(c.MCP.Services))
	for _, svc := range c.MCP.Services {
		name := strings.TrimSpace(svc.Name)
		if name == "" {
			return errors.New("mcp.services 中存在未命名的服务")
		}
		if _, ok := seen[name]; ok {
			return fmt.Errorf("mcp.services 中服务名重复: %s", name)
		}
		seen[name] = struct{}{}
	}
	return nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.MCP.RoutingStrategy == "" {
		c.MCP.RoutingStrategy = "capability_match"
	}
	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
	if len(c.Security.DangerousOperations) == 0 {
		c.Security.DangerousOperations = []string{"process.run", "shell.exec", "file.delete"}
	}
	if c.Session.Driver == "" {
		c.Session.Driver = "memory"
	}
	if c.Session.MaxRounds <= 0 {
		c.Session.MaxRounds = 20
	}
	if c.TaskQueue.Driver == "" {
		c.TaskQueue.Driver = "memory"
	}
	if c.TaskQueue.Worker <= 0 {
		c.TaskQueue.Worker = 4
	}
	if c.TaskQueue.Retries <= 0 {
		c.TaskQueue.Retries = 3
	}
	if c.TaskQueue.Store.Driver == "" {
		c.TaskQueue.Store.Driver = "memory"
	}
	if c.Agent.MaxSteps <= 0 {
		c.Agent.MaxSteps = 10
	}
}
