package mcp

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"LX-Agent/internal/config"
	xerrors "LX-Agent/internal/errors"
)

// LocalAdapter 在宿主机上直接执行文件与进程类操作。
// 它不依赖外部服务，Connect 只做工作目录检查。
type LocalAdapter struct {
	name      string
	workdir   string
	timeout   time.Duration
	connected atomic.Bool
}

// NewLocalAdapter 构造本地适配器。
func NewLocalAdapter(cfg config.ServiceConfig) *LocalAdapter {
	return &LocalAdapter{
		name:    cfg.Name,
		workdir: cfg.Workdir,
		timeout: cfg.Timeout(),
	}
}

// Connect 校验工作目录可用后将适配器置为可服务状态。
func (a *LocalAdapter) Connect(_ context.Context) error {
	if a.workdir != "" {
		info, err := os.Stat(a.workdir)
		if err != nil {
			return xerrors.Wrap(CodeAdapterConnection, err, "工作目录不可用: "+a.workdir)
		}
		if !info.IsDir() {
			return xerrors.New(CodeAdapterConnection, "工作目录不是目录: "+a.workdir)
		}
	}
	a.connected.Store(true)
	return nil
}

// Disconnect 将适配器置为不可服务状态。
func (a *LocalAdapter) Disconnect() error {
	a.connected.Store(false)
	return nil
}

// Capabilities 返回本地适配器内置的能力标签。
func (a *LocalAdapter) Capabilities() []string {
	return []string{"file", "process", "system", "sleep"}
}

// IsAvailable 报告适配器是否可以接受请求。
func (a *LocalAdapter) IsAvailable() bool {
	return a.connected.Load()
}

// Execute 分发并执行具名操作。
func (a *LocalAdapter) Execute(ctx context.Context, operation string, args map[string]any) (map[string]any, error) {
	if !a.connected.Load() {
		return nil, xerrors.New(CodeAdapterConnection, "适配器未连接: "+a.name)
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	switch operation {
	case "file.read":
		return a.fileRead(args)
	case "file.write":
		return a.fileWrite(args)
	case "file.list":
		return a.fileList(args)
	case "file.delete":
		return a.fileDelete(args)
	case "process.run":
		return a.processRun(ctx, args)
	case "sleep":
		return a.sleep(ctx, args)
	case "system.info":
		return a.systemInfo()
	default:
		return nil, xerrors.New(CodeUnknownOperation, "本地适配器不支持操作: "+operation)
	}
}

// resolvePath 将相对路径解析到工作目录下。
func (a *LocalAdapter) resolvePath(raw string) (string, error) {
	path := strings.TrimSpace(raw)
	if path == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "path 不能为空")
	}
	if !filepath.IsAbs(path) && a.workdir != "" {
		path = filepath.Join(a.workdir, path)
	}
	return filepath.Clean(path), nil
}

func stringArg(args map[string]any, key string) (string, error) {
	raw, ok := args[key]
	if !ok {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "缺少参数: "+key)
	}
	s, ok := raw.(string)
	if !ok {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "参数 "+key+" 必须是字符串")
	}
	return s, nil
}

func (a *LocalAdapter) fileRead(args map[string]any) (map[string]any, error) {
	path, err := stringArg(args, "path")
	if err != nil {
		return nil, err
	}
	resolved, err := a.resolvePath(path)
	if err != nil {
		return nil, err
	}
	content, err := os.ReadFile(resolved)
	if err != nil {
		return nil, xerrors.Wrap(CodeAdapterExecution, err, "读取文件失败: "+resolved)
	}
	return map[string]any{"path": resolved, "content": string(content), "size": len(content)}, nil
}

func (a *LocalAdapter) fileWrite(args map[string]any) (map[string]any, error) {
	path, err := stringArg(args, "path")
	if err != nil {
		return nil, err
	}
	content, err := stringArg(args, "content")
	if err != nil {
		return nil, err
	}
	resolved, err := a.resolvePath(path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return nil, xerrors.Wrap(CodeAdapterExecution, err, "创建目录失败")
	}
	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return nil, xerrors.Wrap(CodeAdapterExecution, err, "写入文件失败: "+resolved)
	}
	return map[string]any{"path": resolved, "written": len(content)}, nil
}

func (a *LocalAdapter) fileList(args map[string]any) (map[string]any, error) {
	path, err := stringArg(args, "path")
	if err != nil {
		return nil, err
	}
	resolved, err := a.resolvePath(path)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(resolved)
	if err != nil {
		return nil, xerrors.Wrap(CodeAdapterExecution, err, "读取目录失败: "+resolved)
	}
	items := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		items = append(items, map[string]any{
			"name": entry.Name(),
			"dir":  entry.IsDir(),
		})
	}
	return map[string]any{"path": resolved, "entries": items, "count": len(items)}, nil
}

func (a *LocalAdapter) fileDelete(args map[string]any) (map[string]any, error) {
	path, err := stringArg(args, "path")
	if err != nil {
		return nil, err
	}
	resolved, err := a.resolvePath(path)
	if err != nil {
		return nil, err
	}
	if err := os.Remove(resolved); err != nil {
		return nil, xerrors.Wrap(CodeAdapterExecution, err, "删除文件失败: "+resolved)
	}
	return map[string]any{"path": resolved, "deleted": true}, nil
}

func (a *LocalAdapter) processRun(ctx context.Context, args map[string]any) (map[string]any, error) {
	command, err := stringArg(args, "command")
	if err != nil {
		return nil, err
	}

	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.CommandContext(ctx, "cmd", "/C", command)
	} else {
		cmd = exec.CommandContext(ctx, "sh", "-c", command)
	}
	if a.workdir != "" {
		cmd.Dir = a.workdir
	}

	output, runErr := cmd.CombinedOutput()
	exitCode := 0
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	result := map[string]any{
		"command":   command,
		"output":    string(output),
		"exit_code": exitCode,
	}
	if runErr != nil {
		if ctx.Err() != nil {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "命令执行超时: "+command)
		}
		if _, ok := runErr.(*exec.ExitError); ok {
			// 命令本身跑完了但退出码非零，结果仍然有效。
			return result, nil
		}
		return nil, xerrors.Wrap(CodeAdapterExecution, runErr, "命令启动失败: "+command)
	}
	return result, nil
}

func (a *LocalAdapter) sleep(ctx context.Context, args map[string]any) (map[string]any, error) {
	seconds := 1.0
	if raw, ok := args["seconds"]; ok {
		switch v := raw.(type) {
		case float64:
			seconds = v
		case int:
			seconds = float64(v)
		default:
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "参数 seconds 必须是数字")
		}
	}
	if seconds < 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "参数 seconds 不能为负数")
	}

	select {
	case <-time.After(time.Duration(seconds * float64(time.Second))):
		return map[string]any{"slept_seconds": seconds}, nil
	case <-ctx.Done():
		return nil, xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "sleep 被中断")
	}
}

func (a *LocalAdapter) systemInfo() (map[string]any, error) {
	hostname, _ := os.Hostname()
	wd, _ := os.Getwd()
	return map[string]any{
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"cpus":       runtime.NumCPU(),
		"go_version": runtime.Version(),
		"hostname":   hostname,
		"workdir":    wd,
	}, nil
}
