package mcp

import (
	"context"
	stdErrors "errors"
	"os"
	"path/filepath"
	"testing"

	"LX-Agent/internal/config"
	xerrors "LX-Agent/internal/errors"
)

func newConnectedLocalAdapter(t *testing.T) (*LocalAdapter, string) {
	t.Helper()
	dir := t.TempDir()
	adapter := NewLocalAdapter(config.ServiceConfig{
		Name:    "local",
		Workdir: dir,
	})
	if err := adapter.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return adapter, dir
}

func TestLocalAdapterConnectRejectsMissingWorkdir(t *testing.T) {
	adapter := NewLocalAdapter(config.ServiceConfig{
		Name:    "local",
		Workdir: filepath.Join(t.TempDir(), "does-not-exist"),
	})
	if err := adapter.Connect(context.Background()); err == nil {
		t.Fatal("Connect should fail for a missing workdir")
	}
	if adapter.IsAvailable() {
		t.Fatal("adapter must stay unavailable after a failed connect")
	}
}

func TestLocalAdapterFileRoundTrip(t *testing.T) {
	adapter, dir := newConnectedLocalAdapter(t)
	ctx := context.Background()

	if _, err := adapter.Execute(ctx, "file.write", map[string]any{
		"path":    "notes/hello.txt",
		"content": "你好",
	}); err != nil {
		t.Fatalf("file.write: %v", err)
	}

	read, err := adapter.Execute(ctx, "file.read", map[string]any{"path": "notes/hello.txt"})
	if err != nil {
		t.Fatalf("file.read: %v", err)
	}
	if read["content"] != "你好" {
		t.Fatalf("content = %v, want 你好", read["content"])
	}

	listed, err := adapter.Execute(ctx, "file.list", map[string]any{"path": "notes"})
	if err != nil {
		t.Fatalf("file.list: %v", err)
	}
	if listed["count"] != 1 {
		t.Fatalf("count = %v, want 1", listed["count"])
	}

	if _, err := adapter.Execute(ctx, "file.delete", map[string]any{"path": "notes/hello.txt"}); err != nil {
		t.Fatalf("file.delete: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "notes", "hello.txt")); !os.IsNotExist(err) {
		t.Fatal("file should have been removed")
	}
}

func TestLocalAdapterProcessRunCapturesExitCode(t *testing.T) {
	adapter, _ := newConnectedLocalAdapter(t)

	result, err := adapter.Execute(context.Background(), "process.run", map[string]any{
		"command": "echo ready",
	})
	if err != nil {
		t.Fatalf("process.run: %v", err)
	}
	if result["exit_code"] != 0 {
		t.Fatalf("exit_code = %v, want 0", result["exit_code"])
	}

	// 非零退出码不是执行失败，结果照常返回。
	result, err = adapter.Execute(context.Background(), "process.run", map[string]any{
		"command": "exit 3",
	})
	if err != nil {
		t.Fatalf("process.run with non-zero exit: %v", err)
	}
	if result["exit_code"] != 3 {
		t.Fatalf("exit_code = %v, want 3", result["exit_code"])
	}
}

func TestLocalAdapterRejectsUnknownOperation(t *testing.T) {
	adapter, _ := newConnectedLocalAdapter(t)

	_, err := adapter.Execute(context.Background(), "mouse.move", nil)
	if err == nil {
		t.Fatal("unknown operation must fail")
	}
	if got := xerrors.CodeOf(err); got != CodeUnknownOperation {
		t.Fatalf("code = %s, want %s", got, CodeUnknownOperation)
	}
}

func TestLocalAdapterRejectsExecutionWhenDisconnected(t *testing.T) {
	adapter, _ := newConnectedLocalAdapter(t)
	if err := adapter.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	_, err := adapter.Execute(context.Background(), "system.info", nil)
	if err == nil {
		t.Fatal("disconnected adapter must refuse to execute")
	}
}

func TestLocalAdapterArgumentValidation(t *testing.T) {
	adapter, _ := newConnectedLocalAdapter(t)
	ctx := context.Background()

	cases := []struct {
		name      string
		operation string
		args      map[string]any
	}{
		{name: "read without path", operation: "file.read", args: nil},
		{name: "write without content", operation: "file.write", args: map[string]any{"path": "x"}},
		{name: "path wrong type", operation: "file.read", args: map[string]any{"path": 42}},
		{name: "negative sleep", operation: "sleep", args: map[string]any{"seconds": -1.0}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := adapter.Execute(ctx, tc.operation, tc.args)
			var coded *xerrors.Error
			if !stdErrors.As(err, &coded) || coded.Code() != xerrors.CodeInvalidArgument {
				t.Fatalf("err = %v, want INVALID_ARGUMENT", err)
			}
		})
	}
}
