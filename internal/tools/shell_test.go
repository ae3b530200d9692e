package tools

import (
	"context"
	"strings"
	"testing"
)

func TestShellRunsInWorkspace(t *testing.T) {
	ws := newToolWorkspace(t)
	shell := NewShellTool(ws)
	ctx := context.Background()

	result := shell.Execute(ctx, map[string]interface{}{"command": "echo hello"})
	if !result.Success || strings.TrimSpace(result.Output) != "hello" {
		t.Fatalf("echo: %+v", result)
	}

	result = shell.Execute(ctx, map[string]interface{}{"command": "pwd"})
	if !result.Success {
		t.Fatalf("pwd: %+v", result)
	}
	if !strings.Contains(result.Output, ws.Paths().SessionID) {
		t.Errorf("pwd %q is not inside the session workspace", result.Output)
	}
}

func TestShellReportsFailure(t *testing.T) {
	ws := newToolWorkspace(t)
	result := NewShellTool(ws).Execute(context.Background(), map[string]interface{}{
		"command": "echo oops >&2; exit 3",
	})
	if result.Success {
		t.Fatalf("failing command succeeded: %+v", result)
	}
	if !strings.Contains(result.Error, "STDERR") || !strings.Contains(result.Error, "oops") {
		t.Errorf("error = %q", result.Error)
	}
}

func TestShellTimeout(t *testing.T) {
	ws := newToolWorkspace(t)
	result := NewShellTool(ws).Execute(context.Background(), map[string]interface{}{
		"command": "sleep 5",
		"timeout": 0.2,
	})
	if result.Success || !strings.Contains(result.Error, "timed out") {
		t.Fatalf("timeout: %+v", result)
	}
}

func TestShellRequiresCommand(t *testing.T) {
	ws := newToolWorkspace(t)
	result := NewShellTool(ws).Execute(context.Background(), nil)
	if result.Success {
		t.Fatalf("empty command accepted: %+v", result)
	}
}
