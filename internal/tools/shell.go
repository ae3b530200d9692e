package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/kexinoh/free-OKC/internal/workspace"
)

const defaultShellTimeout = 60 * time.Second

// ShellTool runs commands through `sh -c` with the workspace root as the
// working directory.
type ShellTool struct {
	ws *workspace.Manager
}

func NewShellTool(ws *workspace.Manager) *ShellTool { return &ShellTool{ws: ws} }

func (t *ShellTool) Name() string { return "mshtools-shell" }

func (t *ShellTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	command := stringArg(args, "command")
	if command == "" {
		return ErrorResult("command is required")
	}

	timeout := defaultShellTimeout
	if secs := floatArg(args, "timeout", 0); secs > 0 {
		timeout = time.Duration(secs * float64(time.Second))
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	output, err := runShell(ctx, command, t.ws.Paths().InternalRoot)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Errorf("command timed out after %s", timeout)
		}
		if output == "" {
			output = err.Error()
		}
		return ErrorResult(output)
	}
	if output == "" {
		output = "(command completed with no output)"
	}
	return NewResult(output)
}

// runShell executes a command line and merges stdout with a labelled
// stderr section, the same framing the model sees from every shell path.
func runShell(ctx context.Context, command, dir string) (string, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	output := stdout.String()
	if stderr.Len() > 0 {
		if output != "" {
			output += "\n"
		}
		output += "STDERR:\n" + stderr.String()
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && output != "" {
			return output, fmt.Errorf("exit status %d", exitErr.ExitCode())
		}
		return output, err
	}
	return output, nil
}
