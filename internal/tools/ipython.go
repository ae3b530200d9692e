package tools

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/kexinoh/free-OKC/internal/workspace"
)

const ipythonTimeout = 120 * time.Second

// ipythonDriver is the loop run inside the persistent python3 process.
// One JSON request per stdin line, one JSON response per stdout line.
// Lines starting with '!' are rewritten to shell invocations, matching
// notebook conventions.
const ipythonDriver = `
import contextlib, io, json, subprocess, sys, traceback

def __okc_shell(cmd):
    proc = subprocess.run(cmd, shell=True, capture_output=True, text=True)
    if proc.stdout:
        print(proc.stdout, end="")
    if proc.stderr:
        print("STDERR:", file=sys.stderr)
        print(proc.stderr, end="", file=sys.stderr)

ns = {"__okc_shell": __okc_shell}
for line in sys.stdin:
    try:
        req = json.loads(line)
    except Exception:
        continue
    code = req.get("code", "")
    rewritten = []
    for raw in code.splitlines():
        stripped = raw.lstrip()
        if stripped.startswith("!"):
            indent = raw[: len(raw) - len(stripped)]
            rewritten.append(indent + "__okc_shell(%r)" % stripped[1:])
        else:
            rewritten.append(raw)
    buf = io.StringIO()
    err = None
    try:
        with contextlib.redirect_stdout(buf), contextlib.redirect_stderr(buf):
            exec(compile("\n".join(rewritten), "<okcvm>", "exec"), ns)
    except SystemExit:
        err = "SystemExit"
    except BaseException:
        err = traceback.format_exc()
    sys.stdout.write(json.dumps({"output": buf.getvalue(), "error": err}) + "\n")
    sys.stdout.flush()
`

// IPythonTool keeps a python3 subprocess alive across calls so state
// persists between executions.
type IPythonTool struct {
	ws *workspace.Manager

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
}

func NewIPythonTool(ws *workspace.Manager) *IPythonTool { return &IPythonTool{ws: ws} }

func (t *IPythonTool) Name() string { return "mshtools-ipython" }

func (t *IPythonTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	t.mu.Lock()
	defer t.mu.Unlock()

	if boolArg(args, "reset") {
		t.stopLocked()
		if strings.TrimSpace(stringArg(args, "code")) == "" {
			return NewResult("Interpreter reset.")
		}
	}
	code := stringArg(args, "code")
	if strings.TrimSpace(code) == "" {
		return ErrorResult("code is required")
	}

	if err := t.startLocked(); err != nil {
		return Errorf("start python interpreter: %v", err)
	}

	req, err := json.Marshal(map[string]string{"code": code})
	if err != nil {
		return Errorf("encode request: %v", err)
	}
	if _, err := t.stdin.Write(append(req, '\n')); err != nil {
		t.stopLocked()
		return Errorf("interpreter unavailable: %v", err)
	}

	type response struct {
		Output string  `json:"output"`
		Error  *string `json:"error"`
	}
	lineCh := make(chan []byte, 1)
	errCh := make(chan error, 1)
	go func() {
		line, err := t.stdout.ReadBytes('\n')
		if err != nil {
			errCh <- err
			return
		}
		lineCh <- line
	}()

	timeout := ipythonTimeout
	select {
	case <-ctx.Done():
		t.stopLocked()
		return ErrorResult("execution cancelled")
	case <-time.After(timeout):
		t.stopLocked()
		return Errorf("execution timed out after %s", timeout)
	case err := <-errCh:
		t.stopLocked()
		return Errorf("interpreter exited: %v", err)
	case line := <-lineCh:
		var resp response
		if err := json.Unmarshal(line, &resp); err != nil {
			return Errorf("decode interpreter response: %v", err)
		}
		if resp.Error != nil {
			out := resp.Output
			if out != "" {
				out += "\n"
			}
			return ErrorResult(out + *resp.Error)
		}
		output := resp.Output
		if output == "" {
			output = "(no output)"
		}
		return NewResult(output)
	}
}

// Close terminates the interpreter process. Safe to call repeatedly.
func (t *IPythonTool) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()
}

func (t *IPythonTool) startLocked() error {
	if t.cmd != nil {
		return nil
	}
	cmd := exec.Command("python3", "-u", "-c", ipythonDriver)
	cmd.Dir = t.ws.Paths().InternalRoot
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("python3: %w", err)
	}
	t.cmd = cmd
	t.stdin = stdin
	t.stdout = bufio.NewReader(stdout)
	return nil
}

func (t *IPythonTool) stopLocked() {
	if t.cmd == nil {
		return
	}
	t.stdin.Close()
	t.cmd.Process.Kill()
	t.cmd.Wait()
	t.cmd = nil
	t.stdin = nil
	t.stdout = nil
}
