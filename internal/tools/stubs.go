package tools

import (
	"context"
	"strings"
)

const (
	stubBrowserMessage = "Browser automation is not included in the reference implementation."
	stubDefaultMessage = "This tool is not yet implemented in OKCVM; contributions welcome!"
)

// stubTool answers for manifest entries without a real implementation.
type stubTool struct {
	name    string
	message string
}

func newStub(name string) *stubTool {
	message := stubDefaultMessage
	if strings.Contains(name, "browser") {
		message = stubBrowserMessage
	}
	return &stubTool{name: name, message: message}
}

func (t *stubTool) Name() string { return t.name }

func (t *stubTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	return ErrorResult(t.message)
}
