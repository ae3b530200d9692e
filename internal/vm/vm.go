// Package vm is the per-session agent runtime: it keeps the numbered
// conversation history and runs the model/tool loop for each turn.
package vm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kexinoh/free-OKC/internal/bus"
	"github.com/kexinoh/free-OKC/internal/providers"
	"github.com/kexinoh/free-OKC/internal/tools"
	"github.com/kexinoh/free-OKC/internal/workspace"
)

const maxToolIterations = 20

// HistoryEntry is one stored conversation message. IDs are
// "<session-id>-<nnnn>" in insertion order.
type HistoryEntry struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

// ToolCallRecord captures one tool invocation made during a turn.
type ToolCallRecord struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
	Result    *tools.Result          `json:"result"`
}

// ExecResult is the outcome of one Execute call.
type ExecResult struct {
	Reply     string           `json:"reply"`
	ToolCalls []ToolCallRecord `json:"tool_calls"`
	Usage     *providers.Usage `json:"usage,omitempty"`
}

// maxInvocationLog caps the retained tool invocation history.
const maxInvocationLog = 1000

// VM drives one session's conversation.
type VM struct {
	mu           sync.Mutex
	provider     providers.Provider
	registry     *tools.Registry
	ws           *workspace.Manager
	systemPrompt string
	history      []HistoryEntry
	invocations  []ToolCallRecord
	seq          int
	tracer       trace.Tracer
}

// New builds a runtime over a session workspace. The base prompt's
// legacy mount literals are rewritten to the session's mount.
func New(provider providers.Provider, registry *tools.Registry, ws *workspace.Manager, basePrompt string) *VM {
	return &VM{
		provider:     provider,
		registry:     registry,
		ws:           ws,
		systemPrompt: ws.AdaptPrompt(basePrompt),
		tracer:       otel.Tracer("okcvm/vm"),
	}
}

// SessionID returns the workspace session id history ids derive from.
func (m *VM) SessionID() string { return m.ws.SessionID() }

// SystemPrompt returns the adapted system prompt in use.
func (m *VM) SystemPrompt() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.systemPrompt
}

// UpdateSystemPrompt replaces the base prompt, re-adapting mount paths.
func (m *VM) UpdateSystemPrompt(basePrompt string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.systemPrompt = m.ws.AdaptPrompt(basePrompt)
}

// History returns a copy of the stored conversation.
func (m *VM) History() []HistoryEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]HistoryEntry, len(m.history))
	copy(out, m.history)
	return out
}

// HistoryEntry looks an entry up by id.
func (m *VM) HistoryEntry(id string) (HistoryEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, entry := range m.history {
		if entry.ID == id {
			return entry, true
		}
	}
	return HistoryEntry{}, false
}

// RecordHistoryEntry appends a message outside the Execute flow, e.g.
// the boot welcome message.
func (m *VM) RecordHistoryEntry(role, content string) HistoryEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(role, content)
}

// SetHistory replaces the conversation, renumbering from the stored
// ids' maximum so future entries stay unique.
func (m *VM) SetHistory(entries []HistoryEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = make([]HistoryEntry, len(entries))
	copy(m.history, entries)
	m.seq = len(entries)
}

// ClearHistory drops every stored entry.
func (m *VM) ClearHistory() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = nil
	m.seq = 0
}

// DiscardLastExchange removes the trailing assistant reply and the user
// message that produced it. Used when a turn is retried.
func (m *VM) DiscardLastExchange() {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.history)
	if n >= 2 && m.history[n-1].Role == "assistant" && m.history[n-2].Role == "user" {
		m.history = m.history[:n-2]
		return
	}
	if n >= 1 && m.history[n-1].Role == "user" {
		m.history = m.history[:n-1]
	}
}

func (m *VM) appendLocked(role, content string) HistoryEntry {
	m.seq++
	entry := HistoryEntry{
		ID:        fmt.Sprintf("%s-%04d", m.ws.SessionID(), m.seq),
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	m.history = append(m.history, entry)
	return entry
}

// Describe summarises the runtime for status payloads.
func (m *VM) Describe() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := m.registry.Names()
	tools := make([]interface{}, 0, len(names))
	for _, name := range names {
		tools = append(tools, name)
	}
	return map[string]interface{}{
		"system_prompt":  m.systemPrompt,
		"tools":          tools,
		"history_length": len(m.history),
	}
}

// DescribeHistory returns the most recent tool invocations, oldest
// first, as JSON-ready maps.
func (m *VM) DescribeHistory(limit int) []map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	records := m.invocations
	if limit > 0 && len(records) > limit {
		records = records[len(records)-limit:]
	}
	out := make([]map[string]interface{}, 0, len(records))
	for _, record := range records {
		out = append(out, map[string]interface{}{
			"name":      record.Name,
			"arguments": record.Arguments,
			"result": map[string]interface{}{
				"success": record.Result.Success,
				"output":  record.Result.Output,
				"error":   record.Result.Error,
			},
		})
	}
	return out
}

func (m *VM) recordInvocation(record ToolCallRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invocations = append(m.invocations, record)
	if len(m.invocations) > maxInvocationLog {
		m.invocations = m.invocations[len(m.invocations)-maxInvocationLog:]
	}
}

// Execute runs one turn: the user message goes to the model, tool calls
// run sequentially until the model stops asking for them, and the final
// reply is appended to history together with the user message. A failed
// turn leaves history untouched and returns a reply describing the
// error. When stream is non-nil, token and tool events are published
// as they happen.
func (m *VM) Execute(ctx context.Context, message string, stream *bus.Stream) (*ExecResult, error) {
	m.mu.Lock()
	messages := m.buildMessagesLocked(message)
	m.mu.Unlock()

	ctx, span := m.tracer.Start(ctx, "vm.execute",
		trace.WithAttributes(attribute.String("session.id", m.ws.SessionID())))
	defer span.End()

	result := &ExecResult{}
	var usage providers.Usage
	for iteration := 0; ; iteration++ {
		if iteration >= maxToolIterations {
			result.Reply = "Reached the tool call limit for a single turn. Partial results are in the workspace."
			break
		}

		resp, err := m.callModel(ctx, messages, stream)
		if err != nil {
			result.Reply = fmt.Sprintf("An error occurred: %v", err)
			return result, err
		}
		if resp.Usage != nil {
			usage.PromptTokens += resp.Usage.PromptTokens
			usage.CompletionTokens += resp.Usage.CompletionTokens
			usage.TotalTokens += resp.Usage.TotalTokens
		}

		if len(resp.ToolCalls) == 0 {
			result.Reply = resp.Content
			break
		}

		messages = append(messages, providers.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, call := range resp.ToolCalls {
			record := m.runTool(ctx, call, stream)
			result.ToolCalls = append(result.ToolCalls, record)
			m.recordInvocation(record)
			messages = append(messages, providers.Message{
				Role:       "tool",
				Content:    record.Result.ForModel(),
				ToolCallID: call.ID,
			})
		}
	}
	if usage.TotalTokens > 0 {
		result.Usage = &usage
	}

	m.mu.Lock()
	m.appendLocked("user", message)
	m.appendLocked("assistant", result.Reply)
	m.mu.Unlock()
	return result, nil
}

// buildMessagesLocked renders system prompt + user/assistant history +
// the new user message. Tool traffic is never replayed across turns.
func (m *VM) buildMessagesLocked(message string) []providers.Message {
	messages := make([]providers.Message, 0, len(m.history)+2)
	messages = append(messages, providers.Message{Role: "system", Content: m.systemPrompt})
	for _, entry := range m.history {
		if entry.Role != "user" && entry.Role != "assistant" {
			continue
		}
		messages = append(messages, providers.Message{Role: entry.Role, Content: entry.Content})
	}
	return append(messages, providers.Message{Role: "user", Content: message})
}

func (m *VM) callModel(ctx context.Context, messages []providers.Message, stream *bus.Stream) (*providers.ChatResponse, error) {
	ctx, span := m.tracer.Start(ctx, "vm.model_call",
		trace.WithAttributes(attribute.Int("messages.count", len(messages))))
	defer span.End()

	req := providers.ChatRequest{
		Messages: messages,
		Tools:    m.registry.Definitions(),
	}
	if stream == nil {
		return m.provider.Chat(ctx, req)
	}
	return m.provider.ChatStream(ctx, req, func(chunk providers.StreamChunk) {
		if chunk.Content != "" {
			stream.Publish(bus.Event{Type: bus.EventToken, Data: map[string]interface{}{
				"delta": chunk.Content,
			}})
		}
	})
}

func (m *VM) runTool(ctx context.Context, call providers.ToolCall, stream *bus.Stream) ToolCallRecord {
	ctx, span := m.tracer.Start(ctx, "vm.tool_call",
		trace.WithAttributes(attribute.String("tool.name", call.Name)))
	defer span.End()

	if stream != nil {
		stream.Publish(bus.Event{Type: bus.EventToolStarted, Data: map[string]interface{}{
			"id":        call.ID,
			"tool_name": call.Name,
		}})
	}

	started := time.Now()
	result := m.registry.Call(ctx, call.Name, call.Arguments)
	span.SetAttributes(attribute.Bool("tool.success", result.Success))

	if stream != nil {
		status := "success"
		preview := result.Output
		if !result.Success {
			status = "error"
			preview = result.Error
		}
		stream.Publish(bus.Event{Type: bus.EventToolCompleted, Data: map[string]interface{}{
			"id":          call.ID,
			"tool_name":   call.Name,
			"status":      status,
			"duration_ms": time.Since(started).Milliseconds(),
			"preview":     bus.TruncatePreview(preview),
		}})
	}
	return ToolCallRecord{ID: call.ID, Name: call.Name, Arguments: call.Arguments, Result: result}
}
