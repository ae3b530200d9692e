// Package session ties one client's workspace, tool registry and agent
// runtime together and shapes the payloads the HTTP layer returns.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/kexinoh/free-OKC/internal/bus"
	"github.com/kexinoh/free-OKC/internal/config"
	"github.com/kexinoh/free-OKC/internal/deploy"
	"github.com/kexinoh/free-OKC/internal/providers"
	"github.com/kexinoh/free-OKC/internal/spec"
	"github.com/kexinoh/free-OKC/internal/tools"
	"github.com/kexinoh/free-OKC/internal/vm"
	"github.com/kexinoh/free-OKC/internal/workspace"
)

// Upload constraints enforced by the file endpoints and surfaced by boot.
const (
	MaxUploadFiles = 100
	MaxUploadBytes = 100 << 20
)

// DefaultSnapshotLimit caps snapshot listings returned to clients.
const DefaultSnapshotLimit = 20

// UploadRecord describes one file registered with the session.
type UploadRecord struct {
	Name         string `json:"name"`
	RelativePath string `json:"relative_path"`
	SizeBytes    int64  `json:"size_bytes"`
}

// State is one client's session: a private workspace, its toolset and
// the conversation runtime. At most one Respond runs at a time.
type State struct {
	mu          sync.Mutex
	deployments *deploy.Store
	provider    providers.Provider
	rng         *rand.Rand

	clientID string
	ws       *workspace.Manager
	toolset  *tools.Toolset
	vm       *vm.VM
	booted   bool
	uploads  []UploadRecord
}

// Option adjusts session construction; used by tests to swap providers.
type Option func(*State)

// WithProvider replaces the config-backed chat provider.
func WithProvider(p providers.Provider) Option {
	return func(s *State) { s.provider = p }
}

// NewState builds a session with a fresh workspace and toolset.
func NewState(deployments *deploy.Store, opts ...Option) (*State, error) {
	s := &State{
		deployments: deployments,
		provider:    configuredProvider{},
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.initialiseLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *State) initialiseLocked() error {
	base, err := config.Get().Workspace.ResolveAndPrepare()
	if err != nil {
		return err
	}
	ws, err := workspace.New(base)
	if err != nil {
		return err
	}
	specs, err := spec.LoadToolSpecs()
	if err != nil {
		return err
	}
	toolset, err := tools.NewToolset(specs, ws, s.deployments)
	if err != nil {
		return err
	}
	s.ws = ws
	s.toolset = toolset
	s.vm = vm.New(s.provider, toolset.Registry, ws, spec.SystemPrompt())
	s.booted = false
	s.uploads = nil
	return nil
}

// AttachClient records the client identifier used for preview URLs.
func (s *State) AttachClient(clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cleaned := strings.TrimSpace(clientID)
	if cleaned == "" {
		cleaned = "default"
	}
	s.clientID = cleaned
}

// ClientID returns the attached client identifier.
func (s *State) ClientID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientID
}

// Workspace exposes the session workspace for file endpoints.
func (s *State) Workspace() *workspace.Manager {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ws
}

// VM exposes the runtime for history endpoints.
func (s *State) VM() *vm.VM {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vm
}

// Respond runs one chat turn and shapes the response payload: reply,
// meta, extracted web/slide previews, artifacts and workspace state.
// When stream is non-nil, token and tool events are published to it as
// the turn progresses.
func (s *State) Respond(ctx context.Context, message string, replaceLast bool, stream *bus.Stream) map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	if replaceLast {
		s.vm.DiscardLastExchange()
	}
	result, err := s.vm.Execute(ctx, message, stream)
	if err != nil {
		slog.Error("chat turn failed", "client", s.clientID, "error", err)
	}

	summary := ""
	summaryFromOutput := false
	if n := len(result.ToolCalls); n > 0 {
		summary = "Executed tool: " + result.ToolCalls[n-1].Name
	}

	var webPreview map[string]interface{}
	pptSlides := []interface{}{}
	artifacts := []map[string]interface{}{}
	seenArtifactURLs := map[string]bool{}

	for i := len(result.ToolCalls) - 1; i >= 0; i-- {
		call := result.ToolCalls[i]
		if call.Result == nil {
			continue
		}
		scan := scanToolResult(call.Result)

		if !summaryFromOutput {
			if line := firstLine(call.Result.Output); line != "" {
				summary = line
				summaryFromOutput = true
			}
		}

		if scan.slides != nil && len(pptSlides) == 0 {
			pptSlides = scan.slides
		}

		resolvedURL := ""
		if raw, ok := scan.details["url"].(string); ok && raw != "" {
			resolvedURL = s.appendClientIDLocked(s.resolvePreviewURLLocked(raw))
			scan.details["url"] = resolvedURL
		}

		if scan.deployment != nil && resolvedURL != "" && !seenArtifactURLs[resolvedURL] {
			seenArtifactURLs[resolvedURL] = true
			artifacts = append(artifacts, s.artifactEntry(scan, resolvedURL))
		}

		if webPreview == nil && len(scan.details) > 0 {
			if scan.deployment != nil {
				if id, ok := scan.deployment["id"]; ok {
					scan.details["deployment_id"] = fmt.Sprintf("%v", id)
				}
			}
			webPreview = scan.details
		}
	}

	cfg := config.Get()
	modelName := "Unconfigured chat model"
	if cfg.Chat != nil && cfg.Chat.Model != "" {
		modelName = cfg.Chat.Model
	}
	meta := s.metaLocked(modelName, summary)

	snapshotID := ""
	if state := s.ws.State(); state.Enabled() {
		seed := firstLine(message)
		if seed == "" {
			seed = "message"
		}
		label := "After: " + truncateRunes(seed, 60)
		id, snapErr := state.Snapshot(label)
		if snapErr != nil {
			slog.Warn("workspace snapshot failed", "session", s.ws.SessionID(), "error", snapErr)
		} else {
			snapshotID = id
		}
	}

	payload := map[string]interface{}{
		"reply":           result.Reply,
		"meta":            meta,
		"ppt_slides":      pptSlides,
		"artifacts":       artifacts,
		"tool_calls":      toolCallPayload(result.ToolCalls),
		"vm_history":      s.vm.DescribeHistory(25),
		"workspace_state": s.workspaceStateSummaryLocked(snapshotID, DefaultSnapshotLimit),
		"uploads":         s.uploadsPayloadLocked(),
	}
	if webPreview != nil {
		payload["web_preview"] = webPreview
	} else {
		payload["web_preview"] = nil
	}
	return payload
}

// Boot returns the welcome payload. The welcome message is recorded in
// history once; later boots reuse the stored first assistant entry.
func (s *State) Boot() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	bootReply := welcomeMessage
	if !s.booted {
		s.vm.RecordHistoryEntry("assistant", welcomeMessage)
		s.booted = true
	} else if history := s.vm.History(); len(history) > 0 && history[0].Role == "assistant" {
		bootReply = history[0].Content
	}

	return map[string]interface{}{
		"reply":                bootReply,
		"meta":                 s.metaLocked("OKC-Orchestrator", "Workbench Initialized"),
		"web_preview":          map[string]interface{}{"html": studioHTML},
		"ppt_slides":           bootSlides(),
		"artifacts":            []interface{}{},
		"vm":                   s.vm.Describe(),
		"workspace_state":      s.workspaceStateSummaryLocked("", DefaultSnapshotLimit),
		"uploads":              s.uploadsPayloadLocked(),
		"upload_limit":         MaxUploadFiles,
		"max_upload_size_mb":   MaxUploadBytes / (1 << 20),
		"max_upload_size_bytes": MaxUploadBytes,
	}
}

// DeleteHistory clears the conversation, removes the workspace and its
// deployments, and rebuilds the runtime with a fresh workspace.
func (s *State) DeleteHistory() (map[string]interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	clearedMessages := len(s.vm.History())
	details := s.cleanupWorkspaceLocked(true)
	s.toolset.Close()
	if err := s.initialiseLocked(); err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"history_cleared":  true,
		"cleared_messages": clearedMessages,
		"workspace":        details,
		"vm":               s.vm.Describe(),
	}, nil
}

// Close releases the session's resources without rebuilding it.
func (s *State) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleanupWorkspaceLocked(true)
	s.toolset.Close()
}

// RegisterUploadedFiles merges upload records (keyed by name, re-uploads
// replace) and reinstalls the system prompt with an upload inventory.
func (s *State) RegisterUploadedFiles(records []UploadRecord) []UploadRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, record := range records {
		replaced := false
		for i := range s.uploads {
			if s.uploads[i].Name == record.Name {
				s.uploads[i] = record
				replaced = true
				break
			}
		}
		if !replaced {
			s.uploads = append(s.uploads, record)
		}
	}
	s.installSystemPromptLocked()
	out := make([]UploadRecord, len(s.uploads))
	copy(out, s.uploads)
	return out
}

// Uploads returns the registered upload records in order.
func (s *State) Uploads() []UploadRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]UploadRecord, len(s.uploads))
	copy(out, s.uploads)
	return out
}

// Info summarises the session for GET /api/session/info.
func (s *State) Info() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	paths := s.ws.Paths()
	return map[string]interface{}{
		"client_id":  s.clientID,
		"session_id": paths.SessionID,
		"workspace": map[string]interface{}{
			"mount":           paths.Mount,
			"output":          paths.Output,
			"internal_root":   paths.InternalRoot,
			"internal_output": paths.InternalOutput,
		},
		"vm":              s.vm.Describe(),
		"history_length":  len(s.vm.History()),
		"uploads":         s.uploadsPayloadLocked(),
		"workspace_state": s.workspaceStateSummaryLocked("", DefaultSnapshotLimit),
	}
}

// SnapshotWorkspace records a snapshot with the given label.
func (s *State) SnapshotWorkspace(label string, limit int) (map[string]interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.ws.State()
	if !state.Enabled() {
		return nil, workspace.ErrStateDisabled
	}
	id, err := state.Snapshot(label)
	if err != nil {
		return nil, err
	}
	return s.workspaceStateSummaryLocked(id, limit), nil
}

// ListWorkspaceSnapshots returns the recorded snapshots, newest first.
func (s *State) ListWorkspaceSnapshots(limit int) map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workspaceStateSummaryLocked("", limit)
}

// RestoreWorkspace resets the workspace to a snapshot or branch.
func (s *State) RestoreWorkspace(snapshotID string, limit int) (map[string]interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.ws.State()
	if !state.Enabled() {
		return nil, workspace.ErrStateDisabled
	}
	if err := state.Restore(snapshotID); err != nil {
		return nil, err
	}
	return s.workspaceStateSummaryLocked(snapshotID, limit), nil
}

// BranchWorkspace makes sure a named branch exists at the current head.
func (s *State) BranchWorkspace(name string, limit int) (map[string]interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.ws.State()
	if !state.Enabled() {
		return nil, workspace.ErrStateDisabled
	}
	if strings.TrimSpace(name) == "" {
		return nil, errors.New("branch name cannot be empty")
	}
	if err := state.EnsureBranch(name); err != nil {
		return nil, err
	}
	latest := ""
	if head, err := state.DescribeHead(); err == nil && head != nil {
		latest = head.ID
	}
	summary := s.workspaceStateSummaryLocked(latest, limit)
	summary["branch"] = name
	return summary, nil
}

func (s *State) cleanupWorkspaceLocked(removeDeployments bool) map[string]interface{} {
	paths := s.ws.Paths()
	details := map[string]interface{}{
		"mount":           paths.Mount,
		"output":          paths.Output,
		"internal_root":   paths.InternalRoot,
		"internal_output": paths.InternalOutput,
	}
	sessionID := s.ws.SessionID()
	removed, err := s.ws.Cleanup()
	details["removed"] = removed
	if err != nil {
		details["error"] = err.Error()
		slog.Error("workspace cleanup failed", "session", sessionID, "error", err)
	}
	if removeDeployments && s.deployments != nil {
		details["deployments"] = s.deployments.CleanupSession(sessionID)
	}
	return details
}

func (s *State) workspaceStateSummaryLocked(latest string, limit int) map[string]interface{} {
	state := s.ws.State()
	if !state.Enabled() {
		return map[string]interface{}{"enabled": false, "snapshots": []interface{}{}}
	}
	snapshots, err := state.ListSnapshots(limit)
	if err != nil {
		slog.Warn("listing snapshots failed", "session", s.ws.SessionID(), "error", err)
	}
	listed := make([]interface{}, 0, len(snapshots))
	for _, snap := range snapshots {
		listed = append(listed, map[string]interface{}{
			"id":        snap.ID,
			"label":     snap.Label,
			"timestamp": snap.Timestamp,
		})
	}
	summary := map[string]interface{}{"enabled": true, "snapshots": listed}
	if latest != "" {
		summary["latest_snapshot"] = latest
	} else if len(snapshots) > 0 {
		summary["latest_snapshot"] = snapshots[0].ID
	}
	return summary
}

func (s *State) uploadsPayloadLocked() []interface{} {
	out := make([]interface{}, 0, len(s.uploads))
	for _, record := range s.uploads {
		out = append(out, map[string]interface{}{
			"name":          record.Name,
			"relative_path": record.RelativePath,
			"size_bytes":    record.SizeBytes,
		})
	}
	return out
}

func (s *State) installSystemPromptLocked() {
	prompt := spec.SystemPrompt()
	if len(s.uploads) > 0 {
		var b strings.Builder
		b.WriteString(prompt)
		b.WriteString("\n\n## 用户上传的文件\n")
		for _, record := range s.uploads {
			fmt.Fprintf(&b, "- %s (%s, %d bytes)\n", record.Name, record.RelativePath, record.SizeBytes)
		}
		prompt = b.String()
	}
	s.vm.UpdateSystemPrompt(prompt)
}

func (s *State) metaLocked(model, summary string) map[string]interface{} {
	return map[string]interface{}{
		"model":     model,
		"timestamp": time.Now().Format("15:04:05"),
		"tokensIn":  fmt.Sprintf("%d tokens", 120+s.rng.Intn(201)),
		"tokensOut": fmt.Sprintf("%d tokens", 180+s.rng.Intn(241)),
		"latency":   fmt.Sprintf("%.2f s", 1.0+s.rng.Float64()*1.2),
		"summary":   summary,
	}
}

func (s *State) artifactEntry(scan *previewScan, resolvedURL string) map[string]interface{} {
	entry := map[string]interface{}{
		"type": "web",
		"url":  resolvedURL,
	}
	name := stringField(scan.deployment, "name", "slug")
	if name == "" {
		if title, ok := scan.details["title"].(string); ok {
			name = title
		}
	}
	if name == "" {
		name = "Web preview"
	}
	entry["name"] = name
	if id, ok := scan.deployment["id"]; ok {
		entry["deployment_id"] = fmt.Sprintf("%v", id)
	}
	return entry
}

// previewBaseURLLocked resolves the configured preview base, falling back
// to OKCVM_PREVIEW_BASE_URL. Bare hosts are promoted to https.
func (s *State) previewBaseURLLocked() string {
	base := strings.TrimSpace(config.Get().Workspace.PreviewBaseURL)
	if base == "" {
		base = strings.TrimSpace(os.Getenv("OKCVM_PREVIEW_BASE_URL"))
	}
	if base == "" {
		return ""
	}
	if !strings.Contains(base, "://") {
		base = "https://" + base
	}
	return strings.TrimRight(base, "/")
}

// resolvePreviewURLLocked resolves scheme-less URLs against the preview
// base; absolute URLs pass through untouched.
func (s *State) resolvePreviewURLLocked(raw string) string {
	candidate := strings.TrimSpace(raw)
	if candidate == "" {
		return candidate
	}
	parsed, err := url.Parse(candidate)
	if err == nil && parsed.Scheme != "" && parsed.Host != "" {
		return candidate
	}
	base := s.previewBaseURLLocked()
	if base == "" {
		return candidate
	}
	baseURL, err := url.Parse(base + "/")
	if err != nil {
		return candidate
	}
	ref, err := url.Parse(strings.TrimLeft(candidate, "/"))
	if err != nil {
		return candidate
	}
	return baseURL.ResolveReference(ref).String()
}

// appendClientIDLocked attaches the client id to relative URLs and to
// absolute URLs pointing at local or preview hosts. Existing client_id
// parameters are preserved.
func (s *State) appendClientIDLocked(rawURL string) string {
	if s.clientID == "" {
		return rawURL
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	if parsed.Scheme != "" && parsed.Host != "" {
		host := parsed.Hostname()
		allowed := map[string]bool{"127.0.0.1": true, "localhost": true, "0.0.0.0": true}
		if base := s.previewBaseURLLocked(); base != "" {
			if baseURL, baseErr := url.Parse(base); baseErr == nil && baseURL.Hostname() != "" {
				allowed[baseURL.Hostname()] = true
			}
		}
		if host != "" && !allowed[host] {
			return rawURL
		}
	}
	if parsed.Query().Get("client_id") != "" {
		return rawURL
	}
	suffix := "client_id=" + url.QueryEscape(s.clientID)
	if parsed.RawQuery == "" {
		parsed.RawQuery = suffix
	} else {
		parsed.RawQuery += "&" + suffix
	}
	return parsed.String()
}

// previewScan holds what one tool result contributed to the response.
type previewScan struct {
	details    map[string]interface{}
	deployment map[string]interface{}
	slides     []interface{}
}

// scanToolResult probes a tool result envelope and its data section for
// preview fields.
func scanToolResult(result *tools.Result) *previewScan {
	scan := &previewScan{details: map[string]interface{}{}}
	envelope := map[string]interface{}{"output": result.Output}
	if result.Data != nil {
		data := make(map[string]interface{}, len(result.Data))
		for key, value := range result.Data {
			data[key] = value
		}
		envelope["data"] = data
		scan.probe(data)
	}
	scan.probe(envelope)
	return scan
}

func (scan *previewScan) probe(container map[string]interface{}) {
	if html := stringField(container, "html", "rendered_html", "content"); html != "" {
		if _, ok := scan.details["html"]; !ok {
			scan.details["html"] = html
		}
	}

	deployment, _ := container["deployment"].(map[string]interface{})
	urlValue := stringField(container, "preview_url", "url", "href", "server_preview_url")
	if urlValue == "" && deployment != nil {
		urlValue = stringField(deployment, "preview_url", "server_preview_url")
	}
	if urlValue != "" {
		if _, ok := scan.details["url"]; !ok {
			scan.details["url"] = urlValue
		}
	}

	deploymentName := ""
	if deployment != nil {
		if scan.deployment == nil {
			scan.deployment = deployment
		}
		deploymentName = stringField(deployment, "name", "slug")
	}
	title := stringField(container, "title", "name")
	if title == "" {
		title = deploymentName
	}
	if title != "" {
		if _, ok := scan.details["title"]; !ok {
			scan.details["title"] = title
		}
	}

	if slides, ok := container["slides"].([]interface{}); ok && scan.slides == nil {
		scan.slides = slides
	}
}

func toolCallPayload(calls []vm.ToolCallRecord) []interface{} {
	out := make([]interface{}, 0, len(calls))
	for _, call := range calls {
		entry := map[string]interface{}{
			"id":        call.ID,
			"name":      call.Name,
			"arguments": call.Arguments,
		}
		if call.Result != nil {
			entry["result"] = map[string]interface{}{
				"success": call.Result.Success,
				"output":  call.Result.Output,
				"error":   call.Result.Error,
			}
		}
		out = append(out, entry)
	}
	return out
}

// stringField returns the first non-blank string among the given keys.
func stringField(container map[string]interface{}, keys ...string) string {
	for _, key := range keys {
		if value, ok := container[key].(string); ok && strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

func firstLine(text string) string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return ""
	}
	if idx := strings.IndexByte(trimmed, '\n'); idx >= 0 {
		return strings.TrimSpace(trimmed[:idx])
	}
	return trimmed
}

func truncateRunes(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit])
}

// configuredProvider resolves the chat endpoint from the live config on
// every call, so config updates apply without rebuilding sessions.
type configuredProvider struct{}

func (configuredProvider) resolve() (providers.Provider, error) {
	cfg := config.Get()
	if cfg.Chat == nil || cfg.Chat.BaseURL == "" {
		return nil, errors.New("chat endpoint is not configured")
	}
	return providers.FromEndpoint(*cfg.Chat), nil
}

func (p configuredProvider) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	inner, err := p.resolve()
	if err != nil {
		return nil, err
	}
	return inner.Chat(ctx, req)
}

func (p configuredProvider) ChatStream(ctx context.Context, req providers.ChatRequest, onChunk func(providers.StreamChunk)) (*providers.ChatResponse, error) {
	inner, err := p.resolve()
	if err != nil {
		return nil, err
	}
	return inner.ChatStream(ctx, req, onChunk)
}

func (configuredProvider) DefaultModel() string {
	if cfg := config.Get(); cfg.Chat != nil {
		return cfg.Chat.Model
	}
	return ""
}

func (configuredProvider) Name() string { return "configured" }
