package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/kexinoh/free-OKC/internal/config"
	"github.com/kexinoh/free-OKC/internal/deploy"
	"github.com/kexinoh/free-OKC/internal/providers"
	"github.com/kexinoh/free-OKC/internal/session"
	"github.com/kexinoh/free-OKC/internal/store"
)

type scriptedProvider struct {
	responses []*providers.ChatResponse
}

func (p *scriptedProvider) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	if len(p.responses) == 0 {
		return &providers.ChatResponse{Content: "(exhausted)", FinishReason: "stop"}, nil
	}
	resp := p.responses[0]
	p.responses = p.responses[1:]
	return resp, nil
}

func (p *scriptedProvider) ChatStream(ctx context.Context, req providers.ChatRequest, onChunk func(providers.StreamChunk)) (*providers.ChatResponse, error) {
	return p.Chat(ctx, req)
}

func (p *scriptedProvider) DefaultModel() string { return "scripted" }
func (p *scriptedProvider) Name() string         { return "scripted" }

type testEnv struct {
	handler     http.Handler
	sessions    *session.Store
	deployments *deploy.Store
	base        string
}

func newTestEnv(t *testing.T, provider providers.Provider) *testEnv {
	t.Helper()
	base := t.TempDir()

	prev := config.Get()
	cfg := config.Default()
	cfg.Workspace.Path = base
	cfg.Workspace.PreviewBaseURL = "preview.invalid"
	cfg.Chat = &config.Endpoint{Model: "test-model", BaseURL: "http://chat.invalid"}
	config.Set(cfg)
	t.Cleanup(func() { config.Set(prev) })

	deployments, err := deploy.NewStore(filepath.Join(base, "deployments"))
	if err != nil {
		t.Fatal(err)
	}
	conversations, err := store.Open("sqlite://"+filepath.Join(base, "okcvm.db"), store.Options{}, deployments)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conversations.Close() })

	sessions := session.NewSessionStore(deployments, session.WithStoreProvider(provider))
	t.Cleanup(sessions.CloseAll)

	srv := New(sessions, conversations, deployments)
	return &testEnv{
		handler:     srv.Handler(),
		sessions:    sessions,
		deployments: deployments,
		base:        base,
	}
}

func (e *testEnv) do(t *testing.T, method, target, clientID string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	r := httptest.NewRequest(method, target, reader)
	if body != nil {
		r.Header.Set("Content-Type", "application/json")
	}
	if clientID != "" {
		r.Header.Set("x-okc-client-id", clientID)
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, r)
	return w
}

func decodeMap(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return out
}

func TestConfigRoundTripRedactsKeys(t *testing.T) {
	env := newTestEnv(t, &scriptedProvider{})

	w := env.do(t, "POST", "/api/config", "", map[string]interface{}{
		"chat": map[string]interface{}{
			"model":    "gpt-test",
			"base_url": "https://api.test.invalid/v1",
			"api_key":  "sk-secret",
		},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("update status = %d: %s", w.Code, w.Body.String())
	}

	w = env.do(t, "GET", "/api/config", "", nil)
	if strings.Contains(w.Body.String(), "sk-secret") {
		t.Fatal("api key leaked in config description")
	}
	desc := decodeMap(t, w)
	chat := desc["chat"].(map[string]interface{})
	if chat["model"] != "gpt-test" || chat["api_key_present"] != true {
		t.Errorf("chat = %+v", chat)
	}

	// Round-tripping the redacted description must keep the stored key.
	w = env.do(t, "POST", "/api/config", "", map[string]interface{}{
		"chat": map[string]interface{}{
			"model":    "gpt-test-2",
			"base_url": "https://api.test.invalid/v1",
		},
	})
	if w.Code != http.StatusOK {
		t.Fatal(w.Body.String())
	}
	if cfg := config.Get(); cfg.Chat.APIKey != "sk-secret" || cfg.Chat.Model != "gpt-test-2" {
		t.Errorf("merge lost data: %+v", cfg.Chat)
	}
}

func TestBootAndInfoRoutes(t *testing.T) {
	env := newTestEnv(t, &scriptedProvider{})

	w := env.do(t, "GET", "/api/session/boot", "alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("boot status = %d", w.Code)
	}
	boot := decodeMap(t, w)
	if boot["reply"] == "" || boot["web_preview"] == nil {
		t.Errorf("boot payload incomplete: %v", boot)
	}

	w = env.do(t, "GET", "/api/session/info", "alice", nil)
	info := decodeMap(t, w)
	if info["client_id"] != "alice" {
		t.Errorf("client_id = %v", info["client_id"])
	}
	if info["history_length"] != float64(1) {
		t.Errorf("history_length = %v", info["history_length"])
	}
}

func deployScript() *scriptedProvider {
	return &scriptedProvider{responses: []*providers.ChatResponse{
		{
			FinishReason: "tool_calls",
			ToolCalls: []providers.ToolCall{{
				ID:   "c1",
				Name: "mshtools-deploy_website",
				Arguments: map[string]interface{}{
					"directory": "site",
					"site_name": "Launch Page",
				},
			}},
		},
		{
			FinishReason: "tool_calls",
			ToolCalls: []providers.ToolCall{{
				ID:   "c2",
				Name: "mshtools-files_write",
				Arguments: map[string]interface{}{
					"files": []interface{}{map[string]interface{}{
						"file_path": "notes.md",
						"content":   "done",
					}},
				},
			}},
		},
		{Content: "Your site is live.", FinishReason: "stop"},
	}}
}

func seedSite(t *testing.T, env *testEnv, clientID string) {
	t.Helper()
	state, err := env.sessions.Get(clientID)
	if err != nil {
		t.Fatal(err)
	}
	siteDir := filepath.Join(state.Workspace().Paths().InternalRoot, "site")
	if err := os.MkdirAll(siteDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(siteDir, "index.html"), []byte("<h1>live</h1>"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestChatDeployFlow(t *testing.T) {
	env := newTestEnv(t, deployScript())
	seedSite(t, env, "tester")

	w := env.do(t, "POST", "/api/chat", "tester", map[string]interface{}{
		"message": "deploy my site",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("chat status = %d: %s", w.Code, w.Body.String())
	}
	payload := decodeMap(t, w)
	if payload["reply"] != "Your site is live." {
		t.Errorf("reply = %v", payload["reply"])
	}

	preview := payload["web_preview"].(map[string]interface{})
	id, _ := preview["deployment_id"].(string)
	if !regexp.MustCompile(`^\d{6}$`).MatchString(id) {
		t.Fatalf("deployment_id = %q", id)
	}
	wantURL := fmt.Sprintf("https://preview.invalid/?s=%s&path=index.html&client_id=tester", id)
	if preview["url"] != wantURL {
		t.Errorf("url = %v, want %s", preview["url"], wantURL)
	}

	meta := payload["meta"].(map[string]interface{})
	if summary := meta["summary"].(string); !strings.HasPrefix(summary, "Wrote file") {
		t.Errorf("summary = %q", summary)
	}

	artifacts := payload["artifacts"].([]interface{})
	if len(artifacts) != 1 {
		t.Fatalf("artifacts = %v", artifacts)
	}
	if artifacts[0].(map[string]interface{})["url"] != wantURL {
		t.Errorf("artifact url = %v", artifacts[0])
	}

	// The deployed site is served by id path and by query form.
	w = env.do(t, "GET", "/"+id, "", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "live") {
		t.Errorf("id route = %d: %s", w.Code, w.Body.String())
	}
	w = env.do(t, "GET", fmt.Sprintf("/?s=%s&path=index.html", id), "", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "live") {
		t.Errorf("query route = %d: %s", w.Code, w.Body.String())
	}
}

func TestChatValidation(t *testing.T) {
	env := newTestEnv(t, &scriptedProvider{})

	w := env.do(t, "POST", "/api/chat", "tester", map[string]interface{}{"message": "   "})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
	if detail := decodeMap(t, w)["detail"]; detail != "message is required" {
		t.Errorf("detail = %v", detail)
	}
}

func TestChatSSEFraming(t *testing.T) {
	env := newTestEnv(t, deployScript())
	seedSite(t, env, "tester")

	cfg := config.Get()
	cfg.Chat.SupportsStreaming = true
	config.Set(cfg)

	raw, _ := json.Marshal(map[string]interface{}{"message": "deploy my site"})
	r := httptest.NewRequest("POST", "/api/chat", bytes.NewReader(raw))
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("Accept", "text/event-stream")
	r.Header.Set("x-okc-client-id", "tester")
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, r)

	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type = %q", ct)
	}
	if w.Header().Get("X-Accel-Buffering") != "no" {
		t.Error("proxy buffering not disabled")
	}

	body := w.Body.String()
	if !strings.HasSuffix(body, "data: stop\n\n") {
		t.Fatalf("missing stop sentinel: %q", body[len(body)-60:])
	}

	var sawToolStart, sawFinal bool
	for _, frame := range strings.Split(strings.TrimSuffix(body, "data: stop\n\n"), "\n\n") {
		if frame == "" {
			continue
		}
		if !strings.HasPrefix(frame, "data: ") {
			t.Fatalf("bad frame %q", frame)
		}
		var event map[string]interface{}
		if err := json.Unmarshal([]byte(strings.TrimPrefix(frame, "data: ")), &event); err != nil {
			t.Fatalf("frame %q: %v", frame, err)
		}
		switch event["type"] {
		case "tool_started":
			sawToolStart = true
		case "final":
			sawFinal = true
			data := event["data"].(map[string]interface{})
			if data["reply"] != "Your site is live." {
				t.Errorf("final reply = %v", data["reply"])
			}
		}
	}
	if !sawToolStart || !sawFinal {
		t.Errorf("frames missing: tool_started=%v final=%v", sawToolStart, sawFinal)
	}
}

func TestChatRateLimit(t *testing.T) {
	prev := config.Get()
	cfg := config.Default()
	cfg.Workspace.Path = t.TempDir()
	cfg.Server.RateLimitRPM = 1
	config.Set(cfg)
	t.Cleanup(func() { config.Set(prev) })

	deployments, err := deploy.NewStore(filepath.Join(t.TempDir(), "deployments"))
	if err != nil {
		t.Fatal(err)
	}
	sessions := session.NewSessionStore(deployments, session.WithStoreProvider(&scriptedProvider{}))
	t.Cleanup(sessions.CloseAll)
	handler := New(sessions, nil, deployments).Handler()

	limited := false
	for i := 0; i < 10; i++ {
		raw, _ := json.Marshal(map[string]interface{}{"message": "hi"})
		r := httptest.NewRequest("POST", "/api/chat", bytes.NewReader(raw))
		r.Header.Set("x-okc-client-id", "tester")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		if w.Code == http.StatusTooManyRequests {
			limited = true
			break
		}
	}
	if !limited {
		t.Error("rate limit never triggered")
	}
}

func TestUploadRoundTrip(t *testing.T) {
	env := newTestEnv(t, &scriptedProvider{})

	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	for name, content := range map[string]string{
		"data.csv": "a,b\n1,2\n",
		"note.txt": "hello",
	} {
		part, err := form.CreateFormFile("files", name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := part.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	form.Close()

	r := httptest.NewRequest("POST", "/api/session/files", &buf)
	r.Header.Set("Content-Type", form.FormDataContentType())
	r.Header.Set("x-okc-client-id", "tester")
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("upload status = %d: %s", w.Code, w.Body.String())
	}
	result := decodeMap(t, w)
	if saved := result["saved"].([]interface{}); len(saved) != 2 {
		t.Fatalf("saved = %v", saved)
	}

	state, err := env.sessions.Get("tester")
	if err != nil {
		t.Fatal(err)
	}
	target, err := state.Workspace().Resolve("uploads/note.txt")
	if err != nil {
		t.Fatal(err)
	}
	content, err := os.ReadFile(target)
	if err != nil || string(content) != "hello" {
		t.Errorf("stored upload = %q, %v", content, err)
	}

	w = env.do(t, "GET", "/api/session/files", "tester", nil)
	listing := decodeMap(t, w)
	if files := listing["files"].([]interface{}); len(files) != 2 {
		t.Errorf("files = %v", files)
	}
}

func TestUploadRejectsEmptyForm(t *testing.T) {
	env := newTestEnv(t, &scriptedProvider{})

	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	form.WriteField("unrelated", "x")
	form.Close()

	r := httptest.NewRequest("POST", "/api/session/files", &buf)
	r.Header.Set("Content-Type", form.FormDataContentType())
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, r)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d", w.Code)
	}
}

func TestConversationCRUD(t *testing.T) {
	env := newTestEnv(t, &scriptedProvider{})

	w := env.do(t, "POST", "/api/conversations", "alice", map[string]interface{}{
		"id":    "conv-1",
		"title": "Landing page",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("save status = %d: %s", w.Code, w.Body.String())
	}

	w = env.do(t, "GET", "/api/conversations", "alice", nil)
	list := decodeMap(t, w)["conversations"].([]interface{})
	if len(list) != 1 {
		t.Fatalf("list = %v", list)
	}

	w = env.do(t, "GET", "/api/conversations/conv-1", "alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	if decodeMap(t, w)["title"] != "Landing page" {
		t.Error("title mismatch")
	}

	// Another client can neither read nor overwrite it.
	w = env.do(t, "GET", "/api/conversations/conv-1", "bob", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("cross-client get = %d", w.Code)
	}
	w = env.do(t, "POST", "/api/conversations", "bob", map[string]interface{}{"id": "conv-1"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("cross-client save = %d", w.Code)
	}

	w = env.do(t, "DELETE", "/api/conversations/conv-1", "alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("delete status = %d", w.Code)
	}
	w = env.do(t, "GET", "/api/conversations/conv-1", "alice", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("get after delete = %d", w.Code)
	}
}

func TestHistoryEntryRoute(t *testing.T) {
	env := newTestEnv(t, &scriptedProvider{})
	env.do(t, "GET", "/api/session/boot", "alice", nil)

	state, err := env.sessions.Get("alice")
	if err != nil {
		t.Fatal(err)
	}
	entries := state.VM().History()
	if len(entries) == 0 {
		t.Fatal("no history after boot")
	}

	w := env.do(t, "GET", "/api/session/history/"+entries[0].ID, "alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if decodeMap(t, w)["role"] != "assistant" {
		t.Error("role mismatch")
	}

	w = env.do(t, "GET", "/api/session/history/unknown-id", "alice", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("missing entry status = %d", w.Code)
	}
	if decodeMap(t, w)["detail"] == nil {
		t.Error("error body missing detail")
	}
}

func TestHistoryDeleteResetsSession(t *testing.T) {
	env := newTestEnv(t, &scriptedProvider{})
	env.do(t, "GET", "/api/session/boot", "alice", nil)

	w := env.do(t, "DELETE", "/api/session/history", "alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	result := decodeMap(t, w)
	if result["history_cleared"] != true {
		t.Errorf("result = %v", result)
	}
}

func TestSnapshotRoutes(t *testing.T) {
	env := newTestEnv(t, &scriptedProvider{})

	w := env.do(t, "POST", "/api/session/workspace/snapshots", "alice", map[string]interface{}{
		"label": "before changes",
	})
	if w.Code == http.StatusBadRequest {
		t.Skipf("snapshots disabled: %s", w.Body.String())
	}
	if w.Code != http.StatusOK {
		t.Fatalf("create status = %d: %s", w.Code, w.Body.String())
	}

	w = env.do(t, "GET", "/api/session/workspace/snapshots", "alice", nil)
	state := decodeMap(t, w)
	if state["enabled"] != true {
		t.Fatalf("state = %v", state)
	}

	w = env.do(t, "POST", "/api/session/workspace/restore", "alice", map[string]interface{}{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("restore without id = %d", w.Code)
	}

	w = env.do(t, "POST", "/api/session/workspace/branch", "alice", map[string]interface{}{
		"name": "experiment",
	})
	if w.Code != http.StatusOK {
		t.Errorf("branch status = %d: %s", w.Code, w.Body.String())
	}
}

func TestRootRedirectsToUI(t *testing.T) {
	env := newTestEnv(t, &scriptedProvider{})
	w := env.do(t, "GET", "/", "", nil)
	if w.Code != http.StatusTemporaryRedirect || w.Header().Get("Location") != "/ui/" {
		t.Errorf("root = %d -> %q", w.Code, w.Header().Get("Location"))
	}
}

func TestDeploymentRouteRejectsBadID(t *testing.T) {
	env := newTestEnv(t, &scriptedProvider{})
	w := env.do(t, "GET", "/abc123x", "", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d", w.Code)
	}
	w = env.do(t, "GET", "/999999", "", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("missing deployment status = %d", w.Code)
	}
}

func TestTraversalPathsRejected(t *testing.T) {
	env := newTestEnv(t, &scriptedProvider{})

	for _, target := range []string{
		"/123456/../etc/passwd",
		"/123456/%2e%2e/etc/passwd",
		"/ui/../internal/config",
	} {
		w := env.do(t, "GET", target, "", nil)
		if w.Code != http.StatusBadRequest {
			t.Errorf("GET %s = %d, want 400", target, w.Code)
		}
		if decodeMap(t, w)["detail"] == nil {
			t.Errorf("GET %s missing detail body", target)
		}
	}
}

func TestJanitorSweep(t *testing.T) {
	env := newTestEnv(t, &scriptedProvider{})

	if _, err := env.sessions.Get("alive"); err != nil {
		t.Fatal(err)
	}
	liveIDs := env.sessions.SessionIDs()
	if len(liveIDs) != 1 {
		t.Fatalf("session ids = %v", liveIDs)
	}

	orphan := filepath.Join(env.base, "okcvm-orphan")
	if err := os.MkdirAll(orphan, 0o755); err != nil {
		t.Fatal(err)
	}
	unrelated := filepath.Join(env.base, "deployments")

	cfg := config.Get()
	cfg.Workspace.JanitorSchedule = "0 3 * * *"
	config.Set(cfg)

	srv := New(env.sessions, nil, env.deployments)
	janitor := NewJanitor(srv)
	if janitor == nil {
		t.Fatal("janitor not constructed")
	}
	removed := janitor.Sweep()
	if removed != 1 {
		t.Errorf("removed = %d", removed)
	}
	if _, err := os.Stat(orphan); !os.IsNotExist(err) {
		t.Error("orphan survived sweep")
	}
	for _, id := range liveIDs {
		if _, err := os.Stat(filepath.Join(env.base, id)); err != nil {
			t.Errorf("live workspace removed: %v", err)
		}
	}
	if _, err := os.Stat(unrelated); err != nil {
		t.Error("non-session directory removed")
	}
}
