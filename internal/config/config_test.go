package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestApplyInheritsAPIKey(t *testing.T) {
	Set(&Config{Chat: &Endpoint{Model: "m1", BaseURL: "https://a", APIKey: "secret"}})
	t.Cleanup(func() { Set(Default()) })

	Apply(Update{Chat: &Endpoint{Model: "m2", BaseURL: "https://b"}})

	got := Get().Chat
	if got.Model != "m2" || got.BaseURL != "https://b" {
		t.Fatalf("endpoint not updated: %+v", got)
	}
	if got.APIKey != "secret" {
		t.Fatalf("api key not inherited, got %q", got.APIKey)
	}
}

func TestApplyReplacesAPIKeyWhenProvided(t *testing.T) {
	Set(&Config{Chat: &Endpoint{Model: "m1", APIKey: "old"}})
	t.Cleanup(func() { Set(Default()) })

	Apply(Update{Chat: &Endpoint{Model: "m1", APIKey: "new"}})

	if got := Get().Chat.APIKey; got != "new" {
		t.Fatalf("expected new key, got %q", got)
	}
}

func TestDescribeNeverLeaksKey(t *testing.T) {
	e := &Endpoint{Model: "m", BaseURL: "https://x", APIKey: "topsecret"}
	desc := e.Describe()
	if present, _ := desc["api_key_present"].(bool); !present {
		t.Fatal("api_key_present should be true")
	}
	if _, leaked := desc["api_key"]; leaked {
		t.Fatal("api_key must not appear in description")
	}
}

func TestGetReturnsSnapshot(t *testing.T) {
	Set(&Config{Chat: &Endpoint{Model: "orig"}})
	t.Cleanup(func() { Set(Default()) })

	snap := Get()
	snap.Chat.Model = "mutated"

	if got := Get().Chat.Model; got != "orig" {
		t.Fatalf("snapshot mutation leaked into store: %q", got)
	}
}

func TestLoadFileAndEnvOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json5")
	body := `{
		// comments are allowed
		chat: {model: "file-model", base_url: "https://file", api_key_env: "OKCVM_TEST_KEY"},
		workspace: {path: "ws"},
	}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("OKCVM_TEST_KEY", "from-env")
	t.Setenv("OKCVM_CHAT_BASE_URL", "https://env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Chat.Model != "file-model" {
		t.Fatalf("model = %q", cfg.Chat.Model)
	}
	if cfg.Chat.BaseURL != "https://env" {
		t.Fatalf("env overlay lost, base_url = %q", cfg.Chat.BaseURL)
	}
	if cfg.Chat.APIKey != "from-env" {
		t.Fatalf("api_key_env not resolved, got %q", cfg.Chat.APIKey)
	}
	want := filepath.Join(dir, "ws")
	if got := cfg.Workspace.ResolvePath(); got != want {
		t.Fatalf("workspace path = %q, want %q", got, want)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json5"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Chat == nil || cfg.Chat.Model == "" {
		t.Fatal("defaults missing chat endpoint")
	}
}

func TestStoreEffectiveURL(t *testing.T) {
	s := Store{}
	if got := s.EffectiveURL("/base"); got != "sqlite://"+filepath.Join("/base", "okcvm.db") {
		t.Fatalf("default url = %q", got)
	}
	s.URL = "postgres://u@h/db"
	if got := s.EffectiveURL("/base"); got != "postgres://u@h/db" {
		t.Fatalf("explicit url = %q", got)
	}
}
