package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/titanous/json5"
)

// Default returns the built-in configuration used before any file or
// environment overlay is applied.
func Default() *Config {
	return &Config{
		Chat: &Endpoint{
			Model:             "gpt-4o-mini",
			BaseURL:           "https://api.openai.com/v1",
			APIKeyEnv:         "OPENAI_API_KEY",
			SupportsStreaming: true,
		},
		Workspace: Workspace{
			Path: "workspace",
		},
		Server: Server{
			Host: "127.0.0.1",
			Port: 8000,
		},
	}
}

// Load reads the JSON5 config file at path (if it exists), overlays
// environment variables and resolves env-pointed API keys. A missing
// file is not an error; a malformed one is.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := json5.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
			if abs, err := filepath.Abs(path); err == nil {
				cfg.Workspace.ConfigDir = filepath.Dir(abs)
			}
		case os.IsNotExist(err):
			// fall through to defaults
		default:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	cfg.Chat.resolveKey()
	cfg.Media.Image.resolveKey()
	cfg.Media.Speech.resolveKey()
	cfg.Media.SoundEffects.resolveKey()
	cfg.Media.ASR.resolveKey()

	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("OKCVM_CHAT_MODEL"); v != "" {
		ensureChat(cfg).Model = v
	}
	if v := os.Getenv("OKCVM_CHAT_BASE_URL"); v != "" {
		ensureChat(cfg).BaseURL = v
	}
	if v := os.Getenv("OKCVM_CHAT_API_KEY"); v != "" {
		ensureChat(cfg).APIKey = v
	}
	if v := os.Getenv("OKCVM_WORKSPACE_PATH"); v != "" {
		cfg.Workspace.Path = v
	}
	if v := os.Getenv("OKCVM_PREVIEW_BASE_URL"); v != "" {
		cfg.Workspace.PreviewBaseURL = v
	}
	if v := os.Getenv("OKCVM_STORE_URL"); v != "" {
		cfg.Store.URL = v
	}
	if v := os.Getenv("OKCVM_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("OKCVM_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
}

func ensureChat(cfg *Config) *Endpoint {
	if cfg.Chat == nil {
		cfg.Chat = &Endpoint{SupportsStreaming: true}
	}
	return cfg.Chat
}
