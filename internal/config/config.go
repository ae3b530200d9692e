// Package config holds the process-wide runtime configuration for OKCVM.
//
// The configuration is small: a chat endpoint, a set of media endpoints,
// the workspace sandbox settings, the conversation store and the HTTP
// server. It is guarded by a single lock; readers always receive a deep
// snapshot so a concurrent update can never be observed half-written.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Endpoint describes one model endpoint (chat or media).
type Endpoint struct {
	Model             string `json:"model"`
	BaseURL           string `json:"base_url"`
	APIKey            string `json:"api_key,omitempty"`
	APIKeyEnv         string `json:"api_key_env,omitempty"`
	SupportsStreaming bool   `json:"supports_streaming,omitempty"`
}

// Describe returns a serialisable view that never leaks the API key.
func (e *Endpoint) Describe() map[string]interface{} {
	if e == nil {
		return nil
	}
	desc := map[string]interface{}{
		"model":           e.Model,
		"base_url":        e.BaseURL,
		"api_key_present": e.APIKey != "",
	}
	if e.SupportsStreaming {
		desc["supports_streaming"] = true
	}
	return desc
}

func (e *Endpoint) clone() *Endpoint {
	if e == nil {
		return nil
	}
	dup := *e
	return &dup
}

// resolveKey fills APIKey from APIKeyEnv when the key itself is unset.
func (e *Endpoint) resolveKey() {
	if e == nil || e.APIKey != "" || e.APIKeyEnv == "" {
		return
	}
	e.APIKey = os.Getenv(e.APIKeyEnv)
}

// Media groups the endpoints used by media-generation tools.
type Media struct {
	Image        *Endpoint `json:"image,omitempty"`
	Speech       *Endpoint `json:"speech,omitempty"`
	SoundEffects *Endpoint `json:"sound_effects,omitempty"`
	ASR          *Endpoint `json:"asr,omitempty"`
}

// ForService returns the endpoint registered for a media service name.
func (m *Media) ForService(service string) *Endpoint {
	switch service {
	case "image":
		return m.Image
	case "speech":
		return m.Speech
	case "sound_effects":
		return m.SoundEffects
	case "asr":
		return m.ASR
	}
	return nil
}

func (m Media) clone() Media {
	return Media{
		Image:        m.Image.clone(),
		Speech:       m.Speech.clone(),
		SoundEffects: m.SoundEffects.clone(),
		ASR:          m.ASR.clone(),
	}
}

// Workspace configures the on-disk sandbox base directory.
type Workspace struct {
	Path            string `json:"path,omitempty"`
	ConfirmOnStart  bool   `json:"confirm_on_start,omitempty"`
	PreviewBaseURL  string `json:"preview_base_url,omitempty"`
	JanitorSchedule string `json:"janitor_schedule,omitempty"` // cron expression, empty disables the janitor

	// ConfigDir is the directory of the loaded config file; relative
	// workspace paths resolve against it.
	ConfigDir string `json:"-"`
}

// ResolvePath resolves the workspace base directory to an absolute path.
func (w Workspace) ResolvePath() string {
	candidate := w.Path
	if candidate == "" {
		candidate = "workspace"
	}
	if strings.HasPrefix(candidate, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			candidate = filepath.Join(home, candidate[2:])
		}
	}
	if !filepath.IsAbs(candidate) {
		base := w.ConfigDir
		if base == "" {
			base, _ = os.Getwd()
		}
		candidate = filepath.Join(base, candidate)
	}
	resolved, err := filepath.Abs(candidate)
	if err != nil {
		return candidate
	}
	return resolved
}

// ResolveAndPrepare resolves the base directory and creates it on disk.
func (w Workspace) ResolveAndPrepare() (string, error) {
	resolved := w.ResolvePath()
	if err := os.MkdirAll(resolved, 0o755); err != nil {
		return "", fmt.Errorf("prepare workspace base: %w", err)
	}
	return resolved, nil
}

// Store configures the conversation store database.
type Store struct {
	URL      string `json:"url,omitempty"`
	Echo     bool   `json:"echo,omitempty"`
	PoolSize int    `json:"pool_size,omitempty"`
}

// EffectiveURL returns the configured URL, or the default sqlite file
// under the workspace base when unset.
func (s Store) EffectiveURL(workspaceBase string) string {
	if s.URL != "" {
		return s.URL
	}
	return "sqlite://" + filepath.Join(workspaceBase, "okcvm.db")
}

// Server configures the HTTP listener.
type Server struct {
	Host         string `json:"host,omitempty"`
	Port         int    `json:"port,omitempty"`
	RateLimitRPM int    `json:"rate_limit_rpm,omitempty"` // <=0 disables chat rate limiting
	FrontendDir  string `json:"frontend_dir,omitempty"`
}

// Addr returns the listen address with defaults applied.
func (s Server) Addr() string {
	host := s.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := s.Port
	if port <= 0 {
		port = 8000
	}
	return fmt.Sprintf("%s:%d", host, port)
}

// Config is the root runtime configuration.
type Config struct {
	Chat      *Endpoint `json:"chat,omitempty"`
	Media     Media     `json:"media"`
	Workspace Workspace `json:"workspace"`
	Store     Store     `json:"store"`
	Server    Server    `json:"server"`
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	return &Config{
		Chat:      c.Chat.clone(),
		Media:     c.Media.clone(),
		Workspace: c.Workspace,
		Store:     c.Store,
		Server:    c.Server,
	}
}

// Describe returns the redacted view served by GET /api/config.
func (c *Config) Describe() map[string]interface{} {
	return map[string]interface{}{
		"chat":          c.Chat.Describe(),
		"image":         c.Media.Image.Describe(),
		"speech":        c.Media.Speech.Describe(),
		"sound_effects": c.Media.SoundEffects.Describe(),
		"asr":           c.Media.ASR.Describe(),
	}
}

var (
	mu      sync.RWMutex
	current = Default()
)

// Get returns a deep snapshot of the active configuration.
func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return current.Clone()
}

// Set replaces the active configuration wholesale.
func Set(cfg *Config) {
	mu.Lock()
	defer mu.Unlock()
	current = cfg.Clone()
}

// Update is a partial configuration change; nil fields keep prior values.
type Update struct {
	Chat         *Endpoint `json:"chat,omitempty"`
	Image        *Endpoint `json:"image,omitempty"`
	Speech       *Endpoint `json:"speech,omitempty"`
	SoundEffects *Endpoint `json:"sound_effects,omitempty"`
	ASR          *Endpoint `json:"asr,omitempty"`
}

// Apply merges a partial update into the active configuration. Endpoints
// arriving with an empty api_key inherit the key already configured for
// that slot, so the UI can round-trip the redacted description without
// wiping keys.
func Apply(u Update) {
	mu.Lock()
	defer mu.Unlock()
	next := current.Clone()
	if u.Chat != nil {
		next.Chat = mergeEndpoint(u.Chat, next.Chat)
		next.Chat.SupportsStreaming = u.Chat.SupportsStreaming
	}
	if u.Image != nil {
		next.Media.Image = mergeEndpoint(u.Image, next.Media.Image)
	}
	if u.Speech != nil {
		next.Media.Speech = mergeEndpoint(u.Speech, next.Media.Speech)
	}
	if u.SoundEffects != nil {
		next.Media.SoundEffects = mergeEndpoint(u.SoundEffects, next.Media.SoundEffects)
	}
	if u.ASR != nil {
		next.Media.ASR = mergeEndpoint(u.ASR, next.Media.ASR)
	}
	current = next
}

func mergeEndpoint(incoming, prior *Endpoint) *Endpoint {
	merged := incoming.clone()
	if merged.APIKey == "" && prior != nil {
		merged.APIKey = prior.APIKey
	}
	merged.resolveKey()
	return merged
}
