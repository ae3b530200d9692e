package tools

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"image/color"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/disintegration/imaging"

	"github.com/kexinoh/free-OKC/internal/config"
	"github.com/kexinoh/free-OKC/internal/workspace"
)

var mediaHTTPClient = &http.Client{Timeout: 60 * time.Second}

// mediaEndpoint returns the configured endpoint for a media service, or
// nil when none is set and local synthesis should run instead.
func mediaEndpoint(service string) *config.Endpoint {
	ep := config.Get().Media.ForService(service)
	if ep == nil || ep.BaseURL == "" {
		return nil
	}
	return ep
}

// forwardMedia posts the request payload to a configured endpoint and
// returns the raw media bytes. Callers fall back to local synthesis on
// any error.
func forwardMedia(ctx context.Context, ep *config.Endpoint, payload map[string]interface{}) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.BaseURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if ep.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+ep.APIKey)
	}
	resp, err := mediaHTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("media endpoint returned %s", resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, errors.New("media endpoint returned no data")
	}
	return data, nil
}

func saveMediaBytes(ws *workspace.Manager, prefix, ext string, data []byte) (string, error) {
	dir := filepath.Join(ws.Paths().InternalOutput, "media")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create media directory: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%s_%d.%s", prefix, time.Now().UnixNano(), ext))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("save media: %w", err)
	}
	return path, nil
}

// Voice describes one synthesis voice.
type Voice struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	BaseFreq float64 `json:"base_freq"`
}

// Voices are the built-in synthesis voices, keyed by voice_id.
var Voices = []Voice{
	{ID: "voice_alloy", Name: "Alloy", BaseFreq: 160},
	{ID: "voice_breeze", Name: "Breeze", BaseFreq: 180},
	{ID: "voice_thunder", Name: "Thunder", BaseFreq: 110},
}

func voiceByID(id string) (Voice, bool) {
	for _, v := range Voices {
		if v.ID == id {
			return v, true
		}
	}
	return Voice{}, false
}

var aspectRatios = map[string][2]int{
	"1:1":  {768, 768},
	"3:4":  {768, 1024},
	"4:3":  {1024, 768},
	"9:16": {720, 1280},
	"16:9": {1280, 720},
}

// GenerateImageTool renders a deterministic placeholder image for a
// prompt and saves it under the workspace output directory. The palette
// and texture derive from the prompt hash so identical prompts yield
// identical images.
type GenerateImageTool struct {
	ws *workspace.Manager
}

func NewGenerateImageTool(ws *workspace.Manager) *GenerateImageTool {
	return &GenerateImageTool{ws: ws}
}

func (t *GenerateImageTool) Name() string { return "mshtools-generate_image" }

func (t *GenerateImageTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	prompt := stringArg(args, "prompt")
	if prompt == "" {
		return ErrorResult("prompt is required")
	}
	size, ok := aspectRatios[stringArg(args, "aspect_ratio")]
	if !ok {
		size = aspectRatios["1:1"]
	}
	width, height := size[0], size[1]

	if ep := mediaEndpoint("image"); ep != nil {
		payload := map[string]interface{}{
			"model":  ep.Model,
			"prompt": prompt,
			"width":  width,
			"height": height,
		}
		if data, err := forwardMedia(ctx, ep, payload); err == nil {
			path, saveErr := saveMediaBytes(t.ws, "image", "png", data)
			if saveErr != nil {
				return ErrorResult(saveErr.Error())
			}
			display := displayPath(t.ws, path)
			return DataResult(
				fmt.Sprintf("Generated a %dx%d image for %q at %s", width, height, prompt, display),
				map[string]interface{}{"path": display, "width": width, "height": height, "provider": ep.Describe()},
			)
		}
	}

	hash := sha256.Sum256([]byte(prompt))
	base := color.NRGBA{R: hash[0], G: hash[1], B: hash[2], A: 255}
	accent := color.NRGBA{R: hash[3], G: hash[4], B: hash[5], A: 255}

	img := imaging.New(width, height, base)
	// Diagonal accent bands spaced by the hash give each prompt a
	// distinct texture.
	band := 24 + int(hash[6])%40
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			if (x+y)/band%2 == 0 {
				img.SetNRGBA(x, y, blend(base, accent, 0.35))
			}
		}
	}
	blurred := imaging.Blur(img, 3.5)

	dir := filepath.Join(t.ws.Paths().InternalOutput, "media")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Errorf("create media directory: %v", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("image_%d.png", time.Now().UnixNano()))
	if err := imaging.Save(blurred, path); err != nil {
		return Errorf("save image: %v", err)
	}

	display := displayPath(t.ws, path)
	return DataResult(
		fmt.Sprintf("Generated a %dx%d image for %q at %s", width, height, prompt, display),
		map[string]interface{}{"path": display, "width": width, "height": height},
	)
}

func blend(a, b color.NRGBA, t float64) color.NRGBA {
	mix := func(x, y uint8) uint8 {
		return uint8(float64(x)*(1-t) + float64(y)*t)
	}
	return color.NRGBA{R: mix(a.R, b.R), G: mix(a.G, b.G), B: mix(a.B, b.B), A: 255}
}

// GetVoicesTool lists the synthesis voices.
type GetVoicesTool struct{}

func NewGetVoicesTool() *GetVoicesTool { return &GetVoicesTool{} }

func (t *GetVoicesTool) Name() string { return "mshtools-get_available_voices" }

func (t *GetVoicesTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	var sb strings.Builder
	data := make([]interface{}, 0, len(Voices))
	for _, v := range Voices {
		fmt.Fprintf(&sb, "%s: %s (%.0f Hz)\n", v.ID, v.Name, v.BaseFreq)
		data = append(data, map[string]interface{}{"id": v.ID, "name": v.Name})
	}
	return DataResult(strings.TrimRight(sb.String(), "\n"), map[string]interface{}{"voices": data})
}

// GenerateSpeechTool synthesises tonal speech audio. Each rune becomes a
// short tone around the voice's base frequency; word gaps become silence.
type GenerateSpeechTool struct {
	ws *workspace.Manager
}

func NewGenerateSpeechTool(ws *workspace.Manager) *GenerateSpeechTool {
	return &GenerateSpeechTool{ws: ws}
}

func (t *GenerateSpeechTool) Name() string { return "mshtools-generate_speech" }

func (t *GenerateSpeechTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	text := stringArg(args, "text")
	if text == "" {
		return ErrorResult("text is required")
	}
	voice, ok := voiceByID(stringArg(args, "voice_id"))
	if !ok {
		return Errorf("unknown voice_id %q; call get_available_voices first", stringArg(args, "voice_id"))
	}

	if ep := mediaEndpoint("speech"); ep != nil {
		payload := map[string]interface{}{
			"model":    ep.Model,
			"text":     text,
			"voice_id": voice.ID,
		}
		if data, err := forwardMedia(ctx, ep, payload); err == nil {
			path, saveErr := saveMediaBytes(t.ws, "speech", "wav", data)
			if saveErr != nil {
				return ErrorResult(saveErr.Error())
			}
			display := displayPath(t.ws, path)
			return DataResult(
				fmt.Sprintf("Generated speech with %s at %s", voice.Name, display),
				map[string]interface{}{"path": display, "voice_id": voice.ID, "provider": ep.Describe()},
			)
		}
	}

	var samples []float64
	toneLen := wavSampleRate * 80 / 1000
	gapLen := wavSampleRate * 40 / 1000
	for _, r := range text {
		if r == ' ' || r == '\n' || r == '\t' {
			samples = append(samples, make([]float64, gapLen)...)
			continue
		}
		freq := voice.BaseFreq * (1 + float64(int(r)%12)/24)
		for i := 0; i < toneLen; i++ {
			envelope := math.Sin(math.Pi * float64(i) / float64(toneLen))
			samples = append(samples, 0.4*envelope*math.Sin(2*math.Pi*freq*float64(i)/wavSampleRate))
		}
	}

	path, err := t.saveWAV("speech", samples)
	if err != nil {
		return ErrorResult(err.Error())
	}
	display := displayPath(t.ws, path)
	return DataResult(
		fmt.Sprintf("Synthesised %.1fs of speech with %s at %s", float64(len(samples))/wavSampleRate, voice.Name, display),
		map[string]interface{}{"path": display, "voice_id": voice.ID},
	)
}

func (t *GenerateSpeechTool) saveWAV(prefix string, samples []float64) (string, error) {
	return saveWorkspaceWAV(t.ws, prefix, samples)
}

func saveWorkspaceWAV(ws *workspace.Manager, prefix string, samples []float64) (string, error) {
	dir := filepath.Join(ws.Paths().InternalOutput, "media")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create media directory: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%s_%d.wav", prefix, time.Now().UnixNano()))
	if err := os.WriteFile(path, encodeWAV(samples), 0o644); err != nil {
		return "", fmt.Errorf("save audio: %w", err)
	}
	return path, nil
}

// effectKinds maps description keywords to synthesis recipes.
var effectKinds = []struct {
	keyword string
	kind    string
}{
	{"rain", "rain"},
	{"ocean", "ocean"},
	{"wave", "ocean"},
	{"wind", "wind"},
	{"beep", "beep"},
	{"alarm", "beep"},
	{"rumble", "rumble"},
	{"thunder", "rumble"},
}

// GenerateSoundEffectsTool synthesises a sound effect from keywords in
// the description. Duration is clamped to 0.5-22 seconds.
type GenerateSoundEffectsTool struct {
	ws *workspace.Manager
}

func NewGenerateSoundEffectsTool(ws *workspace.Manager) *GenerateSoundEffectsTool {
	return &GenerateSoundEffectsTool{ws: ws}
}

func (t *GenerateSoundEffectsTool) Name() string { return "mshtools-generate_sound_effects" }

func (t *GenerateSoundEffectsTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	description := stringArg(args, "description")
	if description == "" {
		return ErrorResult("description is required")
	}
	duration := floatArg(args, "duration", 3)
	if duration < 0.5 {
		duration = 0.5
	}
	if duration > 22 {
		duration = 22
	}

	if ep := mediaEndpoint("sound_effects"); ep != nil {
		payload := map[string]interface{}{
			"model":       ep.Model,
			"description": description,
			"duration":    duration,
		}
		if data, err := forwardMedia(ctx, ep, payload); err == nil {
			path, saveErr := saveMediaBytes(t.ws, "sfx", "wav", data)
			if saveErr != nil {
				return ErrorResult(saveErr.Error())
			}
			display := displayPath(t.ws, path)
			return DataResult(
				fmt.Sprintf("Generated a %.1fs sound effect at %s", duration, display),
				map[string]interface{}{"path": display, "duration": duration, "provider": ep.Describe()},
			)
		}
	}

	kind := "texture"
	lower := strings.ToLower(description)
	for _, entry := range effectKinds {
		if strings.Contains(lower, entry.keyword) {
			kind = entry.kind
			break
		}
	}

	n := int(duration * wavSampleRate)
	samples := make([]float64, n)
	rng := rand.New(rand.NewSource(int64(len(description))))
	for i := range samples {
		tSec := float64(i) / wavSampleRate
		switch kind {
		case "rain":
			samples[i] = 0.25 * rng.Float64() * (rng.Float64() - 0.5) * 2
		case "ocean":
			swell := 0.5 + 0.5*math.Sin(2*math.Pi*0.2*tSec)
			samples[i] = 0.35 * swell * (rng.Float64() - 0.5) * 2
		case "wind":
			gust := 0.6 + 0.4*math.Sin(2*math.Pi*0.07*tSec)
			samples[i] = 0.3 * gust * (rng.Float64() - 0.5)
		case "beep":
			if int(tSec*2)%2 == 0 {
				samples[i] = 0.4 * math.Sin(2*math.Pi*880*tSec)
			}
		case "rumble":
			samples[i] = 0.45*math.Sin(2*math.Pi*60*tSec) + 0.1*(rng.Float64()-0.5)
		default:
			samples[i] = 0.2 * math.Sin(2*math.Pi*220*tSec) * (0.5 + 0.5*math.Sin(2*math.Pi*0.5*tSec))
		}
	}

	path, err := saveWorkspaceWAV(t.ws, "sfx", samples)
	if err != nil {
		return ErrorResult(err.Error())
	}
	display := displayPath(t.ws, path)
	return DataResult(
		fmt.Sprintf("Synthesised a %.1fs %s effect at %s", duration, kind, display),
		map[string]interface{}{"path": display, "kind": kind, "duration": duration},
	)
}
