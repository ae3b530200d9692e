// Package deploy materialises static sites under a persistent root and
// addresses them by short numeric ids.
package deploy

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	idMin = 100000
	idMax = 999999

	manifestName   = "manifest.json"
	recordName     = "deployment.json"
	auxPortFloor   = 8000
	auxPortCeiling = 8100
)

// ErrNotFound is returned when a deployment id or asset does not exist.
var ErrNotFound = errors.New("deployment not found")

// ErrTargetExists is returned when a deployment id collides and force was
// not requested.
var ErrTargetExists = errors.New("deployment target already exists")

// ErrBadAssetPath is returned for absolute or traversing asset paths.
var ErrBadAssetPath = errors.New("invalid deployment asset path")

// ServerInfo describes the optional auxiliary static file server.
type ServerInfo struct {
	PID    int    `json:"pid"`
	Port   int    `json:"port"`
	Status string `json:"status"`
}

// Record is the persisted description of one deployment.
type Record struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	Slug       string      `json:"slug"`
	SessionID  string      `json:"session_id"`
	Timestamp  int64       `json:"timestamp"`
	Source     string      `json:"source"`
	Target     string      `json:"target"`
	PreviewURL string      `json:"preview_url"`
	EntryPath  string      `json:"entry_path"`
	ServerInfo *ServerInfo `json:"server_info,omitempty"`
}

// CleanupSummary reports what a session-scoped cleanup removed.
type CleanupSummary struct {
	RemovedIDs []string `json:"removed_ids"`
	Errors     []string `json:"errors,omitempty"`
}

// Options configures one Deploy call.
type Options struct {
	SourceDir   string
	SiteName    string
	SessionID   string
	EntryFile   string
	Force       bool
	StartServer bool
}

// Store manages the deployment root directory.
type Store struct {
	root string

	mu  sync.Mutex
	rng *rand.Rand

	serverOnce sync.Once
	serverInfo *ServerInfo
}

// NewStore returns a store rooted at dir, creating it if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create deployment root: %w", err)
	}
	return &Store{
		root: dir,
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// Root returns the deployment root directory.
func (s *Store) Root() string { return s.root }

// Deploy copies a site directory into the root under a fresh id and
// records it in the manifest.
func (s *Store) Deploy(opts Options) (*Record, error) {
	source, err := filepath.Abs(opts.SourceDir)
	if err != nil {
		return nil, fmt.Errorf("resolve source: %w", err)
	}
	info, err := os.Stat(source)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("directory not found: %s", source)
	}
	if err := ensureIndexHTML(source, opts.EntryFile); err != nil {
		return nil, err
	}

	name := opts.SiteName
	if name == "" {
		name = filepath.Base(source)
	}
	slug := Slugify(name)

	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.allocateIDLocked()
	if err != nil {
		return nil, err
	}
	target := filepath.Join(s.root, id)
	if _, err := os.Stat(target); err == nil {
		if !opts.Force {
			return nil, fmt.Errorf("%w: %s", ErrTargetExists, target)
		}
		if err := os.RemoveAll(target); err != nil {
			return nil, fmt.Errorf("clear existing deployment: %w", err)
		}
	}

	// Copy into a staging directory first so a half-copied site never
	// becomes addressable.
	staging := filepath.Join(s.root, ".staging-"+id)
	if err := copyTree(source, staging); err != nil {
		os.RemoveAll(staging)
		return nil, fmt.Errorf("copy site: %w", err)
	}
	if err := os.Rename(staging, target); err != nil {
		os.RemoveAll(staging)
		return nil, fmt.Errorf("publish site: %w", err)
	}

	record := &Record{
		ID:         id,
		Name:       name,
		Slug:       slug,
		SessionID:  opts.SessionID,
		Timestamp:  time.Now().Unix(),
		Source:     source,
		Target:     target,
		PreviewURL: fmt.Sprintf("/?s=%s&path=index.html", id),
		EntryPath:  "index.html",
	}
	if opts.StartServer {
		record.ServerInfo = s.ensureAuxServer()
	}

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode deployment record: %w", err)
	}
	if err := os.WriteFile(filepath.Join(target, recordName), data, 0o644); err != nil {
		return nil, fmt.Errorf("write deployment record: %w", err)
	}
	if err := s.insertManifestLocked(record); err != nil {
		return nil, err
	}
	return record, nil
}

// allocateIDLocked picks a free 6-digit id. Random probing first; when
// the space is crowded, fall back to a linear scan so allocation still
// terminates while any id remains free.
func (s *Store) allocateIDLocked() (string, error) {
	for attempt := 0; attempt < 2048; attempt++ {
		id := fmt.Sprintf("%06d", idMin+s.rng.Intn(idMax-idMin+1))
		if _, err := os.Stat(filepath.Join(s.root, id)); os.IsNotExist(err) {
			return id, nil
		}
	}
	for n := idMin; n <= idMax; n++ {
		id := fmt.Sprintf("%06d", n)
		if _, err := os.Stat(filepath.Join(s.root, id)); os.IsNotExist(err) {
			return id, nil
		}
	}
	return "", fmt.Errorf("no free deployment ids")
}

// Get returns the record for a deployment id.
func (s *Store) Get(id string) (*Record, error) {
	data, err := os.ReadFile(filepath.Join(s.root, id, recordName))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("decode deployment record %s: %w", id, err)
	}
	return &record, nil
}

// Manifest returns all deployment summaries, newest first.
func (s *Store) Manifest() ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readManifestLocked()
}

// CleanupSession removes every deployment created by the given session
// and updates the manifest. Partial failures are reported, not fatal.
func (s *Store) CleanupSession(sessionID string) CleanupSummary {
	summary := CleanupSummary{RemovedIDs: []string{}}
	if sessionID == "" {
		return summary
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.root)
	if err != nil {
		summary.Errors = append(summary.Errors, err.Error())
		return summary
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		record, err := s.readRecord(entry.Name())
		if err != nil || record.SessionID != sessionID {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.root, entry.Name())); err != nil {
			summary.Errors = append(summary.Errors, fmt.Sprintf("%s: %v", entry.Name(), err))
			continue
		}
		summary.RemovedIDs = append(summary.RemovedIDs, entry.Name())
	}

	if len(summary.RemovedIDs) > 0 {
		if err := s.pruneManifestLocked(summary.RemovedIDs); err != nil {
			summary.Errors = append(summary.Errors, err.Error())
		}
	}
	return summary
}

// ResolveAsset maps {deployment id, relative path} to an on-disk file.
// Absolute paths and any `..` component are rejected; empty and
// directory paths default to index.html.
func (s *Store) ResolveAsset(id, relPath string) (string, error) {
	cleanedRel, err := NormaliseAssetPath(relPath)
	if err != nil {
		return "", err
	}
	base := filepath.Join(s.root, id)
	if info, err := os.Stat(base); err != nil || !info.IsDir() {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	candidate := filepath.Join(base, filepath.FromSlash(cleanedRel))
	real, err := filepath.EvalSymlinks(candidate)
	if err != nil {
		return "", fmt.Errorf("%w: %s/%s", ErrNotFound, id, cleanedRel)
	}
	baseReal, err := filepath.EvalSymlinks(base)
	if err != nil {
		baseReal = base
	}
	if real != baseReal && !strings.HasPrefix(real, baseReal+string(filepath.Separator)) {
		return "", ErrBadAssetPath
	}
	if info, err := os.Stat(real); err != nil || info.IsDir() {
		// A directory target falls back to its index file.
		index := filepath.Join(real, "index.html")
		if fi, err := os.Stat(index); err == nil && !fi.IsDir() {
			return index, nil
		}
		return "", fmt.Errorf("%w: %s/%s", ErrNotFound, id, cleanedRel)
	}
	return real, nil
}

// NormaliseAssetPath validates a request path and applies the index.html
// default.
func NormaliseAssetPath(relPath string) (string, error) {
	candidate := strings.TrimSpace(relPath)
	if candidate == "" || candidate == "/" {
		return "index.html", nil
	}
	if strings.HasPrefix(candidate, "/") || strings.HasPrefix(candidate, "\\") {
		return "", ErrBadAssetPath
	}
	for _, part := range strings.Split(strings.ReplaceAll(candidate, "\\", "/"), "/") {
		if part == ".." {
			return "", ErrBadAssetPath
		}
	}
	cleaned := path.Clean(candidate)
	if cleaned == "." || cleaned == "/" {
		cleaned = "index.html"
	}
	if strings.HasSuffix(candidate, "/") {
		cleaned = path.Join(cleaned, "index.html")
	}
	return cleaned, nil
}

// Slugify reduces a site name to lowercase alphanumerics and dashes.
func Slugify(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('-')
		}
	}
	slug := strings.Trim(b.String(), "-")
	for strings.Contains(slug, "--") {
		slug = strings.ReplaceAll(slug, "--", "-")
	}
	if slug == "" {
		return "site"
	}
	return slug
}

func (s *Store) readRecord(id string) (*Record, error) {
	data, err := os.ReadFile(filepath.Join(s.root, id, recordName))
	if err != nil {
		return nil, err
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

func (s *Store) readManifestLocked() ([]Record, error) {
	data, err := os.ReadFile(filepath.Join(s.root, manifestName))
	if os.IsNotExist(err) {
		return []Record{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read deployment manifest: %w", err)
	}
	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("decode deployment manifest: %w", err)
	}
	return records, nil
}

func (s *Store) writeManifestLocked(records []Record) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("encode deployment manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.root, manifestName), data, 0o644); err != nil {
		return fmt.Errorf("write deployment manifest: %w", err)
	}
	return nil
}

// insertManifestLocked puts the record at the head of the manifest,
// dropping any previous entry with the same id.
func (s *Store) insertManifestLocked(record *Record) error {
	records, err := s.readManifestLocked()
	if err != nil {
		return err
	}
	next := make([]Record, 0, len(records)+1)
	next = append(next, *record)
	for _, existing := range records {
		if existing.ID != record.ID {
			next = append(next, existing)
		}
	}
	return s.writeManifestLocked(next)
}

func (s *Store) pruneManifestLocked(removedIDs []string) error {
	removed := make(map[string]bool, len(removedIDs))
	for _, id := range removedIDs {
		removed[id] = true
	}
	records, err := s.readManifestLocked()
	if err != nil {
		return err
	}
	kept := records[:0]
	for _, record := range records {
		if !removed[record.ID] {
			kept = append(kept, record)
		}
	}
	return s.writeManifestLocked(kept)
}

// ensureAuxServer starts the shared auxiliary static server on the first
// free port at or above 8000. Failures are recorded, never fatal.
func (s *Store) ensureAuxServer() *ServerInfo {
	s.serverOnce.Do(func() {
		for port := auxPortFloor; port <= auxPortCeiling; port++ {
			ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
			if err != nil {
				continue
			}
			srv := &http.Server{Handler: http.FileServer(http.Dir(s.root))}
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					slog.Warn("deployment aux server stopped", "error", err)
				}
			}()
			s.serverInfo = &ServerInfo{PID: os.Getpid(), Port: port, Status: "running"}
			slog.Info("deployment aux server started", "port", port)
			return
		}
		s.serverInfo = &ServerInfo{PID: os.Getpid(), Status: "failed"}
		slog.Warn("deployment aux server could not bind a port")
	})
	return s.serverInfo
}

// ensureIndexHTML promotes an entry file or a lone html file to
// index.html when the site has none.
func ensureIndexHTML(source, entryFile string) error {
	index := filepath.Join(source, "index.html")
	if _, err := os.Stat(index); err == nil {
		return nil
	}

	var candidate string
	if entryFile != "" {
		hinted := filepath.Join(source, filepath.FromSlash(entryFile))
		if info, err := os.Stat(hinted); err == nil && !info.IsDir() && strings.HasSuffix(hinted, ".html") {
			candidate = hinted
		}
	}
	if candidate == "" {
		entries, err := os.ReadDir(source)
		if err != nil {
			return fmt.Errorf("scan site directory: %w", err)
		}
		var htmls []string
		for _, entry := range entries {
			if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".html") {
				htmls = append(htmls, filepath.Join(source, entry.Name()))
			}
		}
		if len(htmls) == 1 {
			candidate = htmls[0]
		}
	}
	if candidate == "" {
		return fmt.Errorf("index.html must exist in the site directory")
	}
	return copyFile(candidate, index)
}

func copyTree(src, dst string) error {
	return filepath.Walk(src, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(p, target)
	})
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
