package server

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// staticMIMETypes pins the content types the UI depends on, so serving
// does not rely on the host's mime database.
var staticMIMETypes = map[string]string{
	".html": "text/html; charset=utf-8",
	".htm":  "text/html; charset=utf-8",
	".css":  "text/css; charset=utf-8",
	".js":   "application/javascript; charset=utf-8",
	".mjs":  "application/javascript; charset=utf-8",
	".json": "application/json; charset=utf-8",
	".svg":  "image/svg+xml",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".webp": "image/webp",
	".ico":  "image/x-icon",
	".txt":  "text/plain; charset=utf-8",
	".map":  "application/json; charset=utf-8",
	".woff": "font/woff",
	".woff2": "font/woff2",
}

// handleUI serves the bundled frontend. Responses carry no-store so a
// restarted server never fights a stale cached UI.
func (s *Server) handleUI(w http.ResponseWriter, r *http.Request) {
	if s.frontendDir == "" {
		writeDetail(w, http.StatusNotFound, "no frontend bundle configured")
		return
	}

	rel := strings.TrimPrefix(r.URL.Path, "/ui/")
	if rel == "" {
		rel = "index.html"
	}
	rel = filepath.FromSlash(rel)
	if strings.Contains(rel, "..") {
		writeDetail(w, http.StatusBadRequest, "invalid path")
		return
	}

	target := filepath.Join(s.frontendDir, rel)
	info, err := os.Stat(target)
	if err == nil && info.IsDir() {
		target = filepath.Join(target, "index.html")
		info, err = os.Stat(target)
	}
	if err != nil || info.IsDir() {
		writeDetail(w, http.StatusNotFound, "not found")
		return
	}

	if ctype, ok := staticMIMETypes[strings.ToLower(filepath.Ext(target))]; ok {
		w.Header().Set("Content-Type", ctype)
	}
	w.Header().Set("Cache-Control", "no-store")
	http.ServeFile(w, r, target)
}
