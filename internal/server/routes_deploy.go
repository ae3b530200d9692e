package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/kexinoh/free-OKC/internal/deploy"
)

// isDeploymentID reports whether a path segment looks like a numeric
// deployment id.
func isDeploymentID(id string) bool {
	if len(id) != 6 {
		return false
	}
	for _, r := range id {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// handleRoot serves "/". With an `s` query parameter it serves a
// deployment asset (the query form used by preview URLs), otherwise it
// redirects to the web UI.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if id := r.URL.Query().Get("s"); id != "" {
		s.serveDeploymentAsset(w, r, id, r.URL.Query().Get("path"))
		return
	}
	http.Redirect(w, r, "/ui/", http.StatusTemporaryRedirect)
}

func (s *Server) handleDeploymentIndex(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !isDeploymentID(id) {
		writeDetail(w, http.StatusNotFound, "not found")
		return
	}
	s.serveDeploymentAsset(w, r, id, "index.html")
}

func (s *Server) handleDeploymentAsset(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !isDeploymentID(id) {
		writeDetail(w, http.StatusNotFound, "not found")
		return
	}
	s.serveDeploymentAsset(w, r, id, r.PathValue("path"))
}

func (s *Server) serveDeploymentAsset(w http.ResponseWriter, r *http.Request, id, relPath string) {
	target, err := s.deployments.ResolveAsset(id, relPath)
	if err != nil {
		switch {
		case errors.Is(err, deploy.ErrBadAssetPath):
			writeDetail(w, http.StatusBadRequest, "invalid asset path")
		case errors.Is(err, deploy.ErrNotFound):
			writeDetail(w, http.StatusNotFound, fmt.Sprintf("deployment asset %s/%s not found", id, relPath))
		default:
			writeDetail(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	http.ServeFile(w, r, target)
}
