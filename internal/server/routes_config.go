package server

import (
	"net/http"

	"github.com/kexinoh/free-OKC/internal/config"
)

func (s *Server) handleConfigGet(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, config.Get().Describe())
}

func (s *Server) handleConfigUpdate(w http.ResponseWriter, r *http.Request) {
	var update config.Update
	if !decodeBody(w, r, &update) {
		return
	}
	config.Apply(update)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"config": config.Get().Describe(),
	})
}
