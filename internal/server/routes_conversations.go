package server

import (
	"errors"
	"net/http"

	"github.com/kexinoh/free-OKC/internal/session"
	"github.com/kexinoh/free-OKC/internal/store"
)

func (s *Server) conversationStore(w http.ResponseWriter) (*store.Conversations, bool) {
	if s.conversations == nil {
		writeDetail(w, http.StatusServiceUnavailable, "conversation store is not configured")
		return nil, false
	}
	return s.conversations, true
}

func (s *Server) handleConversationList(w http.ResponseWriter, r *http.Request) {
	conversations, ok := s.conversationStore(w)
	if !ok {
		return
	}
	clientID := session.ResolveClientID(r, "")
	list, err := conversations.List(clientID)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "list conversations: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"conversations": list})
}

func (s *Server) handleConversationSave(w http.ResponseWriter, r *http.Request) {
	conversations, ok := s.conversationStore(w)
	if !ok {
		return
	}
	clientID := session.ResolveClientID(r, "")
	var payload map[string]interface{}
	if !decodeBody(w, r, &payload) {
		return
	}
	saved, err := conversations.Save(clientID, payload)
	if err != nil {
		if errors.Is(err, store.ErrClientMismatch) {
			writeDetail(w, http.StatusBadRequest, "conversation belongs to another client")
			return
		}
		writeDetail(w, http.StatusInternalServerError, "save conversation: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (s *Server) handleConversationGet(w http.ResponseWriter, r *http.Request) {
	conversations, ok := s.conversationStore(w)
	if !ok {
		return
	}
	clientID := session.ResolveClientID(r, "")
	id := r.PathValue("id")
	conv, err := conversations.Get(clientID, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeDetail(w, http.StatusNotFound, "conversation not found")
			return
		}
		writeDetail(w, http.StatusInternalServerError, "load conversation: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleConversationDelete(w http.ResponseWriter, r *http.Request) {
	conversations, ok := s.conversationStore(w)
	if !ok {
		return
	}
	clientID := session.ResolveClientID(r, "")
	id := r.PathValue("id")
	removed, summary, err := conversations.Delete(clientID, id)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "delete conversation: "+err.Error())
		return
	}
	if !removed {
		writeDetail(w, http.StatusNotFound, "conversation not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"deleted":   true,
		"id":        id,
		"workspace": summary,
	})
}
