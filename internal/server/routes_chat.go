package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/kexinoh/free-OKC/internal/bus"
	"github.com/kexinoh/free-OKC/internal/config"
	"github.com/kexinoh/free-OKC/internal/session"
)

type chatRequest struct {
	Message     string `json:"message"`
	ReplaceLast bool   `json:"replace_last"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	clientID := session.ResolveClientID(r, "")
	if !s.allowChat(clientID) {
		writeDetail(w, http.StatusTooManyRequests, "chat rate limit exceeded, retry shortly")
		return
	}
	state, err := s.sessions.Get(clientID)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, fmt.Sprintf("session init failed: %v", err))
		return
	}

	var body chatRequest
	if !decodeBody(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.Message) == "" {
		writeDetail(w, http.StatusBadRequest, "message is required")
		return
	}

	if wantsEventStream(r) && chatStreamingEnabled() {
		s.serveChatStream(w, r, state, body)
		return
	}

	// The turn deliberately ignores the request context: a dropped
	// connection must not cancel tool execution mid-write.
	payload := state.Respond(context.Background(), body.Message, body.ReplaceLast, nil)
	writeJSON(w, http.StatusOK, payload)
}

func wantsEventStream(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

func chatStreamingEnabled() bool {
	chat := config.Get().Chat
	return chat != nil && chat.SupportsStreaming
}

// serveChatStream runs the turn in a worker goroutine and relays its
// event stream as SSE frames. The worker keeps going if the client
// disconnects; its final payload is simply dropped.
func (s *Server) serveChatStream(w http.ResponseWriter, r *http.Request, state *session.State, body chatRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeDetail(w, http.StatusInternalServerError, "streaming unsupported by connection")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	stream := bus.NewStream(256)
	go func() {
		payload := state.Respond(context.Background(), body.Message, body.ReplaceLast, stream)
		stream.Publish(bus.Event{Type: bus.EventFinal, Data: payload})
	}()

	clientGone := r.Context().Done()
	for {
		select {
		case event, open := <-stream.Events():
			if !open {
				if _, err := fmt.Fprint(w, bus.StopSentinel); err == nil {
					flusher.Flush()
				}
				return
			}
			if _, err := fmt.Fprint(w, event.Encode()); err != nil {
				slog.Debug("sse write failed, detaching", "client", state.ClientID(), "error", err)
				go drainStream(stream)
				return
			}
			flusher.Flush()
		case <-clientGone:
			slog.Debug("sse client disconnected, turn continues", "client", state.ClientID())
			go drainStream(stream)
			return
		}
	}
}

// drainStream discards the remaining events of an abandoned turn.
func drainStream(stream *bus.Stream) {
	for range stream.Events() {
	}
}
