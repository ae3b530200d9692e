// Package server exposes the OKCVM HTTP surface: configuration, the
// per-client chat session, workspace snapshots, durable conversations,
// deployment serving and the bundled web UI.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/kexinoh/free-OKC/internal/config"
	"github.com/kexinoh/free-OKC/internal/deploy"
	"github.com/kexinoh/free-OKC/internal/session"
	"github.com/kexinoh/free-OKC/internal/store"
)

// Server wires the session store, conversation store and deployment
// store behind one mux.
type Server struct {
	sessions      *session.Store
	conversations *store.Conversations
	deployments   *deploy.Store
	frontendDir   string

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
	rateRPM   int

	mux        *http.ServeMux
	httpServer *http.Server
}

// New builds a server over the given stores. The conversation store may
// be nil; conversation routes then report an unavailable store.
func New(sessions *session.Store, conversations *store.Conversations, deployments *deploy.Store) *Server {
	cfg := config.Get()
	return &Server{
		sessions:      sessions,
		conversations: conversations,
		deployments:   deployments,
		frontendDir:   cfg.Server.FrontendDir,
		limiters:      make(map[string]*rate.Limiter),
		rateRPM:       cfg.Server.RateLimitRPM,
	}
}

// BuildMux registers every route and caches the mux.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/config", s.handleConfigGet)
	mux.HandleFunc("POST /api/config", s.handleConfigUpdate)

	mux.HandleFunc("GET /api/session/info", s.handleSessionInfo)
	mux.HandleFunc("GET /api/session/boot", s.handleSessionBoot)
	mux.HandleFunc("GET /api/session/history/{id}", s.handleHistoryEntry)
	mux.HandleFunc("DELETE /api/session/history", s.handleHistoryDelete)
	mux.HandleFunc("GET /api/session/files", s.handleFilesList)
	mux.HandleFunc("POST /api/session/files", s.handleFilesUpload)

	mux.HandleFunc("GET /api/session/workspace/snapshots", s.handleSnapshotList)
	mux.HandleFunc("POST /api/session/workspace/snapshots", s.handleSnapshotCreate)
	mux.HandleFunc("POST /api/session/workspace/restore", s.handleSnapshotRestore)
	mux.HandleFunc("POST /api/session/workspace/branch", s.handleSnapshotBranch)

	mux.HandleFunc("POST /api/chat", s.handleChat)

	mux.HandleFunc("GET /api/conversations", s.handleConversationList)
	mux.HandleFunc("POST /api/conversations", s.handleConversationSave)
	mux.HandleFunc("GET /api/conversations/{id}", s.handleConversationGet)
	mux.HandleFunc("DELETE /api/conversations/{id}", s.handleConversationDelete)

	mux.HandleFunc("GET /ui/", s.handleUI)
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /{id}", s.handleDeploymentIndex)
	mux.HandleFunc("GET /{id}/{path...}", s.handleDeploymentAsset)

	s.mux = mux
	return mux
}

// Handler returns the mux wrapped in the CORS and traversal guards.
func (s *Server) Handler() http.Handler {
	return corsMiddleware(traversalGuard(s.BuildMux()))
}

// Start listens on the configured address until the context ends.
func (s *Server) Start(ctx context.Context) error {
	addr := config.Get().Server.Addr()
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// session resolves the request's client id and returns its session.
func (s *Server) session(w http.ResponseWriter, r *http.Request) (*session.State, bool) {
	clientID := session.ResolveClientID(r, "")
	state, err := s.sessions.Get(clientID)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, fmt.Sprintf("session init failed: %v", err))
		return nil, false
	}
	return state, true
}

// allowChat applies the per-client chat rate limit.
func (s *Server) allowChat(clientID string) bool {
	if s.rateRPM <= 0 {
		return true
	}
	s.limiterMu.Lock()
	defer s.limiterMu.Unlock()
	limiter, ok := s.limiters[clientID]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(s.rateRPM)/60, 5)
		s.limiters[clientID] = limiter
	}
	return limiter.Allow()
}

// traversalGuard rejects paths carrying `..` segments (plain or
// percent-encoded) before the mux can canonicalise them into a
// redirect, so traversal attempts get an explicit 400.
func traversalGuard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hasDotDotSegment(r.URL.EscapedPath()) {
			writeDetail(w, http.StatusBadRequest, "invalid asset path")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func hasDotDotSegment(escapedPath string) bool {
	for _, segment := range strings.Split(escapedPath, "/") {
		if unescaped, err := url.PathUnescape(segment); err == nil {
			segment = unescaped
		}
		if segment == ".." {
			return true
		}
	}
	return false
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("response encode failed", "error", err)
	}
}

// writeDetail sends the error shape every non-2xx response uses.
func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func decodeBody(w http.ResponseWriter, r *http.Request, into interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}
