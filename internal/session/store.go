package session

import (
	"net/http"
	"sync"

	"github.com/kexinoh/free-OKC/internal/deploy"
	"github.com/kexinoh/free-OKC/internal/providers"
)

// Store maps client ids to their sessions, creating entries on access.
type Store struct {
	mu          sync.Mutex
	deployments *deploy.Store
	provider    providers.Provider
	sessions    map[string]*State
}

// StoreOption adjusts store construction.
type StoreOption func(*Store)

// WithStoreProvider makes every created session use the given provider.
func WithStoreProvider(p providers.Provider) StoreOption {
	return func(s *Store) { s.provider = p }
}

// NewSessionStore builds an empty store backed by a deployment store.
func NewSessionStore(deployments *deploy.Store, opts ...StoreOption) *Store {
	s := &Store{
		deployments: deployments,
		sessions:    make(map[string]*State),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the session for a client id, creating it on first access.
func (s *Store) Get(clientID string) (*State, error) {
	if clientID == "" {
		clientID = "default"
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if state, ok := s.sessions[clientID]; ok {
		return state, nil
	}
	var opts []Option
	if s.provider != nil {
		opts = append(opts, WithProvider(s.provider))
	}
	state, err := NewState(s.deployments, opts...)
	if err != nil {
		return nil, err
	}
	state.AttachClient(clientID)
	s.sessions[clientID] = state
	return state, nil
}

// Peek returns an existing session without creating one.
func (s *Store) Peek(clientID string) (*State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.sessions[clientID]
	return state, ok
}

// SessionIDs returns the workspace session ids of all live sessions.
func (s *Store) SessionIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.sessions))
	for _, state := range s.sessions {
		ids = append(ids, state.Workspace().SessionID())
	}
	return ids
}

// Len reports the number of live sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// CloseAll releases every session's resources.
func (s *Store) CloseAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, state := range s.sessions {
		state.Close()
		delete(s.sessions, id)
	}
}

// ResolveClientID extracts the client id from a request, in priority
// order: explicit value, x-okc-client-id header, okc_client_id cookie,
// client_id query parameter, then "default".
func ResolveClientID(r *http.Request, explicit string) string {
	if explicit != "" {
		return explicit
	}
	if header := r.Header.Get("x-okc-client-id"); header != "" {
		return header
	}
	if cookie, err := r.Cookie("okc_client_id"); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	if query := r.URL.Query().Get("client_id"); query != "" {
		return query
	}
	return "default"
}
