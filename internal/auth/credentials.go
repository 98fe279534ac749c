package auth

import (
	"context"
	"sync"
)

// VisitorCredential is the credential the server issued to a visitor.
type VisitorCredential struct {
	Token  string
	UserID string
}

// CredentialStore keeps issued visitor credentials per widget.
type CredentialStore interface {
	Load(ctx context.Context, widgetID string) (VisitorCredential, bool, error)
	Save(ctx context.Context, widgetID string, cred VisitorCredential) error
}

// MemoryStore is a process-local CredentialStore.
type MemoryStore struct {
	mu    sync.RWMutex
	creds map[string]VisitorCredential
}

// NewMemoryStore creates an empty in-memory credential store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{creds: make(map[string]VisitorCredential)}
}

func (s *MemoryStore) Load(_ context.Context, widgetID string) (VisitorCredential, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cred, ok := s.creds[widgetID]
	return cred, ok, nil
}

func (s *MemoryStore) Save(_ context.Context, widgetID string, cred VisitorCredential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[widgetID] = cred
	return nil
}
