// Copyright 2026 Coedit Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

package presence

import (
	"context"
	"sync"

	corecontent "github.com/coedit/coedit/core/content"
	corepresence "github.com/coedit/coedit/core/presence"
)

// Store holds current presence records keyed by session. The backend
// treats it as an external collaborator; only the in-memory
// implementation ships here.
type Store interface {
	// Upsert inserts or replaces the record for p.SessionID.
	Upsert(ctx context.Context, p corepresence.Presence) error

	// Remove deletes the record for the session and returns it, or nil
	// if the session had no presence.
	Remove(ctx context.Context, sessionID string) (*corepresence.Presence, error)

	// BySessionID returns the session's record, or nil.
	BySessionID(ctx context.Context, sessionID string) (*corepresence.Presence, error)

	// ByUserID returns every record of the user's sessions.
	ByUserID(ctx context.Context, userID string) ([]corepresence.Presence, error)

	// ByLocation returns every record located in the document.
	ByLocation(ctx context.Context, loc corecontent.Document) ([]corepresence.Presence, error)
}

// memoryStore is the built-in Store.
type memoryStore struct {
	mu       sync.Mutex
	sessions map[string]corepresence.Presence
}

// NewMemoryStore returns an empty in-memory Store.
func NewMemoryStore() Store {
	return &memoryStore{sessions: make(map[string]corepresence.Presence)}
}

func (s *memoryStore) Upsert(_ context.Context, p corepresence.Presence) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[p.SessionID] = p
	return nil
}

func (s *memoryStore) Remove(_ context.Context, sessionID string) (*corepresence.Presence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.sessions[sessionID]; ok {
		delete(s.sessions, sessionID)
		return &p, nil
	}
	return nil, nil
}

func (s *memoryStore) BySessionID(_ context.Context, sessionID string) (*corepresence.Presence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.sessions[sessionID]; ok {
		return &p, nil
	}
	return nil, nil
}

func (s *memoryStore) ByUserID(_ context.Context, userID string) ([]corepresence.Presence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []corepresence.Presence
	for _, p := range s.sessions {
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *memoryStore) ByLocation(_ context.Context, loc corecontent.Document) ([]corepresence.Presence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []corepresence.Presence
	for _, p := range s.sessions {
		if p.Location == loc {
			out = append(out, p)
		}
	}
	return out, nil
}
