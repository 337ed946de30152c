// Package session tracks live conversation sessions and their persistence.
package session

import (
	"context"
	"fmt"
	"sync"

	"codescout/internal/logging"
	"codescout/internal/store"
	"codescout/internal/types"
)

// Manager owns the in-memory session table. Sessions write through to the
// state repository on Save; sub-sessions are transient and never leave
// memory.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*types.Session
	repo     *store.Repository
}

// NewManager creates a manager. repo may be nil for ephemeral use (tests,
// one-shot ask mode).
func NewManager(repo *store.Repository) *Manager {
	return &Manager{
		sessions: make(map[string]*types.Session),
		repo:     repo,
	}
}

// Create starts a new empty session for a project.
func (m *Manager) Create(projectKey string) *types.Session {
	s := types.NewSession(projectKey)
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	logging.Session("Created session %s (project=%s)", s.ID, projectKey)
	return s
}

// Get returns a live session, falling back to the repository for persisted
// ones.
func (m *Manager) Get(ctx context.Context, id string) (*types.Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if ok {
		return s, nil
	}
	if m.repo == nil {
		return nil, fmt.Errorf("session %s: %w", id, types.ErrNotFound)
	}

	s, err := m.repo.LoadSession(ctx, id)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()
	logging.SessionDebug("Restored session %s from repository", id)
	return s, nil
}

// Save persists a session transcript.
func (m *Manager) Save(ctx context.Context, id string) error {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("session %s: %w", id, types.ErrNotFound)
	}
	if m.repo == nil {
		return nil
	}
	return m.repo.SaveSession(ctx, s)
}

// Drop removes a session from memory without touching persistence.
func (m *Manager) Drop(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

// Len returns the live session count.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
