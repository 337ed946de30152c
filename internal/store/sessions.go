package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"codescout/internal/types"
)

// =============================================================================
// SESSION PERSISTENCE
// =============================================================================

// storedMessage is the transcript row shape. Parts carry kind tags so the
// interface slice round-trips.
type storedMessage struct {
	ID        string          `json:"id"`
	Role      types.Role      `json:"role"`
	Parts     json.RawMessage `json:"parts"`
	CreatedAt time.Time       `json:"created_at"`
}

// SaveSession persists a session transcript. Sub-sessions are transient and
// never persisted; passing one is a caller bug.
func (r *Repository) SaveSession(ctx context.Context, s *types.Session) error {
	if s.ParentID != "" {
		return fmt.Errorf("%w: sub-sessions are not persisted", types.ErrValidation)
	}

	messages := s.Messages()
	stored := make([]storedMessage, 0, len(messages))
	for _, m := range messages {
		parts, err := types.EncodeParts(m.Parts)
		if err != nil {
			return fmt.Errorf("failed to encode message %s: %w", m.ID, err)
		}
		stored = append(stored, storedMessage{ID: m.ID, Role: m.Role, Parts: parts, CreatedAt: m.CreatedAt})
	}
	transcript, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal transcript: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO sessions (id, project_key, parent_id, transcript, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET transcript=excluded.transcript, updated_at=excluded.updated_at`,
		s.ID, s.ProjectKey, s.ParentID, string(transcript), s.CreatedAt, time.Now())
	if err != nil {
		return fmt.Errorf("failed to save session %s: %w", s.ID, err)
	}
	return nil
}

// LoadSession restores a persisted session by id.
func (r *Repository) LoadSession(ctx context.Context, id string) (*types.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var projectKey, transcript string
	var createdAt time.Time
	err := r.db.QueryRowContext(ctx,
		`SELECT project_key, transcript, created_at FROM sessions WHERE id = ?`, id).
		Scan(&projectKey, &transcript, &createdAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session %s: %w", id, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", id, err)
	}

	var stored []storedMessage
	if err := json.Unmarshal([]byte(transcript), &stored); err != nil {
		return nil, fmt.Errorf("session %s has corrupt transcript: %w", id, err)
	}

	s := types.RestoreSession(id, projectKey, createdAt)
	for _, sm := range stored {
		parts, err := types.DecodeParts(sm.Parts)
		if err != nil {
			return nil, fmt.Errorf("session %s has corrupt message %s: %w", id, sm.ID, err)
		}
		s.Append(&types.Message{ID: sm.ID, Role: sm.Role, Parts: parts, CreatedAt: sm.CreatedAt})
	}
	return s, nil
}

// ListSessions returns session ids for a project, most recently updated
// first.
func (r *Repository) ListSessions(ctx context.Context, projectKey string, limit int) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT id FROM sessions WHERE project_key = ? ORDER BY updated_at DESC LIMIT ?`, projectKey, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err == nil {
			out = append(out, id)
		}
	}
	return out, rows.Err()
}
