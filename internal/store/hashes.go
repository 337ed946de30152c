package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// =============================================================================
// CONTENT-ADDRESSED FILE HASH CACHE
// =============================================================================

// GetFileHash returns the cached content hash for a file, or "".
func (r *Repository) GetFileHash(ctx context.Context, projectKey, path string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var hash string
	err := r.db.QueryRowContext(ctx,
		`SELECT hash FROM file_hashes WHERE project_key = ? AND path = ?`, projectKey, path).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load file hash: %w", err)
	}
	return hash, nil
}

// SetFileHash upserts the content hash for a file.
func (r *Repository) SetFileHash(ctx context.Context, projectKey, path, hash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO file_hashes (project_key, path, hash, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(project_key, path) DO UPDATE SET hash=excluded.hash, updated_at=excluded.updated_at`,
		projectKey, path, hash, time.Now())
	if err != nil {
		return fmt.Errorf("failed to save file hash: %w", err)
	}
	return nil
}

// DeleteFileHash drops the cache entry for a file.
func (r *Repository) DeleteFileHash(ctx context.Context, projectKey, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.ExecContext(ctx,
		`DELETE FROM file_hashes WHERE project_key = ? AND path = ?`, projectKey, path)
	if err != nil {
		return fmt.Errorf("failed to delete file hash: %w", err)
	}
	return nil
}

// AllFileHashes returns the path->hash map for a project. The pipeline
// diffs this against the current tree to find deleted files.
func (r *Repository) AllFileHashes(ctx context.Context, projectKey string) (map[string]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rows, err := r.db.QueryContext(ctx,
		`SELECT path, hash FROM file_hashes WHERE project_key = ?`, projectKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load file hashes: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var path, hash string
		if err := rows.Scan(&path, &hash); err == nil {
			out[path] = hash
		}
	}
	return out, rows.Err()
}

// ClearFileHashes drops all cache entries for a project (forceUpdate path).
func (r *Repository) ClearFileHashes(ctx context.Context, projectKey string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.ExecContext(ctx, `DELETE FROM file_hashes WHERE project_key = ?`, projectKey)
	if err != nil {
		return fmt.Errorf("failed to clear file hashes: %w", err)
	}
	return nil
}
