// Package store implements the durable state repository: learning records,
// evolution loop state, backoff and quota counters, failure diagnostics, the
// per-file hash cache, and persisted sessions.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"codescout/internal/logging"
	"codescout/internal/types"
)

// Repository is the SQLite-backed state store. All writes are single-row
// upserts keyed by projectKey (state) or id (records).
type Repository struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

// NewRepository opens (or creates) the state database at path.
func NewRepository(path string) (*Repository, error) {
	timer := logging.StartTimer(logging.CategoryStore, "NewRepository")
	defer timer.Stop()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	db, err := sql.Open(driverName, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set journal_mode=WAL: %v", err)
	}

	r := &Repository{db: db, dbPath: path}
	if err := r.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	logging.Store("State repository ready at %s", path)
	return r, nil
}

// Close closes the underlying database.
func (r *Repository) Close() error {
	return r.db.Close()
}

// =============================================================================
// LEARNING RECORDS
// =============================================================================

// SaveLearningRecord upserts one learning record.
func (r *Repository) SaveLearningRecord(ctx context.Context, rec *types.LearningRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec.ID == "" || rec.ProjectKey == "" {
		return fmt.Errorf("%w: learning record needs id and project key", types.ErrValidation)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	pathJSON, _ := json.Marshal(rec.ExplorationPath)
	filesJSON, _ := json.Marshal(rec.SourceFiles)
	tagsJSON, _ := json.Marshal(rec.Tags)

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO learning_records
			(id, project_key, created_at, question, question_type, answer, exploration_path, confidence, source_files, tags, domain)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			answer=excluded.answer, exploration_path=excluded.exploration_path,
			confidence=excluded.confidence, source_files=excluded.source_files,
			tags=excluded.tags, domain=excluded.domain`,
		rec.ID, rec.ProjectKey, rec.CreatedAt, rec.Question, rec.QuestionType, rec.Answer,
		string(pathJSON), rec.Confidence, string(filesJSON), string(tagsJSON), rec.Domain)
	if err != nil {
		return fmt.Errorf("failed to save learning record %s: %w", rec.ID, err)
	}
	logging.StoreDebug("Saved learning record %s (confidence=%.2f)", rec.ID, rec.Confidence)
	return nil
}

// GetLearningRecord fetches one record by id.
func (r *Repository) GetLearningRecord(ctx context.Context, id string) (*types.LearningRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	row := r.db.QueryRowContext(ctx, `
		SELECT id, project_key, created_at, question, question_type, answer, exploration_path, confidence, source_files, tags, domain
		FROM learning_records WHERE id = ?`, id)
	return scanLearningRecord(row)
}

// ListLearningRecords returns records for a project, newest first.
func (r *Repository) ListLearningRecords(ctx context.Context, projectKey string, limit int) ([]*types.LearningRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, project_key, created_at, question, question_type, answer, exploration_path, confidence, source_files, tags, domain
		FROM learning_records WHERE project_key = ? ORDER BY created_at DESC LIMIT ?`, projectKey, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list learning records: %w", err)
	}
	defer rows.Close()

	var out []*types.LearningRecord
	for rows.Next() {
		rec, err := scanLearningRecord(rows)
		if err != nil {
			logging.StoreDebug("Skipping corrupt learning record: %v", err)
			continue
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// RecentQuestions returns the last n questions asked for a project, newest
// first. The generator filters new candidates against these.
func (r *Repository) RecentQuestions(ctx context.Context, projectKey string, n int) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n <= 0 {
		n = 20
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT question FROM learning_records
		WHERE project_key = ? ORDER BY created_at DESC LIMIT ?`, projectKey, n)
	if err != nil {
		return nil, fmt.Errorf("failed to load recent questions: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var q string
		if err := rows.Scan(&q); err == nil {
			out = append(out, q)
		}
	}
	return out, rows.Err()
}

// DecayConfidence multiplies confidence by factor for records older than
// cutoff. Returns the number of rows touched.
func (r *Repository) DecayConfidence(ctx context.Context, projectKey string, factor float64, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if factor <= 0 || factor >= 1 {
		return 0, fmt.Errorf("%w: decay factor must be in (0,1), got %f", types.ErrValidation, factor)
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE learning_records SET confidence = confidence * ?
		WHERE project_key = ? AND created_at < ?`, factor, projectKey, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to decay confidence: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logging.Store("Decayed confidence on %d learning records (project=%s)", n, projectKey)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanLearningRecord(row rowScanner) (*types.LearningRecord, error) {
	rec := &types.LearningRecord{}
	var pathJSON, filesJSON, tagsJSON string
	err := row.Scan(&rec.ID, &rec.ProjectKey, &rec.CreatedAt, &rec.Question, &rec.QuestionType,
		&rec.Answer, &pathJSON, &rec.Confidence, &filesJSON, &tagsJSON, &rec.Domain)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("learning record: %w", types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan learning record: %w", err)
	}
	json.Unmarshal([]byte(pathJSON), &rec.ExplorationPath)
	json.Unmarshal([]byte(filesJSON), &rec.SourceFiles)
	json.Unmarshal([]byte(tagsJSON), &rec.Tags)
	return rec, nil
}

// =============================================================================
// EVOLUTION / BACKOFF / QUOTA STATE
// =============================================================================

// SaveEvolutionState upserts the loop state for a project. Called at every
// phase boundary, so it must stay a single cheap statement.
func (r *Repository) SaveEvolutionState(ctx context.Context, st *types.EvolutionState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	st.LastUpdatedAt = time.Now()
	stepsJSON, _ := json.Marshal(st.PartialSteps)

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO evolution_loop_state
			(project_key, phase, total_iterations, successful_iterations, consecutive_duplicate_count,
			 current_question, current_question_hash, exploration_progress, partial_steps,
			 started_at, last_project_hash, stop_reason, last_updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(project_key) DO UPDATE SET
			phase=excluded.phase, total_iterations=excluded.total_iterations,
			successful_iterations=excluded.successful_iterations,
			consecutive_duplicate_count=excluded.consecutive_duplicate_count,
			current_question=excluded.current_question,
			current_question_hash=excluded.current_question_hash,
			exploration_progress=excluded.exploration_progress,
			partial_steps=excluded.partial_steps,
			started_at=excluded.started_at,
			last_project_hash=excluded.last_project_hash,
			stop_reason=excluded.stop_reason,
			last_updated_at=excluded.last_updated_at`,
		st.ProjectKey, string(st.Phase), st.TotalIterations, st.SuccessfulIterations,
		st.ConsecutiveDuplicateCount, st.CurrentQuestion, st.CurrentQuestionHash,
		st.ExplorationProgress, string(stepsJSON), st.StartedAt, st.LastProjectHash,
		st.StopReason, st.LastUpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save evolution state: %w", err)
	}
	return nil
}

// LoadEvolutionState fetches the loop state, or a fresh Idle state when the
// project has none yet.
func (r *Repository) LoadEvolutionState(ctx context.Context, projectKey string) (*types.EvolutionState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	row := r.db.QueryRowContext(ctx, `
		SELECT phase, total_iterations, successful_iterations, consecutive_duplicate_count,
		       current_question, current_question_hash, exploration_progress, partial_steps,
		       started_at, last_project_hash, stop_reason, last_updated_at
		FROM evolution_loop_state WHERE project_key = ?`, projectKey)

	st := &types.EvolutionState{ProjectKey: projectKey}
	var phase, stepsJSON string
	err := row.Scan(&phase, &st.TotalIterations, &st.SuccessfulIterations,
		&st.ConsecutiveDuplicateCount, &st.CurrentQuestion, &st.CurrentQuestionHash,
		&st.ExplorationProgress, &stepsJSON, &st.StartedAt, &st.LastProjectHash,
		&st.StopReason, &st.LastUpdatedAt)
	if err == sql.ErrNoRows {
		st.Phase = types.PhaseIdle
		return st, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load evolution state: %w", err)
	}
	st.Phase = types.EvolutionPhase(phase)
	json.Unmarshal([]byte(stepsJSON), &st.PartialSteps)
	return st, nil
}

// SaveBackoffState upserts a project's backoff counters.
func (r *Repository) SaveBackoffState(ctx context.Context, st *types.BackoffState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO backoff_state (project_key, consecutive_errors, last_error_time, backoff_until)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(project_key) DO UPDATE SET
			consecutive_errors=excluded.consecutive_errors,
			last_error_time=excluded.last_error_time,
			backoff_until=excluded.backoff_until`,
		st.ProjectKey, st.ConsecutiveErrors, st.LastErrorTime, st.BackoffUntil)
	if err != nil {
		return fmt.Errorf("failed to save backoff state: %w", err)
	}
	return nil
}

// LoadBackoffState fetches a project's backoff counters, zeroed when absent.
func (r *Repository) LoadBackoffState(ctx context.Context, projectKey string) (*types.BackoffState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	row := r.db.QueryRowContext(ctx, `
		SELECT consecutive_errors, last_error_time, backoff_until
		FROM backoff_state WHERE project_key = ?`, projectKey)

	st := &types.BackoffState{ProjectKey: projectKey}
	err := row.Scan(&st.ConsecutiveErrors, &st.LastErrorTime, &st.BackoffUntil)
	if err == sql.ErrNoRows {
		return st, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load backoff state: %w", err)
	}
	return st, nil
}

// SaveQuotaState upserts a project's daily quota counters.
func (r *Repository) SaveQuotaState(ctx context.Context, st *types.QuotaState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO daily_quota (project_key, questions_today, explorations_today, last_reset_date)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(project_key) DO UPDATE SET
			questions_today=excluded.questions_today,
			explorations_today=excluded.explorations_today,
			last_reset_date=excluded.last_reset_date`,
		st.ProjectKey, st.QuestionsToday, st.ExplorationsToday, st.LastResetDate)
	if err != nil {
		return fmt.Errorf("failed to save quota state: %w", err)
	}
	return nil
}

// LoadQuotaState fetches a project's quota counters, zeroed when absent.
func (r *Repository) LoadQuotaState(ctx context.Context, projectKey string) (*types.QuotaState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	row := r.db.QueryRowContext(ctx, `
		SELECT questions_today, explorations_today, last_reset_date
		FROM daily_quota WHERE project_key = ?`, projectKey)

	st := &types.QuotaState{ProjectKey: projectKey}
	err := row.Scan(&st.QuestionsToday, &st.ExplorationsToday, &st.LastResetDate)
	if err == sql.ErrNoRows {
		return st, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load quota state: %w", err)
	}
	return st, nil
}

// RecordFailure appends one failure diagnostic.
func (r *Repository) RecordFailure(ctx context.Context, rec *types.FailureRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec.OccurredAt.IsZero() {
		rec.OccurredAt = time.Now()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO failure_records (id, project_key, phase, message, occurred_at)
		VALUES (?, ?, ?, ?, ?)`,
		rec.ID, rec.ProjectKey, rec.Phase, rec.Message, rec.OccurredAt)
	if err != nil {
		return fmt.Errorf("failed to record failure: %w", err)
	}
	return nil
}

// ListFailures returns recent failures for a project, newest first.
func (r *Repository) ListFailures(ctx context.Context, projectKey string, limit int) ([]*types.FailureRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, project_key, phase, message, occurred_at
		FROM failure_records WHERE project_key = ? ORDER BY occurred_at DESC LIMIT ?`, projectKey, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list failures: %w", err)
	}
	defer rows.Close()

	var out []*types.FailureRecord
	for rows.Next() {
		rec := &types.FailureRecord{}
		if err := rows.Scan(&rec.ID, &rec.ProjectKey, &rec.Phase, &rec.Message, &rec.OccurredAt); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
