// Package vector implements the tiered fragment store: an in-memory LRU hot
// tier, an on-disk ANN index (sqlite-vec vec0), and a relational cold tier
// that is the source of truth.
package vector

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"codescout/internal/logging"
	"codescout/internal/types"
)

// =============================================================================
// TIERED STORE
// =============================================================================

// Store is the tiered vector store. Readers are shared; writers serialize
// per project key. Every id present in L1 or L2 also exists in L3, and a
// delete propagates through all tiers before returning.
type Store struct {
	db        *sql.DB
	dbPath    string
	dimension int
	l1        *l1Cache
	vectorExt bool

	// per-project writer locks
	writersMu sync.Mutex
	writers   map[string]*sync.Mutex

	// L2 mutation counter; crossing rebuildThreshold triggers a rebuild
	// from L3 on the next write.
	mutMu            sync.Mutex
	mutations        int
	rebuildThreshold int
}

// Options configures a Store.
type Options struct {
	Path             string
	Dimension        int
	L1CacheSize      int
	RebuildThreshold int
}

// NewStore opens (or creates) the store at opts.Path.
func NewStore(opts Options) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryVector, "NewStore")
	defer timer.Stop()

	if opts.Dimension <= 0 {
		opts.Dimension = 1024
	}
	if opts.RebuildThreshold <= 0 {
		opts.RebuildThreshold = 2000
	}

	if err := os.MkdirAll(filepath.Dir(opts.Path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	db, err := sql.Open(driverName, opts.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.VectorDebug("Failed to set busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.VectorDebug("Failed to set journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.VectorDebug("Failed to set synchronous=NORMAL: %v", err)
	}

	s := &Store{
		db:               db,
		dbPath:           opts.Path,
		dimension:        opts.Dimension,
		l1:               newL1Cache(opts.L1CacheSize),
		writers:          make(map[string]*sync.Mutex),
		rebuildThreshold: opts.RebuildThreshold,
	}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	s.detectVecExtension()
	if s.vectorExt {
		logging.Vector("vec0 ANN index available")
		if err := s.rebuildL2(context.Background()); err != nil {
			logging.Get(logging.CategoryVector).Warn("L2 backfill failed, falling back to scans: %v", err)
			s.vectorExt = false
		}
	} else {
		logging.Get(logging.CategoryVector).Warn("vec0 unavailable; search falls back to full L3 scan")
	}

	logging.Vector("Store ready at %s (dim=%d, l1=%d)", opts.Path, s.dimension, s.l1.capacity)
	return s, nil
}

// initialize creates the L3 schema. Migrations are forward-only: columns are
// added, never dropped.
func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS fragments (
		project_key  TEXT NOT NULL,
		id           TEXT NOT NULL,
		title        TEXT NOT NULL DEFAULT '',
		content      TEXT NOT NULL DEFAULT '',
		full_content TEXT NOT NULL DEFAULT '',
		tags         TEXT NOT NULL DEFAULT '[]',
		metadata     TEXT NOT NULL DEFAULT '{}',
		payload      BLOB,
		vector       BLOB NOT NULL,
		created_at   DATETIME NOT NULL,
		updated_at   DATETIME NOT NULL,
		PRIMARY KEY (project_key, id)
	);
	CREATE INDEX IF NOT EXISTS idx_fragments_project ON fragments(project_key);
	CREATE INDEX IF NOT EXISTS idx_fragments_updated ON fragments(project_key, updated_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create fragments table: %w", err)
	}
	return nil
}

// detectVecExtension probes for the vec0 module and creates the L2 table.
// The DDL and distance function are per-build: the real sqlite-vec extension
// on cgo builds, the pure-Go compat shim otherwise.
func (s *Store) detectVecExtension() {
	_, err := s.db.Exec(vecTableDDL(s.dimension))
	if err != nil {
		logging.VectorDebug("vec0 probe failed: %v", err)
		s.vectorExt = false
		return
	}
	s.vectorExt = true
}

// writerLock returns the exclusive writer mutex for a project.
func (s *Store) writerLock(projectKey string) *sync.Mutex {
	s.writersMu.Lock()
	defer s.writersMu.Unlock()
	mu, ok := s.writers[projectKey]
	if !ok {
		mu = &sync.Mutex{}
		s.writers[projectKey] = mu
	}
	return mu
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Dimension returns the project-wide embedding dimension.
func (s *Store) Dimension() int {
	return s.dimension
}

// =============================================================================
// MUTATIONS
// =============================================================================

// Upsert inserts or replaces a fragment in all tiers. Fails with
// ErrDimensionMismatch when the vector length differs from the configured
// dimension.
func (s *Store) Upsert(ctx context.Context, f *Fragment) error {
	if f.ID == "" || f.ProjectKey == "" {
		return fmt.Errorf("%w: fragment needs id and project key", types.ErrValidation)
	}
	if len(f.Vector) != s.dimension {
		return fmt.Errorf("%w: got %d, want %d", types.ErrDimensionMismatch, len(f.Vector), s.dimension)
	}

	if f.Metadata == nil {
		f.Metadata = make(map[string]string, 1)
	}
	f.Metadata[MetaProjectKey] = f.ProjectKey
	now := time.Now()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	f.UpdatedAt = now

	mu := s.writerLock(f.ProjectKey)
	mu.Lock()
	defer mu.Unlock()

	tagsJSON, _ := json.Marshal(f.Tags)
	metaJSON, _ := json.Marshal(f.Metadata)
	blob := EncodeVector(f.Vector)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin upsert: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO fragments (project_key, id, title, content, full_content, tags, metadata, payload, vector, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(project_key, id) DO UPDATE SET
			title=excluded.title, content=excluded.content, full_content=excluded.full_content,
			tags=excluded.tags, metadata=excluded.metadata, payload=excluded.payload,
			vector=excluded.vector, updated_at=excluded.updated_at`,
		f.ProjectKey, f.ID, f.Title, f.Content, f.FullContent,
		string(tagsJSON), string(metaJSON), f.Payload, blob, f.CreatedAt, f.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert fragment %s: %w", f.ID, err)
	}

	if s.vectorExt {
		if _, err := tx.ExecContext(ctx, `DELETE FROM vec_fragments WHERE fragment_id = ? AND project_key = ?`, f.ID, f.ProjectKey); err != nil {
			return fmt.Errorf("failed to clear L2 row: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO vec_fragments (embedding, fragment_id, project_key) VALUES (?, ?, ?)`, blob, f.ID, f.ProjectKey); err != nil {
			return fmt.Errorf("failed to insert L2 row: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit upsert: %w", err)
	}

	s.l1.put(f)
	s.noteMutation(ctx)
	logging.VectorDebug("Upserted fragment %s (project=%s, type=%s)", f.ID, f.ProjectKey, f.Type())
	return nil
}

// Delete removes a fragment from every tier. Missing ids are not an error.
func (s *Store) Delete(ctx context.Context, projectKey, id string) error {
	mu := s.writerLock(projectKey)
	mu.Lock()
	defer mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin delete: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM fragments WHERE project_key = ? AND id = ?`, projectKey, id); err != nil {
		return fmt.Errorf("failed to delete fragment %s: %w", id, err)
	}
	if s.vectorExt {
		if _, err := tx.ExecContext(ctx, `DELETE FROM vec_fragments WHERE fragment_id = ? AND project_key = ?`, id, projectKey); err != nil {
			return fmt.Errorf("failed to delete L2 row: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}

	s.l1.remove(projectKey, id)
	s.noteMutation(ctx)
	return nil
}

// CleanupByTag deletes every fragment of the project for which pred returns
// true for at least one tag. Returns the number of fragments removed.
func (s *Store) CleanupByTag(ctx context.Context, projectKey string, pred func(tag string) bool) (int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, tags FROM fragments WHERE project_key = ?`, projectKey)
	if err != nil {
		return 0, fmt.Errorf("failed to scan tags: %w", err)
	}
	var doomed []string
	for rows.Next() {
		var id, tagsJSON string
		if err := rows.Scan(&id, &tagsJSON); err != nil {
			continue
		}
		var tags []string
		if err := json.Unmarshal([]byte(tagsJSON), &tags); err != nil {
			continue
		}
		for _, t := range tags {
			if pred(t) {
				doomed = append(doomed, id)
				break
			}
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	for _, id := range doomed {
		if err := s.Delete(ctx, projectKey, id); err != nil {
			return 0, err
		}
	}
	if len(doomed) > 0 {
		logging.Vector("CleanupByTag removed %d fragments (project=%s)", len(doomed), projectKey)
	}
	return len(doomed), nil
}

// DeleteByMetadata deletes all fragments whose metadata key equals value.
// The pipeline uses this to purge stale code_summary fragments.
func (s *Store) DeleteByMetadata(ctx context.Context, projectKey, key, value string) (int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, metadata FROM fragments WHERE project_key = ?`, projectKey)
	if err != nil {
		return 0, fmt.Errorf("failed to scan metadata: %w", err)
	}
	var doomed []string
	for rows.Next() {
		var id, metaJSON string
		if err := rows.Scan(&id, &metaJSON); err != nil {
			continue
		}
		var meta map[string]string
		if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
			continue
		}
		if meta[key] == value {
			doomed = append(doomed, id)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	for _, id := range doomed {
		if err := s.Delete(ctx, projectKey, id); err != nil {
			return 0, err
		}
	}
	return len(doomed), nil
}

// noteMutation counts L2 churn and rebuilds the ANN partition from L3 when
// the threshold is crossed.
func (s *Store) noteMutation(ctx context.Context) {
	s.mutMu.Lock()
	s.mutations++
	due := s.vectorExt && s.mutations >= s.rebuildThreshold
	if due {
		s.mutations = 0
	}
	s.mutMu.Unlock()

	if due {
		if err := s.rebuildL2(ctx); err != nil {
			logging.Get(logging.CategoryVector).Warn("L2 rebuild failed: %v", err)
		}
	}
}

// rebuildL2 repopulates the vec0 table from L3.
func (s *Store) rebuildL2(ctx context.Context) error {
	timer := logging.StartTimer(logging.CategoryVector, "rebuildL2")
	defer timer.Stop()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM vec_fragments`); err != nil {
		return err
	}
	rows, err := tx.QueryContext(ctx, `SELECT project_key, id, vector FROM fragments`)
	if err != nil {
		return err
	}
	type row struct {
		project, id string
		blob        []byte
	}
	var all []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.project, &r.id, &r.blob); err != nil {
			rows.Close()
			return err
		}
		all = append(all, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, r := range all {
		if _, err := tx.ExecContext(ctx, `INSERT INTO vec_fragments (embedding, fragment_id, project_key) VALUES (?, ?, ?)`, r.blob, r.id, r.project); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// =============================================================================
// READS
// =============================================================================

// Get fetches a fragment by id, read-through from L3 into L1 on miss.
func (s *Store) Get(ctx context.Context, projectKey, id string) (*Fragment, error) {
	if f, ok := s.l1.get(projectKey, id); ok {
		return f, nil
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT title, content, full_content, tags, metadata, payload, vector, created_at, updated_at
		FROM fragments WHERE project_key = ? AND id = ?`, projectKey, id)

	f := &Fragment{ID: id, ProjectKey: projectKey}
	var tagsJSON, metaJSON string
	var blob []byte
	err := row.Scan(&f.Title, &f.Content, &f.FullContent, &tagsJSON, &metaJSON, &f.Payload, &blob, &f.CreatedAt, &f.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("fragment %s: %w", id, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load fragment %s: %w", id, err)
	}

	if err := json.Unmarshal([]byte(tagsJSON), &f.Tags); err != nil {
		f.Tags = nil
	}
	if err := json.Unmarshal([]byte(metaJSON), &f.Metadata); err != nil {
		f.Metadata = map[string]string{MetaProjectKey: projectKey}
	}
	f.Vector, err = DecodeVector(blob)
	if err != nil {
		return nil, fmt.Errorf("fragment %s has corrupt vector: %w", id, err)
	}

	s.l1.put(f)
	return f, nil
}

// Search runs approximate nearest-neighbor search over the project partition
// and returns fragments in descending score order. The optional filter
// matches metadata keys exactly; non-matching candidates are skipped before
// topK is satisfied.
func (s *Store) Search(ctx context.Context, projectKey string, query []float32, topK int, filter map[string]string) ([]SearchResult, error) {
	if len(query) != s.dimension {
		return nil, fmt.Errorf("%w: query has %d, want %d", types.ErrDimensionMismatch, len(query), s.dimension)
	}
	if topK <= 0 {
		topK = 10
	}

	timer := logging.StartTimer(logging.CategoryVector, "Search")
	defer timer.StopWithThreshold(200 * time.Millisecond)

	var candidates []SearchResult
	var err error
	if s.vectorExt {
		candidates, err = s.searchANN(ctx, projectKey, query, topK, filter)
	} else {
		candidates, err = s.searchScan(ctx, projectKey, query)
	}
	if err != nil {
		return nil, err
	}

	filtered := candidates[:0]
	for _, c := range candidates {
		if matchesFilter(c.Fragment, filter) {
			filtered = append(filtered, c)
		}
	}
	sort.SliceStable(filtered, func(i, j int) bool { return filtered[i].Score > filtered[j].Score })
	if len(filtered) > topK {
		filtered = filtered[:topK]
	}
	return filtered, nil
}

// searchANN ranks by the vec0 cosine distance function. It over-fetches so
// the post-filter can still fill topK.
func (s *Store) searchANN(ctx context.Context, projectKey string, query []float32, topK int, filter map[string]string) ([]SearchResult, error) {
	limit := topK
	if len(filter) > 0 {
		limit = topK * 4
	}
	q := fmt.Sprintf(`
		SELECT fragment_id, %s(embedding, ?) AS dist
		FROM vec_fragments WHERE project_key = ?
		ORDER BY dist ASC LIMIT ?`, vecDistanceFn)
	rows, err := s.db.QueryContext(ctx, q, EncodeVector(query), projectKey, limit)
	if err != nil {
		return nil, fmt.Errorf("ANN search failed: %w", err)
	}
	defer rows.Close()

	var out []SearchResult
	for rows.Next() {
		var id string
		var dist float64
		if err := rows.Scan(&id, &dist); err != nil {
			continue
		}
		f, err := s.Get(ctx, projectKey, id)
		if err != nil {
			// L2 can briefly trail L3 between rebuilds.
			logging.VectorDebug("ANN hit %s missing in L3: %v", id, err)
			continue
		}
		out = append(out, SearchResult{Fragment: f, Score: 1 - dist})
	}
	return out, rows.Err()
}

// searchScan is the fallback: brute-force cosine over the L3 partition.
func (s *Store) searchScan(ctx context.Context, projectKey string, query []float32) ([]SearchResult, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, vector FROM fragments WHERE project_key = ?`, projectKey)
	if err != nil {
		return nil, fmt.Errorf("scan search failed: %w", err)
	}
	defer rows.Close()

	var out []SearchResult
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			continue
		}
		vec, err := DecodeVector(blob)
		if err != nil {
			continue
		}
		sim, err := CosineSimilarity(query, vec)
		if err != nil {
			continue
		}
		f, err := s.Get(ctx, projectKey, id)
		if err != nil {
			continue
		}
		out = append(out, SearchResult{Fragment: f, Score: sim})
	}
	return out, rows.Err()
}

func matchesFilter(f *Fragment, filter map[string]string) bool {
	for k, v := range filter {
		if f.Metadata[k] != v {
			return false
		}
	}
	return true
}

// =============================================================================
// STATS
// =============================================================================

// Stats summarizes one project's partition.
type Stats struct {
	ProjectKey string         `json:"project_key"`
	L1Size     int            `json:"l1_size"`
	L3Count    int            `json:"l3_count"`
	ByType     map[string]int `json:"by_type"`
	ANNEnabled bool           `json:"ann_enabled"`
}

// ProjectStats counts fragments per metadata type for a project.
func (s *Store) ProjectStats(ctx context.Context, projectKey string) (*Stats, error) {
	st := &Stats{
		ProjectKey: projectKey,
		L1Size:     s.l1.len(),
		ByType:     make(map[string]int),
		ANNEnabled: s.vectorExt,
	}
	rows, err := s.db.QueryContext(ctx, `SELECT metadata FROM fragments WHERE project_key = ?`, projectKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var metaJSON string
		if err := rows.Scan(&metaJSON); err != nil {
			continue
		}
		st.L3Count++
		var meta map[string]string
		if err := json.Unmarshal([]byte(metaJSON), &meta); err == nil {
			if t := meta[MetaType]; t != "" {
				st.ByType[t]++
			}
		}
	}
	return st, rows.Err()
}
