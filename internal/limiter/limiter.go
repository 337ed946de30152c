// Package limiter provides counting-semaphore concurrency limiters for the
// external services (embedding, rerank, LLM, analysis).
package limiter

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Limiter bounds concurrent calls to one endpoint type and tracks the peak
// concurrency it has seen.
type Limiter struct {
	name string
	sem  *semaphore.Weighted

	mu     sync.Mutex
	active int
	peak   int
}

// New creates a limiter allowing up to size concurrent executions.
func New(name string, size int) *Limiter {
	if size <= 0 {
		size = 1
	}
	return &Limiter{name: name, sem: semaphore.NewWeighted(int64(size))}
}

// Execute runs op under the semaphore. Blocks until a slot frees or ctx is
// cancelled.
func (l *Limiter) Execute(ctx context.Context, op func(context.Context) error) error {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer l.sem.Release(1)

	l.mu.Lock()
	l.active++
	if l.active > l.peak {
		l.peak = l.active
	}
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.active--
		l.mu.Unlock()
	}()

	return op(ctx)
}

// Name returns the endpoint label.
func (l *Limiter) Name() string { return l.name }

// Peak returns the highest concurrency observed.
func (l *Limiter) Peak() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.peak
}

// Set groups the per-endpoint limiters.
type Set struct {
	Embedding *Limiter
	Rerank    *Limiter
	LLM       *Limiter
	Analysis  *Limiter
}

// NewSet builds the standard limiter set.
func NewSet(embedding, rerank, llm, analysis int) *Set {
	return &Set{
		Embedding: New("embedding", embedding),
		Rerank:    New("rerank", rerank),
		LLM:       New("llm", llm),
		Analysis:  New("analysis", analysis),
	}
}
