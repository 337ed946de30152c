package limiter

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"go.uber.org/goleak"
)

func TestExecuteBoundsConcurrency(t *testing.T) {
	defer goleak.VerifyNone(t)

	l := New("embedding", 2)
	var active, maxSeen int32
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.Execute(context.Background(), func(ctx context.Context) error {
				n := atomic.AddInt32(&active, 1)
				for {
					m := atomic.LoadInt32(&maxSeen)
					if n <= m || atomic.CompareAndSwapInt32(&maxSeen, m, n) {
						break
					}
				}
				atomic.AddInt32(&active, -1)
				return nil
			})
			if err != nil {
				t.Errorf("Execute failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if maxSeen > 2 {
		t.Fatalf("semaphore leaked: saw %d concurrent executions", maxSeen)
	}
	if l.Peak() > 2 || l.Peak() < 1 {
		t.Fatalf("unexpected peak %d", l.Peak())
	}
}

func TestExecuteRespectsCancellation(t *testing.T) {
	l := New("llm", 1)
	ctx, cancel := context.WithCancel(context.Background())

	acquired := make(chan struct{})
	release := make(chan struct{})
	go l.Execute(context.Background(), func(ctx context.Context) error {
		close(acquired)
		<-release
		return nil
	})

	// Wait until the slot is held, then cancel the waiter.
	<-acquired
	cancel()
	err := l.Execute(ctx, func(ctx context.Context) error { return nil })
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	close(release)
}
