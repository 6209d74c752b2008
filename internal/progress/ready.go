package progress

import (
	"context"
	"sync"
)

// ReadyTracker records which wizards have a listener that acknowledged it is
// mounted and subscribed. It satisfies launch.Readiness.
type ReadyTracker struct {
	mu      sync.Mutex
	ready   map[string]int
	waiters map[string][]chan struct{}
}

// NewReadyTracker creates an empty tracker.
func NewReadyTracker() *ReadyTracker {
	return &ReadyTracker{
		ready:   make(map[string]int),
		waiters: make(map[string][]chan struct{}),
	}
}

// MarkReady records one acknowledged listener and releases waiters.
func (t *ReadyTracker) MarkReady(wizardID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ready[wizardID]++
	for _, ch := range t.waiters[wizardID] {
		close(ch)
	}
	delete(t.waiters, wizardID)
}

// MarkGone removes one acknowledged listener.
func (t *ReadyTracker) MarkGone(wizardID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ready[wizardID] <= 1 {
		delete(t.ready, wizardID)
		return
	}
	t.ready[wizardID]--
}

// IsReady reports whether wizardID has at least one acknowledged listener.
func (t *ReadyTracker) IsReady(wizardID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ready[wizardID] > 0
}

// WaitReady blocks until wizardID has an acknowledged listener or ctx ends.
func (t *ReadyTracker) WaitReady(ctx context.Context, wizardID string) error {
	t.mu.Lock()
	if t.ready[wizardID] > 0 {
		t.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	t.waiters[wizardID] = append(t.waiters[wizardID], ch)
	t.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		t.removeWaiter(wizardID, ch)
		return ctx.Err()
	}
}

func (t *ReadyTracker) removeWaiter(wizardID string, target chan struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()

	waiters := t.waiters[wizardID]
	for i, ch := range waiters {
		if ch == target {
			t.waiters[wizardID] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(t.waiters[wizardID]) == 0 {
		delete(t.waiters, wizardID)
	}
}
