package store

import "sync"

// UnreadTracker keeps per-consultation unread message counts for badge
// display in the surrounding application.
type UnreadTracker struct {
	mu     sync.RWMutex
	counts map[int64]int
}

func NewUnreadTracker() *UnreadTracker {
	return &UnreadTracker{counts: make(map[int64]int)}
}

// AddUnread bumps the counter for one consultation.
func (t *UnreadTracker) AddUnread(consultationId int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counts[consultationId]++
}

// SetCount installs an absolute count (from a history sync).
func (t *UnreadTracker) SetCount(consultationId int64, count int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if count <= 0 {
		delete(t.counts, consultationId)
		return
	}
	t.counts[consultationId] = count
}

// MarkAsRead clears the counter for one consultation.
func (t *UnreadTracker) MarkAsRead(consultationId int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.counts, consultationId)
}

// Count returns the unread count for one consultation.
func (t *UnreadTracker) Count(consultationId int64) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.counts[consultationId]
}

// Reset drops all counters.
func (t *UnreadTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counts = make(map[int64]int)
}
