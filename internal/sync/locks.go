package sync

import "sync"

// userLocks serializes sync runs per user. Last-writer-wins upserts keep the
// activity rows safe under interleaved writers, but the progress watermark
// is only accurate when runs for one user do not overlap.
type userLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newUserLocks() *userLocks {
	return &userLocks{locks: make(map[string]*sync.Mutex)}
}

// acquire blocks until the per-user lock is held and returns its release func.
func (l *userLocks) acquire(userID string) func() {
	l.mu.Lock()
	lock, ok := l.locks[userID]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[userID] = lock
	}
	l.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}
