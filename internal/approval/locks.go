package approval

import "sync"

// sessionLockMap provides a per-session mutex so that broker operations are
// mutually exclusive per session without serializing unrelated sessions
// against each other.
type sessionLockMap struct {
	locks sync.Map // sessionID -> *sync.Mutex
}

func newSessionLockMap() *sessionLockMap {
	return &sessionLockMap{}
}

func (m *sessionLockMap) getOrCreate(sessionID string) *sync.Mutex {
	lock, _ := m.locks.LoadOrStore(sessionID, &sync.Mutex{})
	mu, _ := lock.(*sync.Mutex)
	return mu
}

func (m *sessionLockMap) Lock(sessionID string)   { m.getOrCreate(sessionID).Lock() }
func (m *sessionLockMap) Unlock(sessionID string) { m.getOrCreate(sessionID).Unlock() }
