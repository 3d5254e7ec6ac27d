package billing

import "sync"

// orgLocker serializes billing writes per organization inside this process.
// A mutation holds its organization's lock from the pre-write read through
// the provider call and the persist, so the state it confirms cannot be
// interleaved with another writer's.
type orgLocker struct {
	mu    sync.Mutex
	locks map[uint]*sync.Mutex
}

func newOrgLocker() *orgLocker {
	return &orgLocker{locks: make(map[uint]*sync.Mutex)}
}

// Lock acquires the mutex for the organization and returns its unlock func.
func (l *orgLocker) Lock(organizationID uint) func() {
	l.mu.Lock()
	m, ok := l.locks[organizationID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[organizationID] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}
