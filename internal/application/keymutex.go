package application

import "sync"

// keyMutex serializes work per orchestration key while leaving unrelated keys
// fully parallel. Entries are reference-counted and removed once the last
// holder releases, so the map does not grow with the number of keys ever seen.
type keyMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyMutex() *keyMutex {
	return &keyMutex{locks: map[string]*keyLock{}}
}

// Lock acquires the lock for key, blocking while another holder has it.
func (m *keyMutex) Lock(key string) {
	m.mu.Lock()
	l, ok := m.locks[key]
	if !ok {
		l = &keyLock{}
		m.locks[key] = l
	}
	l.refs++
	m.mu.Unlock()

	l.mu.Lock()
}

// Unlock releases the lock for key. It must pair with a previous Lock.
func (m *keyMutex) Unlock(key string) {
	m.mu.Lock()
	l := m.locks[key]
	l.refs--
	if l.refs == 0 {
		delete(m.locks, key)
	}
	m.mu.Unlock()

	l.mu.Unlock()
}
