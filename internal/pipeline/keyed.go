package pipeline

import (
	"sync"

	"tagmanager/internal/models"
)

// fingerprintLocks serialises units that decoded to the same fingerprint so
// that only the first reaches classification.
type fingerprintLocks struct {
	mu    sync.Mutex
	locks map[models.Fingerprint]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newFingerprintLocks() *fingerprintLocks {
	return &fingerprintLocks{locks: make(map[models.Fingerprint]*refMutex)}
}

func (l *fingerprintLocks) lock(fp models.Fingerprint) (unlock func()) {
	l.mu.Lock()
	m, ok := l.locks[fp]
	if !ok {
		m = &refMutex{}
		l.locks[fp] = m
	}
	m.refs++
	l.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		l.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(l.locks, fp)
		}
		l.mu.Unlock()
	}
}
