package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"courier-go/internal/store"
)

// Locker is an in-memory implementation of store.Locker.
// TTL expiration is checked on access (lazy expiration).
type Locker struct {
	mu    sync.Mutex
	locks map[string]lockEntry
}

type lockEntry struct {
	token     string
	expiresAt time.Time
}

// NewLocker creates a new in-memory locker.
func NewLocker() *Locker {
	return &Locker{
		locks: make(map[string]lockEntry),
	}
}

// TryLock acquires key if nobody holds it or the previous holder's TTL ran out.
func (l *Locker) TryLock(ctx context.Context, key string, ttl time.Duration) (store.UnlockFunc, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if entry, ok := l.locks[key]; ok && now.Before(entry.expiresAt) {
		return nil, false, nil
	}

	token := uuid.New().String()
	l.locks[key] = lockEntry{token: token, expiresAt: now.Add(ttl)}

	unlock := func(ctx context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		if entry, ok := l.locks[key]; ok && entry.token == token {
			delete(l.locks, key)
		}
		return nil
	}
	return unlock, true, nil
}
