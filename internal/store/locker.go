package store

import (
	"context"
	"time"
)

// UnlockFunc releases a lock obtained from a Locker. Releasing a lock that
// already expired or was taken over by another holder is a no-op.
type UnlockFunc func(ctx context.Context) error

// Locker provides a best-effort mutual exclusion lock shared by every
// instance of the service. Locks expire after their TTL so a crashed holder
// cannot block the others forever.
type Locker interface {
	// TryLock acquires key without waiting. acquired is false when another
	// holder owns the lock.
	TryLock(ctx context.Context, key string, ttl time.Duration) (unlock UnlockFunc, acquired bool, err error)
}
