package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Locker takes short-lived exclusive locks with SET NX PX. Locks are not released
// explicitly; they expire after their TTL.
type Locker struct {
	client *Client
	owner  string
}

// NewLocker creates a locker whose locks are tagged with a per-process owner id.
func NewLocker(client *Client) *Locker {
	return &Locker{client: client, owner: uuid.New().String()}
}

// TryLock reports whether this process acquired key for ttl.
func (l *Locker) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, key, l.owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx %s: %w", key, err)
	}
	return ok, nil
}

// Owner returns the id stored as the lock value.
func (l *Locker) Owner() string { return l.owner }
