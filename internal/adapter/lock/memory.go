package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultTTL bounds how long a crashed holder can block an owner
const DefaultTTL = 30 * time.Second

type lease struct {
	token     string
	label     string
	expiresAt time.Time
}

// MemoryLock implements domain.ConversionLock for a single process
type MemoryLock struct {
	mu       sync.Mutex
	leases   map[string]lease
	ttl      time.Duration
	now      func() time.Time
	newToken func() string
}

// NewMemoryLock creates an in-process lock with the given lease TTL
func NewMemoryLock(ttl time.Duration) *MemoryLock {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryLock{
		leases:   make(map[string]lease),
		ttl:      ttl,
		now:      time.Now,
		newToken: func() string { return uuid.NewString() },
	}
}

// TTL returns the lease duration
func (l *MemoryLock) TTL() time.Duration { return l.ttl }

// Acquire takes the owner's lock unless a live lease exists
func (l *MemoryLock) Acquire(ctx context.Context, ownerID, label string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if current, ok := l.leases[ownerID]; ok && now.Before(current.expiresAt) {
		return "", false, nil
	}
	token := l.newToken()
	l.leases[ownerID] = lease{token: token, label: label, expiresAt: now.Add(l.ttl)}
	return token, true, nil
}

// Release drops the owner's lease if it is still the one identified by token.
// Releasing a free or reassigned lock is a no-op.
func (l *MemoryLock) Release(ctx context.Context, ownerID, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if current, ok := l.leases[ownerID]; ok && current.token == token {
		delete(l.leases, ownerID)
	}
	return nil
}

// Holder returns the label of the live lease, if any
func (l *MemoryLock) Holder(ownerID string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	current, ok := l.leases[ownerID]
	if !ok || !l.now().Before(current.expiresAt) {
		return "", false
	}
	return current.label, true
}
