package store

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

type ownerKey struct{}

// WithOwner returns a context identifying one mutation context. Calls made
// with contexts carrying the same owner are reentrant with respect to each
// other; every other caller is treated as a competitor. A context that
// already carries an owner is returned unchanged. An owner must not be shared
// between goroutines running concurrently.
func WithOwner(ctx context.Context) context.Context {
	if ownerFrom(ctx) != "" {
		return ctx
	}
	return context.WithValue(ctx, ownerKey{}, uuid.NewString())
}

func ownerFrom(ctx context.Context) string {
	owner, _ := ctx.Value(ownerKey{}).(string)
	return owner
}

// refLock is a read/write lock whose write side is reentrant for the owner
// holding it. A holder of the write side also passes read acquisitions.
type refLock struct {
	mu     sync.RWMutex
	holder atomic.Pointer[string]
	// depth is only touched by the holder
	depth int
}

func (l *refLock) heldBy(owner string) bool {
	p := l.holder.Load()
	return owner != "" && p != nil && *p == owner
}

func (l *refLock) lock(owner string) {
	if l.heldBy(owner) {
		l.depth++
		return
	}
	l.mu.Lock()
	l.acquired(owner)
}

func (l *refLock) tryLock(owner string) bool {
	if l.heldBy(owner) {
		l.depth++
		return true
	}
	if !l.mu.TryLock() {
		return false
	}
	l.acquired(owner)
	return true
}

func (l *refLock) acquired(owner string) {
	l.holder.Store(&owner)
	l.depth = 1
}

func (l *refLock) unlock() {
	l.depth--
	if l.depth > 0 {
		return
	}
	l.holder.Store(nil)
	l.mu.Unlock()
}

// rlock takes the read side unless owner holds the write side
func (l *refLock) rlock(owner string) func() {
	if l.heldBy(owner) {
		return func() {}
	}
	l.mu.RLock()
	return l.mu.RUnlock
}

// keyLocks is the active-writer registry: it admits at most one mutation
// context per key and rejects competitors instead of queueing them
type keyLocks struct {
	active sync.Map // key -> owner
}

// register claims key for owner. It reports whether the claim succeeded and
// whether this call made it, in which case it must be released with release.
func (k *keyLocks) register(key, owner string) (ok, claimed bool) {
	current, loaded := k.active.LoadOrStore(key, owner)
	if !loaded {
		return true, true
	}
	return current.(string) == owner, false
}

func (k *keyLocks) release(key string) {
	k.active.Delete(key)
}
