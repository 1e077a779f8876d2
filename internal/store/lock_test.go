package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithOwner(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	assert.Empty(t, ownerFrom(ctx))

	owned := WithOwner(ctx)
	owner := ownerFrom(owned)
	assert.NotEmpty(t, owner)
	assert.Equal(t, owner, ownerFrom(WithOwner(owned)), "an existing owner is kept")
	assert.NotEqual(t, owner, ownerFrom(WithOwner(ctx)))
	assert.Empty(t, ownerFrom(withoutOwner(owned)))
}

func TestRefLock_Reentrant(t *testing.T) {
	t.Parallel()

	var l refLock
	l.lock("a")
	l.lock("a")
	assert.True(t, l.heldBy("a"))
	assert.True(t, l.tryLock("a"))
	assert.False(t, l.tryLock("b"))

	release := l.rlock("a")
	release()

	l.unlock()
	l.unlock()
	assert.True(t, l.heldBy("a"))
	l.unlock()
	assert.False(t, l.heldBy("a"))

	assert.True(t, l.tryLock("b"))
	l.unlock()
}

func TestRefLock_ReadersWaitForWriter(t *testing.T) {
	t.Parallel()

	var l refLock
	l.lock("writer")

	acquired := make(chan struct{})
	go func() {
		release := l.rlock("reader")
		close(acquired)
		release()
	}()

	select {
	case <-acquired:
		t.Fatal("reader acquired the lock while a writer held it")
	case <-time.After(50 * time.Millisecond):
	}

	l.unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("reader did not acquire the lock after the writer released it")
	}
}

func TestRefLock_EmptyOwnerIsNeverReentrant(t *testing.T) {
	t.Parallel()

	var l refLock
	l.lock("")
	assert.False(t, l.heldBy(""))
	assert.False(t, l.tryLock(""))
	l.unlock()
}

func TestKeyLocks_Register(t *testing.T) {
	t.Parallel()

	var k keyLocks

	ok, claimed := k.register("key", "a")
	assert.True(t, ok)
	assert.True(t, claimed)

	ok, claimed = k.register("key", "a")
	assert.True(t, ok, "same owner is admitted")
	assert.False(t, claimed, "only the first registration releases")

	ok, _ = k.register("key", "b")
	assert.False(t, ok)

	ok, claimed = k.register("other", "b")
	assert.True(t, ok)
	assert.True(t, claimed)

	k.release("key")
	ok, claimed = k.register("key", "b")
	assert.True(t, ok)
	assert.True(t, claimed)
}

func TestKeyLocks_SingleWinner(t *testing.T) {
	t.Parallel()

	var k keyLocks
	const contenders = 32

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := range contenders {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := k.register("key", string(rune('a'+i))); ok {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, winners)
}
