package sync

import (
	"context"
	"slices"
	gosync "sync"
	"testing"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/gitkv/internal/git"
	"github.com/stacklok/gitkv/internal/store"
)

// recordingReloader remembers the calls made by the coordinator
type recordingReloader struct {
	mu       gosync.Mutex
	reloaded []string
	deleted  []string
}

func (r *recordingReloader) Reload(_ context.Context, ref string) <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reloaded = append(r.reloaded, ref)
	done := make(chan struct{})
	close(done)
	return done
}

func (r *recordingReloader) DeleteRef(ref string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted = append(r.deleted, ref)
}

func (r *recordingReloader) calls() ([]string, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.reloaded), slices.Clone(r.deleted)
}

func TestCoordinator_Poll(t *testing.T) {
	t.Parallel()

	source := &fakeTargets{targets: map[string]plumbing.Hash{
		"refs/heads/master": hash("1"),
		"refs/heads/dev":    hash("2"),
	}}
	reloader := &recordingReloader{}
	c := New(source, reloader)
	ctx := context.Background()

	changes, err := c.Poll(ctx)
	require.NoError(t, err)
	assert.True(t, changes.Empty())

	source.set(map[string]plumbing.Hash{
		"refs/heads/master": hash("3"),
		"refs/heads/new":    hash("4"),
	}, nil)
	changes, err = c.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, Changes{
		Moved:   []string{"refs/heads/master"},
		Created: []string{"refs/heads/new"},
		Deleted: []string{"refs/heads/dev"},
	}, changes)

	reloaded, deleted := reloader.calls()
	assert.Equal(t, []string{"refs/heads/master"}, reloaded)
	assert.Equal(t, []string{"refs/heads/dev"}, deleted)
}

func TestCoordinator_StartStop(t *testing.T) {
	t.Parallel()

	source := &fakeTargets{targets: map[string]plumbing.Hash{"refs/heads/master": hash("1")}}
	reloader := &recordingReloader{}
	c := New(source, reloader, WithInterval(5*time.Millisecond))

	started := make(chan error, 1)
	go func() { started <- c.Start(context.Background()) }()

	require.Eventually(t, func() bool {
		return c.detector.Baseline() != nil
	}, 2*time.Second, time.Millisecond)

	source.set(map[string]plumbing.Hash{"refs/heads/master": hash("2")}, nil)
	require.Eventually(t, func() bool {
		reloaded, _ := reloader.calls()
		return len(reloaded) == 1
	}, 2*time.Second, time.Millisecond)

	require.NoError(t, c.Stop())
	select {
	case err := <-started:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Stop")
	}

	// A stopped coordinator does not run again
	assert.NoError(t, c.Start(context.Background()))
}

func TestCoordinator_StopBeforeStart(t *testing.T) {
	t.Parallel()

	c := New(&fakeTargets{}, &recordingReloader{})
	require.NoError(t, c.Stop())

	done := make(chan struct{})
	go func() {
		_ = c.Start(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start ran after Stop")
	}
}

func TestCoordinator_ContextCancel(t *testing.T) {
	t.Parallel()

	c := New(&fakeTargets{}, &recordingReloader{}, WithInterval(time.Hour))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- c.Start(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
	require.NoError(t, c.Stop())
}

func TestCoordinator_NextInterval(t *testing.T) {
	t.Parallel()

	c := New(&fakeTargets{}, &recordingReloader{}, WithInterval(time.Second))
	for range 100 {
		d := c.nextInterval()
		assert.GreaterOrEqual(t, d, 900*time.Millisecond)
		assert.Less(t, d, 1100*time.Millisecond)
	}

	assert.Equal(t, DefaultInterval, New(&fakeTargets{}, &recordingReloader{}, WithInterval(0)).interval)
}

func TestCoordinator_RefreshesStorage(t *testing.T) {
	t.Parallel()

	const master = "refs/heads/master"
	repo := git.NewTestRepository(t, git.TestRepoConfig{Files: map[string]string{
		"a":          "before",
		"a.metadata": `{}`,
		"b":          "gone soon",
		"b.metadata": `{}`,
	}})
	_, err := repo.CreateReference(context.Background(), "refs/heads/dev", []git.Change{
		{Path: "c", Data: []byte("dev")},
		{Path: "c.metadata", Data: []byte(`{}`)},
	}, git.CommitInfo{})
	require.NoError(t, err)

	storage := store.NewStorage(repo)
	ctx := context.Background()
	c := New(repo, storage)

	_, err = c.Poll(ctx)
	require.NoError(t, err)

	info, err := storage.Read(ctx, "a", "")
	require.NoError(t, err)
	before := info.Version
	cached, err := storage.Read(ctx, "b", "")
	require.NoError(t, err)
	require.NotNil(t, cached)
	_, err = storage.Read(ctx, "c", "dev")
	require.NoError(t, err)
	assert.Equal(t, []string{"refs/heads/dev", master}, storage.Refs())

	// another writer commits straight into the repository
	_, err = repo.Commit(ctx, master, []git.Change{
		{Path: "a", Data: []byte("after")},
		{Path: "b", Delete: true},
		{Path: "b.metadata", Delete: true},
	}, git.CommitInfo{UserName: "pusher"})
	require.NoError(t, err)
	require.NoError(t, repo.DeleteReference("refs/heads/dev"))

	changes, err := c.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{master}, changes.Moved)
	assert.Equal(t, []string{"refs/heads/dev"}, changes.Deleted)
	assert.Equal(t, []string{master}, storage.Refs())

	info, err = storage.Read(ctx, "a", "")
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.NotEqual(t, before, info.Version)
	b, err := store.ReadAll(info.Content)
	require.NoError(t, err)
	assert.Equal(t, "after", string(b))

	gone, err := storage.Read(ctx, "b", "")
	require.NoError(t, err)
	assert.Nil(t, gone)
}
