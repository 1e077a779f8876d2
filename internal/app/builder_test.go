package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/gitkv/internal/config"
	"github.com/stacklok/gitkv/internal/git"
	"github.com/stacklok/gitkv/internal/store"
)

func boolPtr(b bool) *bool {
	return &b
}

func TestNew_RequiresConfig(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background())
	assert.ErrorContains(t, err, "config is required")

	_, err = New(context.Background(), WithConfig(nil))
	assert.ErrorContains(t, err, "config cannot be nil")
}

func TestNew_OpenExisting(t *testing.T) {
	t.Parallel()

	path := git.CreateTestRepoOnDisk(t, map[string]string{
		"a":          "hello",
		"a.metadata": `{"contentType": "text/plain"}`,
	})
	cfg := &config.Config{
		Repository: config.RepositoryConfig{Path: path},
		Cache:      &config.CacheConfig{Size: 10, StreamThreshold: 4},
	}

	ctx := context.Background()
	app, err := New(ctx, WithConfig(cfg))
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(ctx) })

	assert.Same(t, cfg, app.GetConfig())
	assert.Equal(t, store.DefaultRef, app.Storage().DefaultRef())

	info, err := app.Storage().Read(ctx, "a", "")
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, int64(5), info.Content.Size())
	assert.Equal(t, "text/plain", info.MetaData.GetContentType())
}

func TestNew_OpenMissingRepository(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{Repository: config.RepositoryConfig{Path: filepath.Join(t.TempDir(), "missing")}}
	_, err := New(context.Background(), WithConfig(cfg))
	assert.ErrorContains(t, err, "failed to open repository")
}

func TestNew_InitBootstrapsDefaultRef(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		defaultRef string
		wantRef    string
	}{
		{name: "default", wantRef: "refs/heads/master"},
		{name: "short name", defaultRef: "main", wantRef: "refs/heads/main"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ctx := context.Background()
			path := filepath.Join(t.TempDir(), "repo.git")
			cfg := &config.Config{Repository: config.RepositoryConfig{
				Path:       path,
				DefaultRef: tt.defaultRef,
				Init:       true,
			}}

			app, err := New(ctx, WithConfig(cfg))
			require.NoError(t, err)

			refs, err := app.Repository().References()
			require.NoError(t, err)
			assert.Equal(t, []string{tt.wantRef}, refs)

			_, _, err = app.Storage().AddKey(ctx, "k", tt.defaultRef, []byte("v"), &store.MetaData{},
				git.CommitInfo{UserName: "tester", Message: "add k"})
			require.NoError(t, err)
			require.NoError(t, app.Close(ctx))

			// A second start finds the branch and leaves it alone
			again, err := New(ctx, WithConfig(cfg))
			require.NoError(t, err)
			t.Cleanup(func() { _ = again.Close(ctx) })

			info, err := again.Storage().Read(ctx, "k", "")
			require.NoError(t, err)
			require.NotNil(t, info)
			b, err := store.ReadAll(info.Content)
			require.NoError(t, err)
			assert.Equal(t, "v", string(b))
		})
	}
}

func TestNew_StartupValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		files   map[string]string
		config  config.Config
		opts    []Options
		wantErr error
	}{
		{
			name:  "healthy repository",
			files: map[string]string{"a": "1", "a.metadata": `{}`},
		},
		{
			name:    "missing metadata",
			files:   map[string]string{"a": "1"},
			wantErr: store.ErrMissingMetadata,
		},
		{
			name:    "orphan metadata",
			files:   map[string]string{"a.metadata": `{}`},
			wantErr: store.ErrOrphanMetadata,
		},
		{
			name:    "missing default reference",
			files:   map[string]string{"a": "1", "a.metadata": `{}`},
			config:  config.Config{Repository: config.RepositoryConfig{DefaultRef: "main"}},
			wantErr: store.ErrMissingDefaultReference,
		},
		{
			name:   "validation disabled",
			files:  map[string]string{"a": "1"},
			config: config.Config{Validation: &config.ValidationConfig{OnStartup: boolPtr(false)}},
		},
		{
			name:  "checks skipped",
			files: map[string]string{"a": "1"},
			opts:  []Options{WithoutStartupChecks()},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			repo := git.NewTestRepository(t, git.TestRepoConfig{Files: tt.files})
			cfg := tt.config
			opts := append([]Options{WithConfig(&cfg), WithRepository(repo)}, tt.opts...)

			ctx := context.Background()
			app, err := New(ctx, opts...)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.ErrorContains(t, err, "startup validation failed")
				return
			}
			require.NoError(t, err)
			require.NoError(t, app.Close(ctx))
		})
	}
}

func TestApp_CloseLeavesInjectedRepository(t *testing.T) {
	t.Parallel()

	repo := git.NewTestRepository(t, git.TestRepoConfig{Files: map[string]string{"a": "1", "a.metadata": `{}`}})
	ctx := context.Background()

	app, err := New(ctx, WithConfig(&config.Config{}), WithRepository(repo))
	require.NoError(t, err)
	assert.Same(t, repo, app.Repository())
	require.NoError(t, app.Close(ctx))

	// The repository is still usable by its owner
	refs, err := repo.References()
	require.NoError(t, err)
	assert.Equal(t, []string{"refs/heads/master"}, refs)
}

func TestNew_WatcherRefreshesCache(t *testing.T) {
	t.Parallel()

	repo := git.NewTestRepository(t, git.TestRepoConfig{Files: map[string]string{"a": "before", "a.metadata": `{}`}})
	cfg := &config.Config{Cache: &config.CacheConfig{RefreshInterval: "5ms"}}
	ctx := context.Background()

	app, err := New(ctx, WithConfig(cfg), WithRepository(repo))
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(ctx) })
	require.NotNil(t, app.watcher)

	info, err := app.Storage().Read(ctx, "a", "")
	require.NoError(t, err)
	before := info.Version

	_, err = repo.Commit(ctx, "refs/heads/master", []git.Change{{Path: "a", Data: []byte("after")}},
		git.CommitInfo{UserName: "pusher"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		info, err := app.Storage().Read(ctx, "a", "")
		return err == nil && info != nil && info.Version != before
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, app.Close(ctx))
}
