package app

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/gitkv/internal/git"
	"github.com/stacklok/gitkv/internal/store"
)

const masterRef = "refs/heads/master"

func newTestStorage(t *testing.T, files map[string]string, opts ...store.StorageOption) (*git.Repository, *store.Storage) {
	t.Helper()
	repo := git.NewTestRepository(t, git.TestRepoConfig{Files: files})
	return repo, store.NewStorage(repo, opts...)
}

func healthyFiles() map[string]string {
	return map[string]string{
		"a":             "hello",
		"a.metadata":    `{"contentType": "text/plain"}`,
		"dir/.metadata": `{"read": [{"role": "read"}]}`,
	}
}

func fastRetry() backoff.RetryOption {
	return backoff.WithBackOff(backoff.NewConstantBackOff(time.Millisecond))
}

func TestRunValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		files     map[string]string
		ref       string
		wantLines []string
		wantErr   string
	}{
		{
			name:  "healthy",
			files: healthyFiles(),
		},
		{
			name:  "healthy single reference",
			files: healthyFiles(),
			ref:   "master",
		},
		{
			name: "defects",
			files: map[string]string{
				"a":          "1",
				"b.metadata": `{}`,
			},
			wantLines: []string{
				`^refs/heads/master: a( \([0-9a-f]+\))?: file is missing metadata$`,
				`^refs/heads/master: b\.metadata( \([0-9a-f]+\))?: metadata file is missing its data file$`,
			},
			wantErr: "2 defects found",
		},
		{
			name:    "unknown reference",
			files:   healthyFiles(),
			ref:     "nope",
			wantErr: "reference not found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, storage := newTestStorage(t, tt.files)
			var out bytes.Buffer
			err := runValidate(context.Background(), &out, storage, tt.ref)
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}

			var lines []string
			for _, line := range strings.Split(out.String(), "\n") {
				if line != "" {
					lines = append(lines, line)
				}
			}
			require.Len(t, lines, len(tt.wantLines))
			for i, want := range tt.wantLines {
				assert.Regexp(t, want, lines[i])
			}
		})
	}
}

func TestRunValidate_MissingDefaultReference(t *testing.T) {
	t.Parallel()

	_, storage := newTestStorage(t, healthyFiles(), store.WithDefaultRef("main"))
	err := runValidate(context.Background(), &bytes.Buffer{}, storage, "")
	assert.ErrorIs(t, err, store.ErrMissingDefaultReference)
}

func TestRunGet(t *testing.T) {
	t.Parallel()

	_, storage := newTestStorage(t, healthyFiles())
	ctx := context.Background()

	t.Run("raw content", func(t *testing.T) {
		t.Parallel()
		var out bytes.Buffer
		require.NoError(t, runGet(ctx, &out, storage, "", "a", ""))
		assert.Equal(t, "hello", out.String())
	})

	t.Run("json", func(t *testing.T) {
		t.Parallel()
		var out bytes.Buffer
		require.NoError(t, runGet(ctx, &out, storage, "master", "a", "json"))

		var result getResult
		require.NoError(t, json.Unmarshal(out.Bytes(), &result))
		assert.Equal(t, "a", result.Key)
		assert.Equal(t, masterRef, result.Ref)
		assert.NotEmpty(t, result.Version)
		assert.NotEmpty(t, result.MetaVersion)
		assert.Equal(t, int64(5), result.Size)
		assert.Equal(t, []byte("hello"), result.Content)
		assert.Equal(t, "text/plain", result.MetaData.GetContentType())
	})

	t.Run("directory default as json", func(t *testing.T) {
		t.Parallel()
		var out bytes.Buffer
		require.NoError(t, runGet(ctx, &out, storage, "", "dir/", "json"))

		var result getResult
		require.NoError(t, json.Unmarshal(out.Bytes(), &result))
		assert.Empty(t, result.Version)
		assert.Empty(t, result.Content)
		assert.Equal(t, []store.Role{{Role: "read"}}, result.MetaData.Read)
	})

	t.Run("directory default has no raw content", func(t *testing.T) {
		t.Parallel()
		err := runGet(ctx, &bytes.Buffer{}, storage, "", "dir/", "")
		assert.ErrorContains(t, err, "directory default")
	})

	t.Run("missing key", func(t *testing.T) {
		t.Parallel()
		err := runGet(ctx, &bytes.Buffer{}, storage, "", "missing", "")
		assert.ErrorIs(t, err, errKeyNotFound)
	})
}

func TestRunPut(t *testing.T) {
	t.Parallel()

	_, storage := newTestStorage(t, healthyFiles())
	ctx := context.Background()
	info := git.CommitInfo{UserName: "tester", Message: "put"}

	created, err := runPut(ctx, storage, putRequest{
		Key:      "new",
		Data:     []byte("v0"),
		MetaData: &store.MetaData{},
		Commit:   info,
	}, fastRetry())
	require.NoError(t, err)
	assert.NotEmpty(t, created)

	modified, err := runPut(ctx, storage, putRequest{
		Key:     "new",
		Version: created,
		Data:    []byte("v1"),
		Commit:  info,
	}, fastRetry())
	require.NoError(t, err)
	assert.NotEqual(t, created, modified)

	var out bytes.Buffer
	require.NoError(t, runGet(ctx, &out, storage, "", "new", ""))
	assert.Equal(t, "v1", out.String())

	_, err = runPut(ctx, storage, putRequest{
		Key:     "new",
		Version: created,
		Data:    []byte("stale"),
		Commit:  info,
	}, fastRetry())
	assert.ErrorIs(t, err, store.ErrVersionConflict)

	_, err = runPut(ctx, storage, putRequest{
		Key:      "a",
		Data:     []byte("again"),
		MetaData: &store.MetaData{},
		Commit:   info,
	}, fastRetry())
	assert.ErrorIs(t, err, store.ErrKeyAlreadyExists)
}

// contendedSource reports lock contention for the first failures writes
type contendedSource struct {
	store.Source
	failures int32
	calls    atomic.Int32
}

func (s *contendedSource) ModifyKey(ctx context.Context, ref, key string, data []byte, info git.CommitInfo) (string, error) {
	if s.calls.Add(1) <= s.failures {
		return "", store.ErrFailedToLock
	}
	return s.Source.ModifyKey(ctx, ref, key, data, info)
}

func TestRunPut_RetriesLockContention(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		failures  int32
		wantErr   error
		wantCalls int32
	}{
		{name: "succeeds after contention", failures: 2, wantCalls: 3},
		{name: "gives up", failures: 100, wantErr: store.ErrFailedToLock, wantCalls: putMaxTries},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			repo := git.NewTestRepository(t, git.TestRepoConfig{Files: healthyFiles()})
			source := &contendedSource{Source: store.NewGitSource(repo), failures: tt.failures}
			storage := store.NewStorage(repo, store.WithSource(source))
			ctx := context.Background()

			info, err := storage.Read(ctx, "a", "")
			require.NoError(t, err)

			_, err = runPut(ctx, storage, putRequest{
				Key:     "a",
				Version: info.Version,
				Data:    []byte("contended"),
			}, fastRetry())
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.wantCalls, source.calls.Load())
		})
	}
}

func TestUsers(t *testing.T) {
	t.Parallel()

	_, storage := newTestStorage(t, healthyFiles())
	ctx := context.Background()

	version, err := runUsersAddWith(ctx, storage, "", "git/alice", "admin", "s3cret", []string{"pull", "push"})
	require.NoError(t, err)
	assert.NotEmpty(t, version)

	_, err = runUsersAddWith(ctx, storage, "", "git/alice", "admin", "other", nil)
	assert.ErrorIs(t, err, store.ErrKeyAlreadyExists)

	var out bytes.Buffer
	require.NoError(t, runUsersGet(ctx, &out, storage, "", "git/alice"))
	var result userResult
	require.NoError(t, json.Unmarshal(out.Bytes(), &result))
	assert.Equal(t, userResult{Path: "git/alice", Version: version, Roles: []string{"pull", "push"}}, result)
	assert.NotContains(t, out.String(), "s3cret")

	err = runUsersGet(ctx, &bytes.Buffer{}, storage, "", "git/bob")
	assert.ErrorIs(t, err, errKeyNotFound)
}

func TestRunRefs(t *testing.T) {
	t.Parallel()

	repo, _ := newTestStorage(t, healthyFiles())
	_, err := repo.CreateReference(context.Background(), "refs/heads/dev", nil, git.CommitInfo{Message: "dev"})
	require.NoError(t, err)
	for _, tag := range []string{"v1.2.0", "latest", "v1.10.0", "v0.9.1"} {
		require.NoError(t, repo.CreateTag(tag, masterRef))
	}

	var out bytes.Buffer
	require.NoError(t, runRefs(&out, repo))
	assert.Equal(t, strings.Join([]string{
		"refs/heads/dev",
		masterRef,
		"refs/tags/v1.10.0",
		"refs/tags/v1.2.0",
		"refs/tags/v0.9.1",
		"refs/tags/latest",
	}, "\n")+"\n", out.String())
}

func TestReadPassword(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{name: "trims newline", input: "secret\n", want: "secret"},
		{name: "empty", input: "  \n", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := readPassword(strings.NewReader(tt.input))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReadInput(t *testing.T) {
	t.Parallel()

	data, err := readInput(strings.NewReader("from stdin"), "-")
	require.NoError(t, err)
	assert.Equal(t, "from stdin", string(data))

	_, err = readInput(strings.NewReader(""), "/nonexistent/file")
	assert.ErrorContains(t, err, "failed to read")
}
