package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		key     string
		wantErr bool
	}{
		{name: "simple key", key: "a"},
		{name: "nested key", key: "dir/sub/key.json"},
		{name: "directory default", key: "dir/"},
		{name: "empty", key: "", wantErr: true},
		{name: "only slash", key: "/", wantErr: true},
		{name: "absolute", key: "/a", wantErr: true},
		{name: "empty segment", key: "a//b", wantErr: true},
		{name: "dot segment", key: "a/./b", wantErr: true},
		{name: "parent segment", key: "a/../b", wantErr: true},
		{name: "hidden segment", key: ".users/git/alice", wantErr: true},
		{name: "metadata suffix", key: "a.metadata", wantErr: true},
		{name: "double trailing slash", key: "dir//", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := ValidateKey(tt.key)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidKey)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestNormalizeRef(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		ref        string
		defaultRef string
		want       string
	}{
		{name: "empty uses default", ref: "", defaultRef: "refs/heads/main", want: "refs/heads/main"},
		{name: "empty without default", ref: "", want: DefaultRef},
		{name: "short branch", ref: "dev", want: "refs/heads/dev"},
		{name: "qualified branch", ref: "refs/heads/dev", want: "refs/heads/dev"},
		{name: "tag", ref: "refs/tags/v1", want: "refs/tags/v1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, NormalizeRef(tt.ref, tt.defaultRef))
		})
	}

	assert.True(t, IsTag("refs/tags/v1"))
	assert.False(t, IsTag("refs/heads/v1"))
}

func TestKeyForPath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		path     string
		wantKey  string
		wantMeta bool
	}{
		{path: "a", wantKey: "a"},
		{path: "a.metadata", wantKey: "a", wantMeta: true},
		{path: "dir/key", wantKey: "dir/key"},
		{path: "dir/.metadata", wantKey: "dir/", wantMeta: true},
		{path: ".metadata", wantKey: ""},
		{path: ".users/git/alice", wantKey: ""},
		{path: ".hidden/a.metadata", wantKey: ""},
		{path: "dir/.secret", wantKey: ""},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			t.Parallel()
			key, isMeta := keyForPath(tt.path)
			assert.Equal(t, tt.wantKey, key)
			if tt.wantKey != "" {
				assert.Equal(t, tt.wantMeta, isMeta)
			}
		})
	}
}

func TestUserKey(t *testing.T) {
	t.Parallel()

	key, err := UserKey("git/alice")
	require.NoError(t, err)
	assert.Equal(t, ".users/git/alice", key)
	assert.True(t, IsUserKey(key))

	for _, bad := range []string{"", "/", "git//alice", "git/.alice"} {
		_, err := UserKey(bad)
		assert.ErrorIs(t, err, ErrInvalidKey, bad)
	}
}
