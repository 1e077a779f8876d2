package versions

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVersionInfo(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name                       string
		version, commit, buildDate string
		settings                   map[string]string
		want                       VersionInfo
	}{
		{
			name:      "release build",
			version:   "v1.2.3",
			commit:    "abcdef0123456789",
			buildDate: "2026-01-02T03:04:05Z",
			want:      VersionInfo{Version: "v1.2.3", Commit: "abcdef0123456789", BuildDate: "2026-01-02 03:04:05 UTC"},
		},
		{
			name:      "development build from vcs settings",
			version:   "dev",
			commit:    unknownStr,
			buildDate: unknownStr,
			settings:  map[string]string{"vcs.revision": "0123456789abcdef", "vcs.time": "2026-05-06T07:08:09Z"},
			want:      VersionInfo{Version: "build-01234567", Commit: "0123456789abcdef", BuildDate: "2026-05-06 07:08:09 UTC"},
		},
		{
			name:      "development build without vcs settings",
			version:   "dev",
			commit:    unknownStr,
			buildDate: unknownStr,
			want:      VersionInfo{Version: "dev", Commit: unknownStr, BuildDate: unknownStr},
		},
		{
			name:      "settings ignored for release builds",
			version:   "v2.0.0",
			commit:    unknownStr,
			buildDate: unknownStr,
			settings:  map[string]string{"vcs.revision": "0123456789abcdef"},
			want:      VersionInfo{Version: "v2.0.0", Commit: unknownStr, BuildDate: unknownStr},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := versionInfo(tt.version, tt.commit, tt.buildDate, tt.settings)
			tt.want.GoVersion = runtime.Version()
			tt.want.Platform = runtime.GOOS + "/" + runtime.GOARCH
			assert.Equal(t, tt.want, got)
		})
	}

	assert.NotEmpty(t, GetVersionInfo().Version)
}
