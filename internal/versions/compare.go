package versions

import (
	"slices"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// IsNewerVersion reports whether newVersion is strictly greater than oldVersion.
// It uses semantic versioning for comparison when both strings are valid semver,
// and falls back to lexicographic string comparison otherwise.
func IsNewerVersion(newVersion, oldVersion string) bool {
	newSemver, errNew := semver.NewVersion(newVersion)
	oldSemver, errOld := semver.NewVersion(oldVersion)

	if errNew != nil || errOld != nil {
		return newVersion > oldVersion
	}

	return newSemver.GreaterThan(oldSemver)
}

// SortTags orders tag references newest first. Tags named as semantic
// versions sort by precedence and come before all other tags, which keep
// lexicographic order.
func SortTags(tags []string) {
	slices.SortStableFunc(tags, func(a, b string) int {
		va, errA := semver.NewVersion(tagName(a))
		vb, errB := semver.NewVersion(tagName(b))
		switch {
		case errA == nil && errB == nil:
			if c := vb.Compare(va); c != 0 {
				return c
			}
			return strings.Compare(a, b)
		case errA == nil:
			return -1
		case errB == nil:
			return 1
		default:
			return strings.Compare(a, b)
		}
	})
}

func tagName(ref string) string {
	return strings.TrimPrefix(ref, "refs/tags/")
}
