package store

import (
	"fmt"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"
)

const (
	// MetadataSuffix is appended to a key to name its metadata sidecar
	MetadataSuffix = ".metadata"
	// UsersPrefix is the key namespace reserved for credential records
	UsersPrefix = ".users/"
	// DefaultRef is used when no default reference is configured
	DefaultRef = "refs/heads/master"
)

// Credential realms under UsersPrefix
const (
	RealmGit      = "git"
	RealmKeyAdmin = "keyadmin"
	RealmKeyUser  = "keyuser"
)

// IsDirectoryDefault reports whether key names a directory default metadata entry
func IsDirectoryDefault(key string) bool {
	return strings.HasSuffix(key, "/")
}

// IsUserKey reports whether key lives in the credential namespace
func IsUserKey(key string) bool {
	return strings.HasPrefix(key, UsersPrefix)
}

// ValidateKey checks that key is a relative slash path without empty
// segments or segments starting with '.'. A single trailing slash is allowed
// for directory defaults.
func ValidateKey(key string) error {
	trimmed := strings.TrimSuffix(key, "/")
	if trimmed == "" {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	if strings.HasPrefix(trimmed, "/") {
		return fmt.Errorf("%w: %q is absolute", ErrInvalidKey, key)
	}
	for _, segment := range strings.Split(trimmed, "/") {
		if segment == "" || strings.HasPrefix(segment, ".") {
			return fmt.Errorf("%w: %q has an invalid segment", ErrInvalidKey, key)
		}
	}
	if strings.HasSuffix(trimmed, MetadataSuffix) {
		return fmt.Errorf("%w: %q ends in %s", ErrInvalidKey, key, MetadataSuffix)
	}
	return nil
}

// hasHiddenSegment reports whether any path segment starts with '.', which
// excludes it from key extraction
func hasHiddenSegment(p string) bool {
	for _, segment := range strings.Split(strings.TrimSuffix(p, "/"), "/") {
		if strings.HasPrefix(segment, ".") {
			return true
		}
	}
	return false
}

// NormalizeRef turns a short branch name into a fully qualified reference
// name and substitutes defaultRef for the empty name
func NormalizeRef(ref, defaultRef string) string {
	if ref == "" {
		ref = defaultRef
	}
	if ref == "" {
		ref = DefaultRef
	}
	if strings.HasPrefix(ref, "refs/") {
		return ref
	}
	return plumbing.NewBranchReferenceName(ref).String()
}

// IsTag reports whether ref names a tag
func IsTag(ref string) bool {
	return plumbing.ReferenceName(ref).IsTag()
}
