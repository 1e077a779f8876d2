package store

import (
	"errors"
	"fmt"
	"strings"

	"github.com/stacklok/gitkv/internal/git"
)

var (
	// ErrReferenceNotFound is returned when a branch or tag does not exist
	ErrReferenceNotFound = git.ErrReferenceNotFound
	// ErrVersionConflict is returned when the supplied version does not match the current one
	ErrVersionConflict = errors.New("version conflict")
	// ErrFailedToLock is returned when another mutation on the same key is in flight
	ErrFailedToLock = errors.New("failed to lock")
	// ErrKeyAlreadyExists is returned when creating an entry that already exists
	ErrKeyAlreadyExists = errors.New("key already exists")
	// ErrUnsupported is returned when mutating an absent, protected or read-only entry
	ErrUnsupported = errors.New("unsupported operation")
	// ErrInvalidKey is returned for malformed key paths
	ErrInvalidKey = errors.New("invalid key")
	// ErrMissingMetadata is reported for a data file without a metadata sidecar
	ErrMissingMetadata = errors.New("file is missing metadata")
	// ErrOrphanMetadata is reported for a metadata sidecar without a data file
	ErrOrphanMetadata = errors.New("metadata file is missing its data file")
	// ErrMalformedMetadata is reported for a metadata file that does not parse
	ErrMalformedMetadata = errors.New("malformed metadata")
	// ErrMissingDefaultReference is returned when a repository with commits lacks the default reference
	ErrMissingDefaultReference = errors.New("repository is missing the default reference")
)

func failedToLock(ref, key string) error {
	if key == "" {
		return fmt.Errorf("%w: %s", ErrFailedToLock, ref)
	}
	return fmt.Errorf("%w: %s/%s", ErrFailedToLock, ref, key)
}

func keyAlreadyExists(ref, key string) error {
	return fmt.Errorf("%w: %s in %s", ErrKeyAlreadyExists, key, ref)
}

func unsupported(ref, key string) error {
	return fmt.Errorf("%w: %s in %s", ErrUnsupported, key, ref)
}

// MalformedMetadataError describes a metadata or credential file that failed
// to parse. Line and Column are 1-based and zero when the position is unknown.
type MalformedMetadataError struct {
	Line   int
	Column int
	Err    error
}

func (e *MalformedMetadataError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s at line: %d, column: %d: %v", ErrMalformedMetadata, e.Line, e.Column, e.Err)
	}
	return fmt.Sprintf("%s: %v", ErrMalformedMetadata, e.Err)
}

func (e *MalformedMetadataError) Unwrap() []error {
	return []error{ErrMalformedMetadata, e.Err}
}

// Defect is one structural problem found in a snapshot
type Defect struct {
	// Refs are the references whose snapshot contains the defect
	Refs []string
	// Path is the repository path of the offending file
	Path string
	// ObjectID is the blob or tree hash involved, empty when unknown
	ObjectID string
	// Err describes the problem; matches one of the Err* sentinels via errors.Is
	// unless the defect is an object store fault
	Err error
}

func (d *Defect) Error() string {
	refs := strings.Join(d.Refs, ",")
	if d.ObjectID == "" {
		return fmt.Sprintf("%s: %s: %v", refs, d.Path, d.Err)
	}
	return fmt.Sprintf("%s: %s (%s): %v", refs, d.Path, d.ObjectID, d.Err)
}

func (d *Defect) Unwrap() error {
	return d.Err
}
