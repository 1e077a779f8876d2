package store

import (
	"context"
	"io"

	"github.com/stacklok/gitkv/internal/git"
)

// Source is the object store as seen by a RefHolder: snapshot lookups and
// commits returning new version tokens. Implementations serialize their own
// commits.
type Source interface {
	// SourceInfo resolves key at ref; nil when absent
	SourceInfo(ctx context.Context, ref, key string) (*SourceInfo, error)
	// Open reads the blob identified by a content version
	Open(version string) (io.ReadCloser, error)

	// ModifyKey replaces the content of key and returns the new content version
	ModifyKey(ctx context.Context, ref, key string, data []byte, info git.CommitInfo) (string, error)
	// ModifyMetadata replaces the metadata of key and returns the new metadata version
	ModifyMetadata(ctx context.Context, ref, key string, md *MetaData, info git.CommitInfo) (string, error)
	// AddKey writes content and metadata for a new key. data is ignored for
	// directory defaults, whose content version is empty.
	AddKey(ctx context.Context, ref, key string, data []byte, md *MetaData, info git.CommitInfo) (version, metaVersion string, err error)
	// DeleteKey removes key and its metadata
	DeleteKey(ctx context.Context, ref, key string, info git.CommitInfo) error

	// User reads a credential record; empty version and nil user when absent
	User(ctx context.Context, ref, key string) (string, *UserData, error)
	// PutUser writes a credential record and returns its version
	PutUser(ctx context.Context, ref, key string, user *UserData, info git.CommitInfo) (string, error)
	// DeleteUser removes a credential record
	DeleteUser(ctx context.Context, ref, key string, info git.CommitInfo) error
}
