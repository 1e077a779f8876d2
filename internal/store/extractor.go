package store

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/stacklok/gitkv/internal/git"
)

// KeyBlobs pairs the data and metadata blobs found for one key. Either side
// may be nil; the validator classifies the missing side.
type KeyBlobs struct {
	Data     *BlobHandle
	Metadata *BlobHandle
}

// Extraction is the key mapping of one snapshot shared by Refs
type Extraction struct {
	Refs []string
	Keys map[string]*KeyBlobs
	// Err is set when the snapshot itself could not be walked
	Err error
}

// Extractor maps repository snapshots to keys
type Extractor struct {
	repo *git.Repository
}

// NewExtractor creates an extractor over repo
func NewExtractor(repo *git.Repository) *Extractor {
	return &Extractor{repo: repo}
}

// metadataPath returns the sidecar path for key
func metadataPath(key string) string {
	return key + MetadataSuffix
}

// SourceInfo resolves one key at ref. It returns nil when the reference has
// no commits, the key is not found, or the blob pair does not match the
// shape the key asks for.
func (e *Extractor) SourceInfo(ref, key string) (*SourceInfo, error) {
	snapshot, err := e.repo.Resolve(ref)
	if err != nil {
		return nil, err
	}
	if snapshot.Empty() || hasHiddenSegment(key) {
		return nil, nil
	}

	meta, err := e.findBlob(snapshot.Tree, metadataPath(key))
	if err != nil {
		return nil, err
	}

	if IsDirectoryDefault(key) {
		if meta == nil {
			return nil, nil
		}
		return &SourceInfo{Key: key, Metadata: meta}, nil
	}

	data, err := e.findBlob(snapshot.Tree, key)
	if err != nil {
		return nil, err
	}
	switch {
	case data == nil && meta == nil:
		return nil, nil
	case data == nil:
		slog.Warn("Skipping metadata without data", "ref", ref, "key", key)
		return nil, nil
	case meta == nil:
		slog.Warn("Skipping data without metadata", "ref", ref, "key", key)
		return nil, nil
	}
	return &SourceInfo{Key: key, Data: data, Metadata: meta}, nil
}

// findBlob looks up a regular or executable file at p, returning nil when
// nothing storable lives there
func (e *Extractor) findBlob(tree *object.Tree, p string) (*BlobHandle, error) {
	entry, err := tree.FindEntry(p)
	if err != nil {
		// a file standing where a directory is expected surfaces as a missing tree object
		if errors.Is(err, object.ErrEntryNotFound) || errors.Is(err, object.ErrDirectoryNotFound) ||
			errors.Is(err, plumbing.ErrObjectNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to look up %s: %w", p, err)
	}
	if !isFileMode(entry.Mode) {
		return nil, nil
	}
	return e.handle(p, entry.Hash), nil
}

func isFileMode(mode filemode.FileMode) bool {
	return mode == filemode.Regular || mode == filemode.Executable
}

// handle builds a blob handle; size lookup failures are kept on the handle
func (e *Extractor) handle(p string, hash plumbing.Hash) *BlobHandle {
	h := &BlobHandle{Path: p, ID: hash.String()}
	size, err := e.repo.BlobSize(hash)
	if err != nil {
		h.Err = err
		return h
	}
	h.Size = size
	h.open = func() (io.ReadCloser, error) {
		rc, _, err := e.repo.OpenBlob(hash)
		return rc, err
	}
	return h
}

// ExtractRef maps every key of ref's snapshot to its blobs
func (e *Extractor) ExtractRef(ref string) (*Extraction, error) {
	snapshot, err := e.repo.Resolve(ref)
	if err != nil {
		return nil, err
	}
	return e.extract(snapshot, []string{ref}), nil
}

// ExtractAll maps every snapshot in the repository, walking a tree shared
// by several references once
func (e *Extractor) ExtractAll() ([]*Extraction, error) {
	groups, err := e.repo.Snapshots()
	if err != nil {
		return nil, err
	}

	result := make([]*Extraction, 0, len(groups))
	for _, names := range groups {
		refs := make([]string, 0, len(names))
		for _, name := range names {
			refs = append(refs, name.String())
		}
		slices.Sort(refs)
		snapshot, err := e.repo.Resolve(refs[0])
		if err != nil {
			result = append(result, &Extraction{Refs: refs, Err: err})
			continue
		}
		result = append(result, e.extract(snapshot, refs))
	}
	return result, nil
}

func (e *Extractor) extract(snapshot *git.Snapshot, refs []string) *Extraction {
	extraction := &Extraction{Refs: refs, Keys: make(map[string]*KeyBlobs)}
	if snapshot.Empty() {
		return extraction
	}

	walker := object.NewTreeWalker(snapshot.Tree, true, nil)
	defer walker.Close()
	for {
		name, entry, err := walker.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			extraction.Err = fmt.Errorf("failed to walk tree %s: %w", snapshot.ID(), err)
			break
		}
		if !isFileMode(entry.Mode) {
			continue
		}

		key, isMeta := keyForPath(name)
		if key == "" {
			continue
		}
		blobs := extraction.Keys[key]
		if blobs == nil {
			blobs = &KeyBlobs{}
			extraction.Keys[key] = blobs
		}
		if isMeta {
			blobs.Metadata = e.handle(name, entry.Hash)
		} else {
			blobs.Data = e.handle(name, entry.Hash)
		}
	}
	return extraction
}

// keyForPath maps a repository path to the key it belongs to. It returns an
// empty key for paths that are not part of the key space.
func keyForPath(p string) (string, bool) {
	if strings.HasSuffix(p, MetadataSuffix) {
		key := strings.TrimSuffix(p, MetadataSuffix)
		if key == "" || hasHiddenSegment(key) {
			return "", false
		}
		return key, true
	}
	if hasHiddenSegment(p) {
		return "", false
	}
	return p, false
}

// User reads the credential record at key. It returns an empty version and
// nil user when the record does not exist.
func (e *Extractor) User(ref, key string) (string, *UserData, error) {
	snapshot, err := e.repo.Resolve(ref)
	if err != nil {
		return "", nil, err
	}
	if snapshot.Empty() {
		return "", nil, nil
	}
	blob, err := e.findBlob(snapshot.Tree, key)
	if err != nil || blob == nil {
		return "", nil, err
	}
	rc, err := blob.Open()
	if err != nil {
		return "", nil, fmt.Errorf("failed to open %s: %w", key, err)
	}
	defer rc.Close()
	user, err := ParseUserData(rc)
	if err != nil {
		return "", nil, fmt.Errorf("%s: %w", key, err)
	}
	return blob.Version(), user, nil
}
