package git

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"sync"

	billy "github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/cache"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/storage/filesystem"
)

// Repository is the object store adapter. It exposes reference snapshots,
// blob access and atomic commits over a go-git repository.
type Repository struct {
	repo *git.Repository

	// commitMu serializes every structural change to the repository
	commitMu sync.Mutex

	// storerFilesystem is only set for in-memory repositories and is
	// cleared on Close to release the object database.
	storerFilesystem billy.Filesystem

	// objectCache holds decompressed objects; cleared on Close
	objectCache cache.Object
}

// Open opens an existing repository at path
func Open(path string) (*Repository, error) {
	repo, err := git.PlainOpen(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open repository %s: %w", path, err)
	}
	return &Repository{repo: repo}, nil
}

// Init creates a bare repository at path, or opens it if one already exists
func Init(path string) (*Repository, error) {
	if _, err := os.Stat(path); err == nil {
		if r, err := Open(path); err == nil {
			return r, nil
		}
	}
	repo, err := git.PlainInit(path, true)
	if err != nil {
		return nil, fmt.Errorf("failed to init repository %s: %w", path, err)
	}
	slog.Info("Initialized bare repository", "path", path)
	return &Repository{repo: repo}, nil
}

// NewInMemory creates an empty bare repository backed by an in-memory filesystem
func NewInMemory() (*Repository, error) {
	storerFs := memfs.New()
	storerCache := cache.NewObjectLRUDefault()
	storer := filesystem.NewStorage(storerFs, storerCache)

	repo, err := git.Init(storer, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to init in-memory repository: %w", err)
	}
	return &Repository{
		repo:             repo,
		storerFilesystem: storerFs,
		objectCache:      storerCache,
	}, nil
}

// Resolve returns the snapshot behind ref. A reference at the zero hash
// yields an empty snapshot rather than an error.
func (r *Repository) Resolve(ref string) (*Snapshot, error) {
	name := plumbing.ReferenceName(ref)
	reference, err := r.repo.Reference(name, true)
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrReferenceNotFound, ref)
		}
		return nil, fmt.Errorf("failed to resolve reference %s: %w", ref, err)
	}

	snapshot := &Snapshot{Reference: name}
	if reference.Hash().IsZero() {
		return snapshot, nil
	}

	commit, err := r.peelCommit(reference.Hash())
	if err != nil {
		return nil, fmt.Errorf("failed to get commit for %s: %w", ref, err)
	}
	tree, err := commit.Tree()
	if err != nil {
		return nil, fmt.Errorf("failed to get tree for %s: %w", ref, err)
	}

	snapshot.Commit = commit.Hash
	snapshot.Tree = tree
	return snapshot, nil
}

// peelCommit follows annotated tags down to the commit they point at
func (r *Repository) peelCommit(hash plumbing.Hash) (*object.Commit, error) {
	tag, err := r.repo.TagObject(hash)
	switch {
	case err == nil:
		return tag.Commit()
	case errors.Is(err, plumbing.ErrObjectNotFound):
		return r.repo.CommitObject(hash)
	default:
		return nil, err
	}
}

// Tree returns the tree object with the given hash
func (r *Repository) Tree(hash plumbing.Hash) (*object.Tree, error) {
	tree, err := r.repo.TreeObject(hash)
	if err != nil {
		return nil, fmt.Errorf("failed to get tree %s: %w", hash, err)
	}
	return tree, nil
}

// OpenBlob opens a reader over the blob with the given hash and reports its size
func (r *Repository) OpenBlob(hash plumbing.Hash) (io.ReadCloser, int64, error) {
	blob, err := r.repo.BlobObject(hash)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to get blob %s: %w", hash, err)
	}
	reader, err := blob.Reader()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open blob %s: %w", hash, err)
	}
	return reader, blob.Size, nil
}

// BlobSize returns the size of the blob with the given hash without reading it
func (r *Repository) BlobSize(hash plumbing.Hash) (int64, error) {
	blob, err := r.repo.BlobObject(hash)
	if err != nil {
		return 0, fmt.Errorf("failed to get blob %s: %w", hash, err)
	}
	return blob.Size, nil
}

// Snapshots groups every non-symbolic branch and tag by the tree it
// currently points at, so a tree shared by several references is walked
// once. References without commits are grouped under the zero hash.
func (r *Repository) Snapshots() (map[plumbing.Hash][]plumbing.ReferenceName, error) {
	iter, err := r.repo.References()
	if err != nil {
		return nil, fmt.Errorf("failed to list references: %w", err)
	}
	defer iter.Close()

	result := make(map[plumbing.Hash][]plumbing.ReferenceName)
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		if ref.Type() != plumbing.HashReference {
			return nil
		}
		if !ref.Name().IsBranch() && !ref.Name().IsTag() {
			return nil
		}
		snapshot, err := r.Resolve(ref.Name().String())
		if err != nil {
			return err
		}
		id := snapshot.ID()
		result[id] = append(result[id], ref.Name())
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to group references: %w", err)
	}
	return result, nil
}

// HasReferences reports whether the repository carries any branch or tag
func (r *Repository) HasReferences() (bool, error) {
	iter, err := r.repo.References()
	if err != nil {
		return false, fmt.Errorf("failed to list references: %w", err)
	}
	defer iter.Close()

	found := false
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		if ref.Type() == plumbing.HashReference && (ref.Name().IsBranch() || ref.Name().IsTag()) {
			found = true
			return errStopIteration
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStopIteration) {
		return false, fmt.Errorf("failed to list references: %w", err)
	}
	return found, nil
}

var errStopIteration = errors.New("stop iteration")

// References lists every non-symbolic branch and tag name, sorted
func (r *Repository) References() ([]string, error) {
	iter, err := r.repo.References()
	if err != nil {
		return nil, fmt.Errorf("failed to list references: %w", err)
	}
	defer iter.Close()

	var names []string
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		if ref.Type() == plumbing.HashReference && (ref.Name().IsBranch() || ref.Name().IsTag()) {
			names = append(names, ref.Name().String())
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list references: %w", err)
	}
	slices.Sort(names)
	return names, nil
}

// Targets maps every non-symbolic branch and tag name to the hash it points at
func (r *Repository) Targets() (map[string]plumbing.Hash, error) {
	iter, err := r.repo.References()
	if err != nil {
		return nil, fmt.Errorf("failed to list references: %w", err)
	}
	defer iter.Close()

	targets := make(map[string]plumbing.Hash)
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		if ref.Type() == plumbing.HashReference && (ref.Name().IsBranch() || ref.Name().IsTag()) {
			targets[ref.Name().String()] = ref.Hash()
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list references: %w", err)
	}
	return targets, nil
}

// CreateTag points a lightweight tag at the commit behind ref
func (r *Repository) CreateTag(tag, ref string) error {
	r.commitMu.Lock()
	defer r.commitMu.Unlock()

	snapshot, err := r.Resolve(ref)
	if err != nil {
		return err
	}
	name := plumbing.NewTagReferenceName(tag)
	if _, err := r.repo.Reference(name, false); err == nil {
		return fmt.Errorf("%w: %s", ErrReferenceExists, name)
	}
	return r.repo.Storer.SetReference(plumbing.NewHashReference(name, snapshot.Commit))
}

// DeleteReference removes a branch or tag
func (r *Repository) DeleteReference(ref string) error {
	r.commitMu.Lock()
	defer r.commitMu.Unlock()

	name := plumbing.ReferenceName(ref)
	if _, err := r.repo.Reference(name, false); err != nil {
		return fmt.Errorf("%w: %s", ErrReferenceNotFound, ref)
	}
	return r.repo.Storer.RemoveReference(name)
}

// Close releases the object cache and, for in-memory repositories, the
// backing filesystem
func (r *Repository) Close() error {
	if r == nil || r.repo == nil {
		return fmt.Errorf("repository is nil")
	}

	if r.objectCache != nil {
		slog.Debug("Clearing object cache")
		r.objectCache.Clear()
	}

	if r.storerFilesystem != nil {
		slog.Debug("Clearing storer filesystem")
		_ = util.RemoveAll(r.storerFilesystem, "/")
	}

	r.objectCache = nil
	r.storerFilesystem = nil
	return nil
}
