package git

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// Commit applies changes on top of the current tree of ref, writes a new
// commit and moves ref to it. It returns the blob hash of every path
// written by the commit; deleted paths are absent from the result.
func (r *Repository) Commit(ctx context.Context, ref string, changes []Change, info CommitInfo) (map[string]plumbing.Hash, error) {
	name := plumbing.ReferenceName(ref)
	if name.IsTag() {
		return nil, fmt.Errorf("%w: %s", ErrReadOnlyReference, ref)
	}

	r.commitMu.Lock()
	defer r.commitMu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	current, err := r.repo.Reference(name, false)
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrReferenceNotFound, ref)
		}
		return nil, fmt.Errorf("failed to read reference %s: %w", ref, err)
	}

	files := make(map[string]object.TreeEntry)
	var parents []plumbing.Hash
	if !current.Hash().IsZero() {
		commit, err := r.repo.CommitObject(current.Hash())
		if err != nil {
			return nil, fmt.Errorf("failed to get commit %s: %w", current.Hash(), err)
		}
		if err := r.flattenTree(commit.TreeHash, "", files); err != nil {
			return nil, err
		}
		parents = append(parents, commit.Hash)
	}

	written, err := r.applyChanges(files, changes)
	if err != nil {
		return nil, err
	}

	commitHash, err := r.writeCommit(files, parents, info, "update "+describeChanges(changes))
	if err != nil {
		return nil, err
	}

	if err := r.repo.Storer.CheckAndSetReference(plumbing.NewHashReference(name, commitHash), current); err != nil {
		return nil, fmt.Errorf("failed to update reference %s: %w", ref, err)
	}

	slog.Debug("Committed changes", "ref", ref, "commit", commitHash.String(), "paths", len(changes))
	return written, nil
}

// CreateReference creates the branch ref with a root commit holding changes
func (r *Repository) CreateReference(ctx context.Context, ref string, changes []Change, info CommitInfo) (map[string]plumbing.Hash, error) {
	name := plumbing.ReferenceName(ref)
	if !name.IsBranch() {
		return nil, fmt.Errorf("%w: only branches can be created, got %s", ErrReadOnlyReference, ref)
	}

	r.commitMu.Lock()
	defer r.commitMu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if _, err := r.repo.Reference(name, false); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrReferenceExists, ref)
	}

	files := make(map[string]object.TreeEntry)
	written, err := r.applyChanges(files, changes)
	if err != nil {
		return nil, err
	}

	commitHash, err := r.writeCommit(files, nil, info, "create "+name.Short())
	if err != nil {
		return nil, err
	}

	if err := r.repo.Storer.SetReference(plumbing.NewHashReference(name, commitHash)); err != nil {
		return nil, fmt.Errorf("failed to create reference %s: %w", ref, err)
	}
	return written, nil
}

func (r *Repository) applyChanges(files map[string]object.TreeEntry, changes []Change) (map[string]plumbing.Hash, error) {
	written := make(map[string]plumbing.Hash, len(changes))
	for _, change := range changes {
		p := strings.Trim(change.Path, "/")
		if p == "" {
			return nil, fmt.Errorf("invalid change path %q", change.Path)
		}
		if change.Delete {
			delete(files, p)
			delete(written, p)
			continue
		}
		hash, err := r.writeBlob(change.Data)
		if err != nil {
			return nil, err
		}
		mode := filemode.Regular
		if existing, ok := files[p]; ok && existing.Mode == filemode.Executable {
			mode = filemode.Executable
		}
		files[p] = object.TreeEntry{Name: path.Base(p), Mode: mode, Hash: hash}
		written[p] = hash
	}
	return written, nil
}

func (r *Repository) writeCommit(
	files map[string]object.TreeEntry, parents []plumbing.Hash, info CommitInfo, fallback string,
) (plumbing.Hash, error) {
	root, err := buildTreeNode(files)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	treeHash, err := r.writeTree(root)
	if err != nil {
		return plumbing.ZeroHash, err
	}

	commit := &object.Commit{
		Author:       info.author(),
		Committer:    info.committer(),
		Message:      info.message(fallback),
		TreeHash:     treeHash,
		ParentHashes: parents,
	}
	obj := r.repo.Storer.NewEncodedObject()
	if err := commit.Encode(obj); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to encode commit: %w", err)
	}
	hash, err := r.repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to store commit: %w", err)
	}
	return hash, nil
}

// flattenTree collects every non-tree entry below hash keyed by full path
func (r *Repository) flattenTree(hash plumbing.Hash, prefix string, files map[string]object.TreeEntry) error {
	tree, err := r.repo.TreeObject(hash)
	if err != nil {
		return fmt.Errorf("failed to get tree %s: %w", hash, err)
	}
	for _, entry := range tree.Entries {
		full := path.Join(prefix, entry.Name)
		if entry.Mode == filemode.Dir {
			if err := r.flattenTree(entry.Hash, full, files); err != nil {
				return err
			}
			continue
		}
		files[full] = entry
	}
	return nil
}

func (r *Repository) writeBlob(data []byte) (plumbing.Hash, error) {
	obj := r.repo.Storer.NewEncodedObject()
	obj.SetType(plumbing.BlobObject)
	obj.SetSize(int64(len(data)))

	w, err := obj.Writer()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to open blob writer: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return plumbing.ZeroHash, fmt.Errorf("failed to write blob: %w", err)
	}
	if err := w.Close(); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to close blob writer: %w", err)
	}

	hash, err := r.repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to store blob: %w", err)
	}
	return hash, nil
}

// treeNode is one directory of a tree under construction
type treeNode struct {
	files    []object.TreeEntry
	children map[string]*treeNode
}

func buildTreeNode(files map[string]object.TreeEntry) (*treeNode, error) {
	root := &treeNode{children: map[string]*treeNode{}}
	for p, entry := range files {
		node := root
		parts := strings.Split(p, "/")
		for _, dir := range parts[:len(parts)-1] {
			child, ok := node.children[dir]
			if !ok {
				child = &treeNode{children: map[string]*treeNode{}}
				node.children[dir] = child
			}
			node = child
		}
		entry.Name = parts[len(parts)-1]
		node.files = append(node.files, entry)
	}
	if err := root.checkConflicts(""); err != nil {
		return nil, err
	}
	return root, nil
}

// checkConflicts rejects a file and a directory sharing one name
func (n *treeNode) checkConflicts(prefix string) error {
	for _, f := range n.files {
		if _, ok := n.children[f.Name]; ok {
			return fmt.Errorf("%w: %s%s", ErrPathConflict, prefix, f.Name)
		}
	}
	for name, child := range n.children {
		if err := child.checkConflicts(prefix + name + "/"); err != nil {
			return err
		}
	}
	return nil
}

func (r *Repository) writeTree(node *treeNode) (plumbing.Hash, error) {
	entries := make([]object.TreeEntry, 0, len(node.files)+len(node.children))
	entries = append(entries, node.files...)
	for name, child := range node.children {
		hash, err := r.writeTree(child)
		if err != nil {
			return plumbing.ZeroHash, err
		}
		entries = append(entries, object.TreeEntry{Name: name, Mode: filemode.Dir, Hash: hash})
	}

	// git orders entries by name, comparing directories as if they ended in '/'
	sort.Slice(entries, func(i, j int) bool {
		return sortName(entries[i]) < sortName(entries[j])
	})

	tree := &object.Tree{Entries: entries}
	obj := r.repo.Storer.NewEncodedObject()
	if err := tree.Encode(obj); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to encode tree: %w", err)
	}
	hash, err := r.repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to store tree: %w", err)
	}
	return hash, nil
}

func sortName(e object.TreeEntry) string {
	if e.Mode == filemode.Dir {
		return e.Name + "/"
	}
	return e.Name
}

func describeChanges(changes []Change) string {
	if len(changes) == 0 {
		return "nothing"
	}
	return changes[0].Path
}
