package store

import (
	"context"
	"fmt"
	"io"

	"github.com/go-git/go-git/v5/plumbing"

	"github.com/stacklok/gitkv/internal/git"
)

// GitSource is the Source backed by a go-git repository
type GitSource struct {
	repo      *git.Repository
	extractor *Extractor
}

// NewGitSource creates a Source over repo
func NewGitSource(repo *git.Repository) *GitSource {
	return &GitSource{repo: repo, extractor: NewExtractor(repo)}
}

// SourceInfo implements Source
func (s *GitSource) SourceInfo(_ context.Context, ref, key string) (*SourceInfo, error) {
	return s.extractor.SourceInfo(ref, key)
}

// Open implements Source
func (s *GitSource) Open(version string) (io.ReadCloser, error) {
	rc, _, err := s.repo.OpenBlob(plumbing.NewHash(version))
	return rc, err
}

// ModifyKey implements Source
func (s *GitSource) ModifyKey(ctx context.Context, ref, key string, data []byte, info git.CommitInfo) (string, error) {
	written, err := s.repo.Commit(ctx, ref, []git.Change{{Path: key, Data: data}}, withMessage(info, "modify "+key))
	if err != nil {
		return "", err
	}
	return version(written, key)
}

// ModifyMetadata implements Source
func (s *GitSource) ModifyMetadata(
	ctx context.Context, ref, key string, md *MetaData, info git.CommitInfo,
) (string, error) {
	raw, err := MarshalMetaData(md)
	if err != nil {
		return "", err
	}
	p := metadataPath(key)
	written, err := s.repo.Commit(ctx, ref, []git.Change{{Path: p, Data: raw}}, withMessage(info, "modify "+p))
	if err != nil {
		return "", err
	}
	return version(written, p)
}

// AddKey implements Source
func (s *GitSource) AddKey(
	ctx context.Context, ref, key string, data []byte, md *MetaData, info git.CommitInfo,
) (string, string, error) {
	raw, err := MarshalMetaData(md)
	if err != nil {
		return "", "", err
	}
	p := metadataPath(key)
	changes := []git.Change{{Path: p, Data: raw}}
	if !IsDirectoryDefault(key) {
		changes = append(changes, git.Change{Path: key, Data: data})
	}

	written, err := s.repo.Commit(ctx, ref, changes, withMessage(info, "add "+key))
	if err != nil {
		return "", "", err
	}
	metaVersion, err := version(written, p)
	if err != nil {
		return "", "", err
	}
	if IsDirectoryDefault(key) {
		return "", metaVersion, nil
	}
	contentVersion, err := version(written, key)
	if err != nil {
		return "", "", err
	}
	return contentVersion, metaVersion, nil
}

// DeleteKey implements Source
func (s *GitSource) DeleteKey(ctx context.Context, ref, key string, info git.CommitInfo) error {
	changes := []git.Change{{Path: metadataPath(key), Delete: true}}
	if !IsDirectoryDefault(key) {
		changes = append(changes, git.Change{Path: key, Delete: true})
	}
	_, err := s.repo.Commit(ctx, ref, changes, withMessage(info, "delete "+key))
	return err
}

// User implements Source
func (s *GitSource) User(_ context.Context, ref, key string) (string, *UserData, error) {
	return s.extractor.User(ref, key)
}

// PutUser implements Source
func (s *GitSource) PutUser(ctx context.Context, ref, key string, user *UserData, info git.CommitInfo) (string, error) {
	raw, err := MarshalUserData(user)
	if err != nil {
		return "", err
	}
	written, err := s.repo.Commit(ctx, ref, []git.Change{{Path: key, Data: raw}}, withMessage(info, "update user "+key))
	if err != nil {
		return "", err
	}
	return version(written, key)
}

// DeleteUser implements Source
func (s *GitSource) DeleteUser(ctx context.Context, ref, key string, info git.CommitInfo) error {
	_, err := s.repo.Commit(ctx, ref, []git.Change{{Path: key, Delete: true}}, withMessage(info, "delete user "+key))
	return err
}

func withMessage(info git.CommitInfo, message string) git.CommitInfo {
	if info.Message == "" {
		info.Message = message
	}
	return info
}

func version(written map[string]plumbing.Hash, p string) (string, error) {
	hash, ok := written[p]
	if !ok {
		return "", fmt.Errorf("commit did not write %s", p)
	}
	return hash.String(), nil
}
