package git

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// TestRepoConfig contains configuration for creating a test repository
type TestRepoConfig struct {
	Files  map[string]string // Map of filename to content
	Branch string            // Branch to create, "master" if empty
}

// NewTestRepository creates an in-memory repository with one commit on the
// configured branch holding the given files
func NewTestRepository(t *testing.T, config TestRepoConfig) *Repository {
	t.Helper()

	repo, err := NewInMemory()
	if err != nil {
		t.Fatalf("Failed to create repository: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	if config.Files == nil {
		return repo
	}

	branch := config.Branch
	if branch == "" {
		branch = "master"
	}

	changes := make([]Change, 0, len(config.Files))
	for name, content := range config.Files {
		changes = append(changes, Change{Path: name, Data: []byte(content)})
	}
	if _, err := repo.CreateReference(context.Background(), "refs/heads/"+branch, changes, CommitInfo{
		UserName: "Test Author",
		UserMail: "test@example.com",
		Message:  "Initial commit",
	}); err != nil {
		t.Fatalf("Failed to create branch %s: %v", branch, err)
	}
	return repo
}

// CreateTestRepoOnDisk creates a non-bare repository in a temporary directory
// using a regular worktree commit and returns its path
func CreateTestRepoOnDisk(t *testing.T, files map[string]string) string {
	t.Helper()

	repoDir := t.TempDir()

	repo, err := git.PlainInit(repoDir, false)
	if err != nil {
		t.Fatalf("Failed to init repository: %v", err)
	}

	workTree, err := repo.Worktree()
	if err != nil {
		t.Fatalf("Failed to get worktree: %v", err)
	}

	for filename, content := range files {
		filePath := filepath.Join(repoDir, filename)

		if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
			t.Fatalf("Failed to create directory for %s: %v", filename, err)
		}
		if err := os.WriteFile(filePath, []byte(content), 0644); err != nil {
			t.Fatalf("Failed to write file %s: %v", filename, err)
		}
		if _, err := workTree.Add(filename); err != nil {
			t.Fatalf("Failed to add file %s: %v", filename, err)
		}
	}

	_, err = workTree.Commit("Initial commit", &git.CommitOptions{
		Author: &object.Signature{
			Name:  "Test Author",
			Email: "test@example.com",
		},
	})
	if err != nil {
		t.Fatalf("Failed to commit: %v", err)
	}

	return repoDir
}
