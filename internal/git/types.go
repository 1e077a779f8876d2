package git

import (
	"errors"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

var (
	// ErrReferenceNotFound is returned when a branch or tag does not exist
	ErrReferenceNotFound = errors.New("reference not found")
	// ErrReadOnlyReference is returned when a commit targets a tag
	ErrReadOnlyReference = errors.New("reference is read-only")
	// ErrReferenceExists is returned when creating a reference that already exists
	ErrReferenceExists = errors.New("reference already exists")
	// ErrPathConflict is returned when a commit would place a file and a directory at one path
	ErrPathConflict = errors.New("path is both a file and a directory")
)

const (
	// DefaultCommitterName is used when a commit carries no author name
	DefaultCommitterName = "gitkv"
	// DefaultCommitterMail is used when a commit carries no author mail
	DefaultCommitterMail = "gitkv@nowhere"
)

// CommitInfo describes who makes a change and why
type CommitInfo struct {
	// UserName and UserMail identify the author of the change
	UserName string
	UserMail string

	// Message is the commit message
	Message string

	// ProxyName and ProxyMail identify the committer when the change is
	// made on behalf of the author (for example by an API user)
	ProxyName string
	ProxyMail string

	// When is the commit time. Zero means now.
	When time.Time
}

// Change is a single path update inside a commit. A Change with Delete set
// removes the path; otherwise Data becomes the new blob content.
type Change struct {
	Path   string
	Data   []byte
	Delete bool
}

// Snapshot is the resolved state of one reference
type Snapshot struct {
	// Reference is the fully qualified reference name
	Reference plumbing.ReferenceName

	// Commit is the commit the reference points at. It is the zero hash
	// when the reference carries no commits yet.
	Commit plumbing.Hash

	// Tree is the root tree of the commit, nil when Commit is zero
	Tree *object.Tree
}

// Empty reports whether the snapshot has no commit behind it
func (s *Snapshot) Empty() bool {
	return s == nil || s.Tree == nil
}

// ID returns the snapshot identifier (the root tree hash)
func (s *Snapshot) ID() plumbing.Hash {
	if s.Empty() {
		return plumbing.ZeroHash
	}
	return s.Tree.Hash
}

func (c CommitInfo) author() object.Signature {
	when := c.When
	if when.IsZero() {
		when = time.Now()
	}
	name, mail := c.UserName, c.UserMail
	if name == "" {
		name = DefaultCommitterName
	}
	if mail == "" {
		mail = DefaultCommitterMail
	}
	return object.Signature{Name: name, Email: mail, When: when}
}

func (c CommitInfo) committer() object.Signature {
	if c.ProxyName == "" && c.ProxyMail == "" {
		return c.author()
	}
	sig := c.author()
	if c.ProxyName != "" {
		sig.Name = c.ProxyName
	}
	if c.ProxyMail != "" {
		sig.Email = c.ProxyMail
	}
	return sig
}

func (c CommitInfo) message(fallback string) string {
	if c.Message == "" {
		return fallback
	}
	return c.Message
}
