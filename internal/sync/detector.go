package sync

import (
	"maps"
	"slices"
	gosync "sync"

	"github.com/go-git/go-git/v5/plumbing"
)

// TargetLister lists the hash every reference points at
type TargetLister interface {
	Targets() (map[string]plumbing.Hash, error)
}

// Changes is the outcome of one poll. Every list is sorted.
type Changes struct {
	Moved   []string
	Created []string
	Deleted []string
}

// Empty reports whether nothing changed
func (c Changes) Empty() bool {
	return len(c.Moved) == 0 && len(c.Created) == 0 && len(c.Deleted) == 0
}

// ChangeDetector compares reference targets between polls
type ChangeDetector struct {
	repo TargetLister

	mu   gosync.Mutex
	last map[string]plumbing.Hash
}

// NewChangeDetector creates a detector over repo
func NewChangeDetector(repo TargetLister) *ChangeDetector {
	return &ChangeDetector{repo: repo}
}

// Detect lists the current targets and compares them with the previous
// call. The first call records the baseline and reports no changes. On
// error the baseline is kept.
func (d *ChangeDetector) Detect() (Changes, error) {
	current, err := d.repo.Targets()
	if err != nil {
		return Changes{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	previous := d.last
	d.last = current
	if previous == nil {
		return Changes{}, nil
	}

	var changes Changes
	for ref, hash := range current {
		old, ok := previous[ref]
		switch {
		case !ok:
			changes.Created = append(changes.Created, ref)
		case old != hash:
			changes.Moved = append(changes.Moved, ref)
		}
	}
	for ref := range previous {
		if _, ok := current[ref]; !ok {
			changes.Deleted = append(changes.Deleted, ref)
		}
	}
	slices.Sort(changes.Moved)
	slices.Sort(changes.Created)
	slices.Sort(changes.Deleted)
	return changes, nil
}

// Baseline returns a copy of the targets recorded by the last poll
func (d *ChangeDetector) Baseline() map[string]plumbing.Hash {
	d.mu.Lock()
	defer d.mu.Unlock()
	return maps.Clone(d.last)
}
