package store

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/stacklok/gitkv/internal/git"
)

// Storage owns one RefHolder per reference. Holders are created on first
// access and dropped when their reference turns out not to exist.
type Storage struct {
	source     Source
	validator  *Validator
	defaultRef string
	holderOpts []HolderOption

	mu      sync.RWMutex
	holders map[string]*RefHolder
}

// StorageOption configures a Storage
type StorageOption func(*Storage)

// WithDefaultRef sets the reference used when a caller names none
func WithDefaultRef(ref string) StorageOption {
	return func(s *Storage) {
		if ref != "" {
			s.defaultRef = NormalizeRef(ref, DefaultRef)
		}
	}
}

// WithHolderOptions sets the options applied to every RefHolder
func WithHolderOptions(opts ...HolderOption) StorageOption {
	return func(s *Storage) {
		s.holderOpts = append(s.holderOpts, opts...)
	}
}

// WithSource replaces the repository-backed source
func WithSource(source Source) StorageOption {
	return func(s *Storage) {
		s.source = source
	}
}

// WithValidatorOptions configures the validator used for health checks
func WithValidatorOptions(opts ...ValidatorOption) StorageOption {
	return func(s *Storage) {
		s.validator = NewValidator(s.validator.repo, opts...)
	}
}

// NewStorage creates a Storage over repo
func NewStorage(repo *git.Repository, opts ...StorageOption) *Storage {
	s := &Storage{
		source:     NewGitSource(repo),
		validator:  NewValidator(repo),
		defaultRef: DefaultRef,
		holders:    make(map[string]*RefHolder),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DefaultRef returns the reference used when a caller names none
func (s *Storage) DefaultRef() string {
	return s.defaultRef
}

// Holder returns the RefHolder for ref, creating it if needed
func (s *Storage) Holder(ref string) *RefHolder {
	ref = NormalizeRef(ref, s.defaultRef)

	s.mu.RLock()
	h, ok := s.holders[ref]
	s.mu.RUnlock()
	if ok {
		return h
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.holders[ref]; ok {
		return h
	}
	h = NewRefHolder(ref, s.source, s.holderOpts...)
	s.holders[ref] = h
	slog.Debug("Created reference holder", "ref", ref)
	return h
}

// Refs returns the references that currently have a holder
func (s *Storage) Refs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.holders))
}

// DeleteRef forgets the holder of ref
func (s *Storage) DeleteRef(ref string) {
	ref = NormalizeRef(ref, s.defaultRef)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.holders, ref)
}

// forget drops h if it is still the holder for its reference and err says
// the reference is gone
func (s *Storage) forget(h *RefHolder, err error) {
	if !errors.Is(err, ErrReferenceNotFound) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.holders[h.Ref()] == h {
		delete(s.holders, h.Ref())
		slog.Debug("Dropped holder of missing reference", "ref", h.Ref())
	}
}

// Read returns key at ref, nil when the key is absent or hidden
func (s *Storage) Read(ctx context.Context, key, ref string) (*StoreInfo, error) {
	h := s.Holder(ref)
	info, err := h.Read(ctx, key)
	s.forget(h, err)
	return info, err
}

// ModifyKey replaces the content of key at ref
func (s *Storage) ModifyKey(
	ctx context.Context, key, ref string, data []byte, expectedVersion string, info git.CommitInfo,
) (string, error) {
	h := s.Holder(ref)
	version, err := h.ModifyKey(ctx, key, data, expectedVersion, info)
	s.forget(h, err)
	return version, err
}

// ModifyMetadata replaces the metadata of key at ref
func (s *Storage) ModifyMetadata(
	ctx context.Context, key, ref string, md *MetaData, expectedVersion string, info git.CommitInfo,
) (string, error) {
	h := s.Holder(ref)
	version, err := h.ModifyMetadata(ctx, key, md, expectedVersion, info)
	s.forget(h, err)
	return version, err
}

// AddKey creates key at ref
func (s *Storage) AddKey(
	ctx context.Context, key, ref string, data []byte, md *MetaData, info git.CommitInfo,
) (string, string, error) {
	h := s.Holder(ref)
	version, metaVersion, err := h.AddKey(ctx, key, data, md, info)
	s.forget(h, err)
	return version, metaVersion, err
}

// DeleteKey removes key at ref
func (s *Storage) DeleteKey(ctx context.Context, key, ref string, info git.CommitInfo) error {
	h := s.Holder(ref)
	err := h.DeleteKey(ctx, key, info)
	s.forget(h, err)
	return err
}

// User returns the credential record at userKeyPath in ref
func (s *Storage) User(ctx context.Context, userKeyPath, ref string) (string, *UserData, error) {
	h := s.Holder(ref)
	version, user, err := h.User(ctx, userKeyPath)
	s.forget(h, err)
	return version, user, err
}

// AddUser creates a credential record in ref
func (s *Storage) AddUser(ctx context.Context, userKeyPath, ref, username string, user *UserData) (string, error) {
	h := s.Holder(ref)
	version, err := h.AddUser(ctx, userKeyPath, username, user)
	s.forget(h, err)
	return version, err
}

// UpdateUser replaces a credential record in ref
func (s *Storage) UpdateUser(
	ctx context.Context, userKeyPath, ref, username string, user *UserData, expectedVersion string,
) (string, error) {
	h := s.Holder(ref)
	version, err := h.UpdateUser(ctx, userKeyPath, username, user, expectedVersion)
	s.forget(h, err)
	return version, err
}

// DeleteUser removes a credential record from ref
func (s *Storage) DeleteUser(ctx context.Context, userKeyPath, ref, username string) error {
	h := s.Holder(ref)
	err := h.DeleteUser(ctx, userKeyPath, username)
	s.forget(h, err)
	return err
}

// Reload reloads the holder of ref if one exists. The returned channel is
// closed when background repopulation has finished.
func (s *Storage) Reload(ctx context.Context, ref string) <-chan struct{} {
	ref = NormalizeRef(ref, s.defaultRef)
	s.mu.RLock()
	h, ok := s.holders[ref]
	s.mu.RUnlock()
	if !ok {
		done := make(chan struct{})
		close(done)
		return done
	}
	return h.Reload(ctx)
}

// ReloadAll reloads every holder. The returned channel is closed when all
// of them have been repopulated.
func (s *Storage) ReloadAll(ctx context.Context) <-chan struct{} {
	s.mu.RLock()
	holders := slices.Collect(maps.Values(s.holders))
	s.mu.RUnlock()

	pending := make([]<-chan struct{}, 0, len(holders))
	for _, h := range holders {
		pending = append(pending, h.Reload(ctx))
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, ch := range pending {
			<-ch
		}
	}()
	return done
}

// Validate runs the startup checks: the default reference must exist when
// the repository has any references, and no snapshot may carry defects
func (s *Storage) Validate(ctx context.Context) error {
	if err := s.validator.ValidateDefaultReferenceExists(s.defaultRef); err != nil {
		return err
	}
	return s.CheckHealth(ctx)
}

// CheckHealth validates every reference and joins the defects found
func (s *Storage) CheckHealth(ctx context.Context) error {
	defects, err := s.validator.ValidateAll(ctx)
	if err != nil {
		return err
	}
	for _, d := range defects {
		slog.Warn("Repository defect", "refs", d.Refs, "path", d.Path, "error", d.Err)
	}
	return DefectsError(defects)
}

// Validator returns the validator used for health checks
func (s *Storage) Validator() *Validator {
	return s.validator
}
