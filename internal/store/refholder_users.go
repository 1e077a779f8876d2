package store

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/trace"

	"github.com/stacklok/gitkv/internal/git"
	"github.com/stacklok/gitkv/internal/otel"
)

// User returns the credential record at userKeyPath (realm/name) and its
// version. The record is nil when it does not exist.
func (h *RefHolder) User(ctx context.Context, userKeyPath string) (string, *UserData, error) {
	key, err := UserKey(userKeyPath)
	if err != nil {
		return "", nil, err
	}
	ctx, span := otel.StartSpan(ctx, h.tracer, "RefHolder.User",
		trace.WithAttributes(otel.AttrRef.String(h.ref), otel.AttrUser.String(userKeyPath)))
	defer span.End()

	entry, err := h.resolveUser(ctx, key)
	if err != nil {
		otel.RecordError(span, err)
		return "", nil, err
	}
	return entry.version, entry.user.Clone(), nil
}

func (h *RefHolder) resolveUser(ctx context.Context, key string) (userEntry, error) {
	owner := ownerFrom(ctx)
	if entry, ok := h.cached(owner, key); ok {
		if e, ok := entry.(userEntry); ok {
			h.metrics.RecordCacheLookup(ctx, h.ref, true)
			return e, nil
		}
	}
	h.metrics.RecordCacheLookup(ctx, h.ref, false)

	if h.lock.heldBy(owner) {
		return h.loadAndStoreUser(ctx, key)
	}
	v, err, _ := h.loads.Do(key, func() (any, error) {
		return h.loadAndStoreUser(context.WithoutCancel(ctx), key)
	})
	if err != nil {
		return userEntry{}, err
	}
	return v.(userEntry), nil
}

func (h *RefHolder) loadAndStoreUser(ctx context.Context, key string) (userEntry, error) {
	owner := ownerFrom(ctx)
	cache := h.cache.Load()
	gen := cache.generation()
	release := h.lock.rlock(owner)
	version, user, err := h.source.User(ctx, h.ref, key)
	release()
	if err != nil {
		return userEntry{}, err
	}

	h.lock.lock(owner)
	defer h.lock.unlock()
	loaded := userEntry{version: version, user: user}
	if h.cache.Load() != cache {
		return loaded, nil
	}
	if e, ok := cache.putIfCurrent(key, loaded, gen).(userEntry); ok {
		return e, nil
	}
	return loaded, nil
}

// prepareUser replaces a plaintext password with a hash and salt. Without a
// new password the stored hash and salt of previous are kept.
func (h *RefHolder) prepareUser(user, previous *UserData) (*UserData, error) {
	stored := user.Clone()
	if stored.Roles == nil {
		stored.Roles = []Role{}
	}
	switch {
	case stored.BasicPassword != "":
		hash, salt, err := h.hasher.Hash(stored.BasicPassword)
		if err != nil {
			return nil, fmt.Errorf("failed to hash password: %w", err)
		}
		stored.Hash, stored.Salt, stored.BasicPassword = hash, salt, ""
	case stored.Hash == "" && previous != nil:
		if previous.BasicPassword != "" {
			return h.prepareUser(&UserData{Roles: stored.Roles, BasicPassword: previous.BasicPassword}, nil)
		}
		stored.Hash, stored.Salt = previous.Hash, previous.Salt
	}
	return stored, nil
}

func userCommitInfo(username, message string) git.CommitInfo {
	return git.CommitInfo{UserName: username, Message: message}
}

// AddUser creates the credential record at userKeyPath on behalf of
// username and returns its version
func (h *RefHolder) AddUser(ctx context.Context, userKeyPath, username string, user *UserData) (string, error) {
	if user == nil {
		return "", fmt.Errorf("user data cannot be nil")
	}
	key, err := UserKey(userKeyPath)
	if err != nil {
		return "", err
	}
	if err := h.checkWritable(key); err != nil {
		return "", err
	}
	ctx, span := otel.StartSpan(ctx, h.tracer, "RefHolder.AddUser",
		trace.WithAttributes(otel.AttrRef.String(h.ref), otel.AttrUser.String(userKeyPath)))
	defer span.End()

	version, err := lockWrite(ctx, h, key, func(ctx context.Context) (string, error) {
		existing, err := h.resolveUser(ctx, key)
		if err != nil {
			return "", err
		}
		if existing.present() {
			return "", keyAlreadyExists(h.ref, key)
		}
		stored, err := h.prepareUser(user, nil)
		if err != nil {
			return "", err
		}

		var version string
		if err := h.commit(ctx, "add user", key, func() (err error) {
			version, err = h.source.PutUser(ctx, h.ref, key, stored, userCommitInfo(username, "add user "+userKeyPath))
			return err
		}); err != nil {
			return "", err
		}
		h.cache.Load().put(key, userEntry{version: version, user: stored})
		return version, nil
	})
	if err != nil {
		otel.RecordError(span, err)
		return "", err
	}
	return version, nil
}

// UpdateUser replaces the credential record at userKeyPath if it is still at
// expectedVersion and returns the new version
func (h *RefHolder) UpdateUser(
	ctx context.Context, userKeyPath, username string, user *UserData, expectedVersion string,
) (string, error) {
	if user == nil {
		return "", fmt.Errorf("user data cannot be nil")
	}
	key, err := UserKey(userKeyPath)
	if err != nil {
		return "", err
	}
	if err := h.checkWritable(key); err != nil {
		return "", err
	}
	ctx, span := otel.StartSpan(ctx, h.tracer, "RefHolder.UpdateUser",
		trace.WithAttributes(otel.AttrRef.String(h.ref), otel.AttrUser.String(userKeyPath)))
	defer span.End()

	version, err := lockWrite(ctx, h, key, func(ctx context.Context) (string, error) {
		current, err := h.resolveUser(ctx, key)
		if err != nil {
			return "", err
		}
		if !current.present() {
			return "", unsupported(h.ref, key)
		}
		if current.version != expectedVersion {
			return "", h.versionConflict(ctx, key, current.version)
		}
		stored, err := h.prepareUser(user, current.user)
		if err != nil {
			return "", err
		}

		var version string
		if err := h.commit(ctx, "update user", key, func() (err error) {
			version, err = h.source.PutUser(ctx, h.ref, key, stored, userCommitInfo(username, "update user "+userKeyPath))
			return err
		}); err != nil {
			return "", err
		}
		h.cache.Load().put(key, userEntry{version: version, user: stored})
		return version, nil
	})
	if err != nil {
		otel.RecordError(span, err)
		return "", err
	}
	return version, nil
}

// DeleteUser removes the credential record at userKeyPath
func (h *RefHolder) DeleteUser(ctx context.Context, userKeyPath, username string) error {
	key, err := UserKey(userKeyPath)
	if err != nil {
		return err
	}
	if err := h.checkWritable(key); err != nil {
		return err
	}
	ctx, span := otel.StartSpan(ctx, h.tracer, "RefHolder.DeleteUser",
		trace.WithAttributes(otel.AttrRef.String(h.ref), otel.AttrUser.String(userKeyPath)))
	defer span.End()

	_, err = lockWrite(ctx, h, key, func(ctx context.Context) (struct{}, error) {
		current, err := h.resolveUser(ctx, key)
		if err != nil {
			return struct{}{}, err
		}
		if !current.present() {
			return struct{}{}, unsupported(h.ref, key)
		}
		if err := h.commit(ctx, "delete user", key, func() error {
			return h.source.DeleteUser(ctx, h.ref, key, userCommitInfo(username, "delete user "+userKeyPath))
		}); err != nil {
			return struct{}{}, err
		}
		h.cache.Load().put(key, userEntry{})
		return struct{}{}, nil
	})
	if err != nil {
		otel.RecordError(span, err)
	}
	return err
}
