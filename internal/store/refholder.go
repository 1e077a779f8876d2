package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/stacklok/gitkv/internal/auth"
	"github.com/stacklok/gitkv/internal/git"
	"github.com/stacklok/gitkv/internal/otel"
	"github.com/stacklok/gitkv/internal/telemetry"
)

// PasswordHasher turns a plaintext password into a hash and salt
type PasswordHasher interface {
	Hash(password string) (hash, salt string, err error)
}

// RefHolder caches the entries of one reference and admits at most one
// in-flight mutation per key. Reads share a reference-wide read lock;
// mutations and cache inserts take the write side.
type RefHolder struct {
	ref    string
	source Source

	cacheSize         int
	threshold         int64
	reloadConcurrency int
	hasher            PasswordHasher
	metrics           *telemetry.StoreMetrics
	tracer            trace.Tracer

	lock  refLock
	keys  keyLocks
	cache atomic.Pointer[fifoCache]
	loads singleflight.Group
}

// HolderOption configures a RefHolder
type HolderOption func(*RefHolder)

// WithCacheSize sets the number of entries kept per reference
func WithCacheSize(size int) HolderOption {
	return func(h *RefHolder) {
		if size > 0 {
			h.cacheSize = size
		}
	}
}

// WithStreamThreshold sets the content size from which content is streamed
func WithStreamThreshold(threshold int64) HolderOption {
	return func(h *RefHolder) {
		if threshold > 0 {
			h.threshold = threshold
		}
	}
}

// WithReloadConcurrency bounds the number of keys re-resolved in parallel after a reload
func WithReloadConcurrency(n int) HolderOption {
	return func(h *RefHolder) {
		if n > 0 {
			h.reloadConcurrency = n
		}
	}
}

// WithPasswordHasher sets the hasher applied to credential records
func WithPasswordHasher(hasher PasswordHasher) HolderOption {
	return func(h *RefHolder) {
		h.hasher = hasher
	}
}

// WithStoreMetrics sets the metrics recorder
func WithStoreMetrics(m *telemetry.StoreMetrics) HolderOption {
	return func(h *RefHolder) {
		h.metrics = m
	}
}

// WithTracer sets the tracer used for holder spans
func WithTracer(tracer trace.Tracer) HolderOption {
	return func(h *RefHolder) {
		h.tracer = tracer
	}
}

// NewRefHolder creates the holder for ref
func NewRefHolder(ref string, source Source, opts ...HolderOption) *RefHolder {
	h := &RefHolder{
		ref:               ref,
		source:            source,
		cacheSize:         DefaultCacheSize,
		threshold:         DefaultStreamThreshold,
		reloadConcurrency: runtime.GOMAXPROCS(0),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.hasher == nil {
		h.hasher = auth.NewHasher()
	}
	h.cache.Store(newFIFOCache(h.cacheSize))
	return h
}

// Ref returns the reference name
func (h *RefHolder) Ref() string {
	return h.ref
}

// Len returns the number of cached entries, including known-absent ones
func (h *RefHolder) Len() int {
	return h.cache.Load().len()
}

// Read returns the entry for key, or nil when the key is absent or hidden
func (h *RefHolder) Read(ctx context.Context, key string) (*StoreInfo, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	ctx, span := otel.StartSpan(ctx, h.tracer, "RefHolder.Read",
		trace.WithAttributes(otel.AttrRef.String(h.ref), otel.AttrKey.String(key)))
	defer span.End()

	info, err := h.resolve(ctx, key)
	if err != nil {
		otel.RecordError(span, err)
		return nil, err
	}
	return info, nil
}

func (h *RefHolder) cached(owner, key string) (cacheEntry, bool) {
	release := h.lock.rlock(owner)
	defer release()
	return h.cache.Load().get(key)
}

// resolve returns the content entry for key, loading it on a miss.
// Concurrent misses share one load unless the caller holds the write lock,
// in which case waiting on another caller's load could deadlock.
func (h *RefHolder) resolve(ctx context.Context, key string) (*StoreInfo, error) {
	owner := ownerFrom(ctx)
	if entry, ok := h.cached(owner, key); ok {
		h.metrics.RecordCacheLookup(ctx, h.ref, true)
		if e, ok := entry.(contentEntry); ok {
			return e.info, nil
		}
		return nil, nil
	}
	h.metrics.RecordCacheLookup(ctx, h.ref, false)
	slog.Debug("Cache miss", "ref", h.ref, "key", key)

	if h.lock.heldBy(owner) {
		return h.loadAndStore(ctx, key)
	}
	v, err, _ := h.loads.Do(key, func() (any, error) {
		return h.loadAndStore(context.WithoutCancel(ctx), key)
	})
	if err != nil {
		return nil, err
	}
	return v.(*StoreInfo), nil
}

// loadAndStore loads key and caches the result unless the cache was
// replaced or cleared while loading, in which case the result may predate
// the reload and is returned uncached
func (h *RefHolder) loadAndStore(ctx context.Context, key string) (*StoreInfo, error) {
	cache := h.cache.Load()
	gen := cache.generation()
	info, err := h.load(ctx, key)
	if err != nil {
		return nil, err
	}

	h.lock.lock(ownerFrom(ctx))
	defer h.lock.unlock()
	if h.cache.Load() != cache {
		slog.Debug("Cache reloaded during load, not caching", "ref", h.ref, "key", key)
		return info, nil
	}
	if e, ok := cache.putIfCurrent(key, contentEntry{info: info}, gen).(contentEntry); ok {
		return e.info, nil
	}
	return info, nil
}

// load resolves key from the source and applies the visibility rules
func (h *RefHolder) load(ctx context.Context, key string) (*StoreInfo, error) {
	release := h.lock.rlock(ownerFrom(ctx))
	src, err := h.source.SourceInfo(ctx, h.ref, key)
	release()
	if err != nil {
		return nil, err
	}
	if src == nil {
		return nil, nil
	}

	md, err := src.ReadMetaData()
	if err != nil {
		return nil, err
	}
	if md.Hidden {
		return nil, nil
	}

	info := &StoreInfo{MetaData: md, MetaVersion: src.MetaDataVersion()}
	if !src.IsDirectoryDefault() {
		content, err := contentFromHandle(src.Data, h.threshold)
		if err != nil {
			return nil, err
		}
		info.Content = content
		info.Version = src.ContentVersion()
	}
	return storable(key, info), nil
}

// lockKey claims key for the caller and takes the write lock. A key claimed
// by another mutation context fails immediately.
//
// The claim is dropped before the write lock is released, so a competitor
// arriving in between claims the key and queues on the write lock instead of
// failing.
func (h *RefHolder) lockKey(ctx context.Context, key string) (func(), error) {
	owner := ownerFrom(ctx)
	ok, claimed := h.keys.register(key, owner)
	if !ok {
		h.metrics.RecordLockFailure(ctx, h.ref)
		slog.Debug("Key is locked by another mutation", "ref", h.ref, "key", key)
		return nil, failedToLock(h.ref, key)
	}
	h.lock.lock(owner)
	return func() {
		if claimed {
			h.keys.release(key)
		}
		h.lock.unlock()
	}, nil
}

// lockWrite runs fn as the only mutation in flight for key
func lockWrite[T any](ctx context.Context, h *RefHolder, key string, fn func(context.Context) (T, error)) (T, error) {
	ctx = WithOwner(ctx)
	unlock, err := h.lockKey(ctx, key)
	if err != nil {
		var zero T
		return zero, err
	}
	defer unlock()
	return fn(ctx)
}

// WriteAll runs fn holding the reference write lock, waiting for it if
// needed. Mutations made by fn through ctx are reentrant.
func (h *RefHolder) WriteAll(ctx context.Context, fn func(context.Context) error) error {
	ctx = WithOwner(ctx)
	h.lock.lock(ownerFrom(ctx))
	defer h.lock.unlock()
	return fn(ctx)
}

// TryWriteAll runs fn holding the reference write lock if it is free right
// now and fails with ErrFailedToLock otherwise
func (h *RefHolder) TryWriteAll(ctx context.Context, fn func(context.Context) error) error {
	ctx = WithOwner(ctx)
	if !h.lock.tryLock(ownerFrom(ctx)) {
		h.metrics.RecordLockFailure(ctx, h.ref)
		return failedToLock(h.ref, "")
	}
	defer h.lock.unlock()
	return fn(ctx)
}

// Clear drops every cached entry
func (h *RefHolder) Clear(ctx context.Context) {
	_ = h.WriteAll(ctx, func(context.Context) error {
		h.cache.Load().clear()
		return nil
	})
}

func (h *RefHolder) checkWritable(key string) error {
	if IsTag(h.ref) {
		return unsupported(h.ref, key)
	}
	return nil
}

// commit times one call into the source
func (h *RefHolder) commit(ctx context.Context, op, key string, fn func() error) error {
	start := time.Now()
	err := fn()
	h.metrics.RecordCommitDuration(ctx, h.ref, op, time.Since(start), err == nil)
	if err != nil {
		return fmt.Errorf("failed to %s %s in %s: %w", op, key, h.ref, err)
	}
	return nil
}

func (h *RefHolder) opener(version string) func() (io.ReadCloser, error) {
	return func() (io.ReadCloser, error) {
		return h.source.Open(version)
	}
}

func (h *RefHolder) versionConflict(ctx context.Context, key, current string) error {
	h.metrics.RecordVersionConflict(ctx, h.ref)
	return fmt.Errorf("%w: %s in %s is at version %s", ErrVersionConflict, key, h.ref, current)
}

// ModifyKey replaces the content of key if its content version is still
// expectedVersion and returns the new version. Metadata is kept.
func (h *RefHolder) ModifyKey(
	ctx context.Context, key string, data []byte, expectedVersion string, info git.CommitInfo,
) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	if err := h.checkWritable(key); err != nil {
		return "", err
	}
	ctx, span := otel.StartSpan(ctx, h.tracer, "RefHolder.ModifyKey",
		trace.WithAttributes(otel.AttrRef.String(h.ref), otel.AttrKey.String(key)))
	defer span.End()

	version, err := lockWrite(ctx, h, key, func(ctx context.Context) (string, error) {
		current, err := h.resolve(ctx, key)
		if err != nil {
			return "", err
		}
		if current == nil || !current.IsNormalKey() || current.MetaData.Protected {
			return "", unsupported(h.ref, key)
		}
		if current.Version != expectedVersion {
			return "", h.versionConflict(ctx, key, current.Version)
		}

		var version string
		if err := h.commit(ctx, "modify", key, func() (err error) {
			version, err = h.source.ModifyKey(ctx, h.ref, key, data, info)
			return err
		}); err != nil {
			return "", err
		}

		content := contentFromWrite(data, h.threshold, h.opener(version))
		h.cache.Load().put(key, contentEntry{info: current.withContent(content, version)})
		return version, nil
	})
	if err != nil {
		otel.RecordError(span, err)
		return "", err
	}
	span.SetAttributes(otel.AttrVersion.String(version))
	return version, nil
}

// DeleteKey removes key and records it as absent. The removal is committed
// whatever the entry's metadata says.
func (h *RefHolder) DeleteKey(ctx context.Context, key string, info git.CommitInfo) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := h.checkWritable(key); err != nil {
		return err
	}
	ctx, span := otel.StartSpan(ctx, h.tracer, "RefHolder.DeleteKey",
		trace.WithAttributes(otel.AttrRef.String(h.ref), otel.AttrKey.String(key)))
	defer span.End()

	_, err := lockWrite(ctx, h, key, func(ctx context.Context) (struct{}, error) {
		if err := h.commit(ctx, "delete", key, func() error {
			return h.source.DeleteKey(ctx, h.ref, key, info)
		}); err != nil {
			return struct{}{}, err
		}

		cache := h.cache.Load()
		if IsDirectoryDefault(key) {
			cache.clear()
		}
		cache.put(key, contentEntry{})
		return struct{}{}, nil
	})
	if err != nil {
		otel.RecordError(span, err)
	}
	return err
}

// checkPlainKey fails when key is a directory default and the key of the
// same name without the trailing slash is present
func (h *RefHolder) checkPlainKey(ctx context.Context, key string) error {
	if !IsDirectoryDefault(key) {
		return nil
	}
	plain, err := h.resolve(ctx, strings.TrimSuffix(key, "/"))
	if err != nil {
		return err
	}
	if plain != nil {
		return keyAlreadyExists(h.ref, key)
	}
	return nil
}

// ModifyMetadata replaces the metadata of key if its metadata version is
// still expectedVersion and returns the new metadata version. Changing a
// directory default clears the whole reference cache.
func (h *RefHolder) ModifyMetadata(
	ctx context.Context, key string, md *MetaData, expectedVersion string, info git.CommitInfo,
) (string, error) {
	if md == nil {
		return "", fmt.Errorf("metadata cannot be nil")
	}
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	if err := h.checkWritable(key); err != nil {
		return "", err
	}
	ctx, span := otel.StartSpan(ctx, h.tracer, "RefHolder.ModifyMetadata",
		trace.WithAttributes(otel.AttrRef.String(h.ref), otel.AttrKey.String(key)))
	defer span.End()

	version, err := lockWrite(ctx, h, key, func(ctx context.Context) (string, error) {
		if err := h.checkPlainKey(ctx, key); err != nil {
			return "", err
		}
		current, err := h.resolve(ctx, key)
		if err != nil {
			return "", err
		}
		if current == nil || current.MetaData.Protected {
			return "", unsupported(h.ref, key)
		}
		if current.MetaVersion != expectedVersion {
			return "", h.versionConflict(ctx, key, current.MetaVersion)
		}

		var version string
		if err := h.commit(ctx, "modify metadata", key, func() (err error) {
			version, err = h.source.ModifyMetadata(ctx, h.ref, key, md, info)
			return err
		}); err != nil {
			return "", err
		}

		cache := h.cache.Load()
		if current.IsDirectoryDefault() {
			slog.Info("Directory default changed, clearing reference cache", "ref", h.ref, "key", key)
			cache.clear()
		}
		cache.put(key, contentEntry{info: storable(key, current.withMetaData(md, version))})
		return version, nil
	})
	if err != nil {
		otel.RecordError(span, err)
		return "", err
	}
	span.SetAttributes(otel.AttrVersion.String(version))
	return version, nil
}

// AddKey creates key with data and metadata and returns the content and
// metadata versions. For a directory default data is ignored and the
// content version is empty.
func (h *RefHolder) AddKey(
	ctx context.Context, key string, data []byte, md *MetaData, info git.CommitInfo,
) (string, string, error) {
	if md == nil {
		return "", "", fmt.Errorf("metadata cannot be nil")
	}
	if err := ValidateKey(key); err != nil {
		return "", "", err
	}
	if err := h.checkWritable(key); err != nil {
		return "", "", err
	}
	ctx, span := otel.StartSpan(ctx, h.tracer, "RefHolder.AddKey",
		trace.WithAttributes(otel.AttrRef.String(h.ref), otel.AttrKey.String(key)))
	defer span.End()

	type versions struct{ content, meta string }
	v, err := lockWrite(ctx, h, key, func(ctx context.Context) (versions, error) {
		if err := h.checkPlainKey(ctx, key); err != nil {
			return versions{}, err
		}
		// hidden keys resolve as absent but still occupy the path
		existing, err := h.source.SourceInfo(ctx, h.ref, key)
		if err != nil {
			return versions{}, err
		}
		if existing != nil {
			return versions{}, keyAlreadyExists(h.ref, key)
		}

		var v versions
		if err := h.commit(ctx, "add", key, func() (err error) {
			v.content, v.meta, err = h.source.AddKey(ctx, h.ref, key, data, md, info)
			return err
		}); err != nil {
			if errors.Is(err, git.ErrPathConflict) {
				return versions{}, fmt.Errorf("%w: %w", ErrKeyAlreadyExists, err)
			}
			return versions{}, err
		}

		added := &StoreInfo{MetaData: md, MetaVersion: v.meta}
		if !IsDirectoryDefault(key) {
			added.Content = contentFromWrite(data, h.threshold, h.opener(v.content))
			added.Version = v.content
		}

		cache := h.cache.Load()
		if IsDirectoryDefault(key) {
			cache.clear()
		}
		cache.put(key, contentEntry{info: storable(key, added)})
		return v, nil
	})
	if err != nil {
		otel.RecordError(span, err)
		return "", "", err
	}
	return v.content, v.meta, nil
}

// Reload swaps in an empty cache and repopulates it in the background with
// the keys that were present before. The returned channel is closed when
// repopulation has finished.
func (h *RefHolder) Reload(ctx context.Context) <-chan struct{} {
	var keys []string
	var fresh *fifoCache
	_ = h.WriteAll(ctx, func(context.Context) error {
		fresh = newFIFOCache(h.cacheSize)
		old := h.cache.Swap(fresh)
		old.each(func(key string, value cacheEntry) {
			switch e := value.(type) {
			case contentEntry:
				if e.present() {
					keys = append(keys, key)
				}
			case userEntry:
				if e.present() {
					keys = append(keys, key)
				}
			}
		})
		return nil
	})

	slog.Info("Reloading reference", "ref", h.ref, "keys", len(keys))
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.repopulate(withoutOwner(context.WithoutCancel(ctx)), fresh, keys)
	}()
	return done
}

func (h *RefHolder) repopulate(ctx context.Context, cache *fifoCache, keys []string) {
	var g errgroup.Group
	g.SetLimit(h.reloadConcurrency)
	var failed atomic.Int64

	for _, key := range keys {
		g.Go(func() error {
			gen := cache.generation()
			var entry cacheEntry
			if IsUserKey(key) {
				version, user, err := h.source.User(ctx, h.ref, key)
				if err != nil {
					failed.Add(1)
					slog.Error("Failed to reload credential", "ref", h.ref, "key", key, "error", err)
					return err
				}
				entry = userEntry{version: version, user: user}
			} else {
				info, err := h.load(ctx, key)
				if err != nil {
					failed.Add(1)
					slog.Error("Failed to reload key", "ref", h.ref, "key", key, "error", err)
					return err
				}
				entry = contentEntry{info: info}
			}
			cache.putIfCurrent(key, entry, gen)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		slog.Error("Reference reload incomplete", "ref", h.ref, "failed", failed.Load(), "keys", len(keys))
		return
	}
	slog.Debug("Reference reloaded", "ref", h.ref, "keys", len(keys))
}

func withoutOwner(ctx context.Context) context.Context {
	return context.WithValue(ctx, ownerKey{}, "")
}
