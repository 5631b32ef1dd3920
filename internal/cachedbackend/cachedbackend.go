// Package cachedbackend implements the orchestrator that composes an
// internal/lrucache.Cache and an internal/syncengine.Engine around an inner
// backend.Backend, the way the teacher's disk.Cache composes a SizedLRU
// around an optional cache.Proxy backend (cache/disk/disk.go) - except
// OpenFS generalizes "optional proxy" into the four explicit sync modes
// spec names (None, WriteThrough, WriteBack, PullMirror) and adds
// synchronous CAS pass-through, since the teacher's disk cache has no CAS
// concept.
package cachedbackend

import (
	"context"

	"github.com/openfs/openfs/backend"
	"github.com/openfs/openfs/internal/lrucache"
	"github.com/openfs/openfs/internal/metrics"
	"github.com/openfs/openfs/internal/openfslog"
	"github.com/openfs/openfs/internal/syncengine"
	"github.com/openfs/openfs/internal/vfserror"
)

// CachedBackend wraps an inner backend.Backend with a bounded content cache
// and a synchronization policy. It exclusively owns its cache and its
// SyncEngine; the SyncEngine is shared by exactly one CachedBackend.
type CachedBackend struct {
	inner        backend.Backend
	cache        *lrucache.Cache
	sync         *syncengine.Engine
	mode         syncengine.Mode
	readOnly     bool
	accessLogger openfslog.Logger
	errorLogger  openfslog.Logger

	// lastEvictions/lastExpirations are the cumulative lrucache.Stats
	// counts as of the previous reportCacheStats call, so the promauto
	// counters (which only support monotonic Add, not Set) receive the
	// delta rather than the running total.
	lastEvictions   int64
	lastExpirations int64
}

// Option configures optional CachedBackend behavior, following the
// teacher's disk.Cache functional-options pattern (cache/disk/options.go).
type Option func(*CachedBackend)

// WithAccessLogger sets the logger CachedBackend reports reads/writes to.
func WithAccessLogger(logger openfslog.Logger) Option {
	return func(cb *CachedBackend) { cb.accessLogger = logger }
}

// WithErrorLogger sets the logger CachedBackend reports inner-backend
// failures to.
func WithErrorLogger(logger openfslog.Logger) Option {
	return func(cb *CachedBackend) { cb.errorLogger = logger }
}

// New returns a CachedBackend wrapping inner. mode and readOnly are
// orthogonal: PullMirror implies read-only semantics, but readOnly can also
// be set independently on any mode.
func New(inner backend.Backend, cache *lrucache.Cache, sync *syncengine.Engine, mode syncengine.Mode, readOnly bool, opts ...Option) *CachedBackend {
	cb := &CachedBackend{
		inner:        inner,
		cache:        cache,
		sync:         sync,
		mode:         mode,
		readOnly:     readOnly || mode == syncengine.ModePullMirror,
		accessLogger: openfslog.Discard(),
		errorLogger:  openfslog.Discard(),
	}
	for _, opt := range opts {
		opt(cb)
	}
	if sync != nil && mode == syncengine.ModeWriteBack {
		sync.StartFlush(func(ctx context.Context, path string, content []byte, hasContent bool) error {
			if hasContent {
				return inner.Write(ctx, path, content)
			}
			return inner.Delete(ctx, path)
		})
	}
	return cb
}

func (cb *CachedBackend) reportCacheStats() {
	s := cb.cache.Stats()
	metrics.ReportCacheSnapshot(metrics.CacheSnapshot{CurrentEntries: s.CurrentEntries, CurrentBytes: s.CurrentBytes})

	if delta := s.Evictions - cb.lastEvictions; delta > 0 {
		metrics.CacheEvictions.Add(float64(delta))
		cb.lastEvictions = s.Evictions
	}
	if delta := s.Expirations - cb.lastExpirations; delta > 0 {
		metrics.CacheExpirations.Add(float64(delta))
		cb.lastExpirations = s.Expirations
	}
}

// Read returns cached bytes if present and unexpired; otherwise it
// delegates to the inner backend and populates the cache on success.
func (cb *CachedBackend) Read(ctx context.Context, path string) ([]byte, error) {
	if content, ok := cb.cache.Get(path); ok {
		metrics.CacheHits.Inc()
		cb.accessLogger.Printf("cachedbackend: read %q (cache hit)", path)
		return content, nil
	}
	metrics.CacheMisses.Inc()

	content, err := cb.inner.Read(ctx, path)
	if err != nil {
		cb.errorLogger.Printf("cachedbackend: read %q failed: %v", path, err)
		return nil, err
	}
	cb.cache.Put(path, content)
	cb.reportCacheStats()
	cb.accessLogger.Printf("cachedbackend: read %q (cache miss, populated)", path)
	return content, nil
}

// ReadWithCasToken bypasses the cache entirely: CAS round-trips need fresh
// state from the inner backend, never a cached copy.
func (cb *CachedBackend) ReadWithCasToken(ctx context.Context, path string) ([]byte, []byte, error) {
	return cb.inner.ReadWithCasToken(ctx, path)
}

// Write applies the configured sync mode's write policy.
func (cb *CachedBackend) Write(ctx context.Context, path string, content []byte) error {
	if cb.readOnly {
		return vfserror.New(vfserror.ReadOnly, path, "mount is read-only")
	}

	switch cb.mode {
	case syncengine.ModePullMirror:
		return vfserror.New(vfserror.ReadOnly, path, "pull-mirror mounts accept no writes")

	case syncengine.ModeWriteBack:
		cb.cache.Put(path, content)
		cb.reportCacheStats()
		if err := cb.sync.QueueWrite(path, content); err != nil {
			cb.errorLogger.Printf("cachedbackend: queue write %q failed: %v", path, err)
			return err
		}
		cb.accessLogger.Printf("cachedbackend: write %q queued (write-back)", path)
		return nil

	default: // ModeNone, ModeWriteThrough
		if err := cb.inner.Write(ctx, path, content); err != nil {
			cb.errorLogger.Printf("cachedbackend: write %q failed: %v", path, err)
			return err
		}
		cb.cache.Put(path, content)
		cb.reportCacheStats()
		cb.accessLogger.Printf("cachedbackend: write %q", path)
		return nil
	}
}

// CompareAndSwap is never routed through the write-back queue: CAS requires
// synchronous contact with the inner backend to observe the current token.
func (cb *CachedBackend) CompareAndSwap(ctx context.Context, path string, expected, content []byte) ([]byte, error) {
	if cb.readOnly {
		return nil, vfserror.New(vfserror.ReadOnly, path, "mount is read-only")
	}

	token, err := cb.inner.CompareAndSwap(ctx, path, expected, content)
	if err != nil {
		cb.errorLogger.Printf("cachedbackend: compare-and-swap %q failed: %v", path, err)
		return nil, err
	}
	cb.cache.Put(path, content)
	cb.reportCacheStats()
	return token, nil
}

// Append never queues a raw append onto the WAL - see spec's recovery
// rules: Append isn't idempotent, so the full new content is resolved
// first and queued as a Write.
func (cb *CachedBackend) Append(ctx context.Context, path string, content []byte) error {
	if cb.readOnly {
		return vfserror.New(vfserror.ReadOnly, path, "mount is read-only")
	}

	if cb.mode == syncengine.ModePullMirror {
		return vfserror.New(vfserror.ReadOnly, path, "pull-mirror mounts accept no writes")
	}

	if cb.mode == syncengine.ModeWriteBack {
		current, ok := cb.cache.Get(path)
		if !ok {
			var err error
			current, err = cb.inner.Read(ctx, path)
			if err != nil && !vfserror.Is(err, vfserror.NotFound) {
				return err
			}
		}
		full := append(append([]byte{}, current...), content...)
		cb.cache.Put(path, full)
		cb.reportCacheStats()
		return cb.sync.QueueWrite(path, full)
	}

	if err := cb.inner.Append(ctx, path, content); err != nil {
		return err
	}
	// The new size isn't knowable locally; invalidate rather than guess.
	cb.cache.Remove(path)
	cb.reportCacheStats()
	return nil
}

// Delete removes path from the cache and, depending on mode, from the
// inner backend synchronously or via the write-back queue.
func (cb *CachedBackend) Delete(ctx context.Context, path string) error {
	if cb.readOnly {
		return vfserror.New(vfserror.ReadOnly, path, "mount is read-only")
	}

	cb.cache.Remove(path)
	cb.reportCacheStats()

	if cb.mode == syncengine.ModePullMirror {
		return vfserror.New(vfserror.ReadOnly, path, "pull-mirror mounts accept no writes")
	}
	if cb.mode == syncengine.ModeWriteBack {
		return cb.sync.QueueDelete(path)
	}
	return cb.inner.Delete(ctx, path)
}

// List passes through to the inner backend; directory listings are never
// cached.
func (cb *CachedBackend) List(ctx context.Context, path string) ([]backend.Entry, error) {
	return cb.inner.List(ctx, path)
}

// Exists short-circuits to true on a cache hit; otherwise it delegates to
// the inner backend.
func (cb *CachedBackend) Exists(ctx context.Context, path string) (bool, error) {
	if cb.cache.Contains(path) {
		return true, nil
	}
	return cb.inner.Exists(ctx, path)
}

// Stat passes through to the inner backend; metadata is never cached.
func (cb *CachedBackend) Stat(ctx context.Context, path string) (backend.Entry, error) {
	return cb.inner.Stat(ctx, path)
}

// Rename delegates to the inner backend and invalidates both paths from
// the cache, since a cached value under `from` is no longer valid and
// `to`'s previous cached value (if any) is stale.
func (cb *CachedBackend) Rename(ctx context.Context, from, to string) error {
	if cb.readOnly {
		return vfserror.New(vfserror.ReadOnly, from, "mount is read-only")
	}
	if err := cb.inner.Rename(ctx, from, to); err != nil {
		return err
	}
	cb.cache.Remove(from)
	cb.cache.Remove(to)
	cb.reportCacheStats()
	return nil
}

// Shutdown drains the sync engine's pending WAL entries before returning
// control, if this CachedBackend owns one.
func (cb *CachedBackend) Shutdown() {
	if cb.sync != nil {
		cb.sync.Shutdown()
	}
}

// CacheStats exposes the underlying cache's stats for inspection.
func (cb *CachedBackend) CacheStats() lrucache.Stats {
	return cb.cache.Stats()
}

// SyncStats exposes the underlying sync engine's stats, or a Stats holding
// only this CachedBackend's mode (all counters zero) if it has no
// SyncEngine.
func (cb *CachedBackend) SyncStats() syncengine.Stats {
	if cb.sync == nil {
		return syncengine.Stats{Mode: cb.mode}
	}
	return cb.sync.Stats()
}

var _ backend.Backend = (*CachedBackend)(nil)
