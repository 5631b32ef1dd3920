// Package backend defines the capability set that every OpenFS storage
// backend (local disk, in-memory, object store, relational table, remote
// HTTP) must satisfy. The VFS core (internal/router, internal/cachedbackend)
// only ever talks to backends through this interface; concrete backends are
// external collaborators per the project's scope and are specified here only
// by contract.
package backend

import (
	"context"
	"time"
)

// Entry describes a path's metadata, as produced by List and Stat.
// Immutable once returned.
type Entry struct {
	Path     string
	Name     string
	IsDir    bool
	Size     int64
	HasSize  bool
	Modified time.Time
	HasMtime bool
}

// Backend is the capability set a storage backend must implement. All
// operations take absolute, '/'-separated paths; empty path components are
// never passed in, and '.'/'..' are not interpreted here (callers are
// expected to have already normalized and validated paths, see
// internal/router).
type Backend interface {
	// Read returns the full content at path, or a NotFound vfserror.Error
	// if it doesn't exist.
	Read(ctx context.Context, path string) ([]byte, error)

	// ReadWithCasToken returns the content at path along with an opaque
	// CAS token describing its current version, for use in a subsequent
	// CompareAndSwap call. Backends without native versioning may return
	// a nil token; CompareAndSwap's default behavior treats a nil
	// expected token as "create if absent".
	ReadWithCasToken(ctx context.Context, path string) ([]byte, []byte, error)

	// Write creates or fully overwrites path with content.
	Write(ctx context.Context, path string, content []byte) error

	// CompareAndSwap writes content to path only if the path's current
	// CAS token matches expected (nil expected means "path must not
	// already exist"). On success it returns the new token. On mismatch
	// it returns a Conflict vfserror.Error.
	CompareAndSwap(ctx context.Context, path string, expected, content []byte) ([]byte, error)

	// Append appends content to the existing bytes at path. Backends
	// without a native append should implement this as read-modify-write.
	Append(ctx context.Context, path string, content []byte) error

	// Delete removes path, or returns NotFound if it doesn't exist.
	Delete(ctx context.Context, path string) error

	// List returns the entries immediately under path: directories first,
	// then files, lexicographic within each group.
	List(ctx context.Context, path string) ([]Entry, error)

	// Exists reports whether path exists.
	Exists(ctx context.Context, path string) (bool, error)

	// Stat returns metadata for path, or NotFound if it doesn't exist.
	Stat(ctx context.Context, path string) (Entry, error)

	// Rename moves the content at from to to. The default behavior
	// (read+write+delete) is non-atomic; backends that can do better
	// should override it.
	Rename(ctx context.Context, from, to string) error
}
