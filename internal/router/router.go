// Package router resolves normalized paths to mounted backends by
// longest-prefix match, the way a mount table should: deterministically, and
// without needing the caller to know which mount owns a path in advance.
package router

import (
	"sort"
	"strings"

	"github.com/openfs/openfs/backend"
	"github.com/openfs/openfs/internal/openfslog"
	"github.com/openfs/openfs/internal/vfserror"
)

// Mount is a (prefix, backend, read-only) triple installed in the Router.
// Path must be absolute with no trailing slash, except for the root mount
// "/". The Router assumes mounts have already been validated as
// non-overlapping (no mount's path is a strict prefix of another's, except
// that the root mount may coexist with deeper ones) - that validation is the
// configuration layer's responsibility, not the Router's.
type Mount struct {
	Path     string
	Backend  backend.Backend
	ReadOnly bool
}

// Router holds a sequence of Mounts sorted by descending path length, so
// the first match scanned is always the longest-prefix match.
type Router struct {
	mounts       []Mount
	accessLogger openfslog.Logger
	errorLogger  openfslog.Logger
}

// Option configures optional Router behavior, following the teacher's
// disk.Cache functional-options pattern (cache/disk/options.go).
type Option func(*Router)

// WithAccessLogger sets the logger Resolve reports successful lookups to.
func WithAccessLogger(logger openfslog.Logger) Option {
	return func(r *Router) { r.accessLogger = logger }
}

// WithErrorLogger sets the logger Resolve reports NoMount failures to.
func WithErrorLogger(logger openfslog.Logger) Option {
	return func(r *Router) { r.errorLogger = logger }
}

// New returns a Router over the given mounts, sorted for longest-prefix
// resolution.
func New(mounts []Mount, opts ...Option) *Router {
	sorted := make([]Mount, len(mounts))
	copy(sorted, mounts)
	sort.SliceStable(sorted, func(i, j int) bool {
		return len(sorted[i].Path) > len(sorted[j].Path)
	})
	r := &Router{mounts: sorted, accessLogger: openfslog.Discard(), errorLogger: openfslog.Discard()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Normalize ensures path has a leading slash and strips any trailing slash,
// unless the path is exactly "/". Normalization is idempotent.
func Normalize(path string) string {
	if path == "" {
		return "/"
	}
	if path[0] != '/' {
		path = "/" + path
	}
	if len(path) > 1 {
		path = strings.TrimRight(path, "/")
		if path == "" {
			path = "/"
		}
	}
	return path
}

// Resolve normalizes path and returns the Backend owning it, the path
// relative to that mount, and the mount's read-only flag. It returns a
// NoMount vfserror.Error if no mount covers path.
func (r *Router) Resolve(path string) (backend.Backend, string, bool, error) {
	m, rel, ok := r.match(path)
	if !ok {
		r.errorLogger.Printf("router: no mount covers %q", path)
		return nil, "", false, vfserror.New(vfserror.NoMount, path, "no mount covers this path")
	}
	r.accessLogger.Printf("router: resolved %q to mount %q (relative %q)", path, m.Path, rel)
	return m.Backend, rel, m.ReadOnly, nil
}

// Mounts returns the full mount table, in the same descending-path-length
// order Resolve scans it in. Callers must not mutate the returned slice.
func (r *Router) Mounts() []Mount {
	return r.mounts
}

// GetMount returns the Mount covering path, or ok=false if none does.
func (r *Router) GetMount(path string) (Mount, bool) {
	m, _, ok := r.match(path)
	return m, ok
}

func (r *Router) match(path string) (Mount, string, bool) {
	p := Normalize(path)
	for _, m := range r.mounts {
		if m.Path == "/" {
			return m, strings.TrimPrefix(p, "/"), true
		}
		if p == m.Path {
			return m, "", true
		}
		if strings.HasPrefix(p, m.Path+"/") {
			return m, p[len(m.Path)+1:], true
		}
	}
	return Mount{}, "", false
}
