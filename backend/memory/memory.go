// Package memory implements an in-process backend.Backend over a plain
// map, for tests and for mounts that need no durability at all. CAS tokens
// are random UUIDs (google/uuid), the same library the teacher pulls in
// for its own resource-name generation (utils/resourcename/resourcename.go).
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openfs/openfs/backend"
	"github.com/openfs/openfs/internal/vfserror"
)

type object struct {
	content  []byte
	token    string
	modified time.Time
}

// Backend is a sync.Map-free, mutex-guarded in-memory filesystem. It never
// persists anything across process restarts.
type Backend struct {
	mu      sync.RWMutex
	objects map[string]*object
}

// New returns an empty Backend.
func New() *Backend {
	return &Backend{objects: make(map[string]*object)}
}

func (b *Backend) Read(ctx context.Context, path string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	o, ok := b.objects[path]
	if !ok {
		return nil, vfserror.New(vfserror.NotFound, path, "no such object")
	}
	out := make([]byte, len(o.content))
	copy(out, o.content)
	return out, nil
}

func (b *Backend) ReadWithCasToken(ctx context.Context, path string) ([]byte, []byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	o, ok := b.objects[path]
	if !ok {
		return nil, nil, vfserror.New(vfserror.NotFound, path, "no such object")
	}
	out := make([]byte, len(o.content))
	copy(out, o.content)
	return out, []byte(o.token), nil
}

func (b *Backend) Write(ctx context.Context, path string, content []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.putLocked(path, content)
	return nil
}

func (b *Backend) putLocked(path string, content []byte) {
	stored := make([]byte, len(content))
	copy(stored, content)
	b.objects[path] = &object{content: stored, token: uuid.NewString(), modified: time.Now()}
}

func (b *Backend) CompareAndSwap(ctx context.Context, path string, expected, content []byte) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	o, exists := b.objects[path]
	switch {
	case expected == nil && exists:
		return nil, vfserror.New(vfserror.Conflict, path, "object already exists")
	case expected != nil && !exists:
		return nil, vfserror.New(vfserror.Conflict, path, "object does not exist")
	case expected != nil && exists && string(expected) != o.token:
		return nil, vfserror.New(vfserror.Conflict, path, "cas token mismatch")
	}

	b.putLocked(path, content)
	return []byte(b.objects[path].token), nil
}

func (b *Backend) Append(ctx context.Context, path string, content []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.objects[path]
	var full []byte
	if ok {
		full = append(append([]byte{}, o.content...), content...)
	} else {
		full = append([]byte{}, content...)
	}
	b.putLocked(path, full)
	return nil
}

func (b *Backend) Delete(ctx context.Context, path string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.objects[path]; !ok {
		return vfserror.New(vfserror.NotFound, path, "no such object")
	}
	delete(b.objects, path)
	return nil
}

func (b *Backend) List(ctx context.Context, path string) ([]backend.Entry, error) {
	prefix := strings.TrimSuffix(path, "/")

	b.mu.RLock()
	defer b.mu.RUnlock()

	seenDirs := map[string]bool{}
	var entries []backend.Entry
	for p, o := range b.objects {
		if !strings.HasPrefix(p, prefix+"/") && p != prefix {
			continue
		}
		rest := strings.TrimPrefix(p, prefix+"/")
		if rest == "" {
			continue
		}
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			dir := rest[:i]
			if !seenDirs[dir] {
				seenDirs[dir] = true
				entries = append(entries, backend.Entry{Path: prefix + "/" + dir, Name: dir, IsDir: true})
			}
			continue
		}
		entries = append(entries, backend.Entry{
			Path: p, Name: rest, Size: int64(len(o.content)), HasSize: true,
			Modified: o.modified, HasMtime: true,
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IsDir != entries[j].IsDir {
			return entries[i].IsDir
		}
		return entries[i].Name < entries[j].Name
	})
	return entries, nil
}

func (b *Backend) Exists(ctx context.Context, path string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.objects[path]
	return ok, nil
}

func (b *Backend) Stat(ctx context.Context, path string) (backend.Entry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	o, ok := b.objects[path]
	if !ok {
		return backend.Entry{}, vfserror.New(vfserror.NotFound, path, "no such object")
	}
	name := path
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		name = path[i+1:]
	}
	return backend.Entry{
		Path: path, Name: name, Size: int64(len(o.content)), HasSize: true,
		Modified: o.modified, HasMtime: true,
	}, nil
}

func (b *Backend) Rename(ctx context.Context, from, to string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.objects[from]
	if !ok {
		return vfserror.New(vfserror.NotFound, from, "no such object")
	}
	b.objects[to] = o
	delete(b.objects, from)
	return nil
}

var _ backend.Backend = (*Backend)(nil)
