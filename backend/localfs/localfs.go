// Package localfs implements backend.Backend over a local directory tree.
// Writes land via a temp-file-then-rename dance, the same crash-safety
// idiom the teacher's cache/disk package uses when staging a blob before
// it is visible at its final name (cache/disk/disk.go), generalized here
// from "one flat directory of content-addressed blobs" to an arbitrary
// nested path hierarchy. Access-time introspection is backed by
// djherbis/atime, the same library the teacher uses to sort cache entries
// for eviction (cache/disk/disk.go, cache/disk/load.go).
package localfs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/djherbis/atime"

	"github.com/openfs/openfs/backend"
	"github.com/openfs/openfs/internal/vfserror"
)

// Backend roots every OpenFS path under Root on the local filesystem.
type Backend struct {
	Root string

	mu      sync.Mutex
	tempIdx uint32
}

// New returns a Backend rooted at root. root must already exist.
func New(root string) *Backend {
	return &Backend{Root: filepath.Clean(root)}
}

func (b *Backend) realPath(path string) (string, error) {
	if strings.Contains(path, "..") {
		return "", vfserror.New(vfserror.PathTraversal, path, "path contains '..'")
	}
	return filepath.Join(b.Root, filepath.FromSlash(path)), nil
}

func translateStatErr(path string, err error) error {
	if os.IsNotExist(err) {
		return vfserror.New(vfserror.NotFound, path, "no such file")
	}
	return vfserror.Wrap(vfserror.Io, path, err)
}

func (b *Backend) Read(ctx context.Context, path string) ([]byte, error) {
	real, err := b.realPath(path)
	if err != nil {
		return nil, err
	}
	content, err := os.ReadFile(real)
	if err != nil {
		return nil, translateStatErr(path, err)
	}
	return content, nil
}

// ReadWithCasToken uses the file's mtime-and-size as a cheap CAS token;
// local disk has no native object versioning.
func (b *Backend) ReadWithCasToken(ctx context.Context, path string) ([]byte, []byte, error) {
	real, err := b.realPath(path)
	if err != nil {
		return nil, nil, err
	}
	content, err := os.ReadFile(real)
	if err != nil {
		return nil, nil, translateStatErr(path, err)
	}
	fi, err := os.Stat(real)
	if err != nil {
		return nil, nil, translateStatErr(path, err)
	}
	return content, casToken(fi), nil
}

func casToken(fi os.FileInfo) []byte {
	return []byte(fmt.Sprintf("%d-%d", fi.ModTime().UnixNano(), fi.Size()))
}

func (b *Backend) nextTempName(dir string) string {
	b.mu.Lock()
	b.tempIdx++
	n := b.tempIdx
	b.mu.Unlock()
	return filepath.Join(dir, ".openfs-tmp-"+strconv.FormatUint(uint64(os.Getpid()), 10)+"-"+strconv.FormatUint(uint64(n), 10))
}

// writeAtomic writes content to real via a temp file in the same
// directory followed by a rename, so a concurrent reader never observes
// a partially written file.
func (b *Backend) writeAtomic(real string, content []byte) error {
	dir := filepath.Dir(real)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp := b.nextTempName(dir)
	f, err := os.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, real); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func (b *Backend) Write(ctx context.Context, path string, content []byte) error {
	real, err := b.realPath(path)
	if err != nil {
		return err
	}
	if err := b.writeAtomic(real, content); err != nil {
		return vfserror.Wrap(vfserror.Io, path, err)
	}
	return nil
}

func (b *Backend) CompareAndSwap(ctx context.Context, path string, expected, content []byte) ([]byte, error) {
	real, err := b.realPath(path)
	if err != nil {
		return nil, err
	}

	fi, statErr := os.Stat(real)
	exists := statErr == nil
	switch {
	case expected == nil && exists:
		return nil, vfserror.New(vfserror.Conflict, path, "object already exists")
	case expected != nil && !exists:
		return nil, vfserror.New(vfserror.Conflict, path, "object does not exist")
	case expected != nil && exists && string(expected) != string(casToken(fi)):
		return nil, vfserror.New(vfserror.Conflict, path, "cas token mismatch")
	}

	if err := b.writeAtomic(real, content); err != nil {
		return nil, vfserror.Wrap(vfserror.Io, path, err)
	}
	newFi, err := os.Stat(real)
	if err != nil {
		return nil, translateStatErr(path, err)
	}
	return casToken(newFi), nil
}

func (b *Backend) Append(ctx context.Context, path string, content []byte) error {
	real, err := b.realPath(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(real), 0755); err != nil {
		return vfserror.Wrap(vfserror.Io, path, err)
	}
	f, err := os.OpenFile(real, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return vfserror.Wrap(vfserror.Io, path, err)
	}
	defer f.Close()
	if _, err := f.Write(content); err != nil {
		return vfserror.Wrap(vfserror.Io, path, err)
	}
	return nil
}

func (b *Backend) Delete(ctx context.Context, path string) error {
	real, err := b.realPath(path)
	if err != nil {
		return err
	}
	if err := os.Remove(real); err != nil {
		return translateStatErr(path, err)
	}
	return nil
}

func (b *Backend) List(ctx context.Context, path string) ([]backend.Entry, error) {
	real, err := b.realPath(path)
	if err != nil {
		return nil, err
	}
	dirEntries, err := os.ReadDir(real)
	if err != nil {
		return nil, translateStatErr(path, err)
	}

	entries := make([]backend.Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		info, err := de.Info()
		if err != nil {
			continue
		}
		childPath := strings.TrimSuffix(path, "/") + "/" + de.Name()
		entries = append(entries, backend.Entry{
			Path: childPath, Name: de.Name(), IsDir: de.IsDir(),
			Size: info.Size(), HasSize: !de.IsDir(),
			Modified: info.ModTime(), HasMtime: true,
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
	real, err := b.realPath(path)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(real)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, vfserror.Wrap(vfserror.Io, path, err)
}

func (b *Backend) Stat(ctx context.Context, path string) (backend.Entry, error) {
	real, err := b.realPath(path)
	if err != nil {
		return backend.Entry{}, err
	}
	fi, err := os.Stat(real)
	if err != nil {
		return backend.Entry{}, translateStatErr(path, err)
	}
	name := path
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		name = path[i+1:]
	}
	return backend.Entry{
		Path: path, Name: name, IsDir: fi.IsDir(),
		Size: fi.Size(), HasSize: !fi.IsDir(),
		Modified: fi.ModTime(), HasMtime: true,
	}, nil
}

func (b *Backend) Rename(ctx context.Context, from, to string) error {
	realFrom, err := b.realPath(from)
	if err != nil {
		return err
	}
	realTo, err := b.realPath(to)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(realTo), 0755); err != nil {
		return vfserror.Wrap(vfserror.Io, to, err)
	}
	if err := os.Rename(realFrom, realTo); err != nil {
		return translateStatErr(from, err)
	}
	return nil
}

// AccessTime reports the last time path's content was read by any process
// on this host, not just through this Backend - useful for an operator
// deciding what's cold enough to evict from a mount backed by local disk.
func (b *Backend) AccessTime(path string) (time.Time, error) {
	real, err := b.realPath(path)
	if err != nil {
		return time.Time{}, err
	}
	fi, err := os.Stat(real)
	if err != nil {
		return time.Time{}, translateStatErr(path, err)
	}
	return atime.Get(fi), nil
}

var _ backend.Backend = (*Backend)(nil)
