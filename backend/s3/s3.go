// Package s3 implements backend.Backend over an S3-compatible object
// store via minio-go, grounded on the teacher's cache/s3proxy/s3proxy.go:
// same client construction (static credentials or IAM), same bucket+prefix
// key layout, same access/error logger pair threaded through every call.
package s3

import (
	"bytes"
	"context"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/openfs/openfs/backend"
	"github.com/openfs/openfs/internal/vfserror"
)

// Config mirrors the fields of the teacher's S3CloudStorageConfig that are
// relevant to a read/write object backend, dropping the ones that only
// matter for bazel-remote's CAS/AC/stamp blob split.
type Config struct {
	Endpoint        string
	Bucket          string
	Prefix          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	DisableSSL      bool
	IAMRoleEndpoint string
}

// Backend is a minio.Client-backed object store adapter.
type Backend struct {
	client *minio.Client
	bucket string
	prefix string
}

// New constructs a Backend from cfg, following the teacher's two
// credential paths: static access keys when present, IAM otherwise.
func New(cfg Config) (*Backend, error) {
	var creds *credentials.Credentials
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		creds = credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, "")
	} else {
		creds = credentials.NewIAM(cfg.IAMRoleEndpoint)
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  creds,
		Secure: !cfg.DisableSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, vfserror.Wrap(vfserror.Config, "", err)
	}

	return &Backend{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (b *Backend) key(p string) string {
	p = strings.TrimPrefix(p, "/")
	if b.prefix == "" {
		return p
	}
	return path.Join(b.prefix, p)
}

func translateErr(path string, err error) error {
	resp := minio.ToErrorResponse(err)
	if resp.Code == "NoSuchKey" || resp.Code == "NotFound" {
		return vfserror.New(vfserror.NotFound, path, "no such object")
	}
	return vfserror.Wrap(vfserror.Io, path, err)
}

func (b *Backend) Read(ctx context.Context, p string) ([]byte, error) {
	obj, err := b.client.GetObject(ctx, b.bucket, b.key(p), minio.GetObjectOptions{})
	if err != nil {
		return nil, translateErr(p, err)
	}
	defer obj.Close()

	content, err := io.ReadAll(obj)
	if err != nil {
		return nil, translateErr(p, err)
	}
	return content, nil
}

// ReadWithCasToken uses the object's ETag as the CAS token. S3 has no
// native conditional-write primitive across all compatible providers, so
// CompareAndSwap below is best-effort: it re-checks the ETag immediately
// before writing, which narrows but does not eliminate the race window.
func (b *Backend) ReadWithCasToken(ctx context.Context, p string) ([]byte, []byte, error) {
	content, err := b.Read(ctx, p)
	if err != nil {
		return nil, nil, err
	}
	info, err := b.client.StatObject(ctx, b.bucket, b.key(p), minio.StatObjectOptions{})
	if err != nil {
		return nil, nil, translateErr(p, err)
	}
	return content, []byte(info.ETag), nil
}

func (b *Backend) Write(ctx context.Context, p string, content []byte) error {
	_, err := b.client.PutObject(ctx, b.bucket, b.key(p), bytes.NewReader(content), int64(len(content)),
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return vfserror.Wrap(vfserror.Io, p, err)
	}
	return nil
}

func (b *Backend) CompareAndSwap(ctx context.Context, p string, expected, content []byte) ([]byte, error) {
	info, statErr := b.client.StatObject(ctx, b.bucket, b.key(p), minio.StatObjectOptions{})
	exists := statErr == nil
	switch {
	case expected == nil && exists:
		return nil, vfserror.New(vfserror.Conflict, p, "object already exists")
	case expected != nil && !exists:
		return nil, vfserror.New(vfserror.Conflict, p, "object does not exist")
	case expected != nil && exists && string(expected) != info.ETag:
		return nil, vfserror.New(vfserror.Conflict, p, "cas token mismatch")
	}

	newInfo, err := b.client.PutObject(ctx, b.bucket, b.key(p), bytes.NewReader(content), int64(len(content)),
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return nil, vfserror.Wrap(vfserror.Io, p, err)
	}
	return []byte(newInfo.ETag), nil
}

// Append reads the current object, concatenates, and writes back: S3 has
// no native append.
func (b *Backend) Append(ctx context.Context, p string, content []byte) error {
	current, err := b.Read(ctx, p)
	if err != nil && !vfserror.Is(err, vfserror.NotFound) {
		return err
	}
	full := append(current, content...)
	return b.Write(ctx, p, full)
}

func (b *Backend) Delete(ctx context.Context, p string) error {
	if err := b.client.RemoveObject(ctx, b.bucket, b.key(p), minio.RemoveObjectOptions{}); err != nil {
		return translateErr(p, err)
	}
	return nil
}

func (b *Backend) List(ctx context.Context, p string) ([]backend.Entry, error) {
	prefix := b.key(p)
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	seenDirs := map[string]bool{}
	var entries []backend.Entry
	for obj := range b.client.ListObjects(ctx, b.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: false}) {
		if obj.Err != nil {
			return nil, vfserror.Wrap(vfserror.Io, p, obj.Err)
		}
		rest := strings.TrimPrefix(obj.Key, prefix)
		rest = strings.TrimPrefix(rest, "/")
		if rest == "" {
			continue
		}
		if strings.HasSuffix(obj.Key, "/") {
			name := strings.TrimSuffix(rest, "/")
			if !seenDirs[name] {
				seenDirs[name] = true
				entries = append(entries, backend.Entry{Path: strings.TrimSuffix(p, "/") + "/" + name, Name: name, IsDir: true})
			}
			continue
		}
		entries = append(entries, backend.Entry{
			Path: strings.TrimSuffix(p, "/") + "/" + rest, Name: rest,
			Size: obj.Size, HasSize: true, Modified: obj.LastModified, HasMtime: true,
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

func (b *Backend) Exists(ctx context.Context, p string) (bool, error) {
	_, err := b.client.StatObject(ctx, b.bucket, b.key(p), minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return false, nil
	}
	return false, vfserror.Wrap(vfserror.Io, p, err)
}

func (b *Backend) Stat(ctx context.Context, p string) (backend.Entry, error) {
	info, err := b.client.StatObject(ctx, b.bucket, b.key(p), minio.StatObjectOptions{})
	if err != nil {
		return backend.Entry{}, translateErr(p, err)
	}
	name := p
	if i := strings.LastIndexByte(p, '/'); i >= 0 {
		name = p[i+1:]
	}
	return backend.Entry{
		Path: p, Name: name, Size: info.Size, HasSize: true,
		Modified: info.LastModified, HasMtime: true,
	}, nil
}

func (b *Backend) Rename(ctx context.Context, from, to string) error {
	_, err := b.client.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: b.bucket, Object: b.key(to)},
		minio.CopySrcOptions{Bucket: b.bucket, Object: b.key(from)},
	)
	if err != nil {
		return translateErr(from, err)
	}
	return b.Delete(ctx, from)
}

var _ backend.Backend = (*Backend)(nil)
