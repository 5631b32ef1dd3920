package memory

import (
	"context"
	"testing"

	"github.com/openfs/openfs/internal/vfserror"
)

func TestWriteThenRead(t *testing.T) {
	b := New()
	ctx := context.Background()
	if err := b.Write(ctx, "/a", []byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := b.Read(ctx, "/a")
	if err != nil || string(got) != "hello" {
		t.Fatalf("Read: got %q, %v", got, err)
	}
}

func TestReadMissingReturnsNotFound(t *testing.T) {
	b := New()
	if _, err := b.Read(context.Background(), "/missing"); !vfserror.Is(err, vfserror.NotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestCompareAndSwapCreateIfAbsent(t *testing.T) {
	b := New()
	ctx := context.Background()
	token, err := b.CompareAndSwap(ctx, "/a", nil, []byte("v1"))
	if err != nil {
		t.Fatalf("CompareAndSwap create: %v", err)
	}
	if len(token) == 0 {
		t.Fatalf("expected a non-empty token")
	}

	if _, err := b.CompareAndSwap(ctx, "/a", nil, []byte("v2")); !vfserror.Is(err, vfserror.Conflict) {
		t.Fatalf("expected Conflict on second create-if-absent, got %v", err)
	}

	token2, err := b.CompareAndSwap(ctx, "/a", token, []byte("v2"))
	if err != nil {
		t.Fatalf("CompareAndSwap update: %v", err)
	}
	if string(token2) == string(token) {
		t.Fatalf("expected token to change after a successful swap")
	}

	if _, err := b.CompareAndSwap(ctx, "/a", token, []byte("v3")); !vfserror.Is(err, vfserror.Conflict) {
		t.Fatalf("expected Conflict for a stale token, got %v", err)
	}
}

func TestAppendCreatesThenAppends(t *testing.T) {
	b := New()
	ctx := context.Background()
	if err := b.Append(ctx, "/a", []byte("hello")); err != nil {
		t.Fatalf("Append (create): %v", err)
	}
	if err := b.Append(ctx, "/a", []byte(" world")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	got, _ := b.Read(ctx, "/a")
	if string(got) != "hello world" {
		t.Fatalf("expected 'hello world', got %q", got)
	}
}

func TestListGroupsDirectoriesBeforeFiles(t *testing.T) {
	b := New()
	ctx := context.Background()
	b.Write(ctx, "/dir/a.txt", []byte("a"))
	b.Write(ctx, "/b.txt", []byte("b"))

	entries, err := b.List(ctx, "/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d: %+v", len(entries), entries)
	}
	if !entries[0].IsDir || entries[0].Name != "dir" {
		t.Fatalf("expected dir first, got %+v", entries[0])
	}
	if entries[1].IsDir || entries[1].Name != "b.txt" {
		t.Fatalf("expected b.txt second, got %+v", entries[1])
	}
}

func TestRenameMovesContent(t *testing.T) {
	b := New()
	ctx := context.Background()
	b.Write(ctx, "/a", []byte("x"))
	if err := b.Rename(ctx, "/a", "/b"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if ok, _ := b.Exists(ctx, "/a"); ok {
		t.Fatalf("expected /a gone after rename")
	}
	got, err := b.Read(ctx, "/b")
	if err != nil || string(got) != "x" {
		t.Fatalf("Read /b: got %q, %v", got, err)
	}
}
