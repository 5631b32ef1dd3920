package lrucache

import (
	"testing"
	"time"
)

func TestDisabledIsNoOp(t *testing.T) {
	c := New(Config{Enabled: false, MaxEntries: 10, MaxBytes: 1000, TTL: time.Hour})
	c.Put("/a", []byte("x"))
	if c.Contains("/a") {
		t.Fatalf("Contains: disabled cache should never retain entries")
	}
	if _, ok := c.Get("/a"); ok {
		t.Fatalf("Get: disabled cache should always miss")
	}
	if n := c.RemovePrefix("/"); n != 0 {
		t.Fatalf("RemovePrefix: expected 0 on disabled cache, got %d", n)
	}
}

func TestHitMiss(t *testing.T) {
	c := New(Config{Enabled: true, MaxEntries: 10, MaxBytes: 1000, TTL: time.Hour})

	if _, ok := c.Get("/a"); ok {
		t.Fatalf("Get: expected miss on empty cache")
	}
	c.Put("/a", []byte("hello"))
	got, ok := c.Get("/a")
	if !ok || string(got) != "hello" {
		t.Fatalf("Get: expected hit with 'hello', got %q, %v", got, ok)
	}

	stats := c.Stats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Fatalf("Stats: expected 1 hit and 1 miss, got %+v", stats)
	}

	c.Remove("/a")
	if _, ok := c.Get("/a"); ok {
		t.Fatalf("Get: expected miss after Remove")
	}
}

func TestWriteThenOverwrite(t *testing.T) {
	c := New(Config{Enabled: true, MaxEntries: 10, MaxBytes: 1000, TTL: time.Hour})
	c.Put("/a", []byte("X"))
	c.Put("/a", []byte("Y"))
	got, ok := c.Get("/a")
	if !ok || string(got) != "Y" {
		t.Fatalf("Get: expected Y, got %q, %v", got, ok)
	}
}

func TestBoundsHoldAfterEveryPut(t *testing.T) {
	c := New(Config{Enabled: true, MaxEntries: 2, MaxBytes: 1000, TTL: time.Hour})
	c.Put("/a", []byte("1"))
	c.Put("/b", []byte("2"))
	c.Put("/c", []byte("3"))

	stats := c.Stats()
	if stats.CurrentEntries > 2 {
		t.Fatalf("CurrentEntries: expected <= 2, got %d", stats.CurrentEntries)
	}
	if c.Contains("/a") {
		t.Fatalf("Contains: /a should have been evicted as least-recently-used")
	}
	if !c.Contains("/b") || !c.Contains("/c") {
		t.Fatalf("Contains: /b and /c should still be present")
	}
	if stats.Evictions != 1 {
		t.Fatalf("Evictions: expected 1, got %d", stats.Evictions)
	}
}

func TestMaxBytesEviction(t *testing.T) {
	c := New(Config{Enabled: true, MaxEntries: 100, MaxBytes: 10, TTL: time.Hour})
	c.Put("/a", []byte("12345"))
	c.Put("/b", []byte("12345"))
	if c.Stats().CurrentBytes > 10 {
		t.Fatalf("CurrentBytes: expected <= 10")
	}
	c.Put("/c", []byte("123456"))
	stats := c.Stats()
	if stats.CurrentBytes > 10 {
		t.Fatalf("CurrentBytes: expected <= 10 after third put, got %d", stats.CurrentBytes)
	}
}

func TestEntryExactlyAtMaxBytes(t *testing.T) {
	c := New(Config{Enabled: true, MaxEntries: 100, MaxBytes: 5, TTL: time.Hour})
	c.Put("/a", []byte("12345"))
	if !c.Contains("/a") {
		t.Fatalf("Contains: an entry exactly at maxBytes should be accepted")
	}
	c.Put("/b", []byte("1"))
	if c.Contains("/a") {
		t.Fatalf("Contains: /a should be evicted once a second put pushes over budget")
	}
}

func TestEmptyContent(t *testing.T) {
	c := New(Config{Enabled: true, MaxEntries: 10, MaxBytes: 1000, TTL: time.Hour})
	c.Put("/a", []byte{})
	got, ok := c.Get("/a")
	if !ok {
		t.Fatalf("Get: expected hit for empty content")
	}
	if len(got) != 0 {
		t.Fatalf("Get: expected empty content, got %v", got)
	}
}

func TestTTLZeroAlwaysMisses(t *testing.T) {
	c := New(Config{Enabled: true, MaxEntries: 10, MaxBytes: 1000, TTL: 0})
	c.Put("/a", []byte("x"))
	time.Sleep(time.Millisecond)
	if _, ok := c.Get("/a"); ok {
		t.Fatalf("Get: expected miss with TTL=0 after any elapsed time")
	}
}

func TestTTLExpiration(t *testing.T) {
	c := New(Config{Enabled: true, MaxEntries: 10, MaxBytes: 1000, TTL: 10 * time.Millisecond})
	c.Put("/a", []byte("x"))
	if _, ok := c.Get("/a"); !ok {
		t.Fatalf("Get: expected hit immediately after Put")
	}
	time.Sleep(20 * time.Millisecond)
	if _, ok := c.Get("/a"); ok {
		t.Fatalf("Get: expected miss after TTL elapsed")
	}
	stats := c.Stats()
	if stats.Expirations != 1 {
		t.Fatalf("Expirations: expected 1, got %d", stats.Expirations)
	}
}

func TestRemovePrefix(t *testing.T) {
	c := New(Config{Enabled: true, MaxEntries: 100, MaxBytes: 10000, TTL: time.Hour})
	c.Put("/p/a", []byte("1"))
	c.Put("/p/b/c", []byte("2"))
	c.Put("/q/d", []byte("3"))

	removed := c.RemovePrefix("/p")
	if removed != 2 {
		t.Fatalf("RemovePrefix: expected 2 removed, got %d", removed)
	}
	if c.Contains("/p/a") || c.Contains("/p/b/c") {
		t.Fatalf("RemovePrefix: /p/* should be gone")
	}
	if !c.Contains("/q/d") {
		t.Fatalf("RemovePrefix: /q/d should survive")
	}
}
