package config

import "testing"

func TestNewFromYamlAppliesDefaults(t *testing.T) {
	data := []byte(`
mounts:
  - path: /
    backend: memory
`)
	c, err := NewFromYaml(data)
	if err != nil {
		t.Fatalf("NewFromYaml: %v", err)
	}
	if len(c.Mounts) != 1 {
		t.Fatalf("expected 1 mount, got %d", len(c.Mounts))
	}
	m := c.Mounts[0]
	if m.SyncMode != SyncWriteThrough {
		t.Fatalf("expected default sync_mode write_through, got %q", m.SyncMode)
	}
	if m.CacheMaxEntries != defaultCacheMaxEntries {
		t.Fatalf("expected default cache_max_entries, got %d", m.CacheMaxEntries)
	}
	if m.RetryMaxAttempts != defaultRetryMaxAttempts {
		t.Fatalf("expected default retry_max_attempts, got %d", m.RetryMaxAttempts)
	}
}

func TestNewFromYamlRequiresWalPathForWriteBack(t *testing.T) {
	data := []byte(`
mounts:
  - path: /
    backend: memory
    sync_mode: write_back
`)
	if _, err := NewFromYaml(data); err == nil {
		t.Fatalf("expected error for write_back mount missing wal_path")
	}
}

func TestNewFromYamlRejectsDuplicateMountPaths(t *testing.T) {
	data := []byte(`
mounts:
  - path: /a
    backend: memory
  - path: /a
    backend: memory
`)
	if _, err := NewFromYaml(data); err == nil {
		t.Fatalf("expected error for duplicate mount paths")
	}
}

func TestNewFromYamlRejectsRelativeMountPath(t *testing.T) {
	data := []byte(`
mounts:
  - path: relative
    backend: memory
`)
	if _, err := NewFromYaml(data); err == nil {
		t.Fatalf("expected error for non-absolute mount path")
	}
}

func TestNewFromYamlRejectsUnknownBackend(t *testing.T) {
	data := []byte(`
mounts:
  - path: /
    backend: nope
`)
	if _, err := NewFromYaml(data); err == nil {
		t.Fatalf("expected error for unknown backend")
	}
}

func TestNewFromYamlRequiresAtLeastOneMount(t *testing.T) {
	if _, err := NewFromYaml([]byte(`mounts: []`)); err == nil {
		t.Fatalf("expected error for empty mount table")
	}
}
