package wal

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"
)

func openTestWAL(t *testing.T, recover bool) *WAL {
	t.Helper()
	dir := t.TempDir()
	w, err := Open(filepath.Join(dir, "wal.db"), Options{
		Retry:            RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Second},
		RecoverOnStartup: recover,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { w.Close() })
	return w
}

func TestAppendAndGetUnapplied(t *testing.T) {
	w := openTestWAL(t, false)

	id, err := w.Append(OpWrite, "/a", []byte("hello"))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if id == 0 {
		t.Fatalf("Append: expected nonzero id")
	}

	entries, err := w.GetUnapplied()
	if err != nil {
		t.Fatalf("GetUnapplied: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != id {
		t.Fatalf("GetUnapplied: expected one entry with id %d, got %+v", id, entries)
	}
	if entries[0].Path != "/a" || string(entries[0].Content) != "hello" {
		t.Fatalf("GetUnapplied: unexpected entry %+v", entries[0])
	}
}

func TestMarkAppliedLifecycle(t *testing.T) {
	w := openTestWAL(t, false)
	id, _ := w.Append(OpWrite, "/a", []byte("x"))

	if err := w.MarkProcessing(id); err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}
	if err := w.MarkApplied(id); err != nil {
		t.Fatalf("MarkApplied: %v", err)
	}

	entries, _ := w.GetUnapplied()
	if len(entries) != 0 {
		t.Fatalf("GetUnapplied: expected no entries after apply, got %+v", entries)
	}
}

func TestMarkFailedRetryThenDeadLetter(t *testing.T) {
	w := openTestWAL(t, false)
	id, _ := w.Append(OpWrite, "/a", []byte("x"))

	for i := 0; i < 3; i++ {
		if err := w.MarkFailed(id, errors.New("boom")); err != nil {
			t.Fatalf("MarkFailed: %v", err)
		}
	}

	failed, err := w.GetFailed()
	if err != nil {
		t.Fatalf("GetFailed: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != id {
		t.Fatalf("GetFailed: expected dead-lettered entry %d, got %+v", id, failed)
	}

	unapplied, _ := w.GetUnapplied()
	if len(unapplied) != 0 {
		t.Fatalf("GetUnapplied: dead letters should not be retry-eligible, got %+v", unapplied)
	}
}

func TestMarkFailedBelowCapStaysRetryEligible(t *testing.T) {
	w := openTestWAL(t, false)
	id, _ := w.Append(OpWrite, "/a", []byte("x"))

	if err := w.MarkFailed(id, errors.New("boom")); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	unapplied, err := w.GetUnapplied()
	if err != nil {
		t.Fatalf("GetUnapplied: %v", err)
	}
	if len(unapplied) != 1 || unapplied[0].Attempts != 1 {
		t.Fatalf("GetUnapplied: expected one retry-eligible entry with 1 attempt, got %+v", unapplied)
	}
}

func TestOutboxStats(t *testing.T) {
	w := openTestWAL(t, false)
	id1, _ := w.Append(OpWrite, "/a", []byte("1"))
	id2, _ := w.Append(OpWrite, "/b", []byte("2"))
	id3, _ := w.Append(OpWrite, "/c", []byte("3"))

	w.MarkProcessing(id1)
	w.MarkFailed(id2, errors.New("x"))
	w.MarkFailed(id2, errors.New("x"))
	w.MarkFailed(id2, errors.New("x")) // dead letter at cap=3
	_ = id3

	stats, err := w.OutboxStats()
	if err != nil {
		t.Fatalf("OutboxStats: %v", err)
	}
	if stats.Processing != 1 {
		t.Fatalf("expected 1 processing, got %+v", stats)
	}
	if stats.Failed != 1 {
		t.Fatalf("expected 1 dead-lettered, got %+v", stats)
	}
	if stats.Pending != 1 {
		t.Fatalf("expected 1 pending, got %+v", stats)
	}
}

func TestCheckpointPrunesAppliedOnly(t *testing.T) {
	w := openTestWAL(t, false)
	id1, _ := w.Append(OpWrite, "/a", []byte("1"))
	id2, _ := w.Append(OpWrite, "/b", []byte("2"))

	w.MarkApplied(id1)

	n, err := w.Checkpoint()
	if err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	if n != 1 {
		t.Fatalf("Checkpoint: expected 1 pruned, got %d", n)
	}

	n2, err := w.Checkpoint()
	if err != nil {
		t.Fatalf("Checkpoint (second call): %v", err)
	}
	if n2 != 0 {
		t.Fatalf("Checkpoint: second call should be a no-op, pruned %d", n2)
	}

	unapplied, _ := w.GetUnapplied()
	if len(unapplied) != 1 || unapplied[0].ID != id2 {
		t.Fatalf("expected id2 still present, got %+v", unapplied)
	}
}

func TestRecoverOnStartupResetsProcessing(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "wal.db")

	w, err := Open(p, Options{Retry: RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Second}})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	id, _ := w.Append(OpWrite, "/a", []byte("x"))
	if err := w.MarkProcessing(id); err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Simulate a restart: reopen with RecoverOnStartup.
	w2, err := Open(p, Options{
		Retry:            RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Second},
		RecoverOnStartup: true,
	})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer w2.Close()

	entries, err := w2.GetUnapplied()
	if err != nil {
		t.Fatalf("GetUnapplied: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != id {
		t.Fatalf("expected entry %d reset to Unapplied after recovery, got %+v", id, entries)
	}
}

func TestVerifyUnappliedChecksumsToleratesCorruptEntryOnRecovery(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "wal.db")

	w, err := Open(p, Options{Retry: RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Second}})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	goodID, _ := w.Append(OpWrite, "/good", []byte("fine"))
	badID, _ := w.Append(OpWrite, "/bad", []byte("original"))

	// Corrupt the stored entry directly, bypassing Append's checksum, to
	// simulate on-disk bit rot between writes and a restart.
	err = w.db.Update(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketEntries).Get(encodeID(badID))
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return err
		}
		e.Content = []byte("tampered")
		enc, err := json.Marshal(&e)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketEntries).Put(encodeID(badID), enc)
	})
	if err != nil {
		t.Fatalf("corrupt entry: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Reopening with recovery must not fail the whole WAL over one
	// corrupt entry - it should log the finding and let the uncorrupted
	// entry remain usable.
	w2, err := Open(p, Options{
		Retry:            RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Second},
		RecoverOnStartup: true,
	})
	if err != nil {
		t.Fatalf("reopen with recovery: unexpected error %v", err)
	}
	defer w2.Close()

	entries, err := w2.GetUnapplied()
	if err != nil {
		t.Fatalf("GetUnapplied: %v", err)
	}
	var sawGood bool
	for _, e := range entries {
		if e.ID == goodID {
			sawGood = true
		}
		if e.ID == badID {
			t.Fatalf("expected corrupt entry %d to be skipped by GetUnapplied, got %+v", badID, e)
		}
	}
	if !sawGood {
		t.Fatalf("expected uncorrupted entry %d to survive recovery", goodID)
	}
}

func TestBackoffFormula(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 10, BaseDelay: time.Second, MaxDelay: time.Minute}
	if got := p.BackoffFor(0); got != time.Second {
		t.Fatalf("BackoffFor(0): expected 1s, got %v", got)
	}
	if got := p.BackoffFor(1); got != 2*time.Second {
		t.Fatalf("BackoffFor(1): expected 2s, got %v", got)
	}
	if got := p.BackoffFor(2); got != 4*time.Second {
		t.Fatalf("BackoffFor(2): expected 4s, got %v", got)
	}
	if got := p.BackoffFor(10); got != time.Minute {
		t.Fatalf("BackoffFor(10): expected cap at 1m, got %v", got)
	}
}
