// Package wal implements the write-ahead log that backs the sync engine's
// outbox: a durable, idempotent record of buffered writes that survives a
// crash between "caller's write returned" and "the inner backend has seen
// it". It is backed by go.etcd.io/bbolt, an embedded single-file B+tree
// store whose transactions are fsync-durable on commit - the same role
// rclone's backend/cache/storage_persistent.go gives bbolt for its own
// pending-upload queue, split across a root-metadata bucket, a timestamp
// bucket, and a "pending" bucket. OpenFS follows the same split: an
// "entries" bucket holding the WAL payload, and an "outbox" bucket holding
// only the current status byte, so a crash mid-apply (status written,
// entry payload untouched) is always recoverable independent of payload
// size.
package wal

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
	"golang.org/x/sync/errgroup"

	"github.com/openfs/openfs/internal/openfslog"
	"github.com/openfs/openfs/internal/vfserror"
)

// OpType identifies what kind of mutation a WAL entry records.
type OpType int

const (
	OpWrite OpType = iota
	OpDelete
	OpAppend
)

func (o OpType) String() string {
	switch o {
	case OpWrite:
		return "Write"
	case OpDelete:
		return "Delete"
	case OpAppend:
		return "Append"
	default:
		return "Unknown"
	}
}

// State is the derived lifecycle state of a WAL entry.
type State int

const (
	Unapplied State = iota
	Processing
	Applied
	Failed
)

func (s State) String() string {
	switch s {
	case Unapplied:
		return "Unapplied"
	case Processing:
		return "Processing"
	case Applied:
		return "Applied"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Entry is a durable record of one buffered mutation.
type Entry struct {
	ID         uint64
	OpType     OpType
	Path       string
	Content    []byte
	Checksum   uint64
	CreatedAt  time.Time
	Attempts   int
	AppliedAt  time.Time
	HasApplied bool
	LastError  string
	State      State

	// LastAttemptAt records when the entry was last claimed for apply, so
	// the sync engine can compute backoff (now - LastAttemptAt >=
	// base*2^attempts) without re-deriving it from CreatedAt. Not part of
	// the WAL entry's external contract - an implementation detail of the
	// retry schedule.
	LastAttemptAt time.Time
}

func checksum(opType OpType, path string, content []byte) uint64 {
	h := fnv.New64a()
	h.Write([]byte{byte(opType)})
	h.Write([]byte(path))
	h.Write(content)
	return h.Sum64()
}

// RetryPolicy governs when a Failed-but-not-dead-lettered entry becomes
// retry-eligible again, and when it is dead-lettered for good.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy resolves spec's open question on the backoff formula:
// base * 2^min(attempts, cap), capped at MaxDelay. Jitter is applied by the
// caller (internal/syncengine) since the WAL itself must stay deterministic
// for tests.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 8, BaseDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Minute}
}

// BackoffFor returns how long to wait after `attempts` prior failed
// attempts before the entry is retry-eligible again.
func (p RetryPolicy) BackoffFor(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	shift := attempts
	const capShift = 32 // avoid overflow; MaxDelay clamps long before this matters.
	if shift > capShift {
		shift = capShift
	}
	d := p.BaseDelay << uint(shift)
	if d <= 0 || d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// RetryEligible reports whether attempts is below the configured cap.
func (p RetryPolicy) RetryEligible(attempts int) bool {
	return attempts < p.MaxAttempts
}

var (
	bucketEntries = []byte("entries")
	bucketOutbox  = []byte("outbox")
	bucketMeta    = []byte("meta")
	keyNextID     = []byte("next_id")
)

// Stats summarizes the outbox queue.
type Stats struct {
	Pending    int
	Processing int
	Failed     int
}

// WAL is a durable, idempotent log with outbox semantics and crash
// recovery. All per-entry state transitions are serialized by bbolt's own
// single-writer transaction model, so there is no additional in-process
// lock ordering concern across entries; nextID allocation uses its own
// mutex to keep Append allocation cheap without a full read-modify-write
// transaction per call.
type WAL struct {
	db          *bolt.DB
	retry       RetryPolicy
	errorLogger openfslog.Logger
	mu          sync.Mutex
	nextID      uint64
}

// Options configures WAL construction. ErrorLogger receives recovery
// diagnostics (checksum mismatches found on startup); it defaults to a
// discarding logger when nil, mirroring the teacher's WithAccessLogger/
// WithErrorLogger options defaulting to no-ops when not supplied.
type Options struct {
	Retry            RetryPolicy
	RecoverOnStartup bool
	ErrorLogger      openfslog.Logger
}

// Open opens (creating if necessary) a WAL backed by the bbolt file at
// path. If opts.RecoverOnStartup is true, any entries observed in
// Processing are reset to Unapplied so a restart replays them.
func Open(path string, opts Options) (*WAL, error) {
	db, err := bolt.Open(path, 0644, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, vfserror.Wrap(vfserror.Io, path, err)
	}

	w := &WAL{db: db, retry: opts.Retry, errorLogger: opts.ErrorLogger}
	if w.retry.MaxAttempts == 0 {
		w.retry = DefaultRetryPolicy()
	}
	if w.errorLogger == nil {
		w.errorLogger = openfslog.Discard()
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketEntries, bucketOutbox, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		meta := tx.Bucket(bucketMeta)
		if meta.Get(keyNextID) == nil {
			return meta.Put(keyNextID, encodeID(1))
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, vfserror.Wrap(vfserror.Io, path, err)
	}

	if err := w.loadNextID(); err != nil {
		db.Close()
		return nil, err
	}

	if opts.RecoverOnStartup {
		if err := w.recoverProcessing(); err != nil {
			db.Close()
			return nil, err
		}
		if err := w.verifyUnappliedChecksums(); err != nil {
			db.Close()
			return nil, err
		}
	}

	return w, nil
}

// verifyUnappliedChecksums loads every entry recorded in the entries
// bucket and recomputes its checksum against what was stored at Append
// time, logging any mismatch it finds. This runs once, at Open, over the
// whole log rather than per-read: get() and GetUnapplied() already guard
// individual reads by silently skipping a corrupt entry so the sync
// engine can keep flushing everything else, but that means corruption can
// otherwise go unnoticed indefinitely. Decoding and hashing each entry is
// independent CPU work, so the scan fans out across a bounded pool of
// goroutines via errgroup instead of walking the bucket serially.
func (w *WAL) verifyUnappliedChecksums() error {
	var entries []Entry
	err := w.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEntries).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				continue
			}
			entries = append(entries, e)
		}
		return nil
	})
	if err != nil {
		return vfserror.Wrap(vfserror.Io, "", err)
	}

	var mu sync.Mutex
	var corrupt []uint64
	g := new(errgroup.Group)
	g.SetLimit(8)
	for _, e := range entries {
		e := e
		g.Go(func() error {
			if checksum(e.OpType, e.Path, e.Content) != e.Checksum {
				mu.Lock()
				corrupt = append(corrupt, e.ID)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if len(corrupt) > 0 {
		w.errorLogger.Printf("wal: recovery scan found %d entries with checksum mismatches: %v", len(corrupt), corrupt)
	}
	return nil
}

// Close releases the underlying bbolt file handle.
func (w *WAL) Close() error {
	return w.db.Close()
}

func encodeID(id uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, id)
	return b
}

func decodeID(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

func (w *WAL) loadNextID() error {
	return w.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		v := meta.Get(keyNextID)
		w.mu.Lock()
		w.nextID = decodeID(v)
		w.mu.Unlock()
		return nil
	})
}

func (w *WAL) allocateID() (uint64, error) {
	w.mu.Lock()
	id := w.nextID
	w.nextID++
	next := w.nextID
	w.mu.Unlock()

	err := w.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put(keyNextID, encodeID(next))
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// Append durably records a new entry and returns its id. On return, a
// crash will preserve the entry: the bbolt transaction is fsync'ed before
// Update returns.
func (w *WAL) Append(opType OpType, path string, content []byte) (uint64, error) {
	id, err := w.allocateID()
	if err != nil {
		return 0, vfserror.Wrap(vfserror.Io, path, err)
	}

	e := Entry{
		ID:        id,
		OpType:    opType,
		Path:      path,
		Content:   content,
		Checksum:  checksum(opType, path, content),
		CreatedAt: time.Now(),
		State:     Unapplied,
	}

	err = w.db.Update(func(tx *bolt.Tx) error {
		enc, err := json.Marshal(&e)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketEntries).Put(encodeID(id), enc); err != nil {
			return err
		}
		return tx.Bucket(bucketOutbox).Put(encodeID(id), []byte{byte(Unapplied)})
	})
	if err != nil {
		return 0, vfserror.Wrap(vfserror.Io, path, err)
	}
	return id, nil
}

func (w *WAL) get(tx *bolt.Tx, id uint64) (Entry, bool, error) {
	raw := tx.Bucket(bucketEntries).Get(encodeID(id))
	if raw == nil {
		return Entry{}, false, nil
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return Entry{}, true, err
	}
	if e.Checksum != checksum(e.OpType, e.Path, e.Content) {
		return Entry{}, true, vfserror.New(vfserror.Corruption, e.Path, "WAL entry checksum mismatch")
	}
	if status := tx.Bucket(bucketOutbox).Get(encodeID(id)); status != nil {
		e.State = State(status[0])
	}
	return e, true, nil
}

func (w *WAL) put(tx *bolt.Tx, e Entry) error {
	enc, err := json.Marshal(&e)
	if err != nil {
		return err
	}
	if err := tx.Bucket(bucketEntries).Put(encodeID(e.ID), enc); err != nil {
		return err
	}
	return tx.Bucket(bucketOutbox).Put(encodeID(e.ID), []byte{byte(e.State)})
}

// MarkProcessing transitions id from Unapplied to Processing.
func (w *WAL) MarkProcessing(id uint64) error {
	return w.db.Update(func(tx *bolt.Tx) error {
		e, ok, err := w.get(tx, id)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("wal: unknown entry %d", id)
		}
		e.State = Processing
		e.LastAttemptAt = time.Now()
		return w.put(tx, e)
	})
}

// MarkApplied transitions id to Applied and records the apply time.
func (w *WAL) MarkApplied(id uint64) error {
	return w.db.Update(func(tx *bolt.Tx) error {
		e, ok, err := w.get(tx, id)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("wal: unknown entry %d", id)
		}
		e.State = Applied
		e.AppliedAt = time.Now()
		e.HasApplied = true
		return w.put(tx, e)
	})
}

// MarkFailed increments the attempt counter and records applyErr. The
// entry moves to Failed; it remains retry-eligible until attempts reaches
// the configured cap, at which point it is a dead letter.
func (w *WAL) MarkFailed(id uint64, applyErr error) error {
	return w.db.Update(func(tx *bolt.Tx) error {
		e, ok, err := w.get(tx, id)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("wal: unknown entry %d", id)
		}
		e.Attempts++
		if applyErr != nil {
			e.LastError = applyErr.Error()
		}
		e.State = Failed
		if !w.retry.RetryEligible(e.Attempts) {
			w.errorLogger.Printf("wal: entry %d (%s %s) dead-lettered after %d attempts: %v", e.ID, e.OpType, e.Path, e.Attempts, applyErr)
		}
		return w.put(tx, e)
	})
}

// RetryPolicy returns the retry policy this WAL was configured with.
func (w *WAL) RetryPolicy() RetryPolicy {
	return w.retry
}

// GetUnapplied returns entries in Unapplied or retry-eligible Failed state,
// in ascending id order, skipping (and not returning) any entry that fails
// its checksum.
func (w *WAL) GetUnapplied() ([]Entry, error) {
	var out []Entry
	err := w.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketOutbox).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			st := State(v[0])
			if st != Unapplied && st != Failed {
				continue
			}
			id := decodeID(k)
			e, ok, err := w.get(tx, id)
			if err != nil {
				continue // corrupted entry, skip per spec recovery rules
			}
			if !ok {
				continue
			}
			if st == Failed && !w.retry.RetryEligible(e.Attempts) {
				continue // dead letter, not eligible for replay
			}
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, vfserror.Wrap(vfserror.Io, "", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetFailed returns entries in terminal Failed state (attempts >= cap).
func (w *WAL) GetFailed() ([]Entry, error) {
	var out []Entry
	err := w.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketOutbox).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if State(v[0]) != Failed {
				continue
			}
			id := decodeID(k)
			e, ok, err := w.get(tx, id)
			if err != nil || !ok {
				continue
			}
			if !w.retry.RetryEligible(e.Attempts) {
				out = append(out, e)
			}
		}
		return nil
	})
	if err != nil {
		return nil, vfserror.Wrap(vfserror.Io, "", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// OutboxStats reports the current distribution of outbox entries.
func (w *WAL) OutboxStats() (Stats, error) {
	var s Stats
	err := w.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketOutbox).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			switch State(v[0]) {
			case Unapplied:
				s.Pending++
			case Processing:
				s.Processing++
			case Failed:
				id := decodeID(k)
				e, ok, err := w.get(tx, id)
				if err == nil && ok && !w.retry.RetryEligible(e.Attempts) {
					s.Failed++
				} else {
					s.Pending++
				}
			}
		}
		return nil
	})
	if err != nil {
		return Stats{}, vfserror.Wrap(vfserror.Io, "", err)
	}
	return s, nil
}

// Checkpoint prunes every Applied entry, returning the count pruned. Safe
// to call concurrently with appends and application since it only ever
// touches entries already in the terminal Applied state.
func (w *WAL) Checkpoint() (int, error) {
	pruned := 0
	err := w.db.Update(func(tx *bolt.Tx) error {
		entries := tx.Bucket(bucketEntries)
		outbox := tx.Bucket(bucketOutbox)

		var toDelete [][]byte
		c := outbox.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if State(v[0]) == Applied {
				key := make([]byte, len(k))
				copy(key, k)
				toDelete = append(toDelete, key)
			}
		}
		for _, k := range toDelete {
			if err := entries.Delete(k); err != nil {
				return err
			}
			if err := outbox.Delete(k); err != nil {
				return err
			}
			pruned++
		}
		return nil
	})
	if err != nil {
		return 0, vfserror.Wrap(vfserror.Io, "", err)
	}
	return pruned, nil
}

// recoverProcessing resets any entry observed in Processing back to
// Unapplied, so a restart after a mid-apply crash replays it. Idempotency
// of Write (overwrite) and Delete (remove-if-present) at the apply layer
// makes this safe; Append is never queued as a raw append (see
// internal/cachedbackend), so replay never double-appends.
func (w *WAL) recoverProcessing() error {
	return w.db.Update(func(tx *bolt.Tx) error {
		outbox := tx.Bucket(bucketOutbox)
		c := outbox.Cursor()
		var toReset [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if State(v[0]) == Processing {
				key := make([]byte, len(k))
				copy(key, k)
				toReset = append(toReset, key)
			}
		}
		for _, k := range toReset {
			if err := outbox.Put(k, []byte{byte(Unapplied)}); err != nil {
				return err
			}
		}
		return nil
	})
}
