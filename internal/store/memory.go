package store

import (
	"context"
	"sort"
	"sync"
)

type memoryBucket struct {
	entries  map[string][]byte
	sequence int64
}

// MemoryStore keeps buckets in process memory. Update copies a bucket the
// first time fn writes to it and swaps the copies in only when fn succeeds,
// so a write costs O(size of the buckets it touches). That is fine for tests
// and small deployments; a large response cache belongs in SQLite.
type MemoryStore struct {
	mu      sync.RWMutex
	buckets map[string]*memoryBucket
	closed  bool
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buckets: make(map[string]*memoryBucket)}
}

func (s *MemoryStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}

	buckets := make(map[string]*memoryBucket, len(s.buckets))
	for name, bucket := range s.buckets {
		buckets[name] = bucket
	}
	tx := &memoryTx{buckets: buckets, writable: true, copied: make(map[string]bool)}
	if err := fn(tx); err != nil {
		return err
	}
	s.buckets = tx.buckets
	return nil
}

func (s *MemoryStore) View(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errClosed
	}

	return fn(&memoryTx{buckets: s.buckets})
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func cloneBucket(bucket *memoryBucket) *memoryBucket {
	entries := make(map[string][]byte, len(bucket.entries))
	for key, value := range bucket.entries {
		entries[key] = value
	}
	return &memoryBucket{entries: entries, sequence: bucket.sequence}
}

type memoryTx struct {
	buckets  map[string]*memoryBucket
	writable bool
	// buckets already copied for this transaction
	copied map[string]bool
}

func (tx *memoryTx) bucket(name string, create bool) *memoryBucket {
	bucket, ok := tx.buckets[name]
	if !ok && create {
		bucket = &memoryBucket{entries: make(map[string][]byte)}
		tx.buckets[name] = bucket
		tx.copied[name] = true
	}
	return bucket
}

// writableBucket returns the transaction's private copy of the bucket
func (tx *memoryTx) writableBucket(name string) *memoryBucket {
	bucket := tx.bucket(name, true)
	if !tx.copied[name] {
		bucket = cloneBucket(bucket)
		tx.buckets[name] = bucket
		tx.copied[name] = true
	}
	return bucket
}

func (tx *memoryTx) Get(bucket, key string) ([]byte, error) {
	b := tx.bucket(bucket, false)
	if b == nil {
		return nil, ErrNotFound
	}
	value, ok := b.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), value...), nil
}

func (tx *memoryTx) Put(bucket, key string, value []byte) error {
	if !tx.writable {
		return errReadOnly
	}
	tx.writableBucket(bucket).entries[key] = append([]byte(nil), value...)
	return nil
}

func (tx *memoryTx) Delete(bucket, key string) error {
	if !tx.writable {
		return errReadOnly
	}
	if b := tx.bucket(bucket, false); b != nil {
		if _, ok := b.entries[key]; ok {
			delete(tx.writableBucket(bucket).entries, key)
		}
	}
	return nil
}

func (tx *memoryTx) NextSequence(bucket string) (int64, error) {
	if !tx.writable {
		return 0, errReadOnly
	}
	b := tx.writableBucket(bucket)
	b.sequence++
	return b.sequence, nil
}

func (tx *memoryTx) ForEach(bucket string, fn func(key string, value []byte) error) error {
	b := tx.bucket(bucket, false)
	if b == nil {
		return nil
	}
	keys := make([]string, 0, len(b.entries))
	for key := range b.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if err := fn(key, append([]byte(nil), b.entries[key]...)); err != nil {
			return err
		}
	}
	return nil
}

func (tx *memoryTx) Count(bucket string) (int, error) {
	b := tx.bucket(bucket, false)
	if b == nil {
		return 0, nil
	}
	return len(b.entries), nil
}
