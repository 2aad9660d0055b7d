// Package store is the gateway's local keyed database. Data lives in named
// buckets; every read or write happens inside a transaction.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/dalfonso89/fine-life/internal/config"
	"github.com/dalfonso89/fine-life/internal/logger"
)

// Bucket names used by the offline gateway
const (
	BucketTransactions = "transactions"
	BucketQueue        = "offline_queue"
	BucketSyncStatus   = "sync_status"
	BucketResponses    = "responses"
)

// ErrNotFound is returned by Tx.Get for a missing key
var ErrNotFound = errors.New("store: key not found")

// Tx is a read-write or read-only view of the store
type Tx interface {
	Get(bucket, key string) ([]byte, error)
	Put(bucket, key string, value []byte) error
	Delete(bucket, key string) error
	// NextSequence returns the next value of the bucket's monotonic counter, starting at 1.
	NextSequence(bucket string) (int64, error)
	// ForEach visits entries in ascending key order.
	ForEach(bucket string, fn func(key string, value []byte) error) error
	Count(bucket string) (int, error)
}

// Store runs transactions. A non-nil error from fn rolls back Update.
type Store interface {
	Update(ctx context.Context, fn func(tx Tx) error) error
	View(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}

// Open builds the store selected by configuration
func Open(configuration *config.Config, log *logger.Logger) (Store, error) {
	switch configuration.StoreDriver {
	case config.StoreDriverMemory:
		log.Component("store").Info("Using in-memory store; queued writes are lost on restart")
		return NewMemoryStore(), nil
	case config.StoreDriverSQLite, "":
		return OpenSQLite(configuration.StorePath, log.Component("store"))
	default:
		return nil, fmt.Errorf("unknown store driver %q", configuration.StoreDriver)
	}
}

var (
	errClosed   = errors.New("store: closed")
	errReadOnly = errors.New("store: write in read-only transaction")
)
