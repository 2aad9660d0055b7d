package offline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dalfonso89/fine-life/internal/models"
	"github.com/dalfonso89/fine-life/internal/store"
)

// DefaultMaxAttempts is how many replays an operation gets before it is dropped
const DefaultMaxAttempts = 3

// Queue is the persisted FIFO of writes waiting for the upstream
type Queue struct {
	store       store.Store
	logger      logrus.FieldLogger
	maxAttempts int
	now         func() time.Time
}

// NewQueue creates a queue over s
func NewQueue(s store.Store, maxAttempts int, logger logrus.FieldLogger) *Queue {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Queue{store: s, logger: logger, maxAttempts: maxAttempts, now: time.Now}
}

// queueKey zero-pads ids so that key order is enqueue order
func queueKey(id int64) string {
	return fmt.Sprintf("%020d", id)
}

// Enqueue appends op in its own transaction
func (q *Queue) Enqueue(ctx context.Context, op models.QueuedOperation) (models.QueuedOperation, error) {
	err := q.store.Update(ctx, func(tx store.Tx) error {
		var err error
		op, err = q.enqueueTx(tx, op)
		return err
	})
	return op, err
}

// enqueueTx assigns id, timestamp and attempt budget and appends op
func (q *Queue) enqueueTx(tx store.Tx, op models.QueuedOperation) (models.QueuedOperation, error) {
	id, err := tx.NextSequence(store.BucketQueue)
	if err != nil {
		return op, err
	}
	op.ID = id
	op.EnqueuedAt = q.now().UnixMilli()
	op.AttemptCount = 0
	op.MaxAttempts = q.maxAttempts

	if err := putOperation(tx, op); err != nil {
		return op, err
	}
	q.logger.WithFields(logrus.Fields{
		"operation_id": op.ID,
		"kind":         op.Kind,
		"path":         op.TargetPath,
	}).Info("Queued offline operation")
	return op, nil
}

// List returns queued operations in enqueue order
func (q *Queue) List(ctx context.Context) ([]models.QueuedOperation, error) {
	var operations []models.QueuedOperation
	err := q.store.View(ctx, func(tx store.Tx) error {
		return tx.ForEach(store.BucketQueue, func(key string, value []byte) error {
			var op models.QueuedOperation
			if err := json.Unmarshal(value, &op); err != nil {
				return fmt.Errorf("corrupt queue entry %s: %w", key, err)
			}
			operations = append(operations, op)
			return nil
		})
	})
	return operations, err
}

// get re-reads one operation; found is false once it has left the queue
func (q *Queue) get(ctx context.Context, id int64) (op models.QueuedOperation, found bool, err error) {
	err = q.store.View(ctx, func(tx store.Tx) error {
		data, err := tx.Get(store.BucketQueue, queueKey(id))
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return json.Unmarshal(data, &op)
	})
	return op, found, err
}

// Count returns the queue length
func (q *Queue) Count(ctx context.Context) (int, error) {
	var count int
	err := q.store.View(ctx, func(tx store.Tx) error {
		var err error
		count, err = tx.Count(store.BucketQueue)
		return err
	})
	return count, err
}

func putOperation(tx store.Tx, op models.QueuedOperation) error {
	data, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("failed to encode queued operation: %w", err)
	}
	return tx.Put(store.BucketQueue, queueKey(op.ID), data)
}

func deleteOperation(tx store.Tx, id int64) error {
	return tx.Delete(store.BucketQueue, queueKey(id))
}

// retargetOperations points queued writes aimed at localID at serverID and
// reports how many it changed
func retargetOperations(tx store.Tx, localID, serverID string) (int, error) {
	var retargeted []models.QueuedOperation
	err := tx.ForEach(store.BucketQueue, func(key string, value []byte) error {
		var op models.QueuedOperation
		if err := json.Unmarshal(value, &op); err != nil {
			return fmt.Errorf("corrupt queue entry %s: %w", key, err)
		}
		if op.RecordID != localID && !strings.Contains(op.TargetPath, localID) {
			return nil
		}
		op.RecordID = serverID
		op.TargetPath = strings.ReplaceAll(op.TargetPath, localID, serverID)
		if len(op.Payload) > 0 {
			op.Payload = bytes.ReplaceAll(op.Payload, []byte(localID), []byte(serverID))
		}
		retargeted = append(retargeted, op)
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, op := range retargeted {
		if err := putOperation(tx, op); err != nil {
			return 0, err
		}
	}
	return len(retargeted), nil
}
