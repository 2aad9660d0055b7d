package offline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dalfonso89/fine-life/internal/events"
	"github.com/dalfonso89/fine-life/internal/models"
	"github.com/dalfonso89/fine-life/internal/store"
)

const lastSyncKey = "lastSync"

// ReplayState is where a queued operation stands after a replay attempt:
// pending -> retrying(n) -> synced | abandoned
type ReplayState string

const (
	ReplayPending   ReplayState = "pending"
	ReplayRetrying  ReplayState = "retrying"
	ReplaySynced    ReplayState = "synced"
	ReplayAbandoned ReplayState = "abandoned"
)

// terminal reports whether the operation leaves the queue in this state
func (s ReplayState) terminal() bool {
	return s == ReplaySynced || s == ReplayAbandoned
}

// ReplayOutcome is the result of one attempt for one operation
type ReplayOutcome struct {
	OperationID int64                `json:"operationId"`
	Kind        models.OperationKind `json:"kind"`
	Path        string               `json:"path"`
	State       ReplayState          `json:"state"`
	Attempts    int                  `json:"attempts"`
	Error       string               `json:"error,omitempty"`
}

// ReplaySummary describes one pass over the queue
type ReplaySummary struct {
	Processed int             `json:"processed"`
	Synced    int             `json:"synced"`
	Retrying  int             `json:"retrying"`
	Abandoned int             `json:"abandoned"`
	Remaining int             `json:"remaining"`
	Outcomes  []ReplayOutcome `json:"outcomes"`
}

// nextState records an attempt on op and returns the state it moves to.
// Running out of attempts abandons the operation; its data is lost.
func nextState(op *models.QueuedOperation, attemptErr error) ReplayState {
	if attemptErr == nil {
		return ReplaySynced
	}
	op.AttemptCount++
	op.LastError = attemptErr.Error()
	if op.AttemptCount >= op.MaxAttempts {
		return ReplayAbandoned
	}
	return ReplayRetrying
}

// Replayer drains the queue against the upstream, one operation at a time
type Replayer struct {
	store      store.Store
	queue      *Queue
	dispatcher Dispatcher
	publisher  events.Publisher
	logger     logrus.FieldLogger
	now        func() time.Time

	// one replay at a time keeps the upstream seeing operations in enqueue order
	mu sync.Mutex
}

// NewReplayer wires a replayer
func NewReplayer(s store.Store, queue *Queue, dispatcher Dispatcher, publisher events.Publisher, logger logrus.FieldLogger) *Replayer {
	return &Replayer{
		store:      s,
		queue:      queue,
		dispatcher: dispatcher,
		publisher:  publisher,
		logger:     logger,
		now:        time.Now,
	}
}

// Replay sends every queued operation in FIFO order. A failing operation only
// burns its own attempts; later operations are still tried.
func (r *Replayer) Replay(ctx context.Context) (ReplaySummary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	summary := ReplaySummary{Outcomes: []ReplayOutcome{}}

	operations, err := r.queue.List(ctx)
	if err != nil {
		return summary, err
	}
	if len(operations) > 0 {
		r.logger.Infof("Replaying %d queued operations", len(operations))
	}

	for _, listed := range operations {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		// an earlier create in this pass may have retargeted it
		op, found, err := r.queue.get(ctx, listed.ID)
		if err != nil {
			return summary, err
		}
		if !found {
			continue
		}

		response, dispatchErr := r.dispatcher.Dispatch(ctx, op)
		if dispatchErr != nil && ctx.Err() != nil {
			// shutting down is not the operation's fault
			return summary, ctx.Err()
		}

		state := nextState(&op, dispatchErr)
		if err := r.settle(ctx, op, state, response); err != nil {
			return summary, err
		}

		outcome := ReplayOutcome{
			OperationID: op.ID,
			Kind:        op.Kind,
			Path:        op.TargetPath,
			State:       state,
			Attempts:    op.AttemptCount,
			Error:       op.LastError,
		}
		if state == ReplaySynced {
			outcome.Error = ""
		}
		summary.Outcomes = append(summary.Outcomes, outcome)
		summary.Processed++

		entry := r.logger.WithFields(logrus.Fields{
			"operation_id": op.ID,
			"kind":         op.Kind,
			"path":         op.TargetPath,
			"attempts":     op.AttemptCount,
		})
		switch state {
		case ReplaySynced:
			summary.Synced++
			entry.Info("Replayed queued operation")
		case ReplayRetrying:
			summary.Retrying++
			entry.Warnf("Replay failed, will retry: %v", dispatchErr)
		case ReplayAbandoned:
			summary.Abandoned++
			entry.Errorf("Dropping queued operation after %d failed attempts: %v", op.AttemptCount, dispatchErr)
		}
	}

	remaining, err := r.queue.Count(ctx)
	if err != nil {
		return summary, err
	}
	summary.Remaining = remaining

	record := models.SyncRecord{
		LastSyncAt: r.now().UnixMilli(),
		Synced:     summary.Synced,
		Dropped:    summary.Abandoned,
		Remaining:  remaining,
	}
	if err := r.saveSyncRecord(ctx, record); err != nil {
		r.logger.Warnf("Failed to store sync status: %v", err)
	}

	r.publisher.Publish(models.Message{
		Type: models.MessageSyncComplete,
		Sync: &record,
	})
	return summary, nil
}

// LastSync returns the record of the most recent replay
func (r *Replayer) LastSync(ctx context.Context) (models.SyncRecord, bool, error) {
	var record models.SyncRecord
	found := false
	err := r.store.View(ctx, func(tx store.Tx) error {
		data, err := tx.Get(store.BucketSyncStatus, lastSyncKey)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return json.Unmarshal(data, &record)
	})
	return record, found, err
}

// settle persists the state transition of op. A replayed create moves its
// local record to the id the upstream assigned.
func (r *Replayer) settle(ctx context.Context, op models.QueuedOperation, state ReplayState, response []byte) error {
	return r.store.Update(ctx, func(tx store.Tx) error {
		if state.terminal() {
			if err := deleteOperation(tx, op.ID); err != nil {
				return err
			}
		}
		switch {
		case state == ReplayRetrying:
			return putOperation(tx, op)
		case state != ReplaySynced || op.RecordID == "":
			return nil
		}

		serverID := ""
		if op.Kind == models.OperationCreate && IsLocalID(op.RecordID) {
			serverID = createdID(response)
		}
		if serverID == "" || serverID == op.RecordID {
			return markSynced(tx, op.RecordID)
		}
		retargeted, err := retargetOperations(tx, op.RecordID, serverID)
		if err != nil {
			return err
		}
		if err := rekeyRecord(tx, op.RecordID, serverID, retargeted > 0); err != nil {
			return err
		}
		r.logger.WithFields(logrus.Fields{
			"local_id":  op.RecordID,
			"server_id": serverID,
		}).Debug("Local transaction now known by its upstream id")
		return invalidatePrefixTx(tx, transactionsPath)
	})
}

func (r *Replayer) saveSyncRecord(ctx context.Context, record models.SyncRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return r.store.Update(ctx, func(tx store.Tx) error {
		return tx.Put(store.BucketSyncStatus, lastSyncKey, data)
	})
}

// StateOf returns the state of an operation still in the queue
func StateOf(op models.QueuedOperation) ReplayState {
	if op.AttemptCount == 0 {
		return ReplayPending
	}
	return ReplayRetrying
}
