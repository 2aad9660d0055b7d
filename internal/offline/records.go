package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dalfonso89/fine-life/internal/models"
	"github.com/dalfonso89/fine-life/internal/store"
)

// LocalIDPrefix marks transactions created while offline
const LocalIDPrefix = "offline_"

// NewLocalID returns a fresh locally-originated transaction id
func NewLocalID() string {
	return LocalIDPrefix + uuid.NewString()
}

// IsLocalID reports whether id was assigned by the gateway
func IsLocalID(id string) bool {
	return strings.HasPrefix(id, LocalIDPrefix)
}

// Records is the local copy of transaction documents
type Records struct {
	store store.Store
	now   func() time.Time
}

// NewRecords creates a record set over s
func NewRecords(s store.Store) *Records {
	return &Records{store: s, now: time.Now}
}

// Get returns a record including tombstones
func (r *Records) Get(ctx context.Context, id string) (models.LocalTransactionRecord, error) {
	var record models.LocalTransactionRecord
	err := r.store.View(ctx, func(tx store.Tx) error {
		var err error
		record, err = getRecord(tx, id)
		return err
	})
	return record, err
}

// List returns every record that is not tombstoned, newest transaction date first
func (r *Records) List(ctx context.Context) ([]models.LocalTransactionRecord, error) {
	var records []models.LocalTransactionRecord
	err := r.store.View(ctx, func(tx store.Tx) error {
		return tx.ForEach(store.BucketTransactions, func(key string, value []byte) error {
			var record models.LocalTransactionRecord
			if err := json.Unmarshal(value, &record); err != nil {
				return fmt.Errorf("corrupt transaction record %s: %w", key, err)
			}
			if record.SyncStatus != models.SyncStatusDeleted {
				records = append(records, record)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(records, func(i, j int) bool {
		di, dj := documentDate(records[i]), documentDate(records[j])
		if di != dj {
			return di > dj
		}
		return records[i].LastModified > records[j].LastModified
	})
	return records, nil
}

// Refresh stores documents fetched from the upstream as synced. Records with
// local changes that have not been replayed yet are left alone. A complete
// listing also supersedes synced records still under a local id, since the
// upstream now lists them under its own.
func (r *Records) Refresh(ctx context.Context, documents []map[string]interface{}, complete bool) (int, error) {
	updated := 0
	err := r.store.Update(ctx, func(tx store.Tx) error {
		updated = 0
		if complete {
			if err := pruneSyncedLocal(tx); err != nil {
				return err
			}
		}
		for _, doc := range documents {
			id := documentID(doc)
			if id == "" {
				continue
			}
			existing, err := getRecord(tx, id)
			switch {
			case err == nil && existing.SyncStatus != models.SyncStatusSynced:
				continue
			case err != nil && !errors.Is(err, store.ErrNotFound):
				return err
			}
			record := models.LocalTransactionRecord{
				ID:           id,
				Transaction:  doc,
				SyncStatus:   models.SyncStatusSynced,
				LastModified: r.now().UnixMilli(),
			}
			if err := putRecord(tx, record); err != nil {
				return err
			}
			updated++
		}
		return nil
	})
	return updated, err
}

// applyCreate stores doc under a new local id, pending sync
func (r *Records) applyCreate(tx store.Tx, doc map[string]interface{}) (models.LocalTransactionRecord, error) {
	id := NewLocalID()
	transaction := copyDocument(doc)
	transaction["_id"] = id

	record := models.LocalTransactionRecord{
		ID:           id,
		Transaction:  transaction,
		SyncStatus:   models.SyncStatusPending,
		LastModified: r.now().UnixMilli(),
	}
	return record, putRecord(tx, record)
}

// applyUpdate merges patch into the record, creating it when unknown
func (r *Records) applyUpdate(tx store.Tx, id string, patch map[string]interface{}) (models.LocalTransactionRecord, error) {
	record, err := getRecord(tx, id)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return record, err
	}

	transaction := copyDocument(record.Transaction)
	for key, value := range patch {
		transaction[key] = value
	}
	transaction["_id"] = id

	record = models.LocalTransactionRecord{
		ID:           id,
		Transaction:  transaction,
		SyncStatus:   models.SyncStatusPending,
		LastModified: r.now().UnixMilli(),
	}
	return record, putRecord(tx, record)
}

// applyDelete tombstones the record; it is never physically removed
func (r *Records) applyDelete(tx store.Tx, id string) (models.LocalTransactionRecord, error) {
	record, err := getRecord(tx, id)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return record, err
	}

	record.ID = id
	record.Transaction = copyDocument(record.Transaction)
	record.Transaction["_id"] = id
	record.SyncStatus = models.SyncStatusDeleted
	record.LastModified = r.now().UnixMilli()
	return record, putRecord(tx, record)
}

// markSynced flips a pending record to synced after a successful replay
func markSynced(tx store.Tx, id string) error {
	record, err := getRecord(tx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if record.SyncStatus != models.SyncStatusPending {
		return nil
	}
	record.SyncStatus = models.SyncStatusSynced
	return putRecord(tx, record)
}

// rekeyRecord moves a replayed local record under the id the upstream
// assigned. It stays pending while later queued writes still target it.
func rekeyRecord(tx store.Tx, localID, serverID string, stillQueued bool) error {
	record, err := getRecord(tx, localID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := tx.Delete(store.BucketTransactions, localID); err != nil {
		return err
	}

	record.ID = serverID
	record.Transaction = copyDocument(record.Transaction)
	record.Transaction["_id"] = serverID
	if record.SyncStatus == models.SyncStatusPending && !stillQueued {
		record.SyncStatus = models.SyncStatusSynced
	}
	return putRecord(tx, record)
}

func pruneSyncedLocal(tx store.Tx) error {
	var stale []string
	err := tx.ForEach(store.BucketTransactions, func(key string, value []byte) error {
		if !IsLocalID(key) {
			return nil
		}
		var record models.LocalTransactionRecord
		if err := json.Unmarshal(value, &record); err != nil {
			return fmt.Errorf("corrupt transaction record %s: %w", key, err)
		}
		if record.SyncStatus == models.SyncStatusSynced {
			stale = append(stale, key)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, key := range stale {
		if err := tx.Delete(store.BucketTransactions, key); err != nil {
			return err
		}
	}
	return nil
}

// createdID reads the id from the upstream's answer to a create, either the
// document itself or {"transaction": {...}}
func createdID(response []byte) string {
	doc := decodeObject(response)
	if id := documentID(doc); id != "" {
		return id
	}
	for _, field := range []string{"transaction", "data"} {
		if nested, ok := doc[field].(map[string]interface{}); ok {
			if id := documentID(nested); id != "" {
				return id
			}
		}
	}
	return ""
}

func getRecord(tx store.Tx, id string) (models.LocalTransactionRecord, error) {
	var record models.LocalTransactionRecord
	data, err := tx.Get(store.BucketTransactions, id)
	if err != nil {
		return record, err
	}
	if err := json.Unmarshal(data, &record); err != nil {
		return record, fmt.Errorf("corrupt transaction record %s: %w", id, err)
	}
	return record, nil
}

func putRecord(tx store.Tx, record models.LocalTransactionRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode transaction record: %w", err)
	}
	return tx.Put(store.BucketTransactions, record.ID, data)
}

func copyDocument(doc map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(doc)+1)
	for key, value := range doc {
		out[key] = value
	}
	return out
}

// documentID reads the id the upstream uses, "_id" first
func documentID(doc map[string]interface{}) string {
	for _, field := range []string{"_id", "id"} {
		switch value := doc[field].(type) {
		case string:
			if value != "" {
				return value
			}
		case json.Number:
			return value.String()
		case float64:
			return fmt.Sprintf("%.0f", value)
		}
	}
	return ""
}

func documentDate(record models.LocalTransactionRecord) string {
	if date, ok := record.Transaction["date"].(string); ok {
		return date
	}
	return ""
}
