package models

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

// ExchangeRateSnapshot is the rate table for one base currency. Rate keys are lowercase.
type ExchangeRateSnapshot struct {
	BaseCurrency string                     `json:"baseCurrency"`
	Rates        map[string]decimal.Decimal `json:"rates"`
	Date         string                     `json:"date"`
	FetchedAt    time.Time                  `json:"fetchedAt"`
	Provider     string                     `json:"provider"`
}

type ConvertQuery struct {
	From   string  `form:"from" binding:"required,alphanum,min=2,max=10"`
	To     string  `form:"to" binding:"required,alphanum,min=2,max=10"`
	Amount float64 `form:"amount" binding:"gte=0"`
}

type ConversionResult struct {
	From            string          `json:"from"`
	To              string          `json:"to"`
	Amount          decimal.Decimal `json:"amount"`
	ConvertedAmount decimal.Decimal `json:"convertedAmount"`
	Rate            decimal.Decimal `json:"rate"`
	Date            string          `json:"date"`
	Fallback        bool            `json:"fallback,omitempty"`
}

type CacheEntry struct {
	Data      ExchangeRateSnapshot
	ExpiresAt time.Time
}

// OperationKind is the kind of write captured by the offline queue
type OperationKind string

const (
	OperationCreate OperationKind = "create"
	OperationUpdate OperationKind = "update"
	OperationDelete OperationKind = "delete"
)

// OperationKindForMethod maps a mutating HTTP method onto an operation kind
func OperationKindForMethod(method string) (OperationKind, bool) {
	switch method {
	case http.MethodPost:
		return OperationCreate, true
	case http.MethodPut, http.MethodPatch:
		return OperationUpdate, true
	case http.MethodDelete:
		return OperationDelete, true
	default:
		return "", false
	}
}

// QueuedOperation is a write that could not reach the upstream API
type QueuedOperation struct {
	ID           int64             `json:"id"`
	Kind         OperationKind     `json:"type"`
	Method       string            `json:"method"`
	TargetPath   string            `json:"url"`
	Payload      json.RawMessage   `json:"data,omitempty"`
	RawBody      []byte            `json:"rawBody,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	RecordID     string            `json:"recordId,omitempty"`
	EnqueuedAt   int64             `json:"timestamp"`
	AttemptCount int               `json:"retryCount"`
	MaxAttempts  int               `json:"maxRetries"`
	LastError    string            `json:"lastError,omitempty"`
}

// SyncStatus of a locally stored transaction
type SyncStatus string

const (
	SyncStatusPending SyncStatus = "pending"
	SyncStatusSynced  SyncStatus = "synced"
	SyncStatusDeleted SyncStatus = "deleted"
)

// LocalTransactionRecord is the local copy of a transaction document.
// Deleted records are tombstones and are never physically removed.
type LocalTransactionRecord struct {
	ID           string                 `json:"id"`
	Transaction  map[string]interface{} `json:"transaction"`
	SyncStatus   SyncStatus             `json:"syncStatus"`
	LastModified int64                  `json:"lastModified"`
}

// Document returns the transaction annotated with its local sync state
func (r LocalTransactionRecord) Document() map[string]interface{} {
	doc := make(map[string]interface{}, len(r.Transaction)+3)
	for key, value := range r.Transaction {
		doc[key] = value
	}
	doc["_id"] = r.ID
	doc["syncStatus"] = r.SyncStatus
	doc["lastModified"] = r.LastModified
	return doc
}

// SyncRecord is the summary of the most recent queue replay
type SyncRecord struct {
	LastSyncAt int64 `json:"lastSyncAt"`
	Synced     int   `json:"synced"`
	Dropped    int   `json:"dropped"`
	Remaining  int   `json:"remaining"`
}

// MessageType identifies a message exchanged with application instances
type MessageType string

const (
	MessageOfflineTransaction MessageType = "OFFLINE_TRANSACTION"
	MessageSyncComplete       MessageType = "SYNC_COMPLETE"
	MessageQueueCount         MessageType = "QUEUE_COUNT"

	// inbound
	MessageSyncTransactions MessageType = "SYNC_TRANSACTIONS"
	MessageGetQueueCount    MessageType = "GET_QUEUE_COUNT"
)

type Message struct {
	Type          MessageType            `json:"type"`
	Action        OperationKind          `json:"action,omitempty"`
	Transaction   map[string]interface{} `json:"transaction,omitempty"`
	TransactionID string                 `json:"transactionId,omitempty"`
	Count         *int                   `json:"count,omitempty"`
	Sync          *SyncRecord            `json:"sync,omitempty"`
	Timestamp     int64                  `json:"timestamp"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

type HealthCheck struct {
	Status      string    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
	Version     string    `json:"version"`
	Uptime      string    `json:"uptime"`
	QueueLength int       `json:"queueLength"`
	StoreDriver string    `json:"storeDriver"`
}
