package models

import (
	"net/http"
	"testing"
)

func TestOperationKindForMethod(t *testing.T) {
	tests := []struct {
		method   string
		expected OperationKind
		ok       bool
	}{
		{http.MethodPost, OperationCreate, true},
		{http.MethodPut, OperationUpdate, true},
		{http.MethodPatch, OperationUpdate, true},
		{http.MethodDelete, OperationDelete, true},
		{http.MethodGet, "", false},
		{http.MethodOptions, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			kind, ok := OperationKindForMethod(tt.method)
			if kind != tt.expected || ok != tt.ok {
				t.Errorf("OperationKindForMethod(%s) = (%v, %v), want (%v, %v)", tt.method, kind, ok, tt.expected, tt.ok)
			}
		})
	}
}

func TestLocalTransactionRecord_Document(t *testing.T) {
	record := LocalTransactionRecord{
		ID:           "offline_1",
		Transaction:  map[string]interface{}{"amount": 12.5, "_id": "stale"},
		SyncStatus:   SyncStatusPending,
		LastModified: 1700000000000,
	}

	doc := record.Document()

	if doc["_id"] != "offline_1" {
		t.Errorf("Document() _id = %v, want offline_1", doc["_id"])
	}
	if doc["syncStatus"] != SyncStatusPending {
		t.Errorf("Document() syncStatus = %v, want pending", doc["syncStatus"])
	}
	if doc["amount"] != 12.5 {
		t.Errorf("Document() amount = %v, want 12.5", doc["amount"])
	}
	if record.Transaction["_id"] != "stale" {
		t.Error("Document() mutated the underlying transaction")
	}
}
