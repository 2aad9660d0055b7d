package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dalfonso89/fine-life/internal/models"
)

// TestIntegration_OfflineRoundTrip walks through a connection drop: writes are
// accepted and visible locally while offline, then reach the upstream in order
func TestIntegration_OfflineRoundTrip(t *testing.T) {
	ts := newTestServer(t)
	server := httptest.NewServer(ts.router)
	defer server.Close()

	conn := dialWS(t, server, nil)

	// prime the local copy while online
	require.Equal(t, http.StatusOK, ts.do(http.MethodGet, "/api/transactions", "").Code)

	ts.upstream.SetDown(true)

	created := ts.do(http.MethodPost, "/api/transactions", `{"amount":19.99,"type":"expense","date":"2024-06-10"}`)
	require.Equal(t, http.StatusAccepted, created.Code)
	var accepted struct {
		Transaction map[string]interface{} `json:"transaction"`
	}
	require.NoError(t, json.Unmarshal(created.Body.Bytes(), &accepted))
	localID, _ := accepted.Transaction["_id"].(string)
	require.NotEmpty(t, localID)

	notice := readMessage(t, conn, models.MessageOfflineTransaction)
	assert.Equal(t, models.OperationCreate, notice.Action)
	assert.Equal(t, localID, notice.Transaction["_id"])

	require.Equal(t, http.StatusAccepted, ts.do(http.MethodDelete, "/api/transactions/srv_2", "").Code)
	require.Equal(t, http.StatusAccepted, ts.do(http.MethodPut, "/api/preferences", `{"currency":"EUR"}`).Code)

	offlineList := ts.do(http.MethodGet, "/api/transactions", "")
	require.Equal(t, http.StatusOK, offlineList.Code)
	assert.Equal(t, "true", offlineList.Header().Get("X-Fine-Life-Offline"))
	var documents []map[string]interface{}
	require.NoError(t, json.Unmarshal(offlineList.Body.Bytes(), &documents))
	ids := make([]string, 0, len(documents))
	for _, document := range documents {
		ids = append(ids, document["_id"].(string))
	}
	assert.ElementsMatch(t, []string{localID, "srv_1"}, ids)

	ts.upstream.SetDown(false)
	ts.upstream.ResetRequests()

	synced := ts.do(http.MethodPost, "/api/v1/sync", "")
	require.Equal(t, http.StatusOK, synced.Code)

	complete := readMessage(t, conn, models.MessageSyncComplete)
	assert.Equal(t, 3, complete.Sync.Synced)
	assert.Zero(t, complete.Sync.Dropped)

	requests := ts.upstream.Requests()
	require.Len(t, requests, 3)
	assert.Equal(t, []string{"POST /api/transactions", "DELETE /api/transactions/srv_2", "PUT /api/preferences"},
		[]string{
			requests[0].Method + " " + requests[0].Path,
			requests[1].Method + " " + requests[1].Path,
			requests[2].Method + " " + requests[2].Path,
		})
}

// TestIntegration_DroppedAfterRetries shows the data-loss edge: an operation
// the upstream keeps rejecting disappears after three replays
func TestIntegration_DroppedAfterRetries(t *testing.T) {
	ts := newTestServer(t)
	server := httptest.NewServer(ts.router)
	defer server.Close()

	ts.upstream.SetDown(true)
	require.Equal(t, http.StatusAccepted, ts.do(http.MethodPost, "/api/transactions", `{"amount":1}`).Code)
	ts.upstream.SetDown(false)
	ts.upstream.SetStatus("/api/transactions", http.StatusInternalServerError)

	for attempt := 1; attempt <= 3; attempt++ {
		w := ts.do(http.MethodPost, "/api/v1/sync", "")
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := ts.do(http.MethodGet, "/api/v1/sync/queue", "")
	assert.JSONEq(t, `{"count":0,"operations":[]}`, w.Body.String())

	conn := dialWS(t, server, nil)
	require.NoError(t, conn.WriteJSON(models.Message{Type: models.MessageGetQueueCount}))
	reply := readMessage(t, conn, models.MessageQueueCount)
	require.NotNil(t, reply.Count)
	assert.Zero(t, *reply.Count)
}
