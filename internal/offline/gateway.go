// Package offline keeps Fine Life writes alive while the upstream API is
// unreachable: failed writes are queued and applied to a local copy of the
// transactions, failed reads are answered from cache or that local copy, and
// the queue is replayed once the upstream is back.
package offline

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/dalfonso89/fine-life/internal/events"
	"github.com/dalfonso89/fine-life/internal/models"
	"github.com/dalfonso89/fine-life/internal/store"
)

const (
	transactionsPath = "/api/transactions"
	preferencesPath  = "/api/preferences"

	maxBodyBytes = 10 << 20

	headerOffline = "X-Fine-Life-Offline"
	headerCache   = "X-Fine-Life-Cache"
)

//go:embed offline.html
var offlinePage []byte

// SyncTrigger asks for a background replay
type SyncTrigger interface {
	Trigger()
}

// IsIntercepted reports whether path gets offline-aware handling
func IsIntercepted(path string) bool {
	return hasPathPrefix(path, transactionsPath) || hasPathPrefix(path, preferencesPath)
}

func hasPathPrefix(path, prefix string) bool {
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

// GatewayConfig holds the gateway's collaborators
type GatewayConfig struct {
	Store     store.Store
	Queue     *Queue
	Records   *Records
	Cache     *ResponseCache
	Upstream  *Upstream
	Publisher events.Publisher
	Trigger   SyncTrigger
	Logger    logrus.FieldLogger
}

// Gateway forwards application traffic to the upstream and degrades to
// local state when the upstream cannot be reached
type Gateway struct {
	store     store.Store
	queue     *Queue
	records   *Records
	cache     *ResponseCache
	upstream  *Upstream
	publisher events.Publisher
	trigger   SyncTrigger
	logger    logrus.FieldLogger
}

// NewGateway creates a gateway
func NewGateway(gatewayConfig GatewayConfig) *Gateway {
	return &Gateway{
		store:     gatewayConfig.Store,
		queue:     gatewayConfig.Queue,
		records:   gatewayConfig.Records,
		cache:     gatewayConfig.Cache,
		upstream:  gatewayConfig.Upstream,
		publisher: gatewayConfig.Publisher,
		trigger:   gatewayConfig.Trigger,
		logger:    gatewayConfig.Logger,
	}
}

// HandleIntercepted serves /api/transactions and /api/preferences
func (gateway *Gateway) HandleIntercepted(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, models.ErrorResponse{
			Error: "request body too large", Message: err.Error(), Code: http.StatusRequestEntityTooLarge,
		})
		return
	}

	resp, err := gateway.upstream.Do(r.Context(), r.Method, r.URL.RequestURI(), r.Header, body)
	if err == nil {
		gateway.relay(w, r, resp, true)
		return
	}
	if r.Context().Err() != nil {
		return
	}

	gateway.logger.WithFields(logrus.Fields{
		"method": r.Method,
		"path":   r.URL.Path,
	}).Warnf("Upstream unreachable, handling offline: %v", err)

	if kind, ok := models.OperationKindForMethod(r.Method); ok {
		gateway.queueWrite(w, r, kind, body)
		return
	}
	if r.Method == http.MethodGet {
		gateway.serveOfflineRead(w, r)
		return
	}

	writeJSON(w, http.StatusServiceUnavailable, models.ErrorResponse{
		Error: "offline", Message: "upstream unreachable", Code: http.StatusServiceUnavailable,
	})
}

// HandleCacheFirst serves everything else: cached GETs first, then the
// upstream, with the offline page for navigations that cannot be served
func (gateway *Gateway) HandleCacheFirst(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		gateway.passThrough(w, r)
		return
	}

	cached, found, err := gateway.cache.Get(r.Context(), r.URL.RequestURI())
	if err != nil {
		gateway.logger.Warnf("Response cache lookup failed for %s: %v", r.URL.Path, err)
	}
	if found {
		writeCached(w, cached, "hit")
		return
	}

	resp, err := gateway.upstream.Do(r.Context(), r.Method, r.URL.RequestURI(), r.Header, nil)
	if err == nil {
		gateway.relay(w, r, resp, false)
		return
	}
	if r.Context().Err() != nil {
		return
	}

	gateway.logger.Debugf("Upstream unreachable for %s: %v", r.URL.Path, err)
	if isNavigation(r) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set(headerOffline, "true")
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write(offlinePage)
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, models.ErrorResponse{
		Error: "offline", Message: "upstream unreachable and no cached response", Code: http.StatusServiceUnavailable,
	})
}

func (gateway *Gateway) passThrough(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, models.ErrorResponse{
			Error: "request body too large", Message: err.Error(), Code: http.StatusRequestEntityTooLarge,
		})
		return
	}
	resp, err := gateway.upstream.Do(r.Context(), r.Method, r.URL.RequestURI(), r.Header, body)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, models.ErrorResponse{
			Error: "upstream unreachable", Message: err.Error(), Code: http.StatusBadGateway,
		})
		return
	}
	gateway.relay(w, r, resp, false)
}

// relay copies the upstream response back. Successful GETs are cached on the
// way through; the transactions collection also refreshes the local records.
func (gateway *Gateway) relay(w http.ResponseWriter, r *http.Request, resp *http.Response, refreshRecords bool) {
	defer resp.Body.Close()

	cacheable := r.Method == http.MethodGet && resp.StatusCode >= 200 && resp.StatusCode <= 299
	if !cacheable {
		copyHeader(w.Header(), resp.Header)
		w.WriteHeader(resp.StatusCode)
		io.Copy(w, resp.Body)
		return
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		gateway.logger.Warnf("Failed to read upstream response for %s: %v", r.URL.Path, err)
		writeJSON(w, http.StatusBadGateway, models.ErrorResponse{
			Error: "upstream read failed", Message: err.Error(), Code: http.StatusBadGateway,
		})
		return
	}

	cached := CachedResponse{Status: resp.StatusCode, Header: cloneHeader(resp.Header), Body: data}
	if err := gateway.cache.Put(r.Context(), r.URL.RequestURI(), cached); err != nil {
		gateway.logger.Warnf("Failed to cache %s: %v", r.URL.Path, err)
	}
	if refreshRecords && strings.TrimSuffix(r.URL.Path, "/") == transactionsPath {
		gateway.refreshRecords(r, data)
	}

	copyHeader(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	w.Write(data)
}

func (gateway *Gateway) refreshRecords(r *http.Request, data []byte) {
	documents := decodeDocuments(data)
	if len(documents) == 0 {
		return
	}
	updated, err := gateway.records.Refresh(r.Context(), documents, r.URL.RawQuery == "")
	if err != nil {
		gateway.logger.Warnf("Failed to refresh local transactions: %v", err)
		return
	}
	gateway.logger.Debugf("Refreshed %d local transactions from upstream", updated)
}

// queueWrite persists the write and its optimistic local effect in one
// transaction, then answers 202 so the caller never sees the write fail
func (gateway *Gateway) queueWrite(w http.ResponseWriter, r *http.Request, kind models.OperationKind, body []byte) {
	op := models.QueuedOperation{
		Kind:       kind,
		Method:     r.Method,
		TargetPath: r.URL.RequestURI(),
		Headers:    captureHeaders(r.Header),
	}
	switch {
	case len(bytes.TrimSpace(body)) == 0:
	case json.Valid(body):
		op.Payload = json.RawMessage(body)
	default:
		op.RawBody = body
	}

	document := decodeObject(body)
	isTransaction := hasPathPrefix(r.URL.Path, transactionsPath)

	var record *models.LocalTransactionRecord
	err := gateway.store.Update(r.Context(), func(tx store.Tx) error {
		record = nil
		if isTransaction {
			applied, err := gateway.applyLocally(tx, r, kind, document)
			if err != nil {
				return err
			}
			if applied != nil {
				op.RecordID = applied.ID
				record = applied
			}
			if err := invalidatePrefixTx(tx, transactionsPath); err != nil {
				return err
			}
		} else if err := invalidatePrefixTx(tx, preferencesPath); err != nil {
			return err
		}
		var err error
		op, err = gateway.queue.enqueueTx(tx, op)
		return err
	})
	if err != nil {
		gateway.logger.Errorf("Failed to queue offline %s %s: %v", r.Method, r.URL.Path, err)
		writeJSON(w, http.StatusServiceUnavailable, models.ErrorResponse{
			Error: "offline", Message: "upstream unreachable and the write could not be queued", Code: http.StatusServiceUnavailable,
		})
		return
	}

	response := map[string]interface{}{
		"success": true,
		"offline": true,
		"queued":  true,
		"message": "Saved offline; it will sync when the connection is restored",
	}
	if record != nil {
		message := models.Message{Type: models.MessageOfflineTransaction, Action: kind}
		if kind == models.OperationDelete {
			message.TransactionID = record.ID
		} else {
			message.Transaction = record.Document()
		}
		gateway.publisher.Publish(message)
		response["transaction"] = record.Document()
	} else {
		response["transaction"] = nil
	}

	gateway.trigger.Trigger()

	w.Header().Set(headerOffline, "true")
	writeJSON(w, http.StatusAccepted, response)
}

func (gateway *Gateway) applyLocally(tx store.Tx, r *http.Request, kind models.OperationKind, document map[string]interface{}) (*models.LocalTransactionRecord, error) {
	var (
		record models.LocalTransactionRecord
		err    error
	)
	switch kind {
	case models.OperationCreate:
		record, err = gateway.records.applyCreate(tx, document)
	case models.OperationUpdate:
		id := targetID(r, document)
		if id == "" {
			return nil, nil
		}
		record, err = gateway.records.applyUpdate(tx, id, document)
	case models.OperationDelete:
		id := targetID(r, document)
		if id == "" {
			return nil, nil
		}
		record, err = gateway.records.applyDelete(tx, id)
	default:
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (gateway *Gateway) serveOfflineRead(w http.ResponseWriter, r *http.Request) {
	cached, found, err := gateway.cache.Get(r.Context(), r.URL.RequestURI())
	if err != nil {
		gateway.logger.Warnf("Response cache lookup failed for %s: %v", r.URL.Path, err)
	}
	if found {
		w.Header().Set(headerOffline, "true")
		writeCached(w, cached, "offline")
		return
	}

	path := strings.TrimSuffix(r.URL.Path, "/")
	switch {
	case path == transactionsPath:
		records, err := gateway.records.List(r.Context())
		if err != nil {
			gateway.logger.Errorf("Failed to read local transactions: %v", err)
			writeJSON(w, http.StatusServiceUnavailable, models.ErrorResponse{
				Error: "offline", Message: "local transactions unavailable", Code: http.StatusServiceUnavailable,
			})
			return
		}
		documents := make([]map[string]interface{}, 0, len(records))
		for _, record := range records {
			documents = append(documents, record.Document())
		}
		w.Header().Set(headerOffline, "true")
		writeJSON(w, http.StatusOK, documents)
	case hasPathPrefix(path, transactionsPath):
		id := targetID(r, nil)
		record, err := gateway.records.Get(r.Context(), id)
		if err != nil || record.SyncStatus == models.SyncStatusDeleted {
			writeJSON(w, http.StatusNotFound, models.ErrorResponse{
				Error: "not found", Message: "transaction not available offline", Code: http.StatusNotFound,
			})
			return
		}
		w.Header().Set(headerOffline, "true")
		writeJSON(w, http.StatusOK, record.Document())
	default:
		writeJSON(w, http.StatusServiceUnavailable, models.ErrorResponse{
			Error: "offline", Message: "upstream unreachable and no cached response", Code: http.StatusServiceUnavailable,
		})
	}
}

// targetID finds the transaction an update or delete is aimed at
func targetID(r *http.Request, document map[string]interface{}) string {
	if rest, ok := strings.CutPrefix(r.URL.Path, transactionsPath+"/"); ok {
		if id, _, _ := strings.Cut(rest, "/"); id != "" {
			return id
		}
	}
	if id := r.URL.Query().Get("id"); id != "" {
		return id
	}
	if document != nil {
		return documentID(document)
	}
	return ""
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	return io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
}

func decodeObject(body []byte) map[string]interface{} {
	var document map[string]interface{}
	if err := json.Unmarshal(body, &document); err != nil || document == nil {
		return map[string]interface{}{}
	}
	return document
}

// decodeDocuments accepts a bare array or {"transactions": [...]}
func decodeDocuments(data []byte) []map[string]interface{} {
	var documents []map[string]interface{}
	if err := json.Unmarshal(data, &documents); err == nil {
		return documents
	}
	var envelope struct {
		Transactions []map[string]interface{} `json:"transactions"`
	}
	if err := json.Unmarshal(data, &envelope); err == nil {
		return envelope.Transactions
	}
	return nil
}

func isNavigation(r *http.Request) bool {
	return r.Header.Get("Sec-Fetch-Mode") == "navigate" || strings.Contains(r.Header.Get("Accept"), "text/html")
}

func writeCached(w http.ResponseWriter, cached CachedResponse, source string) {
	copyHeader(w.Header(), cached.Header)
	w.Header().Set(headerCache, source)
	w.WriteHeader(cached.Status)
	w.Write(cached.Body)
}

func writeJSON(w http.ResponseWriter, status int, value interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(value)
}

func copyHeader(dst, src http.Header) {
	for key, values := range src {
		if hopHeaders[http.CanonicalHeaderKey(key)] {
			continue
		}
		dst.Del(key)
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

func cloneHeader(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	copyHeader(dst, src)
	return dst
}
