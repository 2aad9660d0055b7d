package testutils

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
)

// MockRatesServer serves the currency CDN layout /v1/currencies/{code}.json
type MockRatesServer struct {
	server *httptest.Server

	mu       sync.Mutex
	tables   map[string]map[string]float64
	date     string
	failing  bool
	requests []string
}

// NewMockRatesServer creates a rates server with EUR and USD tables
func NewMockRatesServer() *MockRatesServer {
	mock := &MockRatesServer{
		tables: map[string]map[string]float64{
			"eur": {"usd": 1.1, "gbp": 0.85, "jpy": 160.25, "eur": 1},
			"usd": {"eur": 0.9, "gbp": 0.78, "jpy": 149.5, "usd": 1},
		},
		date: "2024-05-01",
	}
	mock.server = httptest.NewServer(http.HandlerFunc(mock.handler))
	return mock
}

func (m *MockRatesServer) handler(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.requests = append(m.requests, r.URL.Path)
	failing := m.failing
	m.mu.Unlock()

	if failing {
		http.Error(w, "upstream unavailable", http.StatusServiceUnavailable)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	const prefix = "/v1/currencies/"
	if !strings.HasPrefix(r.URL.Path, prefix) || !strings.HasSuffix(r.URL.Path, ".json") {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	code := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, prefix), ".json")

	m.mu.Lock()
	table, found := m.tables[code]
	date := m.date
	m.mu.Unlock()

	if !found {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"date": date,
		code:   table,
	})
}

// SetRates replaces the table for a base currency
func (m *MockRatesServer) SetRates(base string, rates map[string]float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tables[strings.ToLower(base)] = rates
}

// SetFailing makes every request answer 503
func (m *MockRatesServer) SetFailing(failing bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failing = failing
}

// RequestCount returns how many requests the server has seen
func (m *MockRatesServer) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// URL returns the mock server URL
func (m *MockRatesServer) URL() string {
	return m.server.URL
}

// Close closes the mock server
func (m *MockRatesServer) Close() {
	m.server.Close()
}

// RecordedRequest is a request seen by MockUpstreamServer
type RecordedRequest struct {
	Method string
	Path   string
	Body   string
	Header http.Header
}

// MockUpstreamServer imitates the Fine Life API. While down it drops every
// connection so clients see a transport error rather than a status code.
type MockUpstreamServer struct {
	server *httptest.Server

	mu           sync.Mutex
	down         bool
	statusByPath map[string]int
	requests     []RecordedRequest
	transactions []map[string]interface{}
	nextID       int
}

// NewMockUpstreamServer creates an upstream with two stored transactions
func NewMockUpstreamServer() *MockUpstreamServer {
	mock := &MockUpstreamServer{
		statusByPath: make(map[string]int),
		transactions: []map[string]interface{}{
			{"_id": "srv_1", "amount": 42.5, "type": "expense", "date": "2024-05-01"},
			{"_id": "srv_2", "amount": 1200, "type": "income", "date": "2024-05-02"},
		},
		nextID: 3,
	}
	mock.server = httptest.NewServer(http.HandlerFunc(mock.handler))
	return mock
}

func (m *MockUpstreamServer) handler(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	down := m.down
	m.mu.Unlock()

	if down {
		if hijacker, ok := w.(http.Hijacker); ok {
			if conn, _, err := hijacker.Hijack(); err == nil {
				conn.Close()
				return
			}
		}
		panic(http.ErrAbortHandler)
	}

	body, _ := io.ReadAll(r.Body)

	m.mu.Lock()
	m.requests = append(m.requests, RecordedRequest{
		Method: r.Method,
		Path:   r.URL.RequestURI(),
		Body:   string(body),
		Header: r.Header.Clone(),
	})
	status, overridden := m.statusByPath[r.URL.Path]
	m.mu.Unlock()

	if overridden {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		fmt.Fprintf(w, `{"error":"status %d"}`, status)
		return
	}

	switch {
	case strings.HasPrefix(r.URL.Path, "/api/transactions"):
		m.handleTransactions(w, r, body)
	case strings.HasPrefix(r.URL.Path, "/api/preferences"):
		w.Header().Set("Content-Type", "application/json")
		if r.Method == http.MethodGet {
			w.Write([]byte(`{"currency":"USD","theme":"dark"}`))
			return
		}
		w.Write([]byte(`{"success":true}`))
	case r.URL.Path == "/" || r.URL.Path == "/dashboard":
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte("<html><body>dashboard</body></html>"))
	case strings.HasPrefix(r.URL.Path, "/static/"):
		w.Header().Set("Content-Type", "application/javascript")
		w.Write([]byte("console.log('fine life')"))
	default:
		http.Error(w, "Not found", http.StatusNotFound)
	}
}

func (m *MockUpstreamServer) handleTransactions(w http.ResponseWriter, r *http.Request, body []byte) {
	w.Header().Set("Content-Type", "application/json")

	m.mu.Lock()
	defer m.mu.Unlock()

	switch r.Method {
	case http.MethodGet:
		json.NewEncoder(w).Encode(m.transactions)
	case http.MethodPost:
		doc := map[string]interface{}{}
		_ = json.Unmarshal(body, &doc)
		doc["_id"] = fmt.Sprintf("srv_%d", m.nextID)
		m.nextID++
		m.transactions = append(m.transactions, doc)
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(doc)
	default:
		w.Write([]byte(`{"success":true}`))
	}
}

// SetDown toggles connection dropping
func (m *MockUpstreamServer) SetDown(down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.down = down
}

// SetStatus forces a status code for a path; zero clears it
func (m *MockUpstreamServer) SetStatus(path string, status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if status == 0 {
		delete(m.statusByPath, path)
		return
	}
	m.statusByPath[path] = status
}

// Requests returns a copy of every recorded request in arrival order
func (m *MockUpstreamServer) Requests() []RecordedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RecordedRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

// ResetRequests forgets recorded requests
func (m *MockUpstreamServer) ResetRequests() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = nil
}

// URL returns the mock server URL
func (m *MockUpstreamServer) URL() string {
	return m.server.URL
}

// Close closes the mock server
func (m *MockUpstreamServer) Close() {
	m.server.Close()
}
