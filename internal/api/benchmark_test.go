package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func BenchmarkConvert(b *testing.B) {
	ts := newTestServer(b)
	// warm the rate cache so the loop measures the handler
	ts.do(http.MethodGet, "/api/v1/convert?amount=1&from=EUR&to=USD", "")

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/convert?amount=125.40&from=EUR&to=USD", nil)
			w := httptest.NewRecorder()
			ts.router.ServeHTTP(w, req)
			if w.Code != http.StatusOK {
				b.Fatalf("status = %d", w.Code)
			}
		}
	})
}

func BenchmarkOfflineWrite(b *testing.B) {
	ts := newTestServer(b)
	ts.upstream.SetDown(true)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/transactions", strings.NewReader(`{"amount":1,"type":"expense"}`))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		ts.router.ServeHTTP(w, req)
		if w.Code != http.StatusAccepted {
			b.Fatalf("status = %d", w.Code)
		}
	}
}
