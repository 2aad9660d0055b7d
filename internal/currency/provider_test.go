package currency

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dalfonso89/fine-life/internal/config"
	"github.com/dalfonso89/fine-life/internal/logger"
	"github.com/dalfonso89/fine-life/internal/testutils"
)

func TestHTTPRatesProvider_GetRates(t *testing.T) {
	mockServer := testutils.NewMockRatesServer()
	defer mockServer.Close()

	provider := NewHTTPRatesProvider(config.RatesProvider{
		Name:    "mock-cdn",
		BaseURL: mockServer.URL(),
		Timeout: 5 * time.Second,
	}, logger.Discard())

	snapshot, err := provider.GetRates(context.Background(), "EUR")
	if err != nil {
		t.Fatalf("GetRates() error = %v", err)
	}

	if snapshot.BaseCurrency != "EUR" {
		t.Errorf("BaseCurrency = %q, want EUR", snapshot.BaseCurrency)
	}
	if snapshot.Date != "2024-05-01" {
		t.Errorf("Date = %q, want 2024-05-01", snapshot.Date)
	}
	if !snapshot.Rates["usd"].Equal(decimal.RequireFromString("1.1")) {
		t.Errorf("Rates[usd] = %s, want 1.1", snapshot.Rates["usd"])
	}
	if snapshot.Provider != "mock-cdn" {
		t.Errorf("Provider = %q, want mock-cdn", snapshot.Provider)
	}
}

func TestHTTPRatesProvider_Errors(t *testing.T) {
	tests := []struct {
		name     string
		handler  http.HandlerFunc
		expected ErrorType
	}{
		{
			name: "non-200 status",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", http.StatusInternalServerError)
			},
			expected: ErrorTypeInvalidResponse,
		},
		{
			name: "malformed body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte("{not json"))
			},
			expected: ErrorTypeInvalidResponse,
		},
		{
			name: "missing base table",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{"date":"2024-05-01","usd":{"eur":0.9}}`))
			},
			expected: ErrorTypeInvalidResponse,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			provider := NewHTTPRatesProvider(config.RatesProvider{Name: "test", BaseURL: server.URL}, logger.Discard())
			_, err := provider.GetRates(context.Background(), "EUR")
			if err == nil {
				t.Fatal("GetRates() error = nil, want error")
			}
			if got := classifyError(err); got != tt.expected {
				t.Errorf("classifyError() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestHTTPRatesProvider_SkipsNonNumericRates(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/currencies/eur.json" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{"date":"2024-05-01","eur":{"usd":1.1,"bad":"n/a","gbp":0.85}}`))
	}))
	defer server.Close()

	provider := NewHTTPRatesProvider(config.RatesProvider{Name: "test", BaseURL: server.URL}, logger.Discard())
	snapshot, err := provider.GetRates(context.Background(), "eur")
	if err != nil {
		t.Fatalf("GetRates() error = %v", err)
	}
	if len(snapshot.Rates) != 2 {
		t.Errorf("len(Rates) = %d, want 2", len(snapshot.Rates))
	}
}

func TestConverter_EndToEndCache(t *testing.T) {
	mockServer := testutils.NewMockRatesServer()
	defer mockServer.Close()

	cfg := testutils.MockConfigWithMocks(mockServer.URL(), "http://unused.test")
	converter := NewConverter(cfg, logger.Discard())

	first := converter.Convert(context.Background(), decimal.NewFromInt(100), "EUR", "USD")
	second := converter.Convert(context.Background(), decimal.NewFromInt(50), "EUR", "JPY")

	if !first.ConvertedAmount.Equal(decimal.RequireFromString("110")) {
		t.Errorf("first ConvertedAmount = %s, want 110", first.ConvertedAmount)
	}
	if !second.ConvertedAmount.Equal(decimal.RequireFromString("8012.5")) {
		t.Errorf("second ConvertedAmount = %s, want 8012.5", second.ConvertedAmount)
	}
	if count := mockServer.RequestCount(); count != 1 {
		t.Errorf("rates server requests = %d, want 1", count)
	}

	mockServer.SetFailing(true)
	converter.clearCache()
	fallback := converter.Convert(context.Background(), decimal.NewFromInt(100), "EUR", "USD")
	if !fallback.Fallback || !fallback.ConvertedAmount.Equal(decimal.NewFromInt(100)) {
		t.Errorf("fallback result = %+v, want identity", fallback)
	}
}
