package currency

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dalfonso89/fine-life/internal/logger"
	"github.com/dalfonso89/fine-life/internal/models"
)

// MockProvider is a mock implementation of RatesProvider for testing
type MockProvider struct {
	name  string
	rates map[string]map[string]decimal.Decimal
	err   error
	delay time.Duration
	calls atomic.Int32
}

func (m *MockProvider) GetName() string {
	return m.name
}

func (m *MockProvider) GetRates(ctx context.Context, baseCurrency string) (models.ExchangeRateSnapshot, error) {
	m.calls.Add(1)
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	if m.err != nil {
		return models.ExchangeRateSnapshot{}, m.err
	}
	return models.ExchangeRateSnapshot{
		BaseCurrency: baseCurrency,
		Rates:        m.rates[baseCurrency],
		Date:         "2024-05-01",
		Provider:     m.name,
	}, nil
}

func newEURProvider() *MockProvider {
	return &MockProvider{
		name: "mock",
		rates: map[string]map[string]decimal.Decimal{
			"EUR": {
				"usd": decimal.RequireFromString("1.1"),
				"gbp": decimal.RequireFromString("0.8567"),
			},
		},
	}
}

func newTestConverter(provider RatesProvider) *Converter {
	return NewConverterWithProvider(provider, time.Hour, logger.Discard())
}

func TestConverter_Convert_SameCurrency(t *testing.T) {
	provider := newEURProvider()
	converter := newTestConverter(provider)

	amounts := []string{"0", "100", "-25.5", "12345.6789"}
	for _, raw := range amounts {
		amount := decimal.RequireFromString(raw)
		result := converter.Convert(context.Background(), amount, "usd", "USD")

		if !result.ConvertedAmount.Equal(amount) {
			t.Errorf("Convert(%s, USD, USD) converted = %s, want %s", raw, result.ConvertedAmount, amount)
		}
		if !result.Rate.Equal(decimal.NewFromInt(1)) {
			t.Errorf("Convert(%s, USD, USD) rate = %s, want 1", raw, result.Rate)
		}
		if result.Fallback {
			t.Errorf("Convert(%s, USD, USD) reported fallback", raw)
		}
	}

	if calls := provider.calls.Load(); calls != 0 {
		t.Errorf("provider called %d times, want 0", calls)
	}
}

func TestConverter_Convert_UsesRateTable(t *testing.T) {
	converter := newTestConverter(newEURProvider())

	result := converter.Convert(context.Background(), decimal.NewFromInt(100), "EUR", "usd")

	if !result.ConvertedAmount.Equal(decimal.RequireFromString("110.00")) {
		t.Errorf("ConvertedAmount = %s, want 110.00", result.ConvertedAmount)
	}
	if !result.Rate.Equal(decimal.RequireFromString("1.1")) {
		t.Errorf("Rate = %s, want 1.1", result.Rate)
	}
	if result.Date != "2024-05-01" {
		t.Errorf("Date = %q, want 2024-05-01", result.Date)
	}
	if result.From != "EUR" || result.To != "USD" {
		t.Errorf("From/To = %s/%s, want EUR/USD", result.From, result.To)
	}
}

func TestConverter_Convert_RoundsToCents(t *testing.T) {
	converter := newTestConverter(newEURProvider())

	result := converter.Convert(context.Background(), decimal.RequireFromString("10.01"), "EUR", "GBP")

	// 10.01 * 0.8567 = 8.575567
	if !result.ConvertedAmount.Equal(decimal.RequireFromString("8.58")) {
		t.Errorf("ConvertedAmount = %s, want 8.58", result.ConvertedAmount)
	}
}

func TestConverter_Convert_FetchFailureFallsBack(t *testing.T) {
	provider := &MockProvider{name: "broken", err: &ServiceError{Type: ErrorTypeNetworkError, Message: "dial failed"}}
	converter := newTestConverter(provider)

	result := converter.Convert(context.Background(), decimal.NewFromInt(100), "EUR", "USD")

	if !result.ConvertedAmount.Equal(decimal.NewFromInt(100)) {
		t.Errorf("ConvertedAmount = %s, want 100", result.ConvertedAmount)
	}
	if !result.Rate.Equal(decimal.NewFromInt(1)) {
		t.Errorf("Rate = %s, want 1", result.Rate)
	}
	if !result.Fallback {
		t.Error("Fallback = false, want true")
	}
}

func TestConverter_Convert_MissingRateFallsBack(t *testing.T) {
	converter := newTestConverter(newEURProvider())

	result := converter.Convert(context.Background(), decimal.NewFromInt(7), "EUR", "CHF")

	if !result.ConvertedAmount.Equal(decimal.NewFromInt(7)) || !result.Rate.Equal(decimal.NewFromInt(1)) {
		t.Errorf("Convert(EUR, CHF) = %s @ %s, want identity", result.ConvertedAmount, result.Rate)
	}
}

func TestConverter_CacheTTL(t *testing.T) {
	provider := newEURProvider()
	converter := newTestConverter(provider)

	current := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	converter.now = func() time.Time { return current }

	converter.Convert(context.Background(), decimal.NewFromInt(1), "EUR", "USD")
	converter.Convert(context.Background(), decimal.NewFromInt(2), "EUR", "GBP")
	if calls := provider.calls.Load(); calls != 1 {
		t.Fatalf("provider calls within TTL = %d, want 1", calls)
	}

	current = current.Add(59 * time.Minute)
	converter.Convert(context.Background(), decimal.NewFromInt(3), "EUR", "USD")
	if calls := provider.calls.Load(); calls != 1 {
		t.Fatalf("provider calls before expiry = %d, want 1", calls)
	}

	current = current.Add(2 * time.Minute)
	converter.Convert(context.Background(), decimal.NewFromInt(4), "EUR", "USD")
	converter.Convert(context.Background(), decimal.NewFromInt(5), "EUR", "USD")
	if calls := provider.calls.Load(); calls != 2 {
		t.Errorf("provider calls after expiry = %d, want 2", calls)
	}
}

func TestConverter_FailedFetchIsNotCached(t *testing.T) {
	provider := &MockProvider{name: "flaky", err: errors.New("boom")}
	converter := newTestConverter(provider)

	converter.Convert(context.Background(), decimal.NewFromInt(1), "EUR", "USD")
	converter.Convert(context.Background(), decimal.NewFromInt(1), "EUR", "USD")

	if calls := provider.calls.Load(); calls != 2 {
		t.Errorf("provider calls = %d, want 2", calls)
	}
}

func TestConverter_ConcurrentMissesShareOneFetch(t *testing.T) {
	provider := newEURProvider()
	provider.delay = 50 * time.Millisecond
	converter := newTestConverter(provider)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			converter.Convert(context.Background(), decimal.NewFromInt(10), "EUR", "USD")
		}()
	}
	wg.Wait()

	if calls := provider.calls.Load(); calls != 1 {
		t.Errorf("provider calls = %d, want 1", calls)
	}
}

func TestConverter_GetMultipleRates(t *testing.T) {
	converter := newTestConverter(newEURProvider())

	rates := converter.GetMultipleRates(context.Background(), "EUR", []string{"usd", "GBP", "XYZ", "EUR"})

	expected := map[string]string{"USD": "1.1", "GBP": "0.8567", "XYZ": "1", "EUR": "1"}
	if len(rates) != len(expected) {
		t.Fatalf("GetMultipleRates() returned %d rates, want %d", len(rates), len(expected))
	}
	for code, want := range expected {
		if !rates[code].Equal(decimal.RequireFromString(want)) {
			t.Errorf("rate[%s] = %s, want %s", code, rates[code], want)
		}
	}
}

func TestConverter_GetMultipleRates_FetchFailure(t *testing.T) {
	converter := newTestConverter(&MockProvider{name: "broken", err: errors.New("boom")})

	rates := converter.GetMultipleRates(context.Background(), "EUR", []string{"USD", "GBP"})

	for _, code := range []string{"USD", "GBP"} {
		if !rates[code].Equal(decimal.NewFromInt(1)) {
			t.Errorf("rate[%s] = %s, want 1", code, rates[code])
		}
	}
}

func TestConverter_IsConversionSupported(t *testing.T) {
	converter := newTestConverter(newEURProvider())
	ctx := context.Background()

	tests := []struct {
		from, to string
		expected bool
	}{
		{"EUR", "USD", true},
		{"eur", "gbp", true},
		{"EUR", "CHF", false},
		{"JPY", "JPY", true},
		{"", "USD", false},
	}

	for _, tt := range tests {
		if got := converter.IsConversionSupported(ctx, tt.from, tt.to); got != tt.expected {
			t.Errorf("IsConversionSupported(%q, %q) = %v, want %v", tt.from, tt.to, got, tt.expected)
		}
	}

	broken := newTestConverter(&MockProvider{name: "broken", err: errors.New("boom")})
	if broken.IsConversionSupported(ctx, "EUR", "USD") {
		t.Error("IsConversionSupported() = true on fetch failure, want false")
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected ErrorType
	}{
		{"nil", nil, ErrorTypeUnknown},
		{"service error", &ServiceError{Type: ErrorTypeInvalidResponse, Message: "bad"}, ErrorTypeInvalidResponse},
		{"cancelled", context.Canceled, ErrorTypeContextCancelled},
		{"deadline", context.DeadlineExceeded, ErrorTypeContextCancelled},
		{"rate missing", ErrRateNotFound, ErrorTypeRateNotFound},
		{"plain", errors.New("boom"), ErrorTypeUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifyError(tt.err); got != tt.expected {
				t.Errorf("classifyError() = %v, want %v", got, tt.expected)
			}
		})
	}
}
