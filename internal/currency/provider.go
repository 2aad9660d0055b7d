package currency

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/dalfonso89/fine-life/internal/config"
	"github.com/dalfonso89/fine-life/internal/models"
)

// RatesProvider fetches the rate table for a base currency
type RatesProvider interface {
	GetName() string
	GetRates(ctx context.Context, baseCurrency string) (models.ExchangeRateSnapshot, error)
}

// HTTPRatesProvider reads the static currency CDN layout:
// GET {base}/v1/currencies/{code}.json -> {"date": "...", "{code}": {"usd": 1.1, ...}}
type HTTPRatesProvider struct {
	configuration config.RatesProvider
	logger        logrus.FieldLogger
	httpClient    *http.Client
}

// NewHTTPRatesProvider creates a new HTTP rates provider
func NewHTTPRatesProvider(configuration config.RatesProvider, logger logrus.FieldLogger) *HTTPRatesProvider {
	timeout := configuration.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPRatesProvider{
		configuration: configuration,
		logger:        logger,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// GetName returns the provider name
func (provider *HTTPRatesProvider) GetName() string {
	return provider.configuration.Name
}

// GetRates fetches the rate table for baseCurrency
func (provider *HTTPRatesProvider) GetRates(ctx context.Context, baseCurrency string) (models.ExchangeRateSnapshot, error) {
	code := strings.ToLower(strings.TrimSpace(baseCurrency))
	url := provider.buildURL(code)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return models.ExchangeRateSnapshot{}, &ServiceError{Type: ErrorTypeNetworkError, Message: "failed to create request", Cause: err}
	}
	req.Header.Set("Accept", "application/json")

	provider.logger.Debugf("Fetching rates for %s from %s", code, url)

	resp, err := provider.httpClient.Do(req)
	if err != nil {
		return models.ExchangeRateSnapshot{}, &ServiceError{Type: classifyError(err), Message: "failed to make request", Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return models.ExchangeRateSnapshot{}, &ServiceError{
			Type:    ErrorTypeInvalidResponse,
			Message: fmt.Sprintf("provider returned status %d", resp.StatusCode),
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return models.ExchangeRateSnapshot{}, &ServiceError{Type: ErrorTypeNetworkError, Message: "failed to read response body", Cause: err}
	}

	return provider.parseResponse(body, code)
}

func (provider *HTTPRatesProvider) buildURL(code string) string {
	return fmt.Sprintf("%s/v1/currencies/%s.json", provider.configuration.BaseURL, code)
}

// parseResponse picks the nested table keyed by the base code. Entries that
// are not numbers are skipped rather than failing the whole table.
func (provider *HTTPRatesProvider) parseResponse(body []byte, code string) (models.ExchangeRateSnapshot, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return models.ExchangeRateSnapshot{}, &ServiceError{Type: ErrorTypeInvalidResponse, Message: "failed to parse rates response", Cause: err}
	}

	var date string
	if raw, ok := envelope["date"]; ok {
		_ = json.Unmarshal(raw, &date)
	}

	rawTable, ok := envelope[code]
	if !ok {
		return models.ExchangeRateSnapshot{}, &ServiceError{
			Type:    ErrorTypeInvalidResponse,
			Message: fmt.Sprintf("rates response has no table for %q", code),
		}
	}

	var table map[string]interface{}
	decoder := json.NewDecoder(strings.NewReader(string(rawTable)))
	decoder.UseNumber()
	if err := decoder.Decode(&table); err != nil {
		return models.ExchangeRateSnapshot{}, &ServiceError{Type: ErrorTypeInvalidResponse, Message: "failed to parse rate table", Cause: err}
	}

	rates := make(map[string]decimal.Decimal, len(table))
	for target, value := range table {
		number, isNumber := value.(json.Number)
		if !isNumber {
			provider.logger.Debugf("Skipping non-numeric rate %s/%s", code, target)
			continue
		}
		rate, err := decimal.NewFromString(number.String())
		if err != nil {
			provider.logger.Debugf("Skipping malformed rate %s/%s: %v", code, target, err)
			continue
		}
		rates[strings.ToLower(target)] = rate
	}

	return models.ExchangeRateSnapshot{
		BaseCurrency: strings.ToUpper(code),
		Rates:        rates,
		Date:         date,
		Provider:     provider.configuration.Name,
	}, nil
}
