package currency

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/dalfonso89/fine-life/internal/config"
	"github.com/dalfonso89/fine-life/internal/logger"
	"github.com/dalfonso89/fine-life/internal/models"
)

// ErrorType classifies conversion failures
type ErrorType int

const (
	ErrorTypeUnknown ErrorType = iota
	ErrorTypeContextCancelled
	ErrorTypeNetworkError
	ErrorTypeInvalidResponse
	ErrorTypeRateNotFound
)

func (t ErrorType) String() string {
	switch t {
	case ErrorTypeContextCancelled:
		return "context_cancelled"
	case ErrorTypeNetworkError:
		return "network_error"
	case ErrorTypeInvalidResponse:
		return "invalid_response"
	case ErrorTypeRateNotFound:
		return "rate_not_found"
	default:
		return "unknown"
	}
}

// ErrRateNotFound is returned when a snapshot has no rate for the target currency
var ErrRateNotFound = errors.New("rate not found")

// ServiceError represents a conversion error with type information
type ServiceError struct {
	Type    ErrorType
	Message string
	Cause   error
}

func (e *ServiceError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ServiceError) Unwrap() error {
	return e.Cause
}

// classifyError maps an arbitrary error onto an ErrorType
func classifyError(err error) ErrorType {
	var serviceError *ServiceError
	var netError net.Error

	switch {
	case err == nil:
		return ErrorTypeUnknown
	case errors.As(err, &serviceError):
		return serviceError.Type
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ErrorTypeContextCancelled
	case errors.Is(err, ErrRateNotFound):
		return ErrorTypeRateNotFound
	case errors.As(err, &netError):
		return ErrorTypeNetworkError
	default:
		return ErrorTypeUnknown
	}
}

// Converter converts amounts between currencies using a per-base snapshot
// cache. Conversion never fails: any error degrades to an identity rate.
type Converter struct {
	logger   logrus.FieldLogger
	provider RatesProvider
	ttl      time.Duration
	now      func() time.Time

	cacheMutex sync.RWMutex
	cache      map[string]models.CacheEntry

	singleFlightGroup singleflight.Group
}

// NewConverter creates a converter backed by the configured rates CDN
func NewConverter(configuration *config.Config, log *logger.Logger) *Converter {
	entry := log.Component("currency")
	provider := NewHTTPRatesProvider(configuration.RatesProvider, entry)
	return NewConverterWithProvider(provider, configuration.RatesCacheTTL, entry)
}

// NewConverterWithProvider creates a converter over an arbitrary provider
func NewConverterWithProvider(provider RatesProvider, ttl time.Duration, log logrus.FieldLogger) *Converter {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Converter{
		logger:   log,
		provider: provider,
		ttl:      ttl,
		now:      time.Now,
		cache:    make(map[string]models.CacheEntry),
	}
}

// Convert converts amount from one currency to another.
// Identical currencies never touch the network.
func (converter *Converter) Convert(ctx context.Context, amount decimal.Decimal, from, to string) models.ConversionResult {
	from, to = normalizeCode(from), normalizeCode(to)

	if from == to {
		return converter.identity(amount, from, to, false)
	}

	snapshot, err := converter.Snapshot(ctx, from)
	if err != nil {
		converter.logFailure(err, from, to)
		return converter.identity(amount, from, to, true)
	}

	rate, ok := snapshot.Rates[strings.ToLower(to)]
	if !ok {
		converter.logFailure(&ServiceError{
			Type:    ErrorTypeRateNotFound,
			Message: fmt.Sprintf("no %s rate in %s snapshot", to, from),
			Cause:   ErrRateNotFound,
		}, from, to)
		return converter.identity(amount, from, to, true)
	}

	return models.ConversionResult{
		From:            from,
		To:              to,
		Amount:          amount,
		ConvertedAmount: amount.Mul(rate).Round(2),
		Rate:            rate,
		Date:            snapshot.Date,
	}
}

// GetMultipleRates returns the rate from one currency to each of targets.
// Missing rates default to 1 and never abort the batch.
func (converter *Converter) GetMultipleRates(ctx context.Context, from string, targets []string) map[string]decimal.Decimal {
	from = normalizeCode(from)
	result := make(map[string]decimal.Decimal, len(targets))

	var snapshot models.ExchangeRateSnapshot
	var snapshotErr error
	fetched := false

	for _, target := range targets {
		code := normalizeCode(target)
		if code == "" {
			continue
		}
		if code == from {
			result[code] = decimal.NewFromInt(1)
			continue
		}
		if !fetched {
			snapshot, snapshotErr = converter.Snapshot(ctx, from)
			if snapshotErr != nil {
				converter.logFailure(snapshotErr, from, strings.Join(targets, ","))
			}
			fetched = true
		}
		rate, ok := snapshot.Rates[strings.ToLower(code)]
		if snapshotErr != nil || !ok {
			result[code] = decimal.NewFromInt(1)
			continue
		}
		result[code] = rate
	}

	return result
}

// IsConversionSupported reports whether a rate from -> to is available
func (converter *Converter) IsConversionSupported(ctx context.Context, from, to string) bool {
	from, to = normalizeCode(from), normalizeCode(to)
	if from == "" || to == "" {
		return false
	}
	if from == to {
		return true
	}

	snapshot, err := converter.Snapshot(ctx, from)
	if err != nil {
		converter.logger.Debugf("Conversion support probe %s->%s failed: %v", from, to, err)
		return false
	}
	_, ok := snapshot.Rates[strings.ToLower(to)]
	return ok
}

// Snapshot returns the cached snapshot for base, fetching it when absent or stale.
// Concurrent misses for the same base share one fetch.
func (converter *Converter) Snapshot(ctx context.Context, base string) (models.ExchangeRateSnapshot, error) {
	base = normalizeCode(base)

	if snapshot, ok := converter.cached(base); ok {
		return snapshot, nil
	}

	// the shared fetch must not die with whichever caller started it
	fetchContext := context.WithoutCancel(ctx)
	result, err, shared := converter.singleFlightGroup.Do("rates:"+base, func() (interface{}, error) {
		// a flight that finished between our miss and Do already filled the cache
		if snapshot, ok := converter.cached(base); ok {
			return snapshot, nil
		}
		return converter.fetch(fetchContext, base)
	})
	if err != nil {
		return models.ExchangeRateSnapshot{}, err
	}
	if shared {
		converter.logger.Debugf("Shared in-flight rates fetch for %s", base)
	}
	return result.(models.ExchangeRateSnapshot), nil
}

func (converter *Converter) cached(base string) (models.ExchangeRateSnapshot, bool) {
	converter.cacheMutex.RLock()
	entry, ok := converter.cache[base]
	converter.cacheMutex.RUnlock()
	if ok && converter.now().Before(entry.ExpiresAt) {
		return entry.Data, true
	}
	return models.ExchangeRateSnapshot{}, false
}

// clearCache drops every cached snapshot
func (converter *Converter) clearCache() {
	converter.cacheMutex.Lock()
	converter.cache = make(map[string]models.CacheEntry)
	converter.cacheMutex.Unlock()
}

func (converter *Converter) fetch(ctx context.Context, base string) (models.ExchangeRateSnapshot, error) {
	snapshot, err := converter.provider.GetRates(ctx, base)
	if err != nil {
		return models.ExchangeRateSnapshot{}, err
	}

	fetchedAt := converter.now()
	snapshot.FetchedAt = fetchedAt
	if snapshot.Date == "" {
		snapshot.Date = fetchedAt.Format(time.DateOnly)
	}

	converter.cacheMutex.Lock()
	converter.cache[base] = models.CacheEntry{
		Data:      snapshot,
		ExpiresAt: fetchedAt.Add(converter.ttl),
	}
	converter.cacheMutex.Unlock()

	converter.logger.Infof("Fetched %d %s rates from provider: %s", len(snapshot.Rates), base, converter.provider.GetName())
	return snapshot, nil
}

func (converter *Converter) identity(amount decimal.Decimal, from, to string, fallback bool) models.ConversionResult {
	return models.ConversionResult{
		From:            from,
		To:              to,
		Amount:          amount,
		ConvertedAmount: amount,
		Rate:            decimal.NewFromInt(1),
		Date:            converter.now().Format(time.DateOnly),
		Fallback:        fallback,
	}
}

func (converter *Converter) logFailure(err error, from, to string) {
	entry := converter.logger.WithFields(logrus.Fields{
		"from":       from,
		"to":         to,
		"error_type": classifyError(err).String(),
	})
	switch classifyError(err) {
	case ErrorTypeRateNotFound, ErrorTypeContextCancelled:
		entry.Warnf("Conversion fell back to identity rate: %v", err)
	default:
		entry.Errorf("Conversion fell back to identity rate: %v", err)
	}
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
