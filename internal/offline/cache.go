package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dalfonso89/fine-life/internal/store"
)

// CachedResponse is a stored upstream GET response
type CachedResponse struct {
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	Body     []byte      `json:"body"`
	StoredAt int64       `json:"storedAt"`
}

// ResponseCache is the read-through cache for upstream GET responses
type ResponseCache struct {
	store store.Store
	now   func() time.Time
}

// NewResponseCache creates a cache over s
func NewResponseCache(s store.Store) *ResponseCache {
	return &ResponseCache{store: s, now: time.Now}
}

func cacheKey(requestURI string) string {
	return http.MethodGet + " " + requestURI
}

// Get looks up a cached response for requestURI
func (c *ResponseCache) Get(ctx context.Context, requestURI string) (CachedResponse, bool, error) {
	var cached CachedResponse
	found := false
	err := c.store.View(ctx, func(tx store.Tx) error {
		data, err := tx.Get(store.BucketResponses, cacheKey(requestURI))
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := json.Unmarshal(data, &cached); err != nil {
			return fmt.Errorf("corrupt cached response for %s: %w", requestURI, err)
		}
		found = true
		return nil
	})
	return cached, found, err
}

// Put stores a response for requestURI
func (c *ResponseCache) Put(ctx context.Context, requestURI string, response CachedResponse) error {
	response.StoredAt = c.now().UnixMilli()
	data, err := json.Marshal(response)
	if err != nil {
		return fmt.Errorf("failed to encode cached response: %w", err)
	}
	return c.store.Update(ctx, func(tx store.Tx) error {
		return tx.Put(store.BucketResponses, cacheKey(requestURI), data)
	})
}

// invalidatePrefixTx drops cached responses whose path starts with pathPrefix
func invalidatePrefixTx(tx store.Tx, pathPrefix string) error {
	prefix := cacheKey(pathPrefix)
	var stale []string
	err := tx.ForEach(store.BucketResponses, func(key string, value []byte) error {
		if strings.HasPrefix(key, prefix) {
			stale = append(stale, key)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, key := range stale {
		if err := tx.Delete(store.BucketResponses, key); err != nil {
			return err
		}
	}
	return nil
}
