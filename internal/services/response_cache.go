package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/prudhvinik1/offlinecore/internal/repositories"
)

// GetCachedResponse returns the last saved response for key. Missing entries,
// store errors, unparsable blobs and a stored JSON null all read as absent.
func (c *OfflineCoordinator) GetCachedResponse(ctx context.Context, key string) (json.RawMessage, bool) {
	raw, err := c.store.Get(ctx, c.cachePrefix+key)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, false
	}
	if err != nil {
		c.log.WithError(err).WithField("key", key).Warn("failed to read cached response")
		return nil, false
	}
	if !json.Valid([]byte(raw)) {
		c.log.WithField("key", key).Warn("cached response is not valid JSON")
		return nil, false
	}
	if isJSONNull(raw) {
		return nil, false
	}
	return json.RawMessage(raw), true
}

// GetCachedResponses reads several entries in one store round trip. Absent
// and unparsable entries are left out of the result.
func (c *OfflineCoordinator) GetCachedResponses(ctx context.Context, keys []string) map[string]json.RawMessage {
	responses := make(map[string]json.RawMessage)
	if len(keys) == 0 {
		return responses
	}

	storeKeys := make([]string, len(keys))
	for i, key := range keys {
		storeKeys[i] = c.cachePrefix + key
	}

	values, err := c.store.MultiGet(ctx, storeKeys)
	if err != nil {
		c.log.WithError(err).Warn("failed to read cached responses")
		return responses
	}

	for i, storeKey := range storeKeys {
		raw, ok := values[storeKey]
		if !ok || !json.Valid([]byte(raw)) || isJSONNull(raw) {
			continue
		}
		responses[keys[i]] = json.RawMessage(raw)
	}
	return responses
}

// SaveCachedResponse overwrites the entry for key. There is no expiry; callers
// decide when cached data is too old to show.
func (c *OfflineCoordinator) SaveCachedResponse(ctx context.Context, key string, data interface{}) error {
	raw, err := marshalPayload(data)
	if err != nil {
		return err
	}

	if err := c.store.Set(ctx, c.cachePrefix+key, string(raw)); err != nil {
		c.log.WithError(err).WithField("key", key).Warn("failed to save cached response")
		return fmt.Errorf("failed to save cached response: %w", err)
	}
	return nil
}

// SaveCachedResponses writes several entries with a single store call.
func (c *OfflineCoordinator) SaveCachedResponses(ctx context.Context, entries map[string]interface{}) error {
	pairs := make(map[string]string, len(entries))
	for key, data := range entries {
		raw, err := marshalPayload(data)
		if err != nil {
			return fmt.Errorf("failed to marshal cached response %s: %w", key, err)
		}
		pairs[c.cachePrefix+key] = string(raw)
	}

	if err := c.store.MultiSet(ctx, pairs); err != nil {
		c.log.WithError(err).Warn("failed to save cached responses")
		return fmt.Errorf("failed to save cached responses: %w", err)
	}
	return nil
}

// DecodeCachedResponse unmarshals the cached entry for key into T.
func DecodeCachedResponse[T any](ctx context.Context, c *OfflineCoordinator, key string) (T, bool) {
	var value T
	raw, ok := c.GetCachedResponse(ctx, key)
	if !ok {
		return value, false
	}
	if err := json.Unmarshal(raw, &value); err != nil {
		return value, false
	}
	return value, true
}

func isJSONNull(raw string) bool {
	return strings.TrimSpace(raw) == "null"
}
