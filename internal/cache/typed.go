package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// GetJSON reads and decodes a JSON-valued key. ok is false on a clean miss.
func GetJSON[T any](ctx context.Context, s *Store, key string) (T, bool, error) {
	var out T
	raw, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return out, ok, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, false, fmt.Errorf("decode %s: %w", key, err)
	}
	return out, true, nil
}

// SetJSON encodes and writes a JSON-valued key with the given TTL.
func SetJSON(ctx context.Context, s *Store, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.Set(ctx, key, raw, ttl)
}
