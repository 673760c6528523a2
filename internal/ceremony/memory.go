// ABOUTME: In-process ceremony store backed by go-cache
// ABOUTME: Records are held encoded and a mutex makes get-and-delete atomic so each has one taker

package ceremony

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// MemoryStore keeps records in process memory. Suitable for a single
// instance; use RedisStore when several instances share ceremonies.
type MemoryStore struct {
	mu sync.Mutex
	c  *gocache.Cache
}

// NewMemoryStore creates a store whose records expire after ttl.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{c: gocache.New(ttl, time.Minute)}
}

// Put stores rec under a fresh token.
func (m *MemoryStore) Put(ctx context.Context, rec *Record) (string, error) {
	token, err := newToken()
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("encoding ceremony: %w", err)
	}
	m.c.SetDefault(token, data)
	return token, nil
}

// Take returns the record for token and removes it.
func (m *MemoryStore) Take(ctx context.Context, token string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.c.Get(token)
	if !ok {
		return nil, ErrNotFound
	}
	m.c.Delete(token)

	data, ok := v.([]byte)
	if !ok {
		return nil, ErrNotFound
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding ceremony: %w", err)
	}
	return &rec, nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }
