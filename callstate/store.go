package callstate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when no state exists for a call.
var ErrNotFound = errors.New("call state not found")

// Store persists state between turns. Save is called once at the end of each
// turn.
type Store interface {
	Load(ctx context.Context, tenantID, callID string) (*State, error)
	Save(ctx context.Context, s *State) error
	Delete(ctx context.Context, tenantID, callID string) error
}

// Key returns the storage key of a call.
func Key(tenantID, callID string) string {
	return "call:" + tenantID + ":" + callID
}

// RedisStore keeps one JSON document per call with a sliding TTL.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore wraps client. Documents expire ttl after the last save.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

// Load implements Store.
func (s *RedisStore) Load(ctx context.Context, tenantID, callID string) (*State, error) {
	data, err := s.client.Get(ctx, Key(tenantID, callID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load call state: %w", err)
	}
	return Migrate(data)
}

// Save implements Store.
func (s *RedisStore) Save(ctx context.Context, st *State) error {
	data, err := Encode(st)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, Key(st.TenantID, st.CallID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("save call state: %w", err)
	}
	return nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, tenantID, callID string) error {
	if err := s.client.Del(ctx, Key(tenantID, callID)).Err(); err != nil {
		return fmt.Errorf("delete call state: %w", err)
	}
	return nil
}

// MemoryStore keeps encoded documents in process. Storing the encoded form
// makes it exercise the same migration path as Redis.
type MemoryStore struct {
	mu   sync.Mutex
	docs map[string][]byte
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string][]byte)}
}

// Load implements Store.
func (m *MemoryStore) Load(_ context.Context, tenantID, callID string) (*State, error) {
	m.mu.Lock()
	data, ok := m.docs[Key(tenantID, callID)]
	m.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	return Migrate(data)
}

// Save implements Store.
func (m *MemoryStore) Save(_ context.Context, st *State) error {
	data, err := Encode(st)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.docs[Key(st.TenantID, st.CallID)] = data
	m.mu.Unlock()
	return nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(_ context.Context, tenantID, callID string) error {
	m.mu.Lock()
	delete(m.docs, Key(tenantID, callID))
	m.mu.Unlock()
	return nil
}

// Put stores a raw document. Used to seed older schema versions.
func (m *MemoryStore) Put(tenantID, callID string, doc []byte) {
	m.mu.Lock()
	m.docs[Key(tenantID, callID)] = doc
	m.mu.Unlock()
}
