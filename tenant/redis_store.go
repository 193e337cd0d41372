package tenant

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisStore reads configurations published by the admin surface under
//
//	tenant:<id>:version  -> integer version
//	tenant:<id>:config   -> YAML document
//
// Every Get costs one GET of the version key; the document is fetched and
// parsed only when the version differs from the cached snapshot.
type RedisStore struct {
	client *redis.Client

	mu    sync.RWMutex
	cache map[string]*CompanyConfig
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, cache: make(map[string]*CompanyConfig)}
}

func versionKey(tenantID string) string { return "tenant:" + tenantID + ":version" }
func configKey(tenantID string) string  { return "tenant:" + tenantID + ":config" }

// Get implements Store. The version key is checked first; on a miss the
// version and document are read together so they always match.
func (s *RedisStore) Get(ctx context.Context, tenantID string) (*CompanyConfig, error) {
	raw, err := s.client.Get(ctx, versionKey(tenantID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, tenantID)
	}
	if err != nil {
		return nil, fmt.Errorf("read tenant version: %w", err)
	}
	version, err := parseVersion(raw)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	cached, ok := s.cache[tenantID]
	s.mu.RUnlock()
	if ok && cached.Version == version {
		return cached, nil
	}

	vals, err := s.client.MGet(ctx, versionKey(tenantID), configKey(tenantID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read tenant config: %w", err)
	}
	rawVersion, _ := vals[0].(string)
	doc, ok := vals[1].(string)
	if rawVersion == "" {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, tenantID)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s has a version but no document", ErrNotFound, tenantID)
	}
	if version, err = parseVersion(rawVersion); err != nil {
		return nil, err
	}

	cfg, err := Parse([]byte(doc))
	if err != nil {
		return nil, err
	}
	cfg.Version = version

	s.mu.Lock()
	s.cache[tenantID] = cfg
	s.mu.Unlock()
	return cfg, nil
}

func parseVersion(raw string) (int64, error) {
	version, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: version %q is not an integer", ErrInvalid, raw)
	}
	return version, nil
}

// Publish stores a document and bumps the version in one transaction.
func (s *RedisStore) Publish(ctx context.Context, tenantID string, doc []byte) (int64, error) {
	cfg, err := Parse(doc)
	if err != nil {
		return 0, err
	}
	if cfg.TenantID != tenantID {
		return 0, fmt.Errorf("%w: document declares tenant %q", ErrInvalid, cfg.TenantID)
	}
	var incr *redis.IntCmd
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, configKey(tenantID), doc, 0)
		incr = pipe.Incr(ctx, versionKey(tenantID))
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("publish tenant config: %w", err)
	}
	return incr.Val(), nil
}
