package tenant

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Store returns the current configuration snapshot for a tenant. Callers ask
// once per turn; implementations must only re-parse when the version moved.
type Store interface {
	Get(ctx context.Context, tenantID string) (*CompanyConfig, error)
}

// Parse decodes and normalizes a YAML configuration document.
func Parse(data []byte) (*CompanyConfig, error) {
	var cfg CompanyConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: decode yaml: %v", ErrInvalid, err)
	}
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFile reads one tenant file.
func LoadFile(path string) (*CompanyConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tenant file: %w", err)
	}
	return Parse(data)
}

// StaticStore serves fixed configurations. Used by tests and the CLI.
type StaticStore struct {
	configs map[string]*CompanyConfig
}

// NewStaticStore indexes cfgs by tenant id.
func NewStaticStore(cfgs ...*CompanyConfig) *StaticStore {
	s := &StaticStore{configs: make(map[string]*CompanyConfig, len(cfgs))}
	for _, c := range cfgs {
		s.configs[c.TenantID] = c
	}
	return s
}

// Get implements Store.
func (s *StaticStore) Get(_ context.Context, tenantID string) (*CompanyConfig, error) {
	cfg, ok := s.configs[tenantID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, tenantID)
	}
	return cfg, nil
}

type fileEntry struct {
	modTime time.Time
	size    int64
	cfg     *CompanyConfig
}

// FileStore loads <dir>/<tenant>.yaml (or .yml) and re-parses a file only when
// its modification time or size changed since the last read.
type FileStore struct {
	dir string

	mu      sync.Mutex
	entries map[string]fileEntry
}

// NewFileStore creates a store rooted at dir.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir, entries: make(map[string]fileEntry)}
}

// Get implements Store.
func (s *FileStore) Get(_ context.Context, tenantID string) (*CompanyConfig, error) {
	if !validTenantID(tenantID) {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, tenantID)
	}

	path, info, err := s.resolve(tenantID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[tenantID]; ok && e.modTime.Equal(info.ModTime()) && e.size == info.Size() {
		return e.cfg, nil
	}

	cfg, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	if cfg.TenantID != tenantID {
		return nil, fmt.Errorf("%w: file %s declares tenant %q", ErrInvalid, path, cfg.TenantID)
	}
	s.entries[tenantID] = fileEntry{modTime: info.ModTime(), size: info.Size(), cfg: cfg}
	return cfg, nil
}

func (s *FileStore) resolve(tenantID string) (string, os.FileInfo, error) {
	for _, ext := range []string{".yaml", ".yml"} {
		path := filepath.Join(s.dir, tenantID+ext)
		info, err := os.Stat(path)
		if err == nil {
			return path, info, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", nil, fmt.Errorf("stat tenant file: %w", err)
		}
	}
	return "", nil, fmt.Errorf("%w: %s", ErrNotFound, tenantID)
}

func validTenantID(id string) bool {
	if id == "" || strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return false
	}
	return true
}

// LayeredStore asks each store in turn and returns the first configuration
// found. Only ErrNotFound moves on to the next store; any other error is
// returned as is.
type LayeredStore []Store

// Get implements Store.
func (l LayeredStore) Get(ctx context.Context, tenantID string) (*CompanyConfig, error) {
	for _, s := range l {
		cfg, err := s.Get(ctx, tenantID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		return cfg, err
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, tenantID)
}
