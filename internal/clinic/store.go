package clinic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store provides persistence for clinic scheduling configuration.
type Store struct {
	redis    *redis.Client
	now      func() time.Time
	defaults func(clinicID string) *Config
}

// NewStore creates a new clinic config store.
func NewStore(redisClient *redis.Client) *Store {
	if redisClient == nil {
		panic("clinic: redis client required")
	}
	return &Store{redis: redisClient, now: time.Now, defaults: DefaultConfig}
}

// WithDefaults replaces the snapshot written on first read.
func (s *Store) WithDefaults(fn func(clinicID string) *Config) *Store {
	if fn != nil {
		s.defaults = fn
	}
	return s
}

func (s *Store) key(clinicID string) string {
	return fmt.Sprintf("clinic:config:%s", clinicID)
}

// Get retrieves the clinic config. When none is stored, the default snapshot
// is written and returned.
func (s *Store) Get(ctx context.Context, clinicID string) (*Config, error) {
	data, err := s.redis.Get(ctx, s.key(clinicID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return s.createDefault(ctx, clinicID)
	}
	if err != nil {
		return nil, fmt.Errorf("clinic: get config: %w", err)
	}
	return decode(data)
}

func (s *Store) createDefault(ctx context.Context, clinicID string) (*Config, error) {
	cfg := s.defaults(clinicID)
	cfg.UpdatedAt = s.now().UTC()
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("clinic: marshal default: %w", err)
	}
	created, err := s.redis.SetNX(ctx, s.key(clinicID), data, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("clinic: create default: %w", err)
	}
	if created {
		return cfg, nil
	}
	// Another request created it first.
	data, err = s.redis.Get(ctx, s.key(clinicID)).Bytes()
	if err != nil {
		return nil, fmt.Errorf("clinic: reread config: %w", err)
	}
	return decode(data)
}

// Set validates and saves clinic config.
func (s *Store) Set(ctx context.Context, cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	cfg.UpdatedAt = s.now().UTC()
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("clinic: marshal config: %w", err)
	}
	if err := s.redis.Set(ctx, s.key(cfg.ClinicID), data, 0).Err(); err != nil {
		return fmt.Errorf("clinic: set config: %w", err)
	}
	return nil
}

func decode(data []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("clinic: unmarshal config: %w", err)
	}
	return &cfg, nil
}

// MemoryStore keeps clinic config in process. Used when Redis is not
// configured.
type MemoryStore struct {
	mu       sync.Mutex
	configs  map[string]Config
	defaults func(clinicID string) *Config
}

func NewMemoryStore(defaults func(clinicID string) *Config) *MemoryStore {
	if defaults == nil {
		defaults = DefaultConfig
	}
	return &MemoryStore{configs: make(map[string]Config), defaults: defaults}
}

func (s *MemoryStore) Get(_ context.Context, clinicID string) (*Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.configs[clinicID]
	if !ok {
		created := s.defaults(clinicID)
		created.UpdatedAt = time.Now().UTC()
		s.configs[clinicID] = *created
		cfg = *created
	}
	return &cfg, nil
}

func (s *MemoryStore) Set(_ context.Context, cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg.UpdatedAt = time.Now().UTC()
	s.configs[cfg.ClinicID] = *cfg
	return nil
}
