package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Checker-Finance/exchange-connectors/pkg/model"
)

// ErrNoPostgres is returned by Exec when the store runs without Postgres.
var ErrNoPostgres = errors.New("postgres not configured")

// KeyPrefix namespaces dependency health records in the settings store.
const KeyPrefix = "Api.State."

// Key returns the settings key for a dependency.
func Key(dependency string) string {
	return KeyPrefix + dependency
}

// StateStore persists external dependency health across restarts.
// Writes are last-write-wins; concurrent writers from other instances are expected.
type StateStore interface {
	// GetState returns the stored state or def when nothing is stored.
	GetState(ctx context.Context, key string, def model.ExternalDependencyState) (model.ExternalDependencyState, error)
	SetState(ctx context.Context, key string, state model.ExternalDependencyState, actorRole string) error
	HealthCheck(ctx context.Context) error
	Close() error
}

// pgConn is the subset of *pgxpool.Pool the store uses.
type pgConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// HybridStore keeps the hot copy in Redis and the durable copy in
// Postgres (config.t_setting). Postgres is optional.
type HybridStore struct {
	redis  *redis.Client
	pg     pgConn
	logger *zap.Logger
}

type PGPoolConfig struct {
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
}

// NewHybrid creates a Redis-first, Postgres-backed store.
func NewHybrid(redisAddr, redisPassword string, redisDB int, pgURL string, pgPoolConfig PGPoolConfig, logger *zap.Logger) (*HybridStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	rdb := redis.NewClient(&redis.Options{
		Addr:     redisAddr,
		Password: redisPassword,
		DB:       redisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	s := &HybridStore{redis: rdb, logger: logger}
	if pgURL == "" {
		return s, nil
	}

	cfg, err := pgxpool.ParseConfig(pgURL)
	if err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("invalid pg config: %w", err)
	}
	if pgPoolConfig.MaxConns > 0 {
		cfg.MaxConns = pgPoolConfig.MaxConns
	}
	if pgPoolConfig.MinConns > 0 {
		cfg.MinConns = pgPoolConfig.MinConns
	}
	if pgPoolConfig.MaxConnLifetime > 0 {
		cfg.MaxConnLifetime = pgPoolConfig.MaxConnLifetime
	}
	if pgPoolConfig.MaxConnIdleTime > 0 {
		cfg.MaxConnIdleTime = pgPoolConfig.MaxConnIdleTime
	}
	if pgPoolConfig.HealthCheckPeriod > 0 {
		cfg.HealthCheckPeriod = pgPoolConfig.HealthCheckPeriod
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	s.pg = pool
	return s, nil
}

// GetState reads Redis first. On a miss it falls back to Postgres and
// warms Redis with what it found.
func (s *HybridStore) GetState(ctx context.Context, key string, def model.ExternalDependencyState) (model.ExternalDependencyState, error) {
	var state model.ExternalDependencyState
	err := s.GetJSON(ctx, key, &state)
	switch {
	case err == nil:
		return state, nil
	case !errors.Is(err, redis.Nil):
		return def, fmt.Errorf("get %s: %w", key, err)
	}

	if s.pg == nil {
		return def, nil
	}

	var raw []byte
	err = s.pg.QueryRow(ctx, `
		SELECT j_value
		FROM config.t_setting
		WHERE s_key = $1;
	`, key).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return def, nil
	}
	if err != nil {
		return def, fmt.Errorf("get %s from postgres: %w", key, err)
	}
	if err := json.Unmarshal(raw, &state); err != nil {
		return def, fmt.Errorf("decode %s: %w", key, err)
	}

	if err := s.redis.Set(ctx, key, raw, 0).Err(); err != nil {
		s.logger.Warn("store.redis.warm_failed", zap.String("key", key), zap.Error(err))
	}
	return state, nil
}

// SetState writes both tiers. A Postgres failure is returned but does not
// undo the Redis write.
func (s *HybridStore) SetState(ctx context.Context, key string, state model.ExternalDependencyState, actorRole string) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	if err := s.redis.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	if s.pg == nil {
		return nil
	}
	_, err = s.pg.Exec(ctx, `
		INSERT INTO config.t_setting (s_key, j_value, s_updated_by, dt_updated)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (s_key)
		DO UPDATE SET
			j_value = EXCLUDED.j_value,
			s_updated_by = EXCLUDED.s_updated_by,
			dt_updated = EXCLUDED.dt_updated;
	`, key, data, actorRole)
	if err != nil {
		s.logger.Error("store.pg.setting_upsert_failed", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("set %s in postgres: %w", key, err)
	}
	return nil
}

// HasPostgres reports whether the durable tier is configured.
func (s *HybridStore) HasPostgres() bool { return s.pg != nil }

// Exec runs sql on the Postgres pool so other writers can share it.
func (s *HybridStore) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if s.pg == nil {
		return pgconn.CommandTag{}, ErrNoPostgres
	}
	return s.pg.Exec(ctx, sql, args...)
}

func (s *HybridStore) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return s.redis.Set(ctx, key, data, ttl).Err()
}

func (s *HybridStore) GetJSON(ctx context.Context, key string, dest any) error {
	data, err := s.redis.Get(ctx, key).Bytes()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dest)
}

func (s *HybridStore) HealthCheck(ctx context.Context) error {
	if s.redis == nil {
		return fmt.Errorf("redis not initialized")
	}
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	if s.pg != nil {
		if err := s.pg.Ping(ctx); err != nil {
			return fmt.Errorf("postgres ping failed: %w", err)
		}
	}
	return nil
}

func (s *HybridStore) Close() error {
	if s.pg != nil {
		s.pg.Close()
	}
	if s.redis != nil {
		return s.redis.Close()
	}
	return nil
}

// MemoryStore is a process-local StateStore.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]model.ExternalDependencyState
	actors map[string]string
	writes int
}

func NewMemory() *MemoryStore {
	return &MemoryStore{
		values: make(map[string]model.ExternalDependencyState),
		actors: make(map[string]string),
	}
}

func (m *MemoryStore) GetState(_ context.Context, key string, def model.ExternalDependencyState) (model.ExternalDependencyState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if v, ok := m.values[key]; ok {
		return v, nil
	}
	return def, nil
}

func (m *MemoryStore) SetState(_ context.Context, key string, state model.ExternalDependencyState, actorRole string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = state
	m.actors[key] = actorRole
	m.writes++
	return nil
}

// Writes returns the number of SetState calls.
func (m *MemoryStore) Writes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writes
}

// Actor returns the role that last wrote key.
func (m *MemoryStore) Actor(key string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.actors[key]
}

func (m *MemoryStore) HealthCheck(context.Context) error { return nil }
func (m *MemoryStore) Close() error                      { return nil }
